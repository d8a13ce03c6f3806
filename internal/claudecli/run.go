package claudecli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/basket/clawtask/internal/otel"
)

// ErrNotFound is returned by Run when the binary cannot be executed.
var ErrNotFound = errors.New("claude CLI not found")

// Response is the outcome of a one-shot Run.
type Response struct {
	Text         string
	Model        string
	SessionID    string
	DurationMS   int64
	NumTurns     int
	TotalCostUSD float64
}

type jsonOutput struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`
	DurationMS   int64   `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	SessionID    string  `json:"session_id"`
}

// Run makes a single blocking call using --output-format json, bounded by
// Config.Timeout. Output that is not a JSON object is returned as plain text.
func (c *Client) Run(ctx context.Context, prompt, model string) (Response, error) {
	resolved := ResolveModel(model, c.cfg.DefaultModel)
	ctx, span := otel.StartClientSpan(ctx, c.tracer, "claudecli.run", otel.AttrModel.String(resolved))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	cmd := c.command(prompt, resolved, "json")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		span.SetStatus(codes.Error, "spawn")
		if isNotFound(err) {
			return Response{}, fmt.Errorf("%w: %s", ErrNotFound, c.cfg.Binary)
		}
		return Response{}, fmt.Errorf("start claude CLI: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		span.SetStatus(codes.Error, "timeout")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Response{}, fmt.Errorf("claude CLI timed out (%s)", formatSeconds(c.cfg.Timeout))
		}
		return Response{}, ctx.Err()
	}

	c.logger.Info("claude run finished", "model", resolved, "elapsed", time.Since(start).Round(time.Millisecond).String())

	// A grandchild still holding an output pipe is not a failure of the call.
	if errors.Is(waitErr, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success() {
		c.logger.Debug("claude run: output pipe held open after exit")
		waitErr = nil
	}
	if waitErr != nil {
		span.SetStatus(codes.Error, "exit")
		msg := strings.TrimSpace(stderr.String())
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			if msg == "" {
				msg = fmt.Sprintf("claude exited with code %d", exitErr.ExitCode())
			}
			return Response{}, fmt.Errorf("claude CLI: %s", msg)
		}
		return Response{}, fmt.Errorf("claude CLI: %w", waitErr)
	}

	raw := strings.TrimSpace(stdout.String())
	var out jsonOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return Response{Text: raw, Model: resolved}, nil
	}
	if out.IsError || out.Subtype == subtypeExecutionError {
		span.SetStatus(codes.Error, "is_error")
		text := out.Result
		if text == "" {
			text = "unknown error"
		}
		return Response{}, fmt.Errorf("claude CLI error: %s", text)
	}
	return Response{
		Text:         out.Result,
		Model:        resolved,
		SessionID:    out.SessionID,
		DurationMS:   out.DurationMS,
		NumTurns:     out.NumTurns,
		TotalCostUSD: out.TotalCostUSD,
	}, nil
}
