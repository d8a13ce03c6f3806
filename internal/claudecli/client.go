// Package claudecli runs the claude CLI as a subprocess and exposes its
// stream-json output as a sequence of events.
package claudecli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/clawtask/internal/otel"
)

const (
	DefaultBinary        = "claude"
	DefaultModel         = "claude-cli/claude-sonnet-4-5"
	DefaultStreamTimeout = 15 * time.Minute
	DefaultTimeout       = 5 * time.Minute
	DefaultPollInterval  = 60 * time.Second

	maxStderrBytes = 64 << 10
	pipeGrace      = 500 * time.Millisecond
)

// Config controls how the CLI is launched.
type Config struct {
	Binary        string
	DefaultModel  string
	StreamTimeout time.Duration
	// Timeout bounds one-shot Run calls.
	Timeout time.Duration
	// PollInterval bounds each wait for a stdout line.
	PollInterval time.Duration
	ExtraArgs    []string
	// Env entries are appended to the parent environment.
	Env     map[string]string
	WorkDir string

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

// Client launches one claude process per Stream or Run call. It holds no
// per-call state and is safe for concurrent use.
type Client struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

func New(cfg Config) *Client {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = DefaultStreamTimeout
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 || cfg.PollInterval > DefaultPollInterval {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "claudecli"),
		tracer: otel.TracerOrNoop(cfg.Tracer),
	}
}

// DefaultModel returns the model used when a call passes "".
func (c *Client) DefaultModel() string {
	return c.cfg.DefaultModel
}

func (c *Client) command(prompt, model, format string) *exec.Cmd {
	args := []string{"--print", prompt, "--output-format", format}
	if format == "stream-json" {
		args = append(args, "--verbose")
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, c.cfg.ExtraArgs...)

	cmd := exec.Command(c.cfg.Binary, args...)
	cmd.Dir = c.cfg.WorkDir
	if len(c.cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range c.cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	return cmd
}

// Stream launches the CLI in stream-json mode and yields each parsed event
// as it arrives. The sequence is single-pass; ranging over it a second time
// yields nothing.
//
// Process failures never surface as errors. A missing binary, a non-zero
// exit without a result, or the stream deadline produce one synthetic
// result event with IsError set. When ctx is cancelled the process is
// killed and the sequence ends without a synthetic event. Breaking out of
// the loop also kills the process. In every case the process is reaped and
// stderr fully drained before the sequence returns.
func (c *Client) Stream(ctx context.Context, prompt, model string) iter.Seq2[Event, error] {
	var used atomic.Bool
	return func(yield func(Event, error) bool) {
		if used.Swap(true) {
			c.logger.Warn("claude stream already consumed")
			return
		}
		c.stream(ctx, prompt, model, func(ev Event) bool { return yield(ev, nil) })
	}
}

type outcome int

const (
	outcomeEOF outcome = iota
	outcomeTimeout
	outcomeCancelled
	outcomeAbandoned
)

func (c *Client) stream(ctx context.Context, prompt, model string, yield func(Event) bool) {
	resolved := ResolveModel(model, c.cfg.DefaultModel)
	ctx, span := otel.StartClientSpan(ctx, c.tracer, "claudecli.stream", otel.AttrModel.String(resolved))
	defer span.End()

	logger := c.logger.With("model", resolved)
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	deadline := start.Add(c.cfg.StreamTimeout)

	cmd := c.command(prompt, resolved, "stream-json")
	p, err := startProcess(cmd, logger)
	if err != nil {
		msg := spawnErrorMessage(c.cfg.Binary, err)
		logger.Error("claude stream spawn failed", "error", err)
		c.synthetic(ctx, span, "spawn")
		yield(SyntheticResult(msg))
		return
	}
	logger.Info("claude stream started", "pid", cmd.Process.Pid, "timeout", c.cfg.StreamTimeout.String())

	reaped := false
	defer func() {
		// A panic in the consumer unwinds through yield; still reap.
		if !reaped {
			p.finish(ctx, deadline, outcomeAbandoned)
		}
	}()

	sawResult := false
	result := outcomeEOF
	poll := time.NewTimer(c.cfg.PollInterval)
	defer poll.Stop()

	// Once the process has exited, a grandchild may still hold stdout open.
	// Lines already written get pipeGrace to arrive, then reading stops.
	exited := p.exited
	var grace *time.Timer
	var graceC <-chan time.Time
	defer func() {
		if grace != nil {
			grace.Stop()
		}
	}()

read:
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if exited == nil {
				break
			}
			result = outcomeTimeout
			break
		}
		resetTimer(poll, min(remaining, c.cfg.PollInterval))

		select {
		case <-ctx.Done():
			result = outcomeCancelled
			break read
		case line, ok := <-p.lines:
			if !ok {
				break read
			}
			if grace != nil {
				resetTimer(grace, pipeGrace)
			}
			ev, err := ParseEvent(line)
			if err != nil {
				logger.Debug("claude stream: skipping unparseable line", "bytes", len(line))
				continue
			}
			if ev.IsResult() {
				sawResult = true
			}
			if !yield(ev) {
				result = outcomeAbandoned
				break read
			}
		case <-exited:
			exited = nil
			grace = time.NewTimer(pipeGrace)
			graceC = grace.C
		case <-graceC:
			logger.Debug("claude exited but stdout is still open; stopping read")
			break read
		case <-poll.C:
			if time.Until(deadline) > 0 {
				logger.Debug("claude stream: no output this poll interval", "elapsed", time.Since(start).Round(time.Second).String())
			}
		}
	}

	exitCode, result := p.finish(ctx, deadline, result)
	reaped = true
	span.SetAttributes(otel.AttrExitCode.Int(exitCode))
	logger.Info("claude stream ended",
		"exit_code", exitCode,
		"timed_out", result == outcomeTimeout,
		"cancelled", result == outcomeCancelled,
		"got_result", sawResult,
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)

	switch result {
	case outcomeTimeout:
		if sawResult {
			logger.Warn("claude stream: deadline passed after the result event; keeping the result")
			break
		}
		c.synthetic(ctx, span, "timeout")
		yield(SyntheticResult(fmt.Sprintf("Error: claude CLI timed out after %s.", formatSeconds(c.cfg.StreamTimeout))))
	case outcomeEOF:
		if exitCode != 0 && !sawResult {
			stderrText := p.stderrText()
			if stderrText == "" {
				stderrText = fmt.Sprintf("claude exited with code %d", exitCode)
			}
			logger.Warn("claude stream: non-zero exit without result event", "stderr", stderrText)
			c.synthetic(ctx, span, "exit")
			yield(SyntheticResult(fmt.Sprintf("Error: claude CLI exited with code %d: %s", exitCode, stderrText)))
		}
	case outcomeCancelled:
		span.SetStatus(codes.Error, "cancelled")
	}
}

func (c *Client) synthetic(ctx context.Context, span trace.Span, reason string) {
	span.SetAttributes(otel.AttrSynthetic.String(reason))
	span.SetStatus(codes.Error, reason)
	c.cfg.Metrics.SyntheticResult(ctx, reason)
}

// process owns one running subprocess, its two reader goroutines, and the
// read ends of its output pipes.
type process struct {
	cmd    *exec.Cmd
	logger *slog.Logger

	stdout *os.File
	stderr *os.File

	lines      chan []byte
	stop       chan struct{}
	readerDone chan struct{}
	stderrDone chan struct{}
	exited     chan struct{}
	waitErr    error

	mu      sync.Mutex
	errText strings.Builder
}

// startProcess wires the child to pipes whose read ends we own, so reaping
// the child never waits on a grandchild that inherited a write end.
func startProcess(cmd *exec.Cmd, logger *slog.Logger) (*process, error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	err = cmd.Start()
	// The child has its own copies of the write ends.
	outW.Close()
	errW.Close()
	if err != nil {
		outR.Close()
		errR.Close()
		return nil, err
	}
	p := &process{
		cmd:        cmd,
		logger:     logger,
		stdout:     outR,
		stderr:     errR,
		lines:      make(chan []byte),
		stop:       make(chan struct{}),
		readerDone: make(chan struct{}),
		stderrDone: make(chan struct{}),
		exited:     make(chan struct{}),
	}
	go p.readStdout()
	go p.drainStderr()
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

func (p *process) readStdout() {
	defer close(p.readerDone)
	defer close(p.lines)
	br := bufio.NewReader(p.stdout)
	for {
		line, err := br.ReadBytes('\n')
		if trimmed := strings.TrimSpace(string(line)); trimmed != "" {
			select {
			case p.lines <- []byte(trimmed):
			case <-p.stop:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.logger.Debug("claude stdout read ended", "error", err)
			}
			return
		}
	}
}

func (p *process) drainStderr() {
	defer close(p.stderrDone)
	br := bufio.NewReader(p.stderr)
	for {
		line, err := br.ReadString('\n')
		if trimmed := strings.TrimRight(line, "\r\n"); strings.TrimSpace(trimmed) != "" {
			p.logger.Debug("claude stderr", "line", trimmed)
			p.mu.Lock()
			if p.errText.Len() < maxStderrBytes {
				if p.errText.Len() > 0 {
					p.errText.WriteByte('\n')
				}
				p.errText.WriteString(trimmed)
			}
			p.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (p *process) stderrText() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.TrimSpace(p.errText.String())
}

func (p *process) kill() {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("claude kill failed", "error", err)
	}
}

// awaitExit waits for the process to exit on its own, bounded by the
// deadline and ctx.
func (p *process) awaitExit(ctx context.Context, deadline time.Time) outcome {
	select {
	case <-p.exited:
		return outcomeEOF
	default:
	}
	t := time.NewTimer(max(time.Until(deadline), 0))
	defer t.Stop()
	select {
	case <-p.exited:
		return outcomeEOF
	case <-ctx.Done():
		return outcomeCancelled
	case <-t.C:
		return outcomeTimeout
	}
}

// closePipes gives stderr pipeGrace to reach EOF after the process exited,
// then closes both read ends so the readers return even if a grandchild
// still holds a write end.
func (p *process) closePipes() {
	t := time.NewTimer(pipeGrace)
	defer t.Stop()
	select {
	case <-p.stderrDone:
	case <-t.C:
		p.logger.Debug("claude stderr still open after exit; closing")
	}
	p.stdout.Close()
	p.stderr.Close()
}

// finish reaps the process and joins both readers. The process is killed
// right away unless the stream ended normally, in which case it gets until
// the deadline to exit. Returns the exit code (-1 when killed by a signal)
// and the final outcome.
func (p *process) finish(ctx context.Context, deadline time.Time, result outcome) (int, outcome) {
	if result == outcomeEOF {
		result = p.awaitExit(ctx, deadline)
	}
	if result != outcomeEOF {
		p.kill()
		<-p.exited
	}
	p.closePipes()
	close(p.stop)
	<-p.readerDone
	<-p.stderrDone

	if p.waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(p.waitErr, &exitErr) {
			p.logger.Warn("claude wait failed", "error", p.waitErr)
		}
	}
	if p.cmd.ProcessState == nil {
		return -1, result
	}
	return p.cmd.ProcessState.ExitCode(), result
}

func isNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}

func spawnErrorMessage(binary string, err error) string {
	if isNotFound(err) {
		return fmt.Sprintf("Error: claude CLI not found (%s). Install it from https://claude.ai/download or via npm: npm install -g @anthropic-ai/claude-code", binary)
	}
	return fmt.Sprintf("Error: could not start claude CLI: %v", err)
}

func formatSeconds(d time.Duration) string {
	if d%time.Second == 0 {
		return strconv.FormatInt(int64(d/time.Second), 10) + "s"
	}
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + "s"
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
