// Package background runs claude CLI tasks detached from the chat turn that
// started them, reporting progress and exactly one outcome to the chat.
package background

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/claudecli"
	"github.com/basket/clawtask/internal/otel"
	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/shared"
	"github.com/basket/clawtask/internal/telemetry"
)

const DefaultStatusInterval = 60 * time.Second

const (
	msgCancelled = "⏹ Task cancelled."
	msgCompleted = "✓ Task completed."
	errorPrefix  = "❌ "
)

// StreamFunc starts the agent and returns its event sequence.
type StreamFunc func(ctx context.Context) iter.Seq2[claudecli.Event, error]

// Publisher delivers outbound chat messages.
type Publisher interface {
	PublishOutbound(msg bus.OutboundMessage)
}

// ActivityStore is the subset of the task store the runner writes to.
type ActivityStore interface {
	UpdateActivity(id, text string)
	Finish(id string, status persistence.TaskStatus)
}

// Job is one task to drive. The record must already exist in the store.
type Job struct {
	TaskID  string
	Channel string
	ChatID  string
	ReplyTo string
	Stream  StreamFunc
}

// Runner drives jobs to a terminal status. A zero Interval means
// DefaultStatusInterval.
type Runner struct {
	Store            ActivityStore
	Publisher        Publisher
	Interval         time.Duration
	ActivityMaxChars int
	Now              func() time.Time
	Logger           *slog.Logger
	Metrics          *otel.Metrics
	Tracer           trace.Tracer
}

// progress is the per-task loop state.
type progress struct {
	start      time.Time
	lastPost   time.Time
	activity   string
	resultText string
	isError    bool
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) interval() time.Duration {
	if r.Interval > 0 {
		return r.Interval
	}
	return DefaultStatusInterval
}

// Run consumes job.Stream until it ends, then records and posts the outcome.
//
// Cancellation of ctx marks the task cancelled, posts a notice and returns
// ctx.Err(). Any other failure while consuming (a stream error or a panic)
// marks the task failed, posts the error and returns nil. Every store write
// happens before the message that reports it.
func (r *Runner) Run(ctx context.Context, job Job) error {
	ctx = shared.WithChannel(shared.WithTaskID(ctx, job.TaskID), job.Channel)
	ctx, span := otel.StartSpan(ctx, r.Tracer, "background.run",
		otel.AttrTaskID.String(job.TaskID),
		otel.AttrChannel.String(job.Channel),
	)
	defer span.End()

	logger := telemetry.TaskLogger(r.Logger, job.TaskID, job.Channel, job.ChatID)
	start := r.now()
	p := &progress{start: start, lastPost: start, activity: initialActivity}

	r.Metrics.TaskStarted(ctx)
	logger.Info("background task started")

	err := r.consume(ctx, job, p, logger)

	var status persistence.TaskStatus
	switch {
	case ctx.Err() != nil && (err == nil || errors.Is(err, ctx.Err())):
		status = persistence.TaskStatusCancelled
		r.Store.Finish(job.TaskID, status)
		r.post(job, msgCancelled)
		err = ctx.Err()
	case err != nil:
		status = persistence.TaskStatusError
		logger.Error("background task failed", "error", err)
		r.Store.Finish(job.TaskID, status)
		r.post(job, fmt.Sprintf("%sTask failed: %v", errorPrefix, err))
		err = nil
	default:
		status = persistence.TaskStatusDone
		if p.isError {
			status = persistence.TaskStatusError
		}
		r.Store.Finish(job.TaskID, status)
		switch {
		case p.resultText == "":
			r.post(job, msgCompleted)
		case p.isError:
			r.post(job, errorPrefix+p.resultText)
		default:
			r.post(job, p.resultText)
		}
	}

	elapsed := r.now().Sub(start)
	r.Metrics.TaskFinished(context.WithoutCancel(ctx), string(status), elapsed)
	span.SetAttributes(otel.AttrTaskStatus.String(string(status)))
	if status != persistence.TaskStatusDone {
		span.SetStatus(codes.Error, string(status))
	}
	logger.Info("background task finished", "status", string(status), "elapsed", formatElapsed(elapsed))
	return err
}

// consume ranges over the stream. It returns a stream error, a recovered
// panic, or ctx.Err() when cancelled mid-stream.
func (r *Runner) consume(ctx context.Context, job Job, p *progress, logger *slog.Logger) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	if job.Stream == nil {
		return errors.New("no stream configured")
	}
	for ev, streamErr := range job.Stream(ctx) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if streamErr != nil {
			return streamErr
		}
		r.observe(job, p, ev, logger)
	}
	return ctx.Err()
}

func (r *Runner) observe(job Job, p *progress, ev claudecli.Event, logger *slog.Logger) {
	switch ev.Kind {
	case claudecli.KindAssistant:
		if label, ok := activityLabel(ev.Assistant, r.ActivityMaxChars); ok {
			p.activity = label
			r.Store.UpdateActivity(job.TaskID, label)
			logger.Debug("background task activity", "activity", label)
		}
	case claudecli.KindResult:
		if ev.Result != nil {
			p.resultText = ev.Result.Text
			p.isError = ev.Result.IsError
		}
	}

	now := r.now()
	if now.Sub(p.lastPost) >= r.interval() {
		r.post(job, fmt.Sprintf("⏳ Still working… (%s elapsed)\n`%s`", formatElapsed(now.Sub(p.start)), p.activity))
		p.lastPost = now
	}
}

func (r *Runner) post(job Job, content string) {
	if r.Publisher == nil {
		return
	}
	msg := bus.OutboundMessage{
		Channel: job.Channel,
		ChatID:  job.ChatID,
		Content: content,
	}
	if job.ReplyTo != "" {
		msg.Metadata = map[string]string{bus.MetaReplyTo: job.ReplyTo}
	}
	r.Publisher.PublishOutbound(msg)
}

// formatElapsed renders whole seconds as "Xm Ys", or "Ys" under a minute.
func formatElapsed(d time.Duration) string {
	secs := int(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	mins, secs := secs/60, secs%60
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}
