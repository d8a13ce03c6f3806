// Package cron fires configured prompts on 5-field cron schedules by
// submitting them as background tasks.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/clawtask/internal/background"
	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// SenderID marks inbound messages created by the scheduler.
const SenderID = "cron"

// Schedule is one configured prompt.
type Schedule struct {
	Name    string
	Expr    string
	Channel string
	ChatID  string
	Prompt  string
	Model   string
}

// Submitter starts a background task. *background.Manager satisfies it.
type Submitter interface {
	Submit(ctx context.Context, msg bus.InboundMessage, opts ...background.SubmitOption) (persistence.TaskRecord, error)
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Submitter Submitter
	Schedules []Schedule
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 15 seconds if zero
	Now       func() time.Time
	OnFire    func(name string)
}

type entry struct {
	sched   Schedule
	spec    cronlib.Schedule
	nextRun time.Time
}

// Scheduler checks its schedules every tick and submits the due ones.
type Scheduler struct {
	submitter Submitter
	logger    *slog.Logger
	interval  time.Duration
	now       func() time.Time
	onFire    func(string)

	mu      sync.Mutex
	entries []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates every schedule expression and returns a Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		submitter: cfg.Submitter,
		logger:    logger,
		interval:  interval,
		now:       now,
		onFire:    cfg.OnFire,
	}
	if err := s.SetSchedules(cfg.Schedules); err != nil {
		return nil, err
	}
	return s, nil
}

// SetSchedules replaces the schedule set. Next run times are computed from
// now; a schedule due in the past is not fired retroactively.
func (s *Scheduler) SetSchedules(schedules []Schedule) error {
	now := s.now()
	entries := make([]*entry, 0, len(schedules))
	for _, sc := range schedules {
		spec, err := cronParser.Parse(sc.Expr)
		if err != nil {
			return fmt.Errorf("schedule %q: parse %q: %w", sc.Name, sc.Expr, err)
		}
		entries = append(entries, &entry{sched: sc, spec: spec, nextRun: spec.Next(now)})
	}
	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	return nil
}

// Len returns the number of schedules.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "schedules", s.Len())
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every schedule whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	var due []Schedule
	s.mu.Lock()
	for _, e := range s.entries {
		if now.Before(e.nextRun) {
			continue
		}
		due = append(due, e.sched)
		e.nextRun = e.spec.Next(now)
	}
	s.mu.Unlock()

	for _, sc := range due {
		s.fire(ctx, sc)
	}
}

// fire submits the schedule's prompt as if it arrived on its channel.
func (s *Scheduler) fire(ctx context.Context, sc Schedule) {
	msg := bus.InboundMessage{
		Channel:  sc.Channel,
		SenderID: SenderID,
		ChatID:   sc.ChatID,
		Content:  sc.Prompt,
	}
	var opts []background.SubmitOption
	if sc.Model != "" {
		opts = append(opts, background.WithModel(sc.Model))
	}
	rec, err := s.submitter.Submit(ctx, msg, opts...)
	if err != nil {
		s.logger.Error("cron: failed to submit schedule",
			"schedule_name", sc.Name,
			"error", err,
		)
		return
	}
	if s.onFire != nil {
		s.onFire(sc.Name)
	}
	s.logger.Info("cron: schedule fired",
		"schedule_name", sc.Name,
		"task_id", rec.ID,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
