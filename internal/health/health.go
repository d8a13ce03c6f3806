// Package health tracks supervisor liveness and writes health.json.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/basket/clawtask/internal/persistence"
)

const (
	DefaultSnapshotInterval = 30 * time.Second
	DefaultStaleThreshold   = 5 * time.Minute
	FileName                = "health.json"
)

type Config struct {
	HomeDir          string
	SnapshotInterval time.Duration
	StaleThreshold   time.Duration
	Now              func() time.Time
	Logger           *slog.Logger
}

// Snapshot is the document written to health.json and served on /healthz.
type Snapshot struct {
	OK              bool                     `json:"ok"`
	Timestamp       time.Time                `json:"ts"`
	StartedAt       *time.Time               `json:"started_at,omitempty"`
	UptimeSeconds   float64                  `json:"uptime_s"`
	Stale           bool                     `json:"stale"`
	StaleThresholdS float64                  `json:"stale_threshold_s"`
	Tasks           TaskHealth               `json:"tasks"`
	Cron            CronHealth               `json:"cron"`
	Channels        map[string]ChannelHealth `json:"channels"`
}

type TaskHealth struct {
	Running         []string       `json:"running"`
	StartedTotal    int            `json:"started_total"`
	Finished        map[string]int `json:"finished"`
	LastStartedAt   *time.Time     `json:"last_started_at,omitempty"`
	LastFinishedAt  *time.Time     `json:"last_finished_at,omitempty"`
	LastActivityAt  *time.Time     `json:"last_activity_at,omitempty"`
	LastActivityAge *float64       `json:"last_activity_age_s,omitempty"`
}

type CronHealth struct {
	JobCount  int        `json:"job_count"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	LastJob   string     `json:"last_job,omitempty"`
}

type ChannelHealth struct {
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
	LastMessageAge *float64   `json:"last_message_age_s,omitempty"`
}

// Service records timestamps of task, cron and channel events. A snapshot
// is stale when tasks are running but none has produced activity within
// the stale threshold.
type Service struct {
	cfg Config

	mu           sync.Mutex
	startedAt    time.Time
	running      map[string]struct{}
	startedTotal int
	finished     map[string]int
	lastStarted  time.Time
	lastFinished time.Time
	lastActivity time.Time
	cronJobs     int
	lastCron     time.Time
	lastCronJob  string
	channels     map[string]time.Time
}

func New(cfg Config) *Service {
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		running:  map[string]struct{}{},
		finished: map[string]int{},
		channels: map[string]time.Time{},
	}
}

// Path is where snapshots are written.
func (s *Service) Path() string {
	return filepath.Join(s.cfg.HomeDir, FileName)
}

// MarkStarted records supervisor start with its enabled channels.
func (s *Service) MarkStarted(channels []string, cronJobs int) {
	s.mu.Lock()
	s.startedAt = s.cfg.Now()
	s.cronJobs = cronJobs
	for _, ch := range channels {
		if _, ok := s.channels[ch]; !ok {
			s.channels[ch] = time.Time{}
		}
	}
	s.mu.Unlock()
	s.write()
}

// MarkChannelMessage records an inbound message on channel.
func (s *Service) MarkChannelMessage(channel string) {
	if channel == "" {
		return
	}
	s.mu.Lock()
	s.channels[channel] = s.cfg.Now()
	s.mu.Unlock()
	s.write()
}

// MarkCronRun records a fired schedule.
func (s *Service) MarkCronRun(job string) {
	s.mu.Lock()
	s.lastCron = s.cfg.Now()
	s.lastCronJob = job
	s.mu.Unlock()
	s.write()
}

func (s *Service) SetCronJobCount(n int) {
	s.mu.Lock()
	s.cronJobs = n
	s.mu.Unlock()
}

// MarkActivity records agent progress on a running task. It does not write
// a snapshot; activity can arrive many times per second.
func (s *Service) MarkActivity() {
	s.mu.Lock()
	s.lastActivity = s.cfg.Now()
	s.mu.Unlock()
}

// Observe tracks task transitions. It has the persistence.TransitionObserver
// signature.
func (s *Service) Observe(t persistence.Transition) {
	now := s.cfg.Now()
	s.mu.Lock()
	switch t.To {
	case persistence.TaskStatusRunning:
		s.running[t.Record.ID] = struct{}{}
		s.startedTotal++
		s.lastStarted = now
		s.lastActivity = now
	case persistence.TaskStatusStale:
		delete(s.running, t.Record.ID)
		s.finished[string(t.To)]++
	default:
		delete(s.running, t.Record.ID)
		s.finished[string(t.To)]++
		s.lastFinished = now
	}
	s.mu.Unlock()
	s.write()
}

// Snapshot returns the current health document.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.cfg.Now()

	snap := Snapshot{
		Timestamp:       now.UTC(),
		StaleThresholdS: s.cfg.StaleThreshold.Seconds(),
		Tasks: TaskHealth{
			Running:        make([]string, 0, len(s.running)),
			StartedTotal:   s.startedTotal,
			Finished:       make(map[string]int, len(s.finished)),
			LastStartedAt:  timePtr(s.lastStarted),
			LastFinishedAt: timePtr(s.lastFinished),
			LastActivityAt: timePtr(s.lastActivity),
		},
		Cron: CronHealth{
			JobCount:  s.cronJobs,
			LastRunAt: timePtr(s.lastCron),
			LastJob:   s.lastCronJob,
		},
		Channels: make(map[string]ChannelHealth, len(s.channels)),
	}
	if !s.startedAt.IsZero() {
		snap.StartedAt = timePtr(s.startedAt)
		snap.UptimeSeconds = round1(now.Sub(s.startedAt).Seconds())
	}
	for id := range s.running {
		snap.Tasks.Running = append(snap.Tasks.Running, id)
	}
	sort.Strings(snap.Tasks.Running)
	for k, v := range s.finished {
		snap.Tasks.Finished[k] = v
	}
	if !s.lastActivity.IsZero() {
		age := round1(now.Sub(s.lastActivity).Seconds())
		snap.Tasks.LastActivityAge = &age
	}
	for ch, at := range s.channels {
		h := ChannelHealth{LastMessageAt: timePtr(at)}
		if !at.IsZero() {
			age := round1(now.Sub(at).Seconds())
			h.LastMessageAge = &age
		}
		snap.Channels[ch] = h
	}

	snap.Stale = len(s.running) > 0 && now.Sub(s.lastActivity) > s.cfg.StaleThreshold
	snap.OK = !snap.Stale
	return snap
}

// Start writes a snapshot every SnapshotInterval until ctx is done, logging
// a warning while stale.
func (s *Service) Start(ctx context.Context) {
	s.cfg.Logger.Info("health watchdog started", "interval", s.cfg.SnapshotInterval, "stale_threshold", s.cfg.StaleThreshold)
	go func() {
		ticker := time.NewTicker(s.cfg.SnapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Service) tick() Snapshot {
	snap := s.write()
	if snap.Stale {
		age := 0.0
		if snap.Tasks.LastActivityAge != nil {
			age = *snap.Tasks.LastActivityAge
		}
		s.cfg.Logger.Warn("tasks appear stale",
			"running", len(snap.Tasks.Running),
			"last_activity_age_s", age,
			"threshold_s", snap.StaleThresholdS,
		)
	}
	return snap
}

func (s *Service) write() Snapshot {
	snap := s.Snapshot()
	if s.cfg.HomeDir == "" {
		return snap
	}
	if err := writeSnapshot(s.Path(), snap); err != nil {
		s.cfg.Logger.Warn("health snapshot write failed", "error", err)
	}
	return snap
}

func writeSnapshot(path string, snap Snapshot) error {
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".health.*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// ReadSnapshot loads a health.json written by a supervisor.
func ReadSnapshot(homeDir string) (Snapshot, error) {
	var snap Snapshot
	b, err := os.ReadFile(filepath.Join(homeDir, FileName))
	if err != nil {
		return snap, fmt.Errorf("read health snapshot: %w", err)
	}
	if err := json.Unmarshal(b, &snap); err != nil {
		return snap, fmt.Errorf("decode health snapshot: %w", err)
	}
	return snap, nil
}

// ActivityStore is the runner's view of the task store.
type ActivityStore interface {
	UpdateActivity(id, text string)
	Finish(id string, status persistence.TaskStatus)
}

type trackedStore struct {
	ActivityStore
	svc *Service
}

func (t trackedStore) UpdateActivity(id, text string) {
	t.ActivityStore.UpdateActivity(id, text)
	t.svc.MarkActivity()
}

// Track returns store with every activity update also marked on s.
func (s *Service) Track(store ActivityStore) ActivityStore {
	return trackedStore{ActivityStore: store, svc: s}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
