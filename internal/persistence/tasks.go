package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/basket/clawtask/internal/shared"
)

type TaskStatus string

const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusDone      TaskStatus = "done"
	TaskStatusError     TaskStatus = "error"
	TaskStatusStale     TaskStatus = "stale"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further status change is allowed.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusDone, TaskStatusError, TaskStatusStale, TaskStatusCancelled:
		return true
	}
	return false
}

// ParseTaskStatus accepts the persisted status names.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(s); st {
	case TaskStatusRunning, TaskStatusDone, TaskStatusError, TaskStatusStale, TaskStatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// running -> stale is reserved for DrainStale.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusRunning: {
		TaskStatusDone:      {},
		TaskStatusError:     {},
		TaskStatusCancelled: {},
		TaskStatusStale:     {},
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

const (
	promptPreviewRunes = 100
	lockStripes        = 64
	maxIDAttempts      = 8
)

var ErrTaskNotFound = errors.New("task not found")

var validTaskID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// TaskRecord is the persisted state of one background task.
type TaskRecord struct {
	ID            string     `json:"id"`
	Channel       string     `json:"channel"`
	ChatID        string     `json:"chat_id"`
	PromptPreview string     `json:"prompt_preview"`
	StartedAt     float64    `json:"started_at"` // unix seconds
	Status        TaskStatus `json:"status"`
	LastActivity  string     `json:"last_activity"`
}

// Started returns StartedAt as a time.Time.
func (r TaskRecord) Started() time.Time {
	sec := int64(r.StartedAt)
	nsec := int64((r.StartedAt - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Transition describes a successful status write.
type Transition struct {
	Record TaskRecord
	From   TaskStatus // "" on create
	To     TaskStatus
	At     time.Time
}

// TransitionObserver is called after the record file has been written.
type TransitionObserver func(Transition)

// ListFilter narrows List. Zero values mean no filter.
type ListFilter struct {
	Status TaskStatus
	Limit  int
}

type TaskStoreOption func(*TaskStore)

// WithObserver registers fn for every status transition.
func WithObserver(fn TransitionObserver) TaskStoreOption {
	return func(s *TaskStore) {
		if fn != nil {
			s.observers = append(s.observers, fn)
		}
	}
}

func WithLogger(logger *slog.Logger) TaskStoreOption {
	return func(s *TaskStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the wall clock used for started_at.
func WithClock(now func() time.Time) TaskStoreOption {
	return func(s *TaskStore) {
		if now != nil {
			s.now = now
		}
	}
}

// TaskStore keeps one JSON file per task in a directory. Only Create returns
// an error; the other writes are best-effort and never fail the caller.
type TaskStore struct {
	dir       string
	locks     [lockStripes]sync.Mutex
	observers []TransitionObserver
	logger    *slog.Logger
	now       func() time.Time
}

func NewTaskStore(dir string, opts ...TaskStoreOption) (*TaskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create task dir: %w", err)
	}
	s := &TaskStore{
		dir:    dir,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the directory holding the record files.
func (s *TaskStore) Dir() string {
	return s.dir
}

func (s *TaskStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *TaskStore) lock(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.locks[h.Sum32()%lockStripes]
}

// Create allocates an id and persists a running record.
func (s *TaskStore) Create(channel, chatID, prompt string) (TaskRecord, error) {
	now := s.now()
	rec := TaskRecord{
		Channel:       channel,
		ChatID:        chatID,
		PromptPreview: shared.Truncate(prompt, promptPreviewRunes, ""),
		StartedAt:     float64(now.UnixNano()) / 1e9,
		Status:        TaskStatusRunning,
	}

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := shared.NewShortID()
		mu := s.lock(id)
		mu.Lock()
		if _, err := os.Stat(s.path(id)); err == nil {
			mu.Unlock()
			continue
		}
		rec.ID = id
		err := s.writeFields(id, nil, rec)
		mu.Unlock()
		if err != nil {
			return TaskRecord{}, fmt.Errorf("create task %s: %w", id, err)
		}
		s.notify(Transition{Record: rec, To: TaskStatusRunning, At: now})
		return rec, nil
	}
	return TaskRecord{}, errors.New("create task: could not allocate a free id")
}

// UpdateActivity sets last_activity on a running record. Missing, corrupt or
// finished records are left alone.
func (s *TaskStore) UpdateActivity(id, text string) {
	if !validTaskID.MatchString(id) {
		return
	}
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	raw, rec, err := s.read(id)
	if err != nil {
		return
	}
	if rec.Status != TaskStatusRunning {
		return
	}
	rec.LastActivity = text
	if err := s.writeFields(id, raw, rec); err != nil {
		s.logger.Debug("task activity write failed", "task_id", id, "error", err)
	}
}

// Finish records a terminal status (done, error or cancelled). The first
// terminal status wins; later calls are no-ops.
func (s *TaskStore) Finish(id string, status TaskStatus) {
	switch status {
	case TaskStatusDone, TaskStatusError, TaskStatusCancelled:
	default:
		s.logger.Warn("task finish ignored: not a finish status", "task_id", id, "status", string(status))
		return
	}
	if !validTaskID.MatchString(id) {
		return
	}

	mu := s.lock(id)
	mu.Lock()
	raw, rec, err := s.read(id)
	if err != nil {
		mu.Unlock()
		return
	}
	from := rec.Status
	if !canTransition(from, status) {
		mu.Unlock()
		return
	}
	rec.Status = status
	err = s.writeFields(id, raw, rec)
	mu.Unlock()
	if err != nil {
		s.logger.Warn("task finish write failed", "task_id", id, "status", string(status), "error", err)
		return
	}
	s.notify(Transition{Record: rec, From: from, To: status, At: s.now()})
}

// DrainStale marks every running record stale and returns them, in lexical
// id order. Records are returned with their new stale status. Only meant
// for startup, before any task of this process is running.
func (s *TaskStore) DrainStale() []TaskRecord {
	var stale []TaskRecord
	for _, id := range s.ids() {
		mu := s.lock(id)
		mu.Lock()
		raw, rec, err := s.read(id)
		if err != nil || rec.Status != TaskStatusRunning {
			mu.Unlock()
			continue
		}
		rec.Status = TaskStatusStale
		err = s.writeFields(id, raw, rec)
		mu.Unlock()
		if err != nil {
			s.logger.Warn("task stale write failed", "task_id", id, "error", err)
			continue
		}
		stale = append(stale, rec)
		s.notify(Transition{Record: rec, From: TaskStatusRunning, To: TaskStatusStale, At: s.now()})
	}
	return stale
}

// Get returns one record or ErrTaskNotFound.
func (s *TaskStore) Get(id string) (TaskRecord, error) {
	if !validTaskID.MatchString(id) {
		return TaskRecord{}, ErrTaskNotFound
	}
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()
	_, rec, err := s.read(id)
	if errors.Is(err, os.ErrNotExist) {
		return TaskRecord{}, ErrTaskNotFound
	}
	if err != nil {
		return TaskRecord{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return rec, nil
}

// List returns records newest first. Unreadable files are skipped.
func (s *TaskStore) List(filter ListFilter) ([]TaskRecord, error) {
	if _, err := os.Stat(s.dir); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var out []TaskRecord
	for _, id := range s.ids() {
		mu := s.lock(id)
		mu.Lock()
		_, rec, err := s.read(id)
		mu.Unlock()
		if err != nil {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartedAt != out[j].StartedAt {
			return out[i].StartedAt > out[j].StartedAt
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ids lists record ids in lexical order.
func (s *TaskStore) ids() []string {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		id := filepath.Base(m)
		id = id[:len(id)-len(".json")]
		if validTaskID.MatchString(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// read returns the raw object (for preserving unknown keys) and the decoded record.
func (s *TaskStore) read(id string) (map[string]json.RawMessage, TaskRecord, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, TaskRecord{}, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, TaskRecord{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	if raw == nil {
		return nil, TaskRecord{}, fmt.Errorf("decode task %s: not an object", id)
	}
	var rec TaskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, TaskRecord{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	if rec.ID == "" {
		rec.ID = id
	}
	return raw, rec, nil
}

// writeFields overlays rec onto raw and replaces the file atomically.
// Caller holds the id lock.
func (s *TaskStore) writeFields(id string, raw map[string]json.RawMessage, rec TaskRecord) error {
	known, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return err
	}
	if raw == nil {
		raw = make(map[string]json.RawMessage, len(fields))
	}
	for k, v := range fields {
		raw[k] = v
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+id+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path(id)); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *TaskStore) notify(t Transition) {
	for _, fn := range s.observers {
		fn(t)
	}
}
