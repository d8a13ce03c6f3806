package background

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/claudecli"
	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/shared"
)

// ErrTooManyTasks is returned by Submit when MaxConcurrent tasks are running.
var ErrTooManyTasks = errors.New("too many background tasks")

// ChannelCLI is the interactive channel; its messages are never backgrounded.
const ChannelCLI = "cli"

const (
	defaultMaxConcurrent = 4
	listLimit            = 10
)

const commandUsage = "Commands:\n/tasks - recent background tasks in this chat\n/status <id> - progress of a task\n/cancel <id> - stop a running task\n/recall <query> - search conversation memory\n/help - this message"

// Streamer starts one agent invocation. *claudecli.Client satisfies it.
type Streamer interface {
	Stream(ctx context.Context, prompt, model string) iter.Seq2[claudecli.Event, error]
}

// Memory is a conversation history service. *claudemem.Client satisfies it.
type Memory interface {
	Available(ctx context.Context) bool
	LogTurn(ctx context.Context, sessionID, prompt string) error
	RecentContext(ctx context.Context) (string, error)
	Search(ctx context.Context, query string) (string, error)
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Store         *persistence.TaskStore
	Runner        *Runner
	Streamer      Streamer
	Publisher     Publisher
	// Memory is optional. When reachable, each task's prompt is logged as a
	// turn and prefixed with the recent context.
	Memory        Memory
	Model         string
	MaxConcurrent int
	Logger        *slog.Logger
}

// Manager decides which chat messages run in the background, starts them
// and keeps the cancel funcs of the ones still running.
type Manager struct {
	store    *persistence.TaskStore
	runner   *Runner
	streamer Streamer
	pub      Publisher
	memory   Memory
	logger   *slog.Logger
	max      int

	modelMu sync.RWMutex
	model   string

	wg       sync.WaitGroup
	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// NewManager returns a Manager. The Runner's publisher defaults to the
// Manager's.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runner := cfg.Runner
	if runner == nil {
		runner = &Runner{}
	}
	if runner.Store == nil && cfg.Store != nil {
		runner.Store = cfg.Store
	}
	if runner.Publisher == nil {
		runner.Publisher = cfg.Publisher
	}
	if runner.Logger == nil {
		runner.Logger = logger
	}
	return &Manager{
		store:    cfg.Store,
		runner:   runner,
		streamer: cfg.Streamer,
		pub:      cfg.Publisher,
		memory:   cfg.Memory,
		logger:   logger,
		max:      cfg.MaxConcurrent,
		model:    cfg.Model,
		cancels:  map[string]context.CancelFunc{},
	}
}

// SetModel changes the model used by tasks submitted from now on.
func (m *Manager) SetModel(model string) {
	m.modelMu.Lock()
	m.model = model
	m.modelMu.Unlock()
}

// Model returns the model new tasks use. Empty means the client default.
func (m *Manager) Model() string {
	m.modelMu.RLock()
	defer m.modelMu.RUnlock()
	return m.model
}

// ShouldRunBackground reports whether msg is a request to hand to the agent
// in the background.
func (m *Manager) ShouldRunBackground(msg bus.InboundMessage) bool {
	content := strings.TrimSpace(msg.Content)
	if content == "" || msg.Channel == ChannelCLI {
		return false
	}
	return !strings.HasPrefix(content, "/")
}

type submitOptions struct {
	model string
}

// SubmitOption adjusts a single submission.
type SubmitOption func(*submitOptions)

// WithModel overrides the configured model for one task.
func WithModel(model string) SubmitOption {
	return func(o *submitOptions) { o.model = model }
}

// Submit records a new task and starts it. The task outlives ctx; only
// Cancel and Shutdown stop it. Values carried by ctx are kept.
func (m *Manager) Submit(ctx context.Context, msg bus.InboundMessage, opts ...SubmitOption) (persistence.TaskRecord, error) {
	o := submitOptions{model: m.Model()}
	for _, opt := range opts {
		opt(&o)
	}

	m.cancelMu.Lock()
	if len(m.cancels) >= m.max {
		m.cancelMu.Unlock()
		m.reply(msg, fmt.Sprintf("⚠️ %d background tasks are already running. Try again when one finishes.", m.max))
		return persistence.TaskRecord{}, ErrTooManyTasks
	}
	rec, err := m.store.Create(msg.Channel, msg.ChatID, msg.Content)
	if err != nil {
		m.cancelMu.Unlock()
		m.logger.Error("background task create failed", "channel", msg.Channel, "error", err)
		m.reply(msg, "❌ Could not start a background task.")
		return persistence.TaskRecord{}, fmt.Errorf("create task: %w", err)
	}
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancels[rec.ID] = cancel
	m.wg.Add(1)
	m.cancelMu.Unlock()

	taskCtx = shared.WithTraceID(taskCtx, shared.NewTraceID())
	model := o.model
	job := Job{
		TaskID:  rec.ID,
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		ReplyTo: msg.MessageID,
		Stream: func(ctx context.Context) iter.Seq2[claudecli.Event, error] {
			return m.streamer.Stream(ctx, m.promptWithMemory(ctx, rec.ID, msg), model)
		},
	}
	if m.streamer == nil {
		job.Stream = nil
	}

	m.reply(msg, fmt.Sprintf("🔄 Working on it in the background (task %s). I'll post updates here.", rec.ID))

	go func() {
		defer m.wg.Done()
		defer m.forget(rec.ID)
		if err := m.runner.Run(taskCtx, job); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("background task ended with error", "task_id", rec.ID, "error", err)
		}
	}()
	return rec, nil
}

// promptWithMemory logs msg as a turn of its chat's session and prefixes the
// recent context. Memory failures leave the prompt unchanged.
func (m *Manager) promptWithMemory(ctx context.Context, taskID string, msg bus.InboundMessage) string {
	prompt := msg.Content
	if m.memory == nil || !m.memory.Available(ctx) {
		return prompt
	}
	if err := m.memory.LogTurn(ctx, sessionID(msg), prompt); err != nil {
		m.logger.Debug("memory turn not logged", "task_id", taskID, "error", err)
	}
	recent, err := m.memory.RecentContext(ctx)
	if err != nil {
		m.logger.Debug("memory context unavailable", "task_id", taskID, "error", err)
		return prompt
	}
	if recent == "" {
		return prompt
	}
	return "<recent-context>\n" + recent + "\n</recent-context>\n\n" + prompt
}

func sessionID(msg bus.InboundMessage) string {
	return msg.Channel + ":" + msg.ChatID
}

func (m *Manager) forget(id string) {
	m.cancelMu.Lock()
	if cancel, ok := m.cancels[id]; ok {
		cancel()
		delete(m.cancels, id)
	}
	m.cancelMu.Unlock()
}

// Cancel stops a running task. It reports false when id is not running here.
func (m *Manager) Cancel(id string) bool {
	m.cancelMu.Lock()
	cancel, ok := m.cancels[id]
	m.cancelMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active returns the ids of running tasks, sorted.
func (m *Manager) Active() []string {
	m.cancelMu.Lock()
	ids := make([]string, 0, len(m.cancels))
	for id := range m.cancels {
		ids = append(ids, id)
	}
	m.cancelMu.Unlock()
	sort.Strings(ids)
	return ids
}

// Shutdown cancels every running task and waits up to timeout for them to
// record their outcome.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.cancelMu.Lock()
	for _, cancel := range m.cancels {
		cancel()
	}
	m.cancelMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("background tasks drained")
		return nil
	case <-time.After(timeout):
		active := m.Active()
		m.logger.Warn("background drain timed out", "timeout", timeout, "active", len(active))
		return fmt.Errorf("drain timed out after %s with %d tasks running", timeout, len(active))
	}
}

// HandleInbound answers task commands and submits background requests.
// It reports whether msg was consumed.
func (m *Manager) HandleInbound(ctx context.Context, msg bus.InboundMessage) bool {
	content := strings.TrimSpace(msg.Content)
	cmd, arg, _ := strings.Cut(content, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/tasks":
		m.reply(msg, m.describeTasks(msg))
		return true
	case "/cancel":
		m.reply(msg, m.cancelCommand(msg, arg))
		return true
	case "/status":
		m.reply(msg, m.statusCommand(msg, arg))
		return true
	case "/recall":
		m.reply(msg, m.recallCommand(ctx, arg))
		return true
	case "/help":
		m.reply(msg, commandUsage)
		return true
	}
	if strings.HasPrefix(cmd, "/") && msg.Channel != ChannelCLI {
		m.reply(msg, fmt.Sprintf("Unknown command %s.\n%s", cmd, commandUsage))
		return true
	}
	if !m.ShouldRunBackground(msg) {
		return false
	}
	_, err := m.Submit(ctx, msg)
	return err == nil || errors.Is(err, ErrTooManyTasks)
}

func (m *Manager) describeTasks(msg bus.InboundMessage) string {
	recs, err := m.store.List(persistence.ListFilter{Limit: listLimit})
	if err != nil {
		return "❌ Could not list tasks."
	}
	var b strings.Builder
	for _, rec := range recs {
		if rec.Channel != msg.Channel || rec.ChatID != msg.ChatID {
			continue
		}
		fmt.Fprintf(&b, "`%s` %s: %s\n", rec.ID, rec.Status, shared.Truncate(rec.PromptPreview, 40, ellipsis))
	}
	if b.Len() == 0 {
		return "No background tasks."
	}
	return strings.TrimRight(b.String(), "\n")
}

// ownedRecord returns the record for id when it belongs to msg's chat.
func (m *Manager) ownedRecord(msg bus.InboundMessage, id string) (persistence.TaskRecord, bool) {
	rec, err := m.store.Get(id)
	if err != nil || rec.Channel != msg.Channel || rec.ChatID != msg.ChatID {
		return persistence.TaskRecord{}, false
	}
	return rec, true
}

func (m *Manager) cancelCommand(msg bus.InboundMessage, id string) string {
	if id == "" {
		return "Usage: /cancel <task id>"
	}
	if _, ok := m.ownedRecord(msg, id); !ok {
		return fmt.Sprintf("No running task %s.", id)
	}
	if m.Cancel(id) {
		return fmt.Sprintf("Cancelling task %s.", id)
	}
	return fmt.Sprintf("No running task %s.", id)
}

func (m *Manager) statusCommand(msg bus.InboundMessage, id string) string {
	if id == "" {
		return "Usage: /status <task id>"
	}
	rec, ok := m.ownedRecord(msg, id)
	if !ok {
		return fmt.Sprintf("No task %s.", id)
	}
	elapsed := m.runner.now().Sub(rec.Started())
	return fmt.Sprintf("Task %s: %s (%s)\n`%s`", rec.ID, rec.Status, formatElapsed(elapsed), rec.LastActivity)
}

func (m *Manager) recallCommand(ctx context.Context, query string) string {
	if query == "" {
		return "Usage: /recall <query>"
	}
	if m.memory == nil {
		return "Memory is not configured."
	}
	found, err := m.memory.Search(ctx, query)
	if err != nil {
		m.logger.Warn("memory search failed", "error", err)
		return "❌ Memory search failed."
	}
	if found == "" {
		return fmt.Sprintf("Nothing remembered about %q.", query)
	}
	return found
}

func (m *Manager) reply(msg bus.InboundMessage, content string) {
	if m.pub == nil {
		return
	}
	out := bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: content}
	if msg.MessageID != "" {
		out.Metadata = map[string]string{bus.MetaReplyTo: msg.MessageID}
	}
	m.pub.PublishOutbound(out)
}

// Serve consumes inbound messages from b until ctx is done.
func (m *Manager) Serve(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe(bus.TopicInbound)
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			msg, ok := ev.Payload.(bus.InboundMessage)
			if !ok {
				continue
			}
			if !m.HandleInbound(ctx, msg) {
				m.logger.Debug("inbound message not handled", "channel", msg.Channel, "chat_id", msg.ChatID)
			}
		}
	}
}
