package background

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/claudecli"
	"github.com/basket/clawtask/internal/persistence"
)

// fakeStreamer blocks each stream until release is closed or ctx ends.
type fakeStreamer struct {
	release chan struct{}

	mu      sync.Mutex
	prompts []string
	models  []string
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{release: make(chan struct{})}
}

func (f *fakeStreamer) Stream(ctx context.Context, prompt, model string) iter.Seq2[claudecli.Event, error] {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.models = append(f.models, model)
	f.mu.Unlock()
	return func(yield func(claudecli.Event, error) bool) {
		select {
		case <-ctx.Done():
			return
		case <-f.release:
		}
		yield(claudecli.Event{Kind: claudecli.KindResult, Result: &claudecli.ResultEvent{Text: "answer: " + prompt}}, nil)
	}
}

func (f *fakeStreamer) lastModel() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.models) == 0 {
		return ""
	}
	return f.models[len(f.models)-1]
}

func newTestManager(t *testing.T, max int) (*Manager, *persistence.TaskStore, *fakeStreamer, *recorder) {
	t.Helper()
	store, err := persistence.NewTaskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewTaskStore: %v", err)
	}
	streamer := newFakeStreamer()
	pub := &recorder{}
	m := NewManager(ManagerConfig{
		Store:         store,
		Runner:        &Runner{},
		Streamer:      streamer,
		Publisher:     pub,
		Model:         "sonnet",
		MaxConcurrent: max,
	})
	t.Cleanup(func() { _ = m.Shutdown(2 * time.Second) })
	return m, store, streamer, pub
}

func waitStatus(t *testing.T, store *persistence.TaskStore, id string, want persistence.TaskStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := store.Get(id)
		if err == nil && rec.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := store.Get(id)
	t.Fatalf("task %s status = %q, want %q", id, rec.Status, want)
}

func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(m.Active()) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("active = %v, want none", m.Active())
}

func (r *recorder) contents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.messages))
	for _, m := range r.messages {
		out = append(out, m.Content)
	}
	return out
}

func inbound(content string) bus.InboundMessage {
	return bus.InboundMessage{Channel: "telegram", SenderID: "u1", ChatID: "42", Content: content, MessageID: "9"}
}

func TestShouldRunBackground(t *testing.T) {
	m := NewManager(ManagerConfig{})
	tests := []struct {
		msg  bus.InboundMessage
		want bool
	}{
		{inbound("summarize the repo"), true},
		{inbound("   "), false},
		{inbound("/tasks"), false},
		{bus.InboundMessage{Channel: ChannelCLI, Content: "hello"}, false},
	}
	for _, tc := range tests {
		if got := m.ShouldRunBackground(tc.msg); got != tc.want {
			t.Fatalf("ShouldRunBackground(%q on %s) = %v, want %v", tc.msg.Content, tc.msg.Channel, got, tc.want)
		}
	}
}

func TestSubmitRunsToDone(t *testing.T) {
	m, store, streamer, pub := newTestManager(t, 2)
	rec, err := m.Submit(context.Background(), inbound("fix the build"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rec.Status != persistence.TaskStatusRunning {
		t.Fatalf("initial status = %q", rec.Status)
	}
	if got := m.Active(); len(got) != 1 || got[0] != rec.ID {
		t.Fatalf("active = %v", got)
	}
	close(streamer.release)
	waitStatus(t, store, rec.ID, persistence.TaskStatusDone)
	waitIdle(t, m)

	msgs := pub.contents()
	if len(msgs) != 2 {
		t.Fatalf("messages = %q", msgs)
	}
	if !strings.Contains(msgs[0], rec.ID) {
		t.Fatalf("ack = %q, want task id", msgs[0])
	}
	if msgs[1] != "answer: fix the build" {
		t.Fatalf("final = %q", msgs[1])
	}
	if streamer.lastModel() != "sonnet" {
		t.Fatalf("model = %q, want sonnet", streamer.lastModel())
	}
}

func TestSubmitOutlivesRequestContext(t *testing.T) {
	m, store, streamer, _ := newTestManager(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	rec, err := m.Submit(ctx, inbound("long job"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	cancel()
	close(streamer.release)
	waitStatus(t, store, rec.ID, persistence.TaskStatusDone)
}

func TestSubmitWithModel(t *testing.T) {
	m, store, streamer, _ := newTestManager(t, 2)
	m.SetModel("haiku-4.5")
	rec, err := m.Submit(context.Background(), inbound("quick"), WithModel("opus"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	close(streamer.release)
	waitStatus(t, store, rec.ID, persistence.TaskStatusDone)
	if streamer.lastModel() != "opus" {
		t.Fatalf("model = %q, want opus", streamer.lastModel())
	}
	if m.Model() != "haiku-4.5" {
		t.Fatalf("Model() = %q", m.Model())
	}
}

func TestSubmitRejectsOverCapacity(t *testing.T) {
	m, _, _, pub := newTestManager(t, 1)
	if _, err := m.Submit(context.Background(), inbound("one")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, err := m.Submit(context.Background(), inbound("two"))
	if !errors.Is(err, ErrTooManyTasks) {
		t.Fatalf("second Submit = %v, want ErrTooManyTasks", err)
	}
	msgs := pub.contents()
	if !strings.Contains(msgs[len(msgs)-1], "already running") {
		t.Fatalf("rejection = %q", msgs[len(msgs)-1])
	}
}

func TestCancel(t *testing.T) {
	m, store, _, pub := newTestManager(t, 2)
	rec, err := m.Submit(context.Background(), inbound("forever"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if m.Cancel("nope") {
		t.Fatal("Cancel of unknown id returned true")
	}
	if !m.Cancel(rec.ID) {
		t.Fatal("Cancel returned false")
	}
	waitStatus(t, store, rec.ID, persistence.TaskStatusCancelled)
	waitIdle(t, m)
	msgs := pub.contents()
	if msgs[len(msgs)-1] != msgCancelled {
		t.Fatalf("final = %q, want %q", msgs[len(msgs)-1], msgCancelled)
	}
}

func TestShutdownCancelsRunningTasks(t *testing.T) {
	m, store, _, _ := newTestManager(t, 4)
	a, _ := m.Submit(context.Background(), inbound("a"))
	b, _ := m.Submit(context.Background(), inbound("b"))
	if err := m.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, id := range []string{a.ID, b.ID} {
		rec, err := store.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rec.Status != persistence.TaskStatusCancelled {
			t.Fatalf("task %s status = %q, want cancelled", id, rec.Status)
		}
	}
}

func TestHandleInboundCommands(t *testing.T) {
	m, store, streamer, pub := newTestManager(t, 2)
	if !m.HandleInbound(context.Background(), inbound("refactor main.go")) {
		t.Fatal("request not handled")
	}
	ids := m.Active()
	if len(ids) != 1 {
		t.Fatalf("active = %v", ids)
	}
	id := ids[0]

	m.HandleInbound(context.Background(), inbound("/tasks"))
	if got := pub.last().Content; !strings.Contains(got, id) || !strings.Contains(got, "running") {
		t.Fatalf("/tasks = %q", got)
	}

	m.HandleInbound(context.Background(), inbound("/status "+id))
	if got := pub.last().Content; !strings.HasPrefix(got, "Task "+id+": running") {
		t.Fatalf("/status = %q", got)
	}

	m.HandleInbound(context.Background(), inbound("/status"))
	if got := pub.last().Content; !strings.HasPrefix(got, "Usage:") {
		t.Fatalf("/status without id = %q", got)
	}

	m.HandleInbound(context.Background(), inbound("/cancel zzzz"))
	if got := pub.last().Content; got != "No running task zzzz." {
		t.Fatalf("/cancel unknown = %q", got)
	}

	close(streamer.release)
	waitStatus(t, store, id, persistence.TaskStatusDone)

	if m.HandleInbound(context.Background(), bus.InboundMessage{Channel: ChannelCLI, Content: "hi"}) {
		t.Fatal("cli message handled")
	}
	if !m.HandleInbound(context.Background(), inbound("/unknown")) {
		t.Fatal("unknown command not answered")
	}
	if got := pub.last().Content; !strings.HasPrefix(got, "Unknown command /unknown.") || !strings.Contains(got, "/cancel <id>") {
		t.Fatalf("/unknown = %q", got)
	}
	m.HandleInbound(context.Background(), inbound("/help"))
	if got := pub.last().Content; !strings.HasPrefix(got, "Commands:") {
		t.Fatalf("/help = %q", got)
	}
	if len(m.Active()) != 0 {
		t.Fatalf("slash command started a task: %v", m.Active())
	}
}

func TestTasksCommandScopedToChat(t *testing.T) {
	m, store, _, pub := newTestManager(t, 2)
	if _, err := store.Create("telegram", "other-chat", "not mine"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	m.HandleInbound(context.Background(), inbound("/tasks"))
	if got := pub.last().Content; got != "No background tasks." {
		t.Fatalf("/tasks = %q", got)
	}
}

func TestStatusAndCancelScopedToChat(t *testing.T) {
	m, store, streamer, pub := newTestManager(t, 2)
	if !m.HandleInbound(context.Background(), inbound("owned by chat 42")) {
		t.Fatal("request not handled")
	}
	ids := m.Active()
	if len(ids) != 1 {
		t.Fatalf("active = %v", ids)
	}
	id := ids[0]

	stranger := inbound("")
	stranger.ChatID = "999"

	stranger.Content = "/status " + id
	m.HandleInbound(context.Background(), stranger)
	if got := pub.last().Content; got != "No task "+id+"." {
		t.Fatalf("/status from another chat = %q", got)
	}

	stranger.Content = "/cancel " + id
	m.HandleInbound(context.Background(), stranger)
	if got := pub.last().Content; got != "No running task "+id+"." {
		t.Fatalf("/cancel from another chat = %q", got)
	}
	rec, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != persistence.TaskStatusRunning {
		t.Fatalf("status = %s, want running", rec.Status)
	}

	m.HandleInbound(context.Background(), inbound("/cancel "+id))
	waitStatus(t, store, id, persistence.TaskStatusCancelled)
	if !pub.posted("Cancelling task " + id + ".") {
		t.Fatal("owner's /cancel was not acknowledged")
	}
	close(streamer.release)
}

func TestServe(t *testing.T) {
	store, err := persistence.NewTaskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewTaskStore: %v", err)
	}
	b := bus.New()
	streamer := newFakeStreamer()
	m := NewManager(ManagerConfig{Store: store, Streamer: streamer, Publisher: b})
	t.Cleanup(func() { _ = m.Shutdown(2 * time.Second) })

	out := b.Subscribe(bus.OutboundTopic("telegram"))
	defer b.Unsubscribe(out)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Serve(ctx, b)
		close(done)
	}()

	// Serve subscribes asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	b.PublishInbound(inbound("from the bus"))

	select {
	case ev := <-out.Ch():
		msg := ev.Payload.(bus.OutboundMessage)
		if msg.ReplyTo() != "9" || !strings.Contains(msg.Content, "background") {
			t.Fatalf("ack = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no ack published")
	}

	close(streamer.release)
	recs, err := store.List(persistence.ListFilter{})
	if err != nil || len(recs) != 1 {
		t.Fatalf("List = %v, %v", recs, err)
	}
	waitStatus(t, store, recs[0].ID, persistence.TaskStatusDone)

	select {
	case ev := <-out.Ch():
		if got := ev.Payload.(bus.OutboundMessage).Content; got != "answer: from the bus" {
			t.Fatalf("final = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no final message published")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

type fakeMemory struct {
	up     bool
	recent string
	found  string
	err    error

	mu    sync.Mutex
	turns []string
}

func (f *fakeMemory) Available(context.Context) bool { return f.up }

func (f *fakeMemory) LogTurn(_ context.Context, sessionID, prompt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, sessionID+"|"+prompt)
	return nil
}

func (f *fakeMemory) RecentContext(context.Context) (string, error) { return f.recent, f.err }

func (f *fakeMemory) Search(_ context.Context, query string) (string, error) { return f.found, f.err }

func newMemoryManager(t *testing.T, mem Memory) (*Manager, *persistence.TaskStore, *fakeStreamer, *recorder) {
	t.Helper()
	store, err := persistence.NewTaskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewTaskStore: %v", err)
	}
	streamer := newFakeStreamer()
	pub := &recorder{}
	m := NewManager(ManagerConfig{Store: store, Streamer: streamer, Publisher: pub, Memory: mem})
	t.Cleanup(func() { _ = m.Shutdown(2 * time.Second) })
	return m, store, streamer, pub
}

func (f *fakeStreamer) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

func TestSubmitWithMemoryContext(t *testing.T) {
	mem := &fakeMemory{up: true, recent: "yesterday: renamed the parser"}
	m, store, streamer, _ := newMemoryManager(t, mem)
	rec, err := m.Submit(context.Background(), inbound("continue the refactor"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	close(streamer.release)
	waitStatus(t, store, rec.ID, persistence.TaskStatusDone)

	want := "<recent-context>\nyesterday: renamed the parser\n</recent-context>\n\ncontinue the refactor"
	if got := streamer.lastPrompt(); got != want {
		t.Fatalf("prompt = %q, want %q", got, want)
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if len(mem.turns) != 1 || mem.turns[0] != "telegram:42|continue the refactor" {
		t.Fatalf("turns = %v", mem.turns)
	}
	stored, err := store.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if strings.Contains(stored.PromptPreview, "recent-context") {
		t.Fatalf("stored preview includes memory context: %q", stored.PromptPreview)
	}
}

func TestSubmitWithUnavailableMemory(t *testing.T) {
	mem := &fakeMemory{up: false, recent: "ignored"}
	m, store, streamer, _ := newMemoryManager(t, mem)
	rec, err := m.Submit(context.Background(), inbound("plain prompt"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	close(streamer.release)
	waitStatus(t, store, rec.ID, persistence.TaskStatusDone)
	if got := streamer.lastPrompt(); got != "plain prompt" {
		t.Fatalf("prompt = %q", got)
	}
	if len(mem.turns) != 0 {
		t.Fatalf("turn logged while unavailable: %v", mem.turns)
	}
}

func TestSubmitMemoryErrorKeepsPrompt(t *testing.T) {
	mem := &fakeMemory{up: true, recent: "x", err: errors.New("worker down")}
	m, store, streamer, _ := newMemoryManager(t, mem)
	rec, err := m.Submit(context.Background(), inbound("plain prompt"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	close(streamer.release)
	waitStatus(t, store, rec.ID, persistence.TaskStatusDone)
	if got := streamer.lastPrompt(); got != "plain prompt" {
		t.Fatalf("prompt = %q", got)
	}
}

func TestRecallCommand(t *testing.T) {
	tests := []struct {
		name string
		mem  Memory
		text string
		want string
	}{
		{"no query", &fakeMemory{}, "/recall", "Usage: /recall <query>"},
		{"not configured", nil, "/recall parser", "Memory is not configured."},
		{"found", &fakeMemory{found: "parser is in internal/parse"}, "/recall parser", "parser is in internal/parse"},
		{"nothing", &fakeMemory{}, "/recall parser", `Nothing remembered about "parser".`},
		{"error", &fakeMemory{err: errors.New("boom")}, "/recall parser", "❌ Memory search failed."},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, _, _, pub := newMemoryManager(t, tc.mem)
			if !m.HandleInbound(context.Background(), inbound(tc.text)) {
				t.Fatal("/recall not handled")
			}
			if got := pub.last().Content; got != tc.want {
				t.Fatalf("reply = %q, want %q", got, tc.want)
			}
		})
	}
}
