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

// recorder is a fake store and publisher sharing one ordered log.
type recorder struct {
	mu       sync.Mutex
	ops      []string
	activity []string
	finished []persistence.TaskStatus
	messages []bus.OutboundMessage
}

func (r *recorder) UpdateActivity(id, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "activity")
	r.activity = append(r.activity, text)
}

func (r *recorder) Finish(id string, status persistence.TaskStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "finish:"+string(status))
	r.finished = append(r.finished, status)
}

func (r *recorder) PublishOutbound(msg bus.OutboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "post")
	r.messages = append(r.messages, msg)
}

func (r *recorder) last() bus.OutboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return bus.OutboundMessage{}
	}
	return r.messages[len(r.messages)-1]
}

func (r *recorder) posted(content string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.Content == content {
			return true
		}
	}
	return false
}

func (r *recorder) status() persistence.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.finished) == 0 {
		return ""
	}
	return r.finished[len(r.finished)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func events(evs ...claudecli.Event) StreamFunc {
	return func(context.Context) iter.Seq2[claudecli.Event, error] {
		return func(yield func(claudecli.Event, error) bool) {
			for _, ev := range evs {
				if !yield(ev, nil) {
					return
				}
			}
		}
	}
}

func parse(t *testing.T, line string) claudecli.Event {
	t.Helper()
	ev, err := claudecli.ParseEvent([]byte(line))
	if err != nil {
		t.Fatalf("ParseEvent(%s): %v", line, err)
	}
	return ev
}

func newTestRunner(rec *recorder, clock *fakeClock) *Runner {
	return &Runner{Store: rec, Publisher: rec, Now: clock.Now, ActivityMaxChars: 80}
}

func testJob(stream StreamFunc) Job {
	return Job{TaskID: "abcd1234", Channel: "telegram", ChatID: "42", ReplyTo: "7", Stream: stream}
}

func TestRunResultDone(t *testing.T) {
	rec := &recorder{}
	r := newTestRunner(rec, newFakeClock())
	job := testJob(events(
		parse(t, `{"type":"system","subtype":"init"}`),
		parse(t, `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"bash","input":{"command":"ls /tmp"}}]}}`),
		parse(t, `{"type":"result","result":"All done!","is_error":false}`),
	))
	if err := r.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := rec.status(); got != persistence.TaskStatusDone {
		t.Fatalf("status = %q, want done", got)
	}
	if got := rec.last().Content; got != "All done!" {
		t.Fatalf("final message = %q, want %q", got, "All done!")
	}
	if len(rec.activity) != 1 || rec.activity[0] != `bash("ls /tmp")` {
		t.Fatalf("activity = %v", rec.activity)
	}
	if len(rec.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(rec.messages))
	}
}

func TestRunErrorResult(t *testing.T) {
	rec := &recorder{}
	r := newTestRunner(rec, newFakeClock())
	job := testJob(events(parse(t, `{"type":"result","result":"X","is_error":true}`)))
	if err := r.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := rec.status(); got != persistence.TaskStatusError {
		t.Fatalf("status = %q, want error", got)
	}
	msg := rec.last().Content
	if !strings.HasPrefix(msg, "❌") || !strings.Contains(msg, "X") {
		t.Fatalf("final message = %q", msg)
	}
}

func TestRunExecutionErrorSubtype(t *testing.T) {
	rec := &recorder{}
	r := newTestRunner(rec, newFakeClock())
	job := testJob(events(parse(t, `{"type":"result","subtype":"error_during_execution","result":"boom"}`)))
	if err := r.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := rec.status(); got != persistence.TaskStatusError {
		t.Fatalf("status = %q, want error", got)
	}
}

func TestRunNoResult(t *testing.T) {
	rec := &recorder{}
	r := newTestRunner(rec, newFakeClock())
	job := testJob(events(parse(t, `{"type":"assistant","message":{"content":[{"type":"text","text":"thinking"}]}}`)))
	if err := r.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := rec.status(); got != persistence.TaskStatusDone {
		t.Fatalf("status = %q, want done", got)
	}
	if got := rec.last().Content; got != msgCompleted {
		t.Fatalf("final message = %q, want %q", got, msgCompleted)
	}
}

func TestRunLastResultWins(t *testing.T) {
	rec := &recorder{}
	r := newTestRunner(rec, newFakeClock())
	job := testJob(events(
		parse(t, `{"type":"result","result":"first","is_error":true}`),
		parse(t, `{"type":"result","result":"second","is_error":false}`),
	))
	_ = r.Run(context.Background(), job)
	if rec.status() != persistence.TaskStatusDone || rec.last().Content != "second" {
		t.Fatalf("status = %q, message = %q", rec.status(), rec.last().Content)
	}
}

func TestRunStreamErrorIsAbsorbed(t *testing.T) {
	rec := &recorder{}
	r := newTestRunner(rec, newFakeClock())
	job := testJob(func(context.Context) iter.Seq2[claudecli.Event, error] {
		return func(yield func(claudecli.Event, error) bool) {
			yield(claudecli.Event{}, errors.New("pipe broke"))
		}
	})
	if err := r.Run(context.Background(), job); err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
	if got := rec.status(); got != persistence.TaskStatusError {
		t.Fatalf("status = %q, want error", got)
	}
	if got := rec.last().Content; got != "❌ Task failed: pipe broke" {
		t.Fatalf("final message = %q", got)
	}
}

func TestRunPanicIsAbsorbed(t *testing.T) {
	rec := &recorder{}
	r := newTestRunner(rec, newFakeClock())
	job := testJob(func(context.Context) iter.Seq2[claudecli.Event, error] {
		return func(yield func(claudecli.Event, error) bool) {
			if !yield(claudecli.SyntheticResult("partial"), nil) {
				return
			}
			panic("decoder exploded")
		}
	})
	if err := r.Run(context.Background(), job); err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
	if got := rec.status(); got != persistence.TaskStatusError {
		t.Fatalf("status = %q, want error", got)
	}
	if msg := rec.last().Content; !strings.Contains(msg, "decoder exploded") {
		t.Fatalf("final message = %q", msg)
	}
}

func TestRunCancelled(t *testing.T) {
	rec := &recorder{}
	r := newTestRunner(rec, newFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	job := testJob(func(context.Context) iter.Seq2[claudecli.Event, error] {
		return func(yield func(claudecli.Event, error) bool) {
			if !yield(parse(t, `{"type":"assistant","message":{"content":[{"type":"text","text":"step one"}]}}`), nil) {
				return
			}
			cancel()
			yield(parse(t, `{"type":"result","result":"never","is_error":false}`), nil)
		}
	})
	err := r.Run(ctx, job)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if got := rec.status(); got != persistence.TaskStatusCancelled {
		t.Fatalf("status = %q, want cancelled", got)
	}
	if got := rec.last().Content; got != msgCancelled {
		t.Fatalf("final message = %q, want %q", got, msgCancelled)
	}
}

func TestRunCancelledWhenStreamEndsQuietly(t *testing.T) {
	rec := &recorder{}
	r := newTestRunner(rec, newFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	job := testJob(func(context.Context) iter.Seq2[claudecli.Event, error] {
		return func(func(claudecli.Event, error) bool) { cancel() }
	})
	if err := r.Run(ctx, job); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if got := rec.status(); got != persistence.TaskStatusCancelled {
		t.Fatalf("status = %q, want cancelled", got)
	}
}

func TestRunPeriodicStatus(t *testing.T) {
	rec := &recorder{}
	clock := newFakeClock()
	r := newTestRunner(rec, clock)
	r.Interval = time.Minute
	job := testJob(func(context.Context) iter.Seq2[claudecli.Event, error] {
		return func(yield func(claudecli.Event, error) bool) {
			clock.Advance(30 * time.Second)
			if !yield(parse(t, `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"bash","input":{"command":"make"}}]}}`), nil) {
				return
			}
			clock.Advance(45 * time.Second)
			if !yield(parse(t, `{"type":"system","subtype":"notice"}`), nil) {
				return
			}
			clock.Advance(20 * time.Second)
			if !yield(parse(t, `{"type":"system","subtype":"notice"}`), nil) {
				return
			}
			clock.Advance(60 * time.Second)
			yield(parse(t, `{"type":"result","result":"ok","is_error":false}`), nil)
		}
	})
	if err := r.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rec.messages) != 3 {
		t.Fatalf("messages = %d, want 3: %+v", len(rec.messages), rec.messages)
	}
	if got, want := rec.messages[0].Content, "⏳ Still working… (1m 15s elapsed)\n`bash(\"make\")`"; got != want {
		t.Fatalf("first status = %q, want %q", got, want)
	}
	if got, want := rec.messages[1].Content, "⏳ Still working… (2m 35s elapsed)\n`bash(\"make\")`"; got != want {
		t.Fatalf("second status = %q, want %q", got, want)
	}
	if rec.messages[2].Content != "ok" {
		t.Fatalf("final message = %q", rec.messages[2].Content)
	}
}

func TestRunInitialActivityInStatus(t *testing.T) {
	rec := &recorder{}
	clock := newFakeClock()
	r := newTestRunner(rec, clock)
	r.Interval = 10 * time.Second
	job := testJob(func(context.Context) iter.Seq2[claudecli.Event, error] {
		return func(yield func(claudecli.Event, error) bool) {
			clock.Advance(12 * time.Second)
			yield(parse(t, `{"type":"system","subtype":"init"}`), nil)
		}
	})
	_ = r.Run(context.Background(), job)
	if got, want := rec.messages[0].Content, "⏳ Still working… (12s elapsed)\n`starting…`"; got != want {
		t.Fatalf("status = %q, want %q", got, want)
	}
}

func TestRunStoreWriteBeforePost(t *testing.T) {
	rec := &recorder{}
	r := newTestRunner(rec, newFakeClock())
	job := testJob(events(parse(t, `{"type":"result","result":"fine","is_error":false}`)))
	_ = r.Run(context.Background(), job)
	if len(rec.ops) != 2 || rec.ops[0] != "finish:done" || rec.ops[1] != "post" {
		t.Fatalf("ops = %v, want [finish:done post]", rec.ops)
	}
}

func TestRunReplyToMetadata(t *testing.T) {
	rec := &recorder{}
	r := newTestRunner(rec, newFakeClock())
	_ = r.Run(context.Background(), testJob(events()))
	msg := rec.last()
	if msg.Channel != "telegram" || msg.ChatID != "42" {
		t.Fatalf("routing = %s/%s", msg.Channel, msg.ChatID)
	}
	if msg.ReplyTo() != "7" {
		t.Fatalf("reply_to = %q, want 7", msg.ReplyTo())
	}
}

func TestRunTextActivityTruncated(t *testing.T) {
	rec := &recorder{}
	r := newTestRunner(rec, newFakeClock())
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"` + strings.Repeat("x", 100) + `"}]}}`
	_ = r.Run(context.Background(), testJob(events(parse(t, line))))
	if len(rec.activity) != 1 || rec.activity[0] != strings.Repeat("x", 80)+"…" {
		t.Fatalf("activity = %v", rec.activity)
	}
}

func TestRunWithTaskStore(t *testing.T) {
	store, err := persistence.NewTaskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewTaskStore: %v", err)
	}
	task, err := store.Create("telegram", "42", "list tmp")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	pub := &recorder{}
	r := &Runner{Store: store, Publisher: pub}
	job := Job{TaskID: task.ID, Channel: "telegram", ChatID: "42", Stream: events(
		parse(t, `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"bash","input":{"command":"ls /tmp"}}]}}`),
		parse(t, `{"type":"result","result":"All done!","is_error":false}`),
	)}
	if err := r.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, err := store.Get(task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != persistence.TaskStatusDone {
		t.Fatalf("status = %q, want done", got.Status)
	}
	if got.LastActivity != `bash("ls /tmp")` {
		t.Fatalf("last_activity = %q", got.LastActivity)
	}
}

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{59*time.Second + 900*time.Millisecond, "59s"},
		{time.Minute, "1m 0s"},
		{61 * time.Minute, "61m 0s"},
		{-time.Second, "0s"},
	}
	for _, tc := range tests {
		if got := formatElapsed(tc.in); got != tc.want {
			t.Fatalf("formatElapsed(%s) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
