package claudecli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// fakeClaude writes an executable shell script standing in for the claude binary.
func fakeClaude(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake claude scripts need /bin/sh")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	path := filepath.Join(t.TempDir(), "claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write fake claude: %v", err)
	}
	return path
}

func collect(t *testing.T, c *Client, ctx context.Context) []Event {
	t.Helper()
	var events []Event
	for ev, err := range c.Stream(ctx, "do the thing", "") {
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		events = append(events, ev)
	}
	return events
}

func TestStream_YieldsEventsInOrder(t *testing.T) {
	bin := fakeClaude(t, `
echo '{"type":"system","subtype":"init"}'
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","name":"bash","input":{"command":"ls"}}]}}'
echo ''
echo '{"type":"result","subtype":"success","result":"All done!","is_error":false}'
`)
	c := New(Config{Binary: bin})
	events := collect(t, c, context.Background())
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	kinds := []Kind{KindSystem, KindAssistant, KindResult}
	for i, k := range kinds {
		if events[i].Kind != k {
			t.Fatalf("events[%d].Kind = %v, want %v", i, events[i].Kind, k)
		}
	}
	if events[2].Result.Text != "All done!" || events[2].Result.IsError {
		t.Fatalf("unexpected result %+v", events[2].Result)
	}
}

func TestStream_SkipsInvalidLines(t *testing.T) {
	bin := fakeClaude(t, `
echo 'this is not json'
echo '{"type":"result","result":"ok","is_error":false}'
`)
	events := collect(t, New(Config{Binary: bin}), context.Background())
	if len(events) != 1 {
		t.Fatalf("got %d events, want exactly 1", len(events))
	}
	if !events[0].IsResult() || events[0].Result.Text != "ok" {
		t.Fatalf("unexpected event %+v", events[0])
	}
}

func TestStream_TimeoutYieldsSingleSyntheticResult(t *testing.T) {
	bin := fakeClaude(t, `exec sleep 30`)
	c := New(Config{Binary: bin, StreamTimeout: 300 * time.Millisecond, PollInterval: 50 * time.Millisecond})

	start := time.Now()
	events := collect(t, c, context.Background())
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("timeout took %v; process not killed promptly", elapsed)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	r := events[0].Result
	if r == nil || !r.IsError || !r.Synthetic {
		t.Fatalf("expected synthetic error result, got %+v", events[0])
	}
	if !strings.Contains(r.Text, "timed out") {
		t.Fatalf("text = %q, want it to mention timed out", r.Text)
	}
	if r.Text != "Error: claude CLI timed out after 0.3s." {
		t.Fatalf("text = %q", r.Text)
	}
}

func TestStream_TimeoutAfterPartialOutput(t *testing.T) {
	bin := fakeClaude(t, `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"thinking"}]}}'
exec sleep 30
`)
	c := New(Config{Binary: bin, StreamTimeout: 400 * time.Millisecond, PollInterval: 100 * time.Millisecond})
	events := collect(t, c, context.Background())
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != KindAssistant || !events[1].Result.Synthetic {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestStream_NonZeroExitWithoutResult(t *testing.T) {
	bin := fakeClaude(t, `
echo 'boom happened' >&2
exit 3
`)
	events := collect(t, New(Config{Binary: bin}), context.Background())
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	want := "Error: claude CLI exited with code 3: boom happened"
	if events[0].Result.Text != want || !events[0].Result.IsError {
		t.Fatalf("result = %+v, want %q", events[0].Result, want)
	}
}

func TestStream_NonZeroExitWithoutStderr(t *testing.T) {
	bin := fakeClaude(t, `exit 2`)
	events := collect(t, New(Config{Binary: bin}), context.Background())
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	want := "Error: claude CLI exited with code 2: claude exited with code 2"
	if events[0].Result.Text != want {
		t.Fatalf("text = %q, want %q", events[0].Result.Text, want)
	}
}

func TestStream_NonZeroExitAfterResultAddsNothing(t *testing.T) {
	bin := fakeClaude(t, `
echo '{"type":"result","result":"partial","is_error":true}'
echo 'late failure' >&2
exit 1
`)
	events := collect(t, New(Config{Binary: bin}), context.Background())
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Result.Synthetic || events[0].Result.Text != "partial" {
		t.Fatalf("unexpected event %+v", events[0].Result)
	}
}

func TestStream_CleanExitWithoutResult(t *testing.T) {
	bin := fakeClaude(t, `echo '{"type":"system","subtype":"init"}'`)
	events := collect(t, New(Config{Binary: bin}), context.Background())
	if len(events) != 1 || events[0].Kind != KindSystem {
		t.Fatalf("expected only the system event, got %+v", events)
	}
}

func TestStream_GrandchildHoldingStderrDoesNotTimeOut(t *testing.T) {
	bin := fakeClaude(t, `
echo '{"type":"result","result":"All done!","is_error":false}'
( exec 1>&-; sleep 5 ) &
exit 0
`)
	c := New(Config{Binary: bin, StreamTimeout: 3 * time.Second, PollInterval: 100 * time.Millisecond})
	start := time.Now()
	events := collect(t, c, context.Background())
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("stream took %v; waited on the grandchild", elapsed)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(events), events)
	}
	if r := events[0].Result; r == nil || r.Text != "All done!" || r.IsError || r.Synthetic {
		t.Fatalf("unexpected result %+v", events[0].Result)
	}
}

func TestStream_GrandchildHoldingStdoutDoesNotTimeOut(t *testing.T) {
	bin := fakeClaude(t, `
echo '{"type":"result","result":"All done!","is_error":false}'
sleep 5 &
exit 0
`)
	c := New(Config{Binary: bin, StreamTimeout: 3 * time.Second, PollInterval: 100 * time.Millisecond})
	start := time.Now()
	events := collect(t, c, context.Background())
	if elapsed := time.Since(start); elapsed > 2500*time.Millisecond {
		t.Fatalf("stream took %v; waited on the grandchild", elapsed)
	}
	if len(events) != 1 || events[0].Result == nil || events[0].Result.Synthetic {
		t.Fatalf("expected only the real result, got %+v", events)
	}
}

func TestStream_DeadlineAfterResultKeepsResult(t *testing.T) {
	bin := fakeClaude(t, `
echo '{"type":"result","result":"finished","is_error":false}'
exec sleep 30
`)
	c := New(Config{Binary: bin, StreamTimeout: 400 * time.Millisecond, PollInterval: 100 * time.Millisecond})
	events := collect(t, c, context.Background())
	if len(events) != 1 || events[0].Result == nil || events[0].Result.Text != "finished" {
		t.Fatalf("expected only the real result, got %+v", events)
	}
}

func TestStream_MissingBinary(t *testing.T) {
	c := New(Config{Binary: filepath.Join(t.TempDir(), "no-such-claude")})
	events := collect(t, c, context.Background())
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	r := events[0].Result
	if r == nil || !r.IsError || !strings.Contains(r.Text, "not found") {
		t.Fatalf("unexpected result %+v", events[0])
	}
}

func TestStream_CancelEndsWithoutSynthetic(t *testing.T) {
	bin := fakeClaude(t, `
echo '{"type":"system","subtype":"init"}'
exec sleep 30
`)
	c := New(Config{Binary: bin, PollInterval: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	var events []Event
	for ev := range c.Stream(ctx, "p", "") {
		events = append(events, ev)
		cancel()
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("cancel took %v", elapsed)
	}
	if len(events) != 1 || events[0].Kind != KindSystem {
		t.Fatalf("expected only the init event, got %+v", events)
	}
}

func TestStream_AlreadyCancelledContext(t *testing.T) {
	bin := fakeClaude(t, `echo '{"type":"result","result":"should not run"}'`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if events := collect(t, New(Config{Binary: bin}), ctx); len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
}

func TestStream_BreakKillsProcess(t *testing.T) {
	bin := fakeClaude(t, `
echo '{"type":"system","subtype":"init"}'
exec sleep 30
`)
	c := New(Config{Binary: bin})
	start := time.Now()
	for range c.Stream(context.Background(), "p", "") {
		break
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("break took %v; process not killed", elapsed)
	}
}

func TestStream_SinglePass(t *testing.T) {
	bin := fakeClaude(t, `echo '{"type":"result","result":"once"}'`)
	seq := New(Config{Binary: bin}).Stream(context.Background(), "p", "")
	first, second := 0, 0
	for range seq {
		first++
	}
	for range seq {
		second++
	}
	if first != 1 || second != 0 {
		t.Fatalf("first=%d second=%d, want 1 and 0", first, second)
	}
}

func TestStream_ArgumentsAndEnv(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args")
	envFile := filepath.Join(dir, "env")
	bin := fakeClaude(t, `
for a in "$@"; do echo "$a"; done > `+argsFile+`
echo "$CLAWTASK_TEST_VAR" > `+envFile+`
pwd >> `+envFile+`
echo '{"type":"result","result":"ok"}'
`)
	work := t.TempDir()
	c := New(Config{
		Binary:       bin,
		DefaultModel: "claude-cli/opus-4.6",
		ExtraArgs:    []string{"--permission-mode", "acceptEdits"},
		Env:          map[string]string{"CLAWTASK_TEST_VAR": "hello"},
		WorkDir:      work,
	})
	collect(t, c, context.Background())

	raw, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	got := strings.Split(strings.TrimSpace(string(raw)), "\n")
	want := []string{"--print", "do the thing", "--output-format", "stream-json", "--verbose", "--model", "claude-opus-4-6", "--permission-mode", "acceptEdits"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("args = %q, want %q", got, want)
	}

	envRaw, err := os.ReadFile(envFile)
	if err != nil {
		t.Fatalf("read env: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(envRaw)), "\n")
	if lines[0] != "hello" {
		t.Fatalf("env var = %q, want hello", lines[0])
	}
	if resolvedWork, _ := filepath.EvalSymlinks(work); lines[1] != work && lines[1] != resolvedWork {
		t.Fatalf("work dir = %q, want %q", lines[1], work)
	}
}

func TestRun_ParsesJSONResult(t *testing.T) {
	bin := fakeClaude(t, `echo '{"type":"result","subtype":"success","result":"hi there","is_error":false,"num_turns":1,"session_id":"abc"}'`)
	resp, err := New(Config{Binary: bin}).Run(context.Background(), "hello", "haiku-4.5")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.Text != "hi there" || resp.SessionID != "abc" || resp.Model != "claude-haiku-4-5-20251001" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestRun_PlainTextOutput(t *testing.T) {
	bin := fakeClaude(t, `echo 'just text'`)
	resp, err := New(Config{Binary: bin}).Run(context.Background(), "hello", "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.Text != "just text" {
		t.Fatalf("text = %q", resp.Text)
	}
}

func TestRun_Errors(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"is_error", `echo '{"type":"result","result":"quota exceeded","is_error":true}'`, "quota exceeded"},
		{"non-zero exit", "echo 'bad flag' >&2\nexit 1", "bad flag"},
		{"non-zero exit silent", "exit 4", "code 4"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bin := fakeClaude(t, tc.body)
			_, err := New(Config{Binary: bin}).Run(context.Background(), "p", "")
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want it to contain %q", err, tc.want)
			}
		})
	}
}

func TestRun_Timeout(t *testing.T) {
	bin := fakeClaude(t, `exec sleep 30`)
	_, err := New(Config{Binary: bin, Timeout: 200 * time.Millisecond}).Run(context.Background(), "p", "")
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestRun_GrandchildHoldingStderr(t *testing.T) {
	bin := fakeClaude(t, `
echo '{"type":"result","subtype":"success","result":"done","is_error":false}'
( exec 1>&-; sleep 5 ) &
exit 0
`)
	start := time.Now()
	resp, err := New(Config{Binary: bin, Timeout: 4 * time.Second}).Run(context.Background(), "p", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Text != "done" {
		t.Fatalf("text = %q", resp.Text)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("Run took %v; waited on the grandchild", elapsed)
	}
}

func TestRun_MissingBinary(t *testing.T) {
	_, err := New(Config{Binary: filepath.Join(t.TempDir(), "nope")}).Run(context.Background(), "p", "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFormatSeconds(t *testing.T) {
	cases := map[time.Duration]string{
		900 * time.Second:       "900s",
		time.Second:             "1s",
		300 * time.Millisecond:  "0.3s",
		1500 * time.Millisecond: "1.5s",
	}
	for d, want := range cases {
		if got := formatSeconds(d); got != want {
			t.Errorf("formatSeconds(%v) = %q, want %q", d, got, want)
		}
	}
}
