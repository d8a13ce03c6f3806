package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/clawtask/internal/health"
	"github.com/basket/clawtask/internal/persistence"
)

var boardNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleSnapshot() Snapshot {
	started := float64(boardNow.Add(-90 * time.Second).Unix())
	return Snapshot{
		At: boardNow,
		Tasks: []persistence.TaskRecord{
			{ID: "aaaa1111", Status: persistence.TaskStatusRunning, PromptPreview: "refactor\nthe parser", StartedAt: started, LastActivity: `bash("go test ./...")`},
			{ID: "bbbb2222", Status: persistence.TaskStatusDone, PromptPreview: "write docs", StartedAt: started},
			{ID: "cccc3333", Status: persistence.TaskStatusStale, PromptPreview: "old job", StartedAt: started},
		},
		Health: &health.Snapshot{OK: true, UptimeSeconds: 3700, Tasks: health.TaskHealth{Running: []string{"aaaa1111"}, StartedTotal: 3}},
	}
}

func key(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func TestView_RendersTasksAndHealth(t *testing.T) {
	m := model{snap: sampleSnapshot()}
	view := m.View()

	for _, want := range []string{
		"aaaa1111", "bbbb2222", "cccc3333",
		"refactor the parser",
		`bash("go test ./...")`,
		"1m",
		"health: ok · running 1 · started 3 · up 1h",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("expected view to contain %q, got:\n%s", want, view)
		}
	}
}

func TestView_EmptyAndError(t *testing.T) {
	m := model{snap: Snapshot{Err: errors.New("list tasks: open dir: permission denied")}}
	view := m.View()
	for _, want := range []string{"No background tasks.", "Permission denied", "health: unknown"} {
		if !strings.Contains(view, want) {
			t.Errorf("expected view to contain %q, got:\n%s", want, view)
		}
	}
}

func TestUpdate_Navigation(t *testing.T) {
	var m tea.Model = model{snap: sampleSnapshot()}
	m, _ = m.Update(key('j'))
	m, _ = m.Update(key('j'))
	m, _ = m.Update(key('j'))
	if got := m.(model).cursor; got != 2 {
		t.Fatalf("cursor = %d, want 2", got)
	}
	m, _ = m.Update(key('k'))
	if got := m.(model).cursor; got != 1 {
		t.Fatalf("cursor = %d, want 1", got)
	}

	m, _ = m.Update(key('r'))
	mm := m.(model)
	if !mm.runningOnly || mm.cursor != 0 {
		t.Fatalf("runningOnly = %v cursor = %d", mm.runningOnly, mm.cursor)
	}
	if rows := mm.visible(); len(rows) != 1 || rows[0].ID != "aaaa1111" {
		t.Fatalf("visible = %+v", rows)
	}
}

func TestUpdate_Cancel(t *testing.T) {
	var cancelled string
	m := model{
		snap:   sampleSnapshot(),
		cancel: func(id string) error { cancelled = id; return nil },
	}

	next, cmd := m.Update(key('c'))
	if cmd == nil {
		t.Fatal("expected cancel command for running task")
	}
	msg := cmd()
	if cancelled != "aaaa1111" {
		t.Fatalf("cancelled = %q, want aaaa1111", cancelled)
	}
	next, _ = next.Update(msg)
	if got := next.(model).notice; got != "cancel requested for aaaa1111" {
		t.Fatalf("notice = %q", got)
	}

	// A finished task is not cancellable.
	next, _ = next.Update(key('j'))
	next, cmd = next.Update(key('c'))
	if cmd != nil {
		t.Fatal("expected no command for finished task")
	}
	if got := next.(model).notice; got != "task bbbb2222 is done" {
		t.Fatalf("notice = %q", got)
	}
}

func TestUpdate_CancelUnavailable(t *testing.T) {
	m := model{snap: sampleSnapshot()}
	next, cmd := m.Update(key('c'))
	if cmd != nil {
		t.Fatal("expected no command without a canceller")
	}
	if !strings.Contains(next.(model).notice, "unavailable") {
		t.Fatalf("notice = %q", next.(model).notice)
	}
}

func TestUpdate_TickRefreshesAndClampsCursor(t *testing.T) {
	calls := 0
	provider := func() Snapshot {
		calls++
		return Snapshot{At: boardNow}
	}
	m := model{provider: provider, snap: sampleSnapshot(), cursor: 2}
	next, cmd := m.Update(tickMsg(boardNow))
	if cmd == nil {
		t.Fatal("expected tick cmd after tick message")
	}
	if calls != 1 {
		t.Fatalf("provider calls = %d, want 1", calls)
	}
	if got := next.(model).cursor; got != 0 {
		t.Fatalf("cursor = %d, want 0", got)
	}
}

func TestUpdate_Quit(t *testing.T) {
	m := model{snap: sampleSnapshot()}
	if _, cmd := m.Update(key('q')); cmd == nil {
		t.Fatal("expected quit command on 'q' key")
	}
}

func TestShortDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{-time.Second, "0s"},
		{45 * time.Second, "45s"},
		{12 * time.Minute, "12m"},
		{3 * time.Hour, "3h"},
		{72 * time.Hour, "3d"},
	}
	for _, tc := range tests {
		if got := shortDuration(tc.in); got != tc.want {
			t.Fatalf("shortDuration(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestHumanError(t *testing.T) {
	if got := humanError(errors.New("gateway: post: connection refused")); got != "Connection refused" {
		t.Fatalf("humanError = %q", got)
	}
	if got := humanError(nil); got != "" {
		t.Fatalf("humanError(nil) = %q", got)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, func() Snapshot { return Snapshot{} }, nil)
	if err != nil && err != context.Canceled {
		t.Fatalf("expected clean exit or context.Canceled, got: %v", err)
	}
}
