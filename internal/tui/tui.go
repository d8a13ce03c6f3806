// Package tui renders the live task board behind "clawtask watch".
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/clawtask/internal/health"
	"github.com/basket/clawtask/internal/persistence"
)

const refreshInterval = time.Second

// Snapshot is one refresh of the board.
type Snapshot struct {
	Tasks  []persistence.TaskRecord
	Health *health.Snapshot // nil when no health file is available
	Err    error
	At     time.Time
}

type StatusProvider func() Snapshot

// Canceller requests cancellation of a running task. Nil disables the key.
type Canceller func(id string) error

type model struct {
	provider StatusProvider
	cancel   Canceller
	snap     Snapshot

	cursor      int
	runningOnly bool
	notice      string
	width       int
}

type tickMsg time.Time

type cancelResultMsg struct {
	id  string
	err error
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.visible())-1 {
				m.cursor++
			}
		case "r":
			m.runningOnly = !m.runningOnly
			m.cursor = 0
		case "c":
			cmd := m.cancelSelected()
			return m, cmd
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		m.snap = m.provider()
		if n := len(m.visible()); m.cursor >= n {
			m.cursor = max(n-1, 0)
		}
		return m, tickCmd()
	case cancelResultMsg:
		if msg.err != nil {
			m.notice = "cancel " + msg.id + ": " + humanError(msg.err)
		} else {
			m.notice = "cancel requested for " + msg.id
		}
	}
	return m, nil
}

// visible returns the rows shown under the current filter.
func (m model) visible() []persistence.TaskRecord {
	if !m.runningOnly {
		return m.snap.Tasks
	}
	var out []persistence.TaskRecord
	for _, t := range m.snap.Tasks {
		if t.Status == persistence.TaskStatusRunning {
			out = append(out, t)
		}
	}
	return out
}

func (m *model) cancelSelected() tea.Cmd {
	rows := m.visible()
	if m.cancel == nil {
		m.notice = "cancel unavailable: gateway not reachable"
		return nil
	}
	if m.cursor >= len(rows) {
		return nil
	}
	rec := rows[m.cursor]
	if rec.Status != persistence.TaskStatusRunning {
		m.notice = "task " + rec.ID + " is " + string(rec.Status)
		return nil
	}
	cancel := m.cancel
	return func() tea.Msg {
		return cancelResultMsg{id: rec.ID, err: cancel(rec.ID)}
	}
}

// Run shows the board until the user quits or ctx ends.
func Run(ctx context.Context, provider StatusProvider, cancel Canceller) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, cancel: cancel, snap: provider()}
	p := tea.NewProgram(m, tea.WithAltScreen())

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
