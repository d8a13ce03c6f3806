package tui

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/shared"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	selectedStyle = lipgloss.NewStyle().Background(lipgloss.Color("236"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	statusStyles = map[persistence.TaskStatus]lipgloss.Style{
		persistence.TaskStatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		persistence.TaskStatusDone:      lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		persistence.TaskStatusError:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		persistence.TaskStatusStale:     lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		persistence.TaskStatusCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
	}
	statusIcons = map[persistence.TaskStatus]string{
		persistence.TaskStatusRunning:   "⏳",
		persistence.TaskStatusDone:      "✓",
		persistence.TaskStatusError:     "❌",
		persistence.TaskStatusStale:     "⚠",
		persistence.TaskStatusCancelled: "⏹",
	}
)

const (
	previewWidth  = 40
	activityWidth = 48
)

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("clawtask") + " " + dimStyle.Render(m.healthLine()) + "\n\n")

	if m.snap.Err != nil {
		b.WriteString(errorStyle.Render("Error: "+humanError(m.snap.Err)) + "\n\n")
	}

	rows := m.visible()
	if len(rows) == 0 {
		if m.runningOnly {
			b.WriteString(dimStyle.Render("No running tasks.") + "\n")
		} else {
			b.WriteString(dimStyle.Render("No background tasks.") + "\n")
		}
	}
	now := m.snap.At
	if now.IsZero() {
		now = time.Now()
	}
	for i, rec := range rows {
		line := renderRow(rec, now)
		if m.width > 0 {
			line = lipgloss.NewStyle().MaxWidth(m.width).Render(line)
		}
		if i == m.cursor {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}

	if m.notice != "" {
		b.WriteString("\n" + m.notice + "\n")
	}
	filter := "all"
	if m.runningOnly {
		filter = "running"
	}
	b.WriteString("\n" + dimStyle.Render(fmt.Sprintf("showing %s · ↑/↓ select · c cancel · r toggle running · q quit", filter)) + "\n")
	return b.String()
}

func renderRow(rec persistence.TaskRecord, now time.Time) string {
	style, ok := statusStyles[rec.Status]
	if !ok {
		style = dimStyle
	}
	icon := statusIcons[rec.Status]
	if icon == "" {
		icon = "?"
	}
	status := style.Render(fmt.Sprintf("%s %-9s", icon, rec.Status))
	age := now.Sub(rec.Started())
	line := fmt.Sprintf("%s  %s  %6s  %-*s",
		rec.ID, status, shortDuration(age), previewWidth, shared.Truncate(oneLine(rec.PromptPreview), previewWidth, "…"))
	if rec.LastActivity != "" {
		line += "  " + dimStyle.Render(shared.Truncate(rec.LastActivity, activityWidth, "…"))
	}
	return line
}

func (m model) healthLine() string {
	h := m.snap.Health
	if h == nil {
		return "health: unknown"
	}
	state := "ok"
	if h.Stale {
		state = "stale"
	} else if !h.OK {
		state = "degraded"
	}
	return fmt.Sprintf("health: %s · running %d · started %d · up %s",
		state, len(h.Tasks.Running), h.Tasks.StartedTotal, shortDuration(time.Duration(h.UptimeSeconds*float64(time.Second))))
}

// shortDuration renders d as "45s", "12m", "3h" or "2d".
func shortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(math.Floor(d.Hours()/24)))
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
