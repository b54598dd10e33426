package watch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/foreman/internal/api"
	"github.com/mattjoyce/foreman/internal/dispatch"
)

func newSlotTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "SLOT", Width: 4},
			{Title: "BRANCH", Width: 14},
			{Title: "STATE", Width: 8},
			{Title: "TASK", Width: 12},
			{Title: "TITLE", Width: 36},
			{Title: "ELAPSED", Width: 9},
			{Title: "PID", Width: 7},
		}),
		table.WithHeight(8),
		table.WithFocused(false),
	)
	styles := table.DefaultStyles()
	styles.Selected = styles.Cell
	t.SetStyles(styles)
	return t
}

// slotRows renders one row per slot. now drives the elapsed column.
func slotRows(slots []dispatch.SlotState, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(slots))
	for _, s := range slots {
		state, elapsed, pid := "idle", "", ""
		switch {
		case s.Running:
			state = "running"
		case s.TaskID != "":
			state = "exited"
		}
		if s.AssignedAt != nil {
			elapsed = formatDuration(now.Sub(*s.AssignedAt))
		}
		if s.PID > 0 {
			pid = strconv.Itoa(s.PID)
		}
		rows = append(rows, table.Row{
			strconv.Itoa(s.Index), s.Branch, state, s.TaskID, s.Title, elapsed, pid,
		})
	}
	return rows
}

func renderSlots(t table.Model, theme Theme, width int) string {
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("SLOTS"),
		t.View(),
	)
	return theme.Border.Width(width - 4).Render(content)
}

func renderPending(p api.PendingResponse, theme Theme, width int) string {
	var lines []string
	for _, r := range p.Conflicts {
		lines = append(lines, fmt.Sprintf("%s %-14s %s", theme.StatusFailed.Render("conflict"), r.Branch, r.TaskID))
	}
	for _, r := range p.GateFailures {
		lines = append(lines, fmt.Sprintf("%s %-14s %s", theme.StatusFailed.Render("gate    "), r.Branch, r.TaskID))
	}
	body := theme.Dim.Render("  Nothing waiting on a human.")
	if len(lines) > 0 {
		body = lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	}
	content := lipgloss.JoinVertical(lipgloss.Left, theme.Title.Render("PENDING ESCALATIONS"), body)
	return theme.Border.Width(width - 4).Render(content)
}
