// Package watch implements the foreman watch TUI: a live view of the
// dispatcher built on the status API's /slots, /pending and /events routes.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme holds every style the watch view renders with.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style

	Border lipgloss.Style
	Title  lipgloss.Style
	Dim    lipgloss.Style

	TickerActive   lipgloss.Style
	TickerInactive lipgloss.Style
}

// Colours adapt to light and dark terminal backgrounds.
var (
	green  = lipgloss.AdaptiveColor{Light: "#1A7F37", Dark: "#3FB950"}
	amber  = lipgloss.AdaptiveColor{Light: "#9A6700", Dark: "#D29922"}
	red    = lipgloss.AdaptiveColor{Light: "#CF222E", Dark: "#F85149"}
	muted  = lipgloss.AdaptiveColor{Light: "#6E7781", Dark: "#8B949E"}
	faint  = lipgloss.AdaptiveColor{Light: "#D0D7DE", Dark: "#30363D"}
	accent = lipgloss.AdaptiveColor{Light: "#8250DF", Dark: "#A371F7"}
)

func NewDefaultTheme() Theme {
	fg := func(c lipgloss.TerminalColor) lipgloss.Style { return lipgloss.NewStyle().Foreground(c) }
	return Theme{
		StatusOK:      fg(green),
		StatusRunning: fg(amber),
		StatusFailed:  fg(red),

		Border: lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(accent),
		Title:  lipgloss.NewStyle().Bold(true).Padding(0, 1),
		Dim:    fg(muted),

		TickerActive:   fg(green),
		TickerInactive: fg(faint),
	}
}

// outcomeStyle colours an integration outcome or event type.
func (t Theme) outcomeStyle(s string) lipgloss.Style {
	switch s {
	case "merged", "retry.merged", "clean", "trivial", "already_merged":
		return t.StatusOK
	case "conflict", "gate_failed", "error", "retry.dropped":
		return t.StatusFailed
	case "lock_timeout", "slot.assigned", "skipped":
		return t.StatusRunning
	default:
		return t.Dim
	}
}
