package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/foreman/internal/api"
	"github.com/mattjoyce/foreman/internal/dispatch"
)

// HealthState tracks dispatcher health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Connected     bool
	LastCheck     time.Time
}

func statusLabel(h HealthState, theme Theme) string {
	switch {
	case !h.Connected:
		return theme.StatusFailed.Render("CONNECTING")
	case h.Status == "" || h.Status == "ok":
		return theme.StatusOK.Render("RUNNING")
	default:
		return theme.StatusFailed.Render("DEGRADED")
	}
}

func busySlots(slots []dispatch.SlotState) (n int) {
	for _, s := range slots {
		if s.Running {
			n++
		}
	}
	return n
}

// renderHeader draws the title bar, slot and pending counts, outcome tallies
// and the activity indicator.
func renderHeader(health HealthState, slots []dispatch.SlotState, pending api.PendingResponse,
	outcomes map[string]int, spinner Spinner, theme Theme, width int) string {
	inner := width - 4

	title, clock := " FOREMAN WATCH", theme.Dim.Render(time.Now().Format("15:04:05"))
	gap := max(inner-lipgloss.Width(title)-lipgloss.Width(clock)-4, 1)

	tally := func(style lipgloss.Style, key string) string {
		return style.Render(fmt.Sprint(outcomes[key]))
	}

	since := "never"
	if last := spinner.LastEvent(); !last.IsZero() {
		since = time.Since(last).Round(time.Second).String() + " ago"
	}

	lines := []string{
		title + strings.Repeat(" ", gap) + clock + " ",
		fmt.Sprintf(" %s  ⏱ %s  Slots: %d/%d busy  Pending: %d conflict, %d gate",
			statusLabel(health, theme),
			formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
			busySlots(slots), len(slots),
			len(pending.Conflicts), len(pending.GateFailures)),
		fmt.Sprintf(" Merged: %s  Conflicts: %s  Gate failures: %s  Lock timeouts: %s",
			tally(theme.StatusOK, "merged"),
			tally(theme.StatusFailed, "conflict"),
			tally(theme.StatusFailed, "gate_failed"),
			tally(theme.StatusRunning, "lock_timeout")),
		fmt.Sprintf(" Last event: %s %s", since, spinner.Render(theme)),
	}
	return theme.Border.Width(inner).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func formatDuration(d time.Duration) string {
	secs := int(d.Seconds())
	switch {
	case d >= time.Hour:
		return fmt.Sprintf("%dh %dm", secs/3600, secs%3600/60)
	case d >= time.Minute:
		return fmt.Sprintf("%dm %ds", secs/60, secs%60)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}
