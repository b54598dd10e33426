package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/foreman/internal/events"
)

const shownEvents = 10

type payload map[string]any

func decode(e events.Event) payload {
	p := payload{}
	_ = json.Unmarshal(e.Data, &p)
	return p
}

func (p payload) str(key string) string {
	v, _ := p[key].(string)
	return v
}

func (p payload) num(key string) (int, bool) {
	v, ok := p[key].(float64)
	return int(v), ok
}

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	body := theme.Dim.Render("  Waiting for events...")
	if len(eventLog) > 0 {
		n := min(len(eventLog), shownEvents)
		lines := make([]string, 0, n)
		for _, e := range eventLog[:n] {
			lines = append(lines, formatEvent(e, theme))
		}
		body = lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	}
	return theme.Border.Width(width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left, theme.Title.Render("EVENT STREAM"), body))
}

// formatEvent colors a line by its outcome when the payload has one, else by
// event type.
func formatEvent(e events.Event, theme Theme) string {
	key := e.Type
	if o := decode(e).str("outcome"); o != "" {
		key = o
	}
	return fmt.Sprintf("%s %s %s",
		theme.Dim.Render(e.At.Local().Format("15:04:05")),
		theme.outcomeStyle(key).Render(fmt.Sprintf("%-22s", e.Type)),
		describeEvent(e))
}

func describeEvent(e events.Event) string {
	p := decode(e)

	var parts []string
	if slot, ok := p.num("slot"); ok {
		parts = append(parts, fmt.Sprintf("slot %d", slot))
	}
	for _, key := range []string{"branch", "task_id", "sweep", "outcome", "status", "escalation_id"} {
		if v := p.str(key); v != "" {
			parts = append(parts, v)
		}
	}
	if code, ok := p.num("exit_code"); ok {
		parts = append(parts, fmt.Sprintf("exit %d", code))
	}
	if to, _ := p["timed_out"].(bool); to {
		parts = append(parts, "timed out")
	}
	if len(parts) > 0 {
		return strings.Join(parts, " ")
	}

	raw := string(e.Data)
	if len(raw) > 60 {
		raw = raw[:60] + "..."
	}
	return raw
}
