package agent

import (
	"fmt"
	"strings"

	"github.com/mattjoyce/foreman/internal/tasks"
)

// BuildInstruction renders the text written to the agent's instruction file.
func BuildInstruction(task tasks.Task, preamble, suggestionsFile string) string {
	var b strings.Builder
	if p := strings.TrimSpace(preamble); p != "" {
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Task %s: %s\n", task.ID, task.Title)
	if d := strings.TrimSpace(task.Description); d != "" {
		b.WriteString("\n")
		b.WriteString(d)
		b.WriteString("\n")
	}
	b.WriteString("\nWork only inside this checkout. Uncommitted changes are committed for you when you exit.\n")
	if suggestionsFile != "" {
		fmt.Fprintf(&b, "If you notice follow-up work, add one line per idea to %s instead of doing it now.\n", suggestionsFile)
	}
	return b.String()
}
