package tasks

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// IngestSuggestions creates one task per non-empty, non-comment line of the
// agent-written suggestions file, then truncates it. Lines already created
// before an error are not re-created on the next call.
func IngestSuggestions(ctx context.Context, backend Backend, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read suggestions: %w", err)
	}

	var titles []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		line = strings.TrimLeft(line, "-* ")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		titles = append(titles, line)
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("scan suggestions: %w", err)
	}

	created := 0
	for i, title := range titles {
		if _, err := backend.Create(ctx, title, "Suggested by a worker agent."); err != nil {
			// Keep the lines that were not created for the next attempt.
			rest := strings.Join(titles[i:], "\n") + "\n"
			_ = os.WriteFile(path, []byte(rest), 0o644)
			return created, fmt.Errorf("create suggested task %q: %w", title, err)
		}
		created++
	}

	if err := os.Truncate(path, 0); err != nil {
		return created, fmt.Errorf("truncate suggestions: %w", err)
	}
	return created, nil
}
