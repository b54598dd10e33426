package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/foreman/internal/events"
)

const keepAliveInterval = 15 * time.Second

// handleEvents streams hub events as Server-Sent Events. A client that sends
// Last-Event-ID first receives the buffered events it missed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	backlog, live, cancel := s.events.Subscribe(parseLastEventID(r.Header.Get("Last-Event-ID")))
	defer cancel()

	w.WriteHeader(http.StatusOK)
	for _, ev := range backlog {
		if writeSSE(w, ev) != nil {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-live:
			if !open {
				return
			}
			err = writeSSE(w, ev)
		case <-ticker.C:
			_, err = io.WriteString(w, ": keep-alive\n\n")
		}
		if err != nil {
			return
		}
		flusher.Flush()
	}
}

// parseLastEventID treats a missing or malformed header as "from the start".
func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeSSE writes one event frame. Payloads are single-line JSON, so one data
// line suffices.
func writeSSE(w io.Writer, ev events.Event) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
	return err
}
