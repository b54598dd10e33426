package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/foreman/internal/api"
	"github.com/mattjoyce/foreman/internal/events"
)

type eventMsg events.Event

type healthMsg api.HealthzResponse

type slotsMsg api.SlotsResponse

type pendingMsg api.PendingResponse

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{ lastID int64 }
type reconnectMsg struct{}

const requestTimeout = 2 * time.Second

// subscribeToEvents streams /events into ch until the connection drops.
// lastID resumes after the last event already seen.
func subscribeToEvents(apiURL string, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, apiURL+"/events", nil)
		if err != nil {
			return errMsg(err)
		}
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{lastID: lastID}
		}
		defer resp.Body.Close()

		last := readSSE(resp.Body, func(ev events.Event) { ch <- ev })
		return sseDisconnectedMsg{lastID: max(last, lastID)}
	}
}

// readSSE parses a Server-Sent Events stream, calling emit for each complete
// event. It returns the last event id seen.
func readSSE(r io.Reader, emit func(events.Event)) int64 {
	var (
		lastID  int64
		current events.Event
		data    strings.Builder
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				current.Data = json.RawMessage(data.String())
				if current.At.IsZero() {
					current.At = time.Now()
				}
				emit(current)
				lastID = max(lastID, current.ID)
			}
			current = events.Event{}
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[len("id: "):], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[len("event: "):]
		case strings.HasPrefix(line, "data: "):
			data.WriteString(line[len("data: "):])
		}
	}
	return lastID
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func getJSON(apiURL, path string, v any) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func fetchHealth(apiURL string) tea.Msg {
	var h api.HealthzResponse
	if err := getJSON(apiURL, "/healthz", &h); err != nil {
		return errMsg(err)
	}
	return healthMsg(h)
}

func fetchSlots(apiURL string) tea.Msg {
	var s api.SlotsResponse
	if err := getJSON(apiURL, "/slots", &s); err != nil {
		return errMsg(err)
	}
	return slotsMsg(s)
}

func fetchPending(apiURL string) tea.Msg {
	var p api.PendingResponse
	if err := getJSON(apiURL, "/pending", &p); err != nil {
		return errMsg(err)
	}
	return pendingMsg(p)
}
