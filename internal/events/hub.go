// Package events is the in-memory pub/sub the dispatcher publishes lifecycle
// events on. The status API streams it as Server-Sent Events.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published by the dispatcher.
const (
	SlotAssigned        = "slot.assigned"
	SlotExited          = "slot.exited"
	IntegrationFinished = "integration.finished"
	RetryMerged         = "retry.merged"
	RetryDropped        = "retry.dropped"
	DispatcherStopping  = "dispatcher.stopping"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

const (
	defaultBacklog = 256
	subscriberBuf  = 64
)

// Hub keeps the most recent events so a late or reconnecting subscriber can
// catch up. A nil *Hub drops everything.
type Hub struct {
	mu     sync.Mutex
	lastID int64
	limit  int
	recent []Event
	subs   map[chan Event]struct{}
}

func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Hub{
		limit: backlog,
		subs:  make(map[chan Event]struct{}),
	}
}

// Publish marshals data as the event payload. Marshal failures publish "{}".
func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{ID: h.lastID, Type: eventType, At: time.Now().UTC(), Data: payload}

	h.recent = append(h.recent, ev)
	if over := len(h.recent) - h.limit; over > 0 {
		h.recent = h.recent[over:]
	}
	for ch := range h.subs {
		// A slow subscriber misses events; the dispatcher never blocks on one.
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns the buffered events after afterID together with a channel
// of everything published from then on. Both are taken under one lock, so no
// event is seen twice or lost in between. cancel closes the channel.
func (h *Hub) Subscribe(afterID int64) ([]Event, <-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	backlog := h.sinceLocked(afterID)
	ch := make(chan Event, subscriberBuf)
	h.subs[ch] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
	return backlog, ch, cancel
}

// SnapshotSince returns buffered events with ID > afterID, oldest first.
func (h *Hub) SnapshotSince(afterID int64) []Event {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sinceLocked(afterID)
}

func (h *Hub) sinceLocked(afterID int64) []Event {
	var out []Event
	for _, ev := range h.recent {
		if ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out
}
