package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/foreman/internal/api"
	"github.com/mattjoyce/foreman/internal/dispatch"
	"github.com/mattjoyce/foreman/internal/events"
)

const (
	maxEventLog    = 50
	pollInterval   = 5 * time.Second
	reconnectDelay = 3 * time.Second
)

type pollMsg struct{}

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	apiURL string

	width  int
	height int

	health   HealthState
	slots    []dispatch.SlotState
	pending  api.PendingResponse
	outcomes map[string]int
	eventLog []events.Event
	lastID   int64

	spinner Spinner
	table   table.Model
	theme   Theme

	hubEvents chan events.Event
	lastError string
}

// New creates a watch model for the API at apiURL.
func New(apiURL string) *Model {
	return &Model{
		apiURL:    apiURL,
		outcomes:  make(map[string]int),
		table:     newSlotTable(),
		theme:     NewDefaultTheme(),
		hubEvents: make(chan events.Event, 100),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return pollMsg{} },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) poll() tea.Cmd {
	return tea.Batch(
		func() tea.Msg { return fetchHealth(m.apiURL) },
		func() tea.Msg { return fetchSlots(m.apiURL) },
		func() tea.Msg { return fetchPending(m.apiURL) },
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.poll()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(max(msg.Width-8, 20))

	case tickMsg:
		m.spinner.Decay(time.Time(msg))
		m.table.SetRows(slotRows(m.slots, time.Time(msg)))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case pollMsg:
		return m, tea.Batch(m.poll(), tea.Tick(pollInterval, func(time.Time) tea.Msg { return pollMsg{} }))

	case eventMsg:
		e := events.Event(msg)
		m.recordEvent(e)
		m.health.Connected = true
		m.lastError = ""

		cmds := []tea.Cmd{receiveNextEvent(m.hubEvents)}
		if refreshesState(e.Type) {
			cmds = append(cmds, m.poll())
		}
		return m, tea.Batch(cmds...)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""

	case slotsMsg:
		m.slots = msg.Slots
		m.table.SetRows(slotRows(m.slots, time.Now()))

	case pendingMsg:
		m.pending = api.PendingResponse(msg)

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		m.lastID = max(m.lastID, msg.lastID)
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
	}

	return m, nil
}

// recordEvent adds e to the log (newest first) and the outcome tally.
func (m *Model) recordEvent(e events.Event) {
	if e.ID != 0 && e.ID <= m.lastID {
		return
	}
	m.lastID = max(m.lastID, e.ID)

	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}
	m.spinner.OnEvent(time.Now())

	switch e.Type {
	case events.IntegrationFinished:
		if outcome := decode(e).str("outcome"); outcome != "" {
			m.outcomes[outcome]++
		}
	case events.RetryMerged:
		m.outcomes["merged"]++
	}
}

// refreshesState reports whether an event changes slots or pending records.
func refreshesState(eventType string) bool {
	switch eventType {
	case events.SlotAssigned, events.SlotExited, events.IntegrationFinished,
		events.RetryMerged, events.RetryDropped, events.DispatcherStopping:
		return true
	}
	return false
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to foreman..."
	}

	header := renderHeader(m.health, m.slots, m.pending, m.outcomes, m.spinner, m.theme, m.width)
	slots := renderSlots(m.table, m.theme, m.width)
	pending := renderPending(m.pending, m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, slots, pending, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [r] Refresh"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
