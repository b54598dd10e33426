package api

import (
	"github.com/mattjoyce/foreman/internal/dispatch"
	"github.com/mattjoyce/foreman/internal/journal"
	"github.com/mattjoyce/foreman/internal/pending"
)

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Slots         int    `json:"slots"`
	Running       int    `json:"running"`
}

// SlotsResponse is returned by GET /slots.
type SlotsResponse struct {
	Slots []dispatch.SlotState `json:"slots"`
}

// PendingResponse is returned by GET /pending.
type PendingResponse struct {
	Conflicts    []pending.Record `json:"conflicts"`
	GateFailures []pending.Record `json:"gate_failures"`
}

// HistoryResponse is returned by GET /history.
type HistoryResponse struct {
	Integrations []journal.Integration `json:"integrations"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
