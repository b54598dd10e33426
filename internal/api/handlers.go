package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/foreman/internal/pending"
)

const maxHistoryLimit = 500

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.slots != nil {
		for _, st := range s.slots.Snapshot() {
			resp.Slots++
			if st.Running {
				resp.Running++
			}
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	resp := SlotsResponse{}
	if s.slots != nil {
		resp.Slots = s.slots.Snapshot()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	conflicts, err := records(s.conflicts)
	if err != nil {
		s.logger.Error("failed to read pending conflicts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read pending conflicts")
		return
	}
	gates, err := records(s.gateFailures)
	if err != nil {
		s.logger.Error("failed to read pending gate failures", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read pending gate failures")
		return
	}
	s.writeJSON(w, http.StatusOK, PendingResponse{Conflicts: conflicts, GateFailures: gates})
}

func records(src RecordSource) ([]pending.Record, error) {
	if src == nil {
		return []pending.Record{}, nil
	}
	out, err := src.All()
	if out == nil {
		out = []pending.Record{}
	}
	return out, err
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	if s.history == nil {
		s.writeError(w, http.StatusServiceUnavailable, "journal not available")
		return
	}
	rows, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read journal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	s.writeJSON(w, http.StatusOK, HistoryResponse{Integrations: rows})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
