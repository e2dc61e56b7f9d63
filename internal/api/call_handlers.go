package api

import (
	"net/http"
	"time"

	"github.com/supportline/supportline/internal/database"
	"github.com/supportline/supportline/internal/database/models"
	"github.com/supportline/supportline/internal/routing"
)

type healthResponse struct {
	Status    string `json:"status"`
	StartedAt string `json:"started_at"`
	UptimeSec int64  `json:"uptime_sec"`
	Waiting   int    `json:"waiting"`
	InRoom    int    `json:"in_room"`
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		StartedAt: s.started.UTC().Format(time.RFC3339),
		UptimeSec: int64(time.Since(s.started).Seconds()),
	}
	if s.calls != nil {
		st := s.calls.Stats()
		resp.Waiting = st.Waiting
		resp.InRoom = st.InRoom
	}
	writeJSON(w, http.StatusOK, resp)
}

type activeCallsResponse struct {
	Calls    []routing.Call        `json:"calls"`
	Rooms    []routing.PrivateRoom `json:"rooms"`
	Sessions []string              `json:"session_guild_ids"`
	TakenAt  string                `json:"taken_at"`
}

// handleActiveCalls returns the router's last published snapshot.
func (s *Server) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		writeError(w, http.StatusServiceUnavailable, "router not available")
		return
	}
	snap := s.calls.Snapshot()
	writeJSON(w, http.StatusOK, activeCallsResponse{
		Calls:    snap.Calls,
		Rooms:    snap.Rooms,
		Sessions: snap.Sessions,
		TakenAt:  snap.TakenAt.UTC().Format(time.RFC3339),
	})
}

var validOutcomes = map[string]bool{
	string(routing.OutcomeCompleted): true,
	string(routing.OutcomeAbandoned): true,
	string(routing.OutcomeFailed):    true,
}

// handleCallHistory returns ended calls, newest first.
// Query params: limit, offset, outcome, client_id, admin_id.
func (s *Server) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "call history not available")
		return
	}

	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	outcome := q.Get("outcome")
	if outcome != "" && !validOutcomes[outcome] {
		writeError(w, http.StatusBadRequest, "outcome must be \"completed\", \"abandoned\", or \"failed\"")
		return
	}

	recs, total, err := s.history.List(r.Context(), database.CallRecordListFilter{
		Outcome:  outcome,
		ClientID: q.Get("client_id"),
		AdminID:  q.Get("admin_id"),
		Limit:    pg.Limit,
		Offset:   pg.Offset,
	})
	if err != nil {
		s.logger.Error("list call history: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if recs == nil {
		recs = []models.CallRecord{}
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  recs,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}
