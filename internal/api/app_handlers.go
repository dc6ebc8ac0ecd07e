package api

import (
	"net/http"
	"time"

	"github.com/flowpbx/pbxsignal/internal/api/middleware"
	"github.com/flowpbx/pbxsignal/internal/history"
	"github.com/flowpbx/pbxsignal/internal/protocol"
)

// presenceResponse is the JSON response for GET /api/v1/presence.
type presenceResponse struct {
	Extensions []protocol.PresenceEntry `json:"extensions"`
}

// handlePresence returns the presence of every other extension in the
// caller's tenant. It is the HTTP twin of the get_presence frame.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	claims := middleware.AppClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	entries, err := s.presence.Snapshot(r.Context(), claims.TenantID, claims.Extension)
	if err != nil {
		s.logger.Error("presence: failed to build snapshot", "error", err, "extension", claims.Extension)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []protocol.PresenceEntry{}
	}

	writeJSON(w, http.StatusOK, presenceResponse{Extensions: entries})
}

// historyResponse is one entry of GET /api/v1/app/history.
type historyResponse struct {
	CallID          string  `json:"call_id"`
	Kind            string  `json:"kind"`
	Direction       string  `json:"direction"`
	Caller          string  `json:"caller"`
	Callee          string  `json:"callee,omitempty"`
	QueueID         string  `json:"queue_id,omitempty"`
	StartedAt       string  `json:"started_at"`
	AnsweredAt      *string `json:"answered_at,omitempty"`
	EndedAt         string  `json:"ended_at"`
	DurationSeconds int     `json:"duration_seconds"`
	EndReason       string  `json:"end_reason"`
}

// toHistoryResponse converts a record to the API shape as seen by ext.
func toHistoryResponse(rec *history.Record, ext string) historyResponse {
	direction := "incoming"
	if rec.Kind == history.KindDirect && rec.Caller == ext {
		direction = "outgoing"
	}
	resp := historyResponse{
		CallID:          rec.CallID,
		Kind:            string(rec.Kind),
		Direction:       direction,
		Caller:          rec.Caller,
		Callee:          rec.Callee,
		QueueID:         rec.QueueID,
		StartedAt:       rec.StartedAt.UTC().Format(time.RFC3339),
		EndedAt:         rec.EndedAt.UTC().Format(time.RFC3339),
		DurationSeconds: int(rec.Duration().Seconds()),
		EndReason:       rec.EndReason,
	}
	if rec.AnsweredAt != nil {
		s := rec.AnsweredAt.UTC().Format(time.RFC3339)
		resp.AnsweredAt = &s
	}
	return resp
}

// handleHistory returns the authenticated extension's recent calls, newest
// first. Query params: limit.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	claims := middleware.AppClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "call history is not enabled")
		return
	}

	limit, errMsg := parseLimit(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	records, err := s.history.RecentForExtension(r.Context(), claims.TenantID, claims.Extension, limit)
	if err != nil {
		s.logger.Error("app history: failed to query", "error", err, "extension", claims.Extension)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]historyResponse, len(records))
	for i := range records {
		items[i] = toHistoryResponse(&records[i], claims.Extension)
	}

	writeJSON(w, http.StatusOK, items)
}
