package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/pbxsignal/internal/protocol"
	"github.com/flowpbx/pbxsignal/internal/queuecall"
)

// maxCandidates bounds the agent list of a single offer.
const maxCandidates = 200

// queueCallResponse is the JSON shape of a queue call.
type queueCallResponse struct {
	ID           string   `json:"id"`
	Handle       string   `json:"handle"`
	QueueID      string   `json:"queue_id"`
	CallerNumber string   `json:"caller_number"`
	State        string   `json:"state"`
	Taker        string   `json:"taker,omitempty"`
	Remaining    []string `json:"remaining"`
	CreatedAt    string   `json:"created_at"`
	EndReason    string   `json:"end_reason,omitempty"`
}

func toQueueCallResponse(info queuecall.Info) queueCallResponse {
	remaining := info.Remaining
	if remaining == nil {
		remaining = []string{}
	}
	return queueCallResponse{
		ID:           info.ID,
		Handle:       info.Handle,
		QueueID:      info.QueueID,
		CallerNumber: info.CallerNumber,
		State:        string(info.State),
		Taker:        info.Taker,
		Remaining:    remaining,
		CreatedAt:    info.CreatedAt.UTC().Format(time.RFC3339),
		EndReason:    string(info.EndReason),
	}
}

// queueCallEndedRequest is the optional body of POST /queue-calls/{id}/ended.
type queueCallEndedRequest struct {
	Reason string `json:"reason"`
}

// externalEndReasons are the reasons the call-control side may report.
var externalEndReasons = map[protocol.Reason]bool{
	protocol.ReasonHangup:   true,
	protocol.ReasonTimeout:  true,
	protocol.ReasonRejected: true,
}

// writeQueueCallError maps bridge errors to HTTP statuses.
func (s *Server) writeQueueCallError(w http.ResponseWriter, op, id string, err error) {
	switch {
	case errors.Is(err, queuecall.ErrNotFound):
		writeError(w, http.StatusNotFound, "queue call not found")
	case errors.Is(err, queuecall.ErrInvalidOffer):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queuecall.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, queuecall.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(op+": failed", "error", err, "queue_call_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// handleOfferQueueCall offers an external call waiting in a queue to a set of
// agents. The response reflects the call right after the offer went out; it
// may already be ended with no_candidates.
func (s *Server) handleOfferQueueCall(w http.ResponseWriter, r *http.Request) {
	var req queuecall.OfferRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if msg := validateRequiredStringLen("handle", req.Handle, maxNameLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateStringLen("queue_call_id", req.QueueCallID, maxNameLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateStringLen("queue_id", req.QueueID, maxNameLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateNoControlChars("caller_number", req.CallerNumber); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if len(req.Candidates) == 0 {
		writeError(w, http.StatusBadRequest, "candidates is required")
		return
	}
	if len(req.Candidates) > maxCandidates {
		writeError(w, http.StatusBadRequest, "too many candidates")
		return
	}
	for _, c := range req.Candidates {
		if msg := validateExtensionNumber("candidates", c); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
	}

	info, err := s.queueCalls.Offer(req)
	if err != nil {
		s.writeQueueCallError(w, "offer queue call", req.QueueCallID, err)
		return
	}

	writeJSON(w, http.StatusCreated, toQueueCallResponse(info))
}

// handleGetQueueCall returns a live queue call.
func (s *Server) handleGetQueueCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, ok := s.queueCalls.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "queue call not found")
		return
	}
	writeJSON(w, http.StatusOK, toQueueCallResponse(info))
}

// handleQueueCallConnected records that the external leg is bridged to the
// agent that took the call.
func (s *Server) handleQueueCallConnected(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queueCalls.ExternalConnected(id); err != nil {
		s.writeQueueCallError(w, "queue call connected", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleQueueCallEnded ends a queue call from the carrier side. The body is
// optional; the reason defaults to hangup.
func (s *Server) handleQueueCallEnded(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req queueCallEndedRequest
	if r.ContentLength != 0 {
		if errMsg := readJSON(r, &req); errMsg != "" {
			writeError(w, http.StatusBadRequest, errMsg)
			return
		}
	}
	reason := protocol.Reason(req.Reason)
	if reason != "" && !externalEndReasons[reason] {
		writeError(w, http.StatusBadRequest, "reason must be \"hangup\", \"timeout\", or \"rejected\"")
		return
	}

	if err := s.queueCalls.ExternalEnded(id, reason); err != nil {
		s.writeQueueCallError(w, "queue call ended", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
