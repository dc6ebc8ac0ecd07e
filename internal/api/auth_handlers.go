package api

import (
	"net/http"
	"time"

	"github.com/flowpbx/pbxsignal/internal/api/middleware"
	"github.com/flowpbx/pbxsignal/internal/database"
)

// tokenRequest is the JSON body for POST /api/v1/auth/token.
type tokenRequest struct {
	Extension string `json:"extension"`
	PIN       string `json:"pin"`
}

// tokenResponse carries a signed extension token.
type tokenResponse struct {
	Token       string `json:"token"`
	ExpiresAt   string `json:"expires_at"`
	Extension   string `json:"extension"`
	DisplayName string `json:"display_name"`
}

// handleIssueToken exchanges an extension number and PIN for a JWT the
// softphone presents on the websocket and the app endpoints.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if msg := validateExtensionNumber("extension", req.Extension); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateRequiredStringLen("pin", req.PIN, maxPasswordLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	ext, err := s.extensions.GetByExtension(r.Context(), req.Extension)
	if err != nil {
		s.logger.Error("issue token: failed to query extension", "error", err, "extension", req.Extension)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if ext == nil || !ext.Enabled || ext.PINHash == "" {
		writeError(w, http.StatusUnauthorized, "invalid extension or pin")
		return
	}

	ok, err := database.CheckPIN(req.PIN, ext.PINHash)
	if err != nil {
		s.logger.Error("issue token: failed to verify pin", "error", err, "extension", req.Extension)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		s.logger.Info("issue token: pin mismatch", "extension", req.Extension)
		writeError(w, http.StatusUnauthorized, "invalid extension or pin")
		return
	}

	token, expiresAt, err := middleware.GenerateAppToken(s.jwtSecret, ext.ID, ext.Extension, ext.TenantID)
	if err != nil {
		s.logger.Error("issue token: failed to sign token", "error", err, "extension", req.Extension)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("extension token issued", "extension", ext.Extension, "tenant_id", ext.TenantID)

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:       token,
		ExpiresAt:   expiresAt.UTC().Format(time.RFC3339),
		Extension:   ext.Extension,
		DisplayName: ext.Name,
	})
}
