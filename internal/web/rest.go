package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jedikim/jedisos-sub000/internal/audit"
	"github.com/jedikim/jedisos-sub000/pkg/models"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500

	statusTimeout = 5 * time.Second
	chatTimeout   = 5 * time.Minute
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	vaultState := "unavailable"
	if s.cfg.Vault != nil {
		ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
		defer cancel()
		if info, err := s.cfg.Vault.Status(ctx); err == nil {
			vaultState = string(info.State)
		}
	}

	payload := map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"vault":          vaultState,
	}
	if s.cfg.Audit != nil {
		payload["audit_entries"] = s.cfg.Audit.Len()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.cfg.Audit == nil {
		httpError(w, http.StatusServiceUnavailable, "audit log unavailable")
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"))
	var entries []audit.Record
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		entries = s.cfg.Audit.ByUser(userID, limit)
	} else {
		entries = s.cfg.Audit.Recent(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleAuditDenied(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.cfg.Audit == nil {
		httpError(w, http.StatusServiceUnavailable, "audit log unavailable")
		return
	}

	entries := s.cfg.Audit.Denied(parseLimit(r.URL.Query().Get("limit")))
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.cfg.Policy == nil {
		httpError(w, http.StatusServiceUnavailable, "policy engine unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Policy.Snapshot())
}

type chatRequest struct {
	Message string `json:"message"`
	UserID  string `json:"user_id,omitempty"`
	BankID  string `json:"bank_id,omitempty"`
}

type chatResponse struct {
	Response   string `json:"response"`
	EnvelopeID string `json:"envelope_id"`
	BankID     string `json:"bank_id,omitempty"`
}

// handleChat is the blocking single request/response path.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		httpError(w, http.StatusBadRequest, "message is required")
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = "api"
	}
	var meta map[string]string
	if req.BankID != "" {
		meta = map[string]string{"bank_id": req.BankID}
	}

	env := models.NewEnvelope(models.ChannelAPI, userID, "", req.Message, meta)

	ctx, cancel := context.WithTimeout(r.Context(), chatTimeout)
	defer cancel()
	response, err := s.cfg.Agent.Run(ctx, env)
	if err != nil {
		s.logger.Error("chat turn failed", "envelope_id", env.ID, "error", err)
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Response:   response,
		EnvelopeID: env.ID,
		BankID:     env.Metadata["bank_id"],
	})
}

func parseLimit(raw string) int {
	if raw == "" {
		return defaultAuditLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultAuditLimit
	}
	if n > maxAuditLimit {
		return maxAuditLimit
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func methodNotAllowed(w http.ResponseWriter) {
	httpError(w, http.StatusMethodNotAllowed, "method not allowed")
}
