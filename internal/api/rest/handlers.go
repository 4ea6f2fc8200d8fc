// Package rest exposes the HTTP surface: vendor webhook ingress and the
// call control API.
package rest

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/davidleathers/voice-gateway-backend/internal/domain/errors"
	"github.com/davidleathers/voice-gateway-backend/internal/provider"
	"github.com/davidleathers/voice-gateway-backend/internal/service/callmanager"
)

// Handler carries the services the HTTP layer dispatches to.
type Handler struct {
	manager  *callmanager.Manager
	registry *provider.Registry
	logger   *zap.Logger

	// historyLimit caps GET /api/v1/calls/history responses.
	historyLimit int
}

func NewHandler(manager *callmanager.Manager, registry *provider.Registry, historyLimit int, logger *zap.Logger) *Handler {
	if historyLimit <= 0 {
		historyLimit = 100
	}
	return &Handler{
		manager:      manager,
		registry:     registry,
		logger:       logger,
		historyLimit: historyLimit,
	}
}

// handleCreateCall initiates an outbound call.
// POST /api/v1/calls
func (h *Handler) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req callmanager.InitiateCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, errors.NewValidationError("INVALID_BODY", "request body must be valid JSON"))
		return
	}

	c, err := h.manager.InitiateCall(r.Context(), &req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCallResponse(c))
}

// handleGetCall looks an active call up by internal or provider ID.
// GET /api/v1/calls/{id}
func (h *Handler) handleGetCall(w http.ResponseWriter, r *http.Request) {
	c, err := h.manager.FindCall(r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toCallResponse(c))
}

// handleListCalls returns every active call.
// GET /api/v1/calls
func (h *Handler) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toCallResponses(h.manager.ActiveCalls()))
}

// handleHangupCall requests provider-side teardown of an active call.
// DELETE /api/v1/calls/{id}
func (h *Handler) handleHangupCall(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.HangupCall(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	// The terminal state lands asynchronously via the provider webhook.
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "hangup_requested"})
}

// handleHistory returns recent call transitions from the durable log.
// GET /api/v1/calls/history?limit=N
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := h.historyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, h.logger, errors.NewValidationError("INVALID_LIMIT", "limit must be a positive integer"))
			return
		}
		if n < limit {
			limit = n
		}
	}

	records, err := h.manager.History(limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toCallResponses(records))
}

// handleHealth reports liveness.
// GET /healthz
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"providers": h.registry.Names(),
	})
}
