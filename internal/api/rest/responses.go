package rest

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/voice-gateway-backend/internal/domain/call"
	"github.com/davidleathers/voice-gateway-backend/internal/domain/errors"
)

// CallResponse is the wire view of a call record. The idempotency ledger is
// internal bookkeeping and stays off the wire.
type CallResponse struct {
	ID             string    `json:"id"`
	ProviderCallID string    `json:"provider_call_id"`
	Status         string    `json:"status"`
	FromNumber     string    `json:"from_number"`
	ToNumber       string    `json:"to_number"`
	Provider       string    `json:"provider"`
	Direction      string    `json:"direction"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func toCallResponse(c *call.Call) *CallResponse {
	return &CallResponse{
		ID:             c.ID,
		ProviderCallID: c.ProviderCallID,
		Status:         c.Status.String(),
		FromNumber:     c.FromNumber,
		ToNumber:       c.ToNumber,
		Provider:       c.Provider,
		Direction:      c.Direction.String(),
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func toCallResponses(calls []*call.Call) []*CallResponse {
	out := make([]*CallResponse, 0, len(calls))
	for _, c := range calls {
		out = append(out, toCallResponse(c))
	}
	return out
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := errors.GetStatusCode(err)
	code := "INTERNAL_ERROR"
	message := "An internal error occurred"

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		code = appErr.Code
		message = appErr.Message
	}
	if status >= 500 {
		logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message}})
}
