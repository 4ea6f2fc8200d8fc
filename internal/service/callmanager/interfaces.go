package callmanager

import (
	"context"
	"time"

	"github.com/davidleathers/voice-gateway-backend/internal/domain/call"
)

// Store defines the interface for the durable call log
type Store interface {
	// Append persists one call snapshot as a new log line
	Append(c *call.Call) error
	// LoadActiveCalls replays the log into the set of non-terminal calls
	LoadActiveCalls() ([]*call.Call, error)
	// History returns up to limit raw log lines, most recent first
	History(limit int) ([]*call.Call, error)
}

// MetricsCollector defines the interface for collecting call metrics
type MetricsCollector interface {
	// RecordCallInitiated records a call initiation
	RecordCallInitiated(ctx context.Context, provider string)
	// RecordCallFailed records a call failure
	RecordCallFailed(ctx context.Context, reason string)
	// RecordEventProcessed records a processed webhook event
	RecordEventProcessed(ctx context.Context, provider string, eventType string)
	// RecordDuplicateEvent records a deduplicated webhook event
	RecordDuplicateEvent(ctx context.Context, provider string)
	// RecordCallEnded records a call reaching a terminal state
	RecordCallEnded(ctx context.Context, provider string, status string)
	// RecordProviderLatency records provider API latency
	RecordProviderLatency(ctx context.Context, provider string, operation string, latency time.Duration)
}

// InitiateCallRequest represents a request to initiate an outbound call
type InitiateCallRequest struct {
	Provider   string `json:"provider" validate:"required"`
	FromNumber string `json:"from_number" validate:"required,e164"`
	ToNumber   string `json:"to_number" validate:"required,e164"`

	// Message is spoken to the callee once the call is answered when Mode
	// is "notify".
	Message string `json:"message,omitempty"`
	Mode    string `json:"mode,omitempty" validate:"omitempty,oneof=notify conversation"`
}
