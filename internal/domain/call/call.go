package call

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Call is the unit of durable truth for one phone call. It is owned by the
// call manager and persisted to the append-only store on every transition.
type Call struct {
	// ID is the internal identifier, generated at initiation and stable for
	// the call's lifetime.
	ID string `json:"id"`

	// ProviderCallID is the vendor-assigned identifier. It may change once:
	// some vendors return a provisional request UUID from the initiate API and
	// report the final call UUID in the first webhook.
	ProviderCallID string `json:"provider_call_id"`

	Status     Status    `json:"status"`
	FromNumber string    `json:"from_number"`
	ToNumber   string    `json:"to_number"`
	Provider   string    `json:"provider"`
	Direction  Direction `json:"direction"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ProcessedEventIDs is the idempotency ledger: every event already applied
	// to this call. Duplicate webhook deliveries are recognized through it,
	// including after a restart replays the log.
	ProcessedEventIDs map[string]bool `json:"processed_event_ids"`

	Metadata *Metadata `json:"metadata,omitempty"`
}

// Metadata carries optional per-call behavior requested at initiation.
type Metadata struct {
	// Message is spoken once the call is answered when Mode is ModeNotify.
	Message string `json:"message,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

// ModeNotify requests that Metadata.Message is played to the callee as soon
// as the call reaches the answered state.
const ModeNotify = "notify"

type Status int

const (
	StatusInitiating Status = iota
	StatusRinging
	StatusAnswered
	StatusInProgress
	StatusCompleted
	StatusFailed
	StatusNoAnswer
	StatusBusy
	StatusCanceled
)

var statusNames = map[Status]string{
	StatusInitiating: "initiating",
	StatusRinging:    "ringing",
	StatusAnswered:   "answered",
	StatusInProgress: "in-progress",
	StatusCompleted:  "completed",
	StatusFailed:     "failed",
	StatusNoAnswer:   "no-answer",
	StatusBusy:       "busy",
	StatusCanceled:   "canceled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsTerminal reports whether no further transition is accepted from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusNoAnswer, StatusBusy, StatusCanceled:
		return true
	default:
		return false
	}
}

// MarshalJSON serializes the status by name so log lines stay readable and
// stable across re-orderings of the enum.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for status, n := range statusNames {
		if n == name {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown call status %q", name)
}

type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

func (d Direction) String() string {
	if d == DirectionInbound {
		return "inbound"
	}
	return "outbound"
}

func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Direction) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "inbound":
		*d = DirectionInbound
	case "outbound":
		*d = DirectionOutbound
	default:
		return fmt.Errorf("unknown call direction %q", name)
	}
	return nil
}

// NewCall creates a call record in the initiating state with a fresh ID.
func NewCall(fromNumber, toNumber, provider string, direction Direction) *Call {
	now := clock.Now()
	return &Call{
		ID:                uuid.NewString(),
		Status:            StatusInitiating,
		FromNumber:        fromNumber,
		ToNumber:          toNumber,
		Provider:          provider,
		Direction:         direction,
		CreatedAt:         now,
		UpdatedAt:         now,
		ProcessedEventIDs: make(map[string]bool),
	}
}

// HasProcessedEvent reports whether the event ID was already applied.
func (c *Call) HasProcessedEvent(eventID string) bool {
	return c.ProcessedEventIDs[eventID]
}

// ApplyEvent transitions the call per the event type, records the event in the
// idempotency ledger, and bumps UpdatedAt. It returns false without mutating
// anything when the event is a duplicate, the call is already terminal, or the
// event type implies no state change.
func (c *Call) ApplyEvent(ev *Event) bool {
	if c.HasProcessedEvent(ev.ID) || c.Status.IsTerminal() {
		return false
	}
	next, ok := StatusForEvent(ev.Type)
	if !ok {
		return false
	}
	c.Status = next
	if c.ProcessedEventIDs == nil {
		c.ProcessedEventIDs = make(map[string]bool)
	}
	c.ProcessedEventIDs[ev.ID] = true
	c.UpdatedAt = clock.Now()
	return true
}

// Clone returns a deep copy suitable for handing out of the manager's lock.
func (c *Call) Clone() *Call {
	dup := *c
	dup.ProcessedEventIDs = make(map[string]bool, len(c.ProcessedEventIDs))
	for id := range c.ProcessedEventIDs {
		dup.ProcessedEventIDs[id] = true
	}
	if c.Metadata != nil {
		meta := *c.Metadata
		dup.Metadata = &meta
	}
	return &dup
}

// WantsNotify reports whether the call has a pending post-answer announcement.
func (c *Call) WantsNotify() bool {
	return c.Metadata != nil && c.Metadata.Mode == ModeNotify && c.Metadata.Message != ""
}
