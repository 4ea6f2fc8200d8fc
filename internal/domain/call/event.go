package call

import "time"

// EventType identifies a normalized, vendor-independent call lifecycle fact.
type EventType string

const (
	EventInitiated  EventType = "call.initiated"
	EventRinging    EventType = "call.ringing"
	EventAnswered   EventType = "call.answered"
	EventInProgress EventType = "call.in-progress"
	EventCompleted  EventType = "call.completed"
	EventFailed     EventType = "call.failed"
	EventNoAnswer   EventType = "call.no-answer"
	EventBusy       EventType = "call.busy"
	EventCanceled   EventType = "call.canceled"
)

// Event is a normalized fact derived from a vendor webhook.
type Event struct {
	// ID must be unique per delivery but stable across redeliveries of the
	// same webhook, so retries dedupe against the idempotency ledger.
	ID   string    `json:"id"`
	Type EventType `json:"type"`

	// CallID is the internal identifier when the vendor echoed it back;
	// often empty, in which case ProviderCallID resolves the call.
	CallID         string `json:"call_id,omitempty"`
	ProviderCallID string `json:"provider_call_id"`

	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload,omitempty"`
}

var eventStatus = map[EventType]Status{
	EventInitiated:  StatusInitiating,
	EventRinging:    StatusRinging,
	EventAnswered:   StatusAnswered,
	EventInProgress: StatusInProgress,
	EventCompleted:  StatusCompleted,
	EventFailed:     StatusFailed,
	EventNoAnswer:   StatusNoAnswer,
	EventBusy:       StatusBusy,
	EventCanceled:   StatusCanceled,
}

// StatusForEvent maps an event type to the call status it implies.
func StatusForEvent(t EventType) (Status, bool) {
	s, ok := eventStatus[t]
	return s, ok
}

// IsTerminal reports whether the event type ends the call.
func (t EventType) IsTerminal() bool {
	s, ok := eventStatus[t]
	return ok && s.IsTerminal()
}
