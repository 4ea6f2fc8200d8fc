// Package provider defines the capability contract every telephony vendor
// adapter implements. Callers (the call manager, the webhook ingress) depend
// only on this interface, never on a concrete vendor type.
package provider

import (
	"context"
	"net/http"
	"net/url"

	"github.com/davidleathers/voice-gateway-backend/internal/domain/call"
)

// WebhookContext is the inbound webhook request as received: headers, raw
// body, URL, method and query parameters. It is consumed by verification and
// event parsing and must not be mutated by either.
type WebhookContext struct {
	Method  string
	URL     string
	Headers http.Header
	RawBody []byte

	// Form holds the decoded body for form-encoded vendors, Query the URL
	// query parameters (e.g. the type=status discriminator).
	Form  url.Values
	Query url.Values
}

// Header returns the first value of a header, tolerating a nil context.
func (w *WebhookContext) Header(key string) string {
	if w == nil || w.Headers == nil {
		return ""
	}
	return w.Headers.Get(key)
}

// VerifyResult is the outcome of webhook authenticity verification.
type VerifyResult struct {
	OK bool
	// Reason explains a rejection in operator terms.
	Reason string
	// VerificationURL is the URL the signature was computed over; logged so a
	// misconfigured public URL can be diagnosed without replaying the request.
	VerificationURL string
}

// WebhookResponse is what the HTTP layer must answer the vendor with. For
// call-control webhooks the body is part of the vendor's call-control
// protocol, not a generic acknowledgment.
type WebhookResponse struct {
	Events      []*call.Event
	StatusCode  int
	ContentType string
	Body        string
}

// InitiateCallInput requests a new outbound call.
type InitiateCallInput struct {
	From string
	To   string
	// CallID is the internal identifier, passed so vendors that support
	// echoing custom parameters can return it in webhooks.
	CallID string
}

// InitiateCallResult carries the vendor-assigned identifier, which may be a
// provisional request UUID superseded by the first webhook.
type InitiateCallResult struct {
	ProviderCallID string
	Status         call.Status
}

// HangupInput identifies the live call to tear down.
type HangupInput struct {
	ProviderCallID string
}

// PlayTTSInput injects synthesized speech into the live call's media path.
type PlayTTSInput struct {
	ProviderCallID string
	Message        string
	Voice          string
}

// ListenInput toggles live speech capture on the call's media path.
type ListenInput struct {
	ProviderCallID string
	// StreamURL is the websocket endpoint audio is bridged to.
	StreamURL string
}

// Provider is the vendor capability contract.
type Provider interface {
	Name() string

	// VerifyWebhook authenticates that the request originated from the
	// vendor. Pure authentication: it must never mutate call state.
	VerifyWebhook(ctx context.Context, whctx *WebhookContext) VerifyResult

	// ParseWebhookEvent translates a vendor payload into zero or more
	// normalized events plus the exact response the vendor's call-control
	// engine expects.
	ParseWebhookEvent(ctx context.Context, whctx *WebhookContext) (*WebhookResponse, error)

	InitiateCall(ctx context.Context, input InitiateCallInput) (InitiateCallResult, error)
	HangupCall(ctx context.Context, input HangupInput) error
	PlayTTS(ctx context.Context, input PlayTTSInput) error
	StartListening(ctx context.Context, input ListenInput) error
	StopListening(ctx context.Context, input ListenInput) error
}
