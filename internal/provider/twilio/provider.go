// Package twilio implements the provider capability contract for Twilio's
// Programmable Voice API: webhook verification, payload translation to
// normalized call events, and the REST calls driving call control.
package twilio

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/voice-gateway-backend/internal/domain/call"
	"github.com/davidleathers/voice-gateway-backend/internal/provider"
)

const ProviderName = "twilio"

// Verify interface compliance at compile time.
var _ provider.Provider = (*Provider)(nil)

// Config holds the Twilio account credentials and webhook topology.
type Config struct {
	AccountSID string
	AuthToken  string
	// PublicURL is the externally visible origin webhooks arrive on
	// (https://gw.example.com). Overrides header-derived URLs during
	// signature verification.
	PublicURL string
	// StreamURL is the websocket endpoint Twilio bridges call audio to.
	StreamURL string
	// StatusCallbackURL receives lifecycle status callbacks.
	StatusCallbackURL string

	// SkipVerification disables signature checks entirely (local dev only).
	SkipVerification bool
	// AllowTunnelBypass skips verification for requests arriving through
	// free-tier tunnel services that rewrite headers.
	AllowTunnelBypass bool

	// BaseURL overrides the Twilio API origin (tests).
	BaseURL string
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

type Provider struct {
	cfg    Config
	client *client
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) (*Provider, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("twilio: account SID and auth token are required")
	}
	if cfg.StatusCallbackURL == "" && cfg.PublicURL != "" {
		cfg.StatusCallbackURL = cfg.PublicURL + "/webhooks/twilio?type=status"
	}
	return &Provider{
		cfg:    cfg,
		client: newClient(cfg.AccountSID, cfg.AuthToken, cfg.BaseURL, cfg.HTTPClient),
		logger: logger,
	}, nil
}

func (p *Provider) Name() string { return ProviderName }

// eventForStatus maps Twilio's CallStatus values onto normalized event types.
var eventForStatus = map[string]call.EventType{
	"queued":      call.EventInitiated,
	"initiated":   call.EventInitiated,
	"ringing":     call.EventRinging,
	"answered":    call.EventAnswered,
	"in-progress": call.EventAnswered,
	"completed":   call.EventCompleted,
	"failed":      call.EventFailed,
	"no-answer":   call.EventNoAnswer,
	"busy":        call.EventBusy,
	"canceled":    call.EventCanceled,
}

// statusForAPI maps the call status returned by the create-call API.
var statusForAPI = map[string]call.Status{
	"queued":      call.StatusInitiating,
	"initiated":   call.StatusInitiating,
	"ringing":     call.StatusRinging,
	"in-progress": call.StatusAnswered,
}

// ParseWebhookEvent translates a Twilio voice webhook into normalized events
// and the TwiML document Twilio's call-control engine expects next. The
// directive depends on the Direction field and the type=status query
// parameter distinguishing status callbacks from call-control callbacks.
func (p *Provider) ParseWebhookEvent(_ context.Context, whctx *provider.WebhookContext) (*provider.WebhookResponse, error) {
	form := whctx.Form
	callSID := form.Get("CallSid")
	if callSID == "" {
		return nil, fmt.Errorf("twilio: webhook missing CallSid")
	}

	callStatus := form.Get("CallStatus")
	direction := form.Get("Direction")
	isStatusCallback := whctx.Query.Get("type") == "status"

	resp := &provider.WebhookResponse{
		StatusCode:  http.StatusOK,
		ContentType: "application/xml",
	}

	if eventType, ok := eventForStatus[callStatus]; ok {
		resp.Events = append(resp.Events, &call.Event{
			// Twilio has no delivery ID; CallSid + status + sequence number
			// is stable across redeliveries of the same callback.
			ID:             fmt.Sprintf("%s:%s:%s", callSID, callStatus, form.Get("SequenceNumber")),
			Type:           eventType,
			ProviderCallID: callSID,
			Timestamp:      time.Now().UTC(),
			Payload: map[string]string{
				"CallStatus": callStatus,
				"Direction":  direction,
				"From":       form.Get("From"),
				"To":         form.Get("To"),
			},
		})
	} else if callStatus != "" {
		p.logger.Warn("unmapped twilio call status",
			zap.String("call_sid", callSID),
			zap.String("call_status", callStatus))
	}

	switch {
	case isStatusCallback:
		// Pure status callback: no media decision to make.
		resp.Body = emptyTwiML()
	case direction == "inbound" && callStatus == "ringing":
		// Inbound call: answer it onto the media bridge.
		resp.Body = connectStreamTwiML(p.cfg.StreamURL, "")
	case callStatus == "completed" || callStatus == "failed" ||
		callStatus == "busy" || callStatus == "no-answer" || callStatus == "canceled":
		resp.Body = emptyTwiML()
	default:
		// Outbound call still progressing: connect the bidirectional media
		// stream to our bridge.
		resp.Body = connectStreamTwiML(p.cfg.StreamURL, whctx.Query.Get("callId"))
	}

	return resp, nil
}

// InitiateCall creates an outbound call whose answer TwiML connects the media
// stream and whose status callbacks report every lifecycle transition.
func (p *Provider) InitiateCall(ctx context.Context, input provider.InitiateCallInput) (provider.InitiateCallResult, error) {
	statusCallback := p.cfg.StatusCallbackURL
	if statusCallback != "" && input.CallID != "" {
		sep := "?"
		if u, err := url.Parse(statusCallback); err == nil && u.RawQuery != "" {
			sep = "&"
		}
		statusCallback += sep + "callId=" + url.QueryEscape(input.CallID)
	}

	created, err := p.client.makeCall(ctx, makeCallParams{
		To:                  input.To,
		From:                input.From,
		Twiml:               connectStreamTwiML(p.cfg.StreamURL, input.CallID),
		StatusCallback:      statusCallback,
		StatusCallbackEvent: []string{"initiated", "ringing", "answered", "completed"},
	})
	if err != nil {
		return provider.InitiateCallResult{}, fmt.Errorf("twilio: initiate call: %w", err)
	}

	status, ok := statusForAPI[created.Status]
	if !ok {
		status = call.StatusInitiating
	}
	return provider.InitiateCallResult{ProviderCallID: created.SID, Status: status}, nil
}

func (p *Provider) HangupCall(ctx context.Context, input provider.HangupInput) error {
	if err := p.client.hangupCall(ctx, input.ProviderCallID); err != nil {
		return fmt.Errorf("twilio: hangup call %s: %w", input.ProviderCallID, err)
	}
	return nil
}

// PlayTTS redirects the live call to TwiML that speaks the message, then
// reconnects the media stream bridge.
func (p *Provider) PlayTTS(ctx context.Context, input provider.PlayTTSInput) error {
	data := url.Values{}
	data.Set("Twiml", sayTwiML(input.Message, input.Voice, p.cfg.StreamURL, ""))
	if _, err := p.client.updateCall(ctx, input.ProviderCallID, data); err != nil {
		return fmt.Errorf("twilio: play tts on call %s: %w", input.ProviderCallID, err)
	}
	return nil
}

// StartListening re-establishes the media stream bridge, which carries call
// audio to the speech engines.
func (p *Provider) StartListening(ctx context.Context, input provider.ListenInput) error {
	streamURL := input.StreamURL
	if streamURL == "" {
		streamURL = p.cfg.StreamURL
	}
	data := url.Values{}
	data.Set("Twiml", connectStreamTwiML(streamURL, ""))
	if _, err := p.client.updateCall(ctx, input.ProviderCallID, data); err != nil {
		return fmt.Errorf("twilio: start listening on call %s: %w", input.ProviderCallID, err)
	}
	return nil
}

// StopListening detaches the media stream by parking the call on silence.
func (p *Provider) StopListening(ctx context.Context, input provider.ListenInput) error {
	data := url.Values{}
	data.Set("Twiml", renderTwiML(twimlPause{Length: 3600}))
	if _, err := p.client.updateCall(ctx, input.ProviderCallID, data); err != nil {
		return fmt.Errorf("twilio: stop listening on call %s: %w", input.ProviderCallID, err)
	}
	return nil
}
