// Package plivo implements the provider capability contract for Plivo's
// Voice API. Plivo's create-call API returns a provisional request UUID; the
// final call UUID arrives with the first webhook, which triggers the call
// manager's provider-identifier remap.
package plivo

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/voice-gateway-backend/internal/domain/call"
	"github.com/davidleathers/voice-gateway-backend/internal/provider"
)

const ProviderName = "plivo"

// Verify interface compliance at compile time.
var _ provider.Provider = (*Provider)(nil)

// defaultAnswerWaitSeconds keeps the answered leg open while the
// conversation runs over the media bridge.
const defaultAnswerWaitSeconds = 300

// Config holds Plivo account credentials and webhook topology.
type Config struct {
	AuthID    string
	AuthToken string
	// PublicURL overrides header-derived URLs during signature verification
	// and prefixes the answer/hangup callback URLs.
	PublicURL string
	// StreamURL is the websocket endpoint Plivo's AudioStream bridges to.
	StreamURL string
	// AnswerWaitSeconds overrides how long the answer document holds the
	// call open. Zero means the default of 300.
	AnswerWaitSeconds int

	SkipVerification  bool
	AllowTunnelBypass bool

	// BaseURL overrides the Plivo API origin (tests).
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
	if cfg.AuthID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("plivo: auth ID and auth token are required")
	}
	if cfg.AnswerWaitSeconds <= 0 {
		cfg.AnswerWaitSeconds = defaultAnswerWaitSeconds
	}
	return &Provider{
		cfg:    cfg,
		client: newClient(cfg.AuthID, cfg.AuthToken, cfg.BaseURL, cfg.HTTPClient),
		logger: logger,
	}, nil
}

func (p *Provider) Name() string { return ProviderName }

// eventForStatus maps Plivo's CallStatus values onto normalized event types.
// Plivo reports an answered call as "in-progress".
var eventForStatus = map[string]call.EventType{
	"queued":      call.EventInitiated,
	"ringing":     call.EventRinging,
	"in-progress": call.EventAnswered,
	"completed":   call.EventCompleted,
	"failed":      call.EventFailed,
	"timeout":     call.EventNoAnswer,
	"no-answer":   call.EventNoAnswer,
	"busy":        call.EventBusy,
	"cancel":      call.EventCanceled,
}

// ParseWebhookEvent translates a Plivo callback into normalized events and
// the Plivo XML document the platform expects. The answer callback is
// acknowledged with a Wait directive so Plivo keeps the call open while the
// conversation is driven out-of-band through the media bridge.
func (p *Provider) ParseWebhookEvent(_ context.Context, whctx *provider.WebhookContext) (*provider.WebhookResponse, error) {
	form := whctx.Form
	callUUID := form.Get("CallUUID")
	requestUUID := form.Get("RequestUUID")
	if callUUID == "" && requestUUID == "" {
		return nil, fmt.Errorf("plivo: webhook missing CallUUID and RequestUUID")
	}

	callStatus := form.Get("CallStatus")
	providerCallID := callUUID
	if providerCallID == "" {
		providerCallID = requestUUID
	}

	resp := &provider.WebhookResponse{
		StatusCode:  http.StatusOK,
		ContentType: "application/xml",
	}

	if eventType, ok := eventForStatus[callStatus]; ok {
		payload := map[string]string{
			"CallStatus": callStatus,
			"Direction":  form.Get("Direction"),
			"From":       form.Get("From"),
			"To":         form.Get("To"),
		}
		if requestUUID != "" {
			// The provisional identifier the call was initiated under; the
			// call manager uses it to resolve calls not yet remapped to the
			// final call UUID.
			payload["RequestUUID"] = requestUUID
		}
		if cause := form.Get("HangupCause"); cause != "" {
			payload["HangupCause"] = cause
		}
		resp.Events = append(resp.Events, &call.Event{
			ID:             fmt.Sprintf("%s:%s", providerCallID, callStatus),
			Type:           eventType,
			ProviderCallID: providerCallID,
			Timestamp:      time.Now().UTC(),
			Payload:        payload,
		})
	} else if callStatus != "" {
		p.logger.Warn("unmapped plivo call status",
			zap.String("call_uuid", callUUID),
			zap.String("call_status", callStatus))
	}

	if callStatus == "in-progress" {
		// Answer callback: hold the leg open, the media bridge drives audio.
		resp.Body = waitXML(p.cfg.AnswerWaitSeconds)
	} else {
		resp.Body = emptyXML()
	}

	return resp, nil
}

// InitiateCall fires an outbound call. The returned identifier is Plivo's
// provisional request UUID, superseded by the CallUUID in the first webhook.
func (p *Provider) InitiateCall(ctx context.Context, input provider.InitiateCallInput) (provider.InitiateCallResult, error) {
	params := createCallParams{
		From:         input.From,
		To:           input.To,
		AnswerMethod: http.MethodPost,
	}
	if p.cfg.PublicURL != "" {
		params.AnswerURL = p.cfg.PublicURL + "/webhooks/plivo"
		params.HangupURL = p.cfg.PublicURL + "/webhooks/plivo?type=status"
		params.RingURL = p.cfg.PublicURL + "/webhooks/plivo?type=status"
	}

	created, err := p.client.createCall(ctx, params)
	if err != nil {
		return provider.InitiateCallResult{}, fmt.Errorf("plivo: initiate call: %w", err)
	}
	return provider.InitiateCallResult{
		ProviderCallID: created.RequestUUID,
		Status:         call.StatusInitiating,
	}, nil
}

func (p *Provider) HangupCall(ctx context.Context, input provider.HangupInput) error {
	if err := p.client.hangupCall(ctx, input.ProviderCallID); err != nil {
		return fmt.Errorf("plivo: hangup call %s: %w", input.ProviderCallID, err)
	}
	return nil
}

// PlayTTS speaks text on the live call through Plivo's Speak API.
func (p *Provider) PlayTTS(ctx context.Context, input provider.PlayTTSInput) error {
	params := speakParams{Text: input.Message, Voice: input.Voice, Language: "en-US"}
	if err := p.client.speak(ctx, input.ProviderCallID, params); err != nil {
		return fmt.Errorf("plivo: speak on call %s: %w", input.ProviderCallID, err)
	}
	return nil
}

// StartListening attaches a bidirectional audio stream to the call.
func (p *Provider) StartListening(ctx context.Context, input provider.ListenInput) error {
	streamURL := input.StreamURL
	if streamURL == "" {
		streamURL = p.cfg.StreamURL
	}
	params := streamParams{ServiceURL: streamURL, Bidirectional: true}
	if err := p.client.startStream(ctx, input.ProviderCallID, params); err != nil {
		return fmt.Errorf("plivo: start stream on call %s: %w", input.ProviderCallID, err)
	}
	return nil
}

func (p *Provider) StopListening(ctx context.Context, input provider.ListenInput) error {
	if err := p.client.stopStream(ctx, input.ProviderCallID); err != nil {
		return fmt.Errorf("plivo: stop stream on call %s: %w", input.ProviderCallID, err)
	}
	return nil
}
