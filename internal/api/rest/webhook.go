package rest

import (
	"io"
	"net/http"
	"net/url"

	stderrors "errors"

	"go.uber.org/zap"

	"github.com/davidleathers/voice-gateway-backend/internal/domain/errors"
	"github.com/davidleathers/voice-gateway-backend/internal/provider"
)

// maxWebhookBody bounds a webhook payload read.
const maxWebhookBody = 1 << 20

// handleWebhook is the single ingress for vendor callbacks.
// POST /webhooks/{provider}
//
// The flow is fixed: capture the request, authenticate it, translate it into
// normalized events, feed each event to the call manager, then answer with
// exactly the status, content type, and body the vendor's call-control engine
// prescribes. Verification failures never touch call state.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")
	prov, ok := h.registry.Get(name)
	if !ok {
		writeError(w, h.logger, errors.NewNotFoundError("provider"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, h.logger, errors.NewValidationError("UNREADABLE_BODY", "failed to read webhook body"))
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		form = url.Values{}
	}

	whctx := &provider.WebhookContext{
		Method:  r.Method,
		URL:     r.URL.RequestURI(),
		Headers: r.Header,
		RawBody: body,
		Form:    form,
		Query:   r.URL.Query(),
	}
	if whctx.Headers.Get("Host") == "" && r.Host != "" {
		// The Host request line is not a regular header; surface it so
		// providers can reconstruct the public URL.
		whctx.Headers = whctx.Headers.Clone()
		whctx.Headers.Set("Host", r.Host)
	}

	if result := prov.VerifyWebhook(r.Context(), whctx); !result.OK {
		h.logger.Warn("webhook verification failed",
			zap.String("provider", name),
			zap.String("reason", result.Reason),
			zap.String("verification_url", result.VerificationURL),
			zap.String("remote_addr", r.RemoteAddr))
		writeError(w, h.logger, errors.NewForbiddenError("webhook signature verification failed"))
		return
	}

	resp, err := prov.ParseWebhookEvent(r.Context(), whctx)
	if err != nil {
		h.logger.Warn("webhook parse failed",
			zap.String("provider", name),
			zap.Error(err))
		writeError(w, h.logger, errors.NewValidationError("INVALID_WEBHOOK", "unparseable webhook payload"))
		return
	}

	for _, ev := range resp.Events {
		if err := h.manager.ProcessEvent(r.Context(), ev); err != nil {
			// Webhooks for unknown calls (stale retries, foreign traffic)
			// are dropped; the vendor still gets its expected response.
			if stderrors.Is(err, errors.ErrCallNotFound) {
				h.logger.Warn("webhook event for unknown call",
					zap.String("provider", name),
					zap.String("event_id", ev.ID),
					zap.String("provider_call_id", ev.ProviderCallID))
				continue
			}
			h.logger.Error("webhook event processing failed",
				zap.String("provider", name),
				zap.String("event_id", ev.ID),
				zap.Error(err))
		}
	}

	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != "" {
		_, _ = io.WriteString(w, resp.Body)
	}
}
