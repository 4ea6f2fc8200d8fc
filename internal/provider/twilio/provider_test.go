package twilio

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davidleathers/voice-gateway-backend/internal/domain/call"
	"github.com/davidleathers/voice-gateway-backend/internal/provider"
)

func statusForm(callSID, callStatus, direction string) url.Values {
	form := url.Values{}
	form.Set("CallSid", callSID)
	form.Set("CallStatus", callStatus)
	form.Set("Direction", direction)
	form.Set("From", "+15550000001")
	form.Set("To", "+15550000002")
	form.Set("SequenceNumber", "3")
	return form
}

func TestParseWebhookEventNormalization(t *testing.T) {
	p := testProvider(t, Config{StreamURL: "wss://gw.example.com/media"})

	tests := []struct {
		name       string
		callStatus string
		eventType  call.EventType
	}{
		{"ringing", "ringing", call.EventRinging},
		{"in-progress maps to answered", "in-progress", call.EventAnswered},
		{"completed", "completed", call.EventCompleted},
		{"busy", "busy", call.EventBusy},
		{"no-answer", "no-answer", call.EventNoAnswer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			whctx := webhookCtx("/webhooks/twilio", statusForm("CA123", tt.callStatus, "outbound-api"), nil)

			resp, err := p.ParseWebhookEvent(t.Context(), whctx)
			require.NoError(t, err)
			require.Len(t, resp.Events, 1)

			ev := resp.Events[0]
			assert.Equal(t, tt.eventType, ev.Type)
			assert.Equal(t, "CA123", ev.ProviderCallID)
			assert.Equal(t, "CA123:"+tt.callStatus+":3", ev.ID)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		})
	}
}

func TestParseWebhookEventResponseDirective(t *testing.T) {
	p := testProvider(t, Config{StreamURL: "wss://gw.example.com/media"})

	t.Run("outbound call in progress connects the media stream", func(t *testing.T) {
		whctx := webhookCtx("/webhooks/twilio", statusForm("CA123", "in-progress", "outbound-api"), nil)

		resp, err := p.ParseWebhookEvent(t.Context(), whctx)
		require.NoError(t, err)
		assert.Contains(t, resp.Body, "<Connect>")
		assert.Contains(t, resp.Body, `url="wss://gw.example.com/media"`)
	})

	t.Run("status callback gets a no-op directive", func(t *testing.T) {
		whctx := webhookCtx("/webhooks/twilio?type=status", statusForm("CA123", "in-progress", "outbound-api"), nil)

		resp, err := p.ParseWebhookEvent(t.Context(), whctx)
		require.NoError(t, err)
		assert.NotContains(t, resp.Body, "<Connect>")
		assert.Contains(t, resp.Body, "<Response></Response>")
	})

	t.Run("inbound ringing connects the media stream", func(t *testing.T) {
		whctx := webhookCtx("/webhooks/twilio", statusForm("CA456", "ringing", "inbound"), nil)

		resp, err := p.ParseWebhookEvent(t.Context(), whctx)
		require.NoError(t, err)
		assert.Contains(t, resp.Body, "<Connect>")
	})

	t.Run("terminal status gets a no-op directive", func(t *testing.T) {
		whctx := webhookCtx("/webhooks/twilio", statusForm("CA123", "completed", "outbound-api"), nil)

		resp, err := p.ParseWebhookEvent(t.Context(), whctx)
		require.NoError(t, err)
		assert.NotContains(t, resp.Body, "<Connect>")
	})
}

func TestParseWebhookEventMissingCallSid(t *testing.T) {
	p := testProvider(t, Config{})

	_, err := p.ParseWebhookEvent(t.Context(), webhookCtx("/webhooks/twilio", url.Values{}, nil))
	assert.Error(t, err)
}

func TestInitiateCall(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm

		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC00000000000000000000000000000000", user)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sid":"CA789","status":"queued","to":"+15550000002","from":"+15550000001"}`))
	}))
	defer srv.Close()

	p, err := New(Config{
		AccountSID:        "AC00000000000000000000000000000000",
		AuthToken:         "test-auth-token",
		BaseURL:           srv.URL,
		StreamURL:         "wss://gw.example.com/media",
		StatusCallbackURL: "https://gw.example.com/webhooks/twilio?type=status",
	}, zap.NewNop())
	require.NoError(t, err)

	res, err := p.InitiateCall(t.Context(), provider.InitiateCallInput{
		From:   "+15550000001",
		To:     "+15550000002",
		CallID: "internal-call-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "CA789", res.ProviderCallID)
	assert.Equal(t, call.StatusInitiating, res.Status)

	assert.Equal(t, "+15550000002", gotForm.Get("To"))
	assert.Contains(t, gotForm.Get("Twiml"), "<Connect>")
	assert.Contains(t, gotForm.Get("StatusCallback"), "callId=internal-call-1")
	assert.Contains(t, gotForm["StatusCallbackEvent"], "answered")
}

func TestInitiateCallAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":20003,"message":"Authenticate","status":401}`))
	}))
	defer srv.Close()

	p, err := New(Config{
		AccountSID: "AC00000000000000000000000000000000",
		AuthToken:  "bad-token",
		BaseURL:    srv.URL,
	}, zap.NewNop())
	require.NoError(t, err)

	_, err = p.InitiateCall(t.Context(), provider.InitiateCallInput{From: "+1", To: "+2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "20003")
}

func TestHangupAndPlayTTS(t *testing.T) {
	var forms []url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		forms = append(forms, r.PostForm)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sid":"CA789","status":"in-progress"}`))
	}))
	defer srv.Close()

	p, err := New(Config{
		AccountSID: "AC00000000000000000000000000000000",
		AuthToken:  "test-auth-token",
		BaseURL:    srv.URL,
		StreamURL:  "wss://gw.example.com/media",
	}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, p.HangupCall(t.Context(), provider.HangupInput{ProviderCallID: "CA789"}))
	require.NoError(t, p.PlayTTS(t.Context(), provider.PlayTTSInput{ProviderCallID: "CA789", Message: "order shipped"}))

	require.Len(t, forms, 2)
	assert.Equal(t, "completed", forms[0].Get("Status"))
	assert.Contains(t, forms[1].Get("Twiml"), "order shipped")
	assert.Contains(t, forms[1].Get("Twiml"), "<Connect>")
}
