package callmanager

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davidleathers/voice-gateway-backend/internal/domain/call"
	"github.com/davidleathers/voice-gateway-backend/internal/domain/errors"
	"github.com/davidleathers/voice-gateway-backend/internal/provider"
)

// Mock implementations

type MockProvider struct {
	mock.Mock
	name string
}

func (m *MockProvider) Name() string { return m.name }

func (m *MockProvider) VerifyWebhook(ctx context.Context, whctx *provider.WebhookContext) provider.VerifyResult {
	args := m.Called(ctx, whctx)
	return args.Get(0).(provider.VerifyResult)
}

func (m *MockProvider) ParseWebhookEvent(ctx context.Context, whctx *provider.WebhookContext) (*provider.WebhookResponse, error) {
	args := m.Called(ctx, whctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.WebhookResponse), args.Error(1)
}

func (m *MockProvider) InitiateCall(ctx context.Context, input provider.InitiateCallInput) (provider.InitiateCallResult, error) {
	args := m.Called(ctx, input)
	return args.Get(0).(provider.InitiateCallResult), args.Error(1)
}

func (m *MockProvider) HangupCall(ctx context.Context, input provider.HangupInput) error {
	args := m.Called(ctx, input)
	return args.Error(0)
}

func (m *MockProvider) PlayTTS(ctx context.Context, input provider.PlayTTSInput) error {
	args := m.Called(ctx, input)
	return args.Error(0)
}

func (m *MockProvider) StartListening(ctx context.Context, input provider.ListenInput) error {
	args := m.Called(ctx, input)
	return args.Error(0)
}

func (m *MockProvider) StopListening(ctx context.Context, input provider.ListenInput) error {
	args := m.Called(ctx, input)
	return args.Error(0)
}

// fakeStore is an in-memory stand-in for the append-only log.
type fakeStore struct {
	mu        sync.Mutex
	appended  []*call.Call
	active    []*call.Call
	appendErr error
}

func (s *fakeStore) Append(c *call.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.appended = append(s.appended, c.Clone())
	return nil
}

func (s *fakeStore) LoadActiveCalls() ([]*call.Call, error) {
	return s.active, nil
}

func (s *fakeStore) History(limit int) ([]*call.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*call.Call
	for i := len(s.appended) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.appended[i])
	}
	return out, nil
}

func (s *fakeStore) appendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.appended)
}

func (s *fakeStore) lastAppended() *call.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.appended) == 0 {
		return nil
	}
	return s.appended[len(s.appended)-1]
}

func newTestManager(t *testing.T, prov *MockProvider, store *fakeStore) *Manager {
	t.Helper()
	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(prov))
	m, err := New(registry, store, nil, zap.NewNop())
	require.NoError(t, err)
	return m
}

func initiated(t *testing.T, m *Manager, prov *MockProvider, providerCallID string, req *InitiateCallRequest) *call.Call {
	t.Helper()
	prov.On("InitiateCall", mock.Anything, mock.Anything).
		Return(provider.InitiateCallResult{ProviderCallID: providerCallID, Status: call.StatusInitiating}, nil).Once()
	c, err := m.InitiateCall(context.Background(), req)
	require.NoError(t, err)
	return c
}

func outboundReq() *InitiateCallRequest {
	return &InitiateCallRequest{
		Provider:   "twilio",
		FromNumber: "+15550000001",
		ToNumber:   "+15550000002",
	}
}

// Tests

func TestInitiateCall(t *testing.T) {
	prov := &MockProvider{name: "twilio"}
	store := &fakeStore{}
	m := newTestManager(t, prov, store)

	c := initiated(t, m, prov, "CA123", outboundReq())

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "CA123", c.ProviderCallID)
	assert.Equal(t, call.StatusInitiating, c.Status)
	assert.Equal(t, "twilio", c.Provider)
	assert.Equal(t, call.DirectionOutbound, c.Direction)

	input := prov.Calls[0].Arguments.Get(1).(provider.InitiateCallInput)
	assert.Equal(t, c.ID, input.CallID)

	// Initial state hit the log.
	assert.Equal(t, 1, store.appendCount())
	assert.Equal(t, c.ID, store.lastAppended().ID)

	got, err := m.GetCall(c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	prov.AssertExpectations(t)
}

func TestInitiateCallValidation(t *testing.T) {
	prov := &MockProvider{name: "twilio"}
	m := newTestManager(t, prov, &fakeStore{})

	tests := []struct {
		name string
		req  *InitiateCallRequest
	}{
		{"nil request", nil},
		{"missing to number", &InitiateCallRequest{Provider: "twilio", FromNumber: "+15550000001"}},
		{"malformed number", &InitiateCallRequest{Provider: "twilio", FromNumber: "+15550000001", ToNumber: "not-a-number"}},
		{"unknown mode", &InitiateCallRequest{Provider: "twilio", FromNumber: "+15550000001", ToNumber: "+15550000002", Mode: "broadcast"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.InitiateCall(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
		})
	}

	t.Run("unknown provider", func(t *testing.T) {
		req := outboundReq()
		req.Provider = "vonage"
		_, err := m.InitiateCall(context.Background(), req)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})
}

func TestInitiateCallProviderFailure(t *testing.T) {
	prov := &MockProvider{name: "twilio"}
	store := &fakeStore{}
	m := newTestManager(t, prov, store)

	prov.On("InitiateCall", mock.Anything, mock.Anything).
		Return(provider.InitiateCallResult{}, fmt.Errorf("dial error")).Once()

	_, err := m.InitiateCall(context.Background(), outboundReq())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExternal))

	// The failure is recorded in the log but the call is not tracked.
	require.Equal(t, 1, store.appendCount())
	assert.Equal(t, call.StatusFailed, store.lastAppended().Status)
	assert.Empty(t, m.ActiveCalls())
}

func TestProcessEventLifecycle(t *testing.T) {
	prov := &MockProvider{name: "twilio"}
	store := &fakeStore{}
	m := newTestManager(t, prov, store)

	c := initiated(t, m, prov, "CA123", outboundReq())

	steps := []struct {
		eventType call.EventType
		status    call.Status
	}{
		{call.EventRinging, call.StatusRinging},
		{call.EventAnswered, call.StatusAnswered},
		{call.EventInProgress, call.StatusInProgress},
	}
	for i, step := range steps {
		ev := &call.Event{
			ID:             fmt.Sprintf("CA123:%d", i),
			Type:           step.eventType,
			ProviderCallID: "CA123",
		}
		require.NoError(t, m.ProcessEvent(context.Background(), ev))

		got, err := m.GetCall(c.ID)
		require.NoError(t, err)
		assert.Equal(t, step.status, got.Status)
	}

	// Terminal event removes the call from the active set.
	require.NoError(t, m.ProcessEvent(context.Background(), &call.Event{
		ID:             "CA123:completed",
		Type:           call.EventCompleted,
		ProviderCallID: "CA123",
	}))

	_, err := m.GetCall(c.ID)
	assert.ErrorIs(t, err, errors.ErrCallNotFound)
	_, err = m.GetCallByProviderCallID("CA123")
	assert.ErrorIs(t, err, errors.ErrCallNotFound)

	// 1 initiation + 4 transitions.
	assert.Equal(t, 5, store.appendCount())
	assert.Equal(t, call.StatusCompleted, store.lastAppended().Status)
}

func TestProcessEventDeduplicates(t *testing.T) {
	prov := &MockProvider{name: "twilio"}
	store := &fakeStore{}
	m := newTestManager(t, prov, store)

	c := initiated(t, m, prov, "CA123", outboundReq())

	ev := &call.Event{ID: "CA123:ringing:1", Type: call.EventRinging, ProviderCallID: "CA123"}
	require.NoError(t, m.ProcessEvent(context.Background(), ev))
	before := store.appendCount()

	// Redelivery of the same webhook must not touch state or the log.
	require.NoError(t, m.ProcessEvent(context.Background(), ev))

	got, err := m.GetCall(c.ID)
	require.NoError(t, err)
	assert.Equal(t, call.StatusRinging, got.Status)
	assert.Equal(t, before, store.appendCount())
	assert.Len(t, got.ProcessedEventIDs, 1)
}

func TestProcessEventAfterTerminal(t *testing.T) {
	prov := &MockProvider{name: "twilio"}
	m := newTestManager(t, prov, &fakeStore{})

	initiated(t, m, prov, "CA123", outboundReq())
	require.NoError(t, m.ProcessEvent(context.Background(), &call.Event{
		ID: "CA123:completed", Type: call.EventCompleted, ProviderCallID: "CA123",
	}))

	// A late out-of-order event no longer resolves to anything.
	err := m.ProcessEvent(context.Background(), &call.Event{
		ID: "CA123:answered", Type: call.EventAnswered, ProviderCallID: "CA123",
	})
	assert.ErrorIs(t, err, errors.ErrCallNotFound)
}

func TestProcessEventUnknownCall(t *testing.T) {
	prov := &MockProvider{name: "twilio"}
	m := newTestManager(t, prov, &fakeStore{})

	err := m.ProcessEvent(context.Background(), &call.Event{
		ID: "stray:ringing", Type: call.EventRinging, ProviderCallID: "stray",
	})
	assert.ErrorIs(t, err, errors.ErrCallNotFound)
}

func TestProviderCallIDRemap(t *testing.T) {
	prov := &MockProvider{name: "plivo"}
	store := &fakeStore{}
	m := newTestManager(t, prov, store)

	req := outboundReq()
	req.Provider = "plivo"
	c := initiated(t, m, prov, "request-uuid", req)

	got, err := m.GetCall(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "request-uuid", got.ProviderCallID)

	// First webhook carries the final call UUID.
	require.NoError(t, m.ProcessEvent(context.Background(), &call.Event{
		ID:             "call-uuid:in-progress",
		Type:           call.EventAnswered,
		CallID:         c.ID,
		ProviderCallID: "call-uuid",
	}))

	got, err = m.GetCall(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "call-uuid", got.ProviderCallID)
	assert.Equal(t, call.StatusAnswered, got.Status)

	byNew, err := m.GetCallByProviderCallID("call-uuid")
	require.NoError(t, err)
	assert.Equal(t, c.ID, byNew.ID)

	// The provisional identifier no longer resolves.
	_, err = m.GetCallByProviderCallID("request-uuid")
	assert.ErrorIs(t, err, errors.ErrCallNotFound)

	// The rebind is durable.
	assert.Equal(t, "call-uuid", store.lastAppended().ProviderCallID)
}

func TestResolveByPayloadIdentifier(t *testing.T) {
	prov := &MockProvider{name: "plivo"}
	m := newTestManager(t, prov, &fakeStore{})

	req := outboundReq()
	req.Provider = "plivo"
	c := initiated(t, m, prov, "request-uuid", req)

	// Webhook that names neither the internal ID nor a known provider ID
	// directly, but carries the provisional identifier in its payload.
	require.NoError(t, m.ProcessEvent(context.Background(), &call.Event{
		ID:             "call-uuid:ringing",
		Type:           call.EventRinging,
		ProviderCallID: "call-uuid",
		Payload:        map[string]string{"RequestUUID": "request-uuid", "CallStatus": "ringing"},
	}))

	got, err := m.GetCall(c.ID)
	require.NoError(t, err)
	assert.Equal(t, call.StatusRinging, got.Status)
	assert.Equal(t, "call-uuid", got.ProviderCallID)
}

func TestNotifyPlayedOnAnswer(t *testing.T) {
	prov := &MockProvider{name: "twilio"}
	m := newTestManager(t, prov, &fakeStore{})

	played := make(chan provider.PlayTTSInput, 1)
	prov.On("PlayTTS", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			played <- args.Get(1).(provider.PlayTTSInput)
		}).Return(nil).Once()

	req := outboundReq()
	req.Message = "your appointment is tomorrow"
	req.Mode = call.ModeNotify
	initiated(t, m, prov, "CA123", req)

	require.NoError(t, m.ProcessEvent(context.Background(), &call.Event{
		ID: "CA123:answered", Type: call.EventAnswered, ProviderCallID: "CA123",
	}))

	select {
	case input := <-played:
		assert.Equal(t, "CA123", input.ProviderCallID)
		assert.Equal(t, "your appointment is tomorrow", input.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("announcement was never played")
	}

	prov.AssertExpectations(t)
}

func TestFindCall(t *testing.T) {
	prov := &MockProvider{name: "twilio"}
	m := newTestManager(t, prov, &fakeStore{})

	c := initiated(t, m, prov, "CA123", outboundReq())

	byInternal, err := m.FindCall(c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, byInternal.ID)

	byProvider, err := m.FindCall("CA123")
	require.NoError(t, err)
	assert.Equal(t, c.ID, byProvider.ID)

	_, err = m.FindCall("unknown")
	assert.ErrorIs(t, err, errors.ErrCallNotFound)
}

func TestHangupCall(t *testing.T) {
	prov := &MockProvider{name: "twilio"}
	m := newTestManager(t, prov, &fakeStore{})

	c := initiated(t, m, prov, "CA123", outboundReq())

	prov.On("HangupCall", mock.Anything, provider.HangupInput{ProviderCallID: "CA123"}).
		Return(nil).Once()

	require.NoError(t, m.HangupCall(context.Background(), c.ID))

	// State is untouched until the provider confirms through its webhook.
	got, err := m.GetCall(c.ID)
	require.NoError(t, err)
	assert.False(t, got.Status.IsTerminal())

	prov.AssertExpectations(t)
}

func TestHangupCallNotFound(t *testing.T) {
	prov := &MockProvider{name: "twilio"}
	m := newTestManager(t, prov, &fakeStore{})

	err := m.HangupCall(context.Background(), "missing")
	assert.ErrorIs(t, err, errors.ErrCallNotFound)
}

func TestRecoveryFromStore(t *testing.T) {
	recovered := call.NewCall("+15550000001", "+15550000002", "twilio", call.DirectionOutbound)
	recovered.ProviderCallID = "CA123"
	recovered.Status = call.StatusInProgress
	recovered.ProcessedEventIDs["CA123:answered"] = true

	prov := &MockProvider{name: "twilio"}
	store := &fakeStore{active: []*call.Call{recovered}}
	m := newTestManager(t, prov, store)

	got, err := m.GetCallByProviderCallID("CA123")
	require.NoError(t, err)
	assert.Equal(t, recovered.ID, got.ID)
	assert.Equal(t, call.StatusInProgress, got.Status)

	// The replayed ledger still dedupes pre-crash events.
	require.NoError(t, m.ProcessEvent(context.Background(), &call.Event{
		ID: "CA123:answered", Type: call.EventAnswered, ProviderCallID: "CA123",
	}))
	got, err = m.GetCall(recovered.ID)
	require.NoError(t, err)
	assert.Equal(t, call.StatusInProgress, got.Status)
}

func TestPersistFailureIsBestEffort(t *testing.T) {
	prov := &MockProvider{name: "twilio"}
	store := &fakeStore{appendErr: fmt.Errorf("disk full")}
	m := newTestManager(t, prov, store)

	c := initiated(t, m, prov, "CA123", outboundReq())

	// In-memory state stays authoritative despite the failed append.
	require.NoError(t, m.ProcessEvent(context.Background(), &call.Event{
		ID: "CA123:ringing", Type: call.EventRinging, ProviderCallID: "CA123",
	}))
	got, err := m.GetCall(c.ID)
	require.NoError(t, err)
	assert.Equal(t, call.StatusRinging, got.Status)
}

func TestConcurrentEventDelivery(t *testing.T) {
	prov := &MockProvider{name: "twilio"}
	store := &fakeStore{}
	m := newTestManager(t, prov, store)

	c := initiated(t, m, prov, "CA123", outboundReq())

	// Hammer the same redelivered event from many goroutines; exactly one
	// application must win.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.ProcessEvent(context.Background(), &call.Event{
				ID: "CA123:ringing", Type: call.EventRinging, ProviderCallID: "CA123",
			})
		}()
	}
	wg.Wait()

	got, err := m.GetCall(c.ID)
	require.NoError(t, err)
	assert.Equal(t, call.StatusRinging, got.Status)
	assert.Len(t, got.ProcessedEventIDs, 1)
	assert.Equal(t, 2, store.appendCount())
}
