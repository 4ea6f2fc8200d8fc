// Package callmanager owns the lifecycle of every call: initiation, webhook
// event application, provider-ID remapping, and recovery from the durable
// log. All state transitions go through here; providers and the HTTP layer
// never mutate a call directly.
package callmanager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/davidleathers/voice-gateway-backend/internal/domain/call"
	"github.com/davidleathers/voice-gateway-backend/internal/domain/errors"
	"github.com/davidleathers/voice-gateway-backend/internal/provider"
)

// notifyTimeout bounds the fire-and-forget announcement on answer.
const notifyTimeout = 15 * time.Second

// Manager tracks active calls in memory, indexed by internal ID and by
// provider call ID, and mirrors every transition to the durable store.
type Manager struct {
	registry *provider.Registry
	store    Store
	metrics  MetricsCollector
	logger   *zap.Logger
	validate *validator.Validate

	mu           sync.RWMutex
	byID         map[string]*call.Call
	byProviderID map[string]string
}

// New builds a manager and recovers active calls by replaying the store.
func New(registry *provider.Registry, store Store, metrics MetricsCollector, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		registry:     registry,
		store:        store,
		metrics:      metrics,
		logger:       logger,
		validate:     validator.New(),
		byID:         make(map[string]*call.Call),
		byProviderID: make(map[string]string),
	}

	recovered, err := store.LoadActiveCalls()
	if err != nil {
		return nil, errors.NewInternalError("failed to recover calls from store").WithCause(err)
	}
	for _, c := range recovered {
		m.byID[c.ID] = c
		if c.ProviderCallID != "" {
			m.byProviderID[c.ProviderCallID] = c.ID
		}
	}
	if len(recovered) > 0 {
		logger.Info("recovered active calls from store", zap.Int("count", len(recovered)))
	}
	return m, nil
}

// InitiateCall places an outbound call through the named provider and begins
// tracking it. The returned snapshot carries the provider call ID as reported
// by the initiate API, which some vendors later supersede via webhook.
func (m *Manager) InitiateCall(ctx context.Context, req *InitiateCallRequest) (*call.Call, error) {
	if req == nil {
		return nil, errors.NewValidationError("INVALID_REQUEST", "request cannot be nil")
	}
	if err := m.validate.Struct(req); err != nil {
		return nil, errors.NewValidationError("INVALID_REQUEST", "invalid call request").WithCause(err)
	}

	prov, ok := m.registry.Get(req.Provider)
	if !ok {
		return nil, errors.NewValidationError("UNKNOWN_PROVIDER", "unknown telephony provider: "+req.Provider)
	}

	c := call.NewCall(req.FromNumber, req.ToNumber, prov.Name(), call.DirectionOutbound)
	if req.Message != "" || req.Mode != "" {
		c.Metadata = &call.Metadata{Message: req.Message, Mode: req.Mode}
	}

	start := time.Now()
	result, err := prov.InitiateCall(ctx, provider.InitiateCallInput{
		From:   req.FromNumber,
		To:     req.ToNumber,
		CallID: c.ID,
	})
	if err != nil {
		c.Status = call.StatusFailed
		m.persist(c)
		if m.metrics != nil {
			m.metrics.RecordCallFailed(ctx, err.Error())
		}
		return nil, errors.NewExternalError("telephony provider", "failed to initiate call").WithCause(err)
	}
	if m.metrics != nil {
		m.metrics.RecordProviderLatency(ctx, prov.Name(), "initiate_call", time.Since(start))
		m.metrics.RecordCallInitiated(ctx, prov.Name())
	}

	c.ProviderCallID = result.ProviderCallID
	if result.Status != call.StatusInitiating {
		c.Status = result.Status
	}

	m.mu.Lock()
	m.byID[c.ID] = c
	if c.ProviderCallID != "" {
		m.byProviderID[c.ProviderCallID] = c.ID
	}
	m.mu.Unlock()

	m.persist(c)

	m.logger.Info("call initiated",
		zap.String("call_id", c.ID),
		zap.String("provider", c.Provider),
		zap.String("provider_call_id", c.ProviderCallID),
		zap.String("to", req.ToNumber))

	return c.Clone(), nil
}

// ProcessEvent applies one normalized webhook event. Duplicates and events on
// terminal calls are silent no-ops. When the event carries a provider call ID
// different from the stored one, the call is rebound to the new ID first; the
// old ID stops resolving.
func (m *Manager) ProcessEvent(ctx context.Context, ev *call.Event) error {
	if ev == nil || ev.ID == "" {
		return errors.NewValidationError("INVALID_EVENT", "event must carry an ID")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.resolveLocked(ev)
	if c == nil {
		return errors.ErrCallNotFound
	}

	if c.HasProcessedEvent(ev.ID) {
		if m.metrics != nil {
			m.metrics.RecordDuplicateEvent(ctx, c.Provider)
		}
		m.logger.Debug("duplicate event ignored",
			zap.String("call_id", c.ID),
			zap.String("event_id", ev.ID))
		return nil
	}

	remapped := false
	if ev.ProviderCallID != "" && ev.ProviderCallID != c.ProviderCallID {
		if c.ProviderCallID != "" {
			delete(m.byProviderID, c.ProviderCallID)
		}
		m.logger.Info("provider call ID remapped",
			zap.String("call_id", c.ID),
			zap.String("old_provider_call_id", c.ProviderCallID),
			zap.String("new_provider_call_id", ev.ProviderCallID))
		c.ProviderCallID = ev.ProviderCallID
		m.byProviderID[ev.ProviderCallID] = c.ID
		remapped = true
	}

	applied := c.ApplyEvent(ev)
	if !applied && !remapped {
		m.logger.Warn("event produced no transition",
			zap.String("call_id", c.ID),
			zap.String("event_id", ev.ID),
			zap.String("event_type", string(ev.Type)),
			zap.String("status", c.Status.String()))
		return nil
	}

	m.persist(c)

	if applied {
		if m.metrics != nil {
			m.metrics.RecordEventProcessed(ctx, c.Provider, string(ev.Type))
		}
		m.logger.Info("call transitioned",
			zap.String("call_id", c.ID),
			zap.String("event_type", string(ev.Type)),
			zap.String("status", c.Status.String()))
	}

	if applied && c.Status == call.StatusAnswered && c.WantsNotify() {
		go m.playNotify(c.Clone())
	}

	if c.Status.IsTerminal() {
		delete(m.byID, c.ID)
		if c.ProviderCallID != "" {
			delete(m.byProviderID, c.ProviderCallID)
		}
		if m.metrics != nil {
			m.metrics.RecordCallEnded(ctx, c.Provider, c.Status.String())
		}
	}

	return nil
}

// resolveLocked finds the call an event addresses. Lookup order: internal ID,
// provider call ID, then a scan matching any event payload value against
// stored provider call IDs. The scan covers vendors whose status webhooks
// carry only the provisional request UUID the call was initiated under.
func (m *Manager) resolveLocked(ev *call.Event) *call.Call {
	if ev.CallID != "" {
		if c, ok := m.byID[ev.CallID]; ok {
			return c
		}
	}
	if ev.ProviderCallID != "" {
		if id, ok := m.byProviderID[ev.ProviderCallID]; ok {
			return m.byID[id]
		}
	}
	for _, v := range ev.Payload {
		if v == "" {
			continue
		}
		if id, ok := m.byProviderID[v]; ok {
			return m.byID[id]
		}
	}
	return nil
}

// playNotify speaks the configured announcement on the freshly answered call.
// Best effort: a failed announcement never affects call state.
func (m *Manager) playNotify(c *call.Call) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	prov, ok := m.registry.Get(c.Provider)
	if !ok {
		m.logger.Error("notify skipped: provider not registered",
			zap.String("call_id", c.ID),
			zap.String("provider", c.Provider))
		return
	}

	err := prov.PlayTTS(ctx, provider.PlayTTSInput{
		ProviderCallID: c.ProviderCallID,
		Message:        c.Metadata.Message,
	})
	if err != nil {
		m.logger.Error("failed to play notification message",
			zap.String("call_id", c.ID),
			zap.Error(err))
		return
	}
	m.logger.Info("notification message playing",
		zap.String("call_id", c.ID))
}

// HangupCall asks the provider to tear a live call down. The terminal
// transition itself arrives later through the provider's status webhook.
func (m *Manager) HangupCall(ctx context.Context, callID string) error {
	m.mu.RLock()
	c, ok := m.byID[callID]
	var snapshot *call.Call
	if ok {
		snapshot = c.Clone()
	}
	m.mu.RUnlock()

	if !ok {
		return errors.ErrCallNotFound
	}

	prov, ok := m.registry.Get(snapshot.Provider)
	if !ok {
		return errors.NewInternalError("provider not registered: " + snapshot.Provider)
	}

	start := time.Now()
	if err := prov.HangupCall(ctx, provider.HangupInput{ProviderCallID: snapshot.ProviderCallID}); err != nil {
		return errors.NewExternalError("telephony provider", "failed to hang up call").WithCause(err)
	}
	if m.metrics != nil {
		m.metrics.RecordProviderLatency(ctx, snapshot.Provider, "hangup_call", time.Since(start))
	}

	m.logger.Info("hangup requested",
		zap.String("call_id", snapshot.ID),
		zap.String("provider_call_id", snapshot.ProviderCallID))
	return nil
}

// GetCall returns a snapshot of an active call by internal ID.
func (m *Manager) GetCall(callID string) (*call.Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[callID]
	if !ok {
		return nil, errors.ErrCallNotFound
	}
	return c.Clone(), nil
}

// GetCallByProviderCallID returns a snapshot of an active call by the
// vendor-assigned identifier. A remapped provisional ID no longer resolves.
func (m *Manager) GetCallByProviderCallID(providerCallID string) (*call.Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byProviderID[providerCallID]
	if !ok {
		return nil, errors.ErrCallNotFound
	}
	return m.byID[id].Clone(), nil
}

// FindCall resolves an identifier that may be either the internal call ID or
// the vendor-assigned one.
func (m *Manager) FindCall(id string) (*call.Call, error) {
	if c, err := m.GetCall(id); err == nil {
		return c, nil
	}
	return m.GetCallByProviderCallID(id)
}

// ActiveCalls returns snapshots of every non-terminal call, oldest first.
func (m *Manager) ActiveCalls() []*call.Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*call.Call, 0, len(m.byID))
	for _, c := range m.byID {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// History returns recent call transitions from the durable log, most recent
// first. Terminal calls appear here after they leave the active set.
func (m *Manager) History(limit int) ([]*call.Call, error) {
	records, err := m.store.History(limit)
	if err != nil {
		return nil, errors.NewInternalError("failed to read call history").WithCause(err)
	}
	return records, nil
}

// persist appends the call's current state to the durable log. Best effort:
// the in-memory state stays authoritative, so a failed append is logged and
// the next transition or restart replay reconciles.
func (m *Manager) persist(c *call.Call) {
	if err := m.store.Append(c); err != nil {
		m.logger.Error("failed to persist call state",
			zap.String("call_id", c.ID),
			zap.String("status", c.Status.String()),
			zap.Error(err))
	}
}

