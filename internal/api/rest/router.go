package rest

import (
	"net/http"

	"go.uber.org/zap"
)

// RouterConfig tunes the middleware chain.
type RouterConfig struct {
	RateLimitRPS   float64
	RateLimitBurst int

	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler
}

// NewRouter wires every route behind the logging, recovery, and rate-limit
// middleware chain.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhooks/{provider}", h.handleWebhook)

	mux.HandleFunc("POST /api/v1/calls", h.handleCreateCall)
	mux.HandleFunc("GET /api/v1/calls", h.handleListCalls)
	mux.HandleFunc("GET /api/v1/calls/history", h.handleHistory)
	mux.HandleFunc("GET /api/v1/calls/{id}", h.handleGetCall)
	mux.HandleFunc("DELETE /api/v1/calls/{id}", h.handleHangupCall)

	mux.HandleFunc("GET /healthz", h.handleHealth)
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 200
	}
	limiter := newInMemoryRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	return chain(mux,
		recoveryMiddleware(logger),
		loggingMiddleware(logger),
		rateLimitMiddleware(limiter),
	)
}
