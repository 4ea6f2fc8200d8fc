package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/davidleathers/voice-gateway-backend/internal/api/rest"
	"github.com/davidleathers/voice-gateway-backend/internal/infrastructure/callstore"
	"github.com/davidleathers/voice-gateway-backend/internal/infrastructure/config"
	"github.com/davidleathers/voice-gateway-backend/internal/infrastructure/telemetry"
	"github.com/davidleathers/voice-gateway-backend/internal/provider"
	"github.com/davidleathers/voice-gateway-backend/internal/provider/plivo"
	"github.com/davidleathers/voice-gateway-backend/internal/provider/twilio"
	"github.com/davidleathers/voice-gateway-backend/internal/service/callmanager"
	"github.com/davidleathers/voice-gateway-backend/internal/service/mediastream"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("gateway exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	store, err := callstore.New(cfg.Store.Path, logger.Named("callstore"))
	if err != nil {
		return fmt.Errorf("opening call store: %w", err)
	}
	defer func() { _ = store.Close() }()

	registry := provider.NewRegistry()
	if cfg.Twilio.AccountSID != "" {
		p, err := twilio.New(twilio.Config{
			AccountSID:        cfg.Twilio.AccountSID,
			AuthToken:         cfg.Twilio.AuthToken,
			PublicURL:         cfg.Server.PublicURL,
			StreamURL:         cfg.Server.StreamURL,
			SkipVerification:  cfg.Twilio.SkipVerification,
			AllowTunnelBypass: cfg.Twilio.AllowTunnelBypass,
		}, logger.Named("twilio"))
		if err != nil {
			return fmt.Errorf("building twilio provider: %w", err)
		}
		if err := registry.Register(p); err != nil {
			return err
		}
	}
	if cfg.Plivo.AuthID != "" {
		p, err := plivo.New(plivo.Config{
			AuthID:            cfg.Plivo.AuthID,
			AuthToken:         cfg.Plivo.AuthToken,
			PublicURL:         cfg.Server.PublicURL,
			StreamURL:         cfg.Server.StreamURL,
			AnswerWaitSeconds: cfg.Plivo.AnswerWaitSeconds,
			SkipVerification:  cfg.Plivo.SkipVerification,
			AllowTunnelBypass: cfg.Plivo.AllowTunnelBypass,
		}, logger.Named("plivo"))
		if err != nil {
			return fmt.Errorf("building plivo provider: %w", err)
		}
		if err := registry.Register(p); err != nil {
			return err
		}
	}
	if len(registry.Names()) == 0 {
		return fmt.Errorf("no telephony provider configured")
	}
	logger.Info("providers registered", zap.Strings("providers", registry.Names()))

	manager, err := callmanager.New(registry, store, prometheusCollector{}, logger.Named("callmanager"))
	if err != nil {
		return fmt.Errorf("building call manager: %w", err)
	}

	media := mediastream.NewHandler(mediastream.SpeechConfig{
		APIKey:     cfg.Deepgram.APIKey,
		Model:      cfg.Deepgram.Model,
		Language:   cfg.Deepgram.Language,
		SampleRate: cfg.Deepgram.SampleRate,
		Encoding:   cfg.Deepgram.Encoding,
	}, logger.Named("mediastream"))
	defer media.Shutdown()

	handler := rest.NewHandler(manager, registry, cfg.Store.HistoryLimit, logger.Named("rest"))
	router := rest.NewRouter(handler, rest.RouterConfig{
		RateLimitRPS:   float64(cfg.RateLimit.RequestsPerSecond),
		RateLimitBurst: cfg.RateLimit.BurstSize,
		MetricsHandler: metricsHandler(),
	}, logger.Named("rest"))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
