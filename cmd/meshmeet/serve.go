package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/wilsonzlin/meshmeet/internal/config"
	"github.com/wilsonzlin/meshmeet/internal/httpserver"
	"github.com/wilsonzlin/meshmeet/internal/meeting"
	"github.com/wilsonzlin/meshmeet/internal/metrics"
	"github.com/wilsonzlin/meshmeet/internal/origin"
	"github.com/wilsonzlin/meshmeet/internal/turnrest"
)

func runServe(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	logger.Info("starting meshmeet server",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"store", storeKind(cfg),
		"participant_ttl", cfg.ParticipantTTL,
		"mailbox_ttl", cfg.MailboxTTL,
		"ws_push_interval", cfg.WSPushInterval,
		"max_signals_per_second", cfg.MaxSignalsPerSecond,
		"max_signal_bytes", cfg.MaxSignalBytes,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)
	logServerStartupWarnings(logger, cfg)

	m := metrics.New()

	store, ready, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing meeting store failed", "err", err)
		}
	}()

	svc, err := meeting.NewService(meeting.ServiceConfig{
		Store:               store,
		ParticipantTTL:      cfg.ParticipantTTL,
		MaxSignalsPerSecond: cfg.MaxSignalsPerSecond,
		MaxSignalBytes:      cfg.MaxSignalBytes,
		Logger:              logger,
		Metrics:             m,
	})
	if err != nil {
		return err
	}

	var turn *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turn, err = turnrest.NewGenerator(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			return configError{err: fmt.Errorf("configure turn rest: %w", err)}
		}
	}

	origins := origin.NewPolicy(cfg.AllowedOrigins)
	api := meeting.NewAPI(meeting.APIConfig{
		Service:      svc,
		ICE:          meeting.NewICEProvider(cfg.ICEServers, turn),
		Origins:      origins,
		PushInterval: cfg.WSPushInterval,
		Logger:       logger,
		Metrics:      m,
	})

	srv := httpserver.New(httpserver.Options{
		ListenAddr: cfg.ListenAddr,
		Logger:     logger,
		Build:      resolveBuildInfo(buildCommit, buildTime),
		Origins:    origins,
		Ready:      ready,
	})
	srv.HandleAPI("/api/", api.Handler())
	srv.Handle("GET /metrics", metrics.PrometheusHandler(m))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		svc.RunJanitor(janitorCtx, cfg.ParticipantTTL/2)
	}()
	defer func() {
		stopJanitor()
		<-janitorDone
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server exited: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server exited after shutdown: %w", err)
	}
	return nil
}

// openStore returns the meeting store and, for Redis, a readiness check.
func openStore(ctx context.Context, cfg config.ServerConfig) (meeting.Store, func(context.Context) error, error) {
	if !cfg.Redis.Enabled() {
		return meeting.NewMemoryStore(cfg.MailboxTTL), nil, nil
	}
	client, err := meeting.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, err
	}
	store := meeting.NewRedisStore(client, meeting.RedisStoreConfig{MailboxTTL: cfg.MailboxTTL})
	ready := func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
	return store, ready, nil
}

func storeKind(cfg config.ServerConfig) string {
	if cfg.Redis.Enabled() {
		return "redis"
	}
	return "memory"
}
