package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	_ "go.uber.org/automaxprocs"

	"chatrelay/internal/auth"
	"chatrelay/internal/config"
	"chatrelay/internal/kv"
	"chatrelay/internal/logging"
	"chatrelay/internal/metrics"
	"chatrelay/internal/model"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/server"
	"chatrelay/internal/ws"
	"chatrelay/pkg/natsrelay"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		// No logger yet.
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logging.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := kv.NewRedisStore(ctx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("redis unavailable")
	}
	defer store.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	limiter := ratelimit.NewLimiter(store, cfg.Rate, cfg.WebSocket.MaxConnectionsPerUser, log)
	verifier := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiration)
	registry := ws.NewRegistry(cfg.WebSocket, limiter, m, log)
	engine := ws.NewStreamEngine(registry, model.NewSyntheticClient(cfg.WebSocket.ChunkSize), m, cfg.WebSocket.ChunkDelay, log)
	dispatcher := ws.NewDispatcher(registry, limiter, engine, m, cfg.WebSocket.MaxMessageLength, log)

	if cfg.NATS.URL != "" {
		relay, err := natsrelay.Connect(cfg.NATS, log)
		if err != nil {
			log.Fatal().Err(err).Msg("nats unavailable")
		}
		defer relay.Close()
		registry.SetFanout(relay)
		if err := relay.Start(ctx, registry); err != nil {
			log.Fatal().Err(err).Msg("relay start failed")
		}
	}

	srv := server.New(cfg, log, verifier, limiter, registry, dispatcher, m, promReg)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown error")
		}
	}
}
