package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/noteflow-api/internal/auth"
	"github.com/erauner12/noteflow-api/internal/bus"
	"github.com/erauner12/noteflow-api/internal/config"
	"github.com/erauner12/noteflow-api/internal/db"
	"github.com/erauner12/noteflow-api/internal/httpapi"
	"github.com/erauner12/noteflow-api/internal/hub"
	"github.com/erauner12/noteflow-api/internal/quota"
	"github.com/erauner12/noteflow-api/internal/repo"
	"github.com/erauner12/noteflow-api/internal/usage"
	"github.com/erauner12/noteflow-api/internal/vector"
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "noteflow-api").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	// Pretty logging for local dev
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	// Database connection
	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	if err := repo.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	store := repo.NewPostgres(pool)

	// Redis backs both the quota engine and the edit bus
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid REDIS_URL")
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}

	if err := os.MkdirAll(cfg.SnapshotDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.SnapshotDir).Msg("cannot create snapshot directory")
	}

	engine := quota.NewEngine(rdb)
	index := vector.NewRegistry(cfg.EmbedDim, cfg.SnapshotDir, nil)
	emitter := usage.NewEmitter(store, 0)
	editBus := bus.NewRedis(rdb)
	editHub := hub.New(store, index, engine, editBus, emitter)
	gate := auth.NewGate(store, auth.JWTCfg{HS256Secret: cfg.JWTSecret, TTL: cfg.JWTTTL}, cfg.APIKeyPrefix)

	srv := &httpapi.Server{
		Store: store,
		Index: index,
		Quota: engine,
		Hub:   editHub,
		Usage: emitter,
		Gate:  gate,
		DB:    pool,
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	startGRPCServer(cfg, store, index, editHub, engine, emitter, gate)

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	stopGRPCServer()

	// Flush queued usage records before the pool closes
	emitter.Close()

	log.Info().Msg("server stopped")
}
