// Command server runs the conversation router: the HTTP API, the grace
// period reclaimer and the lifecycle event dispatcher.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-conversation-router/internal/config"
	"github.com/tbourn/go-conversation-router/internal/events"
	httpapi "github.com/tbourn/go-conversation-router/internal/http"
	"github.com/tbourn/go-conversation-router/internal/observability"
	"github.com/tbourn/go-conversation-router/internal/orchestrator"
	"github.com/tbourn/go-conversation-router/internal/priority"
	"github.com/tbourn/go-conversation-router/internal/repo"
	"github.com/tbourn/go-conversation-router/internal/services"
	"github.com/tbourn/go-conversation-router/internal/sysutil"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// .env is optional.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	sysutil.SetupLogger(os.Stdout, cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	version := sysutil.Version()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}

	db, err := repo.Open(cfg.DB.Driver, cfg.DB.DSN())
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	orch := orchestrator.New(cfg.Orchestrator.URL, cfg.Orchestrator.APIKey, cfg.Orchestrator.EventTimeout, cfg.Orchestrator.HistoryTimeout)
	sink, closeSink, err := buildSink(cfg.Events, orch)
	if err != nil {
		return err
	}
	defer closeSink()
	dispatcher := events.NewDispatcher(sink, cfg.Orchestrator.EventTimeout)

	weights := priority.Weights{Alpha: cfg.Allocation.Alpha, Beta: cfg.Allocation.Beta}

	alloc := services.NewAllocationService(db, dispatcher)
	alloc.Weights = weights
	alloc.Window = cfg.Allocation.Window
	alloc.DefaultPageLimit = cfg.Allocation.DefaultPageLimit
	alloc.MaxPageLimit = cfg.Allocation.MaxPageLimit

	reclaimer := services.NewReclaimer(db, dispatcher)
	reclaimer.Weights = weights
	reclaimer.Grace = cfg.Reclaim.GracePeriod
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		reclaimer.Lock = services.NewRedisSweepLock(rdb, cfg.Reclaim.LockTTL)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis sweep lock enabled")
	}
	operators := services.NewOperatorService(db, reclaimer)

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:         db,
		Allocation: alloc,
		Operators:  operators,
		Reclaimer:  reclaimer,
		History:    orch,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	reclaimer.Start(cfg.Reclaim.Interval)

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("version", version).
			Str("db", cfg.DB.Driver).
			Str("events", sink.Name()).
			Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case serveErr = <-errCh:
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	reclaimer.Stop()
	if err := dispatcher.Wait(sctx); err != nil {
		log.Warn().Err(err).Msg("pending events dropped")
	}
	if err := shutdownOTel(sctx); err != nil {
		log.Warn().Err(err).Msg("otel shutdown")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	return serveErr
}

// buildSink selects where lifecycle events go. The returned close function
// is always non-nil.
func buildSink(cfg config.EventsConfig, orch *orchestrator.Client) (events.Sink, func(), error) {
	noop := func() {}
	switch cfg.Sink {
	case "", "log":
		return events.LogSink{}, noop, nil
	case "http":
		return orch, noop, nil
	case "amqp":
		s, err := events.DialAMQP(cfg.RabbitURL, cfg.Exchange)
		if err != nil {
			return nil, noop, fmt.Errorf("amqp: %w", err)
		}
		return s, closer(s, "amqp"), nil
	default:
		return nil, noop, fmt.Errorf("unknown events sink %q", cfg.Sink)
	}
}

func closer(c io.Closer, name string) func() {
	return func() {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Str("sink", name).Msg("close")
		}
	}
}
