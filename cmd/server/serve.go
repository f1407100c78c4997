package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dkeye/Meet/internal/adapters/health"
	httpadapter "github.com/dkeye/Meet/internal/adapters/http"
	"github.com/dkeye/Meet/internal/adapters/rtc"
	sig "github.com/dkeye/Meet/internal/adapters/signal"
	"github.com/dkeye/Meet/internal/app"
	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout  = 5 * time.Second
	// workerDeathGrace is how long shutdown may take after a media worker
	// dies before the process is killed.
	workerDeathGrace = 2 * time.Second
)

var errWorkerDied = errors.New("media worker died")

func runServe(cmd *cobra.Command, _ []string) error {
	// stderr console logger until the config says otherwise
	logging.Init(logging.Config{Level: "info", Pretty: true})

	cfg, v, err := config.Load(config.Env(envFlag))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(cfg.Log)
	config.Watch(v, func(next *config.Config) {
		logging.SetLevel(next.Log.Level)
		log.Info().Str("level", next.Log.Level).Msg("config reloaded")
	})

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hs := health.NewServer()
	died := make(chan error, 1)
	onDied := func(h *app.WorkerHandle, err error) {
		hs.SetServing(false)
		log.Error().Err(err).Str("worker", h.ID()).Msg("shutting down after worker death")
		select {
		case died <- fmt.Errorf("%w: %s", errWorkerDied, h.ID()):
		default:
		}
	}

	pool, err := app.StartWorkerPool(ctx, rtc.NewEngine(), workerCount(cfg), workerSettings(cfg), callPolicy(cfg), onDied)
	if err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	defer pool.Close()
	log.Info().Int("workers", pool.Len()).Msg("media workers started")

	var rdb *redis.Client
	if needsRedis(cfg) {
		rdb = newRedis(cfg)
		defer func() { _ = rdb.Close() }()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	hooks, closeHooks, err := statusHooks(cfg, reg, rdb)
	if err != nil {
		closeHooks()
		return err
	}
	notifier := app.NewStatusNotifier(hooks...)
	// LIFO: the notifier drains before its hooks go away
	defer closeHooks()
	defer notifier.Close()

	mapping, err := roleMapping(cfg)
	if err != nil {
		return err
	}
	tokens, err := tokenManager(cfg, rdb)
	if err != nil {
		return fmt.Errorf("token manager: %w", err)
	}

	peers := app.NewPeerDirectory()
	rooms := app.NewRoomRegistry(app.RoomRegistryConfig{
		Pool:         pool,
		Policy:       core.NewPolicy(policyConfig(cfg)),
		Options:      roomOptions(cfg),
		Backpressure: core.ParseBackpressurePolicy(cfg.Room.Backpressure),
		Status:       notifier,
		Peers:        peers,
	})
	defer rooms.Close()

	o := &orch.Orchestrator{
		Rooms:       rooms,
		Peers:       peers,
		Tokens:      tokens,
		Auth:        authenticator(cfg),
		Mapping:     mapping,
		JoinTimeout: cfg.Room.JoinTimeout,
	}

	r := httpadapter.SetupRouter(ctx, httpadapter.Options{
		Mode:       cfg.Mode,
		Secret:     cfg.Secret,
		StaticPath: cfg.StaticPath,
		Orch:       o,
		Signal:     sig.NewSignalWSController(o, signalConfig(cfg)),
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Ready:      hs.Serving,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 2)
	go func() {
		log.Info().Str("addr", addr).Msg("meet server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.HealthPort > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.HealthPort))
		if err != nil {
			return fmt.Errorf("health listener: %w", err)
		}
		go func() {
			log.Info().Str("addr", lis.Addr().String()).Msg("health server started")
			if err := hs.Serve(lis); err != nil {
				serveErr <- fmt.Errorf("health server: %w", err)
			}
		}()
	}
	defer hs.Stop()
	hs.SetServing(true)

	var exitErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case exitErr = <-died:
		time.AfterFunc(workerDeathGrace, func() {
			log.Error().Msg("shutdown grace expired")
			os.Exit(1)
		})
	case exitErr = <-serveErr:
		log.Error().Err(exitErr).Msg("server failed")
	}

	hs.SetServing(false)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited")
	return exitErr
}
