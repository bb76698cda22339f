package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/flowsync/internal/api"
	"github.com/rendis/flowsync/internal/logging"
	"github.com/rendis/flowsync/internal/relay"
	"github.com/rendis/flowsync/internal/scheduler"
	"github.com/rendis/flowsync/internal/streaming"
)

const (
	schedulerInterval = time.Minute
	shutdownTimeout   = 10 * time.Second
	memoryHubBuffer   = 256
)

// openHub returns the Redis hub when redis_url is set, so several relay
// processes share one fan-out, and an in-process hub otherwise.
func openHub(ctx context.Context, cfg Config, logger *slog.Logger) (streaming.Hub, func(), error) {
	if cfg.RedisURL == "" {
		return streaming.NewMemoryHub(memoryHubBuffer), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis_url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	return streaming.NewRedisHub(client, logger), func() { _ = client.Close() }, nil
}

// routes holds the mounted servers so the router can be rebuilt on reload.
type routes struct {
	relay *relay.Server
	api   *api.Server
	jobs  *scheduler.Scheduler
}

func (rt routes) build(withAPI bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "version": version, "jobs": rt.jobs.Jobs()})
	})
	r.Post("/jobs/{name}/run", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		w.Header().Set("Content-Type", "application/json")
		if err := rt.jobs.RunNow(r.Context(), name); err != nil {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "job": name})
	})
	rt.relay.Mount(r)
	if withAPI {
		rt.api.Mount(r)
	}
	return r
}

func runServe(ctx context.Context, a *app) error {
	cfg, logger := a.cfg, a.logger

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	hub, closeHub, err := openHub(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeHub()

	metrics := relay.NewMetrics()
	rcfg := relay.DefaultConfig()
	rcfg.AllowedOrigins = cfg.AllowedOrigins
	relaySrv := relay.NewServer(st, hub, rcfg, metrics, logger)

	svc, err := api.NewService(st, hub, logger)
	if err != nil {
		return err
	}

	sched := scheduler.NewScheduler(schedulerInterval, logger)
	if err := sched.Add(cfg.Compaction.Schedule, relay.NewCompactor(st, cfg.Compaction, metrics, logger)); err != nil {
		return err
	}

	rt := routes{relay: relaySrv, api: api.NewServer(svc, logger), jobs: sched}
	swapper := newHandlerSwapper(rt.build(cfg.API))
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           swapper,
		ReadHeaderTimeout: 10 * time.Second,
	}

	watcher := newConfigWatcher(a.settingsFile, cfg, a.load, func(old, next Config, d configDiff) {
		if d.LogLevelChanged && a.logLevel == "" {
			a.level.Set(logging.ParseLevel(next.LogLevel))
			logger.Info("log level changed", slog.String("from", old.LogLevel), slog.String("to", next.LogLevel))
		}
		if d.APIChanged {
			swapper.Swap(rt.build(next.API))
			logger.Info("rest api toggled", slog.Bool("enabled", next.API))
		}
		if len(d.RestartNeeded) > 0 {
			logger.Warn("settings changed that need a restart", slog.Any("fields", d.RestartNeeded))
		}
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("flowsync listening",
			slog.String("addr", cfg.ListenAddr),
			slog.Bool("api", cfg.API),
			slog.Bool("redis", cfg.RedisURL != ""),
			slog.String("version", version),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := sched.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return sched.Stop()
	})
	g.Go(func() error {
		return watcher.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		if rerr := relaySrv.Shutdown(shutdownCtx); err == nil {
			err = rerr
		}
		logger.Info("flowsync stopped")
		return err
	})
	return g.Wait()
}
