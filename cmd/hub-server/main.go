// Sim Traffic Hub server
// Accepts position reports from simulator clients and pushes the live
// traffic picture to viewers over WebSocket and SSE
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/unklstewy/sim-traffic-hub/internal/api"
	"github.com/unklstewy/sim-traffic-hub/internal/db"
	"github.com/unklstewy/sim-traffic-hub/internal/hub"
	"github.com/unklstewy/sim-traffic-hub/internal/logger"
	"github.com/unklstewy/sim-traffic-hub/internal/presence"
	"github.com/unklstewy/sim-traffic-hub/internal/registry"
	"github.com/unklstewy/sim-traffic-hub/pkg/config"
	"github.com/unklstewy/sim-traffic-hub/pkg/retry"
)

var (
	configPath = flag.String("config", "configs/config.json", "Path to configuration file")
	port       = flag.String("port", "", "HTTP server port (overrides config)")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	lg := logger.New(logger.Options{
		Name:    "hub-server",
		Dir:     cfg.Logging.Dir,
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
	})

	for _, line := range figure.NewFigure("SIM HUB", "", false).Slicify() {
		lg.Info(line)
	}
	log.Printf("Logging to %s", lg.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Error("server failed", slog.Any("error", err))
		os.Exit(1)
	}
	lg.Info("server stopped", slog.Duration("uptime", time.Since(lg.Start)))
}

func run(ctx context.Context, cfg *config.Config, lg *logger.Logger) error {
	reg := registry.New(cfg.Hub.TTL())
	pres := presence.New(cfg.Presence.TTL())
	h := hub.New(reg, hub.Config{
		TickInterval: cfg.Hub.TickInterval(),
		SendBuffer:   cfg.Hub.SendBuffer,
	}, lg)

	// Maintenance jobs
	jobs := cron.New()
	if _, err := jobs.AddFunc(cfg.Presence.SweepSchedule, func() {
		if n := pres.Sweep(); n > 0 {
			lg.Debug("expired viewer sessions", slog.Int("count", n))
		}
	}); err != nil {
		return fmt.Errorf("invalid presence sweep schedule %q: %w", cfg.Presence.SweepSchedule, err)
	}

	var mirror api.MirrorStatus
	if cfg.Database.Enabled {
		database, err := openMirror(ctx, cfg, lg)
		if err != nil {
			// The mirror is optional; the hub keeps serving without it.
			lg.Warn("live mirror disabled", slog.Any("error", err))
		} else {
			defer database.Close()
			h.SetMirror(db.NewLiveRepository(database))
			mirror = database

			maxAge := 2 * cfg.Hub.TTL()
			cleanupRetry := retry.DefaultRetryConfig()
			cleanupRetry.MaxRetries = 3
			if _, err := jobs.AddFunc(cfg.Database.CleanupSchedule, func() {
				var n int64
				err := db.WithRetry(ctx, cleanupRetry, func() error {
					var err error
					n, err = database.CleanupStale(ctx, maxAge)
					return err
				})
				if err != nil {
					lg.Warn("mirror cleanup failed", slog.Any("error", err))
					return
				}
				if n > 0 {
					lg.Info("removed stale mirror rows", slog.Int64("count", n))
				}
			}); err != nil {
				return fmt.Errorf("invalid cleanup schedule %q: %w", cfg.Database.CleanupSchedule, err)
			}
		}
	}

	jobs.Start()
	defer func() { <-jobs.Stop().Done() }()

	srv := api.NewServer(reg, h, pres, api.Options{
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		StreamWriteTimeout: cfg.Hub.WriteTimeout(),
		IngestRate:         cfg.Hub.IngestRatePerSecond,
		IngestBurst:        cfg.Hub.IngestBurst,
		Mirror:             mirror,
	}, lg)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      srv.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return h.Run(egCtx)
	})

	eg.Go(func() error {
		lg.Info("server listening",
			slog.String("addr", httpServer.Addr),
			slog.Duration("tick", cfg.Hub.TickInterval()),
			slog.Duration("ttl", cfg.Hub.TTL()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		lg.Info("shutting down server")

		// Graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return eg.Wait()
}

// openMirror connects to PostgreSQL, waiting for it for a bounded time,
// and ensures the mirror table exists.
func openMirror(ctx context.Context, cfg *config.Config, lg *logger.Logger) (*db.DB, error) {
	rc := retry.DefaultRetryConfig()
	rc.MaxRetries = 5

	database, err := db.ReconnectWithRetry(ctx, cfg.Database, rc, lg)
	if err != nil {
		return nil, err
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := database.InitSchema(initCtx); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}
