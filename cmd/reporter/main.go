// Simulated reporter
// Flies the configured route and pushes position reports to the hub the
// same way an in-simulator client does
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/unklstewy/sim-traffic-hub/internal/logger"
	"github.com/unklstewy/sim-traffic-hub/pkg/config"
	"github.com/unklstewy/sim-traffic-hub/pkg/reporter"
	"github.com/unklstewy/sim-traffic-hub/pkg/retry"
	"github.com/unklstewy/sim-traffic-hub/pkg/traffic"
)

var (
	configPath = flag.String("config", "configs/config.json", "Path to configuration file")
	callsign   = flag.String("callsign", "", "Callsign to report (overrides config)")
	noDirect   = flag.Bool("no-direct", false, "Disable the direct WebSocket channel")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	rc := cfg.Reporter
	if *callsign != "" {
		rc.Callsign = *callsign
	}
	if *noDirect {
		rc.DirectChannel = false
	}

	lg := logger.New(logger.Options{
		Name:    "reporter",
		Dir:     cfg.Logging.Dir,
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
	}).With(slog.String("callsign", rc.Callsign))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)

	src := reporter.NewSimulatedSource(rc.Callsign, routeWaypoints(rc.Route), rc.SpeedKnots)
	opts := reporter.Options{
		Enabled:        rc.Enabled,
		ServerURL:      rc.ServerURL,
		Interval:       rc.Interval(),
		RequestTimeout: rc.RequestTimeout(),
		Metadata: reporter.Metadata{
			FlightNo:  rc.FlightNo,
			Departure: rc.Departure,
			Arrival:   rc.Arrival,
			Squawk:    rc.Squawk,
		},
		Logger: lg,
	}

	if rc.DirectChannel {
		direct, err := reporter.NewDirectChannel(rc.ServerURL, retry.DefaultRetryConfig(), lg)
		if err != nil {
			lg.Error("invalid server url", slog.Any("error", err))
			os.Exit(1)
		}
		opts.Direct = direct
		eg.Go(func() error {
			return direct.Run(ctx)
		})
	}

	rep := reporter.New(src, opts)

	eg.Go(func() error {
		return rep.Run(ctx)
	})

	if err := eg.Wait(); err != nil {
		lg.Error("reporter failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func routeWaypoints(route []config.RoutePoint) []traffic.Waypoint {
	out := make([]traffic.Waypoint, 0, len(route))
	for _, p := range route {
		out = append(out, traffic.Waypoint{
			Ident: p.Ident,
			Type:  "FIX",
			Lat:   traffic.OptionalFloat{Value: p.Latitude, Valid: true},
			Lon:   traffic.OptionalFloat{Value: p.Longitude, Valid: true},
			Alt:   traffic.OptionalFloat{Value: p.AltitudeFt, Valid: true},
		})
	}
	return out
}
