// Terminal viewer
// Shows the live traffic picture pushed by the hub and reconnects with
// backoff whenever the channel drops
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/unklstewy/sim-traffic-hub/internal/logger"
	"github.com/unklstewy/sim-traffic-hub/pkg/config"
	"github.com/unklstewy/sim-traffic-hub/pkg/traffic"
	"github.com/unklstewy/sim-traffic-hub/pkg/viewer"
)

var (
	configPath = flag.String("config", "configs/config.json", "Path to configuration file")
	server     = flag.String("server", "", "Hub base URL (overrides config)")
	transport  = flag.String("transport", "", "Push transport: ws or sse (overrides config)")
)

func main() {
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	vc := cfg.Viewer
	if *server != "" {
		vc.ServerURL = *server
	}
	if *transport != "" {
		vc.Transport = *transport
	}

	// The terminal belongs to the UI, so logs only go to the file.
	lg := logger.New(logger.Options{
		Name:  "viewer",
		Dir:   cfg.Logging.Dir,
		Level: cfg.Logging.Level,
	})

	dialer, err := viewer.NewDialer(vc.ServerURL, vc.Transport)
	if err != nil {
		log.Fatalf("Invalid viewer settings: %v", err)
	}

	var p *tea.Program
	ctrl := viewer.NewController(dialer, viewer.Options{
		OnStatus: func(st viewer.Status) {
			p.Send(statusMsg(st))
		},
		OnSnapshot: func(msg traffic.SnapshotMessage) {
			p.Send(snapshotMsg(msg))
		},
		Presence:          viewer.NewHeartbeater(vc.ServerURL, 0),
		HeartbeatInterval: vc.Heartbeat(),
		Logger:            lg,
	})

	m := newModel(vc.ServerURL, vc.Transport, ctrl.Viewers)
	p = tea.NewProgram(m, tea.WithAltScreen())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl.Start(ctx)

	// Start TUI
	_, err = p.Run()
	ctrl.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
