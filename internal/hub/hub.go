// Package hub fans the live aircraft snapshot out to subscribed viewers.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unklstewy/sim-traffic-hub/internal/logger"
	"github.com/unklstewy/sim-traffic-hub/pkg/traffic"
)

var (
	// ErrSlowConsumer is the reason recorded when a viewer's queue is full.
	ErrSlowConsumer = errors.New("send queue full")
	// ErrHubClosed is returned to connections registered after shutdown.
	ErrHubClosed = errors.New("hub closed")
)

// Conn is one viewer's push channel. WriteMessage is only ever called from
// that connection's own write pump; Close may be called concurrently.
type Conn interface {
	WriteMessage(data []byte) error
	Close() error
}

// Source is the registry as seen by the hub: read and expire only.
type Source interface {
	Sweep() []string
	Snapshot() []traffic.AircraftState
}

// Mirror receives every broadcast snapshot, e.g. to keep a database copy
// of the live state.
type Mirror interface {
	Sync(ctx context.Context, states []traffic.AircraftState) error
}

// Config controls the hub's cadence and buffering.
type Config struct {
	// TickInterval is the broadcast period (default: 1 second)
	TickInterval time.Duration

	// SendBuffer is the per-viewer queue length (default: 8)
	SendBuffer int

	// MirrorTimeout bounds a single mirror sync (default: 5 seconds)
	MirrorTimeout time.Duration
}

// DefaultConfig returns the one-second broadcast cadence.
func DefaultConfig() Config {
	return Config{
		TickInterval:  time.Second,
		SendBuffer:    8,
		MirrorTimeout: 5 * time.Second,
	}
}

// Stats are cumulative counters since the hub was created.
type Stats struct {
	Clients int    `json:"clients"`
	Ticks   uint64 `json:"ticks"`
	Dropped uint64 `json:"dropped"`
	Expired uint64 `json:"expired"`
}

// Hub owns the set of viewer connections. Each broadcast serializes the
// snapshot once and hands the bytes to every connection's queue; a viewer
// whose queue is full or whose write fails is removed without affecting
// the rest.
type Hub struct {
	src    Source
	plans  *traffic.PlanCache
	cfg    Config
	log    *logger.Logger
	mirror Mirror

	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool

	mirrorBusy atomic.Bool
	ticks      atomic.Uint64
	dropped    atomic.Uint64
	expired    atomic.Uint64
}

// New creates a hub reading from src. Zero config fields take defaults.
func New(src Source, cfg Config, lg *logger.Logger) *Hub {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = def.MirrorTimeout
	}
	return &Hub{
		src:     src,
		plans:   traffic.NewPlanCache(0, 10*time.Minute),
		cfg:     cfg,
		log:     lg.With(slog.String("component", "hub")),
		clients: make(map[*Client]struct{}),
	}
}

// SetMirror installs m. It must be called before Run.
func (h *Hub) SetMirror(m Mirror) {
	h.mirror = m
}

// Register adds conn to the broadcast set and immediately queues the
// current snapshot for it. The returned Client is done once the hub has
// stopped writing to conn and closed it.
func (h *Hub) Register(conn Conn) *Client {
	c := newClient(conn, h.cfg.SendBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.stop(ErrHubClosed)
		go c.writePump(h)
		return c
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump(h)

	payload, err := h.encode(h.src.Snapshot())
	if err != nil {
		h.log.Error("failed to encode initial snapshot", slog.Any("error", err))
		return c
	}
	h.enqueue(c, payload)
	h.log.Debug("viewer connected", slog.Int("clients", h.ClientCount()))
	return c
}

// Unregister removes c. It is safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.remove(c, nil)
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Stats returns the hub's counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Clients: h.ClientCount(),
		Ticks:   h.ticks.Load(),
		Dropped: h.dropped.Load(),
		Expired: h.expired.Load(),
	}
}

// Views returns the current snapshot in the form viewers receive.
func (h *Hub) Views() []traffic.AircraftView {
	return h.plans.Annotate(h.src.Snapshot())
}

// Run broadcasts on every tick until ctx ends, then closes all
// connections.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.TickInterval)
	defer ticker.Stop()

	h.log.Info("broadcast loop started", slog.Duration("interval", h.cfg.TickInterval))

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			h.log.Info("broadcast loop stopped")
			return nil
		case <-ticker.C:
			h.Tick(ctx)
		}
	}
}

// Tick runs one broadcast: expire stale aircraft, take a snapshot, push it
// to every viewer and hand it to the mirror.
func (h *Hub) Tick(ctx context.Context) {
	h.ticks.Add(1)

	if removed := h.src.Sweep(); len(removed) > 0 {
		h.expired.Add(uint64(len(removed)))
		h.log.Debug("expired aircraft", slog.Any("ids", removed))
	}

	states := h.src.Snapshot()
	payload, err := h.encode(states)
	if err != nil {
		h.log.Error("failed to encode snapshot", slog.Any("error", err))
		return
	}

	h.broadcast(payload)
	h.syncMirror(ctx, states)
}

func (h *Hub) encode(states []traffic.AircraftState) ([]byte, error) {
	msg := traffic.SnapshotMessage{Aircraft: h.plans.Annotate(states)}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return b, nil
}

func (h *Hub) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.removeLocked(c, ErrSlowConsumer)
		}
	}
}

func (h *Hub) enqueue(c *Client, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
		h.removeLocked(c, ErrSlowConsumer)
	}
}

func (h *Hub) remove(c *Client, reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c, reason)
}

func (h *Hub) removeLocked(c *Client, reason error) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.stop(reason)

	if reason != nil {
		h.dropped.Add(1)
		h.log.Info("viewer dropped", slog.Any("reason", reason), slog.Int("clients", len(h.clients)))
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
		c.stop(ErrHubClosed)
	}
	h.mu.Unlock()

	for _, c := range clients {
		<-c.Done()
	}
}

func (h *Hub) syncMirror(ctx context.Context, states []traffic.AircraftState) {
	if h.mirror == nil {
		return
	}
	// A slow database skips ticks rather than queueing them.
	if !h.mirrorBusy.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer h.mirrorBusy.Store(false)

		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.MirrorTimeout)
		defer cancel()

		if err := h.mirror.Sync(mctx, states); err != nil {
			h.log.Warn("mirror sync failed", slog.Any("error", err))
		}
	}()
}
