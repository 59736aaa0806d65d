// Package viewer keeps a viewer attached to the hub's push channel.
//
// The Controller owns one channel at a time and moves through
// Connecting, Connected and Disconnected until it is closed. After a
// failure it schedules exactly one reconnect using the shared backoff
// schedule (1s, 2s, 4s ... capped at 30s) and resets the schedule on the
// next successful connect.
package viewer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/unklstewy/sim-traffic-hub/internal/logger"
	"github.com/unklstewy/sim-traffic-hub/pkg/retry"
	"github.com/unklstewy/sim-traffic-hub/pkg/traffic"
)

// State is the connection state of a Controller.
type State int

const (
	Connecting State = iota
	Connected
	Disconnected
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is published on every state change.
type Status struct {
	State State

	// Attempt counts consecutive failures since the last successful connect
	Attempt int

	// RetryIn and RetryAt describe the pending reconnect while Disconnected
	RetryIn time.Duration
	RetryAt time.Time

	// Err is the failure that caused the current Disconnected state
	Err error
}

// Countdown renders the status for display, counting down to RetryAt.
func (s Status) Countdown(now time.Time) string {
	switch s.State {
	case Connecting:
		if s.Attempt > 0 {
			return fmt.Sprintf("Connecting (attempt %d)...", s.Attempt+1)
		}
		return "Connecting..."
	case Connected:
		return "Connected"
	case Disconnected:
		left := s.RetryAt.Sub(now)
		if left < 0 {
			left = 0
		}
		secs := int((left + time.Second - 1) / time.Second)
		return fmt.Sprintf("Disconnected, reconnecting in %ds", secs)
	default:
		return "Closed"
	}
}

func (s Status) String() string {
	return s.Countdown(s.RetryAt.Add(-s.RetryIn))
}

// Stream is one open push channel. Next blocks until the next message.
type Stream interface {
	Next() ([]byte, error)
	Close() error
}

// Dialer opens a Stream. The context stays live for as long as the stream
// may be used and is cancelled when the controller closes.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// Timer is the subset of *time.Timer the controller needs.
type Timer interface {
	Stop() bool
}

// Beater sends one presence heartbeat and returns the server's viewer count.
type Beater interface {
	Beat(ctx context.Context) (int, error)
}

// Options configures a Controller. Zero values fall back to defaults.
type Options struct {
	Retry retry.RetryConfig

	// OnStatus receives every state change
	OnStatus func(Status)

	// OnSnapshot receives each decoded snapshot
	OnSnapshot func(traffic.SnapshotMessage)

	// Presence, when set, is called every HeartbeatInterval while running
	Presence          Beater
	HeartbeatInterval time.Duration

	// AfterFunc and Now are injectable for tests
	AfterFunc func(d time.Duration, f func()) Timer
	Now       func() time.Time

	Logger *logger.Logger
}

// Controller maintains the viewer's push channel.
type Controller struct {
	dialer Dialer
	opts   Options
	log    *logger.Logger

	mu      sync.Mutex
	state   State
	attempt int
	lastErr error
	stream  Stream
	timer   Timer
	retryAt time.Time
	retryIn time.Duration
	closed  bool
	started bool
	viewers int

	ctx    context.Context
	cancel context.CancelFunc
}

// NewController creates a controller for d. Call Start to connect.
func NewController(d Dialer, opts Options) *Controller {
	if opts.Retry.InitialDelay == 0 {
		opts.Retry = retry.DefaultRetryConfig()
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		dialer: d,
		opts:   opts,
		log:    opts.Logger,
		state:  Connecting,
	}
}

// Start opens the channel in the background. The controller closes itself
// when ctx ends. Calling Start twice has no effect.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	go func() {
		<-c.ctx.Done()
		c.Close()
	}()

	if c.opts.Presence != nil && c.opts.HeartbeatInterval > 0 {
		go c.heartbeatLoop(c.ctx)
	}

	go c.connect()
}

// Status returns the current status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Viewers returns the active viewer count from the last heartbeat.
func (c *Controller) Viewers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewers
}

// Close stops any pending reconnect and closes the open channel. No retry
// fires afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = Closed
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	stream := c.stream
	c.stream = nil
	cancel := c.cancel
	st := c.statusLocked()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		stream.Close()
	}
	c.publish(st)
}

func (c *Controller) connect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.state = Connecting
	ctx := c.ctx
	st := c.statusLocked()
	c.mu.Unlock()
	c.publish(st)

	stream, err := c.dialer.Dial(ctx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if stream != nil {
			stream.Close()
		}
		return
	}
	if err != nil {
		st = c.scheduleRetryLocked(err)
		c.mu.Unlock()
		c.log.Warn("viewer connect failed",
			slog.Int("attempt", st.Attempt),
			slog.Duration("retry_in", st.RetryIn),
			slog.Any("error", err))
		c.publish(st)
		return
	}

	c.stream = stream
	c.state = Connected
	c.attempt = 0
	c.lastErr = nil
	st = c.statusLocked()
	c.mu.Unlock()

	c.log.Info("viewer connected")
	c.publish(st)
	go c.readLoop(stream)
}

func (c *Controller) readLoop(stream Stream) {
	for {
		data, err := stream.Next()
		if err != nil {
			c.dropped(stream, err)
			return
		}

		var msg traffic.SnapshotMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("ignoring malformed snapshot", slog.Any("error", err))
			continue
		}
		if c.opts.OnSnapshot != nil {
			c.opts.OnSnapshot(msg)
		}
	}
}

// dropped handles a read failure on stream. Failures of a stream that is
// no longer current are ignored.
func (c *Controller) dropped(stream Stream, err error) {
	c.mu.Lock()
	if c.closed || c.stream != stream {
		c.mu.Unlock()
		return
	}
	c.stream = nil
	st := c.scheduleRetryLocked(err)
	c.mu.Unlock()

	stream.Close()
	c.log.Warn("viewer channel lost",
		slog.Duration("retry_in", st.RetryIn),
		slog.Any("error", err))
	c.publish(st)
}

// scheduleRetryLocked replaces any pending timer with one reconnect.
func (c *Controller) scheduleRetryLocked(err error) Status {
	if c.timer != nil {
		c.timer.Stop()
	}
	delay := c.opts.Retry.Delay(c.attempt)
	c.attempt++
	c.lastErr = err
	c.state = Disconnected
	c.retryIn = delay
	c.retryAt = c.opts.Now().Add(delay)
	c.timer = c.opts.AfterFunc(delay, c.connect)
	return c.statusLocked()
}

func (c *Controller) statusLocked() Status {
	st := Status{
		State:   c.state,
		Attempt: c.attempt,
		Err:     c.lastErr,
	}
	if c.state == Disconnected {
		st.RetryIn = c.retryIn
		st.RetryAt = c.retryAt
	}
	return st
}

func (c *Controller) publish(st Status) {
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(st)
	}
}

func (c *Controller) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	c.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.beat(ctx)
		}
	}
}

func (c *Controller) beat(ctx context.Context) {
	n, err := c.opts.Presence.Beat(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Debug("presence heartbeat failed", slog.Any("error", err))
		}
		return
	}
	c.mu.Lock()
	c.viewers = n
	c.mu.Unlock()
}
