// Package reporter samples local flight state on a fixed interval and
// pushes it to the hub.
//
// Pushes are fire-and-forget: a failed POST is logged (throttled) and
// counted, never retried, since the next sample supersedes it. A 429 or
// 503 carrying Retry-After pauses HTTP pushes for that long. When the
// direct WebSocket channel is open the same report is also written there
// as a msgpack frame.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/unklstewy/sim-traffic-hub/internal/logger"
	"github.com/unklstewy/sim-traffic-hub/pkg/coordinates"
	"github.com/unklstewy/sim-traffic-hub/pkg/retry"
	"github.com/unklstewy/sim-traffic-hub/pkg/traffic"
)

// ErrHeldOff is recorded for reports skipped while the hub has asked
// producers to back off.
var ErrHeldOff = errors.New("hub asked to back off")

// DirectSender is the low-latency side channel. *DirectChannel
// implements it.
type DirectSender interface {
	Open() bool
	Send(report traffic.Report) error
}

const (
	// DefaultInterval is the sampling period.
	DefaultInterval = 5 * time.Second

	// DefaultRequestTimeout bounds each HTTP push.
	DefaultRequestTimeout = 4 * time.Second

	// takeoffLayout matches JavaScript's Date.toISOString.
	takeoffLayout = "2006-01-02T15:04:05.000Z"
)

// Metadata is the flight information attached to every report.
type Metadata struct {
	FlightNo  string
	Departure string
	Arrival   string
	Squawk    string
}

// Options configures a Reporter.
type Options struct {
	// Enabled gates every tick; a disabled reporter samples nothing
	Enabled bool

	// ServerURL is the hub base URL, reports go to ServerURL/api/aircraft
	ServerURL string

	Interval       time.Duration
	RequestTimeout time.Duration

	Metadata Metadata

	// Direct, when set, receives a copy of each report while open
	Direct DirectSender

	// Now is injectable for tests
	Now func() time.Time

	Logger *logger.Logger
}

// Reporter composes reports from a Source and pushes them to the hub.
type Reporter struct {
	src        Source
	opts       Options
	endpoint   string
	httpClient *http.Client
	log        *logger.Logger

	// takeoff detection state, only touched by Tick
	mu          sync.Mutex
	seenSample  bool
	wasOnGround bool
	takeoffTime string

	enabled   atomic.Bool
	sent      atomic.Int64
	dropped   atomic.Int64
	holdUntil atomic.Int64 // unix nanos, 0 when not held
	pending   sync.WaitGroup

	dropLog rate.Sometimes
}

// New creates a reporter reading from src.
func New(src Source, opts Options) *Reporter {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Reporter{
		src:      src,
		opts:     opts,
		endpoint: strings.TrimRight(opts.ServerURL, "/") + "/api/aircraft",
		httpClient: &http.Client{
			Timeout: opts.RequestTimeout,
		},
		log:     opts.Logger,
		dropLog: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	r.enabled.Store(opts.Enabled)
	return r
}

// SetEnabled turns reporting on or off without stopping Run.
func (r *Reporter) SetEnabled(on bool) {
	r.enabled.Store(on)
}

// Run samples every Interval until ctx ends, then waits for in-flight
// pushes to finish.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	defer r.pending.Wait()

	r.log.Info("reporter started",
		slog.String("endpoint", r.endpoint),
		slog.Duration("interval", r.opts.Interval))

	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reporter stopped",
				slog.Int64("sent", r.sent.Load()),
				slog.Int64("dropped", r.dropped.Load()))
			return nil
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick takes one sample and pushes it. It reports false when the tick was
// a no-op: reporting disabled, no live vehicle or a failed sample.
func (r *Reporter) Tick(ctx context.Context) (traffic.Report, bool) {
	if !r.enabled.Load() {
		return traffic.Report{}, false
	}

	sample, err := r.src.Sample(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotConnected) {
			r.log.Debug("sample failed", slog.Any("error", err))
		}
		return traffic.Report{}, false
	}

	report := r.Compose(sample, r.opts.Now())
	r.push(ctx, report)
	return report, true
}

// Compose turns a sample into a report, updating takeoff detection.
func (r *Reporter) Compose(s Sample, now time.Time) traffic.Report {
	r.mu.Lock()
	if r.seenSample && r.wasOnGround && !s.OnGround {
		r.takeoffTime = now.UTC().Format(takeoffLayout)
	}
	r.seenSample = true
	r.wasOnGround = s.OnGround
	takeoff := r.takeoffTime
	r.mu.Unlock()

	lat, lon := s.Latitude, s.Longitude
	report := traffic.Report{
		ID:           s.Callsign,
		Callsign:     s.Callsign,
		Lat:          &lat,
		Lon:          &lon,
		Alt:          AltitudeAGL(s.AltitudeMSL, s.GroundElevation, s.VehicleOffset),
		Heading:      s.Heading,
		Speed:        s.Speed,
		VSpeed:       s.VerticalSpeed,
		FlightNo:     r.opts.Metadata.FlightNo,
		Departure:    r.opts.Metadata.Departure,
		Arrival:      r.opts.Metadata.Arrival,
		Squawk:       r.opts.Metadata.Squawk,
		TakeoffTime:  takeoff,
		NextWaypoint: s.NextWaypoint,
	}
	if s.AltitudeMSL != nil {
		report.AltMSL = *s.AltitudeMSL
	}
	if len(s.FlightPlan) > 0 {
		if b, err := json.Marshal(s.FlightPlan); err == nil {
			report.FlightPlan = traffic.FlightPlan(b)
		}
	}
	return report
}

// AltitudeAGL returns altMSL minus ground elevation minus the vehicle's
// vertical offset (meters, converted to feet). It returns nil when any
// input is missing.
func AltitudeAGL(altMSL, groundElevation, vehicleOffsetM *float64) *float64 {
	if altMSL == nil || groundElevation == nil || vehicleOffsetM == nil {
		return nil
	}
	agl := *altMSL - *groundElevation - *vehicleOffsetM*coordinates.MetersToFeet
	return &agl
}

// TakeoffTime returns the recorded takeoff timestamp, empty before the
// first ground to air transition.
func (r *Reporter) TakeoffTime() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.takeoffTime
}

// Sent returns the number of accepted HTTP pushes.
func (r *Reporter) Sent() int64 {
	return r.sent.Load()
}

// Dropped returns the number of failed or skipped pushes, counted per
// channel.
func (r *Reporter) Dropped() int64 {
	return r.dropped.Load()
}

// Wait blocks until in-flight pushes finish.
func (r *Reporter) Wait() {
	r.pending.Wait()
}

func (r *Reporter) push(ctx context.Context, report traffic.Report) {
	if d := r.opts.Direct; d != nil && d.Open() {
		r.pending.Add(1)
		go func() {
			defer r.pending.Done()
			if err := d.Send(report); err != nil {
				r.drop(fmt.Errorf("direct channel: %w", err))
			}
		}()
	}

	if until := r.holdUntil.Load(); until != 0 && r.opts.Now().UnixNano() < until {
		r.drop(ErrHeldOff)
		return
	}

	body, err := json.Marshal(report)
	if err != nil {
		r.drop(err)
		return
	}

	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		if err := r.post(ctx, body); err != nil {
			var rae *retry.RetryAfterError
			if errors.As(err, &rae) {
				r.holdUntil.Store(r.opts.Now().Add(rae.After).UnixNano())
			}
			r.drop(err)
			return
		}
		r.sent.Add(1)
	}()
}

func (r *Reporter) post(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return retry.FromResponse(resp, fmt.Errorf("hub returned status %d", resp.StatusCode))
	}
	return nil
}

func (r *Reporter) drop(err error) {
	n := r.dropped.Add(1)
	r.dropLog.Do(func() {
		r.log.Warn("report dropped", slog.Int64("dropped_total", n), slog.Any("error", err))
	})
}
