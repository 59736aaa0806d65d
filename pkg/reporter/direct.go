package reporter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/unklstewy/sim-traffic-hub/internal/logger"
	"github.com/unklstewy/sim-traffic-hub/pkg/retry"
	"github.com/unklstewy/sim-traffic-hub/pkg/traffic"
)

// ErrChannelClosed is returned by Send while the direct channel is down.
var ErrChannelClosed = errors.New("direct channel closed")

// DirectChannel is the low-latency WebSocket path to /ingest/ws. Reports
// are written as msgpack binary frames. Run keeps it connected, redialing
// with backoff whenever it drops.
type DirectChannel struct {
	url          string
	retry        retry.RetryConfig
	writeTimeout time.Duration
	log          *logger.Logger

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn
}

// NewDirectChannel creates a channel for the hub at serverURL.
func NewDirectChannel(serverURL string, rc retry.RetryConfig, lg *logger.Logger) (*DirectChannel, error) {
	endpoint, err := ingestURL(serverURL)
	if err != nil {
		return nil, err
	}
	return &DirectChannel{
		url:          endpoint,
		retry:        rc,
		writeTimeout: 5 * time.Second,
		log:          lg,
	}, nil
}

func ingestURL(serverURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", serverURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server url %q: missing host", serverURL)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/api/ingest/ws"
	return u.String(), nil
}

// Run dials and holds the channel until ctx ends.
func (d *DirectChannel) Run(ctx context.Context) error {
	rc := d.retry
	rc.OnRetry = func(attempt int, delay time.Duration, err error) {
		d.log.Debug("direct channel dial failed",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
			slog.Any("error", err))
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}

	for {
		conn, err := retry.RetryWithBackoffResult(ctx, rc, func() (*websocket.Conn, error) {
			conn, resp, err := dialer.DialContext(ctx, d.url, nil)
			// A throttled handshake tells us how long to stay away.
			return conn, retry.FromResponse(resp, err)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("direct channel: %w", err)
		}

		d.log.Info("direct channel open", slog.String("url", d.url))
		d.setConn(conn)
		d.readLoop(ctx, conn)
		d.clearConn(conn)

		if ctx.Err() != nil {
			return nil
		}
		d.log.Info("direct channel lost, redialing")
	}
}

// readLoop consumes error frames until the connection fails or ctx ends.
func (d *DirectChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ack struct {
			Success    bool   `json:"success"`
			AircraftID string `json:"aircraftId"`
			Error      string `json:"error"`
		}
		if json.Unmarshal(data, &ack) == nil && !ack.Success {
			d.log.Warn("hub rejected direct report",
				slog.String("aircraft", ack.AircraftID),
				slog.String("error", ack.Error))
		}
	}
}

func (d *DirectChannel) setConn(conn *websocket.Conn) {
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
}

func (d *DirectChannel) clearConn(conn *websocket.Conn) {
	d.mu.Lock()
	if d.conn == conn {
		d.conn = nil
	}
	d.mu.Unlock()
	conn.Close()
}

// Open reports whether the channel is currently connected.
func (d *DirectChannel) Open() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil
}

// Send writes report as one binary frame. A write failure closes the
// connection so Run redials.
func (d *DirectChannel) Send(report traffic.Report) error {
	data, err := traffic.EncodeMsgpack(report)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return ErrChannelClosed
	}

	d.conn.SetWriteDeadline(time.Now().Add(d.writeTimeout))
	if err := d.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		d.conn.Close()
		return fmt.Errorf("direct write: %w", err)
	}
	return nil
}
