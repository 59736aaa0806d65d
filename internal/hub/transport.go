package hub

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSConn adapts a gorilla WebSocket connection to Conn. Snapshots are sent
// as text frames.
type WSConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
}

// NewWSConn wraps ws. A zero writeTimeout disables write deadlines.
func NewWSConn(ws *websocket.Conn, writeTimeout time.Duration) *WSConn {
	return &WSConn{ws: ws, writeTimeout: writeTimeout}
}

func (c *WSConn) WriteMessage(data []byte) error {
	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal close frame when possible and closes the socket.
func (c *WSConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming unsupported")

// SSEConn adapts an HTTP response to Conn using the text/event-stream
// format: every snapshot becomes one "data:" event.
type SSEConn struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	flusher      http.Flusher
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewSSEConn writes the event-stream headers and returns the adapter. The
// handler that owns w must not return before the hub client is done.
func NewSSEConn(w http.ResponseWriter, writeTimeout time.Duration) (*SSEConn, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEConn{
		w:            w,
		rc:           http.NewResponseController(w),
		flusher:      flusher,
		writeTimeout: writeTimeout,
	}, nil
}

func (c *SSEConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return net.ErrClosed
	}
	if c.writeTimeout > 0 {
		// Not every ResponseWriter supports deadlines; ignore if not.
		_ = c.rc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", data); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close marks the stream closed. The HTTP server ends the response when
// the handler returns.
func (c *SSEConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
