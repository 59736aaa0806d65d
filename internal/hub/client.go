package hub

import (
	"log/slog"
	"sync"
)

// Client is a registered connection together with its send queue.
type Client struct {
	conn Conn
	send chan []byte

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	reason   error
}

func newClient(conn Conn, buffer int) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, buffer),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Done is closed after the write pump has exited and the connection has
// been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the hub dropped the client, nil if it was unregistered
// normally or is still active.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.reason
	default:
		return nil
	}
}

// stop must be called with the hub lock held, or on a client the hub never
// saw.
func (c *Client) stop(reason error) {
	c.stopOnce.Do(func() {
		c.reason = reason
		close(c.quit)
	})
}

func (c *Client) writePump(h *Hub) {
	defer close(c.done)
	defer func() {
		if err := c.conn.Close(); err != nil {
			h.log.Debug("close failed", slog.Any("error", err))
		}
	}()

	for {
		select {
		case <-c.quit:
			return
		case msg := <-c.send:
			// quit wins over pending messages once the client is removed
			select {
			case <-c.quit:
				return
			default:
			}
			if err := c.conn.WriteMessage(msg); err != nil {
				h.remove(c, err)
				return
			}
		}
	}
}
