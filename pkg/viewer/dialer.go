package viewer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Transports understood by NewDialer.
const (
	TransportWebSocket = "ws"
	TransportSSE       = "sse"
)

// ErrUnknownTransport is returned for a transport other than "ws" or "sse".
var ErrUnknownTransport = errors.New("unknown transport")

// StreamURL derives the push endpoint from the hub base URL.
//
//	http://host:8080  + ws  -> ws://host:8080/api/ws
//	https://host      + sse -> https://host/api/stream
func StreamURL(serverURL, transport string) (string, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", serverURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server url %q: missing host", serverURL)
	}

	switch transport {
	case TransportWebSocket, "":
		switch u.Scheme {
		case "https", "wss":
			u.Scheme = "wss"
		default:
			u.Scheme = "ws"
		}
		u.Path += "/api/ws"
	case TransportSSE:
		switch u.Scheme {
		case "https", "wss":
			u.Scheme = "https"
		default:
			u.Scheme = "http"
		}
		u.Path += "/api/stream"
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTransport, transport)
	}
	return u.String(), nil
}

// NewDialer returns the dialer for transport against serverURL.
func NewDialer(serverURL, transport string) (Dialer, error) {
	endpoint, err := StreamURL(serverURL, transport)
	if err != nil {
		return nil, err
	}
	if transport == TransportSSE {
		return &SSEDialer{URL: endpoint}, nil
	}
	return &WSDialer{URL: endpoint}, nil
}

// WSDialer opens the hub's WebSocket stream.
type WSDialer struct {
	URL string

	// HandshakeTimeout defaults to 10 seconds
	HandshakeTimeout time.Duration
}

func (d *WSDialer) Dial(ctx context.Context) (Stream, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %s: %w", d.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", d.URL, err)
	}
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Next() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}

// SSEDialer opens the hub's Server-Sent Events stream.
type SSEDialer struct {
	URL string

	// Client defaults to an http.Client without a timeout, since the
	// response body stays open for the life of the stream
	Client *http.Client
}

func (d *SSEDialer) Dial(ctx context.Context) (Stream, error) {
	client := d.Client
	if client == nil {
		client = &http.Client{}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sse dial %s: %w", d.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("sse dial %s: status %d", d.URL, resp.StatusCode)
	}
	return &sseStream{body: resp.Body, r: bufio.NewReader(resp.Body)}, nil
}

type sseStream struct {
	body io.ReadCloser
	r    *bufio.Reader
}

// Next returns the data of the next event. Multi-line data fields are
// joined with newlines; comments and other fields are ignored.
func (s *sseStream) Next() ([]byte, error) {
	var data [][]byte
	for {
		line, err := s.r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")

		if len(line) == 0 {
			if len(data) > 0 {
				return bytes.Join(data, []byte("\n")), nil
			}
			continue
		}
		if value, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			data = append(data, bytes.TrimPrefix(value, []byte(" ")))
		}
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
