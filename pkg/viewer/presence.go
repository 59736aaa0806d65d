package viewer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Heartbeater posts presence heartbeats to /api/viewers. The first
// response assigns the viewer id, which is reused on later beats.
type Heartbeater struct {
	endpoint   string
	httpClient *http.Client

	mu       sync.Mutex
	viewerID string
}

// NewHeartbeater creates a heartbeater for the hub at serverURL.
func NewHeartbeater(serverURL string, timeout time.Duration) *Heartbeater {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Heartbeater{
		endpoint: strings.TrimRight(serverURL, "/") + "/api/viewers",
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type heartbeatRequest struct {
	ViewerID string `json:"viewerId,omitempty"`
}

type heartbeatResponse struct {
	Success       bool   `json:"success"`
	ViewerID      string `json:"viewerId"`
	ActiveViewers int    `json:"activeViewers"`
}

// Beat sends one heartbeat and returns the active viewer count.
func (h *Heartbeater) Beat(ctx context.Context) (int, error) {
	body, err := json.Marshal(heartbeatRequest{ViewerID: h.ViewerID()})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("heartbeat failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("heartbeat returned status %d", resp.StatusCode)
	}

	var out heartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to parse heartbeat response: %w", err)
	}

	if out.ViewerID != "" {
		h.mu.Lock()
		h.viewerID = out.ViewerID
		h.mu.Unlock()
	}
	return out.ActiveViewers, nil
}

// ViewerID returns the id assigned by the server, empty before the first beat.
func (h *Heartbeater) ViewerID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.viewerID
}
