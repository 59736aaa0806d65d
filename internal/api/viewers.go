package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

type viewersResponse struct {
	ActiveViewers int        `json:"activeViewers"`
	HasViewers    bool       `json:"hasViewers"`
	LastActivity  *time.Time `json:"lastActivity"`
}

type heartbeatRequest struct {
	ViewerID string `json:"viewerId"`
}

type heartbeatResponse struct {
	Success       bool   `json:"success"`
	ViewerID      string `json:"viewerId"`
	ActiveViewers int    `json:"activeViewers"`
}

// handleGetViewers answers "is anyone watching".
func (s *Server) handleGetViewers(w http.ResponseWriter, r *http.Request) {
	n := s.presence.Count()
	resp := viewersResponse{ActiveViewers: n, HasViewers: n > 0}
	if last, ok := s.presence.LastActivity(); ok {
		resp.LastActivity = &last
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleHeartbeat refreshes (or creates) a viewer session. The body is
// optional; without a viewerId a new session id is issued.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, n := s.presence.Heartbeat(req.ViewerID)
	respondJSON(w, http.StatusOK, heartbeatResponse{
		Success:       true,
		ViewerID:      id,
		ActiveViewers: n,
	})
}
