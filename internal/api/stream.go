package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/unklstewy/sim-traffic-hub/internal/hub"
	"github.com/unklstewy/sim-traffic-hub/pkg/traffic"
)

// handleWebSocket subscribes a viewer to the snapshot stream over a
// WebSocket. Anything the viewer sends is ignored; the read loop only
// exists to notice when the viewer goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.log.Debug("websocket upgrade failed", slog.Any("error", err))
		return
	}
	ws.SetReadLimit(4096)
	// The server's ReadTimeout still applies to the hijacked connection.
	ws.SetReadDeadline(time.Time{})

	client := s.hub.Register(hub.NewWSConn(ws, s.opts.StreamWriteTimeout))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	s.hub.Unregister(client)
	<-client.Done()
}

// handleSSE subscribes a viewer using Server-Sent Events.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	conn, err := hub.NewSSEConn(w, s.opts.StreamWriteTimeout)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	client := s.hub.Register(conn)
	select {
	case <-r.Context().Done():
		s.hub.Unregister(client)
	case <-client.Done():
	}
	// The hub may still be writing until the client is done.
	<-client.Done()
}

// ingestAck is written back on the direct channel only when a frame is
// rejected.
type ingestAck struct {
	Success    bool   `json:"success"`
	AircraftID string `json:"aircraftId,omitempty"`
	Error      string `json:"error,omitempty"`
}

// handleIngestWebSocket is the reporter's low-latency channel. Text frames
// carry JSON reports and binary frames msgpack reports. A bad frame gets an
// error reply and the channel stays open.
func (s *Server) handleIngestWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer ws.Close()
	ws.SetReadLimit(maxReportBytes)
	ws.SetReadDeadline(time.Time{})

	lg := s.log.With(slog.String("remote", r.RemoteAddr))
	lg.Info("direct channel opened")

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				lg.Warn("direct channel closed", slog.Any("error", err))
			} else {
				lg.Info("direct channel closed")
			}
			return
		}

		var report traffic.Report
		switch kind {
		case websocket.TextMessage:
			report, err = traffic.DecodeJSON(data)
		case websocket.BinaryMessage:
			report, err = traffic.DecodeMsgpack(data)
		default:
			continue
		}
		if err == nil {
			_, err = s.ingest(report)
		}
		if err == nil {
			continue
		}

		lg.Debug("rejected direct report", slog.Any("error", err))
		ack := ingestAck{Success: false, AircraftID: report.Identifier(), Error: err.Error()}
		ws.SetWriteDeadline(time.Now().Add(s.opts.StreamWriteTimeout))
		if err := ws.WriteJSON(ack); err != nil {
			lg.Warn("failed to write error frame", slog.Any("error", err))
			return
		}
	}
}
