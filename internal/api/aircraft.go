package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/unklstewy/sim-traffic-hub/pkg/traffic"
)

// ErrRateLimited is returned when a producer reports faster than allowed.
var ErrRateLimited = errors.New("report rate exceeded")

type ingestResponse struct {
	Success    bool      `json:"success"`
	AircraftID string    `json:"aircraftId"`
	LastSeen   time.Time `json:"lastSeen"`
}

type removeResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	AircraftID string `json:"aircraftId"`
}

type listResponse struct {
	Aircraft []traffic.AircraftView `json:"aircraft"`
	Count    int                    `json:"count"`
}

// ingest is the single path every report takes into the registry,
// whichever transport delivered it.
func (s *Server) ingest(report traffic.Report) (traffic.AircraftState, error) {
	if err := report.Validate(); err != nil {
		return traffic.AircraftState{}, err
	}
	if !s.limiter.Allow(report.Identifier()) {
		return traffic.AircraftState{}, ErrRateLimited
	}
	if report.PlanDiscarded {
		s.log.Debug("ignored unparseable flight plan", slog.String("id", report.Identifier()))
	}
	return s.registry.Upsert(report)
}

// handleIngest accepts one JSON position report.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReportBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	report, err := traffic.DecodeJSON(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	state, err := s.ingest(report)
	switch {
	case err == nil:
	case errors.Is(err, ErrRateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(int(s.limiter.retryAfter().Seconds())))
		respondError(w, http.StatusTooManyRequests, err.Error())
		return
	case traffic.IsValidationError(err):
		s.log.Debug("rejected report", slog.Any("error", err), slog.String("remote", r.RemoteAddr))
		respondError(w, http.StatusBadRequest, err.Error())
		return
	default:
		s.log.Error("failed to store report", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "failed to store report")
		return
	}

	respondJSON(w, http.StatusOK, ingestResponse{
		Success:    true,
		AircraftID: state.ID,
		LastSeen:   state.LastSeen,
	})
}

// handleRemove deletes one aircraft. Removing an unknown id succeeds.
func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "aircraft id is required")
		return
	}

	resp := removeResponse{Success: true, Message: "aircraft not found", AircraftID: id}
	if s.registry.Remove(id) {
		resp.Message = "aircraft removed"
		s.log.Info("aircraft removed", slog.String("id", id))
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleListAircraft returns the current snapshot without a stream.
func (s *Server) handleListAircraft(w http.ResponseWriter, r *http.Request) {
	views := s.hub.Views()
	respondJSON(w, http.StatusOK, listResponse{Aircraft: views, Count: len(views)})
}
