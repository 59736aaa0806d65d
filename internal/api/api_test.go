package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/unklstewy/sim-traffic-hub/internal/hub"
	"github.com/unklstewy/sim-traffic-hub/internal/presence"
	"github.com/unklstewy/sim-traffic-hub/internal/registry"
	"github.com/unklstewy/sim-traffic-hub/pkg/traffic"
)

type testEnv struct {
	reg      *registry.Registry
	hub      *hub.Hub
	presence *presence.Tracker
	server   *Server
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	reg := registry.New(registry.DefaultTTL)
	h := hub.New(reg, hub.Config{TickInterval: time.Hour}, nil)
	pres := presence.New(presence.DefaultTTL)
	return &testEnv{
		reg:      reg,
		hub:      h,
		presence: pres,
		server:   NewServer(reg, h, pres, opts, nil),
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("Response is not JSON: %q", rec.Body.String())
		}
	}
	return rec, out
}

// TestIngest tests the POST /api/aircraft contract.
func TestIngest(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantStored bool
	}{
		{
			name:       "Valid report",
			body:       `{"id":"AA1","lat":47.45,"lon":-122.31,"altMSL":3000,"heading":90,"speed":250}`,
			wantStatus: http.StatusOK,
			wantStored: true,
		},
		{
			name:       "Callsign as identifier with plan array",
			body:       `{"callsign":"AA1","lat":47.45,"lon":-122.31,"flightPlan":[{"ident":"SEA","lat":47.4,"lon":-122.3}],"nextWaypoint":null}`,
			wantStatus: http.StatusOK,
			wantStored: true,
		},
		{
			name:       "Malformed JSON",
			body:       `{"id":"AA1","lat":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Missing identifier",
			body:       `{"lat":47.45,"lon":-122.31}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Missing longitude",
			body:       `{"id":"AA1","lat":47.45}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Latitude out of range",
			body:       `{"id":"AA1","lat":123,"lon":0}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Coordinates as strings",
			body:       `{"id":"AA1","lat":"47.45","lon":"-122.31"}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{})
			rec, out := env.do(t, http.MethodPost, "/api/aircraft", tt.body)

			if rec.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if got := out["success"] == true; got != tt.wantStored {
				t.Errorf("Expected success=%v, got %v", tt.wantStored, out["success"])
			}
			if tt.wantStored {
				if out["aircraftId"] != "AA1" {
					t.Errorf("Expected aircraftId AA1, got %v", out["aircraftId"])
				}
				if _, ok := out["lastSeen"].(string); !ok {
					t.Errorf("Expected lastSeen timestamp, got %v", out["lastSeen"])
				}
			} else if _, ok := out["error"].(string); !ok {
				t.Errorf("Expected error message, got %v", out)
			}
			if stored := env.reg.Len() == 1; stored != tt.wantStored {
				t.Errorf("Expected stored=%v, registry has %d entries", tt.wantStored, env.reg.Len())
			}
		})
	}
}

// TestIngestCORS tests that any origin may push.
func TestIngestCORS(t *testing.T) {
	env := newTestEnv(t, Options{})

	req := httptest.NewRequest(http.MethodOptions, "/api/aircraft", nil)
	req.Header.Set("Origin", "https://sim.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Expected Access-Control-Allow-Origin *, got %q", got)
	}
}

// TestIngestRateLimit tests the optional per-aircraft limit.
func TestIngestRateLimit(t *testing.T) {
	env := newTestEnv(t, Options{IngestRate: 0.001, IngestBurst: 2})
	body := `{"id":"AA1","lat":1,"lon":1}`

	for i := 0; i < 2; i++ {
		if rec, _ := env.do(t, http.MethodPost, "/api/aircraft", body); rec.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec, out := env.do(t, http.MethodPost, "/api/aircraft", `{"id":"AA1","lat":2,"lon":2}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1000" {
		t.Errorf("Expected Retry-After 1000, got %q", got)
	}
	if out["success"] != false {
		t.Errorf("Expected success=false, got %v", out["success"])
	}
	state, _ := env.reg.Get("AA1")
	if state.Latitude != 1 {
		t.Errorf("Expected limited report not to be applied, lat=%v", state.Latitude)
	}

	// Other aircraft have their own bucket.
	if rec, _ := env.do(t, http.MethodPost, "/api/aircraft", `{"id":"BB2","lat":1,"lon":1}`); rec.Code != http.StatusOK {
		t.Errorf("Expected BB2 accepted, got %d", rec.Code)
	}
}

// TestIngestBadFlightPlan tests that an unusable flight plan does not cost
// the producer its position update.
func TestIngestBadFlightPlan(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec, out := env.do(t, http.MethodPost, "/api/aircraft",
		`{"id":"AA1","lat":47.45,"lon":-122.31,"flightPlan":{"ident":"SEA"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %v", rec.Code, out)
	}

	state, ok := env.reg.Get("AA1")
	if !ok {
		t.Fatal("Expected AA1 in registry")
	}
	if state.FlightPlan != "" {
		t.Errorf("Expected flight plan dropped, got %q", state.FlightPlan)
	}
}

type fakeMirror struct{}

func (fakeMirror) Status(ctx context.Context) map[string]interface{} {
	return map[string]interface{}{"healthy": true, "live_aircraft": 3}
}

// TestStatus tests /api/status with and without a mirror.
func TestStatus(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec, out := env.do(t, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if _, ok := out["mirror"]; ok {
		t.Errorf("Expected no mirror section, got %v", out["mirror"])
	}

	env = newTestEnv(t, Options{Mirror: fakeMirror{}})
	_, out = env.do(t, http.MethodGet, "/api/status", "")
	mirror, ok := out["mirror"].(map[string]any)
	if !ok {
		t.Fatalf("Expected mirror section, got %v", out)
	}
	if mirror["healthy"] != true {
		t.Errorf("Expected healthy mirror, got %v", mirror["healthy"])
	}
	if mirror["live_aircraft"] != float64(3) {
		t.Errorf("Expected 3 mirrored aircraft, got %v", mirror["live_aircraft"])
	}
}

// TestRemove tests DELETE /api/aircraft/{id}.
func TestRemove(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.do(t, http.MethodPost, "/api/aircraft", `{"id":"AA1","lat":1,"lon":1}`)

	rec, out := env.do(t, http.MethodDelete, "/api/aircraft/AA1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if out["success"] != true || out["message"] != "aircraft removed" || out["aircraftId"] != "AA1" {
		t.Errorf("Unexpected response: %v", out)
	}

	rec, out = env.do(t, http.MethodDelete, "/api/aircraft/AA1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for unknown id, got %d", rec.Code)
	}
	if out["success"] != true || out["message"] != "aircraft not found" {
		t.Errorf("Unexpected response: %v", out)
	}

	rec, out = env.do(t, http.MethodDelete, "/api/aircraft/%20", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for blank id, got %d", rec.Code)
	}
	if out["success"] != false {
		t.Errorf("Expected success=false, got %v", out["success"])
	}
}

// TestListAircraft tests the plain snapshot endpoint.
func TestListAircraft(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.do(t, http.MethodPost, "/api/aircraft",
		`{"id":"AA1","lat":1.1,"lon":1.1,"flightPlan":"[{\"lat\":0,\"lon\":0},{\"lat\":1,\"lon\":1},{\"lat\":2,\"lon\":2}]"}`)

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/aircraft", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var resp struct {
		Aircraft []traffic.AircraftView `json:"aircraft"`
		Count    int                    `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if resp.Count != 1 || len(resp.Aircraft) != 1 {
		t.Fatalf("Expected 1 aircraft, got %+v", resp)
	}
	if resp.Aircraft[0].ActiveWaypoint != 2 {
		t.Errorf("Expected active waypoint 2, got %d", resp.Aircraft[0].ActiveWaypoint)
	}
}

// TestViewers tests the presence endpoints.
func TestViewers(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec, out := env.do(t, http.MethodGet, "/api/viewers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if out["activeViewers"] != 0.0 || out["hasViewers"] != false || out["lastActivity"] != nil {
		t.Errorf("Unexpected empty presence: %v", out)
	}

	rec, out = env.do(t, http.MethodPost, "/api/viewers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	id, _ := out["viewerId"].(string)
	if id == "" || out["success"] != true || out["activeViewers"] != 1.0 {
		t.Errorf("Unexpected heartbeat response: %v", out)
	}

	_, out = env.do(t, http.MethodPost, "/api/viewers", `{"viewerId":"`+id+`"}`)
	if out["viewerId"] != id || out["activeViewers"] != 1.0 {
		t.Errorf("Expected refresh of %s, got %v", id, out)
	}

	_, out = env.do(t, http.MethodGet, "/api/viewers", "")
	if out["activeViewers"] != 1.0 || out["hasViewers"] != true {
		t.Errorf("Unexpected presence: %v", out)
	}
	if _, ok := out["lastActivity"].(string); !ok {
		t.Errorf("Expected lastActivity timestamp, got %v", out["lastActivity"])
	}

	rec, _ = env.do(t, http.MethodPost, "/api/viewers", `{"viewerId":`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed body, got %d", rec.Code)
	}
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

// TestWebSocketStream tests that a new subscriber gets the snapshot at once
// and further ticks after that.
func TestWebSocketStream(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.do(t, http.MethodPost, "/api/aircraft", `{"id":"AA1","lat":1,"lon":1,"heading":90}`)

	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/api/ws"), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg traffic.SnapshotMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read initial snapshot: %v", err)
	}
	if len(msg.Aircraft) != 1 || msg.Aircraft[0].ID != "AA1" {
		t.Fatalf("Unexpected initial snapshot: %+v", msg)
	}

	env.do(t, http.MethodPost, "/api/aircraft", `{"id":"AA1","lat":1,"lon":1,"heading":180}`)
	env.hub.Tick(context.Background())

	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read tick snapshot: %v", err)
	}
	if msg.Aircraft[0].Heading != 180 {
		t.Errorf("Expected heading 180, got %v", msg.Aircraft[0].Heading)
	}
}

// TestSSEStream tests the event-stream transport.
func TestSSEStream(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.do(t, http.MethodPost, "/api/aircraft", `{"id":"AA1","lat":1,"lon":1}`)

	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/stream")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream, got %q", ct)
	}

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: ")
	if !ok {
		t.Fatalf("Expected data line, got %q", line)
	}
	var msg traffic.SnapshotMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		t.Fatalf("Invalid event JSON: %v", err)
	}
	if len(msg.Aircraft) != 1 {
		t.Errorf("Expected 1 aircraft, got %d", len(msg.Aircraft))
	}
}

// TestIngestWebSocket tests the direct channel with both frame encodings.
func TestIngestWebSocket(t *testing.T) {
	env := newTestEnv(t, Options{})
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/api/ingest/ws"), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"id":"TXT1","lat":1,"lon":1}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	lat, lon := 2.0, 2.0
	bin, err := traffic.EncodeMsgpack(traffic.Report{ID: "BIN1", Lat: &lat, Lon: &lon, Heading: 45})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, bin); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"id":"BAD1","lat":1}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("Expected error frame, got %v", err)
	}
	var ack ingestAck
	if err := json.Unmarshal(frame, &ack); err != nil {
		t.Fatalf("Invalid error frame: %v", err)
	}
	if ack.Success || ack.AircraftID != "BAD1" || ack.Error == "" {
		t.Errorf("Unexpected error frame: %+v", ack)
	}

	// Frames are handled in order, so both good reports are stored by now.
	if _, ok := env.reg.Get("TXT1"); !ok {
		t.Error("Expected TXT1 stored from text frame")
	}
	state, ok := env.reg.Get("BIN1")
	if !ok || state.Heading != 45 {
		t.Errorf("Expected BIN1 stored from binary frame, got %+v ok=%v", state, ok)
	}

	// The channel stays open after a rejected frame.
	if err := ws.WriteMessage(websocket.TextMessage, bytes.Repeat([]byte("x"), 3)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, _, err := ws.ReadMessage(); err != nil {
		t.Errorf("Expected second error frame on open channel, got %v", err)
	}
}
