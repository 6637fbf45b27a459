package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"smartgrid-relay/src/fanout"
	"smartgrid-relay/src/helpers"
	"smartgrid-relay/src/interfaces"
	"smartgrid-relay/src/logger"
	"smartgrid-relay/src/models"
	"smartgrid-relay/src/pipeline"

	"github.com/gorilla/websocket"
)

// -----------------------------------------------------------------------------
// Fixtures
// -----------------------------------------------------------------------------

// modeStore records mode writes; every other IFeedStore call is unused here.
type modeStore struct {
	mu       sync.Mutex
	modes    []string
	writeErr error
}

func (s *modeStore) Initialize(context.Context) error { return nil }
func (s *modeStore) Subscribe(context.Context, models.SourceName) (interfaces.ISubscription, error) {
	return nil, errors.New("not supported")
}
func (s *modeStore) QueryLatestRecord(context.Context, models.SourceName) (map[string]interface{}, error) {
	return nil, nil
}
func (s *modeStore) Close() error { return nil }

func (s *modeStore) WriteMode(_ context.Context, mode string) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.mu.Lock()
	s.modes = append(s.modes, mode)
	s.mu.Unlock()
	return nil
}

func (s *modeStore) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.modes...)
}

type fixedStatus []models.MSource

func (f fixedStatus) States() []models.MSource { return f }

type fixture struct {
	server *APIServer
	pipe   *pipeline.Pipeline
	hub    *fanout.Hub
	store  *modeStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &models.MConfig{
		Host:     "127.0.0.1",
		Port:     3000,
		LogLevel: "ERROR",
		Pipeline: models.MPipelineConfig{
			Sources: []models.MSourceConfig{
				{Name: "combined_ticks"},
				{Name: "device_message"},
				{Name: "mode_change"},
			},
			AllowedModes: []string{"mppt", "normal"},
			ViewerBuffer: 16,
		},
	}
	log := logger.NewLoggerTo(io.Discard, cfg, "ServerTest")
	errs := helpers.NewErrorHandler(log)

	var pipe *pipeline.Pipeline
	hub := fanout.NewHub(func() []models.Envelope { return pipe.Cache.Snapshot() }, errs, log)
	pipe = pipeline.NewPipeline(hub, nil, errs, log)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	store := &modeStore{}
	status := fixedStatus{{Name: models.SourceCombinedTicks, State: models.WatcherWatching, Active: true}}
	srv := NewAPIServer(cfg, hub, pipe.Cache, pipe, status, NewModeCommander(store, cfg.Pipeline.AllowedModes, log), log)
	return &fixture{server: srv, pipe: pipe, hub: hub, store: store}
}

func (f *fixture) insert(t *testing.T, source models.SourceName, doc map[string]interface{}) {
	t.Helper()
	_, err := f.pipe.Process(context.Background(), models.RawEvent{
		Source:        source,
		OperationKind: models.OperationInsert,
		Document:      doc,
		ReceivedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("Process(%s): %v", source, err)
	}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

// -----------------------------------------------------------------------------
// Latest state
// -----------------------------------------------------------------------------

func TestLatestLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/latest/combined_ticks", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("before any event: status %d, want 404", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "no data" {
		t.Errorf("error = %v, want no data", body["error"])
	}

	f.insert(t, models.SourceCombinedTicks, map[string]interface{}{
		"tick": 5, "sun": map[string]interface{}{"sun": 40},
	})
	f.insert(t, models.SourceCombinedTicks, map[string]interface{}{
		"tick": 5, "sun": map[string]interface{}{"sun": 99},
	})

	for _, path := range []string{"/api/latest/combined_ticks", "/latest"} {
		rec = f.do(http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d, want 200", path, rec.Code)
		}
		body := decodeBody(t, rec)
		if body["tick"] != float64(5) || body["sun"] != float64(40) {
			t.Errorf("%s: body = %v, want tick 5 sun 40", path, body)
		}
	}
}

func TestLatestUnknownSource(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/api/latest/weather", "/api/latest/combined_ticks/pico-1"} {
		if rec := f.do(http.MethodGet, path, ""); rec.Code != http.StatusNotFound {
			t.Errorf("%s: status %d, want 404", path, rec.Code)
		}
	}
}

func TestLatestPerDevice(t *testing.T) {
	f := newFixture(t)
	f.insert(t, models.SourceDeviceMessage, map[string]interface{}{"tick": 1, "picoName": "pico-a", "power": 2.5})
	f.insert(t, models.SourceDeviceMessage, map[string]interface{}{"tick": 1, "picoName": "pico-b", "Vin": 3.3})

	rec := f.do(http.MethodGet, "/api/latest/device_message/pico-a", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("pico-a: status %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["power"] != 2.5 || body["Vin"] != models.UnknownReading {
		t.Errorf("pico-a body = %v", body)
	}

	rec = f.do(http.MethodGet, "/api/latest/device_message", "")
	if body := decodeBody(t, rec); body["picoName"] != "pico-b" {
		t.Errorf("source-level latest = %v, want pico-b", body["picoName"])
	}

	if rec := f.do(http.MethodGet, "/api/latest/device_message/pico-z", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown device: status %d, want 404", rec.Code)
	}
}

// -----------------------------------------------------------------------------
// Mode commands
// -----------------------------------------------------------------------------

func TestSetMode(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		writeErr error
		want     int
		written  []string
	}{
		{name: "allowed", path: "/api/set-mode", body: `{"mode":"mppt"}`, want: http.StatusAccepted, written: []string{"mppt"}},
		{name: "legacy route", path: "/set-mode", body: `{"mode":"normal"}`, want: http.StatusAccepted, written: []string{"normal"}},
		{name: "not allowed", path: "/api/set-mode", body: `{"mode":"turbo"}`, want: http.StatusBadRequest},
		{name: "empty mode", path: "/api/set-mode", body: `{"mode":""}`, want: http.StatusBadRequest},
		{name: "bad body", path: "/api/set-mode", body: `{"mode":`, want: http.StatusBadRequest},
		{name: "store failure", path: "/api/set-mode", body: `{"mode":"mppt"}`, writeErr: errors.New("disk full"), want: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.store.writeErr = tt.writeErr
			rec := f.do(http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
			got := f.store.written()
			if len(got) != len(tt.written) {
				t.Fatalf("written = %v, want %v", got, tt.written)
			}
			for i := range got {
				if got[i] != tt.written[i] {
					t.Errorf("written[%d] = %s, want %s", i, got[i], tt.written[i])
				}
			}
		})
	}
}

// -----------------------------------------------------------------------------
// Status endpoints
// -----------------------------------------------------------------------------

func TestMetricsAndHealth(t *testing.T) {
	f := newFixture(t)
	f.insert(t, models.SourceCombinedTicks, map[string]interface{}{"tick": 5})
	f.insert(t, models.SourceCombinedTicks, map[string]interface{}{"tick": 5})
	f.insert(t, models.SourceCombinedTicks, map[string]interface{}{"tick": 6})

	metrics := decodeBody(t, f.do(http.MethodGet, "/api/metrics", ""))
	if metrics["accepted"] != float64(2) || metrics["suppressed"] != float64(1) {
		t.Errorf("metrics = %v", metrics)
	}

	health := decodeBody(t, f.do(http.MethodGet, "/api/health", ""))
	if health["status"] != "ok" {
		t.Errorf("health status = %v", health["status"])
	}
	if ts, _ := health["latest_update"].(float64); ts <= 0 {
		t.Errorf("latest_update = %v, want > 0", health["latest_update"])
	}
	if sources, _ := health["sources"].([]interface{}); len(sources) != 1 {
		t.Errorf("sources = %v", health["sources"])
	}

	cfg := decodeBody(t, f.do(http.MethodGet, "/api/config", ""))
	if modes, _ := cfg["allowed_modes"].([]interface{}); len(modes) != 2 {
		t.Errorf("allowed_modes = %v", cfg["allowed_modes"])
	}
}

// -----------------------------------------------------------------------------
// WebSocket
// -----------------------------------------------------------------------------

func TestWebSocketSnapshotThenLive(t *testing.T) {
	f := newFixture(t)
	f.insert(t, models.SourceCombinedTicks, map[string]interface{}{"tick": 1})

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	readEnvelope := func() map[string]interface{} {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		return msg
	}

	// The greeting proves the viewer is registered
	if first := readEnvelope(); first["tick"] != float64(1) {
		t.Fatalf("snapshot = %v, want tick 1", first)
	}

	f.insert(t, models.SourceCombinedTicks, map[string]interface{}{"tick": 2})
	f.insert(t, models.SourceModeChange, map[string]interface{}{"mode": "mppt"})

	if msg := readEnvelope(); msg["tick"] != float64(2) || msg["type"] != "combined_ticks" {
		t.Errorf("live message = %v, want combined tick 2", msg)
	}
	if msg := readEnvelope(); msg["mode"] != "mppt" {
		t.Errorf("live message = %v, want mode mppt", msg)
	}
	if f.hub.Count() != 1 {
		t.Errorf("Count() = %d, want 1", f.hub.Count())
	}
}
