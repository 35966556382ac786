// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/capsulerec/capsule/internal/config"
	"github.com/capsulerec/capsule/internal/correlator"
	"github.com/capsulerec/capsule/internal/events"
	"github.com/capsulerec/capsule/internal/logging"
	"github.com/capsulerec/capsule/internal/logmon"
	"github.com/capsulerec/capsule/internal/obsrpc"
	"github.com/capsulerec/capsule/internal/websocket"
	"github.com/goccy/go-json"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

type fakeController struct {
	mu         sync.Mutex
	snap       correlator.State
	calls      map[string]int
	cmdErr     error
	manualErr  error
	resaveErr  error
	autoStart  []bool
	lastManual events.DomainEvent
}

func newFakeController() *fakeController {
	return &fakeController{calls: make(map[string]int)}
}

func (c *fakeController) record(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[name]++
	return c.cmdErr
}

func (c *fakeController) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

func (c *fakeController) Snapshot() correlator.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

func (c *fakeController) StartRecording(context.Context) error { return c.record("startRecording") }
func (c *fakeController) StopRecording(context.Context) error  { return c.record("stopRecording") }
func (c *fakeController) SplitRecording(context.Context) error { return c.record("splitRecording") }
func (c *fakeController) StartEngine(context.Context) error    { return c.record("startEngine") }
func (c *fakeController) StopEngine(context.Context) error     { return c.record("stopEngine") }
func (c *fakeController) RestartEngine(context.Context) error  { return c.record("restartEngine") }

func (c *fakeController) SetAutoStart(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoStart = append(c.autoStart, enabled)
}

func (c *fakeController) ManualEvent(ev events.DomainEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastManual = ev
	return c.manualErr
}

func (c *fakeController) ResaveLast() error { return c.resaveErr }

type fakeInventory struct {
	stats    events.RecordingStats
	statsErr error
	devices  []obsrpc.AudioDevice
	apps     []string
}

func (i *fakeInventory) RecordingStats(context.Context) (events.RecordingStats, error) {
	return i.stats, i.statsErr
}

func (i *fakeInventory) AudioDevices(context.Context) ([]obsrpc.AudioDevice, error) {
	return i.devices, nil
}

func (i *fakeInventory) Applications(context.Context) ([]string, error) {
	return i.apps, nil
}

type fakePatterns struct {
	engine    *logmon.Engine
	refresher *logmon.Refresher
}

func newFakePatterns() *fakePatterns {
	engine := logmon.NewEngine()
	return &fakePatterns{
		engine: engine,
		refresher: logmon.NewRefresher(config.PatternsConfig{
			SupportedMajor: 1,
			RefreshTimeout: time.Second,
		}, engine, nil),
	}
}

func (p *fakePatterns) Engine() *logmon.Engine       { return p.engine }
func (p *fakePatterns) Refresher() *logmon.Refresher { return p.refresher }

type testAPI struct {
	server     *httptest.Server
	controller *fakeController
	inventory  *fakeInventory
	hub        *websocket.Hub
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	return newTestAPIWithConfig(t, config.APIConfig{
		Host:          "127.0.0.1",
		Port:          0,
		CORSOrigins:   []string{"http://localhost:5173"},
		RateLimitReqs: 1000,
	})
}

func newTestAPIWithConfig(t *testing.T, cfg config.APIConfig) *testAPI {
	t.Helper()
	controller := newFakeController()
	inventory := &fakeInventory{}
	hub := websocket.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = hub.RunWithContext(ctx) }()

	router := NewRouter(cfg, controller, inventory, newFakePatterns(), hub)
	server := httptest.NewServer(router.Setup())
	t.Cleanup(server.Close)
	return &testAPI{server: server, controller: controller, inventory: inventory, hub: hub}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) (*http.Response, APIResponse) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, a.server.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var envelope APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return resp, envelope
}

func TestStatus(t *testing.T) {
	a := newTestAPI(t)
	a.controller.snap.Engine.Process = events.ProcessRunning
	a.controller.snap.SessionOpen = true

	resp, envelope := a.do(t, http.MethodGet, "/api/v1/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !envelope.Success {
		t.Error("success = false")
	}
	if envelope.Meta == nil || envelope.Meta.RequestID == "" {
		t.Error("missing request ID in meta")
	}

	data, _ := json.Marshal(envelope.Data)
	var snap correlator.State
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	if !snap.SessionOpen {
		t.Error("snapshot lost sessionOpen")
	}
}

func TestHealthReady(t *testing.T) {
	a := newTestAPI(t)

	resp, _ := a.do(t, http.MethodGet, "/api/v1/health/ready", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d with engine down, want 503", resp.StatusCode)
	}

	a.controller.mu.Lock()
	a.controller.snap.Engine.Process = events.ProcessRunning
	a.controller.snap.Engine.Connection = events.ConnConnected
	a.controller.mu.Unlock()

	resp, _ = a.do(t, http.MethodGet, "/api/v1/health/ready", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d with engine up, want 200", resp.StatusCode)
	}
}

func TestRecordingCommands(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		path string
		call string
	}{
		{"/api/v1/recording/start", "startRecording"},
		{"/api/v1/recording/stop", "stopRecording"},
		{"/api/v1/recording/split", "splitRecording"},
		{"/api/v1/engine/start", "startEngine"},
		{"/api/v1/engine/stop", "stopEngine"},
		{"/api/v1/engine/restart", "restartEngine"},
	}
	for _, tt := range tests {
		t.Run(tt.call, func(t *testing.T) {
			resp, envelope := a.do(t, http.MethodPost, tt.path, nil)
			if resp.StatusCode != http.StatusAccepted {
				t.Errorf("status = %d, want 202", resp.StatusCode)
			}
			if !envelope.Success {
				t.Error("success = false")
			}
			if a.controller.count(tt.call) != 1 {
				t.Errorf("%s calls = %d, want 1", tt.call, a.controller.count(tt.call))
			}
		})
	}
}

func TestSplitErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not recording", obsrpc.ErrNotRecording, http.StatusConflict, ErrCodeNotRecording},
		{"disconnected", obsrpc.ErrNotConnected, http.StatusServiceUnavailable, ErrCodeEngineUnavailable},
		{"format unsupported", obsrpc.ErrSplitUnsupportedFormat, http.StatusNotImplemented, ErrCodeUnsupported},
		{"version unsupported", obsrpc.ErrSplitUnsupportedVersion, http.StatusNotImplemented, ErrCodeUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAPI(t)
			a.controller.cmdErr = tt.err

			resp, envelope := a.do(t, http.MethodPost, "/api/v1/recording/split", nil)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if envelope.Error == nil || envelope.Error.Code != tt.wantCode {
				t.Errorf("error = %+v, want code %q", envelope.Error, tt.wantCode)
			}
		})
	}
}

func TestManualEvent(t *testing.T) {
	t.Run("rejected without session", func(t *testing.T) {
		a := newTestAPI(t)
		a.controller.manualErr = correlator.ErrNoOpenSession

		resp, envelope := a.do(t, http.MethodPost, "/api/v1/events",
			map[string]string{"name": "clutch play"})
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("status = %d, want 409", resp.StatusCode)
		}
		if envelope.Error == nil || envelope.Error.Code != ErrCodeNoSession {
			t.Errorf("error = %+v", envelope.Error)
		}
	})

	t.Run("name required", func(t *testing.T) {
		a := newTestAPI(t)
		resp, _ := a.do(t, http.MethodPost, "/api/v1/events", map[string]string{"name": "  "})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("accepted with defaults", func(t *testing.T) {
		a := newTestAPI(t)
		resp, _ := a.do(t, http.MethodPost, "/api/v1/events",
			map[string]string{"name": "clutch play"})
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", resp.StatusCode)
		}

		a.controller.mu.Lock()
		ev := a.controller.lastManual
		a.controller.mu.Unlock()
		if ev.Category != "manual" || ev.Severity != events.SeverityMedium {
			t.Errorf("defaults not applied: %+v", ev)
		}
		if ev.Type != "manual" || ev.Subtype != "bookmark" {
			t.Errorf("manual event typing wrong: %+v", ev)
		}
	})
}

func TestSetAutoStart(t *testing.T) {
	a := newTestAPI(t)

	resp, _ := a.do(t, http.MethodPut, "/api/v1/recording/autostart",
		map[string]bool{"enabled": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	a.controller.mu.Lock()
	defer a.controller.mu.Unlock()
	if len(a.controller.autoStart) != 1 || !a.controller.autoStart[0] {
		t.Errorf("autoStart calls = %v", a.controller.autoStart)
	}
}

func TestResaveWithoutFailure(t *testing.T) {
	a := newTestAPI(t)
	a.controller.resaveErr = correlator.ErrNoOpenSession

	resp, envelope := a.do(t, http.MethodPost, "/api/v1/recording/resave", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
	if envelope.Error == nil || envelope.Error.Code != ErrCodeNoSession {
		t.Errorf("error = %+v", envelope.Error)
	}
}

func TestAudioDevices(t *testing.T) {
	a := newTestAPI(t)
	a.inventory.devices = []obsrpc.AudioDevice{
		{Name: "Desktop Audio", Kind: "wasapi_output_capture"},
		{Name: "Mic/Aux", Kind: "wasapi_input_capture"},
	}

	resp, envelope := a.do(t, http.MethodGet, "/api/v1/engine/audio-devices", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	data, _ := json.Marshal(envelope.Data)
	var devices []obsrpc.AudioDevice
	if err := json.Unmarshal(data, &devices); err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 || devices[0].Name != "Desktop Audio" {
		t.Errorf("devices = %+v", devices)
	}
}

func TestPatterns(t *testing.T) {
	a := newTestAPI(t)

	resp, envelope := a.do(t, http.MethodGet, "/api/v1/patterns/", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	data, _ := json.Marshal(envelope.Data)
	var info struct {
		Version string `json:"version"`
		Builtin bool   `json:"builtin"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatal(err)
	}
	if !info.Builtin {
		t.Error("fresh engine should report builtin patterns")
	}
}

func TestRefreshPatternsWithoutRemote(t *testing.T) {
	a := newTestAPI(t)

	resp, envelope := a.do(t, http.MethodPost, "/api/v1/patterns/refresh", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if envelope.Error == nil || envelope.Error.Code != ErrCodeBadRequest {
		t.Errorf("error = %+v", envelope.Error)
	}
}

func TestRateLimit(t *testing.T) {
	a := newTestAPIWithConfig(t, config.APIConfig{
		Host:          "127.0.0.1",
		CORSOrigins:   []string{"http://localhost:5173"},
		RateLimitReqs: 3,
	})

	var limited bool
	for i := 0; i < 5; i++ {
		resp, err := http.Get(a.server.URL + "/api/v1/status")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
		}
	}
	if !limited {
		t.Error("no request was rate limited")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestAPI(t)

	resp, err := http.Get(a.server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "capsule_") {
		t.Error("metrics output missing capsule series")
	}
}

func TestWebSocketEndpoint(t *testing.T) {
	a := newTestAPI(t)

	wsURL := "ws" + strings.TrimPrefix(a.server.URL, "http") + "/api/v1/ws"
	conn, resp, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	a.hub.Broadcast(websocket.MessageTypeRecording, map[string]any{"active": true})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg websocket.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != websocket.MessageTypeRecording {
		t.Errorf("message type = %q", msg.Type)
	}
}
