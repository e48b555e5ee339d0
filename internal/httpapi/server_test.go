// Copyright 2025 VoiceLearn
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"gotest.tools/v3/assert"

	"github.com/voicelearn/mgmtd/internal/clock"
	"github.com/voicelearn/mgmtd/internal/config"
	"github.com/voicelearn/mgmtd/internal/events"
	"github.com/voicelearn/mgmtd/internal/history"
	"github.com/voicelearn/mgmtd/internal/idle"
	"github.com/voicelearn/mgmtd/internal/logs"
	"github.com/voicelearn/mgmtd/internal/monitor"
	"github.com/voicelearn/mgmtd/internal/supervisor"
	"github.com/voicelearn/mgmtd/internal/telemetry"
)

// capturePeer records every envelope a broadcaster delivers.
type capturePeer struct {
	mu        sync.Mutex
	envelopes []events.Envelope
}

func (p *capturePeer) Send(e events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = append(p.envelopes, e)
	return nil
}

func (p *capturePeer) Close() error { return nil }

func (p *capturePeer) byType(eventType string) []events.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Envelope
	for _, e := range p.envelopes {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	server  *Server
	handler http.Handler
	fake    *clock.Fake
	peer    *capturePeer
	idle    *idle.Manager
}

// serviceHealthURL, when non-empty, is used for the vibevoice supervised
// service so tests can simulate an already-running process.
func newTestEnv(t *testing.T, serviceHealthURL string, upstreams []config.UpstreamConfig) *testEnv {
	t.Helper()
	log := logs.DiscardLogger()
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	broadcaster := events.NewBroadcaster(log, fake)
	peer := &capturePeer{}
	broadcaster.Add(peer)

	tele := telemetry.NewStore(log, fake, broadcaster)

	mon := monitor.New(log, fake, monitor.Options{
		Runner: func(context.Context, string, ...string) ([]byte, error) {
			return nil, context.DeadlineExceeded
		},
	})

	hist := history.Open(log, fake, t.TempDir())

	profiles := idle.OpenProfileStore(log, t.TempDir())
	idleMgr := idle.NewManager(log, fake, broadcaster, profiles, nil, nil)

	if serviceHealthURL == "" {
		serviceHealthURL = "http://127.0.0.1:1/health"
	}
	specs := []config.ServiceConfig{{
		ID:        "vibevoice",
		Name:      "VibeVoice TTS",
		Kind:      "tts",
		Command:   []string{"/bin/true"},
		Port:      8880,
		HealthURL: serviceHealthURL,
	}}
	sup := supervisor.New(log, fake, broadcaster, specs, supervisor.Options{
		Start: func(config.ServiceConfig) (supervisor.Handle, error) {
			t.Fatal("unexpected spawn")
			return nil, nil
		},
		Memory: func(int) supervisor.Memory { return supervisor.Memory{} },
		SysMem: func() supervisor.SystemMemory { return supervisor.SystemMemory{TotalGB: 16} },
		Runner: func(context.Context, string, ...string) ([]byte, error) { return nil, nil },
	})

	registry := NewRegistry(log, fake, nil, upstreams)

	s := NewServer(log, fake, broadcaster, tele, mon, hist, idleMgr, sup, registry)
	return &testEnv{
		server:  s,
		handler: s.Router(),
		fake:    fake,
		peer:    peer,
		idle:    idleMgr,
	}
}

func (env *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		assert.NilError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.168.1.20:54321"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec, body := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "1.0.0", body["version"])
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLogIngestFromTwoClients(t *testing.T) {
	env := newTestEnv(t, "", nil)

	batch := []map[string]any{
		{"level": "INFO", "label": "a", "message": "x"},
		{"level": "ERROR", "label": "b", "message": "y"},
	}
	for _, clientID := range []string{"c1", "c2"} {
		rec, body := env.do(t, http.MethodPost, "/api/logs", batch, map[string]string{
			"X-Client-ID":   clientID,
			"X-Client-Name": "iPhone",
		})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 2.0, body["received"])
	}

	rec, body := env.do(t, http.MethodGet, "/api/logs", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4.0, body["total"])

	_, stats := env.do(t, http.MethodGet, "/api/stats", nil, nil)
	assert.Equal(t, 2.0, stats["errors_count"])
	assert.Equal(t, 4.0, stats["total_logs"])

	// One broadcast per entry, in ingest order.
	logEvents := env.peer.byType(events.TypeLog)
	assert.Equal(t, 4, len(logEvents))
	first := logEvents[0].Data.(telemetry.LogEntry)
	assert.Equal(t, "a", first.Label)
	assert.Equal(t, "c1", first.ClientID)
}

func TestSingleLogObjectBody(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec, body := env.do(t, http.MethodPost, "/api/logs", map[string]any{
		"level": "WARNING", "message": "low disk",
	}, map[string]string{"X-Client-ID": "c1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, body["received"])

	_, stats := env.do(t, http.MethodGet, "/api/stats", nil, nil)
	assert.Equal(t, 1.0, stats["warnings_count"])
}

func TestIngestResetsIdleTier(t *testing.T) {
	env := newTestEnv(t, "", nil)

	env.idle.ForceTier(idle.TierWarm)
	_, _ = env.do(t, http.MethodPost, "/api/logs", map[string]any{"message": "hi"}, nil)
	assert.Equal(t, idle.TierActive, env.idle.CurrentTier())
}

func TestClearLogs(t *testing.T) {
	env := newTestEnv(t, "", nil)

	env.do(t, http.MethodPost, "/api/logs", map[string]any{"level": "ERROR", "message": "x"}, nil)
	rec, _ := env.do(t, http.MethodDelete, "/api/logs", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	_, stats := env.do(t, http.MethodGet, "/api/stats", nil, nil)
	assert.Equal(t, 0.0, stats["errors_count"])
	assert.Equal(t, 1.0, stats["total_logs"]) // lifetime counter survives

	_, body := env.do(t, http.MethodGet, "/api/logs", nil, nil)
	assert.Equal(t, 0.0, body["total"])
}

func TestMetricsIngestAndQuery(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec, _ := env.do(t, http.MethodPost, "/api/metrics", map[string]any{
		"sessionDuration":  120.5,
		"turnsTotal":       14,
		"e2eLatencyMedian": 900.0,
		"llmTTFTMedian":    450.0,
		"totalCost":        0.0123,
	}, map[string]string{"X-Client-ID": "c1"})
	assert.Equal(t, http.StatusOK, rec.Code)

	_, body := env.do(t, http.MethodGet, "/api/metrics", nil, nil)
	agg := body["aggregates"].(map[string]any)
	assert.Equal(t, 900.0, agg["avg_e2e_latency"])
	assert.Equal(t, 450.0, agg["avg_llm_ttft"])
	assert.Equal(t, 1.0, agg["total_sessions"])
	assert.Equal(t, 1, len(body["metrics"].([]any)))
}

func TestHeartbeatMintsClientID(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec, body := env.do(t, http.MethodPost, "/api/clients/heartbeat", map[string]any{
		"name": "Test iPad", "device_model": "iPad14,3",
	}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Assert(t, body["client_id"].(string) != "")

	_, clients := env.do(t, http.MethodGet, "/api/clients", nil, nil)
	assert.Equal(t, 1.0, clients["total"])
	assert.Equal(t, 1.0, clients["online"])
}

func TestStartServiceConflict(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	env := newTestEnv(t, healthy.URL, nil)

	rec, body := env.do(t, http.MethodPost, "/api/services/vibevoice/start", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Assert(t, strings.Contains(body["error"].(string), "already running"))
}

func TestServiceNotFound(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec, body := env.do(t, http.MethodPost, "/api/services/nope/start", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Assert(t, strings.Contains(body["error"].(string), "nope"))
}

func TestServicesTable(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec, body := env.do(t, http.MethodGet, "/api/services", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, body["total"])
	assert.Equal(t, 1.0, body["stopped"])
	sysmem := body["system_memory"].(map[string]any)
	assert.Equal(t, 16.0, sysmem["total_gb"])
}

func TestIdleEndpoints(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec, _ := env.do(t, http.MethodPost, "/api/idle/state", map[string]any{"state": "cool"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	_, status := env.do(t, http.MethodGet, "/api/idle", nil, nil)
	assert.Equal(t, "cool", status["current_state"])

	rec, body := env.do(t, http.MethodPost, "/api/idle/activity", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", body["state"])

	_, hist := env.do(t, http.MethodGet, "/api/idle/history", nil, nil)
	assert.Equal(t, 2.0, hist["total"])

	rec, _ = env.do(t, http.MethodPost, "/api/idle/state", map[string]any{"state": "hyperspace"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestKeepAwakeEndpoints(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec, body := env.do(t, http.MethodPost, "/api/idle/keep-awake", map[string]any{"duration_seconds": 60}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 60.0, body["duration_seconds"])

	_, status := env.do(t, http.MethodGet, "/api/idle", nil, nil)
	assert.Equal(t, 60.0, status["keep_awake_remaining"])

	rec, _ = env.do(t, http.MethodDelete, "/api/idle/keep-awake", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	_, status = env.do(t, http.MethodGet, "/api/idle", nil, nil)
	assert.Equal(t, 0.0, status["keep_awake_remaining"])
}

func TestProfileLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec, body := env.do(t, http.MethodPost, "/api/power/profiles", map[string]any{
		"name":        "Lab Bench",
		"description": "for bench work",
		"thresholds":  map[string]int{"warm": 5, "cool": 10, "cold": 15, "dormant": 20},
		"enabled":     true,
	}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "lab_bench", body["id"])

	rec, _ = env.do(t, http.MethodPost, "/api/power/profile", map[string]any{"id": "lab_bench"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	_, profiles := env.do(t, http.MethodGet, "/api/power/profiles", nil, nil)
	assert.Equal(t, "lab_bench", profiles["active"])
	assert.Equal(t, 6, len(profiles["profiles"].(map[string]any)))

	rec, _ = env.do(t, http.MethodPut, "/api/power/profiles/lab_bench", map[string]any{
		"name": "Renamed Bench",
	}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = env.do(t, http.MethodDelete, "/api/power/profiles/lab_bench", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "balanced", body["active"])
}

func TestBuiltinProfileIsProtected(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec, _ := env.do(t, http.MethodDelete, "/api/power/profiles/balanced", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodPut, "/api/power/profiles/missing", map[string]any{"name": "x"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDuplicateProfileOverHTTP(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec, body := env.do(t, http.MethodPost, "/api/power/profiles/balanced/duplicate", map[string]any{
		"id": "my_balanced", "name": "My Balanced",
	}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "my_balanced", body["id"])
}

func TestServersProbeAndRegistry(t *testing.T) {
	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3:8b","size":4661224676}]}`))
	}))
	defer ollama.Close()

	env := newTestEnv(t, "", []config.UpstreamConfig{
		{ID: "ollama", Name: "Ollama LLM", Type: "ollama", URL: ollama.URL, Port: 11434},
		{ID: "whisper", Name: "Whisper STT", Type: "whisper", URL: "http://127.0.0.1:1", Port: 11401},
	})

	rec, body := env.do(t, http.MethodGet, "/api/servers", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.0, body["total"])
	assert.Equal(t, 1.0, body["healthy"])
	assert.Equal(t, 1.0, body["unhealthy"])

	servers := body["servers"].([]any)
	first := servers[0].(map[string]any)
	assert.Equal(t, "ollama", first["id"])
	assert.Equal(t, "healthy", first["status"])
	assert.Equal(t, "llama3:8b", first["models"].([]any)[0])
}

func TestAddAndDeleteServer(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	env := newTestEnv(t, "", nil)

	rec, body := env.do(t, http.MethodPost, "/api/servers", map[string]any{
		"name": "Extra TTS", "type": "custom", "url": up.URL, "port": 9999,
	}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	server := body["server"].(map[string]any)
	id := server["id"].(string)
	assert.Assert(t, id != "")
	assert.Equal(t, "healthy", server["status"])
	assert.Equal(t, 1, len(env.peer.byType(events.TypeServerAdded)))

	rec, _ = env.do(t, http.MethodDelete, "/api/servers/"+id, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, len(env.peer.byType(events.TypeServerDeleted)))

	rec, _ = env.do(t, http.MethodDelete, "/api/servers/"+id, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResourceAndHistoryEndpoints(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec, body := env.do(t, http.MethodGet, "/api/resources/summary", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Assert(t, body["power"] != nil)

	rec, body = env.do(t, http.MethodGet, "/api/resources/history", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	_, hasPower := body["power"]
	assert.Assert(t, hasPower)

	rec, body = env.do(t, http.MethodGet, "/api/history/hourly", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.0, body["total"])

	rec, body = env.do(t, http.MethodGet, "/api/history/summary", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.0, body["total_days_tracked"])
}

func TestWebSocketGreetingAndPing(t *testing.T) {
	env := newTestEnv(t, "", nil)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.NilError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	var greeting events.Envelope
	assert.NilError(t, conn.ReadJSON(&greeting))
	assert.Equal(t, events.TypeConnected, greeting.Type)

	assert.NilError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	var pong events.Envelope
	assert.NilError(t, conn.ReadJSON(&pong))
	assert.Equal(t, events.TypePong, pong.Type)
}
