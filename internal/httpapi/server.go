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

// Package httpapi is the daemon's HTTP and WebSocket frontend: telemetry
// ingest, dashboard queries, service control, idle and power-profile
// management, and the live event stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/voicelearn/mgmtd/internal/clock"
	"github.com/voicelearn/mgmtd/internal/events"
	"github.com/voicelearn/mgmtd/internal/history"
	"github.com/voicelearn/mgmtd/internal/idle"
	"github.com/voicelearn/mgmtd/internal/logs"
	"github.com/voicelearn/mgmtd/internal/monitor"
	"github.com/voicelearn/mgmtd/internal/supervisor"
	"github.com/voicelearn/mgmtd/internal/telemetry"
	"github.com/voicelearn/mgmtd/internal/version"
)

// Server wires every subsystem behind the REST and WebSocket surface.
type Server struct {
	log      logs.StructuredLogger
	clock    clock.Clock
	events   *events.Broadcaster
	tele     *telemetry.Store
	mon      *monitor.Monitor
	hist     *history.Store
	idle     *idle.Manager
	sup      *supervisor.Supervisor
	registry *Registry
}

func NewServer(
	log logs.StructuredLogger,
	c clock.Clock,
	broadcaster *events.Broadcaster,
	tele *telemetry.Store,
	mon *monitor.Monitor,
	hist *history.Store,
	idleMgr *idle.Manager,
	sup *supervisor.Supervisor,
	registry *Registry,
) *Server {
	return &Server{
		log:      log,
		clock:    c,
		events:   broadcaster,
		tele:     tele,
		mon:      mon,
		hist:     hist,
		idle:     idleMgr,
		sup:      sup,
		registry: registry,
	}
}

// Router builds the full route table wrapped in the CORS middleware.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)

	r.HandleFunc("/api/logs", s.handleIngestLogs).Methods(http.MethodPost)
	r.HandleFunc("/log", s.handleIngestLogs).Methods(http.MethodPost) // legacy alias
	r.HandleFunc("/api/logs", s.handleQueryLogs).Methods(http.MethodGet)
	r.HandleFunc("/api/logs", s.handleClearLogs).Methods(http.MethodDelete)

	r.HandleFunc("/api/metrics", s.handleIngestMetrics).Methods(http.MethodPost)
	r.HandleFunc("/api/metrics", s.handleQueryMetrics).Methods(http.MethodGet)

	r.HandleFunc("/api/clients", s.handleClients).Methods(http.MethodGet)
	r.HandleFunc("/api/clients/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)

	r.HandleFunc("/api/servers", s.handleGetServers).Methods(http.MethodGet)
	r.HandleFunc("/api/servers", s.handleAddServer).Methods(http.MethodPost)
	r.HandleFunc("/api/servers/{server_id}", s.handleDeleteServer).Methods(http.MethodDelete)
	r.HandleFunc("/api/models", s.handleModels).Methods(http.MethodGet)

	r.HandleFunc("/api/services", s.handleServices).Methods(http.MethodGet)
	r.HandleFunc("/api/services/start-all", s.handleStartAll).Methods(http.MethodPost)
	r.HandleFunc("/api/services/stop-all", s.handleStopAll).Methods(http.MethodPost)
	r.HandleFunc("/api/services/{service_id}/start", s.handleStartService).Methods(http.MethodPost)
	r.HandleFunc("/api/services/{service_id}/stop", s.handleStopService).Methods(http.MethodPost)
	r.HandleFunc("/api/services/{service_id}/restart", s.handleRestartService).Methods(http.MethodPost)

	r.HandleFunc("/api/idle", s.handleIdleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/idle/activity", s.handleIdleActivity).Methods(http.MethodPost)
	r.HandleFunc("/api/idle/keep-awake", s.handleKeepAwake).Methods(http.MethodPost)
	r.HandleFunc("/api/idle/keep-awake", s.handleCancelKeepAwake).Methods(http.MethodDelete)
	r.HandleFunc("/api/idle/state", s.handleForceState).Methods(http.MethodPost)
	r.HandleFunc("/api/idle/history", s.handleIdleHistory).Methods(http.MethodGet)

	r.HandleFunc("/api/power/profiles", s.handleGetProfiles).Methods(http.MethodGet)
	r.HandleFunc("/api/power/profiles", s.handleCreateProfile).Methods(http.MethodPost)
	r.HandleFunc("/api/power/profiles/{profile_id}", s.handleUpdateProfile).Methods(http.MethodPut)
	r.HandleFunc("/api/power/profiles/{profile_id}", s.handleDeleteProfile).Methods(http.MethodDelete)
	r.HandleFunc("/api/power/profiles/{profile_id}/duplicate", s.handleDuplicateProfile).Methods(http.MethodPost)
	r.HandleFunc("/api/power/profile", s.handleSelectProfile).Methods(http.MethodPost)

	r.HandleFunc("/api/resources", s.handleResources).Methods(http.MethodGet)
	r.HandleFunc("/api/resources/summary", s.handleResourceSummary).Methods(http.MethodGet)
	r.HandleFunc("/api/resources/history", s.handleResourceHistory).Methods(http.MethodGet)

	r.HandleFunc("/api/history/hourly", s.handleHourlyHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/history/daily", s.handleDailyHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/history/summary", s.handleHistorySummary).Methods(http.MethodGet)

	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	return corsMiddleware(r)
}

// corsMiddleware mirrors the permissive policy the dashboard expects.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Client-ID, X-Client-Name")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": s.isoNow(),
		"version":   version.Version,
	})
}

// recordActivity marks the daemon as in use across the idle, history, and
// resource subsystems. Called on every telemetry-bearing request.
func (s *Server) recordActivity(kind string) {
	if s.idle != nil {
		s.idle.RecordActivity(kind)
	}
	if s.hist != nil {
		s.hist.RecordActivity(kind)
	}
	if s.mon != nil {
		s.mon.RecordServiceActivity("management", kind)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debugf("writing response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// statusFor maps sentinel and validation errors onto response codes.
func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, supervisor.ErrServiceNotFound),
		errors.Is(err, idle.ErrProfileNotFound),
		errors.Is(err, ErrUpstreamNotFound):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrAlreadyRunning),
		errors.Is(err, idle.ErrBuiltinProfile),
		errors.As(err, &verrs):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) isoNow() string {
	return s.clock.Now().UTC().Format(time.RFC3339)
}

// clientIdentity extracts the caller identity headers and remote IP.
func clientIdentity(r *http.Request) (id, name, ip string) {
	id = r.Header.Get("X-Client-ID")
	if id == "" {
		id = "unknown"
	}
	name = r.Header.Get("X-Client-Name")
	if name == "" {
		name = "Unknown Device"
	}
	ip = remoteIP(r)
	return id, name, ip
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
	return host
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
