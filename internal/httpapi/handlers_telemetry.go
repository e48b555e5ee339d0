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
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/voicelearn/mgmtd/internal/telemetry"
)

// handleIngestLogs accepts one entry or a batch. The body shape is detected
// from the first non-space byte.
func (s *Server) handleIngestLogs(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	batch, err := decodeLogBody(body)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	clientID, clientName, ip := clientIdentity(r)
	s.tele.IngestLogs(clientID, clientName, ip, batch)
	s.recordActivity("log")

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"received": len(batch),
	})
}

func decodeLogBody(body []byte) ([]telemetry.LogPayload, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []telemetry.LogPayload
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, err
		}
		return batch, nil
	}
	var one telemetry.LogPayload
	if err := json.Unmarshal(body, &one); err != nil {
		return nil, err
	}
	return []telemetry.LogPayload{one}, nil
}

func (s *Server) handleQueryLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := telemetry.LogFilter{
		Search:   q.Get("search"),
		ClientID: q.Get("client_id"),
		Label:    q.Get("label"),
		Limit:    intQuery(q.Get("limit"), 500),
		Offset:   intQuery(q.Get("offset"), 0),
	}
	if level := q.Get("level"); level != "" {
		f.Levels = strings.Split(strings.ToUpper(level), ",")
	}
	if since := q.Get("since"); since != "" {
		v, err := strconv.ParseFloat(since, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid since: " + since})
			return
		}
		f.Since = v
	}

	entries, total := s.tele.QueryLogs(f)
	if entries == nil {
		entries = []telemetry.LogEntry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"logs":   entries,
		"total":  total,
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

func (s *Server) handleClearLogs(w http.ResponseWriter, _ *http.Request) {
	s.tele.ClearLogs()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIngestMetrics(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	clientID, clientName, ip := clientIdentity(r)
	if _, err := s.tele.IngestMetrics(clientID, clientName, ip, raw); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.recordActivity("metrics")

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQueryMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	snapshots, agg := s.tele.QueryMetrics(q.Get("client_id"), intQuery(q.Get("limit"), 100))
	if snapshots == nil {
		snapshots = []telemetry.MetricsSnapshot{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"metrics":    snapshots,
		"aggregates": agg,
	})
}

func (s *Server) handleClients(w http.ResponseWriter, _ *http.Request) {
	clients := s.tele.Clients()
	var online, idleN, offline int
	for _, c := range clients {
		switch c.Status {
		case "online":
			online++
		case "idle":
			idleN++
		default:
			offline++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"clients": clients,
		"total":   len(clients),
		"online":  online,
		"idle":    idleN,
		"offline": offline,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb telemetry.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if hb.ClientID == "" {
		hb.ClientID = r.Header.Get("X-Client-ID")
	}

	client := s.tele.UpsertHeartbeat(hb, remoteIP(r))
	s.recordActivity("heartbeat")

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"client_id":   client.ID,
		"server_time": s.isoNow(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	now := unixSeconds(s.clock.Now())
	stats := s.tele.Stats()
	logsLastHour, sessionsLastHour := s.tele.RecentCounts(now - 3600)

	var online int
	for _, c := range s.tele.Clients() {
		if c.Status == "online" {
			online++
		}
	}

	var healthy, totalServers int
	if s.registry != nil {
		servers := s.registry.List()
		totalServers = len(servers)
		for _, u := range servers {
			if u.Status == "healthy" {
				healthy++
			}
		}
	}

	var avgE2E, avgLLM float64
	if recent := s.tele.RecentMetrics(now - 3600); len(recent) > 0 {
		for _, m := range recent {
			avgE2E += m.E2ELatencyMedian
			avgLLM += m.LLMTTFTMedian
		}
		avgE2E = round2(avgE2E / float64(len(recent)))
		avgLLM = round2(avgLLM / float64(len(recent)))
	}

	var wsConns int
	if s.events != nil {
		wsConns = s.events.Count()
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds":        float64(int64(now - stats.ServerStartTime)),
		"total_logs":            stats.TotalLogsReceived,
		"total_metrics":         stats.TotalMetricsReceived,
		"errors_count":          stats.ErrorsCount,
		"warnings_count":        stats.WarningsCount,
		"logs_last_hour":        logsLastHour,
		"sessions_last_hour":    sessionsLastHour,
		"online_clients":        online,
		"total_clients":         len(s.tele.Clients()),
		"healthy_servers":       healthy,
		"total_servers":         totalServers,
		"avg_e2e_latency":       avgE2E,
		"avg_llm_ttft":          avgLLM,
		"websocket_connections": wsConns,
	})
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func intQuery(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
