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
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/voicelearn/mgmtd/internal/events"
)

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sup.Report(r.Context()))
}

func (s *Server) handleStartService(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["service_id"]
	msg, err := s.sup.Start(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": msg})
}

func (s *Server) handleStopService(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["service_id"]
	if err := s.sup.Stop(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "Service stopped"})
}

func (s *Server) handleRestartService(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["service_id"]
	msg, err := s.sup.Restart(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": msg})
}

func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	results, _ := s.sup.StartAll(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "results": results})
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	results, _ := s.sup.StopAll(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "results": results})
}

func (s *Server) handleGetServers(w http.ResponseWriter, r *http.Request) {
	servers := s.registry.ProbeAll(r.Context())

	var healthy, degraded, unhealthy int
	for _, u := range servers {
		switch u.Status {
		case "healthy":
			healthy++
		case "degraded":
			degraded++
		case "unhealthy":
			unhealthy++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"servers":   servers,
		"total":     len(servers),
		"healthy":   healthy,
		"degraded":  degraded,
		"unhealthy": unhealthy,
	})
}

func (s *Server) handleAddServer(w http.ResponseWriter, r *http.Request) {
	var req AddUpstreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	server := s.registry.Add(r.Context(), req)
	if s.events != nil {
		s.events.Broadcast(events.TypeServerAdded, server)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "server": server})
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["server_id"]
	if err := s.registry.Delete(id); err != nil {
		s.writeError(w, err)
		return
	}
	if s.events != nil {
		s.events.Broadcast(events.TypeServerDeleted, map[string]string{"id": id})
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, totalSize, totalVRAM := s.registry.Catalog(r.Context())

	byType := map[string]int{"llm": 0, "stt": 0, "tts": 0}
	for _, m := range models {
		byType[m.Type]++
	}

	resp := map[string]any{
		"models":         models,
		"total":          len(models),
		"by_type":        byType,
		"total_size_gb":  roundGB(totalSize),
		"loaded_vram_gb": roundGB(totalVRAM),
	}
	if s.sup != nil {
		resp["system_memory"] = s.sup.SystemMemory()
	}
	s.writeJSON(w, http.StatusOK, resp)
}
