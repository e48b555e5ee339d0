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
	"time"

	"github.com/gorilla/mux"

	"github.com/voicelearn/mgmtd/internal/idle"
)

const defaultKeepAwakeSeconds = 300

func (s *Server) handleIdleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.idle.Status())
}

func (s *Server) handleIdleActivity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type string `json:"type"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Type == "" {
		body.Type = "request"
	}

	s.recordActivity(body.Type)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  string(s.idle.CurrentTier()),
	})
}

func (s *Server) handleKeepAwake(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DurationSeconds float64 `json:"duration_seconds"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.DurationSeconds <= 0 {
		body.DurationSeconds = defaultKeepAwakeSeconds
	}

	s.idle.KeepAwake(time.Duration(body.DurationSeconds * float64(time.Second)))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"duration_seconds": body.DurationSeconds,
	})
}

func (s *Server) handleCancelKeepAwake(w http.ResponseWriter, _ *http.Request) {
	s.idle.CancelKeepAwake()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleForceState(w http.ResponseWriter, r *http.Request) {
	var body struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	tier, err := idle.ParseTier(body.State)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.idle.ForceTier(tier)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  string(s.idle.CurrentTier()),
	})
}

func (s *Server) handleIdleHistory(w http.ResponseWriter, r *http.Request) {
	history := s.idle.History(intQuery(r.URL.Query().Get("limit"), 50))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"history": history,
		"total":   len(history),
	})
}

func (s *Server) handleGetProfiles(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"profiles": s.idle.Profiles().All(),
		"active":   s.idle.Mode(),
	})
}

// createProfileRequest is the POST body for a new profile; the id defaults to
// a sanitized form of the name.
type createProfileRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Thresholds  idle.Thresholds `json:"thresholds"`
	Enabled     bool            `json:"enabled"`
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var req createProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	id := req.ID
	if id == "" {
		id = req.Name
	}
	id = idle.SanitizeID(id)
	if id == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "profile id or name required"})
		return
	}

	err := s.idle.Profiles().Create(id, idle.Profile{
		Name:        req.Name,
		Description: req.Description,
		Thresholds:  req.Thresholds,
		Enabled:     req.Enabled,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": id})
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["profile_id"]
	var req idle.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := s.idle.Profiles().Update(id, req); err != nil {
		s.writeError(w, err)
		return
	}
	// Re-apply the active profile so threshold edits take effect immediately.
	if s.idle.Mode() == id {
		_ = s.idle.SetMode(id)
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["profile_id"]
	if err := s.idle.DeleteProfile(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"active": s.idle.Mode(),
	})
}

func (s *Server) handleDuplicateProfile(w http.ResponseWriter, r *http.Request) {
	sourceID := mux.Vars(r)["profile_id"]
	var req struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	newID := idle.SanitizeID(req.ID)
	if newID == "" {
		newID = sourceID + "_copy"
	}
	newName := req.Name
	if newName == "" {
		newName = newID
	}

	if err := s.idle.Profiles().Duplicate(sourceID, newID, newName); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": newID})
}

func (s *Server) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := s.idle.SetMode(req.ID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "mode": req.ID})
}
