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

import "net/http"

func (s *Server) handleResources(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.mon.CurrentSnapshot())
}

func (s *Server) handleResourceSummary(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.mon.Summary())
}

func (s *Server) handleResourceHistory(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r.URL.Query().Get("limit"), 120)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"power":     s.mon.PowerHistory(limit),
		"processes": s.mon.ProcessHistory(limit),
	})
}

func (s *Server) handleHourlyHistory(w http.ResponseWriter, r *http.Request) {
	days := intQuery(r.URL.Query().Get("days"), 7)
	hourly := s.hist.HourlyHistory(days)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"hourly": hourly,
		"total":  len(hourly),
	})
}

func (s *Server) handleDailyHistory(w http.ResponseWriter, r *http.Request) {
	days := intQuery(r.URL.Query().Get("days"), 30)
	daily := s.hist.DailyHistory(days)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"daily": daily,
		"total": len(daily),
	})
}

func (s *Server) handleHistorySummary(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.hist.Summary())
}
