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

// Package telemetry is the in-memory ingest path for client logs, session
// metrics, and client liveness. Retention is bounded and best-effort; nothing
// in this package touches disk.
package telemetry

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/voicelearn/mgmtd/internal/clock"
	"github.com/voicelearn/mgmtd/internal/events"
	"github.com/voicelearn/mgmtd/internal/logs"
)

const (
	// MaxLogEntries is the log ring capacity.
	MaxLogEntries = 10000
	// MaxMetricsHistory is the metrics ring capacity.
	MaxMetricsHistory = 1000
)

type Store struct {
	log   logs.StructuredLogger
	clock clock.Clock
	sink  events.Sink

	mu      sync.Mutex
	logRing *ring[LogEntry]
	metRing *ring[MetricsSnapshot]
	clients map[string]*RemoteClient

	totalLogs    int
	totalMetrics int
	errorsCount  int
	warnings     int
	startTime    float64
}

func NewStore(log logs.StructuredLogger, c clock.Clock, sink events.Sink) *Store {
	return &Store{
		log:       log,
		clock:     c,
		sink:      sink,
		logRing:   newRing[LogEntry](MaxLogEntries),
		metRing:   newRing[MetricsSnapshot](MaxMetricsHistory),
		clients:   make(map[string]*RemoteClient),
		startTime: unix(c.Now()),
	}
}

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// IngestLogs records a batch of log lines from one client. Entries are
// assigned fresh ids and the current receive time, counters are bumped per
// level, and one "log" event is emitted per entry in submission order.
func (s *Store) IngestLogs(clientID, clientName, ip string, batch []LogPayload) []LogEntry {
	now := unix(s.clock.Now())

	s.mu.Lock()
	c := s.upsertClientLocked(clientID, clientName, ip, now)
	c.TotalLogs += len(batch)

	entries := make([]LogEntry, 0, len(batch))
	for _, p := range batch {
		level := strings.ToUpper(p.Level)
		if level == "" {
			level = "INFO"
		}
		ts := p.Timestamp
		if ts == "" {
			ts = s.clock.Now().UTC().Format(time.RFC3339)
		}
		e := LogEntry{
			ID:         uuid.NewString(),
			Timestamp:  ts,
			Level:      level,
			Label:      p.Label,
			Message:    p.Message,
			File:       p.File,
			Function:   p.Function,
			Line:       p.Line,
			Metadata:   p.Metadata,
			ClientID:   clientID,
			ClientName: clientName,
			ReceivedAt: now,
		}
		s.logRing.Append(e)
		s.totalLogs++
		switch level {
		case "ERROR", "CRITICAL":
			s.errorsCount++
		case "WARNING":
			s.warnings++
		}
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		s.sink.Broadcast(events.TypeLog, e)
	}
	return entries
}

// IngestMetrics records one session metrics snapshot from a client. The raw
// payload is kept verbatim alongside the decoded fields.
func (s *Store) IngestMetrics(clientID, clientName, ip string, raw map[string]any) (MetricsSnapshot, error) {
	var p metricsPayload
	cfg := &mapstructure.DecoderConfig{Result: &p, WeaklyTypedInput: true}
	dec, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return MetricsSnapshot{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return MetricsSnapshot{}, fmt.Errorf("decoding metrics payload: %w", err)
	}

	now := unix(s.clock.Now())
	ts := p.Timestamp
	if ts == "" {
		ts = s.clock.Now().UTC().Format(time.RFC3339)
	}
	snap := MetricsSnapshot{
		ID:                    uuid.NewString(),
		ClientID:              clientID,
		ClientName:            clientName,
		Timestamp:             ts,
		ReceivedAt:            now,
		SessionDuration:       p.SessionDuration,
		TurnsTotal:            p.TurnsTotal,
		Interruptions:         p.Interruptions,
		STTLatencyMedian:      p.STTLatencyMedian,
		STTLatencyP99:         p.STTLatencyP99,
		LLMTTFTMedian:         p.LLMTTFTMedian,
		LLMTTFTP99:            p.LLMTTFTP99,
		TTSTTFBMedian:         p.TTSTTFBMedian,
		TTSTTFBP99:            p.TTSTTFBP99,
		E2ELatencyMedian:      p.E2ELatencyMedian,
		E2ELatencyP99:         p.E2ELatencyP99,
		STTCost:               p.STTCost,
		TTSCost:               p.TTSCost,
		LLMCost:               p.LLMCost,
		TotalCost:             p.TotalCost,
		ThermalThrottleEvents: p.ThermalThrottleEvents,
		NetworkDegradations:   p.NetworkDegradations,
		RawData:               raw,
	}

	s.mu.Lock()
	c := s.upsertClientLocked(clientID, clientName, ip, now)
	c.TotalSessions++
	s.metRing.Append(snap)
	s.totalMetrics++
	s.mu.Unlock()

	s.sink.Broadcast(events.TypeMetrics, snap)
	return snap, nil
}

// UpsertHeartbeat registers or refreshes a client from a heartbeat body and
// returns the stored record. A missing id is minted server-side.
func (s *Store) UpsertHeartbeat(hb Heartbeat, ip string) RemoteClient {
	now := unix(s.clock.Now())
	id := hb.ClientID
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	c := s.upsertClientLocked(id, hb.Name, ip, now)
	if hb.Name != "" {
		c.Name = hb.Name
	}
	if hb.DeviceModel != "" {
		c.DeviceModel = hb.DeviceModel
	}
	if hb.OSVersion != "" {
		c.OSVersion = hb.OSVersion
	}
	if hb.AppVersion != "" {
		c.AppVersion = hb.AppVersion
	}
	if hb.Config != nil {
		c.Config = hb.Config
	}
	out := *c
	s.mu.Unlock()

	s.sink.Broadcast(events.TypeClientUpdate, out)
	return out
}

func (s *Store) upsertClientLocked(id, name, ip string, now float64) *RemoteClient {
	c, ok := s.clients[id]
	if !ok {
		if name == "" {
			name = "Unknown Device"
		}
		c = &RemoteClient{
			ID:        id,
			Name:      name,
			IPAddress: ip,
			FirstSeen: now,
			Config:    map[string]any{},
		}
		s.clients[id] = c
	}
	c.LastSeen = now
	c.Status = "online"
	return c
}

// QueryLogs returns matching entries newest-first along with the total match
// count before pagination.
func (s *Store) QueryLogs(f LogFilter) ([]LogEntry, int) {
	s.mu.Lock()
	all := s.logRing.Items()
	s.mu.Unlock()

	var filtered []LogEntry
	search := strings.ToLower(f.Search)
	for _, e := range all {
		if len(f.Levels) > 0 && !containsString(f.Levels, e.Level) {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(e.Message), search) &&
			!strings.Contains(strings.ToLower(e.Label), search) {
			continue
		}
		if f.ClientID != "" && e.ClientID != f.ClientID {
			continue
		}
		if f.Label != "" && !strings.Contains(e.Label, f.Label) {
			continue
		}
		if f.Since > 0 && e.ReceivedAt <= f.Since {
			continue
		}
		filtered = append(filtered, e)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].ReceivedAt > filtered[j].ReceivedAt
	})

	total := len(filtered)
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	start := f.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return filtered[start:end], total
}

// ClearLogs empties the ring and resets the level counters.
func (s *Store) ClearLogs() {
	s.mu.Lock()
	s.logRing.Clear()
	s.errorsCount = 0
	s.warnings = 0
	s.mu.Unlock()

	s.sink.Broadcast(events.TypeLogsCleared, map[string]any{})
}

// QueryMetrics returns snapshots newest-first plus derived aggregates.
func (s *Store) QueryMetrics(clientID string, limit int) ([]MetricsSnapshot, MetricsAggregates) {
	s.mu.Lock()
	all := s.metRing.Items()
	s.mu.Unlock()

	var filtered []MetricsSnapshot
	for _, m := range all {
		if clientID != "" && m.ClientID != clientID {
			continue
		}
		filtered = append(filtered, m)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].ReceivedAt > filtered[j].ReceivedAt
	})
	if limit <= 0 {
		limit = 100
	}
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}

	var agg MetricsAggregates
	if n := len(filtered); n > 0 {
		var e2e, llm, stt, tts float64
		ids := make(map[string]struct{}, n)
		for _, m := range filtered {
			e2e += m.E2ELatencyMedian
			llm += m.LLMTTFTMedian
			stt += m.STTLatencyMedian
			tts += m.TTSTTFBMedian
			agg.TotalCost += m.TotalCost
			agg.TotalTurns += m.TurnsTotal
			ids[m.ID] = struct{}{}
		}
		agg.AvgE2ELatency = round2(e2e / float64(n))
		agg.AvgLLMTTFT = round2(llm / float64(n))
		agg.AvgSTTLatency = round2(stt / float64(n))
		agg.AvgTTSTTFB = round2(tts / float64(n))
		agg.TotalCost = math.Round(agg.TotalCost*10000) / 10000
		agg.TotalSessions = len(ids)
	}
	return filtered, agg
}

// Clients returns all known clients with status refreshed from last_seen,
// newest-first.
func (s *Store) Clients() []RemoteClient {
	now := unix(s.clock.Now())

	s.mu.Lock()
	out := make([]RemoteClient, 0, len(s.clients))
	for _, c := range s.clients {
		switch {
		case now-c.LastSeen > clientOfflineAfter:
			c.Status = "offline"
		case now-c.LastSeen > clientIdleAfter:
			c.Status = "idle"
		default:
			c.Status = "online"
		}
		out = append(out, *c)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen > out[j].LastSeen })
	return out
}

// Stats returns the lifetime counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		TotalLogsReceived:    s.totalLogs,
		TotalMetricsReceived: s.totalMetrics,
		ErrorsCount:          s.errorsCount,
		WarningsCount:        s.warnings,
		ServerStartTime:      s.startTime,
	}
}

// RecentCounts reports how many logs and metrics arrived after the cutoff.
func (s *Store) RecentCounts(since float64) (logsN, metricsN int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.logRing.Items() {
		if e.ReceivedAt > since {
			logsN++
		}
	}
	for _, m := range s.metRing.Items() {
		if m.ReceivedAt > since {
			metricsN++
		}
	}
	return logsN, metricsN
}

// RecentMetrics returns snapshots received after the cutoff, oldest-first.
func (s *Store) RecentMetrics(since float64) []MetricsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []MetricsSnapshot
	for _, m := range s.metRing.Items() {
		if m.ReceivedAt > since {
			out = append(out, m)
		}
	}
	return out
}

func containsString(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
