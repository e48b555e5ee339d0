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

package telemetry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/voicelearn/mgmtd/internal/clock"
	"github.com/voicelearn/mgmtd/internal/events"
	"github.com/voicelearn/mgmtd/internal/logs"
)

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) Broadcast(eventType string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newTestStore() (*Store, *recordingSink, *clock.Fake) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	sink := &recordingSink{}
	return NewStore(logs.DiscardLogger(), fake, sink), sink, fake
}

func TestIngestLogsBatch(t *testing.T) {
	s, sink, _ := newTestStore()

	entries := s.IngestLogs("c1", "Device One", "10.0.0.5", []LogPayload{
		{Level: "INFO", Label: "a", Message: "x"},
		{Level: "ERROR", Label: "b", Message: "y"},
	})
	assert.Equal(t, 2, len(entries))
	assert.Assert(t, entries[0].ID != entries[1].ID)

	st := s.Stats()
	assert.Equal(t, 2, st.TotalLogsReceived)
	assert.Equal(t, 1, st.ErrorsCount)
	assert.Equal(t, 0, st.WarningsCount)

	// One "log" event per entry, in ingest order.
	assert.DeepEqual(t, sink.types(), []string{events.TypeLog, events.TypeLog})
}

func TestLogRingBound(t *testing.T) {
	s, _, fake := newTestStore()

	for i := 0; i < MaxLogEntries+50; i++ {
		fake.Advance(time.Millisecond)
		s.IngestLogs("c1", "d", "", []LogPayload{{Message: fmt.Sprintf("m%d", i)}})
	}

	got, total := s.QueryLogs(LogFilter{Limit: MaxLogEntries + 100})
	assert.Equal(t, MaxLogEntries, total)
	// Newest-first: the most recent message survives, the oldest 50 are gone.
	assert.Equal(t, fmt.Sprintf("m%d", MaxLogEntries+49), got[0].Message)
	assert.Equal(t, "m50", got[len(got)-1].Message)
}

func TestQueryLogsFilters(t *testing.T) {
	s, _, fake := newTestStore()

	s.IngestLogs("c1", "d1", "", []LogPayload{
		{Level: "INFO", Label: "audio.engine", Message: "buffer ready"},
		{Level: "ERROR", Label: "net", Message: "Connection refused"},
	})
	fake.Advance(10 * time.Second)
	cutoff := float64(fake.Now().Add(-time.Second).UnixNano()) / float64(time.Second)
	s.IngestLogs("c2", "d2", "", []LogPayload{
		{Level: "WARNING", Label: "audio.mixer", Message: "underrun"},
	})

	got, total := s.QueryLogs(LogFilter{Levels: []string{"ERROR", "WARNING"}})
	assert.Equal(t, 2, total)
	assert.Equal(t, "WARNING", got[0].Level) // newest first

	got, total = s.QueryLogs(LogFilter{Search: "CONNECTION"})
	assert.Equal(t, 1, total)
	assert.Equal(t, "net", got[0].Label)

	_, total = s.QueryLogs(LogFilter{ClientID: "c2"})
	assert.Equal(t, 1, total)

	_, total = s.QueryLogs(LogFilter{Label: "audio"})
	assert.Equal(t, 2, total)

	_, total = s.QueryLogs(LogFilter{Since: cutoff})
	assert.Equal(t, 1, total)
}

func TestQueryLogsPagination(t *testing.T) {
	s, _, fake := newTestStore()
	for i := 0; i < 10; i++ {
		fake.Advance(time.Second)
		s.IngestLogs("c1", "d", "", []LogPayload{{Message: fmt.Sprintf("m%d", i)}})
	}

	page, total := s.QueryLogs(LogFilter{Limit: 3, Offset: 2})
	assert.Equal(t, 10, total)
	assert.Equal(t, 3, len(page))
	assert.Equal(t, "m7", page[0].Message)
	assert.Equal(t, "m5", page[2].Message)
}

func TestClearLogsResetsCounters(t *testing.T) {
	s, sink, _ := newTestStore()
	s.IngestLogs("c1", "d", "", []LogPayload{{Level: "ERROR", Message: "boom"}})

	s.ClearLogs()

	_, total := s.QueryLogs(LogFilter{})
	assert.Equal(t, 0, total)
	st := s.Stats()
	assert.Equal(t, 0, st.ErrorsCount)
	assert.Equal(t, 0, st.WarningsCount)
	// Lifetime total is not reset.
	assert.Equal(t, 1, st.TotalLogsReceived)

	got := sink.types()
	assert.Equal(t, events.TypeLogsCleared, got[len(got)-1])
}

func TestIngestMetricsDecodesCamelCase(t *testing.T) {
	s, sink, _ := newTestStore()

	snap, err := s.IngestMetrics("c1", "Device", "", map[string]any{
		"sessionDuration":  120.5,
		"turnsTotal":       7,
		"sttLatencyMedian": 220.0,
		"llmTTFTMedian":    480.0,
		"ttsTTFBMedian":    95.0,
		"e2eLatencyMedian": 900.0,
		"totalCost":        0.042,
	})
	assert.NilError(t, err)
	assert.Equal(t, 120.5, snap.SessionDuration)
	assert.Equal(t, 7, snap.TurnsTotal)
	assert.Equal(t, 900.0, snap.E2ELatencyMedian)
	assert.Equal(t, 0.042, snap.TotalCost)
	assert.Equal(t, 120.5, snap.RawData["sessionDuration"])

	got := sink.types()
	assert.Equal(t, events.TypeMetrics, got[len(got)-1])

	_, agg := s.QueryMetrics("", 0)
	assert.Equal(t, 900.0, agg.AvgE2ELatency)
	assert.Equal(t, 1, agg.TotalSessions)
}

func TestClientStatusDerivation(t *testing.T) {
	s, _, fake := newTestStore()
	s.IngestLogs("c1", "d", "", []LogPayload{{Message: "hi"}})

	cs := s.Clients()
	assert.Equal(t, "online", cs[0].Status)

	fake.Advance(61 * time.Second)
	cs = s.Clients()
	assert.Equal(t, "idle", cs[0].Status)

	fake.Advance(300 * time.Second)
	cs = s.Clients()
	assert.Equal(t, "offline", cs[0].Status)
}

func TestHeartbeatMintsIDAndUpdates(t *testing.T) {
	s, sink, _ := newTestStore()

	c := s.UpsertHeartbeat(Heartbeat{Name: "iPad", DeviceModel: "iPad14,3"}, "10.0.0.9")
	assert.Assert(t, c.ID != "")
	assert.Equal(t, "iPad", c.Name)
	assert.Equal(t, "iPad14,3", c.DeviceModel)

	got := sink.types()
	assert.Equal(t, events.TypeClientUpdate, got[len(got)-1])

	c2 := s.UpsertHeartbeat(Heartbeat{ClientID: c.ID, AppVersion: "2.1"}, "10.0.0.9")
	assert.Equal(t, c.ID, c2.ID)
	assert.Equal(t, "2.1", c2.AppVersion)
	assert.Equal(t, "iPad", c2.Name)
}

func TestReceivedAtMonotonePerClient(t *testing.T) {
	s, _, fake := newTestStore()
	for i := 0; i < 5; i++ {
		s.IngestLogs("c1", "d", "", []LogPayload{{Message: "x"}})
		fake.Advance(time.Millisecond)
	}
	got, _ := s.QueryLogs(LogFilter{ClientID: "c1"})
	for i := 1; i < len(got); i++ {
		assert.Assert(t, got[i-1].ReceivedAt >= got[i].ReceivedAt)
	}
}
