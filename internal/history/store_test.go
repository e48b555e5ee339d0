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

package history

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"

	"github.com/voicelearn/mgmtd/internal/clock"
	"github.com/voicelearn/mgmtd/internal/logs"
	"github.com/voicelearn/mgmtd/internal/monitor"
)

func summaryWith(drawW, cpuPct float64, thermalLevel int) monitor.Summary {
	return monitor.Summary{
		Power: monitor.PowerSummary{
			CurrentBatteryDrawW: drawW,
			BatteryPercent:      80,
		},
		Thermal: monitor.ThermalSummary{PressureLevel: thermalLevel},
		CPU: monitor.CPUSummary{
			TotalPercent: cpuPct,
			ByService:    map[string]float64{"ollama": cpuPct / 2},
		},
	}
}

func TestHourRollover(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 14, 59, 55, 0, time.UTC))
	s := Open(logs.DiscardLogger(), fake, t.TempDir())

	// One sample just before the boundary, one just after.
	s.RecordSample(summaryWith(10, 30, 0), "ACTIVE")
	fake.Advance(5 * time.Second) // 15:00:00
	s.RecordSample(summaryWith(20, 40, 0), "ACTIVE")
	fake.Advance(5 * time.Second)
	s.RecordSample(summaryWith(20, 40, 0), "ACTIVE")

	// Crossing into 15:00 finalized the 14:00 bucket with exactly one sample.
	hourly := s.HourlyHistory(1)
	assert.Equal(t, 1, len(hourly))
	assert.Equal(t, "2025-06-01T14:00:00", hourly[0].Hour)
	assert.Equal(t, 1, hourly[0].SampleCount)
	assert.Equal(t, 10.0, hourly[0].AvgBatteryDrawW)

	// Closing attributes the in-progress 15:00 bucket too; totals match the
	// number of samples observed.
	assert.NilError(t, s.Close())
	hourly = s.HourlyHistory(1)
	assert.Equal(t, 2, len(hourly))
	assert.Equal(t, "2025-06-01T15:00:00", hourly[1].Hour)
	assert.Equal(t, 2, hourly[1].SampleCount)
	total := 0
	for _, h := range hourly {
		total += h.SampleCount
	}
	assert.Equal(t, 3, total)

	daily := s.DailyHistory(1)
	assert.Equal(t, 1, len(daily))
	assert.Equal(t, 2, daily[0].HoursAggregated)
}

func TestDailyIsDeterministicFromHourly(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	s := Open(logs.DiscardLogger(), fake, t.TempDir())

	for hour := 0; hour < 3; hour++ {
		for i := 0; i < 4; i++ {
			s.RecordSample(summaryWith(float64(10+hour), float64(20+i), hour), "WARM")
			fake.Advance(10 * time.Second)
		}
		fake.Advance(time.Hour)
	}
	assert.NilError(t, s.Close())

	first := s.DailyHistory(1)[0]

	// Recomputing from the same hourly set yields the identical bucket.
	s.mu.Lock()
	s.recomputeDailyLocked("2025-06-01")
	s.mu.Unlock()
	second := s.DailyHistory(1)[0]
	assert.DeepEqual(t, first, second)

	// Hours with max thermal level > 1 count as thermal events.
	assert.Equal(t, 1, second.ThermalEventsCount)
}

func TestIdleStateDwellTime(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	s := Open(logs.DiscardLogger(), fake, t.TempDir())

	s.RecordSample(summaryWith(5, 10, 0), "ACTIVE")
	fake.Advance(5 * time.Second)
	s.RecordSample(summaryWith(5, 10, 0), "ACTIVE")
	fake.Advance(5 * time.Second)
	s.RecordSample(summaryWith(5, 10, 0), "WARM")
	assert.NilError(t, s.Close())

	h := s.HourlyHistory(1)[0]
	assert.Equal(t, 5, h.IdleStateSeconds["ACTIVE"])
	assert.Equal(t, 5, h.IdleStateSeconds["WARM"])
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fake := clock.NewFake(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))

	s := Open(logs.DiscardLogger(), fake, dir)
	s.RecordSample(summaryWith(12, 33, 1), "COOL")
	s.RecordActivity("request")
	s.RecordActivity("inference")
	assert.NilError(t, s.Close())

	for _, name := range []string{"metrics_hourly.json", "metrics_daily.json"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NilError(t, err)
	}

	reloaded := Open(logs.DiscardLogger(), fake, dir)
	if diff := cmp.Diff(s.HourlyHistory(1), reloaded.HourlyHistory(1)); diff != "" {
		t.Errorf("hourly mismatch after reload (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(s.DailyHistory(1), reloaded.DailyHistory(1)); diff != "" {
		t.Errorf("daily mismatch after reload (-want +got):\n%s", diff)
	}

	h := reloaded.HourlyHistory(1)[0]
	assert.Equal(t, 1, h.TotalRequests)
	assert.Equal(t, 1, h.TotalInferences)
}

func TestCorruptFilesYieldEmptyState(t *testing.T) {
	dir := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "metrics_hourly.json"), []byte("{not json"), 0o644))

	fake := clock.NewFake(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	s := Open(logs.DiscardLogger(), fake, dir)
	assert.Equal(t, 0, len(s.HourlyHistory(30)))
}

func TestSummaryStatsWindows(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	s := Open(logs.DiscardLogger(), fake, t.TempDir())

	// Yesterday's bucket.
	s.daily["2025-06-01"] = DailyMetrics{Date: "2025-06-01", AvgCPUPercent: 40, TotalRequests: 10, MaxThermalLevel: 2}
	// Today's bucket.
	s.daily["2025-06-02"] = DailyMetrics{Date: "2025-06-02", AvgCPUPercent: 20, TotalRequests: 4}
	// Too old for the week window.
	s.daily["2025-05-01"] = DailyMetrics{Date: "2025-05-01", AvgCPUPercent: 99, TotalRequests: 100}

	stats := s.Summary()
	assert.Assert(t, stats.Today != nil)
	assert.Equal(t, "2025-06-02", stats.Today.Date)
	assert.Assert(t, stats.Yesterday != nil)
	assert.Equal(t, 2, stats.ThisWeek.DaysRecorded)
	assert.Equal(t, 14, stats.ThisWeek.TotalRequests)
	assert.Equal(t, 30.0, stats.ThisWeek.AvgCPUPercent)
	assert.Equal(t, 2, stats.ThisWeek.MaxThermalLevel)
	assert.Equal(t, "2025-05-01", stats.OldestRecord)
	assert.Equal(t, 3, stats.TotalDaysTracked)
}
