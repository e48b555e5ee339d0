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

// Package history rolls streaming resource samples into durable hourly and
// daily aggregates. Hourly buckets finalize at hour boundaries; daily buckets
// are recomputed deterministically from the day's hourly set.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/voicelearn/mgmtd/internal/clock"
	"github.com/voicelearn/mgmtd/internal/logs"
	"github.com/voicelearn/mgmtd/internal/monitor"
)

const (
	hourlyFileName = "metrics_hourly.json"
	dailyFileName  = "metrics_daily.json"

	// FlushInterval is the background persistence cadence.
	FlushInterval = 5 * time.Minute

	hourKeyLayout = "2006-01-02T15:04:05"
	dateKeyLayout = "2006-01-02"
)

// Store owns the hourly/daily aggregates and their persistence.
type Store struct {
	log   logs.StructuredLogger
	clock clock.Clock
	dir   string

	mu          sync.Mutex
	hourly      map[string]HourlyMetrics
	daily       map[string]DailyMetrics
	currentHour string
	acc         *hourAccumulator
	dirty       bool
}

// Open creates a Store rooted at dir and loads any persisted aggregates.
// Missing or corrupt files yield empty state, not an error.
func Open(log logs.StructuredLogger, c clock.Clock, dir string) *Store {
	s := &Store{
		log:    log,
		clock:  c,
		dir:    dir,
		hourly: make(map[string]HourlyMetrics),
		daily:  make(map[string]DailyMetrics),
	}
	s.load()
	return s
}

func (s *Store) load() {
	if err := loadJSON(filepath.Join(s.dir, hourlyFileName), &s.hourly); err != nil {
		s.log.Warnf("loading hourly history: %v", err)
		s.hourly = make(map[string]HourlyMetrics)
	}
	if err := loadJSON(filepath.Join(s.dir, dailyFileName), &s.daily); err != nil {
		s.log.Warnf("loading daily history: %v", err)
		s.daily = make(map[string]DailyMetrics)
	}
	if len(s.hourly) > 0 || len(s.daily) > 0 {
		s.log.Infof("loaded %d hourly and %d daily records", len(s.hourly), len(s.daily))
	}
}

func loadJSON(path string, dst any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// RecordSample folds one resource summary into the current hour under the
// given energy tier. Crossing an hour boundary finalizes the previous hour
// first, so no sample lands in two buckets.
func (s *Store) RecordSample(sum monitor.Summary, tier string) {
	now := s.clock.Now().UTC()
	hourKey := now.Truncate(time.Hour).Format(hourKeyLayout)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentHour != hourKey {
		s.finalizeLocked()
		s.currentHour = hourKey
		s.acc = newHourAccumulator(hourKey)
	}
	s.acc.addSample(sum, tier, unix(now))
	s.dirty = true
}

// RecordActivity counts a request or inference into the current hour.
func (s *Store) RecordActivity(kind string) {
	now := s.clock.Now().UTC()
	hourKey := now.Truncate(time.Hour).Format(hourKeyLayout)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentHour != hourKey {
		s.finalizeLocked()
		s.currentHour = hourKey
		s.acc = newHourAccumulator(hourKey)
	}
	if kind == "inference" {
		s.acc.totalInferences++
	} else {
		s.acc.totalRequests++
	}
	s.dirty = true
}

// finalizeLocked emits the in-progress hour (if it has samples or activity)
// and recomputes the affected daily bucket.
func (s *Store) finalizeLocked() {
	if s.acc == nil {
		return
	}
	if s.acc.sampleCount == 0 && s.acc.totalRequests == 0 && s.acc.totalInferences == 0 {
		return
	}
	hourly := s.acc.finalize()
	s.hourly[hourly.Hour] = hourly
	s.recomputeDailyLocked(hourly.Hour[:10])
	s.dirty = true
	s.log.Infof("finalized hour %s: %d samples", hourly.Hour, hourly.SampleCount)
}

// recomputeDailyLocked rebuilds one daily bucket from its hourly set. The
// computation is idempotent.
func (s *Store) recomputeDailyLocked(dateKey string) {
	var hours []HourlyMetrics
	for k, h := range s.hourly {
		if len(k) >= 10 && k[:10] == dateKey {
			hours = append(hours, h)
		}
	}
	if len(hours) == 0 {
		return
	}
	n := float64(len(hours))

	daily := DailyMetrics{
		Date:              dateKey,
		MinBatteryPercent: 100.0,
		ServiceCPUAvg:     make(map[string]float64),
		IdleStateHours:    make(map[string]float64),
		HoursAggregated:   len(hours),
	}

	serviceSums := make(map[string]float64)
	serviceCounts := make(map[string]int)
	stateSeconds := make(map[string]int)

	for _, h := range hours {
		daily.AvgBatteryDrawW += h.AvgBatteryDrawW
		if h.MaxBatteryDrawW > daily.MaxBatteryDrawW {
			daily.MaxBatteryDrawW = h.MaxBatteryDrawW
		}
		if h.MinBatteryPercent < daily.MinBatteryPercent {
			daily.MinBatteryPercent = h.MinBatteryPercent
		}
		daily.AvgThermalLevel += h.AvgThermalLevel
		if h.MaxThermalLevel > daily.MaxThermalLevel {
			daily.MaxThermalLevel = h.MaxThermalLevel
		}
		if h.MaxThermalLevel > 1 {
			daily.ThermalEventsCount++
		}
		daily.AvgCPUTempC += h.AvgCPUTempC
		if h.MaxCPUTempC > daily.MaxCPUTempC {
			daily.MaxCPUTempC = h.MaxCPUTempC
		}
		daily.AvgCPUPercent += h.AvgCPUPercent
		if h.MaxCPUPercent > daily.MaxCPUPercent {
			daily.MaxCPUPercent = h.MaxCPUPercent
		}
		for svc, cpu := range h.ServiceCPUAvg {
			serviceSums[svc] += cpu
			serviceCounts[svc]++
		}
		daily.TotalRequests += h.TotalRequests
		daily.TotalInferences += h.TotalInferences
		if h.TotalRequests > 0 {
			daily.ActiveHours++
		}
		for state, secs := range h.IdleStateSeconds {
			stateSeconds[state] += secs
		}
	}

	daily.AvgBatteryDrawW = round2(daily.AvgBatteryDrawW / n)
	daily.AvgThermalLevel = round2(daily.AvgThermalLevel / n)
	daily.AvgCPUTempC = round1(daily.AvgCPUTempC / n)
	daily.AvgCPUPercent = round1(daily.AvgCPUPercent / n)
	for svc, sum := range serviceSums {
		daily.ServiceCPUAvg[svc] = round1(sum / float64(serviceCounts[svc]))
	}
	for state, secs := range stateSeconds {
		daily.IdleStateHours[state] = round2(float64(secs) / 3600)
	}

	s.daily[dateKey] = daily
}

// Run drives the periodic flush loop until ctx is cancelled, then finalizes
// the in-progress hour and performs a last flush.
func (s *Store) Run(ctx context.Context) {
	clock.Loop(ctx, s.clock, FlushInterval, func(time.Time) {
		s.checkHourBoundary()
		if err := s.Flush(); err != nil {
			s.log.Errorf("flushing history: %v", err)
		}
	})
	if err := s.Close(); err != nil {
		s.log.Errorf("closing history: %v", err)
	}
}

// checkHourBoundary finalizes the accumulator when the wall hour has moved on
// without a new sample arriving.
func (s *Store) checkHourBoundary() {
	hourKey := s.clock.Now().UTC().Truncate(time.Hour).Format(hourKeyLayout)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentHour != "" && s.currentHour != hourKey {
		s.finalizeLocked()
		s.currentHour = hourKey
		s.acc = newHourAccumulator(hourKey)
	}
}

// Flush persists both maps if anything changed since the last write. Each
// file is written to a temp path and renamed into place.
func (s *Store) Flush() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	hourly := make(map[string]HourlyMetrics, len(s.hourly))
	for k, v := range s.hourly {
		hourly[k] = v
	}
	daily := make(map[string]DailyMetrics, len(s.daily))
	for k, v := range s.daily {
		daily[k] = v
	}
	s.dirty = false
	s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating history dir: %w", err)
	}
	var errs error
	if err := writeJSONAtomic(filepath.Join(s.dir, hourlyFileName), hourly); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("writing hourly history: %w", err))
	}
	if err := writeJSONAtomic(filepath.Join(s.dir, dailyFileName), daily); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("writing daily history: %w", err))
	}
	return errs
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Close finalizes the current hour and flushes.
func (s *Store) Close() error {
	s.mu.Lock()
	s.finalizeLocked()
	s.acc = nil
	s.currentHour = ""
	s.mu.Unlock()
	return s.Flush()
}

// HourlyHistory returns the last days of hourly buckets, oldest-first.
func (s *Store) HourlyHistory(days int) []HourlyMetrics {
	if days <= 0 {
		days = 7
	}
	cutoff := s.clock.Now().UTC().AddDate(0, 0, -days).Format(hourKeyLayout)

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []HourlyMetrics
	for k, h := range s.hourly {
		if k >= cutoff {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour < out[j].Hour })
	return out
}

// DailyHistory returns the last days of daily buckets, oldest-first.
func (s *Store) DailyHistory(days int) []DailyMetrics {
	if days <= 0 {
		days = 30
	}
	cutoff := s.clock.Now().UTC().AddDate(0, 0, -days).Format(dateKeyLayout)

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DailyMetrics
	for k, d := range s.daily {
		if k >= cutoff {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// Summary returns today, yesterday, and the rolling week view.
func (s *Store) Summary() SummaryStats {
	now := s.clock.Now().UTC()
	today := now.Format(dateKeyLayout)
	yesterday := now.AddDate(0, 0, -1).Format(dateKeyLayout)
	weekStart := now.AddDate(0, 0, -7).Format(dateKeyLayout)

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := SummaryStats{
		TotalDaysTracked:  len(s.daily),
		TotalHoursTracked: len(s.hourly),
	}
	if d, ok := s.daily[today]; ok {
		stats.Today = &d
	}
	if d, ok := s.daily[yesterday]; ok {
		stats.Yesterday = &d
	}

	var week []DailyMetrics
	for k, d := range s.daily {
		if k >= weekStart {
			week = append(week, d)
		}
		if stats.OldestRecord == "" || k < stats.OldestRecord {
			stats.OldestRecord = k
		}
	}
	if len(week) > 0 {
		ws := &WeekStats{DaysRecorded: len(week)}
		var cpuSum float64
		for _, d := range week {
			cpuSum += d.AvgCPUPercent
			ws.TotalRequests += d.TotalRequests
			if d.MaxThermalLevel > ws.MaxThermalLevel {
				ws.MaxThermalLevel = d.MaxThermalLevel
			}
		}
		ws.AvgCPUPercent = round1(cpuSum / float64(len(week)))
		stats.ThisWeek = ws
	}
	return stats
}

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
