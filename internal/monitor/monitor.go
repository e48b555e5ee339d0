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

// Package monitor samples host power/thermal state and per-service process
// stats on a fixed cadence, keeping a bounded rolling history. Measurement
// failures degrade to neutral values; the loop never aborts a tick.
package monitor

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/voicelearn/mgmtd/internal/clock"
	"github.com/voicelearn/mgmtd/internal/logs"
)

const (
	// CollectionInterval is the sampling cadence.
	CollectionInterval = 5 * time.Second
	// DefaultHistorySize holds one hour of samples at the default cadence.
	DefaultHistorySize = 720

	activityWindow = 5 * time.Minute
	summaryWindow  = 12 // samples, about one minute
)

// DefaultServicePorts maps service ids to their listening ports for pid
// resolution.
func DefaultServicePorts() map[string]int {
	return map[string]int{
		"management": 8766,
		"ollama":     11434,
		"vibevoice":  8880,
		"nextjs":     3000,
		"piper":      11402,
		"whisper":    11401,
	}
}

// DefaultProcessPatterns maps service ids to pgrep patterns used when port
// lookup finds nothing.
func DefaultProcessPatterns() map[string][]string {
	return map[string][]string{
		"ollama":    {"ollama"},
		"vibevoice": {"vibevoice", "python.*vibevoice"},
		"nextjs":    {"node.*next", "next-server"},
		"piper":     {"piper"},
		"whisper":   {"whisper"},
	}
}

type serviceActivity struct {
	lastRequest  float64
	requests5m   []float64
	inferences5m []float64
}

// Options configure a Monitor. Zero fields take defaults.
type Options struct {
	HistorySize  int
	ServicePorts map[string]int
	Patterns     map[string][]string
	Runner       CommandRunner
	Stats        ProcessStats
	// SampleHook, when set, receives every finished PowerSample. Used to feed
	// the history aggregator.
	SampleHook func(PowerSample)
}

// Monitor owns the collection loop and the rolling histories.
type Monitor struct {
	log   logs.StructuredLogger
	clock clock.Clock
	probe prober
	stats ProcessStats
	hook  func(PowerSample)

	historySize int
	ports       map[string]int
	patterns    map[string][]string

	mu          sync.Mutex
	powerHist   []PowerSample
	processHist []ProcessTick
	services    map[string]ServiceMetrics
	activity    map[string]*serviceActivity
}

func New(log logs.StructuredLogger, c clock.Clock, opts Options) *Monitor {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.ServicePorts == nil {
		opts.ServicePorts = DefaultServicePorts()
	}
	if opts.Patterns == nil {
		opts.Patterns = DefaultProcessPatterns()
	}
	if opts.Runner == nil {
		opts.Runner = RunCommand
	}
	if opts.Stats == nil {
		opts.Stats = ReadProcessStats
	}
	return &Monitor{
		log:         log,
		clock:       c,
		probe:       prober{log: log, run: opts.Runner},
		stats:       opts.Stats,
		hook:        opts.SampleHook,
		historySize: opts.HistorySize,
		ports:       opts.ServicePorts,
		patterns:    opts.Patterns,
		services:    make(map[string]ServiceMetrics),
		activity:    make(map[string]*serviceActivity),
	}
}

// Run drives the collection loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.log.Infof("resource monitor started, interval %s", CollectionInterval)
	clock.Loop(ctx, m.clock, CollectionInterval, func(time.Time) {
		m.CollectOnce(ctx)
	})
	m.log.Infof("resource monitor stopped")
}

// CollectOnce performs a single collection pass.
func (m *Monitor) CollectOnce(ctx context.Context) {
	power := m.collectPower(ctx)
	processes := m.collectProcesses(ctx)

	m.mu.Lock()
	m.powerHist = appendBounded(m.powerHist, power, m.historySize)
	m.processHist = appendBounded(m.processHist, ProcessTick{
		Timestamp: unix(m.clock.Now()),
		Processes: processes,
	}, m.historySize)
	m.updateServicesLocked(processes)
	m.mu.Unlock()

	if m.hook != nil {
		m.hook(power)
	}
}

func (m *Monitor) collectPower(ctx context.Context) PowerSample {
	s := PowerSample{
		Timestamp:      unix(m.clock.Now()),
		BatteryPercent: 100.0,
	}
	s.ThermalPressure, s.ThermalPressureLevel = m.probe.thermalPressure(ctx)
	s.CPUUsagePercent = m.probe.cpuUsage(ctx)
	s.BatteryPercent, s.BatteryCharging, s.BatteryPowerDrawW = m.probe.batteryInfo(ctx)
	return s
}

func (m *Monitor) collectProcesses(ctx context.Context) []ProcessSample {
	var out []ProcessSample
	seen := make(map[string]bool)

	for id, port := range m.ports {
		pid, ok := m.probe.pidByPort(ctx, port)
		if !ok {
			continue
		}
		sample, err := m.stats(pid)
		if err != nil {
			m.log.Debugf("process stats for %s (pid %d): %v", id, pid, err)
			continue
		}
		sample.ServiceID = id
		sample.Name = id
		out = append(out, sample)
		seen[id] = true
	}

	for id, patterns := range m.patterns {
		if seen[id] {
			continue
		}
		for _, pattern := range patterns {
			pid, ok := m.probe.pidByPattern(ctx, pattern)
			if !ok {
				continue
			}
			sample, err := m.stats(pid)
			if err == nil {
				sample.ServiceID = id
				sample.Name = id
				out = append(out, sample)
			}
			break
		}
	}
	return out
}

func (m *Monitor) updateServicesLocked(processes []ProcessSample) {
	now := unix(m.clock.Now())
	for _, proc := range processes {
		if proc.ServiceID == "" {
			continue
		}
		sm := ServiceMetrics{
			ServiceID:       proc.ServiceID,
			ServiceName:     titleCase(proc.ServiceID),
			Status:          "running",
			CPUPercent:      proc.CPUPercent,
			MemoryMB:        proc.MemoryMB,
			EstimatedPowerW: estimatePower(proc.CPUPercent),
		}
		if act, ok := m.activity[proc.ServiceID]; ok {
			last := act.lastRequest
			sm.LastRequestTime = &last
			sm.RequestCount5m = countAfter(act.requests5m, now-activityWindow.Seconds())
		}
		m.services[proc.ServiceID] = sm
	}
}

// RecordServiceActivity notes a request or inference against a service; the
// rolling 5-minute counts feed the dashboard summary. Called on the request
// hot path.
func (m *Monitor) RecordServiceActivity(serviceID, kind string) {
	now := unix(m.clock.Now())
	cutoff := now - activityWindow.Seconds()

	m.mu.Lock()
	defer m.mu.Unlock()
	act, ok := m.activity[serviceID]
	if !ok {
		act = &serviceActivity{}
		m.activity[serviceID] = act
	}
	act.lastRequest = now
	switch kind {
	case "inference":
		act.inferences5m = pruneBefore(append(act.inferences5m, now), cutoff)
	default:
		act.requests5m = pruneBefore(append(act.requests5m, now), cutoff)
	}
}

// CurrentSnapshot returns the latest sample plus the per-service aggregates.
func (m *Monitor) CurrentSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Timestamp: unix(m.clock.Now()),
		Processes: []ProcessSample{},
		Services:  copyServices(m.services),
	}
	if n := len(m.powerHist); n > 0 {
		snap.Power = m.powerHist[n-1]
	}
	if n := len(m.processHist); n > 0 {
		snap.Processes = m.processHist[n-1].Processes
	}
	return snap
}

// Summary derives the dashboard view from the last minute of samples.
func (m *Monitor) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	recentPower := tail(m.powerHist, summaryWindow)
	recentProcs := tail(m.processHist, summaryWindow)

	var current PowerSample
	var avgBatteryDraw float64
	if n := len(recentPower); n > 0 {
		current = recentPower[n-1]
		var sum float64
		for _, p := range recentPower {
			sum += p.BatteryPowerDrawW
		}
		avgBatteryDraw = sum / float64(n)
	}

	cpuByService := make(map[string]float64)
	cpuCounts := make(map[string]int)
	for _, tick := range recentProcs {
		for _, proc := range tick.Processes {
			id := proc.ServiceID
			if id == "" {
				id = proc.Name
			}
			cpuByService[id] += proc.CPUPercent
			cpuCounts[id]++
		}
	}
	for id, sum := range cpuByService {
		cpuByService[id] = math.Round(sum/float64(cpuCounts[id])*10) / 10
	}

	var totalServicePower float64
	for _, sm := range m.services {
		totalServicePower += sm.EstimatedPowerW
	}

	return Summary{
		Timestamp: unix(m.clock.Now()),
		Power: PowerSummary{
			CurrentBatteryDrawW:    round2(current.BatteryPowerDrawW),
			AvgBatteryDrawW:        round2(avgBatteryDraw),
			BatteryPercent:         current.BatteryPercent,
			BatteryCharging:        current.BatteryCharging,
			EstimatedServicePowerW: round2(totalServicePower),
		},
		Thermal: ThermalSummary{
			Pressure:      pressureOrNominal(current.ThermalPressure),
			PressureLevel: current.ThermalPressureLevel,
			CPUTempC:      current.CPUTempC,
			GPUTempC:      current.GPUTempC,
			FanSpeedRPM:   current.FanSpeedRPM,
		},
		CPU: CPUSummary{
			TotalPercent: current.CPUUsagePercent,
			ByService:    cpuByService,
		},
		Services:       copyServices(m.services),
		HistoryMinutes: float64(len(m.powerHist)) * CollectionInterval.Seconds() / 60,
	}
}

// PowerHistory returns the most recent limit power samples, oldest-first.
func (m *Monitor) PowerHistory(limit int) []PowerSample {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PowerSample(nil), tail(m.powerHist, limit)...)
}

// ProcessHistory returns the most recent limit process ticks, oldest-first.
func (m *Monitor) ProcessHistory(limit int) []ProcessTick {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ProcessTick(nil), tail(m.processHist, limit)...)
}

// Services returns the current per-service aggregates.
func (m *Monitor) Services() map[string]ServiceMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyServices(m.services)
}

// estimatePower is a rough M-series coefficient: base overhead plus a linear
// CPU contribution.
func estimatePower(cpuPercent float64) float64 {
	return round2(0.5 + cpuPercent*0.3)
}

func appendBounded[T any](s []T, v T, max int) []T {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

func tail[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func pruneBefore(ts []float64, cutoff float64) []float64 {
	out := ts[:0]
	for _, t := range ts {
		if t > cutoff {
			out = append(out, t)
		}
	}
	return out
}

func countAfter(ts []float64, cutoff float64) int {
	n := 0
	for _, t := range ts {
		if t > cutoff {
			n++
		}
	}
	return n
}

func copyServices(in map[string]ServiceMetrics) map[string]ServiceMetrics {
	out := make(map[string]ServiceMetrics, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func pressureOrNominal(p string) string {
	if p == "" {
		return "nominal"
	}
	return p
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
