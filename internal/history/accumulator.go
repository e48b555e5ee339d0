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
	"math"

	"github.com/voicelearn/mgmtd/internal/monitor"
)

// hourAccumulator collects samples for one hour before finalization. Rounding
// happens only in finalize; the running sums stay exact.
type hourAccumulator struct {
	hour        string
	sampleCount int

	batteryDrawSum    float64
	batteryDrawMax    float64
	batteryPercentMin float64
	batteryPercentMax float64

	thermalLevelSum float64
	thermalLevelMax int
	cpuTempSum      float64
	cpuTempMax      float64

	cpuPercentSum float64
	cpuPercentMax float64

	serviceCPUSums   map[string]float64
	serviceCPUMaxes  map[string]float64
	serviceCPUCounts map[string]int

	totalRequests   int
	totalInferences int

	idleStateSeconds map[string]int
	lastSampleTime   float64
}

func newHourAccumulator(hour string) *hourAccumulator {
	return &hourAccumulator{
		hour:              hour,
		batteryPercentMin: 100.0,
		serviceCPUSums:    make(map[string]float64),
		serviceCPUMaxes:   make(map[string]float64),
		serviceCPUCounts:  make(map[string]int),
		idleStateSeconds:  make(map[string]int),
	}
}

func (a *hourAccumulator) addSample(sum monitor.Summary, tier string, now float64) {
	a.sampleCount++

	draw := sum.Power.CurrentBatteryDrawW
	if draw == 0 {
		draw = sum.Power.AvgBatteryDrawW
	}
	a.batteryDrawSum += draw
	a.batteryDrawMax = math.Max(a.batteryDrawMax, draw)
	a.batteryPercentMin = math.Min(a.batteryPercentMin, sum.Power.BatteryPercent)
	a.batteryPercentMax = math.Max(a.batteryPercentMax, sum.Power.BatteryPercent)

	a.thermalLevelSum += float64(sum.Thermal.PressureLevel)
	if sum.Thermal.PressureLevel > a.thermalLevelMax {
		a.thermalLevelMax = sum.Thermal.PressureLevel
	}
	a.cpuTempSum += sum.Thermal.CPUTempC
	a.cpuTempMax = math.Max(a.cpuTempMax, sum.Thermal.CPUTempC)

	a.cpuPercentSum += sum.CPU.TotalPercent
	a.cpuPercentMax = math.Max(a.cpuPercentMax, sum.CPU.TotalPercent)

	for svc, pct := range sum.CPU.ByService {
		a.serviceCPUSums[svc] += pct
		a.serviceCPUMaxes[svc] = math.Max(a.serviceCPUMaxes[svc], pct)
		a.serviceCPUCounts[svc]++
	}

	if a.lastSampleTime > 0 {
		a.idleStateSeconds[tier] += int(now - a.lastSampleTime)
	}
	a.lastSampleTime = now
}

func (a *hourAccumulator) finalize() HourlyMetrics {
	if a.sampleCount == 0 {
		return HourlyMetrics{Hour: a.hour}
	}
	n := float64(a.sampleCount)

	serviceAvg := make(map[string]float64, len(a.serviceCPUSums))
	for svc, sum := range a.serviceCPUSums {
		serviceAvg[svc] = round1(sum / float64(a.serviceCPUCounts[svc]))
	}
	serviceMax := make(map[string]float64, len(a.serviceCPUMaxes))
	for svc, v := range a.serviceCPUMaxes {
		serviceMax[svc] = round1(v)
	}

	return HourlyMetrics{
		Hour:              a.hour,
		AvgBatteryDrawW:   round2(a.batteryDrawSum / n),
		MaxBatteryDrawW:   round2(a.batteryDrawMax),
		MinBatteryPercent: round1(a.batteryPercentMin),
		MaxBatteryPercent: round1(a.batteryPercentMax),
		AvgThermalLevel:   round2(a.thermalLevelSum / n),
		MaxThermalLevel:   a.thermalLevelMax,
		AvgCPUTempC:       round1(a.cpuTempSum / n),
		MaxCPUTempC:       round1(a.cpuTempMax),
		AvgCPUPercent:     round1(a.cpuPercentSum / n),
		MaxCPUPercent:     round1(a.cpuPercentMax),
		ServiceCPUAvg:     serviceAvg,
		ServiceCPUMax:     serviceMax,
		TotalRequests:     a.totalRequests,
		TotalInferences:   a.totalInferences,
		IdleStateSeconds:  a.idleStateSeconds,
		SampleCount:       a.sampleCount,
	}
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
