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

// HourlyMetrics is the immutable aggregate of one finalized hour.
type HourlyMetrics struct {
	Hour string `json:"hour"` // "2025-12-22T14:00:00", UTC

	AvgBatteryDrawW   float64 `json:"avg_battery_draw_w"`
	MaxBatteryDrawW   float64 `json:"max_battery_draw_w"`
	MinBatteryPercent float64 `json:"min_battery_percent"`
	MaxBatteryPercent float64 `json:"max_battery_percent"`

	AvgThermalLevel float64 `json:"avg_thermal_level"`
	MaxThermalLevel int     `json:"max_thermal_level"`
	AvgCPUTempC     float64 `json:"avg_cpu_temp_c"`
	MaxCPUTempC     float64 `json:"max_cpu_temp_c"`

	AvgCPUPercent float64 `json:"avg_cpu_percent"`
	MaxCPUPercent float64 `json:"max_cpu_percent"`

	ServiceCPUAvg map[string]float64 `json:"service_cpu_avg"`
	ServiceCPUMax map[string]float64 `json:"service_cpu_max"`

	TotalRequests   int `json:"total_requests"`
	TotalInferences int `json:"total_inferences"`

	// Seconds spent in each energy tier during the hour.
	IdleStateSeconds map[string]int `json:"idle_state_seconds"`

	SampleCount int `json:"sample_count"`
}

// DailyMetrics is derived deterministically from the day's hourly set.
type DailyMetrics struct {
	Date string `json:"date"` // "2025-12-22"

	AvgBatteryDrawW     float64 `json:"avg_battery_draw_w"`
	MaxBatteryDrawW     float64 `json:"max_battery_draw_w"`
	MinBatteryPercent   float64 `json:"min_battery_percent"`
	BatteryDrainPercent float64 `json:"battery_drain_percent"`

	AvgThermalLevel    float64 `json:"avg_thermal_level"`
	MaxThermalLevel    int     `json:"max_thermal_level"`
	ThermalEventsCount int     `json:"thermal_events_count"` // hours with max_thermal_level > 1
	AvgCPUTempC        float64 `json:"avg_cpu_temp_c"`
	MaxCPUTempC        float64 `json:"max_cpu_temp_c"`

	AvgCPUPercent float64 `json:"avg_cpu_percent"`
	MaxCPUPercent float64 `json:"max_cpu_percent"`

	ServiceCPUAvg map[string]float64 `json:"service_cpu_avg"`

	TotalRequests   int `json:"total_requests"`
	TotalInferences int `json:"total_inferences"`
	ActiveHours     int `json:"active_hours"` // hours with any request activity

	// Hours spent in each energy tier.
	IdleStateHours map[string]float64 `json:"idle_state_hours"`

	HoursAggregated int `json:"hours_aggregated"`
}

// WeekStats is the rolling seven-day slice of the summary view.
type WeekStats struct {
	DaysRecorded    int     `json:"days_recorded"`
	AvgCPUPercent   float64 `json:"avg_cpu_percent"`
	TotalRequests   int     `json:"total_requests"`
	MaxThermalLevel int     `json:"max_thermal_level"`
}

// SummaryStats is the high-level dashboard view.
type SummaryStats struct {
	Today             *DailyMetrics `json:"today"`
	Yesterday         *DailyMetrics `json:"yesterday"`
	ThisWeek          *WeekStats    `json:"this_week"`
	TotalDaysTracked  int           `json:"total_days_tracked"`
	TotalHoursTracked int           `json:"total_hours_tracked"`
	OldestRecord      string        `json:"oldest_record,omitempty"`
}
