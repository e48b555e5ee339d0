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

package monitor

// PowerSample is one point-in-time reading of host power and thermal state.
// Fields that could not be measured hold their neutral value.
type PowerSample struct {
	Timestamp float64 `json:"timestamp"`

	CPUPowerW     float64 `json:"cpu_power_w"`
	GPUPowerW     float64 `json:"gpu_power_w"`
	ANEPowerW     float64 `json:"ane_power_w"`
	PackagePowerW float64 `json:"package_power_w"`

	CPUTempC float64 `json:"cpu_temp_c"`
	GPUTempC float64 `json:"gpu_temp_c"`

	// nominal, fair, serious, critical.
	ThermalPressure      string `json:"thermal_pressure"`
	ThermalPressureLevel int    `json:"thermal_pressure_level"`

	FanSpeedRPM int `json:"fan_speed_rpm"`

	BatteryPercent    float64 `json:"battery_percent"`
	BatteryCharging   bool    `json:"battery_charging"`
	BatteryPowerDrawW float64 `json:"battery_power_draw_w"`

	CPUUsagePercent float64 `json:"cpu_usage_percent"`
}

// ProcessSample is one per-service process reading.
type ProcessSample struct {
	PID           int     `json:"pid"`
	Name          string  `json:"name"`
	ServiceID     string  `json:"service_id"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	ThreadCount   int     `json:"thread_count"`
}

// ProcessTick groups the per-service samples taken in one collection pass.
type ProcessTick struct {
	Timestamp float64         `json:"timestamp"`
	Processes []ProcessSample `json:"processes"`
}

// ServiceMetrics is the aggregated per-service view kept current by the
// collection loop and enriched by activity tracking.
type ServiceMetrics struct {
	ServiceID       string   `json:"service_id"`
	ServiceName     string   `json:"service_name"`
	Status          string   `json:"status"`
	CPUPercent      float64  `json:"cpu_percent"`
	MemoryMB        float64  `json:"memory_mb"`
	GPUMemoryMB     float64  `json:"gpu_memory_mb"`
	LastRequestTime *float64 `json:"last_request_time"`
	RequestCount5m  int      `json:"request_count_5m"`
	ModelLoaded     bool     `json:"model_loaded"`
	EstimatedPowerW float64  `json:"estimated_power_w"`
}

// Snapshot is the full current state returned by the resources endpoint.
type Snapshot struct {
	Timestamp float64                   `json:"timestamp"`
	Power     PowerSample               `json:"power"`
	Processes []ProcessSample           `json:"processes"`
	Services  map[string]ServiceMetrics `json:"services"`
}

// Summary is the dashboard view derived from the last minute of samples.
type Summary struct {
	Timestamp      float64                   `json:"timestamp"`
	Power          PowerSummary              `json:"power"`
	Thermal        ThermalSummary            `json:"thermal"`
	CPU            CPUSummary                `json:"cpu"`
	Services       map[string]ServiceMetrics `json:"services"`
	HistoryMinutes float64                   `json:"history_minutes"`
}

type PowerSummary struct {
	CurrentBatteryDrawW    float64 `json:"current_battery_draw_w"`
	AvgBatteryDrawW        float64 `json:"avg_battery_draw_w"`
	BatteryPercent         float64 `json:"battery_percent"`
	BatteryCharging        bool    `json:"battery_charging"`
	EstimatedServicePowerW float64 `json:"estimated_service_power_w"`
}

type ThermalSummary struct {
	Pressure      string  `json:"pressure"`
	PressureLevel int     `json:"pressure_level"`
	CPUTempC      float64 `json:"cpu_temp_c"`
	GPUTempC      float64 `json:"gpu_temp_c"`
	FanSpeedRPM   int     `json:"fan_speed_rpm"`
}

type CPUSummary struct {
	TotalPercent float64            `json:"total_percent"`
	ByService    map[string]float64 `json:"by_service"`
}
