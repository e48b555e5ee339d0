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

// LogEntry is one client log line held in the bounded ring.
type LogEntry struct {
	ID         string         `json:"id"`
	Timestamp  string         `json:"timestamp"`
	Level      string         `json:"level"`
	Label      string         `json:"label"`
	Message    string         `json:"message"`
	File       string         `json:"file"`
	Function   string         `json:"function"`
	Line       int            `json:"line"`
	Metadata   map[string]any `json:"metadata"`
	ClientID   string         `json:"client_id"`
	ClientName string         `json:"client_name"`
	ReceivedAt float64        `json:"received_at"`
}

// LogPayload is the client-submitted shape of one log line.
type LogPayload struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Label     string         `json:"label"`
	Message   string         `json:"message"`
	File      string         `json:"file"`
	Function  string         `json:"function"`
	Line      int            `json:"line"`
	Metadata  map[string]any `json:"metadata"`
}

// MetricsSnapshot is one per-session latency/cost bundle from a client.
type MetricsSnapshot struct {
	ID         string `json:"id"`
	ClientID   string `json:"client_id"`
	ClientName string `json:"client_name"`
	Timestamp  string `json:"timestamp"`
	ReceivedAt float64 `json:"received_at"`

	SessionDuration float64 `json:"session_duration"`
	TurnsTotal      int     `json:"turns_total"`
	Interruptions   int     `json:"interruptions"`

	// Latencies in milliseconds.
	STTLatencyMedian float64 `json:"stt_latency_median"`
	STTLatencyP99    float64 `json:"stt_latency_p99"`
	LLMTTFTMedian    float64 `json:"llm_ttft_median"`
	LLMTTFTP99       float64 `json:"llm_ttft_p99"`
	TTSTTFBMedian    float64 `json:"tts_ttfb_median"`
	TTSTTFBP99       float64 `json:"tts_ttfb_p99"`
	E2ELatencyMedian float64 `json:"e2e_latency_median"`
	E2ELatencyP99    float64 `json:"e2e_latency_p99"`

	STTCost   float64 `json:"stt_cost"`
	TTSCost   float64 `json:"tts_cost"`
	LLMCost   float64 `json:"llm_cost"`
	TotalCost float64 `json:"total_cost"`

	ThermalThrottleEvents int `json:"thermal_throttle_events"`
	NetworkDegradations   int `json:"network_degradations"`

	RawData map[string]any `json:"raw_data"`
}

// metricsPayload is the camelCase shape mobile clients post; it is decoded
// from the raw JSON map with mapstructure.
type metricsPayload struct {
	Timestamp             string  `mapstructure:"timestamp"`
	SessionDuration       float64 `mapstructure:"sessionDuration"`
	TurnsTotal            int     `mapstructure:"turnsTotal"`
	Interruptions         int     `mapstructure:"interruptions"`
	STTLatencyMedian      float64 `mapstructure:"sttLatencyMedian"`
	STTLatencyP99         float64 `mapstructure:"sttLatencyP99"`
	LLMTTFTMedian         float64 `mapstructure:"llmTTFTMedian"`
	LLMTTFTP99            float64 `mapstructure:"llmTTFTP99"`
	TTSTTFBMedian         float64 `mapstructure:"ttsTTFBMedian"`
	TTSTTFBP99            float64 `mapstructure:"ttsTTFBP99"`
	E2ELatencyMedian      float64 `mapstructure:"e2eLatencyMedian"`
	E2ELatencyP99         float64 `mapstructure:"e2eLatencyP99"`
	STTCost               float64 `mapstructure:"sttCost"`
	TTSCost               float64 `mapstructure:"ttsCost"`
	LLMCost               float64 `mapstructure:"llmCost"`
	TotalCost             float64 `mapstructure:"totalCost"`
	ThermalThrottleEvents int     `mapstructure:"thermalThrottleEvents"`
	NetworkDegradations   int     `mapstructure:"networkDegradations"`
}

// RemoteClient is one known mobile client.
type RemoteClient struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	DeviceModel      string         `json:"device_model"`
	OSVersion        string         `json:"os_version"`
	AppVersion       string         `json:"app_version"`
	FirstSeen        float64        `json:"first_seen"`
	LastSeen         float64        `json:"last_seen"`
	IPAddress        string         `json:"ip_address"`
	Status           string         `json:"status"`
	CurrentSessionID string         `json:"current_session_id,omitempty"`
	TotalSessions    int            `json:"total_sessions"`
	TotalLogs        int            `json:"total_logs"`
	Config           map[string]any `json:"config"`
}

// Client status derivation windows.
const (
	clientIdleAfter    = 60.0  // seconds since last_seen
	clientOfflineAfter = 300.0 // seconds since last_seen
)

// Heartbeat is the body of a client registration/refresh.
type Heartbeat struct {
	ClientID    string         `json:"client_id"`
	Name        string         `json:"name"`
	DeviceModel string         `json:"device_model"`
	OSVersion   string         `json:"os_version"`
	AppVersion  string         `json:"app_version"`
	Config      map[string]any `json:"config"`
}

// LogFilter selects log entries for a query. Zero values mean "no filter".
type LogFilter struct {
	Levels   []string // exact level match, any of
	Search   string   // case-insensitive substring of message or label
	ClientID string
	Label    string  // substring of label
	Since    float64 // received_at cutoff, exclusive
	Limit    int
	Offset   int
}

// Stats are the daemon-lifetime ingest counters.
type Stats struct {
	TotalLogsReceived    int     `json:"total_logs_received"`
	TotalMetricsReceived int     `json:"total_metrics_received"`
	ErrorsCount          int     `json:"errors_count"`
	WarningsCount        int     `json:"warnings_count"`
	ServerStartTime      float64 `json:"server_start_time"`
}

// MetricsAggregates are derived averages over a metrics query result.
type MetricsAggregates struct {
	AvgE2ELatency float64 `json:"avg_e2e_latency"`
	AvgLLMTTFT    float64 `json:"avg_llm_ttft"`
	AvgSTTLatency float64 `json:"avg_stt_latency"`
	AvgTTSTTFB    float64 `json:"avg_tts_ttfb"`
	TotalCost     float64 `json:"total_cost"`
	TotalSessions int     `json:"total_sessions"`
	TotalTurns    int     `json:"total_turns"`
}
