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

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicelearn/mgmtd/internal/clock"
	"github.com/voicelearn/mgmtd/internal/config"
	"github.com/voicelearn/mgmtd/internal/logs"
)

const upstreamProbeTimeout = 5 * time.Second

// ErrUpstreamNotFound is returned for unknown registry ids.
var ErrUpstreamNotFound = errors.New("server not found")

// Upstream is one probed backend in the server registry.
type Upstream struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Type           string         `json:"type"`
	URL            string         `json:"url"`
	Port           int            `json:"port"`
	Status         string         `json:"status"` // unknown, healthy, degraded, unhealthy
	LastCheck      float64        `json:"last_check"`
	ResponseTimeMS float64        `json:"response_time_ms"`
	Capabilities   map[string]any `json:"capabilities"`
	Models         []string       `json:"models"`
	ErrorMessage   string         `json:"error_message"`
}

// AddUpstreamRequest is the POST /api/servers body.
type AddUpstreamRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	URL  string `json:"url"`
	Port int    `json:"port"`
}

// Registry holds the upstream servers the daemon probes on demand.
type Registry struct {
	log    logs.StructuredLogger
	clock  clock.Clock
	client *http.Client

	mu      sync.Mutex
	servers map[string]*Upstream
	order   []string
}

func NewRegistry(log logs.StructuredLogger, c clock.Clock, client *http.Client, upstreams []config.UpstreamConfig) *Registry {
	if client == nil {
		client = &http.Client{Timeout: upstreamProbeTimeout}
	}
	r := &Registry{
		log:     log,
		clock:   c,
		client:  client,
		servers: make(map[string]*Upstream),
	}
	for _, u := range upstreams {
		r.servers[u.ID] = &Upstream{
			ID:           u.ID,
			Name:         u.Name,
			Type:         u.Type,
			URL:          u.URL,
			Port:         u.Port,
			Status:       "unknown",
			Capabilities: map[string]any{},
			Models:       []string{},
		}
		r.order = append(r.order, u.ID)
	}
	return r
}

// healthPath picks the probe endpoint by server type.
func healthPath(serverType string) string {
	switch serverType {
	case "ollama":
		return "/api/tags"
	case "piper":
		return "/voices"
	default:
		return "/health"
	}
}

// ProbeAll checks every server concurrently and returns the refreshed list in
// registration order.
func (r *Registry) ProbeAll(ctx context.Context) []Upstream {
	r.mu.Lock()
	targets := make([]*Upstream, 0, len(r.order))
	for _, id := range r.order {
		targets = append(targets, r.servers[id])
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, u := range targets {
		wg.Add(1)
		go func(u *Upstream) {
			defer wg.Done()
			r.probe(ctx, u)
		}(u)
	}
	wg.Wait()

	return r.List()
}

// probe checks one server and updates it in place under the registry lock.
func (r *Registry) probe(ctx context.Context, u *Upstream) {
	r.mu.Lock()
	url := u.URL + healthPath(u.Type)
	serverType := u.Type
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, upstreamProbeTimeout)
	defer cancel()

	start := r.clock.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		r.markUnhealthy(u, err.Error())
		return
	}
	resp, err := r.client.Do(req)
	elapsed := r.clock.Now().Sub(start)
	if err != nil {
		r.markUnhealthy(u, err.Error())
		return
	}
	defer resp.Body.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	u.LastCheck = unixSeconds(r.clock.Now())
	u.ResponseTimeMS = roundMS(elapsed)

	switch {
	case resp.StatusCode == http.StatusOK:
		u.Status = "healthy"
		u.ErrorMessage = ""
		var body any
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
			switch serverType {
			case "ollama":
				u.Models = ollamaModelNames(body)
				u.Capabilities = map[string]any{"models": u.Models}
			case "piper":
				u.Capabilities = map[string]any{"voices": body}
			}
		}
	case resp.StatusCode == http.StatusServiceUnavailable:
		u.Status = "degraded"
	default:
		u.Status = "unhealthy"
		u.ErrorMessage = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
}

func (r *Registry) markUnhealthy(u *Upstream, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u.Status = "unhealthy"
	u.ErrorMessage = reason
	u.LastCheck = unixSeconds(r.clock.Now())
}

func ollamaModelNames(body any) []string {
	names := []string{}
	m, ok := body.(map[string]any)
	if !ok {
		return names
	}
	models, ok := m["models"].([]any)
	if !ok {
		return names
	}
	for _, entry := range models {
		if em, ok := entry.(map[string]any); ok {
			if name, ok := em["name"].(string); ok && name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}

// Add registers a server, probes it once, and returns the stored record.
func (r *Registry) Add(ctx context.Context, req AddUpstreamRequest) Upstream {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	name := req.Name
	if name == "" {
		name = "Custom Server"
	}
	serverType := req.Type
	if serverType == "" {
		serverType = "custom"
	}
	port := req.Port
	if port == 0 {
		port = 8080
	}
	u := &Upstream{
		ID:           id,
		Name:         name,
		Type:         serverType,
		URL:          req.URL,
		Port:         port,
		Status:       "unknown",
		Capabilities: map[string]any{},
		Models:       []string{},
	}
	r.probe(ctx, u)

	r.mu.Lock()
	if _, exists := r.servers[id]; !exists {
		r.order = append(r.order, id)
	}
	r.servers[id] = u
	out := *u
	r.mu.Unlock()
	return out
}

// Delete removes a server from the registry.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUpstreamNotFound, id)
	}
	delete(r.servers, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// List returns the current snapshot in registration order without probing.
func (r *Registry) List() []Upstream {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Upstream, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.servers[id])
	}
	return out
}

// Get returns one server by id.
func (r *Registry) Get(id string) (Upstream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.servers[id]
	if !ok {
		return Upstream{}, false
	}
	return *u, true
}

// ModelEntry is one row of the aggregated model catalog.
type ModelEntry struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Type          string  `json:"type"` // llm, stt, tts
	ServerID      string  `json:"server_id"`
	ServerName    string  `json:"server_name"`
	Status        string  `json:"status"` // loaded, available
	SizeBytes     int64   `json:"size_bytes"`
	SizeGB        float64 `json:"size_gb"`
	ParameterSize string  `json:"parameter_size,omitempty"`
	Quantization  string  `json:"quantization,omitempty"`
	Family        string  `json:"family,omitempty"`
	VRAMBytes     int64   `json:"vram_bytes"`
	VRAMGB        float64 `json:"vram_gb"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name    string `json:"name"`
		Size    int64  `json:"size"`
		Details struct {
			ParameterSize     string `json:"parameter_size"`
			QuantizationLevel string `json:"quantization_level"`
			Family            string `json:"family"`
		} `json:"details"`
	} `json:"models"`
}

type ollamaPSResponse struct {
	Models []struct {
		Name     string `json:"name"`
		SizeVRAM int64  `json:"size_vram"`
	} `json:"models"`
}

// Catalog aggregates the models offered by every healthy server. For the LLM
// runtime it merges the tag list with the loaded set so the dashboard can show
// which models currently occupy memory.
func (r *Registry) Catalog(ctx context.Context) ([]ModelEntry, int64, int64) {
	models := []ModelEntry{}
	var totalSize, totalVRAM int64

	for _, u := range r.List() {
		if u.Status != "healthy" {
			continue
		}
		switch u.Type {
		case "ollama":
			entries := r.ollamaCatalog(ctx, u)
			for _, e := range entries {
				totalSize += e.SizeBytes
				totalVRAM += e.VRAMBytes
			}
			models = append(models, entries...)
		case "whisper":
			models = append(models, ModelEntry{
				ID:         u.ID + ":whisper",
				Name:       "Whisper",
				Type:       "stt",
				ServerID:   u.ID,
				ServerName: u.Name,
				Status:     "available",
			})
		case "piper":
			models = append(models, piperVoices(u)...)
		case "vibevoice":
			const size = 2 << 30
			totalSize += size
			models = append(models, ModelEntry{
				ID:            u.ID + ":vibevoice",
				Name:          "VibeVoice-Realtime-0.5B",
				Type:          "tts",
				ServerID:      u.ID,
				ServerName:    u.Name,
				Status:        "loaded",
				SizeBytes:     size,
				SizeGB:        2.0,
				ParameterSize: "0.5B",
			})
		}
	}
	return models, totalSize, totalVRAM
}

func (r *Registry) ollamaCatalog(ctx context.Context, u Upstream) []ModelEntry {
	var tags ollamaTagsResponse
	if err := r.getJSON(ctx, u.URL+"/api/tags", &tags); err != nil {
		r.log.Debugf("ollama tags from %s: %v", u.URL, err)
		return nil
	}
	loaded := map[string]int64{}
	var ps ollamaPSResponse
	if err := r.getJSON(ctx, u.URL+"/api/ps", &ps); err == nil {
		for _, m := range ps.Models {
			loaded[m.Name] = m.SizeVRAM
		}
	}

	entries := make([]ModelEntry, 0, len(tags.Models))
	for _, m := range tags.Models {
		vram, isLoaded := loaded[m.Name]
		status := "available"
		if isLoaded {
			status = "loaded"
		}
		entries = append(entries, ModelEntry{
			ID:            u.ID + ":" + m.Name,
			Name:          m.Name,
			Type:          "llm",
			ServerID:      u.ID,
			ServerName:    u.Name,
			Status:        status,
			SizeBytes:     m.Size,
			SizeGB:        roundGB(m.Size),
			ParameterSize: m.Details.ParameterSize,
			Quantization:  m.Details.QuantizationLevel,
			Family:        m.Details.Family,
			VRAMBytes:     vram,
			VRAMGB:        roundGB(vram),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// piperVoices flattens the voices capability, which can arrive nested as
// {"voices": {"voices": [...]}} or as a bare list.
func piperVoices(u Upstream) []ModelEntry {
	raw, ok := u.Capabilities["voices"]
	if !ok {
		return nil
	}
	if m, isMap := raw.(map[string]any); isMap {
		raw = m["voices"]
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	if len(list) > 10 {
		list = list[:10]
	}

	var entries []ModelEntry
	for _, v := range list {
		name := "unknown"
		switch voice := v.(type) {
		case string:
			name = voice
		case map[string]any:
			if n, ok := voice["name"].(string); ok {
				name = n
			}
		}
		entries = append(entries, ModelEntry{
			ID:         u.ID + ":" + name,
			Name:       name,
			Type:       "tts",
			ServerID:   u.ID,
			ServerName: u.Name,
			Status:     "available",
		})
	}
	return entries
}

func (r *Registry) getJSON(ctx context.Context, url string, dst any) error {
	ctx, cancel := context.WithTimeout(ctx, upstreamProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func roundMS(d time.Duration) float64 {
	ms := float64(d.Microseconds()) / 1000.0
	return float64(int(ms*100+0.5)) / 100
}

func roundGB(bytes int64) float64 {
	gb := float64(bytes) / (1 << 30)
	return float64(int(gb*100+0.5)) / 100
}
