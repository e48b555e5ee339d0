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

// Package config loads daemon settings from the environment and an optional
// services.yaml describing the supervised-service table and upstream registry.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

const (
	envHost = "VOICELEARN_MGMT_HOST"
	envPort = "VOICELEARN_MGMT_PORT"
	envData = "VOICELEARN_MGMT_DATA"

	defaultHost = "0.0.0.0"
	defaultPort = 8766
	defaultData = "data"
)

type Config struct {
	Host    string
	Port    int
	DataDir string

	Services  []ServiceConfig  `yaml:"services" validate:"dive"`
	Upstreams []UpstreamConfig `yaml:"upstreams" validate:"dive"`
}

// ServiceConfig describes one supervised child process.
type ServiceConfig struct {
	ID          string            `yaml:"id" validate:"required"`
	Name        string            `yaml:"name" validate:"required"`
	Kind        string            `yaml:"kind" validate:"required,oneof=tts llm stt dashboard custom"`
	Command     []string          `yaml:"command" validate:"required,min=1"`
	WorkingDir  string            `yaml:"working_dir"`
	Port        int               `yaml:"port" validate:"required,gt=0,lte=65535"`
	HealthURL   string            `yaml:"health_url" validate:"required,url"`
	AutoRestart bool              `yaml:"auto_restart"`
	Env         map[string]string `yaml:"env"`
}

// UpstreamConfig describes one entry of the probed server registry.
type UpstreamConfig struct {
	ID   string `yaml:"id" validate:"required"`
	Name string `yaml:"name" validate:"required"`
	Type string `yaml:"type" validate:"required"`
	URL  string `yaml:"url" validate:"required,url"`
	Port int    `yaml:"port" validate:"required,gt=0,lte=65535"`
}

// DefaultUpstreams mirrors the stock local deployment.
func DefaultUpstreams() []UpstreamConfig {
	return []UpstreamConfig{
		{ID: "gateway", Name: "VoiceLearn Gateway", Type: "gateway", URL: "http://localhost:11400", Port: 11400},
		{ID: "ollama", Name: "Ollama LLM", Type: "ollama", URL: "http://localhost:11434", Port: 11434},
		{ID: "whisper", Name: "Whisper STT", Type: "whisper", URL: "http://localhost:11401", Port: 11401},
		{ID: "piper", Name: "Piper TTS", Type: "piper", URL: "http://localhost:11402", Port: 11402},
		{ID: "vibevoice", Name: "VibeVoice TTS", Type: "vibevoice", URL: "http://localhost:8880", Port: 8880},
		{ID: "nextjs", Name: "Web Dashboard", Type: "nextjs", URL: "http://localhost:3000", Port: 3000},
	}
}

// DefaultServices returns the supervised-service table used when no
// services.yaml is present.
func DefaultServices() []ServiceConfig {
	return []ServiceConfig{
		{
			ID:        "vibevoice",
			Name:      "VibeVoice TTS",
			Kind:      "tts",
			Command:   []string{"python3", "vibevoice_realtime_openai_api.py", "--port", "8880", "--device", "mps"},
			Port:      8880,
			HealthURL: "http://localhost:8880/health",
			Env:       map[string]string{"CFG_SCALE": "1.25"},
		},
		{
			ID:        "nextjs",
			Name:      "Web Dashboard",
			Kind:      "dashboard",
			Command:   []string{"npx", "next", "dev"},
			Port:      3000,
			HealthURL: "http://localhost:3000",
		},
	}
}

// Load reads the environment and, if path names an existing file, merges the
// YAML service/upstream tables from it. A missing file is not an error; a
// malformed one is.
func Load(path string) (*Config, error) {
	c := &Config{
		Host:    envOr(envHost, defaultHost),
		Port:    defaultPort,
		DataDir: envOr(envData, defaultData),
	}
	if v := os.Getenv(envPort); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", envPort, v, err)
		}
		c.Port = p
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(raw, c); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	if len(c.Services) == 0 {
		c.Services = DefaultServices()
	}
	if len(c.Upstreams) == 0 {
		c.Upstreams = DefaultUpstreams()
	}

	if err := validator.New().Struct(c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
