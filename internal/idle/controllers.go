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

package idle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/voicelearn/mgmtd/internal/logs"
)

// TTSController unloads and pre-warms the TTS upstream.
type TTSController interface {
	Unload(ctx context.Context) error
	Load(ctx context.Context) error
}

// LLMController unloads all models held by the LLM runtime.
type LLMController interface {
	UnloadAll(ctx context.Context) error
}

const (
	unloadTimeout = 10 * time.Second
	listTimeout   = 5 * time.Second
)

// HTTPTTSController drives the TTS service over its admin endpoints.
type HTTPTTSController struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPTTSController(baseURL string) *HTTPTTSController {
	return &HTTPTTSController{BaseURL: baseURL, Client: &http.Client{}}
}

func (c *HTTPTTSController) Unload(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, unloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/admin/unload", nil)
	if err != nil {
		return err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tts unload returned %d", resp.StatusCode)
	}
	return nil
}

// Load warms the service by touching its health endpoint; the model itself
// reloads lazily on the first synthesis request.
func (c *HTTPTTSController) Load(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// HTTPLLMController drives the LLM runtime: list loaded models, then unload
// each by generating with keep_alive zero.
type HTTPLLMController struct {
	BaseURL string
	Client  *http.Client
	Log     logs.StructuredLogger
}

func NewHTTPLLMController(log logs.StructuredLogger, baseURL string) *HTTPLLMController {
	return &HTTPLLMController{BaseURL: baseURL, Client: &http.Client{}, Log: log}
}

func (c *HTTPLLMController) UnloadAll(ctx context.Context) error {
	listCtx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(listCtx, http.MethodGet, c.BaseURL+"/api/ps", nil)
	if err != nil {
		return err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("llm ps returned %d", resp.StatusCode)
	}

	var loaded struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&loaded); err != nil {
		return fmt.Errorf("decoding llm ps response: %w", err)
	}

	for _, m := range loaded.Models {
		if m.Name == "" {
			continue
		}
		if err := c.unloadModel(ctx, m.Name); err != nil {
			c.Log.Debugf("unloading model %s: %v", m.Name, err)
			continue
		}
		c.Log.Infof("unloaded model %s", m.Name)
	}
	return nil
}

func (c *HTTPLLMController) unloadModel(ctx context.Context, model string) error {
	ctx, cancel := context.WithTimeout(ctx, unloadTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{"model": model, "keep_alive": 0})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
