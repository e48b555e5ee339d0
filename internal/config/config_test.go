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

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/voicelearn/mgmtd/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("VOICELEARN_MGMT_HOST", "")
	t.Setenv("VOICELEARN_MGMT_PORT", "")

	c, err := config.Load("")
	assert.NilError(t, err)
	assert.Equal(t, "0.0.0.0", c.Host)
	assert.Equal(t, 8766, c.Port)
	assert.Equal(t, "data", c.DataDir)
	assert.Assert(t, len(c.Services) > 0)
	assert.Assert(t, len(c.Upstreams) > 0)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("VOICELEARN_MGMT_HOST", "127.0.0.1")
	t.Setenv("VOICELEARN_MGMT_PORT", "9000")

	c, err := config.Load("")
	assert.NilError(t, err)
	assert.Equal(t, "127.0.0.1", c.Host)
	assert.Equal(t, 9000, c.Port)
}

func TestLoadBadPort(t *testing.T) {
	t.Setenv("VOICELEARN_MGMT_PORT", "not-a-port")

	_, err := config.Load("")
	assert.ErrorContains(t, err, "VOICELEARN_MGMT_PORT")
}

func TestLoadServiceTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "services.yaml")
	body := `services:
  - id: vibevoice
    name: VibeVoice TTS
    kind: tts
    command: ["python3", "server.py"]
    port: 8880
    health_url: http://localhost:8880/health
    auto_restart: true
`
	assert.NilError(t, os.WriteFile(path, []byte(body), 0644))

	c, err := config.Load(path)
	assert.NilError(t, err)
	assert.Equal(t, 1, len(c.Services))
	assert.Equal(t, "vibevoice", c.Services[0].ID)
	assert.Assert(t, c.Services[0].AutoRestart)
}

func TestLoadRejectsInvalidService(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "services.yaml")
	body := `services:
  - id: broken
    name: Broken
    kind: nonsense
    command: ["x"]
    port: 1
    health_url: http://localhost:1/health
`
	assert.NilError(t, os.WriteFile(path, []byte(body), 0644))

	_, err := config.Load(path)
	assert.ErrorContains(t, err, "invalid configuration")
}
