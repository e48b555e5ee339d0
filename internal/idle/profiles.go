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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/voicelearn/mgmtd/internal/logs"
)

// DisabledThreshold effectively disables a tier.
const DisabledThreshold = 9999999

// ProfilesFileName is the custom-profile store under the data dir.
const ProfilesFileName = "power_profiles.json"

var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrBuiltinProfile  = errors.New("built-in profiles are immutable")
)

// Thresholds are the idle durations, in seconds, at which each tier engages.
type Thresholds struct {
	Warm    int `json:"warm" validate:"gt=0"`
	Cool    int `json:"cool" validate:"gt=0"`
	Cold    int `json:"cold" validate:"gt=0"`
	Dormant int `json:"dormant" validate:"gt=0"`
}

// tierFor selects the deepest tier whose threshold has elapsed.
func (t Thresholds) tierFor(idleSeconds float64) Tier {
	switch {
	case idleSeconds >= float64(t.Dormant):
		return TierDormant
	case idleSeconds >= float64(t.Cold):
		return TierCold
	case idleSeconds >= float64(t.Cool):
		return TierCool
	case idleSeconds >= float64(t.Warm):
		return TierWarm
	default:
		return TierActive
	}
}

// validateThresholds enforces strictly increasing values; the disabled
// sentinel may repeat at the tail.
func validateThresholds(sl validator.StructLevel) {
	t := sl.Current().Interface().(Thresholds)
	ordered := []int{t.Warm, t.Cool, t.Cold, t.Dormant}
	names := []string{"Warm", "Cool", "Cold", "Dormant"}
	for i := 1; i < len(ordered); i++ {
		if ordered[i] >= DisabledThreshold && ordered[i-1] >= DisabledThreshold {
			continue
		}
		if ordered[i] <= ordered[i-1] {
			sl.ReportError(ordered[i], names[i], names[i], "increasing", "")
		}
	}
}

// Profile is a named bundle of thresholds plus the enabled flag. A disabled
// profile suppresses all timer-driven transitions.
type Profile struct {
	Name        string     `json:"name" validate:"required"`
	Description string     `json:"description"`
	Thresholds  Thresholds `json:"thresholds"`
	Enabled     bool       `json:"enabled"`
}

// ProfileView is a Profile annotated for API responses.
type ProfileView struct {
	Profile
	ID        string `json:"id"`
	IsBuiltin bool   `json:"is_builtin"`
	IsCustom  bool   `json:"is_custom"`
}

// BuiltinProfiles are baked in and immutable.
func BuiltinProfiles() map[string]Profile {
	return map[string]Profile{
		"performance": {
			Name:        "Performance",
			Description: "Never idle, always ready. Maximum responsiveness, highest power.",
			Thresholds:  Thresholds{Warm: DisabledThreshold, Cool: DisabledThreshold, Cold: DisabledThreshold, Dormant: DisabledThreshold},
			Enabled:     false,
		},
		"balanced": {
			Name:        "Balanced",
			Description: "Default settings. Good balance of responsiveness and power saving.",
			Thresholds:  Thresholds{Warm: 30, Cool: 300, Cold: 1800, Dormant: 7200},
			Enabled:     true,
		},
		"power_saver": {
			Name:        "Power Saver",
			Description: "Aggressive power saving. Longer wake times but much lower power.",
			Thresholds:  Thresholds{Warm: 10, Cool: 60, Cold: 300, Dormant: 1800},
			Enabled:     true,
		},
		"development": {
			Name:        "Development",
			Description: "Optimized for active development. Quick transitions but saves power during breaks.",
			Thresholds:  Thresholds{Warm: 60, Cool: 180, Cold: 600, Dormant: 3600},
			Enabled:     true,
		},
		"presentation": {
			Name:        "Presentation",
			Description: "For demos and presentations. Stays responsive longer.",
			Thresholds:  Thresholds{Warm: 300, Cool: 900, Cold: 3600, Dormant: 7200},
			Enabled:     true,
		},
	}
}

// ProfileStore holds the builtin set plus persisted custom profiles. Custom
// profiles are written to disk on every mutation.
type ProfileStore struct {
	log      logs.StructuredLogger
	path     string
	validate *validator.Validate

	mu      sync.Mutex
	builtin map[string]Profile
	custom  map[string]Profile
}

// OpenProfileStore loads custom profiles from dir. A missing or corrupt file
// yields the builtin set only.
func OpenProfileStore(log logs.StructuredLogger, dir string) *ProfileStore {
	v := validator.New()
	v.RegisterStructValidation(validateThresholds, Thresholds{})

	s := &ProfileStore{
		log:      log,
		path:     filepath.Join(dir, ProfilesFileName),
		validate: v,
		builtin:  BuiltinProfiles(),
		custom:   make(map[string]Profile),
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("loading custom profiles: %v", err)
		}
		return s
	}
	if err := json.Unmarshal(data, &s.custom); err != nil {
		log.Warnf("parsing custom profiles: %v", err)
		s.custom = make(map[string]Profile)
		return s
	}
	for id := range s.builtin {
		delete(s.custom, id)
	}
	log.Infof("loaded %d custom profiles", len(s.custom))
	return s
}

// Get returns the profile with the given id.
func (s *ProfileStore) Get(id string) (ProfileView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *ProfileStore) getLocked(id string) (ProfileView, bool) {
	if p, ok := s.builtin[id]; ok {
		return ProfileView{Profile: p, ID: id, IsBuiltin: true}, true
	}
	if p, ok := s.custom[id]; ok {
		return ProfileView{Profile: p, ID: id, IsCustom: true}, true
	}
	return ProfileView{}, false
}

// All returns every profile keyed by id.
func (s *ProfileStore) All() map[string]ProfileView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ProfileView, len(s.builtin)+len(s.custom))
	for id, p := range s.builtin {
		out[id] = ProfileView{Profile: p, ID: id, IsBuiltin: true}
	}
	for id, p := range s.custom {
		out[id] = ProfileView{Profile: p, ID: id, IsCustom: true}
	}
	return out
}

// SanitizeID normalizes a user-supplied profile id.
func SanitizeID(id string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(id)), " ", "_")
}

// Create adds a custom profile and persists the custom set.
func (s *ProfileStore) Create(id string, p Profile) error {
	id = SanitizeID(id)
	if id == "" {
		return errors.New("profile id is required")
	}
	if err := s.validate.Struct(p); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.builtin[id]; ok {
		return fmt.Errorf("%w: %s", ErrBuiltinProfile, id)
	}
	s.custom[id] = p
	return s.saveLocked()
}

// UpdateRequest carries the optional fields of a profile update.
type UpdateRequest struct {
	Name        *string     `json:"name"`
	Description *string     `json:"description"`
	Thresholds  *Thresholds `json:"thresholds"`
	Enabled     *bool       `json:"enabled"`
}

// Update mutates an existing custom profile.
func (s *ProfileStore) Update(id string, req UpdateRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.builtin[id]; ok {
		return fmt.Errorf("%w: %s", ErrBuiltinProfile, id)
	}
	p, ok := s.custom[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if req.Thresholds != nil {
		p.Thresholds = *req.Thresholds
	}
	if req.Enabled != nil {
		p.Enabled = *req.Enabled
	}
	if err := s.validate.Struct(p); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}
	s.custom[id] = p
	return s.saveLocked()
}

// Delete removes a custom profile.
func (s *ProfileStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.builtin[id]; ok {
		return fmt.Errorf("%w: %s", ErrBuiltinProfile, id)
	}
	if _, ok := s.custom[id]; !ok {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	delete(s.custom, id)
	return s.saveLocked()
}

// Duplicate copies any profile (builtin included) as a new custom one.
func (s *ProfileStore) Duplicate(sourceID, newID, newName string) error {
	s.mu.Lock()
	src, ok := s.getLocked(sourceID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, sourceID)
	}
	return s.Create(newID, Profile{
		Name:        newName,
		Description: fmt.Sprintf("Based on %s", src.Name),
		Thresholds:  src.Thresholds,
		Enabled:     src.Enabled,
	})
}

func (s *ProfileStore) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating profile dir: %w", err)
	}
	data, err := json.MarshalIndent(s.custom, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing profiles: %w", err)
	}
	return os.Rename(tmp, s.path)
}
