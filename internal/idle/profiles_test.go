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
	"errors"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/voicelearn/mgmtd/internal/clock"
	"github.com/voicelearn/mgmtd/internal/logs"
)

func TestProfilePersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := OpenProfileStore(logs.DiscardLogger(), dir)

	want := Profile{
		Name:        "Lab",
		Description: "for bench work",
		Thresholds:  Thresholds{Warm: 5, Cool: 10, Cold: 15, Dormant: 20},
		Enabled:     true,
	}
	assert.NilError(t, s.Create("Lab Bench", want)) // id gets sanitized

	reloaded := OpenProfileStore(logs.DiscardLogger(), dir)
	got, ok := reloaded.Get("lab_bench")
	assert.Assert(t, ok)
	assert.DeepEqual(t, want, got.Profile)
	assert.Assert(t, got.IsCustom)
	assert.Assert(t, !got.IsBuiltin)
}

func TestBuiltinProfilesAreImmutable(t *testing.T) {
	s := OpenProfileStore(logs.DiscardLogger(), t.TempDir())

	p := Profile{Name: "X", Thresholds: Thresholds{Warm: 1, Cool: 2, Cold: 3, Dormant: 4}}
	assert.Assert(t, errors.Is(s.Create("balanced", p), ErrBuiltinProfile))
	assert.Assert(t, errors.Is(s.Update("balanced", UpdateRequest{}), ErrBuiltinProfile))
	assert.Assert(t, errors.Is(s.Delete("balanced"), ErrBuiltinProfile))
}

func TestCreateRejectsNonIncreasingThresholds(t *testing.T) {
	s := OpenProfileStore(logs.DiscardLogger(), t.TempDir())

	err := s.Create("bad", Profile{
		Name:       "Bad",
		Thresholds: Thresholds{Warm: 100, Cool: 50, Cold: 200, Dormant: 300},
	})
	assert.Assert(t, err != nil)

	// The disabled sentinel may repeat.
	err = s.Create("mostly_off", Profile{
		Name:       "Mostly Off",
		Thresholds: Thresholds{Warm: 60, Cool: DisabledThreshold, Cold: DisabledThreshold, Dormant: DisabledThreshold},
	})
	assert.NilError(t, err)
}

func TestDuplicateBuiltin(t *testing.T) {
	s := OpenProfileStore(logs.DiscardLogger(), t.TempDir())

	assert.NilError(t, s.Duplicate("balanced", "my_balanced", "My Balanced"))
	got, ok := s.Get("my_balanced")
	assert.Assert(t, ok)
	assert.Equal(t, "My Balanced", got.Name)
	assert.Equal(t, "Based on Balanced", got.Description)
	assert.DeepEqual(t, BuiltinProfiles()["balanced"].Thresholds, got.Thresholds)
	assert.Assert(t, got.IsCustom)
}

func TestUpdateMergesFields(t *testing.T) {
	s := OpenProfileStore(logs.DiscardLogger(), t.TempDir())
	assert.NilError(t, s.Create("lab", Profile{
		Name:       "Lab",
		Thresholds: Thresholds{Warm: 5, Cool: 10, Cold: 15, Dormant: 20},
	}))

	name := "Renamed"
	enabled := true
	assert.NilError(t, s.Update("lab", UpdateRequest{Name: &name, Enabled: &enabled}))

	got, _ := s.Get("lab")
	assert.Equal(t, "Renamed", got.Name)
	assert.Assert(t, got.Enabled)
	assert.Equal(t, 10, got.Thresholds.Cool) // untouched

	assert.Assert(t, errors.Is(s.Update("missing", UpdateRequest{}), ErrProfileNotFound))
}

func TestDeleteActiveProfileRevertsToBalanced(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := OpenProfileStore(logs.DiscardLogger(), t.TempDir())
	m := NewManager(logs.DiscardLogger(), fake, nil, store, nil, nil)

	assert.NilError(t, store.Create("lab", Profile{
		Name:       "Lab",
		Thresholds: Thresholds{Warm: 5, Cool: 10, Cold: 15, Dormant: 20},
		Enabled:    true,
	}))
	assert.NilError(t, m.SetMode("lab"))
	assert.Equal(t, "lab", m.Mode())

	assert.NilError(t, m.DeleteProfile("lab"))
	assert.Equal(t, "balanced", m.Mode())
	assert.Equal(t, 30, m.Status().Thresholds.Warm)

	_, ok := store.Get("lab")
	assert.Assert(t, !ok)
}

func TestAllIncludesBuiltinsAndCustom(t *testing.T) {
	s := OpenProfileStore(logs.DiscardLogger(), t.TempDir())
	assert.NilError(t, s.Create("lab", Profile{
		Name:       "Lab",
		Thresholds: Thresholds{Warm: 5, Cool: 10, Cold: 15, Dormant: 20},
	}))

	all := s.All()
	assert.Equal(t, 6, len(all))
	assert.Assert(t, all["balanced"].IsBuiltin)
	assert.Assert(t, all["lab"].IsCustom)
}
