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

package clock_test

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/voicelearn/mgmtd/internal/clock"
)

func TestFakeAdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fake := clock.NewFake(start)

	ch := fake.After(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired before deadline")
	default:
	}

	fake.Advance(5 * time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, start.Add(5*time.Second), got)
	default:
		t.Fatal("timer did not fire at deadline")
	}
}

func TestLoopKeepsCadence(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fake := clock.NewFake(start)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := make(chan time.Time, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		clock.Loop(ctx, fake, 5*time.Second, func(now time.Time) {
			ticks <- now
		})
	}()

	fake.BlockUntil(1)
	fake.Advance(5 * time.Second)
	got := <-ticks
	assert.Equal(t, start.Add(5*time.Second), got)

	fake.BlockUntil(1)
	fake.Advance(5 * time.Second)
	got = <-ticks
	assert.Equal(t, start.Add(10*time.Second), got)

	cancel()
	fake.Advance(5 * time.Second)
	<-done
}
