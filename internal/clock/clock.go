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

// Package clock provides an injectable time source and the periodic loop
// primitive shared by the sampling, aggregation, and idle subsystems.
package clock

import (
	"context"
	"time"
)

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

// System returns the wall clock.
func System() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Loop invokes fn once per interval until ctx is cancelled. Each deadline is
// computed from the previous one, so a slow fn does not skew the cadence.
func Loop(ctx context.Context, c Clock, interval time.Duration, fn func(now time.Time)) {
	next := c.Now().Add(interval)
	for {
		wait := next.Sub(c.Now())
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-c.After(wait):
			fn(c.Now())
			next = next.Add(interval)
		}
	}
}
