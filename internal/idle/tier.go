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

import "fmt"

// Tier is one of the five energy states, ordered from most active to most
// dormant.
type Tier string

const (
	TierActive  Tier = "active"
	TierWarm    Tier = "warm"
	TierCool    Tier = "cool"
	TierCold    Tier = "cold"
	TierDormant Tier = "dormant"
)

var tierLevels = map[Tier]int{
	TierActive:  0,
	TierWarm:    1,
	TierCool:    2,
	TierCold:    3,
	TierDormant: 4,
}

// Level returns the numeric ordering of the tier.
func (t Tier) Level() int {
	return tierLevels[t]
}

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if _, ok := tierLevels[t]; !ok {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}
