// Copyright 2024 The membalance Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPushRateSampleCapsLength(t *testing.T) {
	r := &Record{}
	for i := int64(0); i < 10; i++ {
		r.PushRateSample(i, float64(i))
	}
	assert.Len(t, r.RateHistory, MaxRateHistory)
	// most-recent-first
	assert.Equal(t, int64(9), r.RateHistory[0].Tick)
	assert.Equal(t, int64(5), r.RateHistory[4].Tick)
}

func TestRoundUpToQuantum(t *testing.T) {
	assert.Equal(t, uint64(8), RoundUpToQuantum(5, 4))
	assert.Equal(t, uint64(8), RoundUpToQuantum(8, 4))
	assert.Equal(t, uint64(0), RoundUpToQuantum(0, 4))
}

func TestNewQidIsUnique(t *testing.T) {
	a := NewQid()
	b := NewQid()
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}
