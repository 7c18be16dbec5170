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

package force

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResistTableMatchesSpec(t *testing.T) {
	assert.Equal(t, 500.0, Resist(RateL, SizeL, 0.7))
	assert.Equal(t, 40.0, Resist(RateL, SizeM, 0.7))
	assert.Equal(t, 0.0, Resist(RateL, SizeH, 0.7))
	assert.InDelta(t, 60.3, Resist(RateM, SizeM, 0.3), 1e-9)
	assert.InDelta(t, 100.5, Resist(RateH, SizeM, 0.5), 1e-9)
	assert.InDelta(t, 50.2, Resist(RateH, SizeH, 0.2), 1e-9)
}

func TestExpandTableMatchesSpec(t *testing.T) {
	assert.Equal(t, 0.0, Expand(RateL, SizeL, 0.9))
	assert.Equal(t, 200.0, Expand(RateM, SizeL, 0.9))
	assert.InDelta(t, 60.4, Expand(RateM, SizeM, 0.4), 1e-9)
	assert.Equal(t, 300.0, Expand(RateH, SizeL, 0.9))
	assert.InDelta(t, 50.1, Expand(RateH, SizeH, 0.1), 1e-9)
}

func TestResistNoDataTable(t *testing.T) {
	assert.Equal(t, 500.0, ResistNoData(SizeL))
	assert.Equal(t, 62.0, ResistNoData(SizeM))
	assert.Equal(t, 32.0, ResistNoData(SizeH))
}

func TestSizeCategoryBoundaryInclusivity(t *testing.T) {
	// Resist: strict > at the quota boundary.
	assert.Equal(t, SizeM, ResistSizeCategory(100, 50, 100))
	assert.Equal(t, SizeH, ResistSizeCategory(101, 50, 100))
	// Expand: >= at the quota boundary.
	assert.Equal(t, SizeH, ExpandSizeCategory(100, 50, 100))
	assert.Equal(t, SizeM, ExpandSizeCategory(99, 50, 100))
}

func TestFreeMemoryBandAndForces(t *testing.T) {
	assert.Equal(t, AboveSoft, FreeMemoryBandOf(1000, 500, 100))
	assert.Equal(t, BetweenSoftAndHard, FreeMemoryBandOf(300, 500, 100))
	assert.Equal(t, BelowHard, FreeMemoryBandOf(50, 500, 100))

	assert.Equal(t, 35.0, FreeMemoryExpand(BetweenSoftAndHard, false))
	assert.Equal(t, 45.0, FreeMemoryExpand(BetweenSoftAndHard, true))
	assert.Equal(t, 450.0, FreeMemoryExpand(BelowHard, false))
	assert.Equal(t, 1000.0, FreeMemoryResist(BelowHard))
}

func TestXIsZeroWhenRmaxZero(t *testing.T) {
	assert.Equal(t, 0.0, X(10, 0))
	assert.Equal(t, 0.5, X(5, 10))
}
