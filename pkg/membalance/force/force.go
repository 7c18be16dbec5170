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

// Package force is C7: the pressure-force lookup tables that rank
// domains during rebalancing (spec.md §4.8).
package force

// RateCategory is the L/M/H bucket a domain's rate falls into relative to
// rate_low/rate_high.
type RateCategory int

const (
	RateL RateCategory = iota
	RateM
	RateH
)

// SizeCategory is the L/M/H bucket a domain's current size falls into
// relative to dmem_min/dmem_quota. Resist and expand use different
// boundary inclusivity (spec.md §4.8: "resist uses strict >, expand uses
// ≥ for the boundaries").
type SizeCategory int

const (
	SizeL SizeCategory = iota
	SizeM
	SizeH
)

// ResistSizeCategory buckets memsize for resist-force lookup: L is
// size ≤ min, M is (min, quota], H is size > quota.
func ResistSizeCategory(memsize, dmemMin, dmemQuota uint64) SizeCategory {
	switch {
	case memsize <= dmemMin:
		return SizeL
	case memsize <= dmemQuota:
		return SizeM
	default:
		return SizeH
	}
}

// ExpandSizeCategory buckets memsize for expand-force lookup: L is
// size < min, M is [min, quota), H is size ≥ quota.
func ExpandSizeCategory(memsize, dmemMin, dmemQuota uint64) SizeCategory {
	switch {
	case memsize < dmemMin:
		return SizeL
	case memsize < dmemQuota:
		return SizeM
	default:
		return SizeH
	}
}

// RateCategoryOf buckets a rate relative to rate_low/rate_high.
func RateCategoryOf(rate, rateLow, rateHigh float64) RateCategory {
	switch {
	case rate <= rateLow:
		return RateL
	case rate < rateHigh:
		return RateM
	default:
		return RateH
	}
}

// resistBase/resistHasX and expandBase/expandHasX are spec.md §4.8's tables, indexed
// [rateCategory][sizeCategory]. x is the tie-breaking perturbation added
// where the spec marks "+x".
var resistBase = [3][3]float64{
	{500, 40, 0},
	{500, 60, 30},
	{500, 100, 50},
}

var resistHasX = [3][3]bool{
	{false, false, false},
	{false, true, true},
	{false, true, true},
}

var expandBase = [3][3]float64{
	{0, 0, 0},
	{200, 60, 30},
	{300, 100, 50},
}

var expandHasX = [3][3]bool{
	{false, false, false},
	{false, true, true},
	{false, true, true},
}

// Resist returns the resist force for a domain with valid rate data,
// given its rate/size categories and the tie-breaking perturbation x
// (rate/rmax over the set being ranked).
func Resist(rate RateCategory, size SizeCategory, x float64) float64 {
	v := resistBase[rate][size]
	if resistHasX[rate][size] {
		v += x
	}
	return v
}

// Expand returns the expand force analogously.
func Expand(rate RateCategory, size SizeCategory, x float64) float64 {
	v := expandBase[rate][size]
	if expandHasX[rate][size] {
		v += x
	}
	return v
}

// ResistNoData is the resist force for a domain with no valid rate data,
// used in stage 2 rounds 4-5 (spec.md §4.8).
func ResistNoData(size SizeCategory) float64 {
	switch size {
	case SizeL:
		return 500
	case SizeM:
		return 62
	default:
		return 32
	}
}

// FreeMemoryBand is the host-free-memory region relative to the hard and
// soft reserve thresholds.
type FreeMemoryBand int

const (
	AboveSoft FreeMemoryBand = iota
	BetweenSoftAndHard
	BelowHard
)

// FreeMemoryBandOf classifies hostFree relative to the soft and hard
// reserve thresholds.
func FreeMemoryBandOf(hostFree, reservedSoft, reservedHard float64) FreeMemoryBand {
	switch {
	case hostFree < reservedHard:
		return BelowHard
	case hostFree < reservedSoft:
		return BetweenSoftAndHard
	default:
		return AboveSoft
	}
}

// FreeMemoryResist is the free-memory region's own piecewise-constant
// resist force (spec.md §4.8).
func FreeMemoryResist(band FreeMemoryBand) float64 {
	switch band {
	case AboveSoft:
		return 0
	case BetweenSoftAndHard:
		return 45
	default:
		return 1000
	}
}

// FreeMemoryExpand is the free-memory region's piecewise-constant expand
// force. Within the soft..hard band it defaults to 35, rising to 45 when
// the scheduler is in stage 3's second sub-round (spec.md §4.8, §4.10).
func FreeMemoryExpand(band FreeMemoryBand, stage3SecondSubRound bool) float64 {
	switch band {
	case AboveSoft:
		return 0
	case BetweenSoftAndHard:
		if stage3SecondSubRound {
			return 45
		}
		return 35
	default:
		return 450
	}
}

// PinnedResist is the resist force a domain is pinned to once it has been
// shrunk by its full dmem_decr this tick, making it ineligible for
// further shrinking (spec.md §4.8).
const PinnedResist = 500

// X computes the tie-breaking perturbation rate/rmax for one domain
// within the set being ranked. rmax of 0 (all rates zero) yields x=0.
func X(rate, rmax float64) float64 {
	if rmax <= 0 {
		return 0
	}
	return rate / rmax
}
