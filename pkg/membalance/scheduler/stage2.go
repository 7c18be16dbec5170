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

package scheduler

import (
	"sort"

	"github.com/oboguev/membalance/pkg/membalance/domain"
	"github.com/oboguev/membalance/pkg/membalance/force"
	"github.com/oboguev/membalance/pkg/membalance/host"
)

// shrinkTo trims rec.Memsize down to target if it's currently above it,
// returning the amount freed.
func shrinkTo(rec *domain.Record, target uint64) uint64 {
	if rec.Memsize <= target {
		return 0
	}
	freed := rec.Memsize - target
	rec.Memsize = target
	return freed
}

// deficit returns how much more must be freed to satisfy reservedKB given
// what's already been freed this stage (spec.md §4.9 stage 2/3: the
// reclaim loop stops as soon as the reserve is satisfied).
func deficit(st *tickState, reservedKB, freedSoFar float64) float64 {
	return reservedKB - (st.hostFree + freedSoFar)
}

func isRunnable(di *host.DomainInfo) bool {
	return di != nil && di.Flags.Has(host.FlagRunning)
}

// stage2HardReserve is spec.md §4.9 stage 2: if host_free < host_reserved_hard,
// repeatedly reclaim via five ordered rounds, scheduling shrinks (mutating
// only Memsize; enactment happens later in apply).
func (s *Scheduler) stage2HardReserve(st *tickState) {
	if deficit(st, st.reservedHard, 0) <= 0 {
		return
	}
	log.Debug("tick %d: hard reserve violated (free=%.0f hard=%.0f), reclaiming", s.Tick, st.hostFree, st.reservedHard)

	var freed float64
	trimmed := map[int]bool{}

	// Round 1: slow_rate <= rate_low, desc by time_rate_below_low.
	round1 := s.filterSort(st.managed, func(r *domain.Record) bool {
		return r.ValidData && r.SlowRate <= r.Resolved.RateLow
	}, func(r *domain.Record) float64 { return r.TimeRateBelowLow })
	for _, rec := range round1 {
		if deficit(st, st.reservedHard, freed) <= 0 {
			break
		}
		target := maxU64(rec.MemsizeDecr, rec.Resolved.DmemMin)
		freed += float64(shrinkTo(rec, target))
		trimmed[rec.DomainID] = true
	}

	// Round 2: fast_rate < rate_high AND memsize > quota, not yet trimmed.
	round2 := s.filterSort(st.managed, func(r *domain.Record) bool {
		return r.ValidData && r.FastRate < r.Resolved.RateHigh && r.Memsize > r.Resolved.DmemQuota && !trimmed[r.DomainID]
	}, func(r *domain.Record) float64 { return r.TimeRateBelowHigh })
	for _, rec := range round2 {
		if deficit(st, st.reservedHard, freed) <= 0 {
			break
		}
		target := maxU64(rec.MemsizeDecr, rec.Resolved.DmemQuota)
		freed += float64(shrinkTo(rec, target))
		trimmed[rec.DomainID] = true
	}

	// Round 3: same rate filter, regardless of trimmed, trim further down
	// to dmem_quota via the iterative decrement formula.
	round3 := s.filterSort(st.managed, func(r *domain.Record) bool {
		return r.ValidData && r.FastRate < r.Resolved.RateHigh && r.Memsize > r.Resolved.DmemQuota
	}, func(r *domain.Record) float64 { return r.TimeRateBelowHigh })
	for _, rec := range round3 {
		for deficit(st, st.reservedHard, freed) > 0 && rec.Memsize > rec.Resolved.DmemQuota {
			m := domain.RoundUpToQuantum(uint64(float64(rec.Memsize)*(1-rec.Resolved.DmemDecr)), s.QuantumKB)
			m = domain.ClampU64(m, rec.Resolved.DmemMin, rec.Resolved.DmemMax)
			if m < rec.Resolved.DmemQuota {
				m = rec.Resolved.DmemQuota
			}
			if m >= rec.Memsize {
				break
			}
			freed += float64(shrinkTo(rec, m))
		}
	}

	// Round 4: all domains above quota, resist force ascending.
	s.iterativeShrinkRounds(st, &freed, st.reservedHard, func(rec *domain.Record) bool {
		return rec.Memsize > rec.Resolved.DmemQuota
	}, func(rec *domain.Record) uint64 { return rec.Resolved.DmemQuota }, false)

	// Round 5: all runnable domains above dmem_min, young domains get
	// benefit of the doubt (treated as rate_high+1).
	s.iterativeShrinkRounds(st, &freed, st.reservedHard, func(rec *domain.Record) bool {
		return isRunnable(st.info[rec.DomainID]) && rec.Memsize > rec.Resolved.DmemMin
	}, func(rec *domain.Record) uint64 { return rec.Resolved.DmemMin }, true)

	if deficit(st, st.reservedHard, freed) > 0 {
		log.Warn("tick %d: could not fully satisfy hard reserve even with all domains at dmem_min", s.Tick)
	}
}

// filterSort returns the subset of recs matching pred, sorted by
// descending key.
func (s *Scheduler) filterSort(recs []*domain.Record, pred func(*domain.Record) bool, key func(*domain.Record) float64) []*domain.Record {
	out := make([]*domain.Record, 0, len(recs))
	for _, r := range recs {
		if pred(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return key(out[i]) > key(out[j]) })
	return out
}

// iterativeShrinkRounds implements stage 2 rounds 4-5 / stage 3's
// resist-force-ordered iterative shrink: repeatedly pop the domain with
// the lowest resist force among those still eligible, shrink it by one
// decrement slice toward floor(rec), and re-rank, until the reserve
// deficit is satisfied or no eligible domain remains (spec.md §4.9).
//
// benefitOfDoubt, when true, treats a non-root domain younger than its
// startup_time as rate_high+1 instead of 0 when it has no valid data
// (stage 2 round 5 only).
func (s *Scheduler) iterativeShrinkRounds(st *tickState, freed *float64, reservedKB float64, eligible func(*domain.Record) bool, floorOf func(*domain.Record) uint64, benefitOfDoubt bool) {
	for {
		if deficit(st, reservedKB, *freed) <= 0 {
			return
		}
		var candidates []*domain.Record
		for _, rec := range st.managed {
			if eligible(rec) {
				candidates = append(candidates, rec)
			}
		}
		if len(candidates) == 0 {
			return
		}

		rmax := 0.0
		for _, rec := range candidates {
			if rec.ValidData && rec.SlowRate > rmax {
				rmax = rec.SlowRate
			}
		}

		best := candidates[0]
		bestForce := s.stage2ResistForce(best, rmax, benefitOfDoubt, st)
		for _, rec := range candidates[1:] {
			f := s.stage2ResistForce(rec, rmax, benefitOfDoubt, st)
			if f < bestForce {
				best, bestForce = rec, f
			}
		}

		floor := floorOf(best)
		if best.Memsize <= floor {
			return
		}
		m := domain.RoundUpToQuantum(uint64(float64(best.Memsize)*(1-best.Resolved.DmemDecr)), s.QuantumKB)
		if m < floor {
			m = floor
		}
		if m >= best.Memsize {
			return
		}
		*freed += float64(shrinkTo(best, m))
	}
}

// stage2ResistForce computes the resist force used to rank stage 2 rounds
// 4-5 candidates (spec.md §4.8): domains without fresh data use rate=0,
// except (round 5 only) non-root domains younger than startup_time, which
// get the benefit of the doubt at rate_high+1.
func (s *Scheduler) stage2ResistForce(rec *domain.Record, rmax float64, benefitOfDoubt bool, st *tickState) float64 {
	size := force.ResistSizeCategory(rec.Memsize, rec.Resolved.DmemMin, rec.Resolved.DmemQuota)
	if !rec.ValidData {
		if benefitOfDoubt && rec.DomainID != 0 && st.young[rec.DomainID] {
			rate := rec.Resolved.RateHigh + 1
			return force.Resist(force.RateH, size, force.X(rate, rmax))
		}
		return force.ResistNoData(size)
	}
	rate := force.RateCategoryOf(rec.SlowRate, rec.Resolved.RateLow, rec.Resolved.RateHigh)
	return force.Resist(rate, size, force.X(rec.SlowRate, rmax))
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
