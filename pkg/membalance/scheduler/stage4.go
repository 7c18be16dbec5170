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
)

// rebalanceEligible is spec.md §4.9 stage 4's common filter: valid data,
// runnable, not already being trimmed to quota.
func (s *Scheduler) rebalanceEligible(rec *domain.Record, st *tickState) bool {
	return rec.ValidData && isRunnable(st.info[rec.DomainID]) && !rec.TrimmingToQuota
}

// atDecrFloor reports whether rec has already been shrunk to (or below)
// its full per-tick decrement this tick, pinning it at PinnedResist
// (spec.md §4.8).
func atDecrFloor(rec *domain.Record) bool {
	return rec.Memsize <= rec.MemsizeDecr
}

// expandForceOf/resistForceOf compute a domain's current forces given the
// tie-break rmax over the set being ranked (spec.md §4.8).
func expandForceOf(rec *domain.Record, rmax float64) float64 {
	size := force.ExpandSizeCategory(rec.Memsize, rec.Resolved.DmemMin, rec.Resolved.DmemQuota)
	rate := force.RateCategoryOf(rec.FastRate, rec.Resolved.RateLow, rec.Resolved.RateHigh)
	return force.Expand(rate, size, force.X(rec.FastRate, rmax))
}

func resistForceOf(rec *domain.Record, rmax float64) float64 {
	if atDecrFloor(rec) {
		return force.PinnedResist
	}
	size := force.ResistSizeCategory(rec.Memsize, rec.Resolved.DmemMin, rec.Resolved.DmemQuota)
	rate := force.RateCategoryOf(rec.SlowRate, rec.Resolved.RateLow, rec.Resolved.RateHigh)
	return force.Resist(rate, size, force.X(rec.SlowRate, rmax))
}

func rmaxOf(recs []*domain.Record, rate func(*domain.Record) float64) float64 {
	var m float64
	for _, r := range recs {
		if v := rate(r); v > m {
			m = v
		}
	}
	return m
}

// nextThreshold is spec.md §4.9 stage 4 step 1's "choose the next size
// threshold crossing".
func nextThreshold(rec *domain.Record) uint64 {
	min, quota, incrCap := rec.Resolved.DmemMin, rec.Resolved.DmemQuota, rec.MemsizeIncr
	switch {
	case rec.Memsize < min:
		return minU64(min, incrCap)
	case quota > 0 && rec.Memsize < quota:
		return minU64(quota, incrCap)
	default:
		return incrCap
	}
}

// stage4Rebalance is spec.md §4.9 stage 4: transfer memory from low-force
// shrink candidates to high-force expand candidates via free memory first,
// then direct transfer, until no expander can outbid the weakest shrink
// candidate or every expander is satisfied.
func (s *Scheduler) stage4Rebalance(st *tickState) {
	var expand, shrink []*domain.Record
	for _, rec := range st.managed {
		if !s.rebalanceEligible(rec, st) {
			continue
		}
		expand = append(expand, rec)
		shrink = append(shrink, rec)
	}

	erMax := rmaxOf(expand, func(r *domain.Record) float64 { return r.FastRate })
	srMax := rmaxOf(shrink, func(r *domain.Record) float64 { return r.SlowRate })

	for _, rec := range expand {
		rec.ExpandForce = expandForceOf(rec, erMax)
		rec.ExpandForce0 = rec.ExpandForce
	}
	for _, rec := range shrink {
		rec.ResistForce = resistForceOf(rec, srMax)
	}

	filtered := expand[:0:0]
	for _, rec := range expand {
		if rec.ExpandForce <= 0 || rec.Memsize >= rec.MemsizeIncr {
			continue
		}
		filtered = append(filtered, rec)
	}
	expand = filtered

	filteredS := shrink[:0:0]
	for _, rec := range shrink {
		if rec.Memsize <= rec.MemsizeDecr || s.shrinkProtected(rec) {
			continue
		}
		filteredS = append(filteredS, rec)
	}
	shrink = filteredS

	sort.SliceStable(expand, func(i, j int) bool { return expand[i].ExpandForce > expand[j].ExpandForce })
	sort.SliceStable(shrink, func(i, j int) bool { return shrink[i].ResistForce < shrink[j].ResistForce })

	for len(expand) > 0 {
		d := expand[0]
		expand = expand[1:]

		beforeCategory := force.ExpandSizeCategory(d.Memsize, d.Resolved.DmemMin, d.Resolved.DmemQuota)
		target := nextThreshold(d)
		need := satSubI(target, d.Memsize)
		if need <= 0 {
			continue
		}
		d.BalSide = domain.Expanding

		reserve := st.reservedSoft
		if d.ExpandForce > 45 {
			reserve = st.reservedHard
		}
		if avail := st.hostFree - reserve; avail > 0 {
			take := need
			if float64(take) > avail {
				take = uint64(avail)
			}
			take = quantizeDown(take, s.QuantumKB)
			if take > 0 {
				d.Memsize += take
				st.hostFree -= float64(take)
				need -= take
			}
		}

		terminate := false
		for need > 0 && len(shrink) > 0 {
			v := shrink[0]
			if v.BalSide == domain.Expanding || v.Memsize <= shrinkFloor(v) {
				shrink = shrink[1:]
				continue
			}
			if d.ExpandForce <= v.ResistForce {
				terminate = true
				break
			}

			floor := shrinkFloor(v)
			room := satSubI(v.Memsize, floor)
			chunk := need
			if room < chunk {
				chunk = room
			}
			if chunk == 0 {
				shrink = shrink[1:]
				continue
			}

			beforeVCategory := force.ResistSizeCategory(v.Memsize, v.Resolved.DmemMin, v.Resolved.DmemQuota)
			v.Memsize -= chunk
			d.Memsize += chunk
			need -= chunk
			v.BalSide = domain.Shrinking

			afterVCategory := force.ResistSizeCategory(v.Memsize, v.Resolved.DmemMin, v.Resolved.DmemQuota)
			if afterVCategory != beforeVCategory || atDecrFloor(v) {
				v.ResistForce = resistForceOf(v, srMax)
				shrink = reinsertShrink(shrink, v)
			}

			if room <= chunk {
				shrink = removeRecord(shrink, v.DomainID)
			}
		}
		if terminate {
			break
		}

		if need > 0 {
			// Nothing more available this tick: free memory is exhausted
			// relative to reserve and no shrink candidate could be
			// outbid without a force reversal. d will try again next
			// tick with fresh forces.
			continue
		}

		afterCategory := force.ExpandSizeCategory(d.Memsize, d.Resolved.DmemMin, d.Resolved.DmemQuota)
		if d.Memsize >= d.MemsizeIncr {
			continue // fully satisfied for this tick
		}
		if afterCategory != beforeCategory {
			d.ExpandForce = expandForceOf(d, erMax)
		}
		expand = reinsertExpand(expand, d)
	}
}

// shrinkFloor is the chunk floor of spec.md §4.9 stage 4 step 3:
// max(memsize_decr, dmem_quota-if-above).
func shrinkFloor(v *domain.Record) uint64 {
	floor := v.MemsizeDecr
	if v.Memsize > v.Resolved.DmemQuota && v.Resolved.DmemQuota > floor {
		floor = v.Resolved.DmemQuota
	}
	return floor
}

func reinsertExpand(list []*domain.Record, d *domain.Record) []*domain.Record {
	i := sort.Search(len(list), func(i int) bool { return list[i].ExpandForce <= d.ExpandForce })
	out := make([]*domain.Record, 0, len(list)+1)
	out = append(out, list[:i]...)
	out = append(out, d)
	out = append(out, list[i:]...)
	return out
}

func reinsertShrink(list []*domain.Record, v *domain.Record) []*domain.Record {
	list = removeRecord(list, v.DomainID)
	i := sort.Search(len(list), func(i int) bool { return list[i].ResistForce >= v.ResistForce })
	out := make([]*domain.Record, 0, len(list)+1)
	out = append(out, list[:i]...)
	out = append(out, v)
	out = append(out, list[i:]...)
	return out
}

func removeRecord(list []*domain.Record, id int) []*domain.Record {
	for i, r := range list {
		if r.DomainID == id {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

func satSubI(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

func quantizeDown(kb, quantumKB uint64) uint64 {
	if quantumKB == 0 {
		return kb
	}
	return (kb / quantumKB) * quantumKB
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
