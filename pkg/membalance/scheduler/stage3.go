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
	"github.com/oboguev/membalance/pkg/membalance/domain"
)

// shrinkProtected reports whether rec was expanded too recently to be a
// stage-3/4 shrink candidate (spec.md §4.9 stage 3, invariant 4:
// shrink_protection_time = 1 tick).
func (s *Scheduler) shrinkProtected(rec *domain.Record) bool {
	return rec.LastExpandTick > 0 && s.Tick-rec.LastExpandTick < 1+1
}

// stage3SoftReserve is spec.md §4.9 stage 3: three rounds, each domain
// capped at memsize_decr, shrink-protected domains excluded.
func (s *Scheduler) stage3SoftReserve(st *tickState) {
	if deficit(st, st.reservedSoft, 0) <= 0 {
		return
	}
	log.Debug("tick %d: soft reserve violated (free=%.0f soft=%.0f), reclaiming", s.Tick, st.hostFree, st.reservedSoft)

	eligible := make([]*domain.Record, 0, len(st.managed))
	for _, rec := range st.managed {
		if !s.shrinkProtected(rec) {
			eligible = append(eligible, rec)
		}
	}

	var freed float64

	round1 := s.filterSort(eligible, func(r *domain.Record) bool {
		return r.ValidData && r.SlowRate <= r.Resolved.RateLow && r.Memsize > r.Resolved.DmemQuota
	}, func(r *domain.Record) float64 { return r.TimeRateBelowLow })
	for _, rec := range round1 {
		if deficit(st, st.reservedSoft, freed) <= 0 {
			break
		}
		st.stage3SecondSubRound = false
		target := maxU64(rec.MemsizeDecr, rec.Resolved.DmemQuota)
		freed += float64(shrinkTo(rec, target))
	}

	round2 := s.filterSort(eligible, func(r *domain.Record) bool {
		return r.ValidData && r.SlowRate <= r.Resolved.RateLow
	}, func(r *domain.Record) float64 { return r.TimeRateBelowLow })
	for _, rec := range round2 {
		if deficit(st, st.reservedSoft, freed) <= 0 {
			break
		}
		st.stage3SecondSubRound = true
		target := maxU64(rec.MemsizeDecr, rec.Resolved.DmemMin)
		freed += float64(shrinkTo(rec, target))
	}

	round3 := s.filterSort(eligible, func(r *domain.Record) bool {
		return r.ValidData && r.FastRate < r.Resolved.RateHigh && r.Memsize > r.Resolved.DmemQuota
	}, func(r *domain.Record) float64 { return r.TimeRateBelowHigh })
	for _, rec := range round3 {
		if deficit(st, st.reservedSoft, freed) <= 0 {
			break
		}
		target := maxU64(rec.MemsizeDecr, rec.Resolved.DmemQuota)
		freed += float64(shrinkTo(rec, target))
	}

	st.stage3SecondSubRound = false
}
