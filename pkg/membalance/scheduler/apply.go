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
	"context"
	"sort"
	"time"

	cfg "github.com/oboguev/membalance/pkg/membalance/config"
	"github.com/oboguev/membalance/pkg/membalance/domain"
	"github.com/oboguev/membalance/pkg/membalance/host"
)

// apply is spec.md §4.10: enact the memsize decisions stages 2-4 settled
// on. Shrinks go first (biggest givers first), then expands, which must
// poll the host since shrinker memory may not be released instantly.
func (s *Scheduler) apply(ctx context.Context, st *tickState) {
	s.applyShrinks(ctx, st)
	s.applyExpands(ctx, st)
}

// applyShrinks issues one SetMemoryTarget per shrinking domain, biggest
// givers first (ascending delta, where delta = memsize - memsize0 is most
// negative for the biggest shrink).
func (s *Scheduler) applyShrinks(ctx context.Context, st *tickState) {
	var shrinking []*domain.Record
	for _, rec := range st.managed {
		if rec.Memsize < rec.Memsize0 {
			shrinking = append(shrinking, rec)
		}
	}
	sort.SliceStable(shrinking, func(i, j int) bool {
		di := int64(shrinking[i].Memsize) - int64(shrinking[i].Memsize0)
		dj := int64(shrinking[j].Memsize) - int64(shrinking[j].Memsize0)
		return di < dj
	})
	for _, rec := range shrinking {
		if _, err := s.Host.SetMemoryTarget(ctx, rec.DomainID, rec.Memsize); err != nil {
			log.Error("domain %d: shrink to %d failed: %v", rec.DomainID, rec.Memsize, err)
			continue
		}
		log.Debug("domain %d: shrink %d -> %d", rec.DomainID, rec.Memsize0, rec.Memsize)
	}
}

// applyExpands is spec.md §4.10's enact-expand loop: the host may not
// release shrinker memory instantly, so it re-reads actual sizes and
// retries until every expander is satisfied, the time budget is
// exhausted, or too many consecutive retries make no progress.
func (s *Scheduler) applyExpands(ctx context.Context, st *tickState) {
	var expanding []*domain.Record
	for _, rec := range st.managed {
		if rec.Memsize > rec.Memsize0 {
			expanding = append(expanding, rec)
		}
	}
	if len(expanding) == 0 {
		return
	}
	sort.SliceStable(expanding, func(i, j int) bool { return expanding[i].ExpandForce0 > expanding[j].ExpandForce0 })

	var shrinkers []*domain.Record
	for _, rec := range st.managed {
		if rec.Memsize < rec.Memsize0 {
			shrinkers = append(shrinkers, rec)
		}
	}

	hardReserve := st.reservedHard
	slack := float64(st.slack)
	lien0 := float64(st.outstandingLien)
	xenFreeAtStart := float64(st.hostFreeRaw)

	allocatedToExpanders := map[int]uint64{}
	previousGoal := map[int]uint64{}
	for _, rec := range expanding {
		previousGoal[rec.DomainID] = rec.Memsize0
	}

	interval := s.intervalSeconds()
	budget := time.Duration(cfg.DomainExpansionTimeoutFrac*interval*1000) * time.Millisecond
	if max := time.Duration(cfg.DomainExpansionTimeoutMaxMS) * time.Millisecond; budget > max {
		budget = max
	}
	deadline := time.Now().Add(budget)

	noProgressStreak := 0
	var totalShortfall float64

	for len(expanding) > 0 {
		if time.Now().After(deadline) {
			log.Warn("tick %d: expansion time budget exhausted with %d expander(s) unsatisfied", s.Tick, len(expanding))
			break
		}

		d := expanding[0]

		currentSize, err := s.Host.GetTarget(ctx, d.DomainID)
		if err != nil || currentSize < 0 {
			currentSize = int64(d.Memsize0)
		}
		currentFree, err := s.Host.GetFreeMemory(ctx)
		if err != nil {
			currentFree = uint64(xenFreeAtStart)
		}

		released := actualReleased(ctx, s.Host, shrinkers)


		m1 := xenFreeAtStart - hardReserve - slack - lien0 + released - sumU64(allocatedToExpanders) + float64(allocatedToExpanders[d.DomainID])
		m2 := float64(currentFree) - hardReserve - slack - lien0 + float64(currentSize)

		m := m1
		if m2 < m {
			m = m2
		}
		mKB := quantizeDown(uint64(maxF(m, 0)), s.QuantumKB)
		mKB = domain.ClampU64(mKB, d.Memsize0, d.Memsize)

		if mKB > previousGoal[d.DomainID] {
			if _, err := s.Host.SetMemoryTarget(ctx, d.DomainID, mKB); err != nil {
				log.Error("domain %d: expand to %d failed: %v", d.DomainID, mKB, err)
			} else {
				previousGoal[d.DomainID] = mKB
				allocatedToExpanders[d.DomainID] = mKB - d.Memsize0
				d.LastExpandTick = s.Tick
				noProgressStreak = 0
			}
		} else {
			noProgressStreak++
		}

		if mKB >= d.Memsize {
			expanding = expanding[1:]
			continue
		}

		if noProgressStreak >= cfg.DomainExpansionTimeoutAbort {
			log.Debug("tick %d: expansion aborted after %d retries with no progress", s.Tick, noProgressStreak)
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleepCompMS):
		}
	}

	for _, d := range expanding {
		shortfall := float64(d.Memsize - previousGoal[d.DomainID])
		if shortfall > 0 {
			totalShortfall += shortfall
		}
	}
	if len(shrinkers) > 0 && totalShortfall/float64(len(shrinkers)) > 1024 {
		log.Warn("tick %d: expansion shortfall averaging %.0f KB per shrinker", s.Tick, totalShortfall/float64(len(shrinkers)))
	} else if totalShortfall > 0 {
		log.Debug("tick %d: expansion shortfall %.0f KB, within xen-private-size drift tolerance", s.Tick, totalShortfall)
	}
}

func actualReleased(ctx context.Context, h host.Interface, shrinkers []*domain.Record) float64 {
	var released float64
	for _, rec := range shrinkers {
		cur, err := h.GetTarget(ctx, rec.DomainID)
		if err != nil || cur < 0 {
			continue
		}
		if d := float64(rec.Memsize0) - float64(cur); d > 0 {
			released += d
		}
	}
	return released
}

func sumU64(m map[int]uint64) float64 {
	var s float64
	for _, v := range m {
		s += float64(v)
	}
	return s
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
