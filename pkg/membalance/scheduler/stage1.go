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

	cfg "github.com/oboguev/membalance/pkg/membalance/config"
	"github.com/oboguev/membalance/pkg/membalance/domain"
	"github.com/oboguev/membalance/pkg/membalance/host"
	"github.com/oboguev/membalance/pkg/membalance/probe"
	"github.com/oboguev/membalance/pkg/membalance/report"
	"github.com/oboguev/membalance/pkg/membalance/store"
)

// drainReports reads and clears every Managed domain's report slot in one
// transaction and applies the parsed reports (spec.md §4.4). It runs even
// while paused, so stale data does not dominate on resume.
func (s *Scheduler) drainReports(ctx context.Context, st *tickState) {
	qids := make([]string, 0, len(st.managed))
	for _, rec := range st.managed {
		qids = append(qids, rec.Qid)
	}

	maxRetries, _ := s.Global.MaxXsRetries.Get()
	var blobs map[string]string
	err := store.Retry(int(maxRetries), func() error {
		var e error
		blobs, e = probe.Drain(s.Reg.Store, qids)
		return e
	})
	if err != nil {
		log.Error("tick %d: failed to drain probe reports: %v", s.Tick, err)
		blobs = map[string]string{}
	}

	interval := s.intervalSeconds()
	for _, rec := range st.managed {
		raw, got := blobs[rec.Qid]
		if !got {
			continue
		}
		rep, perr := report.Parse(raw)
		if perr != nil {
			log.Error("domain %d: malformed report, unmanaging: %v", rec.DomainID, perr)
			s.Reg.DemoteManagedToUnmanaged(ctx, rec, "malformed report")
			continue
		}
		report.Apply(rec, rep, s.Tick, interval)
	}
}

// stage1Collect is spec.md §4.9 stage 1: snapshot host free memory and
// slack, fetch per-domain info, compute memsize0/memgoal0/caps, and
// opportunistically re-evaluate xen_data_size.
func (s *Scheduler) stage1Collect(ctx context.Context, st *tickState) {
	free, err := s.Host.GetFreeMemory(ctx)
	if err != nil {
		log.Error("tick %d: GetFreeMemory failed: %v", s.Tick, err)
	}
	slack, err := s.Host.GetFreeSlack(ctx)
	if err != nil {
		log.Error("tick %d: GetFreeSlack failed: %v", s.Tick, err)
	}
	st.hostFreeRaw = free
	st.slack = slack
	st.reservedHard = s.hardReserveKB()
	st.reservedSoft = s.softReserveKB()
	s.LastHostFree = free
	s.LastHostSlack = slack

	ids := make([]int, 0, len(st.managed))
	for _, rec := range st.managed {
		ids = append(ids, rec.DomainID)
	}
	info := map[int]*host.DomainInfo{}
	young := map[int]bool{}
	for _, id := range ids {
		di, err := s.Host.DomainInfo(ctx, id)
		if err != nil {
			log.Error("domain %d: DomainInfo failed: %v", id, err)
			continue
		}
		info[id] = di

		if id != 0 {
			if rec, ok := recordByID(st.managed, id); ok && rec.Resolved.HasStartupTime {
				if up, uerr := s.Host.DomainUptime(ctx, id); uerr == nil && up >= 0 && float64(up) < rec.Resolved.StartupTime {
					young[id] = true
				}
			}
		}
	}
	st.info = info
	st.young = young

	var lien uint64
	alive := make([]*domain.Record, 0, len(st.managed))
	for _, rec := range st.managed {
		di := info[rec.DomainID]
		if di == nil {
			log.Info("domain %d: host reports gone, unmanaging", rec.DomainID)
			s.Reg.ManagedToDead(rec.DomainID)
			continue
		}
		alive = append(alive, rec)

		totSizeKB := di.TotPages * s.QuantumKB
		rec.Memgoal0 = domain.RoundUpToQuantum(rec.XsMemTarget+videoramKB(rec), s.QuantumKB)
		rec.Memsize0 = uint64(int64(totSizeKB) - rec.XenDataSize)
		rec.ValidMemoryData = true
		rec.Memsize = rec.Memsize0

		s.reevaluateXenDataSize(rec, totSizeKB, rec.Memgoal0)

		min, max := rec.Resolved.DmemMin, rec.Resolved.DmemMax
		incr, decr := rec.Resolved.DmemIncr, rec.Resolved.DmemDecr

		incrCap := domain.RoundUpToQuantum(uint64(float64(rec.Memsize0)*(1+incr)), s.QuantumKB)
		rec.MemsizeIncr = domain.ClampU64(incrCap, min, max)

		decrFloor := domain.RoundUpToQuantum(uint64(float64(rec.Memsize0)*(1-decr)), s.QuantumKB)
		decrCap := domain.ClampU64(decrFloor, min, max)
		if decrCap < min {
			decrCap = min
		}
		rec.MemsizeDecr = decrCap
		if rec.PreshrinkTick == s.Tick && rec.Preshrink > 0 {
			rec.MemsizeDecr = satSub(rec.MemsizeDecr, rec.Preshrink)
		}

		if di.Flags.Has(host.FlagPaused) && rec.XsMemTarget > rec.Memsize0 {
			lien += rec.XsMemTarget - rec.Memsize0
		}
	}
	st.managed = alive
	st.outstandingLien = lien

	hf := float64(st.hostFreeRaw) - float64(st.slack) - float64(lien)
	st.hostFree = hf
}

// reevaluateXenDataSize implements the opportunistic re-commit of
// spec.md §4.9 stage 1: "if (totsize, memgoal) remained equal to the
// previous tick's snapshot for N consecutive ticks... commit
// xen_data_size <- totsize - memgoal".
func (s *Scheduler) reevaluateXenDataSize(rec *domain.Record, totSize, goal uint64) {
	if rec.XenDataSizeTickStable > 0 && totSize == rec.XenDataSizeTickPrevTot && goal == rec.XenDataSizeTickPrevGoal {
		rec.XenDataSizeTickStable++
	} else {
		rec.XenDataSizeTickStable = 1
	}
	rec.XenDataSizeTickPrevTot = totSize
	rec.XenDataSizeTickPrevGoal = goal

	if rec.XenDataSizeTickStable >= cfg.XenPrivateDataSizeSamples {
		rec.XenDataSize = int64(totSize) - int64(goal)
	}
}

func videoramKB(rec *domain.Record) uint64 {
	if !rec.XsMemVideoramRead || rec.XsMemVideoram < 0 {
		return 0
	}
	return uint64(rec.XsMemVideoram)
}

func satSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

func recordByID(recs []*domain.Record, id int) (*domain.Record, bool) {
	for _, r := range recs {
		if r.DomainID == id {
			return r, true
		}
	}
	return nil, false
}

