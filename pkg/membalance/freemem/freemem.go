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

// Package freemem is C9: the operator-driven "reclaim N KB of free host
// memory" command (spec.md §4.11), reachable only through the control RPC
// while the scheduler is paused. It reuses the same resist-force ranking
// as the scheduler's stage 2 hard-reserve reclaim (pkg/membalance/scheduler
// stage 2 round 5), adapted to target an explicit amount instead of a
// reserve threshold, since it runs outside any scheduler tick's state.
package freemem

import (
	"context"
	"sort"
	"time"

	logger "github.com/oboguev/membalance/pkg/log"
	cfg "github.com/oboguev/membalance/pkg/membalance/config"
	"github.com/oboguev/membalance/pkg/membalance/domain"
	"github.com/oboguev/membalance/pkg/membalance/force"
	"github.com/oboguev/membalance/pkg/membalance/host"
	"github.com/oboguev/membalance/pkg/membalance/scheduler"
)

var log = logger.NewLogger("freemem")

// Status is the single-letter outcome code of spec.md §4.12's freemem RPC.
type Status byte

const (
	// StatusAchieved means the requested amount is now free (status 'A').
	StatusAchieved Status = 'A'
	// StatusNotAvailable means must was set and max_avail fell short (status 'N').
	StatusNotAvailable Status = 'N'
	// StatusNotPaused means the scheduler wasn't paused, so nothing ran (status 'P').
	StatusNotPaused Status = 'P'
)

// Request is the free-memory command's input (spec.md §4.11).
type Request struct {
	NeededKB        uint64
	AboveSlack      bool
	UseReservedHard bool
	Must            bool
	TimeoutMS       int64
}

// Result is the free-memory command's output.
type Result struct {
	Status        Status
	FreeWithSlack uint64
	FreeLessSlack uint64
	MaxAvailKB    uint64
}

// Execute runs spec.md §4.11's algorithm against a paused scheduler. It
// mutates Memsize/Preshrink/PreshrinkTick on the scheduler's own Managed
// records and issues SetMemoryTarget calls directly, exactly as the
// scheduler's own enactment would, since the scheduler is guaranteed not
// to be running stages 1-4 concurrently (it is paused, and the daemon is
// single-threaded).
func Execute(ctx context.Context, sched *scheduler.Scheduler, req Request) Result {
	if !sched.Paused() {
		return Result{Status: StatusNotPaused}
	}

	domainTimeout := time.Duration(cfg.DomainFreememTimeoutMS) * time.Millisecond
	waitStable := time.Duration(req.TimeoutMS)*time.Millisecond - domainTimeout
	if waitStable < 0 {
		waitStable = 0
	}
	free, err := sched.Host.WaitFreeMemoryStable(ctx, waitStable)
	if err != nil {
		log.Error("free-memory: wait_free_memory_stable failed: %v", err)
	}

	slack, _ := sched.Host.GetFreeSlack(ctx)
	hard, _ := sched.Global.HostReservedHard.Get()

	sched.Reg.Lock()
	managed := make([]*domain.Record, 0, len(sched.Reg.Managed))
	for _, rec := range sched.Reg.Managed {
		managed = append(managed, rec)
	}
	sched.Reg.Unlock()
	sort.Slice(managed, func(i, j int) bool { return managed[i].DomainID < managed[j].DomainID })

	var headroom, lien float64
	runnable := map[int]bool{}
	for _, rec := range managed {
		di, derr := sched.Host.DomainInfo(ctx, rec.DomainID)
		if derr != nil || di == nil {
			continue
		}
		if di.Flags.Has(host.FlagRunning) {
			runnable[rec.DomainID] = true
			if rec.Memsize > rec.Resolved.DmemMin {
				headroom += float64(rec.Memsize - rec.Resolved.DmemMin)
			}
		}
		if di.Flags.Has(host.FlagPaused) && rec.XsMemTarget > rec.Memsize0 {
			lien += float64(rec.XsMemTarget - rec.Memsize0)
		}
	}

	slackTerm := 0.0
	if req.AboveSlack {
		slackTerm = float64(slack)
	}
	hardTerm := 0.0
	if !req.UseReservedHard {
		hardTerm = hard
	}

	maxAvail := float64(free) + headroom - slackTerm - hardTerm - lien
	if maxAvail < 0 {
		maxAvail = 0
	}
	maxAvailKB := quantizeDown(uint64(maxAvail), sched.QuantumKB)

	if req.Must && req.NeededKB > maxAvailKB {
		return Result{Status: StatusNotAvailable, MaxAvailKB: maxAvailKB, FreeWithSlack: free, FreeLessSlack: satSub(free, slack)}
	}

	if float64(req.NeededKB) <= float64(free)-slackTerm {
		return Result{Status: StatusAchieved, FreeWithSlack: free, FreeLessSlack: satSub(free, slack)}
	}

	reclaim := float64(req.NeededKB) + hardTerm + slackTerm + lien - float64(free)
	if reclaim > 0 {
		freed := reclaimKB(sched, managed, runnable, reclaim)
		log.Info("free-memory: reclaimed %.0f KB toward a request for %d KB", freed, req.NeededKB)
		targetFree := free + uint64(freed)
		free, err = sched.Host.WaitFreeMemory(ctx, targetFree, domainTimeout)
		if err != nil {
			log.Error("free-memory: wait_free_memory failed: %v", err)
		}
	}

	return Result{Status: StatusAchieved, FreeWithSlack: free, FreeLessSlack: satSub(free, slack)}
}

// reclaimKB shrinks runnable Managed domains, weakest resist force first,
// down to dmem_min, until neededKB has been freed or no candidate remains.
// Shrunk domains have their Preshrink/PreshrinkTick bookkeeping updated so
// the next tick's dmem_decr budget accounts for what was already given up
// (spec.md §4.11 step 5).
func reclaimKB(sched *scheduler.Scheduler, managed []*domain.Record, runnable map[int]bool, neededKB float64) float64 {
	var candidates []*domain.Record
	for _, rec := range managed {
		if runnable[rec.DomainID] && rec.Memsize > rec.Resolved.DmemMin {
			candidates = append(candidates, rec)
		}
	}

	rmax := 0.0
	for _, rec := range candidates {
		if rec.ValidData && rec.SlowRate > rmax {
			rmax = rec.SlowRate
		}
	}

	var freed float64
	for freed < neededKB && len(candidates) > 0 {
		sort.SliceStable(candidates, func(i, j int) bool {
			return resistForce(candidates[i], rmax) < resistForce(candidates[j], rmax)
		})
		best := candidates[0]

		floor := best.Resolved.DmemMin
		m := domain.RoundUpToQuantum(uint64(float64(best.Memsize)*(1-best.Resolved.DmemDecr)), sched.QuantumKB)
		if m < floor {
			m = floor
		}
		if m >= best.Memsize {
			candidates = candidates[1:]
			continue
		}

		delta := best.Memsize - m
		best.Memsize = m
		best.Preshrink += delta
		best.PreshrinkTick = sched.Tick
		freed += float64(delta)

		if _, err := sched.Host.SetMemoryTarget(context.Background(), best.DomainID, best.Memsize); err != nil {
			log.Error("free-memory: shrink of domain %d to %d failed: %v", best.DomainID, best.Memsize, err)
		}

		if best.Memsize <= floor {
			candidates = candidates[1:]
		}
	}
	return freed
}

func resistForce(rec *domain.Record, rmax float64) float64 {
	size := force.ResistSizeCategory(rec.Memsize, rec.Resolved.DmemMin, rec.Resolved.DmemQuota)
	if !rec.ValidData {
		return force.ResistNoData(size)
	}
	rate := force.RateCategoryOf(rec.SlowRate, rec.Resolved.RateLow, rec.Resolved.RateHigh)
	return force.Resist(rate, size, force.X(rec.SlowRate, rmax))
}

func quantizeDown(kb, quantumKB uint64) uint64 {
	if quantumKB == 0 {
		return kb
	}
	return (kb / quantumKB) * quantumKB
}

func satSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
