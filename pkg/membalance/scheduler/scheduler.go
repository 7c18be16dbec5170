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

// Package scheduler is C8: the four-stage per-tick memory balancing
// algorithm (spec.md §4.9, §4.10), the core of the daemon. It reads the
// registry's Managed domains, the host interface's free-memory and
// per-domain accounting, and the forces computed by pkg/membalance/force,
// and issues SetMemoryTarget calls.
package scheduler

import (
	"context"
	"sort"
	"time"

	logger "github.com/oboguev/membalance/pkg/log"
	cfg "github.com/oboguev/membalance/pkg/membalance/config"
	"github.com/oboguev/membalance/pkg/membalance/domain"
	"github.com/oboguev/membalance/pkg/membalance/host"
	"github.com/oboguev/membalance/pkg/membalance/registry"
)

var log = logger.NewLogger("scheduler")

// Scheduler owns the tick counter and runs the four-stage algorithm over
// the registry's Managed set (spec.md §4.9). It holds no goroutines of its
// own: the event loop (pkg/membalance/daemon) drives Tick from the single
// control thread, per spec.md §5's "single control thread" model.
type Scheduler struct {
	Reg    *registry.Registry
	Host   host.Interface
	Global *cfg.GlobalConfig

	Tick      int64
	QuantumKB uint64

	// pauseLevel is memsched_pause_level (spec.md §4.12): an unsigned
	// counter, resume decrements, force zeroes it.
	pauseLevel int

	// last host-free figures, published for debug dump / metrics.
	LastHostFree  uint64
	LastHostSlack uint64
}

// New creates a Scheduler bound to a registry and host interface.
func New(reg *registry.Registry, h host.Interface, global *cfg.GlobalConfig, quantumKB uint64) *Scheduler {
	return &Scheduler{Reg: reg, Host: h, Global: global, QuantumKB: quantumKB}
}

// Pause increments the pause counter (spec.md §4.12).
func (s *Scheduler) Pause() int {
	s.pauseLevel++
	return s.pauseLevel
}

// Resume decrements the pause counter, or zeroes it if force is set.
func (s *Scheduler) Resume(force bool) int {
	if force {
		s.pauseLevel = 0
		return 0
	}
	if s.pauseLevel > 0 {
		s.pauseLevel--
	}
	return s.pauseLevel
}

// Paused reports whether the scheduler is currently paused.
func (s *Scheduler) Paused() bool { return s.pauseLevel > 0 }

// PauseLevel returns the current pause counter.
func (s *Scheduler) PauseLevel() int { return s.pauseLevel }

// tickState is per-tick scratch shared across the four stages; it is
// discarded at the end of RunTick, never retained on the Scheduler or the
// registry (spec.md §9: "scheduler vectors carry non-owning handles...
// valid only for the duration of one tick").
type tickState struct {
	hostFree         float64 // KB, after slack and outstanding lien
	hostFreeRaw      uint64  // KB, raw host free memory reading (stage1)
	slack            uint64
	outstandingLien  uint64
	reservedHard     float64
	reservedSoft     float64
	managed          []*domain.Record // stable iteration order (by domain id)
	info             map[int]*host.DomainInfo
	young            map[int]bool // domain_id -> uptime < startup_time (stage 2 round 5)

	// stage3SecondSubRound is true while stage 3's second sub-round runs.
	// Nothing in this package reads it: force.FreeMemoryExpand, which takes
	// the same flag, is not called by the scheduler.
	stage3SecondSubRound bool
}

// RunTick executes one scheduler tick (spec.md §4.9). If no domain is
// Managed the tick is skipped entirely; if paused, only the report-drain
// portion of stage 1 runs so stale data doesn't dominate on resume.
func (s *Scheduler) RunTick(ctx context.Context) {
	s.Tick++

	ids := s.Reg.ManagedIDs()
	if len(ids) == 0 {
		return
	}
	sort.Ints(ids)

	s.Reg.Lock()
	managed := make([]*domain.Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.Reg.Managed[id]; ok {
			managed = append(managed, rec)
		}
	}
	s.Reg.Unlock()

	st := &tickState{managed: managed}

	s.drainReports(ctx, st)

	if s.Paused() {
		log.Debug("tick %d: paused, skipping stages 2-4", s.Tick)
		return
	}

	s.stage1Collect(ctx, st)
	s.stage2HardReserve(st)
	s.stage3SoftReserve(st)
	s.stage4Rebalance(st)
	s.apply(ctx, st)
}

// hardReserveKB/softReserveKB resolve the current reserve thresholds from
// global config (spec.md §4.2).
func (s *Scheduler) hardReserveKB() float64 {
	v, _ := s.Global.HostReservedHard.Get()
	return v
}

func (s *Scheduler) softReserveKB() float64 {
	v, _ := s.Global.HostReservedSoft.Get()
	return v
}

func (s *Scheduler) intervalSeconds() float64 {
	v, ok := s.Global.Interval.Get()
	if !ok {
		return 10
	}
	return v
}

// sleepCompMS is the enact-expand loop's poll increment (spec.md §4.10).
const sleepCompMS = 100 * time.Millisecond
