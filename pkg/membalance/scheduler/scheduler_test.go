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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "github.com/oboguev/membalance/pkg/membalance/config"
	"github.com/oboguev/membalance/pkg/membalance/domain"
	"github.com/oboguev/membalance/pkg/membalance/host"
	"github.com/oboguev/membalance/pkg/membalance/registry"
	"github.com/oboguev/membalance/pkg/membalance/store"
)

const pageKB = 4

// newTestScheduler wires a Mock host, an in-memory store, a bare registry
// and a GlobalConfig with hardwired defaults applied, mirroring how
// pkg/membalance/daemon assembles the real thing at startup.
func newTestScheduler(t *testing.T) (*Scheduler, *host.Mock, *registry.Registry) {
	t.Helper()
	h := host.NewMock()
	h.Physical = 8 << 20 // 8 GB in KB
	h.Slack = 1 << 16
	h.PrivMin = 1 << 16
	s := store.NewMemStore()

	global := cfg.NewGlobalConfig()
	global.ApplyHardwiredDefaults(float64(h.Physical), float64(h.Slack), float64(h.PrivMin))

	reg := registry.New(h, s, func() float64 {
		v, _ := global.Interval.Get()
		return v
	})

	sched := New(reg, h, global, pageKB)
	return sched, h, reg
}

// addManaged directly installs a Managed domain with fully resolved
// settings, bypassing the Pending promotion path (exercised separately by
// the registry package's own tests).
func addManaged(reg *registry.Registry, h *host.Mock, id int, totPagesKB uint64, resolved domain.Settings) *domain.Record {
	rec := domain.NewRecord(id)
	rec.Resolved = resolved
	rec.ValidData = false // no probe report arrived yet this test
	reg.Managed[id] = rec

	h.AddDomain(id, &host.MockDomain{
		TotPages: totPagesKB / pageKB,
		Flags:    host.FlagRunning,
		Target:   int64(totPagesKB),
	})
	return rec
}

func baseSettings() domain.Settings {
	return domain.Settings{
		DmemMin:   1 << 19, // 512 MB
		DmemQuota: 1 << 20, // 1 GB
		DmemMax:   1 << 21, // 2 GB
		DmemIncr:  0.06,
		DmemDecr:  0.04,
		RateHigh:  100,
		RateLow:   20,
		RateZero:  1,
	}
}

func TestRunTickNoManagedDomainsIsNoop(t *testing.T) {
	sched, _, _ := newTestScheduler(t)
	assert.NotPanics(t, func() { sched.RunTick(context.Background()) })
	assert.EqualValues(t, 1, sched.Tick)
}

func TestRunTickPausedSkipsStages(t *testing.T) {
	sched, h, reg := newTestScheduler(t)
	h.FreeMemory = 0 // well below any reserve, so an unpaused tick would shrink
	rec := addManaged(reg, h, 5, 1<<20, baseSettings())

	sched.Pause()
	require.True(t, sched.Paused())

	sched.RunTick(context.Background())

	got, err := h.GetTarget(context.Background(), 5)
	require.NoError(t, err)
	assert.EqualValues(t, 1<<20, got, "paused tick must not touch memory targets")
	assert.Zero(t, rec.Memsize, "stage 1-4 scratch must not run while paused")
}

func TestRunTickHardReserveShrinksTowardQuota(t *testing.T) {
	sched, h, reg := newTestScheduler(t)

	settings := baseSettings()
	rec := addManaged(reg, h, 7, 1<<21, settings) // domain sized at dmem_max, well above quota
	rec.SlowRate = 0                              // idle: eligible for round 1 of stage 2
	rec.ValidData = true

	// Host free memory is far below the hard reserve, forcing stage 2 to
	// reclaim by shrinking the only candidate toward its quota.
	h.FreeMemory = 0
	sched.Global.HostReservedHard.Set(1 << 18)

	sched.RunTick(context.Background())

	got, err := h.GetTarget(context.Background(), 7)
	require.NoError(t, err)
	assert.Less(t, uint64(got), uint64(1<<21), "idle domain above quota must be reclaimed under hard-reserve pressure")
	assert.GreaterOrEqual(t, uint64(got), settings.DmemMin, "reclaim must never cross below dmem_min")
}

func TestRunTickRebalanceExpandsLowMemoryDomain(t *testing.T) {
	sched, h, reg := newTestScheduler(t)

	settings := baseSettings()
	rec := addManaged(reg, h, 3, settings.DmemMin, settings) // pinned at the floor, pressured
	rec.SlowRate = 150
	rec.FastRate = 150
	rec.ValidData = true

	h.FreeMemory = 4 << 20 // plenty of free memory to hand out
	sched.Global.HostReservedHard.Set(0)
	sched.Global.HostReservedSoft.Set(0)

	sched.RunTick(context.Background())

	got, err := h.GetTarget(context.Background(), 3)
	require.NoError(t, err)
	assert.Greater(t, uint64(got), settings.DmemMin, "a high-rate domain pinned at dmem_min with free memory available should expand")
}

func TestRunTickUnmanagesGoneDomain(t *testing.T) {
	sched, h, reg := newTestScheduler(t)
	addManaged(reg, h, 9, 1<<20, baseSettings())
	h.RemoveDomain(9)

	sched.RunTick(context.Background())

	_, kind := reg.Lookup(9)
	assert.NotEqual(t, "managed", kind, "a domain the host no longer reports must leave the Managed set")
}

func TestShrinkProtectionBlocksImmediateReShrink(t *testing.T) {
	sched, _, _ := newTestScheduler(t)
	rec := domain.NewRecord(11)
	rec.Resolved = baseSettings()

	sched.Tick = 5
	rec.LastExpandTick = 5
	assert.True(t, sched.shrinkProtected(rec), "a domain expanded this tick must be shrink-protected next tick")

	sched.Tick = 7
	assert.False(t, sched.shrinkProtected(rec), "protection lapses once the protection window has elapsed")
}
