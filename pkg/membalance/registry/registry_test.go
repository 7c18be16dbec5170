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

package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "github.com/oboguev/membalance/pkg/membalance/config"
	"github.com/oboguev/membalance/pkg/membalance/domain"
	"github.com/oboguev/membalance/pkg/membalance/host"
	"github.com/oboguev/membalance/pkg/membalance/store"
)

func newTestRegistry() (*Registry, *host.Mock, *store.MemStore) {
	h := host.NewMock()
	s := store.NewMemStore()
	r := New(h, s, func() float64 { return 10 })
	return r, h, s
}

func TestObserveCreatesPending(t *testing.T) {
	r, _, _ := newTestRegistry()
	rec := r.Observe(5)
	require.NotNil(t, rec)
	assert.Equal(t, 5, rec.DomainID)
	_, kind := r.Lookup(5)
	assert.Equal(t, "pending", kind)

	// Re-observing returns the same record, not a new one.
	again := r.Observe(5)
	assert.Same(t, rec, again)
}

func TestDueThisCycleBackoffSchedule(t *testing.T) {
	var due []int64
	for c := int64(0); c < 30; c++ {
		if dueThisCycle(c) {
			due = append(due, c)
		}
	}
	assert.Equal(t, []int64{0, 1, 2, 3, 5, 6, 11, 16, 20}, due)
}

func TestPromoteToManagedCreatesReportSlot(t *testing.T) {
	r, _, s := newTestRegistry()
	rec := r.Observe(7)
	require.NoError(t, r.PromoteToManaged(rec))

	_, kind := r.Lookup(7)
	assert.Equal(t, "managed", kind)

	v, err := s.Read(domidPath(rec.Qid))
	require.NoError(t, err)
	assert.Equal(t, "7", v)

	_, err = s.Read(intervalPath)
	require.NoError(t, err)
}

func TestDemoteManagedToUnmanagedTrimsToQuota(t *testing.T) {
	r, h, _ := newTestRegistry()
	h.AddDomain(3, &host.MockDomain{TotPages: 1000, Target: -1})

	rec := r.Observe(3)
	rec.Resolved = domain.Settings{TrimUnmanaged: true, DmemQuota: 2048}
	require.NoError(t, r.PromoteToManaged(rec))

	r.DemoteManagedToUnmanaged(context.TODO(), rec, "test")

	_, kind := r.Lookup(3)
	assert.Equal(t, "unmanaged", kind)
	target, _ := h.GetTarget(context.TODO(), 3)
	assert.Equal(t, int64(2048), target)
}

func TestUnmanagedToPendingReusesQid(t *testing.T) {
	r, _, _ := newTestRegistry()
	rec := r.Observe(9)
	r.DemotePendingToUnmanaged(9, "manual")
	oldQid := rec.Qid

	again := r.UnmanagedToPending(9)
	require.NotNil(t, again)
	assert.Equal(t, oldQid, again.Qid)
	_, kind := r.Lookup(9)
	assert.Equal(t, "pending", kind)
}

func TestQidSurvivesDeadTransition(t *testing.T) {
	r, _, _ := newTestRegistry()
	rec := r.Observe(11)
	id, ok := r.DomainByQid(rec.Qid)
	require.True(t, ok)
	assert.Equal(t, 11, id)

	r.PendingToDead(11)
	_, ok = r.DomainByQid(rec.Qid)
	assert.False(t, ok)
}

func TestResolveSettingsRequiresAutoFields(t *testing.T) {
	rec := domain.NewRecord(1)
	rec.XsMemMax = 1 << 30
	rec.Build = domain.Settings{
		ControlModesAllowed: cfg.ModeAuto,
		DmemMin:             1024, HasDmemMin: true,
		DmemMax: 4096, HasDmemMax: true,
	}
	global := cfg.NewGlobalConfig()
	global.ApplyHardwiredDefaults(0, 0, 0)

	s := store.NewMemStore()
	ok, reason := ResolveSettings(rec, global, s, 4)
	assert.False(t, ok)
	assert.Contains(t, reason, "dmem_quota")
}

func TestResolveSettingsSucceedsWithDefaults(t *testing.T) {
	rec := domain.NewRecord(2)
	rec.XsMemMax = 1 << 30
	rec.Build = domain.Settings{
		ControlModesAllowed: cfg.ModeAuto,
		DmemMin:             1024, HasDmemMin: true,
		DmemQuota: 2048, HasDmemQuota: true,
		DmemMax: 4096, HasDmemMax: true,
	}
	global := cfg.NewGlobalConfig()
	global.ApplyHardwiredDefaults(0, 0, 0)

	s := store.NewMemStore()
	ok, reason := ResolveSettings(rec, global, s, 4)
	require.True(t, ok, reason)
	assert.True(t, rec.Resolved.RateLow < rec.Resolved.RateHigh)
}

func TestResolveSettingsRejectsIncoherentQuota(t *testing.T) {
	rec := domain.NewRecord(4)
	rec.XsMemMax = 1 << 30
	rec.Build = domain.Settings{
		ControlModesAllowed: cfg.ModeAuto,
		DmemMin:             4096, HasDmemMin: true,
		DmemQuota: 2048, HasDmemQuota: true, // below dmem_min: incoherent
		DmemMax: 8192, HasDmemMax: true,
	}
	global := cfg.NewGlobalConfig()
	global.ApplyHardwiredDefaults(0, 0, 0)

	s := store.NewMemStore()
	ok, reason := ResolveSettings(rec, global, s, 4)
	assert.False(t, ok)
	assert.Contains(t, reason, "dmem_quota")
}

func TestResolveSettingsAffectedOnRateChange(t *testing.T) {
	old := cfg.NewGlobalConfig()
	old.ApplyHardwiredDefaults(0, 0, 0)
	newC := old.Clone()
	newC.RateHigh.Set(500)
	assert.True(t, ResolveSettingsAffected(old, newC))

	same := old.Clone()
	assert.False(t, ResolveSettingsAffected(old, same))
}

func TestProcessPendingTimesOutAndDemotes(t *testing.T) {
	r, _, _ := newTestRegistry()
	r.Observe(20)

	global := cfg.NewGlobalConfig()
	global.DomainPendingTimeout.Set(5)

	r.ProcessPending(0, global, 4)
	_, kind := r.Lookup(20)
	assert.Equal(t, "pending", kind)

	r.ProcessPending(6000, global, 4)
	_, kind = r.Lookup(20)
	assert.Equal(t, "unmanaged", kind)
}

func TestObserveXenDataSizeSampleCapturesAfterNStablePasses(t *testing.T) {
	rec := domain.NewRecord(30)
	r, _, _ := newTestRegistry()
	for i := 0; i < cfg.XenPrivateDataSizeSamples; i++ {
		r.ObserveXenDataSizeSample(rec, 10000, 9000, true, true, false)
	}
	assert.Equal(t, int64(1000), rec.XenDataSize)

	// A change mid-run restarts the capture.
	rec2 := domain.NewRecord(31)
	r.ObserveXenDataSizeSample(rec2, 10000, 9000, true, true, false)
	r.ObserveXenDataSizeSample(rec2, 10000, 9500, true, true, false) // target moved
	r.ObserveXenDataSizeSample(rec2, 10000, 9500, true, true, false)
	assert.NotEqual(t, cfg.XenPrivateDataSizeSamples, rec2.XenDataSizePhase)
}
