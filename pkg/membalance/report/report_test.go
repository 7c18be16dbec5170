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

package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oboguev/membalance/pkg/membalance/domain"
)

const sample = "A\naction: report\nprogname: balloond\nprogversion: 1\nseq: 42\nkb: 100\nkbsec: 250\nfreepct: 12.5\n"

func TestParseValidReport(t *testing.T) {
	r, err := Parse(sample)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), r.Seq)
	assert.Equal(t, uint64(250), r.KBSec)
	assert.InDelta(t, 12.5, r.FreePct, 0.001)
}

func TestParseRejectsWrongVersion(t *testing.T) {
	_, err := Parse("B\naction: report\n")
	assert.Error(t, err)
}

func TestParseRejectsMalformedLine(t *testing.T) {
	_, err := Parse("A\nnotakeyvalue\n")
	assert.Error(t, err)
}

func TestApplyOverridesRateOnHighFreePct(t *testing.T) {
	rec := domain.NewRecord(1)
	rec.Resolved.GuestFreeThreshold, rec.Resolved.HasGuestFreeThreshold = 0.20, true
	rep := &Report{KBSec: 500, FreePct: 30}
	Apply(rec, rep, 1, 5)
	assert.Equal(t, float64(0), rec.FastRate)
}

func TestApplyOverridesRateBelowRateZero(t *testing.T) {
	rec := domain.NewRecord(1)
	rec.Resolved.RateZero, rec.Resolved.HasRateZero = 5, true
	rep := &Report{KBSec: 3, FreePct: 0}
	Apply(rec, rep, 1, 5)
	assert.Equal(t, float64(0), rec.FastRate)
}

func TestApplyAccumulatesTimeRateBelowLow(t *testing.T) {
	rec := domain.NewRecord(1)
	rec.Resolved.RateLow, rec.Resolved.HasRateLow = 0, true
	rep := &Report{KBSec: 0, FreePct: 0}
	Apply(rec, rep, 1, 5)
	assert.Equal(t, 5.0, rec.TimeRateBelowLow)
	Apply(rec, rep, 2, 5)
	assert.Equal(t, 10.0, rec.TimeRateBelowLow)
}

func TestWeightedSlowRatePrefersHeavierRecentHistory(t *testing.T) {
	rec := domain.NewRecord(1)
	// Two contiguous prior samples before this tick's report, oldest pushed
	// first so the history ends up most-recent-first.
	rec.PushRateSample(1, 5)
	rec.PushRateSample(2, 100)
	rep := &Report{KBSec: 1, FreePct: 0}
	Apply(rec, rep, 3, 5)
	// weighted = (10*1 + 3*100 + 2*5) / (10+3+2) = 320/15, dominated by the
	// heavier weight on the most recent samples despite the raw rate of 1.
	assert.InDelta(t, 320.0/15.0, rec.SlowRate, 0.0001)
}

func TestWeightedSlowRateIdenticalRateEqualsRate(t *testing.T) {
	rec := domain.NewRecord(1)
	rec.PushRateSample(1, 42)
	rec.PushRateSample(2, 42)
	rec.PushRateSample(3, 42)
	rec.PushRateSample(4, 42)
	rep := &Report{KBSec: 42, FreePct: 0}
	Apply(rec, rep, 5, 5)
	assert.InDelta(t, 42.0, rec.SlowRate, 0.0001)
}

func TestWeightedSlowRateTailoratesSingleTickGap(t *testing.T) {
	rec := domain.NewRecord(1)
	// Tick 2's report never arrived, leaving a single-tick gap in the
	// history; the weight slot for the missing sample is skipped rather
	// than terminating accumulation.
	rec.PushRateSample(1, 100)
	rep := &Report{KBSec: 1, FreePct: 0}
	Apply(rec, rep, 3, 5)
	// history (most-recent-first) is [(3,1), (1,100)]: weight[0] on tick 3,
	// weight[2] on tick 1 (weight[1] skipped for the missing tick 2).
	want := (SlowWeights[0]*1 + SlowWeights[2]*100) / (SlowWeights[0] + SlowWeights[2])
	assert.InDelta(t, want, rec.SlowRate, 0.0001)
}

func TestWeightedSlowRateTerminatesOnLargerGap(t *testing.T) {
	rec := domain.NewRecord(1)
	// Ticks 2 and 3 never arrived: a two-tick gap terminates accumulation,
	// so only the current sample contributes.
	rec.PushRateSample(1, 100)
	rep := &Report{KBSec: 9, FreePct: 0}
	Apply(rec, rep, 4, 5)
	assert.InDelta(t, 9.0, rec.SlowRate, 0.0001)
}

func TestHandleSilenceReusesPreviousTickOnce(t *testing.T) {
	rec := domain.NewRecord(1)
	rec.LastReportTick = 4
	reused := HandleSilence(rec, 5, 5, true)
	assert.True(t, reused)

	reused = HandleSilence(rec, 7, 5, true)
	assert.False(t, reused)
	assert.False(t, rec.ValidData)
}

func TestHandleSilenceTrimsAfterTrimUnresponsive(t *testing.T) {
	rec := domain.NewRecord(1)
	rec.LastReportTick = -100
	rec.Resolved.TrimUnresponsive, rec.Resolved.HasTrimUnresponsive = 10, true
	rec.Resolved.DmemQuota = 1000
	rec.Memsize = 2000
	HandleSilence(rec, 0, 15, true)
	assert.True(t, rec.TrimmingToQuota)
}
