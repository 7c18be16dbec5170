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

package daemon

import (
	"context"
	"strconv"
	"time"

	"github.com/oboguev/membalance/pkg/membalance/clock"
	cfg "github.com/oboguev/membalance/pkg/membalance/config"
	"github.com/oboguev/membalance/pkg/membalance/metrics"
)

const dayFallback = 24 * time.Hour

// nextWait computes spec.md §4.13's poll duration: the minimum of the time
// until the next scheduler tick, the time until the next pending-domain
// pass (only if Pending is non-empty), 1s if a settings refresh is queued,
// or a day otherwise. Deadlines within tolerance_ms are treated as already
// due (wait=0).
func (d *Daemon) nextWait() time.Duration {
	now := d.clk.Now()

	tickDeadline := d.lastTickStart.Add(d.intervalDuration())
	best := clock.DiffMS(now, tickDeadline)

	if len(d.Reg.PendingIDs()) > 0 {
		if v := clock.DiffMS(now, d.lastPendingPass.Add(time.Second)); v < best {
			best = v
		}
	}

	if d.settingsRefreshQueued {
		if v := clock.DiffMS(now, d.settingsRefreshUntil); v < best {
			best = v
		}
	}

	if best <= cfg.Tolerance {
		return 0
	}
	if time.Duration(best)*time.Millisecond > dayFallback {
		return dayFallback
	}
	return time.Duration(best) * time.Millisecond
}

func (d *Daemon) intervalDuration() time.Duration {
	return time.Duration(d.intervalSeconds()*1000) * time.Millisecond
}

// onTimer runs whichever of the tick / pending-pass / settings-refresh
// dimensions nextWait's deadline just satisfied. More than one can be due
// at once; each is independent.
func (d *Daemon) onTimer(ctx context.Context) {
	now := d.clk.Now()

	if clock.DiffMS(d.lastTickStart, now) >= int64(d.intervalSeconds()*1000)-cfg.Tolerance {
		d.runTick(ctx, now)
	}

	if clock.DiffMS(d.lastPendingPass, now) >= 1000-cfg.Tolerance {
		d.runPendingPass(ctx, now)
	}

	if d.settingsRefreshQueued && !now.Before(d.settingsRefreshUntil) {
		d.settingsRefreshQueued = false
		d.reexamineUnmanaged(ctx)
	}
}

func (d *Daemon) runTick(ctx context.Context, now clock.Timestamp) {
	start := time.Now()
	d.Sched.RunTick(ctx)
	d.lastTickStart = now
	if d.metricsCol != nil {
		d.publishMetrics(time.Since(start).Seconds())
	}
}

func (d *Daemon) publishMetrics(tickSeconds float64) {
	managedIDs := d.Reg.ManagedIDs()
	samples := make([]metrics.DomainSample, 0, len(managedIDs))
	for _, id := range managedIDs {
		rec, kind := d.Reg.Lookup(id)
		if kind != "managed" {
			continue
		}
		samples = append(samples, metrics.DomainSample{
			DomainID:    strconv.Itoa(id),
			MemsizeKB:   float64(rec.Memsize),
			ExpandForce: rec.ExpandForce,
			ResistForce: rec.ResistForce,
		})
	}
	d.metricsCol.Publish(float64(d.Sched.LastHostFree), len(managedIDs), len(d.Reg.PendingIDs()), tickSeconds, samples)
}
