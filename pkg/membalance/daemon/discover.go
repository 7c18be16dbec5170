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

	"github.com/oboguev/membalance/pkg/membalance/clock"
	"github.com/oboguev/membalance/pkg/membalance/probe"
)

// runPendingPass is the ~once-a-second housekeeping pass of spec.md §4.5 and
// §4.13: discover new domains, retire vanished ones, watch Unmanaged domains
// for a host-published size change that warrants re-examination, and drive
// the Pending-domain state machine one cycle.
func (d *Daemon) runPendingPass(ctx context.Context, now clock.Timestamp) {
	d.lastPendingPass = now

	ids, err := d.opts.Host.EnumerateDomains(ctx)
	if err != nil {
		log.Error("pending pass: enumerate domains failed: %v", err)
		return
	}
	live := make(map[int]bool, len(ids))
	for _, id := range ids {
		live[id] = true
		d.Reg.Observe(id)
	}

	d.reapDead(live)
	d.watchUnmanagedSizeChanges(ctx, live)

	d.Reg.ProcessPending(clock.DiffMS(d.startTime, now), d.Global, d.quantumKB)
}

// reapDead transitions any record whose domain id the host no longer
// reports to Dead, from whichever of the three maps it currently occupies
// (spec.md §4.5's "-> Dead" column).
func (d *Daemon) reapDead(live map[int]bool) {
	for _, id := range d.Reg.PendingIDs() {
		if !live[id] {
			d.Reg.PendingToDead(id)
		}
	}
	for _, id := range d.Reg.ManagedIDs() {
		if !live[id] {
			d.Reg.ManagedToDead(id)
		}
	}
	for _, id := range d.Reg.UnmanagedIDs() {
		if !live[id] {
			d.Reg.UnmanagedToDead(id)
			delete(d.unmanagedSizeCache, id)
		}
	}
}

// watchUnmanagedSizeChanges implements spec.md §4.5's "Unmanaged ->
// Pending" trigger on a host-published size-defining field change: an
// Unmanaged domain whose xs_mem_max or xs_mem_target has moved since the
// last pass is worth another resolution attempt, since a guest's own
// balloon driver reporting new bounds may be exactly what was missing.
func (d *Daemon) watchUnmanagedSizeChanges(ctx context.Context, live map[int]bool) {
	for _, id := range d.Reg.UnmanagedIDs() {
		if !live[id] {
			continue
		}
		snap, changed := d.readSizeSnapshot(ctx, id)
		if !changed {
			continue
		}
		prev, known := d.unmanagedSizeCache[id]
		d.unmanagedSizeCache[id] = snap
		if known && prev != snap {
			log.Info("domain %d: host-published size changed while unmanaged, re-examining", id)
			d.Reg.UnmanagedToPending(id)
		}
	}
}

func (d *Daemon) readSizeSnapshot(ctx context.Context, id int) (sizeSnapshot, bool) {
	maxStr, merr := d.opts.Store.Read(probe.MemMaxPath(id))
	targetStr, terr := d.opts.Store.Read(probe.MemTargetPath(id))
	if merr != nil || terr != nil {
		return sizeSnapshot{}, false
	}
	maxKB, e1 := strconv.ParseUint(maxStr, 10, 64)
	targetKB, e2 := strconv.ParseUint(targetStr, 10, 64)
	if e1 != nil || e2 != nil {
		return sizeSnapshot{}, false
	}
	return sizeSnapshot{xsMemMax: maxKB, xsMemTarget: targetKB}, true
}
