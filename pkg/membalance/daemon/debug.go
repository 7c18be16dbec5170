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
	"fmt"
	"sort"
	"strings"
)

// showStatus formats spec.md §4.12's show_status output. verbosity 0 is a
// one-line summary; higher verbosities add per-domain detail.
func (d *Daemon) showStatus(verbosity int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "tick=%d managed=%d pending=%d unmanaged=%d paused=%v(level=%d) host_free=%dKB host_slack=%dKB\n",
		d.Sched.Tick, len(d.Reg.ManagedIDs()), len(d.Reg.PendingIDs()), len(d.Reg.UnmanagedIDs()),
		d.Sched.Paused(), d.Sched.PauseLevel(), d.Sched.LastHostFree, d.Sched.LastHostSlack)

	if verbosity <= 0 {
		return b.String()
	}

	ids := d.Reg.ManagedIDs()
	sort.Ints(ids)
	for _, id := range ids {
		rec, kind := d.Reg.Lookup(id)
		if kind != "managed" {
			continue
		}
		fmt.Fprintf(&b, "  domain %d (%s): memsize=%dKB rate=%.1fKB/s slow=%.1fKB/s expand=%.3g resist=%.3g maxmem_enforced=%v\n",
			id, rec.Name, rec.Memsize, rec.Rate, rec.SlowRate, rec.ExpandForce, rec.ResistForce, rec.XsMemMaxmemFlag)
	}

	if verbosity <= 1 {
		return b.String()
	}

	pending := d.Reg.PendingIDs()
	sort.Ints(pending)
	for _, id := range pending {
		rec, kind := d.Reg.Lookup(id)
		if kind != "pending" {
			continue
		}
		fmt.Fprintf(&b, "  pending %d: cycle=%d have_xs_fields=%v xen_data_size_phase=%d have_build=%v\n",
			id, rec.PendingCycle, rec.HaveXsFields, rec.XenDataSizePhase, rec.Build.ControlModesAllowed != 0)
	}

	return b.String()
}

// debugDumpString is show_status at maximum verbosity plus the Unmanaged
// set, matching spec.md §4.12's debug_dump_to_string.
func (d *Daemon) debugDumpString() string {
	var b strings.Builder
	b.WriteString(d.showStatus(2))

	unmanaged := d.Reg.UnmanagedIDs()
	sort.Ints(unmanaged)
	for _, id := range unmanaged {
		b.WriteString(fmt.Sprintf("  unmanaged %d\n", id))
	}
	return b.String()
}

// dumpDebugToLog is spec.md §4.12's debug_dump / SIGUSR1 action: the same
// text as debugDumpString, one line at a time through the logger so it
// interleaves correctly with other log output.
func (d *Daemon) dumpDebugToLog(_ context.Context) {
	for _, line := range strings.Split(strings.TrimRight(d.debugDumpString(), "\n"), "\n") {
		log.Info("%s", line)
	}
}
