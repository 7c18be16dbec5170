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
	"time"

	cfg "github.com/oboguev/membalance/pkg/membalance/config"
	"github.com/oboguev/membalance/pkg/membalance/registry"
)

// reloadConfig re-parses the configuration file (SIGHUP or fsnotify change,
// spec.md §4.2) and re-resolves every Managed domain's settings against the
// new global config, demoting any domain whose settings no longer resolve
// (spec.md's "a reload can invalidate an in-flight resolution" scenario).
// If the reload newly makes some previously-unresolvable parameter
// available, Unmanaged domains are queued for re-examination a second
// after the reload rather than right away, so a burst of correlated
// changes (e.g. editing several keys in the same file) coalesces into one
// pass.
func (d *Daemon) reloadConfig(ctx context.Context) {
	if d.opts.ConfigPath == "" {
		return
	}

	old := d.Global.Clone()

	parsed, err := cfg.ParseFile(d.opts.ConfigPath)
	if err != nil {
		log.Error("config reload: %v", err)
		if parsed == nil {
			return
		}
	}

	*d.Global = *parsed
	d.applyHardwiredDefaults(ctx)
	d.Global.IncrementSeq()

	if err := d.Reg.RefreshIntervalACL(); err != nil {
		log.Error("config reload: failed to refresh interval ACL: %v", err)
	}

	for _, id := range d.Reg.ManagedIDs() {
		rec, kind := d.Reg.Lookup(id)
		if kind != "managed" {
			continue
		}
		if ok, reason := registry.ResolveSettings(rec, d.Global, d.opts.Store, d.quantumKB); !ok {
			log.Info("domain %d: settings no longer resolve after reload (%s), unmanaging", id, reason)
			d.Reg.DemoteManagedToUnmanaged(ctx, rec, "config reload: "+reason)
		}
	}

	if registry.ResolveSettingsAffected(old, d.Global) {
		d.settingsRefreshQueued = true
		d.settingsRefreshUntil = d.clk.Now().Add(time.Second)
	}

	log.Info("configuration reloaded")
}

// reexamineUnmanaged re-attempts settings resolution for every Unmanaged
// domain after a reload widened what's resolvable (spec.md §4.6). Domains
// that now resolve are pushed back through Pending rather than promoted
// directly to Managed, so they still pass through the normal field-harvest
// and stability-filter machinery of C5.
func (d *Daemon) reexamineUnmanaged(ctx context.Context) {
	for _, id := range d.Reg.UnmanagedIDs() {
		rec, kind := d.Reg.Lookup(id)
		if kind != "unmanaged" {
			continue
		}
		if ok, _ := registry.ResolveSettings(rec, d.Global, d.opts.Store, d.quantumKB); ok {
			d.Reg.UnmanagedToPending(id)
		}
	}
}
