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

// Package registry is C5: the domain state machine {Pending, Managed,
// Unmanaged, Dead} of spec.md §4.5, plus the identity/qid cache. A
// domain_id belongs to exactly one of the three maps at a time; transition
// methods are the only way a record moves between them, and each one
// performs the side effects spec.md's §4.5 table calls for.
package registry

import (
	"context"
	"sync"

	logger "github.com/oboguev/membalance/pkg/log"
	"github.com/oboguev/membalance/pkg/membalance/domain"
	"github.com/oboguev/membalance/pkg/membalance/host"
	"github.com/oboguev/membalance/pkg/membalance/store"
)

var log = logger.NewLogger("registry")

// Registry holds the three disjoint domain_id -> *domain.Record maps
// (Unmanaged only needs the id, so it's represented as domain_id -> a
// record retained for its resolve_settings_affected cache) plus the qid
// side-table that survives record deletion so a stale report slot can
// still be reclaimed (spec.md §3).
type Registry struct {
	mu sync.Mutex

	Pending   map[int]*domain.Record
	Managed   map[int]*domain.Record
	Unmanaged map[int]*domain.Record

	qids map[string]int // qid -> domain_id, retained across transitions

	Host  host.Interface
	Store store.Client

	// Interval is the current scheduler tick period, needed to publish
	// the outbound interval key on every Managed-membership change
	// (spec.md §4.4).
	Interval func() float64
}

// New creates an empty Registry bound to the given host and store clients.
func New(h host.Interface, s store.Client, interval func() float64) *Registry {
	return &Registry{
		Pending:   map[int]*domain.Record{},
		Managed:   map[int]*domain.Record{},
		Unmanaged: map[int]*domain.Record{},
		qids:      map[string]int{},
		Host:      h,
		Store:     s,
		Interval:  interval,
	}
}

// Lock/Unlock expose the registry's mutex to callers (the scheduler, the
// pending-domain timer, and RPC handlers) that need to hold it across a
// multi-step operation, mirroring the teacher's embedded sync.Mutex idiom.
func (r *Registry) Lock()   { r.mu.Lock() }
func (r *Registry) Unlock() { r.mu.Unlock() }

// Observe ensures domain_id has a record somewhere in the registry,
// creating a fresh Pending one on first observation (spec.md §4.5's
// "New -> Pending" transition).
func (r *Registry) Observe(id int) *domain.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observeLocked(id)
}

func (r *Registry) observeLocked(id int) *domain.Record {
	if rec, ok := r.Pending[id]; ok {
		return rec
	}
	if rec, ok := r.Managed[id]; ok {
		return rec
	}
	if rec, ok := r.Unmanaged[id]; ok {
		return rec
	}
	rec := domain.NewRecord(id)
	r.qids[rec.Qid] = id
	r.Pending[id] = rec
	log.Info("domain %d: discovered, entering Pending", id)
	return rec
}

// Lookup returns the record for id and which map it's currently in
// ("pending", "managed", "unmanaged", or "" if not present).
func (r *Registry) Lookup(id int) (*domain.Record, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(id)
}

func (r *Registry) lookupLocked(id int) (*domain.Record, string) {
	if rec, ok := r.Pending[id]; ok {
		return rec, "pending"
	}
	if rec, ok := r.Managed[id]; ok {
		return rec, "managed"
	}
	if rec, ok := r.Unmanaged[id]; ok {
		return rec, "unmanaged"
	}
	return nil, ""
}

// ManagedIDs returns a sorted-free snapshot of currently Managed domain ids.
func (r *Registry) ManagedIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.Managed))
	for id := range r.Managed {
		ids = append(ids, id)
	}
	return ids
}

// UnmanagedIDs returns a snapshot of currently Unmanaged domain ids, used
// by the control RPC's manage_domain(-1) ("all unmanaged") request.
func (r *Registry) UnmanagedIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.Unmanaged))
	for id := range r.Unmanaged {
		ids = append(ids, id)
	}
	return ids
}

// PendingIDs returns a snapshot of currently Pending domain ids.
func (r *Registry) PendingIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.Pending))
	for id := range r.Pending {
		ids = append(ids, id)
	}
	return ids
}

// DomainByQid resolves a report-slot qid back to a domain id, surviving
// the owning record's deletion until the qid slot itself is released
// (spec.md §3's "qid side-table surviving across transitions").
func (r *Registry) DomainByQid(qid string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.qids[qid]
	return id, ok
}

func (r *Registry) releaseQid(qid string) {
	delete(r.qids, qid)
}

// ctxBG is used for the handful of host calls transitions make that aren't
// already threaded a context from the scheduler tick (e.g. reacting to an
// RPC "manage" request outside of tick processing).
func ctxBG() context.Context { return context.Background() }
