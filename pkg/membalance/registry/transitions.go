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
	"fmt"

	"github.com/oboguev/membalance/pkg/membalance/domain"
	"github.com/oboguev/membalance/pkg/membalance/probe"
	"github.com/oboguev/membalance/pkg/membalance/store"
)

func reportPath(qid string) string    { return probe.ReportPath(qid) }
func domidPath(qid string) string     { return probe.DomidPath(qid) }
func guestReportPathXS(id int) string { return probe.GuestReportPathXS(id) }

const (
	domainBasePath = probe.DomainBasePath
	intervalPath   = probe.IntervalPath
)

// PromoteToManaged performs the Pending -> Managed transition (spec.md
// §4.5): it publishes the report slot and domid mapping, points the
// guest's own report_path key at it, and widens the interval key's ACL to
// include the newly managed domain.
func (r *Registry) PromoteToManaged(rec *domain.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.Store.Transaction(func(tx store.Tx) error {
		if err := tx.Write(domidPath(rec.Qid), fmt.Sprintf("%d", rec.DomainID)); err != nil {
			return err
		}
		if err := tx.Write(reportPath(rec.Qid), ""); err != nil {
			return err
		}
		return tx.Write(guestReportPathXS(rec.DomainID), reportPath(rec.Qid))
	}); err != nil {
		return fmt.Errorf("promote domain %d: create report slot: %w", rec.DomainID, err)
	}

	if err := r.Store.SetPerm(reportPath(rec.Qid), store.Perm{
		Owner: 0,
		Read:  []int{rec.DomainID},
		Write: []int{rec.DomainID},
	}); err != nil {
		return fmt.Errorf("promote domain %d: set report slot ACL: %w", rec.DomainID, err)
	}

	rec.Generation++
	delete(r.Pending, rec.DomainID)
	r.Managed[rec.DomainID] = rec

	if err := r.refreshIntervalACLLocked(); err != nil {
		log.Error("domain %d: failed to refresh interval ACL: %v", rec.DomainID, err)
	}

	log.Info("domain %d: Pending -> Managed", rec.DomainID)
	return nil
}

// refreshIntervalACLLocked re-applies the interval key's ACL to exactly the
// current Managed set (spec.md §5: "ACLs are re-applied on every
// Managed-set change").
func (r *Registry) refreshIntervalACLLocked() error {
	ids := make([]int, 0, len(r.Managed))
	for id := range r.Managed {
		ids = append(ids, id)
	}
	interval := 10.0
	if r.Interval != nil {
		interval = r.Interval()
	}
	if err := r.Store.Write(probe.IntervalPath, fmt.Sprintf("%g", interval)); err != nil {
		return err
	}
	return r.Store.SetPerm(probe.IntervalPath, store.Perm{Owner: 0, Read: ids})
}

// RefreshIntervalACL is the public, locking entry point used when the
// interval itself changes without any membership change.
func (r *Registry) RefreshIntervalACL() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshIntervalACLLocked()
}

// DemotePendingToUnmanaged performs Pending -> Unmanaged (parse failure,
// timeout, or dom0 disabled).
func (r *Registry) DemotePendingToUnmanaged(id int, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.Pending[id]
	if !ok {
		return
	}
	delete(r.Pending, id)
	r.Unmanaged[id] = rec
	log.Info("domain %d: Pending -> Unmanaged (%s)", id, reason)
}

// PendingToDead performs Pending -> Dead: the host says the domain is gone
// while it was still being resolved.
func (r *Registry) PendingToDead(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.Pending[id]
	if !ok {
		return
	}
	delete(r.Pending, id)
	r.releaseQid(rec.Qid)
	log.Info("domain %d: Pending -> Dead", id)
}

// DemoteManagedToUnmanaged performs Managed -> Unmanaged: incoherent
// settings, an administrator request, or a missing field. If
// trim_unmanaged is set, one shrink-to-quota is issued first (spec.md
// §4.5).
func (r *Registry) DemoteManagedToUnmanaged(ctx context.Context, rec *domain.Record, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.Managed[rec.DomainID]; !ok {
		return
	}

	if rec.Resolved.TrimUnmanaged && rec.Resolved.DmemQuota > 0 {
		if _, err := r.Host.SetMemoryTarget(ctx, rec.DomainID, rec.Resolved.DmemQuota); err != nil {
			log.Error("domain %d: trim-to-quota on unmanage failed: %v", rec.DomainID, err)
		}
	}

	delete(r.Managed, rec.DomainID)
	r.Unmanaged[rec.DomainID] = rec
	if err := r.refreshIntervalACLLocked(); err != nil {
		log.Error("domain %d: failed to refresh interval ACL: %v", rec.DomainID, err)
	}
	log.Info("domain %d: Managed -> Unmanaged (%s)", rec.DomainID, reason)
}

// ManagedToDead performs Managed -> Dead.
func (r *Registry) ManagedToDead(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.Managed[id]; !ok {
		return
	}
	delete(r.Managed, id)
	if err := r.refreshIntervalACLLocked(); err != nil {
		log.Error("domain %d: failed to refresh interval ACL: %v", id, err)
	}
	log.Info("domain %d: Managed -> Dead", id)
}

// UnmanagedToPending performs Unmanaged -> Pending, triggered by an
// administrator "manage" request or a host-published change to a
// size-defining field.
func (r *Registry) UnmanagedToPending(id int) *domain.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.Unmanaged[id]
	if !ok {
		return nil
	}
	delete(r.Unmanaged, id)
	rec := domain.NewRecord(id)
	rec.Qid = old.Qid // keep using the same report slot identity
	r.qids[rec.Qid] = id
	r.Pending[id] = rec
	log.Info("domain %d: Unmanaged -> Pending", id)
	return rec
}

// UnmanagedToDead performs Unmanaged -> Dead: erase the id and release its
// qid slot.
func (r *Registry) UnmanagedToDead(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.Unmanaged[id]
	if !ok {
		return
	}
	delete(r.Unmanaged, id)
	r.releaseQid(rec.Qid)
	log.Info("domain %d: Unmanaged -> Dead", id)
}
