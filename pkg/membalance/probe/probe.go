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

// Package probe is C4: the guest probe channel over the shared namespace
// (spec.md §4.4, §6). It owns the wire paths ("bit-exact for
// compatibility") shared by the registry (which creates/tears down report
// slots on Pending<->Managed transitions) and the scheduler (which drains
// them every tick).
package probe

import (
	"fmt"

	logger "github.com/oboguev/membalance/pkg/log"
	"github.com/oboguev/membalance/pkg/membalance/store"
)

var log = logger.NewLogger("probe")

// Wire paths from spec.md §6.
const (
	IntervalPath   = "/tool/membalance/interval"
	DomainBasePath = "/tool/membalance/domain"
)

// ReportPath is the per-domain report slot addressed by qid.
func ReportPath(qid string) string { return fmt.Sprintf("%s/%s/report", DomainBasePath, qid) }

// DomidPath is the daemon-written qid -> domain_id mapping.
func DomidPath(qid string) string { return fmt.Sprintf("%s/%s/domid", DomainBasePath, qid) }

// GuestReportPathXS is the per-domain pointer the daemon writes once at
// promotion, under /local/domain/<id>, telling the guest where its report
// slot lives.
func GuestReportPathXS(id int) string {
	return fmt.Sprintf("/local/domain/%d/membalance/report_path", id)
}

// The remaining paths are host-published, read-only from the daemon's
// perspective: the "stable fields" spec.md §4.5 requires before a Pending
// domain can be promoted to Managed (name/uuid/vm come from the domain's
// directory, the memory fields from its memory/ subtree).
func NamePath(id int) string        { return fmt.Sprintf("/local/domain/%d/name", id) }
func VMPath(id int) string          { return fmt.Sprintf("/local/domain/%d/vm", id) }
func MemMaxPath(id int) string      { return fmt.Sprintf("/local/domain/%d/memory/static-max", id) }
func MemTargetPath(id int) string   { return fmt.Sprintf("/local/domain/%d/memory/target", id) }
func MemVideoramPath(id int) string { return fmt.Sprintf("/local/domain/%d/memory/videoram", id) }

// MemMaxmemFlagPath is the host's "is static-max host-enforced" bit, an
// informational field surfaced in show_status/debug dump but never
// consulted by scheduling (SPEC_FULL.md §3.1).
func MemMaxmemFlagPath(id int) string {
	return fmt.Sprintf("/local/domain/%d/memory/static-max-enforced", id)
}

// Drain reads every qid's report slot in a single transaction and clears
// (writes empty string to) every slot that was non-empty, per spec.md
// §4.4's "only modified slots cause a write, to keep transaction conflict
// narrow." It returns the raw non-empty blobs read, keyed by qid.
func Drain(s store.Client, qids []string) (map[string]string, error) {
	reports := map[string]string{}
	dirty := []string{}

	err := s.Transaction(func(tx store.Tx) error {
		reports = map[string]string{}
		dirty = dirty[:0]
		for _, qid := range qids {
			v, err := tx.Read(ReportPath(qid))
			if err != nil {
				if err == store.ErrNoEntry {
					continue
				}
				return err
			}
			if v == "" {
				continue
			}
			reports[qid] = v
			dirty = append(dirty, qid)
		}
		for _, qid := range dirty {
			if err := tx.Write(ReportPath(qid), ""); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reports, nil
}

// PublishInterval writes the outbound interval key, readable by every
// currently Managed domain (spec.md §4.4). Retries are the caller's
// responsibility via store.Retry.
func PublishInterval(s store.Client, seconds float64) error {
	return s.Write(IntervalPath, fmt.Sprintf("%g", seconds))
}

// RefreshACL sets the interval key's ACL to exactly the given domain ids,
// and each report slot's ACL to its owning domain only (spec.md §5).
func RefreshACL(s store.Client, managedIDs []int, qidByID map[int]string) {
	if err := s.SetPerm(IntervalPath, store.Perm{Owner: 0, Read: managedIDs}); err != nil {
		log.Error("failed to refresh interval ACL: %v", err)
	}
	for _, id := range managedIDs {
		qid, ok := qidByID[id]
		if !ok {
			continue
		}
		if err := s.SetPerm(ReportPath(qid), store.Perm{Owner: 0, Read: []int{id}, Write: []int{id}}); err != nil {
			log.Error("domain %d: failed to refresh report slot ACL: %v", id, err)
		}
	}
}
