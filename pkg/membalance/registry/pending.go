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
	"strconv"
	"strings"

	cfg "github.com/oboguev/membalance/pkg/membalance/config"
	"github.com/oboguev/membalance/pkg/membalance/domain"
	"github.com/oboguev/membalance/pkg/membalance/host"
	"github.com/oboguev/membalance/pkg/membalance/probe"
)

// PendingTolerance is how far the elapsed-ms clock may drift from the
// nominal 1s pending cadence before a pass is skipped (spec.md §4.5:
// "actual cadence derived from the elapsed-ms clock with tolerance"; reuses
// config.Tolerance, the same figure §4.2 uses for tick-boundary slop).
const PendingTolerance = cfg.Tolerance

// dueThisCycle implements spec.md §4.5's back-off policy: the first 3
// cycles run every pass, the next 3 every other pass, the next 14 every
// fifth pass, and every one after that every tenth pass.
func dueThisCycle(cycle int64) bool {
	switch {
	case cycle < 3:
		return true
	case cycle < 6:
		return (cycle-3)%2 == 0
	case cycle < 20:
		return (cycle-6)%5 == 0
	default:
		return (cycle-20)%10 == 0
	}
}

// ProcessPending runs one pass of pending-domain processing (spec.md
// §4.5). It should be called about once a second; nowMS is the current
// reading of the same elapsed-ms clock the scheduler uses.
func (r *Registry) ProcessPending(nowMS int64, global *cfg.GlobalConfig, quantumKB uint64) {
	for _, id := range r.PendingIDs() {
		rec, kind := r.Lookup(id)
		if kind != "pending" {
			continue
		}

		if rec.TSEnteredPending < 0 {
			rec.TSEnteredPending = nowMS
			rec.PendingCycle = 0
		}

		elapsedS := float64(nowMS-rec.TSEnteredPending) / 1000.0
		if timeout, ok := global.DomainPendingTimeout.Get(); ok && elapsedS > timeout {
			missing := r.missingFields(rec)
			log.Warn("domain %d: pending timeout after %.0fs, missing: %s", id, elapsedS, strings.Join(missing, ", "))
			r.DemotePendingToUnmanaged(id, "timeout")
			continue
		}

		if !dueThisCycle(rec.PendingCycle) {
			rec.PendingCycle++
			continue
		}
		rec.PendingCycle++

		r.harvestPendingFields(rec, quantumKB)
		r.tryAdvancePending(rec, global, quantumKB)
	}
}

// harvestPendingFields gathers the three preconditions of spec.md §4.5
// independently, so a domain can accumulate stable host fields on one
// pass and its xen_data_size stability capture over several subsequent
// ones: the stable host-published fields (name/uuid/memory sizes), the
// build-config blob, and one 1-second stability-filter sample.
func (r *Registry) harvestPendingFields(rec *domain.Record, quantumKB uint64) {
	ctx := context.Background()
	isRoot := rec.DomainID == 0

	if !rec.HaveXsFields {
		name, errName := r.Store.Read(probe.NamePath(rec.DomainID))
		maxStr, errMax := r.Store.Read(probe.MemMaxPath(rec.DomainID))
		targetStr, errTarget := r.Store.Read(probe.MemTargetPath(rec.DomainID))
		videoramStr, errVideoram := r.Store.Read(probe.MemVideoramPath(rec.DomainID))
		maxmemFlagStr, errMaxmemFlag := r.Store.Read(probe.MemMaxmemFlagPath(rec.DomainID))
		uuidStr, errUUID := r.Store.Read(probe.VMPath(rec.DomainID))

		if errName == nil && errMax == nil && errTarget == nil && (isRoot || errUUID == nil) {
			maxKB, e1 := strconv.ParseUint(maxStr, 10, 64)
			targetKB, e2 := strconv.ParseUint(targetStr, 10, 64)
			if e1 == nil && e2 == nil {
				videoramOK := false
				var videoram int64
				switch {
				case errVideoram == nil && videoramStr != "":
					if v, e3 := strconv.ParseInt(videoramStr, 10, 64); e3 == nil {
						videoram, videoramOK = v, true
					}
				case isRoot:
					videoram, videoramOK = -1, true
				}

				if videoramOK {
					startTime, haveStart := int64(0), isRoot
					if !isRoot {
						if up, uerr := r.Host.DomainUptime(ctx, rec.DomainID); uerr == nil && up >= 0 {
							startTime, haveStart = up, true
						}
					}
					if haveStart {
						rec.Name = name
						if !isRoot {
							rec.UUID = uuidStr
						}
						rec.XsMemMax = maxKB
						rec.XsMemTarget = targetKB
						rec.XsMemVideoram = videoram
						rec.XsMemVideoramRead = true
						if errMaxmemFlag == nil {
							rec.XsMemMaxmemFlag = maxmemFlagStr == "1"
							rec.XsMemMaxmemFlagRead = true
						}
						rec.StartTime = startTime
						rec.HaveXsFields = true
					}
				}
			}
		}
	}

	if rec.Build.ControlModesAllowed == 0 {
		raw, err := r.Host.FetchBuildConfig(ctx, rec.DomainID)
		if err != nil {
			log.Debug("domain %d: fetch build config failed: %v", rec.DomainID, err)
		} else if raw != nil {
			bc, berr := ParseBuildConfig(raw)
			if berr != nil {
				log.Error("domain %d: build config parse error: %v", rec.DomainID, berr)
			}
			if bc.ControlModesAllowed != 0 {
				rec.Build = bc
			}
		}
	}

	if rec.HaveXsFields && rec.XenDataSizePhase < cfg.XenPrivateDataSizeSamples {
		di, err := r.Host.DomainInfo(ctx, rec.DomainID)
		if err != nil || di == nil {
			return
		}
		free, _ := r.Host.GetFreeMemory(ctx)
		runnable := di.Flags.Has(host.FlagRunning)
		freeAboveThreshold := free > 100*quantumKB
		outstandingAlloc := di.OutstandingPages > 0
		totSizeKB := di.TotPages * quantumKB
		videoram := uint64(0)
		if rec.XsMemVideoram > 0 {
			videoram = uint64(rec.XsMemVideoram)
		}
		targetKB := domain.RoundUpToQuantum(rec.XsMemTarget+videoram, quantumKB)
		r.ObserveXenDataSizeSample(rec, totSizeKB, targetKB, runnable, freeAboveThreshold, outstandingAlloc)
	}
}

func (r *Registry) missingFields(rec *domain.Record) []string {
	var missing []string
	if !rec.HaveXsFields {
		missing = append(missing, "name", "uuid", "xs_mem_max", "xs_mem_target", "xs_mem_videoram", "start_time")
	}
	if rec.XenDataSizePhase < cfg.XenPrivateDataSizeSamples {
		missing = append(missing, "xen_data_size (stability capture incomplete)")
	}
	if rec.Build.ControlModesAllowed == 0 {
		missing = append(missing, "build config")
	}
	return missing
}

// tryAdvancePending attempts to complete all three preconditions of
// spec.md §4.5 and promotes the record to Managed if they all hold on this
// pass. Each precondition is independent; a domain can accumulate stable
// host fields on one pass and its xen_data_size stability capture over
// several subsequent passes.
func (r *Registry) tryAdvancePending(rec *domain.Record, global *cfg.GlobalConfig, quantumKB uint64) {
	if !rec.HaveXsFields {
		return
	}
	if rec.XenDataSizePhase < cfg.XenPrivateDataSizeSamples {
		return
	}
	if rec.Build.ControlModesAllowed == 0 {
		return
	}

	ok, reason := ResolveSettings(rec, global, r.Store, quantumKB)
	if !ok {
		log.Debug("domain %d: settings not yet resolvable: %s", rec.DomainID, reason)
		return
	}

	if err := r.PromoteToManaged(rec); err != nil {
		log.Error("domain %d: promotion failed: %v", rec.DomainID, err)
	}
}

// ObserveXenDataSizeSample feeds one 1-second stability-filter pass of
// spec.md §4.5 phase 2. totSizeKB and targetKB are the current tot_pages
// (in KB) and (xs_mem_target+videoram) readings; runnable and
// freeAboveThreshold gate whether this pass counts at all. A change in
// either reading between passes aborts and restarts the run from phase 1,
// exactly as spec.md specifies.
func (r *Registry) ObserveXenDataSizeSample(rec *domain.Record, totSizeKB, targetKB uint64, runnable, freeAboveThreshold, outstandingAlloc bool) {
	if !runnable || !freeAboveThreshold || outstandingAlloc {
		rec.XenDataSizePhase = 0
		rec.XenDataSizePrevTot, rec.XenDataSizePrevTarget = 0, 0
		return
	}

	if rec.XenDataSizePhase > 0 && (totSizeKB != rec.XenDataSizePrevTot || targetKB != rec.XenDataSizePrevTarget) {
		rec.XenDataSizePhase = 0
	}

	rec.XenDataSizePrevTot, rec.XenDataSizePrevTarget = totSizeKB, targetKB
	rec.XenDataSizePhase++

	if rec.XenDataSizePhase >= cfg.XenPrivateDataSizeSamples {
		rec.XenDataSize = int64(totSizeKB) - int64(targetKB)
	}
}
