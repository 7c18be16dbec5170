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
	"fmt"
	"strings"

	cfg "github.com/oboguev/membalance/pkg/membalance/config"
	"github.com/oboguev/membalance/pkg/membalance/domain"
	"github.com/oboguev/membalance/pkg/membalance/store"
)

// readNamespaceOverrides reads whatever a domain's per-domain
// shared-namespace slot supplies (spec.md §4.6's first precedence tier).
func readNamespaceOverrides(s store.Client, qid string) map[string]string {
	out := map[string]string{}
	base := domainBasePath + "/" + qid + "/settings"
	for _, key := range []string{
		"dmem_min", "dmem_max", "dmem_quota", "dmem_incr", "dmem_decr",
		"rate_high", "rate_low", "rate_zero", "guest_free_threshold",
		"startup_time", "trim_unresponsive", "trim_unmanaged",
	} {
		if v, err := s.Read(base + "/" + key); err == nil {
			out[key] = v
		}
	}
	return out
}

// ResolveSettings fills rec.Resolved from the precedence chain of spec.md
// §4.6: per-domain shared-namespace -> per-domain build config -> global
// config -> hardwired default. It reports ok=false and a precise,
// comma-separated list of unfulfilled conditions on failure, matching
// resolve_settings' contract.
func ResolveSettings(rec *domain.Record, global *cfg.GlobalConfig, s store.Client, quantumKB uint64) (ok bool, reason string) {
	ns := readNamespaceOverrides(s, rec.Qid)
	var missing []string
	var violated []string

	b := rec.Build
	res := domain.Settings{ControlModesAllowed: b.ControlModesAllowed}

	resolveUint := func(nsKey string, buildVal uint64, buildHas bool) (uint64, bool) {
		if v, ok := ns[nsKey]; ok {
			if f, err := cfg.ParseKB(v); err == nil {
				return domain.RoundUpToQuantum(uint64(f), quantumKB), true
			}
		}
		if buildHas {
			return domain.RoundUpToQuantum(buildVal, quantumKB), true
		}
		return 0, false
	}

	resolveFloat := func(key string, buildVal float64, buildHas bool, globalGet func() (float64, bool)) (float64, bool) {
		if v, ok := ns[key]; ok {
			if f, err := parseFloatLoose(key, v); err == nil {
				return f, true
			}
		}
		if buildHas {
			return buildVal, true
		}
		if f, ok := globalGet(); ok {
			return f, true
		}
		return 0, false
	}

	if v, ok := resolveUint("dmem_min", b.DmemMin, b.HasDmemMin); ok {
		res.DmemMin, res.HasDmemMin = v, true
	} else {
		missing = append(missing, "dmem_min")
	}
	if v, ok := resolveUint("dmem_max", b.DmemMax, b.HasDmemMax); ok {
		res.DmemMax, res.HasDmemMax = v, true
	} else {
		missing = append(missing, "dmem_max")
	}
	if v, ok := resolveUint("dmem_quota", b.DmemQuota, b.HasDmemQuota); ok {
		res.DmemQuota, res.HasDmemQuota = v, true
	}
	if v, ok := resolveFloat("dmem_incr", b.DmemIncr, b.HasDmemIncr, func() (float64, bool) { return global.DmemIncr.Get() }); ok {
		res.DmemIncr, res.HasDmemIncr = v, true
	}
	if v, ok := resolveFloat("dmem_decr", b.DmemDecr, b.HasDmemDecr, func() (float64, bool) { return global.DmemDecr.Get() }); ok {
		res.DmemDecr, res.HasDmemDecr = v, true
	}
	if v, ok := resolveFloat("rate_high", b.RateHigh, b.HasRateHigh, func() (float64, bool) { return global.RateHigh.Get() }); ok {
		res.RateHigh, res.HasRateHigh = v, true
	}
	if v, ok := resolveFloat("rate_low", b.RateLow, b.HasRateLow, func() (float64, bool) { return global.RateLow.Get() }); ok {
		res.RateLow, res.HasRateLow = v, true
	}
	if v, ok := resolveFloat("rate_zero", b.RateZero, b.HasRateZero, func() (float64, bool) { return global.RateZero.Get() }); ok {
		res.RateZero, res.HasRateZero = v, true
	}
	if v, ok := resolveFloat("guest_free_threshold", b.GuestFreeThreshold, b.HasGuestFreeThreshold, func() (float64, bool) { return global.GuestFreeThreshold.Get() }); ok {
		res.GuestFreeThreshold, res.HasGuestFreeThreshold = v, true
	}
	if v, ok := resolveFloat("startup_time", b.StartupTime, b.HasStartupTime, func() (float64, bool) { return global.StartupTime.Get() }); ok {
		res.StartupTime, res.HasStartupTime = v, true
	}
	if v, ok := resolveFloat("trim_unresponsive", b.TrimUnresponsive, b.HasTrimUnresponsive, func() (float64, bool) { return global.TrimUnresponsive.Get() }); ok {
		res.TrimUnresponsive, res.HasTrimUnresponsive = v, true
	}
	{
		trim := b.TrimUnmanaged
		has := b.HasTrimUnmanaged
		if !has {
			if v, ok := global.TrimUnmanaged.Get(); ok {
				trim, has = v, true
			}
		}
		res.TrimUnmanaged, res.HasTrimUnmanaged = trim, has
	}

	autoAllowed := res.ControlModesAllowed.Has(cfg.ModeAuto)
	if autoAllowed {
		for _, f := range []struct {
			name string
			has  bool
		}{
			{"dmem_quota", res.HasDmemQuota},
			{"dmem_incr", res.HasDmemIncr},
			{"dmem_decr", res.HasDmemDecr},
			{"rate_high", res.HasRateHigh},
			{"rate_low", res.HasRateLow},
			{"rate_zero", res.HasRateZero},
			{"guest_free_threshold", res.HasGuestFreeThreshold},
		} {
			if !f.has {
				missing = append(missing, f.name)
			}
		}
	}

	if len(missing) > 0 {
		return false, strings.Join(dedup(missing), ", ")
	}

	// Consistency checks (spec.md §3 invariants).
	if res.HasRateLow && res.HasRateHigh && !(res.RateLow < res.RateHigh) {
		violated = append(violated, fmt.Sprintf("rate_low(%g) < rate_high(%g)", res.RateLow, res.RateHigh))
	}
	if autoAllowed {
		if !(res.DmemMin <= res.DmemQuota && res.DmemQuota <= res.DmemMax) {
			violated = append(violated, fmt.Sprintf("dmem_min(%d) <= dmem_quota(%d) <= dmem_max(%d)", res.DmemMin, res.DmemQuota, res.DmemMax))
		}
	} else if !(res.DmemMin <= res.DmemMax) {
		violated = append(violated, fmt.Sprintf("dmem_min(%d) <= dmem_max(%d)", res.DmemMin, res.DmemMax))
	}
	if res.DmemMax > rec.XsMemMax {
		violated = append(violated, fmt.Sprintf("dmem_max(%d) <= xs_mem_max(%d)", res.DmemMax, rec.XsMemMax))
	}
	if quantumKB > 0 {
		if res.DmemMin%quantumKB != 0 || res.DmemMax%quantumKB != 0 || (res.HasDmemQuota && res.DmemQuota%quantumKB != 0) {
			violated = append(violated, "KB sizes multiples of allocation quantum")
		}
		if rec.XsMemVideoramRead && rec.XsMemVideoram > 0 && uint64(rec.XsMemVideoram)%quantumKB != 0 {
			violated = append(violated, "videoram multiple of allocation quantum")
		}
	}

	if len(violated) > 0 {
		return false, strings.Join(violated, ", ")
	}

	rec.Resolved = res
	rec.ResolvedConfigSeq = global.Seq()
	return true, ""
}

func parseFloatLoose(key, v string) (float64, error) {
	switch {
	case strings.Contains(key, "rate"):
		return cfg.ParseRateKBs(v)
	case key == "guest_free_threshold":
		return cfg.ParseFraction(v)
	case strings.HasPrefix(key, "dmem_incr") || strings.HasPrefix(key, "dmem_decr"):
		return cfg.ParseFraction(v)
	default:
		return cfg.ParseSeconds(v)
	}
}

func dedup(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// ResolveSettingsAffected reports whether re-examining Unmanaged domains is
// warranted after a config reload: true if any previously-unset
// resolution-relevant value became defined, or rate_high/rate_low changed
// (spec.md §4.6).
func ResolveSettingsAffected(old, newC *cfg.GlobalConfig) bool {
	if changed(old.RateHigh, newC.RateHigh) || changed(old.RateLow, newC.RateLow) {
		return true
	}
	becameSet := func(o, n cfg.Field[float64]) bool { return !o.IsSet() && n.IsSet() }
	return becameSet(old.DmemIncr, newC.DmemIncr) ||
		becameSet(old.DmemDecr, newC.DmemDecr) ||
		becameSet(old.RateZero, newC.RateZero) ||
		becameSet(old.GuestFreeThreshold, newC.GuestFreeThreshold) ||
		becameSet(old.StartupTime, newC.StartupTime) ||
		becameSet(old.TrimUnresponsive, newC.TrimUnresponsive)
}

func changed(a, b cfg.Field[float64]) bool {
	av, aok := a.Get()
	bv, bok := b.Get()
	if aok != bok {
		return true
	}
	return aok && av != bv
}
