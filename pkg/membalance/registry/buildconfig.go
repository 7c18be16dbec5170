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
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	cfg "github.com/oboguev/membalance/pkg/membalance/config"
	"github.com/oboguev/membalance/pkg/membalance/domain"
)

// buildConfigKey names the recognized keys in the opaque per-domain build
// blob (spec.md §6).
const (
	keyMode             = "membalance_mode"
	keyDmemMax          = "membalance_dmem_max"
	keyDmemMin          = "membalance_dmem_min"
	keyDmemQuota        = "membalance_dmem_quota"
	keyDmemIncr         = "membalance_dmem_incr"
	keyDmemDecr         = "membalance_dmem_decr"
	keyRateHigh         = "membalance_rate_high"
	keyRateLow          = "membalance_rate_low"
	keyRateZero         = "membalance_rate_zero"
	keyGuestFreeThresh  = "membalance_guest_free_threshold"
	keyStartupTime      = "membalance_startup_time"
	keyTrimUnresponsive = "membalance_trim_unresponsive"
	keyTrimUnmanaged    = "membalance_trim_unmanaged"
)

// ParseBuildConfig parses the opaque per-domain build record (spec.md §6)
// into a domain.Settings, aggregating every malformed line into a single
// multierror rather than bailing on the first one, the way config.Parse
// already does for the global config file.
func ParseBuildConfig(raw []byte) (domain.Settings, error) {
	var s domain.Settings
	var errs *multierror.Error

	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("build config: malformed line %q", line))
			continue
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)
		if err := setBuildField(&s, key, val); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return s, errs.ErrorOrNil()
}

func setBuildField(s *domain.Settings, key, val string) error {
	switch key {
	case keyMode:
		modes, err := parseModeList(val)
		if err != nil {
			return fmt.Errorf("build config: %s: %w", key, err)
		}
		s.ControlModesAllowed = modes
	case keyDmemMax:
		v, err := parseUintField(key, val)
		if err != nil {
			return err
		}
		s.DmemMax, s.HasDmemMax = v, true
	case keyDmemMin:
		v, err := parseUintField(key, val)
		if err != nil {
			return err
		}
		s.DmemMin, s.HasDmemMin = v, true
	case keyDmemQuota:
		v, err := parseUintField(key, val)
		if err != nil {
			return err
		}
		s.DmemQuota, s.HasDmemQuota = v, true
	case keyDmemIncr:
		v, err := parseFloatField(key, val)
		if err != nil {
			return err
		}
		s.DmemIncr, s.HasDmemIncr = v, true
	case keyDmemDecr:
		v, err := parseFloatField(key, val)
		if err != nil {
			return err
		}
		s.DmemDecr, s.HasDmemDecr = v, true
	case keyRateHigh:
		v, err := parseFloatField(key, val)
		if err != nil {
			return err
		}
		s.RateHigh, s.HasRateHigh = v, true
	case keyRateLow:
		v, err := parseFloatField(key, val)
		if err != nil {
			return err
		}
		s.RateLow, s.HasRateLow = v, true
	case keyRateZero:
		v, err := parseFloatField(key, val)
		if err != nil {
			return err
		}
		s.RateZero, s.HasRateZero = v, true
	case keyGuestFreeThresh:
		v, err := parseFloatField(key, val)
		if err != nil {
			return err
		}
		s.GuestFreeThreshold, s.HasGuestFreeThreshold = v, true
	case keyStartupTime:
		v, err := parseFloatField(key, val)
		if err != nil {
			return err
		}
		s.StartupTime, s.HasStartupTime = v, true
	case keyTrimUnresponsive:
		v, err := parseFloatField(key, val)
		if err != nil {
			return err
		}
		s.TrimUnresponsive, s.HasTrimUnresponsive = v, true
	case keyTrimUnmanaged:
		v, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("build config: %s: %q: %w", key, val, err)
		}
		s.TrimUnmanaged, s.HasTrimUnmanaged = v, true
	default:
		log.Warn("build config: ignoring unknown key %q", key)
	}
	return nil
}

// parseModeList parses membalance_mode's comma-separated subset of
// {off, auto, direct}; "off" must appear alone (spec.md §6).
func parseModeList(val string) (cfg.ControlMode, error) {
	parts := strings.Split(val, ",")
	var modes cfg.ControlMode
	hasOff := false
	for _, p := range parts {
		switch strings.TrimSpace(p) {
		case "off":
			hasOff = true
		case "auto":
			modes |= cfg.ModeAuto
		case "direct":
			modes |= cfg.ModeDirect
		default:
			return 0, fmt.Errorf("unknown mode %q", p)
		}
	}
	if hasOff && modes != 0 {
		return 0, fmt.Errorf("\"off\" must appear alone, got %q", val)
	}
	if hasOff {
		return 0, nil
	}
	return modes, nil
}

func parseUintField(key, val string) (uint64, error) {
	v, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("build config: %s: %q: %w", key, val, err)
	}
	return v, nil
}

func parseFloatField(key, val string) (float64, error) {
	v, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("build config: %s: %q: %w", key, val, err)
	}
	return v, nil
}
