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

package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// ParseFile reads /etc/membalance.conf-style content from path. Per
// spec.md §7: "parse/validation error on config file: log an error for
// that key, leave the rest of the file in effect". ParseFile never fails
// outright on a bad line; it returns the best-effort config plus an
// aggregated error describing every rejected or unknown key, for the
// caller to log.
func ParseFile(path string) (*GlobalConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads config from r. See ParseFile.
func Parse(r io.Reader) (*GlobalConfig, error) {
	c := NewGlobalConfig()
	var errs *multierror.Error
	seen := map[string]bool{}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			errs = multierror.Append(errs, fmt.Errorf("line %d: missing '=' in %q", lineNo, line))
			continue
		}
		key := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])

		if seen[key] {
			log.Warn("config line %d: duplicate key %q, overriding previous value", lineNo, key)
		}
		seen[key] = true

		if err := setByName(c, key, value); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("line %d: %w", lineNo, err))
		}
	}
	if err := scanner.Err(); err != nil {
		return c, fmt.Errorf("reading config: %w", err)
	}

	if errs != nil {
		return c, errs.ErrorOrNil()
	}
	return c, nil
}

// setByName assigns value to the named parameter from spec.md §4.2,
// applying that parameter's unit grammar. Unknown keys warn and are
// otherwise ignored, per spec.md §6.
func setByName(c *GlobalConfig, key, value string) error {
	switch key {
	case "interval":
		v, err := ParseSeconds(value)
		if err != nil {
			return err
		}
		c.Interval.Set(v)
	case "max_xs_retries":
		v, err := parseNonNegInt(value)
		if err != nil {
			return err
		}
		c.MaxXsRetries.Set(v)
	case "max_xen_init_retries":
		v, err := parseNonNegInt(value)
		if err != nil {
			return err
		}
		c.MaxXenInitRetries.Set(v)
	case "xen_init_retry_msg":
		v, err := ParseSeconds(value)
		if err != nil {
			return err
		}
		c.XenInitRetryMsg.Set(v)
	case "domain_pending_timeout":
		v, err := ParseSeconds(value)
		if err != nil {
			return err
		}
		c.DomainPendingTimeout.Set(v)
	case "host_reserved_hard":
		v, err := ParseKB(value)
		if err != nil {
			return err
		}
		c.HostReservedHard.Set(v)
	case "host_reserved_soft":
		v, err := ParseKB(value)
		if err != nil {
			return err
		}
		c.HostReservedSoft.Set(v)
	case "rate_high":
		v, err := ParseRateKBs(value)
		if err != nil {
			return err
		}
		c.RateHigh.Set(v)
	case "rate_low":
		v, err := ParseRateKBs(value)
		if err != nil {
			return err
		}
		c.RateLow.Set(v)
	case "rate_zero":
		v, err := ParseRateKBs(value)
		if err != nil {
			return err
		}
		c.RateZero.Set(v)
	case "dmem_incr":
		v, err := ParseFraction(value)
		if err != nil {
			return err
		}
		if v < MinDmemIncr || v > MaxDmemIncr {
			return fmt.Errorf("dmem_incr %.4g out of range [%.3g,%.3g]", v, MinDmemIncr, MaxDmemIncr)
		}
		c.DmemIncr.Set(v)
	case "dmem_decr":
		v, err := ParseFraction(value)
		if err != nil {
			return err
		}
		if v < MinDmemDecr || v > MaxDmemDecr {
			return fmt.Errorf("dmem_decr %.4g out of range [%.3g,%.3g]", v, MinDmemDecr, MaxDmemDecr)
		}
		c.DmemDecr.Set(v)
	case "guest_free_threshold":
		v, err := ParseFraction(value)
		if err != nil {
			return err
		}
		if v < 0 || v > 1 {
			return fmt.Errorf("guest_free_threshold %.4g out of range [0,1]", v)
		}
		c.GuestFreeThreshold.Set(v)
	case "startup_time":
		v, err := ParseSeconds(value)
		if err != nil {
			return err
		}
		c.StartupTime.Set(v)
	case "trim_unresponsive":
		v, err := ParseSeconds(value)
		if err != nil {
			return err
		}
		c.TrimUnresponsive.Set(v)
	case "trim_unmanaged":
		v, err := ParseBool(value)
		if err != nil {
			return err
		}
		c.TrimUnmanaged.Set(v)
	case "dom0_mode":
		v, err := parseControlModes(value)
		if err != nil {
			return err
		}
		c.Dom0Mode.Set(v)
	default:
		log.Warn("unknown config key %q", key)
	}
	return nil
}

func parseNonNegInt(s string) (int, error) {
	v, err := ParseSeconds(s) // no unit expected, reuse numeric-prefix parsing
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("value %v must be >= 0", v)
	}
	return int(v), nil
}

// parseControlModes parses a comma separated subset of {off, auto, direct}
// per spec.md §6's build-config grammar (also accepted in the global
// dom0_mode parameter).
func parseControlModes(s string) (ControlMode, error) {
	var m ControlMode
	parts := strings.Split(s, ",")
	hasOff := false
	for _, p := range parts {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "off":
			hasOff = true
		case "auto":
			m |= ModeAuto
		case "direct":
			m |= ModeDirect
		default:
			return 0, fmt.Errorf("unrecognized control mode %q", p)
		}
	}
	if hasOff && m != 0 {
		return 0, fmt.Errorf("'off' must appear alone, got %q", s)
	}
	return m, nil
}
