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
	"fmt"
	"strconv"
	"strings"
)

// ParseSeconds parses a time value with an optional unit suffix from
// spec.md §4.2's grammar: s, sec, m, min, h, hr (default: seconds).
func ParseSeconds(s string) (float64, error) {
	s = strings.TrimSpace(s)
	num, unit, err := splitNumberUnit(s)
	if err != nil {
		return 0, err
	}
	switch strings.ToLower(unit) {
	case "", "s", "sec":
		return num, nil
	case "m", "min":
		return num * 60, nil
	case "h", "hr":
		return num * 3600, nil
	default:
		return 0, fmt.Errorf("unrecognized time unit %q in %q", unit, s)
	}
}

// ParseKB parses a size value with an optional unit suffix: k, kb, m, mb,
// g, gb (default: KB). Always returned as KB.
func ParseKB(s string) (float64, error) {
	s = strings.TrimSpace(s)
	num, unit, err := splitNumberUnit(s)
	if err != nil {
		return 0, err
	}
	switch strings.ToLower(unit) {
	case "", "k", "kb":
		return num, nil
	case "m", "mb":
		return num * 1024, nil
	case "g", "gb":
		return num * 1024 * 1024, nil
	default:
		return 0, fmt.Errorf("unrecognized size unit %q in %q", unit, s)
	}
}

// ParseRateKBs parses a rate value with unit kb/s, mb/s, gb/s (default:
// kb/s). Always returned as KB/s.
func ParseRateKBs(s string) (float64, error) {
	s = strings.TrimSpace(s)
	num, unit, err := splitNumberUnit(s)
	if err != nil {
		return 0, err
	}
	switch strings.ToLower(unit) {
	case "", "kb/s":
		return num, nil
	case "mb/s":
		return num * 1024, nil
	case "gb/s":
		return num * 1024 * 1024, nil
	default:
		return 0, fmt.Errorf("unrecognized rate unit %q in %q", unit, s)
	}
}

// ParseFraction parses a plain fraction ("0.06") or a percentage ("6%")
// into a fraction in [0,1].
func ParseFraction(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "%") {
		v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "%")), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid percentage %q: %w", s, err)
		}
		return v / 100.0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid fraction %q: %w", s, err)
	}
	return v, nil
}

// ParseBool parses the handful of textual booleans the config file and
// build-config blob use.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", s)
	}
}

// splitNumberUnit splits a leading numeric literal from a trailing unit
// suffix, e.g. "200kb/s" -> (200, "kb/s").
func splitNumberUnit(s string) (float64, string, error) {
	i := 0
	for i < len(s) {
		c := s[i]
		if (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '+' {
			i++
			continue
		}
		break
	}
	if i == 0 {
		return 0, "", fmt.Errorf("no numeric value in %q", s)
	}
	num, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid numeric value in %q: %w", s, err)
	}
	unit := strings.TrimSpace(s[i:])
	return num, unit, nil
}
