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

// Package report is C6: the guest probe channel's report blob parser and
// the rate smoothing that turns a stream of reports into fast_rate and
// slow_rate (spec.md §4.4, §4.7).
package report

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	logger "github.com/oboguev/membalance/pkg/log"
	"github.com/oboguev/membalance/pkg/membalance/domain"
)

var log = logger.NewLogger("report")

// Version is the only report format version this daemon understands.
const Version = "A"

// Report is one parsed guest probe blob (spec.md §4.4).
type Report struct {
	Action      string
	ProgName    string
	ProgVersion string
	Seq         uint64
	KB          uint64
	KBSec       uint64
	FreePct     float64
}

// Parse parses a newline-delimited key-value report blob. The first line
// must be the literal version marker; anything else, or a missing
// required field, is a malformed report and the caller must unmanage the
// domain per spec.md §4.4.
func Parse(raw string) (*Report, error) {
	lines := strings.Split(raw, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != Version {
		return nil, fmt.Errorf("report: unsupported or missing version line")
	}

	fields := map[string]string{}
	sc := bufio.NewScanner(strings.NewReader(strings.Join(lines[1:], "\n")))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("report: malformed line %q", line)
		}
		fields[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}

	r := &Report{
		Action:      fields["action"],
		ProgName:    fields["progname"],
		ProgVersion: fields["progversion"],
	}
	if r.Action != "report" {
		return nil, fmt.Errorf("report: unexpected action %q", r.Action)
	}

	var err error
	if r.Seq, err = strconv.ParseUint(fields["seq"], 10, 64); err != nil {
		return nil, fmt.Errorf("report: bad seq: %w", err)
	}
	if r.KB, err = strconv.ParseUint(fields["kb"], 10, 64); err != nil {
		return nil, fmt.Errorf("report: bad kb: %w", err)
	}
	if r.KBSec, err = strconv.ParseUint(fields["kbsec"], 10, 64); err != nil {
		return nil, fmt.Errorf("report: bad kbsec: %w", err)
	}
	if r.FreePct, err = strconv.ParseFloat(fields["freepct"], 64); err != nil {
		return nil, fmt.Errorf("report: bad freepct: %w", err)
	}

	return r, nil
}

// SlowWeights is spec.md §4.7's weighted window for slow_rate.
var SlowWeights = [5]float64{10, 3, 2, 2, 1}

// weightedSlowRate returns the weight[k]*history[k].Rate average over
// contiguous samples (most-recent-first): a single missing tick between
// successive samples is tolerated by advancing the weight index past the
// skipped slot, but a gap of more than one tick terminates accumulation
// (spec.md §4.7).
func weightedSlowRate(currentTick int64, history []domain.RateSample) float64 {
	var sumRate, sumWeight float64
	k := 0
	expectTick := currentTick
	for _, s := range history {
		if k >= len(SlowWeights) {
			break
		}
		gap := expectTick - s.Tick
		if gap > 1 {
			break
		}
		k += int(gap)
		if k >= len(SlowWeights) {
			break
		}
		sumRate += SlowWeights[k] * s.Rate
		sumWeight += SlowWeights[k]
		k++
		expectTick = s.Tick - 1
	}
	if sumWeight == 0 {
		return 0
	}
	return sumRate / sumWeight
}

// Apply updates rec from a successfully parsed report at the given tick,
// per spec.md §4.7's rate smoothing and accumulator rules. interval is the
// current tick period in seconds.
func Apply(rec *domain.Record, rep *Report, currentTick int64, interval float64) {
	rate := float64(rep.KBSec)

	if rec.Resolved.HasGuestFreeThreshold && rep.FreePct > rec.Resolved.GuestFreeThreshold*100 {
		rate = 0
	}
	if rec.Resolved.HasRateZero && rate <= rec.Resolved.RateZero {
		rate = 0
	}

	rec.PushRateSample(currentTick, rate)

	rec.FastRate = rate
	weighted := weightedSlowRate(currentTick, rec.RateHistory)
	rec.SlowRate = rate
	if weighted > rec.SlowRate {
		rec.SlowRate = weighted
	}

	rec.FreePct = rep.FreePct
	rec.ValidData = true
	rec.LastReportTick = currentTick
	rec.NoReportTime = 0

	if rec.Resolved.HasRateLow && rec.SlowRate <= rec.Resolved.RateLow {
		rec.TimeRateBelowLow += interval
	} else {
		rec.TimeRateBelowLow = 0
	}
	if rec.Resolved.HasRateHigh && rec.FastRate < rec.Resolved.RateHigh {
		rec.TimeRateBelowHigh += interval
	} else {
		rec.TimeRateBelowHigh = 0
	}
}

// HandleSilence implements spec.md §4.7's silence handling for a Managed
// domain with no fresh report this tick. reused reports whether the
// previous tick's data was carried forward (still valid_data); runnable
// tells whether the host currently reports the domain runnable, needed to
// decide whether a long silence should trigger a trim-to-quota.
func HandleSilence(rec *domain.Record, currentTick int64, interval float64, runnable bool) (reused bool) {
	if rec.LastReportTick == currentTick-1 {
		rec.NoReportTime += interval
		return true
	}

	rec.ValidData = false
	rec.NoReportTime += interval

	if runnable && rec.Resolved.HasTrimUnresponsive &&
		rec.NoReportTime >= rec.Resolved.TrimUnresponsive &&
		rec.Memsize > rec.Resolved.DmemQuota {
		rec.TrimmingToQuota = true
		log.Info("domain %d: unresponsive for %.0fs, trimming to quota", rec.DomainID, rec.NoReportTime)
	}

	return false
}
