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
	logger "github.com/oboguev/membalance/pkg/log"
)

var log = logger.NewLogger("config")

// ControlMode is a bitset of {AUTO, DIRECT} (spec.md §3, §4.6).
type ControlMode uint8

const (
	ModeAuto   ControlMode = 1 << 0
	ModeDirect ControlMode = 1 << 1
)

func (m ControlMode) Has(bit ControlMode) bool { return m&bit != 0 }

// Hardwired bounds and constants from spec.md §4.2.
const (
	MinInterval = 2.0
	MaxInterval = 30.0

	MinDmemIncr = 0.005
	MaxDmemIncr = 0.30
	MinDmemDecr = 0.005
	MaxDmemDecr = 0.10

	Tolerance = 200 // ms

	ShrinkProtectionTicks = 1

	DomainExpansionTimeoutFrac  = 0.3
	DomainExpansionTimeoutMaxMS = 5000
	DomainExpansionTimeoutAbort = 4

	DomainFreememTimeoutMS = 700

	XenPrivateDataSizeSamples = 3
)

// GlobalConfig holds every named parameter from spec.md §4.2, each as a
// tri-state Field.
type GlobalConfig struct {
	Interval               Field[float64] // s
	MaxXsRetries           Field[int]
	MaxXenInitRetries      Field[int]
	XenInitRetryMsg        Field[float64] // s
	DomainPendingTimeout   Field[float64] // s
	HostReservedHard       Field[float64] // KB
	HostReservedSoft       Field[float64] // KB
	RateHigh               Field[float64] // KB/s
	RateLow                Field[float64] // KB/s
	RateZero               Field[float64] // KB/s
	DmemIncr               Field[float64] // fraction
	DmemDecr               Field[float64] // fraction
	GuestFreeThreshold     Field[float64] // fraction
	StartupTime            Field[float64] // s
	TrimUnresponsive       Field[float64] // s
	TrimUnmanaged          Field[bool]
	Dom0Mode               Field[ControlMode]

	seq uint64
}

// NewGlobalConfig returns a config with every constant field set, and
// everything else Unset.
func NewGlobalConfig() *GlobalConfig {
	c := &GlobalConfig{}
	return c
}

// IncrementSeq bumps the sequence number, letting Managed records detect
// that the global config they resolved against is stale (spec.md §4.2).
func (c *GlobalConfig) IncrementSeq() uint64 {
	c.seq++
	return c.seq
}

// Seq returns the current sequence number.
func (c *GlobalConfig) Seq() uint64 { return c.seq }

// ApplyHardwiredDefaults fills in every field that is still Unset with its
// hardwired default, clamping Interval per spec.md §4.2 ("low clamp warns
// and sets to minimum; high clamp warns").
//
// physicalKB/slackKB/privMinKB are required to compute HostReservedSoft's
// default ("hard + 10% of (physical - slack - privileged-min)") and are
// supplied by the host interface once it is available; call this again
// after host facts are known if it was first called without them.
func (c *GlobalConfig) ApplyHardwiredDefaults(physicalKB, slackKB, privMinKB float64) {
	c.MaxXsRetries.SetDefault(5)
	c.MaxXenInitRetries.SetDefault(30)
	c.XenInitRetryMsg.SetDefault(10)
	c.DomainPendingTimeout.SetDefault(300)
	c.HostReservedHard.SetDefault(0)
	c.RateHigh.SetDefault(100)
	c.RateLow.SetDefault(20)
	c.RateZero.SetDefault(1)
	c.DmemIncr.SetDefault(0.06)
	c.DmemDecr.SetDefault(0.04)
	c.GuestFreeThreshold.SetDefault(0.20)
	c.StartupTime.SetDefault(60)
	c.TrimUnresponsive.SetDefault(600)
	c.TrimUnmanaged.SetDefault(false)
	c.Dom0Mode.SetDefault(0)

	if v, ok := c.Interval.Get(); !ok {
		c.Interval.SetDefault(10)
	} else if v < MinInterval {
		log.Warn("interval %.3gs below minimum %.3gs, clamping", v, MinInterval)
		c.Interval.Set(MinInterval)
	} else if v > MaxInterval {
		log.Warn("interval %.3gs above maximum %.3gs", v, MaxInterval)
	}

	if !c.HostReservedSoft.IsVal() {
		hard, _ := c.HostReservedHard.Get()
		margin := physicalKB - slackKB - privMinKB
		if margin < 0 {
			margin = 0
		}
		c.HostReservedSoft.SetDefault(hard + 0.10*margin)
	}
}

// Merge fills every unset-or-defaulted field of c from the explicit fields
// of other (spec.md §4.2's merge semantics, applied once over the whole
// field collection per §9's design note).
func (c *GlobalConfig) Merge(other *GlobalConfig) {
	c.Interval.Merge(&other.Interval)
	c.MaxXsRetries.Merge(&other.MaxXsRetries)
	c.MaxXenInitRetries.Merge(&other.MaxXenInitRetries)
	c.XenInitRetryMsg.Merge(&other.XenInitRetryMsg)
	c.DomainPendingTimeout.Merge(&other.DomainPendingTimeout)
	c.HostReservedHard.Merge(&other.HostReservedHard)
	c.HostReservedSoft.Merge(&other.HostReservedSoft)
	c.RateHigh.Merge(&other.RateHigh)
	c.RateLow.Merge(&other.RateLow)
	c.RateZero.Merge(&other.RateZero)
	c.DmemIncr.Merge(&other.DmemIncr)
	c.DmemDecr.Merge(&other.DmemDecr)
	c.GuestFreeThreshold.Merge(&other.GuestFreeThreshold)
	c.StartupTime.Merge(&other.StartupTime)
	c.TrimUnresponsive.Merge(&other.TrimUnresponsive)
	c.TrimUnmanaged.Merge(&other.TrimUnmanaged)
	c.Dom0Mode.Merge(&other.Dom0Mode)
}

// Clone makes a deep copy (Field[T] is a value type, so a struct copy
// suffices; this exists mainly for readability at call sites).
func (c *GlobalConfig) Clone() *GlobalConfig {
	clone := *c
	return &clone
}
