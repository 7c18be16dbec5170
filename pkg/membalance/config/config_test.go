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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldTriState(t *testing.T) {
	var f Field[int]
	_, ok := f.Get()
	assert.False(t, ok)
	assert.False(t, f.IsSet())

	f.SetDefault(5)
	assert.True(t, f.IsDef())
	assert.Equal(t, 5, f.Value())

	f.Set(7)
	assert.True(t, f.IsVal())
	assert.Equal(t, 7, f.Value())

	// Explicit wins over a later default.
	f.SetDefault(9)
	assert.Equal(t, 7, f.Value())
}

func TestFieldMergeExplicitWins(t *testing.T) {
	var local, global Field[float64]
	global.Set(400)

	local.SetDefault(100)
	local.Merge(&global)
	assert.Equal(t, float64(400), local.Value())
	assert.True(t, local.IsVal())

	// An already-explicit local field is untouched by merge.
	var local2 Field[float64]
	local2.Set(123)
	local2.Merge(&global)
	assert.Equal(t, float64(123), local2.Value())
}

func TestFieldConstIgnoresSet(t *testing.T) {
	var f Field[int]
	f.Const(42)
	f.Set(1)
	f.SetDefault(2)
	assert.Equal(t, 42, f.Value())
	assert.True(t, f.IsDef())
}

func TestParseUnits(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"5", 5},
		{"5s", 5},
		{"2min", 120},
		{"1h", 3600},
	}
	for _, c := range cases {
		got, err := ParseSeconds(c.in)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}

	kb, err := ParseKB("4gb")
	require.NoError(t, err)
	assert.Equal(t, float64(4*1024*1024), kb)

	rate, err := ParseRateKBs("2mb/s")
	require.NoError(t, err)
	assert.Equal(t, float64(2048), rate)

	frac, err := ParseFraction("6%")
	require.NoError(t, err)
	assert.InDelta(t, 0.06, frac, 1e-9)
}

func TestIntervalClamp(t *testing.T) {
	c := NewGlobalConfig()
	c.Interval.Set(1)
	c.ApplyHardwiredDefaults(0, 0, 0)
	assert.Equal(t, MinInterval, c.Interval.Value())
}

func TestParseFileUnknownKeyWarnsButSucceeds(t *testing.T) {
	text := `
# comment
interval = 5s
rate_high = 200kb/s
bogus_key = 1
dmem_incr = 0.06
`
	c, err := Parse(strings.NewReader(text))
	require.NoError(t, err)
	assert.Equal(t, float64(5), c.Interval.Value())
	assert.Equal(t, float64(200), c.RateHigh.Value())
}

func TestParseFileBadLineAggregatesButKeepsRest(t *testing.T) {
	text := `
interval = 5s
dmem_incr = 99
rate_high = 200kb/s
`
	c, err := Parse(strings.NewReader(text))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dmem_incr")
	assert.Equal(t, float64(5), c.Interval.Value())
	assert.Equal(t, float64(200), c.RateHigh.Value())
}

func TestDom0ModeOffMustBeAlone(t *testing.T) {
	_, err := parseControlModes("off,auto")
	assert.Error(t, err)

	m, err := parseControlModes("auto,direct")
	require.NoError(t, err)
	assert.True(t, m.Has(ModeAuto))
	assert.True(t, m.Has(ModeDirect))
}
