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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSetsScalarGauges(t *testing.T) {
	c := New()
	c.Publish(102400, 3, 1, 0.25, nil)

	assert.Equal(t, float64(102400), testutil.ToFloat64(c.HostFreeKB))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.DomainsManaged))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.DomainsPending))
}

func TestPublishSetsPerDomainGauges(t *testing.T) {
	c := New()
	c.Publish(0, 1, 0, 0.1, []DomainSample{
		{DomainID: "7", MemsizeKB: 409600, ExpandForce: 1.5, ResistForce: 0.5},
	})

	assert.Equal(t, float64(409600), testutil.ToFloat64(c.DomainMemsize.WithLabelValues("7")))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.DomainExpand.WithLabelValues("7")))
	assert.Equal(t, 0.5, testutil.ToFloat64(c.DomainResist.WithLabelValues("7")))
}

func TestPublishResetsStaleDomains(t *testing.T) {
	c := New()
	c.Publish(0, 1, 0, 0.1, []DomainSample{
		{DomainID: "1", MemsizeKB: 1024},
	})
	c.Publish(0, 1, 0, 0.1, []DomainSample{
		{DomainID: "2", MemsizeKB: 2048},
	})

	require.Equal(t, float64(0), testutil.ToFloat64(c.DomainMemsize.WithLabelValues("1")))
	assert.Equal(t, float64(2048), testutil.ToFloat64(c.DomainMemsize.WithLabelValues("2")))
}
