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

// Package metrics is SPEC_FULL.md §4.14's supplemental observability
// surface: a handful of Prometheus gauges describing the scheduler's last
// tick, modeled on the teacher's pkg/instrumentation/pkg/metrics pattern
// but trimmed to a single registry and HTTP handler. Purely observational:
// nothing here feeds back into a scheduling decision.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the gauges published once per scheduler tick.
type Collector struct {
	registry *prometheus.Registry

	HostFreeKB      prometheus.Gauge
	DomainsManaged  prometheus.Gauge
	DomainsPending  prometheus.Gauge
	TickDuration    prometheus.Histogram
	DomainMemsize   *prometheus.GaugeVec
	DomainExpand    *prometheus.GaugeVec
	DomainResist    *prometheus.GaugeVec
}

// New creates a Collector with its own registry, so a daemon that disables
// metrics never touches the default global registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		HostFreeKB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "membalance_host_free_kb",
			Help: "Host free memory observed at the start of the last tick, in KB.",
		}),
		DomainsManaged: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "membalance_domains_managed",
			Help: "Number of domains currently in the Managed state.",
		}),
		DomainsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "membalance_domains_pending",
			Help: "Number of domains currently in the Pending state.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "membalance_tick_duration_seconds",
			Help:    "Wall-clock duration of one scheduler tick.",
			Buckets: prometheus.DefBuckets,
		}),
		DomainMemsize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "membalance_domain_memsize_kb",
			Help: "Per-domain resolved memsize at the end of the last tick, in KB.",
		}, []string{"domain"}),
		DomainExpand: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "membalance_domain_expand_force",
			Help: "Per-domain expand force computed on the last tick.",
		}, []string{"domain"}),
		DomainResist: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "membalance_domain_resist_force",
			Help: "Per-domain resist force computed on the last tick.",
		}, []string{"domain"}),
	}
	reg.MustRegister(c.HostFreeKB, c.DomainsManaged, c.DomainsPending, c.TickDuration,
		c.DomainMemsize, c.DomainExpand, c.DomainResist)
	return c
}

// DomainSample is one Managed domain's per-tick published values.
type DomainSample struct {
	DomainID    string
	MemsizeKB   float64
	ExpandForce float64
	ResistForce float64
}

// Publish records one tick's worth of samples.
func (c *Collector) Publish(hostFreeKB float64, managed, pending int, tickSeconds float64, samples []DomainSample) {
	c.HostFreeKB.Set(hostFreeKB)
	c.DomainsManaged.Set(float64(managed))
	c.DomainsPending.Set(float64(pending))
	c.TickDuration.Observe(tickSeconds)

	c.DomainMemsize.Reset()
	c.DomainExpand.Reset()
	c.DomainResist.Reset()
	for _, s := range samples {
		c.DomainMemsize.WithLabelValues(s.DomainID).Set(s.MemsizeKB)
		c.DomainExpand.WithLabelValues(s.DomainID).Set(s.ExpandForce)
		c.DomainResist.WithLabelValues(s.DomainID).Set(s.ResistForce)
	}
}

// Serve starts an HTTP server exposing /metrics on addr, stopping when ctx
// is cancelled. It runs in its own goroutine, outside the daemon's single
// control thread, since serving HTTP scrapes has no business holding up
// scheduler decisions.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}
