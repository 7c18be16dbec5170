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

package host

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockDomain is one domain's simulated host-side state.
type MockDomain struct {
	TotPages         uint64
	OutstandingPages uint64
	Flags            InfoFlags
	Target           int64 // KB, -1 if unset
	UptimeSec        int64
	BuildConfig      []byte
	Gone             bool
}

// Mock is an in-memory host.Interface used by tests and by the daemon when
// no real backend is configured (e.g. exercising the scheduler offline).
type Mock struct {
	mu sync.Mutex

	PageSize    uint64
	Physical    uint64
	Slack       uint64
	PrivMin     uint64
	FreeMemory  uint64
	domains     map[int]*MockDomain

	// SetTargetHook lets tests observe/veto a target write (simulating
	// the host "silently clamping").
	SetTargetHook func(id int, requestedKB uint64) (acceptedKB uint64)
}

// NewMock returns a Mock with a 4KB page size and no domains.
func NewMock() *Mock {
	return &Mock{
		PageSize: 4,
		domains:  map[int]*MockDomain{},
	}
}

// AddDomain registers a simulated domain.
func (m *Mock) AddDomain(id int, d *MockDomain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domains[id] = d
}

// RemoveDomain marks a domain gone.
func (m *Mock) RemoveDomain(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.domains[id]; ok {
		d.Gone = true
	}
}

func (m *Mock) PageSizeKB() uint64 { return m.PageSize }

func (m *Mock) EnumerateDomains(ctx context.Context) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.domains))
	for id, d := range m.domains {
		if !d.Gone {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

func (m *Mock) DomainInfo(ctx context.Context, id int) (*DomainInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[id]
	if !ok || d.Gone {
		return nil, nil
	}
	return &DomainInfo{TotPages: d.TotPages, OutstandingPages: d.OutstandingPages, Flags: d.Flags}, nil
}

func (m *Mock) DomainAlive(ctx context.Context, id int) (Tristate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[id]
	if !ok || d.Gone {
		return Dead, nil
	}
	return Alive, nil
}

func (m *Mock) DomainUptime(ctx context.Context, id int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[id]
	if !ok || d.Gone {
		return -1, nil
	}
	return d.UptimeSec, nil
}

func (m *Mock) FetchBuildConfig(ctx context.Context, id int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[id]
	if !ok || d.Gone {
		return nil, nil
	}
	return d.BuildConfig, nil
}

func (m *Mock) SetMemoryTarget(ctx context.Context, id int, kb uint64) (SetTargetResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[id]
	if !ok || d.Gone {
		return SetNotFound, nil
	}
	accepted := kb
	if m.SetTargetHook != nil {
		accepted = m.SetTargetHook(id, kb)
	}
	d.Target = int64(accepted)
	return SetOK, nil
}

func (m *Mock) GetTarget(ctx context.Context, id int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[id]
	if !ok || d.Gone {
		return -1, nil
	}
	return d.Target, nil
}

func (m *Mock) GetFreeMemory(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.FreeMemory, nil
}

func (m *Mock) SetFreeMemory(kb uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FreeMemory = kb
}

func (m *Mock) GetFreeSlack(ctx context.Context) (uint64, error)        { return m.Slack, nil }
func (m *Mock) GetPhysicalMemory(ctx context.Context) (uint64, error)   { return m.Physical, nil }
func (m *Mock) GetPrivilegedMinSize(ctx context.Context) (uint64, error) {
	return m.PrivMin, nil
}

func (m *Mock) WaitFreeMemory(ctx context.Context, targetKB uint64, timeout time.Duration) (uint64, error) {
	deadline := time.Now().Add(timeout)
	for {
		free, _ := m.GetFreeMemory(ctx)
		if free >= targetKB || time.Now().After(deadline) {
			return free, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (m *Mock) WaitFreeMemoryStable(ctx context.Context, timeout time.Duration) (uint64, error) {
	deadline := time.Now().Add(timeout)
	var last uint64
	stableCount := 0
	for {
		free, _ := m.GetFreeMemory(ctx)
		if free == last {
			stableCount++
		} else {
			stableCount = 1
			last = free
		}
		if stableCount >= 5 || time.Now().After(deadline) {
			return free, nil
		}
		time.Sleep(time.Millisecond)
	}
}
