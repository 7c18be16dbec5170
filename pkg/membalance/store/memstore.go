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

package store

import (
	"strings"
	"sync"
)

type entry struct {
	value   string
	version uint64
	perm    Perm
}

// MemStore is an in-memory, single-process implementation of Client.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	version uint64
	watches map[string][]chan struct{}
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		entries: map[string]*entry{},
		watches: map[string][]chan struct{}{},
	}
}

func norm(path string) string {
	return strings.TrimRight(path, "/")
}

func (s *MemStore) Read(path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[norm(path)]
	if !ok {
		return "", ErrNoEntry
	}
	return e.value, nil
}

func (s *MemStore) Write(path, value string) error {
	s.mu.Lock()
	s.version++
	p := norm(path)
	e, ok := s.entries[p]
	if !ok {
		e = &entry{}
		s.entries[p] = e
	}
	e.value = value
	e.version = s.version
	s.mu.Unlock()
	s.notify(p)
	return nil
}

func (s *MemStore) SetPerm(path string, perm Perm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := norm(path)
	e, ok := s.entries[p]
	if !ok {
		e = &entry{}
		s.entries[p] = e
	}
	e.perm = perm
	return nil
}

func (s *MemStore) Perm(path string) (Perm, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[norm(path)]
	if !ok {
		return Perm{}, false
	}
	return e.perm, true
}

func (s *MemStore) Rm(path string) error {
	s.mu.Lock()
	p := norm(path)
	for k := range s.entries {
		if k == p || strings.HasPrefix(k, p+"/") {
			delete(s.entries, k)
		}
	}
	s.version++
	s.mu.Unlock()
	s.notify(p)
	return nil
}

func (s *MemStore) Watch(prefix string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	p := norm(prefix)
	s.mu.Lock()
	s.watches[p] = append(s.watches[p], ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.watches[p]
		for i, c := range list {
			if c == ch {
				s.watches[p] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

func (s *MemStore) notify(path string) {
	s.mu.Lock()
	var chans []chan struct{}
	for prefix, list := range s.watches {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(prefix, path+"/") {
			chans = append(chans, list...)
		}
	}
	s.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// memTx is the transactional view: reads are snapshotted against the
// version they were read at, writes are buffered and applied only if no
// read or written path changed version between the snapshot and Commit.
type memTx struct {
	s        *MemStore
	snapAt   uint64
	reads    map[string]uint64 // path -> version observed
	writes   map[string]string
	removes  map[string]bool
}

func (s *MemStore) Transaction(fn func(tx Tx) error) error {
	s.mu.Lock()
	snapAt := s.version
	s.mu.Unlock()

	tx := &memTx{s: s, snapAt: snapAt, reads: map[string]uint64{}, writes: map[string]string{}, removes: map[string]bool{}}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (tx *memTx) Read(path string) (string, error) {
	p := norm(path)
	if v, ok := tx.writes[p]; ok {
		return v, nil
	}
	tx.s.mu.Lock()
	e, ok := tx.s.entries[p]
	tx.s.mu.Unlock()
	if !ok {
		tx.reads[p] = 0
		return "", ErrNoEntry
	}
	tx.reads[p] = e.version
	return e.value, nil
}

func (tx *memTx) Write(path, value string) error {
	tx.writes[norm(path)] = value
	return nil
}

func (tx *memTx) Rm(path string) error {
	tx.removes[norm(path)] = true
	delete(tx.writes, norm(path))
	return nil
}

func (tx *memTx) List(prefix string) ([]string, error) {
	p := norm(prefix)
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	var out []string
	seen := map[string]bool{}
	for k := range tx.s.entries {
		if strings.HasPrefix(k, p+"/") {
			rest := strings.TrimPrefix(k, p+"/")
			if i := strings.IndexByte(rest, '/'); i >= 0 {
				rest = rest[:i]
			}
			if !seen[rest] {
				seen[rest] = true
				out = append(out, rest)
			}
		}
	}
	return out, nil
}

func (tx *memTx) commit() error {
	tx.s.mu.Lock()
	for p, wantVer := range tx.reads {
		e, ok := tx.s.entries[p]
		cur := uint64(0)
		if ok {
			cur = e.version
		}
		if cur != wantVer {
			tx.s.mu.Unlock()
			return ErrConflict
		}
	}
	for p := range tx.writes {
		if e, ok := tx.s.entries[p]; ok && e.version > tx.snapAt {
			tx.s.mu.Unlock()
			return ErrConflict
		}
	}
	tx.s.version++
	ver := tx.s.version
	var touched []string
	for p, v := range tx.writes {
		e, ok := tx.s.entries[p]
		if !ok {
			e = &entry{}
			tx.s.entries[p] = e
		}
		e.value = v
		e.version = ver
		touched = append(touched, p)
	}
	for p := range tx.removes {
		for k := range tx.s.entries {
			if k == p || strings.HasPrefix(k, p+"/") {
				delete(tx.s.entries, k)
			}
		}
		touched = append(touched, p)
	}
	tx.s.mu.Unlock()

	for _, p := range touched {
		tx.s.notify(p)
	}
	return nil
}
