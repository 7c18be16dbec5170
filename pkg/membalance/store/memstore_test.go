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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreReadWrite(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Write("/a/b", "1"))
	v, err := s.Read("/a/b")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	_, err = s.Read("/missing")
	assert.Equal(t, ErrNoEntry, err)
}

func TestMemStoreTransactionConflict(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Write("/x", "1"))

	err := s.Transaction(func(tx Tx) error {
		_, _ = tx.Read("/x")
		// simulate a concurrent writer changing /x underneath this tx
		s.Write("/x", "2")
		return tx.Write("/x", "3")
	})
	assert.Equal(t, ErrConflict, err)

	v, _ := s.Read("/x")
	assert.Equal(t, "2", v)
}

func TestMemStoreWatchNotifies(t *testing.T) {
	s := NewMemStore()
	ch, cancel := s.Watch("/tool/membalance")
	defer cancel()

	require.NoError(t, s.Write("/tool/membalance/interval", "10"))
	select {
	case <-ch:
	default:
		t.Fatal("expected a watch notification")
	}
}

func TestRetrySucceedsEventually(t *testing.T) {
	attempts := 0
	err := Retry(5, func() error {
		attempts++
		if attempts < 3 {
			return ErrConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryGivesUpAfterBudget(t *testing.T) {
	attempts := 0
	err := Retry(2, func() error {
		attempts++
		return ErrConflict
	})
	assert.Equal(t, ErrConflict, err)
	assert.Equal(t, 3, attempts) // initial try + 2 retries
}
