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

package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oboguev/membalance/pkg/membalance/host"
	"github.com/oboguev/membalance/pkg/membalance/rpc"
	"github.com/oboguev/membalance/pkg/membalance/store"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	d, err := New(Options{
		RunDir: t.TempDir(),
		Host:   host.NewMock(),
		Store:  store.NewMemStore(),
	})
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d
}

func TestNewAcquiresSingleInstanceLock(t *testing.T) {
	runDir := t.TempDir()

	d1, err := New(Options{RunDir: runDir, Host: host.NewMock(), Store: store.NewMemStore()})
	require.NoError(t, err)
	defer d1.Close()

	_, err = New(Options{RunDir: runDir, Host: host.NewMock(), Store: store.NewMemStore()})
	assert.Error(t, err)
}

func TestCloseReleasesLockForNextInstance(t *testing.T) {
	runDir := t.TempDir()

	d1, err := New(Options{RunDir: runDir, Host: host.NewMock(), Store: store.NewMemStore()})
	require.NoError(t, err)
	d1.Close()

	d2, err := New(Options{RunDir: runDir, Host: host.NewMock(), Store: store.NewMemStore()})
	require.NoError(t, err)
	d2.Close()
}

func TestShowStatusSummaryLine(t *testing.T) {
	d := newTestDaemon(t)
	s := d.showStatus(0)
	assert.Contains(t, s, "tick=0")
	assert.Contains(t, s, "managed=0")
	assert.Contains(t, s, "pending=0")
	assert.Contains(t, s, "unmanaged=0")
}

func TestDebugDumpStringIncludesUnmanagedSection(t *testing.T) {
	d := newTestDaemon(t)
	d.Reg.Observe(7)
	d.Reg.DemotePendingToUnmanaged(7, "test")
	s := d.debugDumpString()
	assert.Contains(t, s, "tick=")
	assert.Contains(t, s, "unmanaged 7")
}

func TestRunRespondsToRPCAndShutsDownOnCancel(t *testing.T) {
	d := newTestDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(ctx) }()

	socketPath := filepath.Join(d.opts.RunDir, "membalanced.socket")
	resp, err := rpc.Invoke(socketPath, rpc.Request{Cmd: rpc.CmdShowStatus}, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Contains(t, resp.Text, "tick=")

	cancel()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}

func TestDispatchPauseResume(t *testing.T) {
	d := newTestDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	socketPath := filepath.Join(d.opts.RunDir, "membalanced.socket")

	resp, err := rpc.Invoke(socketPath, rpc.Request{Cmd: rpc.CmdPause}, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, 1, resp.Int)

	resp, err = rpc.Invoke(socketPath, rpc.Request{Cmd: rpc.CmdResume}, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, 0, resp.Int)
}
