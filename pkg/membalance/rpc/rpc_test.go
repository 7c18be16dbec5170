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

package rpc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenCreatesSocketMode0700(t *testing.T) {
	path := filepath.Join(t.TempDir(), "membalanced.socket")

	srv, err := Listen(path)
	require.NoError(t, err)
	defer srv.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}

func TestCallRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "membalanced.socket")

	srv, err := Listen(path)
	require.NoError(t, err)
	defer srv.Close()

	go func() {
		call := <-srv.Calls
		assert.Equal(t, CmdTest, call.Req.Cmd)
		call.Respond(Response{OK: true, Text: "pong"})
	}()

	resp, err := Invoke(path, Request{Cmd: CmdTest}, time.Second)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, "pong", resp.Text)
}

func TestCallFailsWhenNothingListening(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nobody-home.socket")

	_, err := Invoke(path, Request{Cmd: CmdNull}, 100*time.Millisecond)
	assert.Error(t, err)
}

func TestServerClosesCallsChannelOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "membalanced.socket")

	srv, err := Listen(path)
	require.NoError(t, err)
	require.NoError(t, srv.Close())

	_, ok := <-srv.Calls
	assert.False(t, ok)
}
