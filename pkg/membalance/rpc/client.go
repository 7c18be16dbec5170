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
	"encoding/gob"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Invoke dials path, sends req, reads one Response, and closes the
// connection, matching the operator CLI's "one connection per invocation"
// model (spec.md §6).
func Invoke(path string, req Request, timeout time.Duration) (Response, error) {
	var resp Response

	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return resp, errors.Wrapf(err, "connect to %s", path)
	}
	defer conn.Close()

	if deadline := timeoutDeadline(timeout); !deadline.IsZero() {
		_ = conn.SetDeadline(deadline)
	}

	if err := gob.NewEncoder(conn).Encode(&req); err != nil {
		return resp, errors.Wrap(err, "send request")
	}
	if err := gob.NewDecoder(conn).Decode(&resp); err != nil {
		return resp, errors.Wrap(err, "read response")
	}
	return resp, nil
}

func timeoutDeadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}
