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
	"fmt"
	"net"
	"os"

	logger "github.com/oboguev/membalance/pkg/log"
)

var log = logger.NewLogger("rpc")

// Call is one accepted connection's single request, parked until the
// daemon's event loop (C11) calls Respond from its own control thread.
// The accept-and-decode side runs in its own goroutine (net.Listener.Accept
// has no non-blocking form), but execution of the command never does: the
// caller receives Calls over a channel and answers them synchronously from
// the single control thread, exactly like every other descriptor the event
// loop polls (spec.md §4.13).
type Call struct {
	Req      Request
	conn     net.Conn
	enc      *gob.Encoder
	done     chan struct{}
}

// Respond writes resp back to the caller and closes the connection.
func (c *Call) Respond(resp Response) {
	if err := c.enc.Encode(&resp); err != nil {
		log.Debug("rpc: failed to write response: %v", err)
	}
	c.conn.Close()
	close(c.done)
}

// Server listens on a unix socket and delivers one Call per accepted
// connection (spec.md §6: "the CLI opens one connection per invocation").
type Server struct {
	ln    net.Listener
	Calls chan *Call
}

// Listen creates the control socket at path, mode 0700 per spec.md §6.
func Listen(path string) (*Server, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0700); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}
	s := &Server{ln: ln, Calls: make(chan *Call, 16)}
	go s.acceptLoop()
	return s, nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			close(s.Calls)
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	dec := gob.NewDecoder(conn)
	var req Request
	if err := dec.Decode(&req); err != nil {
		conn.Close()
		return
	}
	call := &Call{
		Req:  req,
		conn: conn,
		enc:  gob.NewEncoder(conn),
		done: make(chan struct{}),
	}
	s.Calls <- call
	<-call.done
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.ln.Close()
}
