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

// membalancectl is the operator CLI of spec.md §4.12/§6: it dials the
// daemon's control socket once per invocation and prints the result.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	cfg "github.com/oboguev/membalance/pkg/membalance/config"
	"github.com/oboguev/membalance/pkg/membalance/rpc"
)

func main() {
	var (
		runDir  = flag.String("run-dir", "/var/run/membalance", "directory holding the control socket")
		timeout = flag.Duration("timeout", 10*time.Second, "RPC timeout")
		verbose = flag.Int("v", 0, "verbosity level (0-3)")
		quiet   = flag.Bool("quiet", false, "suppress normal output of list, pause, resume, dump-debug and show-debug")
	)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	socketPath := filepath.Join(*runDir, "membalanced.socket")
	cmd, req := args[0], args[1:]

	var err error
	switch cmd {
	case "list":
		err = doShowStatus(socketPath, *timeout, *verbose, *quiet)
	case "pause":
		err = doPause(socketPath, *timeout, *quiet)
	case "resume":
		err = doResume(socketPath, *timeout, req, *quiet)
	case "free-memory":
		err = doFreeMemory(socketPath, *timeout, req)
	case "manage-domain":
		err = doManageDomain(socketPath, *timeout, req)
	case "log-level":
		err = doLogLevel(socketPath, *timeout, req)
	case "log-sink":
		err = doLogSink(socketPath, *timeout, req)
	case "dump-debug":
		err = simpleCall(socketPath, *timeout, rpc.Request{Cmd: rpc.CmdDebugDump}, *quiet)
	case "show-debug":
		err = doShowDebug(socketPath, *timeout, *quiet)
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "membalancectl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: membalancectl [flags] <command> [args]

commands:
  list                                   show managed/pending/unmanaged status
  pause                                  pause the scheduler
  resume [--force]                       resume the scheduler
  free-memory <size>[unit] [--above-slack] [--use-reserved-hard] [--must]
  manage-domain {<id>|--all}             request management of a domain
  log-level [N]                          get or set the log level
  log-sink {syslog|logfile:<path>}       switch the logging sink
  dump-debug                             dump debug state to the daemon's log
  show-debug                             print debug state to stdout

flags:`)
	flag.PrintDefaults()
}

func call(socketPath string, timeout time.Duration, req rpc.Request) (rpc.Response, error) {
	resp, err := rpc.Invoke(socketPath, req, timeout)
	if err != nil {
		return resp, fmt.Errorf("connect to daemon: %w", err)
	}
	if !resp.OK {
		return resp, fmt.Errorf("%s", resp.Err)
	}
	return resp, nil
}

func simpleCall(socketPath string, timeout time.Duration, req rpc.Request, quiet bool) error {
	_, err := call(socketPath, timeout, req)
	if err != nil {
		return err
	}
	if !quiet {
		fmt.Println("OK")
	}
	return nil
}

func doShowStatus(socketPath string, timeout time.Duration, verbosity int, quiet bool) error {
	resp, err := call(socketPath, timeout, rpc.Request{Cmd: rpc.CmdShowStatus, Verbosity: verbosity})
	if err != nil {
		return err
	}
	if !quiet {
		fmt.Print(resp.Text)
	}
	return nil
}

func doShowDebug(socketPath string, timeout time.Duration, quiet bool) error {
	resp, err := call(socketPath, timeout, rpc.Request{Cmd: rpc.CmdDebugDumpString})
	if err != nil {
		return err
	}
	if !quiet {
		fmt.Print(resp.Text)
	}
	return nil
}

func doPause(socketPath string, timeout time.Duration, quiet bool) error {
	resp, err := call(socketPath, timeout, rpc.Request{Cmd: rpc.CmdPause})
	if err != nil {
		return err
	}
	if !quiet {
		fmt.Printf("paused, level=%d\n", resp.Int)
	}
	return nil
}

func doResume(socketPath string, timeout time.Duration, args []string, quiet bool) error {
	force := false
	for _, a := range args {
		if a == "--force" {
			force = true
		}
	}
	resp, err := call(socketPath, timeout, rpc.Request{Cmd: rpc.CmdResume, Force: force})
	if err != nil {
		return err
	}
	if !quiet {
		fmt.Printf("resumed, level=%d\n", resp.Int)
	}
	return nil
}

func doFreeMemory(socketPath string, timeout time.Duration, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("free-memory requires a size argument")
	}
	neededKB, err := cfg.ParseKB(args[0])
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", args[0], err)
	}

	req := rpc.FreememArgs{NeededKB: uint64(neededKB), TimeoutMS: timeout.Milliseconds()}
	for _, a := range args[1:] {
		switch a {
		case "--above-slack":
			req.AboveSlack = true
		case "--use-reserved-hard":
			req.UseReservedHard = true
		case "--must":
			req.Must = true
		}
	}

	resp, err := call(socketPath, timeout, rpc.Request{Cmd: rpc.CmdFreemem, Freemem: req})
	if err != nil {
		return err
	}
	fmt.Printf("status=%s free_with_slack=%dKB free_less_slack=%dKB max_avail=%dKB\n",
		resp.Status, resp.FreeWithSlack, resp.FreeLessSlack, resp.MaxAvailKB)
	if resp.Status != rpc.StatusAchieved {
		os.Exit(1)
	}
	return nil
}

func doManageDomain(socketPath string, timeout time.Duration, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("manage-domain requires <id> or --all")
	}
	id := -1
	if args[0] != "--all" {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid domain id %q: %w", args[0], err)
		}
		id = v
	}

	resp, err := call(socketPath, timeout, rpc.Request{Cmd: rpc.CmdManageDomain, DomainID: id})
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(resp.KVs))
	for k := range resp.KVs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s: %s\n", k, resp.KVs[k])
	}
	return nil
}

func doLogLevel(socketPath string, timeout time.Duration, args []string) error {
	level := -1
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid level %q: %w", args[0], err)
		}
		level = v
	}
	resp, err := call(socketPath, timeout, rpc.Request{Cmd: rpc.CmdSetDebugLevel, Level: level})
	if err != nil {
		return err
	}
	fmt.Println(resp.Int)
	return nil
}

func doLogSink(socketPath string, timeout time.Duration, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("log-sink requires syslog or logfile:<path>")
	}
	req := rpc.Request{Cmd: rpc.CmdSetLoggingSink}
	switch {
	case args[0] == "syslog":
		req.Sink = 0
	case strings.HasPrefix(args[0], "logfile:"):
		req.Sink = 1
		req.KVs = map[string]string{"path": strings.TrimPrefix(args[0], "logfile:")}
	default:
		return fmt.Errorf("unrecognized sink %q", args[0])
	}
	return simpleCall(socketPath, timeout, req, false)
}
