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
	"fmt"

	logger "github.com/oboguev/membalance/pkg/log"
	"github.com/oboguev/membalance/pkg/membalance/freemem"
	"github.com/oboguev/membalance/pkg/membalance/rpc"
)

// dispatch executes one control RPC call (spec.md §4.12) on the single
// control thread and answers it. Every case runs to completion before the
// event loop resumes polling, matching the "no shared mutable state with
// other threads" model: an RPC handler never races a scheduler tick.
func (d *Daemon) dispatch(ctx context.Context, call *rpc.Call) {
	req := call.Req
	switch req.Cmd {
	case rpc.CmdNull:
		call.Respond(rpc.Response{OK: true})

	case rpc.CmdPause:
		level := d.Sched.Pause()
		call.Respond(rpc.Response{OK: true, Int: level})

	case rpc.CmdResume:
		level := d.Sched.Resume(req.Force)
		call.Respond(rpc.Response{OK: true, Int: level})

	case rpc.CmdFreemem:
		d.dispatchFreemem(ctx, call)

	case rpc.CmdManageDomain:
		d.dispatchManageDomain(ctx, call)

	case rpc.CmdShowStatus:
		call.Respond(rpc.Response{OK: true, Text: d.showStatus(req.Verbosity)})

	case rpc.CmdDebugDump:
		d.dumpDebugToLog(ctx)
		call.Respond(rpc.Response{OK: true})

	case rpc.CmdDebugDumpString:
		call.Respond(rpc.Response{OK: true, Text: d.debugDumpString()})

	case rpc.CmdSetDebugLevel:
		d.dispatchSetDebugLevel(call)

	case rpc.CmdSetLoggingSink:
		d.dispatchSetLoggingSink(call)

	case rpc.CmdGetDomainSettings:
		d.dispatchGetDomainSettings(call)

	case rpc.CmdSetDomainSettings:
		call.Respond(rpc.Response{OK: false, Err: "set_domain_settings is not supported: settings are host-published or config-resolved, never set directly"})

	case rpc.CmdTest:
		call.Respond(rpc.Response{OK: true, Text: fmt.Sprintf("test: %v", req.TestArgs)})

	default:
		call.Respond(rpc.Response{OK: false, Err: fmt.Sprintf("unknown command %q", req.Cmd)})
	}
}

func (d *Daemon) dispatchFreemem(ctx context.Context, call *rpc.Call) {
	req := call.Req.Freemem
	res := freemem.Execute(ctx, d.Sched, freemem.Request{
		NeededKB:        req.NeededKB,
		AboveSlack:      req.AboveSlack,
		UseReservedHard: req.UseReservedHard,
		Must:            req.Must,
		TimeoutMS:       req.TimeoutMS,
	})
	call.Respond(rpc.Response{
		OK:            true,
		Status:        rpc.Status(res.Status),
		FreeWithSlack: res.FreeWithSlack,
		FreeLessSlack: res.FreeLessSlack,
		MaxAvailKB:    res.MaxAvailKB,
	})
}

// dispatchManageDomain implements spec.md §4.12's manage_domain command: a
// single domain id, or -1 for "every currently Unmanaged domain". Each
// target is reported with the single-letter status of what happened to it.
func (d *Daemon) dispatchManageDomain(ctx context.Context, call *rpc.Call) {
	targets := []int{call.Req.DomainID}
	if call.Req.DomainID < 0 {
		targets = d.Reg.UnmanagedIDs()
	}

	kvs := map[string]string{}
	for _, id := range targets {
		_, kind := d.Reg.Lookup(id)
		switch kind {
		case "managed":
			kvs[fmt.Sprintf("%d", id)] = string(rpc.StatusManaged)
		case "pending":
			kvs[fmt.Sprintf("%d", id)] = string(rpc.StatusReserved)
		case "unmanaged":
			rec := d.Reg.UnmanagedToPending(id)
			if rec != nil {
				kvs[fmt.Sprintf("%d", id)] = string(rpc.StatusReserved)
			} else {
				kvs[fmt.Sprintf("%d", id)] = string(rpc.StatusFail)
			}
		default:
			kvs[fmt.Sprintf("%d", id)] = string(rpc.StatusFail)
		}
	}
	call.Respond(rpc.Response{OK: true, KVs: kvs})
}

func (d *Daemon) dispatchSetDebugLevel(call *rpc.Call) {
	if call.Req.Level < 0 {
		call.Respond(rpc.Response{OK: true, Int: int(logger.GetLevel())})
		return
	}
	logger.SetLevel(logger.Level(call.Req.Level))
	call.Respond(rpc.Response{OK: true, Int: call.Req.Level})
}

func (d *Daemon) dispatchSetLoggingSink(call *rpc.Call) {
	if call.Req.Sink < 0 {
		call.Respond(rpc.Response{OK: true})
		return
	}
	var backend logger.Backend
	var err error
	switch logger.Sink(call.Req.Sink) {
	case logger.SinkSyslog:
		backend, err = logger.NewSyslogBackend("membalanced")
	case logger.SinkFile:
		path := call.Req.KVs["path"]
		if path == "" {
			call.Respond(rpc.Response{OK: false, Err: "set_logging_sink(file) requires a path"})
			return
		}
		backend, err = logger.NewFileBackend(path, false)
	default:
		call.Respond(rpc.Response{OK: false, Err: "unknown logging sink"})
		return
	}
	if err != nil {
		call.Respond(rpc.Response{OK: false, Err: err.Error()})
		return
	}
	if err := logger.SetBackend(backend); err != nil {
		call.Respond(rpc.Response{OK: false, Err: err.Error()})
		return
	}
	call.Respond(rpc.Response{OK: true})
}

func (d *Daemon) dispatchGetDomainSettings(call *rpc.Call) {
	rec, kind := d.Reg.Lookup(call.Req.DomainID)
	if rec == nil {
		call.Respond(rpc.Response{OK: false, Err: fmt.Sprintf("domain %d not known", call.Req.DomainID)})
		return
	}
	s := rec.Resolved
	kvs := map[string]string{
		"state":                kind,
		"dmem_min":             fmt.Sprintf("%d", s.DmemMin),
		"dmem_max":             fmt.Sprintf("%d", s.DmemMax),
		"dmem_quota":           fmt.Sprintf("%d", s.DmemQuota),
		"dmem_incr":            fmt.Sprintf("%g", s.DmemIncr),
		"dmem_decr":            fmt.Sprintf("%g", s.DmemDecr),
		"rate_high":            fmt.Sprintf("%g", s.RateHigh),
		"rate_low":             fmt.Sprintf("%g", s.RateLow),
		"rate_zero":            fmt.Sprintf("%g", s.RateZero),
		"guest_free_threshold": fmt.Sprintf("%g", s.GuestFreeThreshold),
		"startup_time":         fmt.Sprintf("%g", s.StartupTime),
		"trim_unresponsive":    fmt.Sprintf("%g", s.TrimUnresponsive),
		"trim_unmanaged":       fmt.Sprintf("%v", s.TrimUnmanaged),
	}
	call.Respond(rpc.Response{OK: true, KVs: kvs})
}
