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

// Package daemon is C11: the single-threaded event loop that owns every
// other component. spec.md §9's "global mutable state" design note calls
// for packaging config/registry/tick-counter/pause-level/last-known-free
// into one daemon context value owned by the event loop rather than true
// globals; Daemon is that value, mirroring the teacher's
// resource-manager.go orchestration object (one struct, one Run-style
// entry point, named private handlers per event source).
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	logger "github.com/oboguev/membalance/pkg/log"
	"github.com/oboguev/membalance/pkg/membalance/clock"
	cfg "github.com/oboguev/membalance/pkg/membalance/config"
	"github.com/oboguev/membalance/pkg/membalance/host"
	"github.com/oboguev/membalance/pkg/membalance/lockfile"
	"github.com/oboguev/membalance/pkg/membalance/metrics"
	"github.com/oboguev/membalance/pkg/membalance/registry"
	"github.com/oboguev/membalance/pkg/membalance/rpc"
	"github.com/oboguev/membalance/pkg/membalance/scheduler"
	"github.com/oboguev/membalance/pkg/membalance/store"
)

var log = logger.NewLogger("daemon")

// Options configures a new Daemon. Host and Store are the external
// collaborators (spec.md §1's "out of scope" list); tests and the default
// no-backend-configured mode pass in-memory implementations.
type Options struct {
	ConfigPath  string
	RunDir      string // e.g. /var/run/membalance
	Host        host.Interface
	Store       store.Client
	MetricsAddr string // empty disables the metrics HTTP server
}

// Daemon is the process-wide context value (spec.md §9): config, the
// registry's three maps, the tick counter, and memsched_pause_level all
// live behind it, reachable only through its methods.
type Daemon struct {
	opts Options
	clk  clock.Source

	Global *cfg.GlobalConfig
	Reg    *registry.Registry
	Sched  *scheduler.Scheduler

	rpcSrv     *rpc.Server
	metricsCol *metrics.Collector
	lock       *lockfile.Lock
	cfgWatcher *cfg.Watcher

	quantumKB uint64

	startTime             clock.Timestamp
	lastTickStart         clock.Timestamp
	lastPendingPass       clock.Timestamp
	settingsRefreshUntil  clock.Timestamp
	settingsRefreshQueued bool

	unmanagedSizeCache map[int]sizeSnapshot
}

type sizeSnapshot struct {
	xsMemMax    uint64
	xsMemTarget uint64
}

// New wires up every component from Options and acquires the single-
// instance lock (spec.md §4.13). Callers must call Close when done.
func New(opts Options) (*Daemon, error) {
	if opts.RunDir == "" {
		opts.RunDir = "/var/run/membalance"
	}
	if err := os.MkdirAll(opts.RunDir, 0700); err != nil {
		return nil, fmt.Errorf("create run dir %s: %w", opts.RunDir, err)
	}

	lock, err := lockfile.Acquire(filepath.Join(opts.RunDir, "membalanced.lock"))
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		opts:               opts,
		clk:                clock.New(),
		lock:               lock,
		quantumKB:          opts.Host.PageSizeKB(),
		unmanagedSizeCache: map[int]sizeSnapshot{},
	}

	d.Global = cfg.NewGlobalConfig()
	if opts.ConfigPath != "" {
		if parsed, perr := cfg.ParseFile(opts.ConfigPath); perr != nil {
			log.Error("config file %s: %v", opts.ConfigPath, perr)
			if parsed != nil {
				*d.Global = *parsed
			}
		} else {
			*d.Global = *parsed
		}
	}
	d.applyHardwiredDefaults(context.Background())

	d.Reg = registry.New(opts.Host, opts.Store, d.intervalSeconds)
	d.Sched = scheduler.New(d.Reg, opts.Host, d.Global, d.quantumKB)

	if opts.ConfigPath != "" {
		if w, werr := cfg.WatchFile(opts.ConfigPath); werr != nil {
			log.Warn("config file watch unavailable: %v", werr)
		} else {
			d.cfgWatcher = w
		}
	}

	socketPath := filepath.Join(opts.RunDir, "membalanced.socket")
	srv, err := rpc.Listen(socketPath)
	if err != nil {
		lock.Release()
		return nil, err
	}
	d.rpcSrv = srv

	if opts.MetricsAddr != "" {
		d.metricsCol = metrics.New()
	}

	return d, nil
}

func (d *Daemon) applyHardwiredDefaults(ctx context.Context) {
	physical, _ := d.opts.Host.GetPhysicalMemory(ctx)
	slack, _ := d.opts.Host.GetFreeSlack(ctx)
	privMin, _ := d.opts.Host.GetPrivilegedMinSize(ctx)
	d.Global.ApplyHardwiredDefaults(float64(physical), float64(slack), float64(privMin))
}

func (d *Daemon) intervalSeconds() float64 {
	v, ok := d.Global.Interval.Get()
	if !ok {
		return 10
	}
	return v
}

// Close releases every resource acquired by New.
func (d *Daemon) Close() {
	if d.rpcSrv != nil {
		d.rpcSrv.Close()
	}
	if d.cfgWatcher != nil {
		d.cfgWatcher.Close()
	}
	d.lock.Release()
}

// Run drives the single poll loop of spec.md §4.13 until ctx is cancelled
// or SIGTERM arrives. It is the only goroutine that ever touches Global,
// Reg, or Sched (besides the metrics server, which only reads published
// gauges): the "no shared mutable state with other threads" model of
// spec.md §5.
func (d *Daemon) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1, legacyPauseResumeSignal())

	if d.metricsCol != nil {
		metricsCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := d.metricsCol.Serve(metricsCtx, d.opts.MetricsAddr); err != nil {
				log.Debug("metrics server stopped: %v", err)
			}
		}()
	}

	now := d.clk.Now()
	d.startTime = now
	d.lastTickStart = now
	d.lastPendingPass = now

	log.Info("membalanced started, interval=%.3gs", d.intervalSeconds())

	for {
		wait := d.nextWait()

		var cfgChanged <-chan struct{}
		if d.cfgWatcher != nil {
			cfgChanged = d.cfgWatcher.Changed
		}

		select {
		case <-ctx.Done():
			return nil

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				log.Info("received %v, exiting", sig)
				return nil
			case syscall.SIGHUP:
				log.Info("received SIGHUP, reloading configuration")
				d.reloadConfig(ctx)
			case syscall.SIGUSR1:
				d.dumpDebugToLog(ctx)
			default:
				d.toggleLegacyPauseResume()
			}

		case <-cfgChanged:
			log.Info("config file changed on disk, reloading")
			d.reloadConfig(ctx)

		case call := <-d.rpcSrv.Calls:
			if call == nil {
				// Listener closed (e.g. socket removed underneath us).
				continue
			}
			d.dispatch(ctx, call)

		case <-time.After(wait):
			d.onTimer(ctx)
		}
	}
}

// legacyPauseResumeSignal returns the real-time signal spec.md §4.13 calls
// out for "legacy pause/resume" control, the lowest numbered RT signal
// (SIGRTMIN), following the teacher's/pack's use of golang.org/x/sys/unix
// for raw signal numbers rather than a fixed syscall.Signal constant.
func legacyPauseResumeSignal() os.Signal {
	return unix.SIGRTMIN()
}

func (d *Daemon) toggleLegacyPauseResume() {
	if d.Sched.Paused() {
		d.Sched.Resume(false)
		log.Info("legacy signal: resumed (level=%d)", d.Sched.PauseLevel())
	} else {
		d.Sched.Pause()
		log.Info("legacy signal: paused (level=%d)", d.Sched.PauseLevel())
	}
}
