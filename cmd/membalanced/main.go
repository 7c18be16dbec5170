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

// membalanced is the host-resident memory balancing daemon of spec.md §1.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	logger "github.com/oboguev/membalance/pkg/log"
	"github.com/oboguev/membalance/pkg/membalance/daemon"
	"github.com/oboguev/membalance/pkg/membalance/host"
	"github.com/oboguev/membalance/pkg/membalance/store"
)

const version = "1.0.0"

func main() {
	var (
		configPath      = flag.String("config", "/etc/membalance.conf", "path to the configuration file")
		runDir          = flag.String("run-dir", "/var/run/membalance", "directory for the lock file and control socket")
		logPath         = flag.String("log", "", "write log output to this file instead of stderr")
		noLogTimestamps = flag.Bool("no-log-timestamps", false, "omit timestamps from log file output")
		debugLevel      = flag.Int("debug-level", int(logger.LevelInfo), "initial log level (0=debug .. 4=fatal)")
		metricsAddr     = flag.String("metrics-addr", ":9191", "address to serve Prometheus /metrics on, empty to disable")
		showVersion     = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("membalanced", version)
		return
	}

	log := logger.NewLogger("main")
	logger.SetLevel(logger.Level(*debugLevel))

	if *logPath != "" {
		backend, err := logger.NewFileBackend(*logPath, *noLogTimestamps)
		if err != nil {
			log.Fatal("failed to open log file: %v", err)
		}
		if err := logger.SetBackend(backend); err != nil {
			log.Fatal("failed to install log backend: %v", err)
		}
	}

	d, err := daemon.New(daemon.Options{
		ConfigPath:  *configPath,
		RunDir:      *runDir,
		Host:        host.NewMock(),
		Store:       store.NewMemStore(),
		MetricsAddr: *metricsAddr,
	})
	if err != nil {
		log.Fatal("failed to start: %v", err)
	}
	defer d.Close()

	if err := d.Run(context.Background()); err != nil {
		log.Fatal("daemon exited with error: %v", err)
	}
	os.Exit(0)
}
