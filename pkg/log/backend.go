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

package log

import (
	"fmt"
	"io"
	"log/syslog"
	"os"
	"time"
)

// Sink identifies one of the two logging sinks switchable via the control
// RPC (spec.md §4.12 set_logging_sink): 0 = syslog, 1 = logfile.
type Sink int

const (
	SinkSyslog Sink = 0
	SinkFile   Sink = 1
)

// Backend is the pluggable output side of the logger.
type Backend interface {
	Write(level Level, source, msg string)
	Close()
}

// fileBackend writes timestamped lines to an io.Writer (a log file, or
// os.Stderr during early startup before a file is configured).
type fileBackend struct {
	w              io.Writer
	closer         io.Closer
	noTimestamps   bool
}

func newFileBackend(w io.Writer) *fileBackend {
	return &fileBackend{w: w}
}

// NewFileBackend opens path for append and returns a Backend writing to it.
func NewFileBackend(path string, noTimestamps bool) (Backend, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return &fileBackend{w: f, closer: f, noTimestamps: noTimestamps}, nil
}

func (b *fileBackend) Write(level Level, source, msg string) {
	if b.noTimestamps {
		fmt.Fprintf(b.w, "%-5s %s: %s\n", level, source, msg)
		return
	}
	fmt.Fprintf(b.w, "%s %-5s %s: %s\n", time.Now().Format(time.RFC3339), level, source, msg)
}

func (b *fileBackend) Close() {
	if b.closer != nil {
		b.closer.Close()
	}
}

// syslogBackend writes to the local syslog daemon. log/syslog is stdlib;
// the retrieved corpus carries no third-party syslog client, so this is the
// one ambient-logging seam that stays on the standard library (see
// DESIGN.md).
type syslogBackend struct {
	w *syslog.Writer
}

// NewSyslogBackend dials the local syslog daemon under the given tag.
func NewSyslogBackend(tag string) (Backend, error) {
	w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, tag)
	if err != nil {
		return nil, fmt.Errorf("connect to syslog: %w", err)
	}
	return &syslogBackend{w: w}, nil
}

func (b *syslogBackend) Write(level Level, source, msg string) {
	line := fmt.Sprintf("%s: %s", source, msg)
	switch level {
	case LevelDebug:
		b.w.Debug(line)
	case LevelInfo:
		b.w.Info(line)
	case LevelWarn:
		b.w.Warning(line)
	case LevelError, LevelFatal:
		b.w.Err(line)
	}
}

func (b *syslogBackend) Close() {
	b.w.Close()
}
