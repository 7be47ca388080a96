// Copyright 2025 The AuditCore Authors. All Rights Reserved.
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

package sinks

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/term"

	"auditcore/internal/sinkrouter"
	"auditcore/pkg/logrecord"
)

// ColorAuto, ColorOn, ColorOff are the recognized values of
// StdoutConfig.Color (spec.md's `stdout: {color: bool|auto, theme}`).
const (
	ColorAuto = "auto"
	ColorOn   = "on"
	ColorOff  = "off"
)

var levelColor = map[logrecord.Level]string{
	logrecord.LevelError: "\x1b[31m", // red
	logrecord.LevelWarn:  "\x1b[33m", // yellow
	logrecord.LevelInfo:  "\x1b[36m", // cyan
	logrecord.LevelDebug: "\x1b[90m", // gray
}

const colorReset = "\x1b[0m"

// StdoutConfig configures a StdoutSink.
type StdoutConfig struct {
	Color string // "auto" (default), "on", or "off"
}

// StdoutSink formats records as human-readable lines, optionally colored by
// severity when writing to a terminal.
type StdoutSink struct {
	mu      sync.Mutex
	w       *bufio.Writer
	colored bool
}

// NewStdoutSink constructs a StdoutSink writing to w. isTerminal is only
// consulted when cfg.Color is "auto"; pass a real terminal check (e.g.
// golang.org/x/term.IsTerminal) in production, and false in tests.
func NewStdoutSink(w io.Writer, cfg StdoutConfig, isTerminal bool) *StdoutSink {
	colored := false
	switch cfg.Color {
	case ColorOn:
		colored = true
	case ColorOff:
		colored = false
	default:
		colored = isTerminal
	}
	return &StdoutSink{w: bufio.NewWriter(w), colored: colored}
}

func (s *StdoutSink) Name() string { return "stdout" }

// Write formats each record on its own line and flushes immediately; stdout
// is meant for live tailing, not batched throughput.
func (s *StdoutSink) Write(ctx context.Context, records []logrecord.Record) sinkrouter.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		line := r.ToDisplayString()
		if s.colored {
			color := levelColor[r.Level()]
			fmt.Fprintf(s.w, "%s%s%s\n", color, line, colorReset)
		} else {
			fmt.Fprintln(s.w, line)
		}
	}
	if err := s.w.Flush(); err != nil {
		return sinkrouter.Result{Success: false, Err: err}
	}
	return sinkrouter.Result{Success: true}
}

// DefaultStdout builds a StdoutSink writing to os.Stdout, auto-detecting a
// real terminal via term.IsTerminal when cfg.Color is "auto".
func DefaultStdout(cfg StdoutConfig) *StdoutSink {
	return NewStdoutSink(os.Stdout, cfg, term.IsTerminal(int(os.Stdout.Fd())))
}
