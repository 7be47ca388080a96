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

// Package sinks holds every Transport implementation: FileSink, StdoutSink,
// and NetworkSink (with its CircuitBreaker and PersistentQueue).
package sinks

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"auditcore/internal/sinkrouter"
	"auditcore/pkg/logrecord"
)

var moduleSanitizePattern = regexp.MustCompile(`[^A-Za-z0-9_\-]`)

// sanitizeModule replaces any character outside [A-Za-z0-9_-] with '_', the
// same rule spec.md requires for FileSink's per-module directory names.
func sanitizeModule(module string) string {
	return moduleSanitizePattern.ReplaceAllString(module, "_")
}

// FileConfig configures a FileSink.
type FileConfig struct {
	Dir                       string
	StreamDrainOnBackpressure bool
}

type moduleWriter struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	date string
}

// FileSink appends batches to per-module daily JSONL files, one buffered
// writer per module, opened lazily and rotated at UTC day boundaries.
type FileSink struct {
	cfg FileConfig

	mu      sync.Mutex
	writers map[string]*moduleWriter
}

// NewFileSink constructs a FileSink rooted at cfg.Dir, created if absent.
func NewFileSink(cfg FileConfig) (*FileSink, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	return &FileSink{cfg: cfg, writers: make(map[string]*moduleWriter)}, nil
}

func (s *FileSink) Name() string { return "file" }

// Write appends records, grouped by module, to today's file for each
// module, creating directories and files as needed.
func (s *FileSink) Write(ctx context.Context, records []logrecord.Record) sinkrouter.Result {
	byModule := make(map[string][]logrecord.Record)
	for _, r := range records {
		byModule[r.Module()] = append(byModule[r.Module()], r)
	}

	for module, recs := range byModule {
		w, err := s.writerFor(module)
		if err != nil {
			return sinkrouter.Result{Success: false, Err: err}
		}
		if err := w.append(recs); err != nil {
			return sinkrouter.Result{Success: false, Err: err}
		}
	}
	return sinkrouter.Result{Success: true}
}

func (s *FileSink) writerFor(module string) (*moduleWriter, error) {
	today := time.Now().UTC().Format("2006-01-02")

	s.mu.Lock()
	w, ok := s.writers[module]
	s.mu.Unlock()

	if ok {
		w.mu.Lock()
		sameDay := w.date == today
		w.mu.Unlock()
		if sameDay {
			return w, nil
		}
	}

	dir := filepath.Join(s.cfg.Dir, sanitizeModule(module))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, today+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	newW := &moduleWriter{f: f, w: bufio.NewWriterSize(f, 64*1024), date: today}

	s.mu.Lock()
	if old, existed := s.writers[module]; existed {
		old.mu.Lock()
		_ = old.w.Flush()
		_ = old.f.Close()
		old.mu.Unlock()
	}
	s.writers[module] = newW
	s.mu.Unlock()
	return newW, nil
}

func (w *moduleWriter) append(records []logrecord.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	enc := json.NewEncoder(w.w)
	for _, r := range records {
		if err := enc.Encode(r.ToWireObject()); err != nil {
			return err
		}
	}
	return w.w.Flush()
}

// Close flushes and closes every module's file. Called during graceful
// shutdown, after the pipeline has drained.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, w := range s.writers {
		w.mu.Lock()
		if err := w.w.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := w.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		w.mu.Unlock()
	}
	return firstErr
}
