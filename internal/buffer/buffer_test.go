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

package buffer

import (
	"sync"
	"testing"
	"time"

	"auditcore/pkg/logrecord"
)

func mustRecord(t *testing.T, msg string) logrecord.Record {
	t.Helper()
	r, err := logrecord.New(logrecord.LevelInfo, "mod", msg, nil, logrecord.IDs{}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// TestAdaptiveBuffer_S1 exercises spec.md scenario S1: basic admission.
func TestAdaptiveBuffer_S1(t *testing.T) {
	var mu sync.Mutex
	var got []string
	b := New(Config{MaxCount: 2, FlushInterval: 10 * time.Millisecond}, func(batch Batch) error {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range batch.Entries {
			got = append(got, e.Record.Message())
		}
		return nil
	}, nil)
	defer b.Destroy()

	b.Push(mustRecord(t, "a"))
	b.Push(mustRecord(t, "b"))
	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected [a b] in order, got %v", got)
	}
}

// TestAdaptiveBuffer_S2 exercises spec.md scenario S2: backpressure pause/resume.
func TestAdaptiveBuffer_S2(t *testing.T) {
	var drainCalls int
	var mu sync.Mutex
	b := New(Config{MaxCount: 3, HighFraction: 0.66, LowFraction: 0.33, FlushInterval: time.Hour}, func(batch Batch) error {
		return nil
	}, func() {
		mu.Lock()
		drainCalls++
		mu.Unlock()
	})
	defer b.Destroy()

	b.Push(mustRecord(t, "1"))
	b.Push(mustRecord(t, "2"))
	b.Push(mustRecord(t, "3"))

	if !b.Paused() {
		t.Fatalf("expected paused==true after exceeding high watermark")
	}

	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}
	if b.Paused() {
		t.Fatalf("expected paused==false after flush")
	}

	mu.Lock()
	defer mu.Unlock()
	if drainCalls != 1 {
		t.Fatalf("expected drain callback exactly once, got %d", drainCalls)
	}
}

func TestAdaptiveBuffer_ForcedFlushOnFullNotPaused(t *testing.T) {
	var flushedBatches [][]string
	var mu sync.Mutex
	// HighFraction 1.0 keeps the buffer from pausing before it is full, so
	// the fifth push finds it full and not paused.
	b := New(Config{MaxCount: 4, HighFraction: 1.0, FlushInterval: time.Hour}, func(batch Batch) error {
		mu.Lock()
		defer mu.Unlock()
		var msgs []string
		for _, e := range batch.Entries {
			msgs = append(msgs, e.Record.Message())
		}
		flushedBatches = append(flushedBatches, msgs)
		return nil
	}, nil)
	defer b.Destroy()

	for i := 0; i < 5; i++ {
		b.Push(mustRecord(t, string(rune('a'+i))))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(flushedBatches) == 0 {
		t.Fatalf("expected a forced flush to have occurred")
	}
}

func TestAdaptiveBuffer_MemoryAccountingInvariant(t *testing.T) {
	b := New(Config{MaxCount: 100, FlushInterval: time.Hour}, func(Batch) error { return nil }, nil)
	defer b.Destroy()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b.Push(mustRecord(t, "concurrent"))
		}(i)
	}
	wg.Wait()

	entries := b.Peek()
	sum := 0
	for _, e := range entries {
		sum += e.SizeEstimate
	}
	if sum != b.MemoryUsage() {
		t.Fatalf("memoryUsage invariant violated: sum=%d tracked=%d", sum, b.MemoryUsage())
	}
	if b.Len() > 100 {
		t.Fatalf("len exceeded maxCount: %d", b.Len())
	}
}

func TestAdaptiveBuffer_PushAfterDestroyReturnsClosed(t *testing.T) {
	b := New(Config{MaxCount: 10}, func(Batch) error { return nil }, nil)
	b.Destroy()
	_, err := b.Push(mustRecord(t, "x"))
	if err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
