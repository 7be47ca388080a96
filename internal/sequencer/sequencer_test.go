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

package sequencer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"auditcore/pkg/logrecord"
)

func sampleRecords(t *testing.T) []logrecord.Record {
	t.Helper()
	r, err := logrecord.New(logrecord.LevelInfo, "mod", "msg", nil, logrecord.IDs{}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return []logrecord.Record{r}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// TestSequencer_S5 exercises spec.md scenario S5: 5xx retries once then DLQ.
func TestSequencer_S5(t *testing.T) {
	var attempts int32
	seq := New(Config{MaxRetries: 1, BaseDelay: time.Millisecond, DispatchTimeout: time.Second}, func(ctx context.Context, records []logrecord.Record) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("503 service unavailable")
	})
	seq.Start()
	defer seq.Stop()

	seq.Enqueue(sampleRecords(t))
	waitFor(t, time.Second, func() bool { return seq.DLQLen() >= 1 })

	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", got)
	}
}

// TestSequencer_S6 exercises spec.md scenario S6: 4xx is an immediate DLQ, no retry.
func TestSequencer_S6(t *testing.T) {
	var attempts int32
	seq := New(Config{MaxRetries: 3, BaseDelay: time.Millisecond, DispatchTimeout: time.Second}, func(ctx context.Context, records []logrecord.Record) error {
		atomic.AddInt32(&attempts, 1)
		return &PermanentError{Err: errors.New("400 bad request")}
	})
	seq.Start()
	defer seq.Stop()

	seq.Enqueue(sampleRecords(t))
	waitFor(t, time.Second, func() bool { return seq.DLQLen() >= 1 })

	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected exactly 1 attempt for a permanent error, got %d", got)
	}
}

func TestSequencer_AscendingSequenceNumbers(t *testing.T) {
	seq := New(Config{}, func(ctx context.Context, records []logrecord.Record) error { return nil })
	a := seq.Enqueue(sampleRecords(t))
	b := seq.Enqueue(sampleRecords(t))
	c := seq.Enqueue(sampleRecords(t))
	if !(a < b && b < c) {
		t.Fatalf("expected strictly ascending sequence numbers, got %d %d %d", a, b, c)
	}
}

func TestSequencer_SingleInFlight(t *testing.T) {
	var concurrent int32
	var maxConcurrent int32
	seq := New(Config{DispatchTimeout: time.Second}, func(ctx context.Context, records []logrecord.Record) error {
		n := atomic.AddInt32(&concurrent, 1)
		if n > atomic.LoadInt32(&maxConcurrent) {
			atomic.StoreInt32(&maxConcurrent, n)
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		return nil
	})
	seq.Start()
	defer seq.Stop()

	for i := 0; i < 5; i++ {
		seq.Enqueue(sampleRecords(t))
	}
	waitFor(t, time.Second, func() bool {
		for i := 1; i <= 5; i++ {
			if _, ok := seq.Status(uint64(i)); !ok {
				return false
			}
		}
		return true
	})
	if atomic.LoadInt32(&maxConcurrent) > 1 {
		t.Fatalf("expected at most one in-flight dispatch, observed %d", maxConcurrent)
	}
}

func TestSequencer_ReplayRequiresFlag(t *testing.T) {
	seq := New(Config{MaxRetries: 0, BaseDelay: time.Millisecond, DispatchTimeout: time.Second, ReplayEnabled: false}, func(ctx context.Context, records []logrecord.Record) error {
		return errors.New("boom")
	})
	seq.Start()
	defer seq.Stop()

	s := seq.Enqueue(sampleRecords(t))
	waitFor(t, time.Second, func() bool { return seq.DLQLen() >= 1 })
	if seq.Replay(s) {
		t.Fatalf("expected Replay to be a no-op when ReplayEnabled is false")
	}
}

func TestSequencer_DispatchTimeoutIsRetryable(t *testing.T) {
	var attempts int32
	seq := New(Config{MaxRetries: 1, BaseDelay: time.Millisecond, DispatchTimeout: 5 * time.Millisecond}, func(ctx context.Context, records []logrecord.Record) error {
		atomic.AddInt32(&attempts, 1)
		<-ctx.Done()
		return ctx.Err()
	})
	seq.Start()
	defer seq.Stop()

	seq.Enqueue(sampleRecords(t))
	waitFor(t, time.Second, func() bool { return seq.DLQLen() >= 1 })
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("expected 2 attempts after a retryable timeout, got %d", got)
	}
}
