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
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"auditcore/pkg/logrecord"
)

func sampleRecords(t *testing.T) []logrecord.Record {
	t.Helper()
	r, err := logrecord.New(logrecord.LevelError, "mod", "boom", nil, logrecord.IDs{}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return []logrecord.Record{r}
}

func newTestSink(t *testing.T, endpoint string, attempts int, breakerThreshold int) *NetworkSink {
	t.Helper()
	dir := t.TempDir()
	s, err := NewNetworkSink(NetworkConfig{
		Endpoint:          endpoint,
		PerRequestTimeout: time.Second,
		Attempts:          attempts,
		BaseDelay:         time.Millisecond,
		MaxDelay:          10 * time.Millisecond,
		Breaker:           CircuitBreakerConfig{FailureThreshold: breakerThreshold, ResetTimeout: 50 * time.Millisecond},
		PersistentDir:     dir,
		FallbackCache:     FallbackCacheConfig{MaxItems: 10, TTL: time.Hour},
	})
	if err != nil {
		t.Fatalf("NewNetworkSink: %v", err)
	}
	return s
}

// TestNetworkSink_S5 mirrors the 5xx scenario: every attempt fails
// transiently, retries exhaust, the batch lands in the persistent queue and
// fallback cache, and the breaker's failure count increases.
func TestNetworkSink_S5(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := newTestSink(t, srv.URL, 2, 5)
	res := s.Write(context.Background(), sampleRecords(t))
	if res.Success {
		t.Fatalf("expected failure")
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}

	entries, err := os.ReadDir(s.cfg.PersistentDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 persisted batch, got %d", len(entries))
	}

	s.mu.Lock()
	cacheLen := len(s.cache)
	s.mu.Unlock()
	if cacheLen != 1 {
		t.Fatalf("expected 1 fallback cache entry, got %d", cacheLen)
	}

	if s.breaker.failures != 1 {
		t.Fatalf("expected breaker failure count 1, got %d", s.breaker.failures)
	}
}

// TestNetworkSink_S6 mirrors the 4xx scenario: a permanent error aborts
// after a single attempt, persists immediately, and must not count toward
// the breaker's failure threshold.
func TestNetworkSink_S6(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := newTestSink(t, srv.URL, 3, 5)
	res := s.Write(context.Background(), sampleRecords(t))
	if res.Success {
		t.Fatalf("expected failure")
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected exactly 1 attempt for a 4xx, got %d", got)
	}
	if _, ok := res.Err.(*PermanentHTTPError); !ok {
		t.Fatalf("expected *PermanentHTTPError, got %T", res.Err)
	}

	entries, err := os.ReadDir(s.cfg.PersistentDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 persisted batch, got %d", len(entries))
	}

	if state := s.CircuitState(); state != CircuitClosed {
		t.Fatalf("expected breaker to remain CLOSED after a single 4xx, got %v", state)
	}
	if s.breaker.failures != 0 {
		t.Fatalf("expected breaker failure count to stay 0 after a 4xx, got %d", s.breaker.failures)
	}
}

// TestNetworkSink_CircuitOpensAndShortCircuits verifies testable property 7:
// after failureThreshold consecutive failures the breaker opens and the next
// call short-circuits without touching the network, while the batch still
// lands in the persistent queue.
func TestNetworkSink_CircuitOpensAndShortCircuits(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := newTestSink(t, srv.URL, 1, 2)

	s.Write(context.Background(), sampleRecords(t))
	s.Write(context.Background(), sampleRecords(t))
	if state := s.CircuitState(); state != CircuitOpen {
		t.Fatalf("expected breaker OPEN after 2 consecutive failures, got %v", state)
	}

	before := atomic.LoadInt32(&hits)
	res := s.Write(context.Background(), sampleRecords(t))
	if res.Success {
		t.Fatalf("expected failure while circuit is open")
	}
	if got := atomic.LoadInt32(&hits); got != before {
		t.Fatalf("expected no network call while circuit is open, hits went from %d to %d", before, got)
	}

	entries, err := os.ReadDir(s.cfg.PersistentDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected batches to be persisted while circuit is open")
	}
}

// TestNetworkSink_RecoverOnStartupRedeliversAndClears verifies that a batch
// persisted after a failed write is redelivered by RecoverOnStartup once
// the endpoint recovers, and that its file and fallback cache entry are
// then removed.
func TestNetworkSink_RecoverOnStartupRedeliversAndClears(t *testing.T) {
	var hits int32
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestSink(t, srv.URL, 1, 5)
	s.Write(context.Background(), sampleRecords(t))

	entries, err := os.ReadDir(s.cfg.PersistentDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 persisted batch before recovery, got %d", len(entries))
	}

	fail.Store(false)
	if err := s.RecoverOnStartup(context.Background()); err != nil {
		t.Fatalf("RecoverOnStartup: %v", err)
	}

	entries, err = os.ReadDir(s.cfg.PersistentDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected persisted batch to be cleared after successful recovery, got %d entries", len(entries))
	}

	s.mu.Lock()
	cacheLen := len(s.cache)
	s.mu.Unlock()
	if cacheLen != 0 {
		t.Fatalf("expected fallback cache cleared after successful recovery, got %d", cacheLen)
	}
}

// TestNetworkSink_FallbackCacheEvictsOnTTLExpiry checks that an expired
// cache entry is reclaimed before an arbitrary one once the cache is full.
func TestNetworkSink_FallbackCacheEvictsOnTTLExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := newTestSink(t, srv.URL, 1, 100)
	s.cfg.FallbackCache.MaxItems = 1

	s.mu.Lock()
	s.cache["stale"] = cacheItem{records: sampleRecords(t), expiresAt: time.Now().Add(-time.Minute)}
	s.mu.Unlock()

	s.persistAndCache("fresh", sampleRecords(t), 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache["stale"]; ok {
		t.Fatalf("expected expired entry to be evicted")
	}
	if _, ok := s.cache["fresh"]; !ok {
		t.Fatalf("expected fresh entry to be present")
	}
}
