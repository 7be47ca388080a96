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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"auditcore/internal/sinkrouter"
	"auditcore/pkg/logrecord"
)

// PermanentHTTPError marks a 4xx response: no retry, immediate DLQ at the
// sink layer.
type PermanentHTTPError struct {
	StatusCode int
}

func (e *PermanentHTTPError) Error() string {
	return fmt.Sprintf("network sink: permanent failure, status %d", e.StatusCode)
}

// FallbackCacheConfig bounds the in-memory cache NetworkSink falls back to
// alongside the persistent queue.
type FallbackCacheConfig struct {
	MaxItems int
	TTL      time.Duration
}

// NetworkConfig configures a NetworkSink.
type NetworkConfig struct {
	Endpoint           string
	PerRequestTimeout  time.Duration
	Attempts           int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	Breaker            CircuitBreakerConfig
	PersistentDir      string
	PersistentMaxFiles int
	FallbackCache      FallbackCacheConfig
	Marker             *IdempotencyMarker // optional: enables delivery idempotency
}

type cacheItem struct {
	records   []logrecord.Record
	expiresAt time.Time
}

// NetworkSink delivers batches over HTTP, guarded by a CircuitBreaker and
// backed by a PersistentQueue and an in-memory fallback cache for whatever
// the breaker or the network itself rejects.
type NetworkSink struct {
	cfg     NetworkConfig
	client  *http.Client
	breaker *CircuitBreaker
	queue   *PersistentQueue

	mu    sync.Mutex
	cache map[string]cacheItem

	seq uint64 // fallback batch-id source when records carry no sequence
}

// NewNetworkSink constructs a NetworkSink. Its persistent queue directory
// is created if absent.
func NewNetworkSink(cfg NetworkConfig) (*NetworkSink, error) {
	if cfg.PerRequestTimeout <= 0 {
		cfg.PerRequestTimeout = 5 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.FallbackCache.MaxItems <= 0 {
		cfg.FallbackCache.MaxItems = 1000
	}
	if cfg.FallbackCache.TTL <= 0 {
		cfg.FallbackCache.TTL = time.Hour
	}
	q, err := NewPersistentQueue(cfg.PersistentDir, cfg.PersistentMaxFiles)
	if err != nil {
		return nil, err
	}
	return &NetworkSink{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.PerRequestTimeout},
		breaker: NewCircuitBreaker(cfg.Breaker),
		queue:   q,
		cache:   make(map[string]cacheItem),
	}, nil
}

func (s *NetworkSink) Name() string { return "network" }

func (s *NetworkSink) batchID(records []logrecord.Record) string {
	if len(records) > 0 {
		if seq, ok := records[0].Sequence(); ok {
			return strconv.FormatUint(seq, 10)
		}
	}
	s.mu.Lock()
	s.seq++
	id := s.seq
	s.mu.Unlock()
	return "local-" + strconv.FormatUint(id, 10)
}

// wireBatch is the HTTP POST body: {batchId, timestamp, attempt, records}.
type wireBatch struct {
	BatchID   string                   `json:"batchId"`
	Timestamp string                   `json:"timestamp"`
	Attempt   int                      `json:"attempt"`
	Records   []map[string]interface{} `json:"records"`
}

// Write delivers records as one HTTP POST, retrying transient failures
// internally with exponential backoff and jitter before giving up for this
// call and falling back to persistence.
func (s *NetworkSink) Write(ctx context.Context, records []logrecord.Record) sinkrouter.Result {
	if len(records) == 0 {
		return sinkrouter.Result{Success: true}
	}
	batchID := s.batchID(records)

	if err := s.breaker.Allow(); err != nil {
		s.persistAndCache(batchID, records, 0)
		return sinkrouter.Result{Success: false, Err: err}
	}

	var lastErr error
	attemptsMade := 0
	permanent := false
	for attempt := 1; attempt <= s.cfg.Attempts; attempt++ {
		attemptsMade = attempt
		err := s.postOnce(ctx, batchID, records, attempt)
		if err == nil {
			s.breaker.RecordSuccess()
			if s.cfg.Marker != nil {
				_, _ = s.cfg.Marker.MarkDelivered(ctx, batchID)
			}
			_ = s.queue.Remove(batchID)
			s.clearCache(batchID)
			return sinkrouter.Result{Success: true}
		}
		lastErr = err
		if _, isPermanent := err.(*PermanentHTTPError); isPermanent {
			permanent = true
			break // no retry for 4xx
		}
		if attempt < s.cfg.Attempts {
			time.Sleep(s.retryDelay(attempt))
		}
	}

	// A 4xx is the caller's fault, not the endpoint's: it does not count
	// toward tripping the breaker, only exhausted transient failures do.
	if !permanent {
		s.breaker.RecordFailure()
	}
	s.persistAndCache(batchID, records, attemptsMade)
	return sinkrouter.Result{Success: false, Err: lastErr}
}

func (s *NetworkSink) postOnce(ctx context.Context, batchID string, records []logrecord.Record, attempt int) error {
	wire := make([]map[string]interface{}, 0, len(records))
	for _, r := range records {
		wire = append(wire, r.ToWireObject())
	}
	return s.postWire(ctx, batchID, wire, attempt)
}

func (s *NetworkSink) postWire(ctx context.Context, batchID string, wire []map[string]interface{}, attempt int) error {
	body := wireBatch{
		BatchID:   batchID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Attempt:   attempt,
		Records:   wire,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.PerRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err // network error or timeout: transient
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &PermanentHTTPError{StatusCode: resp.StatusCode}
	default:
		return fmt.Errorf("network sink: transient failure, status %d", resp.StatusCode)
	}
}

// retryDelay computes 2^(attempt-1)*base, capped at max, plus up to 10%
// jitter so concurrent retries don't thunder-herd the endpoint.
func (s *NetworkSink) retryDelay(attempt int) time.Duration {
	d := s.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.MaxDelay {
			d = s.cfg.MaxDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	return d + jitter
}

func (s *NetworkSink) persistAndCache(batchID string, records []logrecord.Record, retryCount int) {
	_ = s.queue.Enqueue(batchID, records, time.Now(), retryCount)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cache) >= s.cfg.FallbackCache.MaxItems {
		s.evictOneExpiredOrOldestLocked()
	}
	s.cache[batchID] = cacheItem{records: records, expiresAt: time.Now().Add(s.cfg.FallbackCache.TTL)}
}

// evictOneExpiredOrOldestLocked makes room in the fallback cache. Callers
// must hold mu.
func (s *NetworkSink) evictOneExpiredOrOldestLocked() {
	now := time.Now()
	for k, v := range s.cache {
		if now.After(v.expiresAt) {
			delete(s.cache, k)
			return
		}
	}
	// Nothing expired yet: drop an arbitrary entry rather than grow unbounded.
	for k := range s.cache {
		delete(s.cache, k)
		return
	}
}

func (s *NetworkSink) clearCache(batchID string) {
	s.mu.Lock()
	delete(s.cache, batchID)
	s.mu.Unlock()
}

// RecoverOnStartup enumerates the persistent queue directory and attempts
// re-delivery of every valid file; Recover itself discards anything with
// retryCount > 5. Recovered batches are replayed from their stored wire
// form directly, since that is all the persisted file retains.
func (s *NetworkSink) RecoverOnStartup(ctx context.Context) error {
	batches, err := s.queue.Recover()
	if err != nil {
		return err
	}
	for _, pb := range batches {
		if err := s.breaker.Allow(); err != nil {
			continue // still open; leave this batch for a later recovery pass
		}
		if postErr := s.postWire(ctx, pb.BatchID, pb.Records, pb.RetryCount+1); postErr != nil {
			s.breaker.RecordFailure()
			continue
		}
		s.breaker.RecordSuccess()
		_ = s.queue.Remove(pb.BatchID)
		s.clearCache(pb.BatchID)
	}
	return nil
}

// CircuitState exposes the breaker's current state for diagnostics.
func (s *NetworkSink) CircuitState() CircuitState { return s.breaker.State() }

// PersistentQueueDepth reports how many batches currently sit on disk
// awaiting redelivery.
func (s *NetworkSink) PersistentQueueDepth() int { return s.queue.Depth() }
