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

// Package ratelimit implements per-key token-bucket admission and the
// module-aware RateLimiter built on top of it.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Decision is the outcome of a single TryConsume call.
type Decision struct {
	Admitted        bool
	TokensRemaining float64
	WaitMillis      int64
}

// Bucket is a single token bucket. It is safe for concurrent use; all state
// mutation happens under mu. Time is tracked in monotonic seconds supplied
// by the caller's clock func, never wall-clock, so NTP jumps never starve or
// flood a bucket.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens/second
	tokens     float64
	lastRefill float64 // monotonic seconds
	now        func() float64
}

// NewBucket constructs a Bucket starting full. now should return monotonic
// seconds (e.g. derived from time.Since(processStart)); tests may supply a
// deterministic clock.
func NewBucket(capacity, refillRate float64, now func() float64) *Bucket {
	b := &Bucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		now:        now,
	}
	b.lastRefill = now()
	return b
}

// TryConsume attempts to consume n tokens (n defaults to 1 via ConsumeOne).
// capacity=0 always denies; refillRate=0 never refills past the bucket's
// current level.
func (b *Bucket) TryConsume(n float64) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	dt := now - b.lastRefill
	if dt < 0 {
		dt = 0 // clock must be monotonic; guard against misuse defensively
	}
	if b.refillRate > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+dt*b.refillRate)
	}
	b.lastRefill = now

	if b.capacity <= 0 {
		return Decision{Admitted: false, TokensRemaining: 0, WaitMillis: -1}
	}
	if b.tokens >= n {
		b.tokens -= n
		return Decision{Admitted: true, TokensRemaining: b.tokens}
	}

	var waitMillis int64 = -1
	if b.refillRate > 0 {
		deficit := n - b.tokens
		waitMillis = int64(math.Ceil(deficit / b.refillRate * 1000))
	}
	return Decision{Admitted: false, TokensRemaining: b.tokens, WaitMillis: waitMillis}
}

// ConsumeOne is shorthand for TryConsume(1).
func (b *Bucket) ConsumeOne() Decision { return b.TryConsume(1) }

// SetRefillRate adjusts the effective refill rate (used by RateLimiter's
// load-based adaptation). It does not touch the current token level.
func (b *Bucket) SetRefillRate(rate float64) {
	b.mu.Lock()
	b.refillRate = rate
	b.mu.Unlock()
}

// Tokens returns the current token level without consuming, refilling first.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	dt := now - b.lastRefill
	if dt < 0 {
		dt = 0
	}
	if b.refillRate > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+dt*b.refillRate)
	}
	b.lastRefill = now
	return b.tokens
}

// MonotonicSeconds returns a now func suitable for NewBucket, anchored to
// the call time so the first sample is zero.
func MonotonicSeconds() func() float64 {
	start := time.Now()
	return func() float64 {
		return time.Since(start).Seconds()
	}
}
