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
	"errors"
	"sync"
	"time"
)

// CircuitState is one of CLOSED, OPEN, HALF_OPEN.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned by Allow when the breaker is tripped.
var ErrCircuitOpen = errors.New("sinks: circuit open")

// halfOpenSuccessesToClose is the number of consecutive HALF_OPEN successes
// required before the breaker returns to CLOSED.
const halfOpenSuccessesToClose = 3

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// CircuitBreaker is a CLOSED/OPEN/HALF_OPEN state machine guarding
// NetworkSink's calls. armed/disarmed hysteresis mirrors the high/low
// watermark pattern used elsewhere in the pipeline's background workers.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu                sync.Mutex
	state             CircuitState
	failures          int
	halfOpenSuccesses int
	openedAt          time.Time
}

// NewCircuitBreaker constructs a breaker starting CLOSED.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, state: CircuitClosed}
}

// Allow reports whether a call may proceed. When OPEN and the reset timeout
// has elapsed, it transitions to HALF_OPEN and allows the call. While
// HALF_OPEN every call is allowed, until halfOpenSuccessesToClose
// consecutive successes close the breaker or one failure reopens it.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return nil
	case CircuitHalfOpen:
		return nil
	case CircuitOpen:
		if time.Since(b.openedAt) >= b.cfg.ResetTimeout {
			b.state = CircuitHalfOpen
			b.halfOpenSuccesses = 0
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

// RecordSuccess reports a successful call outcome.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= halfOpenSuccessesToClose {
			b.state = CircuitClosed
			b.failures = 0
			b.halfOpenSuccesses = 0
		}
	case CircuitClosed:
		b.failures = 0
	}
}

// RecordFailure reports a failed call outcome, possibly tripping the
// breaker to OPEN.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitHalfOpen:
		b.state = CircuitOpen
		b.openedAt = time.Now()
		b.halfOpenSuccesses = 0
	case CircuitClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = CircuitOpen
			b.openedAt = time.Now()
		}
	}
}

// State returns the breaker's current state, for diagnostics and tests.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
