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

// Package sinkrouter fans a sequenced batch out to every registered sink
// concurrently, isolating one sink's failure from the others.
package sinkrouter

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"auditcore/pkg/logrecord"
)

// Result is a single sink's outcome for one dispatch.
type Result struct {
	Success bool
	Err     error
}

// Sink is the transport interface every sink implements (spec.md §6).
type Sink interface {
	Name() string
	Write(ctx context.Context, records []logrecord.Record) Result
}

// HealthChecker is an optional capability a Sink may additionally implement.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// DispatchError aggregates the sinks that failed a single dispatch.
type DispatchError struct {
	Failures map[string]error
}

func (e *DispatchError) Error() string {
	var b strings.Builder
	b.WriteString("sinkrouter: ")
	first := true
	for name, err := range e.Failures {
		if !first {
			b.WriteString("; ")
		}
		first = false
		fmt.Fprintf(&b, "%s: %v", name, err)
	}
	return b.String()
}

// Router dispatches a batch to all registered sinks concurrently. Bounded
// parallelism equals the number of sinks, per spec.md §5.
type Router struct {
	mu    sync.RWMutex
	sinks []Sink
}

// New constructs a Router with the given sinks.
func New(sinks ...Sink) *Router {
	return &Router{sinks: append([]Sink(nil), sinks...)}
}

// Register adds a sink at runtime (e.g. the optional DurableSink).
func (r *Router) Register(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

// Dispatch writes records to every registered sink concurrently. It returns
// nil if every sink succeeded, or a *DispatchError naming the ones that
// failed. Per-sink errors never prevent the other sinks from being tried.
func (r *Router) Dispatch(ctx context.Context, records []logrecord.Record) error {
	r.mu.RLock()
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.RUnlock()

	if len(sinks) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	failures := map[string]error{}

	wg.Add(len(sinks))
	for _, s := range sinks {
		go func(s Sink) {
			defer wg.Done()
			res := s.Write(ctx, records)
			if !res.Success {
				mu.Lock()
				failures[s.Name()] = res.Err
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	if len(failures) == 0 {
		return nil
	}
	return &DispatchError{Failures: failures}
}

// HealthCheck runs HealthCheck on every sink that implements HealthChecker,
// returning the aggregate failures the same way Dispatch does.
func (r *Router) HealthCheck(ctx context.Context) error {
	r.mu.RLock()
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.RUnlock()

	var wg sync.WaitGroup
	var mu sync.Mutex
	failures := map[string]error{}

	for _, s := range sinks {
		hc, ok := s.(HealthChecker)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string, hc HealthChecker) {
			defer wg.Done()
			if err := hc.HealthCheck(ctx); err != nil {
				mu.Lock()
				failures[name] = err
				mu.Unlock()
			}
		}(s.Name(), hc)
	}
	wg.Wait()

	if len(failures) == 0 {
		return nil
	}
	return &DispatchError{Failures: failures}
}

// Sinks returns a snapshot of the registered sinks' names, for diagnostics.
func (r *Router) Sinks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sinks))
	for _, s := range r.sinks {
		names = append(names, s.Name())
	}
	return names
}
