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

// Package buffer implements the adaptive, memory-accounted buffer that sits
// between admission and sequencing: AdaptiveBuffer.
package buffer

import (
	"errors"
	"sync"
	"time"
	"unicode/utf16"

	"auditcore/pkg/logrecord"
)

// ErrClosed is returned by operations invoked after Destroy.
var ErrClosed = errors.New("buffer: closed")

// maxSizeEstimate bounds the per-record byte estimate so one oversized
// record cannot single-handedly blow the memory budget accounting.
const maxSizeEstimate = 1024

// Entry is a buffered record plus its accounting metadata.
type Entry struct {
	Record       logrecord.Record
	SizeEstimate int
	TrackID      uint64
}

// Batch is an ordered, immutable snapshot of buffered entries handed to the
// sequencer on flush.
type Batch struct {
	Entries []Entry
}

// Config configures an AdaptiveBuffer.
type Config struct {
	MaxCount      int
	MaxBytes      int
	FlushInterval time.Duration
	HighFraction  float64
	LowFraction   float64
}

// Stats are the observable counters spec.md §8 invariant 1 checks against.
type Stats struct {
	Pushed             uint64
	Flushed            uint64
	DroppedForcedFlush uint64
	Fulled             uint64
	Paused             uint64
	Resumed            uint64
	LastFlushDuration  time.Duration
	AvgFlushDuration   time.Duration
}

// AdaptiveBuffer is a bounded, memory-accounted buffer. All mutating
// operations (Push, Flush, Clear, Peek) take the same exclusive mutex; no
// two mutations run concurrently.
type AdaptiveBuffer struct {
	mu sync.Mutex

	cfg     Config
	entries []Entry
	mem     int
	paused  bool
	closed  bool
	nextID  uint64

	timer      *time.Timer
	timerArmed bool

	onFlush func(Batch) error
	onDrain func()

	stats          Stats
	flushDurations int
}

// New constructs an AdaptiveBuffer. onFlush is invoked with the mutex
// released; onDrain fires once whenever the buffer transitions from paused
// back to unpaused after a flush.
func New(cfg Config, onFlush func(Batch) error, onDrain func()) *AdaptiveBuffer {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 50 * time.Millisecond
	}
	if cfg.HighFraction <= 0 {
		cfg.HighFraction = 0.8
	}
	if cfg.LowFraction <= 0 {
		cfg.LowFraction = 0.3
	}
	return &AdaptiveBuffer{cfg: cfg, onFlush: onFlush, onDrain: onDrain}
}

// EstimateSize returns twice the record's serialized UTF-16 length, capped
// at maxSizeEstimate, matching spec.md's byte-estimate rule.
func EstimateSize(r logrecord.Record) int {
	n := len(utf16.Encode([]rune(r.ToDisplayString())))
	est := n * 2
	if est > maxSizeEstimate {
		est = maxSizeEstimate
	}
	if est <= 0 {
		est = 1
	}
	return est
}

// Push appends record to the buffer. accepted=false means backpressure: the
// caller must treat this as BufferBackpressure and may await a drain.
func (b *AdaptiveBuffer) Push(record logrecord.Record) (accepted bool, err error) {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return false, ErrClosed
	}

	full := b.isFullLocked()
	if full && b.paused {
		b.mu.Unlock()
		return false, nil
	}

	var forced Batch
	forcedNonEmpty := false
	if full && !b.paused {
		forced = b.evictOldestLocked(0.25)
		forcedNonEmpty = len(forced.Entries) > 0
		b.stats.Fulled++
	}

	size := EstimateSize(record)
	b.nextID++
	b.entries = append(b.entries, Entry{Record: record, SizeEstimate: size, TrackID: b.nextID})
	b.mem += size
	b.stats.Pushed++

	fill := b.fillFractionLocked()
	urgent := false
	if fill > b.cfg.HighFraction && !b.paused {
		b.paused = true
		b.stats.Paused++
		urgent = true
	}
	armNeeded := !b.timerArmed
	b.mu.Unlock()

	if forcedNonEmpty {
		b.dispatchFlush(forced, true)
	}
	if urgent {
		b.armTimer(100 * time.Millisecond)
	} else if armNeeded {
		b.armTimer(b.cfg.FlushInterval)
	}
	return true, nil
}

// isFullLocked reports whether the buffer is at its count or byte ceiling.
// Callers must hold mu.
func (b *AdaptiveBuffer) isFullLocked() bool {
	if b.cfg.MaxCount > 0 && len(b.entries) >= b.cfg.MaxCount {
		return true
	}
	if b.cfg.MaxBytes > 0 && b.mem >= b.cfg.MaxBytes {
		return true
	}
	return false
}

func (b *AdaptiveBuffer) fillFractionLocked() float64 {
	if b.cfg.MaxCount <= 0 {
		return 0
	}
	return float64(len(b.entries)) / float64(b.cfg.MaxCount)
}

// evictOldestLocked removes the oldest frac fraction of entries into a
// forced-flush Batch. Callers must hold mu. Eviction always routes through
// the normal flush callback; records are never dropped silently.
func (b *AdaptiveBuffer) evictOldestLocked(frac float64) Batch {
	n := int(float64(len(b.entries)) * frac)
	if n <= 0 {
		n = 1
	}
	if n > len(b.entries) {
		n = len(b.entries)
	}
	evicted := make([]Entry, n)
	copy(evicted, b.entries[:n])
	for _, e := range evicted {
		b.mem -= e.SizeEstimate
	}
	b.entries = append([]Entry(nil), b.entries[n:]...)
	return Batch{Entries: evicted}
}

// Flush snapshots the buffer into a Batch, empties it, and invokes onFlush
// with the mutex released.
func (b *AdaptiveBuffer) Flush() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	batch := Batch{Entries: b.entries}
	b.entries = nil
	b.mem = 0
	b.timerArmed = false
	b.mu.Unlock()

	return b.dispatchFlush(batch, false)
}

func (b *AdaptiveBuffer) dispatchFlush(batch Batch, forced bool) error {
	if len(batch.Entries) == 0 {
		return nil
	}
	start := time.Now()
	var err error
	if b.onFlush != nil {
		err = b.onFlush(batch)
	}
	dur := time.Since(start)

	b.mu.Lock()
	if forced {
		b.stats.DroppedForcedFlush += uint64(len(batch.Entries))
	} else {
		b.stats.Flushed += uint64(len(batch.Entries))
	}
	b.stats.LastFlushDuration = dur
	b.flushDurations++
	if b.stats.AvgFlushDuration == 0 {
		b.stats.AvgFlushDuration = dur
	} else {
		b.stats.AvgFlushDuration = (b.stats.AvgFlushDuration*time.Duration(b.flushDurations-1) + dur) / time.Duration(b.flushDurations)
	}

	fill := b.fillFractionLocked()
	var fireDrain bool
	if fill < b.cfg.LowFraction && b.paused {
		b.paused = false
		b.stats.Resumed++
		fireDrain = true
	}
	b.mu.Unlock()

	if fireDrain && b.onDrain != nil {
		b.onDrain()
	}
	return err
}

// Clear empties the buffer without invoking onFlush, discarding whatever is
// buffered. Destroy does not use it; Destroy flushes instead.
func (b *AdaptiveBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
	b.mem = 0
}

// Peek returns a read-only snapshot of currently buffered entries.
func (b *AdaptiveBuffer) Peek() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Stats returns a copy of the buffer's observable counters.
func (b *AdaptiveBuffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Paused reports the current backpressure state.
func (b *AdaptiveBuffer) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// MemoryUsage returns the current accounted byte usage.
func (b *AdaptiveBuffer) MemoryUsage() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mem
}

// Len returns the current number of buffered entries.
func (b *AdaptiveBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *AdaptiveBuffer) armTimer(d time.Duration) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.timerArmed = true
	if b.timer == nil {
		b.timer = time.AfterFunc(d, b.onTimerFire)
	} else {
		b.timer.Reset(d)
	}
	b.mu.Unlock()
}

func (b *AdaptiveBuffer) onTimerFire() {
	b.mu.Lock()
	if b.closed || len(b.entries) == 0 {
		b.timerArmed = false
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.Flush()
}

// Destroy stops the flush timer, runs a final flush of whatever is
// buffered, and marks the buffer closed; subsequent Push/Flush calls
// return ErrClosed.
func (b *AdaptiveBuffer) Destroy() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.mu.Unlock()

	_ = b.Flush()

	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}
