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

package auditcore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"auditcore/internal/buffer"
	"auditcore/internal/durable"
	"auditcore/internal/metrics"
	"auditcore/internal/ratelimit"
	"auditcore/internal/reqctx"
	"auditcore/internal/sanitize"
	"auditcore/internal/sequencer"
	"auditcore/internal/sinkrouter"
	"auditcore/internal/sinks"
	"auditcore/pkg/logrecord"
)

// Outcome is the tri-state result of a Logger call, per spec.md §7: for a
// record at or above the effective level, exactly one of Accepted,
// Throttled, or Backpressured is true on success; a record filtered out by
// level returns the zero Outcome. Err is set only for validation or
// lifecycle failures that never reach the pipeline at all.
type Outcome struct {
	Accepted      bool
	Throttled     bool
	Backpressured bool
	Err           error
}

// FlushResult summarizes a Flush call.
type FlushResult struct {
	Drained   bool
	Remaining int
	LastError error
}

// pipeline holds every component a Logger and its WithContext children
// share. Exactly one pipeline backs a family of loggers created from a
// single New call.
type pipeline struct {
	sanitizer *sanitize.Sanitizer
	limiter   *ratelimit.RateLimiter
	buf       *buffer.AdaptiveBuffer
	seq       *sequencer.Sequencer
	router    *sinkrouter.Router
	metrics   *metrics.Metrics
	provider  reqctx.Provider

	netSink  *sinks.NetworkSink
	fileSink *sinks.FileSink

	bufMaxCount   int
	defaultLevel  logrecord.Level
	moduleLevels  map[string]logrecord.Level
	patternLevels []compiledPatternLevel

	lastDLQLen int

	statsStop chan struct{}
	statsDone chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// Logger is the user-facing facade: validates inputs, attaches context, and
// drives the pipeline. New constructs the shared pipeline; WithContext
// returns a lightweight child that appends to every record's context.
type Logger struct {
	p      *pipeline
	module string
	extra  map[string]interface{}
}

// New constructs a Logger bound to module, wiring a fresh RateLimiter,
// AdaptiveBuffer, BatchSequencer, and SinkRouter per cfg. Invalid options
// are reported as *ConfigurationError and nothing is constructed.
func New(module string, cfg Config) (*Logger, error) {
	if strings.TrimSpace(module) == "" {
		return nil, &ConfigurationError{Reason: "module must be non-empty"}
	}
	cfg = cfg.withDefaults()
	cfgErr, patternLevels := cfg.validate()
	if cfgErr != nil {
		return nil, cfgErr
	}

	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	provider := cfg.RequestContext
	if provider == nil {
		provider = reqctx.NoopProvider{}
	}

	router := sinkrouter.New()
	var fileSink *sinks.FileSink
	var netSink *sinks.NetworkSink

	if cfg.Stdout != nil {
		router.Register(sinks.DefaultStdout(*cfg.Stdout))
	}
	if cfg.File != nil {
		fs, err := sinks.NewFileSink(*cfg.File)
		if err != nil {
			return nil, &ConfigurationError{Reason: "file sink: " + err.Error()}
		}
		fileSink = fs
		router.Register(fs)
	}
	if cfg.Network != nil {
		ns, err := sinks.NewNetworkSink(*cfg.Network)
		if err != nil {
			return nil, &ConfigurationError{Reason: "network sink: " + err.Error()}
		}
		netSink = ns
		router.Register(ns)
		if err := ns.RecoverOnStartup(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "auditcore: network sink recovery: %v\n", err)
		}
	}
	if cfg.DurableAdapter != "" {
		ds, err := durable.BuildDurableSink(cfg.DurableAdapter, cfg.DurableOptions)
		if err != nil {
			return nil, &ConfigurationError{Reason: "durable sink: " + err.Error()}
		}
		router.Register(ds)
	}

	limiter := ratelimit.New(cfg.RateLimiter)

	seq := sequencer.New(cfg.Batch, dispatcherFor(router, m))
	seq.Start()

	buf := buffer.New(cfg.Buffer, flushHandlerFor(seq), func() {
		limiter.DrainPriorityQueue(0)
	})

	p := &pipeline{
		sanitizer:     sanitize.New(cfg.Sanitizer),
		limiter:       limiter,
		buf:           buf,
		seq:           seq,
		router:        router,
		metrics:       m,
		provider:      provider,
		netSink:       netSink,
		fileSink:      fileSink,
		bufMaxCount:   cfg.Buffer.MaxCount,
		defaultLevel:  *cfg.DefaultLevel,
		moduleLevels:  cfg.ModuleLevels,
		patternLevels: patternLevels,
		statsStop:     make(chan struct{}),
		statsDone:     make(chan struct{}),
	}
	go p.statsLoop()

	return &Logger{p: p, module: module}, nil
}

// dispatcherFor adapts a Router into a sequencer.Dispatcher, classifying an
// all-permanent DispatchError as non-retryable and recording per-sink and
// per-batch outcomes along the way.
func dispatcherFor(router *sinkrouter.Router, m *metrics.Metrics) sequencer.Dispatcher {
	return func(ctx context.Context, records []logrecord.Record) error {
		start := time.Now()
		err := router.Dispatch(ctx, records)
		m.ObserveDispatchDuration(time.Since(start))

		var derr *sinkrouter.DispatchError
		if errors.As(err, &derr) {
			for _, name := range router.Sinks() {
				_, failed := derr.Failures[name]
				m.RecordSinkWrite(name, !failed)
			}
			m.RecordBatchRetry()
			if allPermanent(derr) {
				return &sequencer.PermanentError{Err: err}
			}
			return err
		}

		for _, name := range router.Sinks() {
			m.RecordSinkWrite(name, true)
		}
		m.RecordBatchSuccess()
		return nil
	}
}

// allPermanent reports whether every sink failure in derr is a
// *sinks.PermanentHTTPError, meaning batch-level retry would never help.
func allPermanent(derr *sinkrouter.DispatchError) bool {
	if len(derr.Failures) == 0 {
		return false
	}
	for _, err := range derr.Failures {
		var perm *sinks.PermanentHTTPError
		if !errors.As(err, &perm) {
			return false
		}
	}
	return true
}

func flushHandlerFor(seq *sequencer.Sequencer) func(buffer.Batch) error {
	return func(b buffer.Batch) error {
		records := make([]logrecord.Record, len(b.Entries))
		for i, e := range b.Entries {
			records[i] = e.Record
		}
		seq.Enqueue(records)
		return nil
	}
}

// statsLoop periodically samples gauges that have no natural event to hang
// off of (queue depths, breaker state), mirroring the teacher's ticker-driven
// background workers.
func (p *pipeline) statsLoop() {
	defer close(p.statsDone)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.statsStop:
			return
		case <-ticker.C:
			p.sampleStats()
		}
	}
}

func (p *pipeline) sampleStats() {
	dlqLen := p.seq.DLQLen()
	for i := p.lastDLQLen; i < dlqLen; i++ {
		p.metrics.RecordBatchDLQ()
	}
	p.lastDLQLen = dlqLen
	p.metrics.SetDLQDepth(dlqLen)
	if p.bufMaxCount > 0 {
		fill := float64(p.buf.Len()) / float64(p.bufMaxCount)
		p.metrics.SetBufferFillFraction(fill)
		p.limiter.Adjust(fill)
	}
	if p.netSink != nil {
		p.metrics.SetPersistentQueueDepth(p.netSink.PersistentQueueDepth())
		p.metrics.SetCircuitBreakerState("network", convertCircuitState(p.netSink.CircuitState()))
	}
}

func convertCircuitState(s sinks.CircuitState) metrics.CircuitState {
	switch s {
	case sinks.CircuitOpen:
		return metrics.CircuitOpen
	case sinks.CircuitHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}

func (p *pipeline) effectiveLevel(module string) logrecord.Level {
	if lvl, ok := p.moduleLevels[module]; ok {
		return lvl
	}
	for _, pl := range p.patternLevels {
		if pl.re.MatchString(module) {
			return pl.level
		}
	}
	return p.defaultLevel
}

func mergeContext(extra, ctx map[string]interface{}) map[string]interface{} {
	if len(extra) == 0 && len(ctx) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(extra)+len(ctx))
	for k, v := range extra {
		out[k] = v
	}
	for k, v := range ctx {
		out[k] = v
	}
	return out
}

// WithContext returns a child logger that appends key/value to every
// record's context on top of whatever this logger already appends.
func (l *Logger) WithContext(key string, value interface{}) *Logger {
	merged := make(map[string]interface{}, len(l.extra)+1)
	for k, v := range l.extra {
		merged[k] = v
	}
	merged[key] = value
	return &Logger{p: l.p, module: l.module, extra: merged}
}

// Log admits, sanitizes, and buffers message at level, per spec.md §4.11.
func (l *Logger) Log(level logrecord.Level, message string, context map[string]interface{}) Outcome {
	if l.p.closed.Load() {
		return Outcome{Err: ErrPipelineClosed}
	}
	threshold := l.p.effectiveLevel(l.module)
	if !level.AtLeastSevereAs(threshold) {
		return Outcome{}
	}

	merged := mergeContext(l.extra, context)
	ids := l.p.provider.Resolve()
	rec, err := logrecord.New(level, l.module, message, merged, ids, time.Now())
	if err != nil {
		return Outcome{Err: err}
	}
	l.p.metrics.RecordIngested()

	isErrorOrWarn := level == logrecord.LevelError || level == logrecord.LevelWarn
	severity := ratelimit.SeverityWarn
	if level == logrecord.LevelError {
		severity = ratelimit.SeverityError
	}
	admit := l.p.limiter.Admit(l.module, severity, isErrorOrWarn)
	if !admit.Admitted {
		l.p.metrics.RecordThrottled()
		return Outcome{Throttled: true}
	}
	l.p.metrics.RecordAdmitted()

	sanitized := l.p.sanitizer.Sanitize(rec.Context())
	rec = rec.WithContext(sanitized)
	l.p.metrics.RecordSanitized()

	accepted, err := l.p.buf.Push(rec)
	if err != nil {
		if errors.Is(err, buffer.ErrClosed) {
			return Outcome{Err: ErrPipelineClosed}
		}
		return Outcome{Err: err}
	}
	if !accepted {
		l.p.metrics.RecordBackpressured()
		return Outcome{Backpressured: true}
	}
	return Outcome{Accepted: true}
}

func (l *Logger) Debug(message string, context map[string]interface{}) Outcome {
	return l.Log(logrecord.LevelDebug, message, context)
}

func (l *Logger) Info(message string, context map[string]interface{}) Outcome {
	return l.Log(logrecord.LevelInfo, message, context)
}

func (l *Logger) Warn(message string, context map[string]interface{}) Outcome {
	return l.Log(logrecord.LevelWarn, message, context)
}

func (l *Logger) Error(message string, context map[string]interface{}) Outcome {
	return l.Log(logrecord.LevelError, message, context)
}

// Flush blocks until the buffer and BatchSequencer have no pending work, or
// until deadline elapses (deadline <= 0 means wait indefinitely).
func (l *Logger) Flush(deadline time.Duration) FlushResult {
	_ = l.p.buf.Flush()

	const pollInterval = 2 * time.Millisecond
	start := time.Now()
	for {
		if l.p.buf.Len() == 0 && l.p.seq.Idle() {
			return FlushResult{Drained: true, LastError: l.p.seq.LastError()}
		}
		if deadline > 0 && time.Since(start) >= deadline {
			return FlushResult{
				Drained:   false,
				Remaining: l.p.buf.Len() + l.p.seq.PendingLen(),
				LastError: l.p.seq.LastError(),
			}
		}
		time.Sleep(pollInterval)
	}
}

// Close runs the graceful shutdown sequence from spec.md §5: stop accepting
// new logs, final-flush the buffer, drain the sequencer (which waits for
// any in-flight sink write to finish), then close FileSink's streams.
// Safe to call more than once; only the first call does any work.
func (l *Logger) Close() error {
	var closeErr error
	l.p.closeOnce.Do(func() {
		l.p.closed.Store(true)

		l.p.buf.Destroy()

		l.p.seq.Stop()

		close(l.p.statsStop)
		<-l.p.statsDone

		if l.p.fileSink != nil {
			if err := l.p.fileSink.Close(); err != nil {
				closeErr = err
			}
		}
		if err := l.p.metrics.Shutdown(); err != nil && closeErr == nil {
			closeErr = err
		}
	})
	return closeErr
}

// Metrics returns the snapshot of every stage's counters.
func (l *Logger) Metrics() metrics.Snapshot { return l.p.metrics.Snapshot() }
