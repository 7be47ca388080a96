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

// Package metrics is the pipeline's C12 component: thread-safe counters
// and gauges for every stage, snapshottable into an immutable report, and
// optionally exported over Prometheus.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	recordsIngestedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auditcore_records_ingested_total",
		Help: "Total records accepted into Logger.log before admission control.",
	})
	recordsAdmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auditcore_records_admitted_total",
		Help: "Total records that passed RateLimiter admission.",
	})
	recordsThrottledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auditcore_records_throttled_total",
		Help: "Total records denied by RateLimiter (deferred or dropped).",
	})
	recordsBackpressuredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auditcore_records_backpressured_total",
		Help: "Total records rejected by AdaptiveBuffer while paused.",
	})
	recordsSanitizedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auditcore_records_sanitized_total",
		Help: "Total records that passed through the Sanitizer.",
	})

	bufferFillFraction = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "auditcore_buffer_fill_fraction",
		Help: "AdaptiveBuffer's current fill fraction in [0,1].",
	})
	bufferPausedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auditcore_buffer_paused_total",
		Help: "Total times AdaptiveBuffer entered the paused state.",
	})
	bufferResumedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auditcore_buffer_resumed_total",
		Help: "Total times AdaptiveBuffer resumed from paused.",
	})

	batchDispatchSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "auditcore_batch_dispatch_seconds",
		Help:    "Latency of a BatchSequencer dispatch attempt.",
		Buckets: prometheus.DefBuckets,
	})
	batchOutcomeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auditcore_batch_outcome_total",
		Help: "Batch dispatch outcomes by result (success, retry, dlq).",
	}, []string{"outcome"})

	sinkWriteTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auditcore_sink_write_total",
		Help: "Sink write attempts by sink name and result (success, failure).",
	}, []string{"sink", "result"})
	circuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "auditcore_circuit_breaker_state",
		Help: "Circuit breaker state per sink: 0=closed, 1=half_open, 2=open.",
	}, []string{"sink"})

	dlqDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "auditcore_dlq_depth",
		Help: "Current BatchSequencer dead-letter queue depth.",
	})
	persistentQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "auditcore_persistent_queue_depth",
		Help: "Current NetworkSink on-disk persistent queue depth.",
	})
)

func init() {
	prometheus.MustRegister(
		recordsIngestedTotal, recordsAdmittedTotal, recordsThrottledTotal,
		recordsBackpressuredTotal, recordsSanitizedTotal,
		bufferFillFraction, bufferPausedTotal, bufferResumedTotal,
		batchDispatchSeconds, batchOutcomeTotal,
		sinkWriteTotal, circuitBreakerState,
		dlqDepth, persistentQueueDepth,
	)
}

// Snapshot is an immutable point-in-time report built entirely from
// atomic loads, matching spec §4.12's "no mutable shared state exposed."
type Snapshot struct {
	RecordsIngested      int64
	RecordsAdmitted      int64
	RecordsThrottled     int64
	RecordsBackpressured int64
	RecordsSanitized     int64
	BufferPauseCount     int64
	BufferResumeCount    int64
	BatchSuccessCount    int64
	BatchRetryCount      int64
	BatchDLQCount        int64
	TakenAt              time.Time
}

// Metrics is the pipeline-wide C12 component. All fields are either
// lock-free atomics or striped counters; reads never block writers.
type Metrics struct {
	recordsIngested      *stripedCounter
	recordsAdmitted      *stripedCounter
	recordsThrottled     atomic.Int64
	recordsBackpressured atomic.Int64
	recordsSanitized     atomic.Int64

	bufferPauseCount  atomic.Int64
	bufferResumeCount atomic.Int64

	batchSuccessCount atomic.Int64
	batchRetryCount   atomic.Int64
	batchDLQCount     atomic.Int64

	server *http.Server
}

// New constructs a Metrics instance. Prometheus instruments are package-
// level and registered once at init, matching the teacher's
// telemetry/churn pattern; New only owns this process's atomics.
func New() *Metrics {
	return &Metrics{
		recordsIngested: newStripedCounter(),
		recordsAdmitted: newStripedCounter(),
	}
}

// StartMetricsEndpoint exposes /metrics on addr in a background goroutine,
// mirroring the teacher's churn.startMetricsEndpoint. Safe to call at most
// once per Metrics instance.
func (m *Metrics) StartMetricsEndpoint(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	m.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = m.server.ListenAndServe()
	}()
}

// Shutdown stops the /metrics endpoint, if one was started.
func (m *Metrics) Shutdown() error {
	if m.server == nil {
		return nil
	}
	return m.server.Close()
}

func (m *Metrics) RecordIngested() {
	m.recordsIngested.Add(1)
	recordsIngestedTotal.Inc()
}

func (m *Metrics) RecordAdmitted() {
	m.recordsAdmitted.Add(1)
	recordsAdmittedTotal.Inc()
}

func (m *Metrics) RecordThrottled() {
	m.recordsThrottled.Add(1)
	recordsThrottledTotal.Inc()
}

func (m *Metrics) RecordBackpressured() {
	m.recordsBackpressured.Add(1)
	recordsBackpressuredTotal.Inc()
}

func (m *Metrics) RecordSanitized() {
	m.recordsSanitized.Add(1)
	recordsSanitizedTotal.Inc()
}

func (m *Metrics) SetBufferFillFraction(frac float64) {
	bufferFillFraction.Set(frac)
}

func (m *Metrics) RecordBufferPaused() {
	m.bufferPauseCount.Add(1)
	bufferPausedTotal.Inc()
}

func (m *Metrics) RecordBufferResumed() {
	m.bufferResumeCount.Add(1)
	bufferResumedTotal.Inc()
}

func (m *Metrics) ObserveDispatchDuration(d time.Duration) {
	batchDispatchSeconds.Observe(d.Seconds())
}

func (m *Metrics) RecordBatchSuccess() {
	m.batchSuccessCount.Add(1)
	batchOutcomeTotal.WithLabelValues("success").Inc()
}

func (m *Metrics) RecordBatchRetry() {
	m.batchRetryCount.Add(1)
	batchOutcomeTotal.WithLabelValues("retry").Inc()
}

func (m *Metrics) RecordBatchDLQ() {
	m.batchDLQCount.Add(1)
	batchOutcomeTotal.WithLabelValues("dlq").Inc()
}

func (m *Metrics) RecordSinkWrite(sink string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	sinkWriteTotal.WithLabelValues(sink, result).Inc()
}

// CircuitState mirrors sinks.CircuitState's three values without importing
// the sinks package, keeping metrics dependency-free of the pipeline it
// observes.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (m *Metrics) SetCircuitBreakerState(sink string, state CircuitState) {
	v := 0.0
	switch state {
	case CircuitHalfOpen:
		v = 1
	case CircuitOpen:
		v = 2
	}
	circuitBreakerState.WithLabelValues(sink).Set(v)
}

func (m *Metrics) SetDLQDepth(n int) {
	dlqDepth.Set(float64(n))
}

func (m *Metrics) SetPersistentQueueDepth(n int) {
	persistentQueueDepth.Set(float64(n))
}

// Snapshot returns an immutable, atomically-built report.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		RecordsIngested:      m.recordsIngested.Load(),
		RecordsAdmitted:      m.recordsAdmitted.Load(),
		RecordsThrottled:     m.recordsThrottled.Load(),
		RecordsBackpressured: m.recordsBackpressured.Load(),
		RecordsSanitized:     m.recordsSanitized.Load(),
		BufferPauseCount:     m.bufferPauseCount.Load(),
		BufferResumeCount:    m.bufferResumeCount.Load(),
		BatchSuccessCount:    m.batchSuccessCount.Load(),
		BatchRetryCount:      m.batchRetryCount.Load(),
		BatchDLQCount:        m.batchDLQCount.Load(),
		TakenAt:              time.Now(),
	}
}
