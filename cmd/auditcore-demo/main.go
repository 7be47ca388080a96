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

// Package main wires the full audit logging pipeline end to end: Logger,
// RateLimiter, AdaptiveBuffer, BatchSequencer, and SinkRouter fanning out to
// stdout, file, network, and durable-archive sinks, with flag-configured
// knobs and a graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"auditcore"
	"auditcore/internal/buffer"
	"auditcore/internal/durable"
	"auditcore/internal/metrics"
	"auditcore/internal/ratelimit"
	"auditcore/internal/sequencer"
	"auditcore/internal/sinks"
	"auditcore/pkg/logrecord"
)

func main() {
	// --- What this is ---
	// A runnable demo of the audit logging pipeline: every Log call is
	// admission-controlled, sanitized, buffered, batched, and fanned out to
	// whichever sinks are enabled below. Run it, then watch the emitted
	// lines on stdout (and, if --file_dir is set, under that directory).

	module := flag.String("module", "demo", "module name every emitted record is tagged with")
	rateCapacity := flag.Float64("rate_capacity", 500, "global token bucket capacity (scalar S)")
	rateRefill := flag.Float64("rate_refill", 200, "global token bucket refill rate, tokens/sec")
	adaptiveRate := flag.Bool("adaptive_rate", true, "scale refill rate down under load pressure")

	bufMaxCount := flag.Int("buffer_max_count", 200, "AdaptiveBuffer high-water mark by record count")
	bufMaxBytes := flag.Int("buffer_max_bytes", 1<<20, "AdaptiveBuffer high-water mark by byte size")
	bufFlushInterval := flag.Duration("buffer_flush_interval", 250*time.Millisecond, "AdaptiveBuffer time-based flush interval")

	batchMaxRetries := flag.Int("batch_max_retries", 5, "BatchSequencer max retries before dead-lettering")
	batchDispatchTimeout := flag.Duration("batch_dispatch_timeout", 5*time.Second, "per-batch dispatch timeout")

	stdoutEnabled := flag.Bool("stdout", true, "enable the stdout sink")
	fileDir := flag.String("file_dir", "", "enable the file sink, writing JSONL under this directory")
	networkEndpoint := flag.String("network_endpoint", "", "enable the network sink, POSTing batches to this endpoint")
	durableAdapter := flag.String("durable_adapter", "", "enable the durable-archive sink (\"mock\", \"redis\", \"kafka\")")
	redisAddr := flag.String("durable_redis_addr", "", "redis address for durable_adapter=redis; empty logs instead of dialing")

	metricsAddr := flag.String("metrics_addr", "", "if non-empty, expose Prometheus /metrics on this address (e.g. :9090)")

	generate := flag.Bool("generate", true, "emit a synthetic stream of log records until interrupted")
	generateInterval := flag.Duration("generate_interval", 50*time.Millisecond, "interval between synthetic records when --generate is set")
	flag.Parse()

	m := metrics.New()
	if *metricsAddr != "" {
		m.StartMetricsEndpoint(*metricsAddr)
		fmt.Printf("Prometheus metrics listening on %s\n", *metricsAddr)
	}

	cfg := auditcore.Config{
		RateLimiter: ratelimit.Config{
			GlobalCapacity:   *rateCapacity,
			GlobalRefillRate: *rateRefill,
			Adaptive:         *adaptiveRate,
			Thresholds:       ratelimit.DefaultThresholds(),
		},
		Buffer: buffer.Config{
			MaxCount:      *bufMaxCount,
			MaxBytes:      *bufMaxBytes,
			FlushInterval: *bufFlushInterval,
		},
		Batch: sequencer.Config{
			MaxRetries:      *batchMaxRetries,
			DispatchTimeout: *batchDispatchTimeout,
			ReplayEnabled:   true,
		},
		DurableAdapter: *durableAdapter,
		DurableOptions: durable.Options{RedisAddr: *redisAddr},
		Metrics:        m,
	}
	if *stdoutEnabled {
		cfg.Stdout = &sinks.StdoutConfig{Color: sinks.ColorAuto}
	}
	if *fileDir != "" {
		cfg.File = &sinks.FileConfig{Dir: *fileDir}
	}
	if *networkEndpoint != "" {
		cfg.Network = &sinks.NetworkConfig{
			Endpoint:          *networkEndpoint,
			PerRequestTimeout: 3 * time.Second,
			Attempts:          3,
			Breaker:           sinks.CircuitBreakerConfig{FailureThreshold: 5, ResetTimeout: 10 * time.Second},
			PersistentDir:     "./auditcore-demo-queue",
		}
	}

	logger, err := auditcore.New(*module, cfg)
	if err != nil {
		log.Fatalf("auditcore.New: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	genStop := make(chan struct{})
	genDone := make(chan struct{})
	if *generate {
		go runGenerator(logger, *generateInterval, genStop, genDone)
	} else {
		close(genDone)
	}

	<-stop
	fmt.Println("\nShutting down...")
	close(genStop)
	<-genDone

	res := logger.Flush(5 * time.Second)
	fmt.Printf("final flush: drained=%v remaining=%d lastError=%v\n", res.Drained, res.Remaining, res.LastError)

	if err := logger.Close(); err != nil {
		log.Fatalf("logger.Close: %v", err)
	}
	fmt.Println("stopped.")
}

var sampleMessages = []struct {
	level   logrecord.Level
	message string
}{
	{logrecord.LevelInfo, "request handled"},
	{logrecord.LevelInfo, "cache warmed"},
	{logrecord.LevelWarn, "slow downstream response"},
	{logrecord.LevelError, "downstream timeout"},
	{logrecord.LevelDebug, "candidate set computed"},
}

// runGenerator emits a steady synthetic stream until stop is closed, then
// signals genDone so main can proceed to a clean flush and shutdown.
func runGenerator(logger *auditcore.Logger, interval time.Duration, stop <-chan struct{}, genDone chan<- struct{}) {
	defer close(genDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	i := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s := sampleMessages[rand.Intn(len(sampleMessages))]
			logger.Log(s.level, s.message, map[string]interface{}{
				"seq":       i,
				"requestId": fmt.Sprintf("req-%d", i),
			})
			i++
		}
	}
}
