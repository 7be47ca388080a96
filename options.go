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
	"regexp"
	"strings"

	"auditcore/internal/buffer"
	"auditcore/internal/durable"
	"auditcore/internal/metrics"
	"auditcore/internal/ratelimit"
	"auditcore/internal/reqctx"
	"auditcore/internal/sanitize"
	"auditcore/internal/sequencer"
	"auditcore/internal/sinks"
	"auditcore/pkg/logrecord"
)

// PatternLevel maps a module pattern, compiled as a Go regular expression
// (not a glob), to a minimum level, the `logger.patternLevels`
// configuration option.
type PatternLevel struct {
	Pattern string
	Level   logrecord.Level
}

// Config enumerates every recognized option (spec.md §6: "no others").
// Nil sink sub-configs disable that sink entirely.
type Config struct {
	RateLimiter ratelimit.Config
	Buffer      buffer.Config
	Batch       sequencer.Config
	Sanitizer   sanitize.Options

	Stdout  *sinks.StdoutConfig
	File    *sinks.FileConfig
	Network *sinks.NetworkConfig

	// DurableAdapter selects the supplemented DurableSink's backend
	// ("", "mock", "redis", "kafka", "postgres"); "" disables it.
	DurableAdapter string
	DurableOptions durable.Options

	// DefaultLevel is the minimum level admitted when a module has no
	// ModuleLevels or PatternLevels match. Nil defaults to LevelInfo; a
	// plain logrecord.Level can't represent "unset" since its zero value
	// (LevelError) is itself a legitimate, more restrictive choice.
	DefaultLevel  *logrecord.Level
	ModuleLevels  map[string]logrecord.Level
	PatternLevels []PatternLevel

	// RequestContext supplies correlation/trace IDs per record. Defaults to
	// reqctx.NoopProvider when nil.
	RequestContext reqctx.Provider

	// Metrics is shared across every component this Logger constructs.
	// Defaults to a fresh metrics.New() when nil.
	Metrics *metrics.Metrics
}

// withDefaults fills in a bare Config the way a zero-value Logger is
// expected to behave: stdout-only output, global token bucket wide open.
func (c Config) withDefaults() Config {
	if c.RateLimiter.GlobalCapacity <= 0 && c.RateLimiter.GlobalRefillRate <= 0 {
		// Both unset means the caller never configured admission control at
		// all; a zero-capacity bucket would otherwise silently deny every
		// record. A caller that sets GlobalCapacity with a zero refill rate
		// on purpose (e.g. to exercise throttling) is left alone.
		c.RateLimiter.GlobalCapacity = 10000
		c.RateLimiter.GlobalRefillRate = 10000
	}
	if c.Stdout == nil && c.File == nil && c.Network == nil {
		c.Stdout = &sinks.StdoutConfig{Color: sinks.ColorAuto}
	}
	if c.DefaultLevel == nil {
		lvl := logrecord.LevelInfo
		c.DefaultLevel = &lvl
	}
	return c
}

type compiledPatternLevel struct {
	re    *regexp.Regexp
	level logrecord.Level
}

// validate rejects a Config that would leave the Logger unable to do
// anything useful or that otherwise violates spec.md §6's option contract.
// Failures here are reported as *ConfigurationError, never as a panic.
func (c Config) validate() (*ConfigurationError, []compiledPatternLevel) {
	if c.DefaultLevel == nil || !c.DefaultLevel.Valid() {
		return &ConfigurationError{Reason: "logger.defaultLevel is not a recognized level"}, nil
	}
	for module, lvl := range c.ModuleLevels {
		if !lvl.Valid() {
			return &ConfigurationError{Reason: "logger.moduleLevels[" + module + "] is not a recognized level"}, nil
		}
	}
	if c.Network != nil && strings.TrimSpace(c.Network.Endpoint) == "" {
		return &ConfigurationError{Reason: "network.endpoint must be set when network is configured"}, nil
	}
	if c.File != nil && strings.TrimSpace(c.File.Dir) == "" {
		return &ConfigurationError{Reason: "file.dir must be set when file is configured"}, nil
	}
	if c.Stdout == nil && c.File == nil && c.Network == nil {
		return &ConfigurationError{Reason: "at least one of stdout, file, or network must be configured"}, nil
	}

	compiled := make([]compiledPatternLevel, 0, len(c.PatternLevels))
	for _, pl := range c.PatternLevels {
		if !pl.Level.Valid() {
			return &ConfigurationError{Reason: "logger.patternLevels[" + pl.Pattern + "] is not a recognized level"}, nil
		}
		re, err := regexp.Compile(pl.Pattern)
		if err != nil {
			return &ConfigurationError{Reason: "logger.patternLevels[" + pl.Pattern + "]: " + err.Error()}, nil
		}
		compiled = append(compiled, compiledPatternLevel{re: re, level: pl.Level})
	}
	return nil, compiled
}
