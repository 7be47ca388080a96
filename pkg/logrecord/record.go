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

// Package logrecord defines the immutable log record value shared by every
// stage of the audit pipeline.
package logrecord

import (
	"fmt"
	"strings"
	"time"
)

// Level is a severity with a fixed total order where ERROR is the most
// severe (numerically smallest), matching spec.md: ERROR<WARN<INFO<DEBUG.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether l is a member of the enumeration.
func (l Level) Valid() bool {
	return l >= LevelError && l <= LevelDebug
}

// AtLeastSevereAs reports whether l is at least as severe as threshold
// (lower numeric value == more severe).
func (l Level) AtLeastSevereAs(threshold Level) bool {
	return l <= threshold
}

// InvalidRecordError is returned by New when the inputs violate the record's
// invariants. It is never a fatal error for the process: callers reject the
// offending record and continue.
type InvalidRecordError struct {
	Reason string
}

func (e *InvalidRecordError) Error() string { return "invalid log record: " + e.Reason }

// Record is an immutable log record. Construct with New; all fields are
// read-only to callers outside this package.
type Record struct {
	level         Level
	module        string
	message       string
	context       map[string]interface{}
	timestamp     time.Time
	correlationID string
	traceID       string
	spanID        string
	parentSpanID  string
	sequence      uint64
	seqAssigned   bool
}

// IDs carries the optional correlation/trace identifiers a Record may be
// enriched with at construction time. Every field is optional; the zero
// value means "absent".
type IDs struct {
	CorrelationID string
	TraceID       string
	SpanID        string
	ParentSpanID  string
}

// New constructs and validates a Record. context may be nil. now should be
// time.Now in production; callers needing deterministic tests may supply a
// fixed time.
func New(level Level, module, message string, context map[string]interface{}, ids IDs, now time.Time) (Record, error) {
	if !level.Valid() {
		return Record{}, &InvalidRecordError{Reason: fmt.Sprintf("level %d is not a recognized level", int(level))}
	}
	if strings.TrimSpace(module) == "" {
		return Record{}, &InvalidRecordError{Reason: "module must be non-empty"}
	}
	if strings.TrimSpace(message) == "" {
		return Record{}, &InvalidRecordError{Reason: "message must be non-empty"}
	}
	if err := validateContextTree(context, 0); err != nil {
		return Record{}, &InvalidRecordError{Reason: err.Error()}
	}
	return Record{
		level:         level,
		module:        module,
		message:       message,
		context:       context,
		timestamp:     now,
		correlationID: ids.CorrelationID,
		traceID:       ids.TraceID,
		spanID:        ids.SpanID,
		parentSpanID:  ids.ParentSpanID,
	}, nil
}

// validateContextTree rejects values that can never be meaningfully
// serialized (functions, channels). Cycle detection and redaction are the
// Sanitizer's job (internal/sanitize), run later in the pipeline; this pass
// only guards the shape LogRecord promises to its constructor.
func validateContextTree(v interface{}, depth int) error {
	if depth > 64 {
		return fmt.Errorf("context nesting exceeds sanity limit")
	}
	switch t := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, []byte:
		return nil
	case map[string]interface{}:
		for k, vv := range t {
			if err := validateContextTree(vv, depth+1); err != nil {
				return fmt.Errorf("context[%q]: %w", k, err)
			}
		}
		return nil
	case []interface{}:
		for i, vv := range t {
			if err := validateContextTree(vv, depth+1); err != nil {
				return fmt.Errorf("context[%d]: %w", i, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("context value of type %T is not serializable", v)
	}
}

func (r Record) Level() Level             { return r.level }
func (r Record) Module() string           { return r.module }
func (r Record) Message() string          { return r.message }
func (r Record) Timestamp() time.Time     { return r.timestamp }
func (r Record) CorrelationID() string    { return r.correlationID }
func (r Record) TraceID() string          { return r.traceID }
func (r Record) SpanID() string           { return r.spanID }
func (r Record) ParentSpanID() string     { return r.parentSpanID }
func (r Record) Sequence() (uint64, bool) { return r.sequence, r.seqAssigned }

// Context returns the record's context map. Callers must not mutate the
// returned map; WithContext/WithSequence return copies as needed.
func (r Record) Context() map[string]interface{} { return r.context }

// WithContext returns a copy of r with context replaced (used by the
// Sanitizer to install the redacted tree without mutating the input).
func (r Record) WithContext(ctx map[string]interface{}) Record {
	r.context = ctx
	return r
}

// WithSequence returns a copy of r tagged with a BatchSequencer-assigned
// sequence number. Sequence is not part of the record at construction time.
func (r Record) WithSequence(seq uint64) Record {
	r.sequence = seq
	r.seqAssigned = true
	return r
}

// ToDisplayString renders a human-readable line:
// "[timestamp] [module] [LEVEL]: message{context?}"
func (r Record) ToDisplayString() string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(r.timestamp.Format(time.RFC3339))
	b.WriteString("] [")
	b.WriteString(r.module)
	b.WriteString("] [")
	b.WriteString(r.level.String())
	b.WriteString("]: ")
	b.WriteString(r.message)
	if len(r.context) > 0 {
		b.WriteByte(' ')
		fmt.Fprintf(&b, "%v", r.context)
	}
	return b.String()
}

// ToWireObject returns a serialization-ready map suitable for json.Marshal.
func (r Record) ToWireObject() map[string]interface{} {
	w := map[string]interface{}{
		"level":     r.level.String(),
		"module":    r.module,
		"message":   r.message,
		"timestamp": r.timestamp.Format(time.RFC3339Nano),
	}
	if r.context != nil {
		w["context"] = r.context
	}
	if r.correlationID != "" {
		w["correlationId"] = r.correlationID
	}
	if r.traceID != "" {
		w["traceId"] = r.traceID
	}
	if r.spanID != "" {
		w["spanId"] = r.spanID
	}
	if r.parentSpanID != "" {
		w["parentSpanId"] = r.parentSpanID
	}
	if r.seqAssigned {
		w["sequence"] = r.sequence
	}
	return w
}
