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

package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"auditcore/internal/sinkrouter"
)

// mockStore archives nothing; used when no real durable backend is
// configured but a DurableSink slot is still wanted for wiring symmetry
// in the demo.
type mockStore struct{}

func (mockStore) ArchiveBatch(ctx context.Context, records []DeliveryRecord) error { return nil }

// BuildDurableSink constructs a DurableSink for the demo based on a string
// selector. Supported adapters:
//   - "mock": no-op archive (default)
//   - "redis": idempotent Redis adapter, real client if opts.RedisAddr is
//     set, otherwise a logging client
//   - "kafka": idempotent Kafka adapter using a logging producer (no
//     broker)
//   - "postgres": not wired for the demo (returns an error to avoid hidden
//     nil *sql.DB usage)
//
// This mirrors the teacher's persistence.BuildPersister selector shape:
// the point is to let an operator try adapters without standing up real
// infrastructure; production callers should construct and wire a real
// client directly.
func BuildDurableSink(adapter string, opts Options) (sinkrouter.Sink, error) {
	switch adapter {
	case "", "mock":
		return NewSink("durable-mock", mockStore{}), nil
	case "redis":
		ttl := opts.RedisMarkerTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		var evaler RedisEvaler
		if opts.RedisAddr != "" {
			evaler = NewGoRedisEvaler(opts.RedisAddr)
		} else {
			evaler = LoggingRedisEvaler{}
		}
		return NewSink("durable-redis", NewRedisStore(evaler, ttl)), nil
	case "kafka":
		topic := opts.KafkaTopic
		if topic == "" {
			topic = "auditcore-archive"
		}
		return NewSink("durable-kafka", NewKafkaStore(LoggingKafkaProducer{}, topic)), nil
	case "postgres":
		return nil, errors.New("postgres adapter is not enabled in the demo build; wire a real *sql.DB and create the archived_records table")
	default:
		return nil, fmt.Errorf("unknown durable adapter: %s", adapter)
	}
}
