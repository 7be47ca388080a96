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
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisEvaler abstracts the minimal surface NetworkSink needs from a Redis
// client so tests (and demos without a real Redis) can supply a stub.
type RedisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// deliveryMarkerScript sets a delivered:<batchId> marker exactly once; a
// second SETNX for the same batch is a no-op, giving NetworkSink delivery
// idempotency even if a retry races a success that already landed.
const deliveryMarkerScript = `
local marker = KEYS[1]
local ttlSeconds = tonumber(ARGV[1])
local set = redis.call('SETNX', marker, 1)
if set == 1 then
  if ttlSeconds and ttlSeconds > 0 then
    redis.call('EXPIRE', marker, ttlSeconds)
  end
  return 1
else
  return 0
end
`

func deliveryMarkerKey(batchID string) string { return fmt.Sprintf("delivered:%s", batchID) }

// IdempotencyMarker records batch delivery exactly once using a Redis
// SETNX-then-expire marker, adapted from the ratelimiter's commit-marker
// pattern but keyed by delivery rather than commit.
type IdempotencyMarker struct {
	client    RedisEvaler
	markerTTL time.Duration
}

// NewIdempotencyMarker constructs a marker store. markerTTL bounds marker
// growth; it should comfortably exceed the longest plausible retry window.
func NewIdempotencyMarker(client RedisEvaler, markerTTL time.Duration) *IdempotencyMarker {
	if markerTTL <= 0 {
		markerTTL = 24 * time.Hour
	}
	return &IdempotencyMarker{client: client, markerTTL: markerTTL}
}

// MarkDelivered returns true if this call is the first to mark batchID
// delivered, false if a previous call already did.
func (m *IdempotencyMarker) MarkDelivered(ctx context.Context, batchID string) (firstDelivery bool, err error) {
	res, err := m.client.Eval(ctx, deliveryMarkerScript, []string{deliveryMarkerKey(batchID)}, int(m.markerTTL.Seconds()))
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// LoggingRedisEvaler is a demo stand-in that logs instead of talking to a
// real Redis; it lets NetworkSink be wired with idempotency enabled even
// when no Redis instance is available. Not for production use.
type LoggingRedisEvaler struct{}

func (LoggingRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	fmt.Printf("[redis-demo] EVAL script(len=%d) KEYS=%v ARGS=%v\n", len(script), keys, args)
	return int64(1), nil
}

// GoRedisEvaler wraps a real github.com/redis/go-redis/v9 client.
type GoRedisEvaler struct{ c *redis.Client }

// NewGoRedisEvaler constructs a client against addr, e.g. "127.0.0.1:6379".
func NewGoRedisEvaler(addr string) *GoRedisEvaler {
	return &GoRedisEvaler{c: redis.NewClient(&redis.Options{Addr: addr})}
}

func (g *GoRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return g.c.Eval(ctx, script, keys, args...).Result()
}
