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
)

// RedisEvaler abstracts the minimal surface needed from a Redis client.
// Implementations may wrap github.com/redis/go-redis/v9 (Cmdable.Eval) or
// any equivalent scripting client.
type RedisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// RedisStore archives records idempotently using a Lua script:
//  1. SETNX archived:<module>:<deliveryId> 1
//  2. If set -> RPUSH archive:<module> payload
//  3. EXPIRE the marker for leak protection
//
// If SETNX fails (already archived), the script is a no-op.
type RedisStore struct {
	client    RedisEvaler
	markerTTL time.Duration
}

// NewRedisStore returns a store with the given client and marker TTL.
// markerTTL guards against unbounded growth of archive markers; choose a
// duration comfortably larger than the maximum retry window.
func NewRedisStore(client RedisEvaler, markerTTL time.Duration) *RedisStore {
	if markerTTL <= 0 {
		markerTTL = 24 * time.Hour
	}
	return &RedisStore{client: client, markerTTL: markerTTL}
}

// redisArchiveScript performs the idempotent archive write. Returns 1 if
// applied, 0 if already applied.
const redisArchiveScript = `
local listKey = KEYS[1]
local markerKey = KEYS[2]
local payload = ARGV[1]
local ttlSeconds = tonumber(ARGV[2])
local set = redis.call('SETNX', markerKey, 1)
if set == 1 then
  redis.call('RPUSH', listKey, payload)
  if ttlSeconds and ttlSeconds > 0 then
    redis.call('EXPIRE', markerKey, ttlSeconds)
  end
  return 1
else
  return 0
end
`

func redisArchiveListKey(module string) string { return fmt.Sprintf("archive:%s", module) }
func redisArchiveMarkerKey(module, deliveryID string) string {
	return fmt.Sprintf("archived:%s:%s", module, deliveryID)
}

// ArchiveBatch archives entries using one EVAL per record to keep each
// record's idempotency marker independent.
func (r *RedisStore) ArchiveBatch(ctx context.Context, records []DeliveryRecord) error {
	if len(records) == 0 {
		return nil
	}
	for _, rec := range records {
		if rec.DeliveryID == "" {
			return errors.New("DeliveryRecord.DeliveryID must be set")
		}
		keys := []string{redisArchiveListKey(rec.Module), redisArchiveMarkerKey(rec.Module, rec.DeliveryID)}
		args := []interface{}{string(rec.Payload), int(r.markerTTL.Seconds())}
		if _, err := r.client.Eval(ctx, redisArchiveScript, keys, args...); err != nil {
			return fmt.Errorf("redis eval module=%s delivery=%s: %w", rec.Module, rec.DeliveryID, err)
		}
	}
	return nil
}
