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
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// KafkaProducer is a minimal abstraction over a Kafka client.
// Implementations should enable idempotent production and, ideally,
// transactions if the topology requires atomic multi-message writes.
//
// Requirements:
//   - Idempotent producer ON (enable.idempotence=true)
//   - Use DeliveryID as the Kafka message key so broker dedup and per-key
//     ordering are preserved
//   - Acks=all is recommended
//
// No specific Kafka library is imported here by design.
type KafkaProducer interface {
	Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// KafkaStore publishes archived records as Kafka messages, delegating
// materialization to downstream consumers. Idempotency comes from:
//   - producer retries deduplicated by the broker when idempotence is
//     enabled
//   - consumers tracking the last applied DeliveryID per module and
//     ignoring duplicates
type KafkaStore struct {
	producer       KafkaProducer
	topic          string
	defaultTimeout time.Duration
}

func NewKafkaStore(p KafkaProducer, topic string) *KafkaStore {
	return &KafkaStore{producer: p, topic: topic, defaultTimeout: 10 * time.Second}
}

// archiveMessage is the serialized payload sent to Kafka. Message key:
// DeliveryID (bytes); Payload carries the sanitized record JSON verbatim.
type archiveMessage struct {
	Module      string `json:"module"`
	Payload     []byte `json:"payload"`
	DeliveryID  string `json:"delivery_id"`
	SequenceNum uint64 `json:"sequence_num"`
	TsUnixMs    int64  `json:"ts_unix_ms"`
}

func (k *KafkaStore) ArchiveBatch(ctx context.Context, records []DeliveryRecord) error {
	if len(records) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && k.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.defaultTimeout)
		defer cancel()
	}
	nowMs := time.Now().UnixMilli()
	for _, rec := range records {
		if rec.DeliveryID == "" {
			return errors.New("DeliveryRecord.DeliveryID must be set")
		}
		msg := archiveMessage{
			Module:      rec.Module,
			Payload:     rec.Payload,
			DeliveryID:  rec.DeliveryID,
			SequenceNum: rec.SequenceNum,
			TsUnixMs:    nowMs,
		}
		b, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal kafka message: %w", err)
		}
		headers := map[string]string{"content-type": "application/json"}
		if err := k.producer.Produce(ctx, k.topic, []byte(rec.DeliveryID), b, headers); err != nil {
			return fmt.Errorf("kafka produce module=%s delivery=%s: %w", rec.Module, rec.DeliveryID, err)
		}
	}
	return nil
}
