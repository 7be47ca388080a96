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

// Package durable provides idempotent long-term archive adapters for
// Postgres, Redis, and Kafka.
//
// Each adapter implements a common DeliveryRecord shape carrying an
// idempotency key (deliveryId) so that if a record is archived twice
// (crash, retry, duplicate batch replay), applying it again is a no-op.
package durable

import "context"

// DeliveryRecord is the adapter-facing shape for one archived log record.
//
// Fields:
//   - Module: the producing module, used for partitioning/indexing.
//   - Payload: the record's wire-format JSON, already sanitized.
//   - DeliveryID: globally unique idempotency key for this archive write.
//     Re-using the same id for a retried write makes the operation
//     idempotent.
//   - SequenceNum: the batch sequence number the record was delivered
//     under, retained for audit ordering.
//
// DeliveryID generation is the caller's responsibility; it must be stable
// across retries of the same logical delivery.
type DeliveryRecord struct {
	Module      string
	Payload     []byte
	DeliveryID  string
	SequenceNum uint64
}

// DurableStore defines the minimal API supported by all archive adapters.
// Implementations must apply each record atomically with respect to its
// DeliveryID, and the operation must be safe to retry: a duplicate
// DeliveryID becomes a no-op rather than a duplicate archive entry.
type DurableStore interface {
	ArchiveBatch(ctx context.Context, records []DeliveryRecord) error
}
