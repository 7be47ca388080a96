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
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"auditcore/internal/sinkrouter"
	"auditcore/pkg/logrecord"
)

// idempotentSinkAdapter adapts a DurableStore to sinkrouter.Sink. It
// derives a stable DeliveryID from a record's assigned sequence number
// (when present) so a SinkRouter retry that redelivers the same batch
// produces the same DeliveryID, keeping the archive idempotent; records
// with no assigned sequence fall back to a random one.
type idempotentSinkAdapter struct {
	name  string
	store DurableStore
}

// NewSink wraps store as a named sinkrouter.Sink.
func NewSink(name string, store DurableStore) sinkrouter.Sink {
	return &idempotentSinkAdapter{name: name, store: store}
}

func (a *idempotentSinkAdapter) Name() string { return a.name }

func (a *idempotentSinkAdapter) Write(ctx context.Context, records []logrecord.Record) sinkrouter.Result {
	if len(records) == 0 {
		return sinkrouter.Result{Success: true}
	}
	entries := make([]DeliveryRecord, len(records))
	for i, r := range records {
		payload, err := json.Marshal(r.ToWireObject())
		if err != nil {
			return sinkrouter.Result{Success: false, Err: err}
		}
		id := randomID()
		seq, ok := r.Sequence()
		if ok {
			id = fmt.Sprintf("%d-%d", seq, i)
		}
		entries[i] = DeliveryRecord{Module: r.Module(), Payload: payload, DeliveryID: id, SequenceNum: seq}
	}
	if err := a.store.ArchiveBatch(ctx, entries); err != nil {
		return sinkrouter.Result{Success: false, Err: err}
	}
	return sinkrouter.Result{Success: true}
}

func randomID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	dst := make([]byte, 32)
	hex.Encode(dst, b[:])
	return string(dst)
}
