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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"auditcore/pkg/logrecord"
)

// maxPersistedRetries bounds how many times a recovered batch may be
// retried before recovery discards it rather than resubmitting forever.
const maxPersistedRetries = 5

// PersistentBatch is the on-disk record NetworkSink falls back to when
// delivery fails: `<dir>/batch-<batchId>-<createdAtMillis>.json`.
type PersistentBatch struct {
	BatchID    string                   `json:"batchId"`
	Records    []map[string]interface{} `json:"records"`
	CreatedAt  int64                    `json:"createdAt"`
	RetryCount int                      `json:"retryCount"`
}

// PersistentQueue is an on-disk queue of undelivered batches. Writes go
// through a temp-file-then-atomic-rename swap so a crash mid-write never
// leaves a partially-written batch file visible to readers.
type PersistentQueue struct {
	dir      string
	maxFiles int

	mu sync.Mutex
}

// NewPersistentQueue constructs a PersistentQueue rooted at dir, created if
// absent.
func NewPersistentQueue(dir string, maxFiles int) (*PersistentQueue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &PersistentQueue{dir: dir, maxFiles: maxFiles}, nil
}

// Enqueue atomically writes batch to disk with the given retryCount (the
// number of delivery attempts already made for this batch).
func (q *PersistentQueue) Enqueue(batchID string, records []logrecord.Record, createdAt time.Time, retryCount int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	wire := make([]map[string]interface{}, 0, len(records))
	for _, r := range records {
		wire = append(wire, r.ToWireObject())
	}
	pb := PersistentBatch{
		BatchID:    batchID,
		Records:    wire,
		CreatedAt:  createdAt.UnixMilli(),
		RetryCount: retryCount,
	}
	data, err := json.Marshal(pb)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("batch-%s-%d.json", batchID, createdAt.UnixMilli())
	finalPath := filepath.Join(q.dir, name)
	tmpPath := finalPath + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, finalPath)
}

// Recover lists every valid (non-.tmp) batch file in the queue directory,
// oldest first, discarding any whose RetryCount exceeds the retry ceiling.
// Recovery is idempotent: calling it twice with no intervening writes
// returns the same set both times, since it only reads, never mutates.
func (q *PersistentQueue) Recover() ([]PersistentBatch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || strings.HasSuffix(n, ".tmp") || !strings.HasSuffix(n, ".json") {
			continue
		}
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		return fileCreatedAtMillis(names[i]) < fileCreatedAtMillis(names[j])
	})

	var out []PersistentBatch
	for _, n := range names {
		data, err := os.ReadFile(filepath.Join(q.dir, n))
		if err != nil {
			continue // best effort: skip unreadable/partially-written files
		}
		var pb PersistentBatch
		if err := json.Unmarshal(data, &pb); err != nil {
			continue
		}
		if pb.RetryCount > maxPersistedRetries {
			continue
		}
		out = append(out, pb)
	}
	return out, nil
}

// Depth reports how many valid batch files are currently queued.
func (q *PersistentQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, ".tmp") {
			n++
		}
	}
	return n
}

// Remove deletes the on-disk file for batchID once it has been delivered.
func (q *PersistentQueue) Remove(batchID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return err
	}
	prefix := "batch-" + batchID + "-"
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".json") {
			return os.Remove(filepath.Join(q.dir, e.Name()))
		}
	}
	return nil
}

// fileCreatedAtMillis extracts the createdAtMillis suffix from a queue
// filename for ordering purposes; malformed names sort last.
func fileCreatedAtMillis(name string) int64 {
	trimmed := strings.TrimSuffix(name, ".json")
	idx := strings.LastIndex(trimmed, "-")
	if idx < 0 {
		return int64(1) << 62
	}
	ms, err := strconv.ParseInt(trimmed[idx+1:], 10, 64)
	if err != nil {
		return int64(1) << 62
	}
	return ms
}
