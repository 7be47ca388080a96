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
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Postgres schema (reference):
//
// CREATE TABLE IF NOT EXISTS archived_records (
//   delivery_id TEXT PRIMARY KEY,
//   module TEXT NOT NULL,
//   payload JSONB NOT NULL,
//   sequence_num BIGINT NOT NULL,
//   ts TIMESTAMPTZ NOT NULL DEFAULT now()
// );
// CREATE INDEX IF NOT EXISTS idx_archived_records_module ON archived_records(module);
//
// Idempotent insert per record:
//   INSERT INTO archived_records(delivery_id, module, payload, sequence_num)
//     VALUES ($1,$2,$3,$4) ON CONFLICT DO NOTHING;

// PostgresStore archives records idempotently using the insert pattern
// above: a duplicate DeliveryID is a silent no-op rather than a duplicate
// archive row.
type PostgresStore struct {
	db             *sql.DB
	defaultTimeout time.Duration
}

// NewPostgresStore creates a store. db is expected to already have the
// archived_records table created.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, defaultTimeout: 10 * time.Second}
}

// ArchiveBatch applies the provided records within a single transaction.
func (p *PostgresStore) ArchiveBatch(ctx context.Context, records []DeliveryRecord) error {
	if len(records) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && p.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.defaultTimeout)
		defer cancel()
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, rec := range records {
		if rec.DeliveryID == "" {
			return errors.New("DeliveryRecord.DeliveryID must be set")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO archived_records(delivery_id, module, payload, sequence_num)
			   VALUES ($1,$2,$3,$4) ON CONFLICT DO NOTHING`,
			rec.DeliveryID, rec.Module, rec.Payload, rec.SequenceNum); err != nil {
			return fmt.Errorf("insert archived_records(%s): %w", rec.DeliveryID, err)
		}
	}

	return tx.Commit()
}
