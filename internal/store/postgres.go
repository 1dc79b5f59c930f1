// Copyright (c) 2026 John Earle
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

// Package store provides a Postgres-backed store for processed-message
// records: the durable dedup-key → {tracking id, outcome} mapping that makes
// reprocessing idempotent and doubles as an audit trail.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bcem/ticketrouter/internal/models"
)

// DB is the subset of pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const table = "processed_messages"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var columns = []string{
	"dedup_key", "tracking_id", "outcome", "ticket_id", "domain",
	"rule", "attempts", "last_error", "updated_at",
}

// Postgres implements dedup.RecordStore.
type Postgres struct {
	db DB
}

// NewPostgres creates a record store backed by the given pool.
// It ensures the processed_messages table exists on creation.
func NewPostgres(ctx context.Context, db DB) (*Postgres, error) {
	s := &Postgres{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure processed_messages schema: %w", err)
	}
	slog.Info("processed message store initialised")
	return s, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS processed_messages (
			dedup_key    TEXT PRIMARY KEY,
			tracking_id  TEXT NOT NULL,
			outcome      TEXT NOT NULL,
			ticket_id    BIGINT,
			domain       TEXT NOT NULL DEFAULT '',
			rule         TEXT NOT NULL DEFAULT '',
			attempts     INT NOT NULL DEFAULT 0,
			last_error   TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ DEFAULT NOW(),
			updated_at   TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_processed_tracking ON processed_messages(tracking_id);
		CREATE INDEX IF NOT EXISTS idx_processed_outcome ON processed_messages(outcome, updated_at);
	`)
	return err
}

// Get retrieves the record for a dedup key, or nil if none exists.
func (s *Postgres) Get(ctx context.Context, dedupKey string) (*models.ProcessedRecord, error) {
	query, args, err := psql.Select(columns...).
		From(table).
		Where(sq.Eq{"dedup_key": dedupKey}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	return scanRecord(s.db.QueryRow(ctx, query, args...))
}

// Save upserts rec unless the stored record is already TICKET_CREATED.
// The conditional ON CONFLICT makes check-and-write one statement.
func (s *Postgres) Save(ctx context.Context, rec models.ProcessedRecord) (bool, error) {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	var ticketID *int64
	if rec.TicketID != 0 {
		ticketID = &rec.TicketID
	}

	query, args, err := psql.Insert(table).
		Columns(columns...).
		Values(rec.DedupKey, rec.TrackingID, string(rec.Outcome), ticketID, rec.Domain,
			rec.Rule, rec.Attempts, rec.LastError, rec.UpdatedAt).
		Suffix(`ON CONFLICT (dedup_key) DO UPDATE SET
			tracking_id = EXCLUDED.tracking_id,
			outcome     = EXCLUDED.outcome,
			ticket_id   = EXCLUDED.ticket_id,
			domain      = EXCLUDED.domain,
			rule        = EXCLUDED.rule,
			attempts    = EXCLUDED.attempts,
			last_error  = EXCLUDED.last_error,
			updated_at  = EXCLUDED.updated_at
		WHERE processed_messages.outcome <> ?`, string(models.OutcomeTicketCreated)).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build upsert: %w", err)
	}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("upsert processed message: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListFailed returns FAILED records updated since the given time, newest first.
func (s *Postgres) ListFailed(ctx context.Context, since time.Time, limit uint64) ([]models.ProcessedRecord, error) {
	query, args, err := psql.Select(columns...).
		From(table).
		Where(sq.Eq{"outcome": string(models.OutcomeFailed)}).
		Where(sq.GtOrEq{"updated_at": since}).
		OrderBy("updated_at DESC").
		Limit(limit).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Purge deletes records last updated before cutoff.
func (s *Postgres) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := psql.Delete(table).
		Where(sq.Lt{"updated_at": cutoff}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build purge: %w", err)
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge processed messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanRecord scans a single row into a ProcessedRecord.
func scanRecord(row pgx.Row) (*models.ProcessedRecord, error) {
	var (
		r        models.ProcessedRecord
		outcome  string
		ticketID *int64
	)
	err := row.Scan(&r.DedupKey, &r.TrackingID, &outcome, &ticketID, &r.Domain,
		&r.Rule, &r.Attempts, &r.LastError, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Outcome = models.Outcome(outcome)
	if ticketID != nil {
		r.TicketID = *ticketID
	}
	return &r, nil
}

// collectRecords scans multiple rows into a slice of ProcessedRecords.
func collectRecords(rows pgx.Rows) ([]models.ProcessedRecord, error) {
	var records []models.ProcessedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}
