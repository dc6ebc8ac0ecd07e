package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flowpbx/pbxsignal/internal/history"
)

// CallRecordStore keeps call history in the local sqlite database. It
// implements history.Store.
type CallRecordStore struct {
	db *DB
}

// NewCallRecordStore creates a sqlite-backed history store.
func NewCallRecordStore(db *DB) *CallRecordStore {
	return &CallRecordStore{db: db}
}

// Save inserts rec. Saving the same call ID twice keeps the first record.
func (s *CallRecordStore) Save(ctx context.Context, rec *history.Record) error {
	var answered sql.NullTime
	if rec.AnsweredAt != nil {
		answered = sql.NullTime{Time: rec.AnsweredAt.UTC(), Valid: true}
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO call_records (call_id, kind, tenant_id, caller, callee, queue_id,
		 started_at, answered_at, ended_at, end_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (call_id) DO NOTHING`,
		rec.CallID, string(rec.Kind), rec.TenantID, rec.Caller, rec.Callee, rec.QueueID,
		rec.StartedAt.UTC(), answered, rec.EndedAt.UTC(), rec.EndReason,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// RecentForExtension returns the newest records where ext took part, newest first.
func (s *CallRecordStore) RecentForExtension(ctx context.Context, tenantID int64, ext string, limit int) ([]history.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, call_id, kind, tenant_id, caller, callee, queue_id,
		 started_at, answered_at, ended_at, end_reason
		 FROM call_records
		 WHERE tenant_id = ? AND (caller = ? OR callee = ?)
		 ORDER BY ended_at DESC, id DESC LIMIT ?`,
		tenantID, ext, ext, limit)
	if err != nil {
		return nil, fmt.Errorf("querying call records: %w", err)
	}
	defer rows.Close()

	var out []history.Record
	for rows.Next() {
		var (
			rec      history.Record
			kind     string
			answered sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.CallID, &kind, &rec.TenantID, &rec.Caller,
			&rec.Callee, &rec.QueueID, &rec.StartedAt, &answered, &rec.EndedAt,
			&rec.EndReason); err != nil {
			return nil, fmt.Errorf("scanning call record: %w", err)
		}
		rec.Kind = history.Kind(kind)
		if answered.Valid {
			t := answered.Time
			rec.AnsweredAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
