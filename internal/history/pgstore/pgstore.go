// Package pgstore keeps call history in PostgreSQL for deployments that run
// several signaling nodes against one history database.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowpbx/pbxsignal/internal/history"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// defaultLimit caps RecentForExtension when the caller passes no limit.
const defaultLimit = 50

// pool is the subset of *pgxpool.Pool the store needs. pgxmock's pool
// satisfies it in tests.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Close()
}

// Store implements history.Store using PostgreSQL.
type Store struct {
	pool pool
}

var _ history.Store = (*Store)(nil)

// New connects to PostgreSQL and runs pending migrations.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = 5 * time.Minute

	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	s, err := newStore(ctx, p)
	if err != nil {
		p.Close()
		return nil, err
	}
	slog.Info("postgresql history store opened")
	return s, nil
}

func newStore(ctx context.Context, p pool) (*Store, error) {
	s := &Store{pool: p}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// migrate runs all pending SQL migration files in order, each in its own
// transaction.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}
		if err := s.apply(ctx, version, string(content)); err != nil {
			return err
		}
		slog.Info("applied migration", "store", "postgres", "version", version)
	}
	return nil
}

func (s *Store) apply(ctx context.Context, version, content string) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				slog.Error("failed to rollback migration", "version", version, "error", rbErr)
			}
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("committing migration %s: %w", version, commitErr)
		}
	}()

	if _, err = tx.Exec(ctx, content); err != nil {
		return fmt.Errorf("executing migration %s: %w", version, err)
	}
	if _, err = tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		return fmt.Errorf("recording migration %s: %w", version, err)
	}
	return nil
}

// Save inserts rec. Saving the same call ID twice keeps the first record and
// leaves rec.ID unset.
func (s *Store) Save(ctx context.Context, rec *history.Record) error {
	var answered *time.Time
	if rec.AnsweredAt != nil {
		t := rec.AnsweredAt.UTC()
		answered = &t
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO call_records (call_id, kind, tenant_id, caller, callee, queue_id,
		 started_at, answered_at, ended_at, end_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (call_id) DO NOTHING
		 RETURNING id`,
		rec.CallID, string(rec.Kind), rec.TenantID, rec.Caller, rec.Callee, rec.QueueID,
		rec.StartedAt.UTC(), answered, rec.EndedAt.UTC(), rec.EndReason,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		slog.Debug("call record already stored", "call_id", rec.CallID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}
	rec.ID = id
	return nil
}

// RecentForExtension returns the newest records where ext took part, newest first.
func (s *Store) RecentForExtension(ctx context.Context, tenantID int64, ext string, limit int) ([]history.Record, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, call_id, kind, tenant_id, caller, callee, queue_id,
		 started_at, answered_at, ended_at, end_reason
		 FROM call_records
		 WHERE tenant_id = $1 AND (caller = $2 OR callee = $2)
		 ORDER BY ended_at DESC, id DESC LIMIT $3`,
		tenantID, ext, limit)
	if err != nil {
		return nil, fmt.Errorf("querying call records: %w", err)
	}
	defer rows.Close()

	var out []history.Record
	for rows.Next() {
		var (
			rec  history.Record
			kind string
		)
		if err := rows.Scan(&rec.ID, &rec.CallID, &kind, &rec.TenantID, &rec.Caller,
			&rec.Callee, &rec.QueueID, &rec.StartedAt, &rec.AnsweredAt, &rec.EndedAt,
			&rec.EndReason); err != nil {
			return nil, fmt.Errorf("scanning call record: %w", err)
		}
		rec.Kind = history.Kind(kind)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading call records: %w", err)
	}
	return out, nil
}
