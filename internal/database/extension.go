package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flowpbx/pbxsignal/internal/database/models"
)

const extensionColumns = `id, tenant_id, extension, name, pin_hash, enabled, created_at, updated_at`

// extensionRepo implements ExtensionRepository.
type extensionRepo struct {
	db *DB
}

// NewExtensionRepository creates a new ExtensionRepository.
func NewExtensionRepository(db *DB) ExtensionRepository {
	return &extensionRepo{db: db}
}

// Create inserts a new extension.
func (r *extensionRepo) Create(ctx context.Context, ext *models.Extension) error {
	if ext.TenantID == 0 {
		ext.TenantID = 1
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO extensions (tenant_id, extension, name, pin_hash, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		ext.TenantID, ext.Extension, ext.Name, ext.PINHash, ext.Enabled,
	)
	if err != nil {
		return fmt.Errorf("inserting extension: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	ext.ID = id
	return nil
}

// GetByID returns an extension by ID, or nil if none exists.
func (r *extensionRepo) GetByID(ctx context.Context, id int64) (*models.Extension, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+extensionColumns+` FROM extensions WHERE id = ?`, id,
	))
}

// GetByExtension resolves an extension number, or returns nil if it is not
// provisioned.
func (r *extensionRepo) GetByExtension(ctx context.Context, ext string) (*models.Extension, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+extensionColumns+` FROM extensions WHERE extension = ?`, ext,
	))
}

// ListByTenant returns the enabled extensions of a tenant ordered by number.
func (r *extensionRepo) ListByTenant(ctx context.Context, tenantID int64) ([]models.Extension, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+extensionColumns+` FROM extensions
		 WHERE tenant_id = ? AND enabled = 1 ORDER BY extension`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying extensions: %w", err)
	}
	defer rows.Close()

	var exts []models.Extension
	for rows.Next() {
		var e models.Extension
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Extension, &e.Name, &e.PINHash,
			&e.Enabled, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning extension row: %w", err)
		}
		exts = append(exts, e)
	}
	return exts, rows.Err()
}

// SetPIN replaces the stored PIN hash.
func (r *extensionRepo) SetPIN(ctx context.Context, id int64, pinHash string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE extensions SET pin_hash = ?, updated_at = datetime('now') WHERE id = ?`,
		pinHash, id,
	)
	if err != nil {
		return fmt.Errorf("updating extension pin: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("extension %d not found", id)
	}
	return nil
}

func (r *extensionRepo) scanOne(row *sql.Row) (*models.Extension, error) {
	var e models.Extension
	err := row.Scan(&e.ID, &e.TenantID, &e.Extension, &e.Name, &e.PINHash,
		&e.Enabled, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning extension: %w", err)
	}
	return &e, nil
}
