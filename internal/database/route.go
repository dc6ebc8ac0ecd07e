package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flowpbx/pbxsignal/internal/database/models"
)

// routeRepo implements RouteRepository.
type routeRepo struct {
	db *DB
}

// NewRouteRepository creates a new RouteRepository.
func NewRouteRepository(db *DB) RouteRepository {
	return &routeRepo{db: db}
}

func (r *routeRepo) Create(ctx context.Context, route *models.SpecialRoute) error {
	if route.TenantID == 0 {
		route.TenantID = 1
	}
	switch route.Kind {
	case models.RouteKindIVR, models.RouteKindQueue:
	default:
		return fmt.Errorf("invalid route kind %q", route.Kind)
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO special_routes (tenant_id, number, kind, target, created_at)
		 VALUES (?, ?, ?, ?, datetime('now'))`,
		route.TenantID, route.Number, route.Kind, route.Target,
	)
	if err != nil {
		return fmt.Errorf("inserting special route: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	route.ID = id
	return nil
}

func (r *routeRepo) GetByNumber(ctx context.Context, tenantID int64, number string) (*models.SpecialRoute, error) {
	var sr models.SpecialRoute
	err := r.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, number, kind, target, created_at
		 FROM special_routes WHERE tenant_id = ? AND number = ?`, tenantID, number,
	).Scan(&sr.ID, &sr.TenantID, &sr.Number, &sr.Kind, &sr.Target, &sr.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying special route: %w", err)
	}
	return &sr, nil
}

func (r *routeRepo) ListByTenant(ctx context.Context, tenantID int64) ([]models.SpecialRoute, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, tenant_id, number, kind, target, created_at
		 FROM special_routes WHERE tenant_id = ? ORDER BY number`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying special routes: %w", err)
	}
	defer rows.Close()

	var routes []models.SpecialRoute
	for rows.Next() {
		var sr models.SpecialRoute
		if err := rows.Scan(&sr.ID, &sr.TenantID, &sr.Number, &sr.Kind, &sr.Target, &sr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning special route: %w", err)
		}
		routes = append(routes, sr)
	}
	return routes, rows.Err()
}

// RequiresExternalRouting reports whether number is an IVR or queue entry
// point for the tenant rather than an ordinary extension.
func (r *routeRepo) RequiresExternalRouting(ctx context.Context, tenantID int64, number string) (bool, error) {
	sr, err := r.GetByNumber(ctx, tenantID, number)
	if err != nil {
		return false, err
	}
	return sr != nil, nil
}
