package database

import (
	"context"

	"github.com/flowpbx/pbxsignal/internal/database/models"
)

// ExtensionRepository is the read side of the extension directory plus the
// few writes needed to seed it and rotate PINs.
type ExtensionRepository interface {
	Create(ctx context.Context, ext *models.Extension) error
	GetByID(ctx context.Context, id int64) (*models.Extension, error)
	GetByExtension(ctx context.Context, ext string) (*models.Extension, error)
	ListByTenant(ctx context.Context, tenantID int64) ([]models.Extension, error)
	SetPIN(ctx context.Context, id int64, pinHash string) error
}

// RouteRepository resolves dialed numbers that need external routing.
type RouteRepository interface {
	Create(ctx context.Context, route *models.SpecialRoute) error
	GetByNumber(ctx context.Context, tenantID int64, number string) (*models.SpecialRoute, error)
	ListByTenant(ctx context.Context, tenantID int64) ([]models.SpecialRoute, error)
	RequiresExternalRouting(ctx context.Context, tenantID int64, number string) (bool, error)
}
