package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowpbx/pbxsignal/internal/api/middleware"
	"github.com/flowpbx/pbxsignal/internal/database/models"
	"github.com/flowpbx/pbxsignal/internal/protocol"
	"github.com/flowpbx/pbxsignal/internal/registry"
)

// Authenticator turns a bearer token into the identity of an extension.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (registry.Identity, error)
}

// ExtensionFinder loads extension records.
type ExtensionFinder interface {
	GetByID(ctx context.Context, id int64) (*models.Extension, error)
}

// TokenAuthenticator verifies extension JWTs and checks the extension still
// exists and is enabled.
type TokenAuthenticator struct {
	secret     []byte
	extensions ExtensionFinder
}

// NewTokenAuthenticator creates an Authenticator for tokens signed with secret.
func NewTokenAuthenticator(secret []byte, extensions ExtensionFinder) *TokenAuthenticator {
	return &TokenAuthenticator{secret: secret, extensions: extensions}
}

// Authenticate implements Authenticator. Every rejection wraps
// protocol.ErrAuthenticationFailed.
func (a *TokenAuthenticator) Authenticate(ctx context.Context, token string) (registry.Identity, error) {
	if token == "" {
		return registry.Identity{}, protocol.ErrAuthenticationFailed.WithMessage("missing token")
	}

	claims, err := middleware.ParseAppToken(a.secret, token)
	if err != nil {
		return registry.Identity{}, protocol.ErrAuthenticationFailed.WithMessage(err.Error())
	}

	ext, err := a.extensions.GetByID(ctx, claims.ExtensionID)
	if err != nil {
		return registry.Identity{}, fmt.Errorf("loading extension %d: %w", claims.ExtensionID, err)
	}
	if ext == nil || !ext.Enabled || ext.Extension != claims.Extension || ext.TenantID != claims.TenantID {
		return registry.Identity{}, protocol.ErrAuthenticationFailed.WithMessage("extension not found or disabled")
	}

	return registry.Identity{
		ExtensionID: ext.ID,
		Extension:   ext.Extension,
		DisplayName: ext.Name,
		TenantID:    ext.TenantID,
	}, nil
}

// isAuthFailure reports whether err is a credential problem rather than an
// internal fault.
func isAuthFailure(err error) bool {
	return errors.Is(err, protocol.ErrAuthenticationFailed)
}
