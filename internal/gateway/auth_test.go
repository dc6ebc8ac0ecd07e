package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/flowpbx/pbxsignal/internal/api/middleware"
	"github.com/flowpbx/pbxsignal/internal/database/models"
	"github.com/flowpbx/pbxsignal/internal/protocol"
)

type fakeFinder map[int64]*models.Extension

func (f fakeFinder) GetByID(_ context.Context, id int64) (*models.Extension, error) {
	if id == 99 {
		return nil, errors.New("disk I/O error")
	}
	return f[id], nil
}

func TestTokenAuthenticator(t *testing.T) {
	secret := []byte("test-secret")
	finder := fakeFinder{
		1: {ID: 1, TenantID: 1, Extension: "101", Name: "Alice", Enabled: true},
		2: {ID: 2, TenantID: 1, Extension: "102", Name: "Bob", Enabled: false},
	}
	auth := NewTokenAuthenticator(secret, finder)

	id, err := auth.Authenticate(context.Background(), mustToken(t, secret, 1, "101", 1))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.Extension != "101" || id.DisplayName != "Alice" || id.TenantID != 1 || id.ExtensionID != 1 {
		t.Errorf("identity = %+v", id)
	}

	rejected := map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"disabled":     mustToken(t, secret, 2, "102", 1),
		"unknown":      mustToken(t, secret, 7, "107", 1),
		"renamed":      mustToken(t, secret, 1, "111", 1),
		"wrong tenant": mustToken(t, secret, 1, "101", 2),
		"wrong secret": mustToken(t, []byte("other"), 1, "101", 1),
	}
	for name, tok := range rejected {
		_, err := auth.Authenticate(context.Background(), tok)
		if !errors.Is(err, protocol.ErrAuthenticationFailed) {
			t.Errorf("%s: err = %v, want authentication_failed", name, err)
		}
	}

	_, err = auth.Authenticate(context.Background(), mustToken(t, secret, 99, "199", 1))
	if err == nil || errors.Is(err, protocol.ErrAuthenticationFailed) {
		t.Errorf("lookup failure err = %v, want internal error", err)
	}
}

func mustToken(t *testing.T, secret []byte, id int64, ext string, tenant int64) string {
	t.Helper()
	tok, _, err := middleware.GenerateAppToken(secret, id, ext, tenant)
	if err != nil {
		t.Fatalf("GenerateAppToken: %v", err)
	}
	return tok
}
