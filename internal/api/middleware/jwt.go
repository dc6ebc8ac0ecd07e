package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// appContextKey is the context key type for the authenticated extension.
type appContextKey string

const appClaimsKey appContextKey = "app_claims"

// jwtTokenTTL is the lifetime of an extension token (7 days).
const jwtTokenTTL = 7 * 24 * time.Hour

// ErrInvalidToken is returned by ParseAppToken for any token that does not
// verify or carries incomplete claims.
var ErrInvalidToken = errors.New("invalid or expired token")

// AppClaims holds the JWT claims for extension authentication.
type AppClaims struct {
	ExtensionID int64  `json:"ext_id"`
	Extension   string `json:"ext"`
	TenantID    int64  `json:"tenant_id"`
	jwt.RegisteredClaims
}

// GenerateAppToken creates a signed JWT for an extension login.
func GenerateAppToken(secret []byte, extensionID int64, extension string, tenantID int64) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(jwtTokenTTL)

	claims := AppClaims{
		ExtensionID: extensionID,
		Extension:   extension,
		TenantID:    tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "pbxsignal",
			Subject:   extension,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// ParseAppToken verifies an HS256 extension token and returns its claims.
func ParseAppToken(secret []byte, tokenString string) (*AppClaims, error) {
	claims := &AppClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		slog.Debug("app auth: invalid jwt", "error", err)
		return nil, ErrInvalidToken
	}
	if claims.ExtensionID == 0 || claims.Extension == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
// It returns "" if the header is missing or malformed.
func BearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// RequireAppAuth returns middleware that validates JWT bearer tokens for
// extension endpoints. On success it stores the claims in the request context.
func RequireAppAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			tokenString := BearerToken(r)
			if tokenString == "" {
				writeError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims, err := ParseAppToken(secret, tokenString)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), appClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AppClaimsFromContext retrieves the authenticated extension claims from the
// request context. Returns nil if not set.
func AppClaimsFromContext(ctx context.Context) *AppClaims {
	claims, _ := ctx.Value(appClaimsKey).(*AppClaims)
	return claims
}
