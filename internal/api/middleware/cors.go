package middleware

import (
	"net/http"
	"strings"
)

// corsAllowHeaders lists the request headers browser clients may send. Auth
// is always a bearer token, never a cookie, so credentials are not allowed.
const corsAllowHeaders = "Accept, Authorization, Content-Type"

// originPolicy decides which browser origins may call the API.
type originPolicy struct {
	any    bool
	listed map[string]struct{}
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{listed: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		switch o = strings.TrimSpace(o); o {
		case "":
		case "*":
			p.any = true
		default:
			p.listed[o] = struct{}{}
		}
	}
	return p
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or ""
// when the origin is not allowed.
func (p originPolicy) allowOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	if p.any {
		return "*"
	}
	if _, ok := p.listed[origin]; ok {
		return origin
	}
	return ""
}

// CORS serves browser softphones on other origins. A "*" entry allows every
// origin; no entries means no CORS headers at all. Preflight requests are
// answered with 204 and never reach next.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	policy := newOriginPolicy(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if allow := policy.allowOrigin(r.Header.Get("Origin")); allow != "" {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", allow)
				if allow != "*" {
					h.Set("Vary", "Origin")
				}
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Max-Age", "300")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ParseCORSOrigins reads the comma-separated cors-origins setting. Blank
// entries are skipped; a blank setting yields nil.
func ParseCORSOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
