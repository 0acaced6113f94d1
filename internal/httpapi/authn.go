package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tavolo.app/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Paths reachable without a session.
var publicPaths = []string{
	"/v1/auth/login",
	"/v1/auth/verify/request",
	"/v1/auth/verify/confirm",
	"/v1/auth/password-reset/request",
	"/v1/auth/password-reset/confirm",
	"/metrics",
	"/healthz",
	"/readyz",
	"/",
}

// withSession refreshes the session claims from the credential store on every
// guarded request, so a role change or deactivation takes effect on the next
// request without re-login.
func (a *API) withSession(next http.Handler) http.Handler {
	if a == nil || a.sessions == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.sessions.Refresh(r.Context(), raw)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrSessionInvalid):
				writeError(w, r, http.StatusUnauthorized, "invalid session")
			default:
				writeError(w, r, http.StatusInternalServerError, "session refresh error")
			}
			return
		}

		ctx := auth.ContextWithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole gates a handler on the refreshed role claim.
func RequireRole(role auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, r, http.StatusUnauthorized, "session required")
				return
			}
			if claims.Role != role {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, r, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
