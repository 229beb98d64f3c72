package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"erpid.org/internal/auth"
)

const (
	authHeader   = "Authorization"
	bearer       = "Bearer "
	portalHeader = "X-Portal"
)

// portalResolver names the portal a request is framed in.
type portalResolver func(*http.Request) (auth.LoginPortal, error)

func fixedPortal(p auth.LoginPortal) portalResolver {
	return func(*http.Request) (auth.LoginPortal, error) { return p, nil }
}

// requestedPortal reads the X-Portal header, falling back to the portal
// query parameter.
func requestedPortal(r *http.Request) (auth.LoginPortal, error) {
	raw := strings.TrimSpace(r.Header.Get(portalHeader))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("portal"))
	}
	if raw == "" {
		return "", errors.New("portal is required")
	}
	p := auth.LoginPortal(strings.ToUpper(raw))
	if !p.Valid() {
		return "", errors.New("unknown portal")
	}
	return p, nil
}

// withSession verifies the bearer session against the resolved portal and
// attaches its claims to the request context.
func (a *API) withSession(portalOf portalResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := extractBearerToken(r.Header.Get(authHeader))
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, err.Error())
				return
			}
			portal, err := portalOf(r)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			claims, err := a.authn.Verify(r.Context(), token, portal)
			if err != nil {
				writeAuthError(w, r, err)
				return
			}
			ctx := auth.ContextWithSession(r.Context(), *claims)
			ctx = auth.ContextWithToken(ctx, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requirePermission must run after withSession.
func (a *API) requirePermission(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := a.perms.Authorize(r.Context(), key); err != nil {
				writeAuthError(w, r, err)
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
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
