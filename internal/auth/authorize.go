package auth

import "context"

// Authorize requires a verified session on ctx whose role holds key.
// A missing session is ErrTokenInvalid, a missing grant ErrForbidden.
func (e *PermissionEngine) Authorize(ctx context.Context, key string) (SessionClaims, error) {
	claims, ok := SessionFromContext(ctx)
	if !ok {
		return SessionClaims{}, ErrTokenInvalid
	}
	if !e.HasPermission(claims.Role, key) {
		return claims, ErrForbidden
	}
	return claims, nil
}
