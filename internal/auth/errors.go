package auth

import "errors"

// Authentication and token failures are deliberately coarse: callers must not
// be able to tell an unknown email from a wrong password, or an expired token
// from a consumed one.
var (
	ErrInvalidCredentials     = errors.New("auth: invalid credentials")
	ErrPortalNotAllowed       = errors.New("auth: portal not allowed")
	ErrTokenInvalid           = errors.New("auth: invalid or expired token")
	ErrInvalidRoleForUserType = errors.New("auth: role not permitted for user type")
	ErrAlreadyExists          = errors.New("auth: already exists")
	ErrNotFound               = errors.New("auth: not found")
	ErrInvalidInput           = errors.New("auth: invalid input")
	ErrWeakPassword           = errors.New("auth: password does not meet policy")
	ErrForbidden              = errors.New("auth: forbidden")
)
