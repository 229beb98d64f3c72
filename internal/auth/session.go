package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultSessionTTL  = 8 * time.Hour
	DefaultRememberTTL = 30 * 24 * time.Hour
	DefaultIssuer      = "erpid"

	minSecretLength = 32
)

// SessionClaims is the payload of a session token. A session is scoped to
// exactly one portal.
type SessionClaims struct {
	UserType UserType    `json:"user_type"`
	Role     Role        `json:"role"`
	Portal   LoginPortal `json:"portal"`
	Remember bool        `json:"remember,omitempty"`
	jwt.RegisteredClaims
}

// PrincipalID is the subject of the session.
func (c SessionClaims) PrincipalID() string {
	return c.Subject
}

// Session is what a successful login hands back to the caller.
type Session struct {
	Token       string      `json:"token"`
	ExpiresAt   time.Time   `json:"expires_at"`
	PrincipalID string      `json:"principal_id"`
	UserType    UserType    `json:"user_type"`
	Role        Role        `json:"role"`
	Portal      LoginPortal `json:"portal"`
	Remember    bool        `json:"remember"`
}

// SessionConfig configures a SessionIssuer.
type SessionConfig struct {
	Secret      []byte
	Issuer      string
	TTL         time.Duration
	RememberTTL time.Duration
	Now         func() time.Time
}

// SessionIssuer signs and verifies HS256 session tokens.
type SessionIssuer struct {
	secret      []byte
	issuer      string
	ttl         time.Duration
	rememberTTL time.Duration
	now         func() time.Time
}

func NewSessionIssuer(cfg SessionConfig) (*SessionIssuer, error) {
	if len(cfg.Secret) < minSecretLength {
		return nil, fmt.Errorf("%w: session secret must be at least %d bytes", ErrInvalidInput, minSecretLength)
	}
	s := &SessionIssuer{
		secret:      append([]byte(nil), cfg.Secret...),
		issuer:      cfg.Issuer,
		ttl:         cfg.TTL,
		rememberTTL: cfg.RememberTTL,
		now:         cfg.Now,
	}
	if s.issuer == "" {
		s.issuer = DefaultIssuer
	}
	if s.ttl <= 0 {
		s.ttl = DefaultSessionTTL
	}
	if s.rememberTTL <= 0 {
		s.rememberTTL = DefaultRememberTTL
	}
	if s.rememberTTL < s.ttl {
		return nil, fmt.Errorf("%w: remember-me lifetime shorter than session lifetime", ErrInvalidInput)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Issue signs a session for p scoped to portal. Callers check eligibility first.
func (s *SessionIssuer) Issue(p Principal, portal LoginPortal, remember bool) (Session, error) {
	if strings.TrimSpace(p.ID) == "" {
		return Session{}, errors.New("principal id is required")
	}
	ttl := s.ttl
	if remember {
		ttl = s.rememberTTL
	}
	now := s.now().UTC().Truncate(time.Second)
	expires := now.Add(ttl)
	claims := SessionClaims{
		UserType: p.UserType,
		Role:     p.Role,
		Portal:   portal,
		Remember: remember,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Session{}, fmt.Errorf("sign token: %w", err)
	}
	return Session{
		Token:       signed,
		ExpiresAt:   expires,
		PrincipalID: p.ID,
		UserType:    p.UserType,
		Role:        p.Role,
		Portal:      portal,
		Remember:    remember,
	}, nil
}

// Verify checks signature, issuer and lifetime, then requires the session to
// have been issued for portal. A session for another portal fails with
// ErrPortalNotAllowed even when the principal would be eligible for it.
func (s *SessionIssuer) Verify(token string, portal LoginPortal) (*SessionClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenInvalid
	}
	parsed, err := jwt.ParseWithClaims(token, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(5*time.Second),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if strings.TrimSpace(claims.Subject) == "" || !claims.UserType.Valid() || !RoleAllowed(claims.UserType, claims.Role) {
		return nil, ErrTokenInvalid
	}
	if claims.Portal != portal {
		return nil, ErrPortalNotAllowed
	}
	return claims, nil
}
