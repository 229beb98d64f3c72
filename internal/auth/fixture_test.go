package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"erpid.org/internal/auth"
	"erpid.org/internal/notify"
	"erpid.org/internal/store/memory"
)

var testArgon2 = auth.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, KeyLength: 32, SaltLength: 16}

const testSecret = "0123456789abcdef0123456789abcdef"

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store       *memory.Store
	clock       *clock
	hasher      *auth.Hasher
	tokens      *auth.TokenIssuer
	sessions    *auth.SessionIssuer
	engine      *auth.PermissionEngine
	outbox      *notify.Recorder
	dispatcher  *notify.Dispatcher
	login       *auth.Authenticator
	invitations *auth.Invitations
	recovery    *auth.Recovery
	admin       *auth.Admin
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.New(),
		clock:  newClock(),
		outbox: &notify.Recorder{},
	}
	var err error
	f.hasher, err = auth.NewHasher(testArgon2)
	require.NoError(t, err)
	f.tokens = auth.NewTokenIssuer(f.store, auth.WithTokenClock(f.clock.Now))
	f.sessions, err = auth.NewSessionIssuer(auth.SessionConfig{Secret: []byte(testSecret)})
	require.NoError(t, err)
	table, err := auth.DefaultPermissionTable()
	require.NoError(t, err)
	f.engine, err = auth.NewPermissionEngine(table)
	require.NoError(t, err)

	links, err := auth.NewLinkBuilder("https://erp.example.com")
	require.NoError(t, err)
	f.dispatcher = notify.NewDispatcher(f.outbox, time.Second)
	renderer := notify.NewRenderer("Acme ERP", "support@example.com")

	f.login = auth.NewAuthenticator(f.store, f.hasher, f.sessions)
	f.invitations = auth.NewInvitations(f.store, f.tokens, f.hasher, f.dispatcher, renderer, links)
	f.recovery = auth.NewRecovery(f.store, f.tokens, f.hasher, f.dispatcher, renderer, links)
	f.admin = auth.NewAdmin(f.store, f.tokens, f.hasher)
	return f
}

// activePrincipal stores an active principal with password.
func (f *fixture) activePrincipal(t *testing.T, id, email string, ut auth.UserType, role auth.Role, password string) auth.Principal {
	t.Helper()
	hash, err := f.hasher.Hash(password)
	require.NoError(t, err)
	p := auth.Principal{
		ID:             id,
		Email:          email,
		FirstName:      "Test",
		LastName:       "User",
		UserType:       ut,
		Role:           role,
		DefaultPortal:  auth.DefaultPortal(ut),
		CredentialHash: hash,
		Status:         auth.StatusActive,
	}
	require.NoError(t, f.store.Save(context.Background(), &p))
	return p
}

// drain waits for background notifications.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.dispatcher.Wait(ctx))
}

// tokenFromLink pulls the raw token out of the last message sent to addr.
func (f *fixture) tokenFromLink(t *testing.T, addr string) string {
	t.Helper()
	msg, ok := f.outbox.Last(addr)
	require.True(t, ok, "no message for %s", addr)
	return extractToken(t, msg.TextBody)
}
