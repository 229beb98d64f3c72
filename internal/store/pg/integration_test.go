//go:build integration

package pg

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"erpid.org/internal/auth"
	"erpid.org/internal/migrate"
)

func setupPostgres(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("erpid_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	store, err := Open(dsn, PoolConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Ping(ctx))
	_, err = migrate.NewManager(store.DB(), migrate.Files()).Up(ctx)
	require.NoError(t, err)
	return store
}

func pendingPrincipal(id, email string) *auth.Principal {
	return &auth.Principal{
		ID: id, Email: email, FirstName: "Jane",
		UserType: auth.UserTypeEmployee, Role: auth.RoleEmployee,
		DefaultPortal: auth.PortalEmployee, Status: auth.StatusPendingInvitation,
	}
}

func TestIntegrationEmailUniqueUnderConcurrency(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	var ok, conflict atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.Save(ctx, pendingPrincipal(string(rune('a'+i)), "Race@Co.com"))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, auth.ErrAlreadyExists):
				conflict.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(7), conflict.Load())

	p, err := store.FindByEmail(ctx, "race@co.com")
	require.NoError(t, err)
	assert.Equal(t, "Race@Co.com", p.Email)
}

func TestIntegrationTokenLifecycle(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, pendingPrincipal("p-1", "jane@co.com")))

	issuer := auth.NewTokenIssuer(store)
	first, _, err := issuer.Issue(ctx, "p-1", auth.PurposeInvite)
	require.NoError(t, err)
	second, _, err := issuer.Issue(ctx, "p-1", auth.PurposeInvite)
	require.NoError(t, err)

	_, err = issuer.Redeem(ctx, first, auth.PurposeInvite)
	assert.ErrorIs(t, err, auth.ErrTokenInvalid)

	var wins, losses atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := issuer.Redeem(ctx, second, auth.PurposeInvite)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, auth.ErrTokenInvalid):
				losses.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(15), losses.Load())

	require.NoError(t, store.Activate(ctx, "p-1", "$argon2id$placeholder"))
	p, err := store.FindByID(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, auth.StatusActive, p.Status)

	n, err := issuer.PurgeExpired(ctx, time.Now().Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestIntegrationConcurrentIssueKeepsOneOutstanding(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, pendingPrincipal("p-1", "jane@co.com")))
	issuer := auth.NewTokenIssuer(store)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = issuer.Issue(ctx, "p-1", auth.PurposePasswordReset)
		}()
	}
	wg.Wait()

	var outstanding int
	require.NoError(t, store.DB().QueryRowContext(ctx,
		`select count(*) from security_tokens where principal_id = $1 and purpose = $2 and consumed_at is null`,
		"p-1", "password_reset").Scan(&outstanding))
	assert.Equal(t, 1, outstanding)
}
