// Package app assembles the identity core from configuration: stores,
// notification delivery, the permission table and the background janitor.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"erpid.org/internal/auth"
	"erpid.org/internal/config"
	"erpid.org/internal/httpapi"
	"erpid.org/internal/janitor"
	"erpid.org/internal/migrate"
	"erpid.org/internal/notify"
	"erpid.org/internal/obs"
	"erpid.org/internal/store/memory"
	"erpid.org/internal/store/pg"
	redisstore "erpid.org/internal/store/redis"
)

// App holds the wired services and the resources that must be released on
// shutdown.
type App struct {
	Services   httpapi.Services
	Ready      httpapi.ReadyProbe
	Janitor    *janitor.Janitor
	Dispatcher *notify.Dispatcher
	Tokens     *auth.TokenIssuer
	Principals auth.PrincipalStore

	db      *sql.DB
	redis   *redis.Client
	closers []func() error
}

// Option customises Build. Used by tests and the CLI.
type Option func(*buildOptions)

type buildOptions struct {
	sender notify.Sender
	hasher *auth.Hasher
}

// WithSender replaces the configured notification sender.
func WithSender(s notify.Sender) Option {
	return func(o *buildOptions) { o.sender = s }
}

// WithHasher replaces the default argon2id hasher.
func WithHasher(h *auth.Hasher) Option {
	return func(o *buildOptions) { o.hasher = h }
}

// Build opens the configured backends and wires the services on top of them.
// On error every resource opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}

	a := &App{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	principals, tokenStore, err := a.openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Principals = principals

	table, err := permissionTable(cfg.Permissions.File)
	if err != nil {
		return nil, err
	}
	engine, err := auth.NewPermissionEngine(table)
	if err != nil {
		return nil, err
	}

	hasher := bo.hasher
	if hasher == nil {
		if hasher, err = auth.NewHasher(auth.DefaultArgon2Params); err != nil {
			return nil, err
		}
	}
	sessions, err := auth.NewSessionIssuer(auth.SessionConfig{
		Secret:      []byte(cfg.Session.Secret),
		Issuer:      cfg.Session.Issuer,
		TTL:         cfg.Session.TTL,
		RememberTTL: cfg.Session.RememberTTL,
	})
	if err != nil {
		return nil, err
	}
	links, err := auth.NewLinkBuilder(cfg.App.PublicBaseURL)
	if err != nil {
		return nil, err
	}

	sender := bo.sender
	if sender == nil {
		sender = newSender(cfg.Notify)
	}
	a.Dispatcher = notify.NewDispatcher(sender, cfg.Notify.Timeout)
	renderer := notify.NewRenderer(cfg.App.Name, cfg.Notify.SMTP.ReplyTo)

	a.Tokens = auth.NewTokenIssuer(tokenStore, auth.WithTTLs(cfg.Tokens.InviteTTL, cfg.Tokens.ResetTTL))
	a.Services = httpapi.Services{
		Authenticator: auth.NewAuthenticator(principals, hasher, sessions),
		Invitations:   auth.NewInvitations(principals, a.Tokens, hasher, a.Dispatcher, renderer, links),
		Recovery:      auth.NewRecovery(principals, a.Tokens, hasher, a.Dispatcher, renderer, links),
		Admin:         auth.NewAdmin(principals, a.Tokens, hasher),
		Permissions:   engine,
	}
	a.Janitor = janitor.New(a.Tokens, cfg.Tokens.Retention)
	a.Ready = httpapi.ReadyProbe{DB: a.db}
	if rs, ok := tokenStore.(*redisstore.TokenStore); ok {
		a.Ready.Redis = rs
	}
	return a, nil
}

func (a *App) openStores(ctx context.Context, cfg *config.Config) (auth.PrincipalStore, auth.TokenStore, error) {
	var (
		principals auth.PrincipalStore
		mem        *memory.Store
		pgStore    *pg.Store
	)
	switch cfg.Database.Driver {
	case "postgres":
		s, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		a.db = s.DB()
		a.closers = append(a.closers, s.Close)
		if cfg.Database.AutoMigrate {
			if _, err := migrate.NewManager(s.DB(), migrate.Files()).Up(ctx); err != nil {
				return nil, nil, fmt.Errorf("auto migrate: %w", err)
			}
		}
		pgStore, principals = s, s
	case "memory":
		obs.Logger().Warn("database.driver=memory: principals are not persisted")
		mem = memory.New()
		principals = mem
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	switch cfg.Tokens.Backend {
	case "postgres":
		if pgStore == nil {
			return nil, nil, errors.New("tokens.backend postgres requires database.driver postgres")
		}
		return principals, pgStore, nil
	case "redis":
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, a.redis.Close)
		return principals, redisstore.New(a.redis, cfg.Redis.Prefix, cfg.Tokens.Retention), nil
	case "memory":
		if mem == nil {
			mem = memory.New()
		}
		return principals, mem, nil
	default:
		return nil, nil, fmt.Errorf("unknown token backend %q", cfg.Tokens.Backend)
	}
}

func permissionTable(path string) (auth.PermissionTable, error) {
	if path == "" {
		return auth.DefaultPermissionTable()
	}
	table, err := auth.ReadPermissionFile(path)
	if err != nil {
		return nil, fmt.Errorf("permissions file %s: %w", path, err)
	}
	return table, nil
}

func newSender(cfg config.NotifyConfig) notify.Sender {
	if cfg.Driver == "smtp" {
		return notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			ReplyTo:  cfg.SMTP.ReplyTo,
		})
	}
	return notify.LogSender{Log: obs.Logger().WithField("component", "notify")}
}

// DB exposes the SQL handle, nil when running on the memory driver.
func (a *App) DB() *sql.DB { return a.db }

// Shutdown drains in-flight notifications, stops the janitor and releases
// connections.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.Janitor != nil {
		if err := a.Janitor.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop janitor: %w", err))
		}
	}
	if a.Dispatcher != nil {
		if err := a.Dispatcher.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain notifications: %w", err))
		}
	}
	if err := a.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases stores without waiting for background work.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
