package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"erpid.org/internal/auth"
	"erpid.org/internal/obs"
)

const serviceName = "erpid"

// Pinger is any backend that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the backing stores. Nil members are skipped.
type ReadyProbe struct {
	DB    *sql.DB
	Redis Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Services are the identity components the HTTP layer drives.
type Services struct {
	Authenticator *auth.Authenticator
	Invitations   *auth.Invitations
	Recovery      *auth.Recovery
	Admin         *auth.Admin
	Permissions   *auth.PermissionEngine
}

// Options tune the middleware stack.
type Options struct {
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	RateLimit      float64
	RateBurst      int
	AllowedOrigins []string
}

// API is the HTTP surface of the identity core.
type API struct {
	router     chi.Router
	readyProbe readinessChecker
	version    string
	opts       Options

	authn       *auth.Authenticator
	invitations *auth.Invitations
	recovery    *auth.Recovery
	admin       *auth.Admin
	perms       *auth.PermissionEngine
}

func New(rp readinessChecker, version string, svc Services, opts Options) *API {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	a := &API{
		readyProbe:  rp,
		version:     version,
		opts:        opts,
		authn:       svc.Authenticator,
		invitations: svc.Invitations,
		recovery:    svc.Recovery,
		admin:       svc.Admin,
		perms:       svc.Permissions,
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingJSON)
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(CORS(a.opts.AllowedOrigins))
	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(a.opts.RequestTimeout))
		r.Use(MaxBodyBytes(a.opts.MaxBodyBytes))
		r.Use(func(next http.Handler) http.Handler {
			return RateLimit(next, a.opts.RateBurst, a.opts.RateLimit)
		})

		r.Post("/login", a.handleLogin)
		r.Post("/forgot-password", a.handleForgotPassword)
		r.Post("/reset-password", a.handleResetPassword)
		r.Post("/accept-invitation", a.handleAcceptInvitation)

		r.With(a.withSession(requestedPortal)).Get("/session", a.handleSession)

		r.Group(func(r chi.Router) {
			r.Use(a.withSession(fixedPortal(auth.PortalERP)))

			r.With(a.requirePermission(auth.PermUsersInvite)).Post("/invite", a.handleInvite)
			r.With(a.requirePermission(auth.PermRolesRead)).Get("/permissions", a.handlePermissions)

			r.Route("/principals/{id}", func(r chi.Router) {
				r.With(a.requirePermission(auth.PermUsersUpdate)).Post("/disable", a.handleDisable)
				r.With(a.requirePermission(auth.PermUsersUpdate)).Post("/enable", a.handleEnable)
				r.With(a.requirePermission(auth.PermUsersInvite)).Post("/resend-invitation", a.handleResendInvitation)
			})
		})
	})
	return r
}

// Handler возвращает http.Handler для сервера (без доп. аргументов).
func (a *API) Handler() http.Handler {
	// оборачиваем весь роутер метриками
	return obs.Instrument(a.router)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.readyProbe != nil {
		if err := a.readyProbe.Check(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}
