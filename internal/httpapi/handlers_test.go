package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erpid.org/internal/auth"
	"erpid.org/internal/notify"
	"erpid.org/internal/store/memory"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type apiClient struct {
	baseURL    string
	client     *http.Client
	t          *testing.T
	store      *memory.Store
	hasher     *auth.Hasher
	outbox     *notify.Recorder
	dispatcher *notify.Dispatcher
}

type envelopeBody struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	RequestID string          `json:"request_id"`
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	store := memory.New()
	hasher, err := auth.NewHasher(auth.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, KeyLength: 32, SaltLength: 16})
	require.NoError(t, err)
	sessions, err := auth.NewSessionIssuer(auth.SessionConfig{Secret: []byte(testSecret)})
	require.NoError(t, err)
	table, err := auth.DefaultPermissionTable()
	require.NoError(t, err)
	engine, err := auth.NewPermissionEngine(table)
	require.NoError(t, err)
	links, err := auth.NewLinkBuilder("https://erp.example.com")
	require.NoError(t, err)

	outbox := &notify.Recorder{}
	dispatcher := notify.NewDispatcher(outbox, time.Second)
	renderer := notify.NewRenderer("Acme ERP", "")
	tokens := auth.NewTokenIssuer(store)

	api := New(ReadyProbe{}, "test", Services{
		Authenticator: auth.NewAuthenticator(store, hasher, sessions),
		Invitations:   auth.NewInvitations(store, tokens, hasher, dispatcher, renderer, links),
		Recovery:      auth.NewRecovery(store, tokens, hasher, dispatcher, renderer, links),
		Admin:         auth.NewAdmin(store, tokens, hasher),
		Permissions:   engine,
	}, Options{RateLimit: 1000, RateBurst: 1000})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL:    srv.URL,
		client:     srv.Client(),
		t:          t,
		store:      store,
		hasher:     hasher,
		outbox:     outbox,
		dispatcher: dispatcher,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

// seed stores an active principal with the given password.
func (c *apiClient) seed(id, email string, ut auth.UserType, role auth.Role, password string) {
	c.t.Helper()
	hash, err := c.hasher.Hash(password)
	require.NoError(c.t, err)
	p := auth.Principal{
		ID: id, Email: email, FirstName: "Test", UserType: ut, Role: role,
		DefaultPortal: auth.DefaultPortal(ut), CredentialHash: hash, Status: auth.StatusActive,
	}
	require.NoError(c.t, c.store.Save(context.Background(), &p))
}

func (c *apiClient) login(email, password string, portal auth.LoginPortal) string {
	c.t.Helper()
	resp := c.post("/login", map[string]any{"email": email, "password": password, "portal": portal}, nil)
	body := decode(c.t, resp)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("login %s: unexpected status %d (%s)", email, resp.StatusCode, body.Error)
	}
	var session auth.Session
	require.NoError(c.t, json.Unmarshal(body.Data, &session))
	if session.Token == "" {
		c.t.Fatalf("empty session token")
	}
	return session.Token
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode(t *testing.T, r *http.Response) envelopeBody {
	t.Helper()
	defer r.Body.Close()
	var v envelopeBody
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func tokenFromMessage(t *testing.T, msg notify.Message) string {
	t.Helper()
	i := strings.Index(msg.TextBody, "token=")
	require.GreaterOrEqual(t, i, 0, "no token in message")
	rest := msg.TextBody[i+len("token="):]
	if j := strings.IndexAny(rest, " \r\n"); j >= 0 {
		rest = rest[:j]
	}
	raw, err := url.QueryUnescape(rest)
	require.NoError(t, err)
	return raw
}

func TestInviteAcceptLoginFlow(t *testing.T) {
	api := newTestAPI(t)
	api.seed("admin-1", "root@acme.test", auth.UserTypeERP, auth.RoleSuperAdmin, "Admin1234")
	admin := api.login("root@acme.test", "Admin1234", auth.PortalERP)

	resp := api.post("/invite", map[string]any{
		"email":      "jane@acme.test",
		"firstName":  "Jane",
		"userType":   "EMPLOYEE",
		"employeeId": "E-17",
	}, bearerHeader(admin))
	body := decode(t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body.Error)
	var invited auth.InvitationResult
	require.NoError(t, json.Unmarshal(body.Data, &invited))
	assert.Equal(t, auth.StatusPendingInvitation, invited.Principal.Status)
	assert.Equal(t, auth.PortalEmployee, invited.Principal.DefaultPortal)
	assert.Empty(t, invited.DeliveryWarning)

	msg, ok := api.outbox.Last("jane@acme.test")
	require.True(t, ok)
	token := tokenFromMessage(t, msg)

	resp = api.post("/accept-invitation", map[string]any{"token": token, "newPassword": "short"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()

	resp = api.post("/accept-invitation", map[string]any{"token": token, "newPassword": "Welcome123"}, nil)
	body = decode(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, body.Error)

	resp = api.post("/accept-invitation", map[string]any{"token": token, "newPassword": "Welcome123"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "replayed invitation")
	resp.Body.Close()

	employee := api.login("jane@acme.test", "Welcome123", auth.PortalEmployee)

	resp = api.post("/login", map[string]any{"email": "jane@acme.test", "password": "Welcome123", "portal": "ERP_SYSTEM"}, nil)
	body = decode(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "portal not allowed", body.Error)
	assert.False(t, body.Success)

	headers := bearerHeader(employee)
	headers[portalHeader] = "EMPLOYEE_PORTAL"
	resp = api.get("/session", nil, headers)
	body = decode(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, body.Error)
	var session sessionResponse
	require.NoError(t, json.Unmarshal(body.Data, &session))
	assert.Equal(t, invited.Principal.ID, session.PrincipalID)
	assert.Equal(t, auth.RoleEmployee, session.Role)

	resp = api.get("/session", url.Values{"portal": {"ERP_SYSTEM"}}, bearerHeader(employee))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "session is bound to its portal")
	resp.Body.Close()
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	api := newTestAPI(t)
	api.seed("p-1", "known@acme.test", auth.UserTypeEmployee, auth.RoleEmployee, "Correct123")

	var errs []string
	for _, creds := range [][2]string{
		{"known@acme.test", "Wrong1234"},
		{"nobody@acme.test", "Wrong1234"},
	} {
		resp := api.post("/login", map[string]any{"email": creds[0], "password": creds[1], "portal": "EMPLOYEE_PORTAL"}, nil)
		body := decode(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		errs = append(errs, body.Error)
	}
	assert.Equal(t, errs[0], errs[1])
}

func TestAdminRoutesEnforceSessionAndPermission(t *testing.T) {
	api := newTestAPI(t)
	api.seed("v-1", "viewer@acme.test", auth.UserTypeERP, auth.RoleViewer, "Viewer123")
	api.seed("e-1", "emp@acme.test", auth.UserTypeEmployee, auth.RoleEmployee, "Employee1")
	viewer := api.login("viewer@acme.test", "Viewer123", auth.PortalERP)
	employee := api.login("emp@acme.test", "Employee1", auth.PortalEmployee)

	invite := map[string]any{"email": "x@acme.test", "firstName": "X", "userType": "CUSTOMER"}

	resp := api.post("/invite", invite, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = api.post("/invite", invite, bearerHeader(viewer))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = api.post("/invite", invite, bearerHeader(employee))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "employee-portal session on the ERP surface")
	resp.Body.Close()

	resp = api.get("/permissions", nil, bearerHeader(viewer))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestInviteValidation(t *testing.T) {
	api := newTestAPI(t)
	api.seed("admin-1", "root@acme.test", auth.UserTypeERP, auth.RoleAdmin, "Admin1234")
	admin := bearerHeader(api.login("root@acme.test", "Admin1234", auth.PortalERP))

	resp := api.post("/invite", map[string]any{"email": "c@acme.test", "firstName": "C", "userType": "CUSTOMER", "role": "HR_MANAGER"}, admin)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()

	resp = api.post("/invite", map[string]any{"email": "c@acme.test", "firstName": "C", "userType": "CUSTOMER", "portal": "ERP_SYSTEM"}, admin)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()

	resp = api.post("/invite", map[string]any{"email": "not-an-email", "firstName": "C", "userType": "CUSTOMER"}, admin)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = api.post("/invite", map[string]any{"email": "root@acme.test", "firstName": "R", "userType": "ERP_USER"}, admin)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
	assert.Empty(t, api.outbox.Sent())
}

func TestPermissionsSearch(t *testing.T) {
	api := newTestAPI(t)
	api.seed("admin-1", "root@acme.test", auth.UserTypeERP, auth.RoleSuperAdmin, "Admin1234")
	admin := bearerHeader(api.login("root@acme.test", "Admin1234", auth.PortalERP))

	resp := api.get("/permissions", url.Values{"category": {"hr"}}, admin)
	body := decode(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, body.Error)
	var cats []auth.CategoryPermissions
	require.NoError(t, json.Unmarshal(body.Data, &cats))
	require.Len(t, cats, 1)
	assert.Equal(t, "hr", cats[0].Category)
	assert.Contains(t, cats[0].Permissions, "hr.delete")

	resp = api.get("/permissions", url.Values{"category": {"nope"}}, admin)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestForgotPasswordDoesNotRevealAccounts(t *testing.T) {
	api := newTestAPI(t)
	api.seed("p-1", "known@acme.test", auth.UserTypeCustomer, auth.RoleCustomer, "Customer1")

	known := api.post("/forgot-password", map[string]any{"email": "known@acme.test"}, nil)
	knownBody := decode(t, known)
	unknown := api.post("/forgot-password", map[string]any{"email": "ghost@acme.test"}, nil)
	unknownBody := decode(t, unknown)

	assert.Equal(t, known.StatusCode, unknown.StatusCode)
	assert.Equal(t, string(knownBody.Data), string(unknownBody.Data))
	assert.True(t, knownBody.Success)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, api.dispatcher.Wait(ctx))
	require.Len(t, api.outbox.Sent(), 1)
	token := tokenFromMessage(t, api.outbox.Sent()[0])

	resp := api.post("/reset-password", map[string]any{"token": token, "newPassword": "Changed123"}, nil)
	body := decode(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, body.Error)
	api.login("known@acme.test", "Changed123", auth.PortalCustomer)

	resp = api.post("/reset-password", map[string]any{"token": token, "newPassword": "Again12345"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestDisableBlocksLogin(t *testing.T) {
	api := newTestAPI(t)
	api.seed("admin-1", "root@acme.test", auth.UserTypeERP, auth.RoleAdmin, "Admin1234")
	api.seed("e-1", "emp@acme.test", auth.UserTypeEmployee, auth.RoleEmployee, "Employee1")
	admin := bearerHeader(api.login("root@acme.test", "Admin1234", auth.PortalERP))

	resp := api.post("/principals/e-1/disable", nil, admin)
	body := decode(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, body.Error)

	resp = api.post("/login", map[string]any{"email": "emp@acme.test", "password": "Employee1", "portal": "EMPLOYEE_PORTAL"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = api.post("/principals/e-1/enable", nil, admin)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	api.login("emp@acme.test", "Employee1", auth.PortalEmployee)

	resp = api.post("/principals/admin-1/disable", nil, admin)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()

	resp = api.post("/principals/missing/disable", nil, admin)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = api.post("/principals/e-1/resend-invitation", nil, admin)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, "active principal has no invitation")
	resp.Body.Close()
}

func TestDisabledAdminSessionLosesAccess(t *testing.T) {
	api := newTestAPI(t)
	api.seed("admin-1", "root@acme.test", auth.UserTypeERP, auth.RoleSuperAdmin, "Admin1234")
	api.seed("admin-2", "second@acme.test", auth.UserTypeERP, auth.RoleAdmin, "Admin5678")
	first := bearerHeader(api.login("root@acme.test", "Admin1234", auth.PortalERP))
	second := bearerHeader(api.login("second@acme.test", "Admin5678", auth.PortalERP))

	resp := api.post("/principals/admin-2/disable", nil, first)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = api.post("/invite", map[string]any{"email": "x@acme.test", "firstName": "X", "userType": "CUSTOMER"}, second)
	body := decode(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("disabled admin invited: status %d (%s)", resp.StatusCode, body.Error)
	}
	if got := len(api.outbox.Sent()); got != 0 {
		t.Fatalf("expected no messages, got %d", got)
	}

	second["X-Portal"] = string(auth.PortalERP)
	resp = api.get("/session", nil, second)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMalformedRequests(t *testing.T) {
	api := newTestAPI(t)

	req, err := http.NewRequest(http.MethodPost, api.baseURL+"/login", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp, err := api.client.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = api.post("/login", map[string]any{"email": "a@b.co", "password": "x", "portal": "MOON_BASE"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = api.post("/login", map[string]any{"email": "a@b.co", "password": "x", "portal": "ERP_SYSTEM", "extra": 1}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = api.get("/login", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthAndReady(t *testing.T) {
	api := newTestAPI(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		resp := api.get(path, nil, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
		resp.Body.Close()
	}
}
