package httpapi

import (
	"net/http"
	"strings"
	"time"

	"erpid.org/internal/audit"
	"erpid.org/internal/auth"
)

type loginRequest struct {
	Email      string `json:"email" validate:"required"`
	Password   string `json:"password" validate:"required"`
	Portal     string `json:"portal" validate:"required"`
	RememberMe bool   `json:"rememberMe"`
}

type forgotPasswordRequest struct {
	Email string `json:"email" validate:"required"`
}

type tokenPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	portal := auth.LoginPortal(strings.ToUpper(strings.TrimSpace(req.Portal)))
	if !portal.Valid() {
		writeError(w, r, http.StatusBadRequest, "unknown portal")
		return
	}

	session, err := a.authn.Login(r.Context(), auth.LoginRequest{
		Email:      req.Email,
		Password:   req.Password,
		Portal:     portal,
		RememberMe: req.RememberMe,
	})
	if err != nil {
		_ = audit.LogEvent(r.Context(), audit.EventLoginFailed, map[string]any{
			"portal": string(portal),
			"reason": err.Error(),
		})
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventLoginSucceeded, map[string]any{
		"principal_id": session.PrincipalID,
		"portal":       string(session.Portal),
		"remember":     session.Remember,
	})
	writeData(w, http.StatusOK, session)
}

// handleForgotPassword answers identically whether or not the email is known.
func (a *API) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.recovery.RequestReset(r.Context(), req.Email); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventResetRequested, nil)
	writeData(w, http.StatusOK, map[string]string{
		"message": "If the account exists, a reset link has been sent.",
	})
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req tokenPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.recovery.CompleteReset(r.Context(), req.Token, req.NewPassword); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventResetCompleted, nil)
	writeData(w, http.StatusOK, map[string]string{"message": "Password updated."})
}

func (a *API) handleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	var req tokenPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := a.invitations.AcceptInvitation(r.Context(), req.Token, req.NewPassword)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventInvitationAccepted, map[string]any{"principal_id": p.ID})
	writeData(w, http.StatusOK, p)
}

type sessionResponse struct {
	PrincipalID string           `json:"principal_id"`
	UserType    auth.UserType    `json:"user_type"`
	Role        auth.Role        `json:"role"`
	Portal      auth.LoginPortal `json:"portal"`
	Remember    bool             `json:"remember"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
	Permissions []string         `json:"permissions"`
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.SessionFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing session")
		return
	}
	resp := sessionResponse{
		PrincipalID: claims.PrincipalID(),
		UserType:    claims.UserType,
		Role:        claims.Role,
		Portal:      claims.Portal,
		Remember:    claims.Remember,
		Permissions: a.perms.PermissionsFor(claims.Role),
	}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time.UTC()
		resp.ExpiresAt = &exp
	}
	writeData(w, http.StatusOK, resp)
}
