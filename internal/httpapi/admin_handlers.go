package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"erpid.org/internal/audit"
	"erpid.org/internal/auth"
)

type inviteRequest struct {
	Email       string `json:"email" validate:"required,email"`
	FirstName   string `json:"firstName" validate:"required"`
	LastName    string `json:"lastName"`
	UserType    string `json:"userType" validate:"required"`
	Role        string `json:"role"`
	Portal      string `json:"portal"`
	EmployeeID  string `json:"employeeId"`
	CustomerID  string `json:"customerId"`
	CompanyName string `json:"companyName"`
}

func (a *API) handleInvite(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userType := auth.UserType(strings.ToUpper(strings.TrimSpace(req.UserType)))
	if !userType.Valid() {
		writeError(w, r, http.StatusBadRequest, "unknown userType")
		return
	}
	role := auth.Role(strings.ToUpper(strings.TrimSpace(req.Role)))
	if role == "" {
		role = auth.DefaultRole(userType)
	}
	portal := auth.LoginPortal(strings.ToUpper(strings.TrimSpace(req.Portal)))
	if portal == "" {
		portal = auth.DefaultPortal(userType)
	}
	inviter, _ := auth.PrincipalIDFromContext(r.Context())

	res, err := a.invitations.Invite(r.Context(), auth.InviteRequest{
		Email:       req.Email,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		UserType:    userType,
		Role:        role,
		Portal:      portal,
		EmployeeID:  req.EmployeeID,
		CustomerID:  req.CustomerID,
		CompanyName: req.CompanyName,
		InvitedBy:   inviter,
	})
	if err != nil {
		// An ineligible portal here is bad input, not a failed login.
		if errors.Is(err, auth.ErrPortalNotAllowed) {
			writeError(w, r, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventInvitationSent, map[string]any{
		"principal_id": res.Principal.ID,
		"user_type":    string(res.Principal.UserType),
		"role":         string(res.Principal.Role),
		"reinvited":    res.Reinvited,
		"delivered":    res.DeliveryWarning == "",
	})
	code := http.StatusCreated
	if res.Reinvited {
		code = http.StatusOK
	}
	writeData(w, code, res)
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	categories, err := a.perms.Search(q.Get("search"), q.Get("category"))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, categories)
}

func (a *API) handleDisable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if caller, _ := auth.PrincipalIDFromContext(r.Context()); caller == id {
		writeError(w, r, http.StatusUnprocessableEntity, "cannot disable own account")
		return
	}
	p, err := a.admin.Disable(r.Context(), id)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventPrincipalDisabled, map[string]any{"principal_id": p.ID})
	writeData(w, http.StatusOK, p)
}

func (a *API) handleEnable(w http.ResponseWriter, r *http.Request) {
	p, err := a.admin.Enable(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventPrincipalEnabled, map[string]any{
		"principal_id": p.ID,
		"status":       string(p.Status),
	})
	writeData(w, http.StatusOK, p)
}

func (a *API) handleResendInvitation(w http.ResponseWriter, r *http.Request) {
	res, err := a.invitations.Resend(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventInvitationSent, map[string]any{
		"principal_id": res.Principal.ID,
		"reinvited":    true,
		"delivered":    res.DeliveryWarning == "",
	})
	writeData(w, http.StatusOK, res)
}
