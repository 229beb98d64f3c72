package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"erpid.org/internal/ids"
	"erpid.org/internal/notify"
	"erpid.org/internal/obs"
)

// InviteRequest describes a principal to onboard.
type InviteRequest struct {
	Email       string
	FirstName   string
	LastName    string
	UserType    UserType
	Role        Role
	Portal      LoginPortal
	EmployeeID  string
	CustomerID  string
	CompanyName string
	InvitedBy   string
}

// InvitationResult reports what Invite did. A non-empty DeliveryWarning means
// the principal and token exist but the message was not handed off.
type InvitationResult struct {
	Principal       Principal `json:"principal"`
	ExpiresAt       time.Time `json:"expires_at"`
	Reinvited       bool      `json:"reinvited"`
	DeliveryID      string    `json:"delivery_id,omitempty"`
	DeliveryWarning string    `json:"delivery_warning,omitempty"`
}

// Invitations runs onboarding: pending principal, invite token, message.
type Invitations struct {
	principals PrincipalStore
	tokens     *TokenIssuer
	hasher     *Hasher
	dispatcher *notify.Dispatcher
	renderer   *notify.Renderer
	links      LinkBuilder
	now        func() time.Time
}

func NewInvitations(principals PrincipalStore, tokens *TokenIssuer, hasher *Hasher, dispatcher *notify.Dispatcher, renderer *notify.Renderer, links LinkBuilder) *Invitations {
	return &Invitations{
		principals: principals,
		tokens:     tokens,
		hasher:     hasher,
		dispatcher: dispatcher,
		renderer:   renderer,
		links:      links,
		now:        time.Now,
	}
}

func (r InviteRequest) validate() error {
	if !ValidEmail(r.Email) {
		return fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if strings.TrimSpace(r.FirstName) == "" {
		return fmt.Errorf("%w: first name is required", ErrInvalidInput)
	}
	if !r.UserType.Valid() {
		return fmt.Errorf("%w: unknown user type %q", ErrInvalidInput, r.UserType)
	}
	if !RoleAllowed(r.UserType, r.Role) {
		return fmt.Errorf("%w: %s cannot hold role %q", ErrInvalidRoleForUserType, r.UserType, r.Role)
	}
	if !IsEligible(r.UserType, r.Portal) {
		return fmt.Errorf("%w: %s cannot use portal %q", ErrPortalNotAllowed, r.UserType, r.Portal)
	}
	return nil
}

// Invite creates or refreshes a pending principal and sends an activation
// link. Role and portal are checked before any storage access.
func (inv *Invitations) Invite(ctx context.Context, req InviteRequest) (InvitationResult, error) {
	if err := req.validate(); err != nil {
		return InvitationResult{}, err
	}

	now := inv.now().UTC()
	existing, err := inv.principals.FindByEmail(ctx, req.Email)
	switch {
	case err == nil && existing.Status != StatusPendingInvitation:
		return InvitationResult{}, ErrAlreadyExists
	case err == nil && existing.UserType != req.UserType:
		return InvitationResult{}, fmt.Errorf("%w: pending invitation is for %s", ErrAlreadyExists, existing.UserType)
	case err != nil && !errors.Is(err, ErrNotFound):
		return InvitationResult{}, fmt.Errorf("lookup principal: %w", err)
	}

	p := Principal{
		ID:        ids.NewAt(now),
		CreatedAt: now,
	}
	reinvited := existing != nil && err == nil
	if reinvited {
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
	}
	p.Email = strings.TrimSpace(req.Email)
	p.FirstName = strings.TrimSpace(req.FirstName)
	p.LastName = strings.TrimSpace(req.LastName)
	p.UserType = req.UserType
	p.Role = req.Role
	p.DefaultPortal = req.Portal
	p.Status = StatusPendingInvitation
	p.EmployeeID = strings.TrimSpace(req.EmployeeID)
	p.CustomerID = strings.TrimSpace(req.CustomerID)
	p.CompanyName = strings.TrimSpace(req.CompanyName)
	p.UpdatedAt = now

	if err := inv.principals.Save(ctx, &p); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return InvitationResult{}, ErrAlreadyExists
		}
		return InvitationResult{}, fmt.Errorf("save principal: %w", err)
	}

	res, err := inv.deliver(ctx, p)
	if err != nil {
		return InvitationResult{}, err
	}
	res.Reinvited = reinvited
	obs.Logger().WithFields(logrus.Fields{
		"principal_id": p.ID,
		"user_type":    string(p.UserType),
		"role":         string(p.Role),
		"invited_by":   req.InvitedBy,
		"reinvited":    reinvited,
	}).Info("principal invited")
	return res, nil
}

// Resend issues a fresh invite token for a principal still awaiting
// activation. The previous link stops working.
func (inv *Invitations) Resend(ctx context.Context, principalID string) (InvitationResult, error) {
	p, err := inv.principals.FindByID(ctx, principalID)
	if err != nil {
		return InvitationResult{}, err
	}
	if p.Status != StatusPendingInvitation {
		return InvitationResult{}, fmt.Errorf("%w: principal is not awaiting an invitation", ErrInvalidInput)
	}
	res, err := inv.deliver(ctx, *p)
	if err != nil {
		return InvitationResult{}, err
	}
	res.Reinvited = true
	return res, nil
}

func (inv *Invitations) deliver(ctx context.Context, p Principal) (InvitationResult, error) {
	raw, tok, err := inv.tokens.Issue(ctx, p.ID, PurposeInvite)
	if err != nil {
		return InvitationResult{}, err
	}
	res := InvitationResult{Principal: p, ExpiresAt: tok.ExpiresAt}

	msg, err := inv.renderer.Invitation(p.Email, notify.InvitationData{
		FirstName: p.FirstName,
		Portal:    string(p.DefaultPortal),
		URL:       inv.links.Activation(raw),
		ExpiresAt: tok.ExpiresAt,
	})
	if err == nil {
		res.DeliveryID, err = inv.dispatcher.Send(ctx, "invite", msg)
	}
	if err != nil {
		res.DeliveryWarning = "invitation created but the message could not be delivered; resend it later"
	}
	return res, nil
}

// AcceptInvitation redeems an invite token, sets the first password and
// activates the principal.
func (inv *Invitations) AcceptInvitation(ctx context.Context, raw, newPassword string) (Principal, error) {
	if err := CheckPasswordPolicy(newPassword); err != nil {
		return Principal{}, err
	}
	principalID, err := inv.tokens.Redeem(ctx, raw, PurposeInvite)
	if err != nil {
		return Principal{}, err
	}
	p, err := inv.principals.FindByID(ctx, principalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrTokenInvalid
		}
		return Principal{}, fmt.Errorf("lookup principal: %w", err)
	}
	if p.Status != StatusPendingInvitation {
		return Principal{}, ErrTokenInvalid
	}
	hash, err := inv.hasher.Hash(newPassword)
	if err != nil {
		return Principal{}, fmt.Errorf("hash password: %w", err)
	}
	if err := inv.principals.Activate(ctx, p.ID, hash); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrTokenInvalid
		}
		return Principal{}, fmt.Errorf("activate principal: %w", err)
	}
	p.CredentialHash = hash
	p.Status = StatusActive
	p.UpdatedAt = inv.now().UTC()
	obs.Logger().WithField("principal_id", p.ID).Info("invitation accepted")
	return *p, nil
}
