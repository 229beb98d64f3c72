package auth

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// UserType is fixed when a principal is created and decides which portals
// and roles are available to it.
type UserType string

const (
	UserTypeERP      UserType = "ERP_USER"
	UserTypeEmployee UserType = "EMPLOYEE"
	UserTypeCustomer UserType = "CUSTOMER"
)

// AllUserTypes lists every user type in declaration order.
func AllUserTypes() []UserType {
	return []UserType{UserTypeERP, UserTypeEmployee, UserTypeCustomer}
}

// Valid reports whether t is one of the declared user types.
func (t UserType) Valid() bool {
	switch t {
	case UserTypeERP, UserTypeEmployee, UserTypeCustomer:
		return true
	}
	return false
}

// LoginPortal is an authentication audience.
type LoginPortal string

const (
	PortalERP      LoginPortal = "ERP_SYSTEM"
	PortalEmployee LoginPortal = "EMPLOYEE_PORTAL"
	PortalCustomer LoginPortal = "CUSTOMER_PORTAL"
)

// AllPortals lists every portal in declaration order.
func AllPortals() []LoginPortal {
	return []LoginPortal{PortalERP, PortalEmployee, PortalCustomer}
}

func (p LoginPortal) Valid() bool {
	switch p {
	case PortalERP, PortalEmployee, PortalCustomer:
		return true
	}
	return false
}

// Role is a closed enumeration; each role belongs to exactly one user type.
type Role string

const (
	RoleSuperAdmin       Role = "SUPER_ADMIN"
	RoleAdmin            Role = "ADMIN"
	RoleManager          Role = "MANAGER"
	RoleAccountant       Role = "ACCOUNTANT"
	RoleFleetManager     Role = "FLEET_MANAGER"
	RoleInventoryManager Role = "INVENTORY_MANAGER"
	RoleViewer           Role = "VIEWER"

	RoleHRManager Role = "HR_MANAGER"
	RoleEmployee  Role = "EMPLOYEE"

	RoleCustomerAdmin Role = "CUSTOMER_ADMIN"
	RoleCustomer      Role = "CUSTOMER"
)

// AllRoles lists every role across all user types.
func AllRoles() []Role {
	var out []Role
	for _, t := range AllUserTypes() {
		out = append(out, RolesFor(t)...)
	}
	return out
}

// Valid reports whether r is a declared role of any user type.
func (r Role) Valid() bool {
	_, ok := userTypeOfRole(r)
	return ok
}

// Status is the lifecycle state of a principal.
type Status string

const (
	StatusPendingInvitation Status = "pending_invitation"
	StatusActive            Status = "active"
	StatusDisabled          Status = "disabled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPendingInvitation, StatusActive, StatusDisabled:
		return true
	}
	return false
}

// Purpose scopes a security token to the workflow that may redeem it.
type Purpose string

const (
	PurposeInvite        Purpose = "invite"
	PurposePasswordReset Purpose = "password_reset"
)

func (p Purpose) Valid() bool {
	switch p {
	case PurposeInvite, PurposePasswordReset:
		return true
	}
	return false
}

// Principal is one person who can authenticate against one or more portals.
type Principal struct {
	ID             string      `json:"id"`
	Email          string      `json:"email"`
	FirstName      string      `json:"first_name"`
	LastName       string      `json:"last_name"`
	UserType       UserType    `json:"user_type"`
	Role           Role        `json:"role"`
	DefaultPortal  LoginPortal `json:"default_portal"`
	CredentialHash string      `json:"-"`
	Status         Status      `json:"status"`

	// Informational only; never consulted for authorization.
	EmployeeID  string `json:"employee_id,omitempty"`
	CustomerID  string `json:"customer_id,omitempty"`
	CompanyName string `json:"company_name,omitempty"`

	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// FullName joins first and last name.
func (p Principal) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Validate checks the data-integrity invariants of a principal. A failing
// principal must never be persisted.
func (p Principal) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	if !ValidEmail(p.Email) {
		return fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if !p.UserType.Valid() {
		return fmt.Errorf("%w: unknown user type %q", ErrInvalidInput, p.UserType)
	}
	if !RoleAllowed(p.UserType, p.Role) {
		return fmt.Errorf("%w: %s cannot hold role %q", ErrInvalidRoleForUserType, p.UserType, p.Role)
	}
	if !IsEligible(p.UserType, p.DefaultPortal) {
		return fmt.Errorf("%w: %s cannot default to %q", ErrPortalNotAllowed, p.UserType, p.DefaultPortal)
	}
	if !p.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, p.Status)
	}
	if p.Status == StatusActive && p.CredentialHash == "" {
		return fmt.Errorf("%w: active principal requires a credential", ErrInvalidInput)
	}
	return nil
}

// ValidEmail accepts a bare RFC 5322 address: no display name, no angle
// brackets, no line breaks.
func ValidEmail(email string) bool {
	email = strings.TrimSpace(email)
	if email == "" || strings.ContainsAny(email, "\r\n") {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Name == "" && addr.Address == email
}

// NormalizeEmail is the canonical form used for uniqueness and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SecurityToken is the persisted form of a single-use capability. The raw
// token value is never stored; only its SHA-256 hash.
type SecurityToken struct {
	ID          string
	TokenHash   string
	PrincipalID string
	Purpose     Purpose
	IssuedAt    time.Time
	ExpiresAt   time.Time
	ConsumedAt  *time.Time
	Revoked     bool
}

// Redeemable reports whether the token may still be consumed at now.
func (t SecurityToken) Redeemable(now time.Time) bool {
	return t.ConsumedAt == nil && now.Before(t.ExpiresAt)
}
