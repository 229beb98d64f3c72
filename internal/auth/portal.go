package auth

// Portal and role tables are static. Each switch lists every UserType and
// falls through to an empty result, so an unknown type is eligible for
// nothing. A new user type left out of a table shows up as an empty entry in
// the table coverage test.

// EligiblePortals returns the portals a user type may authenticate against.
func EligiblePortals(t UserType) []LoginPortal {
	switch t {
	case UserTypeERP:
		return []LoginPortal{PortalERP, PortalEmployee, PortalCustomer}
	case UserTypeEmployee:
		return []LoginPortal{PortalEmployee}
	case UserTypeCustomer:
		return []LoginPortal{PortalCustomer}
	}
	return nil
}

// IsEligible reports whether a principal of type t may log into portal p.
func IsEligible(t UserType, p LoginPortal) bool {
	for _, candidate := range EligiblePortals(t) {
		if candidate == p {
			return true
		}
	}
	return false
}

// DefaultPortal is the portal a user type lands on when none is requested.
func DefaultPortal(t UserType) LoginPortal {
	switch t {
	case UserTypeERP:
		return PortalERP
	case UserTypeEmployee:
		return PortalEmployee
	case UserTypeCustomer:
		return PortalCustomer
	}
	return ""
}

// RolesFor returns the closed set of roles a user type may hold.
func RolesFor(t UserType) []Role {
	switch t {
	case UserTypeERP:
		return []Role{
			RoleSuperAdmin,
			RoleAdmin,
			RoleManager,
			RoleAccountant,
			RoleFleetManager,
			RoleInventoryManager,
			RoleViewer,
		}
	case UserTypeEmployee:
		return []Role{RoleHRManager, RoleEmployee}
	case UserTypeCustomer:
		return []Role{RoleCustomerAdmin, RoleCustomer}
	}
	return nil
}

// DefaultRole is the least privileged role of a user type.
func DefaultRole(t UserType) Role {
	switch t {
	case UserTypeERP:
		return RoleViewer
	case UserTypeEmployee:
		return RoleEmployee
	case UserTypeCustomer:
		return RoleCustomer
	}
	return ""
}

// RoleAllowed reports whether role r belongs to user type t.
func RoleAllowed(t UserType, r Role) bool {
	for _, candidate := range RolesFor(t) {
		if candidate == r {
			return true
		}
	}
	return false
}

func userTypeOfRole(r Role) (UserType, bool) {
	for _, t := range AllUserTypes() {
		if RoleAllowed(t, r) {
			return t, true
		}
	}
	return "", false
}
