// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package sec

import "time"

// # User Roles

// UserRole represents the authorization level granted to an account.
type UserRole string

const (
	// Unrestricted system access
	RoleAdmin UserRole = "admin"

	// Machine callers (integrations, schedulers)
	RoleService UserRole = "service"

	// Paid plan with higher request budgets
	RolePremium UserRole = "premium"

	// Default role for standard registered users
	RoleMember UserRole = "member"
)

// # Role Hierarchy

// AtLeast checks if the current role meets or exceeds the required target role.
func (r UserRole) AtLeast(target UserRole) bool {
	return r.level() >= target.level()
}

// level maps a role to a numeric hierarchy level for comparison logic.
func (r UserRole) level() int {

	// Linear scale (10-40) allows for future intermediate roles
	switch r {
	case RoleAdmin:
		return 40
	case RoleService:
		return 30
	case RolePremium:
		return 20
	case RoleMember:
		return 10
	default:
		return 0
	}
}

// # Request Identity

// Identity is the authenticated caller attached to a request by the gateway.
type Identity struct {
	UserID          string
	SessionID       string
	TokenID         string
	Roles           []string
	Permissions     []string
	IssuedAt        time.Time
	ExpiresAt       time.Time
	IsAuthenticated bool
}

// IdentityFromClaims builds the request identity from verified claims.
func IdentityFromClaims(claims *Claims) *Identity {
	identity := &Identity{
		UserID:          claims.Subject,
		SessionID:       claims.SessionID,
		TokenID:         claims.ID,
		Roles:           claims.Roles,
		Permissions:     claims.Permissions,
		IsAuthenticated: true,
	}
	if claims.IssuedAt != nil {
		identity.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity
}

// HasRole reports whether the identity carries a role at or above target.
func (identity *Identity) HasRole(target UserRole) bool {
	return identity.HighestRole().AtLeast(target)
}

// HighestRole returns the strongest role carried by the identity.
func (identity *Identity) HighestRole() UserRole {
	var highest UserRole
	for _, role := range identity.Roles {
		if UserRole(role).level() > highest.level() {
			highest = UserRole(role)
		}
	}
	return highest
}
