// Package domain contains core domain types for the vpsdeck console.
package domain

import "strings"

// RoleAdmin is the role label that unlocks admin-only views.
const RoleAdmin = "admin"

// Identity is the operator identity returned by the backend for a valid token.
type Identity struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// IsAdmin reports whether the role is admin, ignoring case.
func (i Identity) IsAdmin() bool {
	return strings.EqualFold(strings.TrimSpace(i.Role), RoleAdmin)
}

// LoginResult is the payload returned by a successful login exchange.
type LoginResult struct {
	Token string `json:"token"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Identity returns the identity part of the login result.
func (r LoginResult) Identity() Identity {
	return Identity{Email: r.Email, Role: r.Role}
}
