// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package users provides the account lookup consumed by the gateway and the
login endpoint.

The gateway only needs to know whether an account still exists and is
active; account management itself lives outside this service.
*/
package users

import (
	"errors"
	"time"

	"github.com/taibuivan/aegis/internal/platform/sec"
)

// ErrUserNotFound is returned when no live account matches a lookup.
var ErrUserNotFound = errors.New("user not found")

// # Domain Entities

// User is an account as seen by the security layer.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Roles        []string  `json:"roles"`
	Permissions  []string  `json:"permissions,omitempty"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasRole reports whether the account carries role or a stronger one.
func (user *User) HasRole(role sec.UserRole) bool {
	for _, held := range user.Roles {
		if sec.UserRole(held).AtLeast(role) {
			return true
		}
	}
	return false
}
