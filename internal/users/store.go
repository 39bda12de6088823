// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package users

import "context"

// # User Data Access

// Repository defines the read contract for user accounts.
type Repository interface {

	/*
		FindByID returns the account with the given ID.

		Parameters:
		  - context: context.Context
		  - id: string

		Returns:
		  - *User: Hydrated entity
		  - error: [ErrUserNotFound] or database retrieval failures
	*/
	FindByID(context context.Context, id string) (*User, error)

	/*
		FindByLogin returns the account whose email or username matches login.

		Parameters:
		  - context: context.Context
		  - login: string

		Returns:
		  - *User: Hydrated entity
		  - error: [ErrUserNotFound] or database retrieval failures
	*/
	FindByLogin(context context.Context, login string) (*User, error)
}
