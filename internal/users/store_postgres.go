// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package users

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/taibuivan/aegis/internal/platform/database/schema"
	"github.com/taibuivan/aegis/internal/platform/dberr"
)

// Querier is the subset of pgxpool.Pool the repository needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// # User Repository

// PostgresRepository implements [Repository] using pgx.
type PostgresRepository struct {
	pool Querier
}

// NewPostgresRepository creates a PostgreSQL implementation of [Repository].
func NewPostgresRepository(pool Querier) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

var (
	account = schema.UserAccount

	selectUserColumns = fmt.Sprintf(`
	SELECT %s
	FROM %s`, strings.Join(account.Columns(), ", "), account.Table)
)

/*
FindByID retrieves an account by primary key.

Description: Soft-deleted accounts are treated as missing.

Parameters:
  - context: context.Context
  - id: string

Returns:
  - *User: Hydrated account entity
  - error: ErrUserNotFound or database errors
*/
func (repository *PostgresRepository) FindByID(context context.Context, id string) (*User, error) {
	query := selectUserColumns + fmt.Sprintf(`
		WHERE %s = $1 AND %s IS NULL`, account.ID, account.DeletedAt)

	user, err := scanUser(repository.pool.QueryRow(context, query, id))
	if err != nil {
		return nil, mapError("find_by_id", err)
	}
	return user, nil
}

/*
FindByLogin retrieves an account by email (case-insensitive) or username.

Parameters:
  - context: context.Context
  - login: string

Returns:
  - *User: Hydrated account entity
  - error: ErrUserNotFound or database errors
*/
func (repository *PostgresRepository) FindByLogin(context context.Context, login string) (*User, error) {
	query := selectUserColumns + fmt.Sprintf(`
		WHERE (lower(%s) = $1 OR %s = $2) AND %s IS NULL
		LIMIT 1`, account.Email, account.Username, account.DeletedAt)

	login = strings.TrimSpace(login)
	user, err := scanUser(repository.pool.QueryRow(context, query, strings.ToLower(login), login))
	if err != nil {
		return nil, mapError("find_by_login", err)
	}
	return user, nil
}

func scanUser(row pgx.Row) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.Roles,
		&user.Permissions,
		&user.IsActive,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	return user, err
}

func mapError(operation string, err error) error {
	if dberr.IsNotFound(err) {
		return ErrUserNotFound
	}
	return fmt.Errorf("postgres_user_repo_%s_failed: %w", operation, err)
}
