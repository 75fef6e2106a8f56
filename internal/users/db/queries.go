package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New binds Queries to a database handle or transaction
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// Queries holds the user table queries
type Queries struct {
	db DBTX
}

// User mirrors the users table row
type User struct {
	ID         uuid.UUID
	Username   string
	Email      string
	IsAdmin    bool
	IsLoggedIn bool
	GroupID    uuid.NullUUID
	CreatedAt  time.Time
}

const getUser = `
SELECT id, username, email, is_admin, is_logged_in, group_id, created_at
FROM users
WHERE id = $1
`

func (q *Queries) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	row := q.db.QueryRowContext(ctx, getUser, id)
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.IsAdmin, &u.IsLoggedIn, &u.GroupID, &u.CreatedAt)
	return u, err
}

const setLoggedIn = `
UPDATE users
SET is_logged_in = $2
WHERE id = $1 AND is_logged_in <> $2
`

// SetLoggedIn flips the login flag and reports whether a row actually
// changed, so callers can make the transition idempotent.
func (q *Queries) SetLoggedIn(ctx context.Context, id uuid.UUID, loggedIn bool) (bool, error) {
	res, err := q.db.ExecContext(ctx, setLoggedIn, id, loggedIn)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
