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

// Queries holds the restaurant table queries
type Queries struct {
	db DBTX
}

// Restaurant mirrors the restaurants table row
type Restaurant struct {
	ID        uuid.UUID
	Name      string
	Address   string
	CreatedAt time.Time
}

const getRestaurant = `
SELECT id, name, address, created_at
FROM restaurants
WHERE id = $1
`

func (q *Queries) GetRestaurant(ctx context.Context, id uuid.UUID) (Restaurant, error) {
	row := q.db.QueryRowContext(ctx, getRestaurant, id)
	var r Restaurant
	err := row.Scan(&r.ID, &r.Name, &r.Address, &r.CreatedAt)
	return r, err
}

const listByGroup = `
SELECT r.id, r.name, r.address, r.created_at
FROM restaurants r
JOIN group_restaurants gr ON gr.restaurant_id = r.id
WHERE gr.group_id = $1
ORDER BY r.name
`

func (q *Queries) ListByGroup(ctx context.Context, groupID uuid.UUID) ([]Restaurant, error) {
	rows, err := q.db.QueryContext(ctx, listByGroup, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var restaurants []Restaurant
	for rows.Next() {
		var r Restaurant
		if err := rows.Scan(&r.ID, &r.Name, &r.Address, &r.CreatedAt); err != nil {
			return nil, err
		}
		restaurants = append(restaurants, r)
	}
	return restaurants, rows.Err()
}
