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

// NewTx binds Queries to a transaction; used with sqlutil.Run
func NewTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// Queries holds the group table queries
type Queries struct {
	db DBTX
}

// Group mirrors the groups table row
type Group struct {
	ID                  uuid.UUID
	Name                string
	CurrentRestaurantID uuid.NullUUID
	YesVotes            int
	NoVotes             int
	IsConfirmed         bool
	NotificationTime    sql.NullString
	Timezone            string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Schedule is the scheduler's read view of a group
type Schedule struct {
	GroupID          uuid.UUID
	GroupName        string
	NotificationTime string
	Timezone         string
}

const groupColumns = `id, name, current_restaurant_id, yes_votes, no_votes, is_confirmed, notification_time, timezone, created_at, updated_at`

const getGroup = `
SELECT ` + groupColumns + `
FROM groups
WHERE id = $1
`

func (q *Queries) GetGroup(ctx context.Context, id uuid.UUID) (Group, error) {
	return q.scanGroup(q.db.QueryRowContext(ctx, getGroup, id))
}

const getGroupForUpdate = `
SELECT ` + groupColumns + `
FROM groups
WHERE id = $1
FOR UPDATE
`

// GetGroupForUpdate row-locks the group so concurrent vote/selection
// mutations from other instances serialize at the store.
func (q *Queries) GetGroupForUpdate(ctx context.Context, id uuid.UUID) (Group, error) {
	return q.scanGroup(q.db.QueryRowContext(ctx, getGroupForUpdate, id))
}

const updateVoteState = `
UPDATE groups
SET current_restaurant_id = $2,
    yes_votes             = $3,
    no_votes              = $4,
    is_confirmed          = $5,
    updated_at            = NOW()
WHERE id = $1
`

func (q *Queries) UpdateVoteState(ctx context.Context, id uuid.UUID, restaurantID uuid.NullUUID, yesVotes, noVotes int, isConfirmed bool) error {
	_, err := q.db.ExecContext(ctx, updateVoteState, id, restaurantID, yesVotes, noVotes, isConfirmed)
	return err
}

const listSchedules = `
SELECT id, name, notification_time, timezone
FROM groups
WHERE notification_time IS NOT NULL
ORDER BY name
`

func (q *Queries) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := q.db.QueryContext(ctx, listSchedules)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var schedules []Schedule
	for rows.Next() {
		var s Schedule
		if err := rows.Scan(&s.GroupID, &s.GroupName, &s.NotificationTime, &s.Timezone); err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (q *Queries) scanGroup(row *sql.Row) (Group, error) {
	var g Group
	err := row.Scan(
		&g.ID,
		&g.Name,
		&g.CurrentRestaurantID,
		&g.YesVotes,
		&g.NoVotes,
		&g.IsConfirmed,
		&g.NotificationTime,
		&g.Timezone,
		&g.CreatedAt,
		&g.UpdatedAt,
	)
	return g, err
}
