package groups

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lunchmate/lunchmate/internal/groups/db"
	"github.com/lunchmate/lunchmate/internal/models"
	"github.com/lunchmate/lunchmate/internal/sqlutil"
)

// Repository implements group data access operations. Vote-state
// mutations round-trip through storage under a row lock; the
// repository never caches counts in memory.
type Repository struct {
	database *sql.DB
	queries  *db.Queries
}

// NewRepository creates a new groups repository
func NewRepository(database *sql.DB) *Repository {
	return &Repository{
		database: database,
		queries:  db.New(database),
	}
}

// GetGroup retrieves a group by ID
func (r *Repository) GetGroup(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	group, err := r.queries.GetGroup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return dbGroupToModel(group), nil
}

// UpdateVoteState runs fn against the group's current vote state inside
// a transaction holding the group's row lock, then persists whatever fn
// left behind. fn returning an error rolls everything back.
func (r *Repository) UpdateVoteState(ctx context.Context, id uuid.UUID, fn func(g *models.Group) error) (*models.Group, error) {
	var updated *models.Group
	err := sqlutil.Run(ctx, r.database, db.NewTx, func(q *db.Queries) error {
		row, err := q.GetGroupForUpdate(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to lock group: %w", err)
		}
		group := dbGroupToModel(row)
		if err := fn(group); err != nil {
			return err
		}
		restaurantID := uuid.NullUUID{}
		if group.CurrentRestaurantID != nil {
			restaurantID = uuid.NullUUID{UUID: *group.CurrentRestaurantID, Valid: true}
		}
		if err := q.UpdateVoteState(ctx, id, restaurantID, group.YesVotes, group.NoVotes, group.IsConfirmed); err != nil {
			return fmt.Errorf("failed to update vote state: %w", err)
		}
		updated = group
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListSchedules retrieves every group with a notification time set
func (r *Repository) ListSchedules(ctx context.Context) ([]models.GroupSchedule, error) {
	rows, err := r.queries.ListSchedules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	schedules := make([]models.GroupSchedule, 0, len(rows))
	for _, s := range rows {
		schedules = append(schedules, models.GroupSchedule{
			GroupID:          s.GroupID,
			GroupName:        s.GroupName,
			NotificationTime: s.NotificationTime,
			Timezone:         s.Timezone,
		})
	}
	return schedules, nil
}

// dbGroupToModel converts a database group to domain model
func dbGroupToModel(g db.Group) *models.Group {
	group := &models.Group{
		ID:          g.ID,
		Name:        g.Name,
		YesVotes:    g.YesVotes,
		NoVotes:     g.NoVotes,
		IsConfirmed: g.IsConfirmed,
		Timezone:    g.Timezone,
		CreatedAt:   g.CreatedAt,
		UpdatedAt:   g.UpdatedAt,
	}
	if g.CurrentRestaurantID.Valid {
		rid := g.CurrentRestaurantID.UUID
		group.CurrentRestaurantID = &rid
	}
	if g.NotificationTime.Valid {
		nt := g.NotificationTime.String
		group.NotificationTime = &nt
	}
	return group
}
