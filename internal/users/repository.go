package users

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/lunchmate/lunchmate/internal/models"
	"github.com/lunchmate/lunchmate/internal/users/db"
)

// Querier defines what the repository needs from the database layer
type Querier interface {
	GetUser(ctx context.Context, id uuid.UUID) (db.User, error)
	SetLoggedIn(ctx context.Context, id uuid.UUID, loggedIn bool) (bool, error)
}

// Repository implements user data access operations
type Repository struct {
	queries Querier
}

// NewRepository creates a new users repository
func NewRepository(querier Querier) *Repository {
	return &Repository{
		queries: querier,
	}
}

// GetUser retrieves a user by ID
func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	user, err := r.queries.GetUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return r.dbUserToModel(user), nil
}

// SetLoggedIn updates the persisted login flag. It returns true only
// when the flag actually changed, which is what makes duplicate
// connect/disconnect transitions no-ops upstream.
func (r *Repository) SetLoggedIn(ctx context.Context, id uuid.UUID, loggedIn bool) (bool, error) {
	changed, err := r.queries.SetLoggedIn(ctx, id, loggedIn)
	if err != nil {
		return false, fmt.Errorf("failed to set login flag: %w", err)
	}
	return changed, nil
}

// dbUserToModel converts a database user to domain model
func (r *Repository) dbUserToModel(dbUser db.User) *models.User {
	u := &models.User{
		ID:         dbUser.ID,
		Username:   dbUser.Username,
		Email:      dbUser.Email,
		IsAdmin:    dbUser.IsAdmin,
		IsLoggedIn: dbUser.IsLoggedIn,
		CreatedAt:  dbUser.CreatedAt,
	}
	if dbUser.GroupID.Valid {
		gid := dbUser.GroupID.UUID
		u.GroupID = &gid
	}
	return u
}
