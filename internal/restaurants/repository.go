package restaurants

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/lunchmate/lunchmate/internal/models"
	"github.com/lunchmate/lunchmate/internal/restaurants/db"
)

// Querier defines what the repository needs from the database layer
type Querier interface {
	GetRestaurant(ctx context.Context, id uuid.UUID) (db.Restaurant, error)
	ListByGroup(ctx context.Context, groupID uuid.UUID) ([]db.Restaurant, error)
}

// Repository implements restaurant data access operations
type Repository struct {
	queries Querier
}

// NewRepository creates a new restaurants repository
func NewRepository(querier Querier) *Repository {
	return &Repository{
		queries: querier,
	}
}

// GetRestaurant retrieves a restaurant by ID
func (r *Repository) GetRestaurant(ctx context.Context, id uuid.UUID) (*models.Restaurant, error) {
	restaurant, err := r.queries.GetRestaurant(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get restaurant: %w", err)
	}
	return dbRestaurantToModel(restaurant), nil
}

// ListByGroup retrieves the restaurants associated with a group
func (r *Repository) ListByGroup(ctx context.Context, groupID uuid.UUID) ([]*models.Restaurant, error) {
	rows, err := r.queries.ListByGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list restaurants for group: %w", err)
	}
	out := make([]*models.Restaurant, 0, len(rows))
	for _, row := range rows {
		out = append(out, dbRestaurantToModel(row))
	}
	return out, nil
}

// dbRestaurantToModel converts a database restaurant to domain model
func dbRestaurantToModel(r db.Restaurant) *models.Restaurant {
	return &models.Restaurant{
		ID:        r.ID,
		Name:      r.Name,
		Address:   r.Address,
		CreatedAt: r.CreatedAt,
	}
}
