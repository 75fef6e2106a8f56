package selection

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/lunchmate/lunchmate/internal/grouplock"
	"github.com/lunchmate/lunchmate/internal/models"
	"github.com/lunchmate/lunchmate/internal/realtime"
	"github.com/rs/zerolog/log"
)

// ErrNoRestaurantsForGroup means the group has no associated restaurants to pick from
var ErrNoRestaurantsForGroup = errors.New("no restaurants associated with group")

// Trigger says whether a selection came from a user click or the scheduler
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// GroupRepository defines what the app layer needs from the groups repository
type GroupRepository interface {
	UpdateVoteState(ctx context.Context, id uuid.UUID, fn func(g *models.Group) error) (*models.Group, error)
}

// RestaurantRepository defines what the app layer needs from the restaurants repository
type RestaurantRepository interface {
	ListByGroup(ctx context.Context, groupID uuid.UUID) ([]*models.Restaurant, error)
}

// App picks the group's next restaurant. Policy is a uniform random
// draw over the group's associated restaurants; the occurrence rating
// does not weight it. One policy everywhere, manual and scheduled.
type App struct {
	groups      GroupRepository
	restaurants RestaurantRepository
	fanout      realtime.Fanout
	locks       *grouplock.Locks
	intn        func(n int) int
}

// NewApp creates a new selection App
func NewApp(groups GroupRepository, restaurants RestaurantRepository, fanout realtime.Fanout, locks *grouplock.Locks) *App {
	return &App{
		groups:      groups,
		restaurants: restaurants,
		fanout:      fanout,
		locks:       locks,
		intn:        rand.Intn,
	}
}

// WithRand overrides the random source; tests use this for determinism
func (a *App) WithRand(intn func(n int) int) *App {
	a.intn = intn
	return a
}

// SelectRandom draws a restaurant for the group, resets the vote state
// to (0, 0, unconfirmed), persists, and broadcasts the new selection.
func (a *App) SelectRandom(ctx context.Context, groupID uuid.UUID, trigger Trigger) (*models.Restaurant, error) {
	a.locks.Lock(groupID)
	defer a.locks.Unlock(groupID)

	options, err := a.restaurants.ListByGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("list restaurants: %w", err)
	}
	if len(options) == 0 {
		return nil, ErrNoRestaurantsForGroup
	}

	chosen := options[a.intn(len(options))]

	if _, err := a.groups.UpdateVoteState(ctx, groupID, func(g *models.Group) error {
		rid := chosen.ID
		g.CurrentRestaurantID = &rid
		g.YesVotes = 0
		g.NoVotes = 0
		g.IsConfirmed = false
		return nil
	}); err != nil {
		// Nothing persisted, so nothing is broadcast
		return nil, fmt.Errorf("persist selection: %w", err)
	}

	log.Info().
		Str("group_id", groupID.String()).
		Str("restaurant", chosen.Name).
		Str("trigger", string(trigger)).
		Msg("restaurant selected")

	env, err := realtime.NewEnvelope(realtime.EventTypeRestaurantSelection, realtime.RestaurantSelectionPayload{
		Restaurant: realtime.RestaurantInfo{
			ID:      chosen.ID.String(),
			Name:    chosen.Name,
			Address: chosen.Address,
		},
		Confirmed:        false,
		IsScheduledEvent: trigger == TriggerScheduled,
		Timestamp:        time.Now().UTC(),
	})
	if err == nil {
		a.fanout.ToGroup(groupID, env)
	}

	notice, err := realtime.NewEnvelope(realtime.EventTypeNotification, realtime.NotificationPayload{
		Message:   fmt.Sprintf("New lunch suggestion: %s", chosen.Name),
		Timestamp: time.Now().UTC(),
	})
	if err == nil {
		a.fanout.ToGroup(groupID, notice)
	}

	return chosen, nil
}
