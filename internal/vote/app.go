package vote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lunchmate/lunchmate/internal/grouplock"
	"github.com/lunchmate/lunchmate/internal/models"
	"github.com/lunchmate/lunchmate/internal/realtime"
	"github.com/rs/zerolog/log"
)

// ErrNoActiveSelection means the group has no current restaurant to vote on
var ErrNoActiveSelection = errors.New("no active selection for group")

// GroupRepository defines what the app layer needs from the groups repository
type GroupRepository interface {
	UpdateVoteState(ctx context.Context, id uuid.UUID, fn func(g *models.Group) error) (*models.Group, error)
}

// RestaurantRepository defines what the app layer needs from the restaurants repository
type RestaurantRepository interface {
	GetRestaurant(ctx context.Context, id uuid.UUID) (*models.Restaurant, error)
}

// App aggregates votes into a confirmation decision. Counts live in the
// group store; every mutation round-trips through it under the group's
// lock so concurrent votes never lose updates.
type App struct {
	groups      GroupRepository
	restaurants RestaurantRepository
	fanout      realtime.Fanout
	locks       *grouplock.Locks
}

// NewApp creates a new vote App
func NewApp(groups GroupRepository, restaurants RestaurantRepository, fanout realtime.Fanout, locks *grouplock.Locks) *App {
	return &App{
		groups:      groups,
		restaurants: restaurants,
		fanout:      fanout,
		locks:       locks,
	}
}

// Confirmed is the canonical confirmation predicate: a plurality of yes
// votes, and at least two votes total so a lone voter cannot confirm.
func Confirmed(yesVotes, noVotes int) bool {
	return yesVotes > noVotes && yesVotes+noVotes >= 2
}

// CastVote counts one yes/no vote for the group's current selection and
// returns the updated vote state. A user may vote more than once per
// selection; that matches the product behavior and is deliberately not
// guarded here.
func (a *App) CastVote(ctx context.Context, groupID, userID uuid.UUID, username string, choice bool) (*models.Group, error) {
	a.locks.Lock(groupID)
	defer a.locks.Unlock(groupID)

	wasConfirmed := false
	group, err := a.groups.UpdateVoteState(ctx, groupID, func(g *models.Group) error {
		if g.CurrentRestaurantID == nil {
			return ErrNoActiveSelection
		}
		wasConfirmed = g.IsConfirmed
		if choice {
			g.YesVotes++
		} else {
			g.NoVotes++
		}
		g.IsConfirmed = Confirmed(g.YesVotes, g.NoVotes)
		return nil
	})
	if err != nil {
		// Nothing persisted, so nothing is broadcast
		return nil, fmt.Errorf("cast vote: %w", err)
	}

	log.Info().
		Str("group_id", groupID.String()).
		Str("user_id", userID.String()).
		Bool("vote", choice).
		Int("yes_votes", group.YesVotes).
		Int("no_votes", group.NoVotes).
		Bool("confirmed", group.IsConfirmed).
		Msg("vote counted")

	update, err := realtime.NewEnvelope(realtime.EventTypeVoteUpdate, realtime.VoteUpdatePayload{
		UserID:      userID.String(),
		Username:    username,
		Vote:        choice,
		YesVotes:    group.YesVotes,
		NoVotes:     group.NoVotes,
		IsConfirmed: group.IsConfirmed,
	})
	if err != nil {
		return group, nil
	}
	a.fanout.ToGroup(groupID, update)

	if !wasConfirmed && group.IsConfirmed {
		a.announceConfirmation(ctx, group)
	}

	return group, nil
}

// announceConfirmation fires exactly once per selection, on the vote
// that flips the predicate from false to true
func (a *App) announceConfirmation(ctx context.Context, group *models.Group) {
	restaurant, err := a.restaurants.GetRestaurant(ctx, *group.CurrentRestaurantID)
	if err != nil {
		log.Error().
			Err(err).
			Str("group_id", group.ID.String()).
			Msg("failed to load restaurant for confirmation broadcast")
		return
	}

	selection, err := realtime.NewEnvelope(realtime.EventTypeRestaurantSelection, realtime.RestaurantSelectionPayload{
		Restaurant: realtime.RestaurantInfo{
			ID:      restaurant.ID.String(),
			Name:    restaurant.Name,
			Address: restaurant.Address,
		},
		Confirmed: true,
		Timestamp: time.Now().UTC(),
	})
	if err == nil {
		a.fanout.ToGroup(group.ID, selection)
	}

	notice, err := realtime.NewEnvelope(realtime.EventTypeNotification, realtime.NotificationPayload{
		Message:   fmt.Sprintf("%s has been confirmed for lunch", restaurant.Name),
		Timestamp: time.Now().UTC(),
	})
	if err == nil {
		a.fanout.ToGroup(group.ID, notice)
	}

	log.Info().
		Str("group_id", group.ID.String()).
		Str("restaurant", restaurant.Name).
		Msg("selection confirmed")
}
