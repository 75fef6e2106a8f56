package presence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lunchmate/lunchmate/internal/models"
	"github.com/lunchmate/lunchmate/internal/realtime"
	"github.com/rs/zerolog/log"
)

// UserRepository defines what the app layer needs from the users repository
type UserRepository interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	SetLoggedIn(ctx context.Context, id uuid.UUID, loggedIn bool) (bool, error)
}

// App tracks online/offline presence. Each real transition persists the
// login flag and tells the admins room; duplicate calls for the same
// transition are no-ops because the flag write reports no change.
type App struct {
	users  UserRepository
	fanout realtime.Fanout
}

// NewApp creates a new presence App
func NewApp(users UserRepository, fanout realtime.Fanout) *App {
	return &App{
		users:  users,
		fanout: fanout,
	}
}

// OnConnect marks a user logged in
func (a *App) OnConnect(ctx context.Context, userID uuid.UUID) {
	a.transition(ctx, userID, true)
}

// OnDisconnect marks a user logged out
func (a *App) OnDisconnect(ctx context.Context, userID uuid.UUID) {
	a.transition(ctx, userID, false)
}

func (a *App) transition(ctx context.Context, userID uuid.UUID, loggedIn bool) {
	changed, err := a.users.SetLoggedIn(ctx, userID, loggedIn)
	if err != nil {
		log.Error().
			Err(err).
			Str("user_id", userID.String()).
			Bool("logged_in", loggedIn).
			Msg("failed to persist login flag")
		return
	}
	if !changed {
		// Flag already matched the target: duplicate call, no broadcast
		return
	}

	user, err := a.users.GetUser(ctx, userID)
	if err != nil {
		log.Error().
			Err(err).
			Str("user_id", userID.String()).
			Msg("failed to load user for presence broadcast")
		return
	}

	env, err := realtime.NewEnvelope(realtime.EventTypePresenceUpdate, realtime.PresenceUpdatePayload{
		UserID:     userID.String(),
		Username:   user.Username,
		IsLoggedIn: loggedIn,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to build presence envelope")
		return
	}
	a.fanout.ToAdmins(env)

	log.Info().
		Str("user_id", userID.String()).
		Str("username", user.Username).
		Bool("logged_in", loggedIn).
		Msg("presence transition")
}
