package main

import (
	"database/sql"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lunchmate/lunchmate/internal/auth"
	"github.com/lunchmate/lunchmate/internal/gateway"
	"github.com/lunchmate/lunchmate/internal/grouplock"
	"github.com/lunchmate/lunchmate/internal/groups"
	"github.com/lunchmate/lunchmate/internal/presence"
	"github.com/lunchmate/lunchmate/internal/realtime"
	"github.com/lunchmate/lunchmate/internal/restaurants"
	restaurantsdb "github.com/lunchmate/lunchmate/internal/restaurants/db"
	"github.com/lunchmate/lunchmate/internal/scheduler"
	"github.com/lunchmate/lunchmate/internal/selection"
	"github.com/lunchmate/lunchmate/internal/users"
	usersdb "github.com/lunchmate/lunchmate/internal/users/db"
	"github.com/lunchmate/lunchmate/internal/vote"
)

type Services struct {
	Manager   *realtime.ConnectionManager
	Fanout    realtime.Fanout
	Relay     *realtime.NATSRelay
	Handler   *gateway.Handler
	Scheduler *scheduler.Scheduler
}

func setupServices(database *sql.DB, config *Config) (*Services, error) {
	// Wire up dependency injection chain
	// Database layer → Repository layer → App layer → Gateway/Scheduler

	userRepo := users.NewRepository(usersdb.New(database))
	groupRepo := groups.NewRepository(database)
	restaurantRepo := restaurants.NewRepository(restaurantsdb.New(database))

	// The fanout the presence app uses must be the same one every other
	// app uses, so build the manager first and the decorated fanout on
	// top of it before wiring presence in.
	manager := realtime.NewConnectionManager(realtime.DefaultConnectionConfig())
	local := realtime.NewLocalFanout(manager)

	var fanout realtime.Fanout = local
	var relay *realtime.NATSRelay
	if config.NATS.URL != "" {
		r, err := realtime.NewNATSRelay(config.NATS.URL, local)
		if err != nil {
			return nil, err
		}
		relay = r
		fanout = r
	} else {
		log.Info().Msg("no NATS URL configured, fanout is instance-local")
	}

	presenceApp := presence.NewApp(userRepo, fanout)
	manager.SetPresence(presenceApp)

	locks := grouplock.New()
	voteApp := vote.NewApp(groupRepo, restaurantRepo, fanout, locks)
	selectionApp := selection.NewApp(groupRepo, restaurantRepo, fanout, locks)

	verifier := auth.NewJWTVerifier([]byte(config.Auth.JWTSecret))
	handler := gateway.NewHandler(verifier, manager, voteApp, selectionApp, fanout)

	sched := scheduler.New(clockwork.NewRealClock(), groupRepo, selectionApp, fanout)

	return &Services{
		Manager:   manager,
		Fanout:    fanout,
		Relay:     relay,
		Handler:   handler,
		Scheduler: sched,
	}, nil
}
