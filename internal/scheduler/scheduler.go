package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lunchmate/lunchmate/internal/models"
	"github.com/lunchmate/lunchmate/internal/realtime"
	"github.com/lunchmate/lunchmate/internal/selection"
)

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) clockwork.Timer
	NewTicker(d time.Duration) clockwork.Ticker
}

// GroupRepository defines what the scheduler needs from the groups repository
type GroupRepository interface {
	ListSchedules(ctx context.Context) ([]models.GroupSchedule, error)
}

// SelectionApp defines what the scheduler needs from the selection engine
type SelectionApp interface {
	SelectRandom(ctx context.Context, groupID uuid.UUID, trigger selection.Trigger) (*models.Restaurant, error)
}

// Scheduler fires each group's daily lunch selection at the group's
// notification time in the group's own timezone. It runs a strict
// 60-second loop aligned to minute boundaries and compares only the
// (hour, minute) components. Exactly one instance may run per
// deployment; a second one would double-fire every group.
//
// Missed minutes are not back-filled: a tick that could not run at its
// boundary is simply gone, which for a lunch reminder is acceptable
// at-most-once-per-day behavior.
type Scheduler struct {
	clock      Clock
	groups     GroupRepository
	selections SelectionApp
	fanout     realtime.Fanout

	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a scheduler. Call Start to run it and Stop to shut it
// down; there is no ambient global instance.
func New(clock Clock, groups GroupRepository, selections SelectionApp, fanout realtime.Fanout) *Scheduler {
	return &Scheduler{
		clock:      clock,
		groups:     groups,
		selections: selections,
		fanout:     fanout,
		done:       make(chan struct{}),
	}
}

// Start launches the scheduling loop. The first pass is diagnostic
// only: it logs minutes-until-trigger per group without firing, so a
// restart never re-fires selections.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		go s.run(runCtx)
	})
}

// Stop terminates the loop and waits for it to exit
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		<-s.done
	})
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	s.diagnosticPass(ctx)

	// Align to the next minute boundary so every tick runs at second 0
	now := s.clock.Now()
	delay := time.Duration(60-now.Second())*time.Second - time.Duration(now.Nanosecond())*time.Nanosecond
	log.Info().Dur("delay", delay).Msg("scheduler aligning to minute boundary")

	timer := s.clock.NewTimer(delay)
	select {
	case <-ctx.Done():
		stopAndDrainTimer(timer)
		return
	case <-timer.Chan():
	}

	s.tick(ctx)

	ticker := s.clock.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler shutting down")
			return
		case <-ticker.Chan():
			s.tick(ctx)
		}
	}
}

// diagnosticPass logs how far away each group's trigger is without
// firing anything
func (s *Scheduler) diagnosticPass(ctx context.Context) {
	schedules, err := s.groups.ListSchedules(ctx)
	if err != nil {
		log.Error().Err(err).Msg("scheduler diagnostic pass failed to list schedules")
		return
	}

	now := s.clock.Now()
	for _, sched := range schedules {
		minutes, err := minutesUntilTrigger(now, sched)
		if err != nil {
			log.Error().
				Err(err).
				Str("group_id", sched.GroupID.String()).
				Str("group", sched.GroupName).
				Msg("group has unusable schedule")
			continue
		}
		log.Info().
			Str("group_id", sched.GroupID.String()).
			Str("group", sched.GroupName).
			Str("notification_time", sched.NotificationTime).
			Str("timezone", sched.Timezone).
			Int("minutes_until_trigger", minutes).
			Msg("scheduler diagnostic")
	}
}

// tick evaluates every schedule against the current wall time. One
// group's bad timezone or malformed time only skips that group.
func (s *Scheduler) tick(ctx context.Context) {
	schedules, err := s.groups.ListSchedules(ctx)
	if err != nil {
		log.Error().Err(err).Msg("scheduler failed to list schedules")
		return
	}

	now := s.clock.Now()
	for _, sched := range schedules {
		match, err := scheduleMatches(now, sched)
		if err != nil {
			log.Error().
				Err(err).
				Str("group_id", sched.GroupID.String()).
				Str("group", sched.GroupName).
				Msg("skipping group with unusable schedule")
			continue
		}
		if !match {
			continue
		}
		s.fire(ctx, sched)
	}
}

// fire runs the scheduled selection for one group and announces it
func (s *Scheduler) fire(ctx context.Context, sched models.GroupSchedule) {
	log.Info().
		Str("group_id", sched.GroupID.String()).
		Str("group", sched.GroupName).
		Msg("lunch time reached, firing scheduled selection")

	restaurant, err := s.selections.SelectRandom(ctx, sched.GroupID, selection.TriggerScheduled)
	if err != nil {
		log.Error().
			Err(err).
			Str("group_id", sched.GroupID.String()).
			Str("group", sched.GroupName).
			Msg("scheduled selection failed")
		return
	}

	env, err := realtime.NewEnvelope(realtime.EventTypeLunchTimePopup, realtime.LunchTimePopupPayload{
		GroupID:    sched.GroupID.String(),
		GroupName:  sched.GroupName,
		Restaurant: restaurant.Name,
		Message:    fmt.Sprintf("It's lunch time for %s! Today's suggestion: %s", sched.GroupName, restaurant.Name),
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to build lunch popup envelope")
		return
	}
	s.fanout.ToGroup(sched.GroupID, env)
}

// scheduleMatches reports whether the group's notification time equals
// "now" in the group's timezone, comparing hour and minute only. The
// loop runs at second 0 by construction, so seconds never matter.
func scheduleMatches(now time.Time, sched models.GroupSchedule) (bool, error) {
	hour, minute, loc, err := parseSchedule(sched)
	if err != nil {
		return false, err
	}
	local := now.In(loc)
	return local.Hour() == hour && local.Minute() == minute, nil
}

// minutesUntilTrigger computes how many whole minutes remain until the
// group's next trigger
func minutesUntilTrigger(now time.Time, sched models.GroupSchedule) (int, error) {
	hour, minute, loc, err := parseSchedule(sched)
	if err != nil {
		return 0, err
	}
	local := now.In(loc)
	target := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !target.After(local) {
		target = target.AddDate(0, 0, 1)
	}
	return int(target.Sub(local).Minutes()), nil
}

func parseSchedule(sched models.GroupSchedule) (hour, minute int, loc *time.Location, err error) {
	parsed, err := time.Parse("15:04", sched.NotificationTime)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("malformed notification time %q: %w", sched.NotificationTime, err)
	}
	loc, err = time.LoadLocation(sched.Timezone)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("bad timezone %q: %w", sched.Timezone, err)
	}
	return parsed.Hour(), parsed.Minute(), loc, nil
}

// stopAndDrainTimer safely stops a timer and drains its channel to prevent goroutine leaks.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
