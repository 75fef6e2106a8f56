package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunchmate/lunchmate/internal/models"
	"github.com/lunchmate/lunchmate/internal/realtime"
	"github.com/lunchmate/lunchmate/internal/selection"
)

type fakeGroups struct {
	mu        sync.Mutex
	schedules []models.GroupSchedule
}

func (f *fakeGroups) ListSchedules(ctx context.Context) ([]models.GroupSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.GroupSchedule, len(f.schedules))
	copy(out, f.schedules)
	return out, nil
}

type fakeSelection struct {
	mu    sync.Mutex
	calls []uuid.UUID
}

func (f *fakeSelection) SelectRandom(ctx context.Context, groupID uuid.UUID, trigger selection.Trigger) (*models.Restaurant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, groupID)
	return &models.Restaurant{ID: uuid.New(), Name: "Thai Palace"}, nil
}

func (f *fakeSelection) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingFanout struct {
	mu      sync.Mutex
	toGroup []realtime.Envelope
}

func (f *recordingFanout) ToGroup(groupID uuid.UUID, env realtime.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toGroup = append(f.toGroup, env)
}

func (f *recordingFanout) ToUser(userID uuid.UUID, env realtime.Envelope) {}
func (f *recordingFanout) ToAdmins(env realtime.Envelope)                 {}
func (f *recordingFanout) ToAll(env realtime.Envelope)                    {}

func (f *recordingFanout) popupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, env := range f.toGroup {
		if env.Type == realtime.EventTypeLunchTimePopup {
			n++
		}
	}
	return n
}

func schedule(tz string) models.GroupSchedule {
	return models.GroupSchedule{
		GroupID:          uuid.New(),
		GroupName:        "lunch crew",
		NotificationTime: "12:00",
		Timezone:         tz,
	}
}

func TestScheduler_FiresExactlyAtNotificationMinute(t *testing.T) {
	// 100ms before noon UTC; the aligned loop's first tick lands on
	// 12:00:00.0 exactly
	start := time.Date(2024, 3, 15, 11, 59, 59, int(900*time.Millisecond), time.UTC)
	clock := clockwork.NewFakeClockAt(start)

	groups := &fakeGroups{schedules: []models.GroupSchedule{schedule("UTC")}}
	selections := &fakeSelection{}
	fanout := &recordingFanout{}
	s := New(clock, groups, selections, fanout)

	s.Start(context.Background())
	defer s.Stop()

	// Alignment timer pending; nothing fired at 11:59
	clock.BlockUntil(1)
	assert.Zero(t, selections.callCount())

	// Cross the minute boundary: the 12:00 tick fires the selection
	clock.Advance(100 * time.Millisecond)
	// The interval ticker is created after the tick completes, so this
	// doubles as a completion barrier
	clock.BlockUntil(1)
	assert.Equal(t, 1, selections.callCount())
	assert.Equal(t, 1, fanout.popupCount())

	// 12:01 and beyond: no further fires for the same day
	for i := 0; i < 5; i++ {
		clock.Advance(time.Minute)
	}
	require.Never(t, func() bool { return selections.callCount() > 1 }, 200*time.Millisecond, 20*time.Millisecond)
}

func TestScheduler_StartupDiagnosticDoesNotFire(t *testing.T) {
	// Process restarts exactly at the notification minute: the
	// diagnostic pass must not re-fire the selection. The first real
	// tick is one minute later and no longer matches.
	start := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)

	groups := &fakeGroups{schedules: []models.GroupSchedule{schedule("UTC")}}
	selections := &fakeSelection{}
	s := New(clock, groups, selections, &recordingFanout{})

	s.Start(context.Background())
	defer s.Stop()

	clock.BlockUntil(1)
	clock.Advance(time.Minute) // first tick at 12:01
	clock.BlockUntil(1)
	assert.Zero(t, selections.callCount())
}

func TestScheduler_TimezoneConversion(t *testing.T) {
	// 12:00 in Stockholm is 11:00 UTC during CET winter time
	start := time.Date(2024, 1, 10, 10, 59, 59, int(500*time.Millisecond), time.UTC)
	clock := clockwork.NewFakeClockAt(start)

	groups := &fakeGroups{schedules: []models.GroupSchedule{schedule("Europe/Stockholm")}}
	selections := &fakeSelection{}
	s := New(clock, groups, selections, &recordingFanout{})

	s.Start(context.Background())
	defer s.Stop()

	clock.BlockUntil(1)
	clock.Advance(500 * time.Millisecond) // 11:00:00 UTC == 12:00 local
	clock.BlockUntil(1)
	assert.Equal(t, 1, selections.callCount())
}

func TestScheduler_BadTimezoneSkipsOnlyThatGroup(t *testing.T) {
	start := time.Date(2024, 3, 15, 11, 59, 59, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)

	good := schedule("UTC")
	bad := schedule("Not/AZone")
	malformed := schedule("UTC")
	malformed.NotificationTime = "noonish"

	groups := &fakeGroups{schedules: []models.GroupSchedule{bad, malformed, good}}
	selections := &fakeSelection{}
	s := New(clock, groups, selections, &recordingFanout{})

	s.Start(context.Background())
	defer s.Stop()

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	clock.BlockUntil(1)

	require.Equal(t, 1, selections.callCount())
	selections.mu.Lock()
	fired := selections.calls[0]
	selections.mu.Unlock()
	assert.Equal(t, good.GroupID, fired)
}

func TestScheduler_StopTerminatesLoop(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC))
	s := New(clock, &fakeGroups{}, &fakeSelection{}, &recordingFanout{})

	s.Start(context.Background())
	clock.BlockUntil(1)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestMinutesUntilTrigger(t *testing.T) {
	now := time.Date(2024, 3, 15, 11, 30, 0, 0, time.UTC)

	minutes, err := minutesUntilTrigger(now, schedule("UTC"))
	require.NoError(t, err)
	assert.Equal(t, 30, minutes)

	// Already past today: next trigger is tomorrow
	after := time.Date(2024, 3, 15, 13, 0, 0, 0, time.UTC)
	minutes, err = minutesUntilTrigger(after, schedule("UTC"))
	require.NoError(t, err)
	assert.Equal(t, 23*60, minutes)
}
