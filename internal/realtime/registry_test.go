package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingPresence struct {
	mu          sync.Mutex
	connects    map[uuid.UUID]int
	disconnects map[uuid.UUID]int
}

func newCountingPresence() *countingPresence {
	return &countingPresence{
		connects:    make(map[uuid.UUID]int),
		disconnects: make(map[uuid.UUID]int),
	}
}

func (p *countingPresence) OnConnect(ctx context.Context, userID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects[userID]++
}

func (p *countingPresence) OnDisconnect(ctx context.Context, userID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects[userID]++
}

func (p *countingPresence) counts(userID uuid.UUID) (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects[userID], p.disconnects[userID]
}

// testServer upgrades every request with identity taken from query
// params, standing in for the authenticated handler
func testServer(t *testing.T, cm *ConnectionManager) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := uuid.MustParse(r.URL.Query().Get("user"))
		isAdmin := r.URL.Query().Get("admin") == "true"
		var groupID *uuid.UUID
		if g := r.URL.Query().Get("group"); g != "" {
			gid := uuid.MustParse(g)
			groupID = &gid
		}
		_, err := cm.Accept(w, r, userID, "tester", isAdmin, groupID)
		require.NoError(t, err)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func startManager(t *testing.T, presence PresenceNotifier) *ConnectionManager {
	t.Helper()
	cm := NewConnectionManager(DefaultConnectionConfig())
	if presence != nil {
		cm.SetPresence(presence)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go cm.Start(ctx)
	return cm
}

func dial(t *testing.T, srv *httptest.Server, userID uuid.UUID, groupID *uuid.UUID, admin bool) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user=" + userID.String()
	if groupID != nil {
		url += "&group=" + groupID.String()
	}
	if admin {
		url += "&admin=true"
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// recvEnvelope reads one envelope with a deadline so tests never hang
func recvEnvelope(t *testing.T, conn *websocket.Conn, within time.Duration) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(within)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err, "timed out waiting for envelope")
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func recvNoEnvelope(t *testing.T, conn *websocket.Conn, within time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(within)))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no envelope, got: %s", data)
	}
}

func waitForConnections(t *testing.T, cm *ConnectionManager, total int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return cm.Stats()["total_connections"] == total
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFanout_ToGroupReachesMembersOnly(t *testing.T) {
	cm := startManager(t, nil)
	srv := testServer(t, cm)
	groupA, groupB := uuid.New(), uuid.New()

	member1 := dial(t, srv, uuid.New(), &groupA, false)
	member2 := dial(t, srv, uuid.New(), &groupA, false)
	outsider := dial(t, srv, uuid.New(), &groupB, false)
	waitForConnections(t, cm, 3)

	fanout := NewLocalFanout(cm)
	fanout.ToGroup(groupA, MustEnvelope(EventTypeNotification, NotificationPayload{Message: "lunch"}))

	for _, conn := range []*websocket.Conn{member1, member2} {
		env := recvEnvelope(t, conn, time.Second)
		assert.Equal(t, EventTypeNotification, env.Type)
	}
	recvNoEnvelope(t, outsider, 150*time.Millisecond)
}

func TestFanout_ToUserReachesEveryTab(t *testing.T) {
	cm := startManager(t, nil)
	srv := testServer(t, cm)
	userID := uuid.New()

	tab1 := dial(t, srv, userID, nil, false)
	tab2 := dial(t, srv, userID, nil, false)
	other := dial(t, srv, uuid.New(), nil, false)
	waitForConnections(t, cm, 3)

	fanout := NewLocalFanout(cm)
	fanout.ToUser(userID, MustEnvelope(EventTypeNotification, NotificationPayload{Message: "direct"}))

	for _, conn := range []*websocket.Conn{tab1, tab2} {
		env := recvEnvelope(t, conn, time.Second)
		assert.Equal(t, EventTypeNotification, env.Type)
	}
	recvNoEnvelope(t, other, 150*time.Millisecond)
}

func TestFanout_ToAdminsAndToAll(t *testing.T) {
	cm := startManager(t, nil)
	srv := testServer(t, cm)

	admin := dial(t, srv, uuid.New(), nil, true)
	regular := dial(t, srv, uuid.New(), nil, false)
	waitForConnections(t, cm, 2)

	fanout := NewLocalFanout(cm)
	fanout.ToAdmins(MustEnvelope(EventTypePresenceUpdate, PresenceUpdatePayload{Username: "alice", IsLoggedIn: true}))
	fanout.ToAll(MustEnvelope(EventTypeNotification, NotificationPayload{Message: "everyone", IsGlobal: true}))

	env := recvEnvelope(t, admin, time.Second)
	assert.Equal(t, EventTypePresenceUpdate, env.Type)
	env = recvEnvelope(t, admin, time.Second)
	assert.Equal(t, EventTypeNotification, env.Type)

	// delivery is ordered per connection, so the first envelope a
	// regular member sees must be the global one
	env = recvEnvelope(t, regular, time.Second)
	assert.Equal(t, EventTypeNotification, env.Type)
}

func TestRegistry_Indexes(t *testing.T) {
	cm := startManager(t, nil)
	srv := testServer(t, cm)
	groupID := uuid.New()
	userID := uuid.New()

	dial(t, srv, userID, &groupID, false)
	dial(t, srv, userID, &groupID, false)
	dial(t, srv, uuid.New(), &groupID, false)
	waitForConnections(t, cm, 3)

	assert.Len(t, cm.LookupByUser(userID), 2)
	assert.Len(t, cm.MembersOfGroup(groupID), 3)
	assert.Empty(t, cm.MembersOfGroup(uuid.New()))
}

func TestPresence_ExactlyOncePerTransition(t *testing.T) {
	presence := newCountingPresence()
	cm := startManager(t, presence)
	srv := testServer(t, cm)
	userID := uuid.New()

	tab1 := dial(t, srv, userID, nil, false)
	tab2 := dial(t, srv, userID, nil, false)
	waitForConnections(t, cm, 2)

	connects, _ := presence.counts(userID)
	assert.Equal(t, 1, connects, "second tab must not re-announce presence")

	tab1.Close()
	tab2.Close()
	waitForConnections(t, cm, 0)

	require.Eventually(t, func() bool {
		_, disconnects := presence.counts(userID)
		return disconnects == 1
	}, 2*time.Second, 10*time.Millisecond, "exactly one disconnect for the last-closed tab")
}

func TestCloseUser_ForcesDisconnect(t *testing.T) {
	cm := startManager(t, nil)
	srv := testServer(t, cm)
	userID := uuid.New()

	conn := dial(t, srv, userID, nil, false)
	waitForConnections(t, cm, 1)

	cm.CloseUser(userID)
	waitForConnections(t, cm, 0)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
