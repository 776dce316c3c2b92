package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/pkg/auth"
	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/observability"
)

func testConn(id, userID, userName string) *Connection {
	return newConnection(id, nil, &auth.Claims{UserID: userID, UserName: userName},
		100, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func newTestRegistry() *RoomRegistry {
	return NewRoomRegistry(observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestRoomLifecycle(t *testing.T) {
	reg := newTestRegistry()
	alice := testConn("c1", "alice", "Alice")
	bob := testConn("c2", "bob", "Bob")

	// first join creates the room
	room, previous := reg.Join(alice, "wf-1", models.RoleAdmin)
	require.NotNil(t, room)
	assert.Nil(t, previous)
	assert.Equal(t, 1, reg.Count())
	assert.Equal(t, 1, room.Size())

	// second member shares it
	room2, _ := reg.Join(bob, "wf-1", models.RoleWrite)
	assert.Same(t, room, room2)
	assert.Equal(t, 2, room.Size())
	assert.Equal(t, 1, reg.Count())

	// leaving one keeps the room alive
	left := reg.Leave(alice.ID)
	require.NotNil(t, left)
	assert.Equal(t, 1, room.Size())
	assert.Equal(t, 1, reg.Count())

	// last leave destroys it
	reg.Leave(bob.ID)
	assert.Equal(t, 0, reg.Count())
	assert.Nil(t, reg.Room("wf-1"))

	// a later join gets a fresh room, not the tombstoned one
	room3, _ := reg.Join(testConn("c3", "carol", "Carol"), "wf-1", models.RoleWrite)
	require.NotNil(t, room3)
	assert.NotSame(t, room, room3)
	assert.Equal(t, 1, room3.Size())
}

func TestBusyRoomDoesNotStallRegistry(t *testing.T) {
	reg := newTestRegistry()
	alice := testConn("c1", "alice", "Alice")
	bob := testConn("c2", "bob", "Bob")

	roomA, _ := reg.Join(alice, "wf-A", models.RoleAdmin)
	reg.Join(bob, "wf-B", models.RoleWrite)

	// an in-flight structural operation holds the room mutex across its
	// database transaction
	roomA.mu.Lock()

	joined := make(chan struct{})
	go func() {
		reg.Join(testConn("c3", "carol", "Carol"), "wf-A", models.RoleWrite)
		close(joined)
	}()

	// the joiner parks on room A's mutex without holding the registry lock,
	// so lookups for other rooms keep answering
	lookup := make(chan *Room, 1)
	go func() { lookup <- reg.RoomFor("c2") }()
	select {
	case room := <-lookup:
		require.NotNil(t, room)
		assert.Equal(t, "wf-B", room.WorkflowID())
	case <-time.After(time.Second):
		t.Fatal("registry lookup blocked behind a busy room")
	}

	time.Sleep(50 * time.Millisecond)
	select {
	case <-joined:
		t.Fatal("join completed while the room mutex was held")
	default:
	}

	roomA.mu.Unlock()
	select {
	case <-joined:
	case <-time.After(time.Second):
		t.Fatal("join did not complete after the room freed up")
	}
	assert.Equal(t, 2, roomA.Size())
}

func TestJoinForcesLeaveOfPreviousRoom(t *testing.T) {
	reg := newTestRegistry()
	alice := testConn("c1", "alice", "Alice")

	first, _ := reg.Join(alice, "wf-1", models.RoleAdmin)
	second, previous := reg.Join(alice, "wf-2", models.RoleAdmin)

	require.NotNil(t, previous)
	assert.Same(t, first, previous)
	assert.Equal(t, 0, previous.Size())
	assert.Equal(t, 1, second.Size())

	// a connection is in at most one room
	assert.Same(t, second, reg.RoomFor(alice.ID))
	assert.Nil(t, reg.Room("wf-1"), "abandoned room is destroyed")
}

func TestRejoinSameWorkflowKeepsMembership(t *testing.T) {
	reg := newTestRegistry()
	alice := testConn("c1", "alice", "Alice")

	first, _ := reg.Join(alice, "wf-1", models.RoleAdmin)
	second, previous := reg.Join(alice, "wf-1", models.RoleAdmin)

	assert.Same(t, first, second)
	assert.Nil(t, previous)
	assert.Equal(t, 1, second.Size())
}

func TestLeaveWhenNotJoined(t *testing.T) {
	reg := newTestRegistry()
	assert.Nil(t, reg.Leave("ghost"))
}

func TestPresenceSnapshotKeyedBySocket(t *testing.T) {
	reg := newTestRegistry()

	// same user on two sockets appears twice
	tab1 := testConn("c1", "alice", "Alice")
	tab2 := testConn("c2", "alice", "Alice")
	room, _ := reg.Join(tab1, "wf-1", models.RoleAdmin)
	reg.Join(tab2, "wf-1", models.RoleAdmin)

	entries := room.PresenceSnapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, 2, room.Size())
	assert.Equal(t, 1, room.UniqueUsers())

	sockets := []string{entries[0].SocketID, entries[1].SocketID}
	assert.ElementsMatch(t, []string{"c1", "c2"}, sockets)
	for _, entry := range entries {
		assert.Equal(t, "alice", entry.UserID)
		assert.Equal(t, "Alice", entry.UserName)
		assert.False(t, entry.JoinedAt.IsZero())
	}
}

func TestCursorAndSelectionTracking(t *testing.T) {
	reg := newTestRegistry()
	alice := testConn("c1", "alice", "Alice")
	room, _ := reg.Join(alice, "wf-1", models.RoleAdmin)

	_, ok := reg.UpdateCursor("ghost", &models.Position{X: 1, Y: 2})
	assert.False(t, ok)

	got, ok := reg.UpdateCursor(alice.ID, &models.Position{X: 3, Y: 4})
	require.True(t, ok)
	assert.Same(t, room, got)

	_, ok = reg.UpdateSelection(alice.ID, &models.Selection{Type: "block", ID: "b1"})
	require.True(t, ok)

	entries := room.PresenceSnapshot()
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].Cursor)
	assert.Equal(t, 3.0, entries[0].Cursor.X)
	require.NotNil(t, entries[0].Selection)
	assert.Equal(t, "b1", entries[0].Selection.ID)
}
