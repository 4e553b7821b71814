package hub

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridelink/internal/domain/user"
	"ridelink/internal/general/contracts"
)

type fakeConn struct {
	written  []contracts.ChannelMessage
	writeErr error
	closed   bool
}

func (conn *fakeConn) WriteJSON(v any) error {
	if conn.writeErr != nil {
		return conn.writeErr
	}
	conn.written = append(conn.written, v.(contracts.ChannelMessage))
	return nil
}

func (conn *fakeConn) Close() error {
	conn.closed = true
	return nil
}

func testMessage(t *testing.T) contracts.ChannelMessage {
	t.Helper()
	msg, err := contracts.NewChannelMessage(contracts.TypeError, map[string]any{"code": "test"})
	require.NoError(t, err)
	return msg
}

func TestAddRejectsUnknownRole(t *testing.T) {
	h := NewHub(nil)
	err := h.Add("user-1", user.Role("SUPERVISOR"), &fakeConn{})
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestAddReplacesExistingSession(t *testing.T) {
	h := NewHub(nil)
	old := &fakeConn{}
	require.NoError(t, h.Add("driver-1", user.RoleDriver, old))

	replacement := &fakeConn{}
	require.NoError(t, h.Add("driver-1", user.RoleDriver, replacement))

	assert.True(t, old.closed, "stale session must be closed on reconnect")
	require.NoError(t, h.SendToUser("driver-1", testMessage(t)))
	assert.Len(t, replacement.written, 1)
	assert.Empty(t, old.written)
}

func TestRemoveSessionIgnoresSupersededConn(t *testing.T) {
	h := NewHub(nil)
	old := &fakeConn{}
	require.NoError(t, h.Add("driver-1", user.RoleDriver, old))

	replacement := &fakeConn{}
	require.NoError(t, h.Add("driver-1", user.RoleDriver, replacement))

	// the superseded handler's teardown must not evict the replacement
	assert.False(t, h.RemoveSession("driver-1", old))
	assert.Equal(t, []string{"driver-1"}, h.Connected())
	require.NoError(t, h.SendToUser("driver-1", testMessage(t)))
	assert.Len(t, replacement.written, 1)

	assert.True(t, h.RemoveSession("driver-1", replacement))
	assert.Empty(t, h.Connected())
	assert.True(t, replacement.closed)
}

func TestSendToUserWhenDisconnected(t *testing.T) {
	h := NewHub(nil)
	assert.NoError(t, h.SendToUser("ghost", testMessage(t)))
}

func TestSendToRole(t *testing.T) {
	h := NewHub(nil)
	driver := &fakeConn{}
	passenger := &fakeConn{}
	operator := &fakeConn{}
	require.NoError(t, h.Add("driver-1", user.RoleDriver, driver))
	require.NoError(t, h.Add("passenger-1", user.RolePassenger, passenger))
	require.NoError(t, h.Add("operator-1", user.RoleOperator, operator))

	require.NoError(t, h.SendToRole("driver", testMessage(t)))

	assert.Len(t, driver.written, 1)
	assert.Empty(t, passenger.written)
	assert.Empty(t, operator.written)
}

func TestSendToRoleInvalid(t *testing.T) {
	h := NewHub(nil)
	assert.ErrorIs(t, h.SendToRole("nobody", testMessage(t)), ErrInvalidRole)
}

func TestRoomMembership(t *testing.T) {
	h := NewHub(nil)
	driver := &fakeConn{}
	passenger := &fakeConn{}
	bystander := &fakeConn{}
	require.NoError(t, h.Add("driver-1", user.RoleDriver, driver))
	require.NoError(t, h.Add("passenger-1", user.RolePassenger, passenger))
	require.NoError(t, h.Add("passenger-2", user.RolePassenger, bystander))

	h.JoinRoom("driver-1", "ride:abc")
	h.JoinRoom("passenger-1", "ride:abc")

	require.NoError(t, h.SendToRoom("ride:abc", testMessage(t)))
	assert.Len(t, driver.written, 1)
	assert.Len(t, passenger.written, 1)
	assert.Empty(t, bystander.written)

	h.LeaveRoom("driver-1", "ride:abc")
	require.NoError(t, h.SendToRoom("ride:abc", testMessage(t)))
	assert.Len(t, driver.written, 1, "left the room, no second delivery")
	assert.Len(t, passenger.written, 2)
}

func TestRemoveClearsIndexes(t *testing.T) {
	h := NewHub(nil)
	conn := &fakeConn{}
	require.NoError(t, h.Add("driver-1", user.RoleDriver, conn))
	h.JoinRoom("driver-1", "ride:abc")

	h.Remove("driver-1")

	assert.True(t, conn.closed)
	assert.Empty(t, h.Connected())
	assert.Empty(t, h.RoomMembers("ride:abc"))
	assert.NoError(t, h.SendToRole("DRIVER", testMessage(t)))
	assert.Empty(t, conn.written)
}

func TestFanOutJoinsWriteFailures(t *testing.T) {
	h := NewHub(nil)
	dead := &fakeConn{writeErr: errors.New("broken pipe")}
	alive := &fakeConn{}
	require.NoError(t, h.Add("driver-1", user.RoleDriver, dead))
	require.NoError(t, h.Add("driver-2", user.RoleDriver, alive))

	err := h.SendToRole("DRIVER", testMessage(t))
	require.Error(t, err)
	assert.Len(t, alive.written, 1, "one dead socket must not block the rest")
}
