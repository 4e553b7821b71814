package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ridelink/internal/domain/user"
	"ridelink/internal/general/contracts"
)

// gatewayConn serializes writes to one websocket connection. The hub's
// fan-out and the read loop's replies share it, so every write path goes
// through the mutex.
type gatewayConn struct {
	raw     *websocket.Conn
	writeMu sync.Mutex
}

func newGatewayConn(raw *websocket.Conn) *gatewayConn {
	return &gatewayConn{raw: raw}
}

// WriteJSON marshals v and writes a single text frame. Satisfies hub.Conn.
func (conn *gatewayConn) WriteJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.write(websocket.TextMessage, payload)
}

// Close closes the underlying socket. Safe to call more than once.
func (conn *gatewayConn) Close() error {
	return conn.raw.Close()
}

func (conn *gatewayConn) write(msgType int, payload []byte) error {
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	_ = conn.raw.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.raw.WriteMessage(msgType, payload)
}

// writeClose sends a close control frame with the given code and reason.
func (conn *gatewayConn) writeClose(code int, reason string) {
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	_ = conn.raw.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.raw.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(wsCloseAckWindow),
	)
}

// pingLoop sends pings until stop closes or a write fails. On failure the
// socket is closed to unblock the reader.
func (conn *gatewayConn) pingLoop(stop <-chan struct{}, onErr func(error)) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			conn.writeMu.Lock()
			_ = conn.raw.SetWriteDeadline(time.Now().Add(ctrlTimeout))
			err := conn.raw.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctrlTimeout))
			conn.writeMu.Unlock()
			if err != nil {
				_ = conn.raw.Close()
				onErr(err)
				return
			}
		}
	}
}

// reply writes one ChannelMessage back to the peer, best effort.
func (conn *gatewayConn) reply(msg contracts.ChannelMessage) {
	_ = conn.WriteJSON(msg)
}

// sendError reports a per-message failure without dropping the channel.
func (conn *gatewayConn) sendError(message string) {
	if msg, err := contracts.NewChannelMessage(contracts.TypeError, map[string]any{"error": message}); err == nil {
		conn.reply(msg)
	}
}

// sendAuthError sends an authentication error message to the client.
func (conn *gatewayConn) sendAuthError(message string) {
	if msg, err := contracts.NewChannelMessage(contracts.TypeAuthError, map[string]any{
		"error":   message,
		"success": false,
	}); err == nil {
		conn.reply(msg)
	}
}

// sendAuthSuccess acknowledges a successful first-frame authentication.
func (conn *gatewayConn) sendAuthSuccess(userID string, role user.Role) error {
	msg, err := contracts.NewChannelMessage(contracts.TypeAuthSuccess, map[string]any{
		"message": "Authentication successful",
		"success": true,
		"user_id": userID,
		"role":    role.String(),
	})
	if err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
