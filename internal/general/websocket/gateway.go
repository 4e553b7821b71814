package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"ridelink/internal/domain/user"
	"ridelink/internal/general/contracts"
	"ridelink/internal/general/hub"
	"ridelink/internal/general/jwt"
	"ridelink/internal/general/logger"
	"ridelink/internal/ports"
)

const (
	wsWriteTimeout   = 5 * time.Second
	wsCloseAckWindow = 2 * time.Second
	ctrlTimeout      = 5 * time.Second
	authWindow       = 5 * time.Second
	readIdleTimeout  = 60 * time.Second
	pingInterval     = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Gateway terminates realtime channels: it upgrades HTTP connections,
// authenticates the first frame, registers the session in the hub, and
// routes inbound ChannelMessages to the gateway service.
type Gateway struct {
	logger  *logger.Logger
	jwtMgr  *jwt.Manager
	hub     *hub.Hub
	service ports.GatewayService
}

// NewGateway creates a Gateway handler with JWT first-frame auth.
func NewGateway(logger *logger.Logger, jwtMgr *jwt.Manager, h *hub.Hub, service ports.GatewayService) *Gateway {
	return &Gateway{
		logger:  logger,
		jwtMgr:  jwtMgr,
		hub:     h,
		service: service,
	}
}

// Connect handles a channel connection for any authenticated user.
func (gateway *Gateway) Connect(w http.ResponseWriter, r *http.Request) {
	// 1) Upgrade HTTP -> WS
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		gateway.logger.Error(r.Context(), "websocket_upgrade_failed", "Failed to upgrade to WebSocket", err, nil)
		return
	}
	conn := newGatewayConn(raw)
	defer conn.Close()

	// 2) Auth deadline: the first frame must arrive within the window
	raw.SetReadLimit(1 << 20) // 1 MiB
	if err := raw.SetReadDeadline(time.Now().Add(authWindow)); err != nil {
		gateway.logger.Error(r.Context(), "ws_set_deadline_failed", "Failed to set initial read deadline", err, nil)
		conn.sendAuthError("internal server error")
		return
	}

	// 3) First frame carries the auth message
	msgType, firstFrame, err := raw.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
			gateway.logger.Error(r.Context(), "ws_auth_timeout", "Client disconnected before authentication", err, nil)
		} else {
			gateway.logger.Error(r.Context(), "ws_auth_read_failed", "Failed to read auth message", err, nil)
		}
		conn.sendAuthError("authentication timeout: please send auth message within 5 seconds")
		return
	}
	if msgType != websocket.TextMessage {
		gateway.logger.Error(r.Context(), "ws_auth_invalid_format", "Auth message must be text format", nil, nil)
		conn.sendAuthError("auth message must be in text format")
		return
	}

	res, err := jwt.ValidateWSAuth(firstFrame, gateway.jwtMgr,
		user.RolePassenger, user.RoleDriver, user.RoleOperator, user.RoleAdmin)
	if err != nil {
		gateway.logger.Error(r.Context(), "ws_auth_failed", "Invalid auth message or token", err, nil)
		conn.sendAuthError("authentication failed: invalid token")
		return
	}

	userID := res.Claims.Subject
	role := res.Claims.Role
	deviceID := res.Claims.DeviceID

	// 4) Acknowledge auth before any other traffic
	if err := conn.sendAuthSuccess(userID, role); err != nil {
		gateway.logger.Error(r.Context(), "ws_auth_success_failed", "Failed to send auth success message", err, nil)
		return
	}

	gateway.logger.Info(r.Context(), "ws_connected", "Channel connected",
		map[string]any{"user_id": userID, "role": role.String()})

	// 5) Register in the hub; a reconnect for the same user replaces the old
	// session. Unregister on exit only while this conn is still the
	// registered one, so a superseded handler never tears down its
	// replacement or reports a departure for a user who is still here.
	if err := gateway.hub.Add(userID, role, conn); err != nil {
		gateway.logger.Error(r.Context(), "ws_register_failed", "Failed to register session", err,
			map[string]any{"user_id": userID})
		return
	}
	defer func() {
		if gateway.hub.RemoveSession(userID, conn) {
			gateway.emitPresence(r.Context(), userID, role, "", false)
		}
	}()

	// 6) Reset read deadline after auth; pongs extend it
	_ = raw.SetReadDeadline(time.Now().Add(readIdleTimeout))
	raw.SetPongHandler(func(_ string) error {
		return raw.SetReadDeadline(time.Now().Add(readIdleTimeout))
	})

	// 7) Ping loop keeps intermediaries from dropping idle channels
	pingStop := make(chan struct{})
	defer close(pingStop)
	go conn.pingLoop(pingStop, func(err error) {
		gateway.logger.Error(r.Context(), "ws_ping_failed", "Failed to send ping", err,
			map[string]any{"user_id": userID})
	})

	// 8) Read loop: route ChannelMessages until the peer goes away
	for {
		_ = raw.SetReadDeadline(time.Now().Add(readIdleTimeout))
		_, payload, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				gateway.logger.Error(r.Context(), "ws_unexpected_close", "Channel closed unexpectedly", err,
					map[string]any{"user_id": userID})
				conn.writeClose(websocket.CloseInternalServerErr, "internal error")
			} else {
				gateway.logger.Info(r.Context(), "ws_connection_closed", "Channel closed normally",
					map[string]any{"user_id": userID})
				conn.writeClose(websocket.CloseNormalClosure, "bye")
			}
			return
		}

		var msg contracts.ChannelMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			conn.sendError("bad json")
			continue
		}
		if err := msg.Validate(); err != nil {
			conn.sendError(err.Error())
			continue
		}

		gateway.route(r, conn, userID, role, deviceID, msg)
	}
}

// route dispatches one validated inbound message.
func (gateway *Gateway) route(r *http.Request, conn *gatewayConn, userID string, role user.Role, deviceID string, msg contracts.ChannelMessage) {
	switch msg.Type {
	case contracts.TypeHeartbeat:
		// echo so the client's liveness check observes the round trip
		conn.reply(contracts.Heartbeat())

	case contracts.TypeSyncOperation:
		gateway.handleSyncOperation(r, conn, userID, deviceID, msg)

	case contracts.TypeEvent:
		gateway.handleEvent(r, conn, userID, msg)

	case contracts.TypeJoinRoom:
		var room contracts.RoomMessage
		if err := msg.DecodePayload(&room); err != nil || room.Room == "" {
			conn.sendError("bad room payload")
			return
		}
		gateway.hub.JoinRoom(userID, room.Room)
		gateway.emitPresence(r.Context(), userID, role, room.Room, true)

	case contracts.TypeLeaveRoom:
		var room contracts.RoomMessage
		if err := msg.DecodePayload(&room); err != nil || room.Room == "" {
			conn.sendError("bad room payload")
			return
		}
		gateway.hub.LeaveRoom(userID, room.Room)
		gateway.emitPresence(r.Context(), userID, role, room.Room, false)

	default:
		conn.sendError("unknown message type")
	}
}
