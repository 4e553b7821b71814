package websocket

import (
	"context"
	"net/http"

	"ridelink/internal/domain/event"
	"ridelink/internal/domain/user"
	"ridelink/internal/general/contracts"
)

// handleSyncOperation decodes, authorizes, and applies one sync operation,
// then writes the confirmation or sync_error back on the same channel.
func (gateway *Gateway) handleSyncOperation(r *http.Request, conn *gatewayConn, userID, deviceID string, msg contracts.ChannelMessage) {
	var op contracts.SyncOperationMessage
	if err := msg.DecodePayload(&op); err != nil {
		conn.sendError("bad sync_operation payload")
		return
	}

	// the token's device id is authoritative when present
	if deviceID != "" {
		op.DeviceID = deviceID
	}

	result := gateway.service.ApplyOperation(r.Context(), op)

	switch {
	case result.Confirmation != nil:
		reply, err := contracts.NewChannelMessage(contracts.TypeSyncConfirmation, result.Confirmation)
		if err != nil {
			gateway.logger.Error(r.Context(), "sync_confirmation_encode_failed",
				"Failed to encode sync confirmation", err, map[string]any{"operation_id": op.OperationID})
			return
		}
		conn.reply(reply)

	case result.Error != nil:
		reply, err := contracts.NewChannelMessage(contracts.TypeSyncError, result.Error)
		if err != nil {
			gateway.logger.Error(r.Context(), "sync_error_encode_failed",
				"Failed to encode sync error", err, map[string]any{"operation_id": op.OperationID})
			return
		}
		gateway.logger.Info(r.Context(), "sync_rejected", "Sync operation rejected", map[string]any{
			"operation_id": op.OperationID,
			"user_id":      userID,
			"reason":       result.Error.Reason,
		})
		conn.reply(reply)
	}
}

// handleEvent ingests a client-published event. The sender's identity wins
// over whatever user id the client put in the event.
func (gateway *Gateway) handleEvent(r *http.Request, conn *gatewayConn, userID string, msg contracts.ChannelMessage) {
	var ev event.Event
	if err := msg.DecodePayload(&ev); err != nil {
		conn.sendError("bad event payload")
		return
	}
	ev.UserID = userID

	if err := gateway.service.IngestEvent(r.Context(), &ev); err != nil {
		gateway.logger.Error(r.Context(), "event_rejected", "Rejected inbound event", err, map[string]any{
			"user_id":    userID,
			"event_type": ev.Type.String(),
		})
		conn.sendError("invalid event")
		return
	}
}

// emitPresence publishes a user_joined or user_left event. Room is empty
// when the whole session ends.
func (gateway *Gateway) emitPresence(ctx context.Context, userID string, role user.Role, room string, joined bool) {
	eventType := event.TypeUserLeft
	if joined {
		eventType = event.TypeUserJoined
	}

	ev, err := event.New(eventType, userID, &event.PresencePayload{RoomID: room, Role: role.String()})
	if err != nil {
		gateway.logger.Error(ctx, "presence_event_failed", "Failed to build presence event", err,
			map[string]any{"user_id": userID})
		return
	}
	if err := gateway.service.IngestEvent(ctx, ev); err != nil {
		gateway.logger.Error(ctx, "presence_event_failed", "Failed to ingest presence event", err,
			map[string]any{"user_id": userID})
	}
}
