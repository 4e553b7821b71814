package gatewayservice

import (
	"context"

	"ridelink/internal/general/contracts"
	"ridelink/internal/general/logger"
	"ridelink/internal/realtime/broadcast"
)

// mirroredSender delivers to connected sessions first and mirrors the same
// message onto the broker for out-of-process consumers. The in-process hub
// is the path users see; a broker hiccup is logged, never surfaced.
type mirroredSender struct {
	primary broadcast.Sender
	mirror  broadcast.Sender
	logger  *logger.Logger
}

func (sender *mirroredSender) SendToUser(userID string, msg contracts.ChannelMessage) error {
	sender.mirrorSend("user", userID, msg, sender.mirror.SendToUser)
	return sender.primary.SendToUser(userID, msg)
}

func (sender *mirroredSender) SendToRole(role string, msg contracts.ChannelMessage) error {
	sender.mirrorSend("role", role, msg, sender.mirror.SendToRole)
	return sender.primary.SendToRole(role, msg)
}

func (sender *mirroredSender) SendToRoom(roomID string, msg contracts.ChannelMessage) error {
	sender.mirrorSend("room", roomID, msg, sender.mirror.SendToRoom)
	return sender.primary.SendToRoom(roomID, msg)
}

func (sender *mirroredSender) mirrorSend(kind, target string, msg contracts.ChannelMessage, fn func(string, contracts.ChannelMessage) error) {
	if err := fn(target, msg); err != nil {
		sender.logger.Error(context.Background(), "broadcast_mirror_failed",
			"Failed to mirror broadcast to broker", err,
			map[string]any{"target_kind": kind, "target": target})
	}
}
