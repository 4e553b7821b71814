package rabbitmq

import (
	"encoding/json"
	"fmt"
	"strings"

	"ridelink/internal/general/contracts"
)

// BroadcastBridge mirrors rule deliveries onto the broadcast topic exchange
// so services outside this process (push notifications, analytics) receive
// the same fan-out the in-process hub performs. It satisfies the engine's
// Sender contract and is normally composed with the hub sender.
type BroadcastBridge struct {
	Client *Client
}

func NewBroadcastBridge(client *Client) *BroadcastBridge {
	return &BroadcastBridge{Client: client}
}

func (bridge *BroadcastBridge) SendToUser(userID string, msg contracts.ChannelMessage) error {
	return bridge.publish(contracts.RouteBroadcastUserPrefix+userID, msg)
}

func (bridge *BroadcastBridge) SendToRole(role string, msg contracts.ChannelMessage) error {
	return bridge.publish(contracts.RouteBroadcastRolePrefix+strings.ToLower(role), msg)
}

func (bridge *BroadcastBridge) SendToRoom(roomID string, msg contracts.ChannelMessage) error {
	return bridge.publish(contracts.RouteBroadcastRoomPrefix+roomID, msg)
}

func (bridge *BroadcastBridge) publish(routingKey string, msg contracts.ChannelMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("rabbitmq: marshal broadcast message: %w", err)
	}
	return bridge.Client.PublishMessage(contracts.ExchangeBroadcastTopic, routingKey, body)
}
