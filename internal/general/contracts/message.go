package contracts

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message type namespace for the realtime channel. Domain event types pass
// through with their own names; these are the control-plane types.
const (
	TypeHeartbeat        = "heartbeat"
	TypeAuth             = "auth"
	TypeAuthSuccess      = "auth_success"
	TypeAuthError        = "auth_error"
	TypeSyncOperation    = "sync_operation"
	TypeSyncConfirmation = "sync_confirmation"
	TypeSyncError        = "sync_error"
	TypeEvent            = "event"
	TypeJoinRoom         = "join_room"
	TypeLeaveRoom        = "leave_room"
	TypeError            = "error"
)

// RoomMessage is the payload of join_room and leave_room messages.
type RoomMessage struct {
	Room string `json:"room"`
}

var (
	ErrEmptyMessageType = errors.New("message type is required")
	ErrEmptyMessageID   = errors.New("message id is required")
)

// ChannelMessage is the unit of wire transmission on the realtime channel.
// ID is generated by the producing side and correlates confirmations.
type ChannelMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"` // epoch millis
	ID        string          `json:"id"`
}

// NewChannelMessage wraps a payload value into a ChannelMessage with a fresh
// id and the current timestamp.
func NewChannelMessage(messageType string, payload any) (ChannelMessage, error) {
	messageType = strings.TrimSpace(messageType)
	if messageType == "" {
		return ChannelMessage{}, ErrEmptyMessageType
	}

	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return ChannelMessage{}, err
		}
		raw = encoded
	}

	return ChannelMessage{
		Type:      messageType,
		Payload:   raw,
		Timestamp: time.Now().UTC().UnixMilli(),
		ID:        uuid.NewString(),
	}, nil
}

// Heartbeat builds the ping message the connection manager sends on each tick.
func Heartbeat() ChannelMessage {
	msg, _ := NewChannelMessage(TypeHeartbeat, nil)
	return msg
}

// Validate checks the fields every inbound message must carry.
func (message ChannelMessage) Validate() error {
	if strings.TrimSpace(message.Type) == "" {
		return ErrEmptyMessageType
	}
	if strings.TrimSpace(message.ID) == "" {
		return ErrEmptyMessageID
	}
	return nil
}

// DecodePayload unmarshals the payload into dst.
func (message ChannelMessage) DecodePayload(dst any) error {
	if len(message.Payload) == 0 {
		return errors.New("message has no payload")
	}
	return json.Unmarshal(message.Payload, dst)
}

// SentAt converts the epoch-millis timestamp back to time.Time.
func (message ChannelMessage) SentAt() time.Time {
	return time.UnixMilli(message.Timestamp).UTC()
}

// Envelope adds cross-cutting headers bridge-published messages may carry.
type Envelope struct {
	CorrelationID string    `json:"correlation_id,omitempty"` // correlation for tracing across services
	Producer      string    `json:"producer,omitempty"`       // producer service name, e.g. "realtime-gateway"
	SentAt        time.Time `json:"sent_at,omitempty"`        // ISO-8601 send time (UTC)
}
