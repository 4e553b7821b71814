package contracts

import (
	"encoding/json"
	"time"
)

// SyncOperationMessage is the payload of a "sync_operation" ChannelMessage.
// OperationID equals the optimistic operation id assigned by the client.
type SyncOperationMessage struct {
	OperationID string         `json:"operation_id"`
	OpType      string         `json:"op_type"` // create|update|delete
	Entity      string         `json:"entity"`  // logical collection, e.g. "rides"
	EntityID    string         `json:"entity_id"`
	Data        map[string]any `json:"data,omitempty"`
	Version     int64          `json:"version"`
	DeviceID    string         `json:"device_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Envelope
}

// SyncConfirmationMessage is the payload of a "sync_confirmation" message.
// Data carries the authoritative server state; any field it contains wins
// over the client's optimistic value.
type SyncConfirmationMessage struct {
	OperationID string         `json:"operation_id"`
	Entity      string         `json:"entity"`
	EntityID    string         `json:"entity_id"`
	Data        map[string]any `json:"data,omitempty"`
	Version     int64          `json:"version"`
	Envelope
}

// SyncErrorMessage is the payload of a "sync_error" message. Conflict, when
// present, is the serialized conflict record for the resolution UI.
type SyncErrorMessage struct {
	OperationID string          `json:"operation_id"`
	Entity      string          `json:"entity"`
	EntityID    string          `json:"entity_id"`
	Reason      string          `json:"reason"`
	Conflict    json.RawMessage `json:"conflict,omitempty"`
	Envelope
}
