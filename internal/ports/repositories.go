package ports

import (
	"context"
	"errors"
	"time"

	"ridelink/internal/domain/event"
)

// UnitOfWork interface is used to manage transactions across multiple repository operations.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Sentinel errors shared by store implementations.
var (
	ErrNotFound        = errors.New("entity not found")
	ErrVersionMismatch = errors.New("entity version mismatch")
)

// EntityRecord is the authoritative versioned snapshot of one synced entity.
// Version increments by exactly one on every accepted write; DeviceID names
// the writer that produced the current state.
type EntityRecord struct {
	Entity    string         `json:"entity"`
	EntityID  string         `json:"entity_id"`
	Data      map[string]any `json:"data"`
	Version   int64          `json:"version"`
	DeviceID  string         `json:"device_id"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// EntityStore persists versioned entity state for the sync gateway.
// Upsert and Delete enforce optimistic concurrency: expectedVersion must
// match the stored version (0 means the entity must not exist yet), else
// ErrVersionMismatch.
type EntityStore interface {
	Get(ctx context.Context, entity, entityID string) (*EntityRecord, error)
	Upsert(ctx context.Context, record *EntityRecord, expectedVersion int64) error
	Delete(ctx context.Context, entity, entityID string, expectedVersion int64) error
}

// EventJournal durably appends processed events and serves recent history,
// e.g. to replay to the operator console.
type EventJournal interface {
	Append(ctx context.Context, ev *event.Event) error
	Recent(ctx context.Context, limit int) ([]*event.Event, error)
}
