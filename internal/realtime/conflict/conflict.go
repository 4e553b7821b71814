// Package conflict models divergent writes to the same entity and their
// explicit resolution. A conflict is first-class data for a resolution UI,
// never an error, and is never auto-discarded.
package conflict

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type classifies how the divergence was detected. Informational for the
// resolver UI; it does not change resolution behavior.
type Type string

const (
	TypeVersion    Type = "version"    // explicit version numbers disagree
	TypeTimestamp  Type = "timestamp"  // equal versions, stale timestamps: a missed increment
	TypeConcurrent Type = "concurrent" // both sides modified within the concurrency window on different devices
)

// concurrentWindow is the interval within which two writes from different
// devices count as concurrent rather than stale.
const concurrentWindow = 2 * time.Second

var (
	ErrEmptyEntity = errors.New("conflict: entity is required")
)

// VersionedData is one writer's view of the entity.
type VersionedData struct {
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	DeviceID  string         `json:"device_id"`
	Version   int64          `json:"version"`
}

// Conflict records a detected divergence between two writers' versions of
// the same entity. Once Resolved is set the record is immutable; resolving
// produces a new record plus a follow-up sync operation, never a rewrite of
// history.
type Conflict struct {
	ID        string        `json:"id"`
	Entity    string        `json:"entity"`
	EntityID  string        `json:"entity_id"`
	Local     VersionedData `json:"local_data"`
	Remote    VersionedData `json:"remote_data"`
	Type      Type          `json:"conflict_type"`
	Resolved  bool          `json:"resolved"`
	CreatedAt time.Time     `json:"created_at"`
}

// New builds a conflict record and classifies it.
func New(entity, entityID string, local, remote VersionedData) (*Conflict, error) {
	if strings.TrimSpace(entity) == "" || strings.TrimSpace(entityID) == "" {
		return nil, ErrEmptyEntity
	}

	return &Conflict{
		ID:        uuid.NewString(),
		Entity:    entity,
		EntityID:  entityID,
		Local:     local,
		Remote:    remote,
		Type:      Classify(local, remote),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Classify derives the conflict type from the two writers' versions.
func Classify(local, remote VersionedData) Type {
	if local.Version != remote.Version {
		return TypeVersion
	}

	delta := local.Timestamp.Sub(remote.Timestamp)
	if delta < 0 {
		delta = -delta
	}
	if local.DeviceID != remote.DeviceID && delta <= concurrentWindow {
		return TypeConcurrent
	}
	return TypeTimestamp
}
