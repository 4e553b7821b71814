package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"ridelink/internal/ports"
)

// EntityStore persists versioned entity snapshots using pgx and plain SQL.
// Rows live in synced_entities keyed by (entity, entity_id); the version
// column carries the optimistic-concurrency check.
type EntityStore struct{}

// NewEntityStore constructs a new EntityStore.
func NewEntityStore() ports.EntityStore {
	return &EntityStore{}
}

// Get returns one entity snapshot, or ports.ErrNotFound.
func (store *EntityStore) Get(ctx context.Context, entity, entityID string) (*ports.EntityRecord, error) {
	tx, err := MustTxFromContext(ctx)
	if err != nil {
		return nil, err
	}

	out := ports.EntityRecord{Entity: entity, EntityID: entityID}
	err = tx.QueryRow(ctx, `
		SELECT data, version, device_id, updated_at
		FROM synced_entities
		WHERE entity = $1 AND entity_id = $2
	`, entity, entityID).Scan(&out.Data, &out.Version, &out.DeviceID, &out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ports.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &out, nil
}

// Upsert writes a snapshot iff the stored version still equals
// expectedVersion. expectedVersion 0 means the row must not exist yet.
func (store *EntityStore) Upsert(ctx context.Context, record *ports.EntityRecord, expectedVersion int64) error {
	tx, err := MustTxFromContext(ctx)
	if err != nil {
		return err
	}

	if expectedVersion == 0 {
		tag, err := tx.Exec(ctx, `
			INSERT INTO synced_entities (entity, entity_id, data, version, device_id, updated_at)
			VALUES ($1, $2, $3::jsonb, $4, $5, $6)
			ON CONFLICT (entity, entity_id) DO NOTHING
		`, record.Entity, record.EntityID, record.Data, record.Version, record.DeviceID, record.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ports.ErrVersionMismatch
		}
		return nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE synced_entities
		SET data = $3::jsonb, version = $4, device_id = $5, updated_at = $6
		WHERE entity = $1 AND entity_id = $2 AND version = $7
	`, record.Entity, record.EntityID, record.Data, record.Version, record.DeviceID, record.UpdatedAt, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// distinguish missing row from stale version for the error message
		var exists bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM synced_entities WHERE entity = $1 AND entity_id = $2)
		`, record.Entity, record.EntityID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ports.ErrNotFound
		}
		return ports.ErrVersionMismatch
	}

	return nil
}

// Delete removes a snapshot iff the stored version still equals expectedVersion.
func (store *EntityStore) Delete(ctx context.Context, entity, entityID string, expectedVersion int64) error {
	tx, err := MustTxFromContext(ctx)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM synced_entities
		WHERE entity = $1 AND entity_id = $2 AND version = $3
	`, entity, entityID, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM synced_entities WHERE entity = $1 AND entity_id = $2)
		`, entity, entityID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ports.ErrNotFound
		}
		return ports.ErrVersionMismatch
	}

	return nil
}
