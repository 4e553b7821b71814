package service

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"time"

	"ridelink/internal/general/contracts"
	"ridelink/internal/ports"
	"ridelink/internal/realtime/conflict"
	"ridelink/internal/realtime/syncer"
)

// Reasons reported in sync_error messages.
const (
	ReasonEntityNotFound = "entity not found"
	ReasonVersionStale   = "version conflict"
	ReasonBadOperation   = "malformed operation"
	ReasonInternal       = "internal error"
)

// ApplyOperation runs one optimistic operation through the version check and
// persists it. The operation's Version field is the version its data was
// based on; a mismatch against the stored version yields a sync_error with a
// classified conflict record attached.
func (service *gatewayService) ApplyOperation(ctx context.Context, op contracts.SyncOperationMessage) ports.SyncResult {
	opType, err := syncer.ParseOpType(op.OpType)
	if err != nil || op.OperationID == "" || op.Entity == "" || op.EntityID == "" {
		return service.reject(op, ReasonBadOperation, nil)
	}

	var result ports.SyncResult
	txErr := service.uow.WithinTx(ctx, func(ctx context.Context) error {
		result = service.applyInTx(ctx, op, opType)
		if result.Error != nil {
			// rejection rolls back any partial write; the sync_error itself
			// is the outcome, not a failure
			return errAbortTx
		}
		return nil
	})
	if txErr != nil && !errors.Is(txErr, errAbortTx) {
		service.logger.Error(ctx, "sync_apply_failed", "Failed to apply sync operation", txErr, map[string]any{
			"operation_id": op.OperationID,
			"entity":       op.Entity,
			"entity_id":    op.EntityID,
		})
		return service.reject(op, ReasonInternal, nil)
	}

	if result.Confirmation != nil {
		service.logger.Debug(ctx, "sync_applied", "Sync operation applied", map[string]any{
			"operation_id": op.OperationID,
			"entity":       op.Entity,
			"entity_id":    op.EntityID,
			"version":      result.Confirmation.Version,
		})
	}
	return result
}

// errAbortTx signals a deliberate rollback for rejected operations.
var errAbortTx = errors.New("sync operation rejected")

func (service *gatewayService) applyInTx(ctx context.Context, op contracts.SyncOperationMessage, opType syncer.OpType) ports.SyncResult {
	current, err := service.store.Get(ctx, op.Entity, op.EntityID)
	if err != nil && !errors.Is(err, ports.ErrNotFound) {
		return service.reject(op, ReasonInternal, nil)
	}
	exists := current != nil

	switch opType {
	case syncer.OpCreate:
		if exists {
			return service.rejectConflict(op, current)
		}
		record := &ports.EntityRecord{
			Entity:    op.Entity,
			EntityID:  op.EntityID,
			Data:      cloneData(op.Data),
			Version:   1,
			DeviceID:  op.DeviceID,
			UpdatedAt: time.Now().UTC(),
		}
		if err := service.store.Upsert(ctx, record, 0); err != nil {
			return service.upsertFailure(op, err)
		}
		return service.confirm(op, record)

	case syncer.OpUpdate:
		if !exists {
			return service.reject(op, ReasonEntityNotFound, nil)
		}
		if current.Version != op.Version {
			return service.rejectConflict(op, current)
		}
		merged := cloneData(current.Data)
		maps.Copy(merged, op.Data)
		record := &ports.EntityRecord{
			Entity:    op.Entity,
			EntityID:  op.EntityID,
			Data:      merged,
			Version:   current.Version + 1,
			DeviceID:  op.DeviceID,
			UpdatedAt: time.Now().UTC(),
		}
		if err := service.store.Upsert(ctx, record, current.Version); err != nil {
			return service.upsertFailure(op, err)
		}
		return service.confirm(op, record)

	case syncer.OpDelete:
		if !exists {
			// deleting what is already gone converges; confirm idempotently
			return service.confirm(op, &ports.EntityRecord{
				Entity:   op.Entity,
				EntityID: op.EntityID,
				Version:  op.Version,
			})
		}
		if current.Version != op.Version {
			return service.rejectConflict(op, current)
		}
		if err := service.store.Delete(ctx, op.Entity, op.EntityID, current.Version); err != nil {
			return service.upsertFailure(op, err)
		}
		return service.confirm(op, &ports.EntityRecord{
			Entity:   op.Entity,
			EntityID: op.EntityID,
			Version:  current.Version + 1,
		})
	}

	return service.reject(op, ReasonBadOperation, nil)
}

// upsertFailure maps a store error to the matching rejection. A version
// mismatch here means another writer committed between our read and write.
func (service *gatewayService) upsertFailure(op contracts.SyncOperationMessage, err error) ports.SyncResult {
	switch {
	case errors.Is(err, ports.ErrVersionMismatch):
		return service.reject(op, ReasonVersionStale, nil)
	case errors.Is(err, ports.ErrNotFound):
		return service.reject(op, ReasonEntityNotFound, nil)
	default:
		return service.reject(op, ReasonInternal, nil)
	}
}

// rejectConflict builds the classified conflict record for a stale write.
func (service *gatewayService) rejectConflict(op contracts.SyncOperationMessage, current *ports.EntityRecord) ports.SyncResult {
	record, err := conflict.New(op.Entity, op.EntityID,
		conflict.VersionedData{
			Data:      op.Data,
			Timestamp: op.Timestamp,
			DeviceID:  op.DeviceID,
			Version:   op.Version,
		},
		conflict.VersionedData{
			Data:      current.Data,
			Timestamp: current.UpdatedAt,
			DeviceID:  current.DeviceID,
			Version:   current.Version,
		},
	)
	if err != nil {
		return service.reject(op, ReasonVersionStale, nil)
	}
	return service.reject(op, ReasonVersionStale, record)
}

func (service *gatewayService) reject(op contracts.SyncOperationMessage, reason string, record *conflict.Conflict) ports.SyncResult {
	syncErr := &contracts.SyncErrorMessage{
		OperationID: op.OperationID,
		Entity:      op.Entity,
		EntityID:    op.EntityID,
		Reason:      reason,
		Envelope:    service.envelope(op),
	}
	if record != nil {
		if raw, err := json.Marshal(record); err == nil {
			syncErr.Conflict = raw
		}
	}
	return ports.SyncResult{Error: syncErr}
}

func (service *gatewayService) confirm(op contracts.SyncOperationMessage, record *ports.EntityRecord) ports.SyncResult {
	return ports.SyncResult{Confirmation: &contracts.SyncConfirmationMessage{
		OperationID: op.OperationID,
		Entity:      op.Entity,
		EntityID:    op.EntityID,
		Data:        record.Data,
		Version:     record.Version,
		Envelope:    service.envelope(op),
	}}
}

func (service *gatewayService) envelope(op contracts.SyncOperationMessage) contracts.Envelope {
	return contracts.Envelope{
		CorrelationID: op.OperationID,
		Producer:      producerName,
		SentAt:        time.Now().UTC(),
	}
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	maps.Copy(out, data)
	return out
}
