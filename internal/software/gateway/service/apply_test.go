package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridelink/internal/domain/event"
	"ridelink/internal/general/config"
	"ridelink/internal/general/contracts"
	"ridelink/internal/general/logger"
	"ridelink/internal/ports"
	"ridelink/internal/realtime/broadcast"
	"ridelink/internal/realtime/conflict"
)

// memStore is an in-memory EntityStore with the same optimistic-concurrency
// contract as the Postgres one.
type memStore struct {
	records map[string]*ports.EntityRecord
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*ports.EntityRecord)}
}

func (store *memStore) key(entity, entityID string) string { return entity + "/" + entityID }

func (store *memStore) Get(_ context.Context, entity, entityID string) (*ports.EntityRecord, error) {
	record, ok := store.records[store.key(entity, entityID)]
	if !ok {
		return nil, ports.ErrNotFound
	}
	clone := *record
	return &clone, nil
}

func (store *memStore) Upsert(_ context.Context, record *ports.EntityRecord, expectedVersion int64) error {
	key := store.key(record.Entity, record.EntityID)
	current, exists := store.records[key]
	if expectedVersion == 0 {
		if exists {
			return ports.ErrVersionMismatch
		}
	} else {
		if !exists {
			return ports.ErrNotFound
		}
		if current.Version != expectedVersion {
			return ports.ErrVersionMismatch
		}
	}
	clone := *record
	store.records[key] = &clone
	return nil
}

func (store *memStore) Delete(_ context.Context, entity, entityID string, expectedVersion int64) error {
	key := store.key(entity, entityID)
	current, exists := store.records[key]
	if !exists {
		return ports.ErrNotFound
	}
	if current.Version != expectedVersion {
		return ports.ErrVersionMismatch
	}
	delete(store.records, key)
	return nil
}

// passUOW runs the function without a real transaction.
type passUOW struct{}

func (passUOW) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type nullSender struct{}

func (nullSender) SendToUser(string, contracts.ChannelMessage) error { return nil }
func (nullSender) SendToRole(string, contracts.ChannelMessage) error { return nil }
func (nullSender) SendToRoom(string, contracts.ChannelMessage) error { return nil }

type memJournal struct {
	appended []*event.Event
}

func (journal *memJournal) Append(_ context.Context, ev *event.Event) error {
	journal.appended = append(journal.appended, ev)
	return nil
}

func (journal *memJournal) Recent(_ context.Context, limit int) ([]*event.Event, error) {
	if limit > len(journal.appended) {
		limit = len(journal.appended)
	}
	out := make([]*event.Event, 0, limit)
	for i := len(journal.appended) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, journal.appended[i])
	}
	return out, nil
}

func newTestService(t *testing.T, store ports.EntityStore) ports.GatewayService {
	t.Helper()
	engine, err := broadcast.New(broadcast.Options{
		Tuning: config.Default().Realtime,
		Sender: nullSender{},
	})
	require.NoError(t, err)
	return NewGatewayService(logger.New("gateway-test"), passUOW{}, store, &memJournal{}, engine, nil)
}

func makeOp(id, opType, entity, entityID string, version int64, data map[string]any) contracts.SyncOperationMessage {
	return contracts.SyncOperationMessage{
		OperationID: id,
		OpType:      opType,
		Entity:      entity,
		EntityID:    entityID,
		Data:        data,
		Version:     version,
		DeviceID:    "device-a",
		Timestamp:   time.Now().UTC(),
	}
}

func TestApplyCreate(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)

	result := svc.ApplyOperation(context.Background(),
		makeOp("op-1", "create", "rides", "ride-1", 0, map[string]any{"status": "REQUESTED"}))

	require.NotNil(t, result.Confirmation)
	assert.Equal(t, "op-1", result.Confirmation.OperationID)
	assert.Equal(t, int64(1), result.Confirmation.Version)
	assert.Equal(t, "REQUESTED", result.Confirmation.Data["status"])
}

func TestApplyUpdateMergesAndBumpsVersion(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)

	svc.ApplyOperation(context.Background(),
		makeOp("op-1", "create", "rides", "ride-1", 0, map[string]any{"status": "REQUESTED", "fare": 12.5}))

	result := svc.ApplyOperation(context.Background(),
		makeOp("op-2", "update", "rides", "ride-1", 1, map[string]any{"status": "ACCEPTED"}))

	require.NotNil(t, result.Confirmation)
	assert.Equal(t, int64(2), result.Confirmation.Version)
	assert.Equal(t, "ACCEPTED", result.Confirmation.Data["status"])
	assert.Equal(t, 12.5, result.Confirmation.Data["fare"], "untouched fields survive the merge")
}

func TestApplyUpdateMissingEntity(t *testing.T) {
	svc := newTestService(t, newMemStore())

	result := svc.ApplyOperation(context.Background(),
		makeOp("op-1", "update", "rides", "ghost", 1, map[string]any{"status": "ACCEPTED"}))

	require.NotNil(t, result.Error)
	assert.Equal(t, ReasonEntityNotFound, result.Error.Reason)
	assert.Empty(t, result.Error.Conflict)
}

func TestApplyStaleVersionAttachesConflict(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)

	svc.ApplyOperation(context.Background(),
		makeOp("op-1", "create", "rides", "ride-1", 0, map[string]any{"status": "REQUESTED"}))
	svc.ApplyOperation(context.Background(),
		makeOp("op-2", "update", "rides", "ride-1", 1, map[string]any{"status": "ACCEPTED"}))

	// second writer still based on version 1
	stale := makeOp("op-3", "update", "rides", "ride-1", 1, map[string]any{"status": "CANCELLED"})
	stale.DeviceID = "device-b"
	result := svc.ApplyOperation(context.Background(), stale)

	require.NotNil(t, result.Error)
	assert.Equal(t, ReasonVersionStale, result.Error.Reason)

	var record conflict.Conflict
	require.NoError(t, json.Unmarshal(result.Error.Conflict, &record))
	assert.Equal(t, conflict.TypeVersion, record.Type)
	assert.Equal(t, "CANCELLED", record.Local.Data["status"])
	assert.Equal(t, "ACCEPTED", record.Remote.Data["status"])
	assert.Equal(t, int64(2), record.Remote.Version)

	// stored state is untouched by the rejected write
	current, err := store.Get(context.Background(), "rides", "ride-1")
	require.NoError(t, err)
	assert.Equal(t, "ACCEPTED", current.Data["status"])
}

func TestApplyCreateDuplicateConflicts(t *testing.T) {
	svc := newTestService(t, newMemStore())

	svc.ApplyOperation(context.Background(),
		makeOp("op-1", "create", "rides", "ride-1", 0, map[string]any{"status": "REQUESTED"}))
	result := svc.ApplyOperation(context.Background(),
		makeOp("op-2", "create", "rides", "ride-1", 0, map[string]any{"status": "REQUESTED"}))

	require.NotNil(t, result.Error)
	assert.Equal(t, ReasonVersionStale, result.Error.Reason)
	assert.NotEmpty(t, result.Error.Conflict)
}

func TestApplyDelete(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)

	svc.ApplyOperation(context.Background(),
		makeOp("op-1", "create", "rides", "ride-1", 0, map[string]any{"status": "REQUESTED"}))

	result := svc.ApplyOperation(context.Background(),
		makeOp("op-2", "delete", "rides", "ride-1", 1, nil))
	require.NotNil(t, result.Confirmation)

	_, err := store.Get(context.Background(), "rides", "ride-1")
	assert.ErrorIs(t, err, ports.ErrNotFound)

	// deleting again converges without an error
	again := svc.ApplyOperation(context.Background(),
		makeOp("op-3", "delete", "rides", "ride-1", 1, nil))
	require.NotNil(t, again.Confirmation)
}

func TestApplyRejectsMalformedOperation(t *testing.T) {
	svc := newTestService(t, newMemStore())

	result := svc.ApplyOperation(context.Background(),
		makeOp("op-1", "merge", "rides", "ride-1", 0, nil))
	require.NotNil(t, result.Error)
	assert.Equal(t, ReasonBadOperation, result.Error.Reason)

	result = svc.ApplyOperation(context.Background(),
		makeOp("", "create", "rides", "ride-1", 0, nil))
	require.NotNil(t, result.Error)
	assert.Equal(t, ReasonBadOperation, result.Error.Reason)
}

func TestIngestEventRejectsInvalid(t *testing.T) {
	svc := newTestService(t, newMemStore())

	bad := &event.Event{Type: event.TypeRideAccepted, UserID: "driver-1"}
	assert.Error(t, svc.IngestEvent(context.Background(), bad), "event without payload must be rejected")

	good, err := event.New(event.TypeDriverOnline, "driver-1", &event.DriverPayload{DriverID: "driver-1"})
	require.NoError(t, err)
	assert.NoError(t, svc.IngestEvent(context.Background(), good))
}
