package syncer

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridelink/internal/general/config"
	"ridelink/internal/general/contracts"
	"ridelink/internal/realtime/conflict"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []contracts.SyncOperationMessage
}

func (sender *recordingSender) Send(msg contracts.ChannelMessage) {
	var op contracts.SyncOperationMessage
	if err := msg.DecodePayload(&op); err != nil {
		panic(err)
	}
	sender.mu.Lock()
	sender.sent = append(sender.sent, op)
	sender.mu.Unlock()
}

func (sender *recordingSender) count() int {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	return len(sender.sent)
}

func (sender *recordingSender) entityIDs() []string {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	ids := make([]string, 0, len(sender.sent))
	for _, op := range sender.sent {
		ids = append(ids, op.EntityID)
	}
	return ids
}

func syncTuning() config.Realtime {
	return config.Realtime{
		ReconnectIntervalMS:  10,
		MaxReconnectAttempts: 3,
		HeartbeatIntervalMS:  50,
		ConfirmTimeoutMS:     40,
		MaxRetries:           2,
		RetryDelayMS:         10,
		BatchSize:            2,
		SyncIntervalMS:       1000,
		HistoryLimit:         100,
		ProcessIntervalMS:    10,
	}
}

func newTestCoordinator(t *testing.T, sender Sender, cb Callbacks) *Coordinator {
	t.Helper()
	coordinator, err := New(Options{
		Tuning:    syncTuning(),
		Sender:    sender,
		DeviceID:  "device-test",
		Callbacks: cb,
	})
	require.NoError(t, err)
	return coordinator
}

func TestNewRequiresSender(t *testing.T) {
	_, err := New(Options{Tuning: syncTuning()})
	assert.ErrorIs(t, err, ErrNoSender)
}

func TestNewRejectsInvalidTuning(t *testing.T) {
	tuning := syncTuning()
	tuning.MaxRetries = 0
	_, err := New(Options{Tuning: tuning, Sender: &recordingSender{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_retries")
}

func TestOptimisticUpdateValidatesInput(t *testing.T) {
	coordinator := newTestCoordinator(t, &recordingSender{}, Callbacks{})

	_, err := coordinator.OptimisticUpdate("", "ride-1", nil, OpUpdate)
	assert.ErrorIs(t, err, ErrEmptyEntity)

	_, err = coordinator.OptimisticUpdate("rides", "ride-1", nil, OpType("merge"))
	assert.ErrorIs(t, err, ErrInvalidOpType)
}

func TestOptimisticUpdateAppliesImmediately(t *testing.T) {
	sender := &recordingSender{}
	var applied *Operation
	coordinator := newTestCoordinator(t, sender, Callbacks{
		OnApply: func(op *Operation) { applied = op },
	})

	id, err := coordinator.OptimisticUpdate("rides", "ride-1", map[string]any{"status": "ACCEPTED"}, OpUpdate)
	require.NoError(t, err)

	require.NotNil(t, applied)
	assert.Equal(t, id, applied.ID)
	assert.True(t, applied.Optimistic)
	assert.Equal(t, "ACCEPTED", applied.Data["status"])

	// Offline: applied locally but nothing on the wire yet.
	assert.Zero(t, sender.count())
	assert.True(t, coordinator.HasPending("rides"))
	assert.Equal(t, 1, coordinator.PendingCount())
}

func TestGoingOnlineFlushesInOrder(t *testing.T) {
	sender := &recordingSender{}
	coordinator := newTestCoordinator(t, sender, Callbacks{})

	for _, entityID := range []string{"ride-1", "ride-2", "ride-3", "ride-4", "ride-5"} {
		_, err := coordinator.OptimisticUpdate("rides", entityID, nil, OpUpdate)
		require.NoError(t, err)
	}
	assert.Zero(t, sender.count())

	coordinator.SetOnline(true)

	// Batch size is 2, so the flush runs three batches but preserves order.
	assert.Equal(t, []string{"ride-1", "ride-2", "ride-3", "ride-4", "ride-5"}, sender.entityIDs())
}

func TestConfirmMergesServerDataAndIsIdempotent(t *testing.T) {
	sender := &recordingSender{}
	var (
		confirms int
		merged   map[string]any
	)
	coordinator := newTestCoordinator(t, sender, Callbacks{
		OnConfirm: func(op *Operation, data map[string]any) {
			confirms++
			merged = data
		},
	})
	coordinator.SetOnline(true)

	id, err := coordinator.OptimisticUpdate("rides", "ride-1",
		map[string]any{"status": "ACCEPTED", "note": "client"}, OpUpdate)
	require.NoError(t, err)
	assert.Equal(t, 1, sender.count())

	assert.True(t, coordinator.Confirm(id, map[string]any{"status": "EN_ROUTE", "version": int64(7)}))
	assert.False(t, coordinator.Confirm(id, nil), "second confirm must be a no-op")

	assert.Equal(t, 1, confirms)
	assert.Equal(t, "EN_ROUTE", merged["status"], "server field wins")
	assert.Equal(t, "client", merged["note"], "client-only field survives")
	assert.False(t, coordinator.HasPending("rides"))
}

func TestConfirmCancelsRetryTimer(t *testing.T) {
	sender := &recordingSender{}
	var reverts int
	coordinator := newTestCoordinator(t, sender, Callbacks{
		OnRevert: func(op *Operation, reason string) { reverts++ },
	})
	coordinator.SetOnline(true)

	id, err := coordinator.OptimisticUpdate("rides", "ride-1", nil, OpUpdate)
	require.NoError(t, err)
	require.True(t, coordinator.Confirm(id, nil))

	// Well past confirm timeout plus the full retry schedule.
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 1, sender.count(), "confirmed operation must not be resent")
	assert.Zero(t, reverts)
}

func TestRetryBudgetExhaustionReverts(t *testing.T) {
	sender := &recordingSender{}
	done := make(chan string, 1)
	coordinator := newTestCoordinator(t, sender, Callbacks{
		OnRevert: func(op *Operation, reason string) { done <- reason },
	})
	coordinator.SetOnline(true)

	_, err := coordinator.OptimisticUpdate("rides", "ride-1", nil, OpUpdate)
	require.NoError(t, err)

	select {
	case reason := <-done:
		assert.Equal(t, RevertReasonTimeout, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("operation never reverted")
	}

	// Initial send plus max_retries resends.
	assert.Equal(t, 3, sender.count())
	assert.Zero(t, coordinator.PendingCount())
}

func TestRevertIsIdempotentAndDropsQueuedWork(t *testing.T) {
	sender := &recordingSender{}
	var reverts int
	coordinator := newTestCoordinator(t, sender, Callbacks{
		OnRevert: func(op *Operation, reason string) { reverts++ },
	})

	id, err := coordinator.OptimisticUpdate("rides", "ride-1", nil, OpDelete)
	require.NoError(t, err)

	assert.True(t, coordinator.Revert(id, "user cancelled"))
	assert.False(t, coordinator.Revert(id, "user cancelled"))
	assert.Equal(t, 1, reverts)

	// The reverted operation must not surface when the channel comes back.
	coordinator.SetOnline(true)
	assert.Zero(t, sender.count())
}

func TestPendingReturnsSubmissionOrder(t *testing.T) {
	coordinator := newTestCoordinator(t, &recordingSender{}, Callbacks{})

	first, err := coordinator.OptimisticUpdate("rides", "ride-1", nil, OpCreate)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := coordinator.OptimisticUpdate("rides", "ride-2", nil, OpUpdate)
	require.NoError(t, err)
	_, err = coordinator.OptimisticUpdate("drivers", "driver-1", nil, OpUpdate)
	require.NoError(t, err)

	pending := coordinator.Pending("rides")
	require.Len(t, pending, 2)
	assert.Equal(t, first, pending[0].ID)
	assert.Equal(t, second, pending[1].ID)
}

func TestHandleMessageConfirms(t *testing.T) {
	sender := &recordingSender{}
	confirmed := make(chan map[string]any, 1)
	coordinator := newTestCoordinator(t, sender, Callbacks{
		OnConfirm: func(op *Operation, data map[string]any) { confirmed <- data },
	})
	coordinator.SetOnline(true)

	id, err := coordinator.OptimisticUpdate("rides", "ride-1", map[string]any{"status": "ACCEPTED"}, OpUpdate)
	require.NoError(t, err)

	msg, err := contracts.NewChannelMessage(contracts.TypeSyncConfirmation, contracts.SyncConfirmationMessage{
		OperationID: id,
		Entity:      "rides",
		EntityID:    "ride-1",
		Data:        map[string]any{"version": float64(3)},
	})
	require.NoError(t, err)
	coordinator.HandleMessage(msg)

	select {
	case data := <-confirmed:
		assert.Equal(t, float64(3), data["version"])
	case <-time.After(time.Second):
		t.Fatal("confirmation never delivered")
	}
}

func TestHandleMessageSurfacesConflictThenReverts(t *testing.T) {
	sender := &recordingSender{}
	var (
		gotConflict *conflict.Conflict
		gotReason   string
	)
	coordinator := newTestCoordinator(t, sender, Callbacks{
		OnConflict: func(op *Operation, record *conflict.Conflict) { gotConflict = record },
		OnRevert:   func(op *Operation, reason string) { gotReason = reason },
	})
	coordinator.SetOnline(true)

	id, err := coordinator.OptimisticUpdate("rides", "ride-1", map[string]any{"status": "CANCELLED"}, OpUpdate)
	require.NoError(t, err)

	record, err := conflict.New("rides", "ride-1",
		conflict.VersionedData{Data: map[string]any{"status": "CANCELLED"}, Timestamp: time.Now().UTC(), DeviceID: "device-test", Version: 2},
		conflict.VersionedData{Data: map[string]any{"status": "COMPLETED"}, Timestamp: time.Now().UTC(), DeviceID: "device-other", Version: 3},
	)
	require.NoError(t, err)
	raw, err := json.Marshal(record)
	require.NoError(t, err)

	msg, err := contracts.NewChannelMessage(contracts.TypeSyncError, contracts.SyncErrorMessage{
		OperationID: id,
		Entity:      "rides",
		EntityID:    "ride-1",
		Reason:      "version conflict",
		Conflict:    raw,
	})
	require.NoError(t, err)
	coordinator.HandleMessage(msg)

	require.NotNil(t, gotConflict)
	assert.Equal(t, conflict.TypeVersion, gotConflict.Type)
	assert.Equal(t, "version conflict", gotReason)
	assert.Zero(t, coordinator.PendingCount())
}

func TestSendCarriesDeviceID(t *testing.T) {
	sender := &recordingSender{}
	coordinator := newTestCoordinator(t, sender, Callbacks{})
	coordinator.SetOnline(true)

	_, err := coordinator.OptimisticUpdate("rides", "ride-1", nil, OpUpdate)
	require.NoError(t, err)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "device-test", sender.sent[0].DeviceID)
	assert.Equal(t, "update", sender.sent[0].OpType)
}
