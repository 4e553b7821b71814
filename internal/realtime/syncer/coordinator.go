package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ridelink/internal/general/config"
	"ridelink/internal/general/contracts"
	"ridelink/internal/general/logger"
	"ridelink/internal/realtime/conflict"
)

// RevertReasonTimeout is reported when an operation exhausts its retry
// budget without a confirmation.
const RevertReasonTimeout = "Operation timeout"

var (
	ErrNoSender    = errors.New("syncer: sender is required")
	ErrEmptyEntity = errors.New("syncer: entity is required")
)

// Sender transmits one ChannelMessage; the connection manager satisfies it.
type Sender interface {
	Send(msg contracts.ChannelMessage)
}

// Callbacks observe the optimistic-update lifecycle. OnApply fires
// synchronously inside OptimisticUpdate so the caller sees the local change
// immediately; the rest fire from timer or message-handling goroutines.
type Callbacks struct {
	OnApply    func(op *Operation)
	OnConfirm  func(op *Operation, merged map[string]any)
	OnRevert   func(op *Operation, reason string)
	OnConflict func(op *Operation, record *conflict.Conflict)
}

// Options configures a Coordinator.
type Options struct {
	Tuning    config.Realtime
	Sender    Sender
	DeviceID  string
	Logger    *logger.Logger
	Callbacks Callbacks
}

// Coordinator gives callers immediate optimistic feedback for mutations
// while guaranteeing eventual consistency with the authoritative source:
// bounded retry, explicit revert, and conflict surfacing.
type Coordinator struct {
	tuning   config.Realtime
	sender   Sender
	deviceID string
	log      *logger.Logger
	cb       Callbacks

	mu      sync.Mutex
	online  bool
	pending map[string]*pendingOp
	unsent  []string // operation ids queued while offline, FIFO
}

// pendingOp pairs an operation with its in-flight timer. Timers run per
// operation; confirm/revert must cancel them so a stale retry can never
// re-apply a settled change.
type pendingOp struct {
	op    *Operation
	timer *time.Timer
	sent  bool
}

// New validates options and returns a Coordinator that starts offline; call
// SetOnline(true) once the channel is up, or wire it to the connection
// manager's callbacks.
func New(opts Options) (*Coordinator, error) {
	if opts.Sender == nil {
		return nil, ErrNoSender
	}
	if problems := opts.Tuning.Problems(); len(problems) > 0 {
		return nil, fmt.Errorf("syncer: invalid tuning: %s", strings.Join(problems, "; "))
	}

	log := opts.Logger
	if log == nil {
		log = logger.New("sync-coordinator")
	}
	deviceID := opts.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	return &Coordinator{
		tuning:   opts.Tuning,
		sender:   opts.Sender,
		deviceID: deviceID,
		log:      log,
		cb:       opts.Callbacks,
		pending:  make(map[string]*pendingOp),
	}, nil
}

// OptimisticUpdate assigns an operation id, applies the mutation locally via
// OnApply, and transmits when online (queues otherwise). The returned id is
// what Confirm and Revert correlate on.
func (coordinator *Coordinator) OptimisticUpdate(entity, entityID string, data map[string]any, opType OpType) (string, error) {
	if strings.TrimSpace(entity) == "" || strings.TrimSpace(entityID) == "" {
		return "", ErrEmptyEntity
	}
	if !opType.Valid() {
		return "", ErrInvalidOpType
	}

	op := &Operation{
		ID:         uuid.NewString(),
		Type:       opType,
		Entity:     entity,
		EntityID:   entityID,
		Data:       cloneData(data),
		Timestamp:  time.Now().UTC(),
		Optimistic: true,
	}

	if coordinator.cb.OnApply != nil {
		coordinator.cb.OnApply(op)
	}

	coordinator.mu.Lock()
	coordinator.pending[op.ID] = &pendingOp{op: op}
	online := coordinator.online
	if !online {
		coordinator.unsent = append(coordinator.unsent, op.ID)
	}
	coordinator.mu.Unlock()

	if online {
		coordinator.transmit(op.ID)
	}

	return op.ID, nil
}

// Confirm merges the authoritative serverData over the optimistic data and
// settles the operation. Idempotent: a second call for the same id is a
// no-op and reports false.
func (coordinator *Coordinator) Confirm(id string, serverData map[string]any) bool {
	coordinator.mu.Lock()
	p, ok := coordinator.pending[id]
	if !ok {
		coordinator.mu.Unlock()
		return false
	}
	p.stopTimer()
	delete(coordinator.pending, id)
	coordinator.removeUnsentLocked(id)
	coordinator.mu.Unlock()

	merged := cloneData(p.op.Data)
	maps.Copy(merged, serverData) // server wins for any field it returns
	p.op.Optimistic = false

	if coordinator.cb.OnConfirm != nil {
		coordinator.cb.OnConfirm(p.op, merged)
	}
	return true
}

// Revert rolls back an unconfirmed operation, cancelling its retry timer
// and removing it from the not-yet-sent queue. Idempotent like Confirm.
func (coordinator *Coordinator) Revert(id, reason string) bool {
	coordinator.mu.Lock()
	p, ok := coordinator.pending[id]
	if !ok {
		coordinator.mu.Unlock()
		return false
	}
	p.stopTimer()
	delete(coordinator.pending, id)
	coordinator.removeUnsentLocked(id)
	coordinator.mu.Unlock()

	coordinator.log.Info(context.Background(), "operation_reverted", "Optimistic operation rolled back", map[string]any{
		"operation_id": id,
		"entity":       p.op.Entity,
		"reason":       reason,
	})

	if coordinator.cb.OnRevert != nil {
		coordinator.cb.OnRevert(p.op, reason)
	}
	return true
}

// SetOnline tracks channel availability. Going online flushes everything
// queued while offline, in batches bounded by batch_size, preserving
// submission order.
func (coordinator *Coordinator) SetOnline(online bool) {
	coordinator.mu.Lock()
	was := coordinator.online
	coordinator.online = online
	coordinator.mu.Unlock()

	if online && !was {
		coordinator.flushAll()
	}
}

// Run triggers a periodic flush every sync_interval until ctx is cancelled,
// catching operations that queued up while a flush was already in flight.
func (coordinator *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(coordinator.tuning.SyncInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			coordinator.flushAll()
		}
	}
}

// HandleMessage routes sync confirmations and errors from the channel.
// Other message types are ignored so it can sit directly on the connection
// manager's OnMessage callback.
func (coordinator *Coordinator) HandleMessage(msg contracts.ChannelMessage) {
	switch msg.Type {
	case contracts.TypeSyncConfirmation:
		var confirmation contracts.SyncConfirmationMessage
		if err := msg.DecodePayload(&confirmation); err != nil {
			coordinator.log.Error(context.Background(), "sync_confirmation_malformed",
				"Dropping malformed sync confirmation", err, nil)
			return
		}
		coordinator.Confirm(confirmation.OperationID, confirmation.Data)

	case contracts.TypeSyncError:
		var syncErr contracts.SyncErrorMessage
		if err := msg.DecodePayload(&syncErr); err != nil {
			coordinator.log.Error(context.Background(), "sync_error_malformed",
				"Dropping malformed sync error", err, nil)
			return
		}
		coordinator.handleSyncError(syncErr)
	}
}

// HasPending reports whether entity has unconfirmed operations, letting a
// UI gate further edits.
func (coordinator *Coordinator) HasPending(entity string) bool {
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	for _, p := range coordinator.pending {
		if p.op.Entity == entity {
			return true
		}
	}
	return false
}

// Pending returns entity's unconfirmed operations in submission order.
func (coordinator *Coordinator) Pending(entity string) []*Operation {
	coordinator.mu.Lock()
	ops := make([]*Operation, 0, 4)
	for _, p := range coordinator.pending {
		if p.op.Entity == entity {
			ops = append(ops, p.op)
		}
	}
	coordinator.mu.Unlock()

	sort.Slice(ops, func(i, j int) bool { return ops[i].Timestamp.Before(ops[j].Timestamp) })
	return ops
}

// PendingCount reports the total number of unconfirmed operations.
func (coordinator *Coordinator) PendingCount() int {
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	return len(coordinator.pending)
}

// DeviceID identifies this writer in conflict records.
func (coordinator *Coordinator) DeviceID() string {
	return coordinator.deviceID
}

// --- internals ---

// handleSyncError reverts the operation and surfaces an attached conflict
// record instead of resolving it silently.
func (coordinator *Coordinator) handleSyncError(syncErr contracts.SyncErrorMessage) {
	coordinator.mu.Lock()
	p, ok := coordinator.pending[syncErr.OperationID]
	coordinator.mu.Unlock()

	if len(syncErr.Conflict) > 0 && ok && coordinator.cb.OnConflict != nil {
		var record conflict.Conflict
		if err := json.Unmarshal(syncErr.Conflict, &record); err != nil {
			coordinator.log.Error(context.Background(), "conflict_malformed",
				"Dropping malformed conflict record", err, nil)
		} else {
			coordinator.cb.OnConflict(p.op, &record)
		}
	}

	coordinator.Revert(syncErr.OperationID, syncErr.Reason)
}

// transmit encodes and sends one pending operation and arms its
// confirmation timer.
func (coordinator *Coordinator) transmit(id string) {
	coordinator.mu.Lock()
	p, ok := coordinator.pending[id]
	if !ok {
		coordinator.mu.Unlock()
		return
	}
	msg, err := coordinator.encode(p.op)
	if err != nil {
		coordinator.mu.Unlock()
		coordinator.log.Error(context.Background(), "operation_encode_failed",
			"Failed to encode sync operation", err, map[string]any{"operation_id": id})
		return
	}
	p.sent = true
	p.stopTimer()
	p.timer = time.AfterFunc(coordinator.tuning.ConfirmTimeout(), func() {
		coordinator.onConfirmTimeout(id)
	})
	coordinator.mu.Unlock()

	coordinator.sender.Send(msg)
}

// onConfirmTimeout fires when a sent operation got no confirmation in time:
// retry with linearly increasing backoff until the budget runs out, then
// revert with the timeout reason.
func (coordinator *Coordinator) onConfirmTimeout(id string) {
	coordinator.mu.Lock()
	p, ok := coordinator.pending[id]
	if !ok || !p.sent {
		coordinator.mu.Unlock()
		return
	}

	p.op.Retries++
	if p.op.Retries > coordinator.tuning.MaxRetries {
		delete(coordinator.pending, id)
		coordinator.mu.Unlock()

		coordinator.log.Error(context.Background(), "operation_timed_out",
			"Operation exhausted its retry budget", nil, map[string]any{
				"operation_id": id,
				"entity":       p.op.Entity,
				"retries":      p.op.Retries - 1,
			})
		if coordinator.cb.OnRevert != nil {
			coordinator.cb.OnRevert(p.op, RevertReasonTimeout)
		}
		return
	}

	delay := coordinator.tuning.RetryDelay() * time.Duration(p.op.Retries)
	p.timer = time.AfterFunc(delay, func() { coordinator.resend(id) })
	coordinator.mu.Unlock()
}

// resend re-transmits after backoff, or re-queues if the channel went down
// in the meantime.
func (coordinator *Coordinator) resend(id string) {
	coordinator.mu.Lock()
	p, ok := coordinator.pending[id]
	if !ok {
		coordinator.mu.Unlock()
		return
	}
	if !coordinator.online {
		p.sent = false
		coordinator.unsent = append(coordinator.unsent, id)
		coordinator.mu.Unlock()
		return
	}
	coordinator.mu.Unlock()

	coordinator.transmit(id)
}

// flushAll drains the offline queue in batch_size batches.
func (coordinator *Coordinator) flushAll() {
	for coordinator.flushBatch() > 0 {
	}
}

// flushBatch sends at most one batch from the offline queue, preserving
// submission order within the batch. Returns how many operations went out.
func (coordinator *Coordinator) flushBatch() int {
	coordinator.mu.Lock()
	if !coordinator.online || len(coordinator.unsent) == 0 {
		coordinator.mu.Unlock()
		return 0
	}
	n := coordinator.tuning.BatchSize
	if n > len(coordinator.unsent) {
		n = len(coordinator.unsent)
	}
	batch := make([]string, n)
	copy(batch, coordinator.unsent[:n])
	coordinator.unsent = coordinator.unsent[n:]
	coordinator.mu.Unlock()

	for _, id := range batch {
		coordinator.transmit(id)
	}
	return len(batch)
}

// encode builds the wire message for an operation.
func (coordinator *Coordinator) encode(op *Operation) (contracts.ChannelMessage, error) {
	return contracts.NewChannelMessage(contracts.TypeSyncOperation, contracts.SyncOperationMessage{
		OperationID: op.ID,
		OpType:      op.Type.String(),
		Entity:      op.Entity,
		EntityID:    op.EntityID,
		Data:        op.Data,
		Version:     op.Version,
		DeviceID:    coordinator.deviceID,
		Timestamp:   op.Timestamp,
	})
}

func (coordinator *Coordinator) removeUnsentLocked(id string) {
	for i, queued := range coordinator.unsent {
		if queued == id {
			coordinator.unsent = append(coordinator.unsent[:i], coordinator.unsent[i+1:]...)
			return
		}
	}
}

func (p *pendingOp) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	maps.Copy(out, data)
	return out
}
