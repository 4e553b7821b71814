package ports

import (
	"context"

	"ridelink/internal/domain/event"
	"ridelink/internal/general/contracts"
)

// SyncResult is the outcome of applying one sync operation. Exactly one of
// Confirmation or Error is set.
type SyncResult struct {
	Confirmation *contracts.SyncConfirmationMessage
	Error        *contracts.SyncErrorMessage
}

// GatewayService applies client sync operations against authoritative state
// and feeds domain events into the broadcast pipeline.
type GatewayService interface {
	// ApplyOperation runs one optimistic operation through the version check
	// and persists it, or reports why it was rejected.
	ApplyOperation(ctx context.Context, op contracts.SyncOperationMessage) SyncResult

	// IngestEvent validates an event, hands it to the broadcasting engine, and
	// mirrors it onto the events exchange.
	IngestEvent(ctx context.Context, ev *event.Event) error

	// RecentEvents serves journaled history, newest first.
	RecentEvents(ctx context.Context, limit int) ([]*event.Event, error)
}
