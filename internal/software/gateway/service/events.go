package service

import (
	"context"

	"ridelink/internal/domain/event"
)

// IngestEvent validates an event, hands it to the broadcasting engine, and
// mirrors it onto the events exchange for downstream services. A broker
// failure is logged but does not fail the ingest: in-process delivery is the
// primary path.
func (service *gatewayService) IngestEvent(ctx context.Context, ev *event.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	service.engine.Emit(ev)

	if service.events != nil {
		if err := service.events.PublishEvent(ctx, ev); err != nil {
			service.logger.Error(ctx, "event_publish_failed", "Failed to mirror event to broker", err, map[string]any{
				"event_id":   ev.ID,
				"event_type": ev.Type.String(),
			})
		}
	}

	return nil
}

// RecentEvents serves journaled history, newest first.
func (service *gatewayService) RecentEvents(ctx context.Context, limit int) ([]*event.Event, error) {
	return service.journal.Recent(ctx, limit)
}
