package rabbitmq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridelink/internal/domain/event"
)

func TestStampRecordsProducerWithoutMutatingOriginal(t *testing.T) {
	ev, err := event.New(event.TypeSystemAlert, "ops-1", &event.SystemPayload{Message: "degraded"})
	require.NoError(t, err)

	publisher := &EventPublisher{Producer: "realtime-gateway"}
	stamped := publisher.stamp(ev)

	assert.Equal(t, "realtime-gateway", stamped.Metadata["producer"])
	assert.Nil(t, ev.Metadata, "caller's event stays untouched")
	assert.Equal(t, ev.ID, stamped.ID)
}

func TestStampWithoutProducerIsIdentity(t *testing.T) {
	ev, err := event.New(event.TypeSystemAlert, "ops-1", &event.SystemPayload{Message: "degraded"})
	require.NoError(t, err)

	publisher := &EventPublisher{}
	assert.Same(t, ev, publisher.stamp(ev))
}
