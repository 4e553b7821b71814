package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"ridelink/internal/general/contracts"
)

// declareTopology sets up the gateway's exchanges, queues, and bindings.
// Re-run on every (re)connect so a fresh broker gets the full topology.
func declareTopology(ch *amqp.Channel) error {
	// 1. Exchanges
	exchanges := []struct {
		name string
		kind string
	}{
		{contracts.ExchangeEventsTopic, "topic"},
		{contracts.ExchangeBroadcastTopic, "topic"},
	}

	for _, ex := range exchanges {
		if err := ch.ExchangeDeclare(ex.name, ex.kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	// 2. Queues
	queues := []string{
		contracts.QueueOperatorAlerts,
		contracts.QueueNotificationOutbox,
		contracts.QueueEventJournal,
	}

	for _, q := range queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
	}

	// 3. Bindings. Emergency and system events feed the operator console;
	// notification deliveries feed the push outbox; every classified event
	// lands in the journal queue.
	bindings := []struct {
		queue      string
		exchange   string
		routingKey string
	}{
		{contracts.QueueOperatorAlerts, contracts.ExchangeEventsTopic, contracts.RouteEventPrefix + "emergency_alert"},
		{contracts.QueueOperatorAlerts, contracts.ExchangeEventsTopic, contracts.RouteEventPrefix + "system_alert"},
		{contracts.QueueNotificationOutbox, contracts.ExchangeBroadcastTopic, contracts.RouteBroadcastUserPrefix + "*"},
		{contracts.QueueEventJournal, contracts.ExchangeEventsTopic, contracts.RouteEventPrefix + "*"},
	}

	for _, b := range bindings {
		if err := ch.QueueBind(b.queue, b.routingKey, b.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}
