package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"ridelink/internal/domain/event"
	"ridelink/internal/general/contracts"
)

// EventPublisher pushes classified domain events onto the events exchange so
// downstream services (journal, operator console, notifications) see the
// same stream the in-process engine does.
type EventPublisher struct {
	Client   *Client
	Producer string
}

// NewEventPublisher constructs an EventPublisher using the provided client.
func NewEventPublisher(client *Client, producer string) *EventPublisher {
	return &EventPublisher{Client: client, Producer: producer}
}

// PublishEvent routes an event as event.{type} on the events topic exchange,
// stamped with the producing service's name.
func (publisher *EventPublisher) PublishEvent(ctx context.Context, ev *event.Event) error {
	body, err := json.Marshal(publisher.stamp(ev))
	if err != nil {
		return fmt.Errorf("rabbitmq: marshal event: %w", err)
	}
	return publisher.Client.PublishMessage(contracts.ExchangeEventsTopic,
		contracts.RouteEventPrefix+ev.Type.String(), body)
}

// stamp clones the event and records Producer in its metadata, so consumers
// can tell which service put it on the exchange. The caller's event is never
// mutated.
func (publisher *EventPublisher) stamp(ev *event.Event) *event.Event {
	if publisher.Producer == "" {
		return ev
	}
	stamped := ev.Clone()
	stamped.WithMetadata("producer", publisher.Producer)
	return stamped
}

// PublishMessage publishes JSON messages with persistence and waits for the
// broker's publisher confirm.
func (client *Client) PublishMessage(exchange, routingKey string, body []byte) error {
	client.mu.RLock()
	ch := client.pubChan
	conn := client.conn
	client.mu.RUnlock()

	// quick fail if no channel
	if conn == nil || conn.IsClosed() {
		return errors.New("rabbitmq: connection is not open")
	}
	if ch == nil || ch.IsClosed() {
		return errors.New("rabbitmq: publish channel is not open")
	}

	client.pubMu.Lock()
	defer client.pubMu.Unlock()
	confirms := client.pubConfirms

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ch.PublishWithContext(ctx, exchange, routingKey, true /* mandatory */, false, /* immediate */
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
		},
	); err != nil {
		return err
	}

	select {
	case c := <-confirms:
		if !c.Ack {
			return fmt.Errorf("rabbitmq: publish not acknowledged")
		}
	case <-ctx.Done():
		// keep the confirm stream aligned: try to consume exactly one confirm even if we return a timeout to the caller
		select {
		case c := <-confirms:
			// if we got a confirm now, return an error if it was a nack
			if !c.Ack {
				return fmt.Errorf("rabbitmq: publish not acknowledged after timeout")
			}
		case <-time.After(2 * time.Second):
			// give up trying to read from the confirms channel
		}

		// return the original context error
		return ctx.Err()
	}

	return nil
}
