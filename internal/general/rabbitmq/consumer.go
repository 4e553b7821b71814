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

const (
	journalConsumerTag = "journal-ingest"
	journalPrefetch    = 32
	handlerTimeout     = 30 * time.Second
)

// JournalSink persists one event delivered from the journal queue.
type JournalSink interface {
	Append(ctx context.Context, ev *event.Event) error
}

// ConsumeJournal drains the event_journal queue into the sink, so events
// published by peer gateway instances land in the shared journal. Append is
// keyed by event id, so redeliveries of events this instance already
// journaled are no-ops. Blocks until ctx is cancelled or the channel dies.
func (client *Client) ConsumeJournal(ctx context.Context, sink JournalSink) error {
	return client.consume(ctx, contracts.QueueEventJournal, journalConsumerTag,
		journalPrefetch, journalHandler(sink))
}

// journalHandler decodes a journal delivery and appends it to the sink.
// A body that does not decode to a valid event is an error, which nacks
// the delivery without requeue.
func journalHandler(sink JournalSink) func(context.Context, amqp.Delivery) error {
	return func(ctx context.Context, delivery amqp.Delivery) error {
		var ev event.Event
		if err := json.Unmarshal(delivery.Body, &ev); err != nil {
			return fmt.Errorf("rabbitmq: decode journal event: %w", err)
		}
		if err := ev.Validate(); err != nil {
			return fmt.Errorf("rabbitmq: journal event rejected: %w", err)
		}
		return sink.Append(ctx, &ev)
	}
}

// consume reads a queue with manual acks, running the handler under a
// per-delivery timeout. A failing handler nacks without requeue so a poison
// message cannot wedge the queue.
func (client *Client) consume(
	ctx context.Context,
	queue string,
	consumerTag string,
	prefetch int,
	handler func(context.Context, amqp.Delivery) error,
) error {
	ch, err := client.newConsumerChannel(prefetch)
	if err != nil {
		return err
	}
	defer ch.Close()

	deliveries, err := ch.Consume(
		queue,
		consumerTag,
		false, // autoAck
		false, // exclusive
		false, // noLocal (ignored by RabbitMQ)
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("rabbitmq: consume(%s): %w", queue, err)
	}

	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			if consumerTag != "" {
				_ = ch.Cancel(consumerTag, false)
			}
			return nil

		case cerr := <-chClosed:
			if cerr != nil {
				return fmt.Errorf("rabbitmq: channel closed while consuming %s: %w", queue, cerr)
			}
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}

			handlerCtx, cancel := context.WithTimeout(ctx, handlerTimeout)
			err := handler(handlerCtx, delivery)
			cancel()

			if err != nil {
				client.logger.Error(client.logCtx, "rabbitmq_delivery_rejected",
					"Failed to process delivery", err, map[string]any{"queue": queue})
				_ = delivery.Nack(false, false)
				continue
			}
			_ = delivery.Ack(false)
		}
	}
}

// newConsumerChannel opens a dedicated channel with prefetch (QoS) applied,
// keeping consumers off the shared publish channel.
func (client *Client) newConsumerChannel(prefetch int) (*amqp.Channel, error) {
	client.mu.RLock()
	conn := client.conn
	client.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return nil, errors.New("rabbitmq: connection is not ready")
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}

	if prefetch < 0 {
		prefetch = 1
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("rabbitmq: set QoS (prefetch=%d): %w", prefetch, err)
		}
	}

	return ch, nil
}
