package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"ridelink/internal/domain/event"
	"ridelink/internal/ports"
)

// EventJournal appends processed events to the event_journal table. It holds
// its own pool because the broadcasting engine appends outside any unit of
// work; a journal failure must never roll back a delivery.
type EventJournal struct {
	pool *pgxpool.Pool
}

// NewEventJournal constructs a new EventJournal on the given pool.
func NewEventJournal(pool *pgxpool.Pool) ports.EventJournal {
	return &EventJournal{pool: pool}
}

// Append inserts one event_journal row with the full event as JSONB.
func (journal *EventJournal) Append(ctx context.Context, ev *event.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	_, err = journal.pool.Exec(ctx, `
		INSERT INTO event_journal (event_id, event_type, user_id, occurred_at, payload)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (event_id) DO NOTHING
	`,
		ev.ID,
		ev.Type.String(),
		ev.UserID,
		ev.Timestamp,
		string(body),
	)
	return err
}

// Recent returns up to limit journaled events, newest first.
func (journal *EventJournal) Recent(ctx context.Context, limit int) ([]*event.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := journal.pool.Query(ctx, `
		SELECT payload
		FROM event_journal
		ORDER BY occurred_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]*event.Event, 0, limit)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ev event.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}

	return events, rows.Err()
}
