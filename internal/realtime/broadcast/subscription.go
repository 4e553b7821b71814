package broadcast

import (
	"errors"
	"slices"
	"time"

	"ridelink/internal/domain/event"
)

var (
	ErrNoEventTypes = errors.New("broadcast: subscription needs at least one event type")
	ErrNoCallback   = errors.New("broadcast: subscription needs a callback")
)

// Subscription routes matching events to a callback. Owned by the engine
// from Subscribe until Unsubscribe or engine shutdown.
type Subscription struct {
	ID            string
	Types         []event.Type
	UserID        string                  // optional: only events attributed to this user
	Filter        func(*event.Event) bool // optional custom predicate
	Callback      func(*event.Event)
	CreatedAt     time.Time
	LastTriggered time.Time // maintained by the processing loop
}

// validate checks the fields a subscription must carry before registration.
func (sub *Subscription) validate() error {
	if len(sub.Types) == 0 {
		return ErrNoEventTypes
	}
	for _, eventType := range sub.Types {
		if !eventType.Valid() {
			return event.ErrInvalidType
		}
	}
	if sub.Callback == nil {
		return ErrNoCallback
	}
	return nil
}

// matches reports whether ev should trigger this subscription. The type set
// gates first; a subscription with no matching type is never evaluated
// further.
func (sub *Subscription) matches(ev *event.Event) bool {
	if !slices.Contains(sub.Types, ev.Type) {
		return false
	}
	if sub.UserID != "" && sub.UserID != ev.UserID {
		return false
	}
	if sub.Filter != nil && !sub.Filter(ev) {
		return false
	}
	return true
}
