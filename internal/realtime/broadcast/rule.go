package broadcast

import (
	"encoding/json"
	"errors"
	"maps"
	"slices"

	"ridelink/internal/domain/event"
)

var (
	ErrRuleNoTypes   = errors.New("broadcast: rule needs at least one event type")
	ErrRuleNoTargets = errors.New("broadcast: rule needs at least one target")
)

// Rule declares a fan-out mapping from event types to role/room/user
// targets. Static entries and per-event target functions may be combined.
// Rules are independent: every rule matching an event fires.
type Rule struct {
	Name  string
	Types []event.Type

	Roles    []string
	RoleFunc func(*event.Event) []string
	Rooms    []string
	RoomFunc func(*event.Event) []string
	Users    []string
	UserFunc func(*event.Event) []string

	// Condition gates the rule per event; a nil condition always applies.
	Condition func(*event.Event) bool

	// Transform returns fields shallow-merged over the event's wire shape
	// before delivery.
	Transform func(*event.Event) map[string]any
}

// validate checks a rule at registration time.
func (rule *Rule) validate() error {
	if len(rule.Types) == 0 {
		return ErrRuleNoTypes
	}
	for _, eventType := range rule.Types {
		if !eventType.Valid() {
			return event.ErrInvalidType
		}
	}
	if len(rule.Roles) == 0 && rule.RoleFunc == nil &&
		len(rule.Rooms) == 0 && rule.RoomFunc == nil &&
		len(rule.Users) == 0 && rule.UserFunc == nil {
		return ErrRuleNoTargets
	}
	return nil
}

// applies reports whether the rule fires for ev.
func (rule *Rule) applies(ev *event.Event) bool {
	if !slices.Contains(rule.Types, ev.Type) {
		return false
	}
	if rule.Condition != nil && !rule.Condition(ev) {
		return false
	}
	return true
}

// resolveTargets expands static entries and target functions for ev,
// deduplicating within each kind.
func (rule *Rule) resolveTargets(ev *event.Event) (roles, rooms, users []string) {
	roles = expand(rule.Roles, rule.RoleFunc, ev)
	rooms = expand(rule.Rooms, rule.RoomFunc, ev)
	users = expand(rule.Users, rule.UserFunc, ev)
	return roles, rooms, users
}

func expand(static []string, fn func(*event.Event) []string, ev *event.Event) []string {
	out := make([]string, 0, len(static))
	seen := make(map[string]bool, len(static))
	appendAll := func(entries []string) {
		for _, entry := range entries {
			if entry == "" || seen[entry] {
				continue
			}
			seen[entry] = true
			out = append(out, entry)
		}
	}
	appendAll(static)
	if fn != nil {
		appendAll(fn(ev))
	}
	return out
}

// payload builds the delivered wire payload: the event's JSON shape with the
// rule's transform fields shallow-merged on top.
func (rule *Rule) payload(ev *event.Event) (map[string]any, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	var base map[string]any
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, err
	}

	if rule.Transform != nil {
		maps.Copy(base, rule.Transform(ev))
	}
	return base, nil
}
