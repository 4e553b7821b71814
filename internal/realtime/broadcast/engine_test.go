package broadcast

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridelink/internal/domain/event"
	"ridelink/internal/general/config"
	"ridelink/internal/general/contracts"
)

// recordingSender captures every delivery keyed by target.
type recordingSender struct {
	mu         sync.Mutex
	deliveries []delivery
}

type delivery struct {
	kind   string
	target string
	msg    contracts.ChannelMessage
}

func (s *recordingSender) SendToUser(userID string, msg contracts.ChannelMessage) error {
	return s.record("user", userID, msg)
}

func (s *recordingSender) SendToRole(role string, msg contracts.ChannelMessage) error {
	return s.record("role", role, msg)
}

func (s *recordingSender) SendToRoom(roomID string, msg contracts.ChannelMessage) error {
	return s.record("room", roomID, msg)
}

func (s *recordingSender) record(kind, target string, msg contracts.ChannelMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, delivery{kind: kind, target: target, msg: msg})
	return nil
}

func (s *recordingSender) targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		out = append(out, d.kind+":"+d.target)
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	engine, err := New(Options{Tuning: config.Default().Realtime, Sender: sender})
	require.NoError(t, err)
	return engine, sender
}

func rideEvent(t *testing.T, eventType event.Type, userID, rideID string) *event.Event {
	t.Helper()
	ev, err := event.New(eventType, userID, &event.RidePayload{RideID: rideID, PassengerID: userID})
	require.NoError(t, err)
	return ev
}

// drain processes every queued event synchronously.
func drain(engine *Engine) {
	for engine.processNext(context.Background()) {
	}
}

func TestHistoryBoundKeepsNewestFirst(t *testing.T) {
	engine, _ := newTestEngine(t)

	var last *event.Event
	for i := 0; i < 1500; i++ {
		ev := rideEvent(t, event.TypeRideRequested, "user-1", fmt.Sprintf("ride-%d", i))
		engine.Emit(ev)
		last = ev
		drain(engine)
	}

	got := engine.History()
	require.Len(t, got, 1000)
	assert.Equal(t, last.ID, got[0].ID)
	assert.Equal(t, "ride-1499", got[0].Ride.RideID)
	assert.Equal(t, "ride-500", got[len(got)-1].Ride.RideID)
}

func TestSubscriptionTypeAndFilterGating(t *testing.T) {
	engine, _ := newTestEngine(t)

	var got []*event.Event
	_, _, err := engine.Subscribe(Subscription{
		Types:  []event.Type{event.TypeRideAccepted},
		Filter: func(ev *event.Event) bool { return ev.Ride != nil && ev.Ride.RideID == "ride-2" },
		Callback: func(ev *event.Event) {
			got = append(got, ev)
		},
	})
	require.NoError(t, err)

	engine.Emit(rideEvent(t, event.TypeRideRequested, "u", "ride-2")) // wrong type
	engine.Emit(rideEvent(t, event.TypeRideAccepted, "u", "ride-1"))  // filter rejects
	engine.Emit(rideEvent(t, event.TypeRideAccepted, "u", "ride-2"))  // match
	drain(engine)

	require.Len(t, got, 1)
	assert.Equal(t, "ride-2", got[0].Ride.RideID)
}

func TestSubscriptionUserScope(t *testing.T) {
	engine, _ := newTestEngine(t)

	count := 0
	_, _, err := engine.Subscribe(Subscription{
		Types:    []event.Type{event.TypeRideStarted},
		UserID:   "passenger-1",
		Callback: func(*event.Event) { count++ },
	})
	require.NoError(t, err)

	engine.Emit(rideEvent(t, event.TypeRideStarted, "passenger-1", "r1"))
	engine.Emit(rideEvent(t, event.TypeRideStarted, "passenger-2", "r2"))
	drain(engine)

	assert.Equal(t, 1, count)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	engine, _ := newTestEngine(t)

	id, unsubscribe, err := engine.Subscribe(Subscription{
		Types:    []event.Type{event.TypeSystemAlert},
		Callback: func(*event.Event) {},
	})
	require.NoError(t, err)

	assert.True(t, engine.Unsubscribe(id))
	assert.False(t, engine.Unsubscribe(id))
	unsubscribe() // still safe
}

func TestPanickingSubscriberDoesNotBlockOthersOrRules(t *testing.T) {
	engine, sender := newTestEngine(t)

	_, _, err := engine.Subscribe(Subscription{
		Types:    []event.Type{event.TypeEmergencyAlert},
		Callback: func(*event.Event) { panic("boom") },
	})
	require.NoError(t, err)

	triggered := false
	_, _, err = engine.Subscribe(Subscription{
		Types:    []event.Type{event.TypeEmergencyAlert},
		Callback: func(*event.Event) { triggered = true },
	})
	require.NoError(t, err)

	require.NoError(t, engine.AddRule(Rule{
		Name:  "operators",
		Types: []event.Type{event.TypeEmergencyAlert},
		Roles: []string{"OPERATOR"},
	}))

	ev, err := event.New(event.TypeEmergencyAlert, "passenger-1", &event.EmergencyPayload{
		AlertType: "sos",
		Location:  event.GeoPoint{Lat: 1, Lng: 2},
		Severity:  "critical",
	})
	require.NoError(t, err)
	engine.Emit(ev)
	drain(engine)

	assert.True(t, triggered)
	assert.Equal(t, []string{"role:OPERATOR"}, sender.targets())
}

func TestOverlappingRulesAllFire(t *testing.T) {
	engine, sender := newTestEngine(t)

	require.NoError(t, engine.AddRule(Rule{
		Name:  "notify_operators",
		Types: []event.Type{event.TypeRideCancelled},
		Roles: []string{"OPERATOR"},
	}))
	require.NoError(t, engine.AddRule(Rule{
		Name:  "notify_participants",
		Types: []event.Type{event.TypeRideCancelled},
		UserFunc: func(ev *event.Event) []string {
			return []string{ev.Ride.PassengerID, ev.Ride.DriverID}
		},
	}))

	ev, err := event.New(event.TypeRideCancelled, "passenger-1", &event.RidePayload{
		RideID:      "ride-9",
		PassengerID: "passenger-1",
		DriverID:    "driver-4",
	})
	require.NoError(t, err)
	engine.Emit(ev)
	drain(engine)

	assert.ElementsMatch(t,
		[]string{"role:OPERATOR", "user:passenger-1", "user:driver-4"},
		sender.targets())
}

func TestRuleConditionGates(t *testing.T) {
	engine, sender := newTestEngine(t)

	require.NoError(t, engine.AddRule(Rule{
		Name:      "critical_only",
		Types:     []event.Type{event.TypeEmergencyAlert},
		Roles:     []string{"ADMIN"},
		Condition: func(ev *event.Event) bool { return ev.Emergency.Severity == "critical" },
	}))

	low, err := event.New(event.TypeEmergencyAlert, "u", &event.EmergencyPayload{
		AlertType: "vehicle_issue", Location: event.GeoPoint{}, Severity: "low",
	})
	require.NoError(t, err)
	critical, err := event.New(event.TypeEmergencyAlert, "u", &event.EmergencyPayload{
		AlertType: "sos", Location: event.GeoPoint{}, Severity: "critical",
	})
	require.NoError(t, err)

	engine.Emit(low)
	engine.Emit(critical)
	drain(engine)

	assert.Equal(t, []string{"role:ADMIN"}, sender.targets())
}

func TestRuleTransformShallowMerges(t *testing.T) {
	engine, sender := newTestEngine(t)

	require.NoError(t, engine.AddRule(Rule{
		Name:      "urgent_flag",
		Types:     []event.Type{event.TypeSystemAlert},
		Roles:     []string{"OPERATOR"},
		Transform: func(*event.Event) map[string]any { return map[string]any{"priority": "urgent"} },
	}))

	ev, err := event.New(event.TypeSystemAlert, "ops", &event.SystemPayload{Message: "db degraded"})
	require.NoError(t, err)
	engine.Emit(ev)
	drain(engine)

	require.Len(t, sender.deliveries, 1)
	var payload map[string]any
	require.NoError(t, sender.deliveries[0].msg.DecodePayload(&payload))
	assert.Equal(t, "urgent", payload["priority"])
	assert.Equal(t, ev.ID, payload["id"]) // original wire fields preserved
}

func TestProcessNextHandlesOneEventPerCall(t *testing.T) {
	engine, _ := newTestEngine(t)

	engine.Emit(rideEvent(t, event.TypeRideRequested, "u", "r1"))
	engine.Emit(rideEvent(t, event.TypeRideRequested, "u", "r2"))
	assert.Equal(t, 2, engine.QueueDepth())

	assert.True(t, engine.processNext(context.Background()))
	assert.Equal(t, 1, engine.QueueDepth())
	assert.True(t, engine.processNext(context.Background()))
	assert.False(t, engine.processNext(context.Background()))
}

func TestEmitDropsInvalidEvent(t *testing.T) {
	engine, _ := newTestEngine(t)

	engine.Emit(&event.Event{Type: event.TypeRideRequested, UserID: "u"}) // no payload
	assert.Equal(t, 0, engine.QueueDepth())
	assert.Empty(t, engine.History())
}
