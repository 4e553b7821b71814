package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridelink/internal/domain/event"
)

func TestParseRulesBuildsConditionsAndTransforms(t *testing.T) {
	rules, err := ParseRules([]byte(`
rules:
  - name: operator_emergencies
    events: [emergency_alert]
    roles: [OPERATOR, ADMIN]
    condition: 'data.severity == "critical"'
    transform:
      priority: urgent
  - name: system_wide
    events: [system_alert]
    roles: [ADMIN]
`))
	require.NoError(t, err)
	require.Len(t, rules, 2)

	rule := rules[0]
	assert.Equal(t, "operator_emergencies", rule.Name)
	assert.Equal(t, []event.Type{event.TypeEmergencyAlert}, rule.Types)
	assert.Equal(t, []string{"OPERATOR", "ADMIN"}, rule.Roles)
	require.NotNil(t, rule.Condition)
	require.NotNil(t, rule.Transform)

	critical, err := event.New(event.TypeEmergencyAlert, "u", &event.EmergencyPayload{
		AlertType: "sos", Location: event.GeoPoint{}, Severity: "critical",
	})
	require.NoError(t, err)
	low, err := event.New(event.TypeEmergencyAlert, "u", &event.EmergencyPayload{
		AlertType: "sos", Location: event.GeoPoint{}, Severity: "low",
	})
	require.NoError(t, err)

	assert.True(t, rule.applies(critical))
	assert.False(t, rule.applies(low))
	assert.Equal(t, map[string]any{"priority": "urgent"}, rule.Transform(critical))
}

func TestParseRulesTemplatedTargets(t *testing.T) {
	rules, err := ParseRules([]byte(`
rules:
  - name: ride_room
    events: [ride_accepted]
    rooms: ["ride:{ride_id}", "dispatch"]
  - name: receipts
    events: [payment_processed]
    users: ["{user_id}"]
`))
	require.NoError(t, err)
	require.Len(t, rules, 2)

	roomRule := rules[0]
	assert.Equal(t, []string{"dispatch"}, roomRule.Rooms)
	require.NotNil(t, roomRule.RoomFunc)

	accepted, err := event.New(event.TypeRideAccepted, "passenger-1", &event.RidePayload{
		RideID: "ride-42", DriverID: "driver-9",
	})
	require.NoError(t, err)
	_, rooms, _ := roomRule.resolveTargets(accepted)
	assert.ElementsMatch(t, []string{"dispatch", "ride:ride-42"}, rooms)

	paid, err := event.New(event.TypePaymentProcessed, "passenger-7", &event.PaymentPayload{
		PaymentID: "p-1", Amount: 12.5, Status: "CAPTURED",
	})
	require.NoError(t, err)
	_, _, users := rules[1].resolveTargets(paid)
	assert.Equal(t, []string{"passenger-7"}, users)
}

func TestParseRulesTemplatedTargetUnresolvable(t *testing.T) {
	rules, err := ParseRules([]byte(`
rules:
  - name: ride_room
    events: [driver_online]
    rooms: ["ride:{ride_id}"]
`))
	require.NoError(t, err)

	online, err := event.New(event.TypeDriverOnline, "driver-1", &event.DriverPayload{DriverID: "driver-1"})
	require.NoError(t, err)
	_, rooms, _ := rules[0].resolveTargets(online)
	assert.Empty(t, rooms, "template without a resolvable field yields no target")
}

func TestParseRulesRejectsUnknownEvent(t *testing.T) {
	_, err := ParseRules([]byte(`
rules:
  - name: bad
    events: [ride_teleported]
    roles: [ADMIN]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ride_teleported")
}

func TestParseRulesRejectsBadCondition(t *testing.T) {
	_, err := ParseRules([]byte(`
rules:
  - name: bad
    events: [system_alert]
    roles: [ADMIN]
    condition: 'data.severity =='
`))
	require.Error(t, err)
}

func TestParseRulesRejectsTargetlessRule(t *testing.T) {
	_, err := ParseRules([]byte(`
rules:
  - name: nowhere
    events: [system_alert]
`))
	require.ErrorIs(t, err, ErrRuleNoTargets)
}
