package event

import (
	"errors"
	"strings"
)

// Type enumerates every domain event kind carried over the realtime channel.
type Type string

const (
	TypeRideRequested    Type = "ride_requested"
	TypeRideAccepted     Type = "ride_accepted"
	TypeRideStarted      Type = "ride_started"
	TypeRideCompleted    Type = "ride_completed"
	TypeRideCancelled    Type = "ride_cancelled"
	TypeDriverOnline     Type = "driver_online"
	TypeDriverOffline    Type = "driver_offline"
	TypeDriverBusy       Type = "driver_busy"
	TypeLocationUpdated  Type = "location_updated"
	TypeEmergencyAlert   Type = "emergency_alert"
	TypePaymentProcessed Type = "payment_processed"
	TypeNotificationSent Type = "notification_sent"
	TypeSystemAlert      Type = "system_alert"
	TypeUserJoined       Type = "user_joined"
	TypeUserLeft         Type = "user_left"
)

var ErrInvalidType = errors.New("invalid event type")

// ParseType normalizes (lowercases+trims) and validates an event type string.
func ParseType(input string) (Type, error) {
	eventType := Type(strings.ToLower(strings.TrimSpace(input)))
	if eventType.Valid() {
		return eventType, nil
	}
	return "", ErrInvalidType
}

// Valid reports whether eventType is one of the allowed event type constants.
func (eventType Type) Valid() bool {
	switch eventType {
	case TypeRideRequested,
		TypeRideAccepted,
		TypeRideStarted,
		TypeRideCompleted,
		TypeRideCancelled,
		TypeDriverOnline,
		TypeDriverOffline,
		TypeDriverBusy,
		TypeLocationUpdated,
		TypeEmergencyAlert,
		TypePaymentProcessed,
		TypeNotificationSent,
		TypeSystemAlert,
		TypeUserJoined,
		TypeUserLeft:
		return true
	default:
		return false
	}
}

// String returns the string representation of the Type.
func (eventType Type) String() string {
	return string(eventType)
}

// IsRideLifecycle reports whether the type belongs to the ride lifecycle family.
func (eventType Type) IsRideLifecycle() bool {
	switch eventType {
	case TypeRideRequested, TypeRideAccepted, TypeRideStarted, TypeRideCompleted, TypeRideCancelled:
		return true
	default:
		return false
	}
}

// IsDriverStatus reports whether the type belongs to the driver status family.
func (eventType Type) IsDriverStatus() bool {
	switch eventType {
	case TypeDriverOnline, TypeDriverOffline, TypeDriverBusy:
		return true
	default:
		return false
	}
}

// IsPresence reports whether the type is a room presence change.
func (eventType Type) IsPresence() bool {
	return eventType == TypeUserJoined || eventType == TypeUserLeft
}
