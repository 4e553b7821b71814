package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUserIDRequired  = errors.New("event user id is required")
	ErrPayloadMismatch = errors.New("event payload does not match its type")
)

// GeoPoint is a geographic coordinate attached to location and emergency events.
type GeoPoint struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// RidePayload carries ride lifecycle details.
type RidePayload struct {
	RideID      string    `json:"ride_id"`
	PassengerID string    `json:"passenger_id,omitempty"`
	DriverID    string    `json:"driver_id,omitempty"`
	Pickup      *GeoPoint `json:"pickup_location,omitempty"`
	Destination *GeoPoint `json:"destination_location,omitempty"`
	Fare        float64   `json:"fare,omitempty"`
	Reason      string    `json:"reason,omitempty"` // cancellations only
}

// DriverPayload carries driver availability details.
type DriverPayload struct {
	DriverID string `json:"driver_id"`
	RideID   string `json:"ride_id,omitempty"` // set when the driver is busy on a ride
}

// LocationPayload carries a position report.
type LocationPayload struct {
	RideID         string   `json:"ride_id,omitempty"`
	Location       GeoPoint `json:"location"`
	SpeedKMH       float64  `json:"speed_kmh,omitempty"`
	HeadingDegrees float64  `json:"heading_degrees,omitempty"`
}

// EmergencyPayload carries an SOS-style alert.
type EmergencyPayload struct {
	AlertType string   `json:"alert_type"`
	Location  GeoPoint `json:"location"`
	Severity  string   `json:"severity"` // low|medium|high|critical
	RideID    string   `json:"ride_id,omitempty"`
}

// PaymentPayload carries the outcome of a processed payment.
type PaymentPayload struct {
	PaymentID string  `json:"payment_id"`
	RideID    string  `json:"ride_id,omitempty"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency,omitempty"`
	Status    string  `json:"status"`
}

// NotificationPayload records a user-facing notification that was dispatched.
type NotificationPayload struct {
	NotificationID string `json:"notification_id"`
	Channel        string `json:"channel,omitempty"` // push|sms|email
	Title          string `json:"title,omitempty"`
	Body           string `json:"body,omitempty"`
}

// SystemPayload carries operator-facing platform alerts.
type SystemPayload struct {
	Component string `json:"component,omitempty"`
	Level     string `json:"level,omitempty"`
	Message   string `json:"message"`
}

// PresencePayload carries room membership changes.
type PresencePayload struct {
	RoomID string `json:"room_id"`
	Role   string `json:"role,omitempty"`
}

// Event is the closed tagged union of every domain event kind.
// Exactly one payload pointer is set, and which one is determined by Type.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	UserID    string
	Metadata  map[string]any

	Ride         *RidePayload
	Driver       *DriverPayload
	Location     *LocationPayload
	Emergency    *EmergencyPayload
	Payment      *PaymentPayload
	Notification *NotificationPayload
	System       *SystemPayload
	Presence     *PresencePayload
}

// New constructs an event with a fresh id and UTC timestamp. The payload must
// be one of the *Payload structs and must match eventType.
func New(eventType Type, userID string, payload any) (*Event, error) {
	if !eventType.Valid() {
		return nil, ErrInvalidType
	}
	if userID = strings.TrimSpace(userID); userID == "" {
		return nil, ErrUserIDRequired
	}

	event := &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		UserID:    userID,
	}
	if err := event.attach(payload); err != nil {
		return nil, err
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}

// attach stores the payload in its variant slot.
func (event *Event) attach(payload any) error {
	switch p := payload.(type) {
	case *RidePayload:
		event.Ride = p
	case RidePayload:
		event.Ride = &p
	case *DriverPayload:
		event.Driver = p
	case DriverPayload:
		event.Driver = &p
	case *LocationPayload:
		event.Location = p
	case LocationPayload:
		event.Location = &p
	case *EmergencyPayload:
		event.Emergency = p
	case EmergencyPayload:
		event.Emergency = &p
	case *PaymentPayload:
		event.Payment = p
	case PaymentPayload:
		event.Payment = &p
	case *NotificationPayload:
		event.Notification = p
	case NotificationPayload:
		event.Notification = &p
	case *SystemPayload:
		event.System = p
	case SystemPayload:
		event.System = &p
	case *PresencePayload:
		event.Presence = p
	case PresencePayload:
		event.Presence = &p
	case nil:
		// rejected by Validate; kept here so the error names the type
	default:
		return fmt.Errorf("unsupported payload %T: %w", payload, ErrPayloadMismatch)
	}
	return nil
}

// Validate checks that the populated variant matches Type and that no stray
// variant is set.
func (event *Event) Validate() error {
	if !event.Type.Valid() {
		return ErrInvalidType
	}
	if strings.TrimSpace(event.UserID) == "" {
		return ErrUserIDRequired
	}

	ok := false
	switch {
	case event.Type.IsRideLifecycle():
		ok = event.Ride != nil
	case event.Type.IsDriverStatus():
		ok = event.Driver != nil
	case event.Type == TypeLocationUpdated:
		ok = event.Location != nil
	case event.Type == TypeEmergencyAlert:
		ok = event.Emergency != nil
	case event.Type == TypePaymentProcessed:
		ok = event.Payment != nil
	case event.Type == TypeNotificationSent:
		ok = event.Notification != nil
	case event.Type == TypeSystemAlert:
		ok = event.System != nil
	case event.Type.IsPresence():
		ok = event.Presence != nil
	}
	if !ok {
		return fmt.Errorf("%s: missing payload: %w", event.Type, ErrPayloadMismatch)
	}
	if event.payloadCount() != 1 {
		return fmt.Errorf("%s: multiple payloads set: %w", event.Type, ErrPayloadMismatch)
	}
	return nil
}

// WithMetadata sets/overwrites a single metadata key.
func (event *Event) WithMetadata(key string, value any) {
	if event.Metadata == nil {
		event.Metadata = make(map[string]any)
	}
	event.Metadata[key] = value
}

// Clone returns a value copy with its own metadata map. Payload structs are
// shared; every hop that mutates must attach its own payload.
func (event *Event) Clone() *Event {
	dup := *event
	if event.Metadata != nil {
		dup.Metadata = make(map[string]any, len(event.Metadata))
		maps.Copy(dup.Metadata, event.Metadata)
	}
	return &dup
}

// payloadCount counts populated variant slots; a valid event has exactly one.
func (event *Event) payloadCount() int {
	count := 0
	if event.Ride != nil {
		count++
	}
	if event.Driver != nil {
		count++
	}
	if event.Location != nil {
		count++
	}
	if event.Emergency != nil {
		count++
	}
	if event.Payment != nil {
		count++
	}
	if event.Notification != nil {
		count++
	}
	if event.System != nil {
		count++
	}
	if event.Presence != nil {
		count++
	}
	return count
}

// Payload returns the populated variant as an any, for callers that only
// need to serialize it.
func (event *Event) Payload() any {
	switch {
	case event.Ride != nil:
		return event.Ride
	case event.Driver != nil:
		return event.Driver
	case event.Location != nil:
		return event.Location
	case event.Emergency != nil:
		return event.Emergency
	case event.Payment != nil:
		return event.Payment
	case event.Notification != nil:
		return event.Notification
	case event.System != nil:
		return event.System
	case event.Presence != nil:
		return event.Presence
	default:
		return nil
	}
}

// wireEvent is the flat JSON shape shared by every variant. Payload fields
// are nested under "data" so the union stays unambiguous on the wire.
type wireEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	UserID    string          `json:"user_id"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// MarshalJSON encodes the event with its variant payload under "data".
func (event *Event) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(event.Payload())
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{
		ID:        event.ID,
		Type:      event.Type.String(),
		Timestamp: event.Timestamp,
		UserID:    event.UserID,
		Metadata:  event.Metadata,
		Data:      data,
	})
}

// UnmarshalJSON decodes into the variant determined by the wire "type" and
// rejects unknown types rather than guessing.
func (event *Event) UnmarshalJSON(raw []byte) error {
	var wire wireEvent
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}

	eventType, err := ParseType(wire.Type)
	if err != nil {
		return fmt.Errorf("decode event %q: %w", wire.Type, err)
	}

	decoded := Event{
		ID:        wire.ID,
		Type:      eventType,
		Timestamp: wire.Timestamp,
		UserID:    wire.UserID,
		Metadata:  wire.Metadata,
	}

	if len(wire.Data) == 0 || string(wire.Data) == "null" {
		return fmt.Errorf("%s: missing payload: %w", eventType, ErrPayloadMismatch)
	}

	switch {
	case eventType.IsRideLifecycle():
		decoded.Ride = new(RidePayload)
		err = json.Unmarshal(wire.Data, decoded.Ride)
	case eventType.IsDriverStatus():
		decoded.Driver = new(DriverPayload)
		err = json.Unmarshal(wire.Data, decoded.Driver)
	case eventType == TypeLocationUpdated:
		decoded.Location = new(LocationPayload)
		err = json.Unmarshal(wire.Data, decoded.Location)
	case eventType == TypeEmergencyAlert:
		decoded.Emergency = new(EmergencyPayload)
		err = json.Unmarshal(wire.Data, decoded.Emergency)
	case eventType == TypePaymentProcessed:
		decoded.Payment = new(PaymentPayload)
		err = json.Unmarshal(wire.Data, decoded.Payment)
	case eventType == TypeNotificationSent:
		decoded.Notification = new(NotificationPayload)
		err = json.Unmarshal(wire.Data, decoded.Notification)
	case eventType == TypeSystemAlert:
		decoded.System = new(SystemPayload)
		err = json.Unmarshal(wire.Data, decoded.System)
	case eventType.IsPresence():
		decoded.Presence = new(PresencePayload)
		err = json.Unmarshal(wire.Data, decoded.Presence)
	}
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", eventType, err)
	}

	*event = decoded
	return nil
}
