package contracts

// Exchanges
const (
	ExchangeEventsTopic    = "realtime_events"    // topic: classified domain events
	ExchangeBroadcastTopic = "realtime_broadcast" // topic: rule-delivered messages for other services
)

// Queues
const (
	QueueOperatorAlerts     = "operator_alerts"
	QueueNotificationOutbox = "notification_outbox"
	QueueEventJournal       = "event_journal"
)

// Routing patterns
const (
	RouteEventPrefix         = "event."          // {event_type}
	RouteBroadcastRolePrefix = "broadcast.role." // {role}
	RouteBroadcastRoomPrefix = "broadcast.room." // {room_id}
	RouteBroadcastUserPrefix = "broadcast.user." // {user_id}
)
