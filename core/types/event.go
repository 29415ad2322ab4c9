package types

// EventType names a message pushed to UI subscribers.
type EventType string

const (
	EventSession      EventType = "session"
	EventBalances     EventType = "balances"
	EventNotification EventType = "notification"
	EventAction       EventType = "action"
)

// Event is the envelope streamed to UI subscribers.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}
