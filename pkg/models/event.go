package models

// Event is an immutable lifecycle message published on the event bus
// and fanned out to WebSocket subscribers.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp float64        `json:"timestamp"`
}

// NewEvent stamps an event with the current wall clock.
func NewEvent(eventType string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		Type:      eventType,
		Data:      data,
		Timestamp: Now(),
	}
}

// Preview truncates s for inclusion in event payloads. Full prompts
// and responses never travel on the bus.
func Preview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
