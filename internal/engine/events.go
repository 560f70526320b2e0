package engine

import "time"

// Event is one engine occurrence published to subscribers (the websocket
// stream, primarily).
type Event struct {
	Type    string    `json:"type"` // "order", "fill", "drift", "signal"
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// EventSink receives engine events. Publish must not block.
type EventSink interface {
	Publish(Event)
}

// publish sends an event to the sink if one is attached.
func publish(sink EventSink, eventType string, payload any) {
	if sink == nil {
		return
	}
	sink.Publish(Event{Type: eventType, At: time.Now(), Payload: payload})
}
