package notification

import (
	"log"
	"time"
)

// Kind classifies a user-facing event.
type Kind string

const (
	KindReserved            Kind = "reserved"
	KindUnreserved          Kind = "unreserved"
	KindExpiringSoon        Kind = "expiring_soon"
	KindExpired             Kind = "expired"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindRejected            Kind = "rejected"
)

// Event is one message pushed towards the presentation layer. SpotID is -1
// when the event is not tied to a spot.
type Event struct {
	Kind      Kind      `json:"kind"`
	SpotID    int       `json:"spot_id"`
	Username  string    `json:"username,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink is a one-way, fire-and-forget channel for events. Implementations
// must not block the caller for long and may deliver duplicates.
type Sink interface {
	Notify(ev Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev Event)

func (f SinkFunc) Notify(ev Event) { f(ev) }

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Notify(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Notify(ev)
		}
	}
}

// LogSink writes every event to the standard logger.
type LogSink struct{}

func (LogSink) Notify(ev Event) {
	log.Printf("[%s] spot=%d user=%s: %s", ev.Kind, ev.SpotID, ev.Username, ev.Message)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})
