package interval

import (
	"time"

	"intervalpool/internal/eventbus"
)

// Event types published on the registry bus.
const (
	EventAdded     = "interval.added"
	EventReplaced  = "interval.replaced"
	EventRemoved   = "interval.removed"
	EventStopped   = "interval.stopped"
	EventRestarted = "interval.restarted"
	EventTick      = "interval.tick"
	EventPanic     = "interval.panic"
)

// EventPrefix matches every registry event type.
const EventPrefix = "interval."

// TimerEvent is the Data payload of every registry event.
type TimerEvent struct {
	ID        string        `json:"id"`
	Every     time.Duration `json:"every,omitempty"`
	Immediate bool          `json:"immediate,omitempty"`
	Ticks     uint64        `json:"ticks,omitempty"`
	Panic     string        `json:"panic,omitempty"`
}

func (r *Registry) publish(typ string, ev TimerEvent) {
	r.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
