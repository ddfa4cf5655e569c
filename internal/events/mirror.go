package events

import (
	"context"
	"math"

	evbus "github.com/asaskevich/EventBus"
)

// Mirror republishes dispatched events on an EventBus topic named after the
// event, so in-process consumers can subscribe without touching the
// dispatcher. Subscribers receive a Record.
type Mirror struct {
	bus evbus.Bus
}

// NewMirror wraps bus; a nil bus gets a fresh one.
func NewMirror(bus evbus.Bus) *Mirror {
	if bus == nil {
		bus = evbus.New()
	}
	return &Mirror{bus: bus}
}

// Bus returns the underlying bus for subscribing.
func (m *Mirror) Bus() evbus.Bus { return m.bus }

// Handle is a ListenerFunc.
func (m *Mirror) Handle(_ context.Context, ev *Event) error {
	m.bus.Publish(ev.Name, ev.Record())
	return nil
}

// Attach registers the mirror for names, or for every event when none are
// given. It runs after all other listeners.
func (m *Mirror) Attach(d *Dispatcher, names ...string) {
	if len(names) == 0 {
		names = All
	}
	for _, name := range names {
		d.AddListener(name, m.Handle, math.MinInt)
	}
}
