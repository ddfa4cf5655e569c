package events

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dharsanguruparan/vaultgate/internal/logging"
)

// ListenerFunc handles one event. A returned error aborts the dispatch and
// is passed to the caller.
type ListenerFunc func(ctx context.Context, ev *Event) error

// Subscriber registers a group of listeners at once.
type Subscriber interface {
	Subscribe(d *Dispatcher)
}

type registration struct {
	fn       ListenerFunc
	priority int
}

// Dispatcher runs listeners in descending priority. Equal priorities run in
// registration order. Listeners are expected to be registered at startup.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[string][]registration
	logger    logging.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger logging.Logger) *Dispatcher {
	return &Dispatcher{listeners: make(map[string][]registration), logger: logging.OrNop(logger)}
}

// AddListener registers fn for name.
func (d *Dispatcher) AddListener(name string, fn ListenerFunc, priority int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	regs := append(d.listeners[name], registration{fn: fn, priority: priority})
	sort.SliceStable(regs, func(i, j int) bool { return regs[i].priority > regs[j].priority })
	d.listeners[name] = regs
}

// AddSubscriber lets s register its listeners.
func (d *Dispatcher) AddSubscriber(s Subscriber) { s.Subscribe(d) }

// RemoveListeners drops every listener for name.
func (d *Dispatcher) RemoveListeners(name string) {
	d.mu.Lock()
	delete(d.listeners, name)
	d.mu.Unlock()
}

// HasListeners reports whether anything listens for name.
func (d *Dispatcher) HasListeners(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners[name]) > 0
}

// Listeners returns the listeners for name in run order.
func (d *Dispatcher) Listeners(name string) []ListenerFunc {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ListenerFunc, 0, len(d.listeners[name]))
	for _, r := range d.listeners[name] {
		out = append(out, r.fn)
	}
	return out
}

// Dispatch runs the listeners for ev.Name and returns ev. It stops early
// when a listener stops propagation or fails.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) (*Event, error) {
	for _, fn := range d.Listeners(ev.Name) {
		if ev.IsPropagationStopped() {
			break
		}
		if err := fn(ctx, ev); err != nil {
			d.logger.Log(logging.LevelError, "event listener failed", "event", ev.Name, "error", err)
			return ev, fmt.Errorf("listener for %s: %w", ev.Name, err)
		}
	}
	return ev, nil
}
