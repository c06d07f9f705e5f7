package bus

import (
	"sync"

	"github.com/rs/zerolog"
)

// Listener receives the payload of one emitted event.
type Listener func(payload any)

type listenerEntry struct {
	fn Listener
}

// Emitter is a minimal ordered event dispatcher. The Bus uses one for its
// event registry, and every Room owns a private one so that room events can
// be observed without the room knowing about the application bus.
type Emitter struct {
	mu        sync.Mutex
	listeners map[string][]*listenerEntry
	log       zerolog.Logger
}

// NewEmitter creates an emitter. Listener panics are recovered and logged.
func NewEmitter(log zerolog.Logger) *Emitter {
	return &Emitter{
		listeners: make(map[string][]*listenerEntry),
		log:       log,
	}
}

// On registers a listener for the named event. Listeners fire in
// registration order. The returned function removes the listener.
func (e *Emitter) On(name string, fn Listener) func() {
	entry := &listenerEntry{fn: fn}

	e.mu.Lock()
	e.listeners[name] = append(e.listeners[name], entry)
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		list := e.listeners[name]
		for i, l := range list {
			if l == entry {
				e.listeners[name] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Emit dispatches the payload to every listener of the named event.
// Dispatch is synchronous and in registration order; a panicking listener
// does not prevent the remaining listeners from running.
func (e *Emitter) Emit(name string, payload any) {
	e.mu.Lock()
	list := e.listeners[name]
	snapshot := make([]*listenerEntry, len(list))
	copy(snapshot, list)
	e.mu.Unlock()

	for _, entry := range snapshot {
		e.dispatch(name, entry, payload)
	}
}

func (e *Emitter) dispatch(name string, entry *listenerEntry, payload any) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("event", name).Any("panic", r).Msg("event listener panicked")
		}
	}()
	entry.fn(payload)
}
