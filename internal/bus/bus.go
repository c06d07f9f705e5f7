// Package bus is the decoupling substrate of the application: four string-
// keyed registries (commands, events, hooks, values) plus a capability
// table. Plugins interact with each other exclusively through it, so no
// plugin ever needs to import another plugin's concrete types.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrNotFound indicates a command, value or capability name that has
	// no current registration.
	ErrNotFound = errors.New("not registered")
	// ErrDuplicateRegistration indicates a name that is already taken in
	// the registry it was offered to.
	ErrDuplicateRegistration = errors.New("duplicate registration")
)

// Handler implements one command. Arguments and result cross the bus as
// untyped values; packages that own a command provide typed wrappers.
type Handler func(ctx context.Context, args ...any) (any, error)

// HookFunc runs inside RunHook. Hooks receive a shared, mutable argument
// (typically a pointer) and may modify it. Returning an error aborts the
// hook chain and fails the surrounding operation.
type HookFunc func(arg any) error

// Value exposes a readable, optionally writable piece of runtime state.
type Value struct {
	Get func() any
	Set func(v any) error
}

type hookEntry struct {
	fn HookFunc
}

type capWatcher struct {
	fn       func(cap any) func()
	teardown func()
}

// Bus holds the registries. All methods are safe for concurrent use.
type Bus struct {
	log    zerolog.Logger
	events *Emitter

	mu       sync.Mutex
	commands map[string]Handler
	hooks    map[string][]*hookEntry
	values   map[string]Value
	caps     map[string]any
	watchers map[string][]*capWatcher

	plugins map[string]*Context
	order   []string
}

// New creates an empty bus.
func New(log zerolog.Logger) *Bus {
	return &Bus{
		log:      log,
		events:   NewEmitter(log),
		commands: make(map[string]Handler),
		hooks:    make(map[string][]*hookEntry),
		values:   make(map[string]Value),
		caps:     make(map[string]any),
		watchers: make(map[string][]*capWatcher),
		plugins:  make(map[string]*Context),
	}
}

// Logger returns the bus logger.
func (b *Bus) Logger() zerolog.Logger { return b.log }

// RegisterCommand binds a handler to a command name. At most one handler
// may exist per name. The returned function removes the registration.
func (b *Bus) RegisterCommand(name string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.commands[name]; ok {
		return nil, fmt.Errorf("command %q: %w", name, ErrDuplicateRegistration)
	}
	b.commands[name] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.commands, name)
	}, nil
}

// Call invokes a registered command. The handler's error propagates to the
// caller; an unregistered name yields ErrNotFound.
func (b *Bus) Call(ctx context.Context, name string, args ...any) (any, error) {
	b.mu.Lock()
	h, ok := b.commands[name]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("command %q: %w", name, ErrNotFound)
	}
	return h(ctx, args...)
}

// HasCommand reports whether a command is currently registered.
func (b *Bus) HasCommand(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.commands[name]
	return ok
}

// On registers an event listener. See Emitter.On.
func (b *Bus) On(name string, fn Listener) func() { return b.events.On(name, fn) }

// Emit publishes an event. Fire-and-forget: Emit never waits on listeners
// and never fails.
func (b *Bus) Emit(name string, payload any) { b.events.Emit(name, payload) }

// RegisterHook appends a hook to the named chain. Hooks run in
// registration order.
func (b *Bus) RegisterHook(name string, fn HookFunc) func() {
	entry := &hookEntry{fn: fn}
	b.mu.Lock()
	b.hooks[name] = append(b.hooks[name], entry)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.hooks[name]
		for i, e := range list {
			if e == entry {
				b.hooks[name] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// RunHook passes arg through every hook registered under name, in order.
// The first hook error aborts the chain.
func (b *Bus) RunHook(name string, arg any) error {
	b.mu.Lock()
	list := b.hooks[name]
	snapshot := make([]*hookEntry, len(list))
	copy(snapshot, list)
	b.mu.Unlock()

	for _, entry := range snapshot {
		if err := entry.fn(arg); err != nil {
			return fmt.Errorf("hook %q: %w", name, err)
		}
	}
	return nil
}

// RegisterValue exposes a named value. The returned function removes it.
func (b *Bus) RegisterValue(name string, v Value) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.values[name]; ok {
		return nil, fmt.Errorf("value %q: %w", name, ErrDuplicateRegistration)
	}
	b.values[name] = v
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.values, name)
	}, nil
}

// GetValue reads a registered value.
func (b *Bus) GetValue(name string) (any, error) {
	b.mu.Lock()
	v, ok := b.values[name]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("value %q: %w", name, ErrNotFound)
	}
	return v.Get(), nil
}

// SetValue writes a registered value and emits "<name>:changed" with the
// value read back after the write.
func (b *Bus) SetValue(name string, val any) error {
	b.mu.Lock()
	v, ok := b.values[name]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("value %q: %w", name, ErrNotFound)
	}
	if v.Set == nil {
		return fmt.Errorf("value %q is read-only", name)
	}
	if err := v.Set(val); err != nil {
		return fmt.Errorf("set value %q: %w", name, err)
	}
	b.NotifyValue(name)
	return nil
}

// HasValue reports whether a value is currently registered.
func (b *Bus) HasValue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.values[name]
	return ok
}

// NotifyValue emits the "<name>:changed" event for a value whose provider
// changed it internally, bypassing SetValue.
func (b *Bus) NotifyValue(name string) {
	b.mu.Lock()
	v, ok := b.values[name]
	b.mu.Unlock()
	if !ok {
		return
	}
	b.Emit(name+":changed", v.Get())
}

// Expose publishes a capability: a live reference (usually a small method
// table or the providing plugin's registry type) that other plugins obtain
// through WhenRegistered. The returned function withdraws it.
func (b *Bus) Expose(name string, capability any) (func(), error) {
	b.mu.Lock()
	if _, ok := b.caps[name]; ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("capability %q: %w", name, ErrDuplicateRegistration)
	}
	b.caps[name] = capability
	watchers := make([]*capWatcher, len(b.watchers[name]))
	copy(watchers, b.watchers[name])
	b.mu.Unlock()

	for _, w := range watchers {
		w.teardown = w.fn(capability)
	}

	return func() { b.unexpose(name) }, nil
}

func (b *Bus) unexpose(name string) {
	b.mu.Lock()
	if _, ok := b.caps[name]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.caps, name)
	watchers := make([]*capWatcher, len(b.watchers[name]))
	copy(watchers, b.watchers[name])
	b.mu.Unlock()

	for _, w := range watchers {
		if w.teardown != nil {
			w.teardown()
			w.teardown = nil
		}
	}
}

// WhenRegistered watches a capability. fn runs immediately if the
// capability is already exposed, and again on every future registration.
// The function fn returns (which may be nil) runs when the capability is
// withdrawn. The returned function cancels the watch.
func (b *Bus) WhenRegistered(name string, fn func(capability any) func()) func() {
	w := &capWatcher{fn: fn}

	b.mu.Lock()
	b.watchers[name] = append(b.watchers[name], w)
	current, present := b.caps[name]
	b.mu.Unlock()

	if present {
		w.teardown = fn(current)
	}

	return func() {
		b.mu.Lock()
		list := b.watchers[name]
		for i, entry := range list {
			if entry == w {
				b.watchers[name] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		if w.teardown != nil {
			w.teardown()
			w.teardown = nil
		}
	}
}

// Capability returns the current registration under name, if any.
func (b *Bus) Capability(name string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.caps[name]
	return c, ok
}
