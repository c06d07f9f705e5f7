package bus

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Plugin is an independently developed capability module. Init receives a
// Context scoped to the plugin's registration lifetime; everything the
// plugin registers through that Context is unwound when the plugin is
// unregistered.
type Plugin interface {
	Name() string
	Init(ctx *Context) error
}

// Context is a plugin's handle on the bus. It records every registration
// so that Unregister can deterministically remove all of them, and carries
// a context.Context that is canceled at unregistration for goroutine and
// I/O teardown.
type Context struct {
	bus    *Bus
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	teardowns []func()
}

// Name returns the owning plugin's name.
func (c *Context) Name() string { return c.name }

// Context returns the plugin-scoped cancellation context.
func (c *Context) Context() context.Context { return c.ctx }

// Logger returns the bus logger tagged with the plugin name.
func (c *Context) Logger() zerolog.Logger { return c.log }

func (c *Context) record(teardown func()) {
	c.bus.mu.Lock()
	c.teardowns = append(c.teardowns, teardown)
	c.bus.mu.Unlock()
}

// RegisterCommand registers a command owned by this plugin.
func (c *Context) RegisterCommand(name string, h Handler) error {
	off, err := c.bus.RegisterCommand(name, h)
	if err != nil {
		return err
	}
	c.record(off)
	return nil
}

// Call invokes a command on the bus.
func (c *Context) Call(ctx context.Context, name string, args ...any) (any, error) {
	return c.bus.Call(ctx, name, args...)
}

// On subscribes to an event for the plugin's lifetime.
func (c *Context) On(name string, fn Listener) {
	c.record(c.bus.On(name, fn))
}

// Emit publishes an event on the bus.
func (c *Context) Emit(name string, payload any) { c.bus.Emit(name, payload) }

// RegisterHook appends a hook owned by this plugin.
func (c *Context) RegisterHook(name string, fn HookFunc) {
	c.record(c.bus.RegisterHook(name, fn))
}

// RunHook runs a hook chain.
func (c *Context) RunHook(name string, arg any) error { return c.bus.RunHook(name, arg) }

// RegisterValue exposes a value owned by this plugin.
func (c *Context) RegisterValue(name string, v Value) error {
	off, err := c.bus.RegisterValue(name, v)
	if err != nil {
		return err
	}
	c.record(off)
	return nil
}

// GetValue reads a value from the bus.
func (c *Context) GetValue(name string) (any, error) { return c.bus.GetValue(name) }

// SetValue writes a value on the bus.
func (c *Context) SetValue(name string, v any) error { return c.bus.SetValue(name, v) }

// HasValue reports whether a value is registered.
func (c *Context) HasValue(name string) bool { return c.bus.HasValue(name) }

// NotifyValue emits the change event for a value this plugin mutated
// internally.
func (c *Context) NotifyValue(name string) { c.bus.NotifyValue(name) }

// Expose publishes a capability owned by this plugin.
func (c *Context) Expose(name string, capability any) error {
	off, err := c.bus.Expose(name, capability)
	if err != nil {
		return err
	}
	c.record(off)
	return nil
}

// Capability returns the current registration under name, if any.
func (c *Context) Capability(name string) (any, bool) { return c.bus.Capability(name) }

// WhenRegistered watches a capability for the plugin's lifetime.
func (c *Context) WhenRegistered(name string, fn func(capability any) func()) {
	c.record(c.bus.WhenRegistered(name, fn))
}

// Register instantiates a plugin. A second plugin with the same name fails
// with ErrDuplicateRegistration. If Init returns an error, everything the
// plugin managed to register is unwound before Register returns.
func (b *Bus) Register(p Plugin) error {
	name := p.Name()

	b.mu.Lock()
	if _, ok := b.plugins[name]; ok {
		b.mu.Unlock()
		return fmt.Errorf("plugin %q: %w", name, ErrDuplicateRegistration)
	}
	ctx, cancel := context.WithCancel(context.Background())
	pc := &Context{
		bus:    b,
		name:   name,
		ctx:    ctx,
		cancel: cancel,
		log:    b.log.With().Str("plugin", name).Logger(),
	}
	b.plugins[name] = pc
	b.order = append(b.order, name)
	b.mu.Unlock()

	if err := p.Init(pc); err != nil {
		b.unwind(pc)
		return fmt.Errorf("init plugin %q: %w", name, err)
	}
	b.log.Debug().Str("plugin", name).Msg("plugin registered")
	return nil
}

// Unregister removes a plugin, cancels its context and unwinds every
// registration it made. Unknown names fail with ErrNotFound.
func (b *Bus) Unregister(name string) error {
	b.mu.Lock()
	pc, ok := b.plugins[name]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("plugin %q: %w", name, ErrNotFound)
	}
	b.unwind(pc)
	b.log.Debug().Str("plugin", name).Msg("plugin unregistered")
	return nil
}

func (b *Bus) unwind(pc *Context) {
	pc.cancel()

	b.mu.Lock()
	teardowns := pc.teardowns
	pc.teardowns = nil
	delete(b.plugins, pc.name)
	for i, n := range b.order {
		if n == pc.name {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	// Reverse order, so registrations that depend on earlier ones are
	// removed first.
	for i := len(teardowns) - 1; i >= 0; i-- {
		teardowns[i]()
	}
}

// Close unregisters every plugin, most recently registered first.
func (b *Bus) Close() {
	b.mu.Lock()
	order := make([]string, len(b.order))
	copy(order, b.order)
	b.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		_ = b.Unregister(order[i])
	}
}
