package bus

import (
	"context"
	"errors"
	"testing"
)

// testPlugin registers one of everything so unregistration can be checked
// across all registries at once.
type testPlugin struct {
	name string
	init func(ctx *Context) error
}

func (p *testPlugin) Name() string            { return p.name }
func (p *testPlugin) Init(ctx *Context) error { return p.init(ctx) }

func TestUnregisterFullyUnwinds(t *testing.T) {
	b := newTestBus()

	events := 0
	hooks := 0
	capSeen := 0

	p := &testPlugin{name: "probe", init: func(ctx *Context) error {
		if err := ctx.RegisterCommand("probe.ping", func(context.Context, ...any) (any, error) {
			return "pong", nil
		}); err != nil {
			return err
		}
		ctx.On("tick", func(any) { events++ })
		ctx.RegisterHook("room.add", func(any) error { hooks++; return nil })
		if err := ctx.RegisterValue("probe.flag", Value{Get: func() any { return true }}); err != nil {
			return err
		}
		return ctx.Expose("probe", struct{}{})
	}}

	if err := b.Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}
	b.WhenRegistered("probe", func(any) func() { capSeen++; return nil })
	if capSeen != 1 {
		t.Fatal("capability not visible after plugin init")
	}

	if err := b.Unregister("probe"); err != nil {
		t.Fatalf("unregister: %v", err)
	}

	if _, err := b.Call(context.Background(), "probe.ping"); !errors.Is(err, ErrNotFound) {
		t.Errorf("command survived unregistration: %v", err)
	}
	b.Emit("tick", nil)
	if events != 0 {
		t.Error("event listener survived unregistration")
	}
	if err := b.RunHook("room.add", nil); err != nil {
		t.Fatalf("run hook: %v", err)
	}
	if hooks != 0 {
		t.Error("hook survived unregistration")
	}
	if _, err := b.GetValue("probe.flag"); !errors.Is(err, ErrNotFound) {
		t.Errorf("value survived unregistration: %v", err)
	}
	if _, ok := b.Capability("probe"); ok {
		t.Error("capability survived unregistration")
	}
}

func TestPluginContextCanceledOnUnregister(t *testing.T) {
	b := newTestBus()

	var done <-chan struct{}
	p := &testPlugin{name: "probe", init: func(ctx *Context) error {
		done = ctx.Context().Done()
		return nil
	}}
	if err := b.Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}
	select {
	case <-done:
		t.Fatal("context canceled while plugin still registered")
	default:
	}
	if err := b.Unregister("probe"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	select {
	case <-done:
	default:
		t.Error("context not canceled on unregistration")
	}
}

func TestDuplicatePluginName(t *testing.T) {
	b := newTestBus()
	ok := func(ctx *Context) error { return nil }
	if err := b.Register(&testPlugin{name: "p", init: ok}); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := b.Register(&testPlugin{name: "p", init: ok})
	if !errors.Is(err, ErrDuplicateRegistration) {
		t.Errorf("duplicate plugin: got %v, want ErrDuplicateRegistration", err)
	}
}

func TestFailedInitUnwinds(t *testing.T) {
	b := newTestBus()
	p := &testPlugin{name: "p", init: func(ctx *Context) error {
		if err := ctx.RegisterCommand("p.cmd", func(context.Context, ...any) (any, error) {
			return nil, nil
		}); err != nil {
			return err
		}
		return errors.New("init failed")
	}}
	if err := b.Register(p); err == nil {
		t.Fatal("expected init error")
	}
	if b.HasCommand("p.cmd") {
		t.Error("command survived failed init")
	}
	// The name is free again after a failed init.
	if err := b.Register(&testPlugin{name: "p", init: func(*Context) error { return nil }}); err != nil {
		t.Errorf("re-register after failed init: %v", err)
	}
}
