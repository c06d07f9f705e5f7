package bus

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
)

func newTestBus() *Bus {
	return New(zerolog.Nop())
}

func TestCommandRegistration(t *testing.T) {
	b := newTestBus()

	_, err := b.RegisterCommand("echo", func(ctx context.Context, args ...any) (any, error) {
		return args[0], nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// Duplicate names are rejected.
	if _, err := b.RegisterCommand("echo", nil); !errors.Is(err, ErrDuplicateRegistration) {
		t.Errorf("duplicate register: got %v, want ErrDuplicateRegistration", err)
	}

	got, err := b.Call(context.Background(), "echo", "hello")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got != "hello" {
		t.Errorf("call result: got %v, want hello", got)
	}

	if _, err := b.Call(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unregistered call: got %v, want ErrNotFound", err)
	}
}

func TestCommandErrorPropagatesToCaller(t *testing.T) {
	b := newTestBus()
	boom := errors.New("boom")
	_, err := b.RegisterCommand("fail", func(ctx context.Context, args ...any) (any, error) {
		return nil, boom
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := b.Call(context.Background(), "fail"); !errors.Is(err, boom) {
		t.Errorf("call: got %v, want boom", err)
	}
}

func TestEventOrderAndPanicIsolation(t *testing.T) {
	b := newTestBus()

	var seen []int
	b.On("tick", func(any) { seen = append(seen, 1) })
	b.On("tick", func(any) { panic("listener bug") })
	b.On("tick", func(any) { seen = append(seen, 3) })

	b.Emit("tick", nil)

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 3 {
		t.Errorf("listeners ran: got %v, want [1 3]", seen)
	}
}

func TestEventListenerRemoval(t *testing.T) {
	b := newTestBus()
	count := 0
	off := b.On("tick", func(any) { count++ })
	b.Emit("tick", nil)
	off()
	b.Emit("tick", nil)
	if count != 1 {
		t.Errorf("count: got %d, want 1", count)
	}
}

func TestHooksMutateSharedArgInOrder(t *testing.T) {
	b := newTestBus()

	type options struct{ Credentials string }

	b.RegisterHook("room.add", func(arg any) error {
		o := arg.(*options)
		if o.Credentials == "" {
			o.Credentials = "first"
		}
		return nil
	})
	b.RegisterHook("room.add", func(arg any) error {
		o := arg.(*options)
		o.Credentials += "+second"
		return nil
	})

	o := &options{}
	if err := b.RunHook("room.add", o); err != nil {
		t.Fatalf("run hook: %v", err)
	}
	if o.Credentials != "first+second" {
		t.Errorf("credentials: got %q, want first+second", o.Credentials)
	}
}

func TestHookErrorAbortsChain(t *testing.T) {
	b := newTestBus()
	ran := false
	b.RegisterHook("h", func(any) error { return fmt.Errorf("reject") })
	b.RegisterHook("h", func(any) error { ran = true; return nil })
	if err := b.RunHook("h", nil); err == nil {
		t.Fatal("expected hook error")
	}
	if ran {
		t.Error("later hook ran after abort")
	}
}

func TestValues(t *testing.T) {
	b := newTestBus()

	enabled := true
	_, err := b.RegisterValue("save.message", Value{
		Get: func() any { return enabled },
		Set: func(v any) error { enabled = v.(bool); return nil },
	})
	if err != nil {
		t.Fatalf("register value: %v", err)
	}

	var changed []any
	b.On("save.message:changed", func(payload any) { changed = append(changed, payload) })

	got, err := b.GetValue("save.message")
	if err != nil || got != true {
		t.Fatalf("get: %v %v", got, err)
	}

	if err := b.SetValue("save.message", false); err != nil {
		t.Fatalf("set: %v", err)
	}
	if enabled {
		t.Error("set did not reach the provider")
	}
	if len(changed) != 1 || changed[0] != false {
		t.Errorf("change events: got %v, want [false]", changed)
	}

	if _, err := b.GetValue("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing value: got %v, want ErrNotFound", err)
	}
}

func TestReadOnlyValue(t *testing.T) {
	b := newTestBus()
	_, err := b.RegisterValue("version", Value{Get: func() any { return 1 }})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := b.SetValue("version", 2); err == nil {
		t.Error("expected error setting read-only value")
	}
}

func TestWhenRegisteredFiresImmediatelyAndOnReRegistration(t *testing.T) {
	b := newTestBus()

	type table struct{ n int }

	var got []*table
	var downs int
	b.WhenRegistered("room", func(capability any) func() {
		got = append(got, capability.(*table))
		return func() { downs++ }
	})

	first := &table{n: 1}
	off, err := b.Expose("room", first)
	if err != nil {
		t.Fatalf("expose: %v", err)
	}
	if len(got) != 1 || got[0] != first {
		t.Fatalf("watcher after first expose: got %v", got)
	}

	off()
	if downs != 1 {
		t.Fatalf("teardowns after withdraw: got %d, want 1", downs)
	}

	second := &table{n: 2}
	if _, err := b.Expose("room", second); err != nil {
		t.Fatalf("re-expose: %v", err)
	}
	if len(got) != 2 || got[1] != second {
		t.Errorf("watcher after re-expose: got %v", got)
	}
}

func TestWhenRegisteredAlreadyPresent(t *testing.T) {
	b := newTestBus()
	if _, err := b.Expose("room", 42); err != nil {
		t.Fatalf("expose: %v", err)
	}
	fired := false
	b.WhenRegistered("room", func(capability any) func() {
		fired = capability == 42
		return nil
	})
	if !fired {
		t.Error("watcher did not fire for an already-present capability")
	}
}

func TestDuplicateCapability(t *testing.T) {
	b := newTestBus()
	if _, err := b.Expose("room", 1); err != nil {
		t.Fatalf("expose: %v", err)
	}
	if _, err := b.Expose("room", 2); !errors.Is(err, ErrDuplicateRegistration) {
		t.Errorf("duplicate expose: got %v, want ErrDuplicateRegistration", err)
	}
}
