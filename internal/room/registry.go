package room

import (
	"context"
	"fmt"
	"sync"

	"github.com/john/livefeed/internal/bus"
)

// CreateArgs is the mutable argument of the "room.add" hook. Hooks run
// before the platform's create command and may inject defaults — this is
// how stored credentials reach a new room without the room knowing where
// they came from.
type CreateArgs struct {
	Platform string
	ID       string
	Options  *Options
}

// Registry is the room-tracking plugin. It owns no room (rooms belong to
// the platform plugin that created them) but holds them for broadcast and
// lookup, and bridges each room's private emitter onto the application
// bus under the room:* / live:* event surface.
type Registry struct {
	ctx *bus.Context

	mu    sync.Mutex
	rooms map[string]*trackedRoom
	order []string
}

type trackedRoom struct {
	room *Room
	offs []func()
}

// NewRegistry creates the registry plugin.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*trackedRoom)}
}

// Name implements bus.Plugin.
func (g *Registry) Name() string { return "room" }

// Init implements bus.Plugin: commands room.add/remove/open/close/update/
// list, the room.snapshot command and the "room" capability.
func (g *Registry) Init(ctx *bus.Context) error {
	g.ctx = ctx

	if err := ctx.RegisterCommand("room.add", func(cc context.Context, args ...any) (any, error) {
		platform, id, opts, err := addArgs(args)
		if err != nil {
			return nil, err
		}
		r, err := g.Add(cc, platform, id, opts)
		if err != nil {
			return nil, err
		}
		return r.Data(), nil
	}); err != nil {
		return err
	}

	keyCommands := map[string]func(cc context.Context, r *Room) error{
		"room.open":   func(cc context.Context, r *Room) error { r.Open(cc); return nil },
		"room.close":  func(cc context.Context, r *Room) error { r.Close(); return nil },
		"room.update": func(cc context.Context, r *Room) error { return r.Update(cc) },
	}
	for name, op := range keyCommands {
		op := op
		if err := ctx.RegisterCommand(name, func(cc context.Context, args ...any) (any, error) {
			r, err := g.byKeyArg(args)
			if err != nil {
				return nil, err
			}
			return nil, op(cc, r)
		}); err != nil {
			return err
		}
	}

	if err := ctx.RegisterCommand("room.remove", func(cc context.Context, args ...any) (any, error) {
		key, err := keyArg(args)
		if err != nil {
			return nil, err
		}
		return nil, g.Remove(key)
	}); err != nil {
		return err
	}

	if err := ctx.RegisterCommand("room.list", func(context.Context, ...any) (any, error) {
		return g.List(), nil
	}); err != nil {
		return err
	}
	if err := ctx.RegisterCommand("room.snapshot", func(context.Context, ...any) (any, error) {
		return g.List(), nil
	}); err != nil {
		return err
	}

	return ctx.Expose("room", g)
}

func addArgs(args []any) (platform, id string, opts *Options, err error) {
	if len(args) < 2 {
		return "", "", nil, fmt.Errorf("room.add: want (platform, id, [options])")
	}
	platform, _ = args[0].(string)
	id, _ = args[1].(string)
	if platform == "" || id == "" {
		return "", "", nil, fmt.Errorf("room.add: platform and id must be non-empty strings")
	}
	if len(args) > 2 && args[2] != nil {
		var ok bool
		if opts, ok = args[2].(*Options); !ok {
			return "", "", nil, fmt.Errorf("room.add: options must be *room.Options")
		}
	}
	return platform, id, opts, nil
}

func keyArg(args []any) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("want a room key argument")
	}
	key, ok := args[0].(string)
	if !ok || key == "" {
		return "", fmt.Errorf("room key must be a non-empty string")
	}
	return key, nil
}

func (g *Registry) byKeyArg(args []any) (*Room, error) {
	key, err := keyArg(args)
	if err != nil {
		return nil, err
	}
	r, ok := g.Get(key)
	if !ok {
		return nil, fmt.Errorf("room %q: %w", key, bus.ErrNotFound)
	}
	return r, nil
}

// Add creates a room through the platform's "{platform}.room.create"
// command, after running the room.add hook chain over the arguments so
// other plugins can inject defaults. The room is tracked, its events are
// bridged onto the bus, and it is initialized.
func (g *Registry) Add(ctx context.Context, platform, id string, opts *Options) (*Room, error) {
	key := Key(platform, id)

	// Reserve the key before the hook and create command run, so two
	// concurrent adds for one key cannot both pass the duplicate check.
	g.mu.Lock()
	if _, ok := g.rooms[key]; ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("room %q: %w", key, bus.ErrDuplicateRegistration)
	}
	g.rooms[key] = nil
	g.mu.Unlock()

	release := func() {
		g.mu.Lock()
		if g.rooms[key] == nil {
			delete(g.rooms, key)
		}
		g.mu.Unlock()
	}

	if opts == nil {
		opts = &Options{}
	}
	args := &CreateArgs{Platform: platform, ID: id, Options: opts}
	if err := g.ctx.RunHook("room.add", args); err != nil {
		release()
		return nil, err
	}

	res, err := g.ctx.Call(ctx, platform+".room.create", id, args.Options)
	if err != nil {
		release()
		return nil, fmt.Errorf("create room %q: %w", key, err)
	}
	r, ok := res.(*Room)
	if !ok {
		release()
		return nil, fmt.Errorf("create room %q: command returned %T, not a room", key, res)
	}

	g.track(key, r)
	g.ctx.Emit("room:add", r.Data())

	// Init after tracking so open/connect events reach bus subscribers.
	r.Init(ctx)
	return r, nil
}

// track registers the event bridge for one room.
func (g *Registry) track(key string, r *Room) {
	bridge := map[string]string{
		"connecting": "room:connecting",
		"connected":  "room:connected",
		"enter":      "room:enter",
		"disconnect": "room:disconnect",
		"open":       "room:open",
		"close":      "room:close",
		"update":     "room:update",
		"status":     "room:status",
		"info_error": "room:info_error",
	}

	t := &trackedRoom{room: r}
	for from, to := range bridge {
		to := to
		t.offs = append(t.offs, r.Events().On(from, func(payload any) {
			g.ctx.Emit(to, payload)
		}))
	}
	t.offs = append(t.offs, r.Events().On("message", func(payload any) {
		g.ctx.Emit("live:message", payload)
	}))
	t.offs = append(t.offs, r.Events().On("raw", func(payload any) {
		g.ctx.Emit("live:raw", payload)
	}))

	g.mu.Lock()
	g.rooms[key] = t
	g.order = append(g.order, key)
	g.mu.Unlock()
}

// Remove closes a room and stops tracking it.
func (g *Registry) Remove(key string) error {
	g.mu.Lock()
	t, ok := g.rooms[key]
	if t == nil {
		// A reservation from an in-flight Add is not a removable room.
		ok = false
	}
	if ok {
		delete(g.rooms, key)
		for i, k := range g.order {
			if k == key {
				g.order = append(g.order[:i:i], g.order[i+1:]...)
				break
			}
		}
	}
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("room %q: %w", key, bus.ErrNotFound)
	}

	t.room.Close()
	for _, off := range t.offs {
		off()
	}
	g.ctx.Emit("room:remove", map[string]string{"key": key})
	return nil
}

// Get returns a tracked room by key.
func (g *Registry) Get(key string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.rooms[key]
	if !ok || t == nil {
		return nil, false
	}
	return t.room, true
}

// Rooms returns the tracked rooms in addition order.
func (g *Registry) Rooms() []*Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Room, 0, len(g.order))
	for _, key := range g.order {
		out = append(out, g.rooms[key].room)
	}
	return out
}

// List returns snapshots of the tracked rooms in addition order.
func (g *Registry) List() []Data {
	rooms := g.Rooms()
	out := make([]Data, len(rooms))
	for i, r := range rooms {
		out[i] = r.Data()
	}
	return out
}
