// Package platforminfo holds presentation metadata for each connected
// platform: gift wording, membership naming, currency conversion and the
// labels of the room counters. Platform plugins register their own entry;
// consumers look metadata up when rendering messages.
package platforminfo

import (
	"context"
	"fmt"
	"sync"

	"github.com/john/livefeed/internal/bus"
	"github.com/john/livefeed/internal/message"
)

// Membership names the platform's paid-membership program.
type Membership struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Level []string `json:"level,omitempty"`
}

// Gift describes how gift messages are worded on the platform.
type Gift struct {
	// Action is the verb between user and gift name, such as "投喂".
	Action string `json:"action"`
}

// Info is one platform's presentation metadata.
type Info struct {
	// Name is the platform key, matching message.Message.Platform.
	Name string `json:"name"`
	// VarName is the human-facing display name.
	VarName    string     `json:"varName,omitempty"`
	Membership Membership `json:"membership"`
	Gift       Gift       `json:"gift"`
	// Currency maps the platform's currency codes to their tiers.
	Currency map[string]message.CurrencyTier `json:"currency,omitempty"`
	// StatsName labels the room counters (view, like, online).
	StatsName map[string]string `json:"statsName,omitempty"`
}

// Registry is the platform-info plugin.
type Registry struct {
	ctx *bus.Context

	mu    sync.Mutex
	infos map[string]Info
	order []string
}

// NewRegistry creates the plugin.
func NewRegistry() *Registry {
	return &Registry{infos: make(map[string]Info)}
}

// Name implements bus.Plugin.
func (g *Registry) Name() string { return "platforminfo" }

// Init implements bus.Plugin.
func (g *Registry) Init(ctx *bus.Context) error {
	g.ctx = ctx
	if err := ctx.RegisterCommand("platform.snapshot", func(context.Context, ...any) (any, error) {
		return g.List(), nil
	}); err != nil {
		return err
	}
	return ctx.Expose("platform", g)
}

// Register stores a platform's metadata. Registering an already-known
// platform is an error.
func (g *Registry) Register(info Info) error {
	if info.Name == "" {
		return fmt.Errorf("platform info: empty name")
	}
	g.mu.Lock()
	if _, ok := g.infos[info.Name]; ok {
		g.mu.Unlock()
		return fmt.Errorf("platform %q: %w", info.Name, bus.ErrDuplicateRegistration)
	}
	g.infos[info.Name] = info
	g.order = append(g.order, info.Name)
	g.mu.Unlock()

	g.ctx.Emit("platform:register", info)
	return nil
}

// Unregister removes a platform's metadata.
func (g *Registry) Unregister(name string) error {
	g.mu.Lock()
	_, ok := g.infos[name]
	if ok {
		delete(g.infos, name)
		for i, n := range g.order {
			if n == name {
				g.order = append(g.order[:i:i], g.order[i+1:]...)
				break
			}
		}
	}
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("platform %q: %w", name, bus.ErrNotFound)
	}
	g.ctx.Emit("platform:unregister", name)
	return nil
}

// Get returns one platform's metadata.
func (g *Registry) Get(name string) (Info, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	info, ok := g.infos[name]
	return info, ok
}

// List returns all registered metadata in registration order.
func (g *Registry) List() []Info {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Info, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.infos[name])
	}
	return out
}
