// Package snapshot aggregates the per-module state snapshot commands.
package snapshot

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/john/livefeed/internal/bus"
)

// Plugin exposes the snapshot command. snapshot(names...) fans out to
// each "<name>.snapshot" command and collects the results by name; a
// name whose command is missing or failing is skipped, never fatal.
type Plugin struct {
	log zerolog.Logger
}

// New creates the plugin.
func New() *Plugin { return &Plugin{} }

// Name implements bus.Plugin.
func (p *Plugin) Name() string { return "snapshot" }

// Init implements bus.Plugin.
func (p *Plugin) Init(ctx *bus.Context) error {
	p.log = ctx.Logger()
	return ctx.RegisterCommand("snapshot", func(cc context.Context, args ...any) (any, error) {
		names := make([]string, 0, len(args))
		for _, a := range args {
			if name, ok := a.(string); ok && name != "" {
				names = append(names, name)
			}
		}
		out := make(map[string]any, len(names))
		for _, name := range names {
			res, err := ctx.Call(cc, name+".snapshot")
			if err != nil {
				p.log.Debug().Err(err).Str("module", name).Msg("snapshot skipped")
				continue
			}
			out[name] = res
		}
		return out, nil
	})
}
