// Package health serves the liveness endpoint and a room summary.
package health

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/john/livefeed/internal/bus"
	"github.com/john/livefeed/internal/room"
)

// roomLister is the slice of the room capability the server needs.
type roomLister interface {
	List() []room.Data
}

// Plugin serves /health and /rooms.
type Plugin struct {
	addr   string
	log    zerolog.Logger
	server *http.Server

	mu    sync.Mutex
	rooms roomLister
}

// New creates the plugin listening on addr.
func New(addr string) *Plugin {
	return &Plugin{addr: addr}
}

// Name implements bus.Plugin.
func (p *Plugin) Name() string { return "health" }

// Init implements bus.Plugin.
func (p *Plugin) Init(ctx *bus.Context) error {
	p.log = ctx.Logger()

	ctx.WhenRegistered("room", func(capability any) func() {
		lister, ok := capability.(roomLister)
		if !ok {
			return nil
		}
		p.mu.Lock()
		p.rooms = lister
		p.mu.Unlock()
		return func() {
			p.mu.Lock()
			p.rooms = nil
			p.mu.Unlock()
		}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/health", p.handleHealth)
	mux.HandleFunc("/rooms", p.handleRooms)
	p.server = &http.Server{Addr: p.addr, Handler: mux}

	go func() {
		p.log.Info().Str("addr", p.addr).Msg("health server listening")
		if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			p.log.Error().Err(err).Msg("health server failed")
		}
	}()
	go func() {
		<-ctx.Context().Done()
		_ = p.server.Close()
	}()
	return nil
}

func (p *Plugin) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (p *Plugin) handleRooms(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	lister := p.rooms
	p.mu.Unlock()
	if lister == nil {
		http.Error(w, "room registry unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(lister.List()); err != nil {
		p.log.Warn().Err(err).Msg("encode room summary")
	}
}
