// Package auth manages per-platform login credentials: checking them
// against the platform, storing them, injecting them into newly added
// rooms and pushing fresh ones into rooms already open.
package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/john/livefeed/internal/bus"
	"github.com/john/livefeed/internal/room"
)

// CheckResult is what a platform's credentials.check command reports. Not
// being logged in is a result, not an error; errors mean the check itself
// could not run.
type CheckResult struct {
	// Logged reports whether the credentials identify a user.
	Logged bool `json:"logged"`
	// UserID is the platform user id when logged in.
	UserID string `json:"userId,omitempty"`
	// Credentials, when non-empty, replaces the checked string (the
	// platform refreshed an expiring token during the check).
	Credentials string `json:"credentials,omitempty"`
	// Message is a human-readable status, such as "not logged in".
	Message string `json:"message,omitempty"`
}

// Update is the payload of the auth:update event.
type Update struct {
	Platform string `json:"platform"`
	UserID   string `json:"userId,omitempty"`
}

// RoomPusher is the part of the room capability the auth plugin uses.
type RoomPusher interface {
	Rooms() []*room.Room
}

// Manager is the auth plugin.
type Manager struct {
	ctx   *bus.Context
	store *Store

	mu      sync.Mutex
	creds   map[string]string
	userIDs map[string]string
	exposed map[string]bool
}

// New creates the auth plugin. store may be nil, in which case credentials
// live only in memory.
func New(store *Store) *Manager {
	return &Manager{
		store:   store,
		creds:   make(map[string]string),
		userIDs: make(map[string]string),
		exposed: make(map[string]bool),
	}
}

// Name implements bus.Plugin.
func (m *Manager) Name() string { return "auth" }

// Init implements bus.Plugin: loads persisted credentials, registers the
// auth commands and hooks room creation to inject stored defaults.
func (m *Manager) Init(ctx *bus.Context) error {
	m.ctx = ctx

	if m.store != nil {
		loaded, err := m.store.Load()
		if err != nil {
			return err
		}
		m.mu.Lock()
		for platform, credentials := range loaded {
			m.creds[platform] = credentials
		}
		m.mu.Unlock()
		for platform := range loaded {
			if err := m.exposeUserID(platform); err != nil {
				return err
			}
		}
	}

	ctx.RegisterHook("room.add", func(arg any) error {
		args, ok := arg.(*room.CreateArgs)
		if !ok {
			return nil
		}
		if args.Options.Credentials == "" {
			args.Options.Credentials = m.Credentials(args.Platform)
		}
		return nil
	})

	if err := ctx.RegisterCommand("auth", func(cc context.Context, args ...any) (any, error) {
		platform, credentials, err := credentialArgs(args)
		if err != nil {
			return nil, err
		}
		return m.Auth(cc, platform, credentials)
	}); err != nil {
		return err
	}
	if err := ctx.RegisterCommand("auth.check", func(cc context.Context, args ...any) (any, error) {
		platform, credentials, err := credentialArgs(args)
		if err != nil {
			return nil, err
		}
		return m.Check(cc, platform, credentials)
	}); err != nil {
		return err
	}
	return ctx.RegisterCommand("auth.set", func(cc context.Context, args ...any) (any, error) {
		platform, credentials, err := credentialArgs(args)
		if err != nil {
			return nil, err
		}
		return nil, m.Set(cc, platform, credentials, "")
	})
}

func credentialArgs(args []any) (platform, credentials string, err error) {
	if len(args) < 2 {
		return "", "", fmt.Errorf("want (platform, credentials)")
	}
	platform, _ = args[0].(string)
	credentials, _ = args[1].(string)
	if platform == "" {
		return "", "", fmt.Errorf("platform must be a non-empty string")
	}
	return platform, credentials, nil
}

// Auth checks credentials against the platform and, when the check ran,
// stores them. A refreshed credential string from the check replaces the
// submitted one.
func (m *Manager) Auth(ctx context.Context, platform, credentials string) (CheckResult, error) {
	result, err := m.Check(ctx, platform, credentials)
	if err != nil {
		return CheckResult{}, err
	}
	if result.Credentials != "" {
		credentials = result.Credentials
	}
	if err := m.Set(ctx, platform, credentials, result.UserID); err != nil {
		return CheckResult{}, err
	}
	return result, nil
}

// Check delegates to the platform's "{platform}.credentials.check" command.
func (m *Manager) Check(ctx context.Context, platform, credentials string) (CheckResult, error) {
	res, err := m.ctx.Call(ctx, platform+".credentials.check", credentials)
	if err != nil {
		return CheckResult{}, fmt.Errorf("check %s credentials: %w", platform, err)
	}
	result, ok := res.(CheckResult)
	if !ok {
		return CheckResult{}, fmt.Errorf("check %s credentials: unexpected result %T", platform, res)
	}
	return result, nil
}

// Set stores a platform's credentials, persists them, pushes them into
// every open room of the platform and emits auth:update. Without a room
// capability the push is skipped.
func (m *Manager) Set(ctx context.Context, platform, credentials, userID string) error {
	m.mu.Lock()
	m.creds[platform] = credentials
	if userID != "" {
		m.userIDs[platform] = userID
	}
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Save(platform, credentials); err != nil {
			return err
		}
	}
	if err := m.exposeUserID(platform); err != nil {
		return err
	}
	m.ctx.NotifyValue("auth.userId." + platform)

	if capability, ok := m.ctx.Capability("room"); ok {
		if pusher, ok := capability.(RoomPusher); ok {
			for _, r := range pusher.Rooms() {
				if r.Data().Platform == platform {
					r.SetCredentials(ctx, credentials, true)
				}
			}
		}
	}

	m.ctx.Emit("auth:update", Update{Platform: platform, UserID: userID})
	return nil
}

// Credentials returns the stored credential string for a platform.
func (m *Manager) Credentials(platform string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds[platform]
}

// UserID returns the last known user id for a platform.
func (m *Manager) UserID(platform string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userIDs[platform]
}

// exposeUserID registers the read-only auth.userId.<platform> value once
// per platform.
func (m *Manager) exposeUserID(platform string) error {
	m.mu.Lock()
	if m.exposed[platform] {
		m.mu.Unlock()
		return nil
	}
	m.exposed[platform] = true
	m.mu.Unlock()

	return m.ctx.RegisterValue("auth.userId."+platform, bus.Value{
		Get: func() any { return m.UserID(platform) },
	})
}
