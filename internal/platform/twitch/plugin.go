// Package twitch connects twitch chat over IRC and normalizes its
// messages and notices.
package twitch

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/john/livefeed/internal/auth"
	"github.com/john/livefeed/internal/bus"
	"github.com/john/livefeed/internal/cookie"
	"github.com/john/livefeed/internal/message"
	"github.com/john/livefeed/internal/platforminfo"
	"github.com/john/livefeed/internal/room"
	"github.com/john/livefeed/internal/transport"
)

const platformName = "twitch"

const tierBits = "bits"

// Bits are bought in bundles of roughly one hundred per USD.
var bitsTier = message.CurrencyTier{Name: "Bits", Ratio: 1, Money: 100}

func platformInfo() platforminfo.Info {
	return platforminfo.Info{
		Name: platformName,
		Membership: platforminfo.Membership{
			ID:    "sub",
			Name:  "Subscription",
			Level: []string{"", "Tier 1", "Tier 2", "Tier 3"},
		},
		Gift: platforminfo.Gift{Action: "cheered"},
		Currency: map[string]message.CurrencyTier{
			tierBits: bitsTier,
		},
	}
}

// Plugin is the twitch platform plugin.
type Plugin struct {
	api *APIClient
	log zerolog.Logger
}

// NewPlugin creates the plugin. httpClient may be nil.
func NewPlugin(httpClient *http.Client) *Plugin {
	return &Plugin{api: NewAPIClient(httpClient)}
}

// Name implements bus.Plugin.
func (p *Plugin) Name() string { return platformName }

// Init implements bus.Plugin.
func (p *Plugin) Init(ctx *bus.Context) error {
	p.log = ctx.Logger()

	ctx.WhenRegistered("platform", func(capability any) func() {
		reg, ok := capability.(*platforminfo.Registry)
		if !ok {
			return nil
		}
		if err := reg.Register(platformInfo()); err != nil {
			p.log.Warn().Err(err).Msg("register platform info")
			return nil
		}
		return func() { _ = reg.Unregister(platformName) }
	})

	if err := ctx.RegisterCommand("twitch.room.create", func(cc context.Context, args ...any) (any, error) {
		id, opts, err := createArgs(args)
		if err != nil {
			return nil, err
		}
		a := &adapter{id: id}
		return room.New(a, id, p.log, *opts), nil
	}); err != nil {
		return err
	}

	if err := ctx.RegisterCommand("twitch.room.data", func(cc context.Context, args ...any) (any, error) {
		if len(args) < 1 {
			return nil, fmt.Errorf("twitch.room.data: want a room id")
		}
		id, _ := args[0].(string)
		a := &adapter{id: id}
		return a.FetchData(cc)
	}); err != nil {
		return err
	}

	return ctx.RegisterCommand("twitch.credentials.check", func(cc context.Context, args ...any) (any, error) {
		credentials, _ := args[0].(string)
		return p.checkCredentials(cc, credentials)
	})
}

func createArgs(args []any) (string, *room.Options, error) {
	if len(args) < 1 {
		return "", nil, fmt.Errorf("twitch.room.create: want (id, [options])")
	}
	id, _ := args[0].(string)
	if id == "" {
		return "", nil, fmt.Errorf("twitch.room.create: id must be a non-empty string")
	}
	opts := &room.Options{}
	if len(args) > 1 && args[1] != nil {
		var ok bool
		if opts, ok = args[1].(*room.Options); !ok {
			return "", nil, fmt.Errorf("twitch.room.create: options must be *room.Options")
		}
	}
	return id, opts, nil
}

// parseTokens reads the `username=...; oauth=...` credential pairs.
// Missing pairs fall back to the anonymous login.
func parseTokens(credentials string) ConnectTokens {
	jar := cookie.Parse(credentials)
	return ConnectTokens{
		Username: jar.Get("username"),
		Token:    jar.Get("oauth"),
	}
}

// checkCredentials validates the OAuth token and backfills the username
// pair from the token's owner.
func (p *Plugin) checkCredentials(ctx context.Context, credentials string) (auth.CheckResult, error) {
	tokens := parseTokens(credentials)
	if tokens.Token == "" {
		return auth.CheckResult{
			Logged:      false,
			Credentials: credentials,
			Message:     "not logged in",
		}, nil
	}

	ident, err := p.api.Validate(ctx, tokens.Token)
	if err != nil {
		return auth.CheckResult{}, err
	}
	if ident == nil {
		return auth.CheckResult{
			Logged:      false,
			Credentials: credentials,
			Message:     "not logged in",
		}, nil
	}

	jar := cookie.Parse(credentials)
	jar.Set("username", ident.Login)
	return auth.CheckResult{
		Logged:      true,
		UserID:      ident.UserID,
		Credentials: jar.String(),
		Message:     ident.Login,
	}, nil
}

// adapter implements room.Adapter for one twitch channel. The channel
// login is the room id; chat joins work whether or not the channel is
// broadcasting, so metadata reports the room available and the live
// status unknown-as-off.
type adapter struct {
	id string
}

func (a *adapter) Platform() string { return platformName }

func (a *adapter) FetchData(ctx context.Context) (*room.Data, error) {
	id := strings.ToLower(a.id)
	return &room.Data{
		Platform:  platformName,
		ID:        id,
		Key:       room.Key(platformName, id),
		Available: true,
		Status:    message.StatusOff,
		Anchor:    message.UserInfo{ID: id, Name: a.id},
	}, nil
}

func (a *adapter) FetchTokens(ctx context.Context, credentials string) (any, error) {
	return parseTokens(credentials), nil
}

func (a *adapter) NormalizeCredentials(ctx context.Context, credentials string) (string, error) {
	return cookie.Parse(credentials).String(), nil
}

func (a *adapter) NewTransport(tokens any, data *room.Data, h transport.Handlers) (transport.Client, error) {
	ct, ok := tokens.(ConnectTokens)
	if !ok {
		return nil, fmt.Errorf("twitch: tokens must be ConnectTokens")
	}
	return newIRCClient(strings.ToLower(a.id), ct, h), nil
}

func (a *adapter) HandleFrame(f transport.Frame, snap *room.Data) (*message.Message, bool) {
	return parseFrame(f, snap)
}
