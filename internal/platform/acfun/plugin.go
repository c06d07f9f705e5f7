// Package acfun connects acfun live rooms: midground API metadata, the
// danmaku signal stream and normalization of its signals.
package acfun

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/john/livefeed/internal/auth"
	"github.com/john/livefeed/internal/bus"
	"github.com/john/livefeed/internal/cookie"
	"github.com/john/livefeed/internal/message"
	"github.com/john/livefeed/internal/platforminfo"
	"github.com/john/livefeed/internal/room"
	"github.com/john/livefeed/internal/transport"
)

const platformName = "acfun"

// Wallet types of the gift side table.
const (
	walletACCoin = 1
	walletBanana = 2
)

const (
	tierACCoin = "ac_coin"
	tierBanana = "banana"
)

// Raw gift values count in 1/1000 AC币; one CNY buys ten AC币. Bananas
// are free.
var (
	acCoinTier = message.CurrencyTier{Name: "AC币", Ratio: 1000, Money: 10}
	bananaTier = message.CurrencyTier{Name: "香蕉", Ratio: 1}
)

const coverURLFormat = "https://tx2.a.kwimgs.com/bs2/ztlc/cover_%s_raw.jpg"

func platformInfo() platforminfo.Info {
	return platforminfo.Info{
		Name: platformName,
		Membership: platforminfo.Membership{
			ID:   "club",
			Name: "守护团",
		},
		Gift: platforminfo.Gift{Action: "赠送"},
		Currency: map[string]message.CurrencyTier{
			tierACCoin: acCoinTier,
			tierBanana: bananaTier,
		},
		StatsName: map[string]string{
			"online": "在线",
			"like":   "点赞",
		},
	}
}

// Plugin is the acfun platform plugin.
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

	if err := ctx.RegisterCommand("acfun.room.create", func(cc context.Context, args ...any) (any, error) {
		id, opts, err := createArgs(args)
		if err != nil {
			return nil, err
		}
		return p.newRoom(id, opts), nil
	}); err != nil {
		return err
	}

	if err := ctx.RegisterCommand("acfun.room.data", func(cc context.Context, args ...any) (any, error) {
		if len(args) < 1 {
			return nil, fmt.Errorf("acfun.room.data: want a room id")
		}
		id, _ := args[0].(string)
		a := &adapter{api: p.api, id: id, log: p.log}
		return a.FetchData(cc)
	}); err != nil {
		return err
	}

	return ctx.RegisterCommand("acfun.credentials.check", func(cc context.Context, args ...any) (any, error) {
		credentials, _ := args[0].(string)
		return p.checkCredentials(cc, credentials)
	})
}

func createArgs(args []any) (string, *room.Options, error) {
	if len(args) < 1 {
		return "", nil, fmt.Errorf("acfun.room.create: want (id, [options])")
	}
	id, _ := args[0].(string)
	if id == "" {
		return "", nil, fmt.Errorf("acfun.room.create: id must be a non-empty string")
	}
	opts := &room.Options{}
	if len(args) > 1 && args[1] != nil {
		var ok bool
		if opts, ok = args[1].(*room.Options); !ok {
			return "", nil, fmt.Errorf("acfun.room.create: options must be *room.Options")
		}
	}
	return id, opts, nil
}

func (p *Plugin) newRoom(id string, opts *room.Options) *room.Room {
	a := &adapter{api: p.api, id: id, log: p.log}
	return room.New(a, id, p.log, *opts)
}

// checkCredentials validates a cookie string against the token API. A
// cookie without the acPasstoken/auth_key pair is a guest; a rejected
// pair is a result, not an error.
func (p *Plugin) checkCredentials(ctx context.Context, credentials string) (auth.CheckResult, error) {
	jar := cookie.Parse(credentials)
	ensureDID(jar)

	if !jar.Has("acPasstoken") || !jar.Has("auth_key") {
		return auth.CheckResult{
			Logged:      false,
			Credentials: jar.String(),
			Message:     "not logged in",
		}, nil
	}

	tokens, err := p.api.UserLogin(ctx, jar.String())
	if err != nil {
		return auth.CheckResult{
			Logged:      false,
			Credentials: jar.String(),
			Message:     "not logged in",
		}, nil
	}

	name, _, err := p.api.UserInfo(ctx, tokens.UserID)
	if err != nil {
		name = ""
	}
	return auth.CheckResult{
		Logged:      true,
		UserID:      strconv.FormatInt(tokens.UserID, 10),
		Credentials: jar.String(),
		Message:     name,
	}, nil
}

// adapter implements room.Adapter for one acfun room. The anchor id is
// the room id; the gift side table is fetched alongside the connection
// tokens and consulted by the frame parser.
type adapter struct {
	api *APIClient
	id  string
	log zerolog.Logger

	mu    sync.Mutex
	login *LoginTokens
	gifts map[int64]GiftEntry
}

func (a *adapter) Platform() string { return platformName }

func (a *adapter) authorID() int64 {
	id, _ := strconv.ParseInt(a.id, 10, 64)
	return id
}

// loginTokens returns cached session tokens, synthesizing a visitor
// session on first use.
func (a *adapter) loginTokens(ctx context.Context) (LoginTokens, error) {
	a.mu.Lock()
	cached := a.login
	a.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}

	jar := cookie.Parse("")
	ensureDID(jar)
	tokens, err := a.api.VisitorLogin(ctx, jar.String())
	if err != nil {
		return LoginTokens{}, fmt.Errorf("visitor login: %w", err)
	}
	a.mu.Lock()
	a.login = &tokens
	a.mu.Unlock()
	return tokens, nil
}

func (a *adapter) FetchData(ctx context.Context) (*room.Data, error) {
	tokens, err := a.loginTokens(ctx)
	if err != nil {
		return nil, err
	}

	play, err := a.api.StartPlay(ctx, tokens, a.authorID())
	if err != nil {
		return nil, fmt.Errorf("start play: %w", err)
	}

	data := &room.Data{
		Platform:  platformName,
		ID:        a.id,
		Key:       room.Key(platformName, a.id),
		LiveID:    play.LiveID,
		Available: play.EnterRoomAttach != "",
		Status:    message.StatusOff,
		Anchor:    message.UserInfo{ID: a.id},
	}
	if play.LiveID != "" {
		data.Status = message.StatusLive
		data.Timestamp = play.LiveStartTime
		data.Detail = message.DetailInfo{
			Title: play.Caption,
			Cover: fmt.Sprintf(coverURLFormat, play.LiveID),
		}
	}

	if name, avatar, err := a.api.UserInfo(ctx, a.authorID()); err == nil {
		data.Anchor.Name = name
		data.Anchor.Avatar = avatar
	} else {
		a.log.Debug().Err(err).Str("room", a.id).Msg("fetch anchor profile")
	}
	return data, nil
}

func (a *adapter) FetchTokens(ctx context.Context, credentials string) (any, error) {
	jar := cookie.Parse(credentials)
	ensureDID(jar)

	login, err := a.api.Login(ctx, jar.String())
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	a.mu.Lock()
	a.login = &login
	a.mu.Unlock()

	play, err := a.api.StartPlay(ctx, login, a.authorID())
	if err != nil {
		return nil, fmt.Errorf("start play: %w", err)
	}
	tokens := ConnectTokens{
		LoginTokens:      login,
		LiveID:           play.LiveID,
		EnterRoomAttach:  play.EnterRoomAttach,
		AvailableTickets: play.AvailableTickets,
	}

	// A missing table only degrades gift names and tier hints.
	if list, err := a.api.GiftList(ctx, tokens, a.authorID()); err != nil {
		a.log.Warn().Err(err).Str("room", a.id).Msg("fetch gift table")
	} else {
		gifts := make(map[int64]GiftEntry, len(list))
		for _, g := range list {
			gifts[g.GiftID] = g
		}
		a.mu.Lock()
		a.gifts = gifts
		a.mu.Unlock()
	}

	return tokens, nil
}

func (a *adapter) NormalizeCredentials(ctx context.Context, credentials string) (string, error) {
	jar := cookie.Parse(credentials)
	ensureDID(jar)
	return jar.String(), nil
}

func (a *adapter) NewTransport(tokens any, data *room.Data, h transport.Handlers) (transport.Client, error) {
	ct, ok := tokens.(ConnectTokens)
	if !ok {
		return nil, fmt.Errorf("acfun: tokens must be ConnectTokens")
	}
	if ct.EnterRoomAttach == "" {
		return nil, fmt.Errorf("acfun: no live session to enter")
	}
	return transport.NewWSClient(transport.WSOptions{
		URL:   danmakuURL,
		Codec: &codec{tokens: ct},
	}, h), nil
}

func (a *adapter) HandleFrame(f transport.Frame, snap *room.Data) (*message.Message, bool) {
	a.mu.Lock()
	gifts := a.gifts
	a.mu.Unlock()
	p := &parser{gifts: gifts}
	return p.parse(f, snap)
}
