// Package bilibili connects bilibili live rooms: web API metadata, the
// danmaku websocket protocol and normalization of its notifications.
package bilibili

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/john/livefeed/internal/auth"
	"github.com/john/livefeed/internal/bus"
	"github.com/john/livefeed/internal/cookie"
	"github.com/john/livefeed/internal/message"
	"github.com/john/livefeed/internal/platforminfo"
	"github.com/john/livefeed/internal/room"
	"github.com/john/livefeed/internal/transport"
)

const platformName = "bilibili"

var (
	silverTier = message.CurrencyTier{Name: "银瓜子", Ratio: 1}
	goldTier   = message.CurrencyTier{Name: "电池", Ratio: 100, Money: 10}
)

func currencyByCoinType(coinType string) message.CurrencyTier {
	if coinType == "gold" {
		return goldTier
	}
	return silverTier
}

func platformInfo() platforminfo.Info {
	return platforminfo.Info{
		Name: platformName,
		Membership: platforminfo.Membership{
			ID:    "guard",
			Name:  "大航海",
			Level: []string{"", "总督", "提督", "舰长"},
		},
		Gift: platforminfo.Gift{Action: "投喂"},
		Currency: map[string]message.CurrencyTier{
			"silver": silverTier,
			"gold":   goldTier,
		},
		StatsName: map[string]string{
			"view":   "看过",
			"online": "在线",
			"like":   "点赞",
		},
	}
}

// Plugin is the bilibili platform plugin.
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

	if err := ctx.RegisterCommand("bilibili.room.create", func(cc context.Context, args ...any) (any, error) {
		id, opts, err := createArgs(args)
		if err != nil {
			return nil, err
		}
		return p.newRoom(id, opts), nil
	}); err != nil {
		return err
	}

	if err := ctx.RegisterCommand("bilibili.room.data", func(cc context.Context, args ...any) (any, error) {
		if len(args) < 1 {
			return nil, fmt.Errorf("bilibili.room.data: want a room id")
		}
		id, _ := args[0].(string)
		a := &adapter{api: p.api, id: id}
		return a.FetchData(cc)
	}); err != nil {
		return err
	}

	return ctx.RegisterCommand("bilibili.credentials.check", func(cc context.Context, args ...any) (any, error) {
		credentials, _ := args[0].(string)
		return p.checkCredentials(cc, credentials)
	})
}

func createArgs(args []any) (string, *room.Options, error) {
	if len(args) < 1 {
		return "", nil, fmt.Errorf("bilibili.room.create: want (id, [options])")
	}
	id, _ := args[0].(string)
	if id == "" {
		return "", nil, fmt.Errorf("bilibili.room.create: id must be a non-empty string")
	}
	opts := &room.Options{}
	if len(args) > 1 && args[1] != nil {
		var ok bool
		if opts, ok = args[1].(*room.Options); !ok {
			return "", nil, fmt.Errorf("bilibili.room.create: options must be *room.Options")
		}
	}
	return id, opts, nil
}

func (p *Plugin) newRoom(id string, opts *room.Options) *room.Room {
	a := &adapter{api: p.api, id: id}
	return room.New(a, id, p.log, *opts)
}

// checkCredentials validates a cookie string against the API: refresh
// detection, refresh-token exchange when possible, then login status. Not
// being logged in is a result, not an error.
func (p *Plugin) checkCredentials(ctx context.Context, credentials string) (auth.CheckResult, error) {
	jar := cookie.Parse(credentials)
	ensureBuvid(jar)

	refresh, _, err := p.api.CookieInfo(ctx, jar.String())
	if err == nil && refresh {
		if token := jar.Get("refresh_token"); token != "" {
			newToken, err := p.api.RefreshCookie(ctx, jar.String(), token)
			if err != nil {
				return auth.CheckResult{}, fmt.Errorf("refresh cookie: %w", err)
			}
			jar.Set("refresh_token", newToken)
		}
	}

	uid, uname, _, err := p.api.Nav(ctx, jar.String())
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeNotLoggedIn {
			return auth.CheckResult{
				Logged:      false,
				Credentials: jar.String(),
				Message:     "not logged in",
			}, nil
		}
		return auth.CheckResult{}, err
	}
	return auth.CheckResult{
		Logged:      true,
		UserID:      strconv.FormatInt(uid, 10),
		Credentials: jar.String(),
		Message:     uname,
	}, nil
}

// adapter implements room.Adapter for one bilibili room.
type adapter struct {
	api *APIClient
	id  string
}

func (a *adapter) Platform() string { return platformName }

func (a *adapter) roomID() int64 {
	id, _ := strconv.ParseInt(a.id, 10, 64)
	return id
}

func (a *adapter) FetchData(ctx context.Context) (*room.Data, error) {
	id := a.roomID()
	if info, err := a.api.GetInfoByRoom(ctx, id, ""); err == nil {
		return fullInfoToData(info), nil
	}
	base, err := a.api.GetRoomBaseInfo(ctx, id, "")
	if err != nil {
		return nil, fmt.Errorf("fetch room %s info: %w", a.id, err)
	}
	return baseInfoToData(base), nil
}

func fullInfoToData(info *roomInfo) *room.Data {
	ri := &info.RoomInfo
	status := message.LiveStatus(ri.LiveStatus)
	available := ri.LockStatus == 0
	if !available {
		status = message.StatusBanned
	}
	var ts int64
	if status == message.StatusLive {
		ts = ri.LiveStartTime * 1000
	}
	return &room.Data{
		Platform:  platformName,
		ID:        strconv.FormatInt(ri.RoomID, 10),
		LiveID:    ri.LiveIDStr,
		Available: available,
		Status:    status,
		Timestamp: ts,
		Detail: message.DetailInfo{
			Title: ri.Title,
			Area:  []string{ri.ParentAreaName, ri.AreaName},
			Cover: ri.Cover,
		},
		Stats: room.Stats{
			View: info.WatchedShow.Num,
			Like: info.LikeInfoV3.TotalLikes,
		},
		Anchor: message.UserInfo{
			ID:     strconv.FormatInt(ri.UID, 10),
			Name:   info.AnchorInfo.BaseInfo.Uname,
			Avatar: info.AnchorInfo.BaseInfo.Face,
		},
	}
}

func baseInfoToData(base *roomBaseInfo) *room.Data {
	status := message.LiveStatus(base.LiveStatus)
	available := base.LockStatus == 0
	if !available {
		status = message.StatusBanned
	}
	return &room.Data{
		Platform:  platformName,
		ID:        strconv.FormatInt(base.RoomID, 10),
		LiveID:    base.LiveIDStr,
		Available: available,
		Status:    status,
		Detail: message.DetailInfo{
			Title: base.Title,
			Area:  []string{base.ParentAreaName, base.AreaName},
			Cover: base.Cover,
		},
		Anchor: message.UserInfo{
			ID:   strconv.FormatInt(base.UID, 10),
			Name: base.Uname,
		},
	}
}

// FetchTokens derives the danmaku connection tokens: buvid from the
// cookie (synthesized for guests), uid from the session when logged in,
// token and host from the danmaku config endpoint.
func (a *adapter) FetchTokens(ctx context.Context, credentials string) (any, error) {
	jar := cookie.Parse(credentials)

	var uid int64
	if jar.Has("SESSDATA") {
		navUID, _, _, err := a.api.Nav(ctx, jar.String())
		if err != nil {
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Code != codeNotLoggedIn {
				return nil, fmt.Errorf("fetch login uid: %w", err)
			}
		} else {
			uid = navUID
		}
	}

	key, host, err := a.api.GetDanmuInfo(ctx, a.roomID(), jar.String())
	if err != nil {
		return nil, fmt.Errorf("fetch danmaku info: %w", err)
	}
	return ConnectTokens{
		UID:   uid,
		Buvid: jar.Get("buvid3"),
		Key:   key,
		Host:  host,
	}, nil
}

// NormalizeCredentials guarantees the cookie carries a buvid3, the one
// field the danmaku server requires even for guests.
func (a *adapter) NormalizeCredentials(ctx context.Context, credentials string) (string, error) {
	jar := cookie.Parse(credentials)
	ensureBuvid(jar)
	return jar.String(), nil
}

func (a *adapter) NewTransport(tokens any, data *room.Data, h transport.Handlers) (transport.Client, error) {
	ct, ok := tokens.(ConnectTokens)
	if !ok {
		return nil, fmt.Errorf("bilibili transport: tokens missing, call UpdateTokens first")
	}
	host := ct.Host
	if host == "" {
		host = "broadcastlv.chat.bilibili.com"
	}
	roomID, err := strconv.ParseInt(data.ID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bilibili transport: room id %q: %w", data.ID, err)
	}
	return transport.NewWSClient(transport.WSOptions{
		URL:   fmt.Sprintf("wss://%s/sub", host),
		Codec: &codec{roomID: roomID, tokens: ct},
	}, h), nil
}

func (a *adapter) HandleFrame(f transport.Frame, snap *room.Data) (*message.Message, bool) {
	return parseFrame(f, snap)
}
