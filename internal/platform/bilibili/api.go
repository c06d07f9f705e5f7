package bilibili

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/john/livefeed/internal/cookie"
)

const (
	infoByRoomURL    = "https://api.live.bilibili.com/xlive/web-room/v1/index/getInfoByRoom"
	roomBaseInfoURL  = "https://api.live.bilibili.com/xlive/web-room/v1/index/getRoomBaseInfo"
	danmuInfoURL     = "https://api.live.bilibili.com/xlive/web-room/v1/index/getDanmuInfo"
	navURL           = "https://api.bilibili.com/x/web-interface/nav"
	cookieInfoURL    = "https://passport.bilibili.com/x/passport-login/web/cookie/info"
	cookieRefreshURL = "https://passport.bilibili.com/x/passport-login/web/cookie/refresh"

	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36"

	// codeNotLoggedIn is the API code for requests with no valid session.
	codeNotLoggedIn = -101
)

// APIError is a non-zero business code from the bilibili API.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bilibili api code %d: %s", e.Code, e.Message)
}

// ConnectTokens is what the danmaku server requires to accept an enter
// packet.
type ConnectTokens struct {
	UID   int64  `json:"uid"`
	Buvid string `json:"buvid"`
	Key   string `json:"key"`
	Host  string `json:"host"`
}

// APIClient calls the bilibili web API with a cookie identity.
type APIClient struct {
	http      *http.Client
	userAgent string
}

// NewAPIClient creates a client. httpClient may be nil.
func NewAPIClient(httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &APIClient{http: httpClient, userAgent: defaultUserAgent}
}

// SetUserAgent overrides the user agent sent with every request.
func (c *APIClient) SetUserAgent(ua string) { c.userAgent = ua }

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *APIClient) get(ctx context.Context, url, cookies string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if cookies != "" {
		req.Header.Set("Cookie", cookies)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	if env.Code != 0 {
		return &APIError{Code: env.Code, Message: env.Message}
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data from %s: %w", url, err)
		}
	}
	return nil
}

// roomInfo is the subset of getInfoByRoom this adapter reads.
type roomInfo struct {
	RoomInfo struct {
		RoomID         int64  `json:"room_id"`
		ShortID        int64  `json:"short_id"`
		UID            int64  `json:"uid"`
		Title          string `json:"title"`
		Cover          string `json:"cover"`
		ParentAreaName string `json:"parent_area_name"`
		AreaName       string `json:"area_name"`
		LiveStatus     int    `json:"live_status"`
		LiveStartTime  int64  `json:"live_start_time"`
		LiveIDStr      string `json:"live_id_str"`
		LockStatus     int    `json:"lock_status"`
	} `json:"room_info"`
	AnchorInfo struct {
		BaseInfo struct {
			Uname string `json:"uname"`
			Face  string `json:"face"`
		} `json:"base_info"`
	} `json:"anchor_info"`
	WatchedShow struct {
		Num int64 `json:"num"`
	} `json:"watched_show"`
	LikeInfoV3 struct {
		TotalLikes int64 `json:"total_likes"`
	} `json:"like_info_v3"`
}

// GetInfoByRoom fetches full live-room info.
func (c *APIClient) GetInfoByRoom(ctx context.Context, roomID int64, cookies string) (*roomInfo, error) {
	var info roomInfo
	url := fmt.Sprintf("%s?room_id=%d", infoByRoomURL, roomID)
	if err := c.get(ctx, url, cookies, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// roomBaseInfo is the fallback endpoint's per-room record.
type roomBaseInfo struct {
	RoomID         int64  `json:"room_id"`
	ShortID        int64  `json:"short_id"`
	UID            int64  `json:"uid"`
	Uname          string `json:"uname"`
	Title          string `json:"title"`
	Cover          string `json:"cover"`
	ParentAreaName string `json:"parent_area_name"`
	AreaName       string `json:"area_name"`
	LiveStatus     int    `json:"live_status"`
	LiveTime       string `json:"live_time"`
	LiveIDStr      string `json:"live_id_str"`
	LockStatus     int    `json:"lock_status"`
}

// GetRoomBaseInfo fetches base room info, the fallback when
// GetInfoByRoom fails.
func (c *APIClient) GetRoomBaseInfo(ctx context.Context, roomID int64, cookies string) (*roomBaseInfo, error) {
	var data struct {
		ByRoomIDs map[string]roomBaseInfo `json:"by_room_ids"`
	}
	url := fmt.Sprintf("%s?req_biz=link-center&room_ids=%d", roomBaseInfoURL, roomID)
	if err := c.get(ctx, url, cookies, &data); err != nil {
		return nil, err
	}
	for _, info := range data.ByRoomIDs {
		info := info
		return &info, nil
	}
	return nil, fmt.Errorf("room %d not in base info response", roomID)
}

// Nav returns the logged-in user's id and name. Not being logged in is
// reported through the API code, which callers match with APIError.
func (c *APIClient) Nav(ctx context.Context, cookies string) (uid int64, uname, face string, err error) {
	var data struct {
		Mid   int64  `json:"mid"`
		Uname string `json:"uname"`
		Face  string `json:"face"`
	}
	if err := c.get(ctx, navURL, cookies, &data); err != nil {
		return 0, "", "", err
	}
	return data.Mid, data.Uname, data.Face, nil
}

// GetDanmuInfo returns the danmaku token and the first server host.
func (c *APIClient) GetDanmuInfo(ctx context.Context, roomID int64, cookies string) (key, host string, err error) {
	var data struct {
		Token    string `json:"token"`
		HostList []struct {
			Host string `json:"host"`
		} `json:"host_list"`
	}
	url := fmt.Sprintf("%s?id=%d", danmuInfoURL, roomID)
	if err := c.get(ctx, url, cookies, &data); err != nil {
		return "", "", err
	}
	if len(data.HostList) == 0 {
		return "", "", fmt.Errorf("danmaku info for room %d has no hosts", roomID)
	}
	return data.Token, data.HostList[0].Host, nil
}

// CookieInfo reports whether the session cookie needs a refresh.
func (c *APIClient) CookieInfo(ctx context.Context, cookies string) (refresh bool, timestamp int64, err error) {
	var data struct {
		Refresh   bool  `json:"refresh"`
		Timestamp int64 `json:"timestamp"`
	}
	if err := c.get(ctx, cookieInfoURL, cookies, &data); err != nil {
		return false, 0, err
	}
	return data.Refresh, data.Timestamp, nil
}

// RefreshCookie exchanges the refresh token for a new one.
func (c *APIClient) RefreshCookie(ctx context.Context, cookies, refreshToken string) (newToken string, err error) {
	var data struct {
		RefreshToken string `json:"refresh_token"`
	}
	url := fmt.Sprintf("%s?refresh_token=%s", cookieRefreshURL, refreshToken)
	if err := c.get(ctx, url, cookies, &data); err != nil {
		return "", err
	}
	return data.RefreshToken, nil
}

// generateBuvid synthesizes a guest buvid3 in the shape the web client
// generates locally.
func generateBuvid() string {
	return fmt.Sprintf("%s%05dinfoc",
		strings.ToUpper(uuid.NewString()),
		time.Now().UnixMilli()%100000)
}

// ensureBuvid appends a synthesized buvid3 when the jar lacks one.
func ensureBuvid(jar *cookie.Jar) {
	if !jar.Has("buvid3") {
		jar.Set("buvid3", generateBuvid())
	}
}
