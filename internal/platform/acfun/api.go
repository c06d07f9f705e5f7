package acfun

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/john/livefeed/internal/cookie"
)

const (
	visitorLoginURL = "https://id.app.acfun.cn/rest/app/visitor/login"
	tokenGetURL     = "https://id.app.acfun.cn/rest/web/token/get"
	startPlayURL    = "https://api.kuaishouzt.com/rest/zt/live/web/startPlay"
	giftListURL     = "https://api.kuaishouzt.com/rest/zt/live/web/gift/list"
	userInfoURL     = "https://live.acfun.cn/rest/pc-direct/user/userInfo"

	appName = "acfun.api.visitor"

	// visitorUIDFloor separates visitor ids from real account ids.
	visitorUIDFloor = 1000000000000000
)

// LoginTokens identify a user (or visitor) session with the midground API.
type LoginTokens struct {
	DID      string `json:"did"`
	UserID   int64  `json:"userId"`
	ST       string `json:"st"`
	Security string `json:"security"`
}

// Visitor reports whether the tokens belong to a synthesized guest.
func (t LoginTokens) Visitor() bool { return t.UserID >= visitorUIDFloor }

// ConnectTokens extend login tokens with the per-live-session fields the
// danmaku server requires.
type ConnectTokens struct {
	LoginTokens
	LiveID           string   `json:"liveId"`
	EnterRoomAttach  string   `json:"enterRoomAttach"`
	AvailableTickets []string `json:"availableTickets"`
}

// StartPlayInfo is the live-session half of the start-play response. A
// room that is not broadcasting has an empty LiveID.
type StartPlayInfo struct {
	LiveID           string
	Caption          string
	LiveStartTime    int64
	EnterRoomAttach  string
	AvailableTickets []string
}

// GiftEntry is one row of the per-room gift side table.
type GiftEntry struct {
	GiftID        int64
	GiftName      string
	PayWalletType int
	ImageURL      string
}

// APIClient calls the acfun live API.
type APIClient struct {
	http      *http.Client
	userAgent string
}

// NewAPIClient creates a client. httpClient may be nil.
func NewAPIClient(httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &APIClient{
		http:      httpClient,
		userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
	}
}

func (c *APIClient) postForm(ctx context.Context, rawurl, cookies string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawurl, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Referer", "https://live.acfun.cn/")
	if cookies != "" {
		req.Header.Set("Cookie", cookies)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", rawurl, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", rawurl, err)
	}
	return nil
}

// VisitorLogin obtains guest tokens for the _did in the cookie string.
func (c *APIClient) VisitorLogin(ctx context.Context, cookies string) (LoginTokens, error) {
	var res struct {
		Result    int    `json:"result"`
		UserID    int64  `json:"userId"`
		VisitorST string `json:"acfun.api.visitor_st"`
		Security  string `json:"acSecurity"`
	}
	form := url.Values{"sid": {appName}}
	if err := c.postForm(ctx, visitorLoginURL, cookies, form, &res); err != nil {
		return LoginTokens{}, err
	}
	if res.Result != 0 {
		return LoginTokens{}, fmt.Errorf("visitor login result %d", res.Result)
	}
	return LoginTokens{
		DID:      cookie.Parse(cookies).Get("_did"),
		UserID:   res.UserID,
		ST:       res.VisitorST,
		Security: res.Security,
	}, nil
}

// UserLogin obtains logged-in tokens for a cookie carrying acPasstoken
// and auth_key.
func (c *APIClient) UserLogin(ctx context.Context, cookies string) (LoginTokens, error) {
	var res struct {
		Result      int    `json:"result"`
		UserID      int64  `json:"userId"`
		MidgroundST string `json:"acfun.midground.api_st"`
		Ssecurity   string `json:"ssecurity"`
	}
	form := url.Values{"sid": {"acfun.midground.api"}}
	if err := c.postForm(ctx, tokenGetURL, cookies, form, &res); err != nil {
		return LoginTokens{}, err
	}
	if res.Result != 0 {
		return LoginTokens{}, fmt.Errorf("token get result %d", res.Result)
	}
	return LoginTokens{
		DID:      cookie.Parse(cookies).Get("_did"),
		UserID:   res.UserID,
		ST:       res.MidgroundST,
		Security: res.Ssecurity,
	}, nil
}

// Login picks user or visitor login by what the cookie carries.
func (c *APIClient) Login(ctx context.Context, cookies string) (LoginTokens, error) {
	jar := cookie.Parse(cookies)
	if jar.Has("acPasstoken") && jar.Has("auth_key") {
		return c.UserLogin(ctx, cookies)
	}
	return c.VisitorLogin(ctx, cookies)
}

func (c *APIClient) ztQuery(tokens LoginTokens, authorID int64) url.Values {
	q := url.Values{
		"subBiz":   {"mainApp"},
		"kpn":      {"ACFUN_APP"},
		"kpf":      {"PC_WEB"},
		"userId":   {strconv.FormatInt(tokens.UserID, 10)},
		"did":      {tokens.DID},
		"authorId": {strconv.FormatInt(authorID, 10)},
	}
	if tokens.Visitor() {
		q.Set("acfun.api.visitor_st", tokens.ST)
	} else {
		q.Set("acfun.midground.api_st", tokens.ST)
	}
	return q
}

// StartPlay fetches the live-session info for an author. A failure or a
// room that is not broadcasting yields a zero StartPlayInfo, not an
// error: an unreachable live session means the room is unavailable.
func (c *APIClient) StartPlay(ctx context.Context, tokens LoginTokens, authorID int64) (StartPlayInfo, error) {
	var res struct {
		Result int `json:"result"`
		Data   struct {
			LiveID           string   `json:"liveId"`
			Caption          string   `json:"caption"`
			LiveStartTime    int64    `json:"liveStartTime"`
			EnterRoomAttach  string   `json:"enterRoomAttach"`
			AvailableTickets []string `json:"availableTickets"`
		} `json:"data"`
	}
	rawurl := startPlayURL + "?" + c.ztQuery(tokens, authorID).Encode()
	form := url.Values{"authorId": {strconv.FormatInt(authorID, 10)}, "pullStreamType": {"FLV"}}
	if err := c.postForm(ctx, rawurl, "", form, &res); err != nil {
		return StartPlayInfo{}, err
	}
	if res.Result != 1 {
		return StartPlayInfo{}, nil
	}
	return StartPlayInfo{
		LiveID:           res.Data.LiveID,
		Caption:          res.Data.Caption,
		LiveStartTime:    res.Data.LiveStartTime,
		EnterRoomAttach:  res.Data.EnterRoomAttach,
		AvailableTickets: res.Data.AvailableTickets,
	}, nil
}

// GiftList fetches the per-room gift side table.
func (c *APIClient) GiftList(ctx context.Context, tokens ConnectTokens, authorID int64) ([]GiftEntry, error) {
	var res struct {
		Result int `json:"result"`
		Data   struct {
			GiftList []struct {
				GiftID        int64  `json:"giftId"`
				GiftName      string `json:"giftName"`
				PayWalletType int    `json:"payWalletType"`
				WebpPicList   []struct {
					URL string `json:"url"`
				} `json:"webpPicList"`
			} `json:"giftList"`
		} `json:"data"`
	}
	q := c.ztQuery(tokens.LoginTokens, authorID)
	form := url.Values{"visitorId": {strconv.FormatInt(tokens.UserID, 10)}, "liveId": {tokens.LiveID}}
	if err := c.postForm(ctx, giftListURL+"?"+q.Encode(), "", form, &res); err != nil {
		return nil, err
	}
	if res.Result != 1 {
		return nil, fmt.Errorf("gift list result %d", res.Result)
	}
	out := make([]GiftEntry, 0, len(res.Data.GiftList))
	for _, g := range res.Data.GiftList {
		entry := GiftEntry{GiftID: g.GiftID, GiftName: g.GiftName, PayWalletType: g.PayWalletType}
		if len(g.WebpPicList) > 0 {
			entry.ImageURL = g.WebpPicList[0].URL
		}
		out = append(out, entry)
	}
	return out, nil
}

// UserInfo fetches an author's profile.
func (c *APIClient) UserInfo(ctx context.Context, authorID int64) (name, avatar string, err error) {
	var res struct {
		Result  int `json:"result"`
		Profile struct {
			Name    string `json:"name"`
			HeadURL string `json:"headUrl"`
		} `json:"profile"`
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s?userId=%d", userInfoURL, authorID), nil)
	if err != nil {
		return "", "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("request user info: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", fmt.Errorf("read user info: %w", err)
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", "", fmt.Errorf("decode user info: %w", err)
	}
	return res.Profile.Name, res.Profile.HeadURL, nil
}

// generateDID synthesizes a web device id for guest sessions.
func generateDID() string {
	return "web_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// ensureDID appends a synthesized _did when the jar lacks one.
func ensureDID(jar *cookie.Jar) {
	if !jar.Has("_did") {
		jar.Set("_did", generateDID())
	}
}
