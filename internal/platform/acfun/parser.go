package acfun

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/john/livefeed/internal/message"
	"github.com/john/livefeed/internal/room"
	"github.com/john/livefeed/internal/transport"
)

// Signal types carried by action and state batches.
const (
	sigComment     = "CommonActionSignalComment"
	sigGift        = "CommonActionSignalGift"
	sigUserEnter   = "CommonActionSignalUserEnterRoom"
	sigUserFollow  = "CommonActionSignalUserFollowAuthor"
	sigLike        = "CommonActionSignalLike"
	sigJoinClub    = "AcfunActionSignalJoinClub"
	sigDisplayInfo = "CommonStateSignalDisplayInfo"

	statusClosed = "LIVE_CLOSED"
	statusBanned = "LIVE_BANNED"
)

// userInfo is the sender block shared by action signals.
type userInfo struct {
	UserID      int64  `json:"userId"`
	Nickname    string `json:"nickname"`
	ManagerType int    `json:"managerType"`
	Badge       string `json:"badge"`
	Avatar      []struct {
		URL string `json:"url"`
	} `json:"avatar"`
}

// badgeInfo is the fan-club medal embedded as a JSON string in the
// badge field.
type badgeInfo struct {
	MedalInfo struct {
		ClubName string `json:"clubName"`
		UperID   int64  `json:"uperId"`
		Level    int    `json:"level"`
	} `json:"medalInfo"`
}

func (u *userInfo) toUser(anchorID string) message.UserInfo {
	id := strconv.FormatInt(u.UserID, 10)
	out := message.UserInfo{
		ID:   id,
		Name: u.Nickname,
		Type: message.ClassifyUser(u.ManagerType == 1, id, anchorID),
	}
	if len(u.Avatar) > 0 {
		out.Avatar = u.Avatar[0].URL
	}
	if u.Badge != "" {
		var b badgeInfo
		if err := json.Unmarshal([]byte(u.Badge), &b); err == nil && b.MedalInfo.ClubName != "" {
			out.Medal = &message.MedalInfo{
				ID:    strconv.FormatInt(b.MedalInfo.UperID, 10),
				Name:  b.MedalInfo.ClubName,
				Level: b.MedalInfo.Level,
			}
		}
	}
	return out
}

// parser normalizes one room's signal stream. The gift table is the
// side table fetched when the session opened; lookups fall back to a
// numbered placeholder name for gifts the table does not carry.
type parser struct {
	gifts map[int64]GiftEntry
}

// parse maps one frame to at most one canonical message. Frames without
// a canonical meaning, and undecodable ones, yield (nil, false).
func (p *parser) parse(f transport.Frame, snap *room.Data) (*message.Message, bool) {
	if f.Name == msgEnterRoomAck {
		return nil, true
	}

	raw, ok := f.Data.(json.RawMessage)
	if !ok {
		return nil, false
	}

	var m *message.Message
	switch f.Name {
	case sigComment:
		m = p.parseComment(raw, snap)
	case sigGift:
		m = p.parseGift(raw, snap)
	case sigUserEnter:
		m = p.parseInteract(raw, snap, message.TypeEntry)
	case sigUserFollow:
		m = p.parseInteract(raw, snap, message.TypeFollow)
	case sigLike:
		m = p.parseInteract(raw, snap, message.TypeLike)
	case sigJoinClub:
		m = p.parseJoinClub(raw, snap)
	case sigDisplayInfo:
		m = p.parseDisplayInfo(raw)
	case msgStatusChanged:
		m = p.parseStatusChanged(raw)
	}
	if m == nil {
		return nil, false
	}
	m.Platform = platformName
	m.RoomID = snap.ID
	message.FillID(m)
	return m, false
}

func (p *parser) parseComment(raw json.RawMessage, snap *room.Data) *message.Message {
	var d struct {
		Content    string   `json:"content"`
		SendTimeMs int64    `json:"sendTimeMs"`
		UserInfo   userInfo `json:"userInfo"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil
	}
	return &message.Message{
		Type:      message.TypeComment,
		Timestamp: d.SendTimeMs,
		UserID:    strconv.FormatInt(d.UserInfo.UserID, 10),
		Info: &message.CommentInfo{
			User:    d.UserInfo.toUser(snap.Anchor.ID),
			Content: d.Content,
		},
	}
}

func (p *parser) parseInteract(raw json.RawMessage, snap *room.Data, typ message.Type) *message.Message {
	var d struct {
		SendTimeMs int64    `json:"sendTimeMs"`
		UserInfo   userInfo `json:"userInfo"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil
	}
	return &message.Message{
		Type:      typ,
		Timestamp: d.SendTimeMs,
		UserID:    strconv.FormatInt(d.UserInfo.UserID, 10),
		Info:      &message.InteractInfo{User: d.UserInfo.toUser(snap.Anchor.ID)},
	}
}

func (p *parser) parseJoinClub(raw json.RawMessage, snap *room.Data) *message.Message {
	var d struct {
		JoinTimeMs int64 `json:"joinTimeMs"`
		FansInfo   struct {
			UserID   int64  `json:"userId"`
			Nickname string `json:"name"`
		} `json:"fansInfo"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil
	}
	id := strconv.FormatInt(d.FansInfo.UserID, 10)
	return &message.Message{
		Type:      message.TypeJoin,
		Timestamp: d.JoinTimeMs,
		UserID:    id,
		Info: &message.InteractInfo{
			User: message.UserInfo{
				ID:   id,
				Name: d.FansInfo.Nickname,
				Type: message.ClassifyUser(false, id, snap.Anchor.ID),
			},
		},
	}
}

// giftTier decides the currency of one gift event. The side table's
// wallet type wins; without it a raw value under 1000 marks the free
// banana tier.
func giftTier(entry GiftEntry, haveEntry bool, rawValue int64) (string, message.CurrencyTier) {
	if haveEntry && entry.PayWalletType != 0 {
		if entry.PayWalletType == walletBanana {
			return tierBanana, bananaTier
		}
		return tierACCoin, acCoinTier
	}
	if rawValue < 1000 {
		return tierBanana, bananaTier
	}
	return tierACCoin, acCoinTier
}

func (p *parser) parseGift(raw json.RawMessage, snap *room.Data) *message.Message {
	var d struct {
		GiftID     int64    `json:"giftId"`
		Count      int      `json:"count"`
		Value      int64    `json:"value"`
		ComboKey   string   `json:"comboKey"`
		SendTimeMs int64    `json:"sendTimeMs"`
		UserInfo   userInfo `json:"userInfo"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil
	}
	if d.Count <= 0 {
		d.Count = 1
	}

	entry, haveEntry := p.gifts[d.GiftID]
	name := entry.GiftName
	if name == "" {
		name = fmt.Sprintf("%d号礼物", d.GiftID)
	}
	rawTotal := d.Value * int64(d.Count)
	tierName, tier := giftTier(entry, haveEntry, d.Value)

	return &message.Message{
		Type:      message.TypeGift,
		Timestamp: d.SendTimeMs,
		UserID:    strconv.FormatInt(d.UserInfo.UserID, 10),
		Info: &message.GiftMessageInfo{
			User: d.UserInfo.toUser(snap.Anchor.ID),
			Gift: message.GiftInfo{
				ID:      strconv.FormatInt(d.GiftID, 10),
				Name:    name,
				Num:     d.Count,
				Value:   tier.DisplayValue(rawTotal),
				Tier:    tierName,
				Price:   tier.Price(rawTotal),
				Image:   entry.ImageURL,
				ComboID: d.ComboKey,
			},
		},
	}
}

func (p *parser) parseDisplayInfo(raw json.RawMessage) *message.Message {
	var d struct {
		WatchingCount string `json:"watchingCount"`
		LikeCount     string `json:"likeCount"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil
	}
	info := message.StatsInfo{}
	if d.WatchingCount != "" {
		info.Online = message.Int64(message.ParseCount(d.WatchingCount))
	}
	if d.LikeCount != "" {
		info.Like = message.Int64(message.ParseCount(d.LikeCount))
	}
	if info.Online == nil && info.Like == nil {
		return nil
	}
	return &message.Message{
		Type:      message.TypeLiveStats,
		Timestamp: message.DateTimestamp(),
		Info:      &info,
	}
}

func (p *parser) parseStatusChanged(raw json.RawMessage) *message.Message {
	var d struct {
		Type    string `json:"type"`
		BanInfo struct {
			BanReason string `json:"banReason"`
		} `json:"banInfo"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil
	}
	switch d.Type {
	case statusClosed:
		return &message.Message{
			Type:      message.TypeLiveEnd,
			Timestamp: message.DateTimestamp(),
			Info:      &message.LiveEndInfo{Status: message.StatusOff},
		}
	case statusBanned:
		return &message.Message{
			Type:      message.TypeLiveCut,
			Timestamp: message.DateTimestamp(),
			Info:      &message.LiveCutInfo{Message: d.BanInfo.BanReason},
		}
	default:
		return nil
	}
}
