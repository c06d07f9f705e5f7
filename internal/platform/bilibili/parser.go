package bilibili

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/john/livefeed/internal/message"
	"github.com/john/livefeed/internal/room"
	"github.com/john/livefeed/internal/transport"
)

// parseFrame normalizes one danmaku frame. Frames with no canonical
// meaning return nil; the enter ack reports entered.
func parseFrame(f transport.Frame, snap *room.Data) (*message.Message, bool) {
	if f.Name == frameConnectSuccess {
		return nil, true
	}
	if f.Name == frameHeartbeatAck {
		online, _ := f.Data.(int64)
		m := &message.Message{
			Platform:  platformName,
			RoomID:    snap.ID,
			Type:      message.TypeLiveStats,
			Timestamp: message.DateTimestamp(),
			Info:      &message.StatsInfo{Online: message.Int64(online)},
		}
		message.FillID(m)
		return m, false
	}

	raw, ok := f.Data.(json.RawMessage)
	if !ok {
		return nil, false
	}
	parse, ok := notificationParsers[f.Name]
	if !ok {
		return nil, false
	}
	m := parse(raw, snap)
	if m == nil {
		return nil, false
	}
	m.Platform = platformName
	m.RoomID = snap.ID
	message.FillID(m)
	return m, false
}

type notificationParser func(raw json.RawMessage, snap *room.Data) *message.Message

var notificationParsers = map[string]notificationParser{
	"DANMU_MSG":           parseDanmu,
	"INTERACT_WORD":       parseInteract,
	"SEND_GIFT":           parseGift,
	"GUARD_BUY":           parseGuardBuy,
	"SUPER_CHAT_MESSAGE":  parseSuperchat,
	"WATCHED_CHANGE":      parseWatchedChange,
	"LIKE_INFO_V3_UPDATE": parseLikeUpdate,
	"ONLINE_RANK_COUNT":   parseOnlineRank,
	"ROOM_BLOCK_MSG":      parseBlock,
	"LIVE":                parseLive,
	"CUT_OFF":             parseCutOff,
	"PREPARING":           parsePreparing,
	"ROOM_CHANGE":         parseRoomChange,
	"ANCHOR_LOT_START":    parseLotStart,
}

// positional accessors for DANMU_MSG's info array

func at(arr []any, i int) any {
	if i < 0 || i >= len(arr) {
		return nil
	}
	return arr[i]
}

func num(arr []any, i int) float64 {
	v, _ := at(arr, i).(float64)
	return v
}

func str(arr []any, i int) string {
	v, _ := at(arr, i).(string)
	return v
}

func sub(arr []any, i int) []any {
	v, _ := at(arr, i).([]any)
	return v
}

func obj(arr []any, i int) map[string]any {
	v, _ := at(arr, i).(map[string]any)
	return v
}

func formatUID(uid int64) string {
	if uid == 0 {
		return ""
	}
	return strconv.FormatInt(uid, 10)
}

func parseDanmu(raw json.RawMessage, snap *room.Data) *message.Message {
	var pkt struct {
		Info  []any  `json:"info"`
		MsgID string `json:"msg_id"`
	}
	if err := json.Unmarshal(raw, &pkt); err != nil || len(pkt.Info) < 8 {
		return nil
	}

	meta := sub(pkt.Info, 0)
	content := str(pkt.Info, 1)
	user := sub(pkt.Info, 2)
	medalArr := sub(pkt.Info, 3)

	uid := int64(num(user, 0))
	info := &message.CommentInfo{
		Content: content,
		Mode:    int(num(meta, 1)),
		User: message.UserInfo{
			ID:         formatUID(uid),
			Name:       str(user, 1),
			Membership: int(num(pkt.Info, 7)),
		},
	}
	if c := int(num(meta, 3)); c != 0 {
		info.Color = fmt.Sprintf("#%06X", c)
	}

	if len(medalArr) > 12 && at(medalArr, 0) != nil {
		info.User.Medal = &message.MedalInfo{
			Level:      int(num(medalArr, 0)),
			Name:       str(medalArr, 1),
			ID:         formatUID(int64(num(medalArr, 12))),
			Membership: int(num(medalArr, 10)),
		}
	}
	info.User.Type = message.ClassifyUser(num(user, 2) != 0, info.User.ID, snap.Anchor.ID)

	// Full-comment image (sticker style)
	if img := obj(meta, 13); at(meta, 12) != nil && img != nil {
		url, _ := img["url"].(string)
		id, _ := img["emoticon_unique"].(string)
		info.Image = &message.ImageInfo{ID: id, Name: content, URL: url}
	}
	// Inline emoticons
	if extra := obj(meta, 15); extra != nil {
		if extraStr, ok := extra["extra"].(string); ok {
			var ex struct {
				Emots map[string]struct {
					EmoticonUnique string `json:"emoticon_unique"`
					URL            string `json:"url"`
					Emoji          string `json:"emoji"`
				} `json:"emots"`
			}
			if json.Unmarshal([]byte(extraStr), &ex) == nil && len(ex.Emots) > 0 {
				info.Emoticon = make(map[string]message.ImageInfo, len(ex.Emots))
				for key, e := range ex.Emots {
					info.Emoticon[key] = message.ImageInfo{ID: e.EmoticonUnique, Name: e.Emoji, URL: e.URL}
				}
			}
		}
	}

	return &message.Message{
		UserID:    info.User.ID,
		ID:        pkt.MsgID,
		Type:      message.TypeComment,
		Timestamp: int64(num(meta, 4)),
		Info:      info,
	}
}

type fansMedal struct {
	MedalLevel int    `json:"medal_level"`
	MedalName  string `json:"medal_name"`
	TargetID   int64  `json:"target_id"`
	GuardLevel int    `json:"guard_level"`
}

func (m *fansMedal) toMedal() *message.MedalInfo {
	if m == nil || m.MedalLevel == 0 {
		return nil
	}
	return &message.MedalInfo{
		ID:         formatUID(m.TargetID),
		Name:       m.MedalName,
		Level:      m.MedalLevel,
		Membership: m.GuardLevel,
	}
}

func parseInteract(raw json.RawMessage, snap *room.Data) *message.Message {
	var pkt struct {
		MsgID    string `json:"msg_id"`
		SendTime int64  `json:"send_time"`
		Data     struct {
			UID         int64      `json:"uid"`
			Uname       string     `json:"uname"`
			MsgType     int        `json:"msg_type"`
			TriggerTime int64      `json:"trigger_time"` // nanoseconds
			FansMedal   *fansMedal `json:"fans_medal"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &pkt); err != nil {
		return nil
	}

	var typ message.Type
	switch pkt.Data.MsgType {
	case 1:
		typ = message.TypeEntry
	case 2:
		typ = message.TypeFollow
	case 3:
		typ = message.TypeShare
	default:
		return nil
	}

	ts := pkt.SendTime
	if ts == 0 {
		ts = pkt.Data.TriggerTime / 1000000
	}
	return &message.Message{
		UserID:    formatUID(pkt.Data.UID),
		ID:        pkt.MsgID,
		Type:      typ,
		Timestamp: ts,
		Info: &message.InteractInfo{
			User: message.UserInfo{
				ID:    formatUID(pkt.Data.UID),
				Name:  pkt.Data.Uname,
				Medal: pkt.Data.FansMedal.toMedal(),
			},
		},
	}
}

func parseGift(raw json.RawMessage, snap *room.Data) *message.Message {
	var pkt struct {
		MsgID    string `json:"msg_id"`
		SendTime int64  `json:"send_time"`
		Data     struct {
			UID          int64      `json:"uid"`
			Uname        string     `json:"uname"`
			Face         string     `json:"face"`
			GuardLevel   int        `json:"guard_level"`
			FansMedal    *fansMedal `json:"fans_medal"`
			GiftID       int64      `json:"giftId"`
			GiftName     string     `json:"giftName"`
			Num          int        `json:"num"`
			TotalCoin    int64      `json:"total_coin"`
			CoinType     string     `json:"coin_type"`
			Action       string     `json:"action"`
			ComboID      string     `json:"combo_id"`
			BatchComboID string     `json:"batch_combo_id"`
			Timestamp    int64      `json:"timestamp"` // seconds
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &pkt); err != nil {
		return nil
	}
	d := &pkt.Data

	ts := pkt.SendTime
	if ts == 0 {
		ts = d.Timestamp * 1000
	}
	id := pkt.MsgID
	if id == "" {
		id = d.ComboID
	}

	tier := currencyByCoinType(d.CoinType)
	return &message.Message{
		UserID:    formatUID(d.UID),
		ID:        id,
		Type:      message.TypeGift,
		Timestamp: ts,
		Info: &message.GiftMessageInfo{
			User: message.UserInfo{
				ID:         formatUID(d.UID),
				Name:       d.Uname,
				Avatar:     d.Face,
				Medal:      d.FansMedal.toMedal(),
				Membership: d.GuardLevel,
			},
			Gift: message.GiftInfo{
				ID:      strconv.FormatInt(d.GiftID, 10),
				Name:    d.GiftName,
				Num:     d.Num,
				Value:   tier.DisplayValue(d.TotalCoin),
				Tier:    d.CoinType,
				Price:   tier.Price(d.TotalCoin),
				Action:  d.Action,
				ComboID: d.BatchComboID,
			},
		},
	}
}

func parseGuardBuy(raw json.RawMessage, snap *room.Data) *message.Message {
	var pkt struct {
		MsgID    string `json:"msg_id"`
		SendTime int64  `json:"send_time"`
		Data     struct {
			UID        int64  `json:"uid"`
			Username   string `json:"username"`
			GuardLevel int    `json:"guard_level"`
			GiftID     int64  `json:"gift_id"`
			GiftName   string `json:"gift_name"`
			Num        int    `json:"num"`
			Price      int64  `json:"price"`
			StartTime  int64  `json:"start_time"` // seconds
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &pkt); err != nil {
		return nil
	}
	d := &pkt.Data

	ts := pkt.SendTime
	if ts == 0 {
		ts = d.StartTime * 1000
	}
	tier := goldTier
	return &message.Message{
		UserID:    formatUID(d.UID),
		ID:        pkt.MsgID,
		Type:      message.TypeMembership,
		Timestamp: ts,
		Info: &message.MembershipInfo{
			User: message.UserInfo{
				ID:         formatUID(d.UID),
				Name:       d.Username,
				Membership: d.GuardLevel,
			},
			Gift: message.GiftInfo{
				ID:    strconv.FormatInt(d.GiftID, 10),
				Name:  d.GiftName,
				Num:   d.Num,
				Value: tier.DisplayValue(d.Price),
				Tier:  "gold",
				Price: tier.Price(d.Price),
			},
			Name:     d.GiftName,
			Level:    d.GuardLevel,
			Duration: d.Num * 30,
		},
	}
}

func parseSuperchat(raw json.RawMessage, snap *room.Data) *message.Message {
	var pkt struct {
		MsgID    string `json:"msg_id"`
		SendTime int64  `json:"send_time"`
		Data     struct {
			ID       json.Number `json:"id"`
			UID      int64       `json:"uid"`
			Message  string      `json:"message"`
			Price    int64       `json:"price"` // CNY
			Time     int64       `json:"time"`  // pinned seconds
			TS       int64       `json:"ts"`    // seconds
			UserInfo struct {
				Uname      string `json:"uname"`
				Face       string `json:"face"`
				GuardLevel int    `json:"guard_level"`
			} `json:"user_info"`
			MedalInfo *fansMedal `json:"medal_info"`
			Gift      struct {
				GiftID   int64  `json:"gift_id"`
				GiftName string `json:"gift_name"`
				Num      int    `json:"num"`
			} `json:"gift"`
			BackgroundBottomColor string `json:"background_bottom_color"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &pkt); err != nil {
		return nil
	}
	d := &pkt.Data

	ts := pkt.SendTime
	if ts == 0 {
		ts = d.TS * 1000
	}
	// Superchat price is CNY; the gold tier counts in 1/1000 CNY units.
	rawValue := d.Price * 1000
	return &message.Message{
		UserID:    formatUID(d.UID),
		ID:        pkt.MsgID,
		Type:      message.TypeSuperchat,
		Timestamp: ts,
		Info: &message.SuperchatInfo{
			User: message.UserInfo{
				ID:         formatUID(d.UID),
				Name:       d.UserInfo.Uname,
				Avatar:     d.UserInfo.Face,
				Medal:      d.MedalInfo.toMedal(),
				Membership: d.UserInfo.GuardLevel,
			},
			Content:  d.Message,
			Color:    d.BackgroundBottomColor,
			Duration: d.Time * 1000,
			Gift: message.GiftInfo{
				ID:    strconv.FormatInt(d.Gift.GiftID, 10),
				Name:  d.Gift.GiftName,
				Num:   d.Gift.Num,
				Value: goldTier.DisplayValue(rawValue),
				Tier:  "gold",
				Price: goldTier.Price(rawValue),
			},
		},
	}
}

func statsMessage(msgID string, sendTime int64, info *message.StatsInfo) *message.Message {
	ts := sendTime
	if ts == 0 {
		ts = message.DateTimestamp()
	}
	return &message.Message{
		ID:        msgID,
		Type:      message.TypeLiveStats,
		Timestamp: ts,
		Info:      info,
	}
}

func parseWatchedChange(raw json.RawMessage, snap *room.Data) *message.Message {
	var pkt struct {
		MsgID    string `json:"msg_id"`
		SendTime int64  `json:"send_time"`
		Data     struct {
			Num int64 `json:"num"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &pkt); err != nil {
		return nil
	}
	return statsMessage(pkt.MsgID, pkt.SendTime, &message.StatsInfo{View: message.Int64(pkt.Data.Num)})
}

func parseLikeUpdate(raw json.RawMessage, snap *room.Data) *message.Message {
	var pkt struct {
		MsgID    string `json:"msg_id"`
		SendTime int64  `json:"send_time"`
		Data     struct {
			ClickCount int64 `json:"click_count"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &pkt); err != nil {
		return nil
	}
	return statsMessage(pkt.MsgID, pkt.SendTime, &message.StatsInfo{Like: message.Int64(pkt.Data.ClickCount)})
}

func parseOnlineRank(raw json.RawMessage, snap *room.Data) *message.Message {
	var pkt struct {
		MsgID    string `json:"msg_id"`
		SendTime int64  `json:"send_time"`
		Data     struct {
			OnlineCount *int64 `json:"online_count"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &pkt); err != nil || pkt.Data.OnlineCount == nil {
		return nil
	}
	return statsMessage(pkt.MsgID, pkt.SendTime, &message.StatsInfo{Online: pkt.Data.OnlineCount})
}

func parseBlock(raw json.RawMessage, snap *room.Data) *message.Message {
	var pkt struct {
		MsgID    string `json:"msg_id"`
		SendTime int64  `json:"send_time"`
		Data     struct {
			UID      int64  `json:"uid"`
			Uname    string `json:"uname"`
			Operator int    `json:"operator"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &pkt); err != nil {
		return nil
	}

	operator := message.UserAdmin
	if pkt.Data.Operator == 2 {
		operator = message.UserAnchor
	}
	ts := pkt.SendTime
	if ts == 0 {
		ts = message.DateTimestamp()
	}
	return &message.Message{
		UserID:    formatUID(pkt.Data.UID),
		ID:        pkt.MsgID,
		Type:      message.TypeBlock,
		Timestamp: ts,
		Info: &message.BlockInfo{
			User:     message.UserInfo{ID: formatUID(pkt.Data.UID), Name: pkt.Data.Uname},
			Operator: operator,
		},
	}
}

func parseLive(raw json.RawMessage, snap *room.Data) *message.Message {
	var pkt struct {
		MsgID    string      `json:"msg_id"`
		SendTime int64       `json:"send_time"`
		LiveTime int64       `json:"live_time"` // seconds
		LiveKey  json.Number `json:"live_key"`
	}
	if err := json.Unmarshal(raw, &pkt); err != nil {
		return nil
	}
	// The server sends LIVE twice per start; only the one with live_time
	// marks the actual session start.
	if pkt.LiveTime == 0 {
		return nil
	}
	ts := pkt.SendTime
	if ts == 0 {
		ts = pkt.LiveTime * 1000
	}
	return &message.Message{
		ID:        pkt.MsgID,
		Type:      message.TypeLiveStart,
		Timestamp: ts,
		Info:      &message.LiveStartInfo{ID: pkt.LiveKey.String()},
	}
}

func parseCutOff(raw json.RawMessage, snap *room.Data) *message.Message {
	var pkt struct {
		MsgID    string `json:"msg_id"`
		SendTime int64  `json:"send_time"`
		Msg      string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &pkt); err != nil {
		return nil
	}
	ts := pkt.SendTime
	if ts == 0 {
		ts = message.DateTimestamp()
	}
	return &message.Message{
		ID:        pkt.MsgID,
		Type:      message.TypeLiveCut,
		Timestamp: ts,
		Info:      &message.LiveCutInfo{Message: pkt.Msg},
	}
}

func parsePreparing(raw json.RawMessage, snap *room.Data) *message.Message {
	var pkt struct {
		MsgID    string `json:"msg_id"`
		SendTime int64  `json:"send_time"`
		Round    int    `json:"round"`
	}
	if err := json.Unmarshal(raw, &pkt); err != nil {
		return nil
	}
	status := message.StatusOff
	if pkt.Round == 1 {
		status = message.StatusRound
	}
	ts := pkt.SendTime
	if ts == 0 {
		ts = message.DateTimestamp()
	}
	return &message.Message{
		ID:        pkt.MsgID,
		Type:      message.TypeLiveEnd,
		Timestamp: ts,
		Info:      &message.LiveEndInfo{Status: status},
	}
}

func parseRoomChange(raw json.RawMessage, snap *room.Data) *message.Message {
	var pkt struct {
		MsgID    string `json:"msg_id"`
		SendTime int64  `json:"send_time"`
		Data     struct {
			Title          string `json:"title"`
			AreaName       string `json:"area_name"`
			ParentAreaName string `json:"parent_area_name"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &pkt); err != nil {
		return nil
	}
	ts := pkt.SendTime
	if ts == 0 {
		ts = message.DateTimestamp()
	}
	return &message.Message{
		ID:        pkt.MsgID,
		Type:      message.TypeLiveDetail,
		Timestamp: ts,
		Info: &message.DetailInfo{
			Title: pkt.Data.Title,
			Area:  []string{pkt.Data.ParentAreaName, pkt.Data.AreaName},
		},
	}
}

func parseLotStart(raw json.RawMessage, snap *room.Data) *message.Message {
	var pkt struct {
		MsgID    string `json:"msg_id"`
		SendTime int64  `json:"send_time"`
		Data     struct {
			ID          json.Number `json:"id"`
			AwardName   string      `json:"award_name"`
			AwardNum    int         `json:"award_num"`
			AwardImage  string      `json:"award_image"`
			CurrentTime int64       `json:"current_time"` // seconds
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &pkt); err != nil {
		return nil
	}
	ts := pkt.SendTime
	if ts == 0 {
		ts = pkt.Data.CurrentTime * 1000
	}
	return &message.Message{
		ID:        pkt.MsgID,
		Type:      message.TypeLottery,
		Timestamp: ts,
		Info: &message.LotteryInfo{
			ID: pkt.Data.ID.String(),
			Award: message.GiftInfo{
				Name:  pkt.Data.AwardName,
				Num:   pkt.Data.AwardNum,
				Image: pkt.Data.AwardImage,
			},
		},
	}
}
