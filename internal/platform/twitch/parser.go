package twitch

import (
	"strconv"

	irc "github.com/gempir/go-twitch-irc/v4"

	"github.com/john/livefeed/internal/message"
	"github.com/john/livefeed/internal/room"
	"github.com/john/livefeed/internal/transport"
)

// subPlanLevel maps the msg-param-sub-plan tag onto the membership
// ladder. Prime counts as tier one.
func subPlanLevel(plan string) int {
	switch plan {
	case "2000":
		return 2
	case "3000":
		return 3
	default:
		return 1
	}
}

func userType(badges map[string]int) message.UserType {
	if badges["broadcaster"] > 0 {
		return message.UserAnchor
	}
	if badges["moderator"] > 0 {
		return message.UserAdmin
	}
	return message.UserViewer
}

func toUser(u irc.User) message.UserInfo {
	name := u.DisplayName
	if name == "" {
		name = u.Name
	}
	return message.UserInfo{
		ID:   u.ID,
		Name: name,
		Type: userType(u.Badges),
	}
}

// parseFrame maps one IRC frame to at most one canonical message. The
// ROOMSTATE reply to the channel join is the entered ack.
func parseFrame(f transport.Frame, snap *room.Data) (*message.Message, bool) {
	switch f.Name {
	case frameRoomState:
		return nil, true
	case framePrivMsg:
		msg, ok := f.Data.(irc.PrivateMessage)
		if !ok {
			return nil, false
		}
		return finish(parsePrivate(msg), snap), false
	case frameUserNotice:
		msg, ok := f.Data.(irc.UserNoticeMessage)
		if !ok {
			return nil, false
		}
		return finish(parseUserNotice(msg), snap), false
	case frameClearChat:
		msg, ok := f.Data.(irc.ClearChatMessage)
		if !ok {
			return nil, false
		}
		return finish(parseClearChat(msg), snap), false
	default:
		return nil, false
	}
}

func finish(m *message.Message, snap *room.Data) *message.Message {
	if m == nil {
		return nil
	}
	m.Platform = platformName
	m.RoomID = snap.ID
	message.FillID(m)
	return m
}

func parsePrivate(msg irc.PrivateMessage) *message.Message {
	user := toUser(msg.User)
	if msg.Bits > 0 {
		raw := int64(msg.Bits)
		return &message.Message{
			ID:        msg.ID,
			UserID:    msg.User.ID,
			Type:      message.TypeGift,
			Timestamp: msg.Time.UnixMilli(),
			Info: &message.GiftMessageInfo{
				User: user,
				Gift: message.GiftInfo{
					ID:     "bits",
					Name:   "Bits",
					Num:    msg.Bits,
					Value:  bitsTier.DisplayValue(raw),
					Tier:   tierBits,
					Price:  bitsTier.Price(raw),
					Action: "cheered",
				},
			},
		}
	}
	return &message.Message{
		ID:        msg.ID,
		UserID:    msg.User.ID,
		Type:      message.TypeComment,
		Timestamp: msg.Time.UnixMilli(),
		Info: &message.CommentInfo{
			User:    user,
			Content: msg.Message,
			Color:   msg.User.Color,
		},
	}
}

func parseUserNotice(msg irc.UserNoticeMessage) *message.Message {
	user := toUser(msg.User)
	plan := msg.MsgParams["msg-param-sub-plan"]
	planName := msg.MsgParams["msg-param-sub-plan-name"]

	switch msg.MsgID {
	case "sub", "resub":
		return &message.Message{
			ID:        msg.ID,
			UserID:    msg.User.ID,
			Type:      message.TypeMembership,
			Timestamp: msg.Time.UnixMilli(),
			Info: &message.MembershipInfo{
				User:  user,
				Gift:  message.GiftInfo{ID: "sub", Name: planName, Num: 1},
				Name:  planName,
				Level: subPlanLevel(plan),
				// One sub term is a month.
				Duration: 30,
			},
		}
	case "subgift", "anonsubgift":
		num := 1
		if n, err := strconv.Atoi(msg.MsgParams["msg-param-gift-months"]); err == nil && n > 0 {
			num = n
		}
		return &message.Message{
			ID:        msg.ID,
			UserID:    msg.User.ID,
			Type:      message.TypeGift,
			Timestamp: msg.Time.UnixMilli(),
			Info: &message.GiftMessageInfo{
				User: user,
				Gift: message.GiftInfo{
					ID:     "subgift",
					Name:   planName,
					Num:    num,
					Action: "gifted",
				},
			},
		}
	case "raid":
		return &message.Message{
			ID:        msg.ID,
			UserID:    msg.User.ID,
			Type:      message.TypeEntry,
			Timestamp: msg.Time.UnixMilli(),
			Info:      &message.InteractInfo{User: user},
		}
	default:
		return nil
	}
}

func parseClearChat(msg irc.ClearChatMessage) *message.Message {
	// A CLEARCHAT without a target wipes the whole chat; there is no
	// canonical meaning for that.
	if msg.TargetUserID == "" {
		return nil
	}
	return &message.Message{
		UserID:    msg.TargetUserID,
		Type:      message.TypeBlock,
		Timestamp: msg.Time.UnixMilli(),
		Info: &message.BlockInfo{
			User:     message.UserInfo{ID: msg.TargetUserID, Name: msg.TargetUsername},
			Operator: message.UserAdmin,
		},
	}
}
