// Package message defines the canonical, platform-agnostic event schema.
// Every inbound platform frame that carries representable meaning is
// normalized into exactly one Message; frames without a canonical meaning
// are dropped by the adapters, never errored.
package message

// Type tags the variant of a canonical message.
type Type string

const (
	TypeComment    Type = "comment"
	TypeGift       Type = "gift"
	TypeEntry      Type = "entry"
	TypeFollow     Type = "follow"
	TypeShare      Type = "share"
	TypeJoin       Type = "join"
	TypeLike       Type = "like"
	TypeMembership Type = "membership"
	TypeSuperchat  Type = "superchat"
	TypeBlock      Type = "block"
	TypeLiveStats  Type = "live_stats"
	TypeLiveStart  Type = "live_start"
	TypeLiveCut    Type = "live_cut"
	TypeLiveEnd    Type = "live_end"
	TypeLiveDetail Type = "live_detail"
	TypeLottery    Type = "lottery"
)

// UserType classifies a user's standing within the room.
type UserType int

const (
	UserViewer UserType = 0
	UserAdmin  UserType = 1
	UserAnchor UserType = 2
)

// LiveStatus is a room's broadcast status.
type LiveStatus int

const (
	StatusOff    LiveStatus = 0
	StatusLive   LiveStatus = 1
	StatusRound  LiveStatus = 2 // replay carousel between live sessions
	StatusBanned LiveStatus = 3
)

// Message is the canonical envelope. Immutable once constructed; consumed
// by zero or more bus subscribers. Info holds the variant payload matching
// Type (CommentInfo, GiftMessageInfo, ...).
type Message struct {
	Platform  string `json:"platform"`
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	ID        string `json:"id"`
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp"` // milliseconds
	Info      any    `json:"info"`
}

// MedalInfo is a per-room loyalty badge.
type MedalInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Level      int    `json:"level"`
	Membership int    `json:"membership,omitempty"`
}

// UserInfo identifies the acting user of a message.
type UserInfo struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Avatar     string     `json:"avatar,omitempty"`
	Medal      *MedalInfo `json:"medal,omitempty"`
	Membership int        `json:"membership,omitempty"`
	Type       UserType   `json:"type,omitempty"`
}

// ImageInfo describes an inline image or emoticon.
type ImageInfo struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url"`
}

// GiftInfo carries the economics of one gift event in the gift's native
// currency tier.
type GiftInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Num  int    `json:"num"`
	// Value is the display value in the tier's major unit.
	Value float64 `json:"value"`
	// Tier identifies the platform currency tier Value is denominated in.
	Tier string `json:"tier,omitempty"`
	// Price is the real-money cost, when the tier maps to money at all.
	Price   float64 `json:"price,omitempty"`
	Action  string  `json:"action,omitempty"`
	Image   string  `json:"image,omitempty"`
	ComboID string  `json:"comboId,omitempty"`
}

// CommentInfo is the payload of a chat comment.
type CommentInfo struct {
	User     UserInfo             `json:"user"`
	Content  string               `json:"content"`
	Color    string               `json:"color,omitempty"`
	Mode     int                  `json:"mode,omitempty"`
	Image    *ImageInfo           `json:"image,omitempty"`
	Emoticon map[string]ImageInfo `json:"emoticon,omitempty"`
}

// InteractInfo is shared by entry, follow, share, like and join.
type InteractInfo struct {
	User UserInfo `json:"user"`
}

// GiftMessageInfo is the payload of a gift.
type GiftMessageInfo struct {
	User UserInfo `json:"user"`
	Gift GiftInfo `json:"gift"`
}

// MembershipInfo is the payload of a paid membership purchase.
type MembershipInfo struct {
	User UserInfo `json:"user"`
	Gift GiftInfo `json:"gift"`
	Name string   `json:"name"`
	// Level within the platform's membership ladder.
	Level int `json:"level"`
	// Duration of the purchased term in days.
	Duration int `json:"duration"`
}

// SuperchatInfo is the payload of a paid highlighted comment.
type SuperchatInfo struct {
	User    UserInfo `json:"user"`
	Content string   `json:"content"`
	Color   string   `json:"color,omitempty"`
	// Duration the message stays pinned, in milliseconds.
	Duration int64    `json:"duration"`
	Gift     GiftInfo `json:"gift"`
}

// BlockInfo is the payload of a user block/ban inside the room.
type BlockInfo struct {
	User     UserInfo `json:"user"`
	Operator UserType `json:"operator"`
}

// StatsInfo carries counter updates. Nil fields were not present in the
// source event and must not overwrite known values.
type StatsInfo struct {
	View   *int64 `json:"view,omitempty"`
	Like   *int64 `json:"like,omitempty"`
	Online *int64 `json:"online,omitempty"`
}

// LiveStartInfo is the payload of a live session start.
type LiveStartInfo struct {
	ID string `json:"id"` // platform live-session id
}

// LiveCutInfo is the payload of an administrative stream cut.
type LiveCutInfo struct {
	Message string `json:"message"`
}

// LiveEndInfo is the payload of a live session end.
type LiveEndInfo struct {
	Status LiveStatus `json:"status"`
}

// DetailInfo is the payload of a room detail change and the room's own
// detail snapshot.
type DetailInfo struct {
	Title string   `json:"title,omitempty"`
	Area  []string `json:"area,omitempty"`
	Cover string   `json:"cover,omitempty"`
}

// LotteryInfo is the payload of an anchor lottery start.
type LotteryInfo struct {
	ID    string   `json:"id"`
	Award GiftInfo `json:"award"`
}

// Int64 returns a pointer to v, for StatsInfo fields.
func Int64(v int64) *int64 { return &v }
