package message

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// GenerateID synthesizes a message id for platforms that supply no natural
// one. The layout keeps ids sortable by platform, room and type; the
// timestamp plus random suffix makes collisions between distinct events
// practically impossible without being cryptographically unique.
func GenerateID(m *Message) string {
	return fmt.Sprintf("%s:%s-%s:%s@%d-%04x",
		m.Platform, m.RoomID, m.Type, m.UserID, m.Timestamp, rand.Intn(0x10000))
}

// FillID sets m.ID via GenerateID when the platform supplied none.
func FillID(m *Message) *Message {
	if m.ID == "" {
		m.ID = GenerateID(m)
	}
	return m
}

// DateTimestamp returns the current time in milliseconds truncated to whole
// seconds. Used when a raw event carries no usable timestamp; the one-second
// precision loss is intentional, so retransmissions of the same event keep
// stable timestamps.
func DateTimestamp() int64 {
	return time.Now().Unix() * 1000
}

// countUnits maps locale unit suffixes on platform counters to their
// multipliers.
var countUnits = map[string]float64{
	"万": 10000,
	"亿": 100000000,
	"k": 1000,
	"K": 1000,
	"w": 10000,
	"m": 1000000,
	"M": 1000000,
}

// ParseCount expands a counter that may carry a unit suffix ("1.5万") into
// an absolute integer, rounding the scaled value. Plain numerals pass
// through unchanged.
func ParseCount(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	for suffix, mult := range countUnits {
		if strings.HasSuffix(s, suffix) {
			n, err := strconv.ParseFloat(strings.TrimSuffix(s, suffix), 64)
			if err != nil {
				return 0
			}
			return int64(math.Round(n * mult))
		}
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(math.Round(n))
}

// ClassifyUser resolves a commenter's standing. A platform manager flag
// wins over an anchor-id match; without the flag, matching the room's
// anchor id makes the user the anchor.
func ClassifyUser(isManager bool, userID, anchorID string) UserType {
	switch {
	case isManager:
		return UserAdmin
	case userID != "" && userID == anchorID:
		return UserAnchor
	default:
		return UserViewer
	}
}
