package message

import (
	"regexp"
	"testing"
)

func TestParseCount(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1.5万", 15000},
		{"23", 23},
		{"2万", 20000},
		{"1.23万", 12300},
		{"3.2k", 3200},
		{"0", 0},
		{"", 0},
		{"junk", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseCount(tt.in); got != tt.want {
				t.Errorf("ParseCount(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestGenerateIDStructure(t *testing.T) {
	m := &Message{
		Platform:  "acfun",
		RoomID:    "123",
		UserID:    "77",
		Type:      TypeComment,
		Timestamp: 1700000000000,
	}
	pattern := regexp.MustCompile(`^acfun:123-comment:77@1700000000000-[0-9a-f]{4}$`)

	a, b := GenerateID(m), GenerateID(m)
	for _, id := range []string{a, b} {
		if !pattern.MatchString(id) {
			t.Errorf("id %q does not match expected structure", id)
		}
	}
}

func TestFillIDKeepsNaturalID(t *testing.T) {
	m := &Message{ID: "natural", Platform: "bilibili", Type: TypeGift}
	if FillID(m).ID != "natural" {
		t.Error("FillID overwrote a natural id")
	}
	m2 := &Message{Platform: "bilibili", Type: TypeGift}
	if FillID(m2).ID == "" {
		t.Error("FillID left the id empty")
	}
}

func TestDateTimestampWholeSeconds(t *testing.T) {
	ts := DateTimestamp()
	if ts%1000 != 0 {
		t.Errorf("timestamp %d not truncated to whole seconds", ts)
	}
}

func TestClassifyUser(t *testing.T) {
	tests := []struct {
		name      string
		isManager bool
		userID    string
		anchorID  string
		want      UserType
	}{
		{"viewer", false, "10", "20", UserViewer},
		{"anchor by id", false, "20", "20", UserAnchor},
		{"manager flag wins", true, "20", "20", UserAdmin},
		{"empty ids never match", false, "", "", UserViewer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyUser(tt.isManager, tt.userID, tt.anchorID); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCurrencyTier(t *testing.T) {
	gold := CurrencyTier{Name: "coin", Ratio: 1000, Money: 10}

	if got := gold.DisplayValue(1000); got != 1 {
		t.Errorf("DisplayValue(1000) = %v, want 1", got)
	}
	if got := gold.DisplayValue(1500); got != 1.5 {
		t.Errorf("DisplayValue(1500) = %v, want 1.5", got)
	}

	free := CurrencyTier{Name: "banana", Ratio: 1}
	if got := free.DisplayValue(42); got != 42 {
		t.Errorf("free DisplayValue(42) = %v, want 42", got)
	}
	if got := free.Price(42); got != 0 {
		t.Errorf("free Price(42) = %v, want 0", got)
	}

	if got := gold.Price(10000); got != 1 {
		t.Errorf("Price(10000) = %v, want 1", got)
	}
}
