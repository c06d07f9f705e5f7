package message

// CurrencyTier describes one platform currency. Ratio is the number of
// minor units per displayed major unit; Money is the number of major units
// one unit of real money buys, zero for free currencies.
type CurrencyTier struct {
	Name  string `json:"name"`
	Ratio int    `json:"ratio"`
	Money int    `json:"money,omitempty"`
}

// DisplayValue converts a raw value in the tier's minor unit into the
// displayed major unit. Pure and table-driven: adapters must not inline
// per-tier arithmetic at call sites.
func (t CurrencyTier) DisplayValue(raw int64) float64 {
	if t.Ratio <= 1 {
		return float64(raw)
	}
	return float64(raw) / float64(t.Ratio)
}

// Price converts a raw value in the tier's minor unit into real money.
// Returns 0 for tiers with no money mapping.
func (t CurrencyTier) Price(raw int64) float64 {
	if t.Money == 0 || t.Ratio == 0 {
		return 0
	}
	return float64(raw) / float64(t.Ratio) / float64(t.Money)
}
