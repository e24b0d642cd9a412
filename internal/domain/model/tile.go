package model

import "fmt"

// NameWidth is the maximum display width of a tile name, in runes.
// Applied both when tiles are computed from live data and when they are
// reconstructed from storage, so every render path agrees.
const NameWidth = 18

// BoardKey identifies one tradable board on the venue.
type BoardKey struct {
	Engine string
	Market string
	Board  string
}

func (k BoardKey) String() string {
	return fmt.Sprintf("board:%s:%s:%s", k.Engine, k.Market, k.Board)
}

// SecurityRow is one merged row from the ISS securities + marketdata tables.
// Market data fields are nil when the venue has no live values for the symbol.
type SecurityRow struct {
	SecID           string
	ShortName       string
	PrevPrice       *float64
	PrevSettlePrice *float64
	Last            *float64
	Open            *float64
	Low             *float64
	High            *float64
	ValToday        *float64
	VolToday        *float64
}

// Tile is the derived per-instrument unit served to callers.
// Nil pointer fields mean "value absent", never zero.
type Tile struct {
	SecID     string   `json:"secid"`
	Name      string   `json:"name"`
	Last      *float64 `json:"last"`
	BasePrice *float64 `json:"base_price"`
	ChangePct *float64 `json:"change"`
	ValToday  *float64 `json:"valtoday"`
}

// TruncateName applies the display-width cap to a tile name.
func TruncateName(s string) string {
	r := []rune(s)
	if len(r) <= NameWidth {
		return s
	}
	return string(r[:NameWidth])
}
