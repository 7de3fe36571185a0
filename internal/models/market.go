package models

import (
	"time"
)

// MarketType selects the trading-rule regime applied by downstream
// consumers (lot sizes, daily change bands).
type MarketType string

const (
	// MarketAShare trades in 100-share lots with a ±10% daily band.
	MarketAShare MarketType = "a_share"
	// MarketOther trades in single-share lots with no band.
	MarketOther MarketType = "other"
)

// LotSize returns the minimum tradable share multiple for the market.
func (m MarketType) LotSize() int64 {
	if m == MarketAShare {
		return 100
	}
	return 1
}

// Valid reports whether m is a known market type.
func (m MarketType) Valid() bool {
	return m == MarketAShare || m == MarketOther
}

// Bar is one daily OHLCV record for a listed security.
type Bar struct {
	Code        string    `json:"code" db:"code"`
	Date        time.Time `json:"date" db:"trade_date"`
	Open        float64   `json:"open" db:"open"`
	High        float64   `json:"high" db:"high"`
	Low         float64   `json:"low" db:"low"`
	Close       float64   `json:"close" db:"close"`
	Volume      int64     `json:"volume" db:"volume"`
	Amount      float64   `json:"amount,omitempty" db:"amount"`
	ChangePct   float64   `json:"change_pct,omitempty" db:"change_pct"`
	Source      string    `json:"source,omitempty" db:"source"`
	RetrievedAt time.Time `json:"retrieved_at,omitempty" db:"retrieved_at"`
}

// Quote is a point-in-time price snapshot pushed over the stream and
// cached under the quote namespace.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Change    float64   `json:"change"`
	ChangePct float64   `json:"change_pct"`
	Volume    float64   `json:"volume"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Open      float64   `json:"open"`
	PrevClose float64   `json:"prev_close"`
	Timestamp time.Time `json:"timestamp"`
}

// SecurityInfo is the slow-moving reference record for a symbol.
type SecurityInfo struct {
	Symbol   string     `json:"symbol"`
	Name     string     `json:"name"`
	Exchange string     `json:"exchange"`
	Market   MarketType `json:"market"`
	Industry string     `json:"industry,omitempty"`
	ListedAt time.Time  `json:"listed_at,omitempty"`
}

// TradeDateLayout is the canonical wire format for bar dates.
const TradeDateLayout = "2006-01-02"
