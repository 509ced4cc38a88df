package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market is one tradeable instrument as reported by the exchange, e.g.
// "KRW-BTC".
type Market struct {
	Code        string
	KoreanName  string
	EnglishName string
}

// Ticker is the latest trade snapshot for a market.
type Ticker struct {
	Market           string
	TradePrice       decimal.Decimal
	SignedChangeRate float64
	AccTradePrice24h decimal.Decimal
	Timestamp        time.Time
}

// Candle is one fixed-duration OHLCV interval. The exchange returns candles
// newest-first; consumers rely on that ordering.
type Candle struct {
	Market      string
	OpenPrice   decimal.Decimal
	HighPrice   decimal.Decimal
	LowPrice    decimal.Decimal
	TradePrice  decimal.Decimal
	AccVolume   float64
	CandleTime  time.Time
	UnitMinutes int
}

// Account is one currency balance on the exchange account.
type Account struct {
	Currency     string
	Balance      decimal.Decimal
	Locked       decimal.Decimal
	AvgBuyPrice  decimal.Decimal
	UnitCurrency string
}

// Candidate is a market flagged by the scanner as showing a volume anomaly,
// pending a buy decision. Candidates live for a single scan cycle.
type Candidate struct {
	Market         string
	CurrentPrice   decimal.Decimal
	VolumeRatio    float64
	PriceChangePct float64
}
