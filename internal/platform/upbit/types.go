package upbit

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinbutler/coinbutler/internal/domain"
)

// candleTimeLayout is the KST wall-clock format used by the candle endpoints.
const candleTimeLayout = "2006-01-02T15:04:05"

type marketDTO struct {
	Market      string `json:"market"`
	KoreanName  string `json:"korean_name"`
	EnglishName string `json:"english_name"`
}

func (d marketDTO) toDomain() domain.Market {
	return domain.Market{
		Code:        d.Market,
		KoreanName:  d.KoreanName,
		EnglishName: d.EnglishName,
	}
}

type tickerDTO struct {
	Market           string          `json:"market"`
	TradePrice       decimal.Decimal `json:"trade_price"`
	SignedChangeRate float64         `json:"signed_change_rate"`
	AccTradePrice24h decimal.Decimal `json:"acc_trade_price_24h"`
	TimestampMs      int64           `json:"timestamp"`
}

func (d tickerDTO) toDomain() domain.Ticker {
	return domain.Ticker{
		Market:           d.Market,
		TradePrice:       d.TradePrice,
		SignedChangeRate: d.SignedChangeRate,
		AccTradePrice24h: d.AccTradePrice24h,
		Timestamp:        time.UnixMilli(d.TimestampMs),
	}
}

type candleDTO struct {
	Market            string          `json:"market"`
	CandleDateTimeKST string          `json:"candle_date_time_kst"`
	OpeningPrice      decimal.Decimal `json:"opening_price"`
	HighPrice         decimal.Decimal `json:"high_price"`
	LowPrice          decimal.Decimal `json:"low_price"`
	TradePrice        decimal.Decimal `json:"trade_price"`
	AccTradeVolume    float64         `json:"candle_acc_trade_volume"`
	UnitMinutes       int             `json:"unit"`
}

func (d candleDTO) toDomain() domain.Candle {
	ts, _ := time.Parse(candleTimeLayout, d.CandleDateTimeKST)
	return domain.Candle{
		Market:      d.Market,
		OpenPrice:   d.OpeningPrice,
		HighPrice:   d.HighPrice,
		LowPrice:    d.LowPrice,
		TradePrice:  d.TradePrice,
		AccVolume:   d.AccTradeVolume,
		CandleTime:  ts,
		UnitMinutes: d.UnitMinutes,
	}
}

type accountDTO struct {
	Currency     string          `json:"currency"`
	Balance      decimal.Decimal `json:"balance"`
	Locked       decimal.Decimal `json:"locked"`
	AvgBuyPrice  decimal.Decimal `json:"avg_buy_price"`
	UnitCurrency string          `json:"unit_currency"`
}

func (d accountDTO) toDomain() domain.Account {
	return domain.Account{
		Currency:     d.Currency,
		Balance:      d.Balance,
		Locked:       d.Locked,
		AvgBuyPrice:  d.AvgBuyPrice,
		UnitCurrency: d.UnitCurrency,
	}
}

type orderDTO struct {
	UUID           string          `json:"uuid"`
	Market         string          `json:"market"`
	Side           string          `json:"side"`
	State          string          `json:"state"`
	ExecutedVolume decimal.Decimal `json:"executed_volume"`
	PaidFee        decimal.Decimal `json:"paid_fee"`
	Trades         []tradeDTO      `json:"trades"`
	CreatedAt      string          `json:"created_at"`
}

type tradeDTO struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
	Funds  decimal.Decimal `json:"funds"`
}

func (d orderDTO) toDomain() domain.Order {
	created, _ := time.Parse(time.RFC3339, d.CreatedAt)

	// Upbit reports fills as individual trades. Fold them so callers get a
	// single executed volume and total funds paid, fees included.
	funds := decimal.Zero
	volume := d.ExecutedVolume
	if len(d.Trades) > 0 {
		volume = decimal.Zero
		for _, tr := range d.Trades {
			funds = funds.Add(tr.Funds)
			volume = volume.Add(tr.Volume)
		}
	}

	return domain.Order{
		UUID:           d.UUID,
		Market:         d.Market,
		Side:           domain.OrderSide(d.Side),
		State:          domain.OrderState(d.State),
		ExecutedVolume: volume,
		PaidFunds:      funds.Add(d.PaidFee),
		CreatedAt:      created,
	}
}

type errorResponse struct {
	Error struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}
