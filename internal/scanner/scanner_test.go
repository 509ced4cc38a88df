package scanner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinbutler/coinbutler/internal/domain"
)

type fakeGateway struct {
	markets    []domain.Market
	tickers    []domain.Ticker
	candles    map[string][]domain.Candle
	candleErr  map[string]error
	candleCall []string
}

func (f *fakeGateway) Markets(context.Context) ([]domain.Market, error) {
	return f.markets, nil
}

func (f *fakeGateway) Ticker(_ context.Context, markets []string) ([]domain.Ticker, error) {
	return f.tickers, nil
}

func (f *fakeGateway) Candles(_ context.Context, market string, unit, count int) ([]domain.Candle, error) {
	f.candleCall = append(f.candleCall, market)
	if err, ok := f.candleErr[market]; ok {
		return nil, err
	}
	return f.candles[market], nil
}

// series builds a newest-first candle list with the given volumes and a flat
// price unless prices are supplied.
func series(volumes []float64, prices ...float64) []domain.Candle {
	candles := make([]domain.Candle, len(volumes))
	for i, v := range volumes {
		price := 100.0
		if len(prices) > i {
			price = prices[i]
		}
		candles[i] = domain.Candle{
			AccVolume:  v,
			TradePrice: decimal.NewFromFloat(price),
			CandleTime: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC).Add(-time.Duration(i) * 5 * time.Minute),
		}
	}
	return candles
}

func TestAnalyzeVolumeRatio(t *testing.T) {
	tests := []struct {
		name       string
		volumes    []float64
		baseline   int
		wantRatio  float64
		wantOk     bool
	}{
		{name: "spike", volumes: []float64{400, 100, 100, 100, 100, 50}, baseline: 4, wantRatio: 4.0, wantOk: true},
		{name: "flat", volumes: []float64{100, 100, 100, 100, 100}, baseline: 4, wantRatio: 1.0, wantOk: true},
		{name: "uneven baseline", volumes: []float64{300, 50, 150, 100, 100}, baseline: 4, wantRatio: 3.0, wantOk: true},
		{name: "zero baseline skipped", volumes: []float64{500, 0, 0, 0, 0}, baseline: 4, wantOk: false},
		{name: "too few candles", volumes: []float64{100, 100, 100}, baseline: 4, wantOk: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ratio, _, ok := Analyze(series(tt.volumes), tt.baseline)
			if ok != tt.wantOk {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOk)
			}
			if ok && math.Abs(ratio-tt.wantRatio) > 1e-9 {
				t.Errorf("ratio = %v, want %v", ratio, tt.wantRatio)
			}
		})
	}
}

func TestAnalyzePriceChange(t *testing.T) {
	// Newest 110, oldest 100 over the window: +10%.
	candles := series([]float64{200, 100, 100, 100, 100}, 110, 108, 105, 102, 100)
	_, changePct, ok := Analyze(candles, 4)
	if !ok {
		t.Fatal("expected analyzable series")
	}
	if math.Abs(changePct-10.0) > 1e-9 {
		t.Errorf("price change = %v, want 10.0", changePct)
	}
}

func newTestScanner(gw Gateway, cfg Config) *Scanner {
	s := New(gw, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchPause = 0
	return cfg
}

func TestScanProducesCandidateOnSpike(t *testing.T) {
	gw := &fakeGateway{
		markets: []domain.Market{{Code: "KRW-BTC"}, {Code: "KRW-ETH"}, {Code: "BTC-ETH"}},
		tickers: []domain.Ticker{
			{Market: "KRW-BTC", AccTradePrice24h: decimal.NewFromInt(2000)},
			{Market: "KRW-ETH", AccTradePrice24h: decimal.NewFromInt(1000)},
		},
		candles: map[string][]domain.Candle{
			"KRW-BTC": series([]float64{500, 100, 100, 100, 100}),          // ratio 5, flat price
			"KRW-ETH": series([]float64{100, 100, 100, 100, 100}),          // ratio 1
		},
	}

	cands, err := newTestScanner(gw, testConfig()).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("got %d candidates, want 1: %+v", len(cands), cands)
	}
	if cands[0].Market != "KRW-BTC" {
		t.Errorf("candidate = %s, want KRW-BTC", cands[0].Market)
	}
	if math.Abs(cands[0].VolumeRatio-5.0) > 1e-9 {
		t.Errorf("volume ratio = %v, want 5.0", cands[0].VolumeRatio)
	}

	// The BTC-quoted market must never be candle-scanned.
	for _, m := range gw.candleCall {
		if m == "BTC-ETH" {
			t.Error("scanned non-KRW market BTC-ETH")
		}
	}
}

func TestScanExcludesExtremeMovers(t *testing.T) {
	gw := &fakeGateway{
		markets: []domain.Market{{Code: "KRW-XRP"}},
		tickers: []domain.Ticker{{Market: "KRW-XRP", AccTradePrice24h: decimal.NewFromInt(1000)}},
		candles: map[string][]domain.Candle{
			// Huge spike but price already up 20% over the window.
			"KRW-XRP": series([]float64{1000, 100, 100, 100, 100}, 120, 115, 110, 105, 100),
		},
	}

	cands, err := newTestScanner(gw, testConfig()).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(cands) != 0 {
		t.Errorf("got %d candidates, want 0 (extreme mover excluded)", len(cands))
	}
}

func TestScanSkipsFailedMarkets(t *testing.T) {
	gw := &fakeGateway{
		markets: []domain.Market{{Code: "KRW-BTC"}, {Code: "KRW-ETH"}},
		tickers: []domain.Ticker{
			{Market: "KRW-BTC", AccTradePrice24h: decimal.NewFromInt(2000)},
			{Market: "KRW-ETH", AccTradePrice24h: decimal.NewFromInt(1000)},
		},
		candles: map[string][]domain.Candle{
			"KRW-ETH": series([]float64{300, 100, 100, 100, 100}),
		},
		candleErr: map[string]error{
			"KRW-BTC": errors.New("boom"),
		},
	}

	cands, err := newTestScanner(gw, testConfig()).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(cands) != 1 || cands[0].Market != "KRW-ETH" {
		t.Fatalf("candidates = %+v, want only KRW-ETH", cands)
	}
}

func TestScanBoundsUniverse(t *testing.T) {
	var markets []domain.Market
	var tickers []domain.Ticker
	candles := map[string][]domain.Candle{}
	for _, code := range []string{"KRW-A", "KRW-B", "KRW-C", "KRW-D"} {
		markets = append(markets, domain.Market{Code: code})
		candles[code] = series([]float64{100, 100, 100, 100, 100})
	}
	// Turnover order: D > C > B > A.
	tickers = []domain.Ticker{
		{Market: "KRW-A", AccTradePrice24h: decimal.NewFromInt(1)},
		{Market: "KRW-B", AccTradePrice24h: decimal.NewFromInt(2)},
		{Market: "KRW-C", AccTradePrice24h: decimal.NewFromInt(3)},
		{Market: "KRW-D", AccTradePrice24h: decimal.NewFromInt(4)},
	}
	gw := &fakeGateway{markets: markets, tickers: tickers, candles: candles}

	cfg := testConfig()
	cfg.MaxMarkets = 2
	if _, err := newTestScanner(gw, cfg).Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	want := []string{"KRW-D", "KRW-C"}
	if len(gw.candleCall) != len(want) {
		t.Fatalf("scanned %v, want %v", gw.candleCall, want)
	}
	for i, m := range want {
		if gw.candleCall[i] != m {
			t.Errorf("scanned[%d] = %s, want %s", i, gw.candleCall[i], m)
		}
	}
}

func TestScanPausesBetweenBatches(t *testing.T) {
	var markets []domain.Market
	var tickers []domain.Ticker
	candles := map[string][]domain.Candle{}
	codes := []string{"KRW-A", "KRW-B", "KRW-C", "KRW-D", "KRW-E", "KRW-F", "KRW-G"}
	for i, code := range codes {
		markets = append(markets, domain.Market{Code: code})
		tickers = append(tickers, domain.Ticker{Market: code, AccTradePrice24h: decimal.NewFromInt(int64(100 - i))})
		candles[code] = series([]float64{100, 100, 100, 100, 100})
	}
	gw := &fakeGateway{markets: markets, tickers: tickers, candles: candles}

	cfg := testConfig()
	cfg.BatchSize = 5
	s := New(gw, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var pauses int
	s.sleep = func(context.Context, time.Duration) error {
		pauses++
		return nil
	}

	if _, err := s.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if pauses != 1 {
		t.Errorf("paused %d times over 7 markets with batch size 5, want 1", pauses)
	}
}
