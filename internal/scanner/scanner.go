// Package scanner finds markets showing an abnormal volume spike against
// their recent baseline, producing buy candidates for the trading loop.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinbutler/coinbutler/internal/domain"
)

// Gateway is the slice of the exchange client the scanner needs.
type Gateway interface {
	Markets(ctx context.Context) ([]domain.Market, error)
	Ticker(ctx context.Context, markets []string) ([]domain.Ticker, error)
	Candles(ctx context.Context, market string, unit, count int) ([]domain.Candle, error)
}

// Config bounds the scan surface and sets the anomaly thresholds.
type Config struct {
	// QuoteCurrency restricts the universe, e.g. "KRW".
	QuoteCurrency string
	// TopByTurnover keeps only the busiest markets by 24h traded value.
	TopByTurnover int
	// MaxMarkets caps how many of those are candle-scanned per cycle.
	MaxMarkets int
	// CandleUnit is the candle duration in minutes.
	CandleUnit int
	// CandleCount is how many candles to fetch per market.
	CandleCount int
	// BaselineCandles is how many candles after the most recent one form the
	// volume baseline.
	BaselineCandles int
	// VolumeSpikeThreshold is the minimum recent/baseline volume ratio.
	VolumeSpikeThreshold float64
	// MaxPriceMovePct excludes markets that already moved more than this
	// (percent, absolute) over the candle window.
	MaxPriceMovePct float64
	// BatchSize and BatchPause throttle per-market candle lookups on top of
	// the gateway's own rate limiting.
	BatchSize  int
	BatchPause time.Duration
}

// DefaultConfig returns the scan parameters used in live trading.
func DefaultConfig() Config {
	return Config{
		QuoteCurrency:        "KRW",
		TopByTurnover:        50,
		MaxMarkets:           20,
		CandleUnit:           5,
		CandleCount:          10,
		BaselineCandles:      4,
		VolumeSpikeThreshold: 2.0,
		MaxPriceMovePct:      5.0,
		BatchSize:            5,
		BatchPause:           time.Second,
	}
}

// Scanner scans the market universe for volume anomalies.
type Scanner struct {
	gw     Gateway
	cfg    Config
	logger *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Scanner. gw must not be nil.
func New(gw Gateway, cfg Config, logger *slog.Logger) *Scanner {
	return &Scanner{
		gw:     gw,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "scanner")),
		sleep:  sleepCtx,
	}
}

// Scan returns the current cycle's candidates, best volume ratio first.
// Per-market lookup failures are logged and skipped; the scan only fails
// when the universe itself cannot be fetched.
func (s *Scanner) Scan(ctx context.Context) ([]domain.Candidate, error) {
	universe, err := s.universe(ctx)
	if err != nil {
		return nil, fmt.Errorf("scanner: %w", err)
	}

	var candidates []domain.Candidate
	for i, market := range universe {
		if i > 0 && s.cfg.BatchSize > 0 && i%s.cfg.BatchSize == 0 {
			if err := s.sleep(ctx, s.cfg.BatchPause); err != nil {
				return candidates, err
			}
		}

		cand, ok, err := s.inspect(ctx, market)
		if err != nil {
			if ctx.Err() != nil {
				return candidates, ctx.Err()
			}
			s.logger.Warn("market lookup failed, skipping",
				slog.String("market", market),
				slog.Any("error", err))
			continue
		}
		if ok {
			candidates = append(candidates, cand)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].VolumeRatio > candidates[j].VolumeRatio
	})

	s.logger.Info("scan complete",
		slog.Int("scanned", len(universe)),
		slog.Int("candidates", len(candidates)))
	return candidates, nil
}

// universe returns the markets to inspect: quote-currency markets ranked by
// 24h turnover, truncated to the configured caps.
func (s *Scanner) universe(ctx context.Context) ([]string, error) {
	all, err := s.gw.Markets(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch markets: %w", err)
	}

	prefix := s.cfg.QuoteCurrency + "-"
	var codes []string
	for _, m := range all {
		if strings.HasPrefix(m.Code, prefix) {
			codes = append(codes, m.Code)
		}
	}
	if len(codes) == 0 {
		return nil, fmt.Errorf("no %s markets listed", s.cfg.QuoteCurrency)
	}

	tickers, err := s.gw.Ticker(ctx, codes)
	if err != nil {
		return nil, fmt.Errorf("fetch tickers: %w", err)
	}
	sort.SliceStable(tickers, func(i, j int) bool {
		return tickers[i].AccTradePrice24h.GreaterThan(tickers[j].AccTradePrice24h)
	})

	if s.cfg.TopByTurnover > 0 && len(tickers) > s.cfg.TopByTurnover {
		tickers = tickers[:s.cfg.TopByTurnover]
	}
	if s.cfg.MaxMarkets > 0 && len(tickers) > s.cfg.MaxMarkets {
		tickers = tickers[:s.cfg.MaxMarkets]
	}

	out := make([]string, len(tickers))
	for i, t := range tickers {
		out[i] = t.Market
	}
	return out, nil
}

// inspect fetches one market's candles and applies the anomaly filter.
func (s *Scanner) inspect(ctx context.Context, market string) (domain.Candidate, bool, error) {
	candles, err := s.gw.Candles(ctx, market, s.cfg.CandleUnit, s.cfg.CandleCount)
	if err != nil {
		return domain.Candidate{}, false, err
	}

	ratio, changePct, ok := Analyze(candles, s.cfg.BaselineCandles)
	if !ok {
		return domain.Candidate{}, false, nil
	}

	if ratio < s.cfg.VolumeSpikeThreshold || math.Abs(changePct) > s.cfg.MaxPriceMovePct {
		return domain.Candidate{}, false, nil
	}

	return domain.Candidate{
		Market:         market,
		CurrentPrice:   candles[0].TradePrice,
		VolumeRatio:    ratio,
		PriceChangePct: changePct,
	}, true, nil
}

// Analyze computes the volume ratio and window price change for a
// newest-first candle series. The ratio is the most recent candle's volume
// over the mean volume of the baseline candles immediately before it.
// ok is false when the series is too short or the baseline volume is zero.
func Analyze(candles []domain.Candle, baseline int) (ratio, priceChangePct float64, ok bool) {
	if baseline <= 0 || len(candles) < baseline+1 {
		return 0, 0, false
	}

	var sum float64
	for _, c := range candles[1 : baseline+1] {
		sum += c.AccVolume
	}
	avg := sum / float64(baseline)
	if avg == 0 {
		return 0, 0, false
	}

	ratio = candles[0].AccVolume / avg

	oldest := candles[len(candles)-1].TradePrice
	if !oldest.IsZero() {
		newest := candles[0].TradePrice
		priceChangePct, _ = newest.Sub(oldest).Div(oldest).Mul(decimal.NewFromInt(100)).Float64()
	}
	return ratio, priceChangePct, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
