package upbit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinbutler/coinbutler/internal/domain"
	"github.com/coinbutler/coinbutler/internal/ratelimit"
	"github.com/coinbutler/coinbutler/internal/retry"
)

// testLimiter is fast enough not to slow the suite down while still
// exercising the acquire path.
func testLimiter() *ratelimit.Limiter {
	return ratelimit.New(10000)
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewClient(srv.URL, "test-access", "test-secret", testLimiter(), logger)
	c.SetRetryPolicy(retry.Policy{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
	})
	return c
}

func TestAccountsSendsSignedAuthorization(t *testing.T) {
	var gotAuth string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`[{"currency":"KRW","balance":"150000","locked":"0","avg_buy_price":"0","unit_currency":"KRW"}]`))
	})

	c := newTestClient(t, handler)
	accounts, err := c.Accounts(context.Background())
	if err != nil {
		t.Fatalf("Accounts: %v", err)
	}
	if len(accounts) != 1 || accounts[0].Currency != "KRW" {
		t.Fatalf("accounts = %+v, want one KRW account", accounts)
	}
	if !accounts[0].Balance.Equal(decimal.NewFromInt(150000)) {
		t.Errorf("balance = %s, want 150000", accounts[0].Balance)
	}

	claims := verifyJWT(t, gotAuth, "test-secret")
	if claims["access_key"] != "test-access" {
		t.Errorf("access_key = %v, want test-access", claims["access_key"])
	}
	if claims["nonce"] == "" {
		t.Error("nonce claim missing")
	}
	if _, ok := claims["query_hash"]; ok {
		t.Error("query_hash present on request without parameters")
	}
}

func TestGetOrderSignsQueryHash(t *testing.T) {
	var gotAuth, gotQuery string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"uuid":"abc","market":"KRW-BTC","side":"bid","state":"done","executed_volume":"0.002","paid_fee":"50","trades":[{"price":"50000000","volume":"0.002","funds":"100000"}],"created_at":"2024-01-01T12:00:00+09:00"}`))
	})

	c := newTestClient(t, handler)
	order, err := c.GetOrder(context.Background(), "abc")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.State != domain.OrderStateDone {
		t.Errorf("state = %s, want done", order.State)
	}
	// 100000 funds + 50 fee over 0.002 executed.
	if want := decimal.NewFromInt(100050); !order.PaidFunds.Equal(want) {
		t.Errorf("paid funds = %s, want %s", order.PaidFunds, want)
	}

	claims := verifyJWT(t, gotAuth, "test-secret")
	sum := sha512.Sum512([]byte(gotQuery))
	if claims["query_hash"] != hex.EncodeToString(sum[:]) {
		t.Errorf("query_hash does not match SHA512 of %q", gotQuery)
	}
	if claims["query_hash_alg"] != "SHA512" {
		t.Errorf("query_hash_alg = %v, want SHA512", claims["query_hash_alg"])
	}
}

func TestPlaceBuyOrderBodyMatchesSignedQuery(t *testing.T) {
	var gotBody map[string]string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte(`{"uuid":"ord-1","market":"KRW-BTC","side":"bid","state":"wait","executed_volume":"0","paid_fee":"0","created_at":"2024-01-01T12:00:00+09:00"}`))
	})

	c := newTestClient(t, handler)
	order, err := c.PlaceBuyOrder(context.Background(), "KRW-BTC", decimal.NewFromInt(30000))
	if err != nil {
		t.Fatalf("PlaceBuyOrder: %v", err)
	}
	if order.UUID != "ord-1" || order.State != domain.OrderStateWait {
		t.Errorf("order = %+v, want ord-1 in wait", order)
	}

	want := map[string]string{
		"market":   "KRW-BTC",
		"side":     "bid",
		"ord_type": "price",
		"price":    "30000",
	}
	for k, v := range want {
		if gotBody[k] != v {
			t.Errorf("body[%s] = %q, want %q", k, gotBody[k], v)
		}
	}
}

func TestTickerPublishesToPriceCache(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("markets"); got != "KRW-BTC,KRW-ETH" {
			t.Errorf("markets param = %q", got)
		}
		w.Write([]byte(`[
			{"market":"KRW-BTC","trade_price":50000000,"signed_change_rate":0.012,"acc_trade_price_24h":1000000000,"timestamp":1704067200000},
			{"market":"KRW-ETH","trade_price":3000000,"signed_change_rate":-0.004,"acc_trade_price_24h":500000000,"timestamp":1704067200000}
		]`))
	})

	c := newTestClient(t, handler)
	cache := &memPriceCache{prices: map[string]decimal.Decimal{}}
	c.SetPriceCache(cache)

	tickers, err := c.Ticker(context.Background(), []string{"KRW-BTC", "KRW-ETH"})
	if err != nil {
		t.Fatalf("Ticker: %v", err)
	}
	if len(tickers) != 2 {
		t.Fatalf("got %d tickers, want 2", len(tickers))
	}
	if !cache.prices["KRW-BTC"].Equal(decimal.NewFromInt(50000000)) {
		t.Errorf("cached KRW-BTC price = %s", cache.prices["KRW-BTC"])
	}
	if !cache.prices["KRW-ETH"].Equal(decimal.NewFromInt(3000000)) {
		t.Errorf("cached KRW-ETH price = %s", cache.prices["KRW-ETH"])
	}
}

func TestCandlesNewestFirst(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/candles/minutes/5") {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`[
			{"market":"KRW-BTC","candle_date_time_kst":"2024-01-01T12:05:00","opening_price":100,"high_price":110,"low_price":95,"trade_price":105,"candle_acc_trade_volume":42.5,"unit":5},
			{"market":"KRW-BTC","candle_date_time_kst":"2024-01-01T12:00:00","opening_price":98,"high_price":101,"low_price":97,"trade_price":100,"candle_acc_trade_volume":10.0,"unit":5}
		]`))
	})

	c := newTestClient(t, handler)
	candles, err := c.Candles(context.Background(), "KRW-BTC", 5, 2)
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("got %d candles, want 2", len(candles))
	}
	if !candles[0].CandleTime.After(candles[1].CandleTime) {
		t.Error("candles not newest-first")
	}
	if candles[0].AccVolume != 42.5 {
		t.Errorf("volume = %v, want 42.5", candles[0].AccVolume)
	}
}

func TestRetriesServerErrorThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`[]`))
	})

	c := newTestClient(t, handler)
	if _, err := c.Markets(context.Background()); err != nil {
		t.Fatalf("Markets: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server saw %d calls, want 2", got)
	}
}

func TestRateLimitedExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"name":"too_many_requests","message":"slow down"}}`))
	})

	c := newTestClient(t, handler)
	_, err := c.Markets(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, domain.ErrExhaustedRetries) {
		t.Errorf("error %v does not wrap ErrExhaustedRetries", err)
	}
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Errorf("error %v does not wrap ErrRateLimited", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
}

func TestUnauthorizedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"name":"invalid_access_key","message":"bad key"}}`))
	})

	c := newTestClient(t, handler)
	_, err := c.Accounts(context.Background())
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("error = %v, want ErrUnauthorized", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d calls, want 1", got)
	}
}

func TestInsufficientFundsMapping(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"name":"insufficient_funds_bid","message":"not enough KRW"}}`))
	})

	c := newTestClient(t, handler)
	_, err := c.PlaceBuyOrder(context.Background(), "KRW-BTC", decimal.NewFromInt(30000))
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("error = %v, want ErrInsufficientFunds", err)
	}
}

func TestWaitForFillPollsUntilDone(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := "wait"
		if calls.Add(1) >= 3 {
			state = "done"
		}
		w.Write([]byte(`{"uuid":"ord-1","market":"KRW-BTC","side":"bid","state":"` + state + `","executed_volume":"0.002","paid_fee":"0","created_at":"2024-01-01T12:00:00+09:00"}`))
	})

	c := newTestClient(t, handler)
	order, err := c.WaitForFill(context.Background(), "ord-1", time.Second, time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForFill: %v", err)
	}
	if order.State != domain.OrderStateDone {
		t.Errorf("state = %s, want done", order.State)
	}
	if got := calls.Load(); got < 3 {
		t.Errorf("server saw %d polls, want at least 3", got)
	}
}

func TestWaitForFillCancelledWithoutFill(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"uuid":"ord-1","market":"KRW-BTC","side":"ask","state":"cancel","executed_volume":"0","paid_fee":"0","created_at":"2024-01-01T12:00:00+09:00"}`))
	})

	c := newTestClient(t, handler)
	_, err := c.WaitForFill(context.Background(), "ord-1", time.Second, time.Millisecond)
	if !errors.Is(err, domain.ErrPartialOrReject) {
		t.Fatalf("error = %v, want ErrPartialOrReject", err)
	}
}

func TestWaitForFillTimesOut(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"uuid":"ord-1","market":"KRW-BTC","side":"bid","state":"wait","executed_volume":"0","paid_fee":"0","created_at":"2024-01-01T12:00:00+09:00"}`))
	})

	c := newTestClient(t, handler)
	_, err := c.WaitForFill(context.Background(), "ord-1", 20*time.Millisecond, 5*time.Millisecond)
	if !errors.Is(err, domain.ErrPartialOrReject) {
		t.Fatalf("error = %v, want ErrPartialOrReject", err)
	}
}

// verifyJWT checks the HS256 signature on a Bearer token and returns its
// claims.
func verifyJWT(t *testing.T, authHeader, secret string) map[string]string {
	t.Helper()
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		t.Fatalf("Authorization = %q, want Bearer token", authHeader)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("token has %d segments, want 3", len(parts))
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(parts[0] + "." + parts[1]))
	want := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if parts[2] != want {
		t.Fatal("token signature does not verify")
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode claims: %v", err)
	}
	claims := map[string]string{}
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		t.Fatalf("unmarshal claims: %v", err)
	}
	return claims
}

type memPriceCache struct {
	prices map[string]decimal.Decimal
}

func (m *memPriceCache) SetPrice(_ context.Context, market string, price decimal.Decimal, _ time.Time) error {
	m.prices[market] = price
	return nil
}

func (m *memPriceCache) GetPrice(_ context.Context, market string) (decimal.Decimal, time.Time, error) {
	p, ok := m.prices[market]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return p, time.Time{}, nil
}

func (m *memPriceCache) GetPrices(ctx context.Context, markets []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(markets))
	for _, mk := range markets {
		if p, ok := m.prices[mk]; ok {
			out[mk] = p
		}
	}
	return out, nil
}
