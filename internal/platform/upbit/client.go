package upbit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinbutler/coinbutler/internal/domain"
	"github.com/coinbutler/coinbutler/internal/ratelimit"
	"github.com/coinbutler/coinbutler/internal/retry"
)

// errServer marks 5xx responses so the retry policy can tell them apart
// from client-side failures.
var errServer = errors.New("upbit: server error")

// errTransport marks failures before any HTTP status was received.
var errTransport = errors.New("upbit: transport error")

// Client is the REST client for the Upbit exchange API.
//
// Every call acquires a slot from the shared rate limiter before touching the
// network, and transient failures (429, 5xx, transport errors) are retried
// with exponential backoff.
type Client struct {
	baseURL    string
	accessKey  string
	secretKey  string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	retry      retry.Policy
	cache      domain.PriceCache
	logger     *slog.Logger
}

// NewClient creates a new Upbit REST client.
//
// baseURL is the API root, e.g. "https://api.upbit.com". limiter paces all
// outgoing requests; it must not be nil.
func NewClient(baseURL, accessKey, secretKey string, limiter *ratelimit.Limiter, logger *slog.Logger) *Client {
	p := retry.DefaultPolicy()
	p.RetryIf = isRetryable
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		accessKey: accessKey,
		secretKey: secretKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: limiter,
		retry:   p,
		logger:  logger.With(slog.String("component", "upbit")),
	}
	c.retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.Warn("retrying request",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err))
	}
	return c
}

// SetPriceCache configures an optional cache that ticker prices are published
// into as a side effect of Ticker calls.
func (c *Client) SetPriceCache(cache domain.PriceCache) {
	c.cache = cache
}

// SetRetryPolicy overrides the default retry behaviour. The client's
// transient-error classification and retry logging are kept unless the
// policy brings its own.
func (c *Client) SetRetryPolicy(p retry.Policy) {
	if p.RetryIf == nil {
		p.RetryIf = isRetryable
	}
	if p.OnRetry == nil {
		p.OnRetry = c.retry.OnRetry
	}
	c.retry = p
}

// Markets returns every tradeable instrument on the exchange.
func (c *Client) Markets(ctx context.Context) ([]domain.Market, error) {
	params := url.Values{}
	params.Set("is_details", "false")

	body, err := c.do(ctx, http.MethodGet, "/v1/market/all", params, false)
	if err != nil {
		return nil, fmt.Errorf("upbit: get markets: %w", err)
	}

	var dtos []marketDTO
	if err := json.Unmarshal(body, &dtos); err != nil {
		return nil, fmt.Errorf("upbit: decode markets: %w", err)
	}

	markets := make([]domain.Market, len(dtos))
	for i, d := range dtos {
		markets[i] = d.toDomain()
	}
	return markets, nil
}

// Ticker returns the latest trade snapshot for each requested market, in the
// order the exchange reports them. Prices are additionally published to the
// configured price cache, if any.
func (c *Client) Ticker(ctx context.Context, markets []string) ([]domain.Ticker, error) {
	if len(markets) == 0 {
		return nil, fmt.Errorf("upbit: ticker: no markets given")
	}

	params := url.Values{}
	params.Set("markets", strings.Join(markets, ","))

	body, err := c.do(ctx, http.MethodGet, "/v1/ticker", params, false)
	if err != nil {
		return nil, fmt.Errorf("upbit: get ticker: %w", err)
	}

	var dtos []tickerDTO
	if err := json.Unmarshal(body, &dtos); err != nil {
		return nil, fmt.Errorf("upbit: decode ticker: %w", err)
	}

	tickers := make([]domain.Ticker, len(dtos))
	for i, d := range dtos {
		tickers[i] = d.toDomain()
		c.publishPrice(ctx, tickers[i])
	}
	return tickers, nil
}

// Candles returns up to count minute candles for the market, newest first.
// unit is the candle duration in minutes (1, 3, 5, 15, 30, 60 or 240).
func (c *Client) Candles(ctx context.Context, market string, unit, count int) ([]domain.Candle, error) {
	params := url.Values{}
	params.Set("market", market)
	params.Set("count", strconv.Itoa(count))

	path := fmt.Sprintf("/v1/candles/minutes/%d", unit)
	body, err := c.do(ctx, http.MethodGet, path, params, false)
	if err != nil {
		return nil, fmt.Errorf("upbit: get candles %s: %w", market, err)
	}

	var dtos []candleDTO
	if err := json.Unmarshal(body, &dtos); err != nil {
		return nil, fmt.Errorf("upbit: decode candles: %w", err)
	}

	candles := make([]domain.Candle, len(dtos))
	for i, d := range dtos {
		candles[i] = d.toDomain()
	}
	return candles, nil
}

// Accounts returns every balance on the authenticated account.
func (c *Client) Accounts(ctx context.Context) ([]domain.Account, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/accounts", nil, true)
	if err != nil {
		return nil, fmt.Errorf("upbit: get accounts: %w", err)
	}

	var dtos []accountDTO
	if err := json.Unmarshal(body, &dtos); err != nil {
		return nil, fmt.Errorf("upbit: decode accounts: %w", err)
	}

	accounts := make([]domain.Account, len(dtos))
	for i, d := range dtos {
		accounts[i] = d.toDomain()
	}
	return accounts, nil
}

// Balance returns the available (unlocked) balance for a single currency,
// or zero if the account holds none of it.
func (c *Client) Balance(ctx context.Context, currency string) (decimal.Decimal, error) {
	accounts, err := c.Accounts(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, a := range accounts {
		if a.Currency == currency {
			return a.Balance, nil
		}
	}
	return decimal.Zero, nil
}

// PlaceBuyOrder submits a market buy spending exactly amount KRW.
func (c *Client) PlaceBuyOrder(ctx context.Context, market string, amount decimal.Decimal) (domain.Order, error) {
	params := url.Values{}
	params.Set("market", market)
	params.Set("side", "bid")
	params.Set("ord_type", "price")
	params.Set("price", amount.String())

	body, err := c.do(ctx, http.MethodPost, "/v1/orders", params, true)
	if err != nil {
		return domain.Order{}, fmt.Errorf("upbit: place buy %s: %w", market, err)
	}

	var dto orderDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return domain.Order{}, fmt.Errorf("upbit: decode order: %w", err)
	}
	return dto.toDomain(), nil
}

// PlaceSellOrder submits a market sell of the given volume.
func (c *Client) PlaceSellOrder(ctx context.Context, market string, volume decimal.Decimal) (domain.Order, error) {
	params := url.Values{}
	params.Set("market", market)
	params.Set("side", "ask")
	params.Set("ord_type", "market")
	params.Set("volume", volume.String())

	body, err := c.do(ctx, http.MethodPost, "/v1/orders", params, true)
	if err != nil {
		return domain.Order{}, fmt.Errorf("upbit: place sell %s: %w", market, err)
	}

	var dto orderDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return domain.Order{}, fmt.Errorf("upbit: decode order: %w", err)
	}
	return dto.toDomain(), nil
}

// GetOrder returns the current state of an order, fills included.
func (c *Client) GetOrder(ctx context.Context, orderUUID string) (domain.Order, error) {
	params := url.Values{}
	params.Set("uuid", orderUUID)

	body, err := c.do(ctx, http.MethodGet, "/v1/order", params, true)
	if err != nil {
		return domain.Order{}, fmt.Errorf("upbit: get order %s: %w", orderUUID, err)
	}

	var dto orderDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return domain.Order{}, fmt.Errorf("upbit: decode order: %w", err)
	}
	return dto.toDomain(), nil
}

// WaitForFill polls an order until it reaches a terminal state or timeout
// elapses. A cancelled order, or one still pending at the deadline, returns
// the last observed order together with domain.ErrPartialOrReject.
func (c *Client) WaitForFill(ctx context.Context, orderUUID string, timeout, pollInterval time.Duration) (domain.Order, error) {
	deadline := time.Now().Add(timeout)

	var last domain.Order
	for {
		order, err := c.GetOrder(ctx, orderUUID)
		if err != nil {
			return last, err
		}
		last = order

		switch order.State {
		case domain.OrderStateDone:
			return order, nil
		case domain.OrderStateCancel:
			// Market orders on this exchange report fully-filled fills in
			// state "cancel" when the remaining volume was voided. Treat a
			// cancel with executed volume as a fill.
			if !order.ExecutedVolume.IsZero() {
				return order, nil
			}
			return order, fmt.Errorf("upbit: order %s cancelled: %w", orderUUID, domain.ErrPartialOrReject)
		}

		if time.Now().After(deadline) {
			return last, fmt.Errorf("upbit: order %s not filled after %s: %w", orderUUID, timeout, domain.ErrPartialOrReject)
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (c *Client) publishPrice(ctx context.Context, t domain.Ticker) {
	if c.cache == nil {
		return
	}
	if err := c.cache.SetPrice(ctx, t.Market, t.TradePrice, t.Timestamp); err != nil {
		c.logger.Warn("publish price failed", slog.String("market", t.Market), slog.Any("error", err))
	}
}

// do paces, signs, sends and reads one HTTP request, retrying transient
// failures per the client's retry policy.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		if err := c.limiter.Acquire(ctx); err != nil {
			return err
		}
		var err error
		body, err = c.doOnce(ctx, method, path, params, signed)
		return err
	})
	return body, err
}

func (c *Client) doOnce(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	rawQuery := ""
	if params != nil {
		rawQuery = params.Encode()
	}

	fullURL := c.baseURL + path
	var bodyReader io.Reader
	if method == http.MethodGet {
		if rawQuery != "" {
			fullURL += "?" + rawQuery
		}
	} else if params != nil {
		jsonBody, err := json.Marshal(flatten(params))
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if signed {
		token, err := authToken(c.accessKey, c.secretKey, rawQuery)
		if err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
		req.Header.Set("Authorization", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", errTransport, err)
	}

	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// flatten converts single-valued url.Values into a plain map for the JSON
// request body. Upbit expects the same fields in the body as in the signed
// query string.
func flatten(params url.Values) map[string]string {
	m := make(map[string]string, len(params))
	for k := range params {
		m[k] = params.Get(k)
	}
	return m
}

// checkStatus maps non-2xx HTTP status codes to typed errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr errorResponse
	_ = json.Unmarshal(body, &apiErr)
	name, msg := apiErr.Error.Name, apiErr.Error.Message

	switch {
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s (%s)", domain.ErrNotFound, msg, name)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s (%s)", domain.ErrUnauthorized, msg, name)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s (%s)", domain.ErrRateLimited, msg, name)
	case statusCode == http.StatusBadRequest:
		if strings.Contains(name, "insufficient_funds") {
			return fmt.Errorf("%w: %s (%s)", domain.ErrInsufficientFunds, msg, name)
		}
		return fmt.Errorf("%w: %s (%s)", domain.ErrInvalidOrder, msg, name)
	case statusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s (%s)", errServer, statusCode, msg, name)
	default:
		return fmt.Errorf("upbit: HTTP %d: %s (%s)", statusCode, msg, name)
	}
}

// isRetryable reports whether an error is worth a retry: rate limiting,
// server-side failures and transport errors are; everything else is not.
func isRetryable(err error) bool {
	return errors.Is(err, domain.ErrRateLimited) ||
		errors.Is(err, errServer) ||
		errors.Is(err, errTransport)
}
