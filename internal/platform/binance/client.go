// Package binance implements the exchange trading and price ports over
// the Binance spot REST API with HMAC-signed requests.
package binance

import (
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

	"github.com/quantfold/arbot/internal/crypto"
	"github.com/quantfold/arbot/internal/domain"
)

// rate-limit key shared by every outbound call of one client.
const rateLimitKeyPrefix = "exchange:"

// Client is the REST adapter for one Binance-compatible venue. Every
// outbound call passes the distributed rate limiter when one is set,
// and transport or venue failures surface as the typed errors of the
// exchange port contract.
type Client struct {
	name         string
	baseURL      string
	auth         *crypto.HMACAuth
	recvWindowMs int

	limiter     domain.RateLimiter
	limitPerMin int

	httpClient *http.Client
	logger     *slog.Logger
}

// Config holds the venue connection parameters.
type Config struct {
	Name         string
	BaseURL      string // e.g. "https://api.binance.com"
	Credentials  crypto.Credentials
	RecvWindowMs int
	// RateLimitPerMin caps outbound requests when Limiter is set.
	RateLimitPerMin int
	Limiter         domain.RateLimiter
}

// NewClient creates a Binance REST client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	name := cfg.Name
	if name == "" {
		name = "binance"
	}
	return &Client{
		name:         name,
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		auth:         &crypto.HMACAuth{Key: cfg.Credentials.APIKey, Secret: cfg.Credentials.APISecret},
		recvWindowMs: cfg.RecvWindowMs,
		limiter:      cfg.Limiter,
		limitPerMin:  cfg.RateLimitPerMin,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       logger.With(slog.String("component", "binance"), slog.String("exchange", name)),
	}
}

func (c *Client) Name() string { return c.name }

// PlaceOrder submits an order on the venue. The caller's context
// deadline is the leg's execution budget; exceeding it maps to
// ErrOrderTimeout.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", strings.ToUpper(string(req.Type)))
	params.Set("quantity", formatFloat(req.Quantity))
	if req.Type == domain.OrderTypeLimit {
		if req.Price == nil {
			return domain.OrderResult{}, fmt.Errorf("binance: place order %s: limit order without price: %w", req.Symbol, domain.ErrOrderRejected)
		}
		params.Set("price", formatFloat(*req.Price))
		tif := req.TimeInForce
		if tif == "" {
			tif = domain.TimeInForceGTC
		}
		params.Set("timeInForce", string(tif))
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	params.Set("newOrderRespType", "FULL")

	body, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("binance: place order %s: %w", req.Symbol, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderResult{}, fmt.Errorf("binance: decode order response: %w", err)
	}
	return orderResultFromResponse(resp, req.Side), nil
}

// GetOrderStatus polls one order.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, orderID string) (domain.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("binance: order status %s: %w", orderID, err)
	}

	var resp orderStatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderResult{}, fmt.Errorf("binance: decode order status: %w", err)
	}

	executed := parseFloat(resp.ExecutedQty)
	avg := 0.0
	if executed > 0 {
		avg = parseFloat(resp.CummulativeQuoteQty) / executed
	}
	return domain.OrderResult{
		OrderID:        strconv.FormatInt(resp.OrderID, 10),
		ClientID:       resp.ClientOrderID,
		Symbol:         resp.Symbol,
		Side:           domain.OrderSide(strings.ToLower(resp.Side)),
		Status:         mapStatus(resp.Status),
		FilledQuantity: executed,
		AvgFillPrice:   avg,
		SubmittedAt:    time.UnixMilli(resp.Time).UTC(),
		UpdatedAt:      time.UnixMilli(resp.UpdateTime).UTC(),
	}, nil
}

// CancelOrder cancels one open order. A venue report that the order is
// already final returns false without an error.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	_, err := c.doSigned(ctx, http.MethodDelete, "/api/v3/order", params)
	if err != nil {
		if errors.Is(err, domain.ErrOrderRejected) {
			return false, nil
		}
		return false, fmt.Errorf("binance: cancel order %s: %w", orderID, err)
	}
	return true, nil
}

// GetAccountBalance returns the account's asset balances.
func (c *Client) GetAccountBalance(ctx context.Context) ([]domain.AssetBalance, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("binance: account balance: %w", err)
	}

	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("binance: decode account: %w", err)
	}

	out := make([]domain.AssetBalance, 0, len(resp.Balances))
	for _, b := range resp.Balances {
		free := parseFloat(b.Free)
		locked := parseFloat(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, domain.AssetBalance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

// CurrentPrice fetches the venue's present ticker price. Never cached.
func (c *Client) CurrentPrice(ctx context.Context, _, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.doPublic(ctx, "/api/v3/ticker/price", params)
	if err != nil {
		return 0, fmt.Errorf("binance: ticker %s: %w", symbol, err)
	}

	var resp tickerPriceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("binance: decode ticker: %w", err)
	}
	return parseFloat(resp.Price), nil
}

// doSigned performs an authenticated request with a signed query.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if err := c.allow(ctx); err != nil {
		return nil, err
	}

	query := c.auth.SignedQuery(params.Encode(), c.recvWindowMs)
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range c.auth.Headers() {
		req.Header.Set(k, v)
	}
	return c.do(req)
}

// doPublic performs an unauthenticated request.
func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if err := c.allow(ctx); err != nil {
		return nil, err
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.do(req)
}

func (c *Client) allow(ctx context.Context) error {
	if c.limiter == nil || c.limitPerMin <= 0 {
		return nil
	}
	allowed, err := c.limiter.Allow(ctx, rateLimitKeyPrefix+c.name, c.limitPerMin, time.Minute)
	if err != nil {
		// A broken limiter must not stop trading; log and fail open.
		c.logger.WarnContext(ctx, "rate limiter error, failing open",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !allowed {
		return domain.ErrRateLimited
	}
	return nil
}

// do executes the request and maps transport and venue failures to the
// port's typed errors.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(req.Context().Err(), context.DeadlineExceeded) {
			return nil, domain.ErrOrderTimeout
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrExchangeUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrExchangeUnavailable, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden && apiErr.Code == -1003:
		return nil, fmt.Errorf("%w: %s", domain.ErrRateLimited, apiErr.Message)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d: %s", domain.ErrExchangeUnavailable, resp.StatusCode, apiErr.Message)
	default:
		return nil, fmt.Errorf("%w: code %d: %s", domain.ErrOrderRejected, apiErr.Code, apiErr.Message)
	}
}

func orderResultFromResponse(resp orderResponse, side domain.OrderSide) domain.OrderResult {
	executed := parseFloat(resp.ExecutedQty)

	// Prefer fill-weighted pricing; fall back to quote/executed.
	avg := 0.0
	fee := 0.0
	feeAsset := ""
	if len(resp.Fills) > 0 {
		notional := 0.0
		qty := 0.0
		for _, f := range resp.Fills {
			p, q := parseFloat(f.Price), parseFloat(f.Qty)
			notional += p * q
			qty += q
			fee += parseFloat(f.Commission)
			feeAsset = f.CommissionAsset
		}
		if qty > 0 {
			avg = notional / qty
		}
	} else if executed > 0 {
		avg = parseFloat(resp.CummulativeQuoteQty) / executed
	}

	ts := time.UnixMilli(resp.TransactTime).UTC()
	return domain.OrderResult{
		OrderID:        strconv.FormatInt(resp.OrderID, 10),
		ClientID:       resp.ClientOrderID,
		Symbol:         resp.Symbol,
		Side:           side,
		Status:         mapStatus(resp.Status),
		FilledQuantity: executed,
		AvgFillPrice:   avg,
		Fee:            fee,
		FeeAsset:       feeAsset,
		SubmittedAt:    ts,
		UpdatedAt:      ts,
	}
}

// mapStatus converts venue order states to the port's.
func mapStatus(s string) domain.OrderStatus {
	switch s {
	case "NEW":
		return domain.OrderStatusOpen
	case "PARTIALLY_FILLED":
		return domain.OrderStatusPartiallyFilled
	case "FILLED":
		return domain.OrderStatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return domain.OrderStatusCancelled
	case "REJECTED":
		return domain.OrderStatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatusPending
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

var (
	_ domain.ExchangePort = (*Client)(nil)
	_ domain.PriceSource  = (*Client)(nil)
)
