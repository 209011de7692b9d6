// Package kalshi adapts the Kalshi trade API to the venue-neutral market
// surface. Kalshi quotes binary contracts in whole cents; everything crossing
// this package boundary is already divided down to implied probability.
package kalshi

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/phenomenon0/draftedge/pkg/feed"
	"github.com/phenomenon0/draftedge/pkg/market"
)

const (
	DefaultBaseURL = "https://api.elections.kalshi.com/trade-api/v2"
	DefaultWSURL   = "wss://api.elections.kalshi.com/trade-api/ws/v2"
)

// Client is a Kalshi API client implementing market.VenueClient.
type Client struct {
	baseURL    string
	wsURL      string
	accessKey  string
	signingKey *rsa.PrivateKey
	httpClient *http.Client
	limiter    *rate.Limiter
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom REST base URL.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = url }
}

// WithWSURL sets a custom stream URL.
func WithWSURL(url string) ClientOption {
	return func(c *Client) { c.wsURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a Kalshi client. signingKeyPEM is the RSA private key
// Kalshi issues alongside the access key; pass empty strings for a
// quote-only client.
func NewClient(accessKey, signingKeyPEM string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		baseURL:   DefaultBaseURL,
		wsURL:     DefaultWSURL,
		accessKey: accessKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(10), 5),
	}
	if signingKeyPEM != "" {
		key, err := parseRSAKey(signingKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("kalshi: signing key: %w", err)
		}
		c.signingKey = key
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func parseRSAKey(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA key")
	}
	return key, nil
}

// Venue returns the adapter identity.
func (c *Client) Venue() market.Venue { return market.VenueKalshi }

// authHeaders signs timestamp+method+path with RSA-PSS per Kalshi's scheme.
func (c *Client) authHeaders(method, path string) (map[string]string, error) {
	if c.signingKey == nil {
		return nil, errors.New("kalshi: no signing key configured")
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	digest := sha256.Sum256([]byte(ts + method + path))
	sig, err := rsa.SignPSS(rand.Reader, c.signingKey, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return nil, fmt.Errorf("kalshi: sign: %w", err)
	}
	return map[string]string{
		"KALSHI-ACCESS-KEY":       c.accessKey,
		"KALSHI-ACCESS-SIGNATURE": base64.StdEncoding.EncodeToString(sig),
		"KALSHI-ACCESS-TIMESTAMP": ts,
	}, nil
}

// --- Wire types ---

type orderRequest struct {
	Ticker        string `json:"ticker"`
	ClientOrderID string `json:"client_order_id"`
	Action        string `json:"action"` // buy | sell
	Side          string `json:"side"`   // yes
	Count         int64  `json:"count"`
	Type          string `json:"type"` // limit
	YesPriceCents int64  `json:"yes_price"`
}

type orderEnvelope struct {
	Order struct {
		OrderID       string `json:"order_id"`
		Status        string `json:"status"`
		YesPriceCents int64  `json:"yes_price"`
		Count         int64  `json:"count"`
		FillCount     int64  `json:"fill_count"`
		CreatedTime   string `json:"created_time"`
	} `json:"order"`
}

type tickerFrame struct {
	Type string `json:"type"`
	Msg  struct {
		MarketTicker string `json:"market_ticker"`
		YesBidCents  int64  `json:"yes_bid"`
		YesAskCents  int64  `json:"yes_ask"`
		BidSize      int64  `json:"yes_bid_size"`
		AskSize      int64  `json:"yes_ask_size"`
		Ts           int64  `json:"ts"`
	} `json:"msg"`
}

// centsToProb converts Kalshi's 0-100 cent price to implied probability.
func centsToProb(cents int64) float64 {
	return float64(cents) / 100
}

// probToCents converts implied probability to the nearest cent.
func probToCents(p float64) int64 {
	return int64(p*100 + 0.5)
}

// --- market.VenueClient ---

// StreamQuotes runs the ticker stream for the given market tickers.
func (c *Client) StreamQuotes(ctx context.Context, contractIDs []string, out chan<- market.Quote) error {
	cfg := feed.DefaultConfig(c.wsURL)
	cfg.SubscribeMsg = map[string]any{
		"id":  1,
		"cmd": "subscribe",
		"params": map[string]any{
			"channels":       []string{"ticker_v2"},
			"market_tickers": contractIDs,
		},
	}
	if c.signingKey != nil {
		headers, err := c.authHeaders("GET", "/trade-api/ws/v2")
		if err != nil {
			return err
		}
		cfg.Headers = headers
	}
	stream := feed.NewStream(cfg, decodeTicker)
	return stream.Run(ctx, out)
}

func decodeTicker(data []byte) ([]market.Quote, error) {
	var f tickerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Type != "ticker_v2" {
		return nil, nil // subscription acks, heartbeats
	}
	at := time.Now().UTC()
	if f.Msg.Ts > 0 {
		at = time.Unix(f.Msg.Ts, 0).UTC()
	}
	return []market.Quote{{
		Venue:      market.VenueKalshi,
		ContractID: f.Msg.MarketTicker,
		Bid:        centsToProb(f.Msg.YesBidCents),
		Ask:        centsToProb(f.Msg.YesAskCents),
		BidSize:    decimal.NewFromInt(f.Msg.BidSize),
		AskSize:    decimal.NewFromInt(f.Msg.AskSize),
		At:         at,
	}}, nil
}

// PlaceOrder submits a limit order. The idempotency key rides in
// client_order_id, which Kalshi deduplicates on. Size arrives as stake in
// dollars; Kalshi wants whole contracts, so count = stake / limit price,
// rounded down.
func (c *Client) PlaceOrder(ctx context.Context, req market.OrderRequest) (*market.OrderResult, error) {
	count, err := stakeToCount(req.Size, req.Price)
	if err != nil {
		return nil, c.wrap(market.FailureRejected, err)
	}
	body := orderRequest{
		Ticker:        req.ContractID,
		ClientOrderID: req.IdempotencyKey,
		Action:        "buy",
		Side:          "yes",
		Count:         count,
		Type:          "limit",
		YesPriceCents: probToCents(req.Price),
	}
	if req.Side == market.Sell {
		body.Action = "sell"
	}

	var env orderEnvelope
	if err := c.post(ctx, "/portfolio/orders", body, &env); err != nil {
		return nil, err
	}
	return env.toResult(), nil
}

// CancelOrder asks Kalshi to cancel. A concurrent fill wins; callers learn
// about it from OrderStatus.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.del(ctx, "/portfolio/orders/"+orderID)
}

// OrderStatus fetches an order's venue-side state.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (*market.OrderResult, error) {
	var env orderEnvelope
	if err := c.get(ctx, "/portfolio/orders/"+orderID, &env); err != nil {
		return nil, err
	}
	return env.toResult(), nil
}

func (e *orderEnvelope) toResult() *market.OrderResult {
	o := e.Order
	status := market.OrderOpen
	switch {
	case o.Status == "canceled" || o.Status == "cancelled":
		status = market.OrderCancelled
	case o.FillCount >= o.Count && o.Count > 0:
		status = market.OrderFilled
	case o.FillCount > 0:
		status = market.OrderPartial
	}
	at, _ := time.Parse(time.RFC3339, o.CreatedTime)
	price := centsToProb(o.YesPriceCents)
	return &market.OrderResult{
		Venue:       market.VenueKalshi,
		OrderID:     o.OrderID,
		Status:      status,
		FilledSize:  countToStake(o.FillCount, price),
		AvgPrice:    price,
		SubmittedAt: at,
	}
}

// stakeToCount converts a dollar stake into a whole-contract count at the
// limit price.
func stakeToCount(stake decimal.Decimal, price float64) (int64, error) {
	if price <= 0 || price >= 1 {
		return 0, fmt.Errorf("limit price %v outside (0, 1)", price)
	}
	count := stake.Div(decimal.NewFromFloat(price)).IntPart()
	if count < 1 {
		return 0, fmt.Errorf("stake %s buys no contracts at %v", stake, price)
	}
	return count, nil
}

// countToStake converts a contract count back to dollar stake at the given
// price, rounded to cents.
func countToStake(count int64, price float64) decimal.Decimal {
	return decimal.NewFromInt(count).Mul(decimal.NewFromFloat(price)).Round(2)
}

// --- HTTP plumbing ---

func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.do(ctx, http.MethodGet, path, nil, result)
}

func (c *Client) post(ctx context.Context, path string, body, result any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("kalshi: marshal: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, data, result)
}

func (c *Client) del(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return c.wrap(market.FailureTimeout, fmt.Errorf("rate limiter: %w", err))
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("kalshi: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.signingKey != nil {
		headers, err := c.authHeaders(method, "/trade-api/v2"+path)
		if err != nil {
			return err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return c.wrap(market.FailureTimeout, err)
		}
		return c.wrap(market.FailureVenue, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		apiErr := fmt.Errorf("api error %d: %s", resp.StatusCode, string(raw))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return c.wrap(market.FailureRateLimited, apiErr)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return c.wrap(market.FailureRejected, apiErr)
		default:
			return c.wrap(market.FailureVenue, apiErr)
		}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("kalshi: decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) wrap(kind market.FailureKind, err error) error {
	return &market.VenueError{Venue: market.VenueKalshi, Kind: kind, Err: err}
}
