// Package polymarket adapts the Polymarket CLOB to the venue-neutral market
// surface. Prices cross the wire as decimal strings in [0, 1]; orders are
// EIP-712 signed against the CTF exchange on Polygon.
package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/phenomenon0/draftedge/pkg/feed"
	"github.com/phenomenon0/draftedge/pkg/market"
)

const (
	DefaultBaseURL = "https://clob.polymarket.com"
	DefaultWSURL   = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
)

// usdcDecimals scales human sizes to the exchange's integer amounts.
const usdcDecimals = 6

// Client is a Polymarket CLOB client implementing market.VenueClient.
type Client struct {
	baseURL    string
	wsURL      string
	signer     *Signer
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

// NewClient creates a Polymarket client. signer may be nil for quote-only use.
func NewClient(signer *Signer, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		wsURL:   DefaultWSURL,
		signer:  signer,
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
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Venue returns the adapter identity.
func (c *Client) Venue() market.Venue { return market.VenuePolymarket }

// --- Wire types ---

type bookFrame struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Bids      []struct {
		Price string `json:"price"`
		Size  string `json:"size"`
	} `json:"bids"`
	Asks []struct {
		Price string `json:"price"`
		Size  string `json:"size"`
	} `json:"asks"`
	Timestamp string `json:"timestamp"`
}

type orderResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderID"`
	Status  string `json:"status"`
	Error   string `json:"errorMsg"`
}

type orderDetail struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	OriginalSize  string `json:"original_size"`
	SizeMatched   string `json:"size_matched"`
	CreatedAtUnix int64  `json:"created_at"`
}

// --- market.VenueClient ---

// StreamQuotes subscribes to book updates for the given asset IDs.
func (c *Client) StreamQuotes(ctx context.Context, contractIDs []string, out chan<- market.Quote) error {
	cfg := feed.DefaultConfig(c.wsURL)
	cfg.SubscribeMsg = map[string]any{
		"type":       "market",
		"assets_ids": contractIDs,
	}
	stream := feed.NewStream(cfg, decodeBook)
	return stream.Run(ctx, out)
}

func decodeBook(data []byte) ([]market.Quote, error) {
	// The market channel batches frames into arrays; single frames also occur.
	var frames []bookFrame
	if err := json.Unmarshal(data, &frames); err != nil {
		var single bookFrame
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, err
		}
		frames = []bookFrame{single}
	}

	var quotes []market.Quote
	for _, f := range frames {
		if f.EventType != "book" || f.AssetID == "" {
			continue
		}
		if len(f.Bids) == 0 || len(f.Asks) == 0 {
			continue
		}
		// Book levels arrive sorted away from the touch; last entry is best.
		bestBid := f.Bids[len(f.Bids)-1]
		bestAsk := f.Asks[len(f.Asks)-1]

		bid, err1 := strconv.ParseFloat(bestBid.Price, 64)
		ask, err2 := strconv.ParseFloat(bestAsk.Price, 64)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("bad price in book for %s", f.AssetID)
		}
		bidSize, _ := decimal.NewFromString(bestBid.Size)
		askSize, _ := decimal.NewFromString(bestAsk.Size)

		at := time.Now().UTC()
		if ms, err := strconv.ParseInt(f.Timestamp, 10, 64); err == nil && ms > 0 {
			at = time.UnixMilli(ms).UTC()
		}
		quotes = append(quotes, market.Quote{
			Venue:      market.VenuePolymarket,
			ContractID: f.AssetID,
			Bid:        bid,
			Ask:        ask,
			BidSize:    bidSize,
			AskSize:    askSize,
			At:         at,
		})
	}
	return quotes, nil
}

// PlaceOrder signs and submits a limit order. The idempotency key travels as
// the client order ID.
func (c *Client) PlaceOrder(ctx context.Context, req market.OrderRequest) (*market.OrderResult, error) {
	if c.signer == nil {
		return nil, c.wrap(market.FailureRejected, errors.New("no signer configured"))
	}

	tokenID, ok := new(big.Int).SetString(req.ContractID, 10)
	if !ok {
		return nil, c.wrap(market.FailureRejected, fmt.Errorf("bad token id %q", req.ContractID))
	}
	salt, err := newSalt()
	if err != nil {
		return nil, fmt.Errorf("polymarket: salt: %w", err)
	}

	// Maker gives USDC when buying, outcome tokens when selling.
	price := decimal.NewFromFloat(req.Price)
	shares := req.Size.Shift(usdcDecimals)
	notional := req.Size.Mul(price).Shift(usdcDecimals)

	o := &signedOrder{
		Salt:       salt,
		TokenID:    tokenID,
		Expiration: big.NewInt(0),
		Nonce:      big.NewInt(0),
		FeeRateBps: big.NewInt(0),
	}
	if req.Side == market.Buy {
		o.Side = 0
		o.MakerAmount = notional.BigInt()
		o.TakerAmount = shares.BigInt()
	} else {
		o.Side = 1
		o.MakerAmount = shares.BigInt()
		o.TakerAmount = notional.BigInt()
	}

	sig, err := c.signer.SignOrder(o)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"order": map[string]any{
			"salt":          o.Salt.String(),
			"maker":         c.signer.Address(),
			"signer":        c.signer.Address(),
			"taker":         "0x0000000000000000000000000000000000000000",
			"tokenId":       o.TokenID.String(),
			"makerAmount":   o.MakerAmount.String(),
			"takerAmount":   o.TakerAmount.String(),
			"expiration":    "0",
			"nonce":         "0",
			"feeRateBps":    "0",
			"side":          string(req.Side),
			"signatureType": 0,
			"signature":     sig,
		},
		"owner":     c.signer.apiKey,
		"orderType": "GTC",
		"clientID":  req.IdempotencyKey,
	}

	var resp orderResponse
	if err := c.post(ctx, "/order", payload, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, c.wrap(market.FailureRejected, fmt.Errorf("order rejected: %s", resp.Error))
	}
	return &market.OrderResult{
		Venue:       market.VenuePolymarket,
		OrderID:     resp.OrderID,
		Status:      mapStatus(resp.Status, decimal.Zero, req.Size),
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// CancelOrder requests cancellation; the venue's status stays authoritative.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	body := map[string]string{"orderID": orderID}
	return c.do(ctx, http.MethodDelete, "/order", body, nil)
}

// OrderStatus fetches an order's venue-side state.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (*market.OrderResult, error) {
	var d orderDetail
	if err := c.do(ctx, http.MethodGet, "/data/order/"+orderID, nil, &d); err != nil {
		return nil, err
	}
	matched, _ := decimal.NewFromString(d.SizeMatched)
	original, _ := decimal.NewFromString(d.OriginalSize)
	price, _ := strconv.ParseFloat(d.Price, 64)
	return &market.OrderResult{
		Venue:       market.VenuePolymarket,
		OrderID:     d.ID,
		Status:      mapStatus(d.Status, matched, original),
		FilledSize:  matched,
		AvgPrice:    price,
		SubmittedAt: time.Unix(d.CreatedAtUnix, 0).UTC(),
	}, nil
}

func mapStatus(status string, matched, original decimal.Decimal) market.OrderStatus {
	switch status {
	case "matched", "filled":
		return market.OrderFilled
	case "canceled", "cancelled":
		return market.OrderCancelled
	}
	if matched.IsPositive() && matched.LessThan(original) {
		return market.OrderPartial
	}
	if matched.IsPositive() && !original.IsZero() && matched.GreaterThanOrEqual(original) {
		return market.OrderFilled
	}
	return market.OrderOpen
}

// --- HTTP plumbing ---

func (c *Client) post(ctx context.Context, path string, body, result any) error {
	return c.do(ctx, http.MethodPost, path, body, result)
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return c.wrap(market.FailureTimeout, fmt.Errorf("rate limiter: %w", err))
	}

	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("polymarket: marshal: %w", err)
		}
	}

	var reader io.Reader
	if data != nil {
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("polymarket: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.signer != nil {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		headers, err := c.signer.AuthHeaders(ts, method, path, data)
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
			return fmt.Errorf("polymarket: decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) wrap(kind market.FailureKind, err error) error {
	return &market.VenueError{Venue: market.VenuePolymarket, Kind: kind, Err: err}
}
