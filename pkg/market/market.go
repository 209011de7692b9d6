// Package market defines the venue-neutral quote and order surface. Venue
// adapters (kalshi, polymarket) normalize their wire formats into these types
// so the trading layer never sees venue-specific prices or errors.
package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Venue identifies a prediction market venue.
type Venue string

const (
	VenueKalshi     Venue = "kalshi"
	VenuePolymarket Venue = "polymarket"
)

// OrderSide is the direction of an order against a binary contract.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Quote is one top-of-book update for a binary contract. Bid and Ask are
// implied probabilities in [0, 1] regardless of how the venue quotes
// (Kalshi cents, Polymarket decimal strings).
type Quote struct {
	Venue      Venue           `json:"venue"`
	ContractID string          `json:"contract_id"`
	Bid        float64         `json:"bid"`
	Ask        float64         `json:"ask"`
	BidSize    decimal.Decimal `json:"bid_size"`
	AskSize    decimal.Decimal `json:"ask_size"`
	At         time.Time       `json:"at"`
}

// Mid returns the midpoint probability.
func (q *Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Spread returns ask minus bid.
func (q *Quote) Spread() float64 {
	return q.Ask - q.Bid
}

// Age returns how stale the quote is relative to now.
func (q *Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.At)
}

// Validate rejects quotes that cannot be real.
func (q *Quote) Validate() error {
	if q.ContractID == "" {
		return errors.New("market: quote missing contract id")
	}
	if q.Bid < 0 || q.Ask > 1 || q.Bid > q.Ask {
		return fmt.Errorf("market: bad quote %s bid=%v ask=%v", q.ContractID, q.Bid, q.Ask)
	}
	return nil
}

// FailureKind classifies order failures for the retry policy. Only
// RateLimited and Timeout are retryable.
type FailureKind string

const (
	FailureNone        FailureKind = ""
	FailureRateLimited FailureKind = "rate_limited"
	FailureTimeout     FailureKind = "timeout"
	FailureRejected    FailureKind = "rejected"
	FailureVenue       FailureKind = "venue_error"
)

// Retryable reports whether a failure is transient.
func (k FailureKind) Retryable() bool {
	return k == FailureRateLimited || k == FailureTimeout
}

// VenueError wraps a venue failure with its classification.
type VenueError struct {
	Venue Venue
	Kind  FailureKind
	Err   error
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Venue, e.Kind, e.Err)
}

func (e *VenueError) Unwrap() error { return e.Err }

// Classify extracts the failure kind from an error chain. Unclassified
// errors are treated as venue errors (not retryable).
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureVenue
}

// OrderStatus is the venue-side lifecycle of a submitted order.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderPartial   OrderStatus = "partial"
	OrderCancelled OrderStatus = "cancelled"
)

// OrderRequest is a venue-neutral order. IdempotencyKey makes resubmission
// after an ambiguous failure safe: venues deduplicate on it.
type OrderRequest struct {
	Venue          Venue           `json:"venue"`
	ContractID     string          `json:"contract_id"`
	Side           OrderSide       `json:"side"`
	Price          float64         `json:"price"` // limit price as probability
	Size           decimal.Decimal `json:"size"`  // stake in venue currency units
	IdempotencyKey string          `json:"idempotency_key"`
}

// OrderResult is the venue's acknowledgement.
type OrderResult struct {
	Venue       Venue           `json:"venue"`
	OrderID     string          `json:"order_id"`
	Status      OrderStatus     `json:"status"`
	FilledSize  decimal.Decimal `json:"filled_size"`
	AvgPrice    float64         `json:"avg_price"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// VenueClient is what every venue adapter implements.
type VenueClient interface {
	// Venue returns the adapter's identity.
	Venue() Venue
	// StreamQuotes delivers normalized quotes for the given contracts onto
	// out until ctx is cancelled. The adapter owns reconnection.
	StreamQuotes(ctx context.Context, contractIDs []string, out chan<- Quote) error
	// PlaceOrder submits an order. Implementations must pass the idempotency
	// key through so resubmission never double-fills.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	// CancelOrder requests cancellation. The venue's answer is authoritative:
	// a fill that raced the cancel surfaces via OrderStatus, not here.
	CancelOrder(ctx context.Context, orderID string) error
	// OrderStatus fetches the current state of an order.
	OrderStatus(ctx context.Context, orderID string) (*OrderResult, error)
}
