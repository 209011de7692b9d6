// Package paper simulates order execution against live quotes. It implements
// market.VenueClient, so the execution router, risk controller and audit trail
// run exactly as they would in live mode; only venue I/O is replaced.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/phenomenon0/draftedge/pkg/market"
)

// Config tunes the simulation.
type Config struct {
	InitialBalance decimal.Decimal
	// SlippageBps worsens the fill price when the order is larger than the
	// displayed size at the touch.
	SlippageBps int64
}

// DefaultConfig returns the standard dry-run settings.
func DefaultConfig() Config {
	return Config{
		InitialBalance: decimal.NewFromInt(10000),
		SlippageBps:    20,
	}
}

// Account is the simulated trading account.
type Account struct {
	Balance    decimal.Decimal `json:"balance"`
	Initial    decimal.Decimal `json:"initial"`
	TradeCount int             `json:"trade_count"`
	OpenOrders int             `json:"open_orders"`
}

type order struct {
	req      market.OrderRequest
	id       string
	status   market.OrderStatus
	filled   decimal.Decimal
	avgPrice float64
	placedAt time.Time
}

// Venue wraps a real venue client, delegating quote streaming and simulating
// everything else. real may be nil when quotes arrive by other means.
type Venue struct {
	name   market.Venue
	real   market.VenueClient
	board  *market.Board
	config Config

	mu      sync.Mutex
	balance decimal.Decimal
	trades  int
	orders  map[string]*order // order id -> order
	byKey   map[string]string // idempotency key -> order id
}

// NewVenue creates a paper venue. Quotes come from board; if real is non-nil
// its StreamQuotes keeps the board warm through the usual path.
func NewVenue(name market.Venue, real market.VenueClient, board *market.Board, config Config) *Venue {
	if config.InitialBalance.IsZero() {
		config = DefaultConfig()
	}
	return &Venue{
		name:    name,
		real:    real,
		board:   board,
		config:  config,
		balance: config.InitialBalance,
		orders:  make(map[string]*order),
		byKey:   make(map[string]string),
	}
}

func (v *Venue) Venue() market.Venue { return v.name }

func (v *Venue) StreamQuotes(ctx context.Context, contractIDs []string, out chan<- market.Quote) error {
	if v.real != nil {
		return v.real.StreamQuotes(ctx, contractIDs, out)
	}
	<-ctx.Done()
	return ctx.Err()
}

// PlaceOrder fills marketable orders against the current board quote and
// leaves the rest resting. Resubmitting an idempotency key returns the
// original order untouched.
func (v *Venue) PlaceOrder(_ context.Context, req market.OrderRequest) (*market.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if id, ok := v.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return v.resultLocked(v.orders[id]), nil
	}
	if req.Size.LessThanOrEqual(decimal.Zero) {
		return nil, &market.VenueError{
			Venue: v.name, Kind: market.FailureRejected,
			Err: fmt.Errorf("paper: order size must be positive"),
		}
	}
	if req.Side == market.Buy && req.Size.GreaterThan(v.balance) {
		return nil, &market.VenueError{
			Venue: v.name, Kind: market.FailureRejected,
			Err: fmt.Errorf("paper: insufficient balance %s for stake %s", v.balance, req.Size),
		}
	}

	o := &order{
		req:      req,
		id:       "paper-" + uuid.NewString(),
		status:   market.OrderOpen,
		placedAt: time.Now().UTC(),
	}
	v.orders[o.id] = o
	if req.IdempotencyKey != "" {
		v.byKey[req.IdempotencyKey] = o.id
	}

	if q, ok := v.board.Get(req.Venue, req.ContractID); ok {
		v.tryFillLocked(o, q)
	}
	return v.resultLocked(o), nil
}

// CancelOrder cancels a resting order. Filled orders stay filled; the caller
// discovers the race through OrderStatus, as with a real venue.
func (v *Venue) CancelOrder(_ context.Context, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[orderID]
	if !ok {
		return &market.VenueError{
			Venue: v.name, Kind: market.FailureRejected,
			Err: fmt.Errorf("paper: unknown order %s", orderID),
		}
	}
	if o.status == market.OrderOpen || o.status == market.OrderPartial {
		o.status = market.OrderCancelled
	}
	return nil
}

func (v *Venue) OrderStatus(_ context.Context, orderID string) (*market.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[orderID]
	if !ok {
		return nil, &market.VenueError{
			Venue: v.name, Kind: market.FailureRejected,
			Err: fmt.Errorf("paper: unknown order %s", orderID),
		}
	}
	return v.resultLocked(o), nil
}

// Tick re-checks resting orders for the quoted contract. Wire it to the
// board's OnQuote callback.
func (v *Venue) Tick(q market.Quote) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, o := range v.orders {
		if o.status != market.OrderOpen && o.status != market.OrderPartial {
			continue
		}
		if o.req.Venue == q.Venue && o.req.ContractID == q.ContractID {
			v.tryFillLocked(o, q)
		}
	}
}

// Account returns a snapshot of the simulated account.
func (v *Venue) Account() Account {
	v.mu.Lock()
	defer v.mu.Unlock()
	open := 0
	for _, o := range v.orders {
		if o.status == market.OrderOpen || o.status == market.OrderPartial {
			open++
		}
	}
	return Account{
		Balance:    v.balance,
		Initial:    v.config.InitialBalance,
		TradeCount: v.trades,
		OpenOrders: open,
	}
}

// tryFillLocked fills o if the touch crosses its limit price.
func (v *Venue) tryFillLocked(o *order, q market.Quote) {
	var price float64
	switch o.req.Side {
	case market.Buy:
		if q.Ask > o.req.Price || q.Ask == 0 {
			return
		}
		price = q.Ask
		if o.req.Size.GreaterThan(q.AskSize) && q.AskSize.IsPositive() {
			price += float64(v.config.SlippageBps) / 10000
		}
	case market.Sell:
		if q.Bid < o.req.Price {
			return
		}
		price = q.Bid
		if o.req.Size.GreaterThan(q.BidSize) && q.BidSize.IsPositive() {
			price -= float64(v.config.SlippageBps) / 10000
		}
	}
	if price > 1 {
		price = 1
	}
	if price < 0 {
		price = 0
	}

	o.filled = o.req.Size
	o.avgPrice = price
	o.status = market.OrderFilled
	v.trades++
	if o.req.Side == market.Buy {
		v.balance = v.balance.Sub(o.req.Size)
	} else {
		v.balance = v.balance.Add(o.req.Size)
	}
}

func (v *Venue) resultLocked(o *order) *market.OrderResult {
	return &market.OrderResult{
		Venue:       v.name,
		OrderID:     o.id,
		Status:      o.status,
		FilledSize:  o.filled,
		AvgPrice:    o.avgPrice,
		SubmittedAt: o.placedAt,
	}
}
