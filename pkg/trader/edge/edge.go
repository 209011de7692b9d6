// Package edge compares model estimates against venue quotes and turns the
// difference into sized trade signals. Evaluation is pure: quotes and clocks
// come in as arguments, so the same inputs always yield the same signal.
package edge

import (
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/phenomenon0/draftedge/pkg/esports/draft"
	"github.com/phenomenon0/draftedge/pkg/market"
	"github.com/phenomenon0/draftedge/pkg/model"
)

// ErrNoQuote is returned when evaluation has no quote to price against.
var ErrNoQuote = errors.New("edge: no quote")

// Config tunes edge evaluation.
type Config struct {
	// MinEdge is the minimum model-vs-market difference to act on.
	MinEdge float64
	// QuoteFreshness marks signals stale when the quote is older than this.
	QuoteFreshness time.Duration
	// WideSpreadMax switches pricing off the midpoint: above this spread,
	// the evaluator prices against the book side the trade would hit.
	WideSpreadMax float64
	// KellyFraction scales the raw Kelly stake (e.g. 0.25 = quarter Kelly).
	KellyFraction float64
	// KellyCap bounds the stake as a fraction of bankroll.
	KellyCap float64
	// Bankroll is the total capital Kelly sizes against.
	Bankroll decimal.Decimal
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		MinEdge:        0.02,
		QuoteFreshness: 2 * time.Second,
		WideSpreadMax:  0.06,
		KellyFraction:  0.25,
		KellyCap:       0.05,
		Bankroll:       decimal.NewFromInt(1000),
	}
}

// Signal is one evaluated trading opportunity on a contract.
type Signal struct {
	MatchID    string           `json:"match_id"`
	Venue      market.Venue     `json:"venue"`
	ContractID string           `json:"contract_id"`
	Side       draft.Side       `json:"side"` // which team the contract pays on
	Direction  market.OrderSide `json:"direction"`

	ModelProb float64 `json:"model_prob"`
	Implied   float64 `json:"implied"`
	Edge      float64 `json:"edge"`

	// Stale means the quote was older than the freshness window, or the
	// estimate was built from a draft state that has since moved on. Stale
	// signals must not trade.
	Stale bool `json:"stale"`
	// Actionable means the edge clears MinEdge, the signal is fresh and the
	// suggested size is positive.
	Actionable bool `json:"actionable"`

	KellyFraction float64         `json:"kelly_fraction"`
	SuggestedSize decimal.Decimal `json:"suggested_size"`
	LimitPrice    float64         `json:"limit_price"`

	ModelVersion string    `json:"model_version"`
	VectorHash   string    `json:"vector_hash"`
	StateSeq     uint64    `json:"state_seq"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
}

// Evaluator computes signals from estimates and quotes.
type Evaluator struct {
	cfg Config
}

// NewEvaluator creates an evaluator. Zero-valued config fields fall back to
// defaults.
func NewEvaluator(cfg Config) *Evaluator {
	def := DefaultConfig()
	if cfg.MinEdge <= 0 {
		cfg.MinEdge = def.MinEdge
	}
	if cfg.QuoteFreshness <= 0 {
		cfg.QuoteFreshness = def.QuoteFreshness
	}
	if cfg.WideSpreadMax <= 0 {
		cfg.WideSpreadMax = def.WideSpreadMax
	}
	if cfg.KellyFraction <= 0 {
		cfg.KellyFraction = def.KellyFraction
	}
	if cfg.KellyCap <= 0 {
		cfg.KellyCap = def.KellyCap
	}
	if cfg.Bankroll.IsZero() {
		cfg.Bankroll = def.Bankroll
	}
	return &Evaluator{cfg: cfg}
}

// Evaluate prices an estimate against one contract quote. side is the team
// the contract pays out on; latestSeq is the seq of the latest applied draft
// event — an estimate scored from an earlier snapshot is stale no matter how
// recently it was computed.
func (e *Evaluator) Evaluate(est *model.Estimate, q market.Quote, side draft.Side, latestSeq uint64, now time.Time) (*Signal, error) {
	if q.ContractID == "" {
		return nil, ErrNoQuote
	}

	p := est.SideProb(side)

	// Direction first: it decides which book side we would hit.
	implied := q.Mid()
	direction := market.Buy
	if p < implied {
		direction = market.Sell
	}

	// Wide books make the mid a fiction. Price against the side the trade
	// would actually cross.
	if q.Spread() > e.cfg.WideSpreadMax {
		if direction == market.Buy {
			implied = q.Ask
		} else {
			implied = q.Bid
		}
		// The adverse price can flip a marginal signal's direction; recheck.
		if direction == market.Buy && p < implied {
			direction = market.Sell
			implied = q.Bid
		} else if direction == market.Sell && p > implied {
			direction = market.Buy
			implied = q.Ask
		}
	}

	edgeVal := p - implied
	if direction == market.Sell {
		edgeVal = implied - p
	}

	stale := q.Age(now) > e.cfg.QuoteFreshness || est.StateSeq < latestSeq

	sig := &Signal{
		MatchID:      est.MatchID,
		Venue:        q.Venue,
		ContractID:   q.ContractID,
		Side:         side,
		Direction:    direction,
		ModelProb:    p,
		Implied:      implied,
		Edge:         edgeVal,
		Stale:        stale,
		ModelVersion: est.ModelVersion,
		VectorHash:   est.VectorHash,
		StateSeq:     est.StateSeq,
		EvaluatedAt:  now,
	}

	// Kelly: pay implied to win 1. f* = (p - implied) / (1 - implied) for
	// buys; the sell side is the mirror bet on the complement.
	var kelly float64
	switch direction {
	case market.Buy:
		if implied < 1 {
			kelly = (p - implied) / (1 - implied)
		}
		sig.LimitPrice = q.Ask
	case market.Sell:
		if implied > 0 {
			kelly = ((1 - p) - (1 - implied)) / implied
		}
		sig.LimitPrice = q.Bid
	}
	kelly *= e.cfg.KellyFraction
	kelly = math.Min(kelly, e.cfg.KellyCap)
	if kelly < 0 {
		kelly = 0
	}
	sig.KellyFraction = kelly
	sig.SuggestedSize = e.cfg.Bankroll.Mul(decimal.NewFromFloat(kelly)).Round(2)

	sig.Actionable = !stale && edgeVal >= e.cfg.MinEdge && sig.SuggestedSize.IsPositive()
	return sig, nil
}
