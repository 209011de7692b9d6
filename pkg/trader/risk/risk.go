// Package risk gates every trade signal behind exposure limits, cooldowns
// and a per-decision lifecycle. One controller instance owns all positions;
// all mutation goes through Review and ApplyResult under a single lock, so
// there is exactly one answer to "what are we exposed to" at any moment.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/phenomenon0/draftedge/pkg/market"
	"github.com/phenomenon0/draftedge/pkg/trader/edge"
)

// Reason explains a rejected signal.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonEdgeTooSmall     Reason = "edge_too_small"
	ReasonStaleSignal      Reason = "stale_signal"
	ReasonExposureCap      Reason = "exposure_cap_exceeded"
	ReasonCooldown         Reason = "cooldown_active"
	ReasonDecisionInFlight Reason = "decision_in_flight"
	ReasonBlocked          Reason = "controller_blocked"
)

// DecisionState is the lifecycle of one decision stream.
type DecisionState int

const (
	StateIdle DecisionState = iota
	StatePendingApproval
	StateApproved
	StateExecuting
	StateSettled
)

func (s DecisionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePendingApproval:
		return "pending_approval"
	case StateApproved:
		return "approved"
	case StateExecuting:
		return "executing"
	case StateSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// Key identifies one decision stream: a match's contract at one venue. The
// decision FSM, position ledger and idempotency epochs are all scoped to it.
type Key struct {
	MatchID  string
	Venue    market.Venue
	Contract string
}

func (k Key) String() string {
	return k.MatchID + ":" + string(k.Venue) + ":" + k.Contract
}

// venueKey scopes cooldowns: one trade per (match, venue) per window,
// whichever contract it landed on.
type venueKey struct {
	MatchID string
	Venue   market.Venue
}

// Limits defines the controller's risk parameters.
type Limits struct {
	// MaxMatchExposure caps committed stake per match, filled or reserved.
	MaxMatchExposure decimal.Decimal
	// MaxTotalExposure caps committed stake across all matches.
	MaxTotalExposure decimal.Decimal
	// MaxOrderSize caps a single stake.
	MaxOrderSize decimal.Decimal
	// MinOrderSize drops dust orders.
	MinOrderSize decimal.Decimal
	// Cooldown is the minimum gap between trades on one (match, venue).
	Cooldown time.Duration
	// MaxDailyLoss trips the controller into Blocked for the day.
	MaxDailyLoss decimal.Decimal
}

// DefaultLimits returns conservative defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxMatchExposure: decimal.NewFromInt(200),
		MaxTotalExposure: decimal.NewFromInt(1000),
		MaxOrderSize:     decimal.NewFromInt(100),
		MinOrderSize:     decimal.NewFromInt(1),
		Cooldown:         30 * time.Second,
		MaxDailyLoss:     decimal.NewFromInt(250),
	}
}

// Decision is the controller's answer to one signal.
type Decision struct {
	Approved bool            `json:"approved"`
	Reason   Reason          `json:"reason,omitempty"`
	MatchID  string          `json:"match_id"`
	Venue    market.Venue    `json:"venue"`
	Contract string          `json:"contract_id"`
	Size     decimal.Decimal `json:"size"`
	// Key is the idempotency key the approved order must carry.
	Key       string        `json:"key,omitempty"`
	State     DecisionState `json:"state"`
	DecidedAt time.Time     `json:"decided_at"`
}

// PositionKey returns the decision's ledger key.
func (d Decision) PositionKey() Key {
	return Key{MatchID: d.MatchID, Venue: d.Venue, Contract: d.Contract}
}

// Position is open exposure on one contract. Qty is signed: buys add, sells
// subtract. Exposure is the gross stake committed to the contract.
type Position struct {
	MatchID  string          `json:"match_id"`
	Venue    market.Venue    `json:"venue"`
	Contract string          `json:"contract_id"`
	Qty      decimal.Decimal `json:"qty"`
	AvgEntry float64         `json:"avg_entry"`
	Exposure decimal.Decimal `json:"exposure"`
	Realized decimal.Decimal `json:"realized_pnl"`
	Trades   int             `json:"trades"`
	LastAt   time.Time       `json:"last_at"`
}

// Controller enforces limits and tracks decision lifecycles.
type Controller struct {
	limits Limits

	mu        sync.Mutex
	positions map[Key]*Position
	inflight  map[Key]DecisionState
	// reserved holds approved-but-unfilled stake. It counts against the
	// exposure caps from the moment of approval, so two in-flight decisions
	// cannot spend the same budget.
	reserved  map[Key]decimal.Decimal
	lastTrade map[venueKey]time.Time
	epochs    map[Key]uint64 // decision counter, feeds idempotency keys

	dailyLoss decimal.Decimal
	lossDay   int
	blocked   bool

	now func() time.Time
}

// NewController creates a controller. Zero-valued limits fall back to
// defaults.
func NewController(limits Limits) *Controller {
	def := DefaultLimits()
	if limits.MaxMatchExposure.IsZero() {
		limits.MaxMatchExposure = def.MaxMatchExposure
	}
	if limits.MaxTotalExposure.IsZero() {
		limits.MaxTotalExposure = def.MaxTotalExposure
	}
	if limits.MaxOrderSize.IsZero() {
		limits.MaxOrderSize = def.MaxOrderSize
	}
	if limits.MinOrderSize.IsZero() {
		limits.MinOrderSize = def.MinOrderSize
	}
	if limits.Cooldown <= 0 {
		limits.Cooldown = def.Cooldown
	}
	if limits.MaxDailyLoss.IsZero() {
		limits.MaxDailyLoss = def.MaxDailyLoss
	}
	return &Controller{
		limits:    limits,
		positions: make(map[Key]*Position),
		inflight:  make(map[Key]DecisionState),
		reserved:  make(map[Key]decimal.Decimal),
		lastTrade: make(map[venueKey]time.Time),
		epochs:    make(map[Key]uint64),
		now:       time.Now,
	}
}

// Review judges one signal. An approval moves the key's decision state to
// Approved and reserves the approved stake against the exposure caps; the
// caller must eventually call ApplyResult or Release for it.
func (c *Controller) Review(sig *edge.Signal) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.rollDayLocked(now)

	k := Key{MatchID: sig.MatchID, Venue: sig.Venue, Contract: sig.ContractID}
	d := Decision{
		MatchID:   sig.MatchID,
		Venue:     sig.Venue,
		Contract:  sig.ContractID,
		Size:      sig.SuggestedSize,
		DecidedAt: now,
		State:     StateIdle,
	}

	if st := c.inflight[k]; st == StatePendingApproval || st == StateApproved || st == StateExecuting {
		d.Reason = ReasonDecisionInFlight
		return d
	}
	c.inflight[k] = StatePendingApproval

	reject := func(r Reason) Decision {
		delete(c.inflight, k)
		d.Reason = r
		return d
	}

	if c.blocked {
		return reject(ReasonBlocked)
	}
	if sig.Stale {
		return reject(ReasonStaleSignal)
	}
	if !sig.Actionable {
		return reject(ReasonEdgeTooSmall)
	}
	if last, ok := c.lastTrade[venueKey{k.MatchID, k.Venue}]; ok && now.Sub(last) < c.limits.Cooldown {
		return reject(ReasonCooldown)
	}

	size := sig.SuggestedSize
	if size.GreaterThan(c.limits.MaxOrderSize) {
		size = c.limits.MaxOrderSize
	}
	if size.LessThan(c.limits.MinOrderSize) {
		return reject(ReasonEdgeTooSmall)
	}

	matchExp, totalExp := c.committedLocked(k.MatchID)
	if matchExp.Add(size).GreaterThan(c.limits.MaxMatchExposure) {
		return reject(ReasonExposureCap)
	}
	if totalExp.Add(size).GreaterThan(c.limits.MaxTotalExposure) {
		return reject(ReasonExposureCap)
	}

	c.epochs[k]++
	c.inflight[k] = StateApproved
	c.reserved[k] = size

	d.Approved = true
	d.Size = size
	d.State = StateApproved
	d.Key = fmt.Sprintf("%s:%d", k, c.epochs[k])
	return d
}

// committedLocked sums filled and reserved stake for one match and overall.
func (c *Controller) committedLocked(matchID string) (match, total decimal.Decimal) {
	for k, p := range c.positions {
		total = total.Add(p.Exposure)
		if k.MatchID == matchID {
			match = match.Add(p.Exposure)
		}
	}
	for k, r := range c.reserved {
		total = total.Add(r)
		if k.MatchID == matchID {
			match = match.Add(r)
		}
	}
	return match, total
}

// MarkExecuting records that the approved decision's order went out.
func (c *Controller) MarkExecuting(k Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[k] == StateApproved {
		c.inflight[k] = StateExecuting
	}
}

// ApplyResult is the sole position mutation point, fed exactly once per
// decision with its terminal outcome. It drops the decision's reservation,
// books the filled stake (signed by side, entry-averaged at price) and starts
// the cooldown; a zero fill just settles the decision.
func (c *Controller) ApplyResult(k Key, side market.OrderSide, filled decimal.Decimal, price float64, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.reserved, k)
	c.inflight[k] = StateSettled

	if !filled.IsPositive() {
		return
	}
	p, ok := c.positions[k]
	if !ok {
		p = &Position{MatchID: k.MatchID, Venue: k.Venue, Contract: k.Contract}
		c.positions[k] = p
	}
	prevAbs, _ := p.Qty.Abs().Float64()
	add, _ := filled.Float64()
	if prevAbs+add > 0 {
		p.AvgEntry = (p.AvgEntry*prevAbs + price*add) / (prevAbs + add)
	}
	if side == market.Sell {
		p.Qty = p.Qty.Sub(filled)
	} else {
		p.Qty = p.Qty.Add(filled)
	}
	p.Exposure = p.Exposure.Add(filled)
	p.Trades++
	p.LastAt = at
	c.lastTrade[venueKey{k.MatchID, k.Venue}] = at
}

// ReduceExposure gives back stake the venue confirmed was never at risk,
// such as the unfilled remainder of a cancelled order reconciled late.
func (c *Controller) ReduceExposure(k Key, amount decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.positions[k]
	if !ok {
		return
	}
	p.Exposure = p.Exposure.Sub(amount)
	if p.Exposure.IsNegative() {
		p.Exposure = decimal.Zero
	}
}

// Release abandons a decision that never reached the venue, returning its
// reserved stake to the budget.
func (c *Controller) Release(k Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.reserved, k)
	delete(c.inflight, k)
}

// Settle closes a match's exposure with its realized PnL. A loss past the
// daily limit blocks all further approvals until the day rolls over.
func (c *Controller) Settle(matchID string, pnl decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.rollDayLocked(now)

	first := true
	for k, p := range c.positions {
		if k.MatchID != matchID {
			continue
		}
		if first {
			p.Realized = p.Realized.Add(pnl)
			first = false
		}
		p.Exposure = decimal.Zero
		p.Qty = decimal.Zero
	}
	for k := range c.inflight {
		if k.MatchID == matchID {
			delete(c.inflight, k)
			delete(c.reserved, k)
		}
	}

	if pnl.IsNegative() {
		c.dailyLoss = c.dailyLoss.Add(pnl.Neg())
		if c.dailyLoss.GreaterThanOrEqual(c.limits.MaxDailyLoss) {
			c.blocked = true
		}
	}
}

// Blocked reports whether the daily loss limit tripped.
func (c *Controller) Blocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked
}

// DecisionStateFor returns the live decision state for a key.
func (c *Controller) DecisionStateFor(k Key) DecisionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[k]
}

// Positions returns a snapshot of all open positions.
func (c *Controller) Positions() []Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, *p)
	}
	return out
}

// Status summarizes the controller for the ops surface. TotalExposure is
// filled stake; Reserved is approved stake still awaiting its order result.
type Status struct {
	TotalExposure decimal.Decimal `json:"total_exposure"`
	Reserved      decimal.Decimal `json:"reserved"`
	OpenMatches   int             `json:"open_matches"`
	DailyLoss     decimal.Decimal `json:"daily_loss"`
	Blocked       bool            `json:"blocked"`
}

// Status returns current aggregates.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		DailyLoss:     c.dailyLoss,
		Blocked:       c.blocked,
		TotalExposure: decimal.Zero,
		Reserved:      decimal.Zero,
	}
	open := make(map[string]bool)
	for k, p := range c.positions {
		if p.Exposure.IsPositive() {
			open[k.MatchID] = true
		}
		s.TotalExposure = s.TotalExposure.Add(p.Exposure)
	}
	for _, r := range c.reserved {
		s.Reserved = s.Reserved.Add(r)
	}
	s.OpenMatches = len(open)
	return s
}

// rollDayLocked resets daily counters and the block on a new day.
func (c *Controller) rollDayLocked(now time.Time) {
	day := now.YearDay()
	if day != c.lossDay {
		c.lossDay = day
		c.dailyLoss = decimal.Zero
		c.blocked = false
	}
}
