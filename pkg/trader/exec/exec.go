// Package exec routes approved decisions to venue clients. Submission is
// asynchronous and idempotent: one ticket per idempotency key, bounded
// retries on transient failures only, and the venue's word is final on
// cancel/fill races. A ticket finishes on the venue's terminal answer, not
// on the placement ack: resting orders are polled until they fill, cancel
// or the submission context ends.
package exec

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/phenomenon0/draftedge/pkg/market"
	"github.com/phenomenon0/draftedge/pkg/trader/risk"
)

var (
	// ErrUnknownVenue is returned when no client is registered for a venue.
	ErrUnknownVenue = errors.New("exec: unknown venue")
	// ErrNotApproved is returned when a rejected decision reaches Submit.
	ErrNotApproved = errors.New("exec: decision not approved")
)

// RetryPolicy bounds resubmission of transient failures and paces the
// status polling of resting orders.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// StatusPoll is the interval between OrderStatus checks while an order
	// rests on the book.
	StatusPoll time.Duration
}

// DefaultRetryPolicy retries twice more after the first attempt and polls
// resting orders every two seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: 250 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
		StatusPoll:  2 * time.Second,
	}
}

// Ticket tracks one asynchronous submission.
type Ticket struct {
	Key string

	done   chan struct{}
	mu     sync.Mutex
	result *market.OrderResult
	err    error
}

// Done closes when the submission reached a terminal state, successfully or
// not.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Result returns the outcome once Done is closed.
func (t *Ticket) Result() (*market.OrderResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

func (t *Ticket) finish(res *market.OrderResult, err error) {
	t.mu.Lock()
	t.result = res
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

// Router owns venue clients and the submission lifecycle.
type Router struct {
	venues map[market.Venue]market.VenueClient
	risk   *risk.Controller
	retry  RetryPolicy

	mu      sync.Mutex
	tickets map[string]*Ticket // idempotency key -> ticket

	// OnResult, if set, observes every finished submission.
	OnResult func(key string, res *market.OrderResult, err error)
	// OnRetry, if set, observes every resubmission of a transient failure.
	OnRetry func(key string, attempt int)
}

// NewRouter creates a router over the given venue clients.
func NewRouter(clients []market.VenueClient, ctrl *risk.Controller, retry RetryPolicy) *Router {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	if retry.StatusPoll <= 0 {
		retry.StatusPoll = DefaultRetryPolicy().StatusPoll
	}
	venues := make(map[market.Venue]market.VenueClient, len(clients))
	for _, c := range clients {
		venues[c.Venue()] = c
	}
	return &Router{
		venues:  venues,
		risk:    ctrl,
		retry:   retry,
		tickets: make(map[string]*Ticket),
	}
}

// Submit sends an approved decision to its venue asynchronously. Submitting
// the same idempotency key again returns the existing ticket; nothing is
// sent twice.
func (r *Router) Submit(ctx context.Context, d risk.Decision, direction market.OrderSide, price float64) (*Ticket, error) {
	if !d.Approved || d.Key == "" {
		return nil, ErrNotApproved
	}
	client, ok := r.venues[d.Venue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, d.Venue)
	}

	r.mu.Lock()
	if t, ok := r.tickets[d.Key]; ok {
		r.mu.Unlock()
		return t, nil
	}
	t := &Ticket{Key: d.Key, done: make(chan struct{})}
	r.tickets[d.Key] = t
	r.mu.Unlock()

	req := market.OrderRequest{
		Venue:          d.Venue,
		ContractID:     d.Contract,
		Side:           direction,
		Price:          price,
		Size:           d.Size,
		IdempotencyKey: d.Key,
	}
	if r.risk != nil {
		r.risk.MarkExecuting(d.PositionKey())
	}
	go r.run(ctx, client, d, req, t)
	return t, nil
}

// run drives one submission to a terminal state.
func (r *Router) run(ctx context.Context, client market.VenueClient, d risk.Decision, req market.OrderRequest, t *Ticket) {
	res, err := r.placeWithRetry(ctx, client, req)
	if err == nil && !terminal(res.Status) {
		res, err = r.reconcile(ctx, client, res)
	}

	if r.risk != nil {
		if err != nil {
			r.risk.Release(d.PositionKey())
		} else {
			r.risk.ApplyResult(d.PositionKey(), req.Side, terminalFill(res, req), fillPrice(res, req), time.Now().UTC())
		}
	}
	if err != nil {
		log.Printf("[EXEC] %s failed: %v", t.Key, err)
	}
	t.finish(res, err)
	if r.OnResult != nil {
		r.OnResult(t.Key, res, err)
	}
}

// terminal reports whether the venue is done with the order.
func terminal(s market.OrderStatus) bool {
	return s == market.OrderFilled || s == market.OrderCancelled
}

// reconcile polls a resting order until the venue reports a terminal state.
// Transient status errors keep polling; anything else surfaces with the last
// known result.
func (r *Router) reconcile(ctx context.Context, client market.VenueClient, res *market.OrderResult) (*market.OrderResult, error) {
	for !terminal(res.Status) {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(r.retry.StatusPoll):
		}
		cur, err := client.OrderStatus(ctx, res.OrderID)
		if err != nil {
			if market.Classify(err).Retryable() {
				continue
			}
			return res, err
		}
		if cur.OrderID == "" {
			cur.OrderID = res.OrderID
		}
		res = cur
	}
	return res, nil
}

// placeWithRetry resubmits only on transient failures, backing off
// exponentially. The idempotency key makes every resend safe.
func (r *Router) placeWithRetry(ctx context.Context, client market.VenueClient, req market.OrderRequest) (*market.OrderResult, error) {
	var lastErr error
	backoff := r.retry.BaseBackoff
	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		res, err := client.PlaceOrder(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !market.Classify(err).Retryable() {
			return nil, err
		}
		if attempt == r.retry.MaxAttempts {
			break
		}
		if r.OnRetry != nil {
			r.OnRetry(req.IdempotencyKey, attempt)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > r.retry.MaxBackoff {
			backoff = r.retry.MaxBackoff
		}
	}
	return nil, fmt.Errorf("exec: %d attempts exhausted: %w", r.retry.MaxAttempts, lastErr)
}

// terminalFill converts a terminal result to the stake that actually landed.
// A full fill with no reported size means the venue filled the whole request.
func terminalFill(res *market.OrderResult, req market.OrderRequest) decimal.Decimal {
	if res == nil {
		return decimal.Zero
	}
	if res.Status == market.OrderFilled && res.FilledSize.IsZero() {
		return req.Size
	}
	return res.FilledSize
}

// fillPrice prefers the venue's average fill price over the limit.
func fillPrice(res *market.OrderResult, req market.OrderRequest) float64 {
	if res != nil && res.AvgPrice > 0 {
		return res.AvgPrice
	}
	return req.Price
}

// Cancel asks the venue to cancel an order and returns its authoritative
// status. A fill that won the race surfaces here as filled; the order's
// reconcile watcher, not Cancel, folds the outcome into the risk ledger.
func (r *Router) Cancel(ctx context.Context, venue market.Venue, orderID string) (*market.OrderResult, error) {
	client, ok := r.venues[venue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, venue)
	}

	cancelErr := client.CancelOrder(ctx, orderID)
	res, statusErr := client.OrderStatus(ctx, orderID)
	if statusErr != nil {
		if cancelErr != nil {
			return nil, fmt.Errorf("exec: cancel failed (%v) and status unknown: %w", cancelErr, statusErr)
		}
		return nil, statusErr
	}
	return res, nil
}

// Ticket returns the ticket for an idempotency key, if any.
func (r *Router) Ticket(key string) (*Ticket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[key]
	return t, ok
}
