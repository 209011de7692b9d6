package market

import (
	"sync"
	"time"
)

// Board holds the latest quote per (venue, contract). Writers race freely;
// last write wins, which is correct because each venue stream is ordered and
// only the freshest quote matters.
type Board struct {
	mu     sync.RWMutex
	quotes map[boardKey]Quote

	// OnQuote, if set, is invoked after each accepted update, off the lock.
	OnQuote func(q Quote)
}

type boardKey struct {
	venue    Venue
	contract string
}

// NewBoard creates an empty board.
func NewBoard() *Board {
	return &Board{quotes: make(map[boardKey]Quote)}
}

// Put records a quote. Invalid quotes are dropped.
func (b *Board) Put(q Quote) error {
	if err := q.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	b.quotes[boardKey{q.Venue, q.ContractID}] = q
	b.mu.Unlock()

	if b.OnQuote != nil {
		b.OnQuote(q)
	}
	return nil
}

// Get returns the latest quote for a contract at a venue.
func (b *Board) Get(venue Venue, contractID string) (Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[boardKey{venue, contractID}]
	return q, ok
}

// Fresh returns the quote only if it is younger than maxAge.
func (b *Board) Fresh(venue Venue, contractID string, maxAge time.Duration, now time.Time) (Quote, bool) {
	q, ok := b.Get(venue, contractID)
	if !ok || q.Age(now) > maxAge {
		return Quote{}, false
	}
	return q, true
}

// All returns a copy of every quote on the board.
func (b *Board) All() []Quote {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Quote, 0, len(b.quotes))
	for _, q := range b.quotes {
		out = append(out, q)
	}
	return out
}
