package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func quoteAt(venue Venue, contract string, bid, ask float64, at time.Time) Quote {
	return Quote{
		Venue:      venue,
		ContractID: contract,
		Bid:        bid,
		Ask:        ask,
		BidSize:    decimal.NewFromInt(100),
		AskSize:    decimal.NewFromInt(100),
		At:         at,
	}
}

func TestQuoteMidAndSpread(t *testing.T) {
	q := quoteAt(VenueKalshi, "c1", 0.55, 0.61, time.Now())
	if mid := q.Mid(); mid != 0.58 {
		t.Errorf("mid = %v, want 0.58", mid)
	}
	if sp := q.Spread(); sp < 0.0599 || sp > 0.0601 {
		t.Errorf("spread = %v, want 0.06", sp)
	}
}

func TestQuoteValidate(t *testing.T) {
	now := time.Now()
	bad := []Quote{
		quoteAt(VenueKalshi, "", 0.4, 0.5, now),
		quoteAt(VenueKalshi, "c1", -0.1, 0.5, now),
		quoteAt(VenueKalshi, "c1", 0.4, 1.2, now),
		quoteAt(VenueKalshi, "c1", 0.6, 0.5, now), // crossed
	}
	for i, q := range bad {
		if err := q.Validate(); err == nil {
			t.Errorf("case %d: invalid quote accepted", i)
		}
	}
	good := quoteAt(VenueKalshi, "c1", 0.4, 0.5, now)
	if err := good.Validate(); err != nil {
		t.Errorf("valid quote rejected: %v", err)
	}
}

func TestBoardLastWriteWins(t *testing.T) {
	b := NewBoard()
	now := time.Now()

	b.Put(quoteAt(VenueKalshi, "c1", 0.40, 0.45, now.Add(-time.Second)))
	b.Put(quoteAt(VenueKalshi, "c1", 0.50, 0.55, now))

	q, ok := b.Get(VenueKalshi, "c1")
	if !ok || q.Bid != 0.50 {
		t.Errorf("Get = %+v, %v; want latest quote", q, ok)
	}
}

func TestBoardVenueIsolation(t *testing.T) {
	b := NewBoard()
	now := time.Now()
	b.Put(quoteAt(VenueKalshi, "c1", 0.40, 0.45, now))
	b.Put(quoteAt(VenuePolymarket, "c1", 0.42, 0.47, now))

	kq, _ := b.Get(VenueKalshi, "c1")
	pq, _ := b.Get(VenuePolymarket, "c1")
	if kq.Bid == pq.Bid {
		t.Error("venues sharing board slot")
	}
}

func TestBoardFresh(t *testing.T) {
	b := NewBoard()
	now := time.Now()
	b.Put(quoteAt(VenueKalshi, "c1", 0.40, 0.45, now.Add(-5*time.Second)))

	if _, ok := b.Fresh(VenueKalshi, "c1", 2*time.Second, now); ok {
		t.Error("stale quote reported fresh")
	}
	if _, ok := b.Fresh(VenueKalshi, "c1", 10*time.Second, now); !ok {
		t.Error("fresh quote reported stale")
	}
}

func TestBoardRejectsInvalid(t *testing.T) {
	b := NewBoard()
	if err := b.Put(quoteAt(VenueKalshi, "c1", 0.9, 0.1, time.Now())); err == nil {
		t.Fatal("crossed quote accepted")
	}
	if _, ok := b.Get(VenueKalshi, "c1"); ok {
		t.Error("invalid quote stored")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want FailureKind
	}{
		{nil, FailureNone},
		{&VenueError{Venue: VenueKalshi, Kind: FailureRateLimited, Err: errors.New("429")}, FailureRateLimited},
		{&VenueError{Venue: VenueKalshi, Kind: FailureRejected, Err: errors.New("400")}, FailureRejected},
		{context.DeadlineExceeded, FailureTimeout},
		{errors.New("boom"), FailureVenue},
	}
	for i, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("case %d: Classify = %s, want %s", i, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !FailureRateLimited.Retryable() || !FailureTimeout.Retryable() {
		t.Error("transient kinds not retryable")
	}
	if FailureRejected.Retryable() || FailureVenue.Retryable() {
		t.Error("permanent kinds retryable")
	}
}
