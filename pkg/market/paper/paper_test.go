package paper

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/phenomenon0/draftedge/pkg/market"
)

func quote(bid, ask float64) market.Quote {
	return market.Quote{
		Venue: market.VenueKalshi, ContractID: "c1",
		Bid: bid, Ask: ask,
		BidSize: decimal.NewFromInt(1000), AskSize: decimal.NewFromInt(1000),
		At: time.Now().UTC(),
	}
}

func newVenue(t *testing.T) (*Venue, *market.Board) {
	t.Helper()
	board := market.NewBoard()
	return NewVenue(market.VenueKalshi, nil, board, DefaultConfig()), board
}

func buyReq(price float64, size int64, key string) market.OrderRequest {
	return market.OrderRequest{
		Venue: market.VenueKalshi, ContractID: "c1",
		Side: market.Buy, Price: price,
		Size: decimal.NewFromInt(size), IdempotencyKey: key,
	}
}

func TestMarketableBuyFillsAtAsk(t *testing.T) {
	v, board := newVenue(t)
	board.Put(quote(0.55, 0.57))

	res, err := v.PlaceOrder(context.Background(), buyReq(0.60, 50, "k1"))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if res.Status != market.OrderFilled {
		t.Fatalf("status = %s", res.Status)
	}
	if res.AvgPrice != 0.57 {
		t.Errorf("fill price = %v, want ask 0.57", res.AvgPrice)
	}
	if acct := v.Account(); !acct.Balance.Equal(decimal.NewFromInt(9950)) {
		t.Errorf("balance = %s, want 9950", acct.Balance)
	}
}

func TestUnmarketableOrderRestsThenFillsOnTick(t *testing.T) {
	v, board := newVenue(t)
	board.Put(quote(0.55, 0.57))

	res, err := v.PlaceOrder(context.Background(), buyReq(0.50, 50, "k1"))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if res.Status != market.OrderOpen {
		t.Fatalf("status = %s, want open", res.Status)
	}

	// Market comes down through the limit.
	q := quote(0.47, 0.49)
	board.Put(q)
	v.Tick(q)

	after, err := v.OrderStatus(context.Background(), res.OrderID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if after.Status != market.OrderFilled || after.AvgPrice != 0.49 {
		t.Errorf("after tick = %+v", after)
	}
}

func TestIdempotentResubmission(t *testing.T) {
	v, board := newVenue(t)
	board.Put(quote(0.55, 0.57))

	r1, _ := v.PlaceOrder(context.Background(), buyReq(0.60, 50, "k1"))
	r2, _ := v.PlaceOrder(context.Background(), buyReq(0.60, 50, "k1"))
	if r1.OrderID != r2.OrderID {
		t.Errorf("resubmission created new order %s != %s", r2.OrderID, r1.OrderID)
	}
	if acct := v.Account(); acct.TradeCount != 1 {
		t.Errorf("trades = %d, want 1", acct.TradeCount)
	}
}

func TestCancelRestingOrder(t *testing.T) {
	v, board := newVenue(t)
	board.Put(quote(0.55, 0.57))

	res, _ := v.PlaceOrder(context.Background(), buyReq(0.50, 50, "k1"))
	if err := v.CancelOrder(context.Background(), res.OrderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	after, _ := v.OrderStatus(context.Background(), res.OrderID)
	if after.Status != market.OrderCancelled {
		t.Errorf("status = %s", after.Status)
	}

	// A later tick through the limit must not fill a cancelled order.
	v.Tick(quote(0.47, 0.49))
	after, _ = v.OrderStatus(context.Background(), res.OrderID)
	if after.Status != market.OrderCancelled {
		t.Errorf("cancelled order filled on tick: %+v", after)
	}
}

func TestCancelLosesToFill(t *testing.T) {
	v, board := newVenue(t)
	board.Put(quote(0.55, 0.57))

	res, _ := v.PlaceOrder(context.Background(), buyReq(0.60, 50, "k1"))
	if err := v.CancelOrder(context.Background(), res.OrderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	after, _ := v.OrderStatus(context.Background(), res.OrderID)
	if after.Status != market.OrderFilled {
		t.Errorf("fill was undone by cancel: %+v", after)
	}
}

func TestInsufficientBalanceRejected(t *testing.T) {
	v, board := newVenue(t)
	board.Put(quote(0.55, 0.57))

	_, err := v.PlaceOrder(context.Background(), buyReq(0.60, 20000, "k1"))
	if err == nil {
		t.Fatal("expected rejection")
	}
	if market.Classify(err) != market.FailureRejected {
		t.Errorf("kind = %s, want rejected", market.Classify(err))
	}
}

func TestSlippageOnOversizedOrder(t *testing.T) {
	v, board := newVenue(t)
	q := quote(0.55, 0.57)
	q.AskSize = decimal.NewFromInt(10)
	board.Put(q)

	res, err := v.PlaceOrder(context.Background(), buyReq(0.60, 50, "k1"))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	want := 0.57 + 0.002 // 20 bps past the displayed size
	if res.AvgPrice < want-1e-9 || res.AvgPrice > want+1e-9 {
		t.Errorf("fill price = %v, want %v", res.AvgPrice, want)
	}
}
