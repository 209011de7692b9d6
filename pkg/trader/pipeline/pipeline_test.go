package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/phenomenon0/draftedge/pkg/esports/draft"
	"github.com/phenomenon0/draftedge/pkg/esports/feature"
	"github.com/phenomenon0/draftedge/pkg/market"
	"github.com/phenomenon0/draftedge/pkg/model"
	"github.com/phenomenon0/draftedge/pkg/trader/audit"
	"github.com/phenomenon0/draftedge/pkg/trader/edge"
	"github.com/phenomenon0/draftedge/pkg/trader/exec"
	"github.com/phenomenon0/draftedge/pkg/trader/risk"
)

type fakeVenue struct {
	mu     sync.Mutex
	venue  market.Venue
	orders []market.OrderRequest
}

func (f *fakeVenue) Venue() market.Venue { return f.venue }

func (f *fakeVenue) StreamQuotes(ctx context.Context, _ []string, _ chan<- market.Quote) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeVenue) PlaceOrder(_ context.Context, req market.OrderRequest) (*market.OrderResult, error) {
	f.mu.Lock()
	f.orders = append(f.orders, req)
	f.mu.Unlock()
	return &market.OrderResult{
		Venue:      f.venue,
		OrderID:    "ord-1",
		Status:     market.OrderFilled,
		FilledSize: req.Size,
		AvgPrice:   req.Price,
	}, nil
}

func (f *fakeVenue) CancelOrder(context.Context, string) error { return nil }

func (f *fakeVenue) OrderStatus(context.Context, string) (*market.OrderResult, error) {
	return &market.OrderResult{Venue: f.venue, OrderID: "ord-1", Status: market.OrderFilled}, nil
}

func (f *fakeVenue) placed() []market.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]market.OrderRequest(nil), f.orders...)
}

// fixture assembles a full pipeline over a fake venue. The engine is a
// bias-only model so P(blue) is a fixed 0.88 regardless of draft content.
type fixture struct {
	pipe    *Pipeline
	venue   *fakeVenue
	risk    *risk.Controller
	board   *market.Board
	results chan string
}

func newFixture(t *testing.T, hub *audit.Hub) *fixture {
	t.Helper()

	tracker := draft.NewTracker(nil)
	builder := feature.NewBuilder(feature.NewMemoryHistory())

	engine, err := model.NewEngine(&model.Artifact{
		Version:       "test-1",
		SchemaVersion: feature.SchemaDraftV1,
		Bias:          2.0,
		Weights:       make([]float64, 10),
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	ctrl := risk.NewController(risk.DefaultLimits())
	venue := &fakeVenue{venue: market.VenueKalshi}
	router := exec.NewRouter([]market.VenueClient{venue}, ctrl, exec.DefaultRetryPolicy())

	results := make(chan string, 8)
	router.OnResult = func(key string, _ *market.OrderResult, _ error) {
		results <- key
	}

	board := market.NewBoard()
	pipe := New(Config{
		Tracker:   tracker,
		Builder:   builder,
		Model:     model.NewStaticHandle(engine),
		Evaluator: edge.NewEvaluator(edge.DefaultConfig()),
		Risk:      ctrl,
		Router:    router,
		Board:     board,
		Audit:     hub,
	})
	t.Cleanup(pipe.Stop)

	if err := tracker.Register(draft.Match{
		ID: "m1", League: "LCK", BlueTeam: "T1", RedTeam: "GEN", BestOf: 3, GameNum: 1,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return &fixture{pipe: pipe, venue: venue, risk: ctrl, board: board, results: results}
}

func pickEvent(matchID string, phase int, at time.Time) draft.Event {
	return draft.Event{
		MatchID: matchID,
		Kind:    draft.EventAction,
		Action: draft.Action{
			Side:       draft.SideBlue,
			Type:       draft.ActionPick,
			ChampionID: 100 + phase,
			PhaseIndex: phase,
			At:         at,
		},
		At: at,
	}
}

func TestPipelinePlacesOrderOnDraftEvent(t *testing.T) {
	fx := newFixture(t, nil)
	now := time.Now().UTC()

	fx.pipe.Bind(Binding{MatchID: "m1", Venue: market.VenueKalshi, ContractID: "c1", Side: draft.SideBlue})
	if err := fx.board.Put(market.Quote{
		Venue: market.VenueKalshi, ContractID: "c1",
		Bid: 0.58, Ask: 0.60,
		BidSize: decimal.NewFromInt(500), AskSize: decimal.NewFromInt(500),
		At: now,
	}); err != nil {
		t.Fatalf("put quote: %v", err)
	}

	fx.pipe.HandleEvent(pickEvent("m1", 0, now))

	select {
	case key := <-fx.results:
		if key != "m1:kalshi:c1:1" {
			t.Errorf("idempotency key = %s", key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no order placed")
	}

	placed := fx.venue.placed()
	if len(placed) != 1 {
		t.Fatalf("placed %d orders, want 1", len(placed))
	}
	if placed[0].Side != market.Buy {
		t.Errorf("direction = %s, want buy", placed[0].Side)
	}
	if placed[0].Price != 0.60 {
		t.Errorf("limit price = %v, want ask 0.60", placed[0].Price)
	}

	st := fx.risk.Status()
	if !st.TotalExposure.Equal(placed[0].Size) {
		t.Errorf("exposure = %s, want %s", st.TotalExposure, placed[0].Size)
	}
}

func TestPipelineDropsUnboundQuote(t *testing.T) {
	fx := newFixture(t, nil)
	fx.pipe.HandleQuote(market.Quote{
		Venue: market.VenuePolymarket, ContractID: "nobody",
		Bid: 0.4, Ask: 0.5, At: time.Now().UTC(),
	})
	time.Sleep(50 * time.Millisecond)
	if n := len(fx.venue.placed()); n != 0 {
		t.Errorf("placed %d orders for an unbound quote", n)
	}
}

func TestPipelineNoOrderWithoutQuote(t *testing.T) {
	fx := newFixture(t, nil)
	fx.pipe.Bind(Binding{MatchID: "m1", Venue: market.VenueKalshi, ContractID: "c1", Side: draft.SideBlue})

	fx.pipe.HandleEvent(pickEvent("m1", 0, time.Now().UTC()))

	select {
	case <-fx.results:
		t.Fatal("order placed with no quote on the board")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPipelineCooldownBlocksRepeat(t *testing.T) {
	fx := newFixture(t, nil)
	now := time.Now().UTC()
	fx.pipe.Bind(Binding{MatchID: "m1", Venue: market.VenueKalshi, ContractID: "c1", Side: draft.SideBlue})
	fx.board.Put(market.Quote{
		Venue: market.VenueKalshi, ContractID: "c1",
		Bid: 0.58, Ask: 0.60,
		BidSize: decimal.NewFromInt(500), AskSize: decimal.NewFromInt(500),
		At: now,
	})

	fx.pipe.HandleEvent(pickEvent("m1", 0, now))
	<-fx.results

	// Second event inside the cooldown window must not produce an order.
	fx.pipe.HandleEvent(pickEvent("m1", 1, now.Add(time.Second)))
	select {
	case <-fx.results:
		t.Fatal("second order placed inside cooldown")
	case <-time.After(150 * time.Millisecond):
	}

	if n := len(fx.venue.placed()); n != 1 {
		t.Errorf("placed %d orders, want 1", n)
	}
}

func TestPipelineRejectedEventKeepsWorkerAlive(t *testing.T) {
	fx := newFixture(t, nil)
	now := time.Now().UTC()
	fx.pipe.Bind(Binding{MatchID: "m1", Venue: market.VenueKalshi, ContractID: "c1", Side: draft.SideBlue})

	// Out-of-order phase index is rejected by the tracker.
	fx.pipe.HandleEvent(pickEvent("m1", 5, now))
	time.Sleep(50 * time.Millisecond)

	fx.board.Put(market.Quote{
		Venue: market.VenueKalshi, ContractID: "c1",
		Bid: 0.58, Ask: 0.60,
		BidSize: decimal.NewFromInt(500), AskSize: decimal.NewFromInt(500),
		At: now,
	})
	fx.pipe.HandleEvent(pickEvent("m1", 0, now))

	select {
	case <-fx.results:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not recover after a rejected event")
	}
}

func TestPipelineTerminalEventStopsTrading(t *testing.T) {
	fx := newFixture(t, nil)
	now := time.Now().UTC()
	fx.pipe.Bind(Binding{MatchID: "m1", Venue: market.VenueKalshi, ContractID: "c1", Side: draft.SideBlue})
	fx.board.Put(market.Quote{
		Venue: market.VenueKalshi, ContractID: "c1",
		Bid: 0.58, Ask: 0.60,
		BidSize: decimal.NewFromInt(500), AskSize: decimal.NewFromInt(500),
		At: now,
	})

	fx.pipe.HandleEvent(draft.Event{MatchID: "m1", Kind: draft.EventVoid, At: now})
	time.Sleep(50 * time.Millisecond)

	// The match is void; quotes must no longer trigger orders.
	fx.pipe.HandleQuote(market.Quote{
		Venue: market.VenueKalshi, ContractID: "c1",
		Bid: 0.58, Ask: 0.60,
		BidSize: decimal.NewFromInt(500), AskSize: decimal.NewFromInt(500),
		At: now,
	})
	select {
	case <-fx.results:
		t.Fatal("order placed on a void match")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestPipelineIgnoresUnknownMatch(t *testing.T) {
	fx := newFixture(t, nil)
	now := time.Now().UTC()

	fx.pipe.HandleEvent(pickEvent("ghost", 0, now))
	time.Sleep(50 * time.Millisecond)

	fx.pipe.mu.Lock()
	_, spawned := fx.pipe.workers["ghost"]
	fx.pipe.mu.Unlock()
	if spawned {
		t.Error("worker spawned for an unregistered match")
	}
}

func TestPipelineReapsTerminalMatch(t *testing.T) {
	fx := newFixture(t, nil)
	now := time.Now().UTC()
	fx.pipe.Bind(Binding{MatchID: "m1", Venue: market.VenueKalshi, ContractID: "c1", Side: draft.SideBlue})

	fx.pipe.HandleEvent(draft.Event{MatchID: "m1", Kind: draft.EventVoid, At: now})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fx.pipe.mu.Lock()
		_, alive := fx.pipe.workers["m1"]
		_, bound := fx.pipe.byQuote[quoteKey{market.VenueKalshi, "c1"}]
		fx.pipe.mu.Unlock()
		if !alive && !bound {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	fx.pipe.mu.Lock()
	_, alive := fx.pipe.workers["m1"]
	_, bound := fx.pipe.byQuote[quoteKey{market.VenueKalshi, "c1"}]
	fx.pipe.mu.Unlock()
	if alive {
		t.Error("worker still registered after terminal event")
	}
	if bound {
		t.Error("quote binding still registered after terminal event")
	}
	if tracked := fx.pipe.cfg.Tracker.Known("m1"); tracked {
		t.Error("tracker still carries the match after terminal event")
	}
}

func TestPipelinePublishesAuditTrail(t *testing.T) {
	hub := audit.NewHub(64)
	go hub.Run()
	t.Cleanup(hub.Stop)

	fx := newFixture(t, hub)
	now := time.Now().UTC()
	fx.pipe.Bind(Binding{MatchID: "m1", Venue: market.VenueKalshi, ContractID: "c1", Side: draft.SideBlue})
	fx.board.Put(market.Quote{
		Venue: market.VenueKalshi, ContractID: "c1",
		Bid: 0.58, Ask: 0.60,
		BidSize: decimal.NewFromInt(500), AskSize: decimal.NewFromInt(500),
		At: now,
	})

	fx.pipe.HandleEvent(pickEvent("m1", 0, now))
	<-fx.results

	want := map[audit.EventType]bool{
		audit.EventDraftApplied: false,
		audit.EventEstimate:     false,
		audit.EventEdge:         false,
		audit.EventDecision:     false,
		audit.EventOrderResult:  false,
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range hub.Recent() {
			if _, ok := want[ev.Type]; ok {
				want[ev.Type] = true
			}
		}
		done := true
		for _, seen := range want {
			if !seen {
				done = false
			}
		}
		if done {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	for typ, seen := range want {
		if !seen {
			t.Errorf("no %s event published", typ)
		}
	}
}
