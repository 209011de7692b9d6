// replay runs a recorded session through the full trading pipeline with
// simulated execution. Sessions are JSONL files mixing draft feed frames and
// quote frames, in capture order; the output is what the daemon would have
// traded.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/phenomenon0/draftedge/internal/config"
	"github.com/phenomenon0/draftedge/pkg/esports/draft"
	"github.com/phenomenon0/draftedge/pkg/esports/feature"
	"github.com/phenomenon0/draftedge/pkg/market"
	"github.com/phenomenon0/draftedge/pkg/market/paper"
	"github.com/phenomenon0/draftedge/pkg/model"
	"github.com/phenomenon0/draftedge/pkg/trader/audit"
	"github.com/phenomenon0/draftedge/pkg/trader/edge"
	"github.com/phenomenon0/draftedge/pkg/trader/exec"
	"github.com/phenomenon0/draftedge/pkg/trader/pipeline"
	"github.com/phenomenon0/draftedge/pkg/trader/risk"
)

var (
	configPath  = flag.String("config", "config.yaml", "Path to the YAML config file")
	sessionPath = flag.String("session", "", "Path to the JSONL session recording")
	verbose     = flag.Bool("verbose", false, "Log every decision and order")
)

// quoteFrame is the recorded form of one board update.
type quoteFrame struct {
	Type     string  `json:"type"`
	Venue    string  `json:"venue"`
	Contract string  `json:"contract"`
	Bid      float64 `json:"bid"`
	Ask      float64 `json:"ask"`
	BidSize  float64 `json:"bid_size"`
	AskSize  float64 `json:"ask_size"`
	TS       float64 `json:"ts"`
}

func main() {
	flag.Parse()
	log.SetFlags(0)

	if *sessionPath == "" {
		log.Fatal("replay: -session is required")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("replay: load config: %v", err)
	}

	r, err := newReplay(cfg)
	if err != nil {
		log.Fatalf("replay: %v", err)
	}

	f, err := os.Open(*sessionPath)
	if err != nil {
		log.Fatalf("replay: open session: %v", err)
	}
	defer f.Close()

	start := time.Now()
	lines, err := r.feed(f)
	if err != nil {
		log.Fatalf("replay: %v", err)
	}
	r.drain()
	r.report(lines, time.Since(start))
}

type replay struct {
	tracker *draft.Tracker
	board   *market.Board
	pipe    *pipeline.Pipeline
	ctrl    *risk.Controller
	venues  map[market.Venue]*paper.Venue

	orders   atomic.Int64
	failures atomic.Int64
}

func newReplay(cfg *config.Config) (*replay, error) {
	history := feature.NewMemoryHistory()
	tracker := draft.NewTracker(history)
	builder := feature.NewBuilder(history)

	if cfg.Model.Path == "" {
		return nil, fmt.Errorf("model path required (model.path or MODEL_PATH)")
	}
	handle, err := model.NewHandle(model.FileLoader{Path: cfg.Model.Path})
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}

	board := market.NewBoard()
	ctrl := risk.NewController(risk.Limits{
		MaxMatchExposure: decimal.NewFromFloat(cfg.Risk.MaxMatchExposure),
		MaxTotalExposure: decimal.NewFromFloat(cfg.Risk.MaxTotalExposure),
		MaxOrderSize:     decimal.NewFromFloat(cfg.Risk.MaxOrderSize),
		MinOrderSize:     decimal.NewFromFloat(cfg.Risk.MinOrderSize),
		Cooldown:         cfg.Cooldown(),
		MaxDailyLoss:     decimal.NewFromFloat(cfg.Risk.MaxDailyLoss),
	})

	r := &replay{
		tracker: tracker,
		board:   board,
		ctrl:    ctrl,
		venues:  make(map[market.Venue]*paper.Venue),
	}

	var clients []market.VenueClient
	for _, name := range []market.Venue{market.VenueKalshi, market.VenuePolymarket} {
		pv := paper.NewVenue(name, nil, board, paper.DefaultConfig())
		r.venues[name] = pv
		clients = append(clients, pv)
	}
	router := exec.NewRouter(clients, ctrl, exec.DefaultRetryPolicy())
	router.OnResult = func(key string, res *market.OrderResult, err error) {
		r.orders.Add(1)
		if err != nil {
			r.failures.Add(1)
		}
		if *verbose {
			if err != nil {
				log.Printf("order %s failed: %v", key, err)
			} else {
				log.Printf("order %s: %s filled=%s @ %.3f", key, res.Status, res.FilledSize, res.AvgPrice)
			}
		}
	}

	hub := audit.NewHub(cfg.Audit.RingSize)
	go hub.Run()

	r.pipe = pipeline.New(pipeline.Config{
		Tracker: tracker,
		Builder: builder,
		Model:   handle,
		Evaluator: edge.NewEvaluator(edge.Config{
			MinEdge:        cfg.Edge.MinEdge,
			QuoteFreshness: 87600 * time.Hour, // recorded quotes are always "fresh"
			WideSpreadMax:  cfg.Edge.WideSpreadMax,
			KellyFraction:  cfg.Edge.KellyFraction,
			KellyCap:       cfg.Edge.KellyCap,
			Bankroll:       decimal.NewFromFloat(cfg.Edge.Bankroll),
		}),
		Risk:   ctrl,
		Router: router,
		Board:  board,
		Audit:  hub,
	})

	board.OnQuote = func(q market.Quote) {
		for _, pv := range r.venues {
			pv.Tick(q)
		}
		r.pipe.HandleQuote(q)
	}

	for _, m := range cfg.Match {
		if err := tracker.Register(draft.Match{
			ID: m.ID, League: m.League,
			BlueTeam: m.BlueTeam, RedTeam: m.RedTeam,
			BestOf: m.BestOf, GameNum: m.GameNum,
		}); err != nil {
			return nil, err
		}
	}
	for _, b := range cfg.Binds {
		side := draft.SideBlue
		if b.Side == "red" {
			side = draft.SideRed
		}
		r.pipe.Bind(pipeline.Binding{
			MatchID:    b.MatchID,
			Venue:      market.Venue(b.Venue),
			ContractID: b.ContractID,
			Side:       side,
		})
	}
	return r, nil
}

// feed replays every line of the session in order.
func (r *replay) feed(f *os.File) (int, error) {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lines := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lines++

		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &head); err != nil {
			return lines, fmt.Errorf("line %d: %w", lines, err)
		}

		if head.Type == "quote" {
			var q quoteFrame
			if err := json.Unmarshal(line, &q); err != nil {
				return lines, fmt.Errorf("line %d: %w", lines, err)
			}
			r.board.Put(market.Quote{
				Venue:      market.Venue(q.Venue),
				ContractID: q.Contract,
				Bid:        q.Bid,
				Ask:        q.Ask,
				BidSize:    decimal.NewFromFloat(q.BidSize),
				AskSize:    decimal.NewFromFloat(q.AskSize),
				At:         time.Now().UTC(),
			})
			continue
		}

		msgs, err := draft.DecodeFeedFrame(line)
		if err != nil {
			return lines, fmt.Errorf("line %d: %w", lines, err)
		}
		for _, msg := range msgs {
			switch {
			case msg.Match != nil:
				if err := r.tracker.Register(*msg.Match); err != nil {
					log.Printf("line %d: register %s: %v", lines, msg.Match.ID, err)
				}
			case msg.Event != nil:
				r.pipe.HandleEvent(*msg.Event)
			}
		}
	}
	return lines, scanner.Err()
}

// drain waits for the match workers and any in-flight orders to settle.
func (r *replay) drain() {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && r.pipe.QueueDepth() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)
	r.pipe.Stop()
}

func (r *replay) report(lines int, elapsed time.Duration) {
	st := r.ctrl.Status()
	fmt.Printf("replayed %d frames in %s\n", lines, elapsed.Round(time.Millisecond))
	fmt.Printf("orders: %d placed, %d failed\n", r.orders.Load(), r.failures.Load())
	fmt.Printf("exposure: %s across %d matches (daily loss %s, blocked=%v)\n",
		st.TotalExposure, st.OpenMatches, st.DailyLoss, st.Blocked)
	for name, pv := range r.venues {
		acct := pv.Account()
		if acct.TradeCount == 0 && acct.OpenOrders == 0 {
			continue
		}
		fmt.Printf("%s: balance %s (from %s), %d trades, %d resting\n",
			name, acct.Balance, acct.Initial, acct.TradeCount, acct.OpenOrders)
	}
	for _, p := range r.ctrl.Positions() {
		fmt.Printf("  %s %s/%s: qty %s avg %.2f, exposure %s over %d trades\n",
			p.MatchID, p.Venue, p.Contract, p.Qty, p.AvgEntry, p.Exposure, p.Trades)
	}
}
