// draftd is the draft-to-market trading daemon. It consumes live draft
// events, scores win probabilities, and trades prediction-market contracts
// when the model disagrees with the book.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/phenomenon0/draftedge/internal/config"
	"github.com/phenomenon0/draftedge/pkg/esports/draft"
	"github.com/phenomenon0/draftedge/pkg/esports/feature"
	"github.com/phenomenon0/draftedge/pkg/esports/teams"
	"github.com/phenomenon0/draftedge/pkg/market"
	"github.com/phenomenon0/draftedge/pkg/market/kalshi"
	"github.com/phenomenon0/draftedge/pkg/market/paper"
	"github.com/phenomenon0/draftedge/pkg/market/polymarket"
	"github.com/phenomenon0/draftedge/pkg/model"
	"github.com/phenomenon0/draftedge/pkg/trader/audit"
	"github.com/phenomenon0/draftedge/pkg/trader/edge"
	"github.com/phenomenon0/draftedge/pkg/trader/exec"
	"github.com/phenomenon0/draftedge/pkg/trader/metrics"
	"github.com/phenomenon0/draftedge/pkg/trader/pipeline"
	"github.com/phenomenon0/draftedge/pkg/trader/risk"
)

var (
	// Flags
	configPath = flag.String("config", "config.yaml", "Path to the YAML config file")
	paperMode  = flag.Bool("paper", true, "Simulate order execution against live quotes")
	httpAddr   = flag.String("http", "", "HTTP listen address (overrides config)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Println("Starting draftedge daemon")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *httpAddr != "" {
		cfg.Server.ListenAddr = *httpAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	d, err := newDaemon(cfg, *paperMode)
	if err != nil {
		log.Fatalf("Failed to initialize daemon: %v", err)
	}

	d.start(ctx)
	go d.startHTTP()

	log.Printf("Daemon running (paper=%v, http=%s)", *paperMode, cfg.Server.ListenAddr)
	log.Printf("Audit stream available at ws://%s/ws", cfg.Server.ListenAddr)

	<-sigCh
	log.Println("Shutting down...")

	d.stop()
	cancel()

	st := d.riskCtrl.Status()
	log.Printf("Final status: exposure=%s, open_matches=%d, daily_loss=%s",
		st.TotalExposure, st.OpenMatches, st.DailyLoss)
	for _, pv := range d.paperVenues {
		acct := pv.Account()
		log.Printf("Paper account %s: balance=%s (from %s), trades=%d",
			pv.Venue(), acct.Balance, acct.Initial, acct.TradeCount)
	}
	log.Println("Goodbye!")
}

type daemon struct {
	cfg   *config.Config
	paper bool

	registry *teams.Registry
	history  *feature.MemoryHistory
	tracker  *draft.Tracker
	builder  *feature.Builder
	handle   *model.Handle

	board       *market.Board
	venues      []market.VenueClient
	paperVenues []*paper.Venue

	evaluator *edge.Evaluator
	riskCtrl  *risk.Controller
	router    *exec.Router
	pipe      *pipeline.Pipeline
	hub       *audit.Hub
	metrics   *metrics.Metrics

	server *http.Server
}

func newDaemon(cfg *config.Config, paperMode bool) (*daemon, error) {
	d := &daemon{
		cfg:      cfg,
		paper:    paperMode,
		registry: teams.NewRegistry(),
		history:  feature.NewMemoryHistory(),
		board:    market.NewBoard(),
		hub:      audit.NewHub(cfg.Audit.RingSize),
		metrics:  metrics.New(),
	}

	for _, t := range cfg.Teams {
		d.registry.Add(teams.Team{
			ID:           t.Abbrev,
			Name:         t.Name,
			Abbreviation: t.Abbrev,
			Aliases:      t.Aliases,
			League:       t.League,
		})
	}
	if n := d.registry.Count(); n > 0 {
		log.Printf("Team registry loaded (%d teams)", n)
	}

	d.tracker = draft.NewTracker(d.history)
	d.builder = feature.NewBuilder(d.history)

	if cfg.Model.Path == "" {
		return nil, fmt.Errorf("model path required (model.path or MODEL_PATH)")
	}
	handle, err := model.NewHandle(model.FileLoader{Path: cfg.Model.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	d.handle = handle
	handle.OnSwap = func(prev, next string) { d.metrics.ModelSwaps.Inc() }
	log.Printf("Model loaded: %s (schema %s)", handle.Engine().Version(), handle.Engine().SchemaVersion())

	if err := d.setupVenues(); err != nil {
		return nil, err
	}
	if len(d.venues) == 0 {
		return nil, fmt.Errorf("no venues enabled")
	}

	d.evaluator = edge.NewEvaluator(edge.Config{
		MinEdge:        cfg.Edge.MinEdge,
		QuoteFreshness: cfg.QuoteFreshness(),
		WideSpreadMax:  cfg.Edge.WideSpreadMax,
		KellyFraction:  cfg.Edge.KellyFraction,
		KellyCap:       cfg.Edge.KellyCap,
		Bankroll:       decimal.NewFromFloat(cfg.Edge.Bankroll),
	})
	d.riskCtrl = risk.NewController(risk.Limits{
		MaxMatchExposure: decimal.NewFromFloat(cfg.Risk.MaxMatchExposure),
		MaxTotalExposure: decimal.NewFromFloat(cfg.Risk.MaxTotalExposure),
		MaxOrderSize:     decimal.NewFromFloat(cfg.Risk.MaxOrderSize),
		MinOrderSize:     decimal.NewFromFloat(cfg.Risk.MinOrderSize),
		Cooldown:         cfg.Cooldown(),
		MaxDailyLoss:     decimal.NewFromFloat(cfg.Risk.MaxDailyLoss),
	})
	d.router = exec.NewRouter(d.venues, d.riskCtrl, exec.RetryPolicy{
		MaxAttempts: cfg.Exec.MaxAttempts,
		BaseBackoff: time.Duration(cfg.Exec.BaseBackoffMS) * time.Millisecond,
		MaxBackoff:  time.Duration(cfg.Exec.MaxBackoffMS) * time.Millisecond,
		StatusPoll:  time.Duration(cfg.Exec.StatusPollMS) * time.Millisecond,
	})
	d.router.OnRetry = func(key string, attempt int) {
		d.metrics.OrderRetries.Inc()
		log.Printf("[EXEC] retrying %s (attempt %d)", key, attempt)
	}

	d.pipe = pipeline.New(pipeline.Config{
		Tracker:   d.tracker,
		Builder:   d.builder,
		Model:     d.handle,
		Evaluator: d.evaluator,
		Risk:      d.riskCtrl,
		Router:    d.router,
		Board:     d.board,
		Audit:     d.hub,
		Metrics:   d.metrics,
	})

	// Quote updates fan out to the paper books and the match workers.
	d.board.OnQuote = func(q market.Quote) {
		for _, pv := range d.paperVenues {
			pv.Tick(q)
		}
		d.pipe.HandleQuote(q)
	}

	for _, m := range cfg.Match {
		if err := d.tracker.Register(draft.Match{
			ID: m.ID, League: m.League,
			BlueTeam: m.BlueTeam, RedTeam: m.RedTeam,
			BestOf: m.BestOf, GameNum: m.GameNum,
		}); err != nil {
			return nil, fmt.Errorf("register match %s: %w", m.ID, err)
		}
	}
	for _, b := range cfg.Binds {
		binding, err := parseBinding(b)
		if err != nil {
			return nil, err
		}
		d.pipe.Bind(binding)
	}

	return d, nil
}

// setupVenues builds the enabled venue clients, wrapping each in a paper
// simulator when running in paper mode.
func (d *daemon) setupVenues() error {
	if d.cfg.Kalshi.Enabled {
		var real market.VenueClient
		if d.cfg.Kalshi.AccessKey != "" && d.cfg.Kalshi.SigningPEM != "" {
			opts := []kalshi.ClientOption{}
			if d.cfg.Kalshi.BaseURL != "" {
				opts = append(opts, kalshi.WithBaseURL(d.cfg.Kalshi.BaseURL))
			}
			if d.cfg.Kalshi.WSURL != "" {
				opts = append(opts, kalshi.WithWSURL(d.cfg.Kalshi.WSURL))
			}
			client, err := kalshi.NewClient(d.cfg.Kalshi.AccessKey, d.cfg.Kalshi.SigningPEM, opts...)
			if err != nil {
				return fmt.Errorf("kalshi client: %w", err)
			}
			real = client
		} else if !d.paper {
			return fmt.Errorf("kalshi enabled without KALSHI_ACCESS_KEY / KALSHI_PRIVATE_KEY")
		} else {
			log.Println("Kalshi: no credentials, paper venue will run without a quote stream")
		}
		d.addVenue(market.VenueKalshi, real)
	}

	if d.cfg.Poly.Enabled {
		var real market.VenueClient
		if d.cfg.Poly.PrivateKey != "" {
			signer, err := polymarket.NewSigner(
				d.cfg.Poly.PrivateKey, d.cfg.Poly.APIKey,
				d.cfg.Poly.APISecret, d.cfg.Poly.Passphrase,
			)
			if err != nil {
				return fmt.Errorf("polymarket signer: %w", err)
			}
			opts := []polymarket.ClientOption{}
			if d.cfg.Poly.BaseURL != "" {
				opts = append(opts, polymarket.WithBaseURL(d.cfg.Poly.BaseURL))
			}
			if d.cfg.Poly.WSURL != "" {
				opts = append(opts, polymarket.WithWSURL(d.cfg.Poly.WSURL))
			}
			real = polymarket.NewClient(signer, opts...)
		} else if !d.paper {
			return fmt.Errorf("polymarket enabled without POLY_PRIVATE_KEY")
		} else {
			log.Println("Polymarket: no credentials, paper venue will run without a quote stream")
		}
		d.addVenue(market.VenuePolymarket, real)
	}
	return nil
}

func (d *daemon) addVenue(name market.Venue, real market.VenueClient) {
	if d.paper {
		pv := paper.NewVenue(name, real, d.board, paper.DefaultConfig())
		d.paperVenues = append(d.paperVenues, pv)
		d.venues = append(d.venues, pv)
		log.Printf("Venue %s ready (paper)", name)
		return
	}
	d.venues = append(d.venues, real)
	log.Printf("Venue %s ready (live)", name)
}

// start launches the hub, quote streams, draft feed and model refresh loop.
func (d *daemon) start(ctx context.Context) {
	go d.hub.Run()
	d.handle.StartRefreshLoop(d.cfg.ModelRefresh())

	// One quote stream per venue, covering that venue's bound contracts.
	contracts := make(map[market.Venue][]string)
	for _, b := range d.cfg.Binds {
		contracts[market.Venue(b.Venue)] = append(contracts[market.Venue(b.Venue)], b.ContractID)
	}
	for _, client := range d.venues {
		ids := contracts[client.Venue()]
		if len(ids) == 0 {
			continue
		}
		go d.runQuoteStream(ctx, client, ids)
	}

	if d.cfg.Feed.URL != "" {
		go d.runDraftFeed(ctx)
	} else {
		log.Println("No draft feed URL configured; waiting for matches via config only")
	}
}

func (d *daemon) runQuoteStream(ctx context.Context, client market.VenueClient, contractIDs []string) {
	quotes := make(chan market.Quote, 256)
	go func() {
		if err := client.StreamQuotes(ctx, contractIDs, quotes); err != nil && ctx.Err() == nil {
			log.Printf("[FEED] %s quote stream: %v", client.Venue(), err)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-quotes:
			if err := d.board.Put(q); err != nil {
				log.Printf("[FEED] %s rejected quote: %v", q.Venue, err)
			}
		}
	}
}

func (d *daemon) runDraftFeed(ctx context.Context) {
	source := draft.NewSource(d.cfg.Feed.URL)
	msgs := make(chan draft.FeedMessage, 256)
	go func() {
		if err := source.Run(ctx, msgs); err != nil && ctx.Err() == nil {
			log.Printf("[FEED] draft stream: %v", err)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-msgs:
			switch {
			case msg.Match != nil:
				// Canonicalize provider spellings so history keys stay stable.
				if t, ok := d.registry.Resolve(msg.Match.BlueTeam); ok {
					msg.Match.BlueTeam = t.Name
				}
				if t, ok := d.registry.Resolve(msg.Match.RedTeam); ok {
					msg.Match.RedTeam = t.Name
				}
				if err := d.tracker.Register(*msg.Match); err != nil {
					log.Printf("[DRAFT] register %s: %v", msg.Match.ID, err)
					continue
				}
				log.Printf("[DRAFT] new match %s: %s vs %s (%s bo%d game %d)",
					msg.Match.ID, msg.Match.BlueTeam, msg.Match.RedTeam,
					msg.Match.League, msg.Match.BestOf, msg.Match.GameNum)
			case msg.Event != nil:
				d.pipe.HandleEvent(*msg.Event)
			}
		}
	}
}

func (d *daemon) stop() {
	d.pipe.Stop()
	d.handle.Stop()
	d.hub.Stop()
	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		d.server.Shutdown(shutdownCtx)
		cancel()
	}
}

func (d *daemon) startHTTP() {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		engine := d.handle.Engine()
		st := d.riskCtrl.Status()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"model_version":  engine.Version(),
			"schema_version": engine.SchemaVersion(),
			"active_matches": len(d.tracker.Active()),
			"risk":           st,
			"audit_clients":  d.hub.ClientCount(),
			"paper":          d.paper,
		})
	})

	mux.HandleFunc("/positions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(d.riskCtrl.Positions())
	})

	mux.HandleFunc("/matches", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(d.tracker.Active())
	})

	mux.HandleFunc("/quotes", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(d.board.All())
	})

	mux.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if len(d.paperVenues) == 0 {
			json.NewEncoder(w).Encode(map[string]string{"error": "not in paper mode"})
			return
		}
		accounts := make(map[string]paper.Account, len(d.paperVenues))
		for _, pv := range d.paperVenues {
			accounts[string(pv.Venue())] = pv.Account()
		}
		json.NewEncoder(w).Encode(accounts)
	})

	mux.Handle("/metrics", d.metrics.Handler())
	mux.HandleFunc("/ws", d.hub.ServeWS)

	d.server = &http.Server{
		Addr:         d.cfg.Server.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	log.Printf("HTTP server listening on %s", d.cfg.Server.ListenAddr)
	if err := d.server.ListenAndServe(); err != http.ErrServerClosed {
		log.Printf("HTTP server error: %v", err)
	}
}

func parseBinding(b config.Bind) (pipeline.Binding, error) {
	var side draft.Side
	switch b.Side {
	case "blue":
		side = draft.SideBlue
	case "red":
		side = draft.SideRed
	default:
		return pipeline.Binding{}, fmt.Errorf("binding %s: bad side %q", b.ContractID, b.Side)
	}
	venue := market.Venue(b.Venue)
	if venue != market.VenueKalshi && venue != market.VenuePolymarket {
		return pipeline.Binding{}, fmt.Errorf("binding %s: bad venue %q", b.ContractID, b.Venue)
	}
	return pipeline.Binding{
		MatchID:    b.MatchID,
		Venue:      venue,
		ContractID: b.ContractID,
		Side:       side,
	}, nil
}
