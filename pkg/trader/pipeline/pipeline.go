// Package pipeline wires the draft tracker, feature builder, model, edge
// evaluator, risk controller and execution router into one flow. Every match
// gets its own worker goroutine with an ordered mailbox, so decisions for a
// match are strictly serialized while matches proceed in parallel.
package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/phenomenon0/draftedge/pkg/esports/draft"
	"github.com/phenomenon0/draftedge/pkg/esports/feature"
	"github.com/phenomenon0/draftedge/pkg/market"
	"github.com/phenomenon0/draftedge/pkg/model"
	"github.com/phenomenon0/draftedge/pkg/trader/audit"
	"github.com/phenomenon0/draftedge/pkg/trader/edge"
	"github.com/phenomenon0/draftedge/pkg/trader/exec"
	"github.com/phenomenon0/draftedge/pkg/trader/metrics"
	"github.com/phenomenon0/draftedge/pkg/trader/risk"
)

// Binding ties a match to a tradable contract at a venue. Side is the team
// the contract pays out on.
type Binding struct {
	MatchID    string       `json:"match_id"`
	Venue      market.Venue `json:"venue"`
	ContractID string       `json:"contract_id"`
	Side       draft.Side   `json:"side"`
}

// Config assembles a pipeline.
type Config struct {
	Tracker   *draft.Tracker
	Builder   *feature.Builder
	Model     *model.Handle
	Schema    string
	Evaluator *edge.Evaluator
	Risk      *risk.Controller
	Router    *exec.Router
	Board     *market.Board
	Audit     *audit.Hub
	Metrics   *metrics.Metrics

	// MailboxSize bounds each match worker's queue.
	MailboxSize int
}

// Pipeline routes draft events and quote ticks to per-match workers.
type Pipeline struct {
	cfg Config

	mu       sync.Mutex
	workers  map[string]*worker
	bindings map[string][]Binding // matchID -> contracts
	byQuote  map[quoteKey]string  // (venue, contract) -> matchID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type quoteKey struct {
	venue    market.Venue
	contract string
}

// tick is one unit of work for a match worker.
type tick struct {
	ev    *draft.Event // set for draft events
	quote *market.Quote
}

type worker struct {
	matchID string
	mailbox chan tick
}

// New creates a pipeline. Run it with Start.
func New(cfg Config) *Pipeline {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 64
	}
	if cfg.Schema == "" {
		cfg.Schema = feature.SchemaDraftV1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:      cfg,
		workers:  make(map[string]*worker),
		bindings: make(map[string][]Binding),
		byQuote:  make(map[quoteKey]string),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Bind registers a contract for a match. Quotes for the contract start
// flowing into the match's worker.
func (p *Pipeline) Bind(b Binding) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bindings[b.MatchID] = append(p.bindings[b.MatchID], b)
	p.byQuote[quoteKey{b.Venue, b.ContractID}] = b.MatchID
}

// HandleEvent queues a draft feed event for its match worker. Ordering per
// match is the arrival order at this method. Events for unregistered matches
// are dropped without spawning a worker.
func (p *Pipeline) HandleEvent(ev draft.Event) {
	if !p.cfg.Tracker.Known(ev.MatchID) {
		log.Printf("[PIPE] dropped %s event for unknown match %s", ev.Kind, ev.MatchID)
		return
	}
	e := ev
	p.dispatch(ev.MatchID, tick{ev: &e})
}

// HandleQuote queues a board quote for the match bound to its contract.
// Quotes for unbound contracts are dropped.
func (p *Pipeline) HandleQuote(q market.Quote) {
	p.mu.Lock()
	matchID, ok := p.byQuote[quoteKey{q.Venue, q.ContractID}]
	p.mu.Unlock()
	if !ok {
		return
	}
	if !p.cfg.Tracker.Known(matchID) {
		return
	}
	quote := q
	p.dispatch(matchID, tick{quote: &quote})
}

func (p *Pipeline) dispatch(matchID string, t tick) {
	p.mu.Lock()
	w, ok := p.workers[matchID]
	if !ok {
		w = &worker{matchID: matchID, mailbox: make(chan tick, p.cfg.MailboxSize)}
		p.workers[matchID] = w
		p.wg.Add(1)
		go p.runWorker(w)
	}
	p.mu.Unlock()

	select {
	case w.mailbox <- t:
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.PipelineDepth.WithLabelValues(matchID).Set(float64(len(w.mailbox)))
		}
	default:
		// Back-pressure: drop the oldest kind of work we can afford to lose,
		// which is this tick. Quote ticks recur; draft events are logged.
		if t.ev != nil {
			log.Printf("[PIPE] %s mailbox full, dropped %s event", matchID, t.ev.Kind)
		}
	}
}

// Stop cancels all workers and waits for them to drain.
func (p *Pipeline) Stop() {
	p.cancel()
	p.wg.Wait()
}

// QueueDepth returns the total number of queued ticks across all match
// workers. Zero means every delivered event has at least begun processing.
func (p *Pipeline) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	depth := 0
	for _, w := range p.workers {
		depth += len(w.mailbox)
	}
	return depth
}

func (p *Pipeline) runWorker(w *worker) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case t := <-w.mailbox:
			if t.ev != nil {
				if terminal := p.applyEvent(w.matchID, *t.ev); terminal {
					p.reap(w.matchID)
					return
				}
			} else if t.quote != nil {
				p.evaluateQuote(w.matchID, *t.quote)
			}
		}
	}
}

// reap tears down a terminal match: its worker, bindings, depth gauge and
// tracker entry all go. History keeps the match; the hot path forgets it.
func (p *Pipeline) reap(matchID string) {
	p.mu.Lock()
	delete(p.workers, matchID)
	for _, b := range p.bindings[matchID] {
		delete(p.byQuote, quoteKey{b.Venue, b.ContractID})
	}
	delete(p.bindings, matchID)
	p.mu.Unlock()

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.PipelineDepth.DeleteLabelValues(matchID)
	}
	p.cfg.Tracker.Forget(matchID)
	log.Printf("[PIPE] reaped terminal match %s", matchID)
}

// applyEvent advances the tracker and, on a state change, re-evaluates every
// bound contract against the freshest board quote. It reports whether the
// match reached a terminal state.
func (p *Pipeline) applyEvent(matchID string, ev draft.Event) bool {
	d, err := p.cfg.Tracker.Apply(ev)
	if p.cfg.Metrics != nil {
		outcome := "applied"
		if err != nil {
			outcome = "rejected"
		}
		p.cfg.Metrics.DraftEvents.WithLabelValues(ev.Kind.String(), outcome).Inc()
	}
	if err != nil {
		// Duplicates are routine feed replays; everything else is worth an ear.
		p.publishError(matchID, err)
		return false
	}
	if p.cfg.Audit != nil {
		p.cfg.Audit.Publish(audit.Event{Type: audit.EventDraftApplied, MatchID: matchID, Data: d})
	}
	if d.State.Terminal() {
		return true
	}
	p.evaluateMatch(matchID)
	return false
}

// evaluateQuote re-evaluates a match because one of its quotes moved.
func (p *Pipeline) evaluateQuote(matchID string, q market.Quote) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.QuoteUpdates.WithLabelValues(string(q.Venue)).Inc()
	}
	p.evaluateMatch(matchID)
}

// evaluateMatch scores the current snapshot and walks every bound contract
// through edge, risk, and execution.
func (p *Pipeline) evaluateMatch(matchID string) {
	snap, err := p.cfg.Tracker.Snapshot(matchID)
	if err != nil || snap.State.Terminal() || snap.State == draft.StatePending {
		return
	}

	vec, err := p.cfg.Builder.Build(p.cfg.Schema, snap)
	if err != nil {
		p.publishError(matchID, err)
		return
	}
	engine := p.cfg.Model.Engine()
	if engine == nil {
		return
	}
	est, err := engine.Score(vec)
	if err != nil {
		p.publishError(matchID, err)
		return
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.EstimateProb.WithLabelValues(est.ModelVersion).Observe(est.Prob)
	}
	if p.cfg.Audit != nil {
		p.cfg.Audit.Publish(audit.Event{Type: audit.EventEstimate, MatchID: matchID, Data: est})
	}

	p.mu.Lock()
	bindings := append([]Binding(nil), p.bindings[matchID]...)
	p.mu.Unlock()

	now := time.Now().UTC()
	for _, b := range bindings {
		q, ok := p.cfg.Board.Get(b.Venue, b.ContractID)
		if !ok {
			continue
		}
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.QuoteAge.WithLabelValues(string(b.Venue)).Observe(q.Age(now).Seconds())
		}

		sig, err := p.cfg.Evaluator.Evaluate(est, q, b.Side, snap.Seq, now)
		if err != nil {
			continue
		}
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.SignalsTotal.WithLabelValues(string(b.Venue), boolLabel(sig.Actionable)).Inc()
			p.cfg.Metrics.SignalEdge.WithLabelValues(string(b.Venue)).Observe(sig.Edge)
		}
		if p.cfg.Audit != nil {
			p.cfg.Audit.Publish(audit.Event{Type: audit.EventEdge, MatchID: matchID, Data: sig})
		}

		decision := p.cfg.Risk.Review(sig)
		if p.cfg.Audit != nil {
			p.cfg.Audit.Publish(audit.Event{Type: audit.EventDecision, MatchID: matchID, Data: decision})
		}
		if !decision.Approved {
			if p.cfg.Metrics != nil && decision.Reason != risk.ReasonEdgeTooSmall {
				p.cfg.Metrics.Rejections.WithLabelValues(string(decision.Reason)).Inc()
			}
			continue
		}

		ticket, err := p.cfg.Router.Submit(p.ctx, decision, sig.Direction, sig.LimitPrice)
		if err != nil {
			p.cfg.Risk.Release(decision.PositionKey())
			p.publishError(matchID, err)
			continue
		}
		go p.watchTicket(matchID, decision, ticket)
	}

	if p.cfg.Metrics != nil {
		st := p.cfg.Risk.Status()
		p.cfg.Metrics.SetExposure(st.TotalExposure, st.OpenMatches)
	}
}

// watchTicket publishes the order outcome once the router finishes.
func (p *Pipeline) watchTicket(matchID string, d risk.Decision, t *exec.Ticket) {
	select {
	case <-t.Done():
	case <-p.ctx.Done():
		return
	}
	res, err := t.Result()
	if p.cfg.Metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "failed"
		}
		p.cfg.Metrics.OrdersTotal.WithLabelValues(string(d.Venue), outcome).Inc()
	}
	if p.cfg.Audit != nil {
		data := map[string]any{"key": t.Key, "result": res}
		if err != nil {
			data["error"] = err.Error()
		}
		p.cfg.Audit.Publish(audit.Event{Type: audit.EventOrderResult, MatchID: matchID, Data: data})
	}
}

func (p *Pipeline) publishError(matchID string, err error) {
	if p.cfg.Audit != nil {
		p.cfg.Audit.Publish(audit.Event{
			Type:    audit.EventError,
			MatchID: matchID,
			Data:    map[string]string{"error": err.Error()},
		})
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
