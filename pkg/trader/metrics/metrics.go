// Package metrics exposes Prometheus metrics for the draft trading pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Metrics collects pipeline Prometheus metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	DraftEvents   *prometheus.CounterVec
	QuoteUpdates  *prometheus.CounterVec
	QuoteAge      *prometheus.HistogramVec
	EstimateProb  *prometheus.HistogramVec
	SignalsTotal  *prometheus.CounterVec
	SignalEdge    *prometheus.HistogramVec
	Rejections    *prometheus.CounterVec
	OrdersTotal   *prometheus.CounterVec
	OrderRetries  prometheus.Counter
	TotalExposure prometheus.Gauge
	OpenMatches   prometheus.Gauge
	ModelSwaps    prometheus.Counter
	PipelineDepth *prometheus.GaugeVec
}

// New creates the metric set.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		DraftEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "draftedge_draft_events_total",
				Help: "Draft feed events applied, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		QuoteUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "draftedge_quote_updates_total",
				Help: "Quote updates accepted onto the board, by venue",
			},
			[]string{"venue"},
		),
		QuoteAge: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "draftedge_quote_age_seconds",
				Help:    "Quote age at evaluation time",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"venue"},
		),
		EstimateProb: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "draftedge_estimate_prob",
				Help:    "Calibrated win probabilities produced by the model",
				Buckets: prometheus.LinearBuckets(0.05, 0.05, 19),
			},
			[]string{"model_version"},
		),
		SignalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "draftedge_signals_total",
				Help: "Evaluated signals, by venue and actionability",
			},
			[]string{"venue", "actionable"},
		),
		SignalEdge: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "draftedge_signal_edge",
				Help:    "Model-vs-market edge of evaluated signals",
				Buckets: []float64{-0.1, -0.05, -0.02, 0, 0.02, 0.05, 0.1, 0.2},
			},
			[]string{"venue"},
		),
		Rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "draftedge_risk_rejections_total",
				Help: "Signals rejected by the risk controller, by reason",
			},
			[]string{"reason"},
		),
		OrdersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "draftedge_orders_total",
				Help: "Orders submitted to venues, by venue and outcome",
			},
			[]string{"venue", "outcome"},
		),
		OrderRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "draftedge_order_retries_total",
				Help: "Order resubmissions after transient venue failures",
			},
		),
		TotalExposure: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "draftedge_total_exposure",
				Help: "Open stake across all matches",
			},
		),
		OpenMatches: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "draftedge_open_matches",
				Help: "Matches with open exposure",
			},
		),
		ModelSwaps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "draftedge_model_swaps_total",
				Help: "Hot swaps of the scoring engine",
			},
		),
		PipelineDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "draftedge_pipeline_mailbox_depth",
				Help: "Queued events per match worker",
			},
			[]string{"match_id"},
		),
	}

	registry.MustRegister(
		m.DraftEvents,
		m.QuoteUpdates,
		m.QuoteAge,
		m.EstimateProb,
		m.SignalsTotal,
		m.SignalEdge,
		m.Rejections,
		m.OrdersTotal,
		m.OrderRetries,
		m.TotalExposure,
		m.OpenMatches,
		m.ModelSwaps,
		m.PipelineDepth,
	)
	return m
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetExposure updates the exposure gauges from a risk status snapshot.
func (m *Metrics) SetExposure(total decimal.Decimal, openMatches int) {
	f, _ := total.Float64()
	m.TotalExposure.Set(f)
	m.OpenMatches.Set(float64(openMatches))
}
