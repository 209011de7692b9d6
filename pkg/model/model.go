// Package model scores feature vectors into calibrated blue-side win
// probabilities. Artifacts are trained offline and loaded as JSON; the
// runtime engine is a linear model with a calibration stage on top, kept
// deliberately simple so scoring stays microsecond-cheap on every draft tick.
package model

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/phenomenon0/draftedge/pkg/esports/draft"
	"github.com/phenomenon0/draftedge/pkg/esports/feature"
)

var (
	// ErrSchemaMismatch is returned when a vector's schema does not match the
	// artifact's training schema.
	ErrSchemaMismatch = errors.New("model: schema mismatch")
	// ErrDimensionMismatch is returned when the vector length differs from
	// the weight count.
	ErrDimensionMismatch = errors.New("model: dimension mismatch")
)

// Probability bounds. Outputs are clamped strictly inside (0, 1) so that
// log-odds and Kelly math downstream never divide by zero.
const (
	probFloor = 0.0001
	probCeil  = 0.9999
)

// Calibration maps raw model scores onto observed frequencies.
type Calibration struct {
	// Method is "none", "temperature" or "platt".
	Method string `json:"method"`
	// Temperature divides the logit when Method == "temperature". Values
	// above 1 soften confident outputs.
	Temperature float64 `json:"temperature,omitempty"`
	// A and B are the Platt coefficients when Method == "platt":
	// p' = sigmoid(A*logit(p) + B).
	A float64 `json:"a,omitempty"`
	B float64 `json:"b,omitempty"`
}

// Apply runs the calibration over a raw probability.
func (c *Calibration) Apply(p float64) float64 {
	p = clamp01(p)
	switch c.Method {
	case "temperature":
		t := c.Temperature
		if t <= 0 {
			t = 1
		}
		return clamp01(sigmoid(logit(p) / t))
	case "platt":
		return clamp01(sigmoid(c.A*logit(p) + c.B))
	default:
		return p
	}
}

// Artifact is a trained model as persisted on disk.
type Artifact struct {
	Version       string      `json:"version"`
	SchemaVersion string      `json:"schema_version"`
	Bias          float64     `json:"bias"`
	Weights       []float64   `json:"weights"`
	Calibration   Calibration `json:"calibration"`
	TrainedAt     time.Time   `json:"trained_at"`
}

// Validate checks the artifact is loadable.
func (a *Artifact) Validate() error {
	if a.Version == "" {
		return fmt.Errorf("model: artifact version required")
	}
	if a.SchemaVersion == "" {
		return fmt.Errorf("model: schema version required")
	}
	if len(a.Weights) == 0 {
		return fmt.Errorf("model: no weights")
	}
	for i, w := range a.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("model: weight %d is not finite", i)
		}
	}
	return nil
}

// Estimate is one scored prediction: the probability that blue wins,
// re-expressed per side at the trading layer.
type Estimate struct {
	ID            string    `json:"id"`
	MatchID       string    `json:"match_id"`
	Prob          float64   `json:"prob"` // P(blue wins), in (0, 1)
	ModelVersion  string    `json:"model_version"`
	SchemaVersion string    `json:"schema_version"`
	VectorHash    string    `json:"vector_hash"`
	StateSeq      uint64    `json:"state_seq"`
	BuiltAt       time.Time `json:"built_at"`
}

// SideProb returns the estimate's probability for a given side.
func (e *Estimate) SideProb(side draft.Side) float64 {
	if side == draft.SideBlue {
		return e.Prob
	}
	return 1 - e.Prob
}

// Engine scores vectors against one artifact. Immutable after construction;
// swap whole engines to change models.
type Engine struct {
	artifact *Artifact
}

// NewEngine validates and wraps an artifact.
func NewEngine(a *Artifact) (*Engine, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &Engine{artifact: a}, nil
}

// Version returns the artifact version.
func (e *Engine) Version() string { return e.artifact.Version }

// SchemaVersion returns the feature schema the artifact was trained on.
func (e *Engine) SchemaVersion() string { return e.artifact.SchemaVersion }

// Score computes a calibrated estimate from a vector.
func (e *Engine) Score(v *feature.Vector) (*Estimate, error) {
	a := e.artifact
	if v.SchemaVersion != a.SchemaVersion {
		return nil, fmt.Errorf("%w: vector %s, artifact %s", ErrSchemaMismatch, v.SchemaVersion, a.SchemaVersion)
	}
	if len(v.Values) != len(a.Weights) {
		return nil, fmt.Errorf("%w: %d values, %d weights", ErrDimensionMismatch, len(v.Values), len(a.Weights))
	}

	z := a.Bias
	for i, val := range v.Values {
		z += a.Weights[i] * val
	}
	p := a.Calibration.Apply(sigmoid(z))

	return &Estimate{
		ID:            uuid.NewString(),
		MatchID:       v.MatchID,
		Prob:          p,
		ModelVersion:  a.Version,
		SchemaVersion: a.SchemaVersion,
		VectorHash:    v.Hash(),
		StateSeq:      v.StateSeq,
		BuiltAt:       time.Now().UTC(),
	}, nil
}

// --- Math helpers ---

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func logit(p float64) float64 {
	return math.Log(p / (1 - p))
}

func clamp01(p float64) float64 {
	if p < probFloor {
		return probFloor
	}
	if p > probCeil {
		return probCeil
	}
	return p
}
