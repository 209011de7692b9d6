// Package feature turns draft state into the numeric vectors the win-prob
// model consumes. A schema pins the feature set by name and order; vectors
// carry the schema version plus a content hash so identical draft states
// always produce byte-identical inputs downstream.
package feature

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/phenomenon0/draftedge/pkg/esports/draft"
)

var (
	// ErrUnknownSchema is returned when no schema matches the requested version.
	ErrUnknownSchema = errors.New("feature: unknown schema")
	// ErrIncompleteDraft is returned when a schema needs draft data the match
	// does not have yet.
	ErrIncompleteDraft = errors.New("feature: incomplete draft")
)

// HistoryStore serves historical aggregates to feature functions and absorbs
// resolved matches. Implementations must be safe for concurrent use.
type HistoryStore interface {
	// ChampionWinRate returns the historical win rate for a champion, and
	// whether any history exists for it.
	ChampionWinRate(championID int) (float64, bool)
	// HeadToHead returns blue's historical win rate against red, and whether
	// the pairing has any history.
	HeadToHead(blueTeam, redTeam string) (float64, bool)
	// PersistResolvedMatch folds a finished match into the aggregates.
	PersistResolvedMatch(m *draft.Match) error
}

// Func computes one feature from a match snapshot.
type Func func(m *draft.Match, h HistoryStore) (float64, error)

// Spec names one feature and how to compute it.
type Spec struct {
	Name string
	Fn   Func
}

// Schema is a versioned, ordered feature set.
type Schema struct {
	Version  string
	Features []Spec
}

// Vector is the model input built from one draft snapshot.
type Vector struct {
	SchemaVersion string    `json:"schema_version"`
	MatchID       string    `json:"match_id"`
	StateSeq      uint64    `json:"state_seq"`
	Names         []string  `json:"names"`
	Values        []float64 `json:"values"`
}

// Hash returns a hex digest over the schema version and values. Two vectors
// hash equal iff they would drive the model identically.
func (v *Vector) Hash() string {
	h := sha256.New()
	h.Write([]byte(v.SchemaVersion))
	var buf [8]byte
	for _, val := range v.Values {
		if val == 0 {
			val = 0 // collapse negative zero
		}
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(val))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// cacheLimit bounds the built-vector cache; past it the cache resets rather
// than evicting piecemeal.
const cacheLimit = 4096

type cacheKey struct {
	version string
	matchID string
	seq     uint64
}

// Builder turns snapshots into vectors using a registered schema. Repeat
// builds for the same (schema, match, seq) are served from cache, since a
// snapshot at a given seq never changes.
type Builder struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
	history HistoryStore
	cache   map[cacheKey]*Vector
}

// NewBuilder creates a builder with the built-in draft schema registered.
func NewBuilder(history HistoryStore) *Builder {
	b := &Builder{
		schemas: make(map[string]*Schema),
		history: history,
		cache:   make(map[cacheKey]*Vector),
	}
	b.Register(draftV1())
	return b
}

// Register adds or replaces a schema.
func (b *Builder) Register(s *Schema) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.schemas[s.Version] = s
}

// Schema returns a registered schema by version.
func (b *Builder) Schema(version string) (*Schema, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.schemas[version]
	return s, ok
}

// Build computes the vector for a match snapshot under the given schema
// version. Deterministic: same snapshot and history in, same vector out.
func (b *Builder) Build(version string, m *draft.Match) (*Vector, error) {
	key := cacheKey{version: version, matchID: m.ID, seq: m.Seq}
	b.mu.RLock()
	s, ok := b.schemas[version]
	h := b.history
	cached := b.cache[key]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchema, version)
	}
	if cached != nil {
		return cached, nil
	}

	v := &Vector{
		SchemaVersion: s.Version,
		MatchID:       m.ID,
		StateSeq:      m.Seq,
		Names:         make([]string, len(s.Features)),
		Values:        make([]float64, len(s.Features)),
	}
	for i, spec := range s.Features {
		val, err := spec.Fn(m, h)
		if err != nil {
			return nil, fmt.Errorf("feature %s: %w", spec.Name, err)
		}
		v.Names[i] = spec.Name
		v.Values[i] = val
	}

	b.mu.Lock()
	if len(b.cache) >= cacheLimit {
		b.cache = make(map[cacheKey]*Vector)
	}
	b.cache[key] = v
	b.mu.Unlock()
	return v, nil
}
