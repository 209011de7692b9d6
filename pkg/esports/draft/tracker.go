package draft

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

var (
	// ErrUnknownMatch is returned for events referencing an unregistered match.
	ErrUnknownMatch = errors.New("draft: unknown match")
	// ErrMatchClosed is returned for events on a Resolved or Void match.
	ErrMatchClosed = errors.New("draft: match closed")
	// ErrDuplicateAction is returned when an action's phase index has already
	// been applied. Safe to ignore at the feed layer.
	ErrDuplicateAction = errors.New("draft: duplicate action")
	// ErrOutOfOrder is returned when an action skips ahead of the expected
	// phase index. The feed should rewind and replay.
	ErrOutOfOrder = errors.New("draft: out-of-order action")
	// ErrBadTransition is returned for an event the current state does not accept.
	ErrBadTransition = errors.New("draft: bad transition")
)

// Archiver persists resolved matches for future feature history. Persistence
// runs fire-and-forget off the tracker's lock; failures are logged, never
// surfaced to the event path.
type Archiver interface {
	PersistResolvedMatch(m *Match) error
}

// Tracker holds live match state and applies feed events to it.
type Tracker struct {
	mu      sync.Mutex
	matches map[string]*Match

	archiver Archiver

	// OnDelta, if set, is invoked synchronously after each applied event,
	// outside the tracker lock, with a snapshot-backed delta.
	OnDelta func(d *Delta, snap *Match)
}

// NewTracker creates an empty tracker. archiver may be nil.
func NewTracker(archiver Archiver) *Tracker {
	return &Tracker{
		matches:  make(map[string]*Match),
		archiver: archiver,
	}
}

// Register adds a match in StatePending. Re-registering an existing ID is an
// error; the feed should resolve or void the old match first.
func (t *Tracker) Register(m Match) error {
	if m.ID == "" {
		return fmt.Errorf("draft: match id required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.matches[m.ID]; ok {
		return fmt.Errorf("draft: match %s already registered", m.ID)
	}
	m.State = StatePending
	m.Actions = nil
	m.Seq = 0
	m.UpdatedAt = time.Now().UTC()
	t.matches[m.ID] = &m
	return nil
}

// Apply processes one event and returns the resulting delta. The returned
// delta and snapshot never alias tracker-internal state.
func (t *Tracker) Apply(ev Event) (*Delta, error) {
	t.mu.Lock()
	m, ok := t.matches[ev.MatchID]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownMatch, ev.MatchID)
	}
	if m.State.Terminal() {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrMatchClosed, m.ID, m.State)
	}

	prev := m.State
	var applied *Action
	var resolved *Match

	switch ev.Kind {
	case EventAction:
		if m.State == StateInGame {
			t.mu.Unlock()
			return nil, fmt.Errorf("%w: draft action while %s", ErrBadTransition, m.State)
		}
		want := len(m.Actions)
		switch {
		case ev.Action.PhaseIndex < want:
			t.mu.Unlock()
			return nil, fmt.Errorf("%w: phase %d already applied", ErrDuplicateAction, ev.Action.PhaseIndex)
		case ev.Action.PhaseIndex > want:
			t.mu.Unlock()
			return nil, fmt.Errorf("%w: phase %d, expected %d", ErrOutOfOrder, ev.Action.PhaseIndex, want)
		}
		// First action implicitly opens the draft.
		if m.State == StatePending {
			m.State = StateDrafting
		}
		a := ev.Action
		if a.At.IsZero() {
			a.At = ev.At
		}
		m.Actions = append(m.Actions, a)
		applied = &a

	case EventGameStart:
		if m.State != StateDrafting {
			t.mu.Unlock()
			return nil, fmt.Errorf("%w: game start while %s", ErrBadTransition, m.State)
		}
		m.State = StateInGame

	case EventClock:
		if m.State != StateInGame {
			t.mu.Unlock()
			return nil, fmt.Errorf("%w: clock while %s", ErrBadTransition, m.State)
		}
		m.ClockSeconds = ev.ClockSeconds

	case EventResolve:
		if m.State != StateDrafting && m.State != StateInGame {
			t.mu.Unlock()
			return nil, fmt.Errorf("%w: resolve while %s", ErrBadTransition, m.State)
		}
		m.State = StateResolved
		m.Winner = ev.Winner
		resolved = m

	case EventVoid:
		m.State = StateVoid

	default:
		t.mu.Unlock()
		return nil, fmt.Errorf("draft: unknown event kind %d", ev.Kind)
	}

	m.Seq++
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	m.UpdatedAt = at

	d := &Delta{
		MatchID:   m.ID,
		Seq:       m.Seq,
		State:     m.State,
		PrevState: prev,
		Action:    applied,
		At:        at,
	}
	snap := m.clone()
	var archive *Match
	if resolved != nil && t.archiver != nil {
		archive = resolved.clone()
	}
	t.mu.Unlock()

	if archive != nil {
		go func() {
			if err := t.archiver.PersistResolvedMatch(archive); err != nil {
				log.Printf("[DRAFT] archive %s: %v", archive.ID, err)
			}
		}()
	}
	if t.OnDelta != nil {
		t.OnDelta(d, snap)
	}
	return d, nil
}

// Known reports whether a match ID is registered.
func (t *Tracker) Known(matchID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.matches[matchID]
	return ok
}

// Snapshot returns a deep copy of a match's current state.
func (t *Tracker) Snapshot(matchID string) (*Match, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.matches[matchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMatch, matchID)
	}
	return m.clone(), nil
}

// Active returns snapshots of all non-terminal matches.
func (t *Tracker) Active() []*Match {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Match
	for _, m := range t.matches {
		if !m.State.Terminal() {
			out = append(out, m.clone())
		}
	}
	return out
}

// Forget drops a terminal match from memory. No-op on unknown IDs; live
// matches are kept.
func (t *Tracker) Forget(matchID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.matches[matchID]; ok && m.State.Terminal() {
		delete(t.matches, matchID)
	}
}
