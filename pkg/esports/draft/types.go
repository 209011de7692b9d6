// Package draft tracks live esports match state. Each match moves through a
// fixed lifecycle (Pending -> Drafting -> InGame -> Resolved | Void) and owns
// an append-only sequence of pick/ban actions. The tracker is the single
// writer for a match; downstream consumers work from immutable snapshots.
package draft

import (
	"time"
)

// Side identifies a team side in the draft.
type Side int

const (
	SideBlue Side = iota
	SideRed
)

func (s Side) String() string {
	if s == SideBlue {
		return "BLUE"
	}
	return "RED"
}

// Opponent returns the other side.
func (s Side) Opponent() Side {
	if s == SideBlue {
		return SideRed
	}
	return SideBlue
}

// ActionType is the kind of draft action.
type ActionType int

const (
	ActionPick ActionType = iota
	ActionBan
)

func (t ActionType) String() string {
	if t == ActionBan {
		return "BAN"
	}
	return "PICK"
}

// State is the match lifecycle state.
type State int

const (
	StatePending State = iota
	StateDrafting
	StateInGame
	StateResolved
	StateVoid
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateDrafting:
		return "DRAFTING"
	case StateInGame:
		return "IN_GAME"
	case StateResolved:
		return "RESOLVED"
	case StateVoid:
		return "VOID"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the state accepts no further events.
func (s State) Terminal() bool {
	return s == StateResolved || s == StateVoid
}

// Action is one pick or ban in a match's draft sequence. Order within the
// sequence is game order; PhaseIndex is contiguous starting at 0.
type Action struct {
	Side       Side       `json:"side"`
	Type       ActionType `json:"type"`
	ChampionID int        `json:"champion_id"`
	PhaseIndex int        `json:"phase_index"`
	At         time.Time  `json:"at"`
}

// Match is the tracked state of one series game. Immutable once Resolved.
type Match struct {
	ID       string `json:"id"`
	League   string `json:"league"`
	BlueTeam string `json:"blue_team"`
	RedTeam  string `json:"red_team"`
	BestOf   int    `json:"best_of"`
	GameNum  int    `json:"game_num"`

	State   State    `json:"state"`
	Actions []Action `json:"actions"`
	Winner  Side     `json:"winner"` // valid only when State == StateResolved

	// ClockSeconds is the in-game clock, updated while InGame.
	ClockSeconds int `json:"clock_seconds"`

	// Seq increments on every applied event; snapshots carry it so consumers
	// can tell which state a derived value was computed from.
	Seq       uint64    `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PickCount returns the number of picks made by a side.
func (m *Match) PickCount(side Side) int {
	n := 0
	for _, a := range m.Actions {
		if a.Type == ActionPick && a.Side == side {
			n++
		}
	}
	return n
}

// BanCount returns the number of bans made by a side.
func (m *Match) BanCount(side Side) int {
	n := 0
	for _, a := range m.Actions {
		if a.Type == ActionBan && a.Side == side {
			n++
		}
	}
	return n
}

// Picks returns the champion IDs picked by a side, in draft order.
func (m *Match) Picks(side Side) []int {
	var ids []int
	for _, a := range m.Actions {
		if a.Type == ActionPick && a.Side == side {
			ids = append(ids, a.ChampionID)
		}
	}
	return ids
}

// clone returns a deep copy safe to hand outside the tracker.
func (m *Match) clone() *Match {
	cp := *m
	cp.Actions = make([]Action, len(m.Actions))
	copy(cp.Actions, m.Actions)
	return &cp
}

// EventKind discriminates the events the tracker consumes.
type EventKind int

const (
	EventAction EventKind = iota
	EventGameStart
	EventClock
	EventResolve
	EventVoid
)

func (k EventKind) String() string {
	switch k {
	case EventAction:
		return "action"
	case EventGameStart:
		return "game_start"
	case EventClock:
		return "clock"
	case EventResolve:
		return "resolve"
	case EventVoid:
		return "void"
	default:
		return "unknown"
	}
}

// Event is a single input to the tracker. Events for one match must be
// delivered by a single goroutine (the pipeline serializes them per match).
type Event struct {
	MatchID string    `json:"match_id"`
	Kind    EventKind `json:"kind"`

	// Action payload, valid when Kind == EventAction.
	Action Action `json:"action,omitempty"`

	// Winner payload, valid when Kind == EventResolve.
	Winner Side `json:"winner,omitempty"`

	// ClockSeconds payload, valid when Kind == EventClock.
	ClockSeconds int `json:"clock_seconds,omitempty"`

	At time.Time `json:"at"`
}

// Delta describes the state change produced by one applied event. It is what
// triggers downstream feature rebuilding.
type Delta struct {
	MatchID   string    `json:"match_id"`
	Seq       uint64    `json:"seq"`
	State     State     `json:"state"`
	PrevState State     `json:"prev_state"`
	Action    *Action   `json:"action,omitempty"`
	At        time.Time `json:"at"`
}
