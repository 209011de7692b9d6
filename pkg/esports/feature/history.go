package feature

import (
	"sync"

	"github.com/phenomenon0/draftedge/pkg/esports/draft"
)

// MemoryHistory is an in-process HistoryStore. It carries running win/loss
// tallies per champion and per team pairing. Suitable for paper trading and
// tests; a durable store can wrap it and replay on startup.
type MemoryHistory struct {
	mu        sync.RWMutex
	champions map[int]*tally
	pairings  map[string]*tally // "blue|red" -> blue wins over games
}

type tally struct {
	wins  int
	games int
}

// NewMemoryHistory creates an empty history store.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{
		champions: make(map[int]*tally),
		pairings:  make(map[string]*tally),
	}
}

// ChampionWinRate returns the champion's win rate over recorded games.
func (s *MemoryHistory) ChampionWinRate(championID int) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.champions[championID]
	if !ok || t.games == 0 {
		return 0, false
	}
	return float64(t.wins) / float64(t.games), true
}

// HeadToHead returns blue's win rate against red. Pairings are directional:
// side assignment matters for draft priority.
func (s *MemoryHistory) HeadToHead(blueTeam, redTeam string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.pairings[blueTeam+"|"+redTeam]
	if !ok || t.games == 0 {
		return 0, false
	}
	return float64(t.wins) / float64(t.games), true
}

// PersistResolvedMatch folds one finished match into the tallies. Void
// matches never reach here; the tracker only archives resolved ones.
func (s *MemoryHistory) PersistResolvedMatch(m *draft.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range m.Actions {
		if a.Type != draft.ActionPick {
			continue
		}
		t, ok := s.champions[a.ChampionID]
		if !ok {
			t = &tally{}
			s.champions[a.ChampionID] = t
		}
		t.games++
		if a.Side == m.Winner {
			t.wins++
		}
	}

	key := m.BlueTeam + "|" + m.RedTeam
	p, ok := s.pairings[key]
	if !ok {
		p = &tally{}
		s.pairings[key] = p
	}
	p.games++
	if m.Winner == draft.SideBlue {
		p.wins++
	}
	return nil
}
