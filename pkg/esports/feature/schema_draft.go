package feature

import (
	"github.com/phenomenon0/draftedge/pkg/esports/draft"
)

// SchemaDraftV1 is the default blue-side win prediction feature set.
const SchemaDraftV1 = "draft-v1"

// draftV1 builds the built-in schema. Feature order is part of the contract:
// trained model weights index into it positionally.
func draftV1() *Schema {
	return &Schema{
		Version: SchemaDraftV1,
		Features: []Spec{
			{Name: "blue_picks", Fn: func(m *draft.Match, _ HistoryStore) (float64, error) {
				return float64(m.PickCount(draft.SideBlue)), nil
			}},
			{Name: "red_picks", Fn: func(m *draft.Match, _ HistoryStore) (float64, error) {
				return float64(m.PickCount(draft.SideRed)), nil
			}},
			{Name: "blue_bans", Fn: func(m *draft.Match, _ HistoryStore) (float64, error) {
				return float64(m.BanCount(draft.SideBlue)), nil
			}},
			{Name: "red_bans", Fn: func(m *draft.Match, _ HistoryStore) (float64, error) {
				return float64(m.BanCount(draft.SideRed)), nil
			}},
			{Name: "blue_comp_winrate", Fn: sideCompWinRate(draft.SideBlue)},
			{Name: "red_comp_winrate", Fn: sideCompWinRate(draft.SideRed)},
			{Name: "head_to_head", Fn: headToHead},
			{Name: "best_of", Fn: func(m *draft.Match, _ HistoryStore) (float64, error) {
				return float64(m.BestOf), nil
			}},
			{Name: "game_num", Fn: func(m *draft.Match, _ HistoryStore) (float64, error) {
				return float64(m.GameNum), nil
			}},
			{Name: "draft_complete", Fn: func(m *draft.Match, _ HistoryStore) (float64, error) {
				if m.State == draft.StateInGame || m.State == draft.StateResolved {
					return 1, nil
				}
				return 0, nil
			}},
		},
	}
}

// sideCompWinRate averages historical champion win rates over a side's picks.
// Champions with no history count as 0.5; no picks yet also yields 0.5 so the
// feature stays neutral early in the draft.
func sideCompWinRate(side draft.Side) Func {
	return func(m *draft.Match, h HistoryStore) (float64, error) {
		picks := m.Picks(side)
		if len(picks) == 0 {
			return 0.5, nil
		}
		sum := 0.0
		for _, id := range picks {
			wr := 0.5
			if h != nil {
				if v, ok := h.ChampionWinRate(id); ok {
					wr = v
				}
			}
			sum += wr
		}
		return sum / float64(len(picks)), nil
	}
}

// headToHead is blue's historical win rate against red, 0.5 when unseen.
func headToHead(m *draft.Match, h HistoryStore) (float64, error) {
	if h != nil {
		if v, ok := h.HeadToHead(m.BlueTeam, m.RedTeam); ok {
			return v, nil
		}
	}
	return 0.5, nil
}
