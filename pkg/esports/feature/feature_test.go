package feature

import (
	"errors"
	"testing"
	"time"

	"github.com/phenomenon0/draftedge/pkg/esports/draft"
)

func sampleMatch() *draft.Match {
	return &draft.Match{
		ID:       "m1",
		League:   "LCK",
		BlueTeam: "T1",
		RedTeam:  "Gen.G",
		BestOf:   5,
		GameNum:  2,
		State:    draft.StateDrafting,
		Seq:      4,
		Actions: []draft.Action{
			{Side: draft.SideBlue, Type: draft.ActionBan, ChampionID: 266, PhaseIndex: 0},
			{Side: draft.SideRed, Type: draft.ActionBan, ChampionID: 103, PhaseIndex: 1},
			{Side: draft.SideBlue, Type: draft.ActionPick, ChampionID: 64, PhaseIndex: 2},
			{Side: draft.SideRed, Type: draft.ActionPick, ChampionID: 157, PhaseIndex: 3},
		},
	}
}

func TestBuildDraftV1(t *testing.T) {
	b := NewBuilder(NewMemoryHistory())

	v, err := b.Build(SchemaDraftV1, sampleMatch())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if v.SchemaVersion != SchemaDraftV1 {
		t.Errorf("schema = %s", v.SchemaVersion)
	}
	if len(v.Names) != len(v.Values) {
		t.Fatalf("names/values length mismatch: %d vs %d", len(v.Names), len(v.Values))
	}

	want := map[string]float64{
		"blue_picks":     1,
		"red_picks":      1,
		"blue_bans":      1,
		"red_bans":       1,
		"head_to_head":   0.5,
		"best_of":        5,
		"game_num":       2,
		"draft_complete": 0,
	}
	byName := make(map[string]float64, len(v.Names))
	for i, name := range v.Names {
		byName[name] = v.Values[i]
	}
	for name, val := range want {
		if got, ok := byName[name]; !ok || got != val {
			t.Errorf("%s = %v (present %v), want %v", name, got, ok, val)
		}
	}
}

func TestBuildUnknownSchema(t *testing.T) {
	b := NewBuilder(nil)
	_, err := b.Build("draft-v99", sampleMatch())
	if !errors.Is(err, ErrUnknownSchema) {
		t.Errorf("err = %v, want ErrUnknownSchema", err)
	}
}

func TestHashDeterministic(t *testing.T) {
	b := NewBuilder(NewMemoryHistory())
	m := sampleMatch()

	v1, err := b.Build(SchemaDraftV1, m)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	v2, err := b.Build(SchemaDraftV1, m)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if v1.Hash() != v2.Hash() {
		t.Error("identical snapshots produced different hashes")
	}

	// A changed draft must change the hash.
	m.Actions = append(m.Actions, draft.Action{
		Side: draft.SideBlue, Type: draft.ActionPick, ChampionID: 99, PhaseIndex: 4, At: time.Now(),
	})
	m.Seq++
	v3, err := b.Build(SchemaDraftV1, m)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if v3.Hash() == v1.Hash() {
		t.Error("changed draft kept the same hash")
	}
}

func TestBuildCachesBySeq(t *testing.T) {
	calls := 0
	b := NewBuilder(nil)
	b.Register(&Schema{
		Version: "counting",
		Features: []Spec{
			{Name: "n", Fn: func(*draft.Match, HistoryStore) (float64, error) {
				calls++
				return 1, nil
			}},
		},
	})

	m := sampleMatch()
	if _, err := b.Build("counting", m); err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := b.Build("counting", m); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if calls != 1 {
		t.Errorf("feature fn ran %d times, want 1 (second build cached)", calls)
	}

	m.Seq++
	if _, err := b.Build("counting", m); err != nil {
		t.Fatalf("build after seq bump: %v", err)
	}
	if calls != 2 {
		t.Errorf("feature fn ran %d times after seq bump, want 2", calls)
	}
}

func TestHistoryFeedsCompWinRate(t *testing.T) {
	h := NewMemoryHistory()
	// Champion 64 wins both recorded games on the winning side.
	for i := 0; i < 2; i++ {
		h.PersistResolvedMatch(&draft.Match{
			ID: "hist", BlueTeam: "A", RedTeam: "B", Winner: draft.SideBlue,
			Actions: []draft.Action{
				{Side: draft.SideBlue, Type: draft.ActionPick, ChampionID: 64},
			},
		})
	}

	wr, ok := h.ChampionWinRate(64)
	if !ok || wr != 1.0 {
		t.Fatalf("ChampionWinRate(64) = %v, %v", wr, ok)
	}

	b := NewBuilder(h)
	v, err := b.Build(SchemaDraftV1, sampleMatch())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for i, name := range v.Names {
		if name == "blue_comp_winrate" && v.Values[i] != 1.0 {
			t.Errorf("blue_comp_winrate = %v, want 1.0", v.Values[i])
		}
	}
}

func TestHeadToHeadDirectional(t *testing.T) {
	h := NewMemoryHistory()
	h.PersistResolvedMatch(&draft.Match{ID: "x", BlueTeam: "T1", RedTeam: "Gen.G", Winner: draft.SideBlue})

	if wr, ok := h.HeadToHead("T1", "Gen.G"); !ok || wr != 1.0 {
		t.Errorf("HeadToHead(T1, Gen.G) = %v, %v", wr, ok)
	}
	if _, ok := h.HeadToHead("Gen.G", "T1"); ok {
		t.Error("reversed pairing should have no history")
	}
}

func TestFeatureErrorPropagates(t *testing.T) {
	b := NewBuilder(nil)
	b.Register(&Schema{
		Version: "failing",
		Features: []Spec{
			{Name: "boom", Fn: func(*draft.Match, HistoryStore) (float64, error) {
				return 0, ErrIncompleteDraft
			}},
		},
	})
	_, err := b.Build("failing", sampleMatch())
	if !errors.Is(err, ErrIncompleteDraft) {
		t.Errorf("err = %v, want ErrIncompleteDraft", err)
	}
}
