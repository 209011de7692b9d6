package draft

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/phenomenon0/draftedge/pkg/feed"
)

// FeedMessage is one decoded frame from the draft provider. Exactly one of
// Match and Event is set: a match announcement or a lifecycle event.
type FeedMessage struct {
	Match *Match
	Event *Event
}

// feedFrame is the provider wire format.
type feedFrame struct {
	Type    string  `json:"type"`
	MatchID string  `json:"match_id"`
	TS      float64 `json:"ts"` // unix seconds, fractional

	// match_new payload
	League   string `json:"league,omitempty"`
	BlueTeam string `json:"blue_team,omitempty"`
	RedTeam  string `json:"red_team,omitempty"`
	BestOf   int    `json:"best_of,omitempty"`
	GameNum  int    `json:"game_num,omitempty"`

	// pick/ban payload
	Side       string `json:"side,omitempty"` // blue | red
	ChampionID int    `json:"champion_id,omitempty"`
	Phase      int    `json:"phase,omitempty"`

	// resolve payload
	Winner string `json:"winner,omitempty"`

	// clock payload
	Clock int `json:"clock,omitempty"`
}

func parseSide(s string) (Side, error) {
	switch s {
	case "blue":
		return SideBlue, nil
	case "red":
		return SideRed, nil
	default:
		return 0, fmt.Errorf("draft: bad side %q", s)
	}
}

// DecodeFeedFrame turns one provider frame into feed messages. Unknown frame
// types are skipped so provider additions never break the stream.
func DecodeFeedFrame(data []byte) ([]FeedMessage, error) {
	var f feedFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Type == "" || f.Type == "heartbeat" {
		return nil, nil
	}
	if f.MatchID == "" {
		return nil, fmt.Errorf("draft: frame %q missing match_id", f.Type)
	}

	at := time.Now().UTC()
	if f.TS > 0 {
		sec := int64(f.TS)
		at = time.Unix(sec, int64((f.TS-float64(sec))*1e9)).UTC()
	}

	switch f.Type {
	case "match_new":
		return []FeedMessage{{Match: &Match{
			ID:       f.MatchID,
			League:   f.League,
			BlueTeam: f.BlueTeam,
			RedTeam:  f.RedTeam,
			BestOf:   f.BestOf,
			GameNum:  f.GameNum,
		}}}, nil
	case "pick", "ban":
		side, err := parseSide(f.Side)
		if err != nil {
			return nil, err
		}
		typ := ActionPick
		if f.Type == "ban" {
			typ = ActionBan
		}
		return []FeedMessage{{Event: &Event{
			MatchID: f.MatchID,
			Kind:    EventAction,
			Action: Action{
				Side:       side,
				Type:       typ,
				ChampionID: f.ChampionID,
				PhaseIndex: f.Phase,
				At:         at,
			},
			At: at,
		}}}, nil
	case "game_start":
		return []FeedMessage{{Event: &Event{MatchID: f.MatchID, Kind: EventGameStart, At: at}}}, nil
	case "clock":
		return []FeedMessage{{Event: &Event{MatchID: f.MatchID, Kind: EventClock, ClockSeconds: f.Clock, At: at}}}, nil
	case "resolve":
		winner, err := parseSide(f.Winner)
		if err != nil {
			return nil, err
		}
		return []FeedMessage{{Event: &Event{MatchID: f.MatchID, Kind: EventResolve, Winner: winner, At: at}}}, nil
	case "void":
		return []FeedMessage{{Event: &Event{MatchID: f.MatchID, Kind: EventVoid, At: at}}}, nil
	default:
		return nil, nil
	}
}

// Source streams provider frames as feed messages with reconnection.
type Source struct {
	stream *feed.Stream[FeedMessage]
}

// NewSource creates a draft event source over the given WebSocket URL.
func NewSource(url string) *Source {
	cfg := feed.DefaultConfig(url)
	cfg.SubscribeMsg = map[string]any{"subscribe": "drafts"}
	return &Source{stream: feed.NewStream(cfg, DecodeFeedFrame)}
}

// Run pumps messages onto out until ctx is cancelled.
func (s *Source) Run(ctx context.Context, out chan<- FeedMessage) error {
	return s.stream.Run(ctx, out)
}
