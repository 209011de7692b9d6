// Package teams maps the many spellings of esports organizations onto
// canonical entries, so feed events and venue market titles agree on who is
// playing. Venues write "Gen.G Esports", feeds write "GENG", broadcasts write
// "Gen G" -- all resolve to the same team.
package teams

import (
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Team is one esports organization.
type Team struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Abbreviation string   `json:"abbreviation"`
	Aliases      []string `json:"aliases,omitempty"`
	League       string   `json:"league"`
}

// Registry indexes teams by normalized name, abbreviation and league.
type Registry struct {
	mu       sync.RWMutex
	teams    map[string]*Team
	byName   map[string]*Team
	byAbbrev map[string]*Team
	byLeague map[string][]*Team
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		teams:    make(map[string]*Team),
		byName:   make(map[string]*Team),
		byAbbrev: make(map[string]*Team),
		byLeague: make(map[string][]*Team),
	}
}

// Add indexes one team. Later adds win on name collisions.
func (r *Registry) Add(t Team) {
	r.mu.Lock()
	defer r.mu.Unlock()

	team := &t
	r.teams[team.ID] = team
	r.byName[normalizeName(team.Name)] = team
	for _, alias := range team.Aliases {
		r.byName[normalizeName(alias)] = team
	}
	if team.Abbreviation != "" {
		r.byAbbrev[strings.ToLower(team.Abbreviation)] = team
	}
	r.byLeague[team.League] = append(r.byLeague[team.League], team)
}

// Load replaces the registry contents with the given teams.
func (r *Registry) Load(teams []Team) {
	r.mu.Lock()
	r.teams = make(map[string]*Team)
	r.byName = make(map[string]*Team)
	r.byAbbrev = make(map[string]*Team)
	r.byLeague = make(map[string][]*Team)
	r.mu.Unlock()

	for _, t := range teams {
		r.Add(t)
	}
}

// Count returns the number of indexed teams.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.teams)
}

// Get returns a team by ID.
func (r *Registry) Get(id string) (*Team, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.teams[id]
	return t, ok
}

// Resolve finds a team by name, alias or abbreviation.
func (r *Registry) Resolve(name string) (*Team, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t := r.resolveLocked(name)
	return t, t != nil
}

// resolveLocked requires the read lock.
func (r *Registry) resolveLocked(name string) *Team {
	if t, ok := r.byAbbrev[strings.ToLower(strings.TrimSpace(name))]; ok {
		return t
	}
	normName := normalizeName(name)
	if t, ok := r.byName[normName]; ok {
		return t
	}
	// Partial match for titles that append qualifiers ("T1 (LCK)").
	for key, t := range r.byName {
		if key == "" || normName == "" {
			continue
		}
		if strings.Contains(key, normName) || strings.Contains(normName, key) {
			return t
		}
	}
	return nil
}

// ByLeague returns all teams in a league.
func (r *Registry) ByLeague(league string) []*Team {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byLeague[league]
}

// MatchFromTitle extracts both teams from a market title such as
// "T1 vs. Gen.G - Winner" or "Will Fnatic beat G2 Esports?".
// Returns (first, second, found); second may be nil for single-team titles.
func (r *Registry) MatchFromTitle(title string) (*Team, *Team, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	vsPatterns := []string{" vs. ", " vs ", " v ", " v. "}
	for _, pat := range vsPatterns {
		idx := strings.Index(strings.ToLower(title), pat)
		if idx <= 0 {
			continue
		}
		first := r.resolveLocked(trimTitleFragment(title[:idx]))
		second := r.resolveLocked(trimTitleFragment(title[idx+len(pat):]))
		if first != nil && second != nil {
			return first, second, true
		}
	}

	if strings.HasPrefix(title, "Will ") {
		rest := strings.TrimPrefix(title, "Will ")
		for _, verb := range []string{" win", " beat", " defeat"} {
			if idx := strings.Index(rest, verb); idx > 0 {
				if t := r.resolveLocked(trimTitleFragment(rest[:idx])); t != nil {
					return t, nil, true
				}
			}
		}
	}
	return nil, nil, false
}

// trimTitleFragment strips market-title decoration around a team name.
func trimTitleFragment(s string) string {
	for _, pat := range []string{" - ", ":", "?", "("} {
		if idx := strings.Index(s, pat); idx > 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}

// normalizeName lowercases, strips accents and org-suffix noise.
func normalizeName(name string) string {
	name = strings.ToLower(name)

	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	name, _, _ = transform.String(t, name)

	for _, suffix := range []string{" esports", " gaming", " e-sports"} {
		name = strings.ReplaceAll(name, suffix, "")
	}
	name = strings.ReplaceAll(name, ".", "")

	return strings.Join(strings.Fields(name), " ")
}
