// Package config loads the daemon configuration from YAML, layering .env and
// process environment on top. Secrets (venue keys) never live in the YAML
// file; they come from the environment only.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	Server Server  `yaml:"server"`
	Feed   Feed    `yaml:"feed"`
	Model  Model   `yaml:"model"`
	Edge   Edge    `yaml:"edge"`
	Risk   Risk    `yaml:"risk"`
	Exec   Exec    `yaml:"exec"`
	Kalshi Kalshi  `yaml:"kalshi"`
	Poly   Poly    `yaml:"polymarket"`
	Audit  Audit   `yaml:"audit"`
	Teams  []Team  `yaml:"teams"`
	Binds  []Bind  `yaml:"bindings"`
	Match  []Match `yaml:"matches"`
}

// Server controls the HTTP listener.
type Server struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Feed points at the draft event source.
type Feed struct {
	URL string `yaml:"url"`
}

// Model locates the trained artifact and its refresh cadence.
type Model struct {
	Path           string `yaml:"path"`
	RefreshSeconds int    `yaml:"refresh_seconds"`
}

// Edge tunes signal generation.
type Edge struct {
	MinEdge          float64 `yaml:"min_edge"`
	QuoteFreshnessMS int     `yaml:"quote_freshness_ms"`
	WideSpreadMax    float64 `yaml:"wide_spread_max"`
	KellyFraction    float64 `yaml:"kelly_fraction"`
	KellyCap         float64 `yaml:"kelly_cap"`
	Bankroll         float64 `yaml:"bankroll"`
}

// Risk tunes the exposure limits.
type Risk struct {
	MaxMatchExposure float64 `yaml:"max_match_exposure"`
	MaxTotalExposure float64 `yaml:"max_total_exposure"`
	MaxOrderSize     float64 `yaml:"max_order_size"`
	MinOrderSize     float64 `yaml:"min_order_size"`
	CooldownSeconds  int     `yaml:"cooldown_seconds"`
	MaxDailyLoss     float64 `yaml:"max_daily_loss"`
}

// Exec tunes order submission retries.
type Exec struct {
	MaxAttempts   int `yaml:"max_attempts"`
	BaseBackoffMS int `yaml:"base_backoff_ms"`
	MaxBackoffMS  int `yaml:"max_backoff_ms"`
	StatusPollMS  int `yaml:"status_poll_ms"`
}

// Kalshi holds the venue endpoints. Credentials come from KALSHI_ACCESS_KEY
// and KALSHI_PRIVATE_KEY (PEM) in the environment.
type Kalshi struct {
	Enabled    bool   `yaml:"enabled"`
	BaseURL    string `yaml:"base_url"`
	WSURL      string `yaml:"ws_url"`
	AccessKey  string `yaml:"-"`
	SigningPEM string `yaml:"-"`
}

// Poly holds the venue endpoints. Credentials come from POLY_PRIVATE_KEY,
// POLY_API_KEY, POLY_API_SECRET and POLY_PASSPHRASE in the environment.
type Poly struct {
	Enabled    bool   `yaml:"enabled"`
	BaseURL    string `yaml:"base_url"`
	WSURL      string `yaml:"ws_url"`
	PrivateKey string `yaml:"-"`
	APIKey     string `yaml:"-"`
	APISecret  string `yaml:"-"`
	Passphrase string `yaml:"-"`
}

// Audit controls the websocket event hub.
type Audit struct {
	RingSize int `yaml:"ring_size"`
}

// Team seeds the name registry.
type Team struct {
	Name    string   `yaml:"name"`
	Abbrev  string   `yaml:"abbrev"`
	League  string   `yaml:"league"`
	Aliases []string `yaml:"aliases"`
}

// Bind ties a tracked match to a venue contract.
type Bind struct {
	MatchID    string `yaml:"match_id"`
	Venue      string `yaml:"venue"`
	ContractID string `yaml:"contract_id"`
	Side       string `yaml:"side"` // blue | red
}

// Match pre-registers a match with the tracker.
type Match struct {
	ID       string `yaml:"id"`
	League   string `yaml:"league"`
	BlueTeam string `yaml:"blue_team"`
	RedTeam  string `yaml:"red_team"`
	BestOf   int    `yaml:"best_of"`
	GameNum  int    `yaml:"game_num"`
}

// Load reads the YAML file at path, then layers .env and process environment
// over it. Missing .env is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)
	return &cfg, nil
}

// QuoteFreshness returns the staleness window as a duration.
func (c *Config) QuoteFreshness() time.Duration {
	return time.Duration(c.Edge.QuoteFreshnessMS) * time.Millisecond
}

// ModelRefresh returns the artifact reload interval.
func (c *Config) ModelRefresh() time.Duration {
	return time.Duration(c.Model.RefreshSeconds) * time.Second
}

// Cooldown returns the per-match trade cooldown.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Risk.CooldownSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("DRAFT_FEED_URL"); v != "" {
		cfg.Feed.URL = v
	}
	if v := os.Getenv("MODEL_PATH"); v != "" {
		cfg.Model.Path = v
	}
	cfg.Kalshi.AccessKey = os.Getenv("KALSHI_ACCESS_KEY")
	cfg.Kalshi.SigningPEM = os.Getenv("KALSHI_PRIVATE_KEY")
	cfg.Poly.PrivateKey = os.Getenv("POLY_PRIVATE_KEY")
	cfg.Poly.APIKey = os.Getenv("POLY_API_KEY")
	cfg.Poly.APISecret = os.Getenv("POLY_API_SECRET")
	cfg.Poly.Passphrase = os.Getenv("POLY_PASSPHRASE")
}

func setDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Model.RefreshSeconds <= 0 {
		cfg.Model.RefreshSeconds = 300
	}
	if cfg.Edge.MinEdge <= 0 {
		cfg.Edge.MinEdge = 0.02
	}
	if cfg.Edge.QuoteFreshnessMS <= 0 {
		cfg.Edge.QuoteFreshnessMS = 2000
	}
	if cfg.Edge.WideSpreadMax <= 0 {
		cfg.Edge.WideSpreadMax = 0.06
	}
	if cfg.Edge.KellyFraction <= 0 {
		cfg.Edge.KellyFraction = 0.25
	}
	if cfg.Edge.KellyCap <= 0 {
		cfg.Edge.KellyCap = 0.05
	}
	if cfg.Edge.Bankroll <= 0 {
		cfg.Edge.Bankroll = 1000
	}
	if cfg.Risk.MaxMatchExposure <= 0 {
		cfg.Risk.MaxMatchExposure = 200
	}
	if cfg.Risk.MaxTotalExposure <= 0 {
		cfg.Risk.MaxTotalExposure = 1000
	}
	if cfg.Risk.MaxOrderSize <= 0 {
		cfg.Risk.MaxOrderSize = 100
	}
	if cfg.Risk.MinOrderSize <= 0 {
		cfg.Risk.MinOrderSize = 1
	}
	if cfg.Risk.CooldownSeconds <= 0 {
		cfg.Risk.CooldownSeconds = 30
	}
	if cfg.Risk.MaxDailyLoss <= 0 {
		cfg.Risk.MaxDailyLoss = 250
	}
	if cfg.Exec.MaxAttempts <= 0 {
		cfg.Exec.MaxAttempts = 3
	}
	if cfg.Exec.BaseBackoffMS <= 0 {
		cfg.Exec.BaseBackoffMS = 250
	}
	if cfg.Exec.MaxBackoffMS <= 0 {
		cfg.Exec.MaxBackoffMS = 2000
	}
	if cfg.Exec.StatusPollMS <= 0 {
		cfg.Exec.StatusPollMS = 2000
	}
	if cfg.Audit.RingSize <= 0 {
		cfg.Audit.RingSize = 512
	}
}
