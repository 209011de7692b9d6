package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  listen_addr: \"\"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %s", cfg.Server.ListenAddr)
	}
	if cfg.Edge.MinEdge != 0.02 {
		t.Errorf("min_edge = %v", cfg.Edge.MinEdge)
	}
	if cfg.Risk.MaxTotalExposure != 1000 {
		t.Errorf("max_total_exposure = %v", cfg.Risk.MaxTotalExposure)
	}
	if cfg.QuoteFreshness().Milliseconds() != 2000 {
		t.Errorf("quote freshness = %v", cfg.QuoteFreshness())
	}
	if cfg.Exec.StatusPollMS != 2000 {
		t.Errorf("status_poll_ms = %d", cfg.Exec.StatusPollMS)
	}
}

func TestLoadParsesValues(t *testing.T) {
	body := `
server:
  listen_addr: ":9999"
edge:
  min_edge: 0.05
  bankroll: 2500
kalshi:
  enabled: true
  base_url: "https://demo.kalshi.co"
bindings:
  - match_id: m1
    venue: kalshi
    contract_id: KXLOL-T1GEN
    side: blue
matches:
  - id: m1
    league: LCK
    blue_team: T1
    red_team: Gen.G
    best_of: 5
    game_num: 2
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("listen_addr = %s", cfg.Server.ListenAddr)
	}
	if cfg.Edge.MinEdge != 0.05 || cfg.Edge.Bankroll != 2500 {
		t.Errorf("edge = %+v", cfg.Edge)
	}
	if !cfg.Kalshi.Enabled || cfg.Kalshi.BaseURL != "https://demo.kalshi.co" {
		t.Errorf("kalshi = %+v", cfg.Kalshi)
	}
	if len(cfg.Binds) != 1 || cfg.Binds[0].ContractID != "KXLOL-T1GEN" || cfg.Binds[0].Side != "blue" {
		t.Errorf("bindings = %+v", cfg.Binds)
	}
	if len(cfg.Match) != 1 || cfg.Match[0].BestOf != 5 || cfg.Match[0].GameNum != 2 {
		t.Errorf("matches = %+v", cfg.Match)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":7000")
	t.Setenv("KALSHI_ACCESS_KEY", "ak-test")
	t.Setenv("POLY_API_KEY", "pk-test")

	cfg, err := Load(writeConfig(t, "server:\n  listen_addr: \":8080\"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ListenAddr != ":7000" {
		t.Errorf("listen_addr = %s, want env override", cfg.Server.ListenAddr)
	}
	if cfg.Kalshi.AccessKey != "ak-test" {
		t.Errorf("kalshi access key = %s", cfg.Kalshi.AccessKey)
	}
	if cfg.Poly.APIKey != "pk-test" {
		t.Errorf("poly api key = %s", cfg.Poly.APIKey)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
