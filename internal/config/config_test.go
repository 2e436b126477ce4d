package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/clawinfra/evoshield/internal/reward"
	"github.com/clawinfra/evoshield/internal/scheduler"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8420 {
		t.Errorf("expected port 8420, got %d", cfg.Server.Port)
	}
	if cfg.Server.DataDir != "./data" {
		t.Errorf("expected dataDir ./data, got %s", cfg.Server.DataDir)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("expected sqlite driver, got %s", cfg.Store.Driver)
	}
	if cfg.Bandit.Alpha != 1.5 || cfg.Bandit.Reg != 1e-2 {
		t.Errorf("unexpected bandit defaults %+v", cfg.Bandit)
	}
	if cfg.Reward.MinFairness != 0.5 {
		t.Errorf("expected minFairness 0.5, got %v", cfg.Reward.MinFairness)
	}
	if cfg.Evolution.Strategy.Population != 20 {
		t.Errorf("expected population 20, got %d", cfg.Evolution.Strategy.Population)
	}
	if cfg.Nightly.Threshold != 0.05 || cfg.Nightly.WindowDays != 60 || cfg.Nightly.MinSamples != 100 {
		t.Errorf("unexpected nightly defaults %+v", cfg.Nightly)
	}
	if cfg.Risk.CoverageFloor != 1.30 || cfg.Risk.MaxWeight != 0.40 || cfg.Risk.MinCash != 0.05 {
		t.Errorf("unexpected risk defaults %+v", cfg.Risk)
	}
	if cfg.Portfolio.Quantum.Enabled {
		t.Error("quantum tier should be opt-in")
	}
	if len(cfg.Scheduler.Jobs) != 3 {
		t.Errorf("expected 3 default jobs, got %d", len(cfg.Scheduler.Jobs))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestDerivedSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DataDir = "/var/lib/evoshield"

	if got := cfg.StoreDSN(); got != filepath.Join("/var/lib/evoshield", "evoshield.db") {
		t.Errorf("StoreDSN = %s", got)
	}
	if got := cfg.SpillDir(); got != filepath.Join("/var/lib/evoshield", "spill") {
		t.Errorf("SpillDir = %s", got)
	}
	cfg.Store.Driver = "postgres"
	cfg.Store.DSN = "postgres://localhost/evo"
	if got := cfg.StoreDSN(); got != "postgres://localhost/evo" {
		t.Errorf("StoreDSN = %s", got)
	}

	fw := cfg.FirewallSettings()
	if !fw.Enabled || fw.MaxAcceptsPerDay != 2 || fw.Cooldown.Hours() != 6 {
		t.Errorf("FirewallSettings = %+v", fw)
	}

	cfg.Bandit.Alpha = 0.7
	cfg.Nightly.DryRun = true
	tc := cfg.TrainerSettings()
	if tc.Alpha != 0.7 || !tc.Retrain.DryRun || tc.Weights != cfg.Reward.Weights {
		t.Errorf("TrainerSettings = %+v", tc)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{
  "server": {"port": 9999, "dataDir": "`+filepath.ToSlash(filepath.Join(dir, "data"))+`", "logLevel": "debug"},
  "bandit": {"alpha": 0.8},
  "reward": {"bounds": {"alpha": {"min": 0.3, "max": 0.5}}},
  "scheduler": {"enabled": true, "jobs": [
    {"id": "tune", "name": "Tune", "enabled": true,
     "schedule": {"kind": "at", "time": "01:15"}, "action": {"kind": "tune"}}
  ]}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 || cfg.Server.LogLevel != "debug" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Bandit.Alpha != 0.8 || cfg.Bandit.Reg != 1e-2 {
		t.Errorf("bandit = %+v (unset fields keep defaults)", cfg.Bandit)
	}
	if b := cfg.Reward.Bounds["alpha"]; b.Min != 0.3 || b.Max != 0.5 {
		t.Errorf("alpha bound = %+v", b)
	}
	if _, ok := cfg.Reward.Bounds["lambda3"]; !ok {
		t.Error("bounds not named in the file should keep their defaults")
	}
	if len(cfg.Scheduler.Jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(cfg.Scheduler.Jobs))
	}
	job := cfg.Scheduler.Jobs[0]
	if job.Schedule.Timezone != "" || job.Action.TimeoutSec != 0 {
		t.Errorf("job inherited default fields: %+v", job)
	}
	if _, err := os.Stat(cfg.Server.DataDir); err != nil {
		t.Errorf("data dir not created: %v", err)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evoshield.toml")
	writeFile(t, path, `
[server]
port = 8500
dataDir = "`+filepath.ToSlash(filepath.Join(dir, "data"))+`"

[risk]
coverageFloor = 1.25
maxWeight = 0.5
expectedReturns = [0.04, 0.07, 0.09, 0.11]

[portfolio]
maxWeight = 0.5

[portfolio.quantum]
enabled = true
levels = 8

[[scheduler.jobs]]
id = "drain"
name = "Drain"
enabled = true
[scheduler.jobs.schedule]
kind = "interval"
intervalMs = 30000
[scheduler.jobs.action]
kind = "drain"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8500 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Risk.CoverageFloor != 1.25 || cfg.Risk.MaxWeight != 0.5 || cfg.Risk.ExpectedReturns[3] != 0.11 {
		t.Errorf("risk = %+v", cfg.Risk)
	}
	if cfg.Risk.MinCash != 0.05 {
		t.Errorf("minCash should keep its default, got %v", cfg.Risk.MinCash)
	}
	if !cfg.Portfolio.Quantum.Enabled || cfg.Portfolio.Quantum.Levels != 8 || cfg.Portfolio.Quantum.Reads != 100 {
		t.Errorf("quantum = %+v", cfg.Portfolio.Quantum)
	}
	if len(cfg.Scheduler.Jobs) != 1 || cfg.Scheduler.Jobs[0].Schedule.IntervalMs != 30000 {
		t.Errorf("jobs = %+v", cfg.Scheduler.Jobs)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evoshield.yaml")
	writeFile(t, path, `
server:
  dataDir: `+filepath.ToSlash(filepath.Join(dir, "data"))+`
store:
  driver: postgres
  dsn: postgres://evo@localhost/evo?sslmode=disable
nightly:
  agents: [Lender, TaxOptimizer]
  deploymentThreshold: 0.1
  dryRun: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != "postgres" || !strings.HasPrefix(cfg.StoreDSN(), "postgres://") {
		t.Errorf("store = %+v", cfg.Store)
	}
	if len(cfg.Nightly.Agents) != 2 || cfg.Nightly.Threshold != 0.1 || !cfg.Nightly.DryRun {
		t.Errorf("nightly = %+v", cfg.Nightly)
	}
	if cfg.Nightly.WindowDays != 60 {
		t.Errorf("windowDays should keep its default, got %d", cfg.Nightly.WindowDays)
	}
	if len(cfg.Scheduler.Jobs) != 3 {
		t.Errorf("missing scheduler section should keep default jobs, got %d", len(cfg.Scheduler.Jobs))
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}

	ini := filepath.Join(dir, "config.ini")
	writeFile(t, ini, "port=1")
	if _, err := Load(ini); err == nil {
		t.Error("expected error for unsupported extension")
	}

	broken := filepath.Join(dir, "broken.json")
	writeFile(t, broken, "{not json")
	if _, err := Load(broken); err == nil {
		t.Error("expected error for malformed JSON")
	}

	brokenTOML := filepath.Join(dir, "broken.toml")
	writeFile(t, brokenTOML, "[server\nport = ")
	if _, err := Load(brokenTOML); err == nil {
		t.Error("expected error for malformed TOML")
	}

	invalid := filepath.Join(dir, "invalid.json")
	writeFile(t, invalid, `{"server": {"port": 70000}}`)
	_, err := Load(invalid)
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"bad log level", func(c *Config) { c.Server.LogLevel = "loud" }, "server.logLevel"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, "store.dsn"},
		{"reversed bound", func(c *Config) {
			c.Reward.Bounds["beta"] = reward.Bound{Min: 0.3, Max: 0.1}
		}, "reward.bounds.beta"},
		{"missing bound", func(c *Config) { delete(c.Reward.Bounds, "gamma") }, "reward.bounds.gamma"},
		{"weights outside bounds", func(c *Config) { c.Reward.Weights.Alpha = 0.9 }, "reward.weights"},
		{"tiny population", func(c *Config) { c.Evolution.Strategy.Population = 1 }, "population"},
		{"cap too small", func(c *Config) { c.Portfolio.MaxWeight = 0.2 }, "portfolio.maxWeight"},
		{"risk invalid", func(c *Config) { c.Risk.MinCash = 0.5 }, "risk"},
		{"bad job", func(c *Config) {
			c.Scheduler.Jobs = append(c.Scheduler.Jobs, &scheduler.Job{ID: "x", Name: "x"})
		}, `scheduler job "x"`},
		{"fairness out of range", func(c *Config) { c.Reward.MinFairness = 1.5 }, "minFairness"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, ext := range []string{".json", ".toml", ".yaml"} {
		t.Run(ext, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "nested", "config"+ext)

			cfg := DefaultConfig()
			cfg.Server.DataDir = filepath.Join(dir, "data")
			cfg.Server.Port = 9100
			cfg.Risk.TurnoverCap = 0.2
			cfg.Nightly.Agents = []string{"Lender"}
			if err := cfg.Save(path); err != nil {
				t.Fatalf("Save: %v", err)
			}

			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if loaded.Server.Port != 9100 || loaded.Risk.TurnoverCap != 0.2 {
				t.Errorf("round trip lost fields: %+v %+v", loaded.Server, loaded.Risk)
			}
			if len(loaded.Nightly.Agents) != 1 || loaded.Nightly.Agents[0] != "Lender" {
				t.Errorf("agents = %v", loaded.Nightly.Agents)
			}
			if len(loaded.Scheduler.Jobs) != len(cfg.Scheduler.Jobs) {
				t.Errorf("jobs = %d, want %d", len(loaded.Scheduler.Jobs), len(cfg.Scheduler.Jobs))
			}
		})
	}

	if err := DefaultConfig().Save(filepath.Join(t.TempDir(), "config.ini")); err == nil {
		t.Error("expected error for unsupported extension")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
}
