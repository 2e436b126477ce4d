package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/clawinfra/evoshield/internal/casememory"
	"github.com/clawinfra/evoshield/internal/evolution"
	"github.com/clawinfra/evoshield/internal/portfolio"
	"github.com/clawinfra/evoshield/internal/reward"
	"github.com/clawinfra/evoshield/internal/scheduler"
	"github.com/clawinfra/evoshield/internal/shield"
	"github.com/clawinfra/evoshield/internal/store"
	"github.com/clawinfra/evoshield/internal/trainer"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config holds all evoshield configuration
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Database backing replay, policies and training runs
	Store StoreConfig `json:"store"`

	// Policy version cache
	Redis RedisConfig `json:"redis"`

	// MQTT event sink
	MQTT MQTTConfig `json:"mqtt"`

	// API bearer auth
	Auth AuthConfig `json:"auth"`

	Bandit    BanditConfig           `json:"bandit"`
	Reward    RewardConfig           `json:"reward"`
	Evolution EvolutionConfig        `json:"evolution"`
	Nightly   trainer.RetrainOptions `json:"nightly"`
	Replay    ReplayConfig           `json:"replay"`

	// Shielded treasury limits
	Risk shield.Config `json:"risk"`

	// Hybrid optimizer tiers
	Portfolio portfolio.Config `json:"portfolio"`

	Scheduler  scheduler.Config `json:"scheduler"`
	CaseMemory CaseMemoryConfig `json:"caseMemory"`
}

type ServerConfig struct {
	Port           int      `json:"port"`
	DataDir        string   `json:"dataDir"`
	LogLevel       string   `json:"logLevel"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

type StoreConfig struct {
	Driver       string `json:"driver"` // "sqlite" or "postgres"
	DSN          string `json:"dsn,omitempty"`
	MaxOpenConns int    `json:"maxOpenConns"`
	MaxIdleConns int    `json:"maxIdleConns"`
}

type RedisConfig struct {
	Enabled     bool   `json:"enabled"`
	Addr        string `json:"addr"`
	Password    string `json:"password,omitempty"`
	DB          int    `json:"db"`
	CacheTTLSec int    `json:"cacheTtlSec"`
}

type MQTTConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	ClientID string `json:"clientId"`
	QoS      byte   `json:"qos"`
}

type AuthConfig struct {
	Enabled       bool   `json:"enabled"`
	Secret        string `json:"secret,omitempty"`
	Issuer        string `json:"issuer"`
	TokenTTLHours int    `json:"tokenTtlHours"`
}

type BanditConfig struct {
	Alpha    float64 `json:"alpha"`
	Reg      float64 `json:"reg"`
	MockMode bool    `json:"mockMode"`
	Seed     uint64  `json:"seed,omitempty"`
	RecentK  int     `json:"recentK"`
}

type RewardConfig struct {
	Weights     reward.Config           `json:"weights"`
	Bounds      map[string]reward.Bound `json:"bounds"`
	MinFairness float64                 `json:"minFairness"`
}

type EvolutionConfig struct {
	Enabled  bool               `json:"enabled"`
	Strategy evolution.Config   `json:"strategy"`
	Tune     trainer.TuneConfig `json:"tune"`
	Firewall FirewallConfig     `json:"firewall"`
}

type FirewallConfig struct {
	Enabled          bool `json:"enabled"`
	MaxAcceptsPerDay int  `json:"maxAcceptsPerDay"`
	MaxFailures      int  `json:"maxFailures"`
	CooldownHours    int  `json:"cooldownHours"`
}

type ReplayConfig struct {
	RetentionDays int    `json:"retentionDays"`
	QueueSize     int    `json:"queueSize"`
	SpillDir      string `json:"spillDir,omitempty"`
}

type CaseMemoryConfig struct {
	Enabled       bool              `json:"enabled"`
	RetentionDays int               `json:"retentionDays"`
	Search        casememory.Config `json:"search"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	fw := evolution.DefaultFirewallConfig()
	return &Config{
		Server: ServerConfig{
			Port:     8420,
			DataDir:  "./data",
			LogLevel: "info",
		},
		Store: StoreConfig{
			Driver:       store.DriverSQLite,
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			CacheTTLSec: 86400,
		},
		MQTT: MQTTConfig{
			Host:     "localhost",
			Port:     1883,
			ClientID: "evoshield",
			QoS:      1,
		},
		Auth: AuthConfig{
			Issuer:        "evoshield",
			TokenTTLHours: 24,
		},
		Bandit: BanditConfig{
			Alpha:   1.5,
			Reg:     1e-2,
			RecentK: 5,
		},
		Reward: RewardConfig{
			Weights:     reward.DefaultConfig(),
			Bounds:      reward.DefaultBounds(),
			MinFairness: reward.DefaultMinFairness,
		},
		Evolution: EvolutionConfig{
			Enabled:  true,
			Strategy: evolution.DefaultConfig(),
			Tune:     trainer.DefaultTuneConfig(),
			Firewall: FirewallConfig{
				Enabled:          fw.Enabled,
				MaxAcceptsPerDay: fw.MaxAcceptsPerDay,
				MaxFailures:      fw.MaxFailures,
				CooldownHours:    int(fw.Cooldown / time.Hour),
			},
		},
		Nightly: trainer.DefaultRetrainOptions(),
		Replay: ReplayConfig{
			RetentionDays: 90,
			QueueSize:     1024,
		},
		Risk:      shield.DefaultConfig(),
		Portfolio: portfolio.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		CaseMemory: CaseMemoryConfig{
			Enabled:       true,
			RetentionDays: 180,
			Search:        casememory.DefaultConfig(),
		},
	}
}

// StoreDSN returns the configured DSN, defaulting SQLite to a file in the data dir.
func (c *Config) StoreDSN() string {
	if c.Store.DSN != "" || c.Store.Driver != store.DriverSQLite {
		return c.Store.DSN
	}
	return filepath.Join(c.Server.DataDir, "evoshield.db")
}

// SpillDir returns where failed replay writes are spilled.
func (c *Config) SpillDir() string {
	if c.Replay.SpillDir != "" {
		return c.Replay.SpillDir
	}
	return filepath.Join(c.Server.DataDir, "spill")
}

// FirewallSettings converts the firewall section for the tuner.
func (c *Config) FirewallSettings() evolution.FirewallConfig {
	f := c.Evolution.Firewall
	return evolution.FirewallConfig{
		Enabled:          f.Enabled,
		MaxAcceptsPerDay: f.MaxAcceptsPerDay,
		MaxFailures:      f.MaxFailures,
		Cooldown:         time.Duration(f.CooldownHours) * time.Hour,
	}
}

// TrainerSettings assembles the trainer configuration.
func (c *Config) TrainerSettings() trainer.Config {
	tc := trainer.DefaultConfig()
	tc.Alpha = c.Bandit.Alpha
	tc.Reg = c.Bandit.Reg
	tc.MockMode = c.Bandit.MockMode
	tc.Seed = c.Bandit.Seed
	tc.RecentK = c.Bandit.RecentK
	tc.MinFairness = c.Reward.MinFairness
	tc.Weights = c.Reward.Weights
	tc.Tune = c.Evolution.Tune
	tc.Retrain = c.Nightly
	return tc
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalid}, args...)...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		bad("server.port %d out of range", c.Server.Port)
	}
	if _, ok := logLevels[strings.ToLower(c.Server.LogLevel)]; !ok {
		bad("server.logLevel %q", c.Server.LogLevel)
	}
	switch c.Store.Driver {
	case store.DriverSQLite:
	case store.DriverPostgres:
		if c.Store.DSN == "" {
			bad("store.dsn required for postgres")
		}
	default:
		bad("store.driver %q (use sqlite or postgres)", c.Store.Driver)
	}
	if c.Auth.Enabled && c.Auth.TokenTTLHours <= 0 {
		bad("auth.tokenTtlHours must be positive")
	}

	if c.Bandit.Alpha < 0 || c.Bandit.Reg <= 0 {
		bad("bandit.alpha must be >= 0 and bandit.reg > 0")
	}
	if c.Reward.MinFairness < 0 || c.Reward.MinFairness > 1 {
		bad("reward.minFairness %v not in [0, 1]", c.Reward.MinFairness)
	}
	for _, k := range reward.Keys {
		b, ok := c.Reward.Bounds[k]
		if !ok {
			bad("reward.bounds.%s missing", k)
			continue
		}
		if b.Min > b.Max {
			bad("reward.bounds.%s min %v > max %v", k, b.Min, b.Max)
		}
	}
	if len(errs) == 0 && !c.Reward.Weights.Within(c.Reward.Bounds) {
		bad("reward.weights outside reward.bounds")
	}

	if c.Evolution.Strategy.Population < 2 {
		bad("evolution.strategy.population must be at least 2")
	}
	if f := c.Evolution.Strategy.EliteFraction; f <= 0 || f > 1 {
		bad("evolution.strategy.eliteFraction %v not in (0, 1]", f)
	}
	if c.Nightly.Threshold < 0 || c.Nightly.WindowDays < 0 || c.Nightly.MinSamples < 0 {
		bad("nightly thresholds must not be negative")
	}
	if c.Replay.RetentionDays <= 0 {
		bad("replay.retentionDays must be positive")
	}

	if err := c.Risk.Validate(); err != nil {
		bad("risk: %v", err)
	}
	p := c.Portfolio
	if p.MaxWeight <= 0 || p.MaxWeight > 1 || p.MaxWeight*float64(c.Risk.Assets) < 1 {
		bad("portfolio.maxWeight %v cannot hold %d assets", p.MaxWeight, c.Risk.Assets)
	}
	if p.RiskAversion < 0 {
		bad("portfolio.riskAversion must not be negative")
	}
	if p.Quantum.Enabled && p.Quantum.Levels != 0 && p.Quantum.Levels < 2 {
		bad("portfolio.quantum.levels must be at least 2")
	}

	for _, j := range c.Scheduler.Jobs {
		if err := j.Validate(); err != nil {
			bad("scheduler job %q: %v", j.ID, err)
		}
	}
	return errors.Join(errs...)
}

var logLevels = map[string]struct{}{"debug": {}, "info": {}, "warn": {}, "warning": {}, "error": {}}

// Load reads config from a JSON, TOML or YAML file, chosen by extension.
func Load(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

// read decodes path over the defaults without validating.
func read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	// Decoding into existing *Job values would merge them with the defaults.
	cfg.Scheduler.Jobs = nil
	if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Scheduler.Jobs == nil {
		cfg.Scheduler.Jobs = scheduler.DefaultJobs()
	}
	return cfg, nil
}

// decode unmarshals data into cfg. TOML and YAML documents are converted to
// JSON first so the json tags are the single source of field names.
func decode(path string, data []byte, cfg *Config) error {
	var doc map[string]interface{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json", "":
		return json.Unmarshal(data, cfg)
	case ".toml":
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return err
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
	if doc == nil {
		return nil
	}
	normalized, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalize %s: %w", filepath.Ext(path), err)
	}
	return json.Unmarshal(normalized, cfg)
}

// Save writes config in the format implied by the file extension.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json", "":
	case ".toml", ".yaml", ".yml":
		var doc map[string]interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		if ext == ".toml" {
			var buf bytes.Buffer
			if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
				return fmt.Errorf("encode toml: %w", err)
			}
			data = buf.Bytes()
		} else if data, err = yaml.Marshal(doc); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}

	return os.WriteFile(path, data, 0640)
}
