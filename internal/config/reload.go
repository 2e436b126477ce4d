package config

import (
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"

	"github.com/clawinfra/evoshield/internal/scheduler"
)

// ReloadResult lists the sections a reload found changed, split into those
// applied in place and those that only take effect after a restart.
type ReloadResult struct {
	Changed []string
	Applied []string
	Skipped []string
}

// Has reports whether section was applied.
func (r *ReloadResult) Has(section string) bool {
	return slices.Contains(r.Applied, section)
}

// LogResult logs one line per applied or skipped section.
func (r *ReloadResult) LogResult(logger *slog.Logger) {
	if len(r.Changed) == 0 {
		logger.Info("config reload found no changes")
		return
	}
	for _, s := range r.Applied {
		logger.Info("config section reloaded", "section", s)
	}
	for _, s := range r.Skipped {
		logger.Warn("config section changed but needs a restart", "section", s)
	}
}

// section is one unit of the config that a reload compares.
type section struct {
	name    string
	differs func(cur, next *Config) bool
	// apply copies the section in place. Nil means the running components
	// were built from it and a restart is needed.
	apply func(cur, next *Config)
}

// part compares the value picked by get.
func part(get func(*Config) any) func(cur, next *Config) bool {
	return func(cur, next *Config) bool {
		return !reflect.DeepEqual(get(cur), get(next))
	}
}

var sections = []section{
	{name: "Server.Port", differs: part(func(c *Config) any { return c.Server.Port })},
	{name: "Server.DataDir", differs: part(func(c *Config) any { return c.Server.DataDir })},
	{name: "Server.AllowedOrigins", differs: part(func(c *Config) any { return c.Server.AllowedOrigins })},
	{name: "Store", differs: part(func(c *Config) any { return c.Store })},
	{name: "Redis", differs: part(func(c *Config) any { return c.Redis })},
	{name: "MQTT", differs: part(func(c *Config) any { return c.MQTT })},
	{name: "Auth", differs: part(func(c *Config) any { return c.Auth })},
	{name: "Bandit", differs: part(func(c *Config) any { return c.Bandit })},
	{name: "Evolution", differs: part(func(c *Config) any { return c.Evolution })},
	{name: "Replay", differs: part(func(c *Config) any { return c.Replay })},
	{name: "Risk", differs: part(func(c *Config) any { return c.Risk })},
	{name: "Portfolio", differs: part(func(c *Config) any { return c.Portfolio })},
	{name: "CaseMemory", differs: part(func(c *Config) any { return c.CaseMemory })},

	{
		name:    "Server.LogLevel",
		differs: part(func(c *Config) any { return c.Server.LogLevel }),
		apply:   func(cur, next *Config) { cur.Server.LogLevel = next.Server.LogLevel },
	},
	{
		name:    "Reward",
		differs: part(func(c *Config) any { return c.Reward }),
		apply:   func(cur, next *Config) { cur.Reward = next.Reward },
	},
	{
		name:    "Nightly",
		differs: part(func(c *Config) any { return c.Nightly }),
		apply:   func(cur, next *Config) { cur.Nightly = next.Nightly },
	},
	{
		name:    "Scheduler",
		differs: func(cur, next *Config) bool { return !sameJobs(cur.Scheduler, next.Scheduler) },
		apply:   func(cur, next *Config) { cur.Scheduler = next.Scheduler },
	},
}

// sameJobs compares job definitions only; run state is not config.
func sameJobs(a, b scheduler.Config) bool {
	if a.Enabled != b.Enabled || len(a.Jobs) != len(b.Jobs) {
		return false
	}
	for i, x := range a.Jobs {
		y := b.Jobs[i]
		if x.ID != y.ID || x.Name != y.Name || x.Enabled != y.Enabled ||
			x.Schedule != y.Schedule || !reflect.DeepEqual(x.Action, y.Action) {
			return false
		}
	}
	return true
}

var mu sync.RWMutex

// RLock guards reads of live sections against a concurrent Reload.
func RLock() { mu.RLock() }

// RUnlock releases RLock.
func RUnlock() { mu.RUnlock() }

// Reload reads path and copies the live sections that changed into c. A file
// that fails to parse or validate leaves c untouched.
func (c *Config) Reload(path string) (*ReloadResult, error) {
	next, err := read(path)
	if err != nil {
		return nil, fmt.Errorf("reload: %w", err)
	}
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("reload: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	res := &ReloadResult{}
	for _, s := range sections {
		if !s.differs(c, next) {
			continue
		}
		res.Changed = append(res.Changed, s.name)
		if s.apply == nil {
			res.Skipped = append(res.Skipped, s.name)
			continue
		}
		s.apply(c, next)
		res.Applied = append(res.Applied, s.name)
	}
	return res, nil
}
