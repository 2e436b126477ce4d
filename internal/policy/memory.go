package policy

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/clawinfra/evoshield/internal/reward"
)

// MemoryStore implements Store, RewardConfigStore and TrainingRunStore in process.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string][]Policy
	active   map[string]int
	configs  []RewardConfigVersion
	activeRC int
	runs     []TrainingRun
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions: make(map[string][]Policy),
		active:   make(map[string]int),
		now:      time.Now,
	}
}

// detach copies p so stored versions never share memory with callers.
func detach(p Policy) Policy {
	p.Params = p.Params.Clone()
	p.Metadata = maps.Clone(p.Metadata)
	return p
}

func (m *MemoryStore) appendLocked(p Policy) Policy {
	p.Version = len(m.versions[p.Agent]) + 1
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now().UTC()
	}
	m.versions[p.Agent] = append(m.versions[p.Agent], detach(p))
	return detach(p)
}

func (m *MemoryStore) Append(_ context.Context, p Policy) (Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(p), nil
}

func (m *MemoryStore) Bump(_ context.Context, p Policy) (Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = m.appendLocked(p)
	m.active[p.Agent] = p.Version
	return p, nil
}

func (m *MemoryStore) Get(_ context.Context, agent string, version int) (Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vs := m.versions[agent]
	if version < 1 || version > len(vs) {
		return Policy{}, fmt.Errorf("%w: %s v%d", ErrNotFound, agent, version)
	}
	return detach(vs[version-1]), nil
}

func (m *MemoryStore) Active(_ context.Context, agent string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.active[agent]
	if !ok {
		return 0, ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Latest(_ context.Context, agent string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.versions[agent]), nil
}

func (m *MemoryStore) SetActive(_ context.Context, agent string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if version < 1 || version > len(m.versions[agent]) {
		return fmt.Errorf("%w: %s v%d", ErrNotFound, agent, version)
	}
	m.active[agent] = version
	return nil
}

func (m *MemoryStore) List(_ context.Context, agent string, limit int) ([]Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vs := m.versions[agent]
	out := make([]Policy, 0, len(vs))
	for i := len(vs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, detach(vs[i]))
	}
	return out, nil
}

func (m *MemoryStore) SaveRewardConfig(_ context.Context, cfg reward.Config, fitness, baseline float64) (RewardConfigVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc := RewardConfigVersion{
		Version:   len(m.configs) + 1,
		CreatedAt: m.now().UTC(),
		Config:    cfg,
		Fitness:   fitness,
		Baseline:  baseline,
	}
	m.configs = append(m.configs, rc)
	m.activeRC = rc.Version
	return rc, nil
}

func (m *MemoryStore) ActiveRewardConfig(_ context.Context) (RewardConfigVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.activeRC == 0 {
		return RewardConfigVersion{}, ErrNotFound
	}
	return m.configs[m.activeRC-1], nil
}

func (m *MemoryStore) ListRewardConfigs(_ context.Context, limit int) ([]RewardConfigVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RewardConfigVersion
	for i := len(m.configs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, m.configs[i])
	}
	return out, nil
}

func (m *MemoryStore) RecordTrainingRun(_ context.Context, run TrainingRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *MemoryStore) ListTrainingRuns(_ context.Context, limit int) ([]TrainingRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]TrainingRun(nil), m.runs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
