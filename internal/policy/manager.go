package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/clawinfra/evoshield/internal/agents"
	"github.com/clawinfra/evoshield/internal/bandit"
	"github.com/clawinfra/evoshield/internal/events"
	"github.com/clawinfra/evoshield/internal/metrics"
)

const conflictRetries = 3

// Params are the bandit hyperparameters used for fresh policies.
type Params struct {
	Dim   int
	Alpha float64
	Reg   float64
}

// Manager is the single writer for each agent's policy versions.
type Manager struct {
	store   Store
	params  Params
	events  events.Publisher
	metrics *metrics.Registry
	logger  *slog.Logger
	locks   sync.Map // agent -> *sync.Mutex
}

// NewManager creates a manager. pub and reg may be nil.
func NewManager(store Store, params Params, pub events.Publisher, reg *metrics.Registry, logger *slog.Logger) *Manager {
	return &Manager{
		store:   store,
		params:  params,
		events:  pub,
		metrics: reg,
		logger:  logger.With("component", "policy"),
	}
}

func (m *Manager) lock(agent string) func() {
	mu, _ := m.locks.LoadOrStore(agent, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}

// Zero returns a fresh version-0 policy for the agent's action table.
func (m *Manager) Zero(agent string) Policy {
	l, err := bandit.New(agents.KindOf(agent).NumActions(), m.params.Dim, m.params.Alpha, m.params.Reg)
	if err != nil {
		// Params are validated by config; fall back to safe values.
		l, _ = bandit.New(agents.KindOf(agent).NumActions(), m.params.Dim, 1.0, 1.0)
	}
	return Policy{Agent: agent, Version: 0, Algo: bandit.Algo, Params: l.Snapshot()}
}

// Save stores p as the agent's next version. The active pointer is not moved.
func (m *Manager) Save(ctx context.Context, p Policy) (Policy, error) {
	if p.Agent == "" {
		return Policy{}, errors.New("policy: agent is required")
	}
	if p.Algo == "" {
		p.Algo = bandit.Algo
	}
	unlock := m.lock(p.Agent)
	defer unlock()

	return m.retry(ctx, func() (Policy, error) { return m.store.Append(ctx, p) })
}

// Load returns the active version, else the latest, else a zero policy.
// Store failures degrade to the zero policy.
func (m *Manager) Load(ctx context.Context, agent string) Policy {
	v, err := m.Current(ctx, agent)
	if err != nil {
		m.logger.Error("policy load failed, using zero policy", "agent", agent, "error", err)
		return m.Zero(agent)
	}
	if v == 0 {
		return m.Zero(agent)
	}
	p, err := m.store.Get(ctx, agent, v)
	if err != nil {
		m.logger.Error("policy load failed, using zero policy", "agent", agent, "version", v, "error", err)
		return m.Zero(agent)
	}
	return p
}

// Current returns the version Load would return, 0 when none exists.
func (m *Manager) Current(ctx context.Context, agent string) (int, error) {
	v, err := m.store.Active(ctx, agent)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	return m.store.Latest(ctx, agent)
}

// LoadVersion returns a specific version or ErrNotFound.
func (m *Manager) LoadVersion(ctx context.Context, agent string, version int) (Policy, error) {
	return m.store.Get(ctx, agent, version)
}

// BumpVersion stores params as the next version and makes it active.
func (m *Manager) BumpVersion(ctx context.Context, agent string, params bandit.Snapshot, metadata map[string]interface{}) (Policy, error) {
	unlock := m.lock(agent)
	defer unlock()

	p, err := m.retry(ctx, func() (Policy, error) {
		return m.store.Bump(ctx, Policy{Agent: agent, Algo: bandit.Algo, Params: params, Metadata: metadata})
	})
	if err != nil {
		return Policy{}, err
	}

	m.logger.Info("policy version bumped", "agent", agent, "version", p.Version)
	improvement, _ := metadata["improvement"].(float64)
	m.metrics.RecordDeployment(agent, improvement)
	m.publish(events.New(events.PolicyDeployed, agent, map[string]interface{}{
		"version":  p.Version,
		"metadata": metadata,
	}))
	return p, nil
}

// Rollback points the agent at an existing version. Newer versions are kept.
func (m *Manager) Rollback(ctx context.Context, agent string, version int) error {
	unlock := m.lock(agent)
	defer unlock()

	prev, _ := m.Current(ctx, agent)
	if err := m.store.SetActive(ctx, agent, version); err != nil {
		return fmt.Errorf("rollback %s to v%d: %w", agent, version, err)
	}
	m.logger.Info("policy rolled back", "agent", agent, "from", prev, "to", version)
	m.metrics.RecordRollback(agent)
	m.publish(events.New(events.PolicyRolledBack, agent, map[string]interface{}{
		"from": prev,
		"to":   version,
	}))
	return nil
}

// ListVersions returns up to limit versions, newest first.
func (m *Manager) ListVersions(ctx context.Context, agent string, limit int) ([]Policy, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return m.store.List(ctx, agent, limit)
}

func (m *Manager) retry(ctx context.Context, fn func() (Policy, error)) (Policy, error) {
	var err error
	for i := 0; i < conflictRetries; i++ {
		var p Policy
		p, err = fn()
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrVersionConflict) || ctx.Err() != nil {
			return Policy{}, err
		}
		m.logger.Warn("policy version conflict, retrying", "attempt", i+1, "error", err)
	}
	return Policy{}, err
}

func (m *Manager) publish(e events.Event) {
	if m.events != nil {
		m.events.Publish(e)
	}
}
