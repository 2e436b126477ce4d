// Package trainer runs the decision loop: build context, suggest an action,
// score the outcome, update the bandit and log the experience. It also owns the
// active reward config and the nightly tuning and retraining passes.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/evoshield/internal/agents"
	"github.com/clawinfra/evoshield/internal/bandit"
	"github.com/clawinfra/evoshield/internal/casememory"
	"github.com/clawinfra/evoshield/internal/events"
	"github.com/clawinfra/evoshield/internal/evolution"
	"github.com/clawinfra/evoshield/internal/features"
	"github.com/clawinfra/evoshield/internal/metrics"
	"github.com/clawinfra/evoshield/internal/policy"
	"github.com/clawinfra/evoshield/internal/replay"
	"github.com/clawinfra/evoshield/internal/reward"
	"github.com/clawinfra/evoshield/internal/wal"
)

// ErrUnknownDecision is returned when an outcome references no decision.
var ErrUnknownDecision = errors.New("trainer: unknown decision")

// Config holds trainer settings.
type Config struct {
	Alpha       float64
	Reg         float64
	MinFairness float64
	// Weights is the reward config used until a tuned version is restored.
	// The zero value means reward.DefaultConfig.
	Weights  reward.Config
	MockMode bool
	Seed     uint64
	// RecentK is how many of the user's latest experiences are averaged into
	// the recent-metrics features when a request carries none. 0 disables.
	RecentK     int
	CaseLimit   int
	CaseTimeout time.Duration
	Tune        TuneConfig
	Retrain     RetrainOptions
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Alpha:       1.5,
		Reg:         1e-2,
		MinFairness: reward.DefaultMinFairness,
		RecentK:     5,
		CaseLimit:   5,
		CaseTimeout: 200 * time.Millisecond,
		Tune:        DefaultTuneConfig(),
		Retrain:     DefaultRetrainOptions(),
	}
}

// Appender is the write side of the replay store.
type Appender interface {
	Append(ctx context.Context, e replay.Experience) error
}

// CaseMemory finds and remembers similar cases.
type CaseMemory interface {
	Search(ctx context.Context, q casememory.Query) ([]casememory.Hit, error)
	Add(ctx context.Context, c casememory.Case) (string, error)
}

// Deps are the collaborators of a Trainer. Policies and Replay are required.
type Deps struct {
	Policies *policy.Manager
	Replay   replay.Store
	// Writer defaults to Replay. Set it to a replay.Writer for non-blocking appends.
	Writer      Appender
	Cases       CaseMemory
	RewardStore policy.RewardConfigStore
	Runs        policy.TrainingRunStore
	// Spill keeps training runs Runs could not store until DrainRuns.
	Spill       *wal.WAL
	Tuner       *evolution.Engine
	Firewall    *evolution.Firewall
	Events      events.Publisher
	Metrics     *metrics.Registry
	Clock       func() time.Time
}

// learner is the live bandit for one agent.
type learner struct {
	mu      sync.Mutex
	bandit  *bandit.LinUCB
	version int
}

// Trainer is safe for concurrent use.
type Trainer struct {
	cfg      Config
	deps     Deps
	builder  *features.Builder
	rewards  *reward.Engine
	logger   *slog.Logger
	now      func() time.Time
	enabled  atomic.Bool
	rewardMu sync.RWMutex
	active   reward.Config
	// tuned is set once active comes from a persisted reward-config version.
	tuned    bool

	learnersMu sync.Mutex
	learners   map[string]*learner

	rngMu sync.Mutex
	rng   *rand.Rand

	tuneMu sync.Mutex

	// caseSlots bounds background case-memory writes; caseWG tracks them.
	caseSlots chan struct{}
	caseWG    sync.WaitGroup
}

// maxCaseWrites is how many case-memory writes may be in flight at once.
const maxCaseWrites = 8

// New creates an enabled trainer with the default reward config.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Trainer, error) {
	if deps.Policies == nil || deps.Replay == nil {
		return nil, errors.New("trainer: policy manager and replay store are required")
	}
	def := DefaultConfig()
	if cfg.Alpha <= 0 {
		cfg.Alpha = def.Alpha
	}
	if cfg.Reg <= 0 {
		cfg.Reg = def.Reg
	}
	if cfg.CaseLimit <= 0 {
		cfg.CaseLimit = def.CaseLimit
	}
	if cfg.CaseTimeout <= 0 {
		cfg.CaseTimeout = def.CaseTimeout
	}
	cfg.Tune = cfg.Tune.withDefaults()
	cfg.Retrain = cfg.Retrain.withDefaults()
	if deps.Writer == nil {
		deps.Writer = deps.Replay
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if cfg.Weights == (reward.Config{}) {
		cfg.Weights = reward.DefaultConfig()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	t := &Trainer{
		cfg:      cfg,
		deps:     deps,
		builder:  features.NewBuilder(deps.Clock),
		rewards:  reward.NewEngine(cfg.MinFairness),
		logger:   logger.With("component", "trainer"),
		now:      deps.Clock,
		active:   cfg.Weights,
		learners: make(map[string]*learner),
		rng:      rand.New(rand.NewPCG(seed, seed>>1|1)),

		caseSlots: make(chan struct{}, maxCaseWrites),
	}
	t.enabled.Store(true)
	return t, nil
}

// Enable turns learning on.
func (t *Trainer) Enable() {
	t.enabled.Store(true)
	t.logger.Info("learning enabled")
}

// Disable turns learning off. Decide still answers; Observe becomes a no-op.
func (t *Trainer) Disable() {
	t.enabled.Store(false)
	t.logger.Info("learning disabled")
}

// Enabled reports whether learning is on.
func (t *Trainer) Enabled() bool { return t.enabled.Load() }

// RewardConfig returns the active reward config.
func (t *Trainer) RewardConfig() reward.Config {
	t.rewardMu.RLock()
	defer t.rewardMu.RUnlock()
	return t.active
}

// setRewardConfig makes a persisted, tuned config active.
func (t *Trainer) setRewardConfig(c reward.Config) {
	t.rewardMu.Lock()
	t.active = c
	t.tuned = true
	t.rewardMu.Unlock()
}

// RewardSettings is the reloadable part of the reward config.
type RewardSettings struct {
	Weights     reward.Config
	MinFairness float64
	Bounds      map[string]reward.Bound
}

// UseRewardSettings applies a reloaded reward section. The fairness gate and
// bounds always change, in the trainer and in the tuner. Weights only change
// while no tuned version is active; a tuned config is replaced by tuning alone.
// A zero Weights value means reward.DefaultConfig.
func (t *Trainer) UseRewardSettings(s RewardSettings) {
	if s.Weights == (reward.Config{}) {
		s.Weights = reward.DefaultConfig()
	}
	re := reward.NewEngine(s.MinFairness)
	if t.deps.Tuner != nil {
		t.deps.Tuner.SetRewardSettings(s.Bounds, re)
	}

	t.rewardMu.Lock()
	t.rewards = re
	tuned, active := t.tuned, t.active
	if !tuned {
		t.active = s.Weights
	}
	t.rewardMu.Unlock()

	if tuned && s.Weights != active {
		t.logger.Warn("reward weights in config ignored, a tuned version is active")
	}
	t.logger.Info("reward settings updated", "min_fairness", s.MinFairness, "weights_applied", !tuned)
}

func (t *Trainer) rewardState() (*reward.Engine, reward.Config) {
	t.rewardMu.RLock()
	defer t.rewardMu.RUnlock()
	return t.rewards, t.active
}

// learnerFor returns the live bandit for agent, loading its policy on first use.
func (t *Trainer) learnerFor(ctx context.Context, agent string) *learner {
	t.learnersMu.Lock()
	defer t.learnersMu.Unlock()

	if l, ok := t.learners[agent]; ok {
		return l
	}
	p := t.deps.Policies.Load(ctx, agent)
	b, err := bandit.FromSnapshot(p.Params, t.cfg.Alpha, t.cfg.Reg)
	if err != nil || b.Dim() != features.Dim || b.Actions() != agents.KindOf(agent).NumActions() {
		t.logger.Warn("stored policy unusable, starting fresh", "agent", agent, "version", p.Version, "error", err)
		b = t.freshBandit(agent)
		p.Version = 0
	}
	l := &learner{bandit: b, version: p.Version}
	t.learners[agent] = l
	return l
}

func (t *Trainer) freshBandit(agent string) *bandit.LinUCB {
	b, err := bandit.New(agents.KindOf(agent).NumActions(), features.Dim, t.cfg.Alpha, t.cfg.Reg)
	if err != nil {
		b, _ = bandit.New(agents.KindOf(agent).NumActions(), features.Dim, 1.0, 1.0)
	}
	return b
}

// swap replaces the live bandit for agent.
func (t *Trainer) swap(agent string, b *bandit.LinUCB, version int) {
	t.learnersMu.Lock()
	l, ok := t.learners[agent]
	if !ok {
		t.learners[agent] = &learner{bandit: b, version: version}
		t.learnersMu.Unlock()
		return
	}
	t.learnersMu.Unlock()

	l.mu.Lock()
	l.bandit, l.version = b, version
	l.mu.Unlock()
}

// Reload drops the live bandit for agent so the next decision reloads the
// current policy version. Used after a rollback.
func (t *Trainer) Reload(agent string) {
	t.learnersMu.Lock()
	delete(t.learners, agent)
	t.learnersMu.Unlock()
}

// Agents returns the agents with a live bandit, sorted.
func (t *Trainer) Agents() []string {
	t.learnersMu.Lock()
	defer t.learnersMu.Unlock()
	out := make([]string, 0, len(t.learners))
	for a := range t.learners {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// DecisionRequest is the input of a decision.
type DecisionRequest struct {
	Agent  string         `json:"agent"`
	UserID string         `json:"user_id"`
	Input  features.Input `json:"input"`
	// Recent overrides the recent-metrics features.
	Recent reward.Metrics `json:"recent_metrics,omitempty"`
	// Query is free text used to look up similar cases.
	Query string `json:"query,omitempty"`
}

// Decision is a suggested action and everything needed to learn from it later.
type Decision struct {
	ID            string               `json:"id"`
	Agent         string               `json:"agent"`
	UserID        string               `json:"user_id"`
	Action        int                  `json:"action"`
	ActionName    string               `json:"action_name"`
	Scores        []float64            `json:"scores"`
	Context       features.Vector      `json:"context"`
	PolicyVersion int                  `json:"policy_version"`
	Hits          []features.MemoryHit `json:"memory_hits,omitempty"`
	Summary       string               `json:"summary,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	Learning      bool                 `json:"learning"`
}

// Decide builds the context and returns the bandit's suggestion.
func (t *Trainer) Decide(ctx context.Context, req DecisionRequest) (Decision, error) {
	if req.Agent == "" {
		return Decision{}, errors.New("trainer: agent is required")
	}
	kind := agents.KindOf(req.Agent)

	recent := req.Recent
	if recent == nil {
		recent = t.recentMetrics(ctx, req.UserID, req.Agent)
	}
	summary := Describe(req.Agent, req.Input, req.Query)
	hits := t.similarCases(ctx, req.Agent, summary)

	x := t.builder.Build(features.Request{
		Agent:  req.Agent,
		UserID: req.UserID,
		Input:  req.Input,
		Recent: recent,
		Hits:   hits,
	})

	l := t.learnerFor(ctx, req.Agent)
	l.mu.Lock()
	scores, err := l.bandit.Scores(x)
	version := l.version
	l.mu.Unlock()
	if err != nil {
		return Decision{}, fmt.Errorf("score %s: %w", req.Agent, err)
	}
	action := argmax(scores)
	name, _ := kind.ActionName(action)
	t.deps.Metrics.RecordDecision(req.Agent, name)

	return Decision{
		ID:            uuid.NewString(),
		Agent:         req.Agent,
		UserID:        req.UserID,
		Action:        action,
		ActionName:    name,
		Scores:        scores,
		Context:       x,
		PolicyVersion: version,
		Hits:          hits,
		Summary:       summary,
		CreatedAt:     t.now().UTC(),
		Learning:      t.Enabled(),
	}, nil
}

func argmax(scores []float64) int {
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best
}

// Outcome is what happened after a decision was acted on.
type Outcome struct {
	// Output is the agent's raw output; fairness and compliance are read from it.
	Output map[string]interface{} `json:"output,omitempty"`
	// Recent supplies the remaining outcome metrics.
	Recent reward.Metrics `json:"recent_metrics,omitempty"`
	// Metrics, when set, are used as-is instead of extraction.
	Metrics reward.Metrics `json:"metrics,omitempty"`
}

// Result is the learning side of one step.
type Result struct {
	DecisionID    string         `json:"decision_id"`
	Agent         string         `json:"agent"`
	Action        int            `json:"action"`
	ActionName    string         `json:"action_name"`
	Reward        float64        `json:"reward"`
	Gated         bool           `json:"gated"`
	Metrics       reward.Metrics `json:"metrics"`
	PolicyVersion int            `json:"policy_version"`
	ContextDim    int            `json:"context_dim"`
	Skipped       bool           `json:"skipped,omitempty"`
}

// Observe scores the outcome of d, updates the agent's bandit and logs the
// experience. Replay and case-memory failures are logged, never returned.
func (t *Trainer) Observe(ctx context.Context, d Decision, o Outcome) (Result, error) {
	if d.Agent == "" || d.ID == "" {
		return Result{}, ErrUnknownDecision
	}
	res := Result{
		DecisionID:    d.ID,
		Agent:         d.Agent,
		Action:        d.Action,
		ActionName:    d.ActionName,
		PolicyVersion: d.PolicyVersion,
		ContextDim:    len(d.Context),
	}
	if !t.Enabled() {
		res.Skipped = true
		return res, nil
	}
	if err := features.Validate(d.Context); err != nil {
		return Result{}, err
	}

	var m reward.Metrics
	switch {
	case t.cfg.MockMode:
		t.rngMu.Lock()
		m = MockMetrics(agents.KindOf(d.Agent), d.Action, t.rng)
		t.rngMu.Unlock()
	case o.Metrics != nil:
		m = o.Metrics.Clone()
	default:
		m = ExtractMetrics(o.Output, o.Recent)
	}

	engine, weights := t.rewardState()
	r := engine.Compute(m, weights)
	gated := engine.Gated(m)

	l := t.learnerFor(ctx, d.Agent)
	l.mu.Lock()
	err := l.bandit.Update(d.Context, d.Action, r)
	l.mu.Unlock()
	if err != nil {
		return Result{}, fmt.Errorf("update %s: %w", d.Agent, err)
	}
	t.deps.Metrics.RecordReward(d.Agent, r, gated)

	exp := replay.Experience{
		ID:            d.ID,
		Timestamp:     t.now().UTC(),
		UserID:        d.UserID,
		Agent:         d.Agent,
		Context:       append([]float64(nil), d.Context...),
		Action:        d.Action,
		Metrics:       m,
		Reward:        r,
		PolicyVersion: d.PolicyVersion,
	}
	if err := t.deps.Writer.Append(ctx, exp); err != nil {
		t.deps.Metrics.ReplayWriteFailed()
		t.logger.Error("replay append failed", "agent", d.Agent, "id", d.ID, "error", err)
	}
	t.remember(ctx, d, r)

	res.Reward = r
	res.Gated = gated
	res.Metrics = m
	return res, nil
}

// TrainStep decides and immediately observes the outcome.
func (t *Trainer) TrainStep(ctx context.Context, req DecisionRequest, o Outcome) (Decision, Result, error) {
	d, err := t.Decide(ctx, req)
	if err != nil {
		return Decision{}, Result{}, err
	}
	res, err := t.Observe(ctx, d, o)
	if err != nil {
		return d, Result{}, err
	}
	return d, res, nil
}

// recentMetrics averages the metrics of the user's latest experiences.
func (t *Trainer) recentMetrics(ctx context.Context, userID, agent string) reward.Metrics {
	if t.cfg.RecentK <= 0 || userID == "" {
		return nil
	}
	exps, err := t.deps.Replay.GetRecent(ctx, userID, agent, t.cfg.RecentK)
	if err != nil {
		t.logger.Debug("recent metrics unavailable", "agent", agent, "error", err)
		return nil
	}
	if len(exps) == 0 {
		return nil
	}
	sums := reward.Metrics{}
	counts := map[string]int{}
	for _, e := range exps {
		for k := range e.Metrics {
			if e.Metrics.Has(k) {
				sums[k] += e.Metrics[k]
				counts[k]++
			}
		}
	}
	for k, n := range counts {
		sums[k] /= float64(n)
	}
	return sums
}

func (t *Trainer) similarCases(ctx context.Context, agent, text string) []features.MemoryHit {
	if t.deps.Cases == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.CaseTimeout)
	defer cancel()
	hits, err := t.deps.Cases.Search(ctx, casememory.Query{Agent: agent, Text: text, Limit: t.cfg.CaseLimit})
	if err != nil {
		t.logger.Warn("case memory search failed", "agent", agent, "error", err)
		return nil
	}
	out := make([]features.MemoryHit, len(hits))
	for i, h := range hits {
		out[i] = features.MemoryHit{ID: h.ID, Similarity: h.Similarity}
	}
	return out
}

// remember stores the decision as a case in the background. When
// maxCaseWrites writes are already pending the case is dropped.
func (t *Trainer) remember(ctx context.Context, d Decision, r float64) {
	if t.deps.Cases == nil || d.Summary == "" {
		return
	}
	select {
	case t.caseSlots <- struct{}{}:
	default:
		t.logger.Warn("case memory busy, case dropped", "agent", d.Agent, "decision", d.ID)
		return
	}
	c := casememory.Case{
		ID:      d.ID,
		UserID:  d.UserID,
		Agent:   d.Agent,
		Summary: d.Summary + " " + d.ActionName,
		Action:  d.Action,
		Reward:  r,
	}
	t.caseWG.Add(1)
	go func() {
		defer func() {
			<-t.caseSlots
			t.caseWG.Done()
		}()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.CaseTimeout)
		defer cancel()
		if _, err := t.deps.Cases.Add(ctx, c); err != nil {
			t.logger.Warn("case memory add failed", "agent", c.Agent, "error", err)
		}
	}()
}

// Wait blocks until pending case-memory writes finish.
func (t *Trainer) Wait() {
	t.caseWG.Wait()
}

// Statistics summarizes rewards over a window together with learner state.
type Statistics struct {
	replay.Stats
	Enabled      bool     `json:"enabled"`
	Initialized  bool     `json:"bandit_initialized"`
	ActiveAgents []string `json:"agents_active,omitempty"`
}

// Statistics returns reward statistics for agent (all agents when empty).
func (t *Trainer) Statistics(ctx context.Context, agent string, days int) (Statistics, error) {
	if days <= 0 {
		days = 7
	}
	s, err := t.deps.Replay.Stats(ctx, agent, days)
	if err != nil {
		return Statistics{}, fmt.Errorf("statistics: %w", err)
	}
	out := Statistics{Stats: s, Enabled: t.Enabled()}
	if agent == "" {
		out.ActiveAgents = t.Agents()
		return out, nil
	}
	t.learnersMu.Lock()
	_, out.Initialized = t.learners[agent]
	t.learnersMu.Unlock()
	return out, nil
}
