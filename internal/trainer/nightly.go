package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/evoshield/internal/agents"
	"github.com/clawinfra/evoshield/internal/bandit"
	"github.com/clawinfra/evoshield/internal/events"
	"github.com/clawinfra/evoshield/internal/features"
	"github.com/clawinfra/evoshield/internal/policy"
	"github.com/clawinfra/evoshield/internal/replay"
	"github.com/clawinfra/evoshield/internal/wal"
)

// Retrain statuses.
const (
	StatusSuccess = "success"
	StatusSkipped = "skipped"
	StatusError   = "error"

	ReasonInsufficientData = "insufficient_data"
)

const (
	trainFraction  = 0.8
	minEvalSamples = 20
)

// RetrainOptions controls a nightly retraining pass.
type RetrainOptions struct {
	Agents     []string `json:"agents"`
	WindowDays int      `json:"windowDays"`
	MinSamples int      `json:"minSamples"`
	Threshold  float64  `json:"deploymentThreshold"`
	DryRun     bool     `json:"dryRun"`
	Workers    int      `json:"workers"`
}

// DefaultRetrainOptions returns production defaults covering every named agent.
func DefaultRetrainOptions() RetrainOptions {
	names := make([]string, len(agents.Named))
	for i, k := range agents.Named {
		names[i] = k.String()
	}
	return RetrainOptions{
		Agents:     names,
		WindowDays: 60,
		MinSamples: 100,
		Threshold:  0.05,
		Workers:    3,
	}
}

func (o RetrainOptions) withDefaults() RetrainOptions {
	def := DefaultRetrainOptions()
	if len(o.Agents) == 0 {
		o.Agents = def.Agents
	}
	if o.WindowDays <= 0 {
		o.WindowDays = def.WindowDays
	}
	if o.MinSamples <= 0 {
		o.MinSamples = def.MinSamples
	}
	if o.Threshold <= 0 {
		o.Threshold = def.Threshold
	}
	if o.Workers <= 0 {
		o.Workers = def.Workers
	}
	return o
}

// RetrainDefaults returns the configured retraining options.
func (t *Trainer) RetrainDefaults() RetrainOptions { return t.cfg.Retrain }

// Retrain trains a fresh bandit per agent on the replay window, compares it to
// the current policy on held-out data and deploys it when the improvement
// clears the threshold. Per-agent failures are reported in the run, not returned.
func (t *Trainer) Retrain(ctx context.Context, opts RetrainOptions) (policy.TrainingRun, error) {
	opts = opts.withDefaults()
	run := policy.TrainingRun{
		ID:         uuid.NewString(),
		StartedAt:  t.now().UTC(),
		WindowDays: opts.WindowDays,
		DryRun:     opts.DryRun,
		Results:    make([]policy.RetrainResult, len(opts.Agents)),
	}
	t.logger.Info("nightly retraining started",
		"agents", opts.Agents,
		"window_days", opts.WindowDays,
		"threshold", opts.Threshold,
		"dry_run", opts.DryRun,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i, agent := range opts.Agents {
		i, agent := i, agent
		g.Go(func() error {
			res, err := t.retrainAgent(gctx, agent, opts)
			if err != nil {
				t.logger.Error("retraining failed", "agent", agent, "error", err)
				res = policy.RetrainResult{Agent: agent, Status: StatusError, Error: err.Error()}
			}
			run.Results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return run, err
	}
	run.CompletedAt = t.now().UTC()

	t.logSummary(run)
	if t.deps.Runs != nil {
		if err := t.deps.Runs.RecordTrainingRun(ctx, run); err != nil {
			t.logger.Warn("could not store training run", "id", run.ID, "error", err)
			t.spillRun(run)
		}
	}
	t.publish(events.New(events.RetrainCompleted, "", map[string]interface{}{
		"run_id":  run.ID,
		"dry_run": run.DryRun,
		"results": run.Results,
	}))
	return run, nil
}

func (t *Trainer) retrainAgent(ctx context.Context, agent string, opts RetrainOptions) (policy.RetrainResult, error) {
	since := t.now().Add(-time.Duration(opts.WindowDays) * 24 * time.Hour)
	exps, err := t.deps.Replay.Window(ctx, agent, since)
	if err != nil {
		return policy.RetrainResult{}, fmt.Errorf("load replay window: %w", err)
	}
	res := policy.RetrainResult{Agent: agent, Samples: len(exps)}
	if len(exps) < opts.MinSamples {
		t.logger.Warn("insufficient data for retraining", "agent", agent, "samples", len(exps), "need", opts.MinSamples)
		res.Status = StatusSkipped
		res.Reason = ReasonInsufficientData
		return res, nil
	}

	split := int(float64(len(exps)) * trainFraction)
	train, eval := exps[:split], exps[split:]
	res.TrainSamples, res.EvalSamples = len(train), len(eval)

	fresh := t.freshBandit(agent)
	for _, e := range train {
		if len(e.Context) != features.Dim || e.Action >= fresh.Actions() {
			continue
		}
		if err := fresh.Update(e.Context, e.Action, e.Reward); err != nil {
			t.logger.Debug("skipping experience", "agent", agent, "id", e.ID, "error", err)
		}
	}

	current := t.deps.Policies.Load(ctx, agent)
	currentBandit, err := bandit.FromSnapshot(current.Params, t.cfg.Alpha, t.cfg.Reg)
	if err != nil || currentBandit.Dim() != features.Dim || currentBandit.Actions() != fresh.Actions() {
		currentBandit = t.freshBandit(agent)
	}
	res.Version = current.Version

	res.NewValue = ReplayValue(fresh, eval)
	res.CurrentValue = ReplayValue(currentBandit, eval)
	if len(eval) >= minEvalSamples {
		res.Improvement = Improvement(res.CurrentValue, res.NewValue)
	}
	res.Status = StatusSuccess

	if res.Improvement < opts.Threshold {
		t.logger.Info("skipping deployment", "agent", agent, "improvement", res.Improvement, "threshold", opts.Threshold)
		return res, nil
	}
	if opts.DryRun {
		t.logger.Info("would deploy new policy (dry run)", "agent", agent, "improvement", res.Improvement)
		return res, nil
	}

	p, err := t.deps.Policies.BumpVersion(ctx, agent, fresh.Snapshot(), map[string]interface{}{
		"improvement":          res.Improvement,
		"training_window_days": opts.WindowDays,
		"trained_at":           t.now().UTC().Format(time.RFC3339),
		"deployment_threshold": opts.Threshold,
	})
	if err != nil {
		return policy.RetrainResult{}, fmt.Errorf("deploy policy: %w", err)
	}
	t.swap(agent, fresh, p.Version)
	res.Deployed = true
	res.Version = p.Version
	return res, nil
}

// ReplayValue estimates a policy's value on logged data: the mean logged reward
// over the experiences where the policy picks the logged action.
func ReplayValue(b *bandit.LinUCB, exps []replay.Experience) float64 {
	var sum float64
	var matched int
	for _, e := range exps {
		a, err := b.SuggestAction(e.Context)
		if err != nil || a != e.Action {
			continue
		}
		sum += e.Reward
		matched++
	}
	if matched == 0 {
		return 0
	}
	return sum / float64(matched)
}

// Improvement is the relative gain of next over current, clamped to [-1, 1].
func Improvement(current, next float64) float64 {
	if current == 0 {
		if next == 0 {
			return 0
		}
		return 0.1
	}
	return math.Max(-1, math.Min(1, (next-current)/math.Abs(current)))
}

func (t *Trainer) spillRun(run policy.TrainingRun) {
	if t.deps.Spill == nil {
		return
	}
	if _, err := t.deps.Spill.Append("", wal.KindTrainingRun, run); err != nil {
		t.logger.Error("training run spill failed", "id", run.ID, "error", err)
	}
}

// DrainRuns stores spilled training runs and returns how many were written.
func (t *Trainer) DrainRuns(ctx context.Context) (int, error) {
	if t.deps.Spill == nil || t.deps.Runs == nil {
		return 0, nil
	}
	var written int
	for _, entry := range t.deps.Spill.Unapplied() {
		if entry.Kind != wal.KindTrainingRun {
			continue
		}
		var run policy.TrainingRun
		if err := json.Unmarshal(entry.Payload, &run); err != nil {
			t.logger.Warn("dropping undecodable training run", "seq", entry.Seq, "error", err)
			_ = t.deps.Spill.MarkApplied(entry.Seq)
			continue
		}
		if err := t.deps.Runs.RecordTrainingRun(ctx, run); err != nil {
			return written, fmt.Errorf("drain training run %s: %w", run.ID, err)
		}
		if err := t.deps.Spill.MarkApplied(entry.Seq); err != nil {
			return written, fmt.Errorf("ack seq %d: %w", entry.Seq, err)
		}
		written++
	}
	if written > 0 {
		t.logger.Info("drained spilled training runs", "written", written)
	}
	return written, nil
}

func (t *Trainer) logSummary(run policy.TrainingRun) {
	var deployed, skipped, failed int
	for _, r := range run.Results {
		switch {
		case r.Status == StatusError:
			failed++
			t.logger.Error("agent retraining error", "agent", r.Agent, "error", r.Error)
		case r.Status == StatusSkipped:
			skipped++
			t.logger.Info("agent retraining skipped", "agent", r.Agent, "reason", r.Reason, "samples", r.Samples)
		case r.Deployed:
			deployed++
			t.logger.Info("agent policy deployed", "agent", r.Agent, "improvement", r.Improvement, "version", r.Version)
		default:
			t.logger.Info("agent policy kept", "agent", r.Agent, "improvement", r.Improvement, "version", r.Version)
		}
	}
	t.logger.Info("nightly retraining finished",
		"run", run.ID,
		"duration", run.CompletedAt.Sub(run.StartedAt),
		"deployed", deployed,
		"skipped", skipped,
		"failed", failed,
	)
}

// NightlyReport is the outcome of a full nightly pass.
type NightlyReport struct {
	Tuning  TuneReport         `json:"tuning"`
	Retrain policy.TrainingRun `json:"retrain"`
}

// Nightly tunes the reward weights and then retrains every agent with the
// configured options. A tuning error does not stop retraining.
func (t *Trainer) Nightly(ctx context.Context) (NightlyReport, error) {
	return t.NightlyWith(ctx, t.cfg.Retrain)
}

// NightlyWith is Nightly with explicit retraining options.
func (t *Trainer) NightlyWith(ctx context.Context, opts RetrainOptions) (NightlyReport, error) {
	var rep NightlyReport
	if t.deps.Tuner != nil {
		tr, err := t.TuneRewards(ctx)
		rep.Tuning = tr
		if err != nil {
			t.logger.Error("nightly tuning failed", "error", err)
		}
	}
	run, err := t.Retrain(ctx, opts)
	rep.Retrain = run
	if err != nil {
		return rep, fmt.Errorf("retrain: %w", err)
	}
	return rep, nil
}
