package trainer

import (
	"context"
	"errors"
	"fmt"

	"github.com/clawinfra/evoshield/internal/events"
	"github.com/clawinfra/evoshield/internal/evolution"
	"github.com/clawinfra/evoshield/internal/policy"
	"github.com/clawinfra/evoshield/internal/replay"
	"github.com/clawinfra/evoshield/internal/reward"
)

// TuneConfig controls the nightly reward-weight search.
type TuneConfig struct {
	WindowDays int `json:"windowDays"`
	SampleSize int `json:"sampleSize"`
	MinSamples int `json:"minSamples"`
}

// DefaultTuneConfig returns production defaults.
func DefaultTuneConfig() TuneConfig {
	return TuneConfig{WindowDays: 30, SampleSize: 500, MinSamples: 50}
}

func (c TuneConfig) withDefaults() TuneConfig {
	def := DefaultTuneConfig()
	if c.WindowDays <= 0 {
		c.WindowDays = def.WindowDays
	}
	if c.SampleSize <= 0 {
		c.SampleSize = def.SampleSize
	}
	if c.MinSamples <= 0 {
		c.MinSamples = def.MinSamples
	}
	return c
}

// Tuning outcomes.
const (
	TuneAccepted = "accepted"
	TuneRejected = "rejected"
	TuneBlocked  = "blocked"
	TuneSkipped  = "skipped"
	TuneFailed   = "failed"
)

// TuneReport is the outcome of one tuning pass.
type TuneReport struct {
	Outcome string           `json:"outcome"`
	Result  evolution.Result `json:"result"`
	Version int              `json:"version,omitempty"`
	Reason  string           `json:"reason,omitempty"`
}

// RestoreRewardConfig loads the persisted active reward config, if any.
// A config outside the tuner's bounds is ignored.
func (t *Trainer) RestoreRewardConfig(ctx context.Context) error {
	if t.deps.RewardStore == nil {
		return nil
	}
	v, err := t.deps.RewardStore.ActiveRewardConfig(ctx)
	if errors.Is(err, policy.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore reward config: %w", err)
	}
	bounds := reward.DefaultBounds()
	if t.deps.Tuner != nil {
		bounds = t.deps.Tuner.Bounds()
	}
	if !v.Config.Within(bounds) {
		t.logger.Warn("stored reward config outside bounds, keeping default", "version", v.Version)
		return nil
	}
	t.setRewardConfig(v.Config)
	t.logger.Info("reward config restored", "version", v.Version, "fitness", v.Fitness)
	return nil
}

// ErrNoTuner is returned by TuneRewards when the trainer has no tuner.
var ErrNoTuner = errors.New("trainer: no tuner configured")

// TuneRewards searches for better reward weights over recent experiences.
// The active config only changes when the search beats it by epsilon, the
// firewall allows another accept today and the new version is persisted.
func (t *Trainer) TuneRewards(ctx context.Context) (TuneReport, error) {
	if t.deps.Tuner == nil {
		return TuneReport{}, ErrNoTuner
	}
	t.tuneMu.Lock()
	defer t.tuneMu.Unlock()

	if ok, reason := t.deps.Firewall.Allow(); !ok {
		t.logger.Warn("reward tuning blocked", "reason", reason)
		t.deps.Metrics.RecordTuning(TuneBlocked, 0)
		return TuneReport{Outcome: TuneBlocked, Reason: reason}, nil
	}

	cfg := t.cfg.Tune
	exps, err := t.deps.Replay.Sample(ctx, cfg.SampleSize, cfg.WindowDays, replay.Filter{})
	if err != nil {
		t.deps.Firewall.RecordOutcome(err)
		t.deps.Metrics.RecordTuning(TuneFailed, 0)
		return TuneReport{Outcome: TuneFailed}, fmt.Errorf("sample experiences: %w", err)
	}
	if len(exps) < cfg.MinSamples {
		reason := fmt.Sprintf("%d samples, need %d", len(exps), cfg.MinSamples)
		t.logger.Info("reward tuning skipped", "reason", reason)
		t.deps.Metrics.RecordTuning(TuneSkipped, 0)
		return TuneReport{Outcome: TuneSkipped, Reason: reason}, nil
	}
	sample := make([]reward.Metrics, len(exps))
	for i, e := range exps {
		sample[i] = e.Metrics
	}

	base := t.RewardConfig()
	res, err := t.deps.Tuner.Optimize(ctx, base, sample)
	if err != nil {
		t.deps.Firewall.RecordOutcome(err)
		t.deps.Metrics.RecordTuning(TuneFailed, 0)
		return TuneReport{Outcome: TuneFailed}, fmt.Errorf("optimize reward weights: %w", err)
	}
	t.deps.Firewall.RecordOutcome(nil)

	report := TuneReport{Result: res, Reason: res.Reason}
	if res.Accepted && !t.deps.Firewall.AllowAccept() {
		res.Accepted = false
		res.Config = base
		report.Result = res
		report.Reason = "daily accept budget exhausted"
	}
	if !res.Accepted {
		report.Outcome = TuneRejected
		t.deps.Metrics.RecordTuning(TuneRejected, res.Optimized)
		t.publish(events.New(events.TuningRejected, "", map[string]interface{}{
			"baseline":  res.Baseline,
			"optimized": res.Optimized,
			"reason":    report.Reason,
		}))
		t.logger.Info("reward tuning rejected", "reason", report.Reason)
		return report, nil
	}

	if t.deps.RewardStore != nil {
		v, err := t.deps.RewardStore.SaveRewardConfig(ctx, res.Config, res.Optimized, res.Baseline)
		if err != nil {
			t.deps.Metrics.RecordTuning(TuneFailed, 0)
			return TuneReport{Outcome: TuneFailed, Result: res}, fmt.Errorf("persist reward config: %w", err)
		}
		report.Version = v.Version
	}
	t.setRewardConfig(res.Config)
	t.deps.Firewall.RecordAccept()
	report.Outcome = TuneAccepted
	t.deps.Metrics.RecordTuning(TuneAccepted, res.Optimized)
	t.publish(events.New(events.TuningAccepted, "", map[string]interface{}{
		"version":   report.Version,
		"baseline":  res.Baseline,
		"optimized": res.Optimized,
		"config":    res.Config,
	}))
	t.logger.Info("reward config accepted",
		"version", report.Version,
		"baseline", res.Baseline,
		"optimized", res.Optimized,
	)
	return report, nil
}

func (t *Trainer) publish(e events.Event) {
	if t.deps.Events != nil {
		t.deps.Events.Publish(e)
	}
}
