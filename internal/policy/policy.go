// Package policy versions bandit parameters and reward configs per agent.
//
// Versions are immutable. Each agent has an active pointer that Rollback moves;
// newer versions are never deleted.
package policy

import (
	"context"
	"errors"
	"time"

	"github.com/clawinfra/evoshield/internal/bandit"
	"github.com/clawinfra/evoshield/internal/reward"
)

// DefaultListLimit is the number of versions ListVersions returns by default.
const DefaultListLimit = 10

var (
	ErrNotFound        = errors.New("policy: not found")
	ErrVersionConflict = errors.New("policy: version conflict")
)

// Policy is one immutable version of an agent's bandit parameters.
type Policy struct {
	Agent     string                 `json:"agent"`
	Version   int                    `json:"version"`
	Algo      string                 `json:"algo"`
	CreatedAt time.Time              `json:"created_at"`
	Params    bandit.Snapshot        `json:"params"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// RewardConfigVersion is a persisted reward config with the fitness it was accepted at.
type RewardConfigVersion struct {
	Version   int           `json:"version"`
	CreatedAt time.Time     `json:"created_at"`
	Config    reward.Config `json:"config"`
	Fitness   float64       `json:"fitness"`
	Baseline  float64       `json:"baseline"`
}

// RetrainResult is the outcome of retraining one agent.
type RetrainResult struct {
	Agent        string  `json:"agent"`
	Status       string  `json:"status"`
	Reason       string  `json:"reason,omitempty"`
	Samples      int     `json:"samples"`
	TrainSamples int     `json:"train_samples,omitempty"`
	EvalSamples  int     `json:"eval_samples,omitempty"`
	CurrentValue float64 `json:"current_value,omitempty"`
	NewValue     float64 `json:"new_value,omitempty"`
	Improvement  float64 `json:"improvement"`
	Deployed     bool    `json:"deployed"`
	Version      int     `json:"version,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// TrainingRun records one nightly retraining pass.
type TrainingRun struct {
	ID          string          `json:"id"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	WindowDays  int             `json:"window_days"`
	DryRun      bool            `json:"dry_run"`
	Results     []RetrainResult `json:"results"`
}

// Failed reports whether any agent ended in error.
func (r TrainingRun) Failed() bool {
	for _, res := range r.Results {
		if res.Status == "error" {
			return true
		}
	}
	return false
}

// Store persists policy versions and the active pointer per agent.
type Store interface {
	// Append stores p at the next version without moving the active pointer.
	Append(ctx context.Context, p Policy) (Policy, error)
	// Bump stores p at the next version and points the agent at it in one transaction.
	Bump(ctx context.Context, p Policy) (Policy, error)
	Get(ctx context.Context, agent string, version int) (Policy, error)
	// Active returns the pointed-to version or ErrNotFound.
	Active(ctx context.Context, agent string) (int, error)
	// Latest returns the highest stored version, 0 when none.
	Latest(ctx context.Context, agent string) (int, error)
	// SetActive moves the pointer to an existing version.
	SetActive(ctx context.Context, agent string, version int) error
	// List returns up to limit versions, newest first.
	List(ctx context.Context, agent string, limit int) ([]Policy, error)
}

// RewardConfigStore versions accepted reward configs.
type RewardConfigStore interface {
	SaveRewardConfig(ctx context.Context, cfg reward.Config, fitness, baseline float64) (RewardConfigVersion, error)
	ActiveRewardConfig(ctx context.Context) (RewardConfigVersion, error)
	ListRewardConfigs(ctx context.Context, limit int) ([]RewardConfigVersion, error)
}

// TrainingRunStore records retraining runs.
type TrainingRunStore interface {
	RecordTrainingRun(ctx context.Context, run TrainingRun) error
	ListTrainingRuns(ctx context.Context, limit int) ([]TrainingRun, error)
}
