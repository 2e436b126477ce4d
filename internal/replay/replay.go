// Package replay stores decision experiences for sampling, retraining and tuning.
package replay

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/evoshield/internal/reward"
)

// DefaultRetentionDays is the cleanup horizon.
const DefaultRetentionDays = 90

var ErrInvalidExperience = errors.New("replay: invalid experience")

// Experience is one decision and its outcome. Immutable once written.
type Experience struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	UserID        string         `json:"user_id"`
	Agent         string         `json:"agent"`
	Context       []float64      `json:"context"`
	Action        int            `json:"action"`
	Metrics       reward.Metrics `json:"metrics"`
	Reward        float64        `json:"reward"`
	PolicyVersion int            `json:"policy_version"`
}

// Prepare fills the id and timestamp when absent and checks the record.
func (e *Experience) Prepare(now time.Time) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC()
	}
	if e.Agent == "" {
		return errors.Join(ErrInvalidExperience, errors.New("agent is required"))
	}
	if e.Action < 0 {
		return errors.Join(ErrInvalidExperience, errors.New("negative action"))
	}
	if math.IsNaN(e.Reward) || math.IsInf(e.Reward, 0) {
		return errors.Join(ErrInvalidExperience, errors.New("reward is not finite"))
	}
	return nil
}

// Filter narrows a sample. Empty fields match everything.
type Filter struct {
	Agent  string
	UserID string
}

// Stats summarizes rewards over a window.
type Stats struct {
	Agent string  `json:"agent,omitempty"`
	Days  int     `json:"days"`
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Store persists experiences.
type Store interface {
	Append(ctx context.Context, e Experience) error
	// Sample draws up to n experiences uniformly from the last recentDays.
	Sample(ctx context.Context, n, recentDays int, f Filter) ([]Experience, error)
	// GetRecent returns the k most recent experiences, newest first.
	GetRecent(ctx context.Context, userID, agent string, k int) ([]Experience, error)
	// Window returns every experience for agent since the given time, oldest first.
	Window(ctx context.Context, agent string, since time.Time) ([]Experience, error)
	// Cleanup deletes experiences older than retentionDays and returns the count.
	Cleanup(ctx context.Context, retentionDays int) (int64, error)
	Stats(ctx context.Context, agent string, days int) (Stats, error)
}

func cutoff(now time.Time, days int) time.Time {
	return now.Add(-time.Duration(days) * 24 * time.Hour)
}

func summarize(agent string, days int, rewards []float64) Stats {
	s := Stats{Agent: agent, Days: days, Count: len(rewards)}
	if len(rewards) == 0 {
		return s
	}
	s.Min, s.Max = rewards[0], rewards[0]
	var sum float64
	for _, r := range rewards {
		sum += r
		s.Min = math.Min(s.Min, r)
		s.Max = math.Max(s.Max, r)
	}
	s.Mean = sum / float64(len(rewards))
	var ss float64
	for _, r := range rewards {
		ss += (r - s.Mean) * (r - s.Mean)
	}
	s.Std = math.Sqrt(ss / float64(len(rewards)))
	return s
}
