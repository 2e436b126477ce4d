// Package metrics holds the Prometheus collectors for the decision core.
// Every method is safe on a nil *Registry so components can run unmetered.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups the collectors on a private Prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	Decisions        *prometheus.CounterVec
	Rewards          *prometheus.HistogramVec
	GatedRewards     *prometheus.CounterVec
	ReplayFailures   prometheus.Counter
	ReplaySpilled    prometheus.Counter
	ReplayDropped    prometheus.Counter
	ReplayQueueDepth prometheus.Gauge
	SolverTier       *prometheus.CounterVec
	SolverFailures   *prometheus.CounterVec
	SolverDuration   *prometheus.HistogramVec
	ShieldSteps      prometheus.Counter
	ShieldViolations prometheus.Counter
	TuningRuns       *prometheus.CounterVec
	TuningFitness    prometheus.Gauge
	Deployments      *prometheus.CounterVec
	Rollbacks        *prometheus.CounterVec
	RetrainGain      *prometheus.GaugeVec
	EventsDropped    prometheus.Counter
}

// New creates and registers every collector.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evoshield_decisions_total",
				Help: "Decisions suggested by agent and action",
			},
			[]string{"agent", "action"},
		),
		Rewards: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evoshield_reward",
				Help:    "Observed rewards by agent",
				Buckets: []float64{0, 0.05, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.8, 1.0},
			},
			[]string{"agent"},
		),
		GatedRewards: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evoshield_rewards_gated_total",
				Help: "Rewards zeroed by the fairness or compliance gate",
			},
			[]string{"agent"},
		),
		ReplayFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evoshield_replay_write_failures_total",
			Help: "Experience writes that failed against the primary store",
		}),
		ReplaySpilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evoshield_replay_spilled_total",
			Help: "Experiences written to the spill log",
		}),
		ReplayDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evoshield_replay_dropped_total",
			Help: "Experiences dropped because the write queue was full",
		}),
		ReplayQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "evoshield_replay_queue_depth",
			Help: "Experiences waiting in the async write queue",
		}),
		SolverTier: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evoshield_portfolio_solutions_total",
				Help: "Portfolio solutions by the tier that produced them",
			},
			[]string{"tier"},
		),
		SolverFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evoshield_portfolio_tier_failures_total",
				Help: "Portfolio tier failures by tier and reason",
			},
			[]string{"tier", "reason"},
		),
		SolverDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evoshield_portfolio_tier_duration_seconds",
				Help:    "Time spent in each portfolio tier",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"tier"},
		),
		ShieldSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evoshield_shield_steps_total",
			Help: "Shielded portfolio steps",
		}),
		ShieldViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evoshield_shield_violations_total",
			Help: "Steps rejected for breaching the coverage floor",
		}),
		TuningRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evoshield_tuning_runs_total",
				Help: "Reward tuning runs by outcome",
			},
			[]string{"outcome"},
		),
		TuningFitness: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "evoshield_tuning_fitness",
			Help: "Fitness of the active reward config on its tuning sample",
		}),
		Deployments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evoshield_policy_deployments_total",
				Help: "Policy versions deployed by agent",
			},
			[]string{"agent"},
		),
		Rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evoshield_policy_rollbacks_total",
				Help: "Policy rollbacks by agent",
			},
			[]string{"agent"},
		),
		RetrainGain: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "evoshield_retrain_improvement",
				Help: "Estimated improvement of the last retrained policy",
			},
			[]string{"agent"},
		),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evoshield_events_dropped_total",
			Help: "Events dropped because the bus buffer was full",
		}),
	}

	r.reg.MustRegister(
		r.Decisions, r.Rewards, r.GatedRewards,
		r.ReplayFailures, r.ReplaySpilled, r.ReplayDropped, r.ReplayQueueDepth,
		r.SolverTier, r.SolverFailures, r.SolverDuration,
		r.ShieldSteps, r.ShieldViolations,
		r.TuningRuns, r.TuningFitness,
		r.Deployments, r.Rollbacks, r.RetrainGain,
		r.EventsDropped,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

func (r *Registry) RecordDecision(agent, action string) {
	if r == nil {
		return
	}
	r.Decisions.WithLabelValues(agent, action).Inc()
}

func (r *Registry) RecordReward(agent string, reward float64, gated bool) {
	if r == nil {
		return
	}
	r.Rewards.WithLabelValues(agent).Observe(reward)
	if gated {
		r.GatedRewards.WithLabelValues(agent).Inc()
	}
}

func (r *Registry) ReplayWriteFailed() {
	if r == nil {
		return
	}
	r.ReplayFailures.Inc()
}

func (r *Registry) ReplaySpill() {
	if r == nil {
		return
	}
	r.ReplaySpilled.Inc()
}

func (r *Registry) ReplayDrop() {
	if r == nil {
		return
	}
	r.ReplayDropped.Inc()
}

func (r *Registry) SetReplayQueueDepth(n int) {
	if r == nil {
		return
	}
	r.ReplayQueueDepth.Set(float64(n))
}

func (r *Registry) RecordSolver(tier string) {
	if r == nil {
		return
	}
	r.SolverTier.WithLabelValues(tier).Inc()
}

func (r *Registry) RecordSolverFailure(tier, reason string) {
	if r == nil {
		return
	}
	r.SolverFailures.WithLabelValues(tier, reason).Inc()
}

func (r *Registry) ObserveSolverDuration(tier string, d time.Duration) {
	if r == nil {
		return
	}
	r.SolverDuration.WithLabelValues(tier).Observe(d.Seconds())
}

func (r *Registry) RecordShieldStep(violated bool) {
	if r == nil {
		return
	}
	r.ShieldSteps.Inc()
	if violated {
		r.ShieldViolations.Inc()
	}
}

func (r *Registry) RecordTuning(outcome string, fitness float64) {
	if r == nil {
		return
	}
	r.TuningRuns.WithLabelValues(outcome).Inc()
	if outcome == "accepted" {
		r.TuningFitness.Set(fitness)
	}
}

func (r *Registry) RecordDeployment(agent string, improvement float64) {
	if r == nil {
		return
	}
	r.Deployments.WithLabelValues(agent).Inc()
	r.RetrainGain.WithLabelValues(agent).Set(improvement)
}

func (r *Registry) RecordRollback(agent string) {
	if r == nil {
		return
	}
	r.Rollbacks.WithLabelValues(agent).Inc()
}

func (r *Registry) EventDropped() {
	if r == nil {
		return
	}
	r.EventsDropped.Inc()
}
