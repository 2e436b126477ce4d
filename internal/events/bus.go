// Package events fans decision-core events out to external sinks.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/evoshield/internal/metrics"
)

// Type names an event.
type Type string

const (
	PolicyDeployed   Type = "policy_deployed"
	PolicyRolledBack Type = "policy_rolled_back"
	RetrainCompleted Type = "retrain_completed"
	TuningAccepted   Type = "tuning_accepted"
	TuningRejected   Type = "tuning_rejected"
	SolverFallback   Type = "solver_fallback"
	ShieldViolation  Type = "shield_violation"
	ReplayDrained    Type = "replay_drained"
)

// Event is a single notification.
type Event struct {
	ID    string                 `json:"id"`
	Type  Type                   `json:"type"`
	Agent string                 `json:"agent,omitempty"`
	Time  time.Time              `json:"time"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// New creates an event with a fresh id and timestamp.
func New(t Type, agent string, data map[string]interface{}) Event {
	return Event{
		ID:    uuid.NewString(),
		Type:  t,
		Agent: agent,
		Time:  time.Now().UTC(),
		Data:  data,
	}
}

// Sink receives events from the bus.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(e Event)
}

// Bus delivers events to sinks from a single goroutine. Publish never blocks.
type Bus struct {
	logger  *slog.Logger
	metrics *metrics.Registry
	queue   chan Event

	mu    sync.RWMutex
	sinks []Sink
	wg    sync.WaitGroup
}

// NewBus creates a bus with the given buffer size.
func NewBus(buffer int, m *metrics.Registry, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		logger:  logger.With("component", "events"),
		metrics: m,
		queue:   make(chan Event, buffer),
	}
}

// AddSink registers a sink.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish enqueues an event, dropping it when the buffer is full. Safe on a nil bus.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	select {
	case b.queue <- e:
	default:
		b.logger.Warn("event buffer full, dropping event", "type", e.Type, "agent", e.Agent)
		b.metrics.EventDropped()
	}
}

// Start runs the dispatch loop until ctx is cancelled.
func (b *Bus) Start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-b.queue:
				b.dispatch(ctx, e)
			}
		}
	}()
}

// Wait blocks until the dispatch loop has exited.
func (b *Bus) Wait() {
	b.wg.Wait()
}

func (b *Bus) dispatch(ctx context.Context, e Event) {
	b.mu.RLock()
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.RUnlock()

	for _, s := range sinks {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := s.Deliver(dctx, e); err != nil {
			b.logger.Warn("event delivery failed", "sink", s.Name(), "type", e.Type, "error", err)
		}
		cancel()
	}
}
