package evolution

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the state of the tuning circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// FirewallConfig bounds how often the active reward config may change.
type FirewallConfig struct {
	Enabled          bool          `json:"enabled"`
	MaxAcceptsPerDay int           `json:"maxAcceptsPerDay"`
	MaxFailures      int           `json:"maxFailures"`
	Cooldown         time.Duration `json:"-"`
}

// DefaultFirewallConfig returns production defaults.
func DefaultFirewallConfig() FirewallConfig {
	return FirewallConfig{
		Enabled:          true,
		MaxAcceptsPerDay: 2,
		MaxFailures:      3,
		Cooldown:         6 * time.Hour,
	}
}

// Firewall limits accepted reward-config changes per 24h and opens a breaker
// after consecutive tuning failures.
type Firewall struct {
	cfg FirewallConfig
	now func() time.Time

	mu       sync.Mutex
	accepts  []time.Time
	failures int
	state    BreakerState
	openedAt time.Time
}

// NewFirewall creates a firewall. A nil clock means time.Now.
func NewFirewall(cfg FirewallConfig, clock func() time.Time) *Firewall {
	if clock == nil {
		clock = time.Now
	}
	if cfg.MaxAcceptsPerDay <= 0 {
		cfg.MaxAcceptsPerDay = 1
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 1
	}
	return &Firewall{cfg: cfg, now: clock, state: BreakerClosed}
}

// Allow reports whether a tuning run may start.
func (f *Firewall) Allow() (bool, string) {
	if f == nil || !f.cfg.Enabled {
		return true, "firewall disabled"
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.stateLocked() {
	case BreakerOpen:
		return false, fmt.Sprintf("circuit open since %s", f.openedAt.Format(time.RFC3339))
	case BreakerHalfOpen:
		return true, "circuit half-open"
	}
	return true, "circuit closed"
}

// AllowAccept reports whether another accepted config fits in the 24h budget.
func (f *Firewall) AllowAccept() bool {
	if f == nil || !f.cfg.Enabled {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneLocked()
	return len(f.accepts) < f.cfg.MaxAcceptsPerDay
}

// RecordAccept consumes one slot of the 24h budget.
func (f *Firewall) RecordAccept() {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneLocked()
	f.accepts = append(f.accepts, f.now())
}

// RecordOutcome closes the breaker on success and counts failures toward opening it.
// It returns true when this call opened the breaker.
func (f *Firewall) RecordOutcome(err error) bool {
	if f == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err == nil {
		f.failures = 0
		f.state = BreakerClosed
		return false
	}
	f.failures++
	if f.state == BreakerHalfOpen || f.failures >= f.cfg.MaxFailures {
		f.state = BreakerOpen
		f.openedAt = f.now()
		return true
	}
	return false
}

// State returns the breaker state, moving open to half-open once the cooldown elapses.
func (f *Firewall) State() BreakerState {
	if f == nil {
		return BreakerClosed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateLocked()
}

// Remaining returns accepted changes left in the current 24h window.
func (f *Firewall) Remaining() int {
	if f == nil {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneLocked()
	return max(0, f.cfg.MaxAcceptsPerDay-len(f.accepts))
}

func (f *Firewall) stateLocked() BreakerState {
	if f.state == BreakerOpen && f.now().Sub(f.openedAt) >= f.cfg.Cooldown {
		f.state = BreakerHalfOpen
	}
	return f.state
}

func (f *Firewall) pruneLocked() {
	cutoff := f.now().Add(-24 * time.Hour)
	valid := f.accepts[:0]
	for _, t := range f.accepts {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	f.accepts = valid
}
