// Package features turns a decision request into the fixed-size context
// vector consumed by the bandit.
package features

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/clawinfra/evoshield/internal/reward"
)

// Dim is the length of every context vector.
const Dim = 13

// ErrInvalidContext is returned for vectors of the wrong size or with non-finite entries.
var ErrInvalidContext = errors.New("features: invalid context")

// Vector is an ordered context vector of length Dim.
type Vector []float64

// Input holds the numeric decision inputs. Zero means absent.
type Input struct {
	Amount       float64 `json:"amount,omitempty"`
	Principal    float64 `json:"principal,omitempty"`
	InterestRate float64 `json:"interest_rate,omitempty"`
	TermMonths   float64 `json:"term_months,omitempty"`
	Term         float64 `json:"term,omitempty"`
}

// MemoryHit is a similar past case.
type MemoryHit struct {
	ID         string  `json:"id"`
	Similarity float64 `json:"similarity"`
}

// Request carries everything the builder reads.
type Request struct {
	Agent  string         `json:"agent"`
	UserID string         `json:"user_id"`
	Input  Input          `json:"input"`
	Recent reward.Metrics `json:"recent_metrics,omitempty"`
	Hits   []MemoryHit    `json:"memory_hits,omitempty"`
}

// Builder builds context vectors. The zero value uses the wall clock.
type Builder struct {
	now func() time.Time
}

// NewBuilder creates a builder. A nil clock means time.Now.
func NewBuilder(clock func() time.Time) *Builder {
	return &Builder{now: clock}
}

// Build assembles the context vector. It never fails: missing or non-finite
// inputs fall back to their defaults.
func (b *Builder) Build(req Request) Vector {
	now := time.Now
	if b != nil && b.now != nil {
		now = b.now
	}
	t := now().UTC()

	v := make(Vector, Dim)
	v[0] = 1.0
	v[1] = float64(hash64(req.Agent)%100) / 100
	v[2] = float64(hash64(req.UserID)%1000) / 1000
	v[3] = float64(t.Hour()) / 24
	v[4] = float64((int(t.Weekday())+6)%7) / 7

	amount := finite(req.Input.Amount)
	if amount == 0 {
		amount = finite(req.Input.Principal)
	}
	v[5] = math.Log1p(math.Max(amount, 0)) / 10
	v[6] = finite(req.Input.InterestRate) / 100

	term := finite(req.Input.TermMonths)
	if term == 0 {
		term = finite(req.Input.Term)
	}
	v[7] = term / 60

	if req.Recent == nil {
		v[8], v[9], v[10] = 0.5, 0.5, 0.5
	} else {
		v[8] = req.Recent.Value(reward.KeyCoverageRatio, 1.0) / 2
		v[9] = req.Recent.Value(reward.KeyRiskScore, 0.5)
		v[10] = req.Recent.Value(reward.KeySatisfaction, 0.5)
	}

	if len(req.Hits) == 0 {
		v[11] = 0
		v[12] = 0.5
	} else {
		v[11] = float64(min(len(req.Hits), 10)) / 10
		var sum float64
		for _, h := range req.Hits {
			sum += finite(h.Similarity)
		}
		v[12] = sum / float64(len(req.Hits))
	}

	return v
}

// Validate checks dimension and finiteness.
func Validate(v Vector) error {
	if len(v) != Dim {
		return fmt.Errorf("%w: dimension %d, want %d", ErrInvalidContext, len(v), Dim)
	}
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: element %d is %v", ErrInvalidContext, i, x)
		}
	}
	return nil
}

// hash64 is BLAKE2b with a 64-bit digest, stable across processes.
func hash64(s string) uint64 {
	h, _ := blake2b.New(8, nil)
	h.Write([]byte(s))
	return binary.BigEndian.Uint64(h.Sum(nil))
}

func finite(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}
