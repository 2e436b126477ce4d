package portfolio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"time"
)

// AnnealRequest is what an annealing service receives.
type AnnealRequest struct {
	QUBO          QUBO          `json:"qubo"`
	Reads         int           `json:"reads"`
	ChainStrength float64       `json:"chain_strength"`
	TimeLimit     time.Duration `json:"-"`
}

// Sample is the best assignment an annealer found.
type Sample struct {
	Bits   []int8  `json:"bits"`
	Energy float64 `json:"energy"`
}

// Annealer minimizes a QUBO. Implementations should honour ctx; callers
// enforce the deadline regardless.
type Annealer interface {
	Name() string
	Anneal(ctx context.Context, req AnnealRequest) (Sample, error)
}

// SimulatedAnnealer is an in-process Metropolis annealer with single-bit flips.
type SimulatedAnnealer struct {
	Sweeps int
	TStart float64
	TEnd   float64
	Seed   uint64
}

// NewSimulatedAnnealer returns an annealer with working defaults.
func NewSimulatedAnnealer(seed uint64) *SimulatedAnnealer {
	return &SimulatedAnnealer{Sweeps: 400, TStart: 5, TEnd: 0.01, Seed: seed}
}

func (s *SimulatedAnnealer) Name() string { return "simulated" }

// Anneal runs req.Reads independent anneals and returns the lowest energy sample.
func (s *SimulatedAnnealer) Anneal(ctx context.Context, req AnnealRequest) (Sample, error) {
	q := req.QUBO
	n := q.Vars
	if n == 0 {
		return Sample{}, fmt.Errorf("%w: empty qubo", ErrSolverFailed)
	}
	reads := max(1, req.Reads)
	sweeps := max(1, s.Sweeps)
	tStart, tEnd := s.TStart, s.TEnd
	if tStart <= 0 {
		tStart = 5
	}
	if tEnd <= 0 || tEnd >= tStart {
		tEnd = tStart / 500
	}
	seed := s.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))

	// symmetric couplings, diagonal kept separately
	j := make([][]float64, n)
	for a := range j {
		j[a] = make([]float64, n)
	}
	for a := 0; a < n; a++ {
		for b := a + 1; b < n; b++ {
			j[a][b] = q.Q[a][b]
			j[b][a] = q.Q[a][b]
		}
	}

	best := Sample{Energy: math.Inf(1)}
	x := make([]int8, n)
	cool := math.Pow(tEnd/tStart, 1/float64(sweeps))
	for r := 0; r < reads; r++ {
		if err := ctx.Err(); err != nil {
			return Sample{}, err
		}
		for a := range x {
			x[a] = int8(rng.IntN(2))
		}
		// field[a] = Σ_b J_ab x_b
		field := make([]float64, n)
		for a := 0; a < n; a++ {
			for b := 0; b < n; b++ {
				if x[b] == 1 {
					field[a] += j[a][b]
				}
			}
		}
		t := tStart
		for sw := 0; sw < sweeps; sw++ {
			for a := 0; a < n; a++ {
				dE := q.Q[a][a] + field[a]
				if x[a] == 1 {
					dE = -dE
				}
				if dE <= 0 || rng.Float64() < math.Exp(-dE/t) {
					x[a] ^= 1
					sign := 1.0
					if x[a] == 0 {
						sign = -1
					}
					for b := 0; b < n; b++ {
						field[b] += sign * j[b][a]
					}
				}
			}
			t *= cool
		}
		if e := q.Energy(x); e < best.Energy {
			best = Sample{Bits: append([]int8(nil), x...), Energy: e}
		}
	}
	return best, nil
}

// RemoteAnnealer posts QUBOs to an annealing service speaking JSON.
type RemoteAnnealer struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewRemoteAnnealer creates a client for endpoint. A zero timeout means 30s.
func NewRemoteAnnealer(endpoint, token string, timeout time.Duration) *RemoteAnnealer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteAnnealer{
		endpoint: endpoint,
		token:    token,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (r *RemoteAnnealer) Name() string { return "remote" }

type remoteRequest struct {
	QUBO          QUBO    `json:"qubo"`
	Reads         int     `json:"num_reads"`
	ChainStrength float64 `json:"chain_strength"`
	TimeLimitMS   int64   `json:"time_limit_ms"`
}

type remoteResponse struct {
	Bits   []int8  `json:"bits"`
	Energy float64 `json:"energy"`
	Error  string  `json:"error,omitempty"`
}

// Anneal submits the request and waits for the best sample.
func (r *RemoteAnnealer) Anneal(ctx context.Context, req AnnealRequest) (Sample, error) {
	body, err := json.Marshal(remoteRequest{
		QUBO:          req.QUBO,
		Reads:         req.Reads,
		ChainStrength: req.ChainStrength,
		TimeLimitMS:   req.TimeLimit.Milliseconds(),
	})
	if err != nil {
		return Sample{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", r.endpoint, bytes.NewReader(body))
	if err != nil {
		return Sample{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return Sample{}, fmt.Errorf("annealer request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Sample{}, err
	}
	var out remoteResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Sample{}, fmt.Errorf("invalid annealer response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || out.Error != "" {
		return Sample{}, fmt.Errorf("%w: annealer status %d: %s", ErrSolverFailed, resp.StatusCode, out.Error)
	}
	if len(out.Bits) != req.QUBO.Vars {
		return Sample{}, fmt.Errorf("%w: %d bits, want %d", ErrInvalidSolution, len(out.Bits), req.QUBO.Vars)
	}
	return Sample{Bits: out.Bits, Energy: out.Energy}, nil
}
