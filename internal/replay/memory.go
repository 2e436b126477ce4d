package replay

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps experiences in process. Used by tests and the dry-run CLI.
type MemoryStore struct {
	mu   sync.RWMutex
	exps []Experience
	rng  *rand.Rand
	now  func() time.Time
}

// NewMemoryStore creates an empty store. A nil clock means time.Now.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
		now: clock,
	}
}

func (m *MemoryStore) Append(_ context.Context, e Experience) error {
	if err := e.Prepare(m.now()); err != nil {
		return err
	}
	e.Context = append([]float64(nil), e.Context...)
	e.Metrics = e.Metrics.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.exps = append(m.exps, e)
	return nil
}

func (m *MemoryStore) Sample(_ context.Context, n, recentDays int, f Filter) ([]Experience, error) {
	if n <= 0 {
		return nil, nil
	}
	since := cutoff(m.now(), recentDays)

	m.mu.Lock()
	defer m.mu.Unlock()

	var pool []Experience
	for _, e := range m.exps {
		if e.Timestamp.Before(since) {
			continue
		}
		if f.Agent != "" && e.Agent != f.Agent {
			continue
		}
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		pool = append(pool, e)
	}
	if n >= len(pool) {
		m.rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
		return pool, nil
	}
	for i := 0; i < n; i++ {
		j := i + m.rng.IntN(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:n], nil
}

func (m *MemoryStore) GetRecent(_ context.Context, userID, agent string, k int) ([]Experience, error) {
	if k <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	var out []Experience
	for _, e := range m.exps {
		if e.UserID == userID && e.Agent == agent {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *MemoryStore) Window(_ context.Context, agent string, since time.Time) ([]Experience, error) {
	m.mu.RLock()
	var out []Experience
	for _, e := range m.exps {
		if e.Agent == agent && !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStore) Cleanup(_ context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	since := cutoff(m.now(), retentionDays)

	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.exps[:0]
	var removed int64
	for _, e := range m.exps {
		if e.Timestamp.Before(since) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.exps = kept
	return removed, nil
}

func (m *MemoryStore) Stats(_ context.Context, agent string, days int) (Stats, error) {
	since := cutoff(m.now(), days)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rewards []float64
	for _, e := range m.exps {
		if (agent == "" || e.Agent == agent) && !e.Timestamp.Before(since) {
			rewards = append(rewards, e.Reward)
		}
	}
	return summarize(agent, days, rewards), nil
}

// Len returns the number of stored experiences.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.exps)
}
