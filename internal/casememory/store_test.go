package casememory

import (
	"context"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clawinfra/evoshield/internal/store"
)

var baseTime = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, clock func() time.Time) *Store {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "cases.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := New(ctx, db, DefaultConfig(), nil, clock, logger)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestAddAndSearch(t *testing.T) {
	s := newTestStore(t, func() time.Time { return baseTime })
	ctx := context.Background()

	cases := []Case{
		{ID: "c1", Agent: "Lender", UserID: "u1", Summary: "mortgage refinance 30 year fixed rate", Action: 2, Reward: 0.6},
		{ID: "c2", Agent: "Lender", UserID: "u2", Summary: "auto loan short term high rate", Action: 5, Reward: 0.2},
		{ID: "c3", Agent: "TaxOptimizer", UserID: "u1", Summary: "mortgage interest deduction", Action: 1, Reward: 0.4},
	}
	for _, c := range cases {
		if _, err := s.Add(ctx, c); err != nil {
			t.Fatalf("add %s: %v", c.ID, err)
		}
	}

	hits, err := s.Search(ctx, Query{Agent: "Lender", Text: "refinance mortgage fixed rate"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected hits")
	}
	if hits[0].ID != "c1" {
		t.Errorf("best hit = %s, want c1", hits[0].ID)
	}
	if hits[0].Source != "hybrid" {
		t.Errorf("best hit source = %s, want hybrid", hits[0].Source)
	}
	for _, h := range hits {
		if h.Agent != "Lender" {
			t.Errorf("agent filter leaked %s", h.ID)
		}
		if h.Similarity < 0 || h.Similarity > 1+1e-9 {
			t.Errorf("similarity %v out of [0,1]", h.Similarity)
		}
	}
}

func TestSearchUserFilterAndLimit(t *testing.T) {
	s := newTestStore(t, func() time.Time { return baseTime })
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		user := "u1"
		if i%2 == 1 {
			user = "u2"
		}
		if _, err := s.Add(ctx, Case{Agent: "SpendingGuard", UserID: user, Summary: "grocery spending over budget"}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	hits, err := s.Search(ctx, Query{Agent: "SpendingGuard", UserID: "u2", Text: "grocery budget", Limit: 3})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("got %d hits, want 3", len(hits))
	}
	for _, h := range hits {
		if h.UserID != "u2" {
			t.Errorf("user filter leaked %s", h.UserID)
		}
	}
}

func TestSearchHostileQuery(t *testing.T) {
	s := newTestStore(t, func() time.Time { return baseTime })
	ctx := context.Background()
	if _, err := s.Add(ctx, Case{Agent: "Lender", Summary: "student loan consolidation"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	for _, q := range []string{`"unterminated`, `loan AND OR NOT`, `*:^()`, ``} {
		if _, err := s.Search(ctx, Query{Text: q}); err != nil {
			t.Errorf("query %q: %v", q, err)
		}
	}
}

func TestAddIdempotentAndValidation(t *testing.T) {
	s := newTestStore(t, func() time.Time { return baseTime })
	ctx := context.Background()
	c := Case{ID: "dup", Agent: "Lender", Summary: "personal loan"}
	for i := 0; i < 2; i++ {
		if _, err := s.Add(ctx, c); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
	if _, err := s.Add(ctx, Case{Agent: "Lender", Summary: "   "}); err == nil {
		t.Error("expected error for empty summary")
	}
}

func TestCleanup(t *testing.T) {
	now := baseTime
	s := newTestStore(t, func() time.Time { return now })
	ctx := context.Background()

	if _, err := s.Add(ctx, Case{ID: "old", Agent: "Lender", Summary: "old payday loan", CreatedAt: baseTime.AddDate(0, 0, -100)}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(ctx, Case{ID: "new", Agent: "Lender", Summary: "new payday loan"}); err != nil {
		t.Fatal(err)
	}
	n, err := s.Cleanup(ctx, 90)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	hits, _ := s.Search(ctx, Query{Text: "payday loan"})
	for _, h := range hits {
		if h.ID == "old" {
			t.Error("expired case still searchable")
		}
	}
}

func TestHashEmbedder(t *testing.T) {
	e := NewHashEmbedder(64)
	a, _ := e.Embed("fixed rate mortgage")
	b, _ := e.Embed("Fixed-rate MORTGAGE")
	c, _ := e.Embed("crypto momentum breakout")

	if len(a) != 64 {
		t.Fatalf("dims = %d", len(a))
	}
	if got := Cosine(a, b); math.Abs(got-1) > 1e-9 {
		t.Errorf("same tokens should embed identically, cosine %v", got)
	}
	if Cosine(a, c) >= 0.5 {
		t.Errorf("unrelated text too similar: %v", Cosine(a, c))
	}
	if v, _ := e.Embed("  ,,  "); v != nil {
		t.Error("empty text should embed to nil")
	}
}

func TestMergeHits(t *testing.T) {
	kw := []Hit{{ID: "a", Similarity: 4}, {ID: "b", Similarity: 2}}
	vec := []Hit{{ID: "a", Similarity: 0.9}, {ID: "c", Similarity: 1.5}}
	got := mergeHits(kw, vec, 0.3, 0.7)

	if got[0].ID != "a" || got[0].Source != "hybrid" {
		t.Fatalf("top = %+v", got[0])
	}
	if math.Abs(got[0].Similarity-(0.3+0.63)) > 1e-12 {
		t.Errorf("merged score = %v", got[0].Similarity)
	}
	if got[1].ID != "c" || got[1].Similarity != 0.7 {
		t.Errorf("vector score should clamp to 1 before weighting: %+v", got[1])
	}
}

func TestEmbeddingCacheEviction(t *testing.T) {
	c := newEmbeddingCache(2)
	c.put("a", []float64{1})
	c.put("b", []float64{2})
	c.get("a")
	c.put("c", []float64{3})
	if c.get("b") != nil {
		t.Error("least recently used entry should be evicted")
	}
	if c.get("a") == nil || c.len() != 2 {
		t.Error("recent entries should survive")
	}
}
