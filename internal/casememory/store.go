package casememory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/clawinfra/evoshield/internal/store"
)

// ErrUnsupportedDriver is returned when the database is not SQLite (FTS5 is required).
var ErrUnsupportedDriver = errors.New("casememory: sqlite driver required")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS cases (
		id         TEXT PRIMARY KEY,
		ts         INTEGER NOT NULL,
		user_id    TEXT NOT NULL,
		agent      TEXT NOT NULL,
		summary    TEXT NOT NULL,
		action     INTEGER NOT NULL,
		reward     REAL NOT NULL,
		embedding  BLOB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cases_agent_ts ON cases(agent, ts)`,
	`CREATE VIRTUAL TABLE IF NOT EXISTS cases_fts USING fts5(
		id UNINDEXED, agent UNINDEXED, user_id UNINDEXED, summary
	)`,
}

// Case is one remembered decision.
type Case struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UserID    string    `json:"user_id"`
	Agent     string    `json:"agent"`
	Summary   string    `json:"summary"`
	Action    int       `json:"action"`
	Reward    float64   `json:"reward"`
}

// Query selects similar cases. Empty Agent or UserID match any.
type Query struct {
	Agent  string
	UserID string
	Text   string
	Limit  int
}

type caseRow struct {
	ID        string  `db:"id"`
	TS        int64   `db:"ts"`
	UserID    string  `db:"user_id"`
	Agent     string  `db:"agent"`
	Summary   string  `db:"summary"`
	Action    int     `db:"action"`
	Reward    float64 `db:"reward"`
	Embedding []byte  `db:"embedding"`
}

func (r caseRow) hit() Hit {
	return Hit{ID: r.ID, Agent: r.Agent, UserID: r.UserID, Summary: r.Summary, Action: r.Action, Reward: r.Reward}
}

// Store is the case memory. Writes are serialized; searches run concurrently.
type Store struct {
	db       *sqlx.DB
	cfg      Config
	embedder Embedder
	cache    *embeddingCache
	now      func() time.Time
	logger   *slog.Logger
	mu       sync.RWMutex
}

// New migrates the case tables on db and returns the store. A nil embedder uses
// a HashEmbedder of cfg.Dims; a nil clock means time.Now.
func New(ctx context.Context, db *sqlx.DB, cfg Config, embedder Embedder, clock func() time.Time, logger *slog.Logger) (*Store, error) {
	if db.DriverName() != store.DriverSQLite {
		return nil, fmt.Errorf("%w: got %s", ErrUnsupportedDriver, db.DriverName())
	}
	cfg.validate()
	if err := store.Migrate(ctx, db, schema); err != nil {
		return nil, fmt.Errorf("casememory: %w", err)
	}
	if embedder == nil {
		embedder = NewHashEmbedder(cfg.Dims)
	}
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		db:       db,
		cfg:      cfg,
		embedder: embedder,
		cache:    newEmbeddingCache(cfg.CacheSize),
		now:      clock,
		logger:   logger.With("component", "casememory"),
	}, nil
}

// Add remembers a case and returns its id. Re-adding an existing id is a no-op.
func (s *Store) Add(ctx context.Context, c Case) (string, error) {
	if strings.TrimSpace(c.Summary) == "" {
		return "", fmt.Errorf("casememory: empty summary")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}

	var blob []byte
	if emb, err := s.embedder.Embed(c.Summary); err == nil && len(emb) > 0 {
		blob = encodeEmbedding(emb)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("casememory: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.NamedExecContext(ctx,
		`INSERT INTO cases (id, ts, user_id, agent, summary, action, reward, embedding)
		 VALUES (:id, :ts, :user_id, :agent, :summary, :action, :reward, :embedding)`,
		caseRow{
			ID:        c.ID,
			TS:        c.CreatedAt.UnixNano(),
			UserID:    c.UserID,
			Agent:     c.Agent,
			Summary:   c.Summary,
			Action:    c.Action,
			Reward:    c.Reward,
			Embedding: blob,
		})
	if store.IsUniqueViolation(err) {
		return c.ID, nil
	}
	if err != nil {
		return "", fmt.Errorf("casememory: insert case: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cases_fts (id, agent, user_id, summary) VALUES (?, ?, ?, ?)`,
		c.ID, c.Agent, c.UserID, c.Summary); err != nil {
		return "", fmt.Errorf("casememory: index case: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("casememory: commit: %w", err)
	}
	return c.ID, nil
}

// Search returns up to q.Limit (default 5) similar cases, best first.
// A keyword failure (for example an unparseable match expression) is logged
// and the vector results are returned alone.
func (s *Store) Search(ctx context.Context, q Query) ([]Hit, error) {
	if q.Limit <= 0 {
		q.Limit = 5
	}
	if len(Tokenize(q.Text)) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	kw, err := s.keywordSearch(ctx, q)
	if err != nil {
		s.logger.Debug("keyword search failed", "error", err)
		kw = nil
	}
	vec, err := s.vectorSearch(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("casememory: vector search: %w", err)
	}

	merged := mergeHits(kw, vec, s.cfg.KeywordWeight, s.cfg.VectorWeight)
	out := merged[:0]
	for _, h := range merged {
		if h.Similarity >= s.cfg.MinSimilarity {
			out = append(out, h)
		}
	}
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// matchExpr quotes every token and ORs them so user text cannot inject FTS5 syntax.
func matchExpr(text string) string {
	tokens := Tokenize(text)
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = `"` + t + `"`
	}
	return strings.Join(quoted, " OR ")
}

func (s *Store) keywordSearch(ctx context.Context, q Query) ([]Hit, error) {
	query := `SELECT c.id, c.ts, c.user_id, c.agent, c.summary, c.action, c.reward, bm25(cases_fts) AS score
		FROM cases_fts JOIN cases c ON c.id = cases_fts.id
		WHERE cases_fts MATCH ?`
	args := []any{matchExpr(q.Text)}
	if q.Agent != "" {
		query += ` AND c.agent = ?`
		args = append(args, q.Agent)
	}
	if q.UserID != "" {
		query += ` AND c.user_id = ?`
		args = append(args, q.UserID)
	}
	query += ` ORDER BY score LIMIT ?`
	args = append(args, q.Limit*4)

	var rows []struct {
		caseRow
		Score float64 `db:"score"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	hits := make([]Hit, len(rows))
	for i, r := range rows {
		hits[i] = r.hit()
		// bm25 is lower-is-better and negative.
		hits[i].Similarity = -r.Score
	}
	return hits, nil
}

func (s *Store) vectorSearch(ctx context.Context, q Query) ([]Hit, error) {
	qv, err := s.embedding(q.Text)
	if err != nil || len(qv) == 0 {
		return nil, err
	}

	query := `SELECT id, ts, user_id, agent, summary, action, reward, embedding FROM cases WHERE embedding IS NOT NULL`
	var args []any
	if q.Agent != "" {
		query += ` AND agent = ?`
		args = append(args, q.Agent)
	}
	if q.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, q.UserID)
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, s.cfg.ScanLimit)

	var rows []caseRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(rows))
	for _, r := range rows {
		sim := Cosine(qv, decodeEmbedding(r.Embedding))
		if sim <= 0 {
			continue
		}
		h := r.hit()
		h.Similarity = sim
		hits = append(hits, h)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > q.Limit*4 {
		hits = hits[:q.Limit*4]
	}
	return hits, nil
}

func (s *Store) embedding(text string) ([]float64, error) {
	if v := s.cache.get(text); v != nil {
		return v, nil
	}
	v, err := s.embedder.Embed(text)
	if err != nil {
		return nil, err
	}
	if len(v) > 0 {
		s.cache.put(text, v)
	}
	return v, nil
}

// Cleanup deletes cases older than retentionDays and returns how many were removed.
func (s *Store) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().AddDate(0, 0, -retentionDays).UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("casememory: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cases_fts WHERE id IN (SELECT id FROM cases WHERE ts < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("casememory: cleanup index: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cases WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("casememory: cleanup: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("casememory: commit: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of stored cases.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM cases`); err != nil {
		return 0, fmt.Errorf("casememory: count: %w", err)
	}
	return n, nil
}
