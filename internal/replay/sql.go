package replay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/clawinfra/evoshield/internal/reward"
	"github.com/clawinfra/evoshield/internal/store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS experiences (
		id             TEXT PRIMARY KEY,
		ts             BIGINT NOT NULL,
		user_id        TEXT NOT NULL,
		agent          TEXT NOT NULL,
		context        TEXT NOT NULL,
		action         INTEGER NOT NULL,
		metrics        TEXT NOT NULL,
		reward         DOUBLE PRECISION NOT NULL,
		policy_version INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_experiences_agent_ts ON experiences(agent, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_experiences_user_agent_ts ON experiences(user_id, agent, ts)`,
}

type row struct {
	ID            string  `db:"id"`
	TS            int64   `db:"ts"`
	UserID        string  `db:"user_id"`
	Agent         string  `db:"agent"`
	Context       string  `db:"context"`
	Action        int     `db:"action"`
	Metrics       string  `db:"metrics"`
	Reward        float64 `db:"reward"`
	PolicyVersion int     `db:"policy_version"`
}

const columns = `id, ts, user_id, agent, context, action, metrics, reward, policy_version`

func (r row) experience() (Experience, error) {
	e := Experience{
		ID:            r.ID,
		Timestamp:     time.Unix(0, r.TS).UTC(),
		UserID:        r.UserID,
		Agent:         r.Agent,
		Action:        r.Action,
		Reward:        r.Reward,
		PolicyVersion: r.PolicyVersion,
	}
	if err := json.Unmarshal([]byte(r.Context), &e.Context); err != nil {
		return Experience{}, fmt.Errorf("decode context %s: %w", r.ID, err)
	}
	e.Metrics = reward.Metrics{}
	if err := json.Unmarshal([]byte(r.Metrics), &e.Metrics); err != nil {
		return Experience{}, fmt.Errorf("decode metrics %s: %w", r.ID, err)
	}
	return e, nil
}

// SQLStore persists experiences with sqlx on SQLite or Postgres.
type SQLStore struct {
	db     *sqlx.DB
	now    func() time.Time
	logger *slog.Logger
}

// NewSQLStore migrates the schema and returns the store. A nil clock means time.Now.
func NewSQLStore(ctx context.Context, db *sqlx.DB, clock func() time.Time, logger *slog.Logger) (*SQLStore, error) {
	if err := store.Migrate(ctx, db, schema); err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	if clock == nil {
		clock = time.Now
	}
	return &SQLStore{db: db, now: clock, logger: logger.With("component", "replay")}, nil
}

func (s *SQLStore) Append(ctx context.Context, e Experience) error {
	if err := e.Prepare(s.now()); err != nil {
		return err
	}
	ctxJSON, err := json.Marshal(e.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	if e.Metrics == nil {
		e.Metrics = reward.Metrics{}
	}
	metricsJSON, err := json.Marshal(e.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	_, err = s.db.NamedExecContext(ctx, `INSERT INTO experiences (`+columns+`)
		VALUES (:id, :ts, :user_id, :agent, :context, :action, :metrics, :reward, :policy_version)`,
		row{
			ID:            e.ID,
			TS:            e.Timestamp.UnixNano(),
			UserID:        e.UserID,
			Agent:         e.Agent,
			Context:       string(ctxJSON),
			Action:        e.Action,
			Metrics:       string(metricsJSON),
			Reward:        e.Reward,
			PolicyVersion: e.PolicyVersion,
		})
	if err != nil {
		if store.IsUniqueViolation(err) {
			// Replayed from the spill log after a partial success.
			return nil
		}
		return fmt.Errorf("insert experience: %w", err)
	}
	return nil
}

func (s *SQLStore) Sample(ctx context.Context, n, recentDays int, f Filter) ([]Experience, error) {
	if n <= 0 {
		return nil, nil
	}
	q := `SELECT ` + columns + ` FROM experiences WHERE ts >= ?`
	args := []interface{}{cutoff(s.now(), recentDays).UnixNano()}
	if f.Agent != "" {
		q += ` AND agent = ?`
		args = append(args, f.Agent)
	}
	if f.UserID != "" {
		q += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	q += ` ORDER BY RANDOM() LIMIT ?`
	args = append(args, n)
	return s.query(ctx, q, args...)
}

func (s *SQLStore) GetRecent(ctx context.Context, userID, agent string, k int) ([]Experience, error) {
	if k <= 0 {
		return nil, nil
	}
	return s.query(ctx, `SELECT `+columns+` FROM experiences
		WHERE user_id = ? AND agent = ? ORDER BY ts DESC LIMIT ?`, userID, agent, k)
}

func (s *SQLStore) Window(ctx context.Context, agent string, since time.Time) ([]Experience, error) {
	return s.query(ctx, `SELECT `+columns+` FROM experiences
		WHERE agent = ? AND ts >= ? ORDER BY ts ASC`, agent, since.UnixNano())
}

func (s *SQLStore) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM experiences WHERE ts < ?`),
		cutoff(s.now(), retentionDays).UnixNano())
	if err != nil {
		return 0, fmt.Errorf("cleanup experiences: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Info("replay cleanup", "retention_days", retentionDays, "deleted", n)
	return n, nil
}

func (s *SQLStore) Stats(ctx context.Context, agent string, days int) (Stats, error) {
	q := `SELECT COUNT(*) AS n, AVG(reward) AS mean, AVG(reward*reward) AS sq,
		MIN(reward) AS lo, MAX(reward) AS hi FROM experiences WHERE ts >= ?`
	args := []interface{}{cutoff(s.now(), days).UnixNano()}
	if agent != "" {
		q += ` AND agent = ?`
		args = append(args, agent)
	}
	var agg struct {
		N    int             `db:"n"`
		Mean sql.NullFloat64 `db:"mean"`
		Sq   sql.NullFloat64 `db:"sq"`
		Lo   sql.NullFloat64 `db:"lo"`
		Hi   sql.NullFloat64 `db:"hi"`
	}
	if err := s.db.GetContext(ctx, &agg, s.db.Rebind(q), args...); err != nil {
		return Stats{}, fmt.Errorf("replay stats: %w", err)
	}
	st := Stats{Agent: agent, Days: days, Count: agg.N}
	if agg.N == 0 {
		return st, nil
	}
	st.Mean, st.Min, st.Max = agg.Mean.Float64, agg.Lo.Float64, agg.Hi.Float64
	if v := agg.Sq.Float64 - st.Mean*st.Mean; v > 0 {
		st.Std = math.Sqrt(v)
	}
	return st, nil
}

func (s *SQLStore) query(ctx context.Context, q string, args ...interface{}) ([]Experience, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("query experiences: %w", err)
	}
	out := make([]Experience, 0, len(rows))
	for _, r := range rows {
		e, err := r.experience()
		if err != nil {
			s.logger.Warn("skipping undecodable experience", "id", r.ID, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
