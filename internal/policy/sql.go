package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/clawinfra/evoshield/internal/reward"
	"github.com/clawinfra/evoshield/internal/store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS policies (
		agent      TEXT NOT NULL,
		version    INTEGER NOT NULL,
		algo       TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		params     TEXT NOT NULL,
		metadata   TEXT NOT NULL,
		PRIMARY KEY (agent, version)
	)`,
	`CREATE TABLE IF NOT EXISTS active_policies (
		agent   TEXT PRIMARY KEY,
		version INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reward_configs (
		version    INTEGER PRIMARY KEY,
		created_at BIGINT NOT NULL,
		config     TEXT NOT NULL,
		fitness    DOUBLE PRECISION NOT NULL,
		baseline   DOUBLE PRECISION NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS active_reward_config (
		id      INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS training_runs (
		id           TEXT PRIMARY KEY,
		started_at   BIGINT NOT NULL,
		completed_at BIGINT NOT NULL,
		window_days  INTEGER NOT NULL,
		dry_run      BOOLEAN NOT NULL,
		results      TEXT NOT NULL
	)`,
}

type policyRow struct {
	Agent     string `db:"agent"`
	Version   int    `db:"version"`
	Algo      string `db:"algo"`
	CreatedAt int64  `db:"created_at"`
	Params    string `db:"params"`
	Metadata  string `db:"metadata"`
}

func (r policyRow) policy() (Policy, error) {
	p := Policy{
		Agent:     r.Agent,
		Version:   r.Version,
		Algo:      r.Algo,
		CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(r.Params), &p.Params); err != nil {
		return Policy{}, fmt.Errorf("decode params %s v%d: %w", r.Agent, r.Version, err)
	}
	if err := json.Unmarshal([]byte(r.Metadata), &p.Metadata); err != nil {
		return Policy{}, fmt.Errorf("decode metadata %s v%d: %w", r.Agent, r.Version, err)
	}
	return p, nil
}

type rewardRow struct {
	Version   int     `db:"version"`
	CreatedAt int64   `db:"created_at"`
	Config    string  `db:"config"`
	Fitness   float64 `db:"fitness"`
	Baseline  float64 `db:"baseline"`
}

func (r rewardRow) version() (RewardConfigVersion, error) {
	rc := RewardConfigVersion{
		Version:   r.Version,
		CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
		Fitness:   r.Fitness,
		Baseline:  r.Baseline,
	}
	if err := json.Unmarshal([]byte(r.Config), &rc.Config); err != nil {
		return RewardConfigVersion{}, fmt.Errorf("decode reward config v%d: %w", r.Version, err)
	}
	return rc, nil
}

type runRow struct {
	ID          string `db:"id"`
	StartedAt   int64  `db:"started_at"`
	CompletedAt int64  `db:"completed_at"`
	WindowDays  int    `db:"window_days"`
	DryRun      bool   `db:"dry_run"`
	Results     string `db:"results"`
}

// SQLStore implements Store, RewardConfigStore and TrainingRunStore with sqlx.
type SQLStore struct {
	db     *sqlx.DB
	now    func() time.Time
	logger *slog.Logger
}

// NewSQLStore migrates the schema and returns the store.
func NewSQLStore(ctx context.Context, db *sqlx.DB, logger *slog.Logger) (*SQLStore, error) {
	if err := store.Migrate(ctx, db, schema); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	return &SQLStore{db: db, now: time.Now, logger: logger.With("component", "policy-store")}, nil
}

func (s *SQLStore) insertNext(ctx context.Context, p Policy, point bool) (Policy, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	params, err := json.Marshal(p.Params)
	if err != nil {
		return Policy{}, fmt.Errorf("marshal params: %w", err)
	}
	if p.Metadata == nil {
		p.Metadata = map[string]interface{}{}
	}
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return Policy{}, fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Policy{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var latest int
	if err := tx.GetContext(ctx, &latest,
		tx.Rebind(`SELECT COALESCE(MAX(version), 0) FROM policies WHERE agent = ?`), p.Agent); err != nil {
		return Policy{}, fmt.Errorf("latest version: %w", err)
	}
	p.Version = latest + 1

	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO policies (agent, version, algo, created_at, params, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`),
		p.Agent, p.Version, p.Algo, p.CreatedAt.UnixNano(), string(params), string(meta))
	if err != nil {
		if store.IsUniqueViolation(err) {
			return Policy{}, fmt.Errorf("%w: %s v%d", ErrVersionConflict, p.Agent, p.Version)
		}
		return Policy{}, fmt.Errorf("insert policy: %w", err)
	}

	if point {
		if err := setActiveTx(ctx, tx, p.Agent, p.Version); err != nil {
			return Policy{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Policy{}, fmt.Errorf("commit: %w", err)
	}
	return p, nil
}

func setActiveTx(ctx context.Context, tx *sqlx.Tx, agent string, version int) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO active_policies (agent, version) VALUES (?, ?)
		ON CONFLICT(agent) DO UPDATE SET version = excluded.version`), agent, version)
	if err != nil {
		return fmt.Errorf("update active policy: %w", err)
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, p Policy) (Policy, error) {
	return s.insertNext(ctx, p, false)
}

func (s *SQLStore) Bump(ctx context.Context, p Policy) (Policy, error) {
	return s.insertNext(ctx, p, true)
}

func (s *SQLStore) Get(ctx context.Context, agent string, version int) (Policy, error) {
	var r policyRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT agent, version, algo, created_at, params, metadata
		FROM policies WHERE agent = ? AND version = ?`), agent, version)
	if errors.Is(err, sql.ErrNoRows) {
		return Policy{}, fmt.Errorf("%w: %s v%d", ErrNotFound, agent, version)
	}
	if err != nil {
		return Policy{}, fmt.Errorf("get policy: %w", err)
	}
	return r.policy()
}

func (s *SQLStore) Active(ctx context.Context, agent string) (int, error) {
	var v int
	err := s.db.GetContext(ctx, &v, s.db.Rebind(`SELECT version FROM active_policies WHERE agent = ?`), agent)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("active policy: %w", err)
	}
	return v, nil
}

func (s *SQLStore) Latest(ctx context.Context, agent string) (int, error) {
	var v int
	if err := s.db.GetContext(ctx, &v,
		s.db.Rebind(`SELECT COALESCE(MAX(version), 0) FROM policies WHERE agent = ?`), agent); err != nil {
		return 0, fmt.Errorf("latest policy: %w", err)
	}
	return v, nil
}

func (s *SQLStore) SetActive(ctx context.Context, agent string, version int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.GetContext(ctx, &n,
		tx.Rebind(`SELECT COUNT(*) FROM policies WHERE agent = ? AND version = ?`), agent, version); err != nil {
		return fmt.Errorf("check version: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s v%d", ErrNotFound, agent, version)
	}
	if err := setActiveTx(ctx, tx, agent, version); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) List(ctx context.Context, agent string, limit int) ([]Policy, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var rows []policyRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT agent, version, algo, created_at, params, metadata
		FROM policies WHERE agent = ? ORDER BY version DESC LIMIT ?`), agent, limit); err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	out := make([]Policy, 0, len(rows))
	for _, r := range rows {
		p, err := r.policy()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *SQLStore) SaveRewardConfig(ctx context.Context, cfg reward.Config, fitness, baseline float64) (RewardConfigVersion, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return RewardConfigVersion{}, fmt.Errorf("marshal reward config: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return RewardConfigVersion{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var latest int
	if err := tx.GetContext(ctx, &latest, `SELECT COALESCE(MAX(version), 0) FROM reward_configs`); err != nil {
		return RewardConfigVersion{}, fmt.Errorf("latest reward config: %w", err)
	}
	rc := RewardConfigVersion{
		Version:   latest + 1,
		CreatedAt: s.now().UTC(),
		Config:    cfg,
		Fitness:   fitness,
		Baseline:  baseline,
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO reward_configs (version, created_at, config, fitness, baseline)
		VALUES (?, ?, ?, ?, ?)`), rc.Version, rc.CreatedAt.UnixNano(), string(raw), fitness, baseline)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return RewardConfigVersion{}, fmt.Errorf("%w: reward config v%d", ErrVersionConflict, rc.Version)
		}
		return RewardConfigVersion{}, fmt.Errorf("insert reward config: %w", err)
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO active_reward_config (id, version) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version`), rc.Version)
	if err != nil {
		return RewardConfigVersion{}, fmt.Errorf("update active reward config: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return RewardConfigVersion{}, fmt.Errorf("commit: %w", err)
	}
	return rc, nil
}

func (s *SQLStore) ActiveRewardConfig(ctx context.Context) (RewardConfigVersion, error) {
	var r rewardRow
	err := s.db.GetContext(ctx, &r, `SELECT c.version, c.created_at, c.config, c.fitness, c.baseline
		FROM reward_configs c JOIN active_reward_config a ON a.version = c.version WHERE a.id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return RewardConfigVersion{}, ErrNotFound
	}
	if err != nil {
		return RewardConfigVersion{}, fmt.Errorf("active reward config: %w", err)
	}
	return r.version()
}

func (s *SQLStore) ListRewardConfigs(ctx context.Context, limit int) ([]RewardConfigVersion, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var rows []rewardRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT version, created_at, config, fitness, baseline
		FROM reward_configs ORDER BY version DESC LIMIT ?`), limit); err != nil {
		return nil, fmt.Errorf("list reward configs: %w", err)
	}
	out := make([]RewardConfigVersion, 0, len(rows))
	for _, r := range rows {
		rc, err := r.version()
		if err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, nil
}

func (s *SQLStore) RecordTrainingRun(ctx context.Context, run TrainingRun) error {
	raw, err := json.Marshal(run.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO training_runs (id, started_at, completed_at, window_days, dry_run, results)
		VALUES (:id, :started_at, :completed_at, :window_days, :dry_run, :results)`, runRow{
		ID:          run.ID,
		StartedAt:   run.StartedAt.UnixNano(),
		CompletedAt: run.CompletedAt.UnixNano(),
		WindowDays:  run.WindowDays,
		DryRun:      run.DryRun,
		Results:     string(raw),
	})
	if err != nil {
		return fmt.Errorf("insert training run: %w", err)
	}
	return nil
}

func (s *SQLStore) ListTrainingRuns(ctx context.Context, limit int) ([]TrainingRun, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT id, started_at, completed_at, window_days, dry_run, results
		FROM training_runs ORDER BY started_at DESC LIMIT ?`), limit); err != nil {
		return nil, fmt.Errorf("list training runs: %w", err)
	}
	out := make([]TrainingRun, 0, len(rows))
	for _, r := range rows {
		run := TrainingRun{
			ID:          r.ID,
			StartedAt:   time.Unix(0, r.StartedAt).UTC(),
			CompletedAt: time.Unix(0, r.CompletedAt).UTC(),
			WindowDays:  r.WindowDays,
			DryRun:      r.DryRun,
		}
		if err := json.Unmarshal([]byte(r.Results), &run.Results); err != nil {
			s.logger.Warn("undecodable training run results", "id", r.ID, "error", err)
		}
		out = append(out, run)
	}
	return out, nil
}
