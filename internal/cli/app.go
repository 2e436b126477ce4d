package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"

	"github.com/clawinfra/evoshield/internal/api"
	"github.com/clawinfra/evoshield/internal/casememory"
	"github.com/clawinfra/evoshield/internal/config"
	"github.com/clawinfra/evoshield/internal/events"
	"github.com/clawinfra/evoshield/internal/evolution"
	"github.com/clawinfra/evoshield/internal/features"
	"github.com/clawinfra/evoshield/internal/metrics"
	"github.com/clawinfra/evoshield/internal/policy"
	"github.com/clawinfra/evoshield/internal/portfolio"
	"github.com/clawinfra/evoshield/internal/replay"
	"github.com/clawinfra/evoshield/internal/reward"
	"github.com/clawinfra/evoshield/internal/scheduler"
	"github.com/clawinfra/evoshield/internal/security"
	"github.com/clawinfra/evoshield/internal/shield"
	"github.com/clawinfra/evoshield/internal/store"
	"github.com/clawinfra/evoshield/internal/trainer"
	"github.com/clawinfra/evoshield/internal/treasury"
	"github.com/clawinfra/evoshield/internal/wal"
)

// App is the wired decision core: stores, trainer, optimizer, treasury,
// event bus and scheduler built from one config.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Level     *slog.LevelVar
	Metrics   *metrics.Registry
	Replay    *replay.SQLStore
	Writer    *replay.Writer
	Policies  *policy.Manager
	Store     *policy.SQLStore
	Cases     *casememory.Store
	Trainer   *trainer.Trainer
	Tuner     *evolution.Engine
	Bus       *events.Bus
	Hub       *events.Hub
	Optimizer *portfolio.Optimizer
	Shield    *shield.Env
	Treasury  *treasury.Rebalancer
	Scheduler *scheduler.Scheduler

	db     *sqlx.DB
	caseDB *sqlx.DB
	redis  *redis.Client
	mqtt   *events.MQTTSink
	cancel context.CancelFunc
}

// Build opens the stores and wires every component. level may be nil; when
// set, log level changes from a config reload are applied to it.
func Build(ctx context.Context, cfg *config.Config, level *slog.LevelVar, logger *slog.Logger) (a *App, err error) {
	a = &App{
		Config:  cfg,
		Logger:  logger,
		Level:   level,
		Metrics: metrics.New(),
	}
	built := a
	defer func() {
		if err != nil {
			built.closeStores()
		}
	}()

	sc := store.DefaultConfig(cfg.Store.Driver, cfg.StoreDSN())
	if cfg.Store.MaxOpenConns > 0 {
		sc.MaxOpenConns = cfg.Store.MaxOpenConns
	}
	if cfg.Store.MaxIdleConns > 0 {
		sc.MaxIdleConns = cfg.Store.MaxIdleConns
	}
	if a.db, err = store.Open(ctx, sc); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if a.Replay, err = replay.NewSQLStore(ctx, a.db, time.Now, logger); err != nil {
		return nil, fmt.Errorf("replay store: %w", err)
	}
	spill, err := wal.New(cfg.SpillDir())
	if err != nil {
		return nil, fmt.Errorf("replay spill: %w", err)
	}
	a.Writer = replay.NewWriter(a.Replay, spill, a.Metrics, cfg.Replay.QueueSize, logger)

	if a.Store, err = policy.NewSQLStore(ctx, a.db, logger); err != nil {
		return nil, fmt.Errorf("policy store: %w", err)
	}
	var versions policy.Store = a.Store
	if cfg.Redis.Enabled {
		a.redis, err = policy.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("policy cache disabled", "addr", cfg.Redis.Addr, "error", err)
			err = nil
		} else {
			ttl := time.Duration(cfg.Redis.CacheTTLSec) * time.Second
			versions = policy.NewCachedStore(a.Store, a.redis, ttl, logger)
		}
	}

	a.Bus = events.NewBus(0, a.Metrics, logger)
	a.Hub = events.NewHub(logger)
	a.Bus.AddSink(a.Hub)
	if cfg.MQTT.Enabled {
		a.mqtt = events.NewMQTTSink(events.MQTTConfig{
			Broker:   cfg.MQTT.Host,
			Port:     cfg.MQTT.Port,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			ClientID: cfg.MQTT.ClientID,
			QoS:      cfg.MQTT.QoS,
		}, logger)
	}

	a.Policies = policy.NewManager(versions, policy.Params{
		Dim:   features.Dim,
		Alpha: cfg.Bandit.Alpha,
		Reg:   cfg.Bandit.Reg,
	}, a.Bus, a.Metrics, logger)

	if cfg.CaseMemory.Enabled {
		if err = a.openCases(ctx); err != nil {
			return nil, err
		}
	}

	deps := trainer.Deps{
		Policies:    a.Policies,
		Replay:      a.Replay,
		Writer:      a.Writer,
		RewardStore: a.Store,
		Runs:        a.Store,
		Spill:       spill,
		Events:      a.Bus,
		Metrics:     a.Metrics,
	}
	if a.Cases != nil {
		deps.Cases = a.Cases
	}
	if cfg.Evolution.Enabled {
		a.Tuner = evolution.NewEngine(cfg.Evolution.Strategy, cfg.Reward.Bounds,
			reward.NewEngine(cfg.Reward.MinFairness), logger)
		deps.Tuner = a.Tuner
		deps.Firewall = evolution.NewFirewall(cfg.FirewallSettings(), time.Now)
	}
	if a.Trainer, err = trainer.New(cfg.TrainerSettings(), deps, logger); err != nil {
		return nil, err
	}
	if err := a.Trainer.RestoreRewardConfig(ctx); err != nil {
		logger.Warn("stored reward config not restored", "error", err)
	}

	a.Optimizer = portfolio.NewOptimizer(cfg.Portfolio, nil, a.Metrics, a.Bus, logger)
	if a.Shield, err = shield.New(cfg.Risk, a.Metrics, a.Bus, logger); err != nil {
		return nil, fmt.Errorf("shield: %w", err)
	}
	a.Treasury = treasury.New(a.Optimizer, a.Shield, logger)

	a.Scheduler = scheduler.NewScheduler(a, logger)
	if cfg.Scheduler.Enabled {
		if jerr := a.Scheduler.Replace(cfg.Scheduler.Jobs); jerr != nil {
			logger.Warn("skipping invalid scheduler jobs", "error", jerr)
		}
	}
	return a, nil
}

// openCases opens case memory. It needs SQLite, so a Postgres deployment keeps
// cases in a separate file in the data dir.
func (a *App) openCases(ctx context.Context) error {
	db := a.db
	if a.Config.Store.Driver != store.DriverSQLite {
		var err error
		a.caseDB, err = store.OpenSQLite(ctx, filepath.Join(a.Config.Server.DataDir, "cases.db"))
		if err != nil {
			return fmt.Errorf("open case store: %w", err)
		}
		db = a.caseDB
	}
	search := a.Config.CaseMemory.Search
	cases, err := casememory.New(ctx, db, search, casememory.NewHashEmbedder(search.Dims), time.Now, a.Logger)
	if err != nil {
		return fmt.Errorf("case memory: %w", err)
	}
	a.Cases = cases
	return nil
}

// Start launches the background workers and, when enabled, the scheduler.
// Close stops them.
func (a *App) Start(ctx context.Context) error {
	ctx = a.startWorkers(ctx)
	if a.Config.Scheduler.Enabled {
		if err := a.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}
	return nil
}

func (a *App) startWorkers(ctx context.Context) context.Context {
	ctx, a.cancel = context.WithCancel(ctx)
	a.Bus.Start(ctx)
	a.Writer.Start(ctx)
	if a.mqtt != nil {
		if err := a.mqtt.Start(ctx); err != nil {
			a.Logger.Warn("mqtt sink unavailable", "broker", a.Config.MQTT.Host, "error", err)
		} else {
			a.Bus.AddSink(a.mqtt)
		}
	}
	return ctx
}

// Close stops the workers, flushes queued experiences and closes the stores.
func (a *App) Close() {
	a.Scheduler.Stop()
	a.Writer.Close()
	a.Trainer.Wait()
	if a.cancel != nil {
		a.cancel()
		a.Bus.Wait()
	}
	if a.mqtt != nil {
		a.mqtt.Stop()
	}
	a.closeStores()
}

func (a *App) closeStores() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.caseDB != nil {
		_ = a.caseDB.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

// APIServer returns the HTTP server over the wired components.
func (a *App) APIServer() *api.Server {
	cfg := a.Config
	var secret []byte
	if cfg.Auth.Enabled {
		secret = security.ResolveSecret(cfg.Auth.Secret)
	}
	return api.NewServer(api.Config{
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Secret:         secret,
		Issuer:         cfg.Auth.Issuer,
	}, api.Deps{
		Trainer:   a.Trainer,
		Policies:  a.Policies,
		Rewards:   a.Store,
		Runs:      a.Store,
		Optimizer: a.Optimizer,
		Treasury:  a.Treasury,
		Scheduler: a.Scheduler,
		Events:    a.Hub,
		Metrics:   a.Metrics,
	}, a.Logger)
}

// Run executes one scheduled task. It makes App a scheduler.Executor.
func (a *App) Run(ctx context.Context, action scheduler.ActionConfig) error {
	switch action.Kind {
	case scheduler.TaskNightly:
		_, err := a.Trainer.NightlyWith(ctx, a.retrainOptions(action))
		return err

	case scheduler.TaskRetrain:
		run, err := a.Trainer.Retrain(ctx, a.retrainOptions(action))
		if err != nil {
			return err
		}
		if run.Failed() {
			return fmt.Errorf("retrain %s: some agents failed", run.ID)
		}
		return nil

	case scheduler.TaskTune:
		_, err := a.Trainer.TuneRewards(ctx)
		if errors.Is(err, trainer.ErrNoTuner) {
			a.Logger.Info("tune task skipped, evolution disabled")
			return nil
		}
		return err

	case scheduler.TaskCleanup:
		return a.cleanup(ctx, action.RetentionDays)

	case scheduler.TaskDrain:
		_, err := a.drain(ctx)
		return err

	default:
		return fmt.Errorf("unknown task %q", action.Kind)
	}
}

// drain stores spilled training runs, then spilled experiences. The replay
// drain compacts the shared log.
func (a *App) drain(ctx context.Context) (int, error) {
	runs, err := a.Trainer.DrainRuns(ctx)
	if err != nil {
		return runs, err
	}
	n, err := a.Writer.Drain(ctx)
	return runs + n, err
}

// retrainOptions reads the nightly section at run time so reloads apply to
// the next run. Agents and DryRun on the action override it.
func (a *App) retrainOptions(action scheduler.ActionConfig) trainer.RetrainOptions {
	config.RLock()
	opts := a.Config.Nightly
	opts.Agents = append([]string(nil), opts.Agents...)
	config.RUnlock()
	if len(action.Agents) > 0 {
		opts.Agents = action.Agents
	}
	if action.DryRun {
		opts.DryRun = true
	}
	return opts
}

func (a *App) cleanup(ctx context.Context, retentionDays int) error {
	if retentionDays <= 0 {
		retentionDays = a.Config.Replay.RetentionDays
	}
	n, err := a.Replay.Cleanup(ctx, retentionDays)
	if err != nil {
		return fmt.Errorf("replay cleanup: %w", err)
	}
	a.Logger.Info("replay cleanup done", "deleted", n, "retention_days", retentionDays)

	if a.Cases != nil && a.Config.CaseMemory.RetentionDays > 0 {
		n, err := a.Cases.Cleanup(ctx, a.Config.CaseMemory.RetentionDays)
		if err != nil {
			return fmt.Errorf("case cleanup: %w", err)
		}
		a.Logger.Info("case memory cleanup done", "deleted", n)
	}
	return nil
}

// ApplyReload pushes hot-reloaded config sections into the live components.
func (a *App) ApplyReload(res *config.ReloadResult) {
	config.RLock()
	defer config.RUnlock()
	cfg := a.Config

	if res.Has("Server.LogLevel") && a.Level != nil {
		a.Level.Set(ParseLogLevel(cfg.Server.LogLevel))
	}
	if res.Has("Reward") {
		a.Trainer.UseRewardSettings(trainer.RewardSettings{
			Weights:     cfg.Reward.Weights,
			MinFairness: cfg.Reward.MinFairness,
			Bounds:      cfg.Reward.Bounds,
		})
	}
	if res.Has("Scheduler") {
		var jobs []*scheduler.Job
		if cfg.Scheduler.Enabled {
			jobs = cfg.Scheduler.Jobs
		}
		if err := a.Scheduler.Replace(jobs); err != nil {
			a.Logger.Warn("skipping invalid scheduler jobs", "error", err)
		}
	}
}
