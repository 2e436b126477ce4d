package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clawinfra/evoshield/internal/cli"
	"github.com/clawinfra/evoshield/internal/config"
	"github.com/clawinfra/evoshield/internal/scheduler"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// watchInterval is how often the config file is polled for changes.
const watchInterval = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	inv := parseArgs(os.Args[1:])
	if inv.showVersion {
		fmt.Printf("EvoShield v%s (built %s)\n", version, buildTime)
		return 0
	}

	rest := inv.rest
	switch inv.cmd {
	case "", "serve", "start":
		return serve(inv.configPath)
	case "train":
		return cli.TrainCommand(rest, inv.configPath)
	case "tune":
		return cli.TuneCommand(rest, inv.configPath)
	case "policy":
		return cli.PolicyCommand(rest, inv.configPath)
	case "replay":
		return cli.ReplayCommand(rest, inv.configPath)
	case "optimize":
		return cli.OptimizeCommand(rest, inv.configPath)
	case "token":
		return cli.TokenCommand(rest, inv.configPath)
	case "jobs":
		return cli.JobsCommand(rest, inv.configPath)
	case "version":
		fmt.Printf("EvoShield v%s (built %s)\n", version, buildTime)
		return 0
	case "help", "-h", "--help":
		if len(rest) > 0 {
			if !cli.PrintCommandHelp("evoshield", rest[0]) {
				return 1
			}
			return 0
		}
		cli.PrintHelp("evoshield")
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", inv.cmd)
		fmt.Fprintf(os.Stderr, "Available commands: %v\n", cli.CommandNames())
		return 1
	}
}

// invocation is the parsed command line.
type invocation struct {
	configPath  string
	cmd         string
	rest        []string
	showVersion bool
}

// parseArgs finds --config and --version anywhere before the subcommand,
// then takes the first non-flag argument as the subcommand. Everything after
// it belongs to the subcommand.
func parseArgs(args []string) invocation {
	inv := invocation{configPath: cli.DefaultConfigPath}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "--config", "-config":
			if i+1 < len(args) {
				inv.configPath = args[i+1]
				i++
			}
			continue
		case "--version", "-version":
			inv.showVersion = true
			continue
		case "-h", "--help":
			inv.cmd = "help"
			inv.rest = args[i+1:]
			return inv
		}
		if len(arg) > 0 && arg[0] != '-' {
			inv.cmd = arg
			inv.rest = args[i+1:]
			return inv
		}
	}
	return inv
}

// service is the long-running server process.
type service struct {
	app        *cli.App
	configPath string
	logger     *slog.Logger
}

func serve(configPath string) int {
	level := new(slog.LevelVar)
	logger := cli.NewLogger(level)

	cfg, err := cli.LoadConfig(configPath, logger)
	if err != nil {
		logger.Error("load config failed", "path", configPath, "error", err)
		return 1
	}
	level.Set(cli.ParseLogLevel(cfg.Server.LogLevel))
	logger.Info("starting evoshield", "version", version, "config", configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := cli.Build(ctx, cfg, level, logger)
	if err != nil {
		logger.Error("setup failed", "error", err)
		return 1
	}
	defer app.Close()

	if err := app.Start(ctx); err != nil {
		logger.Error("failed to start services", "error", err)
		return 1
	}

	s := &service{app: app, configPath: configPath, logger: logger}

	watcher := config.NewWatcher(configPath, watchInterval, logger, func(string) { s.reload() })
	watcher.Start(ctx)
	defer watcher.Stop()

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- app.APIServer().Start(ctx)
	}()

	logger.Info("evoshield ready",
		"port", cfg.Server.Port,
		"store", cfg.Store.Driver,
		"scheduler", cfg.Scheduler.Enabled,
		"auth", cfg.Auth.Enabled,
	)

	if err := s.wait(srvErr); err != nil {
		logger.Error("server error", "error", err)
		return 1
	}
	cancel()
	<-srvErr
	logger.Info("evoshield stopped")
	return 0
}

// wait blocks until a shutdown signal or a server failure.
func (s *service) wait(srvErr <-chan error) error {
	actions := signalActions(s)
	sigs := []os.Signal{os.Interrupt, syscall.SIGTERM}
	for sig := range actions {
		sigs = append(sigs, sig)
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, sigs...)
	defer signal.Stop(sigCh)

	for {
		select {
		case err := <-srvErr:
			if err == nil {
				err = errors.New("api server exited")
			}
			return err
		case sig := <-sigCh:
			if act, ok := actions[sig]; ok {
				s.logger.Info("signal received", "signal", sig)
				act()
				continue
			}
			s.logger.Info("shutdown signal received", "signal", sig)
			return nil
		}
	}
}

// reload re-reads the config file and applies the hot-reloadable sections.
func (s *service) reload() {
	res, err := s.app.Config.Reload(s.configPath)
	if err != nil {
		s.logger.Error("config reload failed", "path", s.configPath, "error", err)
		return
	}
	res.LogResult(s.logger)
	s.app.ApplyReload(res)
}

// drain writes spilled replay experiences to the store.
func (s *service) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.app.Run(ctx, scheduler.ActionConfig{Kind: scheduler.TaskDrain}); err != nil {
		s.logger.Error("replay drain failed", "error", err)
	}
}
