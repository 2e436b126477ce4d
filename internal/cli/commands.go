package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/clawinfra/evoshield/internal/config"
	"github.com/clawinfra/evoshield/internal/policy"
	"github.com/clawinfra/evoshield/internal/security"
	"github.com/clawinfra/evoshield/internal/trainer"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// withApp builds the app for a one-shot command and closes it afterwards.
// The scheduler is not started. Interrupts cancel the context passed to fn.
func withApp(configPath string, fn func(ctx context.Context, a *App) int) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a, err := commandEnv(ctx, configPath)
	if err != nil {
		return fail("%v", err)
	}
	ctx = a.startWorkers(ctx)
	defer a.Close()
	return fn(ctx, a)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// TrainCommand handles 'evoshield train': one retraining pass outside the scheduler.
func TrainCommand(args []string, configPath string) int {
	fs := newFlagSet("train")
	agentList := fs.String("agents", "", "Comma-separated agents (default: configured nightly agents)")
	dryRun := fs.Bool("dry-run", false, "Evaluate without deploying")
	windowDays := fs.Int("window-days", 0, "Replay window in days")
	minSamples := fs.Int("min-samples", 0, "Minimum experiences per agent")
	threshold := fs.Float64("threshold", 0, "Minimum relative improvement to deploy")
	asJSON := fs.Bool("json", false, "Print the run as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	return withApp(configPath, func(ctx context.Context, a *App) int {
		opts := a.Config.Nightly
		if agents := splitList(*agentList); len(agents) > 0 {
			opts.Agents = agents
		}
		opts.DryRun = opts.DryRun || *dryRun
		if *windowDays > 0 {
			opts.WindowDays = *windowDays
		}
		if *minSamples > 0 {
			opts.MinSamples = *minSamples
		}
		if *threshold > 0 {
			opts.Threshold = *threshold
		}

		run, err := a.Trainer.Retrain(ctx, opts)
		if err != nil {
			return fail("retrain: %v", err)
		}
		if *asJSON {
			if err := printJSON(run); err != nil {
				return fail("%v", err)
			}
		} else {
			printRun(stdout, run)
		}
		if run.Failed() {
			return 1
		}
		return 0
	})
}

func printRun(out io.Writer, run policy.TrainingRun) {
	fmt.Fprintf(out, "Run %s (window %dd, dry run: %v)\n\n", run.ID, run.WindowDays, run.DryRun)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tSTATUS\tSAMPLES\tIMPROVEMENT\tDEPLOYED\tVERSION\tDETAIL")
	for _, r := range run.Results {
		detail := r.Reason
		if r.Error != "" {
			detail = r.Error
		}
		version := "-"
		if r.Version > 0 {
			version = strconv.Itoa(r.Version)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%.4f\t%v\t%s\t%s\n",
			r.Agent, r.Status, r.Samples, r.Improvement, r.Deployed, version, detail)
	}
	w.Flush()
}

// TuneCommand handles 'evoshield tune': one reward weight search.
func TuneCommand(args []string, configPath string) int {
	fs := newFlagSet("tune")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	return withApp(configPath, func(ctx context.Context, a *App) int {
		rep, err := a.Trainer.TuneRewards(ctx)
		if errors.Is(err, trainer.ErrNoTuner) {
			return fail("evolution is disabled in config")
		}
		if err != nil {
			return fail("tune: %v", err)
		}
		if err := printJSON(rep); err != nil {
			return fail("%v", err)
		}
		return 0
	})
}

// PolicyCommand handles 'evoshield policy' subcommands.
func PolicyCommand(args []string, configPath string) int {
	if len(args) == 0 {
		PrintCommandHelp("evoshield", "policy")
		return 1
	}
	switch args[0] {
	case "list":
		return policyList(args[1:], configPath)
	case "rollback":
		return policyRollback(args[1:], configPath)
	case "help", "--help", "-h":
		PrintCommandHelp("evoshield", "policy")
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown policy subcommand: %s\n", args[0])
		return 1
	}
}

func policyList(args []string, configPath string) int {
	fs := newFlagSet("policy list")
	limit := fs.Int("limit", policy.DefaultListLimit, "Versions to show")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		return fail("usage: evoshield policy list <agent> [--limit N]")
	}
	agent := fs.Arg(0)

	return withApp(configPath, func(ctx context.Context, a *App) int {
		active, err := a.Policies.Current(ctx, agent)
		if err != nil && !errors.Is(err, policy.ErrNotFound) {
			return fail("%v", err)
		}
		versions, err := a.Policies.ListVersions(ctx, agent, *limit)
		if err != nil {
			return fail("%v", err)
		}
		if len(versions) == 0 {
			fmt.Fprintf(stdout, "No stored policies for %s\n", agent)
			return 0
		}
		w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tACTIVE\tALGO\tCREATED")
		for _, p := range versions {
			mark := ""
			if p.Version == active {
				mark = "*"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", p.Version, mark, p.Algo, p.CreatedAt.Format(time.RFC3339))
		}
		w.Flush()
		return 0
	})
}

func policyRollback(args []string, configPath string) int {
	if len(args) != 2 {
		return fail("usage: evoshield policy rollback <agent> <version>")
	}
	agent := args[0]
	version, err := strconv.Atoi(args[1])
	if err != nil || version <= 0 {
		return fail("invalid version %q", args[1])
	}
	return withApp(configPath, func(ctx context.Context, a *App) int {
		if err := a.Policies.Rollback(ctx, agent, version); err != nil {
			return fail("%v", err)
		}
		fmt.Fprintf(stdout, "%s now serves version %d\n", agent, version)
		return 0
	})
}

// ReplayCommand handles 'evoshield replay' subcommands.
func ReplayCommand(args []string, configPath string) int {
	if len(args) == 0 {
		PrintCommandHelp("evoshield", "replay")
		return 1
	}
	fs := newFlagSet("replay " + args[0])
	agent := fs.String("agent", "", "Agent filter (stats)")
	days := fs.Int("days", 0, "Window for stats, retention for cleanup")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	switch args[0] {
	case "stats":
		return withApp(configPath, func(ctx context.Context, a *App) int {
			d := *days
			if d <= 0 {
				d = 7
			}
			s, err := a.Replay.Stats(ctx, *agent, d)
			if err != nil {
				return fail("%v", err)
			}
			if err := printJSON(s); err != nil {
				return fail("%v", err)
			}
			return 0
		})
	case "cleanup":
		return withApp(configPath, func(ctx context.Context, a *App) int {
			if err := a.cleanup(ctx, *days); err != nil {
				return fail("%v", err)
			}
			return 0
		})
	case "drain":
		return withApp(configPath, func(ctx context.Context, a *App) int {
			n, err := a.drain(ctx)
			if err != nil {
				return fail("%v", err)
			}
			fmt.Fprintf(stdout, "Drained %d spilled records\n", n)
			return 0
		})
	default:
		fmt.Fprintf(stderr, "Unknown replay subcommand: %s\n", args[0])
		return 1
	}
}

// OptimizeCommand handles 'evoshield optimize': one hybrid optimization of a
// problem read from a JSON file or stdin.
func OptimizeCommand(args []string, configPath string) int {
	fs := newFlagSet("optimize")
	input := fs.String("input", "-", "Problem JSON file, - for stdin")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var data []byte
	var err error
	if *input == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(*input)
	}
	if err != nil {
		return fail("read problem: %v", err)
	}

	return withApp(configPath, func(ctx context.Context, a *App) int {
		p := a.Optimizer.Problem(nil, nil, nil)
		if err := json.Unmarshal(data, &p); err != nil {
			return fail("parse problem: %v", err)
		}
		res, err := a.Optimizer.Optimize(ctx, p)
		if err != nil {
			return fail("optimize: %v", err)
		}
		if err := printJSON(res); err != nil {
			return fail("%v", err)
		}
		return 0
	})
}

// TokenCommand handles 'evoshield token': issue an API bearer token signed
// with the configured secret.
func TokenCommand(args []string, configPath string) int {
	fs := newFlagSet("token")
	subject := fs.String("subject", "", "Token subject (required)")
	role := fs.String("role", security.RoleViewer, "operator, agent or viewer")
	ttl := fs.Duration("ttl", 0, "Lifetime (default: auth.tokenTtlHours)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *subject == "" {
		return fail("--subject is required")
	}

	cfg, err := LoadConfig(configPath, quietLogger())
	if err != nil {
		return fail("load config: %v", err)
	}
	return issueToken(cfg, *subject, *role, *ttl)
}

func issueToken(cfg *config.Config, subject, role string, ttl time.Duration) int {
	secret := security.ResolveSecret(cfg.Auth.Secret)
	if secret == nil {
		return fail("no signing secret: set auth.secret or %s", security.SecretEnv)
	}
	if ttl <= 0 {
		ttl = time.Duration(cfg.Auth.TokenTTLHours) * time.Hour
	}
	token, err := security.GenerateToken(subject, role, cfg.Auth.Issuer, secret, ttl)
	if err != nil {
		return fail("%v", err)
	}
	fmt.Fprintln(stdout, token)
	return 0
}
