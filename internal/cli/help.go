package cli

import (
	"fmt"
)

// commandInfo describes a top-level subcommand.
type commandInfo struct {
	Name     string
	Args     string
	Short    string
	Long     string
	Examples []string
}

var commands = []commandInfo{
	{
		Name:  "serve",
		Args:  "[--config <file>]",
		Short: "Run the decision API and scheduler (default action)",
		Long: `Start the HTTP API, the replay writer, the event bus and the
maintenance scheduler. SIGHUP reloads the config; SIGINT/SIGTERM shut down.`,
		Examples: []string{
			"evoshield",
			"evoshield serve --config /etc/evoshield/evoshield.yaml",
		},
	},
	{
		Name:  "train",
		Args:  "[--agents a,b] [--dry-run] [--window-days N] [--json]",
		Short: "Retrain agent policies from the replay window",
		Long: `Train a fresh bandit per agent on recent experiences, compare it with
the serving policy on held-out data and deploy it when it improves enough.`,
		Examples: []string{
			"evoshield train",
			"evoshield train --agents Lender,Insurer --dry-run",
		},
	},
	{
		Name:  "tune",
		Short: "Search for better reward weights",
		Long: `Run the evolutionary search over the reward weights on sampled
experiences. The active weights only change when the search wins.`,
		Examples: []string{"evoshield tune"},
	},
	{
		Name:  "policy",
		Args:  "<list|rollback>",
		Short: "Inspect and roll back policy versions",
		Long: `Subcommands:
  list <agent> [--limit N]      Show stored versions, newest first
  rollback <agent> <version>    Serve an earlier version`,
		Examples: []string{
			"evoshield policy list Lender",
			"evoshield policy rollback Lender 3",
		},
	},
	{
		Name:  "replay",
		Args:  "<stats|cleanup|drain>",
		Short: "Maintain the experience replay store",
		Long: `Subcommands:
  stats [--agent A] [--days N]   Reward statistics over a window
  cleanup [--days N]             Delete experiences older than N days
  drain                          Write spilled records to the store`,
		Examples: []string{
			"evoshield replay stats --agent Lender --days 30",
			"evoshield replay cleanup --days 90",
		},
	},
	{
		Name:  "optimize",
		Args:  "[--input <file>]",
		Short: "Solve one portfolio problem with the hybrid optimizer",
		Long: `Read a problem (expected_returns, covariance, optional current_weights,
risk_aversion, max_weight) as JSON and print the allocation and the tier that produced it.`,
		Examples: []string{
			"evoshield optimize --input problem.json",
			"cat problem.json | evoshield optimize",
		},
	},
	{
		Name:  "token",
		Args:  "--subject <s> [--role r] [--ttl d]",
		Short: "Issue an API bearer token",
		Examples: []string{
			"evoshield token --subject ops --role operator",
			"evoshield token --subject dashboard --ttl 720h",
		},
	},
	{
		Name:  "jobs",
		Args:  "<list|add|remove|run>",
		Short: "Manage scheduled maintenance jobs",
		Examples: []string{
			"evoshield jobs list",
			"evoshield jobs run nightly",
		},
	},
	{
		Name:  "version",
		Short: "Print version information",
	},
}

// PrintHelp prints top-level help (evoshield help).
func PrintHelp(binaryName string) {
	fmt.Fprintf(stdout, `EvoShield: self-optimizing decision core

USAGE:
  %s [command] [flags]

COMMANDS:
`, binaryName)

	for _, c := range commands {
		fmt.Fprintf(stdout, "  %-10s %-48s %s\n", c.Name, c.Args, c.Short)
	}

	fmt.Fprintf(stdout, `
GLOBAL FLAGS:
  --config <file>   Path to config file (default: %s)
  --version         Print version information
  -h, --help        Show this help message

Run '%s help <command>' for detailed help on a specific command.
`, DefaultConfigPath, binaryName)
}

// PrintCommandHelp prints help for a specific subcommand and reports whether
// the command exists.
func PrintCommandHelp(binaryName, cmdName string) bool {
	for _, c := range commands {
		if c.Name != cmdName {
			continue
		}
		fmt.Fprintf(stdout, "COMMAND: %s %s\n\n", binaryName, c.Name)
		fmt.Fprintf(stdout, "USAGE:\n  %s %s %s\n\n", binaryName, c.Name, c.Args)
		if c.Long != "" {
			fmt.Fprintf(stdout, "DESCRIPTION:\n  %s\n\n", c.Long)
		}
		if len(c.Examples) > 0 {
			fmt.Fprintln(stdout, "EXAMPLES:")
			for _, ex := range c.Examples {
				fmt.Fprintf(stdout, "  %s\n", ex)
			}
			fmt.Fprintln(stdout)
		}
		return true
	}
	fmt.Fprintf(stderr, "Unknown command: %s\n\nRun '%s help' for a list of commands.\n", cmdName, binaryName)
	return false
}

// CommandNames returns all valid command names (used for error messages).
func CommandNames() []string {
	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = c.Name
	}
	return names
}
