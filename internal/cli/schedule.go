package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/clawinfra/evoshield/internal/config"
	"github.com/clawinfra/evoshield/internal/scheduler"
)

// JobsCommand handles 'evoshield jobs' subcommands
func JobsCommand(args []string, configPath string) int {
	if len(args) == 0 {
		printJobsHelp()
		return 1
	}

	subCmd := args[0]
	switch subCmd {
	case "list":
		return jobsList(configPath)
	case "add":
		return jobsAdd(args[1:], configPath)
	case "remove":
		return jobsRemove(args[1:], configPath)
	case "run":
		return jobsRun(args[1:], configPath)
	case "help", "--help", "-h":
		printJobsHelp()
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown jobs subcommand: %s\n", subCmd)
		printJobsHelp()
		return 1
	}
}

func printJobsHelp() {
	fmt.Fprint(stdout, `Usage: evoshield jobs <subcommand> [options]

Manage the maintenance jobs run by the scheduler.

Subcommands:
  list              List configured jobs
  add --file <f>    Add a job from a JSON file
  remove <job-id>   Remove a job
  run <job-id>      Run a job once, now

Job Configuration (JSON):
{
  "id": "weekly-retrain",
  "name": "Weekly retrain of the lender",
  "enabled": true,
  "schedule": {"kind": "cron", "expr": "0 4 * * 0", "timezone": "UTC"},
  "action": {"kind": "retrain", "agents": ["Lender"], "timeoutSec": 1800}
}

Schedule Kinds:
  interval   - Run every N milliseconds (intervalMs)
  cron       - Run on cron expression (expr)
  at         - Run daily at specific time (time="HH:MM")

Action Kinds:
  nightly    - Tune reward weights, then retrain every agent
  retrain    - Retrain (agents, dryRun)
  tune       - Tune reward weights only
  cleanup    - Delete old experiences (retentionDays)
  drain      - Replay spilled experiences and training runs into the store

A running server picks up job changes on its next config reload.
`)
}

func quietLogger() *slog.Logger {
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	return NewLogger(level)
}

func jobsList(configPath string) int {
	cfg, err := LoadConfig(configPath, quietLogger())
	if err != nil {
		return fail("loading config: %v", err)
	}

	if !cfg.Scheduler.Enabled {
		fmt.Fprintln(stdout, "Scheduler is disabled in config")
	}
	if len(cfg.Scheduler.Jobs) == 0 {
		fmt.Fprintln(stdout, "No jobs configured")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tACTION\tENABLED")
	fmt.Fprintln(w, "--\t----\t--------\t------\t-------")

	for _, job := range cfg.Scheduler.Jobs {
		enabled := "yes"
		if !job.Enabled {
			enabled = "no"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			job.ID,
			job.Name,
			formatSchedule(job.Schedule),
			formatAction(job.Action),
			enabled)
	}

	w.Flush()
	return 0
}

func jobsAdd(args []string, configPath string) int {
	fs := newFlagSet("jobs add")
	jobFile := fs.String("file", "", "Job configuration file (JSON)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *jobFile == "" {
		return fail("--file required")
	}

	data, err := os.ReadFile(*jobFile)
	if err != nil {
		return fail("reading job file: %v", err)
	}
	var job scheduler.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return fail("parsing job JSON: %v", err)
	}
	if err := job.Validate(); err != nil {
		return fail("invalid job: %v", err)
	}

	cfg, err := LoadConfig(configPath, quietLogger())
	if err != nil {
		return fail("loading config: %v", err)
	}
	for _, existing := range cfg.Scheduler.Jobs {
		if existing.ID == job.ID {
			return fail("job with ID '%s' already exists", job.ID)
		}
	}

	job.State = scheduler.JobState{}
	cfg.Scheduler.Enabled = true
	cfg.Scheduler.Jobs = append(cfg.Scheduler.Jobs, &job)
	if err := cfg.Save(configPath); err != nil {
		return fail("saving config: %v", err)
	}

	fmt.Fprintf(stdout, "Job '%s' added\n", job.ID)
	return 0
}

func jobsRemove(args []string, configPath string) int {
	if len(args) == 0 {
		return fail("job ID required\nUsage: evoshield jobs remove <job-id>")
	}
	jobID := args[0]

	cfg, err := LoadConfig(configPath, quietLogger())
	if err != nil {
		return fail("loading config: %v", err)
	}

	found := false
	kept := make([]*scheduler.Job, 0, len(cfg.Scheduler.Jobs))
	for _, job := range cfg.Scheduler.Jobs {
		if job.ID == jobID {
			found = true
			continue
		}
		kept = append(kept, job)
	}
	if !found {
		return fail("job '%s' not found", jobID)
	}

	cfg.Scheduler.Jobs = kept
	if err := cfg.Save(configPath); err != nil {
		return fail("saving config: %v", err)
	}

	fmt.Fprintf(stdout, "Job '%s' removed\n", jobID)
	return 0
}

func jobsRun(args []string, configPath string) int {
	if len(args) == 0 {
		return fail("job ID required\nUsage: evoshield jobs run <job-id>")
	}
	jobID := args[0]

	return withApp(configPath, func(ctx context.Context, a *App) int {
		job := findJob(a.Config, jobID)
		if job == nil {
			return fail("job '%s' not found", jobID)
		}
		// The scheduler only holds jobs when enabled; run the action directly otherwise.
		var err error
		if _, getErr := a.Scheduler.GetJob(jobID); getErr == nil {
			err = a.Scheduler.RunJobNow(ctx, jobID)
		} else {
			err = a.Run(ctx, job.Action)
		}
		if err != nil {
			return fail("%v", err)
		}
		fmt.Fprintf(stdout, "Job '%s' completed (%s)\n", jobID, formatAction(job.Action))
		return 0
	})
}

func findJob(cfg *config.Config, id string) *scheduler.Job {
	for _, job := range cfg.Scheduler.Jobs {
		if job.ID == id {
			return job
		}
	}
	return nil
}

func formatSchedule(s scheduler.ScheduleConfig) string {
	var desc string
	switch s.Kind {
	case scheduler.KindInterval:
		desc = fmt.Sprintf("Every %s", time.Duration(s.IntervalMs)*time.Millisecond)
	case scheduler.KindCron:
		desc = fmt.Sprintf("Cron: %s", s.Expr)
	case scheduler.KindAt:
		desc = fmt.Sprintf("Daily at %s", s.Time)
	default:
		return s.Kind
	}
	if s.Timezone != "" && s.Kind != scheduler.KindInterval {
		desc += " " + s.Timezone
	}
	return desc
}

func formatAction(a scheduler.ActionConfig) string {
	var parts []string
	if len(a.Agents) > 0 {
		parts = append(parts, strings.Join(a.Agents, ","))
	}
	if a.DryRun {
		parts = append(parts, "dry run")
	}
	if a.Kind == scheduler.TaskCleanup && a.RetentionDays > 0 {
		parts = append(parts, fmt.Sprintf("%dd", a.RetentionDays))
	}
	if len(parts) == 0 {
		return a.Kind
	}
	return fmt.Sprintf("%s (%s)", a.Kind, strings.Join(parts, ", "))
}
