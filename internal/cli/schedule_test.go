package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/clawinfra/evoshield/internal/config"
	"github.com/clawinfra/evoshield/internal/scheduler"
)

func TestJobsListAddRemove(t *testing.T) {
	path := writeConfig(t, nil)
	out, _ := captureOutput(t)

	if code := JobsCommand([]string{"list"}, path); code != 0 {
		t.Fatalf("jobs list = %d", code)
	}
	for _, id := range []string{"nightly", "cleanup", "drain"} {
		if !strings.Contains(out.String(), id) {
			t.Errorf("list misses %q:\n%s", id, out.String())
		}
	}

	job := filepath.Join(t.TempDir(), "job.json")
	spec := `{"id":"weekly","name":"Weekly retrain","enabled":true,
"schedule":{"kind":"cron","expr":"0 4 * * 0"},
"action":{"kind":"retrain","agents":["Lender"]}}`
	if err := os.WriteFile(job, []byte(spec), 0600); err != nil {
		t.Fatal(err)
	}
	if code := JobsCommand([]string{"add", "--file", job}, path); code != 0 {
		t.Fatalf("jobs add = %d", code)
	}
	if code := JobsCommand([]string{"add", "--file", job}, path); code != 1 {
		t.Errorf("duplicate add = %d, want 1", code)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Scheduler.Enabled || len(cfg.Scheduler.Jobs) != 4 {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}

	if code := JobsCommand([]string{"remove", "weekly"}, path); code != 0 {
		t.Fatalf("jobs remove = %d", code)
	}
	if code := JobsCommand([]string{"remove", "weekly"}, path); code != 1 {
		t.Errorf("second remove = %d, want 1", code)
	}
	cfg, _ = config.Load(path)
	if len(cfg.Scheduler.Jobs) != 3 {
		t.Errorf("jobs after remove = %d", len(cfg.Scheduler.Jobs))
	}
}

func TestJobsAddRejectsInvalidJob(t *testing.T) {
	path := writeConfig(t, nil)
	job := filepath.Join(t.TempDir(), "job.json")
	if err := os.WriteFile(job, []byte(`{"id":"x","name":"x","schedule":{"kind":"cron","expr":"nope"},"action":{"kind":"tune"}}`), 0600); err != nil {
		t.Fatal(err)
	}
	_, errOut := captureOutput(t)
	if code := JobsCommand([]string{"add", "--file", job}, path); code != 1 {
		t.Errorf("exit = %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "invalid job") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestJobsRun(t *testing.T) {
	path := writeConfig(t, nil)
	out, _ := captureOutput(t)

	if code := JobsCommand([]string{"run", "drain"}, path); code != 0 {
		t.Fatalf("jobs run = %d", code)
	}
	if !strings.Contains(out.String(), "completed") {
		t.Errorf("output = %q", out.String())
	}
	if code := JobsCommand([]string{"run", "missing"}, path); code != 1 {
		t.Errorf("missing job = %d, want 1", code)
	}
	if code := JobsCommand(nil, path); code != 1 {
		t.Errorf("no subcommand = %d, want 1", code)
	}
}

func TestFormatters(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{formatSchedule(scheduler.ScheduleConfig{Kind: "interval", IntervalMs: 60000}), "Every 1m0s"},
		{formatSchedule(scheduler.ScheduleConfig{Kind: "cron", Expr: "0 2 * * *", Timezone: "UTC"}), "Cron: 0 2 * * * UTC"},
		{formatSchedule(scheduler.ScheduleConfig{Kind: "at", Time: "03:30"}), "Daily at 03:30"},
		{formatAction(scheduler.ActionConfig{Kind: "drain"}), "drain"},
		{formatAction(scheduler.ActionConfig{Kind: "retrain", Agents: []string{"Lender", "Insurer"}, DryRun: true}), "retrain (Lender,Insurer, dry run)"},
		{formatAction(scheduler.ActionConfig{Kind: "cleanup", RetentionDays: 90}), "cleanup (90d)"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}
