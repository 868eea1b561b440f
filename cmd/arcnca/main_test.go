package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"arcnca/internal/stats"
)

const testChallenges = `{
  "identity": {
    "train": [
      {"input": [[1,0],[0,2]], "output": [[1,0],[0,2]]},
      {"input": [[3,3,0]], "output": [[3,3,0]]}
    ],
    "test": [{"input": [[4,0]]}]
  },
  "resize": {
    "train": [{"input": [[1]], "output": [[1,1]]}],
    "test": [{"input": [[2]]}]
  }
}`

const testSolutions = `{"identity": [[[4,0]]], "resize": [[[2,2]]]}`

func chdirTemp(t *testing.T) string {
	t.Helper()
	origWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	workdir := t.TempDir()
	if err := os.Chdir(workdir); err != nil {
		t.Fatalf("chdir tempdir: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(origWD)
	})
	return workdir
}

func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	orig := stdout
	stdout = &buf
	defer func() { stdout = orig }()
	err := fn()
	return buf.String(), err
}

func writeDataset(t *testing.T, dir string) (string, string) {
	t.Helper()
	tasks := filepath.Join(dir, "challenges.json")
	solutions := filepath.Join(dir, "solutions.json")
	if err := os.WriteFile(tasks, []byte(testChallenges), 0o644); err != nil {
		t.Fatalf("write challenges: %v", err)
	}
	if err := os.WriteFile(solutions, []byte(testSolutions), 0o644); err != nil {
		t.Fatalf("write solutions: %v", err)
	}
	return tasks, solutions
}

func TestTrainRunsModelExport(t *testing.T) {
	workdir := chdirTemp(t)
	tasks, solutions := writeDataset(t, workdir)
	ctx := context.Background()

	out, err := captureOutput(t, func() error {
		return run(ctx, []string{
			"train",
			"--store", "memory",
			"--tasks", tasks,
			"--solutions", solutions,
			"--run-id", "cli-run",
			"--steps", "3",
			"--pop", "6",
			"--gens", "2",
			"--evals", "0",
			"--seed", "3",
		})
	})
	if err != nil {
		t.Fatalf("train command: %v", err)
	}
	for _, want := range []string{"run_id=cli-run", "tasks=2", "skipped=1", "task=resize skipped", "task=identity fitness="} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}

	entries, err := stats.ListRunIndex(runsDir)
	if err != nil {
		t.Fatalf("list run index: %v", err)
	}
	if len(entries) != 1 || entries[0].RunID != "cli-run" {
		t.Fatalf("unexpected run index: %+v", entries)
	}
	for _, file := range []string{"config.json", "fitness_history.json", "models.json", "task_reports.json", "fitness.png"} {
		if _, err := os.Stat(filepath.Join(runsDir, "cli-run", file)); err != nil {
			t.Fatalf("expected artifact %s: %v", file, err)
		}
	}

	out, err = captureOutput(t, func() error { return run(ctx, []string{"runs", "--limit", "5"}) })
	if err != nil {
		t.Fatalf("runs command: %v", err)
	}
	if !strings.Contains(out, "run_id=cli-run") {
		t.Fatalf("expected run in list:\n%s", out)
	}

	out, err = captureOutput(t, func() error {
		return run(ctx, []string{"model", "--store", "memory", "--latest", "--task", "identity"})
	})
	if err != nil {
		t.Fatalf("model command: %v", err)
	}
	if !strings.Contains(out, "task=identity stage=0") || !strings.Contains(out, "params=306") {
		t.Fatalf("unexpected model output:\n%s", out)
	}

	out, err = captureOutput(t, func() error {
		return run(ctx, []string{"fitness", "--store", "memory", "--run-id", "cli-run"})
	})
	if err != nil {
		t.Fatalf("fitness command: %v", err)
	}
	if !strings.Contains(out, "generation=2") {
		t.Fatalf("unexpected fitness output:\n%s", out)
	}

	out, err = captureOutput(t, func() error { return run(ctx, []string{"export", "--latest"}) })
	if err != nil {
		t.Fatalf("export command: %v", err)
	}
	if !strings.Contains(out, "exported run_id=cli-run") {
		t.Fatalf("unexpected export output:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(exportsDir, "cli-run", "models.json")); err != nil {
		t.Fatalf("expected exported models: %v", err)
	}
}

func TestTrainWithConfigFile(t *testing.T) {
	workdir := chdirTemp(t)
	tasks, _ := writeDataset(t, workdir)
	cfgPath := filepath.Join(workdir, "run.yaml")
	body := "run_id: yaml-run\nsteps: 2\npopulation: 6\ngenerations: 1\nevaluations: 0\nstore: memory\ntasks_path: " + tasks + "\ntask_ids: [identity]\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := captureOutput(t, func() error {
		return run(context.Background(), []string{"train", "--config", cfgPath, "--seed", "5"})
	})
	if err != nil {
		t.Fatalf("train command: %v", err)
	}
	if !strings.Contains(out, "run_id=yaml-run tasks=1 skipped=0") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	cfg, ok, err := stats.ReadRunConfig(runsDir, "yaml-run")
	if err != nil || !ok {
		t.Fatalf("read run config: ok=%t err=%v", ok, err)
	}
	if cfg.Seed != 5 || cfg.Steps != 2 || cfg.Generations != 1 {
		t.Fatalf("flags must overlay the config file: %+v", cfg)
	}
}

func TestTrainEnsembles(t *testing.T) {
	workdir := chdirTemp(t)
	tasks, solutions := writeDataset(t, workdir)
	out, err := captureOutput(t, func() error {
		return run(context.Background(), []string{
			"train",
			"--store", "memory",
			"--tasks", tasks,
			"--solutions", solutions,
			"--task", "identity",
			"--run-id", "ens-run",
			"--steps", "2",
			"--stages", "2",
			"--pop", "6",
			"--gens", "1",
			"--evals", "0",
			"--ensembles", "3",
			"--tournament-k", "2",
		})
	})
	if err != nil {
		t.Fatalf("train command: %v", err)
	}
	if !strings.Contains(out, "ensembles solved=") {
		t.Fatalf("expected ensemble summary in output:\n%s", out)
	}
	reports, ok, err := stats.ReadTaskReports(runsDir, "ens-run")
	if err != nil || !ok {
		t.Fatalf("read task reports: ok=%t err=%v", ok, err)
	}
	if len(reports) != 1 || len(reports[0].EnsembleFitness) != 3 {
		t.Fatalf("unexpected reports: %+v", reports)
	}
	if reports[0].BestFitness != reports[0].EnsembleFitness[0] {
		t.Fatalf("best fitness %v does not lead the ranking %v", reports[0].BestFitness, reports[0].EnsembleFitness)
	}
	if reports[0].Evaluations != 3*2*6 {
		t.Fatalf("unexpected evaluation count %d", reports[0].Evaluations)
	}
	cfg, ok, err := stats.ReadRunConfig(runsDir, "ens-run")
	if err != nil || !ok || cfg.Ensembles != 3 || cfg.TournamentK != 2 {
		t.Fatalf("unexpected run config: %+v ok=%t err=%v", cfg, ok, err)
	}
}

func TestParityCommand(t *testing.T) {
	chdirTemp(t)
	out, err := captureOutput(t, func() error {
		return run(context.Background(), []string{"parity", "--shapes", "1x1,3x3,2x5", "--members", "2", "--steps", "4", "--devices", "2", "--lanes", "3"})
	})
	if err != nil {
		t.Fatalf("parity command: %v", err)
	}
	if !strings.Contains(out, "passed=true") || !strings.Contains(out, "instances=6") {
		t.Fatalf("unexpected parity output:\n%s", out)
	}
}

func TestCommandErrors(t *testing.T) {
	chdirTemp(t)
	ctx := context.Background()
	if err := run(ctx, nil); err == nil || !strings.Contains(err.Error(), "usage") {
		t.Fatalf("expected usage error, got %v", err)
	}
	if err := run(ctx, []string{"bogus"}); err == nil {
		t.Fatal("expected unknown command error")
	}
	if err := run(ctx, []string{"train", "--store", "memory", "--steps", "0"}); err == nil {
		t.Fatal("expected invalid config error")
	}
	if err := run(ctx, []string{"parity", "--shapes", "3by3"}); err == nil {
		t.Fatal("expected invalid shape error")
	}
	if err := run(ctx, []string{"runs", "--limit", "0"}); err == nil {
		t.Fatal("expected limit error")
	}
	if err := run(ctx, []string{"model", "--store", "memory", "--latest"}); err == nil {
		t.Fatal("expected no runs error")
	}
}

func TestParseShapes(t *testing.T) {
	shapes, err := parseShapes("1x30, 30X1")
	if err != nil {
		t.Fatalf("parse shapes: %v", err)
	}
	if len(shapes) != 2 || shapes[0] != [2]int{1, 30} || shapes[1] != [2]int{30, 1} {
		t.Fatalf("unexpected shapes: %v", shapes)
	}
	if got, _ := parseShapes(""); got != nil {
		t.Fatalf("expected nil shapes for empty input, got %v", got)
	}
}
