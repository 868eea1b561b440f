package stats

import (
	"os"
	"path/filepath"
	"testing"

	"arcnca/internal/model"
)

func TestWriteAndExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "exports")

	runID := "run-123"
	artifacts := RunArtifacts{
		Config: RunConfig{
			RunID:          runID,
			Backend:        "sequential",
			Visible:        4,
			Hidden:         2,
			Rule:           "two_phase",
			Steps:          10,
			Stages:         1,
			PopulationSize: 8,
			Seed:           1,
		},
		History: []TaskHistory{
			{TaskID: "a", Stage: 0, BestByGeneration: []float64{0.5, 0.3, 0.2}},
			{TaskID: "b", Stage: 0, BestByGeneration: []float64{0.7, 0.1}},
		},
		Models: []model.ModelRecord{{
			ID:      "run-123:a:0",
			RunID:   runID,
			TaskID:  "a",
			Visible: 4,
			Hidden:  2,
			Rule:    "two_phase",
			Params:  make([]float32, 306),
		}},
		TaskReports: []TaskReport{{TaskID: "a", Stages: 1, BestFitness: 0.2, TrainSolved: true}},
	}

	runDir, err := WriteRunArtifacts(baseDir, artifacts)
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}

	files := []string{"config.json", "fitness_history.json", "generation_diagnostics.json", "models.json", "task_reports.json", "fitness.png"}
	for _, file := range files {
		if _, err := os.Stat(filepath.Join(runDir, file)); err != nil {
			t.Fatalf("expected file %s: %v", file, err)
		}
	}

	exportedDir, err := ExportRunArtifacts(baseDir, runID, outDir)
	if err != nil {
		t.Fatalf("export artifacts: %v", err)
	}
	for _, file := range files {
		if _, err := os.Stat(filepath.Join(exportedDir, file)); err != nil {
			t.Fatalf("expected exported file %s: %v", file, err)
		}
	}

	cfg, ok, err := ReadRunConfig(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read config: ok=%t err=%v", ok, err)
	}
	if cfg.Backend != "sequential" || cfg.Visible != 4 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	models, ok, err := ReadModels(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read models: ok=%t err=%v", ok, err)
	}
	if len(models) != 1 || len(models[0].Params) != 306 {
		t.Fatalf("unexpected models: %+v", models)
	}

	reports, ok, err := ReadTaskReports(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read reports: ok=%t err=%v", ok, err)
	}
	if len(reports) != 1 || !reports[0].TrainSolved {
		t.Fatalf("unexpected reports: %+v", reports)
	}
}

func TestWriteRunArtifactsRequiresRunID(t *testing.T) {
	if _, err := WriteRunArtifacts(t.TempDir(), RunArtifacts{}); err == nil {
		t.Fatal("expected error for missing run id")
	}
}

func TestReadMissingRun(t *testing.T) {
	_, ok, err := ReadRunConfig(t.TempDir(), "missing")
	if err != nil {
		t.Fatalf("read missing config: %v", err)
	}
	if ok {
		t.Fatal("expected missing run to report not found")
	}
}

func TestRunIndexOrderingAndReplace(t *testing.T) {
	baseDir := t.TempDir()

	entries := []RunIndexEntry{
		{RunID: "old", CreatedAtUTC: "2026-01-01T00:00:00Z", TaskCount: 1},
		{RunID: "new", CreatedAtUTC: "2026-02-01T00:00:00Z", TaskCount: 2},
		{RunID: "old", CreatedAtUTC: "2026-01-01T00:00:00Z", TaskCount: 5},
	}
	for _, entry := range entries {
		if err := AppendRunIndex(baseDir, entry); err != nil {
			t.Fatalf("append %s: %v", entry.RunID, err)
		}
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list index: %v", err)
	}
	if len(index) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(index))
	}
	if index[0].RunID != "new" || index[1].RunID != "old" {
		t.Fatalf("unexpected order: %+v", index)
	}
	if index[1].TaskCount != 5 {
		t.Fatalf("expected replaced entry, got %+v", index[1])
	}

	if err := AppendRunIndex(baseDir, RunIndexEntry{}); err == nil {
		t.Fatal("expected error for empty run id")
	}
}
