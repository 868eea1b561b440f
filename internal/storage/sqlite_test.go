//go:build sqlite

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"arcnca/internal/model"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "arcnca.db")

	store := NewSQLiteStore(dbPath)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	run := model.RunRecord{VersionedRecord: Versioned(), ID: "run-1", CreatedAtUTC: "2024-05-01T00:00:00Z", Backend: "sequential", TaskCount: 2}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("save run: %v", err)
	}
	loadedRun, ok, err := store.GetRun(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("get run: ok=%v err=%v", ok, err)
	}
	if loadedRun.Backend != "sequential" || loadedRun.TaskCount != 2 {
		t.Fatalf("unexpected run: %+v", loadedRun)
	}
	runs, err := store.ListRuns(ctx)
	if err != nil || len(runs) != 1 {
		t.Fatalf("list runs: %d err=%v", len(runs), err)
	}

	record := model.ModelRecord{
		VersionedRecord: Versioned(),
		ID:              ModelID("run-1", "t1", 0),
		RunID:           "run-1",
		TaskID:          "t1",
		Visible:         4,
		Hidden:          2,
		Rule:            "residual",
		Params:          make([]float32, 306),
	}
	record.Params[0] = -1.5
	if err := store.SaveModel(ctx, record); err != nil {
		t.Fatalf("save model: %v", err)
	}
	loadedModel, ok, err := store.GetModel(ctx, record.ID)
	if err != nil || !ok {
		t.Fatalf("get model: ok=%v err=%v", ok, err)
	}
	if loadedModel.Params[0] != -1.5 || loadedModel.Rule != "residual" {
		t.Fatalf("unexpected model: %+v", loadedModel)
	}
	models, err := store.ListModels(ctx, "run-1")
	if err != nil || len(models) != 1 {
		t.Fatalf("list models: %d err=%v", len(models), err)
	}

	if err := store.SaveFitnessHistory(ctx, "run-1", []float64{0.4, 0.3}); err != nil {
		t.Fatalf("save history: %v", err)
	}
	if err := store.SaveFitnessHistory(ctx, "run-1", []float64{0.4, 0.3, 0.1}); err != nil {
		t.Fatalf("overwrite history: %v", err)
	}
	history, ok, err := store.GetFitnessHistory(ctx, "run-1")
	if err != nil || !ok || len(history) != 3 {
		t.Fatalf("get history: %v ok=%v err=%v", history, ok, err)
	}

	diagnostics := []model.GenerationDiagnostics{{Generation: 1, BestFitness: 0.3, Sigma: 0.2}}
	if err := store.SaveGenerationDiagnostics(ctx, "run-1", diagnostics); err != nil {
		t.Fatalf("save diagnostics: %v", err)
	}
	loadedDiagnostics, ok, err := store.GetGenerationDiagnostics(ctx, "run-1")
	if err != nil || !ok || len(loadedDiagnostics) != 1 {
		t.Fatalf("get diagnostics: ok=%v err=%v", ok, err)
	}

	if _, ok, err := store.GetModel(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing model, ok=%v err=%v", ok, err)
	}
}

func TestSQLiteStoreRequiresPath(t *testing.T) {
	if err := NewSQLiteStore("").Init(context.Background()); err == nil {
		t.Fatal("expected path error")
	}
}
