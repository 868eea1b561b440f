package train

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"testing"

	"arcnca/internal/cmaes"
	"arcnca/internal/executor"
	"arcnca/internal/fitness"
	"arcnca/internal/grid"
	"arcnca/internal/model"
	"arcnca/internal/nca"
	"arcnca/internal/substrate"
)

var testLayout = substrate.Layout{Visible: 4, Hidden: 1}

func recolorTask() model.Task {
	return model.Task{
		ID: "recolor",
		Train: []model.Example{
			{Input: grid.MustFromRows([][]int{{1, 0, 1}, {0, 1, 0}}), Output: grid.MustFromRows([][]int{{2, 0, 2}, {0, 2, 0}})},
			{Input: grid.MustFromRows([][]int{{0, 1}, {1, 1}}), Output: grid.MustFromRows([][]int{{0, 2}, {2, 2}})},
		},
		Test: []model.TestProblem{{Input: grid.MustFromRows([][]int{{1, 1, 0}})}},
	}
}

func testConfig() Config {
	return Config{
		Spec:           nca.Spec{Layout: testLayout, Rule: nca.Residual},
		Steps:          3,
		Stages:         1,
		PopulationSize: 8,
		Subset:         16,
		Sigma0:         0.2,
		InitStd:        0.05,
		Budget:         cmaes.Budget{Generations: 6},
		Fitness:        fitness.Config{L2: fitness.DefaultL2},
		Seed:           42,
		Executor:       executor.NewSequential(2),
	}
}

func TestTrainTaskRecordsGenerations(t *testing.T) {
	var logs bytes.Buffer
	cfg := testConfig()
	cfg.Stages = 2
	cfg.Logger = slog.New(slog.NewJSONHandler(&logs, nil))
	var progress int
	cfg.Progress = func(taskID string, diag model.GenerationDiagnostics) {
		if taskID != "recolor" {
			t.Fatalf("unexpected task id in progress: %s", taskID)
		}
		progress++
	}
	trainer, err := New(cfg)
	if err != nil {
		t.Fatalf("new trainer: %v", err)
	}
	res, err := trainer.TrainTask(context.Background(), recolorTask())
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if len(res.Stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(res.Stages))
	}
	for _, stage := range res.Stages {
		if len(stage.BestByGeneration) != 6 || len(stage.Diagnostics) != 6 {
			t.Fatalf("stage %d: unexpected history length %d", stage.Stage, len(stage.BestByGeneration))
		}
		for i := 1; i < len(stage.BestByGeneration); i++ {
			if stage.BestByGeneration[i] > stage.BestByGeneration[i-1] {
				t.Fatalf("stage %d: best-so-far increased at generation %d", stage.Stage, i)
			}
		}
		if len(stage.Params) != cfg.Spec.ParamCount() {
			t.Fatalf("stage %d: unexpected param count %d", stage.Stage, len(stage.Params))
		}
		if stage.Evaluations != 6*cfg.PopulationSize {
			t.Fatalf("stage %d: unexpected evaluations %d", stage.Stage, stage.Evaluations)
		}
	}
	if progress != 12 {
		t.Fatalf("expected 12 progress callbacks, got %d", progress)
	}
	if got := strings.Count(logs.String(), `"msg":"generation"`); got != 12 {
		t.Fatalf("expected 12 generation log records, got %d", got)
	}
	if len(res.TrainAccuracy) != 2 {
		t.Fatalf("unexpected accuracy count: %d", len(res.TrainAccuracy))
	}
	if len(res.TestPredictions) != 1 || res.TestPredictions[0].Width() != 3 || res.TestPredictions[0].Height() != 1 {
		t.Fatalf("unexpected test prediction shape: %+v", res.TestPredictions)
	}
}

func TestTrainTaskIsDeterministic(t *testing.T) {
	run := func() TaskResult {
		trainer, err := New(testConfig())
		if err != nil {
			t.Fatalf("new trainer: %v", err)
		}
		res, err := trainer.TrainTask(context.Background(), recolorTask())
		if err != nil {
			t.Fatalf("train: %v", err)
		}
		return res
	}
	a, b := run(), run()
	if a.BestFitness() != b.BestFitness() {
		t.Fatalf("runs diverge: %v vs %v", a.BestFitness(), b.BestFitness())
	}
}

func TestTrainTaskRefusesShapeChange(t *testing.T) {
	trainer, err := New(testConfig())
	if err != nil {
		t.Fatalf("new trainer: %v", err)
	}
	task := model.Task{
		ID: "grow",
		Train: []model.Example{
			{Input: grid.MustFromRows([][]int{{1}}), Output: grid.MustFromRows([][]int{{1, 1}})},
		},
	}
	if _, err := trainer.TrainTask(context.Background(), task); !errors.Is(err, substrate.ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
}

func TestCrossCheckWithParallelExecutor(t *testing.T) {
	cfg := testConfig()
	cfg.CrossCheck = executor.NewParallel(executor.DeviceConfig{WeightLayout: nca.Transposed})
	trainer, err := New(cfg)
	if err != nil {
		t.Fatalf("new trainer: %v", err)
	}
	if _, err := trainer.TrainTask(context.Background(), recolorTask()); err != nil {
		t.Fatalf("train with cross-check: %v", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Executor = nil
	if _, err := New(cfg); err == nil {
		t.Fatal("expected executor error")
	}
	cfg = testConfig()
	cfg.PopulationSize = 1
	if _, err := New(cfg); !errors.Is(err, cmaes.ErrConfig) {
		t.Fatalf("expected cmaes.ErrConfig, got %v", err)
	}
	cfg = testConfig()
	cfg.Budget = cmaes.Budget{}
	if _, err := New(cfg); err == nil {
		t.Fatal("expected budget error")
	}
}

func TestPredictRunsStageChain(t *testing.T) {
	cfg := testConfig()
	cfg.Spec.Rule = nca.Replace
	trainer, err := New(cfg)
	if err != nil {
		t.Fatalf("new trainer: %v", err)
	}
	identity, err := nca.Zero(cfg.Spec)
	if err != nil {
		t.Fatalf("zero model: %v", err)
	}
	ins := testLayout.Channels()
	for c := 0; c < testLayout.Visible; c++ {
		identity.Params()[c*substrate.NeighborhoodSize*ins+2*ins+c] = 1
	}
	in := grid.MustFromRows([][]int{{3, 1}, {4, 1}, {5, 9}})
	out, err := trainer.Predict(context.Background(), [][]float32{identity.Params(), identity.Params()}, []grid.Grid{in})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if !out[0].Equal(in) {
		t.Fatalf("identity chain changed the grid: %v", out[0].Rows())
	}
}

func TestTrainTaskRanksEnsembles(t *testing.T) {
	cfg := testConfig()
	cfg.Stages = 2
	cfg.Ensembles = 4
	cfg.TournamentK = 2
	cfg.Workers = 2
	var progress int
	cfg.Progress = func(string, model.GenerationDiagnostics) { progress++ }
	trainer, err := New(cfg)
	if err != nil {
		t.Fatalf("new trainer: %v", err)
	}
	res, err := trainer.TrainTask(context.Background(), recolorTask())
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if len(res.Ensembles) != 4 {
		t.Fatalf("expected 4 ensembles, got %d", len(res.Ensembles))
	}
	for i, e := range res.Ensembles {
		if len(e.Stages) != 2 || len(e.TestPredictions) != 1 || len(e.TrainAccuracy) != 2 {
			t.Fatalf("ensemble %d incomplete: stages=%d predictions=%d", i, len(e.Stages), len(e.TestPredictions))
		}
		if i > 0 && e.BestFitness() < res.Ensembles[i-1].BestFitness() {
			t.Fatalf("ensembles not ranked: %v before %v", res.Ensembles[i-1].BestFitness(), e.BestFitness())
		}
	}
	if res.BestFitness() != res.Ensembles[0].BestFitness() || res.Slot != res.Ensembles[0].Slot {
		t.Fatal("task result must carry the best ensemble")
	}
	solved := 0
	for _, e := range res.Ensembles {
		if e.TrainSolved {
			solved++
		}
	}
	if res.SolvedEnsembles != solved {
		t.Fatalf("solved count %d, want %d", res.SolvedEnsembles, solved)
	}
	if want := 2 * 4 * 6 * cfg.PopulationSize; res.Evaluations != want {
		t.Fatalf("evaluations %d, want %d", res.Evaluations, want)
	}
	if progress != 2*4*6 {
		t.Fatalf("expected %d progress callbacks, got %d", 2*4*6, progress)
	}

	again, err := New(cfg)
	if err != nil {
		t.Fatalf("new trainer: %v", err)
	}
	res2, err := again.TrainTask(context.Background(), recolorTask())
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	for i := range res.Ensembles {
		if res.Ensembles[i].BestFitness() != res2.Ensembles[i].BestFitness() {
			t.Fatalf("ensemble %d diverges across runs", i)
		}
	}
}

func TestTournamentSelectorFavorsLowScores(t *testing.T) {
	if _, err := NewTournamentSelector(0); err == nil {
		t.Fatal("expected error for k=0")
	}
	sel, err := NewTournamentSelector(3)
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}
	scores := []float64{5, math.NaN(), 1, 3}
	rng := rand.New(rand.NewSource(1))
	counts := make([]int, len(scores))
	for round := 0; round < 200; round++ {
		picked := sel.Select(rng, scores)
		if len(picked) != len(scores) {
			t.Fatalf("expected %d picks, got %d", len(scores), len(picked))
		}
		for _, idx := range picked {
			counts[idx]++
		}
	}
	if counts[2] <= counts[3] || counts[3] <= counts[0] {
		t.Fatalf("selection not ordered by score: %v", counts)
	}
	if counts[1] > counts[0] {
		t.Fatalf("NaN should lose to every score: %v", counts)
	}

	single := TournamentSelector{K: 1}
	if got := single.Select(rng, []float64{math.NaN()}); len(got) != 1 || got[0] != 0 {
		t.Fatalf("unexpected single pick: %v", got)
	}
}

// nanExecutor finishes every member with NaN in all channels.
type nanExecutor struct{}

func (nanExecutor) Name() string { return "nan" }

func (nanExecutor) Run(_ context.Context, _ nca.Spec, population [][]float32, batch []*substrate.Substrate, _ int) ([][]*substrate.Substrate, error) {
	out := make([][]*substrate.Substrate, len(population))
	for m := range population {
		out[m] = make([]*substrate.Substrate, len(batch))
		for i, s := range batch {
			c := s.Clone()
			for j := range c.Data {
				c.Data[j] = float32(math.NaN())
			}
			out[m][i] = c
		}
	}
	return out, nil
}

func TestTrainTaskReportsNoFiniteFitness(t *testing.T) {
	cfg := testConfig()
	cfg.Executor = nanExecutor{}
	trainer, err := New(cfg)
	if err != nil {
		t.Fatalf("new trainer: %v", err)
	}
	_, err = trainer.TrainTask(context.Background(), recolorTask())
	if !errors.Is(err, ErrNoFiniteFitness) {
		t.Fatalf("expected ErrNoFiniteFitness, got %v", err)
	}
}
