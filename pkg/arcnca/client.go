// Package arcnca is the public entry point for training cellular automata on
// ARC tasks and inspecting the persisted runs.
package arcnca

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"arcnca/internal/cmaes"
	"arcnca/internal/config"
	"arcnca/internal/dataset"
	"arcnca/internal/executor"
	"arcnca/internal/fitness"
	"arcnca/internal/grid"
	"arcnca/internal/model"
	"arcnca/internal/stats"
	"arcnca/internal/storage"
	"arcnca/internal/substrate"
	"arcnca/internal/train"
)

const (
	defaultRunsDir    = "runs"
	defaultExportsDir = "exports"
)

var ErrNoRuns = errors.New("no runs available")

type Options struct {
	StoreKind  string
	DBPath     string
	RunsDir    string
	ExportsDir string
	Logger     *slog.Logger
}

type Client struct {
	store  storage.Store
	logger *slog.Logger

	runsDir    string
	exportsDir string
	now        func() time.Time
}

type TrainRequest struct {
	Config config.RunConfig
	// Tasks overrides loading from Config.TasksPath when non-empty.
	Tasks     []model.Task
	Solutions []model.Solution

	Progress func(taskID string, diag model.GenerationDiagnostics)
	TaskDone func(report stats.TaskReport)
}

type TrainSummary struct {
	RunID             string
	ArtifactsDir      string
	Tasks             int
	Skipped           int
	TrainSolved       int
	TestGrids         int
	TestCorrect       int
	MeanTrainAccuracy float64
	Evaluations       int
	Elapsed           time.Duration
	Reports           []stats.TaskReport
}

type ParityRequest struct {
	Config    config.RunConfig
	Shapes    [][2]int
	Members   int
	Tolerance float64
}

type RunsRequest struct {
	Limit int
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

type ModelRequest struct {
	RunID  string
	Latest bool
	TaskID string
	Stage  int
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = storage.DefaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}
	if err := store.Init(context.Background()); err != nil {
		_ = storage.CloseIfSupported(store)
		return nil, err
	}

	return &Client{
		store:      store,
		logger:     logger,
		runsDir:    runsDir,
		exportsDir: exportsDir,
		now:        time.Now,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

// Train fits every selected task and persists models, histories and run
// artifacts. Tasks whose train pairs change grid shape are skipped.
func (c *Client) Train(ctx context.Context, req TrainRequest) (TrainSummary, error) {
	cfg := req.Config
	if err := cfg.Validate(); err != nil {
		return TrainSummary{}, err
	}

	tasks, solutions, err := c.loadTasks(req)
	if err != nil {
		return TrainSummary{}, err
	}
	if len(tasks) == 0 {
		return TrainSummary{}, errors.New("no tasks selected")
	}

	trainer, backend, err := newTrainer(cfg, c.logger, req.Progress)
	if err != nil {
		return TrainSummary{}, err
	}

	started := c.now().UTC()
	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	c.logger.Info("run started", "run", runID, "tasks", len(tasks), "backend", backend)

	summary := TrainSummary{RunID: runID, Tasks: len(tasks)}
	artifacts := stats.RunArtifacts{Config: runConfig(runID, backend, cfg)}
	var allBest [][]float64
	var accuracySum float64
	var accuracyCount int

	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return TrainSummary{}, err
		}
		result, err := trainer.TrainTask(ctx, task)
		if errors.Is(err, substrate.ErrShape) {
			report := stats.TaskReport{TaskID: task.ID, Skipped: true, SkipReason: err.Error()}
			summary.Skipped++
			summary.Reports = append(summary.Reports, report)
			artifacts.TaskReports = append(artifacts.TaskReports, report)
			c.logger.Info("task skipped", "task", task.ID, "reason", err)
			if req.TaskDone != nil {
				req.TaskDone(report)
			}
			continue
		}
		if err != nil {
			return TrainSummary{}, err
		}

		report := taskReport(result, solutions[task.ID])
		summary.Evaluations += report.Evaluations
		summary.TestGrids += len(solutions[task.ID].Outputs)
		summary.TestCorrect += report.TestCorrect
		if report.TrainSolved {
			summary.TrainSolved++
		}
		for _, acc := range report.TrainAccuracy {
			accuracySum += acc
			accuracyCount++
		}

		for _, st := range result.Stages {
			record := model.ModelRecord{
				VersionedRecord: storage.Versioned(),
				ID:              storage.ModelID(runID, task.ID, st.Stage),
				RunID:           runID,
				TaskID:          task.ID,
				Stage:           st.Stage,
				Visible:         cfg.Visible,
				Hidden:          cfg.Hidden,
				Rule:            cfg.Rule,
				Steps:           cfg.Steps,
				Params:          st.Params,
				Fitness:         st.Fitness,
			}
			if err := c.store.SaveModel(ctx, record); err != nil {
				return TrainSummary{}, fmt.Errorf("save model %s: %w", record.ID, err)
			}
			artifacts.Models = append(artifacts.Models, record)
			artifacts.History = append(artifacts.History, stats.TaskHistory{
				TaskID:           task.ID,
				Stage:            st.Stage,
				BestByGeneration: st.BestByGeneration,
			})
			artifacts.GenerationDiagnostics = append(artifacts.GenerationDiagnostics, st.Diagnostics...)
			allBest = append(allBest, st.BestByGeneration)
		}

		summary.Reports = append(summary.Reports, report)
		artifacts.TaskReports = append(artifacts.TaskReports, report)
		c.logger.Info("task done", "task", task.ID, "fitness", report.BestFitness, "solved", report.TrainSolved)
		if req.TaskDone != nil {
			req.TaskDone(report)
		}
	}

	if accuracyCount > 0 {
		summary.MeanTrainAccuracy = accuracySum / float64(accuracyCount)
	}
	summary.Elapsed = c.now().Sub(started)

	if err := c.store.SaveFitnessHistory(ctx, runID, stats.AverageSeries(allBest)); err != nil {
		return TrainSummary{}, err
	}
	if err := c.store.SaveGenerationDiagnostics(ctx, runID, artifacts.GenerationDiagnostics); err != nil {
		return TrainSummary{}, err
	}
	createdAt := started.Format(time.RFC3339Nano)
	if err := c.store.SaveRun(ctx, model.RunRecord{
		VersionedRecord:   storage.Versioned(),
		ID:                runID,
		CreatedAtUTC:      createdAt,
		Backend:           backend,
		Seed:              cfg.Seed,
		TaskCount:         summary.Tasks,
		SkippedTasks:      summary.Skipped,
		TrainSolved:       summary.TrainSolved,
		TestGrids:         summary.TestGrids,
		TestCorrect:       summary.TestCorrect,
		MeanTrainAccuracy: summary.MeanTrainAccuracy,
		ElapsedMS:         summary.Elapsed.Milliseconds(),
	}); err != nil {
		return TrainSummary{}, err
	}

	runDir, err := stats.WriteRunArtifacts(c.runsDir, artifacts)
	if err != nil {
		return TrainSummary{}, err
	}
	if err := stats.AppendRunIndex(c.runsDir, stats.RunIndexEntry{
		RunID:             runID,
		Backend:           backend,
		TaskCount:         summary.Tasks,
		SkippedTasks:      summary.Skipped,
		TrainSolved:       summary.TrainSolved,
		TestCorrect:       summary.TestCorrect,
		MeanTrainAccuracy: summary.MeanTrainAccuracy,
		Seed:              cfg.Seed,
		CreatedAtUTC:      createdAt,
	}); err != nil {
		return TrainSummary{}, err
	}
	summary.ArtifactsDir = filepath.Clean(runDir)
	c.logger.Info("run finished", "run", runID, "solved", summary.TrainSolved, "elapsed", summary.Elapsed)
	return summary, nil
}

// Parity compares the sequential executor against the parallel executor
// configured in req.Config on random substrates.
func (c *Client) Parity(ctx context.Context, req ParityRequest) (executor.ParityReport, error) {
	cfg := req.Config
	spec, err := cfg.Spec()
	if err != nil {
		return executor.ParityReport{}, fmt.Errorf("%w: %v", config.ErrConfig, err)
	}
	devices, err := cfg.DeviceConfigs()
	if err != nil {
		return executor.ParityReport{}, fmt.Errorf("%w: %v", config.ErrConfig, err)
	}
	shapes := req.Shapes
	if len(shapes) == 0 {
		shapes = [][2]int{{1, 1}, {1, grid.MaxSide}, {grid.MaxSide, 1}, {3, 3}, {7, 11}, {grid.MaxSide, grid.MaxSide}}
	}
	return executor.CheckParity(ctx, executor.NewSequential(cfg.Workers), executor.NewParallel(devices...), executor.ParityConfig{
		Spec:      spec,
		Shapes:    shapes,
		Members:   req.Members,
		Steps:     cfg.Steps,
		ParamStd:  cfg.InitStd,
		Tolerance: req.Tolerance,
		Seed:      cfg.Seed,
	})
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]stats.RunIndexEntry, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}
	return entries, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return ExportSummary{}, err
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	exportedDir, err := stats.ExportRunArtifacts(c.runsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

// Model returns one trained stage. The store is consulted first, then the
// run's models.json artifact.
func (c *Client) Model(ctx context.Context, req ModelRequest) (model.ModelRecord, error) {
	if req.TaskID == "" {
		return model.ModelRecord{}, errors.New("model lookup requires a task id")
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return model.ModelRecord{}, err
	}
	id := storage.ModelID(runID, req.TaskID, req.Stage)
	record, ok, err := c.store.GetModel(ctx, id)
	if err != nil {
		return model.ModelRecord{}, err
	}
	if ok {
		return record, nil
	}
	models, ok, err := stats.ReadModels(c.runsDir, runID)
	if err != nil {
		return model.ModelRecord{}, err
	}
	if ok {
		for _, m := range models {
			if m.TaskID == req.TaskID && m.Stage == req.Stage {
				return m, nil
			}
		}
	}
	return model.ModelRecord{}, fmt.Errorf("model not found: %s", id)
}

// Models lists the stored models of a run ordered by task and stage.
func (c *Client) Models(ctx context.Context, runID string) ([]model.ModelRecord, error) {
	records, err := c.store.ListModels(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(records) > 0 {
		return records, nil
	}
	models, _, err := stats.ReadModels(c.runsDir, runID)
	return models, err
}

// FitnessHistory returns the run's best fitness per generation averaged over
// task stages.
func (c *Client) FitnessHistory(ctx context.Context, runID string) ([]float64, error) {
	history, ok, err := c.store.GetFitnessHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if ok {
		return history, nil
	}
	series, ok, err := stats.ReadHistory(c.runsDir, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("fitness history not found for run %s", runID)
	}
	lists := make([][]float64, len(series))
	for i, h := range series {
		lists[i] = h.BestByGeneration
	}
	return stats.AverageSeries(lists), nil
}

func (c *Client) Diagnostics(ctx context.Context, runID string) ([]model.GenerationDiagnostics, error) {
	diagnostics, ok, err := c.store.GetGenerationDiagnostics(ctx, runID)
	if err != nil {
		return nil, err
	}
	if ok {
		return diagnostics, nil
	}
	diagnostics, ok, err = stats.ReadGenerationDiagnostics(c.runsDir, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("diagnostics not found for run %s", runID)
	}
	return diagnostics, nil
}

func (c *Client) resolveRunID(runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if runID == "" && !latest {
		return "", errors.New("run id or latest is required")
	}
	if runID != "" {
		return runID, nil
	}
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", ErrNoRuns
	}
	return entries[0].RunID, nil
}

func (c *Client) loadTasks(req TrainRequest) ([]model.Task, map[string]model.Solution, error) {
	var ds *dataset.Dataset
	if len(req.Tasks) > 0 {
		ds = dataset.New(req.Tasks, req.Solutions)
	} else {
		if strings.TrimSpace(req.Config.TasksPath) == "" {
			return nil, nil, fmt.Errorf("%w: tasks_path is required", config.ErrConfig)
		}
		loaded, err := dataset.Load(req.Config.TasksPath, req.Config.SolutionsPath)
		if err != nil {
			return nil, nil, err
		}
		ds = loaded
	}
	tasks, err := ds.Select(req.Config.TaskIDs, req.Config.Limit)
	if err != nil {
		return nil, nil, err
	}
	solutions := make(map[string]model.Solution, len(ds.Solutions))
	for _, s := range ds.Solutions {
		solutions[s.ID] = s
	}
	return tasks, solutions, nil
}

func newTrainer(cfg config.RunConfig, logger *slog.Logger, progress func(string, model.GenerationDiagnostics)) (*train.Trainer, string, error) {
	spec, err := cfg.Spec()
	if err != nil {
		return nil, "", err
	}
	wl, err := cfg.Layout()
	if err != nil {
		return nil, "", err
	}
	sequential := executor.NewSequential(cfg.Workers)
	sequential.WeightLayout = wl
	devices, err := cfg.DeviceConfigs()
	if err != nil {
		return nil, "", err
	}
	parallel := executor.NewParallel(devices...)

	var primary, secondary executor.Executor = sequential, parallel
	if cfg.Backend == config.BackendParallel {
		primary, secondary = parallel, sequential
	}
	tcfg := train.Config{
		Spec:           spec,
		Steps:          cfg.Steps,
		Stages:         cfg.Stages,
		PopulationSize: cfg.PopulationSize,
		Mu:             cfg.Mu,
		Subset:         cfg.Subset,
		Sigma0:         cfg.Sigma0,
		InitStd:        cfg.InitStd,
		Mirrored:       cfg.Mirrored,
		MaxPairs:       cfg.MaxPairs,
		Budget:         cmaes.Budget{Generations: cfg.Generations, Evaluations: cfg.Evaluations},
		Fitness:        fitness.Config{L2: cfg.L2, L1: cfg.L1},
		Seed:           cfg.Seed,
		Ensembles:      cfg.Ensembles,
		TournamentK:    cfg.TournamentK,
		Workers:        cfg.EnsembleWorkers,
		Executor:       primary,
		Logger:         logger,
		Progress:       progress,
	}
	if cfg.CrossCheck {
		tcfg.CrossCheck = secondary
	}
	trainer, err := train.New(tcfg)
	if err != nil {
		return nil, "", err
	}
	return trainer, primary.Name(), nil
}

func taskReport(result train.TaskResult, solution model.Solution) stats.TaskReport {
	report := stats.TaskReport{
		TaskID:        result.TaskID,
		Stages:        len(result.Stages),
		BestFitness:   result.BestFitness(),
		TrainAccuracy: result.TrainAccuracy,
		TrainSolved:   result.TrainSolved,
		Evaluations:   result.Evaluations,
	}
	report.SolvedEnsembles = result.SolvedEnsembles
	for _, e := range result.Ensembles {
		report.EnsembleFitness = append(report.EnsembleFitness, e.BestFitness())
	}
	for i, pred := range result.TestPredictions {
		report.Predictions = append(report.Predictions, pred.Rows())
		if i < len(solution.Outputs) {
			acc := grid.Accuracy(pred, solution.Outputs[i])
			report.TestAccuracy = append(report.TestAccuracy, acc)
			if pred.Equal(solution.Outputs[i]) {
				report.TestCorrect++
			}
		}
	}
	return report
}

func runConfig(runID, backend string, cfg config.RunConfig) stats.RunConfig {
	return stats.RunConfig{
		RunID:          runID,
		Backend:        backend,
		Devices:        max(cfg.Devices, 1),
		WeightLayout:   cfg.WeightLayout,
		Visible:        cfg.Visible,
		Hidden:         cfg.Hidden,
		Rule:           cfg.Rule,
		Steps:          cfg.Steps,
		Stages:         cfg.Stages,
		PopulationSize: cfg.PopulationSize,
		Subset:         cfg.Subset,
		Mirrored:       cfg.Mirrored,
		MaxPairs:       cfg.MaxPairs,
		Ensembles:      cfg.Ensembles,
		TournamentK:    cfg.TournamentK,
		Sigma0:         cfg.Sigma0,
		InitStd:        cfg.InitStd,
		L2:             cfg.L2,
		L1:             cfg.L1,
		Generations:    cfg.Generations,
		Evaluations:    cfg.Evaluations,
		Seed:           cfg.Seed,
		TasksPath:      cfg.TasksPath,
		SolutionsPath:  cfg.SolutionsPath,
	}
}
