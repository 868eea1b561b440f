package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"runtime"
	"slices"
	"sort"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"arcnca/internal/cmaes"
	"arcnca/internal/executor"
	"arcnca/internal/fitness"
	"arcnca/internal/grid"
	"arcnca/internal/model"
	"arcnca/internal/nca"
	"arcnca/internal/substrate"
)

var (
	// ErrCrossCheck reports a best member whose fitness differs between the
	// training executor and the cross-check executor.
	ErrCrossCheck = errors.New("cross-check fitness mismatch")
	// ErrNoFiniteFitness reports a stage in which no sampled member scored a
	// finite fitness.
	ErrNoFiniteFitness = errors.New("no finite fitness")
)

type Config struct {
	Spec           nca.Spec
	Steps          int
	Stages         int
	PopulationSize int
	Mu             int
	Subset         int
	Sigma0         float64
	InitStd        float64
	Mirrored       bool
	MaxPairs       int
	Budget         cmaes.Budget
	Fitness        fitness.Config
	Seed           int64

	// Ensembles is the number of stage chains trained per task; 0 selects 1.
	// Between stages the chains go through tournament selection of size
	// TournamentK. Workers bounds how many chains train at once.
	Ensembles   int
	TournamentK int
	Workers     int

	Executor            executor.Executor
	CrossCheck          executor.Executor
	CrossCheckTolerance float64

	Logger   *slog.Logger
	Progress func(taskID string, diag model.GenerationDiagnostics)
}

type StageResult struct {
	Stage            int                           `json:"stage"`
	Params           []float32                     `json:"params"`
	Fitness          float64                       `json:"fitness"`
	Evaluations      int                           `json:"evaluations"`
	BestByGeneration []float64                     `json:"best_by_generation"`
	Diagnostics      []model.GenerationDiagnostics `json:"diagnostics"`
}

// EnsembleResult is one trained stage chain. Slot is its position in the
// final ensemble population.
type EnsembleResult struct {
	Slot            int           `json:"slot"`
	Stages          []StageResult `json:"stages"`
	TrainAccuracy   []float64     `json:"train_accuracy"`
	TrainSolved     bool          `json:"train_solved"`
	TestPredictions []grid.Grid   `json:"test_predictions"`
}

// BestFitness is the fitness of the final stage.
func (r EnsembleResult) BestFitness() float64 {
	if len(r.Stages) == 0 {
		return math.Inf(1)
	}
	return r.Stages[len(r.Stages)-1].Fitness
}

// TaskResult holds every ensemble ranked by fitness, best first. The embedded
// EnsembleResult is the best one.
type TaskResult struct {
	TaskID string `json:"task_id"`
	EnsembleResult
	Ensembles       []EnsembleResult `json:"ensembles"`
	SolvedEnsembles int              `json:"solved_ensembles"`
	// Evaluations counts every fitness evaluation spent on the task.
	Evaluations int `json:"evaluations"`
}

type Trainer struct {
	cfg      Config
	rng      *rand.Rand
	selector TournamentSelector

	// mu serializes Progress across concurrently trained ensembles.
	mu sync.Mutex
}

func New(cfg Config) (*Trainer, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if _, err := cfg.Spec.Phases(); err != nil {
		return nil, err
	}
	if cfg.Steps <= 0 {
		return nil, fmt.Errorf("steps must be > 0")
	}
	if cfg.Stages <= 0 {
		cfg.Stages = 1
	}
	if cfg.Ensembles <= 0 {
		cfg.Ensembles = 1
	}
	if cfg.TournamentK == 0 {
		cfg.TournamentK = DefaultTournamentK
	}
	if cfg.Workers <= 0 {
		cfg.Workers = min(cfg.Ensembles, runtime.GOMAXPROCS(0))
	}
	selector, err := NewTournamentSelector(cfg.TournamentK)
	if err != nil {
		return nil, err
	}
	if cfg.Budget.Generations <= 0 && cfg.Budget.Evaluations <= 0 {
		return nil, fmt.Errorf("generation or evaluation budget is required")
	}
	if cfg.InitStd < 0 {
		return nil, fmt.Errorf("init std must be >= 0")
	}
	if cfg.CrossCheckTolerance <= 0 {
		cfg.CrossCheckTolerance = executor.DefaultParityTolerance
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	// Surface optimizer configuration errors before any task runs.
	if _, err := cmaes.New(cfg.optimizerConfig(make([]float64, cfg.Spec.ParamCount()), 0)); err != nil {
		return nil, err
	}
	return &Trainer{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed)), selector: selector}, nil
}

func (c Config) optimizerConfig(mean []float64, seed int64) cmaes.Config {
	return cmaes.Config{
		Dim:      len(mean),
		Mean:     mean,
		Sigma0:   c.Sigma0,
		Lambda:   c.PopulationSize,
		Mu:       c.Mu,
		Subset:   c.Subset,
		Mirrored: c.Mirrored,
		MaxPairs: c.MaxPairs,
		Seed:     seed,
	}
}

// chain is one ensemble in progress: its trained stages and the substrates
// the next stage starts from.
type chain struct {
	stages []StageResult
	batch  []*substrate.Substrate
}

func (c chain) fitness() float64 {
	if len(c.stages) == 0 {
		return math.Inf(1)
	}
	return c.stages[len(c.stages)-1].Fitness
}

// TrainTask fits Ensembles independent chains of Stages models to the task's
// train pairs, tournament-selecting the chains between stages, and predicts
// the test outputs of every surviving chain.
func (t *Trainer) TrainTask(ctx context.Context, task model.Task) (TaskResult, error) {
	if len(task.Train) == 0 {
		return TaskResult{}, fmt.Errorf("task %s has no train examples", task.ID)
	}
	if !task.PreservesShape() {
		return TaskResult{}, fmt.Errorf("%w: task %s changes grid shape", substrate.ErrShape, task.ID)
	}

	layout := t.cfg.Spec.Layout
	batch := make([]*substrate.Substrate, len(task.Train))
	targets := make([]grid.Grid, len(task.Train))
	for i, ex := range task.Train {
		s, err := substrate.FromGrid(layout, ex.Input)
		if err != nil {
			return TaskResult{}, fmt.Errorf("task %s example %d: %w", task.ID, i, err)
		}
		batch[i] = s
		targets[i] = ex.Output
	}

	var evaluations int
	chains := make([]chain, t.cfg.Ensembles)
	for i := range chains {
		chains[i] = chain{batch: batch}
	}
	for stage := 0; stage < t.cfg.Stages; stage++ {
		if err := ctx.Err(); err != nil {
			return TaskResult{}, err
		}
		seeds := make([]int64, len(chains))
		for i := range seeds {
			seeds[i] = t.rng.Int63()
		}
		if err := t.trainChains(ctx, task.ID, stage, chains, seeds, targets); err != nil {
			return TaskResult{}, err
		}
		for _, c := range chains {
			evaluations += c.stages[stage].Evaluations
		}
		if stage < t.cfg.Stages-1 && len(chains) > 1 {
			chains = t.selectChains(chains)
		}
	}

	inputs := make([]grid.Grid, len(task.Test))
	for i, tp := range task.Test {
		inputs[i] = tp.Input
	}
	ensembles := make([]EnsembleResult, len(chains))
	for i, c := range chains {
		e, err := t.finishChain(ctx, i, c, targets, inputs)
		if err != nil {
			return TaskResult{}, fmt.Errorf("task %s ensemble %d: %w", task.ID, i, err)
		}
		ensembles[i] = e
	}
	sort.SliceStable(ensembles, func(a, b int) bool {
		return better(ensembles[a].BestFitness(), ensembles[b].BestFitness())
	})

	result := TaskResult{TaskID: task.ID, EnsembleResult: ensembles[0], Ensembles: ensembles, Evaluations: evaluations}
	for _, e := range ensembles {
		if e.TrainSolved {
			result.SolvedEnsembles++
		}
	}
	return result, nil
}

// trainChains trains the next stage of every chain, Workers at a time.
func (t *Trainer) trainChains(ctx context.Context, taskID string, stage int, chains []chain, seeds []int64, targets []grid.Grid) error {
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError().WithMaxGoroutines(t.cfg.Workers)
	for i := range chains {
		p.Go(func(ctx context.Context) error {
			res, final, err := t.trainStage(ctx, taskID, i, stage, seeds[i], chains[i].batch, targets)
			if err != nil {
				return err
			}
			for _, s := range final {
				s.ClearHidden()
			}
			chains[i].stages = append(chains[i].stages, res)
			chains[i].batch = final
			return nil
		})
	}
	return p.Wait()
}

// selectChains replaces the chains with tournament winners. Winners share
// their substrates, which later stages only read.
func (t *Trainer) selectChains(chains []chain) []chain {
	scores := make([]float64, len(chains))
	for i, c := range chains {
		scores[i] = c.fitness()
	}
	next := make([]chain, len(chains))
	for i, idx := range t.selector.Select(t.rng, scores) {
		next[i] = chain{stages: slices.Clone(chains[idx].stages), batch: chains[idx].batch}
	}
	return next
}

func (t *Trainer) finishChain(ctx context.Context, slot int, c chain, targets []grid.Grid, inputs []grid.Grid) (EnsembleResult, error) {
	out := EnsembleResult{
		Slot:          slot,
		Stages:        c.stages,
		TrainAccuracy: make([]float64, len(c.batch)),
		TrainSolved:   true,
	}
	for i, s := range c.batch {
		acc, err := fitness.Accuracy(s, targets[i])
		if err != nil {
			return EnsembleResult{}, err
		}
		out.TrainAccuracy[i] = acc
		if acc < 1 {
			out.TrainSolved = false
		}
	}
	params := make([][]float32, len(c.stages))
	for i, st := range c.stages {
		params[i] = st.Params
	}
	predictions, err := t.Predict(ctx, params, inputs)
	if err != nil {
		return EnsembleResult{}, err
	}
	out.TestPredictions = predictions
	return out, nil
}

func (t *Trainer) trainStage(ctx context.Context, taskID string, ensemble, stage int, seed int64, batch []*substrate.Substrate, targets []grid.Grid) (StageResult, []*substrate.Substrate, error) {
	eval, err := fitness.NewEvaluator(t.cfg.Fitness, t.cfg.Executor, t.cfg.Spec, t.cfg.Steps, batch, targets)
	if err != nil {
		return StageResult{}, nil, fmt.Errorf("task %s stage %d: %w", taskID, stage, err)
	}

	rng := rand.New(rand.NewSource(seed))
	mean := make([]float64, t.cfg.Spec.ParamCount())
	if stage == 0 && t.cfg.InitStd > 0 {
		for i := range mean {
			mean[i] = rng.NormFloat64() * t.cfg.InitStd
		}
	}
	opt, err := cmaes.New(t.cfg.optimizerConfig(mean, rng.Int63()))
	if err != nil {
		return StageResult{}, nil, err
	}

	out := StageResult{Stage: stage}
	evaluate := func(ctx context.Context, population [][]float64) ([]float64, error) {
		return eval.Population(ctx, toFloat32(population))
	}
	observe := func(r cmaes.GenerationReport) {
		diag := summarizeGeneration(r, stage)
		diag.TaskID = taskID
		diag.Ensemble = ensemble
		out.BestByGeneration = append(out.BestByGeneration, r.BestFitness)
		out.Diagnostics = append(out.Diagnostics, diag)
		t.cfg.Logger.Info("generation",
			"task", taskID,
			"ensemble", ensemble,
			"stage", stage,
			"generation", diag.Generation,
			"best", diag.BestSoFar,
			"mean", diag.MeanFitness,
			"sigma", diag.Sigma,
			"evals", diag.Evaluations,
		)
		if t.cfg.Progress != nil {
			t.mu.Lock()
			t.cfg.Progress(taskID, diag)
			t.mu.Unlock()
		}
	}
	res, err := opt.Optimize(ctx, t.cfg.Budget, evaluate, observe)
	if err != nil {
		return StageResult{}, nil, fmt.Errorf("task %s stage %d: %w", taskID, stage, err)
	}
	if res.Best == nil || math.IsInf(res.BestFitness, 0) {
		return StageResult{}, nil, fmt.Errorf("task %s stage %d: %w after %d evaluations", taskID, stage, ErrNoFiniteFitness, res.Evaluations)
	}

	out.Params = toFloat32([][]float64{res.Best})[0]
	out.Fitness = res.BestFitness
	out.Evaluations = res.Evaluations

	if t.cfg.CrossCheck != nil {
		if err := t.crossCheck(ctx, out, batch, targets); err != nil {
			return StageResult{}, nil, fmt.Errorf("task %s stage %d: %w", taskID, stage, err)
		}
	}

	final, err := eval.Final(ctx, out.Params)
	if err != nil {
		return StageResult{}, nil, err
	}
	return out, final, nil
}

func (t *Trainer) crossCheck(ctx context.Context, stage StageResult, batch []*substrate.Substrate, targets []grid.Grid) error {
	primary, err := fitness.NewEvaluator(t.cfg.Fitness, t.cfg.Executor, t.cfg.Spec, t.cfg.Steps, batch, targets)
	if err != nil {
		return err
	}
	secondary, err := fitness.NewEvaluator(t.cfg.Fitness, t.cfg.CrossCheck, t.cfg.Spec, t.cfg.Steps, batch, targets)
	if err != nil {
		return err
	}
	want, err := primary.Population(ctx, [][]float32{stage.Params})
	if err != nil {
		return err
	}
	got, err := secondary.Population(ctx, [][]float32{stage.Params})
	if err != nil {
		return fmt.Errorf("%s: %w", t.cfg.CrossCheck.Name(), err)
	}
	if diff := math.Abs(want[0] - got[0]); !(diff <= t.cfg.CrossCheckTolerance) {
		return fmt.Errorf("%w: %s=%g %s=%g", ErrCrossCheck, t.cfg.Executor.Name(), want[0], t.cfg.CrossCheck.Name(), got[0])
	}
	return nil
}

// Predict runs the stage chain over inputs and decodes each output. Hidden
// channels are cleared between stages.
func (t *Trainer) Predict(ctx context.Context, models [][]float32, inputs []grid.Grid) ([]grid.Grid, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	batch := make([]*substrate.Substrate, len(inputs))
	for i, g := range inputs {
		s, err := substrate.FromGrid(t.cfg.Spec.Layout, g)
		if err != nil {
			return nil, err
		}
		batch[i] = s
	}
	for _, params := range models {
		final, err := t.cfg.Executor.Run(ctx, t.cfg.Spec, [][]float32{params}, batch, t.cfg.Steps)
		if err != nil {
			return nil, err
		}
		batch = final[0]
		for _, s := range batch {
			s.ClearHidden()
		}
	}
	out := make([]grid.Grid, len(batch))
	for i, s := range batch {
		g, err := s.ReadOut()
		if err != nil {
			return nil, err
		}
		out[i] = g
	}
	return out, nil
}

func summarizeGeneration(r cmaes.GenerationReport, stage int) model.GenerationDiagnostics {
	finite := make([]float64, 0, len(r.Fitness))
	for _, f := range r.Fitness {
		if !math.IsNaN(f) && !math.IsInf(f, 0) {
			finite = append(finite, f)
		}
	}
	diag := model.GenerationDiagnostics{
		Stage:       stage,
		Generation:  r.Generation + 1,
		BestSoFar:   r.BestFitness,
		Sigma:       r.Sigma,
		Evaluations: r.Evaluations,
	}
	if len(finite) > 0 {
		diag.BestFitness = floats.Min(finite)
		diag.WorstFitness = floats.Max(finite)
		diag.MeanFitness = stat.Mean(finite, nil)
	}
	return diag
}

func toFloat32(population [][]float64) [][]float32 {
	out := make([][]float32, len(population))
	for i, x := range population {
		v := make([]float32, len(x))
		for j, p := range x {
			v[j] = float32(p)
		}
		out[i] = v
	}
	return out
}
