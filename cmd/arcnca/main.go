package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"arcnca/internal/config"
	"arcnca/internal/executor"
	"arcnca/internal/model"
	"arcnca/internal/stats"
	"arcnca/internal/storage"
	"arcnca/pkg/arcnca"
)

const (
	runsDir    = "runs"
	exportsDir = "exports"
)

var stdout io.Writer = os.Stdout

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "train":
		return runTrain(ctx, args[1:])
	case "parity":
		return runParity(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "model":
		return runModel(ctx, args[1:])
	case "fitness":
		return runFitness(ctx, args[1:])
	case "diagnostics":
		return runDiagnostics(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

// runFlags registers the run configuration flags shared by train and parity.
type runFlags struct {
	configPath   *string
	runID        *string
	visible      *int
	hidden       *int
	rule         *string
	steps        *int
	stages       *int
	population   *int
	subset       *int
	sigma0       *float64
	initStd      *float64
	mirrored     *bool
	maxPairs     *int
	ensembles    *int
	tournamentK  *int
	ensWorkers   *int
	generations  *int
	evaluations  *int
	l2           *float64
	l1           *float64
	seed         *int64
	backend      *string
	workers      *int
	devices      *int
	computeUnits *int
	lanes        *int
	sharedMemory *int
	weightLayout *string
	crossCheck   *bool
	tasksPath    *string
	solutions    *string
	taskIDs      *string
	limit        *int
	store        *string
	dbPath       *string
}

func registerRunFlags(fs *flag.FlagSet) *runFlags {
	d := config.Default()
	return &runFlags{
		configPath:   fs.String("config", "", "optional run config path (.yaml, .toml or .json)"),
		runID:        fs.String("run-id", "", "explicit run id (default: random uuid)"),
		visible:      fs.Int("visible", d.Visible, "visible channels per band"),
		hidden:       fs.Int("hidden", d.Hidden, "hidden channels"),
		rule:         fs.String("rule", d.Rule, "update rule: replace|residual|two_phase|two_phase_replace"),
		steps:        fs.Int("steps", d.Steps, "automaton steps per stage"),
		stages:       fs.Int("stages", d.Stages, "models chained per task"),
		population:   fs.Int("pop", d.PopulationSize, "population size per generation"),
		subset:       fs.Int("subset", d.Subset, "coordinates adapted per generation (0 = auto)"),
		sigma0:       fs.Float64("sigma0", d.Sigma0, "initial step size"),
		initStd:      fs.Float64("init-std", d.InitStd, "std of the random initial mean"),
		mirrored:     fs.Bool("mirrored", d.Mirrored, "use mirrored sampling"),
		maxPairs:     fs.Int("max-pairs", d.MaxPairs, "stored covariance pairs (0 = 32 per parameter)"),
		ensembles:    fs.Int("ensembles", d.Ensembles, "stage chains trained per task"),
		tournamentK:  fs.Int("tournament-k", d.TournamentK, "tournament size between stages"),
		ensWorkers:   fs.Int("ensemble-workers", d.EnsembleWorkers, "chains trained concurrently (0 = GOMAXPROCS)"),
		generations:  fs.Int("gens", d.Generations, "generation budget per stage (0 disables)"),
		evaluations:  fs.Int("evals", d.Evaluations, "evaluation budget per stage (0 disables)"),
		l2:           fs.Float64("l2", d.L2, "L2 penalty coefficient"),
		l1:           fs.Float64("l1", d.L1, "L1 penalty coefficient"),
		seed:         fs.Int64("seed", d.Seed, "rng seed"),
		backend:      fs.String("backend", d.Backend, "executor backend: sequential|parallel"),
		workers:      fs.Int("workers", d.Workers, "sequential worker count (0 = GOMAXPROCS)"),
		devices:      fs.Int("devices", d.Devices, "parallel devices"),
		computeUnits: fs.Int("compute-units", d.ComputeUnits, "concurrent blocks per device (0 = GOMAXPROCS)"),
		lanes:        fs.Int("lanes", d.Lanes, "lanes per block (0 = one per cell)"),
		sharedMemory: fs.Int("shared-memory", d.SharedMemoryBytes, "shared memory bytes per block (0 = 48KiB)"),
		weightLayout: fs.String("weight-layout", d.WeightLayout, "staged weight layout: channel_major|transposed"),
		crossCheck:   fs.Bool("cross-check", d.CrossCheck, "re-evaluate each stage's best on the other backend"),
		tasksPath:    fs.String("tasks", d.TasksPath, "ARC challenges JSON path"),
		solutions:    fs.String("solutions", d.SolutionsPath, "ARC solutions JSON path (optional)"),
		taskIDs:      fs.String("task", "", "comma-separated task ids (default: all)"),
		limit:        fs.Int("limit", d.Limit, "max tasks to train (0 = all)"),
		store:        fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite"),
		dbPath:       fs.String("db-path", storage.DefaultDBPath, "sqlite database path"),
	}
}

// resolve loads the config file, when given, and applies explicitly set
// flags on top of it.
func (f *runFlags) resolve(fs *flag.FlagSet) (config.RunConfig, error) {
	cfg := config.Default()
	if *f.configPath != "" {
		loaded, err := config.Load(*f.configPath)
		if err != nil {
			return config.RunConfig{}, err
		}
		cfg = loaded
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) {
		setFlags[fl.Name] = true
	})
	apply := func(name string, fn func()) {
		if setFlags[name] || *f.configPath == "" {
			fn()
		}
	}
	apply("run-id", func() { cfg.RunID = *f.runID })
	apply("visible", func() { cfg.Visible = *f.visible })
	apply("hidden", func() { cfg.Hidden = *f.hidden })
	apply("rule", func() { cfg.Rule = *f.rule })
	apply("steps", func() { cfg.Steps = *f.steps })
	apply("stages", func() { cfg.Stages = *f.stages })
	apply("pop", func() { cfg.PopulationSize = *f.population })
	apply("subset", func() { cfg.Subset = *f.subset })
	apply("sigma0", func() { cfg.Sigma0 = *f.sigma0 })
	apply("init-std", func() { cfg.InitStd = *f.initStd })
	apply("mirrored", func() { cfg.Mirrored = *f.mirrored })
	apply("max-pairs", func() { cfg.MaxPairs = *f.maxPairs })
	apply("ensembles", func() { cfg.Ensembles = *f.ensembles })
	apply("tournament-k", func() { cfg.TournamentK = *f.tournamentK })
	apply("ensemble-workers", func() { cfg.EnsembleWorkers = *f.ensWorkers })
	apply("gens", func() { cfg.Generations = *f.generations })
	apply("evals", func() { cfg.Evaluations = *f.evaluations })
	apply("l2", func() { cfg.L2 = *f.l2 })
	apply("l1", func() { cfg.L1 = *f.l1 })
	apply("seed", func() { cfg.Seed = *f.seed })
	apply("backend", func() { cfg.Backend = *f.backend })
	apply("workers", func() { cfg.Workers = *f.workers })
	apply("devices", func() { cfg.Devices = *f.devices })
	apply("compute-units", func() { cfg.ComputeUnits = *f.computeUnits })
	apply("lanes", func() { cfg.Lanes = *f.lanes })
	apply("shared-memory", func() { cfg.SharedMemoryBytes = *f.sharedMemory })
	apply("weight-layout", func() { cfg.WeightLayout = *f.weightLayout })
	apply("cross-check", func() { cfg.CrossCheck = *f.crossCheck })
	apply("tasks", func() { cfg.TasksPath = *f.tasksPath })
	apply("solutions", func() { cfg.SolutionsPath = *f.solutions })
	apply("task", func() { cfg.TaskIDs = splitIDs(*f.taskIDs) })
	apply("limit", func() { cfg.Limit = *f.limit })
	apply("store", func() { cfg.Store = *f.store })
	apply("db-path", func() { cfg.DBPath = *f.dbPath })
	return cfg, cfg.Validate()
}

func runTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	rf := registerRunFlags(fs)
	verbose := fs.Bool("v", false, "log every generation to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := rf.resolve(fs)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	client, err := arcnca.New(arcnca.Options{
		StoreKind: cfg.Store,
		DBPath:    cfg.DBPath,
		RunsDir:   runsDir,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	progress := newProgressLine(stdout)
	summary, err := client.Train(ctx, arcnca.TrainRequest{
		Config:   cfg,
		Progress: progress.generation,
		TaskDone: progress.taskDone,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "run_id=%s tasks=%d skipped=%d train_solved=%d test_correct=%d/%d mean_train_accuracy=%.4f evaluations=%s elapsed=%s\n",
		summary.RunID,
		summary.Tasks,
		summary.Skipped,
		summary.TrainSolved,
		summary.TestCorrect,
		summary.TestGrids,
		summary.MeanTrainAccuracy,
		humanize.Comma(int64(summary.Evaluations)),
		summary.Elapsed.Round(time.Millisecond),
	)
	fmt.Fprintf(stdout, "artifacts=%s\n", summary.ArtifactsDir)
	return nil
}

func runParity(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("parity", flag.ContinueOnError)
	rf := registerRunFlags(fs)
	members := fs.Int("members", 4, "random parameter vectors per check")
	tolerance := fs.Float64("tolerance", executor.DefaultParityTolerance, "max absolute difference per value")
	shapes := fs.String("shapes", "", "comma-separated HxW shapes (default: 1x1,1x30,30x1,3x3,7x11,30x30)")
	jsonOut := fs.Bool("json", false, "emit parity report as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := rf.resolve(fs)
	if err != nil {
		return err
	}
	parsed, err := parseShapes(*shapes)
	if err != nil {
		return err
	}

	client, err := arcnca.New(arcnca.Options{StoreKind: config.StoreMemory, RunsDir: runsDir})
	if err != nil {
		return err
	}
	defer client.Close()

	report, err := client.Parity(ctx, arcnca.ParityRequest{
		Config:    cfg,
		Shapes:    parsed,
		Members:   *members,
		Tolerance: *tolerance,
	})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(stdout, "reference=%s candidate=%s instances=%d values=%s max_abs_diff=%.3g tolerance=%.3g passed=%t\n",
			report.Reference,
			report.Candidate,
			report.Instances,
			humanize.Comma(int64(report.Values)),
			report.MaxAbsDiff,
			report.Tolerance,
			report.Passed,
		)
	}
	if !report.Passed {
		return fmt.Errorf("parity check failed: max_abs_diff=%g exceeds tolerance=%g", report.MaxAbsDiff, report.Tolerance)
	}
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := arcnca.New(arcnca.Options{StoreKind: config.StoreMemory, RunsDir: runsDir})
	if err != nil {
		return err
	}
	defer client.Close()

	entries, err := client.Runs(ctx, arcnca.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(stdout, "no runs found")
		return nil
	}
	for _, e := range entries {
		created := e.CreatedAtUTC
		if ts, err := time.Parse(time.RFC3339Nano, e.CreatedAtUTC); err == nil {
			created = humanize.Time(ts)
		}
		fmt.Fprintf(stdout, "run_id=%s created=%q backend=%s seed=%d tasks=%d skipped=%d train_solved=%d test_correct=%d mean_train_accuracy=%.4f\n",
			e.RunID,
			created,
			e.Backend,
			e.Seed,
			e.TaskCount,
			e.SkippedTasks,
			e.TrainSolved,
			e.TestCorrect,
			e.MeanTrainAccuracy,
		)
	}
	return nil
}

func runModel(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("model", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "use the most recent run")
	taskID := fs.String("task", "", "task id (empty lists the run's models)")
	stage := fs.Int("stage", 0, "stage index")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", storage.DefaultDBPath, "sqlite database path")
	jsonOut := fs.Bool("json", false, "emit the model record as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := arcnca.New(arcnca.Options{StoreKind: *storeKind, DBPath: *dbPath, RunsDir: runsDir})
	if err != nil {
		return err
	}
	defer client.Close()

	if *taskID == "" {
		id := *runID
		if *latest {
			entries, err := client.Runs(ctx, arcnca.RunsRequest{Limit: 1})
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return arcnca.ErrNoRuns
			}
			id = entries[0].RunID
		}
		if id == "" {
			return errors.New("model requires --run-id or --latest")
		}
		records, err := client.Models(ctx, id)
		if err != nil {
			return err
		}
		for _, r := range records {
			printModel(r)
		}
		return nil
	}

	record, err := client.Model(ctx, arcnca.ModelRequest{RunID: *runID, Latest: *latest, TaskID: *taskID, Stage: *stage})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(record)
	}
	printModel(record)
	return nil
}

func runFitness(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fitness", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", storage.DefaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return errors.New("fitness requires --run-id")
	}
	client, err := arcnca.New(arcnca.Options{StoreKind: *storeKind, DBPath: *dbPath, RunsDir: runsDir})
	if err != nil {
		return err
	}
	defer client.Close()

	history, err := client.FitnessHistory(ctx, *runID)
	if err != nil {
		return err
	}
	for i, v := range history {
		fmt.Fprintf(stdout, "generation=%d mean_best_fitness=%.6f\n", i+1, v)
	}
	s := stats.Summarize(history)
	fmt.Fprintf(stdout, "initial=%.6f final=%.6f improvement=%.6f\n", s.Initial, s.Final, s.Improvement)
	return nil
}

func runDiagnostics(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("diagnostics", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	limit := fs.Int("limit", 50, "max rows to print (0 = all)")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", storage.DefaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return errors.New("diagnostics requires --run-id")
	}
	client, err := arcnca.New(arcnca.Options{StoreKind: *storeKind, DBPath: *dbPath, RunsDir: runsDir})
	if err != nil {
		return err
	}
	defer client.Close()

	diagnostics, err := client.Diagnostics(ctx, *runID)
	if err != nil {
		return err
	}
	if *limit > 0 && len(diagnostics) > *limit {
		diagnostics = diagnostics[:*limit]
	}
	for _, d := range diagnostics {
		fmt.Fprintf(stdout, "task=%s stage=%d generation=%d best=%.6f mean=%.6f worst=%.6f best_so_far=%.6f sigma=%.4g evals=%s\n",
			d.TaskID, d.Stage, d.Generation, d.BestFitness, d.MeanFitness, d.WorstFitness, d.BestSoFar, d.Sigma, humanize.Comma(int64(d.Evaluations)))
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id to export")
	latest := fs.Bool("latest", false, "export the most recent run")
	outDir := fs.String("out", exportsDir, "output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := arcnca.New(arcnca.Options{StoreKind: config.StoreMemory, RunsDir: runsDir})
	if err != nil {
		return err
	}
	defer client.Close()

	exported, err := client.Export(ctx, arcnca.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "exported run_id=%s dir=%s\n", exported.RunID, exported.Directory)
	return nil
}

func printModel(r model.ModelRecord) {
	fmt.Fprintf(stdout, "id=%s task=%s stage=%d visible=%d hidden=%d rule=%s steps=%d params=%d fitness=%.6f\n",
		r.ID, r.TaskID, r.Stage, r.Visible, r.Hidden, r.Rule, r.Steps, len(r.Params), r.Fitness)
}

// progressLine rewrites a single status line on terminals and prints one
// line per finished task otherwise.
type progressLine struct {
	out      io.Writer
	terminal bool
	tasks    int
}

func newProgressLine(out io.Writer) *progressLine {
	p := &progressLine{out: out}
	if f, ok := out.(*os.File); ok {
		p.terminal = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return p
}

func (p *progressLine) generation(taskID string, d model.GenerationDiagnostics) {
	if !p.terminal {
		return
	}
	fmt.Fprintf(p.out, "\r\033[Ktask=%s ensemble=%d stage=%d gen=%d best=%.6f sigma=%.4g evals=%s",
		taskID, d.Ensemble, d.Stage, d.Generation, d.BestSoFar, d.Sigma, humanize.Comma(int64(d.Evaluations)))
}

func (p *progressLine) taskDone(r stats.TaskReport) {
	p.tasks++
	if p.terminal {
		fmt.Fprint(p.out, "\r\033[K")
	}
	if r.Skipped {
		fmt.Fprintf(p.out, "[%d] task=%s skipped: %s\n", p.tasks, r.TaskID, r.SkipReason)
		return
	}
	fmt.Fprintf(p.out, "[%d] task=%s fitness=%.6f train_solved=%t test_correct=%d evals=%s\n",
		p.tasks, r.TaskID, r.BestFitness, r.TrainSolved, r.TestCorrect, humanize.Comma(int64(r.Evaluations)))
	if n := len(r.EnsembleFitness); n > 1 {
		fmt.Fprintf(p.out, "    ensembles solved=%d/%d\n", r.SolvedEnsembles, n)
	}
}

func splitIDs(raw string) []string {
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		if id := strings.TrimSpace(part); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func parseShapes(raw string) ([][2]int, error) {
	var shapes [][2]int
	for _, part := range splitIDs(raw) {
		h, w, ok := strings.Cut(strings.ToLower(part), "x")
		if !ok {
			return nil, fmt.Errorf("invalid shape %q: want HxW", part)
		}
		height, err := strconv.Atoi(h)
		if err != nil {
			return nil, fmt.Errorf("invalid shape %q: %w", part, err)
		}
		width, err := strconv.Atoi(w)
		if err != nil {
			return nil, fmt.Errorf("invalid shape %q: %w", part, err)
		}
		shapes = append(shapes, [2]int{height, width})
	}
	return shapes, nil
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: arcnca <train|parity|runs|model|fitness|diagnostics|export> [flags]", msg)
}
