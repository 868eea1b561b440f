package stats

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"arcnca/internal/model"
)

const runIndexFile = "run_index.json"

type RunConfig struct {
	RunID          string  `json:"run_id"`
	Backend        string  `json:"backend"`
	Devices        int     `json:"devices,omitempty"`
	WeightLayout   string  `json:"weight_layout,omitempty"`
	Visible        int     `json:"visible"`
	Hidden         int     `json:"hidden"`
	Rule           string  `json:"rule"`
	Steps          int     `json:"steps"`
	Stages         int     `json:"stages"`
	PopulationSize int     `json:"population_size"`
	Subset         int     `json:"subset"`
	Mirrored       bool    `json:"mirrored"`
	MaxPairs       int     `json:"max_pairs,omitempty"`
	Ensembles      int     `json:"ensembles"`
	TournamentK    int     `json:"tournament_k"`
	Sigma0         float64 `json:"sigma0"`
	InitStd        float64 `json:"init_std"`
	L2             float64 `json:"l2"`
	L1             float64 `json:"l1"`
	Generations    int     `json:"generations"`
	Evaluations    int     `json:"evaluations"`
	Seed           int64   `json:"seed"`
	TasksPath      string  `json:"tasks_path,omitempty"`
	SolutionsPath  string  `json:"solutions_path,omitempty"`
}

// TaskHistory is the best-so-far fitness of one stage of one task.
type TaskHistory struct {
	TaskID           string    `json:"task_id"`
	Stage            int       `json:"stage"`
	BestByGeneration []float64 `json:"best_by_generation"`
}

type TaskReport struct {
	TaskID        string    `json:"task_id"`
	Skipped       bool      `json:"skipped,omitempty"`
	SkipReason    string    `json:"skip_reason,omitempty"`
	Stages        int       `json:"stages"`
	BestFitness   float64   `json:"best_fitness"`
	TrainAccuracy []float64 `json:"train_accuracy,omitempty"`
	TrainSolved   bool      `json:"train_solved"`
	TestAccuracy  []float64 `json:"test_accuracy,omitempty"`
	TestCorrect   int       `json:"test_correct"`
	Predictions   [][][]int `json:"predictions,omitempty"`
	Evaluations   int       `json:"evaluations"`
	// EnsembleFitness lists every ensemble's final fitness, best first.
	EnsembleFitness []float64 `json:"ensemble_fitness,omitempty"`
	SolvedEnsembles int       `json:"solved_ensembles"`
}

type RunArtifacts struct {
	Config                RunConfig                     `json:"config"`
	History               []TaskHistory                 `json:"history"`
	GenerationDiagnostics []model.GenerationDiagnostics `json:"generation_diagnostics,omitempty"`
	Models                []model.ModelRecord           `json:"models"`
	TaskReports           []TaskReport                  `json:"task_reports"`
}

type RunIndexEntry struct {
	RunID             string  `json:"run_id"`
	Backend           string  `json:"backend"`
	TaskCount         int     `json:"task_count"`
	SkippedTasks      int     `json:"skipped_tasks"`
	TrainSolved       int     `json:"train_solved"`
	TestCorrect       int     `json:"test_correct"`
	MeanTrainAccuracy float64 `json:"mean_train_accuracy"`
	Seed              int64   `json:"seed"`
	CreatedAtUTC      string  `json:"created_at_utc"`
}

// WriteRunArtifacts writes the run directory: config, fitness history,
// diagnostics, models, task reports and the fitness plot.
func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, "config.json"), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "fitness_history.json"), artifacts.History); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "generation_diagnostics.json"), artifacts.GenerationDiagnostics); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "models.json"), artifacts.Models); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "task_reports.json"), artifacts.TaskReports); err != nil {
		return "", err
	}

	series := make([][]float64, 0, len(artifacts.History))
	for _, h := range artifacts.History {
		series = append(series, h.BestByGeneration)
	}
	if mean := AverageSeries(series); len(mean) > 0 {
		title := fmt.Sprintf("run %s: mean best fitness over %d task stages", artifacts.Config.RunID, len(series))
		if err := PlotFitness(filepath.Join(runDir, "fitness.png"), title, mean); err != nil {
			return "", fmt.Errorf("plot fitness: %w", err)
		}
	}

	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns the index newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, "config.json"), &cfg)
	return cfg, ok, err
}

func ReadModels(baseDir, runID string) ([]model.ModelRecord, bool, error) {
	var models []model.ModelRecord
	ok, err := readJSON(filepath.Join(baseDir, runID, "models.json"), &models)
	return models, ok, err
}

func ReadTaskReports(baseDir, runID string) ([]TaskReport, bool, error) {
	var reports []TaskReport
	ok, err := readJSON(filepath.Join(baseDir, runID, "task_reports.json"), &reports)
	return reports, ok, err
}

func ReadHistory(baseDir, runID string) ([]TaskHistory, bool, error) {
	var history []TaskHistory
	ok, err := readJSON(filepath.Join(baseDir, runID, "fitness_history.json"), &history)
	return history, ok, err
}

func ReadGenerationDiagnostics(baseDir, runID string) ([]model.GenerationDiagnostics, bool, error) {
	var diagnostics []model.GenerationDiagnostics
	ok, err := readJSON(filepath.Join(baseDir, runID, "generation_diagnostics.json"), &diagnostics)
	return diagnostics, ok, err
}

// ExportRunArtifacts copies a run directory under outDir.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if strings.TrimSpace(runID) == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	required := []string{"config.json", "fitness_history.json", "generation_diagnostics.json", "models.json", "task_reports.json"}
	for _, file := range required {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	plotPath := filepath.Join(src, "fitness.png")
	if _, err := os.Stat(plotPath); err == nil {
		if err := copyFile(plotPath, filepath.Join(dst, "fitness.png")); err != nil {
			return "", err
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	return dst, nil
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
