package model

import "arcnca/internal/grid"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

type Example struct {
	Input  grid.Grid `json:"input"`
	Output grid.Grid `json:"output"`
}

type TestProblem struct {
	Input grid.Grid `json:"input"`
}

type Task struct {
	ID    string        `json:"id"`
	Train []Example     `json:"train"`
	Test  []TestProblem `json:"test"`
}

type Solution struct {
	ID      string      `json:"id"`
	Outputs []grid.Grid `json:"outputs"`
}

// PreservesShape reports whether every train example keeps its grid shape.
func (t Task) PreservesShape() bool {
	for _, ex := range t.Train {
		if ex.Input.Height() != ex.Output.Height() || ex.Input.Width() != ex.Output.Width() {
			return false
		}
	}
	return true
}

// ModelRecord is one trained automaton stage. Params holds the weights block
// followed by the biases block.
type ModelRecord struct {
	VersionedRecord
	ID      string    `json:"id"`
	RunID   string    `json:"run_id"`
	TaskID  string    `json:"task_id"`
	Stage   int       `json:"stage"`
	Visible int       `json:"visible"`
	Hidden  int       `json:"hidden"`
	Rule    string    `json:"rule"`
	Steps   int       `json:"steps"`
	Params  []float32 `json:"params"`
	Fitness float64   `json:"fitness"`
}

type RunRecord struct {
	VersionedRecord
	ID                string  `json:"id"`
	CreatedAtUTC      string  `json:"created_at_utc"`
	Backend           string  `json:"backend"`
	Seed              int64   `json:"seed"`
	TaskCount         int     `json:"task_count"`
	SkippedTasks      int     `json:"skipped_tasks"`
	TrainSolved       int     `json:"train_solved"`
	TestGrids         int     `json:"test_grids"`
	TestCorrect       int     `json:"test_correct"`
	MeanTrainAccuracy float64 `json:"mean_train_accuracy"`
	ElapsedMS         int64   `json:"elapsed_ms"`
}

type GenerationDiagnostics struct {
	TaskID       string  `json:"task_id,omitempty"`
	Ensemble     int     `json:"ensemble"`
	Stage        int     `json:"stage"`
	Generation   int     `json:"generation"`
	BestFitness  float64 `json:"best_fitness"`
	MeanFitness  float64 `json:"mean_fitness"`
	WorstFitness float64 `json:"worst_fitness"`
	BestSoFar    float64 `json:"best_so_far"`
	Sigma        float64 `json:"sigma"`
	Evaluations  int     `json:"evaluations"`
}
