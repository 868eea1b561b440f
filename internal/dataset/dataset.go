// Package dataset loads ARC tasks and solutions from the published JSON files.
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"arcnca/internal/grid"
	"arcnca/internal/model"
)

var ErrTaskNotFound = errors.New("task not found")

type rawExample struct {
	Input  grid.Grid `json:"input"`
	Output grid.Grid `json:"output"`
}

type rawTest struct {
	Input grid.Grid `json:"input"`
}

type rawTask struct {
	Train []rawExample `json:"train"`
	Test  []rawTest    `json:"test"`
}

// Dataset holds tasks sorted by id and, when loaded, their test solutions.
type Dataset struct {
	Tasks     []model.Task
	Solutions []model.Solution
}

// New builds a dataset from in-memory tasks and solutions.
func New(tasks []model.Task, solutions []model.Solution) *Dataset {
	ds := &Dataset{
		Tasks:     append([]model.Task(nil), tasks...),
		Solutions: append([]model.Solution(nil), solutions...),
	}
	sortTasks(ds.Tasks)
	sortSolutions(ds.Solutions)
	return ds
}

// Load reads a challenges file and an optional solutions file. An empty
// solutionsPath loads tasks only.
func Load(tasksPath, solutionsPath string) (*Dataset, error) {
	f, err := os.Open(tasksPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tasks, err := ParseTasks(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", tasksPath, err)
	}

	ds := &Dataset{Tasks: tasks}
	if solutionsPath == "" {
		return ds, nil
	}
	sf, err := os.Open(solutionsPath)
	if err != nil {
		return nil, err
	}
	defer sf.Close()
	solutions, err := ParseSolutions(sf)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", solutionsPath, err)
	}
	ds.Solutions = solutions
	return ds, nil
}

// LoadDir reads one task per .json file; the file stem is the task id.
func LoadDir(dir string) (*Dataset, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	tasks := make([]model.Task, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		var raw rawTask
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", entry.Name(), err)
		}
		tasks = append(tasks, raw.task(strings.TrimSuffix(entry.Name(), ".json")))
	}
	sortTasks(tasks)
	return &Dataset{Tasks: tasks}, nil
}

// ParseTasks decodes a challenges document: an object keyed by task id.
func ParseTasks(r io.Reader) ([]model.Task, error) {
	var byID map[string]rawTask
	if err := json.NewDecoder(r).Decode(&byID); err != nil {
		return nil, err
	}
	tasks := make([]model.Task, 0, len(byID))
	for id, raw := range byID {
		tasks = append(tasks, raw.task(id))
	}
	sortTasks(tasks)
	return tasks, nil
}

// ParseSolutions decodes a solutions document: task id to test output grids.
func ParseSolutions(r io.Reader) ([]model.Solution, error) {
	var byID map[string][]grid.Grid
	if err := json.NewDecoder(r).Decode(&byID); err != nil {
		return nil, err
	}
	solutions := make([]model.Solution, 0, len(byID))
	for id, outputs := range byID {
		solutions = append(solutions, model.Solution{ID: id, Outputs: outputs})
	}
	sortSolutions(solutions)
	return solutions, nil
}

func (r rawTask) task(id string) model.Task {
	t := model.Task{ID: id}
	for _, ex := range r.Train {
		t.Train = append(t.Train, model.Example{Input: ex.Input, Output: ex.Output})
	}
	for _, p := range r.Test {
		t.Test = append(t.Test, model.TestProblem{Input: p.Input})
	}
	return t
}

func sortTasks(tasks []model.Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
}

func sortSolutions(solutions []model.Solution) {
	sort.Slice(solutions, func(i, j int) bool { return solutions[i].ID < solutions[j].ID })
}

func (d *Dataset) Task(id string) (model.Task, error) {
	i := sort.Search(len(d.Tasks), func(i int) bool { return d.Tasks[i].ID >= id })
	if i < len(d.Tasks) && d.Tasks[i].ID == id {
		return d.Tasks[i], nil
	}
	return model.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

func (d *Dataset) Solution(id string) (model.Solution, bool) {
	i := sort.Search(len(d.Solutions), func(i int) bool { return d.Solutions[i].ID >= id })
	if i < len(d.Solutions) && d.Solutions[i].ID == id {
		return d.Solutions[i], true
	}
	return model.Solution{}, false
}

// Select returns the tasks with the given ids in the order given, or all
// tasks when ids is empty. Limit caps the result when > 0.
func (d *Dataset) Select(ids []string, limit int) ([]model.Task, error) {
	var out []model.Task
	if len(ids) == 0 {
		out = append(out, d.Tasks...)
	} else {
		for _, id := range ids {
			t, err := d.Task(id)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
