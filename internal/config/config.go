// Package config holds the run configuration shared by the CLI and the
// client API, with file overlays in YAML, TOML or JSON.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"arcnca/internal/executor"
	"arcnca/internal/nca"
	"arcnca/internal/storage"
	"arcnca/internal/substrate"
)

var ErrConfig = errors.New("invalid configuration")

const (
	BackendSequential = "sequential"
	BackendParallel   = "parallel"

	StoreMemory = storage.KindMemory
	StoreSQLite = storage.KindSQLite
)

type RunConfig struct {
	RunID string `yaml:"run_id" toml:"run_id" json:"run_id,omitempty"`

	Visible int    `yaml:"visible" toml:"visible" json:"visible"`
	Hidden  int    `yaml:"hidden" toml:"hidden" json:"hidden"`
	Rule    string `yaml:"rule" toml:"rule" json:"rule"`
	Steps   int    `yaml:"steps" toml:"steps" json:"steps"`
	Stages  int    `yaml:"stages" toml:"stages" json:"stages"`

	PopulationSize int     `yaml:"population" toml:"population" json:"population"`
	Mu             int     `yaml:"mu" toml:"mu" json:"mu,omitempty"`
	Subset         int     `yaml:"subset" toml:"subset" json:"subset,omitempty"`
	Sigma0         float64 `yaml:"sigma0" toml:"sigma0" json:"sigma0"`
	InitStd        float64 `yaml:"init_std" toml:"init_std" json:"init_std"`
	Mirrored       bool    `yaml:"mirrored" toml:"mirrored" json:"mirrored"`
	MaxPairs       int     `yaml:"max_pairs" toml:"max_pairs" json:"max_pairs,omitempty"`
	Generations    int     `yaml:"generations" toml:"generations" json:"generations,omitempty"`
	Evaluations    int     `yaml:"evaluations" toml:"evaluations" json:"evaluations"`

	Ensembles       int `yaml:"ensembles" toml:"ensembles" json:"ensembles"`
	TournamentK     int `yaml:"tournament_k" toml:"tournament_k" json:"tournament_k"`
	EnsembleWorkers int `yaml:"ensemble_workers" toml:"ensemble_workers" json:"ensemble_workers,omitempty"`

	L2 float64 `yaml:"l2" toml:"l2" json:"l2"`
	L1 float64 `yaml:"l1" toml:"l1" json:"l1"`

	Seed int64 `yaml:"seed" toml:"seed" json:"seed"`

	Backend           string `yaml:"backend" toml:"backend" json:"backend"`
	Workers           int    `yaml:"workers" toml:"workers" json:"workers,omitempty"`
	Devices           int    `yaml:"devices" toml:"devices" json:"devices,omitempty"`
	ComputeUnits      int    `yaml:"compute_units" toml:"compute_units" json:"compute_units,omitempty"`
	Lanes             int    `yaml:"lanes" toml:"lanes" json:"lanes,omitempty"`
	SharedMemoryBytes int    `yaml:"shared_memory_bytes" toml:"shared_memory_bytes" json:"shared_memory_bytes,omitempty"`
	WeightLayout      string `yaml:"weight_layout" toml:"weight_layout" json:"weight_layout,omitempty"`
	CrossCheck        bool   `yaml:"cross_check" toml:"cross_check" json:"cross_check"`

	TasksPath     string   `yaml:"tasks_path" toml:"tasks_path" json:"tasks_path,omitempty"`
	SolutionsPath string   `yaml:"solutions_path" toml:"solutions_path" json:"solutions_path,omitempty"`
	TaskIDs       []string `yaml:"task_ids" toml:"task_ids" json:"task_ids,omitempty"`
	Limit         int      `yaml:"limit" toml:"limit" json:"limit,omitempty"`

	Store  string `yaml:"store" toml:"store" json:"store"`
	DBPath string `yaml:"db_path" toml:"db_path" json:"db_path,omitempty"`
	OutDir string `yaml:"out_dir" toml:"out_dir" json:"out_dir"`
}

func Default() RunConfig {
	return RunConfig{
		Visible:        4,
		Hidden:         2,
		Rule:           nca.DefaultRule.String(),
		Steps:          40,
		Stages:         1,
		PopulationSize: 100,
		Sigma0:         0.2,
		InitStd:        0.2,
		Evaluations:    20000,
		Ensembles:      1,
		TournamentK:    5,
		L2:             1e-4,
		Backend:        BackendSequential,
		WeightLayout:   nca.ChannelMajor.String(),
		Store:          StoreMemory,
		OutDir:         "runs",
	}
}

// Load overlays the file at path on Default. The format follows the file
// extension; unknown keys are rejected.
func Load(path string) (RunConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return RunConfig{}, fmt.Errorf("decode %s: %w", path, err)
		}
	case ".toml":
		meta, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return RunConfig{}, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return RunConfig{}, fmt.Errorf("decode %s: %w: unknown key %s", path, ErrConfig, undecoded[0])
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return RunConfig{}, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		return RunConfig{}, fmt.Errorf("%w: unsupported config format %q", ErrConfig, ext)
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c RunConfig) Validate() error {
	if _, err := c.Spec(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if _, err := c.Layout(); err != nil {
		return fmt.Errorf("%w: weight_layout: %v", ErrConfig, err)
	}
	switch {
	case c.Steps <= 0:
		return fmt.Errorf("%w: steps must be > 0", ErrConfig)
	case c.Stages <= 0:
		return fmt.Errorf("%w: stages must be > 0", ErrConfig)
	case c.PopulationSize < 0 || c.PopulationSize == 1:
		return fmt.Errorf("%w: population must be 0 (auto) or >= 2", ErrConfig)
	case c.Sigma0 <= 0:
		return fmt.Errorf("%w: sigma0 must be > 0", ErrConfig)
	case c.InitStd < 0:
		return fmt.Errorf("%w: init_std must be >= 0", ErrConfig)
	case c.Generations < 0 || c.Evaluations < 0:
		return fmt.Errorf("%w: budgets must be >= 0", ErrConfig)
	case c.Generations == 0 && c.Evaluations == 0:
		return fmt.Errorf("%w: generations or evaluations budget is required", ErrConfig)
	case c.MaxPairs < 0:
		return fmt.Errorf("%w: max_pairs must be >= 0", ErrConfig)
	case c.Ensembles < 1:
		return fmt.Errorf("%w: ensembles must be >= 1", ErrConfig)
	case c.TournamentK < 1:
		return fmt.Errorf("%w: tournament_k must be >= 1", ErrConfig)
	case c.EnsembleWorkers < 0:
		return fmt.Errorf("%w: ensemble_workers must be >= 0", ErrConfig)
	case c.L2 < 0 || c.L1 < 0:
		return fmt.Errorf("%w: penalty coefficients must be >= 0", ErrConfig)
	case c.Workers < 0 || c.Devices < 0 || c.ComputeUnits < 0 || c.Lanes < 0 || c.SharedMemoryBytes < 0:
		return fmt.Errorf("%w: executor sizes must be >= 0", ErrConfig)
	case c.Limit < 0:
		return fmt.Errorf("%w: limit must be >= 0", ErrConfig)
	}
	switch c.Backend {
	case BackendSequential, BackendParallel:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrConfig, c.Backend)
	}
	switch c.Store {
	case StoreMemory, StoreSQLite:
	default:
		return fmt.Errorf("%w: unknown store %q", ErrConfig, c.Store)
	}
	return nil
}

// Spec returns the automaton shape the config describes.
func (c RunConfig) Spec() (nca.Spec, error) {
	layout, err := substrate.NewLayout(c.Visible, c.Hidden)
	if err != nil {
		return nca.Spec{}, err
	}
	rule, err := nca.ParseRule(c.Rule)
	if err != nil {
		return nca.Spec{}, err
	}
	spec := nca.Spec{Layout: layout, Rule: rule}
	if _, err := spec.Phases(); err != nil {
		return nca.Spec{}, err
	}
	return spec, nil
}

func (c RunConfig) Layout() (nca.WeightLayout, error) {
	var wl nca.WeightLayout
	if c.WeightLayout == "" {
		return nca.ChannelMajor, nil
	}
	err := wl.UnmarshalText([]byte(c.WeightLayout))
	return wl, err
}

// DeviceConfigs expands the parallel backend settings into one config per
// simulated device.
func (c RunConfig) DeviceConfigs() ([]executor.DeviceConfig, error) {
	wl, err := c.Layout()
	if err != nil {
		return nil, err
	}
	n := max(c.Devices, 1)
	out := make([]executor.DeviceConfig, n)
	for i := range out {
		out[i] = executor.DeviceConfig{
			ID:                i,
			ComputeUnits:      c.ComputeUnits,
			Lanes:             c.Lanes,
			SharedMemoryBytes: c.SharedMemoryBytes,
			WeightLayout:      wl,
		}
	}
	return out, nil
}
