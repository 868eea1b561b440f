package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"arcnca/internal/nca"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	spec, err := cfg.Spec()
	if err != nil {
		t.Fatalf("spec: %v", err)
	}
	if spec.ParamCount() != 306 {
		t.Fatalf("expected 306 params, got %d", spec.ParamCount())
	}
	if spec.Rule != nca.TwoPhase {
		t.Fatalf("expected two-phase default rule, got %s", spec.Rule)
	}
}

func TestLoadYAMLOverlaysDefaults(t *testing.T) {
	path := writeFile(t, "run.yaml", "hidden: 3\nsteps: 12\nbackend: parallel\ndevices: 2\ntask_ids: [a, b]\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.Hidden != 3 || cfg.Steps != 12 || cfg.Backend != BackendParallel || len(cfg.TaskIDs) != 2 {
		t.Fatalf("unexpected overlay: %+v", cfg)
	}
	if cfg.Visible != 4 || cfg.PopulationSize != 100 || cfg.Evaluations != 20000 || cfg.Ensembles != 1 || cfg.TournamentK != 5 {
		t.Fatalf("defaults not kept: %+v", cfg)
	}
	devices, err := cfg.DeviceConfigs()
	if err != nil {
		t.Fatalf("device configs: %v", err)
	}
	if len(devices) != 2 || devices[1].ID != 1 {
		t.Fatalf("unexpected devices: %+v", devices)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "run.toml", "rule = \"residual\"\nsigma0 = 0.5\nseed = 9\nweight_layout = \"transposed\"\nensembles = 8\ntournament_k = 3\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	if cfg.Rule != "residual" || cfg.Sigma0 != 0.5 || cfg.Seed != 9 || cfg.Ensembles != 8 || cfg.TournamentK != 3 {
		t.Fatalf("unexpected overlay: %+v", cfg)
	}
	wl, err := cfg.Layout()
	if err != nil || wl != nca.Transposed {
		t.Fatalf("unexpected weight layout %v err=%v", wl, err)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "run.json", `{"population": 16, "l1": 0.01, "store": "sqlite"}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if cfg.PopulationSize != 16 || cfg.L1 != 0.01 || cfg.Store != StoreSQLite {
		t.Fatalf("unexpected overlay: %+v", cfg)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	for name, body := range map[string]string{
		"run.yaml": "popsize: 3\n",
		"run.toml": "popsize = 3\n",
		"run.json": `{"popsize": 3}`,
	} {
		if _, err := Load(writeFile(t, name, body)); err == nil {
			t.Fatalf("%s: expected unknown key error", name)
		}
	}
	if _, err := Load(writeFile(t, "run.ini", "x=1")); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for unsupported format, got %v", err)
	}
}

func TestValidateReportsFirstBadField(t *testing.T) {
	cases := map[string]func(*RunConfig){
		"visible":    func(c *RunConfig) { c.Visible = 0 },
		"rule":       func(c *RunConfig) { c.Rule = "bogus" },
		"steps":      func(c *RunConfig) { c.Steps = 0 },
		"sigma":      func(c *RunConfig) { c.Sigma0 = 0 },
		"budget":     func(c *RunConfig) { c.Evaluations = 0; c.Generations = 0 },
		"backend":    func(c *RunConfig) { c.Backend = "gpu" },
		"store":      func(c *RunConfig) { c.Store = "postgres" },
		"layout":     func(c *RunConfig) { c.WeightLayout = "diagonal" },
		"penalty":    func(c *RunConfig) { c.L2 = -1 },
		"workers":    func(c *RunConfig) { c.Workers = -1 },
		"pop-size":   func(c *RunConfig) { c.PopulationSize = 1 },
		"ensembles":  func(c *RunConfig) { c.Ensembles = 0 },
		"tournament": func(c *RunConfig) { c.TournamentK = 0 },
		"max-pairs":  func(c *RunConfig) { c.MaxPairs = -1 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrConfig) {
			t.Fatalf("%s: expected ErrConfig, got %v", name, err)
		}
	}
}
