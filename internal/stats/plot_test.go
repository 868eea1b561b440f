package stats

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestAverageSeriesRagged(t *testing.T) {
	got := AverageSeries([][]float64{{1, 2, 3}, {3, 4}, {}})
	want := []float64{2, 3, 3}
	if len(got) != len(want) {
		t.Fatalf("unexpected length %d", len(got))
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Fatalf("position %d: got %f want %f", i, got[i], want[i])
		}
	}
	if out := AverageSeries(nil); len(out) != 0 {
		t.Fatalf("expected empty average, got %v", out)
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize([]float64{0.9, 0.5, 0.1})
	if s.Initial != 0.9 || s.Final != 0.1 || s.Min != 0.1 || s.Max != 0.9 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if math.Abs(s.Improvement-0.8) > 1e-12 || math.Abs(s.Mean-0.5) > 1e-12 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if one := Summarize([]float64{2}); one.Std != 0 || one.Mean != 2 {
		t.Fatalf("unexpected single summary: %+v", one)
	}
	if empty := Summarize(nil); empty != (SeriesSummary{}) {
		t.Fatalf("expected zero summary, got %+v", empty)
	}
}

func TestPlotFitnessWritesPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fitness.png")
	if err := PlotFitness(path, "test", []float64{1, 0.5, 0.25}); err != nil {
		t.Fatalf("plot: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat plot: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("expected non-empty plot")
	}
}
