package stats

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// AverageSeries averages ragged series element-wise. Position i averages
// every series long enough to have it.
func AverageSeries(lists [][]float64) []float64 {
	longest := 0
	for _, list := range lists {
		longest = max(longest, len(list))
	}
	out := make([]float64, 0, longest)
	values := make([]float64, 0, len(lists))
	for i := 0; i < longest; i++ {
		values = values[:0]
		for _, list := range lists {
			if i < len(list) {
				values = append(values, list[i])
			}
		}
		out = append(out, stat.Mean(values, nil))
	}
	return out
}

// SeriesSummary describes one fitness series.
type SeriesSummary struct {
	Initial     float64 `json:"initial"`
	Final       float64 `json:"final"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Mean        float64 `json:"mean"`
	Std         float64 `json:"std"`
	Improvement float64 `json:"improvement"`
}

func Summarize(series []float64) SeriesSummary {
	if len(series) == 0 {
		return SeriesSummary{}
	}
	mean, std := stat.MeanStdDev(series, nil)
	if len(series) == 1 {
		std = 0
	}
	return SeriesSummary{
		Initial:     series[0],
		Final:       series[len(series)-1],
		Min:         floats.Min(series),
		Max:         floats.Max(series),
		Mean:        mean,
		Std:         std,
		Improvement: series[0] - series[len(series)-1],
	}
}

// PlotFitness renders a best-fitness-per-generation curve as a PNG.
func PlotFitness(path, title string, best []float64) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Generation"
	p.Y.Label.Text = "Fitness"

	pts := make(plotter.XYs, len(best))
	for i, v := range best {
		pts[i].X = float64(i + 1)
		pts[i].Y = v
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	p.Add(line, plotter.NewGrid())
	p.Legend.Add("best", line)
	p.Legend.Top = true

	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}
