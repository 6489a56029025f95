// Package plots renders training and evaluation charts as PNG files.
package plots

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// LossCurve writes the per-epoch training loss as a line chart.
func LossCurve(path, title string, loss []float64) error {
	if len(loss) == 0 {
		return fmt.Errorf("no loss values to plot")
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "mean squared error"

	xys := make(plotter.XYs, len(loss))
	for i, v := range loss {
		xys[i] = plotter.XY{X: float64(i + 1), Y: v}
	}
	line, err := plotter.NewLine(xys)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{R: 20, G: 80, B: 200, A: 255}
	line.Width = vg.Points(1.2)
	p.Add(plotter.NewGrid(), line)
	p.Legend.Add("training loss", line)

	xmin, xmax, ymin, ymax := autoRange(xys)
	p.X.Min, p.X.Max = xmin, xmax
	p.Y.Min, p.Y.Max = math.Max(0, ymin), ymax
	return save(p, path)
}

// Parity writes a predicted-vs-measured scatter with the y = x reference line.
func Parity(path, title string, measured, predicted []float64) error {
	if len(measured) != len(predicted) {
		return fmt.Errorf("parity plot: %d measured vs %d predicted values", len(measured), len(predicted))
	}
	if len(measured) == 0 {
		return fmt.Errorf("no points to plot")
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "measured"
	p.Y.Label.Text = "predicted"

	xys := make(plotter.XYs, len(measured))
	for i := range measured {
		xys[i] = plotter.XY{X: measured[i], Y: predicted[i]}
	}
	sc, err := plotter.NewScatter(xys)
	if err != nil {
		return err
	}
	sc.GlyphStyle.Color = color.RGBA{R: 20, G: 80, B: 200, A: 220}
	sc.GlyphStyle.Radius = vg.Points(2.4)

	// square axes so the identity line is the diagonal
	xmin, xmax, ymin, ymax := autoRange(xys)
	lo, hi := math.Min(xmin, ymin), math.Max(xmax, ymax)
	ref, err := plotter.NewLine(plotter.XYs{{X: lo, Y: lo}, {X: hi, Y: hi}})
	if err != nil {
		return err
	}
	ref.Color = color.RGBA{R: 120, G: 120, B: 120, A: 180}
	ref.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}

	p.Add(plotter.NewGrid(), ref, sc)
	p.Legend.Add("samples", sc)
	p.Legend.Add("y = x", ref)
	p.X.Min, p.X.Max = lo, hi
	p.Y.Min, p.Y.Max = lo, hi
	return save(p, path)
}

func save(p *plot.Plot, path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	if err := p.Save(8*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save plot %s: %w", path, err)
	}
	return nil
}

// autoRange computes padded min/max for X and Y for a set of points.
func autoRange(xs plotter.XYs) (xmin, xmax, ymin, ymax float64) {
	if len(xs) == 0 {
		return -1, 1, -1, 1
	}
	xmin, xmax = math.Inf(1), math.Inf(-1)
	ymin, ymax = math.Inf(1), math.Inf(-1)
	for _, p := range xs {
		xmin, xmax = math.Min(xmin, p.X), math.Max(xmax, p.X)
		ymin, ymax = math.Min(ymin, p.Y), math.Max(ymax, p.Y)
	}
	padx := (xmax - xmin) * 0.06
	pady := (ymax - ymin) * 0.06
	if padx == 0 {
		padx = 1.0
	}
	if pady == 0 {
		pady = 1.0
	}
	return xmin - padx, xmax + padx, ymin - pady, ymax + pady
}
