// Package evaluate scores a saved model against a labeled spreadsheet.
package evaluate

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"

	"github.com/Noofbiz/cces/datasets"
	"github.com/Noofbiz/cces/models"
	"github.com/Noofbiz/cces/monte"
	"github.com/Noofbiz/cces/plots"
	"github.com/Noofbiz/cces/predictor"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Options is one evaluation request.
type Options struct {
	Arch      models.Architecture
	ModelPath string
	Input     string
	Unit      string
	// CSV, if set, receives one row per example.
	CSV string
	// Plot, if set, receives a predicted-vs-measured scatter.
	Plot string

	// Reference, if set, is a labeled spreadsheet used by the nearest
	// neighbour baseline. When it is the input itself every row is scored
	// leave-one-out.
	Reference string
	// BaselineK and BaselineSims default to DefaultBaselineK and
	// DefaultBaselineSims.
	BaselineK    int
	BaselineSims int
	Seed         int64
}

// Baseline defaults.
const (
	DefaultBaselineK    = 5
	DefaultBaselineSims = 50
)

// Report holds the model's metrics and, when a reference was given, those of
// the nearest neighbour baseline over the same rows.
type Report struct {
	Model    Metrics
	Baseline *Metrics
}

func (r *Report) String() string {
	s := r.Model.String()
	if r.Baseline != nil {
		s += "\nbaseline " + r.Baseline.String()
	}
	return s
}

// Metrics summarizes prediction error over N examples.
type Metrics struct {
	N    int
	MSE  float64
	RMSE float64
	MAE  float64
	R2   float64
}

func (m Metrics) String() string {
	return fmt.Sprintf("n=%d mse=%.6f rmse=%.6f mae=%.6f r2=%.4f", m.N, m.MSE, m.RMSE, m.MAE, m.R2)
}

// Score computes the metrics of predicted against measured.
func Score(measured, predicted []float64) (Metrics, error) {
	if len(measured) != len(predicted) {
		return Metrics{}, fmt.Errorf("%d measured vs %d predicted values", len(measured), len(predicted))
	}
	n := len(measured)
	if n == 0 {
		return Metrics{}, errors.New("nothing to score")
	}
	rmse := floats.Distance(predicted, measured, 2) / math.Sqrt(float64(n))
	return Metrics{
		N:    n,
		MSE:  rmse * rmse,
		RMSE: rmse,
		MAE:  floats.Distance(predicted, measured, 1) / float64(n),
		R2:   stat.RSquaredFrom(predicted, measured, nil),
	}, nil
}

// Run loads the model, predicts every row of the input and scores the result.
func Run(opts Options) (*Report, error) {
	if opts.ModelPath == "" {
		return nil, &predictor.NoModelError{Arch: opts.Arch}
	}
	if opts.Input == "" {
		return nil, datasets.ErrNoInput
	}
	table, err := datasets.ReadSpreadsheet(opts.Input)
	if err != nil {
		return nil, err
	}
	records, err := datasets.Records(table, datasets.TargetColumn(opts.Unit))
	if err != nil {
		return nil, err
	}
	net, err := models.Load(opts.ModelPath, opts.Arch)
	if err != nil {
		return nil, err
	}

	// every row goes through the inference graph in one batch
	ds := datasets.NewLabeledDataset(records)
	all := make([]int, ds.Len())
	for i := range all {
		all[i] = i
	}
	inputs, _, err := ds.Tensors(all)
	if err != nil {
		return nil, err
	}
	predicted, err := net.PredictTensor(inputs)
	if err != nil {
		return nil, err
	}
	measured := ds.Targets()
	m, err := Score(measured, predicted)
	if err != nil {
		return nil, err
	}
	report := &Report{Model: m}

	if opts.CSV != "" {
		err := datasets.WriteFileAtomic(opts.CSV, func(w io.Writer) error {
			return writeCSV(w, records, predicted)
		})
		if err != nil {
			return report, fmt.Errorf("failed to write evaluation csv: %w", err)
		}
	}
	if opts.Plot != "" {
		title := net.Architecture().Label() + " predicted vs measured"
		if err := plots.Parity(opts.Plot, title, measured, predicted); err != nil {
			return report, err
		}
	}

	if opts.Reference != "" {
		bm, err := baseline(opts, records, measured)
		if err != nil {
			return report, fmt.Errorf("baseline: %w", err)
		}
		report.Baseline = &bm
		log.Info().Str("reference", opts.Reference).Float64("rmse", bm.RMSE).Float64("r2", bm.R2).Msg("baseline done")
	}

	log.Info().Str("arch", net.Architecture().Label()).Int("n", m.N).Float64("rmse", m.RMSE).
		Float64("mae", m.MAE).Float64("r2", m.R2).Msg("evaluation done")
	return report, nil
}

// baseline scores the nearest neighbour Monte Carlo estimate of every row.
func baseline(opts Options, records []datasets.Record, measured []float64) (Metrics, error) {
	k, sims := opts.BaselineK, opts.BaselineSims
	if k <= 0 {
		k = DefaultBaselineK
	}
	if sims <= 0 {
		sims = DefaultBaselineSims
	}
	ref, err := datasets.LoadLabeledDataset(opts.Reference, datasets.TargetColumn(opts.Unit))
	if err != nil {
		return Metrics{}, err
	}
	sim, err := monte.NewMonte(ref, k, opts.Seed)
	if err != nil {
		return Metrics{}, err
	}
	leaveOneOut := filepath.Clean(opts.Reference) == filepath.Clean(opts.Input)

	estimates := make([]float64, len(records))
	for i, r := range records {
		var exclude []int
		if leaveOneOut {
			exclude = []int{i}
		}
		est, err := sim.Predict(r.Sequence(), sims, exclude...)
		if err != nil {
			return Metrics{}, fmt.Errorf("row %d: %w", i, err)
		}
		estimates[i] = est.Mean
	}
	return Score(measured, estimates)
}

func writeCSV(w io.Writer, records []datasets.Record, predicted []float64) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"idx", "L", "a", "b", "measured", "predicted", "error"}); err != nil {
		return err
	}
	for i, r := range records {
		row := []string{
			strconv.Itoa(i),
			datasets.FormatFloat(r.L),
			datasets.FormatFloat(r.A),
			datasets.FormatFloat(r.B),
			datasets.FormatFloat(r.Target),
			datasets.FormatFloat(predicted[i]),
			datasets.FormatFloat(predicted[i] - r.Target),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
