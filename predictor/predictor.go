// Package predictor runs a saved model on one (L, a, b) reading or on every
// row of a table. The model file is loaded again on every call.
package predictor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Noofbiz/cces/datasets"
	"github.com/Noofbiz/cces/models"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoModel      = errors.New("Please select the model file.")
	ErrInvalidInput = errors.New("Please enter valid L, a, b values.")
	ErrNoFiles      = errors.New("Please select both input and output files.")
)

// NoModelError is returned when no model file was given for an
// architecture. It matches ErrNoModel.
type NoModelError struct {
	Arch models.Architecture
}

func (e *NoModelError) Error() string {
	if e.Arch == models.CNN || e.Arch == models.LSTM {
		return fmt.Sprintf("Please select the %s model file.", e.Arch.Label())
	}
	return ErrNoModel.Error()
}

func (e *NoModelError) Is(target error) bool { return target == ErrNoModel }

// SingleOptions is one single-reading request. L, A and B are the raw text
// entered by the user.
type SingleOptions struct {
	Arch      models.Architecture
	ModelPath string
	L, A, B   string
}

// BatchOptions is one batch request. Input may be .xlsx or tab-separated
// Latin-1 text; Output is written as .xlsx or tab-separated text by its
// extension.
type BatchOptions struct {
	Arch      models.Architecture
	ModelPath string
	Input     string
	Output    string
	// Unit labels the prediction column.
	Unit string
}

// BatchResult describes a written predictions table.
type BatchResult struct {
	Output      string
	Predictions []datasets.Prediction
}

// Status is the one-line confirmation shown after a batch run.
func (r *BatchResult) Status() string {
	return "Batch predictions saved to " + r.Output
}

// Display formats a single prediction the way it is shown to the user, e.g.
// "CNN Predicted Concentration: 4.1234 μg/g".
func Display(arch models.Architecture, value float64, unit string) string {
	if unit == "" {
		unit = datasets.DefaultUnit
	}
	return fmt.Sprintf("%s Predicted Concentration: %.4f %s", arch.Label(), value, unit)
}

// ParseTriple parses the three entered coordinates. Any unparsable value is
// ErrInvalidInput.
func ParseTriple(l, a, b string) (datasets.Triple, error) {
	var vals [3]float64
	for i, s := range []string{l, a, b} {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return datasets.Triple{}, ErrInvalidInput
		}
		vals[i] = v
	}
	return datasets.Triple{L: vals[0], A: vals[1], B: vals[2]}, nil
}

// SingleResult is one prediction together with the architecture of the
// model that produced it.
type SingleResult struct {
	Arch  models.Architecture
	Value float64
}

// Display formats the result for the user; see Display.
func (r *SingleResult) Display(unit string) string {
	return Display(r.Arch, r.Value, unit)
}

// Single predicts the concentration for one reading. With Arch set to Auto
// the result carries the architecture read from the model file.
func Single(opts SingleOptions) (*SingleResult, error) {
	if opts.ModelPath == "" {
		return nil, &NoModelError{Arch: opts.Arch}
	}
	t, err := ParseTriple(opts.L, opts.A, opts.B)
	if err != nil {
		return nil, err
	}
	net, err := models.Load(opts.ModelPath, opts.Arch)
	if err != nil {
		return nil, err
	}
	v, err := Predict(net, t)
	if err != nil {
		return nil, err
	}
	log.Info().Str("arch", net.Architecture().Label()).Float64("L", t.L).Float64("a", t.A).Float64("b", t.B).
		Float64("prediction", v).Msg("single prediction")
	return &SingleResult{Arch: net.Architecture(), Value: v}, nil
}

// Predict runs net on one reading shaped as a (1, 1, 3) tensor.
func Predict(net *models.Network, t datasets.Triple) (float64, error) {
	out, err := net.PredictTensor(datasets.InputTensor(t))
	if err != nil {
		return 0, err
	}
	return out[0], nil
}

// Batch predicts every row of opts.Input and writes
// Sample, L, a, b, Predicted Concentration (<unit>) to opts.Output. The L, a,
// b columns are checked once before any row is predicted.
func Batch(opts BatchOptions) (*BatchResult, error) {
	if opts.ModelPath == "" {
		return nil, &NoModelError{Arch: opts.Arch}
	}
	if opts.Input == "" || opts.Output == "" {
		return nil, ErrNoFiles
	}

	table, err := datasets.ReadTable(opts.Input)
	if err != nil {
		return nil, err
	}
	triples, err := datasets.Triples(table)
	if err != nil {
		return nil, err
	}
	net, err := models.Load(opts.ModelPath, opts.Arch)
	if err != nil {
		return nil, err
	}

	preds := make([]datasets.Prediction, len(triples))
	rows := make([][]any, len(triples))
	for i, t := range triples {
		v, err := Predict(net, t)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		preds[i] = datasets.Prediction{Index: i, Triple: t, Value: v}
		rows[i] = []any{i, t.L, t.A, t.B, v}
	}

	header := []string{datasets.ColumnSample, datasets.ColumnL, datasets.ColumnA, datasets.ColumnB, datasets.PredictionColumn(opts.Unit)}
	if err := datasets.WriteTable(opts.Output, header, rows); err != nil {
		return nil, fmt.Errorf("failed to write predictions: %w", err)
	}
	res := &BatchResult{Output: opts.Output, Predictions: preds}
	log.Info().Str("arch", net.Architecture().Label()).Str("input", opts.Input).Int("rows", len(preds)).Msg(res.Status())
	return res, nil
}
