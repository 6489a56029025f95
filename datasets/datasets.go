package datasets

import "github.com/gomlx/gomlx/pkg/core/tensors"

// This package loads the colorimetric tables used by the sampler, trainer and
// predictor and presents them as examples suitable for model training.
//
// Layout and intended usage:
//
// Table
//   - Raw header + string cells of a spreadsheet (.xlsx, first sheet) or a
//     tab-separated text file (Latin-1).
//   - Column presence is checked with MissingColumns before any value is read.
//
// LabeledDataset
//   - Inputs per example: L, a, b reshaped to a length-1 sequence, [1][3].
//   - Label per example: carotenoid content (scalar).
//
// Both the trainer and the predictor reshape (L, a, b) identically so the
// models see a (batch, 1, 3) input either way.

// Fixed column names of the labeled spreadsheets.
const (
	ColumnL      = "L"
	ColumnA      = "a"
	ColumnB      = "b"
	ColumnSample = "Sample"

	// TargetPrefix is followed by the unit, e.g. "Carotenoid_Content_μg/g".
	TargetPrefix = "Carotenoid_Content_"

	// DefaultUnit is the concentration unit of the target column.
	DefaultUnit = "μg/g"

	// Steps and Features describe the reshaped model input: a sequence of
	// one step carrying the three colour coordinates.
	Steps    = 1
	Features = 3
)

// PredictorColumns are the three colour coordinates, in model input order.
var PredictorColumns = []string{ColumnL, ColumnA, ColumnB}

// TargetColumn returns the name of the concentration column for unit.
func TargetColumn(unit string) string {
	if unit == "" {
		unit = DefaultUnit
	}
	return TargetPrefix + unit
}

// PredictionColumn returns the header of the predicted value in results tables.
func PredictionColumn(unit string) string {
	if unit == "" {
		unit = DefaultUnit
	}
	return "Predicted Concentration (" + unit + ")"
}

// Triple is one (L, a, b) reading.
type Triple struct {
	L, A, B float64
}

// Sequence returns the triple reshaped as a single-step model input.
func (t Triple) Sequence() [][]float64 {
	return [][]float64{{t.L, t.A, t.B}}
}

// Record is one labeled row of a source spreadsheet. Its identity is the row
// position in the file.
type Record struct {
	Triple
	Target float64
}

// Prediction is one row of a batch prediction result.
type Prediction struct {
	Index int
	Triple
	Value float64
}

// Dataset is the interface the labeled data set implements to interact with
// the training loops and the gomlx tensor helpers.
type Dataset interface {
	Len() int
	Example(i int) (inputs [][]float64, target float64, err error)
	Batch(indices []int) (inputs [][][]float64, targets []float64, err error)
	Tensors(indices []int) (inputs *tensors.Tensor, targets *tensors.Tensor, err error)
}
