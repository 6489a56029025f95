package datasets

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Records extracts every row of table as a labeled record. The predictor and
// target columns are validated before any value is parsed.
func Records(table *Table, targetColumn string) ([]Record, error) {
	required := append(append([]string{}, PredictorColumns...), targetColumn)
	if err := table.Require(required...); err != nil {
		return nil, err
	}

	records := make([]Record, table.Len())
	for i := range records {
		t, err := tripleAt(table, i)
		if err != nil {
			return nil, err
		}
		y, err := table.Float(i, targetColumn)
		if err != nil {
			return nil, err
		}
		records[i] = Record{Triple: t, Target: y}
	}
	return records, nil
}

// Triples extracts the (L, a, b) columns of every row. Columns are checked
// once up front so a malformed file fails before any row is used.
func Triples(table *Table) ([]Triple, error) {
	if err := table.Require(PredictorColumns...); err != nil {
		return nil, err
	}
	out := make([]Triple, table.Len())
	for i := range out {
		t, err := tripleAt(table, i)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

func tripleAt(table *Table, row int) (Triple, error) {
	var vals [Features]float64
	for j, col := range PredictorColumns {
		v, err := table.Float(row, col)
		if err != nil {
			return Triple{}, err
		}
		vals[j] = v
	}
	return Triple{L: vals[0], A: vals[1], B: vals[2]}, nil
}

// LabeledDataset holds labeled examples in memory, with the predictors already
// reshaped to (1, 3) sequences.
type LabeledDataset struct {
	inputs  [][][]float64
	targets []float64
}

// NewLabeledDataset reshapes records into model inputs and targets.
func NewLabeledDataset(records []Record) *LabeledDataset {
	ds := &LabeledDataset{
		inputs:  make([][][]float64, len(records)),
		targets: make([]float64, len(records)),
	}
	for i, r := range records {
		ds.inputs[i] = r.Sequence()
		ds.targets[i] = r.Target
	}
	return ds
}

// LoadLabeledDataset reads a labeled spreadsheet into a LabeledDataset.
func LoadLabeledDataset(path, targetColumn string) (*LabeledDataset, error) {
	table, err := ReadSpreadsheet(path)
	if err != nil {
		return nil, err
	}
	records, err := Records(table, targetColumn)
	if err != nil {
		return nil, err
	}
	return NewLabeledDataset(records), nil
}

// Len returns the number of examples.
func (d *LabeledDataset) Len() int {
	return len(d.targets)
}

// Example returns the reshaped input and the target at idx.
func (d *LabeledDataset) Example(idx int) ([][]float64, float64, error) {
	if idx < 0 || idx >= len(d.targets) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.targets))
	}
	return d.inputs[idx], d.targets[idx], nil
}

// Batch returns the examples at indices, in order.
func (d *LabeledDataset) Batch(indices []int) ([][][]float64, []float64, error) {
	inputs := make([][][]float64, len(indices))
	targets := make([]float64, len(indices))
	for i, idx := range indices {
		in, y, err := d.Example(idx)
		if err != nil {
			return nil, nil, err
		}
		inputs[i] = in
		targets[i] = y
	}
	return inputs, targets, nil
}

// Targets returns a copy of all targets.
func (d *LabeledDataset) Targets() []float64 {
	out := make([]float64, len(d.targets))
	copy(out, d.targets)
	return out
}

// Tensors reads a batch of examples and returns them as gomlx tensors of
// shapes (n, 1, 3) and (n, 1).
func (d *LabeledDataset) Tensors(indices []int) (*tensors.Tensor, *tensors.Tensor, error) {
	if len(indices) == 0 {
		return nil, nil, fmt.Errorf("empty batch")
	}
	inputs, targets, err := d.Batch(indices)
	if err != nil {
		return nil, nil, err
	}
	labels := make([][]float64, len(targets))
	for i, y := range targets {
		labels[i] = []float64{y}
	}
	return tensors.FromAnyValue(inputs), tensors.FromAnyValue(labels), nil
}

// InputTensor builds the (1, 1, 3) inference input for one reading.
func InputTensor(t Triple) *tensors.Tensor {
	return tensors.FromAnyValue([][][]float64{t.Sequence()})
}
