// Package trainer fits a CNN or LSTM regression model to a labeled
// spreadsheet and saves it into a model folder.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/Noofbiz/cces/config"
	"github.com/Noofbiz/cces/datasets"
	"github.com/Noofbiz/cces/models"
	"github.com/Noofbiz/cces/plots"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoInput     = errors.New("Please select an input file before training.")
	ErrNoOutputDir = errors.New("Please select a folder to save the models.")
	ErrEmptyData   = errors.New("the input file has no data rows")
)

// Options is one training request.
type Options struct {
	Input     string
	OutputDir string
	Arch      models.Architecture
	Config    config.Training
	// Unit selects the target column Carotenoid_Content_<Unit>.
	Unit string
	// LossPlot also writes <arch>_loss.png next to the model.
	LossPlot bool
}

// Result describes a saved model.
type Result struct {
	Arch           models.Architecture
	ModelPath      string
	DescriptorPath string
	LossPlotPath   string
	History        *models.History
}

// Status is the one-line confirmation shown after a successful run.
func (r *Result) Status() string {
	return fmt.Sprintf("%s model saved as %s", r.Arch.Label(), r.ModelPath)
}

// TrainingError wraps any failure after the preconditions passed.
type TrainingError struct {
	Arch models.Architecture
	Err  error
}

func (e *TrainingError) Error() string {
	return fmt.Sprintf("Error while training %s model: %v", e.Arch.Label(), e.Err)
}

func (e *TrainingError) Unwrap() error { return e.Err }

// Run trains opts.Arch on opts.Input and writes the model into opts.OutputDir,
// replacing any model of the same architecture there.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Input == "" {
		return nil, ErrNoInput
	}
	if opts.OutputDir == "" {
		return nil, ErrNoOutputDir
	}
	switch opts.Arch {
	case models.CNN, models.LSTM:
	default:
		return nil, fmt.Errorf("cannot train architecture %q", opts.Arch)
	}

	res, err := run(ctx, opts)
	if err != nil {
		return nil, &TrainingError{Arch: opts.Arch, Err: err}
	}
	return res, nil
}

func run(ctx context.Context, opts Options) (*Result, error) {
	ds, err := datasets.LoadLabeledDataset(opts.Input, datasets.TargetColumn(opts.Unit))
	if err != nil {
		return nil, err
	}
	if ds.Len() == 0 {
		return nil, ErrEmptyData
	}

	net, err := models.New(opts.Arch, opts.Config, datasets.Steps, datasets.Features)
	if err != nil {
		return nil, err
	}
	epochs, batch, lr := net.Hyper()
	log.Info().Str("arch", opts.Arch.Label()).Str("input", opts.Input).Int("examples", ds.Len()).
		Int("epochs", epochs).Int("batch_size", batch).Float64("learning_rate", lr).Msg("training started")

	hist, err := net.Fit(ctx, ds, models.FitOptions{
		Shuffle: opts.Config.Shuffle,
		Seed:    opts.Config.Seed,
		OnEpoch: func(epoch int, loss float64) {
			log.Debug().Str("arch", opts.Arch.Label()).Int("epoch", epoch).Int("epochs", epochs).Float64("loss", loss).Msg("epoch done")
		},
	})
	if err != nil {
		return nil, err
	}

	modelPath, descPath, err := net.Save(opts.OutputDir, models.Metadata{Unit: opts.Unit, History: hist})
	if err != nil {
		return nil, err
	}
	res := &Result{
		Arch:           opts.Arch,
		ModelPath:      modelPath,
		DescriptorPath: descPath,
		History:        hist,
	}

	if opts.LossPlot {
		res.LossPlotPath = filepath.Join(opts.OutputDir, string(opts.Arch)+"_loss.png")
		if err := plots.LossCurve(res.LossPlotPath, opts.Arch.Label()+" training loss", hist.Loss); err != nil {
			// the model is already saved
			log.Warn().Err(err).Str("path", res.LossPlotPath).Msg("failed to write loss plot")
			res.LossPlotPath = ""
		}
	}

	log.Info().Str("arch", opts.Arch.Label()).Float64("final_loss", hist.FinalLoss()).
		Dur("elapsed", hist.Duration).Msg(res.Status())
	return res, nil
}

// RunAll trains every architecture in models.Architectures with the same
// input and folder. A failure of one does not prevent the other; all errors
// are joined.
func RunAll(ctx context.Context, opts Options) ([]*Result, error) {
	var (
		results []*Result
		errs    []error
	)
	for _, arch := range models.Architectures {
		o := opts
		o.Arch = arch
		res, err := Run(ctx, o)
		if err != nil {
			if errors.Is(err, ErrNoInput) || errors.Is(err, ErrNoOutputDir) {
				return nil, err
			}
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}
