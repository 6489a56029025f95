// Package models implements the two carotenoid regression networks (a 1-D
// convolutional stack and a stacked LSTM), their training loop and their
// on-disk artifact. Both map a (steps=1, features=3) sequence to a scalar.
package models

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/Noofbiz/cces/config"
	"github.com/gomlx/gomlx/pkg/core/graph"
)

// Dataset is the minimal interface this package requires from a labeled
// data set. datasets.LabeledDataset satisfies it.
type Dataset interface {
	Len() int
	// Batch returns inputs shaped [n][steps][features] and their targets.
	Batch(indices []int) ([][][]float64, []float64, error)
}

// Network is a sequential regression network.
type Network struct {
	arch     Architecture
	steps    int
	features int
	seed     int64

	cnn  *config.CNN
	lstm *config.LSTM

	layers []Layer

	execMu sync.Mutex
	exec   *graph.Exec
}

// NewCNN builds Conv1D(filters, kernel, relu) -> Flatten -> Dense(units,
// relu) -> Dense(1) for inputs of shape (steps, features).
func NewCNN(cfg config.CNN, steps, features int, seed int64) (*Network, error) {
	rng := rand.New(rand.NewSource(seed))
	conv := NewConv1D("conv1d", features, cfg.Filters, cfg.KernelSize, ReLU, rng)
	outSteps := steps - cfg.KernelSize + 1
	if outSteps < 1 {
		return nil, fmt.Errorf("conv1d kernel size %d exceeds sequence length %d", cfg.KernelSize, steps)
	}
	n := &Network{
		arch:     CNN,
		steps:    steps,
		features: features,
		seed:     seed,
		cnn:      &cfg,
		layers: []Layer{
			conv,
			&Flatten{},
			NewDense("dense", outSteps*cfg.Filters, cfg.DenseUnits, ReLU, rng),
			NewDense("dense_1", cfg.DenseUnits, 1, Linear, rng),
		},
	}
	return n, n.checkShapes()
}

// NewLSTM builds LSTM(units, relu, sequences) -> Dropout -> LSTM(units, relu)
// -> Dropout -> Dense(dense, relu) -> Dropout -> Dense(1).
func NewLSTM(cfg config.LSTM, steps, features int, seed int64) (*Network, error) {
	if len(cfg.Dropout) != 3 {
		return nil, fmt.Errorf("lstm needs 3 dropout rates, got %d", len(cfg.Dropout))
	}
	rng := rand.New(rand.NewSource(seed))
	n := &Network{
		arch:     LSTM,
		steps:    steps,
		features: features,
		seed:     seed,
		lstm:     &cfg,
		layers: []Layer{
			NewLSTMLayer("lstm", features, cfg.Units, ReLU, true, rng),
			NewDropout(cfg.Dropout[0], rng),
			NewLSTMLayer("lstm_1", cfg.Units, cfg.Units, ReLU, false, rng),
			NewDropout(cfg.Dropout[1], rng),
			NewDense("dense", cfg.Units, cfg.DenseUnits, ReLU, rng),
			NewDropout(cfg.Dropout[2], rng),
			NewDense("dense_1", cfg.DenseUnits, 1, Linear, rng),
		},
	}
	return n, n.checkShapes()
}

// New builds the network for arch from the training configuration.
func New(arch Architecture, cfg config.Training, steps, features int) (*Network, error) {
	switch arch {
	case CNN:
		return NewCNN(cfg.CNN, steps, features, cfg.Seed)
	case LSTM:
		return NewLSTM(cfg.LSTM, steps, features, cfg.Seed)
	default:
		return nil, fmt.Errorf("cannot build model for architecture %q", arch)
	}
}

func (n *Network) checkShapes() error {
	steps, features := n.steps, n.features
	for i, l := range n.layers {
		var err error
		steps, features, err = l.OutputShape(steps, features)
		if err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
	}
	if steps != 1 || features != 1 {
		return fmt.Errorf("network output is (%d, %d), want a scalar", steps, features)
	}
	return nil
}

// Architecture returns the network's architecture tag.
func (n *Network) Architecture() Architecture { return n.arch }

// InputShape returns (steps, features) of one example.
func (n *Network) InputShape() (int, int) { return n.steps, n.features }

// Params returns every trainable parameter in layer order.
func (n *Network) Params() []*Param {
	var ps []*Param
	for _, l := range n.layers {
		ps = append(ps, l.Params()...)
	}
	return ps
}

// Hyper returns the training hyperparameters stored with the network.
func (n *Network) Hyper() (epochs, batchSize int, lr float64) {
	if n.cnn != nil {
		return n.cnn.Epochs, n.cnn.BatchSize, n.cnn.LearningRate
	}
	return n.lstm.Epochs, n.lstm.BatchSize, n.lstm.LearningRate
}

func (n *Network) forward(x [][]float64, training bool) [][]float64 {
	for _, l := range n.layers {
		x = l.Forward(x, training)
	}
	return x
}

func (n *Network) backward(grad [][]float64) {
	for i := len(n.layers) - 1; i >= 0; i-- {
		grad = n.layers[i].Backward(grad)
	}
}

func (n *Network) checkInput(x [][]float64) error {
	if len(x) != n.steps {
		return fmt.Errorf("input has %d steps, model expects %d", len(x), n.steps)
	}
	for _, xt := range x {
		if len(xt) != n.features {
			return fmt.Errorf("input has %d features, model expects %d", len(xt), n.features)
		}
	}
	return nil
}

// Predict runs inference on one example shaped [steps][features].
func (n *Network) Predict(x [][]float64) (float64, error) {
	if err := n.checkInput(x); err != nil {
		return 0, err
	}
	return n.forward(x, false)[0][0], nil
}

// PredictBatch runs Predict on every example.
func (n *Network) PredictBatch(xs [][][]float64) ([]float64, error) {
	out := make([]float64, len(xs))
	for i, x := range xs {
		v, err := n.Predict(x)
		if err != nil {
			return nil, fmt.Errorf("example %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// FitOptions controls one training run.
type FitOptions struct {
	Epochs    int
	BatchSize int
	// Shuffle reorders the examples at the start of every epoch.
	Shuffle bool
	// Seed drives the shuffle order.
	Seed int64
	// OnEpoch, if set, is called after every epoch with its mean loss.
	OnEpoch func(epoch int, loss float64)
}

// History records the mean training loss of every epoch.
type History struct {
	Loss     []float64
	Duration time.Duration
}

// FinalLoss is the loss of the last epoch, or NaN when nothing ran.
func (h *History) FinalLoss() float64 {
	if h == nil || len(h.Loss) == 0 {
		return math.NaN()
	}
	return h.Loss[len(h.Loss)-1]
}

// ErrDiverged is returned when the training loss stops being finite.
var ErrDiverged = errors.New("training diverged")

// Fit trains the network with mean squared error and Adam. The context is
// checked between epochs.
func (n *Network) Fit(ctx context.Context, ds Dataset, opts FitOptions) (*History, error) {
	if ds == nil {
		return nil, errors.New("dataset is nil")
	}
	size := ds.Len()
	if size == 0 {
		return nil, errors.New("dataset has no examples")
	}
	epochs, batchSize, lr := n.Hyper()
	if opts.Epochs > 0 {
		epochs = opts.Epochs
	}
	if opts.BatchSize > 0 {
		batchSize = opts.BatchSize
	}

	n.resetInference()
	optimizer := NewAdam(lr)
	params := n.Params()
	indices := make([]int, size)
	for i := range indices {
		indices[i] = i
	}

	shuffler := rand.New(rand.NewSource(opts.Seed))

	start := time.Now()
	hist := &History{Loss: make([]float64, 0, epochs)}
	for ep := 0; ep < epochs; ep++ {
		if err := ctx.Err(); err != nil {
			return hist, err
		}
		if opts.Shuffle {
			shuffler.Shuffle(len(indices), func(i, j int) {
				indices[i], indices[j] = indices[j], indices[i]
			})
		}

		var sumSq float64
		for bstart := 0; bstart < size; bstart += batchSize {
			bend := min(bstart+batchSize, size)
			inputs, targets, err := ds.Batch(indices[bstart:bend])
			if err != nil {
				return hist, err
			}
			for _, p := range params {
				p.zeroGrad()
			}
			for i, x := range inputs {
				if err := n.checkInput(x); err != nil {
					return hist, err
				}
				pred := n.forward(x, true)[0][0]
				diff := pred - targets[i]
				sumSq += diff * diff
				n.backward([][]float64{{2 * diff}})
			}
			optimizer.Step(params, 1.0/float64(len(inputs)))
		}

		loss := sumSq / float64(size)
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return hist, fmt.Errorf("%w: loss is %v at epoch %d", ErrDiverged, loss, ep+1)
		}
		hist.Loss = append(hist.Loss, loss)
		if opts.OnEpoch != nil {
			opts.OnEpoch(ep+1, loss)
		}
	}
	hist.Duration = time.Since(start)
	return hist, nil
}
