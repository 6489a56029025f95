package models

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/Noofbiz/cces/config"
	"github.com/Noofbiz/cces/datasets"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceDataset serves fixed inputs and targets.
type sliceDataset struct {
	inputs  [][][]float64
	targets []float64
}

func (d *sliceDataset) Len() int { return len(d.inputs) }

func (d *sliceDataset) Batch(indices []int) ([][][]float64, []float64, error) {
	in := make([][][]float64, len(indices))
	out := make([]float64, len(indices))
	for i, idx := range indices {
		in[i] = d.inputs[idx]
		out[i] = d.targets[idx]
	}
	return in, out, nil
}

// linearDataset synthesizes y = 0.5L + 0.2a - 0.1b + 1 on small inputs.
func linearDataset(n int, seed int64) *sliceDataset {
	rng := rand.New(rand.NewSource(seed))
	ds := &sliceDataset{}
	for i := 0; i < n; i++ {
		l, a, b := rng.Float64()*2, rng.Float64()*2-1, rng.Float64()*2-1
		ds.inputs = append(ds.inputs, [][]float64{{l, a, b}})
		ds.targets = append(ds.targets, 0.5*l+0.2*a-0.1*b+1)
	}
	return ds
}

func smallCNN() config.CNN {
	return config.CNN{Epochs: 5, BatchSize: 4, LearningRate: 0.01, Filters: 4, KernelSize: 1, DenseUnits: 6}
}

func smallLSTM() config.LSTM {
	return config.LSTM{Epochs: 5, BatchSize: 4, LearningRate: 0.01, Units: 4, DenseUnits: 5, Dropout: []float64{0, 0, 0}}
}

func lossOf(n *Network, x [][]float64, y float64) float64 {
	d := n.forward(x, true)[0][0] - y
	return d * d
}

// checkGradients compares backpropagated gradients against central
// differences of the squared error on one example.
func checkGradients(t *testing.T, n *Network, x [][]float64, y float64) {
	t.Helper()
	for _, p := range n.Params() {
		p.zeroGrad()
	}
	pred := n.forward(x, true)[0][0]
	n.backward([][]float64{{2 * (pred - y)}})

	const eps = 1e-6
	for _, p := range n.Params() {
		for i := range p.Value {
			orig := p.Value[i]
			p.Value[i] = orig + eps
			up := lossOf(n, x, y)
			p.Value[i] = orig - eps
			down := lossOf(n, x, y)
			p.Value[i] = orig
			numeric := (up - down) / (2 * eps)
			assert.InDelta(t, numeric, p.Grad[i], 1e-4*math.Max(1, math.Abs(numeric)), "%s[%d]", p.Name, i)
		}
	}
}

func TestCNN_Gradients(t *testing.T) {
	cfg := smallCNN()
	cfg.KernelSize = 2
	n, err := NewCNN(cfg, 3, 3, 7)
	require.NoError(t, err)
	x := [][]float64{{0.3, -0.2, 0.5}, {0.1, 0.4, -0.3}, {-0.6, 0.2, 0.8}}
	checkGradients(t, n, x, 0.7)
}

func TestLSTM_Gradients(t *testing.T) {
	n, err := NewLSTM(smallLSTM(), 2, 3, 11)
	require.NoError(t, err)
	x := [][]float64{{0.3, -0.2, 0.5}, {0.1, 0.4, -0.3}}
	checkGradients(t, n, x, 0.4)
}

func TestNetworks_Shapes(t *testing.T) {
	def := config.Default().Training
	for _, arch := range Architectures {
		n, err := New(arch, def, datasets.Steps, datasets.Features)
		require.NoError(t, err, arch)
		assert.Equal(t, arch, n.Architecture())
		v, err := n.Predict([][]float64{{60, 10, 30}})
		require.NoError(t, err)
		assert.False(t, math.IsNaN(v))

		_, err = n.Predict([][]float64{{60, 10}})
		assert.Error(t, err)
	}

	cfg := def.CNN
	cfg.KernelSize = 2
	_, err := NewCNN(cfg, 1, 3, 1)
	assert.Error(t, err, "kernel longer than the sequence")

	_, err = New(Auto, def, 1, 3)
	assert.Error(t, err)
}

func TestFit_ReducesLoss(t *testing.T) {
	ds := linearDataset(40, 3)
	for _, build := range []func() (*Network, error){
		func() (*Network, error) {
			c := smallCNN()
			c.Epochs = 40
			return NewCNN(c, 1, 3, 42)
		},
		func() (*Network, error) {
			c := smallLSTM()
			c.Epochs = 40
			return NewLSTM(c, 1, 3, 42)
		},
	} {
		n, err := build()
		require.NoError(t, err)
		var epochs int
		hist, err := n.Fit(context.Background(), ds, FitOptions{
			Shuffle: true,
			Seed:    5,
			OnEpoch: func(int, float64) { epochs++ },
		})
		require.NoError(t, err)
		require.Len(t, hist.Loss, 40)
		assert.Equal(t, 40, epochs)
		assert.Less(t, hist.FinalLoss(), hist.Loss[0], "%s loss did not decrease", n.Architecture())
	}
}

func TestFit_Deterministic(t *testing.T) {
	ds := linearDataset(12, 9)
	run := func() float64 {
		n, err := NewLSTM(smallLSTM(), 1, 3, 42)
		require.NoError(t, err)
		_, err = n.Fit(context.Background(), ds, FitOptions{Shuffle: true})
		require.NoError(t, err)
		v, err := n.Predict([][]float64{{1, 0.5, -0.5}})
		require.NoError(t, err)
		return v
	}
	assert.Equal(t, run(), run())
}

func TestFit_SeedControlsShuffle(t *testing.T) {
	ds := linearDataset(12, 9)
	run := func(seed int64) float64 {
		n, err := NewCNN(smallCNN(), 1, 3, 42)
		require.NoError(t, err)
		_, err = n.Fit(context.Background(), ds, FitOptions{Shuffle: true, Seed: seed})
		require.NoError(t, err)
		v, err := n.Predict([][]float64{{1, 0.5, -0.5}})
		require.NoError(t, err)
		return v
	}
	assert.Equal(t, run(0), run(0))
	assert.NotEqual(t, run(0), run(7))
}

func TestFit_Errors(t *testing.T) {
	n, err := NewCNN(smallCNN(), 1, 3, 1)
	require.NoError(t, err)

	_, err = n.Fit(context.Background(), &sliceDataset{}, FitOptions{})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	hist, err := n.Fit(ctx, linearDataset(4, 1), FitOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, hist.Loss)

	huge := &sliceDataset{inputs: [][][]float64{{{math.Inf(1), 0, 0}}}, targets: []float64{1}}
	_, err = n.Fit(context.Background(), huge, FitOptions{Epochs: 1})
	assert.ErrorIs(t, err, ErrDiverged)
}

func TestPredictTensor(t *testing.T) {
	n, err := NewCNN(smallCNN(), 1, 3, 1)
	require.NoError(t, err)
	tr := datasets.Triple{L: 55, A: 12, B: 31}
	want, err := n.Predict(tr.Sequence())
	require.NoError(t, err)

	got, err := n.PredictTensor(datasets.InputTensor(tr))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, want, got[0], 1e-9)

	_, err = n.PredictTensor(nil)
	assert.Error(t, err)
	_, err = n.PredictTensor(tensors.FromAnyValue([][][]float64{{{1, 2}}}))
	assert.Error(t, err, "wrong feature count")
	_, err = n.PredictTensor(tensors.FromAnyValue([][][]int32{{{1, 2, 3}}}))
	assert.Error(t, err, "integer input")
}

// randomBatch draws n sequences of the given shape.
func randomBatch(n, steps, features int, seed int64) [][][]float64 {
	rng := rand.New(rand.NewSource(seed))
	xs := make([][][]float64, n)
	for i := range xs {
		xs[i] = newSequence(steps, features)
		for s := range xs[i] {
			for f := range xs[i][s] {
				xs[i][s][f] = rng.Float64()*4 - 2
			}
		}
	}
	return xs
}

// TestPredictTensor_MatchesForward checks the gomlx graph against the Go
// forward pass over several steps, for both architectures.
func TestPredictTensor_MatchesForward(t *testing.T) {
	cnnCfg := smallCNN()
	cnnCfg.KernelSize = 2
	cnn, err := NewCNN(cnnCfg, 3, 3, 5)
	require.NoError(t, err)
	lstmCfg := smallLSTM()
	lstm, err := NewLSTM(lstmCfg, 3, 3, 6)
	require.NoError(t, err)

	for _, n := range []*Network{cnn, lstm} {
		t.Run(n.Architecture().Label(), func(t *testing.T) {
			xs := randomBatch(5, 3, 3, 11)
			want, err := n.PredictBatch(xs)
			require.NoError(t, err)

			got, err := n.PredictTensor(tensors.FromAnyValue(xs))
			require.NoError(t, err)
			require.Len(t, got, len(want))
			for i := range want {
				assert.InDelta(t, want[i], got[i], 1e-9, "example %d", i)
			}

			xs32 := make([][][]float32, len(xs))
			for i, x := range xs {
				xs32[i] = make([][]float32, len(x))
				for s := range x {
					xs32[i][s] = []float32{float32(x[s][0]), float32(x[s][1]), float32(x[s][2])}
				}
			}
			got32, err := n.PredictTensor(tensors.FromAnyValue(xs32))
			require.NoError(t, err)
			for i := range want {
				assert.InDelta(t, want[i], got32[i], 1e-3, "float32 example %d", i)
			}
		})
	}
}

func TestPredictTensor_AfterFit(t *testing.T) {
	n, err := NewCNN(smallCNN(), 1, 3, 3)
	require.NoError(t, err)
	x := tensors.FromAnyValue([][][]float64{{{1, 0.5, -0.5}}})
	before, err := n.PredictTensor(x)
	require.NoError(t, err)

	_, err = n.Fit(context.Background(), linearDataset(8, 4), FitOptions{Epochs: 3})
	require.NoError(t, err)
	want, err := n.Predict([][]float64{{1, 0.5, -0.5}})
	require.NoError(t, err)
	after, err := n.PredictTensor(x)
	require.NoError(t, err)
	assert.InDelta(t, want, after[0], 1e-9)
	assert.NotEqual(t, before[0], after[0], "stale weights in the inference graph")
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	ds := linearDataset(8, 2)
	x := [][]float64{{1.2, -0.3, 0.4}}

	for _, arch := range Architectures {
		var n *Network
		var err error
		if arch == CNN {
			n, err = NewCNN(smallCNN(), 1, 3, 42)
		} else {
			n, err = NewLSTM(smallLSTM(), 1, 3, 42)
		}
		require.NoError(t, err)
		hist, err := n.Fit(context.Background(), ds, FitOptions{Epochs: 2})
		require.NoError(t, err)

		modelPath, descPath, err := n.Save(dir, Metadata{History: hist})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, arch.ModelFile()), modelPath)
		assert.Equal(t, DescriptorPath(modelPath), descPath)

		desc, err := ReadDescriptor(descPath)
		require.NoError(t, err)
		assert.Equal(t, arch, desc.Architecture)
		assert.Equal(t, []int{1, 3}, desc.InputShape)
		assert.Equal(t, datasets.DefaultUnit, desc.Unit)
		assert.Equal(t, "Carotenoid_Content_μg/g", desc.TargetColumn)
		require.NotNil(t, desc.FinalLoss)
		assert.Equal(t, hist.FinalLoss(), *desc.FinalLoss)

		want, err := n.Predict(x)
		require.NoError(t, err)
		for _, req := range []Architecture{Auto, arch} {
			loaded, err := Load(modelPath, req)
			require.NoError(t, err)
			assert.Equal(t, arch, loaded.Architecture())
			got, err := loaded.Predict(x)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}

		other := LSTM
		if arch == LSTM {
			other = CNN
		}
		_, err = Load(modelPath, other)
		assert.True(t, errors.Is(err, ErrArchitectureMismatch))
	}

	// Without a sidecar the tag inside the model file decides.
	require.NoError(t, os.Remove(filepath.Join(dir, LSTM.DescriptorFile())))
	n, err := Load(filepath.Join(dir, LSTM.ModelFile()), Auto)
	require.NoError(t, err)
	assert.Equal(t, LSTM, n.Architecture())
}

func TestLoad_BadFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.bin"), Auto)
	assert.ErrorIs(t, err, os.ErrNotExist)

	junk := filepath.Join(dir, "junk.bin")
	require.NoError(t, os.WriteFile(junk, []byte("not a model"), 0644))
	_, err = Load(junk, CNN)
	assert.Error(t, err)

	_, err = Load(junk, Architecture("gru"))
	assert.Error(t, err)
}

func TestParseArchitecture(t *testing.T) {
	for in, want := range map[string]Architecture{"cnn": CNN, "LSTM": LSTM, " Auto ": Auto, "": Auto} {
		got, err := ParseArchitecture(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseArchitecture("gru")
	assert.Error(t, err)
	assert.Equal(t, "cnn_model.bin", CNN.ModelFile())
	assert.Equal(t, "lstm_model.json", LSTM.DescriptorFile())
	assert.Equal(t, "LSTM", LSTM.Label())
}
