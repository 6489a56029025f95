package models

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// A sequence is laid out as [step][feature]. Every layer caches what it needs
// from the last Forward call so Backward can run right after it; examples are
// processed one at a time and gradients accumulate in Param.Grad until the
// optimizer step.

// Param is a trainable tensor stored flat, row-major.
type Param struct {
	Name  string
	Value []float64
	Grad  []float64
}

func newParam(name string, size int) *Param {
	return &Param{Name: name, Value: make([]float64, size), Grad: make([]float64, size)}
}

// glorot fills p with Glorot/Xavier uniform values.
func (p *Param) glorot(rng *rand.Rand, fanIn, fanOut int) {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range p.Value {
		p.Value[i] = (rng.Float64()*2.0 - 1.0) * limit
	}
}

func (p *Param) zeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Layer is one stage of a sequential network.
type Layer interface {
	// Forward maps an input sequence to an output sequence.
	Forward(x [][]float64, training bool) [][]float64
	// Backward takes dLoss/dOutput for the last Forward call, accumulates
	// parameter gradients and returns dLoss/dInput.
	Backward(grad [][]float64) [][]float64
	Params() []*Param
	// OutputShape maps (steps, features) of the input to those of the output.
	OutputShape(steps, features int) (int, int, error)
}

// Activation is an elementwise nonlinearity.
type Activation string

const (
	Linear Activation = "linear"
	ReLU   Activation = "relu"
)

func (a Activation) apply(v float64) float64 {
	if a == ReLU && v < 0 {
		return 0
	}
	return v
}

// deriv is evaluated on the pre-activation value.
func (a Activation) deriv(pre float64) float64 {
	if a == ReLU {
		if pre > 0 {
			return 1
		}
		return 0
	}
	return 1
}

func sigmoid(v float64) float64 {
	return 1.0 / (1.0 + math.Exp(-v))
}

func newSequence(steps, features int) [][]float64 {
	s := make([][]float64, steps)
	for i := range s {
		s[i] = make([]float64, features)
	}
	return s
}

// Dense is a fully connected layer applied to every step independently.
type Dense struct {
	In, Out    int
	Activation Activation
	W          *Param // [Out][In]
	B          *Param // [Out]

	x   [][]float64
	pre [][]float64
}

// NewDense creates a dense layer with Glorot-uniform kernel and zero bias.
func NewDense(name string, in, out int, act Activation, rng *rand.Rand) *Dense {
	d := &Dense{
		In:         in,
		Out:        out,
		Activation: act,
		W:          newParam(name+"/kernel", out*in),
		B:          newParam(name+"/bias", out),
	}
	d.W.glorot(rng, in, out)
	return d
}

func (d *Dense) Forward(x [][]float64, training bool) [][]float64 {
	d.x = x
	d.pre = newSequence(len(x), d.Out)
	out := newSequence(len(x), d.Out)
	for t, xt := range x {
		for j := 0; j < d.Out; j++ {
			v := floats.Dot(d.W.Value[j*d.In:(j+1)*d.In], xt) + d.B.Value[j]
			d.pre[t][j] = v
			out[t][j] = d.Activation.apply(v)
		}
	}
	return out
}

func (d *Dense) Backward(grad [][]float64) [][]float64 {
	gradIn := newSequence(len(d.x), d.In)
	for t, xt := range d.x {
		for j := 0; j < d.Out; j++ {
			dz := grad[t][j] * d.Activation.deriv(d.pre[t][j])
			if dz == 0 {
				continue
			}
			d.B.Grad[j] += dz
			floats.AddScaled(d.W.Grad[j*d.In:(j+1)*d.In], dz, xt)
			floats.AddScaled(gradIn[t], dz, d.W.Value[j*d.In:(j+1)*d.In])
		}
	}
	return gradIn
}

func (d *Dense) Params() []*Param { return []*Param{d.W, d.B} }

func (d *Dense) OutputShape(steps, features int) (int, int, error) {
	if features != d.In {
		return 0, 0, fmt.Errorf("dense expects %d features, got %d", d.In, features)
	}
	return steps, d.Out, nil
}

// Conv1D is a 1-D convolution over the step axis with valid padding and
// stride 1.
type Conv1D struct {
	Channels, Filters, Kernel int
	Activation                Activation
	W                         *Param // [Filters][Kernel*Channels]
	B                         *Param // [Filters]

	windows [][]float64
	pre     [][]float64
	steps   int
}

// NewConv1D creates a convolution with Glorot-uniform kernel and zero bias.
func NewConv1D(name string, channels, filters, kernel int, act Activation, rng *rand.Rand) *Conv1D {
	c := &Conv1D{
		Channels:   channels,
		Filters:    filters,
		Kernel:     kernel,
		Activation: act,
		W:          newParam(name+"/kernel", filters*kernel*channels),
		B:          newParam(name+"/bias", filters),
	}
	c.W.glorot(rng, kernel*channels, kernel*filters)
	return c
}

func (c *Conv1D) Forward(x [][]float64, training bool) [][]float64 {
	c.steps = len(x)
	outSteps := len(x) - c.Kernel + 1
	width := c.Kernel * c.Channels
	c.windows = make([][]float64, outSteps)
	c.pre = newSequence(outSteps, c.Filters)
	out := newSequence(outSteps, c.Filters)
	for t := 0; t < outSteps; t++ {
		window := make([]float64, 0, width)
		for k := 0; k < c.Kernel; k++ {
			window = append(window, x[t+k]...)
		}
		c.windows[t] = window
		for f := 0; f < c.Filters; f++ {
			v := floats.Dot(c.W.Value[f*width:(f+1)*width], window) + c.B.Value[f]
			c.pre[t][f] = v
			out[t][f] = c.Activation.apply(v)
		}
	}
	return out
}

func (c *Conv1D) Backward(grad [][]float64) [][]float64 {
	width := c.Kernel * c.Channels
	gradIn := newSequence(c.steps, c.Channels)
	dWindow := make([]float64, width)
	for t, window := range c.windows {
		for i := range dWindow {
			dWindow[i] = 0
		}
		for f := 0; f < c.Filters; f++ {
			dz := grad[t][f] * c.Activation.deriv(c.pre[t][f])
			if dz == 0 {
				continue
			}
			c.B.Grad[f] += dz
			floats.AddScaled(c.W.Grad[f*width:(f+1)*width], dz, window)
			floats.AddScaled(dWindow, dz, c.W.Value[f*width:(f+1)*width])
		}
		for k := 0; k < c.Kernel; k++ {
			floats.Add(gradIn[t+k], dWindow[k*c.Channels:(k+1)*c.Channels])
		}
	}
	return gradIn
}

func (c *Conv1D) Params() []*Param { return []*Param{c.W, c.B} }

func (c *Conv1D) OutputShape(steps, features int) (int, int, error) {
	if features != c.Channels {
		return 0, 0, fmt.Errorf("conv1d expects %d channels, got %d", c.Channels, features)
	}
	if steps < c.Kernel {
		return 0, 0, fmt.Errorf("conv1d kernel size %d exceeds sequence length %d", c.Kernel, steps)
	}
	return steps - c.Kernel + 1, c.Filters, nil
}

// Flatten folds all steps into a single step.
type Flatten struct {
	steps, features int
}

func (l *Flatten) Forward(x [][]float64, training bool) [][]float64 {
	l.steps = len(x)
	l.features = 0
	if len(x) > 0 {
		l.features = len(x[0])
	}
	flat := make([]float64, 0, l.steps*l.features)
	for _, xt := range x {
		flat = append(flat, xt...)
	}
	return [][]float64{flat}
}

func (l *Flatten) Backward(grad [][]float64) [][]float64 {
	gradIn := newSequence(l.steps, l.features)
	for t := range gradIn {
		copy(gradIn[t], grad[0][t*l.features:(t+1)*l.features])
	}
	return gradIn
}

func (l *Flatten) Params() []*Param { return nil }

func (l *Flatten) OutputShape(steps, features int) (int, int, error) {
	return 1, steps * features, nil
}

// Dropout zeroes a fraction Rate of its inputs while training and scales the
// rest by 1/(1-Rate). It is the identity at inference time.
type Dropout struct {
	Rate float64

	rng  *rand.Rand
	mask [][]float64
}

// NewDropout creates a dropout layer drawing masks from rng.
func NewDropout(rate float64, rng *rand.Rand) *Dropout {
	return &Dropout{Rate: rate, rng: rng}
}

func (l *Dropout) Forward(x [][]float64, training bool) [][]float64 {
	if !training || l.Rate <= 0 {
		l.mask = nil
		return x
	}
	scale := 1.0 / (1.0 - l.Rate)
	l.mask = newSequence(len(x), len(x[0]))
	out := newSequence(len(x), len(x[0]))
	for t, xt := range x {
		for i, v := range xt {
			if l.rng.Float64() >= l.Rate {
				l.mask[t][i] = scale
				out[t][i] = v * scale
			}
		}
	}
	return out
}

func (l *Dropout) Backward(grad [][]float64) [][]float64 {
	if l.mask == nil {
		return grad
	}
	gradIn := newSequence(len(grad), len(grad[0]))
	for t := range grad {
		for i := range grad[t] {
			gradIn[t][i] = grad[t][i] * l.mask[t][i]
		}
	}
	return gradIn
}

func (l *Dropout) Params() []*Param { return nil }

func (l *Dropout) OutputShape(steps, features int) (int, int, error) {
	return steps, features, nil
}
