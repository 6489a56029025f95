package models

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// LSTMLayer is a long short-term memory layer with Keras' gate order
// (input, forget, cell, output), sigmoid gates and a configurable cell
// activation. With ReturnSequences unset only the last hidden state is
// emitted.
type LSTMLayer struct {
	In, Units       int
	Activation      Activation
	ReturnSequences bool
	Wx              *Param // [4*Units][In]
	Wh              *Param // [4*Units][Units]
	B               *Param // [4*Units]

	cache []lstmStep
}

// lstmStep is what backpropagation through time needs from one step.
type lstmStep struct {
	x, hPrev, cPrev []float64
	i, f, g, o      []float64
	zc, c           []float64
}

// NewLSTMLayer creates an LSTM with Glorot-uniform kernels, zero biases and a
// forget-gate bias of one.
func NewLSTMLayer(name string, in, units int, act Activation, returnSequences bool, rng *rand.Rand) *LSTMLayer {
	l := &LSTMLayer{
		In:              in,
		Units:           units,
		Activation:      act,
		ReturnSequences: returnSequences,
		Wx:              newParam(name+"/kernel", 4*units*in),
		Wh:              newParam(name+"/recurrent_kernel", 4*units*units),
		B:               newParam(name+"/bias", 4*units),
	}
	l.Wx.glorot(rng, in, 4*units)
	l.Wh.glorot(rng, units, 4*units)
	for j := units; j < 2*units; j++ {
		l.B.Value[j] = 1
	}
	return l
}

func (l *LSTMLayer) Forward(x [][]float64, training bool) [][]float64 {
	u := l.Units
	h := make([]float64, u)
	c := make([]float64, u)
	z := make([]float64, 4*u)
	l.cache = make([]lstmStep, len(x))

	var out [][]float64
	for t, xt := range x {
		for r := 0; r < 4*u; r++ {
			z[r] = l.B.Value[r] +
				floats.Dot(l.Wx.Value[r*l.In:(r+1)*l.In], xt) +
				floats.Dot(l.Wh.Value[r*u:(r+1)*u], h)
		}
		st := lstmStep{
			x:     xt,
			hPrev: h,
			cPrev: c,
			i:     make([]float64, u),
			f:     make([]float64, u),
			g:     make([]float64, u),
			o:     make([]float64, u),
			zc:    make([]float64, u),
			c:     make([]float64, u),
		}
		hNext := make([]float64, u)
		for j := 0; j < u; j++ {
			st.i[j] = sigmoid(z[j])
			st.f[j] = sigmoid(z[u+j])
			st.zc[j] = z[2*u+j]
			st.g[j] = l.Activation.apply(st.zc[j])
			st.o[j] = sigmoid(z[3*u+j])
			st.c[j] = st.f[j]*c[j] + st.i[j]*st.g[j]
			hNext[j] = st.o[j] * l.Activation.apply(st.c[j])
		}
		l.cache[t] = st
		h, c = hNext, st.c
		if l.ReturnSequences {
			out = append(out, h)
		}
	}
	if !l.ReturnSequences {
		out = [][]float64{h}
	}
	return out
}

func (l *LSTMLayer) Backward(grad [][]float64) [][]float64 {
	u := l.Units
	steps := len(l.cache)
	gradIn := newSequence(steps, l.In)
	dhNext := make([]float64, u)
	dcNext := make([]float64, u)
	dz := make([]float64, 4*u)

	for t := steps - 1; t >= 0; t-- {
		st := l.cache[t]
		dh := make([]float64, u)
		copy(dh, dhNext)
		if l.ReturnSequences {
			floats.Add(dh, grad[t])
		} else if t == steps-1 {
			floats.Add(dh, grad[0])
		}

		for j := 0; j < u; j++ {
			actC := l.Activation.apply(st.c[j])
			dc := dh[j]*st.o[j]*l.Activation.deriv(st.c[j]) + dcNext[j]
			dz[j] = dc * st.g[j] * st.i[j] * (1 - st.i[j])
			dz[u+j] = dc * st.cPrev[j] * st.f[j] * (1 - st.f[j])
			dz[2*u+j] = dc * st.i[j] * l.Activation.deriv(st.zc[j])
			dz[3*u+j] = dh[j] * actC * st.o[j] * (1 - st.o[j])
			dcNext[j] = dc * st.f[j]
		}

		for j := range dhNext {
			dhNext[j] = 0
		}
		for r := 0; r < 4*u; r++ {
			if dz[r] == 0 {
				continue
			}
			l.B.Grad[r] += dz[r]
			floats.AddScaled(l.Wx.Grad[r*l.In:(r+1)*l.In], dz[r], st.x)
			floats.AddScaled(l.Wh.Grad[r*u:(r+1)*u], dz[r], st.hPrev)
			floats.AddScaled(gradIn[t], dz[r], l.Wx.Value[r*l.In:(r+1)*l.In])
			floats.AddScaled(dhNext, dz[r], l.Wh.Value[r*u:(r+1)*u])
		}
	}
	return gradIn
}

func (l *LSTMLayer) Params() []*Param { return []*Param{l.Wx, l.Wh, l.B} }

func (l *LSTMLayer) OutputShape(steps, features int) (int, int, error) {
	if features != l.In {
		return 0, 0, fmt.Errorf("lstm expects %d features, got %d", l.In, features)
	}
	if l.ReturnSequences {
		return steps, l.Units, nil
	}
	return 1, l.Units, nil
}
