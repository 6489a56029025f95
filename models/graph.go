package models

import (
	"errors"
	"fmt"

	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Batched inference runs the trained weights as a gomlx computation graph on
// the pure Go simplego backend. Values flow as (batch, steps, features) and
// the graph is built in the input tensor's dtype, so float32 inputs are
// evaluated in float32.

type graphLayer interface {
	buildGraph(x *graph.Node) *graph.Node
}

var (
	_ graphLayer = (*Dense)(nil)
	_ graphLayer = (*Conv1D)(nil)
	_ graphLayer = (*Flatten)(nil)
	_ graphLayer = (*Dropout)(nil)
	_ graphLayer = (*LSTMLayer)(nil)
)

// PredictTensor runs inference on a gomlx tensor of shape (batch, steps,
// features) holding float64 or float32 values.
func (n *Network) PredictTensor(t *tensors.Tensor) ([]float64, error) {
	if t == nil {
		return nil, errors.New("nil input tensor")
	}
	dims := t.Shape().Dimensions
	if len(dims) != 3 || dims[1] != n.steps || dims[2] != n.features {
		return nil, fmt.Errorf("input tensor shape %v, model expects (batch, %d, %d)", dims, n.steps, n.features)
	}
	if dims[0] == 0 {
		return []float64{}, nil
	}
	if !t.DType().IsFloat() {
		return nil, fmt.Errorf("unsupported input tensor dtype %s", t.DType())
	}

	exec, err := n.inference()
	if err != nil {
		return nil, err
	}
	out, err := exec.Exec1(t)
	if err != nil {
		return nil, fmt.Errorf("run inference graph: %w", err)
	}
	defer out.FinalizeAll()

	preds := make([]float64, dims[0])
	switch v := out.Value().(type) {
	case [][][]float64:
		for i := range v {
			preds[i] = v[i][0][0]
		}
	case [][][]float32:
		for i := range v {
			preds[i] = float64(v[i][0][0])
		}
	default:
		return nil, fmt.Errorf("unsupported output tensor value %T", v)
	}
	return preds, nil
}

// inference returns the compiled inference graph, building it on first use.
// The weights are baked in as constants.
func (n *Network) inference() (*graph.Exec, error) {
	n.execMu.Lock()
	defer n.execMu.Unlock()
	if n.exec == nil {
		exec, err := graph.NewExec(simplego.GetBackend(), n.buildGraph)
		if err != nil {
			return nil, fmt.Errorf("build inference graph: %w", err)
		}
		n.exec = exec
	}
	return n.exec, nil
}

// resetInference drops the compiled graph once the weights change.
func (n *Network) resetInference() {
	n.execMu.Lock()
	defer n.execMu.Unlock()
	if n.exec != nil {
		n.exec.Finalize()
		n.exec = nil
	}
}

func (n *Network) buildGraph(x *graph.Node) *graph.Node {
	for _, l := range n.layers {
		x = l.(graphLayer).buildGraph(x)
	}
	return x
}

func (a Activation) onGraph(x *graph.Node) *graph.Node {
	if a == ReLU {
		return graph.Max(x, graph.ZerosLike(x))
	}
	return x
}

// weights returns p as a constant matrix of shape (rows, len/rows).
func weights(base *graph.Node, p *Param, rows int) *graph.Node {
	return graph.Reshape(graph.ConstAs(base, p.Value), rows, len(p.Value)/rows)
}

// addBias adds the vector b along the last axis of z.
func addBias(z *graph.Node, b *Param) *graph.Node {
	dims := z.Shape().Dimensions
	lead := make([]int, len(dims))
	for i := range lead {
		lead[i] = 1
	}
	lead[len(lead)-1] = len(b.Value)
	bias := graph.Reshape(graph.ConstAs(z, b.Value), lead...)
	return graph.Add(z, graph.BroadcastToDims(bias, dims...))
}

// step returns x[:, t, :] as (batch, features).
func step(x *graph.Node, t int) *graph.Node {
	dims := x.Shape().Dimensions
	s := graph.Slice(x, graph.AxisRange(), graph.AxisRange(t, t+1), graph.AxisRange())
	return graph.Reshape(s, dims[0], dims[2])
}

// stack joins (batch, features) nodes into (batch, len(parts), features).
func stack(parts []*graph.Node) *graph.Node {
	seq := make([]*graph.Node, len(parts))
	for i, p := range parts {
		dims := p.Shape().Dimensions
		seq[i] = graph.Reshape(p, dims[0], 1, dims[1])
	}
	if len(seq) == 1 {
		return seq[0]
	}
	return graph.Concatenate(seq, 1)
}

func (d *Dense) buildGraph(x *graph.Node) *graph.Node {
	w := weights(x, d.W, d.Out)
	z := graph.DotGeneral(x, []int{2}, nil, w, []int{1}, nil)
	return d.Activation.onGraph(addBias(z, d.B))
}

func (c *Conv1D) buildGraph(x *graph.Node) *graph.Node {
	steps := x.Shape().Dimensions[1]
	w := weights(x, c.W, c.Filters)
	outs := make([]*graph.Node, 0, steps-c.Kernel+1)
	for t := 0; t+c.Kernel <= steps; t++ {
		parts := make([]*graph.Node, c.Kernel)
		for k := range parts {
			parts[k] = step(x, t+k)
		}
		window := parts[0]
		if len(parts) > 1 {
			window = graph.Concatenate(parts, 1)
		}
		z := graph.DotGeneral(window, []int{1}, nil, w, []int{1}, nil)
		outs = append(outs, c.Activation.onGraph(addBias(z, c.B)))
	}
	return stack(outs)
}

func (l *Flatten) buildGraph(x *graph.Node) *graph.Node {
	dims := x.Shape().Dimensions
	return graph.Reshape(x, dims[0], 1, dims[1]*dims[2])
}

func (l *Dropout) buildGraph(x *graph.Node) *graph.Node { return x }

func (l *LSTMLayer) buildGraph(x *graph.Node) *graph.Node {
	u := l.Units
	steps := x.Shape().Dimensions[1]
	wx := weights(x, l.Wx, 4*u)
	wh := weights(x, l.Wh, 4*u)
	gate := func(z *graph.Node, k int) *graph.Node {
		return graph.Slice(z, graph.AxisRange(), graph.AxisRange(k*u, (k+1)*u))
	}

	var h, c *graph.Node
	var seq []*graph.Node
	for t := 0; t < steps; t++ {
		z := graph.DotGeneral(step(x, t), []int{1}, nil, wx, []int{1}, nil)
		if h != nil {
			z = graph.Add(z, graph.DotGeneral(h, []int{1}, nil, wh, []int{1}, nil))
		}
		z = addBias(z, l.B)
		i := graph.Sigmoid(gate(z, 0))
		f := graph.Sigmoid(gate(z, 1))
		g := l.Activation.onGraph(gate(z, 2))
		o := graph.Sigmoid(gate(z, 3))
		// h and c start at zero, so the forget term vanishes on the first step.
		if c == nil {
			c = graph.Mul(i, g)
		} else {
			c = graph.Add(graph.Mul(f, c), graph.Mul(i, g))
		}
		h = graph.Mul(o, l.Activation.onGraph(c))
		if l.ReturnSequences {
			seq = append(seq, h)
		}
	}
	if !l.ReturnSequences {
		seq = []*graph.Node{h}
	}
	return stack(seq)
}
