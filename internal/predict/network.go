package predict

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// ErrShapeMismatch is returned for a network whose parameters do not match
// its declared layer sizes.
var ErrShapeMismatch = errors.New("predict: network shape mismatch")

// Layer is one fully connected layer in its stored form. W is indexed
// [out][in].
type Layer struct {
	W [][]float64 `json:"w"`
	B []float64   `json:"b"`
}

// Network is a feed-forward regression network with ReLU hidden layers and a
// linear output layer.
type Network struct {
	Sizes  []int   `json:"sizes"`
	Layers []Layer `json:"layers"`
}

// dense is a layer held as gonum matrices for computation.
type dense struct {
	w *mat.Dense
	b *mat.VecDense
}

// NewNetwork creates a network with He-normal weights and zero biases.
func NewNetwork(sizes []int, rng *rand.Rand) *Network {
	n := &Network{Sizes: append([]int(nil), sizes...)}
	for l := 1; l < len(sizes); l++ {
		in, out := sizes[l-1], sizes[l]
		std := math.Sqrt(2 / float64(in))
		layer := Layer{W: make([][]float64, out), B: make([]float64, out)}
		for o := range layer.W {
			layer.W[o] = make([]float64, in)
			for i := range layer.W[o] {
				layer.W[o][i] = rng.NormFloat64() * std
			}
		}
		n.Layers = append(n.Layers, layer)
	}
	return n
}

// Validate checks that every layer matches the declared sizes.
func (n *Network) Validate() error {
	if len(n.Sizes) < 2 || len(n.Layers) != len(n.Sizes)-1 {
		return fmt.Errorf("%w: %d sizes for %d layers", ErrShapeMismatch, len(n.Sizes), len(n.Layers))
	}
	for l, layer := range n.Layers {
		in, out := n.Sizes[l], n.Sizes[l+1]
		if in <= 0 || out <= 0 {
			return fmt.Errorf("%w: layer %d is %dx%d", ErrShapeMismatch, l, out, in)
		}
		if len(layer.W) != out || len(layer.B) != out {
			return fmt.Errorf("%w: layer %d has %d rows and %d biases, want %d", ErrShapeMismatch, l, len(layer.W), len(layer.B), out)
		}
		for o, row := range layer.W {
			if len(row) != in {
				return fmt.Errorf("%w: layer %d row %d has %d weights, want %d", ErrShapeMismatch, l, o, len(row), in)
			}
		}
	}
	return nil
}

func (n *Network) toDense() []dense {
	out := make([]dense, len(n.Layers))
	for l, layer := range n.Layers {
		rows, cols := len(layer.W), n.Sizes[l]
		w := mat.NewDense(rows, cols, nil)
		for o, row := range layer.W {
			w.SetRow(o, row)
		}
		out[l] = dense{w: w, b: mat.NewVecDense(rows, append([]float64(nil), layer.B...))}
	}
	return out
}

func (n *Network) fromDense(ds []dense) {
	for l, d := range ds {
		layer := n.Layers[l]
		for o := range layer.W {
			mat.Row(layer.W[o], o, d.w)
		}
		copy(layer.B, d.b.RawVector().Data)
	}
}

// forward returns the activations of every layer, input first.
func forward(ds []dense, x []float64) []*mat.VecDense {
	acts := []*mat.VecDense{mat.NewVecDense(len(x), x)}
	last := len(ds) - 1
	for l, d := range ds {
		rows, _ := d.w.Dims()
		z := mat.NewVecDense(rows, nil)
		z.MulVec(d.w, acts[l])
		z.AddVec(z, d.b)
		if l < last {
			relu(z)
		}
		acts = append(acts, z)
	}
	return acts
}

func relu(v *mat.VecDense) {
	raw := v.RawVector().Data
	for i, s := range raw {
		if s < 0 {
			raw[i] = 0
		}
	}
}

// Forward runs inference. Safe for concurrent use.
func (n *Network) Forward(x []float64) []float64 {
	acts := forward(n.toDense(), x)
	return acts[len(acts)-1].RawVector().Data
}

// TrainConfig controls mini-batch Adam training.
type TrainConfig struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	// OnEpoch, if set, is called after every epoch with the mean training loss.
	OnEpoch func(epoch int, loss float64)
}

const (
	adamBeta1 = 0.9
	adamBeta2 = 0.999
	adamEps   = 1e-7
)

func zeroLike(ds []dense) []dense {
	out := make([]dense, len(ds))
	for l, d := range ds {
		rows, cols := d.w.Dims()
		out[l] = dense{w: mat.NewDense(rows, cols, nil), b: mat.NewVecDense(rows, nil)}
	}
	return out
}

// Train fits the network to (X, Y) minimising mean squared error and returns
// the mean loss of the final epoch. It stops early with ctx.Err() when ctx is
// cancelled between batches.
func (n *Network) Train(ctx context.Context, X, Y [][]float64, cfg TrainConfig, rng *rand.Rand) (float64, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	params := n.toDense()
	defer n.fromDense(params)
	g := zeroLike(params)
	m := zeroLike(params)
	v := zeroLike(params)
	step := 0

	idx := make([]int, len(X))
	for i := range idx {
		idx[i] = i
	}

	var epochLoss float64
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		epochLoss = 0

		for start := 0; start < len(idx); start += cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			end := min(start+cfg.BatchSize, len(idx))
			for _, d := range g {
				d.w.Zero()
				d.b.Zero()
			}
			for _, k := range idx[start:end] {
				epochLoss += backprop(params, X[k], Y[k], g)
			}
			step++
			adam(params, g, m, v, step, cfg.LearningRate, float64(end-start))
		}
		epochLoss /= float64(len(idx))
		if cfg.OnEpoch != nil {
			cfg.OnEpoch(epoch, epochLoss)
		}
	}
	return epochLoss, nil
}

// backprop accumulates the gradient of one sample into g and returns its loss.
func backprop(params []dense, x, y []float64, g []dense) float64 {
	acts := forward(params, x)

	out := acts[len(acts)-1].RawVector().Data
	delta := mat.NewVecDense(len(out), nil)
	var loss float64
	for k := range out {
		d := out[k] - y[k]
		loss += d * d
		delta.SetVec(k, 2*d/float64(len(out)))
	}

	for l := len(params) - 1; l >= 0; l-- {
		in := acts[l]
		g[l].w.RankOne(g[l].w, 1, delta, in)
		g[l].b.AddVec(g[l].b, delta)
		if l == 0 {
			break
		}
		prev := mat.NewVecDense(in.Len(), nil)
		prev.MulVec(params[l].w.T(), delta)
		// ReLU gate: hidden activations are zero exactly where the unit was off.
		for i, a := range in.RawVector().Data {
			if a <= 0 {
				prev.SetVec(i, 0)
			}
		}
		delta = prev
	}
	return loss / float64(len(out))
}

func adam(params, g, m, v []dense, step int, lr, batch float64) {
	c1 := 1 - math.Pow(adamBeta1, float64(step))
	c2 := 1 - math.Pow(adamBeta2, float64(step))
	update := func(p, gr, mp, vp []float64) {
		for i := range p {
			d := gr[i] / batch
			mp[i] = adamBeta1*mp[i] + (1-adamBeta1)*d
			vp[i] = adamBeta2*vp[i] + (1-adamBeta2)*d*d
			p[i] -= lr * (mp[i] / c1) / (math.Sqrt(vp[i]/c2) + adamEps)
		}
	}
	for l := range params {
		update(params[l].w.RawMatrix().Data, g[l].w.RawMatrix().Data, m[l].w.RawMatrix().Data, v[l].w.RawMatrix().Data)
		update(params[l].b.RawVector().Data, g[l].b.RawVector().Data, m[l].b.RawVector().Data, v[l].b.RawVector().Data)
	}
}

// Loss returns the mean squared error of the network over (X, Y).
func (n *Network) Loss(X, Y [][]float64) float64 {
	if len(X) == 0 {
		return 0
	}
	ds := n.toDense()
	var total float64
	for k := range X {
		acts := forward(ds, X[k])
		out := acts[len(acts)-1].RawVector().Data
		var s float64
		for j := range out {
			d := out[j] - Y[k][j]
			s += d * d
		}
		total += s / float64(len(out))
	}
	return total / float64(len(X))
}
