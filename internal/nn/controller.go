package nn

import (
	"errors"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"softbot/internal/config"
)

var ErrInputShape = errors.New("input length does not match network")

// Controller is a two-layer feed-forward network mapping sensed force and
// displacement signals to a stiffness adjustment. Both layers share one
// activation.
type Controller struct {
	activation string
	fn         ActivationFunc
	bounds     [2]float64
	noise      float64
	step       float64

	w1 *mat.Dense // hidden x inputs
	b1 *mat.Dense // hidden x 1
	w2 *mat.Dense // outputs x hidden
	b2 *mat.Dense // outputs x 1
}

// Cache holds the intermediate values of one forward pass.
type Cache struct {
	Z1 []float64
	A1 []float64
	Z2 []float64
	Y  []float64
}

// Params is the serializable parameter set, row-major.
type Params struct {
	Activation string      `json:"activation"`
	Bounds     [2]float64  `json:"bounds"`
	Noise      float64     `json:"noise"`
	Step       float64     `json:"step"`
	W1         [][]float64 `json:"w1"`
	B1         []float64   `json:"b1"`
	W2         [][]float64 `json:"w2"`
	B2         []float64   `json:"b2"`
}

// New draws weights uniformly from the configured bounds. Biases start at zero.
func New(cfg config.NNConfig, rng *rand.Rand) (*Controller, error) {
	fn, err := GetActivation(cfg.Activation)
	if err != nil {
		return nil, err
	}
	if cfg.NumInputs <= 0 || cfg.NumHidden <= 0 || cfg.NumOutputs <= 0 {
		return nil, fmt.Errorf("invalid layer sizes: inputs=%d hidden=%d outputs=%d", cfg.NumInputs, cfg.NumHidden, cfg.NumOutputs)
	}
	c := &Controller{
		activation: cfg.Activation,
		fn:         fn,
		bounds:     cfg.Bounds,
		noise:      cfg.Noise,
		step:       cfg.ParameterChange,
		w1:         mat.NewDense(cfg.NumHidden, cfg.NumInputs, nil),
		b1:         mat.NewDense(cfg.NumHidden, 1, nil),
		w2:         mat.NewDense(cfg.NumOutputs, cfg.NumHidden, nil),
		b2:         mat.NewDense(cfg.NumOutputs, 1, nil),
	}
	fill := func(_, _ int, _ float64) float64 { return c.uniform(rng) }
	c.w1.Apply(fill, c.w1)
	c.w2.Apply(fill, c.w2)
	return c, nil
}

func (c *Controller) uniform(rng *rand.Rand) float64 {
	return c.bounds[0] + rng.Float64()*(c.bounds[1]-c.bounds[0])
}

func (c *Controller) NumInputs() int {
	_, n := c.w1.Dims()
	return n
}

func (c *Controller) Activation() string { return c.activation }

// Forward runs one input column through both layers and returns the first
// output along with the intermediate values.
func (c *Controller) Forward(inputs ...float64) (float64, Cache, error) {
	if len(inputs) != c.NumInputs() {
		return 0, Cache{}, fmt.Errorf("%w: got %d want %d", ErrInputShape, len(inputs), c.NumInputs())
	}
	x := mat.NewDense(len(inputs), 1, append([]float64(nil), inputs...))

	var z1, a1, z2, y mat.Dense
	z1.Mul(c.w1, x)
	z1.Add(&z1, c.b1)
	a1.Apply(c.activate, &z1)
	z2.Mul(c.w2, &a1)
	z2.Add(&z2, c.b2)
	y.Apply(c.activate, &z2)

	cache := Cache{
		Z1: column(&z1),
		A1: column(&a1),
		Z2: column(&z2),
		Y:  column(&y),
	}
	return y.At(0, 0), cache, nil
}

func (c *Controller) activate(_, _ int, v float64) float64 {
	return c.fn(v)
}

// Mutate replaces every parameter with a perturbed copy: a ternary step of
// step*upper plus uniform noise scaled by the noise level, clamped to bounds.
// It is the only genetic operator; there is no crossover.
func (c *Controller) Mutate(rng *rand.Rand) {
	c.w1 = c.perturb(c.w1, rng)
	c.b1 = c.perturb(c.b1, rng)
	c.w2 = c.perturb(c.w2, rng)
	c.b2 = c.perturb(c.b2, rng)
}

func (c *Controller) perturb(m *mat.Dense, rng *rand.Rand) *mat.Dense {
	out := mat.DenseCopyOf(m)
	out.Apply(func(_, _ int, v float64) float64 {
		v += c.step * float64(rng.Intn(3)-1) * c.bounds[1]
		v += c.uniform(rng) * c.noise
		return clamp(v, c.bounds[0], c.bounds[1])
	}, out)
	return out
}

func (c *Controller) Clone() *Controller {
	out := *c
	out.w1 = mat.DenseCopyOf(c.w1)
	out.b1 = mat.DenseCopyOf(c.b1)
	out.w2 = mat.DenseCopyOf(c.w2)
	out.b2 = mat.DenseCopyOf(c.b2)
	return &out
}

func (c *Controller) Params() Params {
	return Params{
		Activation: c.activation,
		Bounds:     c.bounds,
		Noise:      c.noise,
		Step:       c.step,
		W1:         rows(c.w1),
		B1:         column(c.b1),
		W2:         rows(c.w2),
		B2:         column(c.b2),
	}
}

// FromParams rebuilds a controller from persisted parameters.
func FromParams(p Params) (*Controller, error) {
	fn, err := GetActivation(p.Activation)
	if err != nil {
		return nil, err
	}
	w1, err := fromRows(p.W1)
	if err != nil {
		return nil, fmt.Errorf("w1: %w", err)
	}
	w2, err := fromRows(p.W2)
	if err != nil {
		return nil, fmt.Errorf("w2: %w", err)
	}
	hidden, _ := w1.Dims()
	outputs, cols := w2.Dims()
	if cols != hidden || len(p.B1) != hidden || len(p.B2) != outputs {
		return nil, fmt.Errorf("inconsistent parameter shapes: w1=%dx? w2=%dx%d b1=%d b2=%d", hidden, outputs, cols, len(p.B1), len(p.B2))
	}
	return &Controller{
		activation: p.Activation,
		fn:         fn,
		bounds:     p.Bounds,
		noise:      p.Noise,
		step:       p.Step,
		w1:         w1,
		b1:         mat.NewDense(hidden, 1, append([]float64(nil), p.B1...)),
		w2:         w2,
		b2:         mat.NewDense(outputs, 1, append([]float64(nil), p.B2...)),
	}, nil
}

// Values returns every parameter flattened in w1, b1, w2, b2 order.
func (c *Controller) Values() []float64 {
	var out []float64
	for _, m := range []*mat.Dense{c.w1, c.b1, c.w2, c.b2} {
		r, cols := m.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < cols; j++ {
				out = append(out, m.At(i, j))
			}
		}
	}
	return out
}

func (c *Controller) Bounds() [2]float64 { return c.bounds }

func rows(m *mat.Dense) [][]float64 {
	r, _ := m.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = mat.Row(nil, i, m)
	}
	return out
}

func column(m *mat.Dense) []float64 {
	return mat.Col(nil, 0, m)
}

func fromRows(data [][]float64) (*mat.Dense, error) {
	if len(data) == 0 || len(data[0]) == 0 {
		return nil, errors.New("empty matrix")
	}
	cols := len(data[0])
	flat := make([]float64, 0, len(data)*cols)
	for i, row := range data {
		if len(row) != cols {
			return nil, fmt.Errorf("row %d has %d columns, want %d", i, len(row), cols)
		}
		flat = append(flat, row...)
	}
	return mat.NewDense(len(data), cols, flat), nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
