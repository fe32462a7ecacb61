// Package creature couples a voxel graph with its neural controller and runs
// the per-episode adaptation loop: fitness from the simulator result, then a
// force-driven stiffness rewrite.
package creature

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"

	"softbot/internal/config"
	"softbot/internal/damage"
	"softbot/internal/nn"
	"softbot/internal/voxel"
)

var ErrNoEpisode = errors.New("creature has no current episode")

// EpisodeRecord is one entry of the evolution log, captured before the
// stiffness rewrite of that episode.
type EpisodeRecord struct {
	Morphology    [][]int     `json:"morphology"`
	Stiffness     [][]float64 `json:"stiffness"`
	FitnessXYZ    [3]float64  `json:"fitness_xyz"`
	FitnessEval   float64     `json:"fitness_eval"`
	AverageForces [][]float64 `json:"average_forces"`
	Controller    nn.Params   `json:"controller"`
}

// Creature is one individual. Name, generation and episode determine its
// artifact namespace.
type Creature struct {
	Name       string
	Genome     float64
	Generation int
	Episode    int

	FitnessXYZ      [3]float64
	FitnessEval     float64
	PreviousFitness float64
	// Score is the fitness of the last completed episode. It survives
	// Reset so the population can rank after a generation.
	Score         float64
	AverageForces []float64

	Evolution map[int]map[int]EpisodeRecord

	graph      *voxel.Graph
	baseline   *voxel.Graph
	controller *nn.Controller
	cfg        *config.Config
	active     bool
}

// New builds a creature from the base graph with a fresh controller and a
// genome drawn uniformly from the configured range.
func New(name string, cfg *config.Config, base *voxel.Graph, rng *rand.Rand) (*Creature, error) {
	controller, err := nn.New(cfg.NN, rng)
	if err != nil {
		return nil, fmt.Errorf("creature %s: %w", name, err)
	}
	lo, hi := cfg.GA.GenomeRange[0], cfg.GA.GenomeRange[1]
	return Assemble(name, lo+rng.Float64()*(hi-lo), cfg, base.Clone(), controller), nil
}

// Assemble wraps existing parts. The graph's current state becomes the
// baseline that Reset restores.
func Assemble(name string, genome float64, cfg *config.Config, g *voxel.Graph, controller *nn.Controller) *Creature {
	return &Creature{
		Name:       name,
		Genome:     genome,
		Generation: -1,
		Episode:    -1,
		Evolution:  make(map[int]map[int]EpisodeRecord),
		graph:      g,
		baseline:   g.Clone(),
		controller: controller,
		cfg:        cfg,
	}
}

func (c *Creature) Graph() *voxel.Graph { return c.graph }

func (c *Creature) Baseline() *voxel.Graph { return c.baseline }

func (c *Creature) Controller() *nn.Controller { return c.controller }

func (c *Creature) Config() *config.Config { return c.cfg }

// SetBaseline replaces the structure Reset restores. Used when restoring a
// persisted creature.
func (c *Creature) SetBaseline(g *voxel.Graph) { c.baseline = g }

// Clone deep-copies the creature under a new name, carrying damage and
// history forward.
func (c *Creature) Clone(name string) *Creature {
	out := *c
	out.Name = name
	out.graph = c.graph.Clone()
	out.baseline = c.baseline.Clone()
	out.controller = c.controller.Clone()
	out.AverageForces = append([]float64(nil), c.AverageForces...)
	out.Evolution = make(map[int]map[int]EpisodeRecord, len(c.Evolution))
	for g, eps := range c.Evolution {
		copied := make(map[int]EpisodeRecord, len(eps))
		for e, rec := range eps {
			copied[e] = rec
		}
		out.Evolution[g] = copied
	}
	return &out
}

// Mutate perturbs the controller in place.
func (c *Creature) Mutate(rng *rand.Rand) {
	c.controller.Mutate(rng)
}

// ApplyDamage alters both the current structure and the baseline, then
// extends the name with the damage tag.
func (c *Creature) ApplyDamage(d damage.Descriptor) error {
	if _, err := d.Apply(c.baseline); err != nil {
		return fmt.Errorf("damage %s: %w", c.Name, err)
	}
	if _, err := d.Apply(c.graph); err != nil {
		return fmt.Errorf("damage %s: %w", c.Name, err)
	}
	c.Name += d.Tag()
	return nil
}

// ResetEvolution drops the evolution log.
func (c *Creature) ResetEvolution() {
	c.Evolution = make(map[int]map[int]EpisodeRecord)
}

// Begin moves the creature to (generation, episode) and returns the artifact
// names for that evaluation. It must be called before every dispatch.
func (c *Creature) Begin(generation, episode int) Artifacts {
	c.Generation = generation
	c.Episode = episode
	c.active = true
	return c.Artifacts()
}

func (c *Creature) Artifacts() Artifacts {
	return ArtifactNames(c.Name, c.Generation, c.Episode)
}

// CalculateFitness reads the displacement result from dir and updates the
// fitness state. The previous fitness is kept for the displacement delta.
func (c *Creature) CalculateFitness(dir string) error {
	if !c.active {
		return fmt.Errorf("%s: %w", c.Name, ErrNoEpisode)
	}
	xyz, err := ReadDisplacementFile(filepath.Join(dir, c.Artifacts().Fitness))
	if err != nil {
		return fmt.Errorf("creature %s: %w", c.Name, err)
	}
	fitness, err := c.fitness(xyz)
	if err != nil {
		return err
	}
	c.PreviousFitness = c.FitnessEval
	c.FitnessXYZ = xyz
	c.FitnessEval = fitness
	c.Score = fitness
	return nil
}

// RecomputeFitness rereads the result without shifting PreviousFitness.
// Used while retrying a zero fitness.
func (c *Creature) RecomputeFitness(dir string) error {
	xyz, err := ReadDisplacementFile(filepath.Join(dir, c.Artifacts().Fitness))
	if err != nil {
		return fmt.Errorf("creature %s: %w", c.Name, err)
	}
	fitness, err := c.fitness(xyz)
	if err != nil {
		return err
	}
	c.FitnessXYZ = xyz
	c.FitnessEval = fitness
	c.Score = fitness
	return nil
}

// fitness rejects non-finite values, which a fractional exponent over a
// negative weighted sum produces.
func (c *Creature) fitness(xyz [3]float64) (float64, error) {
	f := Fitness(c.cfg.Fitness, xyz)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("creature %s: %w: fitness %v from displacement x=%g y=%g z=%g",
			c.Name, ErrMalformedResult, f, xyz[0], xyz[1], xyz[2])
	}
	return f, nil
}

// CalculateStiffness runs the adaptation step from the episode force log in
// dir: average force per voxel, deviation from the creature-wide mean, the
// controller's stiffness delta, and the banded stiffness rewrite.
func (c *Creature) CalculateStiffness(dir string) error {
	if !c.active {
		return fmt.Errorf("%s: %w", c.Name, ErrNoEpisode)
	}
	a := c.cfg.Adaptation
	displacementDelta := (c.FitnessEval - c.PreviousFitness) * a.DisplacementScale

	avg, err := ReadForceLogFile(filepath.Join(dir, c.Artifacts().KE), c.graph.Len(), a.ForceScale)
	if err != nil {
		return fmt.Errorf("creature %s: %w", c.Name, err)
	}
	c.AverageForces = avg

	ultimate := 0.0
	for _, v := range avg {
		ultimate += v
	}
	ultimate /= float64(len(avg))

	c.record()

	field := c.graph.Stiffness()
	for i := range field {
		keDelta := (ultimate - avg[i]) * a.KEDeltaScale
		out, _, err := c.controller.Forward(c.inputs(keDelta, displacementDelta)...)
		if err != nil {
			return fmt.Errorf("creature %s voxel %d: %w", c.Name, i, err)
		}
		field[i] += out * a.StiffnessDeltaScale
	}
	return c.graph.ApplyStiffnessField(field)
}

func (c *Creature) inputs(keDelta, displacementDelta float64) []float64 {
	if c.controller.NumInputs() >= 3 {
		return []float64{keDelta, displacementDelta, c.Genome}
	}
	return []float64{keDelta, displacementDelta}
}

func (c *Creature) record() {
	eps, ok := c.Evolution[c.Generation]
	if !ok {
		eps = make(map[int]EpisodeRecord)
		c.Evolution[c.Generation] = eps
	}
	dims := c.graph.Dims()
	eps[c.Episode] = EpisodeRecord{
		Morphology:    layersInt(c.graph.Morphology(), dims),
		Stiffness:     layersFloat(c.graph.Stiffness(), dims),
		FitnessXYZ:    c.FitnessXYZ,
		FitnessEval:   c.FitnessEval,
		AverageForces: layersFloat(c.AverageForces, dims),
		Controller:    c.controller.Params(),
	}
}

// Reset restores the baseline structure and zeroes the running fitness so
// the next generation starts from the common structure. Score is kept.
func (c *Creature) Reset() {
	c.graph = c.baseline.Clone()
	c.FitnessEval = 0
	c.PreviousFitness = 0
	c.active = false
}

func layersInt(flat []int, dims [3]int) [][]int {
	per := dims[0] * dims[1]
	out := make([][]int, dims[2])
	for z := range out {
		out[z] = append([]int(nil), flat[z*per:(z+1)*per]...)
	}
	return out
}

func layersFloat(flat []float64, dims [3]int) [][]float64 {
	per := dims[0] * dims[1]
	if len(flat) != per*dims[2] {
		return nil
	}
	out := make([][]float64, dims[2])
	for z := range out {
		out[z] = append([]float64(nil), flat[z*per:(z+1)*per]...)
	}
	return out
}
