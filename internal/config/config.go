// Package config holds the immutable run configuration shared by the
// population, creatures and the evaluation scheduler.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is built once at startup and passed into constructors.
type Config struct {
	Structure  StructureConfig  `yaml:"structure"`
	NN         NNConfig         `yaml:"nn"`
	GA         GAConfig         `yaml:"ga"`
	Fitness    FitnessConfig    `yaml:"fitness"`
	Adaptation AdaptationConfig `yaml:"adaptation"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Materials  MaterialsConfig  `yaml:"materials"`
}

// StructureConfig describes the voxel lattice and its material bands.
type StructureConfig struct {
	Dims              [3]int   `yaml:"dims"`     // x, y, z
	Sections          [3]int   `yaml:"sections"` // sections per axis
	Template          []string `yaml:"template"` // one z layer per entry, x fastest
	BaseStiffness     float64  `yaml:"base_stiffness"`
	MinStiffness      float64  `yaml:"min_stiffness"`
	MaxStiffness      float64  `yaml:"max_stiffness"`
	ActuatorStiffness float64  `yaml:"actuator_stiffness"`
	MorphMin          int      `yaml:"morph_min"`
	MorphMax          int      `yaml:"morph_max"`
	MorphBetween      int      `yaml:"morph_between"`
	ActuatorMaterial  int      `yaml:"actuator_material"`
	FixedMaterials    []int    `yaml:"fixed_materials"`
}

type NNConfig struct {
	Activation      string     `yaml:"activation"`
	NumInputs       int        `yaml:"num_inputs"`
	NumHidden       int        `yaml:"num_hidden"`
	NumOutputs      int        `yaml:"num_outputs"`
	Bounds          [2]float64 `yaml:"bounds"`
	Noise           float64    `yaml:"noise"`
	ParameterChange float64    `yaml:"parameter_change"`
}

type GAConfig struct {
	PopSize     int        `yaml:"pop_size"`
	GenSize     int        `yaml:"gen_size"`
	EpSize      int        `yaml:"ep_size"`
	Top         int        `yaml:"top"`
	Evolve      int        `yaml:"evolve"`
	GenomeRange [2]float64 `yaml:"genome_range"`
	Seed        int64      `yaml:"seed"`
}

// FitnessConfig weights the generalized power mean
// M * (Mx*x^Nx + My*y^Ny + Mz*z^Nz)^N.
type FitnessConfig struct {
	M    float64 `yaml:"m"`
	Mx   float64 `yaml:"mx"`
	My   float64 `yaml:"my"`
	Mz   float64 `yaml:"mz"`
	N    float64 `yaml:"n"`
	Nx   float64 `yaml:"nx"`
	Ny   float64 `yaml:"ny"`
	Nz   float64 `yaml:"nz"`
	AbsX bool    `yaml:"abs_x"`
	AbsY bool    `yaml:"abs_y"`
	AbsZ bool    `yaml:"abs_z"`
}

type AdaptationConfig struct {
	ForceScale          float64 `yaml:"force_scale"`
	KEDeltaScale        float64 `yaml:"ke_delta_scale"`
	DisplacementScale   float64 `yaml:"displacement_scale"`
	StiffnessDeltaScale float64 `yaml:"stiffness_delta_scale"`
}

type SchedulerConfig struct {
	SimulatorPath    string        `yaml:"simulator_path"`
	SimulatorArgs    []string      `yaml:"simulator_args"`
	WorkDir          string        `yaml:"work_dir"`
	OutputDir        string        `yaml:"output_dir"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	ResultTimeout    time.Duration `yaml:"result_timeout"`
	ZeroFitnessRetry time.Duration `yaml:"zero_fitness_retry"`
	KeepFiles        bool          `yaml:"keep_files"`
	Concurrency      int           `yaml:"concurrency"`
}

// MaterialsConfig carries the physical parameters handed to the scenario
// serializer. The core never interprets them.
type MaterialsConfig struct {
	Integrator         int            `yaml:"integrator"`
	DtFrac             float64        `yaml:"dt_frac"`
	BondDampingZ       float64        `yaml:"bond_damping_z"`
	ColDampingZ        float64        `yaml:"col_damping_z"`
	SlowDampingZ       float64        `yaml:"slow_damping_z"`
	SelfCollisions     bool           `yaml:"self_collisions"`
	CollisionHorizon   float64        `yaml:"collision_horizon"`
	StopConditionType  int            `yaml:"stop_condition_type"`
	StopConditionValue float64        `yaml:"stop_condition_value"`
	InitCmTime         float64        `yaml:"init_cm_time"`
	GravityEnabled     bool           `yaml:"gravity_enabled"`
	GravityAcc         float64        `yaml:"gravity_acc"`
	FloorEnabled       bool           `yaml:"floor_enabled"`
	TempEnabled        bool           `yaml:"temp_enabled"`
	TempAmplitude      float64        `yaml:"temp_amplitude"`
	TempBase           float64        `yaml:"temp_base"`
	TempPeriod         float64        `yaml:"temp_period"`
	LatticeDim         float64        `yaml:"lattice_dim"`
	PhaseOffset        float64        `yaml:"phase_offset"`
	Palette            []MaterialSpec `yaml:"palette"`
}

type MaterialSpec struct {
	ID              int     `yaml:"id"`
	Name            string  `yaml:"name"`
	ElasticMod      float64 `yaml:"elastic_mod"`
	Density         float64 `yaml:"density"`
	PoissonsRatio   float64 `yaml:"poissons_ratio"`
	CTE             float64 `yaml:"cte"`
	FrictionStatic  float64 `yaml:"friction_static"`
	FrictionDynamic float64 `yaml:"friction_dynamic"`
}

// Default returns the embedded defaults.
func Default() (*Config, error) {
	return Load("")
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Only fields present in the file are overwritten.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports configuration errors. All of them are fatal.
func (c *Config) Validate() error {
	s := c.Structure
	for axis, n := range s.Dims {
		if n <= 0 {
			return invalid("structure.dims[%d] must be > 0, got %d", axis, n)
		}
	}
	if len(s.Template) != s.Dims[2] {
		return invalid("structure.template must have %d layers, got %d", s.Dims[2], len(s.Template))
	}
	for z, layer := range s.Template {
		if len(layer) != s.Dims[0]*s.Dims[1] {
			return invalid("structure.template layer %d must have %d cells, got %d", z, s.Dims[0]*s.Dims[1], len(layer))
		}
	}
	if s.MinStiffness <= 0 || s.MinStiffness > s.MaxStiffness {
		return invalid("stiffness range must satisfy 0 < min <= max, got [%g, %g]", s.MinStiffness, s.MaxStiffness)
	}

	n := c.NN
	if n.Activation != "sigmoid" && n.Activation != "tanh" {
		return invalid("unknown activation function %q", n.Activation)
	}
	if n.NumInputs < 2 || n.NumInputs > 3 {
		return invalid("nn.num_inputs must be 2 or 3, got %d", n.NumInputs)
	}
	if n.NumHidden <= 0 || n.NumOutputs <= 0 {
		return invalid("nn layer sizes must be > 0")
	}
	if n.Bounds[0] >= n.Bounds[1] {
		return invalid("nn.bounds must satisfy lower < upper, got %v", n.Bounds)
	}

	g := c.GA
	if g.PopSize <= 0 || g.EpSize <= 0 {
		return invalid("ga.pop_size and ga.ep_size must be > 0")
	}
	if g.Top < 0 || g.Evolve < 0 {
		return invalid("ga.top and ga.evolve must be >= 0")
	}
	if g.Top+g.Evolve > g.PopSize {
		return invalid("ga.top + ga.evolve (%d) exceeds pop_size (%d)", g.Top+g.Evolve, g.PopSize)
	}
	if g.GenomeRange[0] > g.GenomeRange[1] {
		return invalid("ga.genome_range is inverted: %v", g.GenomeRange)
	}

	sc := c.Scheduler
	if sc.PollInterval <= 0 || sc.ResultTimeout <= 0 {
		return invalid("scheduler.poll_interval and scheduler.result_timeout must be > 0")
	}
	if sc.ZeroFitnessRetry < 0 {
		return invalid("scheduler.zero_fitness_retry must be >= 0")
	}
	return nil
}

// IsFixedMaterial reports whether voxels built from material id never change.
// The actuator material is always fixed.
func (s StructureConfig) IsFixedMaterial(material int) bool {
	if material == s.ActuatorMaterial {
		return true
	}
	for _, m := range s.FixedMaterials {
		if m == material {
			return true
		}
	}
	return false
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
