// Package evo runs the generation loop over a population of soft-bodied
// creatures: evaluation, ranking, selection with regeneration, damage and
// persistence.
package evo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"softbot/internal/config"
	"softbot/internal/creature"
	"softbot/internal/model"
	"softbot/internal/storage"
	"softbot/internal/voxel"
)

const DefaultPopulationID = "population"

var (
	ErrQuotaExceeded  = errors.New("selection quotas exceed population size")
	ErrDamageMismatch = errors.New("population damage flag mismatch")
	ErrNameCollision  = errors.New("creature name already registered")
	ErrNotFound       = errors.New("population not found")
)

// Evaluator runs every episode of one generation for a cohort. The
// simulator scheduler is the production implementation.
type Evaluator interface {
	EvaluateGeneration(ctx context.Context, generation int, creatures []*creature.Creature) error
}

// GenerationObserver receives the summary of each completed generation.
type GenerationObserver interface {
	ObserveGeneration(generation int, best, mean float64)
}

// DiagnosticsSink records the full diagnostics row of each generation.
type DiagnosticsSink interface {
	ObserveDiagnostics(d model.GenerationDiagnostics) error
}

type Options struct {
	ID          string
	Evaluator   Evaluator
	Store       storage.Store
	Observer    GenerationObserver
	Diagnostics DiagnosticsSink
	Logger      *slog.Logger
}

// Population owns the active set and the registry of every creature ever
// created. It is not safe for concurrent use; the active set only changes
// between generations.
type Population struct {
	cfg    *config.Config
	id     string
	runID  string
	seed   int64
	rng    *rand.Rand
	logger *slog.Logger

	evaluator Evaluator
	store     storage.Store
	observer  GenerationObserver
	sink      DiagnosticsSink

	base          *creature.Creature
	active        map[string]*creature.Creature
	order         []string
	registry      map[string]*creature.Creature
	registryOrder []string

	damage         []model.AppliedDamage
	lastGeneration int
	nextOrdinal    int

	history     []float64
	diagnostics []model.GenerationDiagnostics
	lineage     []model.LineageRecord
}

// New builds a fresh population of cfg.GA.PopSize creatures from the
// configured template.
func New(cfg *config.Config, opts Options) (*Population, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g, err := voxel.Build(cfg.Structure)
	if err != nil {
		return nil, err
	}
	p := newPopulation(cfg, opts, cfg.GA.Seed)
	p.runID = uuid.NewString()

	p.base, err = creature.New("base", cfg, g, p.rng)
	if err != nil {
		return nil, err
	}
	for i := 0; i < cfg.GA.PopSize; i++ {
		c, err := p.fresh(-1, "seed")
		if err != nil {
			return nil, err
		}
		p.add(c)
	}
	p.logger.Info("population created", "id", p.id, "run_id", p.runID, "size", len(p.order))
	return p, nil
}

func newPopulation(cfg *config.Config, opts Options, seed int64) *Population {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	id := opts.ID
	if id == "" {
		id = DefaultPopulationID
	}
	return &Population{
		cfg:            cfg,
		id:             id,
		seed:           seed,
		rng:            rand.New(rand.NewSource(seed)),
		logger:         logger.With("population", id),
		evaluator:      opts.Evaluator,
		store:          opts.Store,
		observer:       opts.Observer,
		sink:           opts.Diagnostics,
		active:         make(map[string]*creature.Creature),
		registry:       make(map[string]*creature.Creature),
		lastGeneration: -1,
	}
}

func (p *Population) ID() string { return p.id }

func (p *Population) RunID() string { return p.runID }

func (p *Population) Config() *config.Config { return p.cfg }

func (p *Population) Base() *creature.Creature { return p.base }

// LastGeneration is the last completed generation, -1 before the first.
func (p *Population) LastGeneration() int { return p.lastGeneration }

func (p *Population) Damaged() bool { return len(p.damage) > 0 }

func (p *Population) Damage() []model.AppliedDamage {
	return append([]model.AppliedDamage(nil), p.damage...)
}

func (p *Population) Len() int { return len(p.order) }

// Active returns the active creatures in insertion order.
func (p *Population) Active() []*creature.Creature {
	out := make([]*creature.Creature, len(p.order))
	for i, name := range p.order {
		out[i] = p.active[name]
	}
	return out
}

// Registry returns every creature ever created, in creation order.
func (p *Population) Registry() []*creature.Creature {
	out := make([]*creature.Creature, len(p.registryOrder))
	for i, name := range p.registryOrder {
		out[i] = p.registry[name]
	}
	return out
}

func (p *Population) Get(name string) (*creature.Creature, bool) {
	c, ok := p.active[name]
	return c, ok
}

func (p *Population) FitnessHistory() []float64 {
	return append([]float64(nil), p.history...)
}

func (p *Population) Diagnostics() []model.GenerationDiagnostics {
	return append([]model.GenerationDiagnostics(nil), p.diagnostics...)
}

func (p *Population) Lineage() []model.LineageRecord {
	return append([]model.LineageRecord(nil), p.lineage...)
}

// Run evaluates generations LastGeneration+1 onward. The population is
// persisted after every generation and regenerated between generations, so
// a resumed run starts with SelectAndRegenerate.
func (p *Population) Run(ctx context.Context, generations int) error {
	if p.evaluator == nil {
		return errors.New("population has no evaluator")
	}
	for i := 0; i < generations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 {
			if err := p.SelectAndRegenerate(); err != nil {
				return err
			}
		}
		gen := p.lastGeneration + 1
		start := time.Now()
		if err := p.EvaluateGeneration(ctx, gen); err != nil {
			return fmt.Errorf("generation %d: %w", gen, err)
		}
		p.lastGeneration = gen

		d := summarizeGeneration(gen, p.Ranked())
		p.diagnostics = append(p.diagnostics, d)
		p.history = append(p.history, d.BestFitness)
		if p.observer != nil {
			p.observer.ObserveGeneration(gen, d.BestFitness, d.MeanFitness)
		}
		if p.sink != nil {
			if err := p.sink.ObserveDiagnostics(d); err != nil {
				return err
			}
		}
		p.logger.Info("generation complete",
			"generation", gen,
			"best", d.BestFitness,
			"best_name", d.BestName,
			"mean", d.MeanFitness,
			"elapsed", time.Since(start),
		)
		if err := p.Persist(ctx); err != nil {
			return err
		}
	}
	return nil
}

// EvaluateGeneration hands the active set to the evaluator. Scores that are
// not finite can be neither ranked nor persisted and fail the generation.
func (p *Population) EvaluateGeneration(ctx context.Context, generation int) error {
	if p.evaluator == nil {
		return errors.New("population has no evaluator")
	}
	active := p.Active()
	if err := p.evaluator.EvaluateGeneration(ctx, generation, active); err != nil {
		return err
	}
	for _, c := range active {
		if math.IsNaN(c.Score) || math.IsInf(c.Score, 0) {
			return fmt.Errorf("creature %s: %w: score %v", c.Name, creature.ErrMalformedResult, c.Score)
		}
	}
	return nil
}

// fresh builds a new creature from the template under the next ordinal
// name. Damage already inflicted on the population is applied to it.
func (p *Population) fresh(generation int, operation string) (*creature.Creature, error) {
	name := p.nextName()
	c, err := creature.New(name, p.cfg, p.base.Graph(), p.rng)
	if err != nil {
		return nil, err
	}
	for _, d := range p.damage {
		if d.OnBase {
			// The template already carries this damage.
			c.Name += d.Descriptor.Tag()
			continue
		}
		if err := c.ApplyDamage(d.Descriptor); err != nil {
			return nil, err
		}
	}
	if _, exists := p.registry[c.Name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrNameCollision, c.Name)
	}
	p.recordLineage(c.Name, "", generation, operation)
	return c, nil
}

func (p *Population) nextName() string {
	for {
		name := fmt.Sprintf("creature_%d", p.nextOrdinal)
		p.nextOrdinal++
		if _, exists := p.registry[name]; !exists {
			return name
		}
	}
}

// add appends c to the active set and the registry.
func (p *Population) add(c *creature.Creature) {
	p.active[c.Name] = c
	p.order = append(p.order, c.Name)
	p.register(c)
}

func (p *Population) register(c *creature.Creature) {
	if _, exists := p.registry[c.Name]; !exists {
		p.registryOrder = append(p.registryOrder, c.Name)
	}
	p.registry[c.Name] = c
}

func (p *Population) recordLineage(name, parent string, generation int, operation string) {
	p.lineage = append(p.lineage, model.LineageRecord{
		VersionedRecord: storage.Versioned(),
		Name:            name,
		ParentName:      parent,
		Generation:      generation,
		Operation:       operation,
	})
}
