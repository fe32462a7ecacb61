package evo

import (
	"context"
	"errors"
	"fmt"

	"softbot/internal/config"
	"softbot/internal/creature"
	"softbot/internal/model"
	"softbot/internal/nn"
	"softbot/internal/storage"
	"softbot/internal/voxel"
)

// Snapshot captures the whole resumable state: template, registry with
// evolution logs, active names, damage and counters.
func (p *Population) Snapshot() model.Population {
	registry := make([]model.Creature, 0, len(p.registryOrder))
	for _, name := range p.registryOrder {
		registry = append(registry, creatureRecord(p.registry[name]))
	}
	return model.Population{
		VersionedRecord: storage.Versioned(),
		ID:              p.id,
		RunID:           p.runID,
		LastGeneration:  p.lastGeneration,
		NextOrdinal:     p.nextOrdinal,
		Damaged:         p.Damaged(),
		Damage:          p.Damage(),
		Seed:            p.seed,
		Base:            creatureRecord(p.base),
		Active:          append([]string(nil), p.order...),
		Registry:        registry,
	}
}

// Persist saves the snapshot and the run records. A population without a
// store is not persisted.
func (p *Population) Persist(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	if err := p.store.SavePopulation(ctx, p.Snapshot()); err != nil {
		return fmt.Errorf("persist population %s: %w", p.id, err)
	}
	if err := p.store.SaveFitnessHistory(ctx, p.runID, p.history); err != nil {
		return fmt.Errorf("persist fitness history: %w", err)
	}
	if err := p.store.SaveGenerationDiagnostics(ctx, p.runID, p.diagnostics); err != nil {
		return fmt.Errorf("persist diagnostics: %w", err)
	}
	if err := p.store.SaveLineage(ctx, p.runID, p.lineage); err != nil {
		return fmt.Errorf("persist lineage: %w", err)
	}
	p.logger.Debug("population persisted", "generation", p.lastGeneration, "registry", len(p.registryOrder))
	return nil
}

// Load restores a persisted population and its run records from the store.
// damaged is the flag the caller expects; a snapshot declaring the other is
// rejected with ErrDamageMismatch.
func Load(ctx context.Context, cfg *config.Config, damaged bool, opts Options) (*Population, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	id := opts.ID
	if id == "" {
		id = DefaultPopulationID
	}
	snap, ok, err := opts.Store.GetPopulation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if snap.Damaged != damaged {
		return nil, fmt.Errorf("%w: %s declares damaged=%t, requested damaged=%t", ErrDamageMismatch, id, snap.Damaged, damaged)
	}
	p, err := FromSnapshot(cfg, snap, opts)
	if err != nil {
		return nil, err
	}

	if history, ok, err := opts.Store.GetFitnessHistory(ctx, p.runID); err != nil {
		return nil, err
	} else if ok {
		p.history = history
	}
	if diagnostics, ok, err := opts.Store.GetGenerationDiagnostics(ctx, p.runID); err != nil {
		return nil, err
	} else if ok {
		p.diagnostics = diagnostics
	}
	if lineage, ok, err := opts.Store.GetLineage(ctx, p.runID); err != nil {
		return nil, err
	} else if ok {
		p.lineage = lineage
	}
	p.logger.Info("population restored", "run_id", p.runID, "last_generation", p.lastGeneration, "size", len(p.order))
	return p, nil
}

// FromSnapshot rebuilds a population without touching a store. The random
// source is reseeded from the snapshot seed and generation so a resumed run
// is deterministic.
func FromSnapshot(cfg *config.Config, snap model.Population, opts Options) (*Population, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if opts.ID == "" {
		opts.ID = snap.ID
	}
	p := newPopulation(cfg, opts, snap.Seed)
	p.rng.Seed(snap.Seed + int64(snap.LastGeneration) + 1)
	p.runID = snap.RunID
	p.lastGeneration = snap.LastGeneration
	p.nextOrdinal = snap.NextOrdinal
	p.damage = append([]model.AppliedDamage(nil), snap.Damage...)
	if snap.Damaged != (len(snap.Damage) > 0) {
		return nil, fmt.Errorf("%w: snapshot flag disagrees with its damage list", ErrDamageMismatch)
	}

	var err error
	if p.base, err = creatureFromRecord(cfg, snap.Base); err != nil {
		return nil, fmt.Errorf("base creature: %w", err)
	}
	for _, rec := range snap.Registry {
		c, err := creatureFromRecord(cfg, rec)
		if err != nil {
			return nil, fmt.Errorf("creature %s: %w", rec.Name, err)
		}
		p.register(c)
	}
	for _, name := range snap.Active {
		c, ok := p.registry[name]
		if !ok {
			return nil, fmt.Errorf("active creature %s missing from registry", name)
		}
		p.active[name] = c
		p.order = append(p.order, name)
	}
	return p, nil
}

func creatureRecord(c *creature.Creature) model.Creature {
	return model.Creature{
		Name:            c.Name,
		Genome:          c.Genome,
		Generation:      c.Generation,
		Episode:         c.Episode,
		FitnessXYZ:      c.FitnessXYZ,
		FitnessEval:     c.FitnessEval,
		PreviousFitness: c.PreviousFitness,
		Score:           c.Score,
		AverageForces:   append([]float64(nil), c.AverageForces...),
		Graph:           c.Graph().State(),
		Baseline:        c.Baseline().State(),
		Controller:      c.Controller().Params(),
		Evolution:       c.Evolution,
	}
}

func creatureFromRecord(cfg *config.Config, rec model.Creature) (*creature.Creature, error) {
	g, err := voxel.FromState(rec.Graph)
	if err != nil {
		return nil, fmt.Errorf("graph: %w", err)
	}
	baseline, err := voxel.FromState(rec.Baseline)
	if err != nil {
		return nil, fmt.Errorf("baseline: %w", err)
	}
	controller, err := nn.FromParams(rec.Controller)
	if err != nil {
		return nil, fmt.Errorf("controller: %w", err)
	}
	c := creature.Assemble(rec.Name, rec.Genome, cfg, g, controller)
	c.SetBaseline(baseline)
	c.Generation = rec.Generation
	c.Episode = rec.Episode
	c.FitnessXYZ = rec.FitnessXYZ
	c.FitnessEval = rec.FitnessEval
	c.PreviousFitness = rec.PreviousFitness
	c.Score = rec.Score
	c.AverageForces = append([]float64(nil), rec.AverageForces...)
	if rec.Evolution != nil {
		c.Evolution = rec.Evolution
	}
	return c, nil
}
