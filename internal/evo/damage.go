package evo

import (
	"fmt"

	"softbot/internal/creature"
	"softbot/internal/damage"
	"softbot/internal/model"
)

// InflictDamage replaces each targeted active creature with a damaged copy
// named with the damage tag. The undamaged originals stay in the registry.
// targets nil means the whole active set. With onBase the template is
// damaged too, so later fresh creatures are built already damaged.
func (p *Population) InflictDamage(d damage.Descriptor, targets []string, onBase bool) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.Selector.CenterOnly() {
		p.logger.Warn("sphere radius 1 selects only the center voxel, no neighbor will be damaged",
			"center", d.Selector.Center.String(), "damage", d.Label())
	}
	if targets == nil {
		targets = append([]string(nil), p.order...)
	}

	generation := p.lastGeneration + 1
	replaced := make(map[string]*creature.Creature, len(targets))
	for _, name := range targets {
		c, ok := p.active[name]
		if !ok {
			return fmt.Errorf("damage target %s is not in the active set", name)
		}
		damaged := c.Clone(c.Name)
		if err := damaged.ApplyDamage(d); err != nil {
			return err
		}
		if _, exists := p.registry[damaged.Name]; exists {
			return fmt.Errorf("%w: %s", ErrNameCollision, damaged.Name)
		}
		replaced[name] = damaged
	}

	for i, name := range p.order {
		damaged, ok := replaced[name]
		if !ok {
			continue
		}
		delete(p.active, name)
		p.active[damaged.Name] = damaged
		p.order[i] = damaged.Name
		p.register(damaged)
		p.recordLineage(damaged.Name, name, generation, "damage")
	}

	if onBase {
		if err := p.base.ApplyDamage(d); err != nil {
			return err
		}
	}
	p.damage = append(p.damage, model.AppliedDamage{Descriptor: d, OnBase: onBase})
	p.logger.Info("damage inflicted", "damage", d.Label(), "creatures", len(replaced), "on_base", onBase)
	return nil
}

// DamagedOptions configures a damaged population derived from an evolved
// one.
type DamagedOptions struct {
	Options
	Damage damage.Descriptor
	// Top is the number of best registry creatures carried over; zero means
	// the configured population size.
	Top            int
	ResetEvolution bool
	OnBase         bool
}

// NewDamaged seeds a population with copies of the best creatures src ever
// produced, then damages all of them. Generation numbering continues from
// src unless the evolution logs are reset.
func NewDamaged(src *Population, opts DamagedOptions) (*Population, error) {
	top := opts.Top
	if top <= 0 {
		top = src.cfg.GA.PopSize
	}
	ranked := src.RankedRegistry()
	if top > len(ranked) {
		top = len(ranked)
	}
	if opts.ID == "" {
		opts.ID = src.id + "_damaged"
	}

	p := newPopulation(src.cfg, opts.Options, src.seed+1)
	p.runID = src.runID + "-" + opts.Damage.Label()
	p.base = src.base.Clone(src.base.Name)
	p.nextOrdinal = src.nextOrdinal
	p.lastGeneration = src.lastGeneration
	if opts.ResetEvolution {
		p.lastGeneration = -1
	}
	for _, c := range ranked[:top] {
		copied := c.Clone(c.Name)
		if opts.ResetEvolution {
			copied.ResetEvolution()
		}
		p.add(copied)
		p.recordLineage(copied.Name, c.Name, p.lastGeneration+1, "seed")
	}
	if err := p.InflictDamage(opts.Damage, nil, opts.OnBase); err != nil {
		return nil, err
	}
	return p, nil
}
