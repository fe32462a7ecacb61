package evo

import (
	"fmt"
	"sort"

	"softbot/internal/creature"
)

// Ranked returns the active creatures sorted by score, best first. Ties keep
// insertion order.
func (p *Population) Ranked() []*creature.Creature {
	return rank(p.Active())
}

// RankedRegistry ranks every creature ever created.
func (p *Population) RankedRegistry() []*creature.Creature {
	return rank(p.Registry())
}

func rank(creatures []*creature.Creature) []*creature.Creature {
	sort.SliceStable(creatures, func(i, j int) bool {
		return creatures[i].Score > creatures[j].Score
	})
	return creatures
}

// SelectAndRegenerate keeps the top cfg.GA.Top creatures unchanged, mutates
// the next cfg.GA.Evolve controllers in place and replaces the rest with
// fresh creatures built from the template.
func (p *Population) SelectAndRegenerate() error {
	size := len(p.order)
	top, evolve := p.cfg.GA.Top, p.cfg.GA.Evolve
	if top < 0 || evolve < 0 {
		return fmt.Errorf("%w: top=%d evolve=%d", ErrQuotaExceeded, top, evolve)
	}
	if top+evolve > size {
		return fmt.Errorf("%w: top=%d evolve=%d size=%d", ErrQuotaExceeded, top, evolve, size)
	}
	if top+evolve == size {
		p.logger.Warn("selection quotas fill the population, no fresh creatures will be generated",
			"top", top, "evolve", evolve, "size", size)
	}

	generation := p.lastGeneration + 1
	ranked := p.Ranked()
	next := make([]*creature.Creature, 0, size)
	next = append(next, ranked[:top]...)
	for _, c := range ranked[top : top+evolve] {
		c.Mutate(p.rng)
		p.recordLineage(c.Name, c.Name, generation, "mutate")
		next = append(next, c)
	}
	for i := top + evolve; i < size; i++ {
		c, err := p.fresh(generation, "fresh")
		if err != nil {
			return err
		}
		next = append(next, c)
	}

	p.active = make(map[string]*creature.Creature, size)
	p.order = p.order[:0]
	for _, c := range next {
		p.add(c)
	}
	p.logger.Debug("population regenerated", "kept", top, "mutated", evolve, "fresh", size-top-evolve)
	return nil
}
