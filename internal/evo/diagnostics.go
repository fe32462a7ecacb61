package evo

import (
	"softbot/internal/creature"
	"softbot/internal/model"
)

func summarizeGeneration(generation int, ranked []*creature.Creature) model.GenerationDiagnostics {
	if len(ranked) == 0 {
		return model.GenerationDiagnostics{Generation: generation}
	}

	total := 0.0
	minFitness := ranked[0].Score
	for _, c := range ranked {
		total += c.Score
		if c.Score < minFitness {
			minFitness = c.Score
		}
	}
	return model.GenerationDiagnostics{
		Generation:  generation,
		Size:        len(ranked),
		BestFitness: ranked[0].Score,
		MeanFitness: total / float64(len(ranked)),
		MinFitness:  minFitness,
		BestName:    ranked[0].Name,
	}
}
