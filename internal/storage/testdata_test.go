package storage

import (
	"softbot/internal/config"
	"softbot/internal/creature"
	"softbot/internal/damage"
	"softbot/internal/model"
	"softbot/internal/nn"
	"softbot/internal/voxel"
)

func samplePopulation() model.Population {
	params := config.StructureConfig{
		Dims:              [3]int{2, 1, 1},
		Sections:          [3]int{1, 1, 1},
		MinStiffness:      1e5,
		MaxStiffness:      1e7,
		BaseStiffness:     5e5,
		ActuatorStiffness: 1e6,
		ActuatorMaterial:  4,
	}
	graph := voxel.State{
		Params:    params,
		Original:  []int{3, 4},
		Materials: []int{3, 4},
		Stiffness: []float64{5e5, 1e6},
	}
	controller := nn.Params{
		Activation: "tanh",
		Bounds:     [2]float64{-1, 1},
		Noise:      0.1,
		Step:       0.05,
		W1:         [][]float64{{0.5, -0.25, 0.125}},
		B1:         []float64{0},
		W2:         [][]float64{{0.75}},
		B2:         []float64{0},
	}
	c := model.Creature{
		Name:        "creature_0",
		Genome:      0.4,
		Generation:  2,
		Episode:     1,
		FitnessXYZ:  [3]float64{1.5, 0, 0},
		FitnessEval: 1.5,
		Score:       1.5,
		Graph:       graph,
		Baseline:    graph,
		Controller:  controller,
		Evolution: map[int]map[int]creature.EpisodeRecord{
			2: {1: {FitnessEval: 1.5, Controller: controller}},
		},
	}
	d := damage.Descriptor{Selector: damage.Sections(0), Operation: damage.Scale(0.5)}
	return model.Population{
		VersionedRecord: Versioned(),
		ID:              "population",
		RunID:           "run-1",
		LastGeneration:  2,
		NextOrdinal:     1,
		Damaged:         true,
		Damage:          []model.AppliedDamage{{Descriptor: d}},
		Base:            c,
		Active:          []string{"creature_0"},
		Registry:        []model.Creature{c},
	}
}
