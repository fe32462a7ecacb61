package model

import (
	"softbot/internal/creature"
	"softbot/internal/damage"
	"softbot/internal/nn"
	"softbot/internal/voxel"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Creature is the persisted form of one individual, including the baseline
// structure its generation resets to.
type Creature struct {
	Name            string                                 `json:"name"`
	Genome          float64                                `json:"genome"`
	Generation      int                                    `json:"generation"`
	Episode         int                                    `json:"episode"`
	FitnessXYZ      [3]float64                             `json:"fitness_xyz"`
	FitnessEval     float64                                `json:"fitness_eval"`
	PreviousFitness float64                                `json:"previous_fitness"`
	Score           float64                                `json:"score"`
	AverageForces   []float64                              `json:"average_forces,omitempty"`
	Graph           voxel.State                            `json:"graph"`
	Baseline        voxel.State                            `json:"baseline"`
	Controller      nn.Params                              `json:"controller"`
	Evolution       map[int]map[int]creature.EpisodeRecord `json:"evolution,omitempty"`
}

// Population is the whole resumable run state. It is saved and loaded as one
// record.
type Population struct {
	VersionedRecord
	ID             string          `json:"id"`
	RunID          string          `json:"run_id"`
	LastGeneration int             `json:"last_generation"`
	NextOrdinal    int             `json:"next_ordinal"`
	Damaged        bool            `json:"damaged"`
	Damage         []AppliedDamage `json:"damage,omitempty"`
	Seed           int64           `json:"seed"`
	Base           Creature        `json:"base"`
	Active         []string        `json:"active"`
	Registry       []Creature      `json:"registry"`
}

// AppliedDamage is one damage inflicted on a population. OnBase records that
// the template creature already carries it.
type AppliedDamage struct {
	Descriptor damage.Descriptor `json:"descriptor"`
	OnBase     bool              `json:"on_base"`
}

// LineageRecord notes how a creature entered the population.
type LineageRecord struct {
	VersionedRecord
	Name       string `json:"name"`
	ParentName string `json:"parent_name,omitempty"`
	Generation int    `json:"generation"`
	Operation  string `json:"operation"`
}

// GenerationDiagnostics summarizes the scores of one completed generation.
type GenerationDiagnostics struct {
	Generation  int     `json:"generation" csv:"generation"`
	Size        int     `json:"size" csv:"size"`
	BestFitness float64 `json:"best_fitness" csv:"best_fitness"`
	MeanFitness float64 `json:"mean_fitness" csv:"mean_fitness"`
	MinFitness  float64 `json:"min_fitness" csv:"min_fitness"`
	BestName    string  `json:"best_name" csv:"best_name"`
}
