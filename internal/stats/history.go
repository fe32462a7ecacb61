package stats

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/gocarina/gocsv"

	"softbot/internal/creature"
)

// EvolutionDocument keys a creature's evolution log as gen_<g> → ep_<e>.
func EvolutionDocument(evolution map[int]map[int]creature.EpisodeRecord) map[string]map[string]creature.EpisodeRecord {
	doc := make(map[string]map[string]creature.EpisodeRecord, len(evolution))
	for gen, eps := range evolution {
		out := make(map[string]creature.EpisodeRecord, len(eps))
		for ep, rec := range eps {
			out[fmt.Sprintf("ep_%d", ep)] = rec
		}
		doc[fmt.Sprintf("gen_%d", gen)] = out
	}
	return doc
}

// WriteEvolution writes <outDir>/<name>/evolution.json and returns its path.
func WriteEvolution(outDir, name string, evolution map[int]map[int]creature.EpisodeRecord) (string, error) {
	dir := filepath.Join(outDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "evolution.json")
	return path, writeJSON(path, EvolutionDocument(evolution))
}

// ReadEvolution loads a document written by WriteEvolution.
func ReadEvolution(outDir, name string) (map[string]map[string]creature.EpisodeRecord, bool, error) {
	var doc map[string]map[string]creature.EpisodeRecord
	ok, err := readJSON(filepath.Join(outDir, name, "evolution.json"), &doc)
	return doc, ok, err
}

// Performance is one row of a ranked summary.
type Performance struct {
	Rank    int     `csv:"rank"`
	Name    string  `csv:"name"`
	Fitness float64 `csv:"fitness"`
}

// RankCreatures sorts by score, best first, keeping the given order on ties.
func RankCreatures(creatures []*creature.Creature) []Performance {
	sorted := append([]*creature.Creature(nil), creatures...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})
	out := make([]Performance, len(sorted))
	for i, c := range sorted {
		out[i] = Performance{Rank: i + 1, Name: c.Name, Fitness: c.Score}
	}
	return out
}

// WritePerformance writes performance_<label>.json, a ranked list of
// single-entry {name: fitness} objects, and the same rows as
// performance_<label>.csv. It returns the JSON path.
func WritePerformance(outDir, label string, ranked []Performance) (string, error) {
	if label == "" {
		return "", fmt.Errorf("performance label is required")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	doc := make([]map[string]float64, len(ranked))
	for i, p := range ranked {
		doc[i] = map[string]float64{p.Name: p.Fitness}
	}
	jsonPath := filepath.Join(outDir, "performance_"+label+".json")
	if err := writeJSON(jsonPath, doc); err != nil {
		return "", err
	}

	f, err := os.Create(filepath.Join(outDir, "performance_"+label+".csv"))
	if err != nil {
		return "", err
	}
	rows := ranked
	if rows == nil {
		rows = []Performance{}
	}
	if err := closeWith(gocsv.MarshalFile(&rows, f), f); err != nil {
		return "", fmt.Errorf("writing performance csv: %w", err)
	}
	return jsonPath, nil
}
