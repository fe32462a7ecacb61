package stats

import (
	"os"
	"path/filepath"
	"testing"

	"softbot/internal/model"
)

func TestWriteRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	artifacts := RunArtifacts{
		Config: RunConfig{
			RunID:          "run-123",
			PopulationID:   "population",
			PopulationSize: 4,
			Episodes:       2,
			Top:            1,
			Evolve:         1,
			Seed:           1,
		},
		LastGeneration:   2,
		BestByGeneration: []float64{0.5, 0.6, 0.7},
		FinalBestFitness: 0.7,
		GenerationDiagnostics: []model.GenerationDiagnostics{
			{Generation: 0, Size: 4, BestFitness: 0.5, MeanFitness: 0.25, BestName: "creature_1"},
			{Generation: 1, Size: 4, BestFitness: 0.6, MeanFitness: 0.3, BestName: "creature_1"},
		},
		Lineage: []model.LineageRecord{{Name: "creature_0", Operation: "seed", Generation: -1}},
	}

	runDir, err := WriteRunArtifacts(baseDir, artifacts)
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}
	for _, file := range []string{"config.json", "fitness_history.json", "lineage.json", "generation_diagnostics.json", "generation_diagnostics.csv"} {
		if _, err := os.Stat(filepath.Join(runDir, file)); err != nil {
			t.Fatalf("expected file %s: %v", file, err)
		}
	}

	rows, err := ReadDiagnosticsCSV(filepath.Join(runDir, "generation_diagnostics.csv"))
	if err != nil {
		t.Fatalf("read diagnostics csv: %v", err)
	}
	if len(rows) != 2 || rows[1].BestFitness != 0.6 || rows[1].BestName != "creature_1" {
		t.Fatalf("unexpected diagnostics rows: %+v", rows)
	}

	if _, err := WriteRunArtifacts(baseDir, RunArtifacts{}); err == nil {
		t.Fatal("expected error for missing run id")
	}
}

func TestRunIndexReplacesAndSorts(t *testing.T) {
	baseDir := t.TempDir()
	entries := []RunIndexEntry{
		{RunID: "a", CreatedAtUTC: "2026-01-01T00:00:00Z", FinalBestFitness: 1},
		{RunID: "b", CreatedAtUTC: "2026-01-02T00:00:00Z", FinalBestFitness: 2},
		{RunID: "a", CreatedAtUTC: "2026-01-03T00:00:00Z", FinalBestFitness: 3},
	}
	for _, e := range entries {
		if err := AppendRunIndex(baseDir, e); err != nil {
			t.Fatalf("append %s: %v", e.RunID, err)
		}
	}
	index, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(index) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(index))
	}
	if index[0].RunID != "a" || index[0].FinalBestFitness != 3 || index[1].RunID != "b" {
		t.Fatalf("unexpected index order: %+v", index)
	}
}

func TestListRunIndexMissing(t *testing.T) {
	index, err := ListRunIndex(t.TempDir())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(index) != 0 {
		t.Fatalf("expected empty index, got %+v", index)
	}
}
