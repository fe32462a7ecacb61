package storage

import (
	"context"
	"testing"

	"softbot/internal/model"
)

// exerciseStore runs the same round trips against any backend.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	if _, ok, err := store.GetPopulation(ctx, "population"); err != nil || ok {
		t.Fatalf("expected empty store, ok=%v err=%v", ok, err)
	}

	population := samplePopulation()
	if err := store.SavePopulation(ctx, population); err != nil {
		t.Fatalf("save population: %v", err)
	}
	population.LastGeneration = 3
	if err := store.SavePopulation(ctx, population); err != nil {
		t.Fatalf("overwrite population: %v", err)
	}
	loaded, ok, err := store.GetPopulation(ctx, "population")
	if err != nil || !ok {
		t.Fatalf("get population: ok=%v err=%v", ok, err)
	}
	if loaded.LastGeneration != 3 || len(loaded.Registry) != 1 || loaded.Registry[0].Name != "creature_0" {
		t.Fatalf("unexpected population: %+v", loaded)
	}

	if err := store.SaveFitnessHistory(ctx, "run-1", []float64{0.1, 0.2, 0.3}); err != nil {
		t.Fatalf("save history: %v", err)
	}
	history, ok, err := store.GetFitnessHistory(ctx, "run-1")
	if err != nil || !ok || len(history) != 3 || history[2] != 0.3 {
		t.Fatalf("unexpected history: %v ok=%v err=%v", history, ok, err)
	}

	diagnostics := []model.GenerationDiagnostics{{Generation: 0, Size: 4, BestFitness: 2, BestName: "creature_1"}}
	if err := store.SaveGenerationDiagnostics(ctx, "run-1", diagnostics); err != nil {
		t.Fatalf("save diagnostics: %v", err)
	}
	gotDiag, ok, err := store.GetGenerationDiagnostics(ctx, "run-1")
	if err != nil || !ok || len(gotDiag) != 1 || gotDiag[0].BestName != "creature_1" {
		t.Fatalf("unexpected diagnostics: %+v ok=%v err=%v", gotDiag, ok, err)
	}

	lineage := []model.LineageRecord{{
		VersionedRecord: Versioned(),
		Name:            "creature_4",
		ParentName:      "creature_1",
		Generation:      1,
		Operation:       "mutate",
	}}
	if err := store.SaveLineage(ctx, "run-1", lineage); err != nil {
		t.Fatalf("save lineage: %v", err)
	}
	gotLineage, ok, err := store.GetLineage(ctx, "run-1")
	if err != nil || !ok || len(gotLineage) != 1 || gotLineage[0].ParentName != "creature_1" {
		t.Fatalf("unexpected lineage: %+v ok=%v err=%v", gotLineage, ok, err)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreDoesNotAlias(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	population := samplePopulation()
	if err := store.SavePopulation(ctx, population); err != nil {
		t.Fatalf("save: %v", err)
	}
	population.Registry[0].Controller.W1[0][0] = 99

	loaded, _, err := store.GetPopulation(ctx, "population")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Registry[0].Controller.W1[0][0] == 99 {
		t.Fatal("stored population aliases caller data")
	}
}

func TestMemoryStoreRequiresInit(t *testing.T) {
	if err := NewMemoryStore().SavePopulation(context.Background(), samplePopulation()); err == nil {
		t.Fatal("expected error before init")
	}
}
