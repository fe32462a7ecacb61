package storage

import (
	"errors"
	"testing"

	"softbot/internal/model"
)

func TestPopulationCodecRoundTrip(t *testing.T) {
	input := samplePopulation()
	data, err := EncodePopulation(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	output, err := DecodePopulation(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if output.ID != input.ID || output.LastGeneration != 2 || !output.Damaged || len(output.Damage) != 1 {
		t.Fatalf("unexpected population header: %+v", output)
	}
	if output.Damage[0].Descriptor.Tag() != input.Damage[0].Descriptor.Tag() {
		t.Fatalf("damage tag mismatch: got=%s want=%s", output.Damage[0].Descriptor.Tag(), input.Damage[0].Descriptor.Tag())
	}
	got := output.Registry[0]
	if got.Name != "creature_0" || got.Score != 1.5 || got.Controller.W1[0][1] != -0.25 {
		t.Fatalf("unexpected creature record: %+v", got)
	}
	if rec, ok := got.Evolution[2][1]; !ok || rec.FitnessEval != 1.5 {
		t.Fatalf("evolution log lost: %+v", got.Evolution)
	}
}

func TestDecodePopulationVersionMismatch(t *testing.T) {
	input := samplePopulation()
	input.SchemaVersion = CurrentSchemaVersion + 1
	data, err := EncodePopulation(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodePopulation(data); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestDecodeLineageVersionMismatch(t *testing.T) {
	data, err := EncodeLineage([]model.LineageRecord{{Name: "creature_3", Operation: "fresh"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeLineage(data); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestDiagnosticsCodecRoundTrip(t *testing.T) {
	input := []model.GenerationDiagnostics{{Generation: 0, Size: 4, BestFitness: 2, MeanFitness: 1, MinFitness: 0, BestName: "creature_1"}}
	data, err := EncodeGenerationDiagnostics(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	output, err := DecodeGenerationDiagnostics(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(output) != 1 || output[0] != input[0] {
		t.Fatalf("unexpected diagnostics: %+v", output)
	}
}

func TestPopulationCodecRejectsInconsistentSnapshots(t *testing.T) {
	unregistered := samplePopulation()
	unregistered.Active = append(unregistered.Active, "creature_9")
	if _, err := EncodePopulation(unregistered); !errors.Is(err, ErrCorruptSnapshot) {
		t.Fatalf("expected ErrCorruptSnapshot for unregistered active creature, got %v", err)
	}

	duplicated := samplePopulation()
	duplicated.Registry = append(duplicated.Registry, duplicated.Registry[0])
	if _, err := EncodePopulation(duplicated); !errors.Is(err, ErrCorruptSnapshot) {
		t.Fatalf("expected ErrCorruptSnapshot for duplicate registry entry, got %v", err)
	}

	data := []byte(`{"schema_version":1,"codec_version":1,"id":"population","active":["ghost"],"registry":[]}`)
	if _, err := DecodePopulation(data); !errors.Is(err, ErrCorruptSnapshot) {
		t.Fatalf("expected ErrCorruptSnapshot on decode, got %v", err)
	}
}
