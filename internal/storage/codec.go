package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"softbot/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var (
	ErrVersionMismatch = errors.New("record version mismatch")
	ErrCorruptSnapshot = errors.New("corrupt population snapshot")
)

// Versioned stamps a record with the current schema and codec versions.
func Versioned() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

// EncodePopulation refuses snapshots that could not be restored, so a save
// either writes a consistent population or nothing.
func EncodePopulation(p model.Population) ([]byte, error) {
	if err := checkPopulation(p); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

func DecodePopulation(data []byte) (model.Population, error) {
	var population model.Population
	if err := json.Unmarshal(data, &population); err != nil {
		return model.Population{}, err
	}
	if err := checkVersion(population.VersionedRecord); err != nil {
		return model.Population{}, err
	}
	if err := checkPopulation(population); err != nil {
		return model.Population{}, err
	}
	return population, nil
}

func EncodeLineage(records []model.LineageRecord) ([]byte, error) {
	return json.Marshal(records)
}

func DecodeLineage(data []byte) ([]model.LineageRecord, error) {
	var records []model.LineageRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	for _, record := range records {
		if err := checkVersion(record.VersionedRecord); err != nil {
			return nil, fmt.Errorf("lineage %s: %w", record.Name, err)
		}
	}
	return records, nil
}

func EncodeFitnessHistory(history []float64) ([]byte, error) {
	return json.Marshal(history)
}

func DecodeFitnessHistory(data []byte) ([]float64, error) {
	var history []float64
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, err
	}
	return history, nil
}

func EncodeGenerationDiagnostics(diagnostics []model.GenerationDiagnostics) ([]byte, error) {
	return json.Marshal(diagnostics)
}

func DecodeGenerationDiagnostics(data []byte) ([]model.GenerationDiagnostics, error) {
	var diagnostics []model.GenerationDiagnostics
	if err := json.Unmarshal(data, &diagnostics); err != nil {
		return nil, err
	}
	return diagnostics, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return fmt.Errorf("%w: schema=%d codec=%d", ErrVersionMismatch, v.SchemaVersion, v.CodecVersion)
	}
	return nil
}

// checkPopulation verifies that registry names are unique and that every
// active creature is registered.
func checkPopulation(p model.Population) error {
	names := make(map[string]struct{}, len(p.Registry))
	for _, c := range p.Registry {
		if _, dup := names[c.Name]; dup {
			return fmt.Errorf("%w: %s: creature %q registered twice", ErrCorruptSnapshot, p.ID, c.Name)
		}
		names[c.Name] = struct{}{}
	}
	for _, name := range p.Active {
		if _, ok := names[name]; !ok {
			return fmt.Errorf("%w: %s: active creature %q is not registered", ErrCorruptSnapshot, p.ID, name)
		}
	}
	return nil
}
