// Package scenario turns a creature's structure into the text the external
// simulator consumes.
package scenario

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var ErrInvalidInput = errors.New("invalid scenario input")

// Input is everything a serializer needs from one creature evaluation.
// Grids are flat, x fastest, then y, then z.
type Input struct {
	Name        string
	Dims        [3]int
	Morphology  []int
	Stiffness   []float64
	FitnessFile string
}

func (in Input) Validate() error {
	n := in.Dims[0] * in.Dims[1] * in.Dims[2]
	if n <= 0 {
		return fmt.Errorf("%w: dims %v", ErrInvalidInput, in.Dims)
	}
	if len(in.Morphology) != n || len(in.Stiffness) != n {
		return fmt.Errorf("%w: %d materials and %d stiffness values for %d voxels", ErrInvalidInput, len(in.Morphology), len(in.Stiffness), n)
	}
	if in.FitnessFile == "" {
		return fmt.Errorf("%w: fitness file name is required", ErrInvalidInput)
	}
	return nil
}

type Serializer interface {
	Serialize(w io.Writer, in Input) error
}

// WriteFile serializes to path via a temporary file so a polling reader never
// sees a partial scenario.
func WriteFile(s Serializer, path string, in Input) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".scenario-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := s.Serialize(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("serialize %s: %w", in.Name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
