package creature

import (
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"softbot/internal/config"
)

var (
	ErrMissingResult   = errors.New("missing result field")
	ErrMalformedResult = errors.New("malformed result artifact")
)

// Artifacts names every file one (creature, generation, episode) evaluation
// reads or writes. Names are relative to the simulator work directory.
type Artifacts struct {
	Key       string
	Scenario  string
	Fitness   string
	Pressures string
	KE        string
	Strain    string
}

// ArtifactNames derives the per-evaluation file names. Each creature owns a
// disjoint namespace since the key embeds its name.
func ArtifactNames(name string, generation, episode int) Artifacts {
	key := fmt.Sprintf("%s_gen%d_ep%d", name, generation, episode)
	fitness := key + "_fitness.xml"
	return Artifacts{
		Key:       key,
		Scenario:  key + ".vxa",
		Fitness:   fitness,
		Pressures: "pressures" + fitness + ".csv",
		KE:        "ke" + fitness + ".csv",
		Strain:    "strain" + fitness + ".csv",
	}
}

// Required lists the artifacts whose presence marks a finished evaluation.
func (a Artifacts) Required() []string {
	return []string{a.Fitness, a.Pressures}
}

var displacementTags = [3]string{"normDistX", "normDistY", "normDistZ"}

// ReadDisplacement extracts the normalized x/y/z displacement from a fitness
// result document. The fields may appear at any depth.
func ReadDisplacement(r io.Reader) ([3]float64, error) {
	var (
		out   [3]float64
		found [3]bool
	)
	dec := xml.NewDecoder(r)
	dec.Strict = false
	// Result documents declare ISO-8859-1; the fields read here are ASCII.
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("%w: %v", ErrMalformedResult, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		for i, tag := range displacementTags {
			if start.Name.Local != tag {
				continue
			}
			var text string
			if err := dec.DecodeElement(&text, &start); err != nil {
				return out, fmt.Errorf("%w: %s: %v", ErrMalformedResult, tag, err)
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
			if err != nil {
				return out, fmt.Errorf("%w: %s=%q", ErrMalformedResult, tag, text)
			}
			out[i] = v
			found[i] = true
		}
	}
	for i, ok := range found {
		if !ok {
			return out, fmt.Errorf("%w: %s", ErrMissingResult, displacementTags[i])
		}
	}
	return out, nil
}

func ReadDisplacementFile(path string) ([3]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return [3]float64{}, err
	}
	defer f.Close()
	xyz, err := ReadDisplacement(f)
	if err != nil {
		return xyz, fmt.Errorf("%s: %w", path, err)
	}
	return xyz, nil
}

// ReadForceLog averages a per-timestep kinetic energy log into one value per
// voxel. Each row holds one value per voxel followed by a trailing column
// that is ignored; values are multiplied by scale.
func ReadForceLog(r io.Reader, voxels int, scale float64) ([]float64, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	sum := make([]float64, voxels)
	rows := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		if len(record)-1 != voxels {
			return nil, fmt.Errorf("%w: row %d has %d values, want %d", ErrMalformedResult, rows, len(record)-1, voxels)
		}
		for i, field := range record[:voxels] {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d column %d: %q", ErrMalformedResult, rows, i, field)
			}
			sum[i] += v * scale
		}
		rows++
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: empty force log", ErrMissingResult)
	}
	for i := range sum {
		sum[i] /= float64(rows)
	}
	return sum, nil
}

func ReadForceLogFile(path string, voxels int, scale float64) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	avg, err := ReadForceLog(f, voxels, scale)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return avg, nil
}

// Fitness combines displacement components with a weighted power mean:
// M * (Mx*x^Nx + My*y^Ny + Mz*z^Nz)^N.
func Fitness(cfg config.FitnessConfig, xyz [3]float64) float64 {
	x, y, z := xyz[0], xyz[1], xyz[2]
	if cfg.AbsX {
		x = math.Abs(x)
	}
	if cfg.AbsY {
		y = math.Abs(y)
	}
	if cfg.AbsZ {
		z = math.Abs(z)
	}
	inner := cfg.Mx*math.Pow(x, cfg.Nx) + cfg.My*math.Pow(y, cfg.Ny) + cfg.Mz*math.Pow(z, cfg.Nz)
	return cfg.M * math.Pow(inner, cfg.N)
}
