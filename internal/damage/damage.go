// Package damage selects regions of a voxel graph and alters them.
package damage

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"softbot/internal/voxel"
)

var (
	ErrInvalidOperation = errors.New("invalid damage operation")
	ErrUnknownOperation = errors.New("unknown damage operation")
	ErrInvalidSelector  = errors.New("invalid damage selector")
)

type OpKind string

const (
	OpRemove OpKind = "remove"
	OpScale  OpKind = "scale"
	OpSet    OpKind = "set"
	OpOffset OpKind = "offset"
)

// Operation is exactly one structural alteration. Value is the factor for
// scale, the stiffness for set and the delta for offset.
type Operation struct {
	Kind  OpKind  `json:"kind"`
	Value float64 `json:"value,omitempty"`
}

func Remove() Operation { return Operation{Kind: OpRemove} }

func Scale(factor float64) Operation { return Operation{Kind: OpScale, Value: factor} }

func Set(stiffness float64) Operation { return Operation{Kind: OpSet, Value: stiffness} }

func Offset(delta float64) Operation { return Operation{Kind: OpOffset, Value: delta} }

// Divide scales by 1/divisor.
func Divide(divisor float64) (Operation, error) {
	if divisor == 0 || math.IsNaN(divisor) || math.IsInf(divisor, 0) {
		return Operation{}, fmt.Errorf("%w: divisor must be finite and non-zero, got %v", ErrInvalidOperation, divisor)
	}
	return Scale(1 / divisor), nil
}

// ParseOperation maps an operation name and magnitude onto an Operation.
// Accepted names: remove, scale|multiply, divide, set, offset|increase, decrease.
func ParseOperation(name string, value float64) (Operation, error) {
	var op Operation
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "remove":
		op = Remove()
	case "scale", "multiply", "mult":
		op = Scale(value)
	case "divide", "div":
		return Divide(value)
	case "set":
		op = Set(value)
	case "offset", "increase", "add":
		op = Offset(value)
	case "decrease", "reduce", "red":
		op = Offset(-value)
	default:
		return Operation{}, fmt.Errorf("%w: %q", ErrUnknownOperation, name)
	}
	return op, op.Validate()
}

func (o Operation) Validate() error {
	switch o.Kind {
	case OpRemove:
		return nil
	case OpScale, OpSet, OpOffset:
		if math.IsNaN(o.Value) || math.IsInf(o.Value, 0) {
			return fmt.Errorf("%w: %s value must be finite, got %v", ErrInvalidOperation, o.Kind, o.Value)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOperation, o.Kind)
	}
}

func (o Operation) apply(stiffness float64) float64 {
	switch o.Kind {
	case OpScale:
		return stiffness * o.Value
	case OpSet:
		return o.Value
	case OpOffset:
		return stiffness + o.Value
	}
	return stiffness
}

func (o Operation) tag() string {
	if o.Kind == OpRemove {
		return string(o.Kind)
	}
	return string(o.Kind) + "_" + formatFloat(o.Value)
}

type SelectorKind string

const (
	SelectSections SelectorKind = "sections"
	SelectSphere   SelectorKind = "sphere"
)

// Selector picks the voxels an operation touches.
type Selector struct {
	Kind     SelectorKind `json:"kind"`
	Sections []int        `json:"sections,omitempty"`
	Center   voxel.Coord  `json:"center,omitempty"`
	Radius   int          `json:"radius,omitempty"`
}

func Sections(ids ...int) Selector {
	return Selector{Kind: SelectSections, Sections: append([]int(nil), ids...)}
}

func Sphere(center voxel.Coord, radius int) Selector {
	return Selector{Kind: SelectSphere, Center: center, Radius: radius}
}

func (s Selector) Validate() error {
	switch s.Kind {
	case SelectSections:
		if len(s.Sections) == 0 {
			return fmt.Errorf("%w: no sections given", ErrInvalidSelector)
		}
	case SelectSphere:
		if s.Radius < 1 {
			return fmt.Errorf("%w: %w", ErrInvalidSelector, voxel.ErrInvalidRadius)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSelector, s.Kind)
	}
	return nil
}

// CenterOnly reports a sphere that reaches no neighbor of its center.
func (s Selector) CenterOnly() bool {
	return s.Kind == SelectSphere && s.Radius == 1
}

// Select resolves the selector against a graph.
func (s Selector) Select(g *voxel.Graph) ([]int, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Kind == SelectSections {
		return g.InSections(s.Sections)
	}
	return g.VoxelsInRadius(s.Center, s.Radius)
}

func (s Selector) tag() string {
	if s.Kind == SelectSections {
		parts := make([]string, len(s.Sections))
		for i, id := range s.Sections {
			parts[i] = strconv.Itoa(id)
		}
		return "sect_" + strings.Join(parts, "_")
	}
	return fmt.Sprintf("sphere_%d_%d_%d_r%d", s.Center.X, s.Center.Y, s.Center.Z, s.Radius)
}

// Descriptor is a complete, reapplicable damage: where and what.
type Descriptor struct {
	Selector  Selector  `json:"selector"`
	Operation Operation `json:"operation"`
}

func (d Descriptor) Validate() error {
	if err := d.Selector.Validate(); err != nil {
		return err
	}
	return d.Operation.Validate()
}

// Tag is the deterministic suffix appended to a damaged creature's name.
func (d Descriptor) Tag() string {
	return "_" + d.Selector.tag() + "_" + d.Operation.tag()
}

// Label is Tag without the leading separator.
func (d Descriptor) Label() string {
	return strings.TrimPrefix(d.Tag(), "_")
}

// Apply alters every selected mutable voxel, then prunes isolated mass. It
// returns the number of voxels the operation changed, excluding pruning.
func (d Descriptor) Apply(g *voxel.Graph) (int, error) {
	if err := d.Validate(); err != nil {
		return 0, err
	}
	targets, err := d.Selector.Select(g)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, i := range targets {
		v := g.Voxel(i)
		if !v.Mutable {
			continue
		}
		var ok bool
		if d.Operation.Kind == OpRemove {
			ok = g.Remove(i)
		} else {
			ok = g.SetStiffness(i, d.Operation.apply(v.Stiffness))
		}
		if ok {
			changed++
		}
	}
	g.PruneIsolated()
	return changed, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
