// Package voxel owns the spatial and material model of one creature: a flat
// arena of voxels with index-based adjacency and section membership.
package voxel

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/traverse"

	"softbot/internal/config"
)

var (
	ErrNotFound       = errors.New("voxel not found")
	ErrSectionTiling  = errors.New("sections do not tile the grid")
	ErrInvalidRadius  = errors.New("radius must be >= 1")
	ErrTemplateShape  = errors.New("template does not match dims")
	ErrFieldShape     = errors.New("stiffness field does not match grid")
	ErrUnknownSection = errors.New("unknown section")
)

type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (c Coord) String() string {
	return fmt.Sprintf("(%d,%d,%d)", c.X, c.Y, c.Z)
}

// Voxel is one lattice cell. Neighbors are indices into the owning graph.
type Voxel struct {
	Coord            Coord   `json:"coord"`
	Material         int     `json:"material"`
	OriginalMaterial int     `json:"original_material"`
	Stiffness        float64 `json:"stiffness"`
	Mutable          bool    `json:"mutable"`
	Section          int     `json:"section"`
	Neighbors        []int   `json:"neighbors"`
}

func (v Voxel) Removed() bool {
	return v.Material == 0
}

// Graph is the full voxel set of one creature. Voxels are stored x fastest,
// then y, then z.
type Graph struct {
	params   config.StructureConfig
	voxels   []Voxel
	sections int
	adj      *simple.UndirectedGraph
}

// Build allocates one voxel per template cell, links 6-connected neighbors
// and assigns each voxel to exactly one section.
func Build(params config.StructureConfig) (*Graph, error) {
	materials, err := ParseTemplate(params.Dims, params.Template)
	if err != nil {
		return nil, err
	}
	return BuildFromMaterials(params, materials)
}

// ParseTemplate converts digit-string layers into a flat material slice.
func ParseTemplate(dims [3]int, layers []string) ([]int, error) {
	if len(layers) != dims[2] {
		return nil, fmt.Errorf("%w: %d layers, want %d", ErrTemplateShape, len(layers), dims[2])
	}
	out := make([]int, 0, dims[0]*dims[1]*dims[2])
	for z, layer := range layers {
		if len(layer) != dims[0]*dims[1] {
			return nil, fmt.Errorf("%w: layer %d has %d cells, want %d", ErrTemplateShape, z, len(layer), dims[0]*dims[1])
		}
		for i, r := range layer {
			if r < '0' || r > '9' {
				return nil, fmt.Errorf("%w: layer %d cell %d is %q", ErrTemplateShape, z, i, r)
			}
			out = append(out, int(r-'0'))
		}
	}
	return out, nil
}

// BuildFromMaterials is Build over an already decoded flat material slice.
func BuildFromMaterials(params config.StructureConfig, materials []int) (*Graph, error) {
	dims := params.Dims
	total := dims[0] * dims[1] * dims[2]
	if total <= 0 || len(materials) != total {
		return nil, fmt.Errorf("%w: %d materials for dims %v", ErrTemplateShape, len(materials), dims)
	}
	sectionSize, err := sectionSizes(dims, params.Sections)
	if err != nil {
		return nil, err
	}

	g := &Graph{
		params:   cloneParams(params),
		voxels:   make([]Voxel, total),
		sections: params.Sections[0] * params.Sections[1] * params.Sections[2],
	}
	for i := range g.voxels {
		c := g.coordOf(i)
		material := materials[i]
		v := Voxel{
			Coord:            c,
			Material:         material,
			OriginalMaterial: material,
			Mutable:          material != 0 && !params.IsFixedMaterial(material),
			Section:          sectionIndex(c, sectionSize, params.Sections),
		}
		switch {
		case material == 0:
			v.Stiffness = params.MinStiffness
		case material == params.ActuatorMaterial:
			v.Stiffness = params.ActuatorStiffness
		default:
			v.Stiffness = params.BaseStiffness
		}
		g.voxels[i] = v
	}
	g.link()
	return g, nil
}

func sectionSizes(dims, counts [3]int) ([3]int, error) {
	var size [3]int
	for axis := range dims {
		if counts[axis] <= 0 {
			return size, fmt.Errorf("%w: axis %d has %d sections", ErrSectionTiling, axis, counts[axis])
		}
		if dims[axis]%counts[axis] != 0 {
			return size, fmt.Errorf("%w: axis %d length %d is not divisible by %d sections", ErrSectionTiling, axis, dims[axis], counts[axis])
		}
		size[axis] = dims[axis] / counts[axis]
	}
	return size, nil
}

func sectionIndex(c Coord, size, counts [3]int) int {
	sx, sy, sz := c.X/size[0], c.Y/size[1], c.Z/size[2]
	return sz*counts[0]*counts[1] + sy*counts[0] + sx
}

func (g *Graph) link() {
	g.adj = simple.NewUndirectedGraph()
	for i := range g.voxels {
		g.adj.AddNode(simple.Node(i))
	}
	offsets := []Coord{{-1, 0, 0}, {1, 0, 0}, {0, -1, 0}, {0, 1, 0}, {0, 0, -1}, {0, 0, 1}}
	for i := range g.voxels {
		c := g.voxels[i].Coord
		neighbors := make([]int, 0, len(offsets))
		for _, off := range offsets {
			j, ok := g.Index(Coord{X: c.X + off.X, Y: c.Y + off.Y, Z: c.Z + off.Z})
			if !ok {
				continue
			}
			neighbors = append(neighbors, j)
			if j > i {
				g.adj.SetEdge(g.adj.NewEdge(simple.Node(i), simple.Node(j)))
			}
		}
		g.voxels[i].Neighbors = neighbors
	}
}

func (g *Graph) coordOf(i int) Coord {
	x, y := g.params.Dims[0], g.params.Dims[1]
	return Coord{X: i % x, Y: (i / x) % y, Z: i / (x * y)}
}

// Index maps a coordinate to its flat index.
func (g *Graph) Index(c Coord) (int, bool) {
	d := g.params.Dims
	if c.X < 0 || c.Y < 0 || c.Z < 0 || c.X >= d[0] || c.Y >= d[1] || c.Z >= d[2] {
		return 0, false
	}
	return (c.Z*d[1]+c.Y)*d[0] + c.X, true
}

func (g *Graph) FindByCoordinates(c Coord) (int, error) {
	i, ok := g.Index(c)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, c)
	}
	return i, nil
}

func (g *Graph) Dims() [3]int { return g.params.Dims }

func (g *Graph) Len() int { return len(g.voxels) }

func (g *Graph) SectionCount() int { return g.sections }

func (g *Graph) Params() config.StructureConfig { return cloneParams(g.params) }

// Voxel returns a copy of voxel i.
func (g *Graph) Voxel(i int) Voxel {
	v := g.voxels[i]
	v.Neighbors = append([]int(nil), v.Neighbors...)
	return v
}

// Morphology returns the flat material grid.
func (g *Graph) Morphology() []int {
	out := make([]int, len(g.voxels))
	for i, v := range g.voxels {
		out[i] = v.Material
	}
	return out
}

// Stiffness returns the flat stiffness grid, parallel to Morphology.
func (g *Graph) Stiffness() []float64 {
	out := make([]float64, len(g.voxels))
	for i, v := range g.voxels {
		out[i] = v.Stiffness
	}
	return out
}

// InSections returns the indices of voxels belonging to any of the sections.
func (g *Graph) InSections(sections []int) ([]int, error) {
	want := make(map[int]struct{}, len(sections))
	for _, s := range sections {
		if s < 0 || s >= g.sections {
			return nil, fmt.Errorf("%w: %d (have %d)", ErrUnknownSection, s, g.sections)
		}
		want[s] = struct{}{}
	}
	var out []int
	for i, v := range g.voxels {
		if _, ok := want[v.Section]; ok {
			out = append(out, i)
		}
	}
	return out, nil
}

// VoxelsInRadius expands breadth-first from center over radius-1 hops of the
// neighbor graph. Radius 1 yields only the center.
func (g *Graph) VoxelsInRadius(center Coord, radius int) ([]int, error) {
	if radius < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidRadius, radius)
	}
	start, err := g.FindByCoordinates(center)
	if err != nil {
		return nil, err
	}
	maxDepth := radius - 1
	var out []int
	bfs := traverse.BreadthFirst{}
	bfs.Walk(g.adj, simple.Node(start), func(n graph.Node, depth int) bool {
		if depth > maxDepth {
			return true
		}
		out = append(out, int(n.ID()))
		return false
	})
	return out, nil
}

// Remove voids voxel i. Non-mutable voxels are left untouched.
func (g *Graph) Remove(i int) bool {
	v := &g.voxels[i]
	if !v.Mutable || v.Material == 0 {
		return false
	}
	v.Material = 0
	v.Stiffness = g.params.MinStiffness
	return true
}

// SetStiffness writes a raw stiffness and re-derives the material band for
// one mutable, non-void voxel.
func (g *Graph) SetStiffness(i int, stiffness float64) bool {
	v := &g.voxels[i]
	if !v.Mutable || v.Material == 0 {
		return false
	}
	g.band(v, stiffness)
	return true
}

func (g *Graph) band(v *Voxel, stiffness float64) {
	p := g.params
	if v.OriginalMaterial == p.ActuatorMaterial {
		v.Stiffness = p.ActuatorStiffness
		v.Material = p.ActuatorMaterial
		return
	}
	switch {
	case stiffness > p.MaxStiffness:
		v.Stiffness = p.MaxStiffness
		v.Material = p.MorphMax
	case stiffness < p.MinStiffness:
		v.Stiffness = p.MinStiffness
		v.Material = p.MorphMin
	default:
		v.Stiffness = stiffness
		v.Material = p.MorphBetween
	}
}

// ApplyStiffnessField sets every mutable voxel from the field and re-derives
// its material id, then prunes isolated mass. Removed voxels stay removed.
func (g *Graph) ApplyStiffnessField(field []float64) error {
	if len(field) != len(g.voxels) {
		return fmt.Errorf("%w: %d values for %d voxels", ErrFieldShape, len(field), len(g.voxels))
	}
	for i := range g.voxels {
		g.SetStiffness(i, field[i])
	}
	g.PruneIsolated()
	return nil
}

// PruneIsolated removes every mutable, non-void voxel whose neighbors are all
// void. It is a single pass: a voxel removed here had only void neighbors, so
// its removal cannot isolate anything else.
func (g *Graph) PruneIsolated() int {
	isolated := g.Isolated()
	for _, i := range isolated {
		g.Remove(i)
	}
	return len(isolated)
}

// Isolated lists mutable, non-void voxels with no non-void neighbor.
func (g *Graph) Isolated() []int {
	var out []int
	for i, v := range g.voxels {
		if !v.Mutable || v.Material == 0 {
			continue
		}
		alone := true
		for _, n := range v.Neighbors {
			if g.voxels[n].Material != 0 {
				alone = false
				break
			}
		}
		if alone {
			out = append(out, i)
		}
	}
	return out
}

// Restore overwrites materials and stiffness from flat grids previously taken
// from Morphology and Stiffness.
func (g *Graph) Restore(materials []int, stiffness []float64) error {
	if len(materials) != len(g.voxels) || len(stiffness) != len(g.voxels) {
		return fmt.Errorf("%w: restore %d/%d values for %d voxels", ErrFieldShape, len(materials), len(stiffness), len(g.voxels))
	}
	for i := range g.voxels {
		g.voxels[i].Material = materials[i]
		g.voxels[i].Stiffness = stiffness[i]
	}
	return nil
}

// Clone deep-copies the arena. Neighbor lists are copied, the adjacency graph
// is shared since topology never changes after Build.
func (g *Graph) Clone() *Graph {
	out := &Graph{
		params:   cloneParams(g.params),
		voxels:   make([]Voxel, len(g.voxels)),
		sections: g.sections,
		adj:      g.adj,
	}
	for i, v := range g.voxels {
		v.Neighbors = append([]int(nil), v.Neighbors...)
		out.voxels[i] = v
	}
	return out
}

// State is the persisted form of a graph. Topology is rebuilt from Params and
// Original on load.
type State struct {
	Params    config.StructureConfig `json:"params"`
	Original  []int                  `json:"original"`
	Materials []int                  `json:"materials"`
	Stiffness []float64              `json:"stiffness"`
}

func (g *Graph) State() State {
	original := make([]int, len(g.voxels))
	for i, v := range g.voxels {
		original[i] = v.OriginalMaterial
	}
	return State{
		Params:    cloneParams(g.params),
		Original:  original,
		Materials: g.Morphology(),
		Stiffness: g.Stiffness(),
	}
}

func FromState(s State) (*Graph, error) {
	g, err := BuildFromMaterials(s.Params, s.Original)
	if err != nil {
		return nil, err
	}
	if err := g.Restore(s.Materials, s.Stiffness); err != nil {
		return nil, err
	}
	return g, nil
}

func cloneParams(p config.StructureConfig) config.StructureConfig {
	p.Template = append([]string(nil), p.Template...)
	p.FixedMaterials = append([]int(nil), p.FixedMaterials...)
	return p
}
