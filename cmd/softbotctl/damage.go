package main

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"softbot/internal/damage"
	"softbot/internal/voxel"
)

// damageFlags accepts either a legacy damage type name (remove_sect,
// stiff_spher_mult, ...) or an explicit selector and operation.
type damageFlags struct {
	legacy   string
	selector string
	sections string
	center   string
	radius   int
	op       string
	value    float64
}

func (d *damageFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&d.legacy, "type", "", "legacy damage name, e.g. remove_sect or stiff_spher_mult")
	fs.StringVar(&d.selector, "selector", "sections", "region selector: sections|sphere")
	fs.StringVar(&d.sections, "sections", "", "comma separated section ids")
	fs.StringVar(&d.center, "center", "", "sphere center as x,y,z")
	fs.IntVar(&d.radius, "radius", 0, "sphere radius in neighbor steps, >= 1")
	fs.StringVar(&d.op, "op", "", "operation: remove|scale|divide|set|increase|decrease")
	fs.Float64Var(&d.value, "value", 0, "operation magnitude")
}

func (d *damageFlags) descriptor() (damage.Descriptor, error) {
	sections, err := parseInts(d.sections)
	if err != nil {
		return damage.Descriptor{}, fmt.Errorf("-sections: %w", err)
	}
	var center voxel.Coord
	if d.center != "" {
		center, err = parseCoord(d.center)
		if err != nil {
			return damage.Descriptor{}, fmt.Errorf("-center: %w", err)
		}
	}

	if d.legacy != "" {
		return damage.ParseLegacy(d.legacy, damage.LegacyArgs{
			Sections: sections,
			Center:   center,
			Radius:   d.radius,
			Value:    d.value,
		})
	}

	if d.op == "" {
		return damage.Descriptor{}, errors.New("either -type or -op is required")
	}
	op, err := damage.ParseOperation(d.op, d.value)
	if err != nil {
		return damage.Descriptor{}, err
	}
	var sel damage.Selector
	switch d.selector {
	case "sections":
		sel = damage.Sections(sections...)
	case "sphere":
		if d.center == "" {
			return damage.Descriptor{}, errors.New("-center is required for a sphere selector")
		}
		sel = damage.Sphere(center, d.radius)
	default:
		return damage.Descriptor{}, fmt.Errorf("%w: %q", damage.ErrInvalidSelector, d.selector)
	}
	desc := damage.Descriptor{Selector: sel, Operation: op}
	return desc, desc.Validate()
}

func parseInts(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseCoord(s string) (voxel.Coord, error) {
	v, err := parseInts(s)
	if err != nil {
		return voxel.Coord{}, err
	}
	if len(v) != 3 {
		return voxel.Coord{}, fmt.Errorf("want x,y,z, got %q", s)
	}
	return voxel.Coord{X: v[0], Y: v[1], Z: v[2]}, nil
}
