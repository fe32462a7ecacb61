package damage

import (
	"fmt"
	"strings"

	"softbot/internal/voxel"
)

// LegacyArgs carries the positional arguments used by the older named damage
// types. Only the fields relevant to the named type are read.
type LegacyArgs struct {
	Sections []int
	Center   voxel.Coord
	Radius   int
	Value    float64
}

var legacyOps = map[string]string{
	"mult": "scale",
	"div":  "divide",
	"set":  "set",
	"add":  "increase",
	"red":  "decrease",
}

// ParseLegacy converts names such as remove_sect, stiff_sect_mult,
// remove_spher or stiff_spher_red into a Descriptor.
func ParseLegacy(name string, args LegacyArgs) (Descriptor, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	parts := strings.Split(name, "_")

	var (
		region string
		op     Operation
		err    error
	)
	switch {
	case len(parts) == 2 && parts[0] == "remove":
		region = parts[1]
		op = Remove()
	case len(parts) == 3 && parts[0] == "stiff":
		region = parts[1]
		opName, ok := legacyOps[parts[2]]
		if !ok {
			return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownOperation, name)
		}
		op, err = ParseOperation(opName, args.Value)
		if err != nil {
			return Descriptor{}, err
		}
	default:
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownOperation, name)
	}

	var sel Selector
	switch region {
	case "sect":
		sel = Sections(args.Sections...)
	case "spher":
		sel = Sphere(args.Center, args.Radius)
	default:
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownOperation, name)
	}

	d := Descriptor{Selector: sel, Operation: op}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}
