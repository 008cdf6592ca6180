package layout

import (
	"debug/elf"
	"errors"
	"fmt"
)

// Resolved is the layout read back from a linked stage.
type Resolved struct {
	Stage   string   `yaml:"stage"`
	Entry   uint64   `yaml:"entry"`
	Start   uint64   `yaml:"start"`
	End     uint64   `yaml:"end"`
	Regions []Region `yaml:"regions"`

	// Symbols holds every symbol value of the linked stage by name.
	Symbols map[string]uint64 `yaml:"-"`
}

// Size returns end - start, the length of the stage's flat binary.
func (r *Resolved) Size() uint64 { return r.End - r.Start }

// Region returns the resolved region of kind k.
func (r *Resolved) Region(k RegionKind) (Region, bool) {
	for _, reg := range r.Regions {
		if reg.Kind == k {
			return reg, true
		}
	}
	return Region{}, false
}

// Verify reads the boundary markers back from a linked stage and checks
// them against the descriptor.
func Verify(f *elf.File, d *Descriptor) (*Resolved, error) {
	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("read %s symbols: %w", d.Stage.Name, err)
	}
	values := make(map[string]uint64, len(syms))
	for _, sym := range syms {
		if sym.Section == elf.SHN_UNDEF || sym.Name == "" {
			continue
		}
		values[sym.Name] = sym.Value
	}

	entry, ok := values[d.Stage.Entry]
	if !ok {
		return nil, fmt.Errorf("%w: %s stage does not define entry symbol %s", ErrMissingDependency, d.Stage.Name, d.Stage.Entry)
	}
	if f.Entry != entry {
		return nil, fmt.Errorf("%w: %s ELF entry %#x differs from %s at %#x", ErrLayoutViolation, d.Stage.Name, f.Entry, d.Stage.Entry, entry)
	}

	lookup := func(name string) (uint64, error) {
		v, ok := values[name]
		if !ok {
			return 0, fmt.Errorf("%w: %s stage is missing marker %s", ErrLayoutViolation, d.Stage.Name, name)
		}
		return v, nil
	}

	res := &Resolved{Stage: d.Stage.Name, Entry: entry, Symbols: values}
	if res.Start, err = lookup(d.StartSymbol()); err != nil {
		return nil, err
	}
	if res.End, err = lookup(d.EndSymbol()); err != nil {
		return nil, err
	}
	for _, spec := range d.Regions {
		start, err := lookup(d.Marker(spec.Kind, "start"))
		if err != nil {
			return nil, err
		}
		end, err := lookup(d.Marker(spec.Kind, "end"))
		if err != nil {
			return nil, err
		}
		size, err := lookup(d.Marker(spec.Kind, "size"))
		if err != nil {
			return nil, err
		}
		if end < start || end-start != size {
			return nil, fmt.Errorf("%w: %s %s end-start=%#x, size marker=%#x", ErrLayoutViolation, d.Stage.Name, spec.Kind, end-start, size)
		}
		res.Regions = append(res.Regions, Region{
			Kind:   spec.Kind,
			Name:   spec.Kind.String(),
			Start:  start,
			Length: size,
			Align:  d.PageSize,
		})
	}
	if err := d.check(res.Regions, res.Start, res.End); err != nil {
		return nil, err
	}

	text, _ := res.Region(Text)
	if entry < text.Start || entry >= text.End() {
		return nil, fmt.Errorf("%w: %s entry %#x is outside text [%#x, %#x)", ErrLayoutViolation, d.Stage.Name, entry, text.Start, text.End())
	}

	for _, sec := range f.Sections {
		if sec.Flags&elf.SHF_ALLOC == 0 || sec.Size == 0 {
			continue
		}
		if !res.contains(sec.Addr, sec.Size) {
			return nil, fmt.Errorf("%w: %s allocated section %s [%#x, %#x) lies outside every region", ErrLayoutViolation, d.Stage.Name, sec.Name, sec.Addr, sec.Addr+sec.Size)
		}
	}
	return res, nil
}

func (r *Resolved) contains(addr, size uint64) bool {
	for _, reg := range r.Regions {
		if addr >= reg.Start && addr+size <= reg.End() {
			return true
		}
	}
	return false
}
