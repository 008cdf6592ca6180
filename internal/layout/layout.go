// Package layout declares where each stage's sections go and checks that a
// linked stage honors it.
//
// Regions always appear in the order text, data, bss, rodata, stack. Each
// region starts on a page boundary and is described by half-open markers:
// _<stage>_<region>_end is one past the last byte, so end-start == size.
package layout

import (
	"errors"
	"fmt"
	"path"

	"github.com/tinyrange/rvboot/internal/stage"
)

var (
	// ErrLayoutViolation reports a region that breaks alignment, ordering,
	// overlap or the half-open boundary rule.
	ErrLayoutViolation = errors.New("layout violation")
	// ErrMissingDependency reports required input that is absent, such as
	// the entry symbol or an undefined referenced symbol.
	ErrMissingDependency = errors.New("missing dependency")
)

type RegionKind int

const (
	Text RegionKind = iota
	Data
	BSS
	ROData
	Stack
)

func (k RegionKind) String() string {
	switch k {
	case Text:
		return "text"
	case Data:
		return "data"
	case BSS:
		return "bss"
	case ROData:
		return "rodata"
	case Stack:
		return "stack"
	default:
		return fmt.Sprintf("RegionKind(%d)", int(k))
	}
}

// NoBits reports whether the region occupies memory but no file bytes.
func (k RegionKind) NoBits() bool {
	return k == BSS || k == Stack
}

// RegionSpec declares one region before anything is placed in it.
type RegionSpec struct {
	Kind RegionKind
	// Patterns select input sections. Earlier patterns win, so the entry
	// section listed first always lands at the start of text.
	Patterns []string
	// Reserve is a fixed length appended after any placed input.
	Reserve uint64
}

// Region is a placed, half-open address range.
type Region struct {
	Kind   RegionKind `yaml:"-"`
	Name   string     `yaml:"name"`
	Start  uint64     `yaml:"start"`
	Length uint64     `yaml:"length"`
	Align  uint64     `yaml:"align"`
}

// End returns one past the last byte of the region.
func (r Region) End() uint64 { return r.Start + r.Length }

func (r Region) String() string {
	return fmt.Sprintf("%-6s [%#x, %#x) %#x", r.Name, r.Start, r.End(), r.Length)
}

// Symbol is an absolute symbol definition handed to the linker.
type Symbol struct {
	Name  string
	Value uint64
}

// Descriptor is the declared layout of one stage.
type Descriptor struct {
	Stage    stage.Stage
	Regions  []RegionSpec
	PageSize uint64
}

// NewDescriptor declares the ordered regions of s.
func NewDescriptor(s stage.Stage) (*Descriptor, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	d := &Descriptor{Stage: s, PageSize: stage.PageSize}
	d.Regions = []RegionSpec{
		{Kind: Text, Patterns: []string{s.EntrySection(), ".text", ".text.*"}},
		{Kind: Data, Patterns: []string{".data", ".data.*", ".sdata", ".sdata.*", ".got", ".got.*"}},
		{Kind: BSS, Patterns: []string{".bss", ".bss.*", ".sbss", ".sbss.*", "COMMON"}},
		{Kind: ROData, Patterns: []string{".rodata", ".rodata.*", ".srodata", ".srodata.*"}},
	}
	if s.HasStack() {
		d.Regions = append(d.Regions, RegionSpec{Kind: Stack, Reserve: s.StackSize})
	}
	return d, nil
}

// Marker returns the name of a per-region marker, e.g. _boot_text_start.
func (d *Descriptor) Marker(kind RegionKind, edge string) string {
	return d.Stage.Symbol(kind.String(), edge)
}

// StartSymbol and EndSymbol name the stage-wide markers.
func (d *Descriptor) StartSymbol() string { return d.Stage.Symbol("start") }
func (d *Descriptor) EndSymbol() string   { return d.Stage.Symbol("end") }

// Classify returns the region an input section belongs to.
func (d *Descriptor) Classify(section string) (RegionKind, bool) {
	for _, r := range d.Regions {
		if matchAny(r.Patterns, section) {
			return r.Kind, true
		}
	}
	return 0, false
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Input is a sized input section offered to Place.
type Input struct {
	Name  string
	Size  uint64
	Align uint64
	// ID is an opaque caller handle carried through to Placed.
	ID int
}

// Placed is an input section with its assigned address.
type Placed struct {
	Input
	Region RegionKind
	Addr   uint64
}

// Placement is the result of laying out one stage.
type Placement struct {
	Start    uint64
	End      uint64
	Regions  []Region
	Sections []Placed
	Symbols  []Symbol
}

// Region returns the placed region of kind k.
func (p *Placement) Region(k RegionKind) (Region, bool) {
	for _, r := range p.Regions {
		if r.Kind == k {
			return r, true
		}
	}
	return Region{}, false
}

// Lookup returns the address assigned to the named input section.
func (p *Placement) Lookup(section string) (Placed, bool) {
	for _, s := range p.Sections {
		if s.Name == section {
			return s, true
		}
	}
	return Placed{}, false
}

// Place assigns addresses to the allocated input sections of one stage.
// Every input must match a region; an unmatched allocated section is a
// layout violation rather than a silent orphan.
func (d *Descriptor) Place(inputs []Input) (*Placement, error) {
	assigned := make([]bool, len(inputs))
	var entryFound bool
	for _, in := range inputs {
		if _, ok := d.Classify(in.Name); !ok {
			return nil, fmt.Errorf("%w: section %s matches no %s region", ErrLayoutViolation, in.Name, d.Stage.Name)
		}
		if in.Align != 0 && in.Align&(in.Align-1) != 0 {
			return nil, fmt.Errorf("%w: section %s alignment %d is not a power of two", ErrLayoutViolation, in.Name, in.Align)
		}
		if in.Name == d.Stage.EntrySection() {
			entryFound = true
		}
	}
	if !entryFound {
		return nil, fmt.Errorf("%w: %s stage has no %s section", ErrMissingDependency, d.Stage.Name, d.Stage.EntrySection())
	}

	p := &Placement{Start: d.Stage.Base}
	addr := d.Stage.Base
	for _, spec := range d.Regions {
		addr = alignUp(addr, d.PageSize)
		region := Region{Kind: spec.Kind, Name: spec.Kind.String(), Start: addr, Align: d.PageSize}
		for _, pattern := range spec.Patterns {
			for i, in := range inputs {
				if assigned[i] {
					continue
				}
				if ok, _ := path.Match(pattern, in.Name); !ok {
					continue
				}
				assigned[i] = true
				addr = alignUp(addr, max(in.Align, 1))
				p.Sections = append(p.Sections, Placed{Input: in, Region: spec.Kind, Addr: addr})
				addr += in.Size
			}
		}
		addr += spec.Reserve
		region.Length = addr - region.Start
		p.Regions = append(p.Regions, region)
	}
	p.End = addr

	for _, r := range p.Regions {
		p.Symbols = append(p.Symbols,
			Symbol{Name: d.Marker(r.Kind, "start"), Value: r.Start},
			Symbol{Name: d.Marker(r.Kind, "end"), Value: r.End()},
			Symbol{Name: d.Marker(r.Kind, "size"), Value: r.Length},
		)
	}
	p.Symbols = append(p.Symbols,
		Symbol{Name: d.StartSymbol(), Value: p.Start},
		Symbol{Name: d.EndSymbol(), Value: p.End},
	)

	if err := d.check(p.Regions, p.Start, p.End); err != nil {
		return nil, err
	}
	return p, nil
}

// check enforces the region invariants on placed or read-back regions.
func (d *Descriptor) check(regions []Region, start, end uint64) error {
	if len(regions) != len(d.Regions) {
		return fmt.Errorf("%w: %s has %d regions, want %d", ErrLayoutViolation, d.Stage.Name, len(regions), len(d.Regions))
	}
	if start != d.Stage.Base {
		return fmt.Errorf("%w: %s starts at %#x, want base %#x", ErrLayoutViolation, d.Stage.Name, start, d.Stage.Base)
	}
	prevEnd := start
	for i, r := range regions {
		if r.Kind != d.Regions[i].Kind {
			return fmt.Errorf("%w: %s region %d is %s, want %s", ErrLayoutViolation, d.Stage.Name, i, r.Kind, d.Regions[i].Kind)
		}
		if r.Start%d.PageSize != 0 {
			return fmt.Errorf("%w: %s %s starts at %#x, not page aligned", ErrLayoutViolation, d.Stage.Name, r.Name, r.Start)
		}
		if r.Start < prevEnd {
			return fmt.Errorf("%w: %s %s at %#x overlaps the previous region ending at %#x", ErrLayoutViolation, d.Stage.Name, r.Name, r.Start, prevEnd)
		}
		if r.Length < d.Regions[i].Reserve {
			return fmt.Errorf("%w: %s %s is %#x bytes, reservation is %#x", ErrLayoutViolation, d.Stage.Name, r.Name, r.Length, d.Regions[i].Reserve)
		}
		prevEnd = r.End()
	}
	if end != prevEnd {
		return fmt.Errorf("%w: %s ends at %#x, last region ends at %#x", ErrLayoutViolation, d.Stage.Name, end, prevEnd)
	}
	// The boot stage is followed directly by the kernel payload.
	if d.Stage.Mode == stage.RelocationFixed && end%d.PageSize != 0 {
		return fmt.Errorf("%w: %s end %#x is not page aligned", ErrLayoutViolation, d.Stage.Name, end)
	}
	return nil
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
