// Package link is a small static linker for rvboot stage objects.
//
// It accepts the relocatable objects produced by internal/asm/riscv, drops
// every section not reachable from the stage entry, places the rest with a
// layout.Descriptor, applies relocations and writes an ELF64 executable.
package link

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/tinyrange/rvboot/internal/asm"
	"github.com/tinyrange/rvboot/internal/layout"
	"github.com/tinyrange/rvboot/internal/stage"
)

type Options struct {
	Descriptor *layout.Descriptor
	// Symbols are absolute definitions, such as the measured kernel size.
	Symbols []layout.Symbol
	Script  layout.ScriptOptions
	// Comment is stored in a non-allocated .comment section when
	// Script.Diagnostics is set.
	Comment string
	Logger  *slog.Logger
}

// Output is a linked stage.
type Output struct {
	ELF       []byte
	Placement *layout.Placement
	// Removed lists the sections dropped as unreachable, as "object(section)".
	Removed []string
}

type inputSection struct {
	id  int
	obj *asm.Object
	sec *asm.Section

	live bool
	addr uint64
	data []byte
}

func (s *inputSection) String() string {
	return fmt.Sprintf("%s(%s)", s.obj.Name, s.sec.Name)
}

// definition is where a symbol ends up: either an input section plus
// offset or an absolute value.
type definition struct {
	name    string
	section *inputSection
	offset  uint64
	value   uint64
	global  bool
}

func (d *definition) absolute() bool { return d.section == nil }

func (d *definition) address() uint64 {
	if d.section == nil {
		return d.value
	}
	return d.section.addr + d.offset
}

type linker struct {
	opts     Options
	desc     *layout.Descriptor
	log      *slog.Logger
	sections []*inputSection
	bySec    map[*asm.Object]map[string]*inputSection
	globals  map[string]*definition
	locals   map[*asm.Object]map[string]*definition
}

// Link links objs into one stage executable.
func Link(objs []*asm.Object, opts Options) (*Output, error) {
	if opts.Descriptor == nil {
		return nil, fmt.Errorf("link: descriptor is required")
	}
	if len(objs) == 0 {
		return nil, fmt.Errorf("link %s: %w: no input objects", opts.Descriptor.Stage.Name, layout.ErrMissingDependency)
	}
	l := &linker{
		opts:    opts,
		desc:    opts.Descriptor,
		log:     opts.Logger,
		bySec:   make(map[*asm.Object]map[string]*inputSection),
		globals: make(map[string]*definition),
		locals:  make(map[*asm.Object]map[string]*definition),
	}
	if l.log == nil {
		l.log = slog.Default()
	}

	if err := l.collect(objs); err != nil {
		return nil, err
	}
	entry, err := l.entry()
	if err != nil {
		return nil, err
	}
	removed, err := l.markLive(entry)
	if err != nil {
		return nil, err
	}
	placement, err := l.place()
	if err != nil {
		return nil, err
	}
	if err := l.defineMarkers(placement); err != nil {
		return nil, err
	}
	if err := l.checkRequired(); err != nil {
		return nil, err
	}
	if err := l.relocate(); err != nil {
		return nil, err
	}

	img, err := l.writeELF(placement, entry.address())
	if err != nil {
		return nil, err
	}
	l.log.Debug("linked stage",
		"stage", l.desc.Stage.Name,
		"entry", fmt.Sprintf("%#x", entry.address()),
		"end", fmt.Sprintf("%#x", placement.End),
		"removed", len(removed))
	return &Output{ELF: img, Placement: placement, Removed: removed}, nil
}

func (l *linker) errorf(wrap error, format string, args ...any) error {
	return fmt.Errorf("link %s: %w: %s", l.desc.Stage.Name, wrap, fmt.Sprintf(format, args...))
}

func (l *linker) collect(objs []*asm.Object) error {
	for _, obj := range objs {
		l.bySec[obj] = make(map[string]*inputSection)
		l.locals[obj] = make(map[string]*definition)
		for _, sec := range obj.Sections {
			if !sec.Kind.Allocated() {
				continue
			}
			in := &inputSection{id: len(l.sections), obj: obj, sec: sec}
			l.sections = append(l.sections, in)
			l.bySec[obj][sec.Name] = in
		}
		for _, sym := range obj.Symbols {
			in, ok := l.bySec[obj][sym.Section]
			if !ok {
				// Labels in non-allocated sections are never referenced
				// by loaded code.
				continue
			}
			def := &definition{name: string(sym.Name), section: in, offset: sym.Offset, global: sym.Global}
			l.locals[obj][def.name] = def
			if !sym.Global {
				continue
			}
			if prev, ok := l.globals[def.name]; ok {
				return fmt.Errorf("link %s: symbol %s defined in both %s and %s",
					l.desc.Stage.Name, def.name, prev.section.obj.Name, obj.Name)
			}
			l.globals[def.name] = def
		}
	}
	for _, sym := range l.opts.Symbols {
		if _, ok := l.globals[sym.Name]; ok {
			return fmt.Errorf("link %s: absolute symbol %s is also defined by an object", l.desc.Stage.Name, sym.Name)
		}
		l.globals[sym.Name] = &definition{name: sym.Name, value: sym.Value, global: true}
	}
	return nil
}

func (l *linker) entry() (*definition, error) {
	name := l.desc.Stage.Entry
	def, ok := l.globals[name]
	if !ok || def.absolute() {
		return nil, l.errorf(layout.ErrMissingDependency, "entry symbol %s is not defined by any object", name)
	}
	if want := l.desc.Stage.EntrySection(); def.section.sec.Name != want {
		return nil, l.errorf(layout.ErrLayoutViolation, "entry symbol %s is in %s, want %s", name, def.section.sec.Name, want)
	}
	return def, nil
}

// lookup resolves name as seen from obj: object-local labels first, then
// globals. Marker symbols are not known yet and resolve to nil, false.
func (l *linker) lookup(obj *asm.Object, name string) (*definition, bool) {
	if def, ok := l.locals[obj][name]; ok {
		return def, true
	}
	def, ok := l.globals[name]
	return def, ok
}

func (l *linker) isMarker(name string) bool {
	prefix := "_" + l.desc.Stage.Name + "_"
	return strings.HasPrefix(name, prefix)
}

// markLive keeps the entry section and everything it transitively
// references. Undefined references from live code are fatal.
func (l *linker) markLive(entry *definition) ([]string, error) {
	work := []*inputSection{entry.section}
	entry.section.live = true
	for len(work) > 0 {
		in := work[len(work)-1]
		work = work[:len(work)-1]
		for _, rel := range in.sec.Relocations {
			def, ok := l.lookup(in.obj, string(rel.Symbol))
			if !ok {
				if l.isMarker(string(rel.Symbol)) {
					continue
				}
				return nil, l.errorf(layout.ErrMissingDependency, "%s references undefined symbol %s", in, rel.Symbol)
			}
			if def.absolute() || def.section.live {
				continue
			}
			def.section.live = true
			work = append(work, def.section)
		}
	}

	var removed []string
	for _, in := range l.sections {
		if !in.live {
			removed = append(removed, in.String())
		}
	}
	return removed, nil
}

func (l *linker) place() (*layout.Placement, error) {
	var inputs []layout.Input
	for _, in := range l.sections {
		if !in.live {
			continue
		}
		inputs = append(inputs, layout.Input{
			Name:  in.sec.Name,
			Size:  in.sec.Size,
			Align: in.sec.Align,
			ID:    in.id,
		})
	}
	p, err := l.desc.Place(inputs)
	if err != nil {
		return nil, fmt.Errorf("link %s: %w", l.desc.Stage.Name, err)
	}
	for _, placed := range p.Sections {
		in := l.sections[placed.ID]
		in.addr = placed.Addr
		if in.sec.FileBacked() {
			in.data = append([]byte(nil), in.sec.Data...)
		}
	}
	return p, nil
}

func (l *linker) defineMarkers(p *layout.Placement) error {
	for _, sym := range p.Symbols {
		if def, ok := l.globals[sym.Name]; ok && !def.absolute() {
			return fmt.Errorf("link %s: %w: object defines reserved marker %s", l.desc.Stage.Name, layout.ErrLayoutViolation, sym.Name)
		}
		l.globals[sym.Name] = &definition{name: sym.Name, value: sym.Value, global: true}
	}
	return nil
}

// checkRequired mirrors the assertions of the GNU linker script.
func (l *linker) checkRequired() error {
	if !l.opts.Script.RequireKernelSize {
		return nil
	}
	def, ok := l.globals[layout.KernelSizeSymbol]
	if !ok || !def.absolute() {
		return l.errorf(layout.ErrMissingDependency, "%s is not defined", layout.KernelSizeSymbol)
	}
	if def.value == 0 {
		return l.errorf(layout.ErrMissingDependency, "%s is zero", layout.KernelSizeSymbol)
	}
	return nil
}

func (l *linker) live() []*inputSection {
	var out []*inputSection
	for _, in := range l.sections {
		if in.live {
			out = append(out, in)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

func (l *linker) pic() bool {
	return l.desc.Stage.Mode == stage.RelocationPIC
}
