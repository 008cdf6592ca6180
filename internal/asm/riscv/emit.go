package riscv

import (
	"debug/elf"
	"fmt"
	"sort"

	"github.com/tinyrange/rvboot/internal/asm"
)

type emitter struct {
	sections map[string]*asm.Section
	order    []string
	current  *asm.Section
	labels   map[asm.Label]asm.Symbol
	exported map[asm.Label]bool
	locals   int
}

func newEmitter() *emitter {
	em := &emitter{
		sections: make(map[string]*asm.Section),
		labels:   make(map[asm.Label]asm.Symbol),
		exported: make(map[asm.Label]bool),
	}
	em.Section(".text")
	return em
}

// Section implements asm.Context.
func (e *emitter) Section(name string) {
	sec, ok := e.sections[name]
	if !ok {
		sec = &asm.Section{Name: name, Kind: asm.KindForName(name), Align: 1}
		e.sections[name] = sec
		e.order = append(e.order, name)
		switch sec.Kind {
		case asm.KindText:
			sec.Align = 4
		case asm.KindNote:
			sec.Align = 1
		default:
			sec.Align = 8
		}
	}
	e.current = sec
}

// EmitBytes implements asm.Context.
func (e *emitter) EmitBytes(data []byte) {
	sec := e.current
	if sec.Kind == asm.KindBSS {
		sec.Size += uint64(len(data))
		return
	}
	sec.Data = append(sec.Data, data...)
	sec.Size = uint64(len(sec.Data))
}

// Reserve implements asm.Context.
func (e *emitter) Reserve(size int) {
	if size <= 0 {
		return
	}
	if e.current.Kind == asm.KindBSS {
		e.current.Size += uint64(size)
		return
	}
	e.EmitBytes(make([]byte, size))
}

// Offset implements asm.Context.
func (e *emitter) Offset() int {
	return int(e.current.Size)
}

// AddRelocation implements asm.Context.
func (e *emitter) AddRelocation(kind elf.R_RISCV, sym asm.Label, addend int64) {
	e.current.Relocations = append(e.current.Relocations, asm.Relocation{
		Offset: e.current.Size,
		Type:   kind,
		Symbol: sym,
		Addend: addend,
	})
}

// LocalLabel implements asm.Context.
func (e *emitter) LocalLabel(prefix string) asm.Label {
	e.locals++
	return asm.Label(fmt.Sprintf(".L%s%d", prefix, e.locals))
}

// GetLabel implements asm.Context.
func (e *emitter) GetLabel(label asm.Label) (int, bool) {
	sym, ok := e.labels[label]
	if !ok {
		return 0, false
	}
	return int(sym.Offset), true
}

// SetLabel implements asm.Context.
func (e *emitter) SetLabel(label asm.Label) {
	e.labels[label] = asm.Symbol{
		Name:    label,
		Section: e.current.Name,
		Offset:  e.current.Size,
	}
}

// Export implements asm.Context.
func (e *emitter) Export(label asm.Label) {
	e.exported[label] = true
}

func (e *emitter) object(name string) (*asm.Object, error) {
	obj := &asm.Object{Name: name}
	for _, secName := range e.order {
		sec := e.sections[secName]
		if sec.Size == 0 && len(sec.Relocations) == 0 {
			continue
		}
		obj.Sections = append(obj.Sections, sec)
	}

	names := make([]string, 0, len(e.labels))
	for label := range e.labels {
		names = append(names, string(label))
	}
	sort.Strings(names)
	for _, n := range names {
		sym := e.labels[asm.Label(n)]
		sym.Global = e.exported[sym.Name]
		obj.Symbols = append(obj.Symbols, sym)
	}

	for label := range e.exported {
		if _, ok := e.labels[label]; !ok {
			return nil, fmt.Errorf("riscv: exported label %q is never defined", label)
		}
	}
	return obj, nil
}

// Assemble lowers the provided fragment into a relocatable object.
func Assemble(name string, frag asm.Fragment) (*asm.Object, error) {
	if frag == nil {
		return nil, fmt.Errorf("riscv: fragment must be non-nil")
	}

	em := newEmitter()
	if err := frag.Emit(em); err != nil {
		return nil, fmt.Errorf("riscv: assemble %s: %w", name, err)
	}
	return em.object(name)
}
