package asm

import (
	"debug/elf"
	"fmt"
	"sort"
	"strings"
)

// SectionKind classifies an input section by how it is loaded.
type SectionKind int

const (
	KindText SectionKind = iota
	KindData
	KindROData
	KindBSS
	KindNote
)

func (k SectionKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindData:
		return "data"
	case KindROData:
		return "rodata"
	case KindBSS:
		return "bss"
	case KindNote:
		return "note"
	default:
		return fmt.Sprintf("SectionKind(%d)", int(k))
	}
}

// KindForName derives the section kind from the conventional ELF name.
func KindForName(name string) SectionKind {
	switch {
	case hasSectionPrefix(name, ".text"):
		return KindText
	case hasSectionPrefix(name, ".rodata"), hasSectionPrefix(name, ".srodata"):
		return KindROData
	case hasSectionPrefix(name, ".bss"), hasSectionPrefix(name, ".sbss"):
		return KindBSS
	case hasSectionPrefix(name, ".data"), hasSectionPrefix(name, ".sdata"):
		return KindData
	default:
		return KindNote
	}
}

func hasSectionPrefix(name, prefix string) bool {
	return name == prefix || strings.HasPrefix(name, prefix+".")
}

// Allocated reports whether sections of this kind occupy memory at runtime.
func (k SectionKind) Allocated() bool {
	return k != KindNote
}

type Relocation struct {
	Offset uint64
	Type   elf.R_RISCV
	Symbol Label
	Addend int64
}

type Section struct {
	Name        string
	Kind        SectionKind
	Data        []byte
	Size        uint64
	Align       uint64
	Relocations []Relocation
}

// FileBacked reports whether the section carries bytes in the object.
func (s *Section) FileBacked() bool {
	return s.Kind != KindBSS
}

type Symbol struct {
	Name    Label
	Section string
	Offset  uint64
	Global  bool
}

// Object is the relocatable output of the assembler for one stage source.
type Object struct {
	Name     string
	Sections []*Section
	Symbols  []Symbol
}

func (o *Object) Section(name string) *Section {
	for _, s := range o.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func (o *Object) Lookup(name Label) (Symbol, bool) {
	for _, sym := range o.Symbols {
		if sym.Name == name {
			return sym, true
		}
	}
	return Symbol{}, false
}

// Globals returns the exported symbols sorted by name.
func (o *Object) Globals() []Symbol {
	var out []Symbol
	for _, sym := range o.Symbols {
		if sym.Global {
			out = append(out, sym)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
