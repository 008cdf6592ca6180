package asm

import (
	"debug/elf"
	"fmt"
	"strings"
)

type Variable int

type Label string

// Context receives the output of fragments. Offsets are relative to the
// start of the current section.
type Context interface {
	EmitBytes(data []byte)
	Reserve(size int)
	Offset() int

	Section(name string)
	AddRelocation(kind elf.R_RISCV, sym Label, addend int64)
	LocalLabel(prefix string) Label

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)
	Export(label Label)
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if frag == nil {
			continue
		}
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

type globalDef struct {
	label Label
}

// Global marks label as visible to other objects at link time.
func Global(label Label) Fragment {
	return globalDef{label: label}
}

func (g globalDef) Emit(ctx Context) error {
	ctx.Export(g.label)
	return nil
}

type sectionSwitch struct {
	name string
}

// SwitchSection switches the output section for the fragments that follow.
func SwitchSection(name string) Fragment {
	return sectionSwitch{name: name}
}

func (s sectionSwitch) Emit(ctx Context) error {
	if !strings.HasPrefix(s.name, ".") {
		return fmt.Errorf("section name %q must start with '.'", s.name)
	}
	ctx.Section(s.name)
	return nil
}

type rawBytes []byte

// Bytes emits data verbatim into the current section.
func Bytes(data []byte) Fragment {
	return rawBytes(append([]byte(nil), data...))
}

// String emits s followed by a NUL terminator.
func String(s string) Fragment {
	return rawBytes(append([]byte(s), 0))
}

func (b rawBytes) Emit(ctx Context) error {
	ctx.EmitBytes(b)
	return nil
}

type zeroFill int

// Zero reserves size zero bytes. In NOBITS sections nothing is stored.
func Zero(size int) Fragment {
	return zeroFill(size)
}

func (z zeroFill) Emit(ctx Context) error {
	if z < 0 {
		return fmt.Errorf("negative zero fill %d", int(z))
	}
	ctx.Reserve(int(z))
	return nil
}

type alignTo int

// Align pads the current section up to a multiple of n bytes.
func Align(n int) Fragment {
	return alignTo(n)
}

func (a alignTo) Emit(ctx Context) error {
	n := int(a)
	if n <= 0 || n&(n-1) != 0 {
		return fmt.Errorf("alignment %d is not a power of two", n)
	}
	if pad := (n - ctx.Offset()%n) % n; pad > 0 {
		ctx.Reserve(pad)
	}
	return nil
}
