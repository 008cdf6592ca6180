// Package flatten converts a linked stage into the raw bytes it occupies in
// memory.
//
// Unlike objcopy -O binary, the output covers memory size rather than file
// size: zero-initialized regions are written out as zeros. A flattened stage
// is therefore exactly _<stage>_end - _<stage>_start bytes long regardless of
// where its NOBITS regions sit.
package flatten

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"os"
	"sort"
)

// Binary is a flattened stage.
type Binary struct {
	Base uint64
	Data []byte
}

// Len returns the flat length in bytes.
func (b *Binary) Len() int { return len(b.Data) }

// End returns one past the last address covered.
func (b *Binary) End() uint64 { return b.Base + uint64(len(b.Data)) }

// Bounds returns the half-open address range covered by the PT_LOAD
// segments of f.
func Bounds(f *elf.File) (start, end uint64, err error) {
	var found bool
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		if !found || p.Vaddr < start {
			start = p.Vaddr
		}
		if !found || p.Vaddr+p.Memsz > end {
			end = p.Vaddr + p.Memsz
		}
		found = true
	}
	if !found {
		return 0, 0, fmt.Errorf("flatten: no loadable segments")
	}
	return start, end, nil
}

// Range flattens f over exactly [start, end). Every loadable segment must
// fall inside the range and segments must not overlap.
func Range(f *elf.File, start, end uint64) (*Binary, error) {
	if end < start {
		return nil, fmt.Errorf("flatten: end %#x before start %#x", end, start)
	}
	if end == start {
		return nil, fmt.Errorf("flatten: empty range at %#x", start)
	}
	var loads []*elf.Prog
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && p.Memsz > 0 {
			loads = append(loads, p)
		}
	}
	sort.Slice(loads, func(i, j int) bool { return loads[i].Vaddr < loads[j].Vaddr })

	out := &Binary{Base: start, Data: make([]byte, end-start)}
	prevEnd := start
	for _, p := range loads {
		if p.Vaddr < start || p.Vaddr+p.Memsz > end {
			return nil, fmt.Errorf("flatten: segment [%#x, %#x) outside [%#x, %#x)",
				p.Vaddr, p.Vaddr+p.Memsz, start, end)
		}
		if p.Vaddr < prevEnd {
			return nil, fmt.Errorf("flatten: segment at %#x overlaps previous segment ending at %#x", p.Vaddr, prevEnd)
		}
		if p.Filesz > p.Memsz {
			return nil, fmt.Errorf("flatten: segment at %#x has filesz %#x > memsz %#x", p.Vaddr, p.Filesz, p.Memsz)
		}
		dst := out.Data[p.Vaddr-start : p.Vaddr-start+p.Filesz]
		if _, err := io.ReadFull(p.Open(), dst); err != nil {
			return nil, fmt.Errorf("flatten: read segment at %#x: %w", p.Vaddr, err)
		}
		prevEnd = p.Vaddr + p.Memsz
	}
	return out, nil
}

// ELF flattens f over the bounds of its loadable segments.
func ELF(f *elf.File) (*Binary, error) {
	start, end, err := Bounds(f)
	if err != nil {
		return nil, err
	}
	return Range(f, start, end)
}

// Bytes parses data as ELF and flattens it.
func Bytes(data []byte) (*Binary, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("flatten: parse ELF: %w", err)
	}
	defer f.Close()
	return ELF(f)
}

// File flattens the ELF at path.
func File(path string) (*Binary, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("flatten: %w", err)
	}
	defer f.Close()
	return ELF(f)
}

// WriteFile stores the flat bytes at path.
func (b *Binary) WriteFile(path string) error {
	return os.WriteFile(path, b.Data, 0o644)
}
