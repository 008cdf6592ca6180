package layout

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"maps"
	"slices"
	"testing"

	"github.com/tinyrange/rvboot/internal/stage"
)

// allocSection is an allocated section header written into a test ELF.
type allocSection struct {
	name string
	addr uint64
	size uint64
}

// writeStageELF builds an ET_EXEC RISC-V ELF with the given entry, absolute
// symbols and allocated NOBITS section headers, and opens it.
func writeStageELF(t *testing.T, entry uint64, syms map[string]uint64, alloc []allocSection) *elf.File {
	t.Helper()
	le := binary.LittleEndian
	addName := func(b *bytes.Buffer, s string) uint32 {
		off := uint32(b.Len())
		b.WriteString(s)
		b.WriteByte(0)
		return off
	}

	var shstr, str, symtab bytes.Buffer
	shstr.WriteByte(0)
	str.WriteByte(0)
	binary.Write(&symtab, le, elf.Sym64{})
	for _, name := range slices.Sorted(maps.Keys(syms)) {
		binary.Write(&symtab, le, elf.Sym64{
			Name:  addName(&str, name),
			Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_NOTYPE),
			Shndx: uint16(elf.SHN_ABS),
			Value: syms[name],
		})
	}

	headers := []elf.Section64{{}}
	for _, s := range alloc {
		headers = append(headers, elf.Section64{
			Name:      addName(&shstr, s.name),
			Type:      uint32(elf.SHT_NOBITS),
			Flags:     uint64(elf.SHF_ALLOC | elf.SHF_WRITE),
			Addr:      s.addr,
			Size:      s.size,
			Addralign: 1,
		})
	}

	const ehsize = 64
	off := uint64(ehsize)
	strIndex := uint32(len(headers) + 1)
	headers = append(headers, elf.Section64{
		Name: addName(&shstr, ".symtab"), Type: uint32(elf.SHT_SYMTAB),
		Off: off, Size: uint64(symtab.Len()), Link: strIndex, Info: 1, Addralign: 8, Entsize: 24,
	})
	off += uint64(symtab.Len())
	headers = append(headers, elf.Section64{
		Name: addName(&shstr, ".strtab"), Type: uint32(elf.SHT_STRTAB),
		Off: off, Size: uint64(str.Len()), Addralign: 1,
	})
	off += uint64(str.Len())
	shstrName := addName(&shstr, ".shstrtab")
	headers = append(headers, elf.Section64{
		Name: shstrName, Type: uint32(elf.SHT_STRTAB),
		Off: off, Size: uint64(shstr.Len()), Addralign: 1,
	})
	off += uint64(shstr.Len())
	shoff := alignUp(off, 8)

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var buf bytes.Buffer
	binary.Write(&buf, le, elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Shoff:     shoff,
		Ehsize:    ehsize,
		Shentsize: 64,
		Shnum:     uint16(len(headers)),
		Shstrndx:  uint16(len(headers) - 1),
	})
	buf.Write(symtab.Bytes())
	buf.Write(str.Bytes())
	buf.Write(shstr.Bytes())
	buf.Write(make([]byte, shoff-off))
	for _, h := range headers {
		binary.Write(&buf, le, h)
	}

	f, err := elf.NewFile(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("open test ELF: %v", err)
	}
	return f
}

// linkedKernel returns the markers, entry and allocated sections a correct
// link of a 16-byte kernel entry section would produce.
func linkedKernel(t *testing.T, d *Descriptor) (uint64, map[string]uint64, []allocSection) {
	t.Helper()
	p, err := d.Place([]Input{{Name: d.Stage.EntrySection(), Size: 16, Align: 4}})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	syms := make(map[string]uint64)
	for _, sym := range p.Symbols {
		syms[sym.Name] = sym.Value
	}
	text, _ := p.Region(Text)
	syms[d.Stage.Entry] = text.Start
	return text.Start, syms, []allocSection{{name: d.Stage.EntrySection(), addr: text.Start, size: 16}}
}

func TestVerifyAcceptsLinkedStage(t *testing.T) {
	d := mustDescriptor(t, stage.Kernel())
	entry, syms, alloc := linkedKernel(t, d)
	res, err := Verify(writeStageELF(t, entry, syms, alloc), d)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Start != d.Stage.Base || res.Entry != entry || len(res.Regions) != len(d.Regions) {
		t.Fatalf("resolved %+v", res)
	}
	if text, _ := res.Region(Text); text.Length != 16 {
		t.Fatalf("text length = %d, want 16", text.Length)
	}
}

func TestVerifyRejects(t *testing.T) {
	d := mustDescriptor(t, stage.Kernel())
	tests := []struct {
		name   string
		mutate func(entry *uint64, syms map[string]uint64, alloc *[]allocSection)
		want   error
	}{
		{
			name: "missing entry symbol",
			mutate: func(_ *uint64, syms map[string]uint64, _ *[]allocSection) {
				delete(syms, d.Stage.Entry)
			},
			want: ErrMissingDependency,
		},
		{
			name: "ELF entry differs from entry symbol",
			mutate: func(entry *uint64, _ map[string]uint64, _ *[]allocSection) {
				*entry += 4
			},
			want: ErrLayoutViolation,
		},
		{
			name: "missing region marker",
			mutate: func(_ *uint64, syms map[string]uint64, _ *[]allocSection) {
				delete(syms, d.Marker(Data, "end"))
			},
			want: ErrLayoutViolation,
		},
		{
			name: "missing stage marker",
			mutate: func(_ *uint64, syms map[string]uint64, _ *[]allocSection) {
				delete(syms, d.EndSymbol())
			},
			want: ErrLayoutViolation,
		},
		{
			name: "inclusive text end",
			mutate: func(_ *uint64, syms map[string]uint64, _ *[]allocSection) {
				syms[d.Marker(Text, "end")]--
			},
			want: ErrLayoutViolation,
		},
		{
			name: "size marker disagrees",
			mutate: func(_ *uint64, syms map[string]uint64, _ *[]allocSection) {
				syms[d.Marker(Text, "size")]++
			},
			want: ErrLayoutViolation,
		},
		{
			name: "stage does not start at base",
			mutate: func(_ *uint64, syms map[string]uint64, _ *[]allocSection) {
				syms[d.StartSymbol()] += d.PageSize
			},
			want: ErrLayoutViolation,
		},
		{
			name: "entry outside text",
			mutate: func(entry *uint64, syms map[string]uint64, _ *[]allocSection) {
				*entry = syms[d.Marker(Text, "end")]
				syms[d.Stage.Entry] = *entry
			},
			want: ErrLayoutViolation,
		},
		{
			name: "allocated debug section outside every region",
			mutate: func(_ *uint64, _ map[string]uint64, alloc *[]allocSection) {
				*alloc = append(*alloc, allocSection{name: ".debug_extra", addr: 0x1000, size: 64})
			},
			want: ErrLayoutViolation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, syms, alloc := linkedKernel(t, d)
			tt.mutate(&entry, syms, &alloc)
			_, err := Verify(writeStageELF(t, entry, syms, alloc), d)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Verify err = %v, want %v", err, tt.want)
			}
		})
	}
}
