package link

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/tinyrange/rvboot/internal/asm"
	"github.com/tinyrange/rvboot/internal/layout"
)

const (
	elfHeaderSize        = 64
	elfProgramHeaderSize = 56
	elfSectionHeaderSize = 64
	elfSymbolSize        = 24

	// EF_RISCV_RVC | EF_RISCV_FLOAT_ABI_DOUBLE, matching rv64gc/lp64d.
	elfFlagsRV64GC = 0x5

	segmentOffset = 0x1000
)

type outSection struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	addr    uint64
	offset  uint64
	size    uint64
	align   uint64
	link    uint32
	info    uint32
	entsize uint64
	data    []byte
}

type outSegment struct {
	flags  elf.ProgFlag
	offset uint64
	vaddr  uint64
	filesz uint64
	memsz  uint64
}

type outSymbol struct {
	name    string
	value   uint64
	size    uint64
	info    byte
	shndx   uint16
	isLocal bool
}

func regionFlags(k layout.RegionKind) (elf.SectionFlag, elf.ProgFlag) {
	switch k {
	case layout.Text:
		return elf.SHF_ALLOC | elf.SHF_EXECINSTR, elf.PF_R | elf.PF_X
	case layout.ROData:
		return elf.SHF_ALLOC, elf.PF_R
	default:
		return elf.SHF_ALLOC | elf.SHF_WRITE, elf.PF_R | elf.PF_W
	}
}

// writeELF lays out one PT_LOAD and one output section per non-empty region.
func (l *linker) writeELF(p *layout.Placement, entry uint64) ([]byte, error) {
	var (
		sections = []*outSection{{}}
		segments []outSegment
		regionOf = make(map[layout.RegionKind]uint16)
		offset   = uint64(segmentOffset)
	)

	live := l.live()
	for _, r := range p.Regions {
		if r.Length == 0 {
			continue
		}
		shflags, pflags := regionFlags(r.Kind)
		offset = alignUp(offset, p.Regions[0].Align)
		sec := &outSection{
			name:   "." + r.Name,
			typ:    elf.SHT_PROGBITS,
			flags:  shflags,
			addr:   r.Start,
			offset: offset,
			size:   r.Length,
			align:  r.Align,
		}
		seg := outSegment{flags: pflags, offset: offset, vaddr: r.Start, memsz: r.Length}
		if r.Kind.NoBits() {
			sec.typ = elf.SHT_NOBITS
		} else {
			sec.data = make([]byte, r.Length)
			for _, in := range live {
				if in.addr < r.Start || in.addr >= r.End() || in.data == nil {
					continue
				}
				copy(sec.data[in.addr-r.Start:], in.data)
			}
			seg.filesz = r.Length
			offset += r.Length
		}
		regionOf[r.Kind] = uint16(len(sections))
		sections = append(sections, sec)
		segments = append(segments, seg)
	}

	if l.opts.Script.Diagnostics && l.opts.Comment != "" {
		sections = append(sections, &outSection{
			name:    ".comment",
			typ:     elf.SHT_PROGBITS,
			flags:   elf.SHF_MERGE | elf.SHF_STRINGS,
			align:   1,
			entsize: 1,
			data:    append([]byte(l.opts.Comment), 0),
		})
	}

	syms := l.symbols(p, regionOf)
	var strtab bytes.Buffer
	strtab.WriteByte(0)
	symtab := make([]byte, elfSymbolSize*(len(syms)+1))
	firstGlobal := len(syms) + 1
	for i, sym := range syms {
		if !sym.isLocal && firstGlobal > i+1 {
			firstGlobal = i + 1
		}
		ent := symtab[(i+1)*elfSymbolSize:]
		binary.LittleEndian.PutUint32(ent[0:], uint32(strtab.Len()))
		strtab.WriteString(sym.name)
		strtab.WriteByte(0)
		ent[4] = sym.info
		ent[5] = byte(elf.STV_DEFAULT)
		binary.LittleEndian.PutUint16(ent[6:], sym.shndx)
		binary.LittleEndian.PutUint64(ent[8:], sym.value)
		binary.LittleEndian.PutUint64(ent[16:], sym.size)
	}
	symtabIndex := uint32(len(sections))
	sections = append(sections,
		&outSection{
			name:    ".symtab",
			typ:     elf.SHT_SYMTAB,
			align:   8,
			link:    symtabIndex + 1,
			info:    uint32(firstGlobal),
			entsize: elfSymbolSize,
			data:    symtab,
		},
		&outSection{name: ".strtab", typ: elf.SHT_STRTAB, align: 1, data: strtab.Bytes()},
	)

	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	nameOff := make([]uint32, len(sections)+1)
	shstrIndex := len(sections)
	sections = append(sections, &outSection{name: ".shstrtab", typ: elf.SHT_STRTAB, align: 1})
	for i, sec := range sections {
		if i == 0 {
			continue
		}
		nameOff[i] = uint32(shstrtab.Len())
		shstrtab.WriteString(sec.name)
		shstrtab.WriteByte(0)
	}
	sections[shstrIndex].data = shstrtab.Bytes()

	// Non-allocated sections follow the loaded contents.
	for _, sec := range sections[1:] {
		if sec.flags&elf.SHF_ALLOC != 0 {
			continue
		}
		offset = alignUp(offset, max(sec.align, 1))
		sec.offset = offset
		sec.size = uint64(len(sec.data))
		offset += sec.size
	}
	shoff := alignUp(offset, 8)
	total := shoff + uint64(len(sections))*elfSectionHeaderSize

	phEnd := uint64(elfHeaderSize + elfProgramHeaderSize*len(segments))
	if phEnd > segmentOffset {
		return nil, fmt.Errorf("link %s: %d program headers do not fit before %#x", l.desc.Stage.Name, len(segments), segmentOffset)
	}

	out := make([]byte, total)
	writeHeader(out, entry, uint64(len(segments)), shoff, uint16(len(sections)), uint16(shstrIndex))
	for i, seg := range segments {
		ph := out[elfHeaderSize+i*elfProgramHeaderSize:]
		binary.LittleEndian.PutUint32(ph[0:], uint32(elf.PT_LOAD))
		binary.LittleEndian.PutUint32(ph[4:], uint32(seg.flags))
		binary.LittleEndian.PutUint64(ph[8:], seg.offset)
		binary.LittleEndian.PutUint64(ph[16:], seg.vaddr)
		binary.LittleEndian.PutUint64(ph[24:], seg.vaddr)
		binary.LittleEndian.PutUint64(ph[32:], seg.filesz)
		binary.LittleEndian.PutUint64(ph[40:], seg.memsz)
		binary.LittleEndian.PutUint64(ph[48:], segmentOffset)
	}
	for i, sec := range sections {
		if sec.typ != elf.SHT_NOBITS && len(sec.data) > 0 {
			copy(out[sec.offset:], sec.data)
		}
		sh := out[shoff+uint64(i)*elfSectionHeaderSize:]
		binary.LittleEndian.PutUint32(sh[0:], nameOff[i])
		binary.LittleEndian.PutUint32(sh[4:], uint32(sec.typ))
		binary.LittleEndian.PutUint64(sh[8:], uint64(sec.flags))
		binary.LittleEndian.PutUint64(sh[16:], sec.addr)
		binary.LittleEndian.PutUint64(sh[24:], sec.offset)
		binary.LittleEndian.PutUint64(sh[32:], sec.size)
		binary.LittleEndian.PutUint32(sh[40:], sec.link)
		binary.LittleEndian.PutUint32(sh[44:], sec.info)
		binary.LittleEndian.PutUint64(sh[48:], sec.align)
		binary.LittleEndian.PutUint64(sh[56:], sec.entsize)
	}
	return out, nil
}

func writeHeader(buf []byte, entry, phnum, shoff uint64, shnum, shstrndx uint16) {
	copy(buf, []byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)})
	binary.LittleEndian.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(buf[18:], uint16(elf.EM_RISCV))
	binary.LittleEndian.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	binary.LittleEndian.PutUint64(buf[24:], entry)
	binary.LittleEndian.PutUint64(buf[32:], elfHeaderSize)
	binary.LittleEndian.PutUint64(buf[40:], shoff)
	binary.LittleEndian.PutUint32(buf[48:], elfFlagsRV64GC)
	binary.LittleEndian.PutUint16(buf[52:], elfHeaderSize)
	binary.LittleEndian.PutUint16(buf[54:], elfProgramHeaderSize)
	binary.LittleEndian.PutUint16(buf[56:], uint16(phnum))
	binary.LittleEndian.PutUint16(buf[58:], elfSectionHeaderSize)
	binary.LittleEndian.PutUint16(buf[60:], shnum)
	binary.LittleEndian.PutUint16(buf[62:], shstrndx)
}

// symbols returns the symbol table contents, locals first, each group
// sorted by name. Assembler-internal .L labels are omitted.
func (l *linker) symbols(p *layout.Placement, regionOf map[layout.RegionKind]uint16) []outSymbol {
	shndx := func(in *inputSection) uint16 {
		for _, placed := range p.Sections {
			if placed.ID == in.id {
				if idx, ok := regionOf[placed.Region]; ok {
					return idx
				}
			}
		}
		return uint16(elf.SHN_ABS)
	}
	symType := func(in *inputSection) elf.SymType {
		switch {
		case in == nil:
			return elf.STT_NOTYPE
		case in.sec.Kind == asm.KindText:
			return elf.STT_FUNC
		default:
			return elf.STT_OBJECT
		}
	}

	var locals, globals []outSymbol
	for _, in := range l.live() {
		for name, def := range l.locals[in.obj] {
			if def.section != in || def.global || strings.HasPrefix(name, ".L") {
				continue
			}
			locals = append(locals, outSymbol{
				name:    name,
				value:   def.address(),
				info:    elf.ST_INFO(elf.STB_LOCAL, elf.STT_NOTYPE),
				shndx:   shndx(in),
				isLocal: true,
			})
		}
	}
	for name, def := range l.globals {
		if def.section != nil && !def.section.live {
			continue
		}
		sym := outSymbol{
			name:  name,
			value: def.address(),
			info:  elf.ST_INFO(elf.STB_GLOBAL, symType(def.section)),
			shndx: uint16(elf.SHN_ABS),
		}
		if def.section != nil {
			sym.shndx = shndx(def.section)
		}
		globals = append(globals, sym)
	}
	sort.Slice(locals, func(i, j int) bool { return locals[i].name < locals[j].name })
	sort.Slice(globals, func(i, j int) bool { return globals[i].name < globals[j].name })
	return append(locals, globals...)
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
