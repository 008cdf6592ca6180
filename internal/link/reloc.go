package link

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/rvboot/internal/asm"
	"github.com/tinyrange/rvboot/internal/layout"
)

// relocate patches every live file-backed section in place.
func (l *linker) relocate() error {
	for _, in := range l.live() {
		if len(in.sec.Relocations) == 0 {
			continue
		}
		if !in.sec.FileBacked() {
			return fmt.Errorf("link %s: %s carries relocations but has no contents", l.desc.Stage.Name, in)
		}
		// PC relative high parts keyed by the offset of their auipc, so the
		// matching low part can find the full displacement.
		hi20 := make(map[uint64]int64)
		for _, rel := range in.sec.Relocations {
			if rel.Type != elf.R_RISCV_PCREL_HI20 {
				continue
			}
			def, err := l.resolve(in, rel)
			if err != nil {
				return err
			}
			hi20[rel.Offset] = int64(def.address()) + rel.Addend - int64(in.addr+rel.Offset)
		}
		for _, rel := range in.sec.Relocations {
			if err := l.apply(in, rel, hi20); err != nil {
				return fmt.Errorf("link %s: %s+%#x %s against %s: %w",
					l.desc.Stage.Name, in, rel.Offset, rel.Type, rel.Symbol, err)
			}
		}
	}
	return nil
}

func (l *linker) resolve(in *inputSection, rel asm.Relocation) (*definition, error) {
	def, ok := l.lookup(in.obj, string(rel.Symbol))
	if !ok {
		return nil, l.errorf(layout.ErrMissingDependency, "%s references undefined symbol %s", in, rel.Symbol)
	}
	return def, nil
}

func (l *linker) apply(in *inputSection, rel asm.Relocation, hi20 map[uint64]int64) error {
	def, err := l.resolve(in, rel)
	if err != nil {
		return err
	}
	if rel.Offset+4 > uint64(len(in.data)) {
		return fmt.Errorf("offset outside section of %d bytes", len(in.data))
	}
	pc := in.addr + rel.Offset
	target := int64(def.address()) + rel.Addend
	pcrel := target - int64(pc)

	switch rel.Type {
	case elf.R_RISCV_BRANCH:
		if err := checkRange(pcrel, 13, 2); err != nil {
			return err
		}
		l.patch(in, rel.Offset, encodeBranch(l.insn(in, rel.Offset), pcrel))
	case elf.R_RISCV_JAL:
		if err := checkRange(pcrel, 21, 2); err != nil {
			return err
		}
		l.patch(in, rel.Offset, encodeJump(l.insn(in, rel.Offset), pcrel))
	case elf.R_RISCV_CALL:
		if rel.Offset+8 > uint64(len(in.data)) {
			return fmt.Errorf("call pair runs past the section end")
		}
		hi, lo, err := split(pcrel)
		if err != nil {
			return err
		}
		l.patch(in, rel.Offset, withUpper(l.insn(in, rel.Offset), hi))
		l.patch(in, rel.Offset+4, withLowI(l.insn(in, rel.Offset+4), lo))
	case elf.R_RISCV_PCREL_HI20:
		hi, _, err := split(pcrel)
		if err != nil {
			return err
		}
		l.patch(in, rel.Offset, withUpper(l.insn(in, rel.Offset), hi))
	case elf.R_RISCV_PCREL_LO12_I:
		// The symbol names the auipc carrying the high part.
		if def.section != in {
			return fmt.Errorf("low part label is not in the same section")
		}
		disp, ok := hi20[def.offset]
		if !ok {
			return fmt.Errorf("no %s at offset %#x", elf.R_RISCV_PCREL_HI20, def.offset)
		}
		_, lo, err := split(disp)
		if err != nil {
			return err
		}
		l.patch(in, rel.Offset, withLowI(l.insn(in, rel.Offset), lo))
	case elf.R_RISCV_HI20, elf.R_RISCV_LO12_I:
		if l.pic() && !def.absolute() {
			return fmt.Errorf("%w: absolute address reference in a position independent stage", layout.ErrLayoutViolation)
		}
		hi, lo, err := split(target)
		if err != nil {
			return err
		}
		if rel.Type == elf.R_RISCV_HI20 {
			l.patch(in, rel.Offset, withUpper(l.insn(in, rel.Offset), hi))
		} else {
			l.patch(in, rel.Offset, withLowI(l.insn(in, rel.Offset), lo))
		}
	default:
		return fmt.Errorf("unsupported relocation type")
	}
	return nil
}

func (l *linker) insn(in *inputSection, off uint64) uint32 {
	return binary.LittleEndian.Uint32(in.data[off:])
}

func (l *linker) patch(in *inputSection, off uint64, insn uint32) {
	binary.LittleEndian.PutUint32(in.data[off:], insn)
}

// split breaks v into the lui/auipc and addi halves, rounding the upper
// part so the sign-extended lower 12 bits add back to v.
func split(v int64) (hi int64, lo int64, err error) {
	if v < -(1<<31)-0x800 || v >= (1<<31)-0x800 {
		return 0, 0, fmt.Errorf("value %#x out of range for a 32-bit pair", v)
	}
	hi = (v + 0x800) >> 12
	lo = v - hi<<12
	return hi, lo, nil
}

func checkRange(v int64, bits uint, align int64) error {
	if v%align != 0 {
		return fmt.Errorf("displacement %d is not %d byte aligned", v, align)
	}
	limit := int64(1) << (bits - 1)
	if v < -limit || v >= limit {
		return fmt.Errorf("displacement %d does not fit in %d bits", v, bits)
	}
	return nil
}

func withUpper(insn uint32, hi int64) uint32 {
	return (insn & 0xfff) | (uint32(hi)&0xfffff)<<12
}

func withLowI(insn uint32, lo int64) uint32 {
	return (insn & 0x000fffff) | (uint32(lo)&0xfff)<<20
}

func encodeBranch(insn uint32, off int64) uint32 {
	u := uint32(off)
	insn &= 0x01fff07f
	insn |= ((u >> 12) & 0x1) << 31
	insn |= ((u >> 5) & 0x3f) << 25
	insn |= ((u >> 1) & 0xf) << 8
	insn |= ((u >> 11) & 0x1) << 7
	return insn
}

func encodeJump(insn uint32, off int64) uint32 {
	u := uint32(off)
	insn &= 0x00000fff
	insn |= ((u >> 20) & 0x1) << 31
	insn |= ((u >> 1) & 0x3ff) << 21
	insn |= ((u >> 11) & 0x1) << 20
	insn |= ((u >> 12) & 0xff) << 12
	return insn
}
