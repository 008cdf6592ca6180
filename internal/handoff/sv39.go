// Package handoff computes the facts the boot stage's mapping code needs to
// hand control to the kernel stage under sv39 paging.
//
// Nothing here builds page tables. A Plan lists which virtual ranges map to
// which physical ranges with which permissions, derived purely from the
// linked layouts and the assembled image.
package handoff

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift

	// LevelBits is the width of one VPN index; sv39 has three levels.
	LevelBits = 9
	Levels    = 3

	// GigaPage is the span of one root (level 2) entry.
	GigaPage = 1 << (PageShift + 2*LevelBits)

	// SatpModeSv39 is the MODE field value selecting sv39.
	SatpModeSv39 = 8

	// HighHalfStart is the lowest canonical upper-half sv39 address.
	HighHalfStart = 0xFFFF_FFC0_0000_0000

	// DirectMapSize is how much physical memory is mapped at DirectMapBase.
	DirectMapSize = 128 * GigaPage
	// DirectMapBase is where physical address 0 appears: the last 128 root
	// entries, starting at index 384.
	DirectMapBase = 0xFFFF_FFE0_0000_0000
)

// Perm holds PTE permission bits in their hardware positions.
type Perm uint8

const (
	PermValid Perm = 1 << iota
	PermRead
	PermWrite
	PermExec
	PermUser
	PermGlobal
	PermAccessed
	PermDirty
)

func (p Perm) String() string {
	flags := []struct {
		bit Perm
		ch  byte
	}{
		{PermRead, 'R'}, {PermWrite, 'W'}, {PermExec, 'X'}, {PermGlobal, 'G'},
	}
	out := make([]byte, 0, len(flags))
	for _, f := range flags {
		if p&f.bit != 0 {
			out = append(out, f.ch)
		} else {
			out = append(out, '-')
		}
	}
	return string(out)
}

// MarshalYAML renders permissions as their letter form.
func (p Perm) MarshalYAML() (any, error) {
	return p.String(), nil
}

// ParsePerm is the inverse of Perm.String.
func ParsePerm(s string) (Perm, error) {
	const letters = "RWXG"
	bits := [...]Perm{PermRead, PermWrite, PermExec, PermGlobal}
	if len(s) != len(letters) {
		return 0, fmt.Errorf("permission %q: want 4 characters like \"R-X-\"", s)
	}
	var p Perm
	for i := range letters {
		switch s[i] {
		case letters[i]:
			p |= bits[i]
		case '-':
		default:
			return 0, fmt.Errorf("permission %q: unexpected %q at position %d", s, s[i], i)
		}
	}
	return p, nil
}

// UnmarshalYAML accepts the letter form written by MarshalYAML.
func (p *Perm) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParsePerm(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Canonical reports whether va is a valid sv39 address: bits 63..39 must
// all equal bit 38.
func Canonical(va uint64) bool {
	top := va >> 38
	return top == 0 || top == (1<<26)-1
}

// VPN returns the 9-bit page table index of va at level (0 is the leaf).
func VPN(va uint64, level int) uint64 {
	return (va >> (PageShift + LevelBits*uint(level))) & (1<<LevelBits - 1)
}

// PageNumber returns addr >> PageShift.
func PageNumber(addr uint64) uint64 { return addr >> PageShift }

// Pages returns how many pages size bytes span.
func Pages(size uint64) uint64 {
	return (size + PageSize - 1) / PageSize
}

// Satp composes the satp value for a root table at rootPhys.
func Satp(rootPhys uint64, asid uint16) (uint64, error) {
	if rootPhys%PageSize != 0 {
		return 0, fmt.Errorf("root table %#x is not page aligned", rootPhys)
	}
	if PageNumber(rootPhys) >= 1<<44 {
		return 0, fmt.Errorf("root table %#x beyond the 44-bit PPN range", rootPhys)
	}
	return SatpModeSv39<<60 | uint64(asid)<<44 | PageNumber(rootPhys), nil
}

// Entry encodes a leaf PTE mapping the page at phys.
func Entry(phys uint64, perm Perm) uint64 {
	return PageNumber(phys)<<10 | uint64(perm|PermValid)
}
