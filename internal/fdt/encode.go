// Package fdt reads and writes Flattened Device Tree blobs.
package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"maps"
	"slices"
)

const (
	fdtHeaderSize  = 0x28
	fdtMagic       = 0xd00dfeed
	fdtVersion     = 17
	fdtLastCompVer = 16

	fdtBeginNodeToken = 0x00000001
	fdtEndNodeToken   = 0x00000002
	fdtPropToken      = 0x00000003
	fdtNopToken       = 0x00000004
	fdtEndToken       = 0x00000009
)

// Reservation is one entry of the memory reservation block, or one
// (address, size) pair of a reg property.
type Reservation struct {
	Address uint64 `json:"address"`
	Size    uint64 `json:"size"`
}

// End returns one past the last reserved byte.
func (r Reservation) End() uint64 { return r.Address + r.Size }

// encoder accumulates the structure and strings blocks of a blob.
type encoder struct {
	structure bytes.Buffer
	strings   bytes.Buffer
	offsets   map[string]uint32
}

func (e *encoder) word(v uint32) {
	e.structure.Write(binary.BigEndian.AppendUint32(nil, v))
}

// pad zero fills the structure block to the next 4 byte boundary.
func (e *encoder) pad() {
	for e.structure.Len()%4 != 0 {
		e.structure.WriteByte(0)
	}
}

func (e *encoder) name(s string) uint32 {
	if off, ok := e.offsets[s]; ok {
		return off
	}
	off := uint32(e.strings.Len())
	e.offsets[s] = off
	e.strings.WriteString(s)
	e.strings.WriteByte(0)
	return off
}

func (e *encoder) node(n Node) error {
	e.word(fdtBeginNodeToken)
	e.structure.WriteString(n.Name)
	e.structure.WriteByte(0)
	e.pad()

	for _, name := range slices.Sorted(maps.Keys(n.Properties)) {
		value, err := n.Properties[name].encode()
		if err != nil {
			return fmt.Errorf("fdt node %q property %q: %w", n.Name, name, err)
		}
		e.word(fdtPropToken)
		e.word(uint32(len(value)))
		e.word(e.name(name))
		e.structure.Write(value)
		e.pad()
	}
	for _, child := range n.Children {
		if err := e.node(child); err != nil {
			return err
		}
	}
	e.word(fdtEndNodeToken)
	return nil
}

// encode returns the big-endian property value.
func (p Property) encode() ([]byte, error) {
	if p.DefinedCount() > 1 {
		return nil, fmt.Errorf("multiple value kinds")
	}
	var out []byte
	switch p.Kind() {
	case "strings":
		for _, s := range p.Strings {
			out = append(append(out, s...), 0)
		}
	case "u32":
		for _, v := range p.U32 {
			out = binary.BigEndian.AppendUint32(out, v)
		}
	case "u64":
		for _, v := range p.U64 {
			out = binary.BigEndian.AppendUint64(out, v)
		}
	case "bytes":
		out = p.Bytes
	case "flag":
	default:
		return nil, fmt.Errorf("no values")
	}
	return out, nil
}

// Encode serializes t as a version 17 blob. Properties are written sorted by
// name and children in order, so equal trees encode to equal bytes.
func Encode(t *Tree) ([]byte, error) {
	e := &encoder{offsets: make(map[string]uint32)}
	if err := e.node(t.Root); err != nil {
		return nil, err
	}
	e.word(fdtEndToken)

	rsvOff := uint32(fdtHeaderSize)
	structOff := rsvOff + uint32(16*(len(t.Reservations)+1))
	stringsOff := structOff + uint32(e.structure.Len())
	total := stringsOff + uint32(e.strings.Len())

	be := binary.BigEndian
	blob := make([]byte, 0, total)
	for _, v := range []uint32{
		fdtMagic, total, structOff, stringsOff, rsvOff,
		fdtVersion, fdtLastCompVer, t.BootCPU,
		uint32(e.strings.Len()), uint32(e.structure.Len()),
	} {
		blob = be.AppendUint32(blob, v)
	}
	for _, r := range t.Reservations {
		blob = be.AppendUint64(blob, r.Address)
		blob = be.AppendUint64(blob, r.Size)
	}
	blob = append(blob, make([]byte, 16)...)
	blob = append(blob, e.structure.Bytes()...)
	blob = append(blob, e.strings.Bytes()...)
	return blob, nil
}

// RegProperty encodes pairs as a reg property with the given cell counts,
// the inverse of Node.Reg.
func RegProperty(addressCells, sizeCells uint32, regs ...Reservation) (Property, error) {
	if addressCells == 0 || addressCells > 2 || sizeCells > 2 {
		return Property{}, fmt.Errorf("fdt: unsupported cell counts %d/%d", addressCells, sizeCells)
	}
	var cells []uint32
	put := func(v uint64, n uint32) error {
		if n == 1 && v > 0xffffffff {
			return fmt.Errorf("fdt: %#x does not fit one cell", v)
		}
		if n == 2 {
			cells = append(cells, uint32(v>>32))
		}
		if n > 0 {
			cells = append(cells, uint32(v))
		}
		return nil
	}
	for _, r := range regs {
		if err := put(r.Address, addressCells); err != nil {
			return Property{}, err
		}
		if err := put(r.Size, sizeCells); err != nil {
			return Property{}, err
		}
	}
	return Property{U32: cells}, nil
}
