package fdt

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Property describes a single device-tree property in a JSON-friendly form.
// Exactly one of the typed fields should be populated for a given property.
type Property struct {
	Strings []string `json:"strings,omitempty"`
	U32     []uint32 `json:"u32,omitempty"`
	U64     []uint64 `json:"u64,omitempty"`
	Bytes   []byte   `json:"bytes,omitempty"`
	Flag    bool     `json:"flag,omitempty"`
}

// Kind returns the name of the populated field or an empty string if none are set.
func (p Property) Kind() string {
	switch {
	case len(p.Strings) > 0:
		return "strings"
	case len(p.U32) > 0:
		return "u32"
	case len(p.U64) > 0:
		return "u64"
	case len(p.Bytes) > 0:
		return "bytes"
	case p.Flag:
		return "flag"
	default:
		return ""
	}
}

// DefinedCount reports how many distinct fields on the property are populated.
func (p Property) DefinedCount() int {
	count := 0
	if len(p.Strings) > 0 {
		count++
	}
	if len(p.U32) > 0 {
		count++
	}
	if len(p.U64) > 0 {
		count++
	}
	if len(p.Bytes) > 0 {
		count++
	}
	if p.Flag {
		count++
	}
	return count
}

// Node describes a device-tree node using JSON-friendly structures.
type Node struct {
	Name       string              `json:"name"`
	Properties map[string]Property `json:"properties,omitempty"`
	Children   []Node              `json:"children,omitempty"`
}

// Child returns the direct child named name.
func (n Node) Child(name string) (Node, bool) {
	for _, c := range n.Children {
		if c.Name == name {
			return c, true
		}
	}
	return Node{}, false
}

// Find resolves a slash separated path such as "/reserved-memory".
func (n Node) Find(path string) (Node, bool) {
	cur := n
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		next, ok := cur.Child(part)
		if !ok {
			return Node{}, false
		}
		cur = next
	}
	return cur, true
}

// UnitName returns the node name without its "@unit-address" suffix.
func (n Node) UnitName() string {
	name, _, _ := strings.Cut(n.Name, "@")
	return name
}

// Cell returns a single u32 property, falling back to def when absent.
func (n Node) Cell(name string, def uint32) uint32 {
	prop, ok := n.Properties[name]
	if !ok {
		return def
	}
	if len(prop.U32) > 0 {
		return prop.U32[0]
	}
	if len(prop.Bytes) >= 4 {
		return binary.BigEndian.Uint32(prop.Bytes)
	}
	return def
}

// StringProperty returns the first string of a property.
func (n Node) StringProperty(name string) (string, bool) {
	prop, ok := n.Properties[name]
	if !ok {
		return "", false
	}
	if len(prop.Strings) > 0 {
		return prop.Strings[0], true
	}
	s, _, _ := strings.Cut(string(prop.Bytes), "\x00")
	return s, len(prop.Bytes) > 0
}

// Reg decodes the reg property as (address, size) pairs using the cell
// counts of the parent node.
func (n Node) Reg(addressCells, sizeCells uint32) ([]Reservation, error) {
	prop, ok := n.Properties["reg"]
	if !ok {
		return nil, nil
	}
	data := prop.Bytes
	switch {
	case len(prop.U64) > 0:
		data = make([]byte, 0, len(prop.U64)*8)
		for _, v := range prop.U64 {
			data = binary.BigEndian.AppendUint64(data, v)
		}
	case len(prop.U32) > 0:
		data = make([]byte, 0, len(prop.U32)*4)
		for _, v := range prop.U32 {
			data = binary.BigEndian.AppendUint32(data, v)
		}
	}
	if addressCells > 2 || sizeCells > 2 {
		return nil, fmt.Errorf("fdt node %s: unsupported cell counts %d/%d", n.Name, addressCells, sizeCells)
	}
	stride := int(addressCells+sizeCells) * 4
	if stride == 0 || len(data)%stride != 0 {
		return nil, fmt.Errorf("fdt node %s: reg of %d bytes is not a multiple of %d", n.Name, len(data), stride)
	}
	var out []Reservation
	for off := 0; off < len(data); off += stride {
		addr := readCells(data[off:], addressCells)
		size := readCells(data[off+int(addressCells)*4:], sizeCells)
		out = append(out, Reservation{Address: addr, Size: size})
	}
	return out, nil
}

func readCells(b []byte, cells uint32) uint64 {
	var v uint64
	for i := uint32(0); i < cells; i++ {
		v = v<<32 | uint64(binary.BigEndian.Uint32(b[i*4:]))
	}
	return v
}
