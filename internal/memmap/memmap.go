// Package memmap tracks usable physical memory as a set of half-open
// regions, populated from a device tree and reduced by carve-outs.
package memmap

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tinyrange/rvboot/internal/fdt"
)

// Region is the physical range [Start, Start+Size).
type Region struct {
	Start uint64 `yaml:"start"`
	Size  uint64 `yaml:"size"`
}

func (r Region) End() uint64 { return r.Start + r.Size }

func (r Region) String() string {
	return fmt.Sprintf("%#x-%#x (%#x)", r.Start, r.End(), r.Size)
}

// Map is a set of non-overlapping usable memory regions.
type Map struct {
	regions []Region
}

// Add records [start, start+size) as usable. Empty regions are ignored.
func (m *Map) Add(start, size uint64) error {
	if size == 0 {
		return nil
	}
	if start+size < start {
		return fmt.Errorf("memmap: region %#x+%#x wraps the address space", start, size)
	}
	r := Region{Start: start, Size: size}
	for _, cur := range m.regions {
		if r.Start < cur.End() && cur.Start < r.End() {
			return fmt.Errorf("memmap: region %s overlaps %s", r, cur)
		}
	}
	m.regions = append(m.regions, r)
	m.sort()
	return nil
}

// CarveOut removes [start, start+size) from every region it intersects,
// trimming or splitting regions as needed.
func (m *Map) CarveOut(start, size uint64) {
	if size == 0 {
		return
	}
	end := start + size
	if end < start {
		end = ^uint64(0)
	}

	var out []Region
	for _, r := range m.regions {
		if end <= r.Start || r.End() <= start {
			out = append(out, r)
			continue
		}
		if r.Start < start {
			out = append(out, Region{Start: r.Start, Size: start - r.Start})
		}
		if end < r.End() {
			out = append(out, Region{Start: end, Size: r.End() - end})
		}
	}
	m.regions = out
	m.sort()
}

// Regions returns a copy of the usable regions in address order.
func (m *Map) Regions() []Region {
	return append([]Region(nil), m.regions...)
}

// Total returns the number of usable bytes.
func (m *Map) Total() uint64 {
	var total uint64
	for _, r := range m.regions {
		total += r.Size
	}
	return total
}

func (m *Map) String() string {
	var sb strings.Builder
	for _, r := range m.regions {
		fmt.Fprintf(&sb, "%s\n", r)
	}
	return sb.String()
}

func (m *Map) sort() {
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].Start < m.regions[j].Start })
}

// FromDeviceTree builds a map from the memory nodes of an FDT blob, minus
// the reserved-memory children and the memory reservation block.
func FromDeviceTree(blob []byte) (*Map, error) {
	tree, err := fdt.Parse(blob)
	if err != nil {
		return nil, err
	}
	root := tree.Root
	addrCells := root.Cell("#address-cells", 2)
	sizeCells := root.Cell("#size-cells", 1)

	m := &Map{}
	for _, node := range root.Children {
		if node.UnitName() != "memory" {
			if dt, ok := node.StringProperty("device_type"); !ok || dt != "memory" {
				continue
			}
		}
		regs, err := node.Reg(addrCells, sizeCells)
		if err != nil {
			return nil, err
		}
		for _, r := range regs {
			if err := m.Add(r.Address, r.Size); err != nil {
				return nil, fmt.Errorf("memmap: node %s: %w", node.Name, err)
			}
		}
	}
	if len(m.regions) == 0 {
		return nil, fmt.Errorf("memmap: device tree has no memory nodes")
	}

	if resv, ok := root.Child("reserved-memory"); ok {
		ac := resv.Cell("#address-cells", addrCells)
		sc := resv.Cell("#size-cells", sizeCells)
		for _, child := range resv.Children {
			regs, err := child.Reg(ac, sc)
			if err != nil {
				return nil, err
			}
			for _, r := range regs {
				m.CarveOut(r.Address, r.Size)
			}
		}
	}
	for _, r := range tree.Reservations {
		m.CarveOut(r.Address, r.Size)
	}
	return m, nil
}

// ReserveImage returns blob with a no-map /reserved-memory child covering
// [start, start+size), so a kernel reading the tree leaves the boot image
// alone. The node is created when the tree has none.
func ReserveImage(blob []byte, start, size uint64) ([]byte, error) {
	if size == 0 {
		return nil, fmt.Errorf("memmap: empty image reservation")
	}
	tree, err := fdt.Parse(blob)
	if err != nil {
		return nil, err
	}
	root := &tree.Root
	addrCells := root.Cell("#address-cells", 2)
	sizeCells := root.Cell("#size-cells", 1)

	idx := -1
	for i, c := range root.Children {
		if c.Name == "reserved-memory" {
			idx = i
			break
		}
	}
	if idx < 0 {
		root.Children = append(root.Children, fdt.Node{
			Name: "reserved-memory",
			Properties: map[string]fdt.Property{
				"#address-cells": {U32: []uint32{addrCells}},
				"#size-cells":    {U32: []uint32{sizeCells}},
				"ranges":         {Flag: true},
			},
		})
		idx = len(root.Children) - 1
	}
	resv := &root.Children[idx]

	name := fmt.Sprintf("rvboot@%x", start)
	if _, ok := resv.Child(name); ok {
		return nil, fmt.Errorf("memmap: %s is already reserved", name)
	}
	reg, err := fdt.RegProperty(resv.Cell("#address-cells", addrCells), resv.Cell("#size-cells", sizeCells),
		fdt.Reservation{Address: start, Size: size})
	if err != nil {
		return nil, fmt.Errorf("memmap: reserve image: %w", err)
	}
	resv.Children = append(resv.Children, fdt.Node{
		Name: name,
		Properties: map[string]fdt.Property{
			"reg":    reg,
			"no-map": {Flag: true},
		},
	})
	return fdt.Encode(tree)
}
