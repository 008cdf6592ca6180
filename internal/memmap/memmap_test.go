package memmap

import (
	"testing"

	"github.com/tinyrange/rvboot/internal/fdt"
)

func regions(rs ...uint64) []Region {
	var out []Region
	for i := 0; i+1 < len(rs); i += 2 {
		out = append(out, Region{Start: rs[i], Size: rs[i+1]})
	}
	return out
}

func equal(a, b []Region) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCarveOut(t *testing.T) {
	tests := []struct {
		name        string
		start, size uint64
		want        []Region
	}{
		{"disjoint", 0x5000, 0x1000, regions(0x1000, 0x2000)},
		{"contains", 0x0, 0x4000, nil},
		{"exact", 0x1000, 0x2000, nil},
		{"head", 0x0, 0x1800, regions(0x1800, 0x1800)},
		{"tail", 0x2800, 0x1000, regions(0x1000, 0x1800)},
		{"middle", 0x1800, 0x800, regions(0x1000, 0x800, 0x2000, 0x1000)},
		{"adjacent-before", 0x0, 0x1000, regions(0x1000, 0x2000)},
		{"adjacent-after", 0x3000, 0x1000, regions(0x1000, 0x2000)},
		{"empty", 0x1800, 0, regions(0x1000, 0x2000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m Map
			if err := m.Add(0x1000, 0x2000); err != nil {
				t.Fatal(err)
			}
			m.CarveOut(tt.start, tt.size)
			if got := m.Regions(); !equal(got, tt.want) {
				t.Fatalf("regions = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCarveOutSpansRegions(t *testing.T) {
	var m Map
	for _, r := range regions(0x1000, 0x1000, 0x3000, 0x1000, 0x5000, 0x1000) {
		if err := m.Add(r.Start, r.Size); err != nil {
			t.Fatal(err)
		}
	}
	m.CarveOut(0x1800, 0x4000)
	want := regions(0x1000, 0x800, 0x5800, 0x800)
	if got := m.Regions(); !equal(got, want) {
		t.Fatalf("regions = %v, want %v", got, want)
	}
	if m.Total() != 0x1000 {
		t.Fatalf("Total = %#x", m.Total())
	}
}

func TestAddRejectsOverlap(t *testing.T) {
	var m Map
	if err := m.Add(0x1000, 0x1000); err != nil {
		t.Fatal(err)
	}
	if err := m.Add(0x1fff, 0x10); err == nil {
		t.Fatalf("expected overlap error")
	}
	if err := m.Add(0x2000, 0x10); err != nil {
		t.Fatalf("adjacent region rejected: %v", err)
	}
	if err := m.Add(^uint64(0)-0x10, 0x100); err == nil {
		t.Fatalf("expected wrap error")
	}
}

func TestFromDeviceTree(t *testing.T) {
	root := fdt.Node{
		Properties: map[string]fdt.Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
		},
		Children: []fdt.Node{
			{Name: "chosen"},
			{
				Name: "memory@80000000",
				Properties: map[string]fdt.Property{
					"device_type": {Strings: []string{"memory"}},
					"reg":         {U64: []uint64{0x80000000, 0x8000000}},
				},
			},
			{
				Name: "reserved-memory",
				Properties: map[string]fdt.Property{
					"#address-cells": {U32: []uint32{2}},
					"#size-cells":    {U32: []uint32{2}},
				},
				Children: []fdt.Node{{
					Name: "mmode_resv0@80000000",
					Properties: map[string]fdt.Property{
						"reg": {U64: []uint64{0x80000000, 0x40000}},
					},
				}},
			},
		},
	}
	blob, err := fdt.Encode(&fdt.Tree{Root: root, Reservations: []fdt.Reservation{{Address: 0x87000000, Size: 0x100000}}})
	if err != nil {
		t.Fatal(err)
	}
	m, err := FromDeviceTree(blob)
	if err != nil {
		t.Fatalf("FromDeviceTree: %v", err)
	}
	want := regions(
		0x80040000, 0x87000000-0x80040000,
		0x87100000, 0x88000000-0x87100000,
	)
	if got := m.Regions(); !equal(got, want) {
		t.Fatalf("regions = %v, want %v", got, want)
	}

	m.CarveOut(0x80200000, 0x6000)
	if got := m.Regions(); len(got) != 3 || got[1].Start != 0x80206000 {
		t.Fatalf("after image carve-out = %v", got)
	}
}

func TestFromDeviceTreeWithoutMemory(t *testing.T) {
	blob, err := fdt.Encode(&fdt.Tree{Root: fdt.Node{Children: []fdt.Node{{Name: "chosen"}}}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := FromDeviceTree(blob); err == nil {
		t.Fatalf("expected error for tree without memory")
	}
}

func virtTree(t *testing.T, withReserved bool) []byte {
	t.Helper()
	root := fdt.Node{
		Properties: map[string]fdt.Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
		},
		Children: []fdt.Node{{
			Name: "memory@80000000",
			Properties: map[string]fdt.Property{
				"device_type": {Strings: []string{"memory"}},
				"reg":         {U64: []uint64{0x80000000, 0x8000000}},
			},
		}},
	}
	if withReserved {
		root.Children = append(root.Children, fdt.Node{
			Name: "reserved-memory",
			Properties: map[string]fdt.Property{
				"#address-cells": {U32: []uint32{2}},
				"#size-cells":    {U32: []uint32{2}},
				"ranges":         {Flag: true},
			},
			Children: []fdt.Node{{
				Name:       "mmode_resv0@80000000",
				Properties: map[string]fdt.Property{"reg": {U64: []uint64{0x80000000, 0x40000}}},
			}},
		})
	}
	blob, err := fdt.Encode(&fdt.Tree{Root: root})
	if err != nil {
		t.Fatal(err)
	}
	return blob
}

func TestReserveImage(t *testing.T) {
	for _, withReserved := range []bool{false, true} {
		blob, err := ReserveImage(virtTree(t, withReserved), 0x80200000, 0x6000)
		if err != nil {
			t.Fatalf("ReserveImage(reserved-memory=%v): %v", withReserved, err)
		}
		tree, err := fdt.Parse(blob)
		if err != nil {
			t.Fatal(err)
		}
		node, ok := tree.Root.Find("/reserved-memory/rvboot@80200000")
		if !ok {
			t.Fatalf("reservation node missing (reserved-memory=%v)", withReserved)
		}
		if !node.Properties["no-map"].Flag {
			t.Fatalf("reservation is not no-map")
		}

		m, err := FromDeviceTree(blob)
		if err != nil {
			t.Fatalf("FromDeviceTree: %v", err)
		}
		for _, r := range m.Regions() {
			if r.Start < 0x80206000 && r.End() > 0x80200000 {
				t.Fatalf("usable region %s overlaps the reserved image", r)
			}
		}
		if _, err := ReserveImage(blob, 0x80200000, 0x6000); err == nil {
			t.Fatalf("expected error reserving the same image twice")
		}
	}
}

func TestReserveImageRejectsEmpty(t *testing.T) {
	if _, err := ReserveImage(virtTree(t, false), 0x80200000, 0); err == nil {
		t.Fatalf("expected error for an empty reservation")
	}
}
