package layout

import (
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/rvboot/internal/stage"
)

func mustDescriptor(t *testing.T, s stage.Stage) *Descriptor {
	t.Helper()
	d, err := NewDescriptor(s)
	if err != nil {
		t.Fatalf("NewDescriptor(%s) failed: %v", s.Name, err)
	}
	return d
}

func TestDescriptorRegionOrder(t *testing.T) {
	tests := []struct {
		stage stage.Stage
		want  []RegionKind
	}{
		{stage.Boot(), []RegionKind{Text, Data, BSS, ROData, Stack}},
		{stage.Kernel(), []RegionKind{Text, Data, BSS, ROData}},
	}
	for _, tt := range tests {
		d := mustDescriptor(t, tt.stage)
		if len(d.Regions) != len(tt.want) {
			t.Fatalf("%s: %d regions, want %d", tt.stage.Name, len(d.Regions), len(tt.want))
		}
		for i, r := range d.Regions {
			if r.Kind != tt.want[i] {
				t.Fatalf("%s: region %d=%s, want %s", tt.stage.Name, i, r.Kind, tt.want[i])
			}
		}
	}
}

func TestClassify(t *testing.T) {
	d := mustDescriptor(t, stage.Boot())
	tests := map[string]RegionKind{
		".text.boot_entrypoint": Text,
		".text":                 Text,
		".text.boot_main":       Text,
		".data":                 Data,
		".sdata.counter":        Data,
		".got":                  Data,
		".bss.handoff":          BSS,
		".sbss":                 BSS,
		"COMMON":                BSS,
		".rodata.str1.1":        ROData,
		".srodata.cst8":         ROData,
	}
	for name, want := range tests {
		got, ok := d.Classify(name)
		if !ok || got != want {
			t.Fatalf("Classify(%q)=%v,%v want %v", name, got, ok, want)
		}
	}
	if _, ok := d.Classify(".debug_info"); ok {
		t.Fatalf("debug sections must not match a loaded region")
	}
}

func bootInputs() []Input {
	return []Input{
		{Name: ".text", Size: 0x40, Align: 4},
		{Name: ".text.boot_entrypoint", Size: 0x30, Align: 4},
		{Name: ".rodata.banner", Size: 0x11, Align: 1},
		{Name: ".data", Size: 0x8, Align: 8},
		{Name: ".bss.handoff", Size: 0x10, Align: 8},
	}
}

func TestPlaceBoot(t *testing.T) {
	d := mustDescriptor(t, stage.Boot())
	p, err := d.Place(bootInputs())
	if err != nil {
		t.Fatalf("Place failed: %v", err)
	}

	entry, ok := p.Lookup(".text.boot_entrypoint")
	if !ok || entry.Addr != stage.BootBase {
		t.Fatalf("entry section at %#x, want first in text at %#x", entry.Addr, uint64(stage.BootBase))
	}
	text, _ := p.Lookup(".text")
	if text.Addr != stage.BootBase+0x30 {
		t.Fatalf(".text at %#x", text.Addr)
	}

	want := []struct {
		kind   RegionKind
		start  uint64
		length uint64
	}{
		{Text, 0x8020_0000, 0x70},
		{Data, 0x8020_1000, 0x8},
		{BSS, 0x8020_2000, 0x10},
		{ROData, 0x8020_3000, 0x11},
		{Stack, 0x8020_4000, 0x1000},
	}
	for i, w := range want {
		r := p.Regions[i]
		if r.Kind != w.kind || r.Start != w.start || r.Length != w.length {
			t.Fatalf("region %d=%v, want %s start %#x length %#x", i, r, w.kind, w.start, w.length)
		}
		if r.Start%stage.PageSize != 0 {
			t.Fatalf("region %s start %#x not page aligned", r.Name, r.Start)
		}
	}
	if p.End != 0x8020_5000 || p.End%stage.PageSize != 0 {
		t.Fatalf("End=%#x, want page aligned 0x80205000", p.End)
	}

	syms := map[string]uint64{}
	for _, s := range p.Symbols {
		syms[s.Name] = s.Value
	}
	for _, r := range p.Regions {
		start := syms["_boot_"+r.Name+"_start"]
		end := syms["_boot_"+r.Name+"_end"]
		size := syms["_boot_"+r.Name+"_size"]
		if end-start != size {
			t.Fatalf("%s: end-start=%#x size=%#x", r.Name, end-start, size)
		}
	}
	// Half-open: rodata holds 0x11 bytes, so its end is start+0x11, not +0x10.
	if got := syms["_boot_rodata_end"]; got != 0x8020_3011 {
		t.Fatalf("_boot_rodata_end=%#x, want 0x80203011", got)
	}
	if syms["_boot_start"] != stage.BootBase || syms["_boot_end"] != p.End {
		t.Fatalf("stage markers start=%#x end=%#x", syms["_boot_start"], syms["_boot_end"])
	}
}

func TestPlaceKernelEmptyRegions(t *testing.T) {
	d := mustDescriptor(t, stage.Kernel())
	p, err := d.Place([]Input{{Name: ".text.kernel_entrypoint", Size: 0x10, Align: 4}})
	if err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	if len(p.Regions) != 4 {
		t.Fatalf("kernel has %d regions", len(p.Regions))
	}
	for _, r := range p.Regions[1:] {
		if r.Length != 0 || r.Start != stage.KernelBase+0x1000 {
			t.Fatalf("empty region %v", r)
		}
	}
	if p.End != stage.KernelBase+0x1000 {
		t.Fatalf("End=%#x", p.End)
	}
}

func TestPlaceErrors(t *testing.T) {
	d := mustDescriptor(t, stage.Boot())

	_, err := d.Place([]Input{{Name: ".text", Size: 4, Align: 4}})
	if !errors.Is(err, ErrMissingDependency) {
		t.Fatalf("missing entry section: err=%v, want ErrMissingDependency", err)
	}

	inputs := append(bootInputs(), Input{Name: ".init_array", Size: 8, Align: 8})
	_, err = d.Place(inputs)
	if !errors.Is(err, ErrLayoutViolation) {
		t.Fatalf("orphan section: err=%v, want ErrLayoutViolation", err)
	}

	inputs = append(bootInputs(), Input{Name: ".data.odd", Size: 8, Align: 3})
	if _, err := d.Place(inputs); !errors.Is(err, ErrLayoutViolation) {
		t.Fatalf("bad alignment: err=%v, want ErrLayoutViolation", err)
	}
}

func TestCheckRejectsInclusiveEnds(t *testing.T) {
	d := mustDescriptor(t, stage.Kernel())
	p, err := d.Place([]Input{
		{Name: ".text.kernel_entrypoint", Size: 0x10, Align: 4},
		{Name: ".data", Size: 0x10, Align: 8},
	})
	if err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	// An inclusive end marker is the last byte, one short of the region end.
	if err := d.check(p.Regions, p.Start, p.End-1); !errors.Is(err, ErrLayoutViolation) {
		t.Fatalf("check with inclusive end: err=%v, want ErrLayoutViolation", err)
	}

	regions := append([]Region(nil), p.Regions...)
	regions[1].Start = regions[0].Start + 0x8
	if err := d.check(regions, p.Start, p.End); !errors.Is(err, ErrLayoutViolation) {
		t.Fatalf("check with unaligned region: err=%v, want ErrLayoutViolation", err)
	}

	regions = append([]Region(nil), p.Regions...)
	regions[1], regions[2] = regions[2], regions[1]
	if err := d.check(regions, p.Start, p.End); !errors.Is(err, ErrLayoutViolation) {
		t.Fatalf("check with swapped regions: err=%v, want ErrLayoutViolation", err)
	}
}

func TestLinkerScript(t *testing.T) {
	d := mustDescriptor(t, stage.Boot())
	script := d.LinkerScript(ScriptOptions{RequireKernelSize: true})

	for _, want := range []string{
		"ENTRY(_boot_entrypoint)",
		". = 0x80200000;",
		".text ALIGN(0x1000) :",
		"KEEP(*(.text.boot_entrypoint))",
		"_boot_text_size = _boot_text_end - _boot_text_start;",
		".stack ALIGN(0x1000) (NOLOAD) :",
		". += 0x1000;",
		"_boot_end = .;",
		"*(.comment)",
		"*(.eh_frame*)",
		"ASSERT(_kernel_size > 0",
		"ASSERT(_boot_end % 0x1000 == 0",
	} {
		if !strings.Contains(script, want) {
			t.Fatalf("script missing %q:\n%s", want, script)
		}
	}

	order := []string{".text ALIGN", ".data ALIGN", ".bss ALIGN", ".rodata ALIGN", ".stack ALIGN"}
	last := -1
	for _, o := range order {
		idx := strings.Index(script, o)
		if idx <= last {
			t.Fatalf("output section %q out of order", o)
		}
		last = idx
	}

	k := mustDescriptor(t, stage.Kernel())
	ks := k.LinkerScript(ScriptOptions{Diagnostics: true})
	if strings.Contains(ks, "_kernel_size") || strings.Contains(ks, ".stack") {
		t.Fatalf("kernel script has boot-only content:\n%s", ks)
	}
	if strings.Contains(ks, "*(.comment)") {
		t.Fatalf("diagnostics script discards .comment")
	}
	if !strings.Contains(ks, ". = 0xffffffc000000000;") {
		t.Fatalf("kernel script base missing:\n%s", ks)
	}
}
