package handoff

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/rvboot/internal/image"
	"github.com/tinyrange/rvboot/internal/layout"
)

func bootLayout() *layout.Resolved {
	return &layout.Resolved{
		Stage: "boot",
		Entry: 0x8020_0000,
		Start: 0x8020_0000,
		End:   0x8020_5000,
		Regions: []layout.Region{
			{Kind: layout.Text, Name: "text", Start: 0x8020_0000, Length: 0x70},
			{Kind: layout.Data, Name: "data", Start: 0x8020_1000, Length: 0},
			{Kind: layout.BSS, Name: "bss", Start: 0x8020_1000, Length: 0x10},
			{Kind: layout.ROData, Name: "rodata", Start: 0x8020_2000, Length: 0x14},
			{Kind: layout.Stack, Name: "stack", Start: 0x8020_3000, Length: 0x2000},
		},
	}
}

func kernelLayout() *layout.Resolved {
	const base = 0xFFFF_FFC0_0000_0000
	return &layout.Resolved{
		Stage: "kernel",
		Entry: base,
		Start: base,
		End:   base + 0x3015,
		Regions: []layout.Region{
			{Kind: layout.Text, Name: "text", Start: base, Length: 0x90},
			{Kind: layout.Data, Name: "data", Start: base + 0x1000, Length: 0x8},
			{Kind: layout.BSS, Name: "bss", Start: base + 0x2000, Length: 0x1000},
			{Kind: layout.ROData, Name: "rodata", Start: base + 0x3000, Length: 0x15},
		},
	}
}

func TestSv39Helpers(t *testing.T) {
	if !Canonical(0x8020_0000) || !Canonical(HighHalfStart) || !Canonical(DirectMapBase) {
		t.Fatalf("expected canonical addresses")
	}
	if Canonical(0x40_0000_0000) || Canonical(0xFFFF_FF80_0000_0000) {
		t.Fatalf("expected non-canonical addresses")
	}
	if got := VPN(DirectMapBase, 2); got != 384 {
		t.Fatalf("VPN2(DirectMapBase)=%d, want 384", got)
	}
	if got := VPN(HighHalfStart, 2); got != 256 {
		t.Fatalf("VPN2(HighHalfStart)=%d, want 256", got)
	}
	va := uint64(0x8020_3000)
	if VPN(va, 2) != 2 || VPN(va, 1) != 1 || VPN(va, 0) != 3 {
		t.Fatalf("VPN(%#x)=%d/%d/%d", va, VPN(va, 2), VPN(va, 1), VPN(va, 0))
	}
	if Pages(1) != 1 || Pages(PageSize) != 1 || Pages(PageSize+1) != 2 || Pages(0) != 0 {
		t.Fatalf("Pages rounding wrong")
	}
	satp, err := Satp(0x8030_0000, 0)
	if err != nil || satp != 8<<60|0x80300 {
		t.Fatalf("Satp=%#x err=%v", satp, err)
	}
	if _, err := Satp(0x8030_0010, 0); err == nil {
		t.Fatalf("expected error for unaligned root table")
	}
	if got := Entry(0x8020_0000, PermRead|PermExec); got != 0x80200<<10|0xb {
		t.Fatalf("Entry=%#x", got)
	}
	if got := (PermRead | PermWrite | PermGlobal).String(); got != "RW-G" {
		t.Fatalf("Perm.String=%q", got)
	}
}

func TestNewPlan(t *testing.T) {
	boot, kernel := bootLayout(), kernelLayout()
	h := image.Handoff{KernelOffset: boot.Size(), KernelSize: kernel.Size()}

	p, err := NewPlan(boot, kernel, h)
	if err != nil {
		t.Fatalf("NewPlan failed: %v", err)
	}
	if p.KernelPhys != 0x8020_5000 {
		t.Fatalf("KernelPhys=%#x, want boot end", p.KernelPhys)
	}
	if p.KernelPages != 4 {
		t.Fatalf("KernelPages=%d, want 4", p.KernelPages)
	}
	if len(p.Identity) != 4 {
		t.Fatalf("identity mappings=%d, want 4 (empty data skipped)", len(p.Identity))
	}
	if p.Identity[0].Perm != PermRead|PermExec {
		t.Fatalf("boot text perm=%s", p.Identity[0].Perm)
	}
	stack := p.Identity[3]
	if stack.Virt != stack.Phys || stack.Size != 0x2000 || stack.Perm != PermRead|PermWrite {
		t.Fatalf("stack mapping=%v", stack)
	}

	tests := []struct {
		va   uint64
		phys uint64
		perm Perm
	}{
		{0x8020_0010, 0x8020_0010, PermRead | PermExec},
		{kernel.Start + 0x10, 0x8020_5010, PermRead | PermExec},
		{kernel.Start + 0x1004, 0x8020_6004, PermRead | PermWrite},
		{kernel.Start + 0x3000, 0x8020_8000, PermRead},
		{DirectMapBase + 0x8020_0000, 0x8020_0000, PermRead | PermWrite | PermGlobal},
		{0xFFFF_FFFF_FFFF_F000, DirectMapSize - PageSize, PermRead | PermWrite | PermGlobal},
	}
	for _, tt := range tests {
		phys, perm, ok := p.Translate(tt.va)
		if !ok || phys != tt.phys || perm != tt.perm {
			t.Fatalf("Translate(%#x)=%#x,%s,%v want %#x,%s", tt.va, phys, perm, ok, tt.phys, tt.perm)
		}
	}
	if _, _, ok := p.Translate(0x1000); ok {
		t.Fatalf("low memory outside boot should be unmapped")
	}
	if got := p.KernelEntryPhys(); got != 0x8020_5000 {
		t.Fatalf("KernelEntryPhys=%#x", got)
	}
}

func TestNewPlanRejects(t *testing.T) {
	boot, kernel := bootLayout(), kernelLayout()
	good := image.Handoff{KernelOffset: boot.Size(), KernelSize: kernel.Size()}

	bad := good
	bad.KernelSize++
	if _, err := NewPlan(boot, kernel, bad); err == nil || !strings.Contains(err.Error(), "kernel size") {
		t.Fatalf("wrong size: err=%v", err)
	}

	bad = good
	bad.KernelOffset = boot.Size() + 1
	if _, err := NewPlan(boot, kernel, bad); err == nil {
		t.Fatalf("expected error for offset not equal to boot size")
	}

	low := kernelLayout()
	low.Start, low.End = 0x9000_0000, 0x9000_0000+low.Size()
	if _, err := NewPlan(boot, low, good); err == nil {
		t.Fatalf("expected error for low kernel base")
	}

	clash := kernelLayout()
	shift := uint64(DirectMapBase) - clash.Start
	clash.Start += shift
	clash.End += shift
	clash.Entry += shift
	for i := range clash.Regions {
		clash.Regions[i].Start += shift
	}
	if _, err := NewPlan(boot, clash, good); err == nil || !strings.Contains(err.Error(), "overlaps") {
		t.Fatalf("kernel inside direct map: err=%v", err)
	}
}

func TestPermYAML(t *testing.T) {
	for _, p := range []Perm{PermRead | PermExec, PermRead, PermRead | PermWrite | PermGlobal, 0} {
		data, err := yaml.Marshal(map[string]Perm{"perm": p})
		if err != nil {
			t.Fatal(err)
		}
		var out map[string]Perm
		if err := yaml.Unmarshal(data, &out); err != nil {
			t.Fatalf("unmarshal %q: %v", data, err)
		}
		if out["perm"] != p {
			t.Fatalf("perm %s came back as %s", p, out["perm"])
		}
	}
	for _, bad := range []string{"RW", "RWXGX", "W---"} {
		if _, err := ParsePerm(bad); err == nil {
			t.Fatalf("ParsePerm(%q) succeeded", bad)
		}
	}
}
