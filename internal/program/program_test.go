package program

import (
	"debug/elf"
	"testing"

	"github.com/tinyrange/rvboot/internal/asm"
	"github.com/tinyrange/rvboot/internal/config"
	"github.com/tinyrange/rvboot/internal/layout"
	"github.com/tinyrange/rvboot/internal/stage"
)

func assembleStage(t *testing.T, fn Func, s stage.Stage, p config.Profile) []*asm.Object {
	t.Helper()
	sources, err := fn(s, p)
	if err != nil {
		t.Fatalf("%s sources: %v", s.Name, err)
	}
	objs, err := Assemble(sources)
	if err != nil {
		t.Fatalf("assemble %s: %v", s.Name, err)
	}
	return objs
}

func findSection(objs []*asm.Object, name string) *asm.Section {
	for _, obj := range objs {
		if sec := obj.Section(name); sec != nil {
			return sec
		}
	}
	return nil
}

func TestBootProgram(t *testing.T) {
	s := stage.Boot()
	objs := assembleStage(t, ForStage, s, config.Debug)

	entry := findSection(objs, s.EntrySection())
	if entry == nil {
		t.Fatalf("no %s section", s.EntrySection())
	}
	var kernelSize bool
	for _, rel := range entry.Relocations {
		if rel.Symbol == layout.KernelSizeSymbol {
			kernelSize = true
		}
	}
	if !kernelSize {
		t.Fatalf("boot entry never reads %s", layout.KernelSizeSymbol)
	}
	if _, ok := objs[0].Lookup(asm.Label(s.Entry)); !ok {
		t.Fatalf("entry symbol %s missing", s.Entry)
	}
	if findSection(objs, ".rodata.boot_banner") == nil {
		t.Fatalf("debug boot has no banner")
	}

	release := assembleStage(t, ForStage, s, config.Release)
	if findSection(release, ".rodata.boot_banner") != nil {
		t.Fatalf("release boot carries a banner")
	}
}

func TestKernelProgramIsPCRelative(t *testing.T) {
	s := stage.Kernel()
	for _, p := range config.Profiles() {
		for _, obj := range assembleStage(t, ForStage, s, p) {
			for _, sec := range obj.Sections {
				for _, rel := range sec.Relocations {
					switch rel.Type {
					case elf.R_RISCV_HI20, elf.R_RISCV_LO12_I:
						t.Fatalf("%s %s: absolute relocation %s against %s", p.Name, sec.Name, rel.Type, rel.Symbol)
					}
				}
			}
		}
	}
	stack := findSection(assembleStage(t, ForStage, s, config.Release), ".bss.kernel_stack")
	if stack == nil || stack.Size < KernelStackSize {
		t.Fatalf("kernel stack section = %+v", stack)
	}
}

func TestSizedKernel(t *testing.T) {
	s := stage.Kernel()
	objs := assembleStage(t, SizedKernel(4096), s, config.Release)
	if len(objs) != 1 || len(objs[0].Sections) != 1 {
		t.Fatalf("sized kernel objects = %+v", objs)
	}
	if sec := objs[0].Sections[0]; sec.Name != s.EntrySection() || sec.Size != 4096 {
		t.Fatalf("section %s of %d bytes", sec.Name, sec.Size)
	}

	// The boot stage is unaffected.
	boot := assembleStage(t, SizedKernel(4096), stage.Boot(), config.Release)
	if findSection(boot, ".text.boot_main") == nil {
		t.Fatalf("SizedKernel replaced the boot program")
	}

	for _, bad := range []int{0, 4, 4098} {
		if _, err := SizedKernel(bad)(s, config.Release); err == nil {
			t.Fatalf("SizedKernel(%d) accepted", bad)
		}
	}
}

func TestForStageUnknownMode(t *testing.T) {
	s := stage.Boot()
	s.Mode = stage.RelocationMode(42)
	if _, err := ForStage(s, config.Debug); err == nil {
		t.Fatalf("expected error for unknown relocation mode")
	}
}
