package flatten

import (
	"bytes"
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/rvboot/internal/asm"
	rv "github.com/tinyrange/rvboot/internal/asm/riscv"
	"github.com/tinyrange/rvboot/internal/layout"
	"github.com/tinyrange/rvboot/internal/link"
	"github.com/tinyrange/rvboot/internal/stage"
)

// linkBoot links a boot stage with text, bss and the stack reservation but
// no data or rodata.
func linkBoot(t *testing.T) (*link.Output, *layout.Descriptor) {
	t.Helper()
	s := stage.Boot()
	d, err := layout.NewDescriptor(s)
	if err != nil {
		t.Fatal(err)
	}
	obj, err := rv.Assemble("boot.o", asm.Group{
		asm.SwitchSection(s.EntrySection()),
		asm.Global(asm.Label(s.Entry)),
		asm.MarkLabel(asm.Label(s.Entry)),
		rv.LoadAddress(rv.T0, "scratch"),
		rv.MovToMemory(rv.T0, rv.Zero, 0),
		rv.Wfi(),
		asm.SwitchSection(".bss.scratch"),
		asm.MarkLabel("scratch"),
		asm.Zero(128),
	})
	if err != nil {
		t.Fatal(err)
	}
	out, err := link.Link([]*asm.Object{obj}, link.Options{Descriptor: d})
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	return out, d
}

func TestFlattenCoversMemorySize(t *testing.T) {
	out, _ := linkBoot(t)
	flat, err := Bytes(out.ELF)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	p := out.Placement
	if flat.Base != p.Start {
		t.Fatalf("Base = %#x, want %#x", flat.Base, p.Start)
	}
	if uint64(flat.Len()) != p.End-p.Start || flat.End() != p.End {
		t.Fatalf("flat covers [%#x, %#x), stage is [%#x, %#x)", flat.Base, flat.End(), p.Start, p.End)
	}

	text, _ := p.Region(layout.Text)
	if flat.Data[0] == 0 && flat.Data[1] == 0 {
		t.Fatalf("text not copied")
	}
	for i := text.End() - p.Start; i < uint64(flat.Len()); i++ {
		if flat.Data[i] != 0 {
			t.Fatalf("byte %#x past text is %#x, want zero fill", i, flat.Data[i])
		}
	}
}

func TestRangeMatchesMarkers(t *testing.T) {
	out, d := linkBoot(t)
	f, err := elf.NewFile(bytes.NewReader(out.ELF))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	resolved, err := layout.Verify(f, d)
	if err != nil {
		t.Fatal(err)
	}
	flat, err := Range(f, resolved.Start, resolved.End)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if uint64(flat.Len()) != resolved.Size() {
		t.Fatalf("len %d, markers span %d", flat.Len(), resolved.Size())
	}

	start, end, err := Bounds(f)
	if err != nil {
		t.Fatal(err)
	}
	if start != resolved.Start || end != resolved.End {
		t.Fatalf("Bounds [%#x, %#x), markers [%#x, %#x)", start, end, resolved.Start, resolved.End)
	}

	// A wider range pads with zeros; a narrower one is rejected.
	wide, err := Range(f, resolved.Start, resolved.End+stage.PageSize)
	if err != nil {
		t.Fatalf("Range wide: %v", err)
	}
	if !bytes.Equal(wide.Data[:flat.Len()], flat.Data) {
		t.Fatalf("wide flatten differs in the shared prefix")
	}
	if _, err := Range(f, resolved.Start, resolved.End-1); err == nil {
		t.Fatalf("expected error for a range that cuts a segment")
	}
	if _, err := Range(f, resolved.Start, resolved.Start); err == nil {
		t.Fatalf("expected error for an empty range")
	}
	if _, err := Range(f, resolved.End, resolved.Start); err == nil {
		t.Fatalf("expected error for an inverted range")
	}
}

func TestFileAndWriteFile(t *testing.T) {
	out, _ := linkBoot(t)
	dir := t.TempDir()
	elfPath := filepath.Join(dir, "boot.elf")
	if err := os.WriteFile(elfPath, out.ELF, 0o644); err != nil {
		t.Fatal(err)
	}
	flat, err := File(elfPath)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	binPath := filepath.Join(dir, "boot.bin")
	if err := flat.WriteFile(binPath); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(binPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, flat.Data) {
		t.Fatalf("written binary differs")
	}
	if _, err := File(filepath.Join(dir, "missing.elf")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := Bytes([]byte("not an elf")); err == nil {
		t.Fatalf("expected error for garbage input")
	}
}
