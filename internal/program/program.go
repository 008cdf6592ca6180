// Package program holds the reference boot and kernel stage programs that
// the native toolchain assembles when no external compiler is used.
//
// The boot stage parks secondary harts, masks supervisor interrupts, sets
// up its reserved stack, clears bss and calls boot_main with the kernel
// payload location (a2 = physical start, a3 = _kernel_size). The kernel
// stage is position independent: every address it forms is PC relative.
package program

import (
	"fmt"

	"github.com/tinyrange/rvboot/internal/asm"
	rv "github.com/tinyrange/rvboot/internal/asm/riscv"
	"github.com/tinyrange/rvboot/internal/config"
	"github.com/tinyrange/rvboot/internal/layout"
	"github.com/tinyrange/rvboot/internal/stage"
)

// Source is one object file worth of assembly.
type Source struct {
	Name     string
	Fragment asm.Fragment
}

// Assemble lowers every source to an object.
func Assemble(sources []Source) ([]*asm.Object, error) {
	var objs []*asm.Object
	for _, src := range sources {
		obj, err := rv.Assemble(src.Name, src.Fragment)
		if err != nil {
			return nil, err
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

// Func is the shape of a stage program generator.
type Func func(s stage.Stage, p config.Profile) ([]Source, error)

// ForStage returns the reference program for s.
func ForStage(s stage.Stage, p config.Profile) ([]Source, error) {
	switch s.Mode {
	case stage.RelocationFixed:
		return Boot(s, p), nil
	case stage.RelocationPIC:
		return Kernel(s, p), nil
	default:
		return nil, fmt.Errorf("no reference program for %s", s)
	}
}

// SBI legacy console putchar extension.
const sbiConsolePutchar = 1

func label(s stage.Stage, name string) asm.Label {
	return asm.Label(s.Symbol(name))
}

// clearRange zeroes [start, end) eight bytes at a time.
func clearRange(start, end asm.Label, loop, done asm.Label) asm.Fragment {
	return asm.Group{
		rv.LoadAddress(rv.T0, start),
		rv.LoadAddress(rv.T1, end),
		asm.MarkLabel(loop),
		rv.Bgeu(rv.T0, rv.T1, done),
		rv.MovToMemory(rv.T0, rv.Zero, 0),
		rv.Addi(rv.T0, rv.T0, 8),
		rv.J(loop),
		asm.MarkLabel(done),
	}
}

// puts writes a NUL terminated string through SBI. It uses t0, a0 and a7.
func puts(str asm.Label, loop, done asm.Label) asm.Fragment {
	return asm.Group{
		rv.LoadAddress(rv.T0, str),
		asm.MarkLabel(loop),
		rv.LoadByteUnsigned(rv.A0, rv.T0, 0),
		rv.Beqz(rv.A0, done),
		rv.MovImmediate(rv.A7, sbiConsolePutchar),
		rv.Ecall(),
		rv.Addi(rv.T0, rv.T0, 1),
		rv.J(loop),
		asm.MarkLabel(done),
	}
}

// Boot returns the boot stage sources.
func Boot(s stage.Stage, p config.Profile) []Source {
	entry := asm.Label(s.Entry)
	park := asm.Label("park")

	start := asm.Group{
		asm.SwitchSection(s.EntrySection()),
		asm.Global(entry),
		asm.MarkLabel(entry),
		// a0 holds the hart id; only hart 0 continues.
		rv.Bnez(rv.A0, park),
		rv.CsrClearBits(rv.CSRSstatus, rv.SstatusSIE),
		rv.LoadAddress(rv.SP, label(s, "stack_end")),
		clearRange(label(s, "bss_start"), label(s, "bss_end"), "clear_bss", "bss_clear"),
		rv.LoadAddress(rv.A2, label(s, "end")),
		rv.LoadSymbolValue(rv.A3, layout.KernelSizeSymbol),
		rv.Call("boot_main"),
		asm.MarkLabel(park),
		rv.Wfi(),
		rv.J(park),
	}

	main := asm.Group{
		asm.SwitchSection(".text.boot_main"),
		asm.Global("boot_main"),
		asm.MarkLabel("boot_main"),
	}
	if p.Diagnostics {
		main = append(main, puts("boot_banner", "banner_loop", "banner_done"))
	}
	main = append(main,
		rv.LoadAddress(rv.T1, "boot_handoff"),
		rv.MovToMemory(rv.T1, rv.A2, 0),
		rv.MovToMemory(rv.T1, rv.A3, 8),
		rv.Ret(),

		// Never referenced; dropped by section garbage collection.
		asm.SwitchSection(".text.boot_unused"),
		asm.MarkLabel("boot_unused"),
		rv.Ret(),

		asm.SwitchSection(".bss.boot_handoff"),
		asm.Global("boot_handoff"),
		asm.MarkLabel("boot_handoff"),
		asm.Zero(16),
	)
	if p.Diagnostics {
		main = append(main,
			asm.SwitchSection(".rodata.boot_banner"),
			asm.MarkLabel("boot_banner"),
			asm.String("rvboot: boot stage\n"),
		)
	}

	return []Source{
		{Name: "boot_entry.o", Fragment: start},
		{Name: "boot_main.o", Fragment: main},
	}
}

// KernelStackSize is the stack the kernel stage carves out of its bss.
const KernelStackSize = 4096

// Kernel returns the kernel stage sources.
func Kernel(s stage.Stage, p config.Profile) []Source {
	entry := asm.Label(s.Entry)
	park := asm.Label("park")

	start := asm.Group{
		asm.SwitchSection(s.EntrySection()),
		asm.Global(entry),
		asm.MarkLabel(entry),
		rv.LoadAddress(rv.SP, "kernel_stack_top"),
		clearRange(label(s, "bss_start"), label(s, "bss_end"), "clear_bss", "bss_clear"),
		rv.Call("kernel_main"),
		asm.MarkLabel(park),
		rv.Wfi(),
		rv.J(park),

		asm.SwitchSection(".bss.kernel_stack"),
		asm.Align(16),
		asm.Zero(KernelStackSize),
		asm.Global("kernel_stack_top"),
		asm.MarkLabel("kernel_stack_top"),
	}

	main := asm.Group{
		asm.SwitchSection(".text.kernel_main"),
		asm.Global("kernel_main"),
		asm.MarkLabel("kernel_main"),
	}
	if p.Diagnostics {
		main = append(main, puts("kernel_banner", "banner_loop", "banner_done"))
	}
	main = append(main,
		rv.LoadAddress(rv.T0, "kernel_boots"),
		rv.MovFromMemory(rv.T1, rv.T0, 0),
		rv.Addi(rv.T1, rv.T1, 1),
		rv.MovToMemory(rv.T0, rv.T1, 0),
		rv.Ret(),

		asm.SwitchSection(".data.kernel_boots"),
		asm.Global("kernel_boots"),
		asm.MarkLabel("kernel_boots"),
		asm.Zero(8),
	)
	if p.Diagnostics {
		main = append(main,
			asm.SwitchSection(".rodata.kernel_banner"),
			asm.MarkLabel("kernel_banner"),
			asm.String("rvboot: kernel stage\n"),
		)
	}

	return []Source{
		{Name: "kernel_entry.o", Fragment: start},
		{Name: "kernel_main.o", Fragment: main},
	}
}

// SizedKernel returns a kernel consisting of a text region of exactly size
// bytes and nothing else, so its flat binary is size bytes long. size must
// be a multiple of four and at least eight.
func SizedKernel(size int) Func {
	return func(s stage.Stage, p config.Profile) ([]Source, error) {
		if s.Mode != stage.RelocationPIC {
			return ForStage(s, p)
		}
		if size < 8 || size%4 != 0 {
			return nil, fmt.Errorf("sized kernel: %d is not a positive multiple of 4 above 8", size)
		}
		entry := asm.Label(s.Entry)
		frag := asm.Group{
			asm.SwitchSection(s.EntrySection()),
			asm.Global(entry),
			asm.MarkLabel(entry),
			rv.Wfi(),
			rv.J(entry),
			asm.Zero(size - 8),
		}
		return []Source{{Name: "kernel_sized.o", Fragment: frag}}, nil
	}
}
