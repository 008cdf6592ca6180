package layout

import (
	"fmt"
	"strings"
)

// KernelSizeSymbol is the absolute symbol the boot stage reads the kernel
// payload length from.
const KernelSizeSymbol = "_kernel_size"

type ScriptOptions struct {
	// Diagnostics keeps .comment in the output. It is never allocated.
	Diagnostics bool
	// RequireKernelSize asserts that KernelSizeSymbol is defined and
	// positive. Set for the boot stage.
	RequireKernelSize bool
}

// LinkerScript renders the descriptor as a GNU ld script.
func (d *Descriptor) LinkerScript(opts ScriptOptions) string {
	var b strings.Builder
	s := d.Stage

	fmt.Fprintf(&b, "/* %s stage layout generated by rvboot. Do not edit. */\n", s.Name)
	b.WriteString("OUTPUT_ARCH(riscv)\n")
	fmt.Fprintf(&b, "ENTRY(%s)\n\n", s.Entry)
	b.WriteString("SECTIONS\n{\n")
	fmt.Fprintf(&b, "  . = %#x;\n", s.Base)
	fmt.Fprintf(&b, "  %s = .;\n\n", d.StartSymbol())

	for _, r := range d.Regions {
		typ := ""
		if r.Kind == Stack {
			typ = " (NOLOAD)"
		}
		fmt.Fprintf(&b, "  .%s ALIGN(%#x)%s :\n  {\n", r.Kind, d.PageSize, typ)
		fmt.Fprintf(&b, "    %s = .;\n", d.Marker(r.Kind, "start"))
		for i, p := range r.Patterns {
			if r.Kind == Text && i == 0 {
				fmt.Fprintf(&b, "    KEEP(*(%s))\n", p)
				continue
			}
			if p == "COMMON" {
				b.WriteString("    *(COMMON)\n")
				continue
			}
			fmt.Fprintf(&b, "    *(%s)\n", p)
		}
		if r.Reserve > 0 {
			fmt.Fprintf(&b, "    . += %#x;\n", r.Reserve)
		}
		fmt.Fprintf(&b, "    %s = .;\n", d.Marker(r.Kind, "end"))
		b.WriteString("  }\n")
		fmt.Fprintf(&b, "  %s = %s - %s;\n\n",
			d.Marker(r.Kind, "size"), d.Marker(r.Kind, "end"), d.Marker(r.Kind, "start"))
	}
	fmt.Fprintf(&b, "  %s = .;\n\n", d.EndSymbol())

	b.WriteString("  /DISCARD/ :\n  {\n")
	if !opts.Diagnostics {
		b.WriteString("    *(.comment)\n")
	}
	b.WriteString("    *(.note*)\n    *(.eh_frame*)\n  }\n")
	b.WriteString("}\n\n")

	for _, r := range d.Regions {
		fmt.Fprintf(&b, "ASSERT(%s %% %#x == 0, \"%s %s is not page aligned\")\n",
			d.Marker(r.Kind, "start"), d.PageSize, s.Name, r.Kind)
	}
	if s.HasStack() {
		fmt.Fprintf(&b, "ASSERT(%s %% %#x == 0, \"%s stage end is not page aligned\")\n",
			d.EndSymbol(), d.PageSize, s.Name)
	}
	if opts.RequireKernelSize {
		fmt.Fprintf(&b, "ASSERT(%s > 0, \"%s stage linked without a measured kernel size\")\n",
			KernelSizeSymbol, s.Name)
	}
	return b.String()
}
