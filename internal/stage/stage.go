// Package stage describes the two program images that make up a boot image.
//
// Both stages share one capability set (layout, link, flatten). They differ
// only in their base address, their entry symbol, whether they reserve a
// stack, and their RelocationMode.
package stage

import (
	"fmt"
	"strings"

	"github.com/tinyrange/rvboot/internal/config"
)

// PageSize is the sv39 base page size every region start is aligned to.
const PageSize = 4096

const (
	// BootBase is where SBI firmware on the QEMU virt machine jumps to.
	BootBase = 0x8020_0000
	// KernelBase is the first address of the sv39 upper half.
	KernelBase = 0xFFFF_FFC0_0000_0000
	// DefaultStackSize is the boot stack reservation.
	DefaultStackSize = 4 * 1024
)

type RelocationMode int

const (
	// RelocationFixed code runs only at its link address.
	RelocationFixed RelocationMode = iota
	// RelocationPIC code addresses everything PC relatively and may run at
	// any address congruent to its link address modulo the page size.
	RelocationPIC
)

func (m RelocationMode) String() string {
	switch m {
	case RelocationFixed:
		return "fixed"
	case RelocationPIC:
		return "pic"
	default:
		return fmt.Sprintf("RelocationMode(%d)", int(m))
	}
}

type Stage struct {
	Name      string
	Entry     string
	Base      uint64
	Mode      RelocationMode
	StackSize uint64
	Sources   []string
}

// Boot returns the boot stage with its built-in defaults.
func Boot() Stage {
	return Stage{
		Name:      "boot",
		Entry:     "_boot_entrypoint",
		Base:      BootBase,
		Mode:      RelocationFixed,
		StackSize: DefaultStackSize,
	}
}

// Kernel returns the kernel stage with its built-in defaults.
func Kernel() Stage {
	return Stage{
		Name:  "kernel",
		Entry: "_kernel_entrypoint",
		Base:  KernelBase,
		Mode:  RelocationPIC,
	}
}

// FromConfig returns both stages with configured overrides applied.
// Source paths are resolved against the configuration directory.
func FromConfig(cfg *config.Config) (boot, kernel Stage) {
	boot = Boot().apply(cfg, cfg.Stages.Boot)
	kernel = Kernel().apply(cfg, cfg.Stages.Kernel)
	return boot, kernel
}

func (s Stage) apply(cfg *config.Config, sc config.StageConfig) Stage {
	if sc.Base != 0 {
		s.Base = uint64(sc.Base)
	}
	if sc.Entry != "" {
		s.Entry = sc.Entry
	}
	if s.HasStack() && sc.StackSize != 0 {
		s.StackSize = sc.StackSize
	}
	s.Sources = nil
	for _, src := range sc.Sources {
		s.Sources = append(s.Sources, cfg.Path(src))
	}
	return s
}

// HasStack reports whether the stage reserves a stack region.
func (s Stage) HasStack() bool {
	return s.StackSize > 0
}

// PIC reports whether the stage is compiled position independent.
func (s Stage) PIC() bool {
	return s.Mode == RelocationPIC
}

// EntrySection is the input section the entry symbol must be defined in.
// It is always placed first in the text region.
func (s Stage) EntrySection() string {
	return ".text." + strings.TrimPrefix(s.Entry, "_")
}

// Symbol returns the marker name "_<stage>_<parts...>".
func (s Stage) Symbol(parts ...string) string {
	return "_" + s.Name + "_" + strings.Join(parts, "_")
}

// Validate checks the invariants both stages share.
func (s Stage) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("stage name must not be empty")
	}
	if s.Entry == "" {
		return fmt.Errorf("stage %s: entry symbol must not be empty", s.Name)
	}
	if s.Base%PageSize != 0 {
		return fmt.Errorf("stage %s: base %#x is not page aligned", s.Name, s.Base)
	}
	if s.StackSize%PageSize != 0 {
		return fmt.Errorf("stage %s: stack size %#x is not a page multiple", s.Name, s.StackSize)
	}
	if s.Mode == RelocationPIC && s.HasStack() {
		return fmt.Errorf("stage %s: position independent stages do not reserve a stack", s.Name)
	}
	return nil
}

func (s Stage) String() string {
	return fmt.Sprintf("%s@%#x(%s)", s.Name, s.Base, s.Mode)
}
