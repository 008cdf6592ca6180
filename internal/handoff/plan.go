package handoff

import (
	"fmt"
	"sort"

	"github.com/tinyrange/rvboot/internal/image"
	"github.com/tinyrange/rvboot/internal/layout"
)

// Mapping is one contiguous, page granular translation.
type Mapping struct {
	Name string `yaml:"name"`
	Virt uint64 `yaml:"virt"`
	Phys uint64 `yaml:"phys"`
	Size uint64 `yaml:"size"`
	Perm Perm   `yaml:"perm"`
}

// End returns one past the last mapped virtual address. It wraps to zero
// for a mapping that reaches the top of the address space.
func (m Mapping) End() uint64 { return m.Virt + m.Size }

func (m Mapping) String() string {
	return fmt.Sprintf("%-14s %#018x-%#018x -> %#018x %s", m.Name, m.Virt, m.End(), m.Phys, m.Perm)
}

// Plan is the complete address space the boot stage must build before it
// jumps to the kernel entry.
type Plan struct {
	// Identity covers every boot region so the boot stage keeps running
	// once translation is on.
	Identity []Mapping `yaml:"identity"`
	// Kernel maps the payload from its physical load address to its link
	// address, one mapping per non-empty region.
	Kernel []Mapping `yaml:"kernel"`
	// DirectMap exposes low physical memory to the kernel.
	DirectMap Mapping `yaml:"direct_map"`

	KernelPhys  uint64 `yaml:"kernel_phys"`
	KernelVirt  uint64 `yaml:"kernel_virt"`
	KernelPages uint64 `yaml:"kernel_pages"`
	KernelEntry uint64 `yaml:"kernel_entry"`
}

func regionPerm(k layout.RegionKind) Perm {
	switch k {
	case layout.Text:
		return PermRead | PermExec
	case layout.ROData:
		return PermRead
	default:
		return PermRead | PermWrite
	}
}

// NewPlan derives the mapping plan from the resolved layouts of both
// stages and the handoff facts of the assembled image.
func NewPlan(boot, kernel *layout.Resolved, h image.Handoff) (*Plan, error) {
	if boot == nil || kernel == nil {
		return nil, fmt.Errorf("handoff: both stage layouts are required")
	}
	if h.KernelOffset != boot.Size() {
		return nil, fmt.Errorf("handoff: kernel offset %#x differs from boot size %#x", h.KernelOffset, boot.Size())
	}
	if h.KernelSize != kernel.Size() {
		return nil, fmt.Errorf("handoff: kernel size %#x differs from kernel layout size %#x", h.KernelSize, kernel.Size())
	}

	p := &Plan{
		KernelPhys:  boot.Start + h.KernelOffset,
		KernelVirt:  kernel.Start,
		KernelPages: Pages(h.KernelSize),
		KernelEntry: kernel.Entry,
		DirectMap: Mapping{
			Name: "direct_map",
			Virt: DirectMapBase,
			Phys: 0,
			Size: DirectMapSize,
			Perm: PermRead | PermWrite | PermGlobal,
		},
	}
	if p.KernelPhys%PageSize != 0 {
		return nil, fmt.Errorf("handoff: kernel load address %#x is not page aligned", p.KernelPhys)
	}
	if !Canonical(p.KernelVirt) || p.KernelVirt < HighHalfStart {
		return nil, fmt.Errorf("handoff: kernel base %#x is not an upper half sv39 address", p.KernelVirt)
	}

	for _, r := range boot.Regions {
		if r.Length == 0 {
			continue
		}
		start := alignDown(r.Start)
		p.Identity = append(p.Identity, Mapping{
			Name: boot.Stage + "." + r.Name,
			Virt: start,
			Phys: start,
			Size: Pages(r.End()-start) * PageSize,
			Perm: regionPerm(r.Kind),
		})
	}
	for _, r := range kernel.Regions {
		if r.Length == 0 {
			continue
		}
		start := alignDown(r.Start)
		p.Kernel = append(p.Kernel, Mapping{
			Name: kernel.Stage + "." + r.Name,
			Virt: start,
			Phys: p.KernelPhys + (start - kernel.Start),
			Size: Pages(r.End()-start) * PageSize,
			Perm: regionPerm(r.Kind),
		})
	}

	for _, m := range p.Identity {
		if !Canonical(m.Virt) || !Canonical(m.End()-1) || m.Virt >= HighHalfStart {
			return nil, fmt.Errorf("handoff: identity mapping %s is not in the lower half", m.Name)
		}
	}
	if err := checkOverlap(p.Mappings()); err != nil {
		return nil, err
	}
	return p, nil
}

// Mappings returns every mapping of the plan sorted by virtual address.
func (p *Plan) Mappings() []Mapping {
	all := make([]Mapping, 0, len(p.Identity)+len(p.Kernel)+1)
	all = append(all, p.Identity...)
	all = append(all, p.Kernel...)
	all = append(all, p.DirectMap)
	sort.Slice(all, func(i, j int) bool { return all[i].Virt < all[j].Virt })
	return all
}

// Translate walks the plan like the MMU would.
func (p *Plan) Translate(va uint64) (phys uint64, perm Perm, ok bool) {
	for _, m := range p.Mappings() {
		if va >= m.Virt && va-m.Virt < m.Size {
			return m.Phys + (va - m.Virt), m.Perm, true
		}
	}
	return 0, 0, false
}

// KernelEntryPhys returns where the kernel entry lives before translation.
func (p *Plan) KernelEntryPhys() uint64 {
	return p.KernelPhys + (p.KernelEntry - p.KernelVirt)
}

func checkOverlap(sorted []Mapping) error {
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		// Compare by size; the direct map ends exactly at 2^64.
		if cur.Virt-prev.Virt < prev.Size {
			return fmt.Errorf("handoff: %s overlaps %s at %#x", cur.Name, prev.Name, cur.Virt)
		}
	}
	return nil
}

func alignDown(v uint64) uint64 { return v &^ (PageSize - 1) }
