// Package boot handles the arch-entry work this substrate needs before
// any module can be instantiated: initializing the frame allocator from
// the firmware memory map, installing the pmap window, and mapping the
// kernel's own ELF sections with the correct page-table permissions. The
// boot loader hands over a boot-information structure carrying an ELF
// sections tag and a memory-map tag; Entry consumes the Info distilled
// from it.
package boot

import (
	"wasmkernel/addr"
	"wasmkernel/kernel/errs"
	"wasmkernel/klog"
	"wasmkernel/mem"
	"wasmkernel/pt"
)

// ElfSection describes one section of the kernel's own ELF image, as
// reported by a boot-info ELF sections tag.
type ElfSection struct {
	Start      addr.VirtAddr
	End        addr.VirtAddr
	Writable   bool
	Executable bool
	Allocated  bool
}

// empty reports whether this section carries no mapping-relevant flags
// at all; such sections need no mapping.
func (s ElfSection) empty() bool {
	return !s.Writable && !s.Executable && !s.Allocated
}

// writableAllocatedOnly identifies .bss-like sections: writable and
// allocated but not executable. The kernel's own loader already
// zero-backs these; Entry need not map them again.
func (s ElfSection) writableAllocatedOnly() bool {
	return s.Writable && s.Allocated && !s.Executable
}

// MemoryRegion is one physical range a boot-info memory-map tag reports,
// tagged with whether firmware considers it usable RAM.
type MemoryRegion struct {
	Start  addr.PhysAddr
	End    addr.PhysAddr
	Usable bool
}

// Info is everything Entry needs out of the boot-info structure: the
// kernel's own section table, the firmware memory map, and the address
// immediately past the boot-info structure itself (so the frame allocator
// never hands out a frame still holding it).
type Info struct {
	ElfSections []ElfSection
	MemoryMap   []MemoryRegion
	KernelEnd   addr.VirtAddr
	BootInfoEnd addr.VirtAddr
}

// Entry performs the arch-entry sequence: initialize the frame allocator
// over the usable regions of the memory map (reserving everything up to
// max(kernel_end, boot_info_end)), build the root page table from it,
// install the pmap window so every frame is reachable at a known virtual
// address, then map every non-trivial ELF section with permissions derived
// from its flags. The frame allocator comes up first so page-table
// construction can draw its intermediate-table frames from it like any
// other caller. It returns the constructed page table and the
// page-aligned reserved-end address passed to whatever runs next.
func Entry(info Info, pm *mem.Physmem) (*pt.PageTable, addr.VirtAddr, error) {
	reservedEnd := info.KernelEnd
	if info.BootInfoEnd > reservedEnd {
		reservedEnd = info.BootInfoEnd
	}
	reservedEnd = reservedEnd.AlignUp()

	regions := make([]mem.Region, 0, len(info.MemoryMap))
	for _, r := range info.MemoryMap {
		if !r.Usable {
			continue
		}
		regions = append(regions, mem.Region{Start: r.Start, End: r.End})
	}
	if len(regions) == 0 {
		return nil, 0, errs.New(errs.OutOfMemory, "boot info reports no usable memory regions")
	}

	if err := pm.Init(regions, addr.PhysAddr(uintptr(reservedEnd))); err != nil {
		return nil, 0, err
	}
	klog.Infof("boot: reserved up to %#x, %d usable region(s)", uintptr(reservedEnd), len(regions))

	pageTable, err := pt.New(pm)
	if err != nil {
		return nil, 0, err
	}

	window := pm.Pmap()
	if err := pageTable.MapRangePhysical(window.Base, 0, window.Len, mem.Present|mem.Writable|mem.NoExecute); err != nil {
		return nil, 0, err
	}
	klog.Infof("boot: pmap window at %#x covers %d bytes", uintptr(window.Base), window.Len)

	for _, s := range info.ElfSections {
		if s.empty() || s.writableAllocatedOnly() {
			continue
		}

		flags := mem.Present
		if s.Writable {
			flags |= mem.Writable
		}
		if !s.Executable {
			flags |= mem.NoExecute
		}

		start := s.Start.AlignDown()
		length := uintptr(s.End) - uintptr(start)
		if err := pageTable.MapRangePhysical(start, addr.PhysAddr(uintptr(start)), length, flags); err != nil {
			return nil, 0, err
		}
		klog.Infof("boot: mapped elf section %#x-%#x flags=%#x", uintptr(start), uintptr(s.End), flags)
	}

	return pageTable, reservedEnd, nil
}
