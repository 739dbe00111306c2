// Package vm implements the per-protection-domain VMA allocator: a
// first-fit free-interval set over a single address space's user range,
// plus the Reserved/Mapped/LazilyMapped VMA kinds built on top of it.
package vm

import (
	"sort"

	"wasmkernel/addr"
	"wasmkernel/kernel/errs"
	"wasmkernel/ksync"
	"wasmkernel/mem"
	"wasmkernel/pt"
)

// interval is a half-open virtual address range [Start, End).
type interval struct {
	Start addr.VirtAddr
	End   addr.VirtAddr
}

func (iv interval) size() uintptr { return uintptr(iv.End) - uintptr(iv.Start) }

// AddressSpace owns one protection domain's page table and the free
// interval set carved out of its user range, guarded by a single lock.
// Owning a reservation here is what gives mapping callers exclusive
// privilege over the virtual ranges they touch.
type AddressSpace struct {
	mu    ksync.Spinlock
	pt    *pt.PageTable
	pm    *mem.Physmem
	free  []interval // sorted, disjoint, ascending
	vmas  map[addr.VirtAddr]vmaState
	limit addr.VirtAddr
}

type vmaKind int

const (
	kindReserved vmaKind = iota
	kindMapped
	kindLazily
)

type vmaState struct {
	kind      vmaKind
	base      addr.VirtAddr
	reserved  uintptr // total reservation size
	guardSize uintptr
	usable    uintptr // Mapped: currently-mapped usable size
	extent    uintptr // Lazily: current extent from base, backed on fault
	flags     mem.Flags
}

// NewAddressSpace creates an empty address space over [userMin, userMin+size)
// with every page free, backed by pt for mapping and pm for frame
// accounting.
func NewAddressSpace(pt *pt.PageTable, pm *mem.Physmem, userMin addr.VirtAddr, size uintptr) *AddressSpace {
	return &AddressSpace{
		pt:    pt,
		pm:    pm,
		free:  []interval{{Start: userMin, End: userMin.Add(size)}},
		vmas:  map[addr.VirtAddr]vmaState{},
		limit: userMin.Add(size),
	}
}

// Physmem returns the frame allocator backing this address space, for
// callers (codegen's emitter) that need a physically contiguous frame run
// rather than the usual page-by-page mapping.
func (as *AddressSpace) Physmem() *mem.Physmem { return as.pm }

// Reserved is a virtual range with no mapping behind it yet.
type Reserved struct {
	as   *AddressSpace
	Base addr.VirtAddr
	Size uintptr
}

// CreateVMA reserves a free, 4 KiB aligned range of size bytes by first
// fit, without mapping anything.
func (as *AddressSpace) CreateVMA(size uintptr) (Reserved, error) {
	size = addr.Roundup(size, uintptr(addr.PGSIZE))
	if size == 0 {
		return Reserved{}, errs.New(errs.InvalidRange, "zero-size VMA")
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	for i, iv := range as.free {
		if iv.size() < size {
			continue
		}
		base := iv.Start
		as.consumeLocked(i, interval{Start: base, End: base.Add(size)})
		as.vmas[base] = vmaState{kind: kindReserved, base: base, reserved: size}
		return Reserved{as: as, Base: base, Size: size}, nil
	}
	return Reserved{}, errs.Wrap(errs.OutOfMemory)
}

// consumeLocked removes carved from as.free[i], splitting or shrinking
// that entry as needed. Caller holds as.mu.
func (as *AddressSpace) consumeLocked(i int, carved interval) {
	iv := as.free[i]
	var replacement []interval
	if iv.Start < carved.Start {
		replacement = append(replacement, interval{Start: iv.Start, End: carved.Start})
	}
	if carved.End < iv.End {
		replacement = append(replacement, interval{Start: carved.End, End: iv.End})
	}
	as.free = append(as.free[:i], append(replacement, as.free[i+1:]...)...)
}

// releaseLocked returns carved to the free set, merging with adjacent
// free intervals. Caller holds as.mu.
func (as *AddressSpace) releaseLocked(carved interval) {
	as.free = append(as.free, carved)
	sort.Slice(as.free, func(i, j int) bool { return as.free[i].Start < as.free[j].Start })

	merged := as.free[:0]
	for _, iv := range as.free {
		if n := len(merged); n > 0 && merged[n-1].End == iv.Start {
			merged[n-1].End = iv.End
			continue
		}
		merged = append(merged, iv)
	}
	as.free = merged
}

// Mapped is an eagerly-backed VMA: the usable range is mapped in full at
// creation, with an unmapped guard prefix for stack-overflow detection.
type Mapped struct {
	as         *AddressSpace
	Base       addr.VirtAddr // start of the guard prefix
	UsableBase addr.VirtAddr
	UsableSize uintptr
}

// Map turns a Reserved VMA into a Mapped one: pages
// [base+guardSize, base+guardSize+usableSize) are mapped eagerly via the
// page-table manager; the guard prefix is left unmapped.
func (r Reserved) Map(guardSize, usableSize uintptr, flags mem.Flags) (Mapped, error) {
	guardSize = addr.Roundup(guardSize, uintptr(addr.PGSIZE))
	usableSize = addr.Roundup(usableSize, uintptr(addr.PGSIZE))
	if guardSize+usableSize > r.Size {
		return Mapped{}, errs.New(errs.InvalidRange, "guard+usable exceeds reservation")
	}

	usableBase := r.Base.Add(guardSize)
	if err := r.as.pt.MapRange(usableBase, usableSize, flags); err != nil {
		return Mapped{}, err
	}

	r.as.mu.Lock()
	r.as.vmas[r.Base] = vmaState{
		kind: kindMapped, base: r.Base, reserved: r.Size,
		guardSize: guardSize, usable: usableSize, flags: flags,
	}
	r.as.mu.Unlock()

	return Mapped{as: r.as, Base: r.Base, UsableBase: usableBase, UsableSize: usableSize}, nil
}

// MapContiguous turns a Reserved VMA into a Mapped one backed by a single
// physically contiguous frame run, for the code emitter (instantiation also
// uses it for the vmctx record): generated machine
// code contains PC-relative offsets computed against one flat buffer, so
// its backing frames must be real adjacent bytes in the arena, not merely
// adjacent pages in virtual address space (see mem.Physmem.AllocContiguous).
// It returns the physical base address alongside the Mapped VMA so the
// caller can write/execute directly against the arena.
func (r Reserved) MapContiguous(usableSize uintptr, flags mem.Flags) (Mapped, addr.PhysAddr, error) {
	usableSize = addr.Roundup(usableSize, uintptr(addr.PGSIZE))
	if usableSize > r.Size {
		return Mapped{}, addr.NullPhys(), errs.New(errs.InvalidRange, "usable size exceeds reservation")
	}
	npages := int(usableSize) / addr.PGSIZE
	paBase, err := r.as.pm.AllocContiguous(npages)
	if err != nil {
		return Mapped{}, addr.NullPhys(), err
	}
	if err := r.as.pt.MapRangePhysical(r.Base, paBase, usableSize, flags); err != nil {
		return Mapped{}, addr.NullPhys(), err
	}

	r.as.mu.Lock()
	r.as.vmas[r.Base] = vmaState{
		kind: kindMapped, base: r.Base, reserved: r.Size,
		guardSize: 0, usable: usableSize, flags: flags,
	}
	r.as.mu.Unlock()

	return Mapped{as: r.as, Base: r.Base, UsableBase: r.Base, UsableSize: usableSize}, paBase, nil
}

// LazilyMapped is a VMA whose extent grows on demand: only
// [base, base+extent) is ever backed; [base+extent, base+reserved) is
// reserved space the extent may grow into.
type LazilyMapped struct {
	as       *AddressSpace
	Base     addr.VirtAddr
	Reserved uintptr
	flags    mem.Flags
}

// MapLazily turns a Reserved VMA into a LazilyMapped one, backing only
// the first initialSize bytes.
func (r Reserved) MapLazily(initialSize uintptr, flags mem.Flags) (LazilyMapped, error) {
	initialSize = addr.Roundup(initialSize, uintptr(addr.PGSIZE))
	if initialSize > r.Size {
		return LazilyMapped{}, errs.New(errs.InvalidRange, "initial size exceeds reservation")
	}
	if initialSize > 0 {
		if err := r.as.pt.MapRange(r.Base, initialSize, flags); err != nil {
			return LazilyMapped{}, err
		}
	}

	r.as.mu.Lock()
	r.as.vmas[r.Base] = vmaState{
		kind: kindLazily, base: r.Base, reserved: r.Size,
		extent: initialSize, flags: flags,
	}
	r.as.mu.Unlock()

	return LazilyMapped{as: r.as, Base: r.Base, Reserved: r.Size, flags: flags}, nil
}

// Expand grows the extent by delta bytes (rounded up to a page),
// without mapping the new pages; they are backed lazily on first fault
// or on demand via TryHandlePageFault. It returns the pre-expansion
// extent.
func (l LazilyMapped) Expand(delta uintptr) (uintptr, error) {
	delta = addr.Roundup(delta, uintptr(addr.PGSIZE))

	l.as.mu.Lock()
	defer l.as.mu.Unlock()

	st := l.as.vmas[l.Base]
	if st.extent+delta > st.reserved {
		return 0, errs.New(errs.InvalidRange, "expand exceeds reservation")
	}
	old := st.extent
	st.extent += delta
	l.as.vmas[l.Base] = st
	return old, nil
}

// TryHandlePageFault backs the page containing faultAddr if it lies
// within the VMA's current extent but is not yet mapped, returning true
// on success. It returns false if faultAddr falls outside the extent,
// signalling the caller to raise a fault against the thread instead.
func (l LazilyMapped) TryHandlePageFault(faultAddr addr.VirtAddr) (bool, error) {
	l.as.mu.Lock()
	st := l.as.vmas[l.Base]
	inExtent := faultAddr >= l.Base && uintptr(faultAddr-l.Base) < st.extent
	flags := st.flags
	l.as.mu.Unlock()

	if !inExtent {
		return false, nil
	}

	page := faultAddr.AlignDown()
	if err := l.as.pm.MapPage(l.as.pt, page, flags); err != nil {
		if errs.KindOf(err) == errs.AlreadyMapped {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// Valid reports whether l refers to an actual VMA, as opposed to a zero
// LazilyMapped{} produced before SetWasmData ever ran.
func (l LazilyMapped) Valid() bool { return l.as != nil }

// Extent returns the VMA's current extent in bytes, whether or not its
// pages have been faulted in yet.
func (l LazilyMapped) Extent() uintptr {
	l.as.mu.Lock()
	defer l.as.mu.Unlock()
	return l.as.vmas[l.Base].extent
}

// DestroyVMA unmaps every currently-mapped page owned by base (a
// Reserved/Mapped/LazilyMapped VMA's Base), frees those frames back to
// the allocator, and releases the whole reservation back to the free set.
func (as *AddressSpace) DestroyVMA(base addr.VirtAddr) error {
	as.mu.Lock()
	st, ok := as.vmas[base]
	if !ok {
		as.mu.Unlock()
		return errs.New(errs.InvalidRange, "unknown VMA")
	}
	delete(as.vmas, base)
	as.mu.Unlock()

	switch st.kind {
	case kindMapped:
		if st.usable > 0 {
			if err := as.pt.Unmap(base.Add(st.guardSize), st.usable); err != nil {
				return err
			}
		}
	case kindLazily:
		// Pages inside the extent may never have been faulted in; skip the
		// holes instead of treating them as double unmaps.
		if st.extent > 0 {
			if err := as.pt.UnmapSparse(base, st.extent); err != nil {
				return err
			}
		}
	}

	as.mu.Lock()
	as.releaseLocked(interval{Start: base, End: base.Add(st.reserved)})
	as.mu.Unlock()
	return nil
}
