// Package pt implements the four-level hierarchical page-table manager:
// map/unmap/change-flags over 512-entry tables, with each table's count
// of present entries kept in entry 0's ignored bits.
//
// A per-level phantom type would let the compiler forbid walking off the
// bottom of the hierarchy; Go has no type-level recursion, so a single
// table type is used and the walk functions themselves encode which
// level comes next.
package pt

import (
	"encoding/binary"
	"sync"

	"wasmkernel/addr"
	"wasmkernel/kernel/errs"
	"wasmkernel/mem"
)

// Entry is a raw 64-bit page-table entry: architectural flags in the low
// and high bits, a page-aligned physical frame number in the middle.
type Entry uint64

const (
	flagPresent  Entry = 1 << 0
	flagWritable Entry = 1 << 1
	flagUser     Entry = 1 << 2
	flagHuge     Entry = 1 << 7 // PS bit: this entry maps a 2 MiB/1 GiB page directly
	flagNX       Entry = 1 << 63
	addrMask     Entry = 0x000ffffffffff000
)

func (e Entry) Present() bool  { return e&flagPresent != 0 }
func (e Entry) Writable() bool { return e&flagWritable != 0 }
func (e Entry) Huge() bool     { return e&flagHuge != 0 }
func (e Entry) NX() bool       { return e&flagNX != 0 }
func (e Entry) Addr() addr.PhysAddr {
	return addr.PhysAddr(uint64(e & addrMask))
}

func newEntry(pa addr.PhysAddr, flags Entry) Entry {
	return Entry(uint64(pa)&uint64(addrMask)) | flags | flagPresent
}

func entryFlags(f mem.Flags) Entry {
	var e Entry
	if f&mem.Writable != 0 {
		e |= flagWritable
	}
	if f&mem.User != 0 {
		e |= flagUser
	}
	if f&mem.Huge != 0 {
		e |= flagHuge
	}
	if f&mem.NoExecute != 0 {
		e |= flagNX
	}
	return e
}

// hierarchyDepth is the number of hierarchical levels above the leaf a
// walk traverses: L4, L3, L2 tables lead to an L1 table of leaves.
const hierarchyDepth = 3

// indices splits a virtual address into its four 9-bit page-table indices.
func indices(v addr.VirtAddr) (l4, l3, l2, l1 int) {
	uv := uint64(v)
	l4 = int((uv >> 39) & 0x1ff)
	l3 = int((uv >> 30) & 0x1ff)
	l2 = int((uv >> 21) & 0x1ff)
	l1 = int((uv >> 12) & 0x1ff)
	return
}

// table is a view over 512 entries stored at a physical offset in the
// shared arena; it carries no level type, the walk functions know which
// level they are on.
type table struct {
	pm   *mem.Physmem
	base addr.PhysAddr
}

func (t table) entry(i int) Entry {
	b := t.pm.Arena().Bytes()
	off := int(t.base) + i*8
	return Entry(binary.LittleEndian.Uint64(b[off : off+8]))
}

func (t table) setEntry(i int, e Entry) {
	b := t.pm.Arena().Bytes()
	off := int(t.base) + i*8
	binary.LittleEndian.PutUint64(b[off:off+8], uint64(e))
}

func (t table) clear() {
	for i := 0; i < 512; i++ {
		t.setEntry(i, 0)
	}
}

// The used count lives in entry 0's ignored bits (52-61, below NX), so it
// coexists with entry 0 holding a real mapping: while entry 0 is absent the
// whole word is just the count, and once something maps at index 0 the count
// keeps riding along in bits the MMU never interprets. 10 bits cover the
// maximum of 512 present entries.
const (
	usedCountShift       = 52
	usedCountMask  Entry = 0x3ff << usedCountShift
)

func (t table) usedCount() uint64 {
	return uint64(t.entry(0)&usedCountMask) >> usedCountShift
}

func (t table) setUsedCount(n uint64) {
	e := t.entry(0) &^ usedCountMask
	t.setEntry(0, e|(Entry(n)<<usedCountShift)&usedCountMask)
}

// setSlot installs e at index i, preserving the used-count bits when i is
// the overloaded entry 0.
func (t table) setSlot(i int, e Entry) {
	if i == 0 {
		e = (e &^ usedCountMask) | (t.entry(0) & usedCountMask)
	}
	t.setEntry(i, e)
}

func (t table) incUsedCount() { t.setUsedCount(t.usedCount() + 1) }
func (t table) decUsedCount() { t.setUsedCount(t.usedCount() - 1) }

// PageTable is one address space's four-level hierarchy: an L4 root frame
// plus the walking, creation and teardown logic over it.
type PageTable struct {
	mu      sync.Mutex
	pm      *mem.Physmem
	root    addr.PhysAddr
	onFlush func(addr.VirtAddr) // TLB-invalidation hook; nil is a valid no-op
}

// New allocates and zero-clears a fresh L4 root, producing an empty
// address space.
func New(pm *mem.Physmem) (*PageTable, error) {
	root, err := pm.AllocFrame()
	if err != nil {
		return nil, err
	}
	t := table{pm: pm, base: root}
	t.clear()
	return &PageTable{pm: pm, root: root}, nil
}

// OnFlush registers the callback invoked after a mapping changes, where
// a real kernel would shoot down the TLB. No hardware TLB exists in this
// simulated kernel, so the default is a no-op; tests may install a hook
// to observe invalidation calls.
func (t *PageTable) OnFlush(f func(addr.VirtAddr)) { t.onFlush = f }

func (t *PageTable) flush(v addr.VirtAddr) {
	if t.onFlush != nil {
		t.onFlush(v)
	}
}

func (t *PageTable) rootTable() table { return table{pm: t.pm, base: t.root} }

// nextTableMayCreate returns the table one level below idx in parent,
// allocating and zero-clearing a fresh frame for it if absent.
func (t *PageTable) nextTableMayCreate(parent table, idx int) (table, error) {
	e := parent.entry(idx)
	if e.Present() {
		return table{pm: t.pm, base: e.Addr()}, nil
	}
	pa, err := t.pm.AllocFrame()
	if err != nil {
		return table{}, err
	}
	nt := table{pm: t.pm, base: pa}
	nt.clear()
	parent.setSlot(idx, newEntry(pa, flagWritable))
	parent.incUsedCount()
	return nt, nil
}

// nextTable returns the table one level below idx in parent, or false if
// absent.
func (t *PageTable) nextTable(parent table, idx int) (table, bool) {
	e := parent.entry(idx)
	if !e.Present() || e.Huge() {
		return table{}, false
	}
	return table{pm: t.pm, base: e.Addr()}, true
}

// l1TableMayCreate walks L4->L3->L2, creating intermediate tables as
// needed, and returns the L1 table that owns v's leaf entry.
func (t *PageTable) l1TableMayCreate(v addr.VirtAddr) (table, error) {
	l4i, l3i, l2i, _ := indices(v)
	cur := t.rootTable()
	for _, idx := range [hierarchyDepth]int{l4i, l3i, l2i} {
		next, err := t.nextTableMayCreate(cur, idx)
		if err != nil {
			return table{}, err
		}
		cur = next
	}
	return cur, nil
}

// EnsureTablesExist creates every intermediate table on the path to v
// without touching the leaf, satisfying mem.PageTable. Callers use this to
// pre-allocate table frames before taking the frame allocator's lock.
func (t *PageTable) EnsureTablesExist(v addr.VirtAddr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.l1TableMayCreate(v)
	return err
}

// Map4k installs a present 4 KiB leaf mapping v -> pa. Intermediate
// tables are created on demand if EnsureTablesExist was not called first.
// Returns AlreadyMapped if a leaf already occupies the slot.
func (t *PageTable) Map4k(v addr.VirtAddr, pa addr.PhysAddr, flags mem.Flags) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	l1, err := t.l1TableMayCreate(v)
	if err != nil {
		return err
	}
	_, _, _, l1i := indices(v)
	if l1.entry(l1i).Present() {
		return errs.Wrap(errs.AlreadyMapped)
	}
	l1.setSlot(l1i, newEntry(pa, entryFlags(flags)))
	l1.incUsedCount()
	t.flush(v)
	return nil
}

// Map2m installs a present 2 MiB leaf mapping directly at the L2 level,
// skipping L1 entirely. v and pa must both be 2 MiB aligned.
func (t *PageTable) Map2m(v addr.VirtAddr, pa addr.PhysAddr, flags mem.Flags) error {
	const hugeAlign = 1 << 21
	if uintptr(v)%hugeAlign != 0 || uintptr(pa)%hugeAlign != 0 {
		return errs.New(errs.InvalidRange, "2 MiB mapping misaligned")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	l4i, l3i, l2i, _ := indices(v)
	cur := t.rootTable()
	for _, idx := range [2]int{l4i, l3i} {
		next, err := t.nextTableMayCreate(cur, idx)
		if err != nil {
			return err
		}
		cur = next
	}
	if cur.entry(l2i).Present() {
		return errs.Wrap(errs.AlreadyMapped)
	}
	cur.setSlot(l2i, newEntry(pa, entryFlags(flags)|flagHuge))
	cur.incUsedCount()
	t.flush(v)
	return nil
}

// MapRange maps [vBase, vBase+length) as fresh frames drawn from pm, one
// Map4k call per page. On OOM partway through, the pages already mapped
// are left in place (callers tear down the owning VMA on failure, which
// unmaps the whole range uniformly).
func (t *PageTable) MapRange(vBase addr.VirtAddr, length uintptr, flags mem.Flags) error {
	for off := uintptr(0); off < length; off += uintptr(addr.PGSIZE) {
		if err := t.pm.MapPage(t, vBase.Add(off), flags); err != nil {
			return err
		}
	}
	return nil
}

// MapRangePhysical maps [vBase, vBase+length) onto the contiguous
// physical range starting at paBase, without drawing frames from pm. Used
// for the pmap window and other identity-style mappings.
func (t *PageTable) MapRangePhysical(vBase addr.VirtAddr, paBase addr.PhysAddr, length uintptr, flags mem.Flags) error {
	for off := uintptr(0); off < length; off += uintptr(addr.PGSIZE) {
		v := vBase.Add(off)
		if err := t.EnsureTablesExist(v); err != nil {
			return err
		}
		if err := t.Map4k(v, paBase+addr.PhysAddr(off), flags); err != nil {
			return err
		}
	}
	return nil
}

// ChangeFlagsRange rewrites the flags of every already-present leaf in
// [vBase, vBase+length) without touching the mapped frame, the mechanism
// behind the write-to-execute flip on code regions. It does not allocate.
func (t *PageTable) ChangeFlagsRange(vBase addr.VirtAddr, length uintptr, flags mem.Flags) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for off := uintptr(0); off < length; off += uintptr(addr.PGSIZE) {
		v := vBase.Add(off)
		l4i, l3i, l2i, l1i := indices(v)
		cur := t.rootTable()
		ok := true
		for _, idx := range [hierarchyDepth]int{l4i, l3i, l2i} {
			next, present := t.nextTable(cur, idx)
			if !present {
				ok = false
				break
			}
			cur = next
		}
		if !ok {
			return errs.New(errs.InvalidRange, "flag change on unmapped page")
		}
		e := cur.entry(l1i)
		if !e.Present() {
			return errs.New(errs.InvalidRange, "flag change on unmapped page")
		}
		cur.setSlot(l1i, newEntry(e.Addr(), entryFlags(flags)))
		t.flush(v)
	}
	return nil
}

// Unmap clears every leaf in [vBase, vBase+length), freeing each
// intermediate table whose used-count drops to zero, recursively up to
// L4, and frees the unmapped leaf frames back to pm.
func (t *PageTable) Unmap(vBase addr.VirtAddr, length uintptr) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for off := uintptr(0); off < length; off += uintptr(addr.PGSIZE) {
		v := vBase.Add(off)
		if err := t.unmapOne(v); err != nil {
			return err
		}
		t.flush(v)
	}
	return nil
}

// UnmapSparse clears whatever leaves happen to be present in
// [vBase, vBase+length), skipping holes. Lazily-mapped VMAs tear down
// through this: their extent may contain pages that were never faulted in.
func (t *PageTable) UnmapSparse(vBase addr.VirtAddr, length uintptr) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for off := uintptr(0); off < length; off += uintptr(addr.PGSIZE) {
		v := vBase.Add(off)
		if !t.leafPresent(v) {
			continue
		}
		if err := t.unmapOne(v); err != nil {
			return err
		}
		t.flush(v)
	}
	return nil
}

// leafPresent reports whether a present 4 KiB leaf covers v. Caller holds
// t.mu.
func (t *PageTable) leafPresent(v addr.VirtAddr) bool {
	l4i, l3i, l2i, l1i := indices(v)
	cur := t.rootTable()
	for _, idx := range [hierarchyDepth]int{l4i, l3i, l2i} {
		next, ok := t.nextTable(cur, idx)
		if !ok {
			return false
		}
		cur = next
	}
	return cur.entry(l1i).Present()
}

func (t *PageTable) unmapOne(v addr.VirtAddr) error {
	l4i, l3i, l2i, l1i := indices(v)
	path := [hierarchyDepth + 1]table{t.rootTable()}
	idxs := [hierarchyDepth]int{l4i, l3i, l2i}
	for i, idx := range idxs {
		next, present := t.nextTable(path[i], idx)
		if !present {
			return errs.New(errs.InvalidRange, "unmap of unmapped page")
		}
		path[i+1] = next
	}
	l1 := path[hierarchyDepth]
	if !l1.entry(l1i).Present() {
		return errs.New(errs.InvalidRange, "unmap of unmapped page")
	}
	freed := l1.entry(l1i).Addr()
	l1.setSlot(l1i, 0)
	l1.decUsedCount()
	t.pm.Free(freed)

	// Walk back up, freeing any table left with zero used entries.
	for level := hierarchyDepth - 1; level >= 0; level-- {
		child := path[level+1]
		if child.usedCount() != 0 {
			break
		}
		parent := path[level]
		parent.setSlot(idxs[level], 0)
		parent.decUsedCount()
		t.pm.Free(child.base)
	}
	return nil
}

// Root exposes the L4 physical frame, for a boot entry point to load into
// a real CR3 on hardware this module does not itself touch.
func (t *PageTable) Root() addr.PhysAddr { return t.root }

// Physmem returns the frame allocator backing this page table, for callers
// (codegen's linker) that need direct arena access alongside a translated
// address.
func (t *PageTable) Physmem() *mem.Physmem { return t.pm }

// Translate walks the existing mapping for v and returns the physical
// address it resolves to, including v's in-page offset. It returns
// InvalidRange if no leaf mapping covers v. Used where code needs to
// read or write through a virtual address directly (trampoline stack
// setup, data-initializer copies) rather than through the arena by
// physical offset.
func (t *PageTable) Translate(v addr.VirtAddr) (addr.PhysAddr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l4i, l3i, l2i, l1i := indices(v)
	cur := t.rootTable()
	for _, idx := range [hierarchyDepth]int{l4i, l3i, l2i} {
		next, ok := t.nextTable(cur, idx)
		if !ok {
			return 0, errs.New(errs.InvalidRange, "translate of unmapped page")
		}
		cur = next
	}
	e := cur.entry(l1i)
	if !e.Present() {
		return 0, errs.New(errs.InvalidRange, "translate of unmapped page")
	}
	return e.Addr() + addr.PhysAddr(v.Offset()), nil
}
