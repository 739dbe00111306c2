// Package mem implements the kernel's physical frame allocator: an
// intrusive free-list stack where each free frame stores the address of
// the next free frame in its own first eight bytes.
//
// A hosted Go program has no CR3 and no physical address space distinct
// from its own memory, so "physical memory" here is a single mmap arena
// (internal/jitmem) and a physical address is simply a byte offset into
// it; the free frame's "first eight bytes" really are the first eight
// bytes of the arena slice at that offset, read and written directly
// rather than through a scratch mapping.
package mem

import (
	"encoding/binary"
	"sync"

	"wasmkernel/addr"
	"wasmkernel/internal/jitmem"
	"wasmkernel/kernel/errs"
	"wasmkernel/klog"
)

// Flags describes the protection and caching bits a leaf mapping is
// installed with.
type Flags uint8

const (
	Present Flags = 1 << iota
	Writable
	NoExecute
	User
	Huge
)

// PageTable is the subset of the page-table layer (package pt) that the
// frame allocator needs to install a page it has just handed out. Defined
// here, rather than depending on package pt directly, so pt can depend on
// mem for frame allocation without an import cycle.
type PageTable interface {
	// EnsureTablesExist walks/creates every intermediate table on the
	// path to vaddr, without touching the leaf. Callers do this before
	// taking the frame-allocator lock, per the lock-ordering invariant:
	// never hold the frame allocator's lock while allocating the
	// intermediate table frames a mapping might also need.
	EnsureTablesExist(vaddr addr.VirtAddr) error
	// Map4k installs a present leaf mapping vaddr -> pa with flags. The
	// intermediate tables must already exist.
	Map4k(vaddr addr.VirtAddr, pa addr.PhysAddr, flags Flags) error
}

// Region is one usable range reported by the boot memory map, end-exclusive.
type Region struct {
	Start addr.PhysAddr
	End   addr.PhysAddr
}

// Physmem is the frame allocator: a mutex-guarded intrusive free-list
// stack over a simulated physical arena.
type Physmem struct {
	mu          sync.Mutex
	arena       *jitmem.Arena
	reservedEnd addr.PhysAddr
	top         addr.PhysAddr
}

// New wraps arena as the backing physical store. arena must already be
// sized to cover every physical address this allocator will ever hand
// out; callers size it from the boot memory map before calling Init.
func New(arena *jitmem.Arena) *Physmem {
	return &Physmem{arena: arena}
}

// frameSize is the unit of allocation; this kernel never hands out
// anything smaller (huge pages are built by the pt layer by combining
// contiguous 4 KiB frames' worth of reservation, not by this allocator).
const frameSize = addr.PhysAddr(addr.PGSIZE)

// Init builds the initial free list from the boot memory map: frames
// below reservedEnd (kernel image, boot structures) are skipped, remaining
// frames in each region are chained head-to-tail, and regions are chained
// to each other in the order given.
func (p *Physmem) Init(regions []Region, reservedEnd addr.PhysAddr) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.reservedEnd = reservedEnd.AlignUp()

	var head, prev addr.PhysAddr
	havePrev := false
	nfree := 0
	for _, r := range regions {
		start := r.Start.AlignUp()
		end := r.End.AlignDown()
		if start < p.reservedEnd {
			start = p.reservedEnd
		}
		if start.IsNull() {
			// Physical page 0 can never live on the stack: the zero word is
			// the list terminator, so a top of 0 would read as empty.
			start = frameSize
		}
		if start >= end {
			continue
		}
		for cur := start; cur < end; cur += frameSize {
			if havePrev {
				p.writeNext(prev, cur)
			} else {
				head = cur
			}
			prev = cur
			havePrev = true
			nfree++
		}
	}
	if havePrev {
		p.writeNext(prev, addr.NullPhys())
	}
	p.top = head
	klog.Infof("physmem: %d frames free, reserved end %s", nfree, p.reservedEnd)
	return nil
}

func (p *Physmem) readNext(pa addr.PhysAddr) addr.PhysAddr {
	b := p.arena.Bytes()
	off := int(pa)
	return addr.PhysAddr(binary.LittleEndian.Uint64(b[off : off+8]))
}

func (p *Physmem) writeNext(pa, next addr.PhysAddr) {
	b := p.arena.Bytes()
	off := int(pa)
	binary.LittleEndian.PutUint64(b[off:off+8], uint64(next))
}

// AllocFrame pops and returns the top of the free-list stack.
func (p *Physmem) AllocFrame() (addr.PhysAddr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocLocked()
}

func (p *Physmem) allocLocked() (addr.PhysAddr, error) {
	if p.top.IsNull() {
		return addr.NullPhys(), errs.Wrap(errs.OutOfMemory)
	}
	f := p.top
	p.top = p.readNext(f)
	return f, nil
}

// Free pushes pa back onto the free-list stack. Callers must not free a
// frame still referenced by any mapping.
func (p *Physmem) Free(pa addr.PhysAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeNext(pa, p.top)
	p.top = pa
}

// MapPage hands out the top frame and installs it at vaddr via pt. On
// hardware the next-top word can only be read through a mapping of the
// frame, fusing pop and install under the allocator lock; here the arena
// gives direct physical access, so the pop completes on its own and the
// leaf install runs with the allocator lock already dropped. Table
// creation still happens first, before any allocator state moves, so
// Map4k cannot re-enter the allocator for an intermediate table while it
// holds the page-table lock.
func (p *Physmem) MapPage(pt PageTable, vaddr addr.VirtAddr, flags Flags) error {
	if err := pt.EnsureTablesExist(vaddr); err != nil {
		return err
	}
	pa, err := p.AllocFrame()
	if err != nil {
		return err
	}
	if err := pt.Map4k(vaddr, pa, flags); err != nil {
		// Put the frame back; the mapping never happened.
		p.Free(pa)
		return err
	}
	return nil
}

// ConsumeAndMoveTop hands the current top frame to f without going
// through a PageTable, for a caller that needs a raw frame to house a new
// table (package pt allocates its own table frames through AllocFrame
// instead). f is expected to install pa somewhere in
// the table hierarchy and returns the virtual address through which that
// installation is now reachable; on hardware that address is where the
// next-top word must be re-read, physical memory being reachable only
// through mappings. Here the arena gives direct physical access, so the
// next pointer is read through pa itself, operationally identical since
// the returned address ultimately resolves back to the same arena
// offset.
func (p *Physmem) ConsumeAndMoveTop(f func(addr.PhysAddr) addr.VirtAddr) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.top.IsNull() {
		return errs.Wrap(errs.OutOfMemory)
	}
	pa := p.top
	_ = f(pa)
	p.top = p.readNext(pa)
	return nil
}

// AllocContiguous pops n frames and returns the base address of a
// physically contiguous run, for the callers that genuinely need one:
// the code emitter, which writes PC-relative machine code into a
// single flat buffer and therefore needs its backing frames to be real,
// adjacent bytes in the arena, not merely adjacent in virtual address
// space, and instantiation, which writes the flattened vmctx record
// through the arena the same way. This succeeds for free by popping the stack while the free list
// is still in its post-Init, address-ascending order (true for any code
// VMA created before the allocator has done an out-of-order Free/Alloc
// cycle); if the next n frames are not contiguous, every popped frame is
// pushed back and OutOfMemory is returned rather than silently picking a
// fragmented layout the caller cannot use.
func (p *Physmem) AllocContiguous(n int) (addr.PhysAddr, error) {
	if n <= 0 {
		return addr.NullPhys(), errs.New(errs.InvalidRange, "non-positive frame count")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	frames := make([]addr.PhysAddr, 0, n)
	for i := 0; i < n; i++ {
		pa, err := p.allocLocked()
		if err != nil {
			for j := len(frames) - 1; j >= 0; j-- {
				p.writeNext(frames[j], p.top)
				p.top = frames[j]
			}
			return addr.NullPhys(), err
		}
		frames = append(frames, pa)
	}
	for i := 1; i < len(frames); i++ {
		if frames[i] != frames[i-1]+frameSize {
			for j := len(frames) - 1; j >= 0; j-- {
				p.writeNext(frames[j], p.top)
				p.top = frames[j]
			}
			return addr.NullPhys(), errs.New(errs.OutOfMemory, "free list is too fragmented for a contiguous code region")
		}
	}
	return frames[0], nil
}

// Arena exposes the backing store so the pt and vm layers can read/write
// frame contents by physical offset directly.
func (p *Physmem) Arena() *jitmem.Arena { return p.arena }

// Pmap returns the identity-map window covering all of this allocator's
// physical memory. boot.Entry installs it into the page tables so kernel
// code can reach any frame at KernelPmapBase+pa.
func (p *Physmem) Pmap() addr.PmapWindow {
	return addr.PmapWindow{Base: addr.KernelPmapBase, Len: uintptr(p.arena.Len())}
}

// Avail reports whether any frame remains, without allocating one.
func (p *Physmem) Avail() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.top.IsNull()
}
