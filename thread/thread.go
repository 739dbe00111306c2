// Package thread implements kernel threads and their stacks: trampoline
// construction, atomic status with release/acquire ordering, sequentially
// consistent ThreadId allocation, and the blocked-on scheme-id sentinel.
package thread

import (
	"sync/atomic"

	"wasmkernel/addr"
	"wasmkernel/ksync"
	"wasmkernel/mem"
	"wasmkernel/pt"
	"wasmkernel/vm"
)

// StackSize is the default thread stack size in bytes.
const StackSize = 1024 * 256

// GuardPages is the number of unmapped guard pages prefixed to every
// stack, to turn overflow into a page fault rather than silent corruption.
const GuardPages = 2

// ThreadId uniquely identifies a thread. The zero value is reserved as a
// sentinel; real ids start at 1.
type ThreadId uint64

var nextThreadID atomic.Uint64

// NewThreadId allocates the next id via a sequentially consistent
// fetch-add.
func NewThreadId() ThreadId {
	return ThreadId(nextThreadID.Add(1))
}

// FaultExitCode is the exit status of a thread killed by an unhandled page
// fault: 128+SIGSEGV, the Unix convention for a signal death.
const FaultExitCode uint32 = 139

// SchemeId identifies the scheme a thread is blocked on. SchemeSentinel
// means "not blocked on any scheme".
type SchemeId uint64

// SchemeSentinel is the blocked_on value meaning "not blocked".
const SchemeSentinel SchemeId = ^SchemeId(0)

// SelfScheme is the scheme id installed at fd 0 of every new thread's
// descriptor table.
const SelfScheme SchemeId = 0

// statusKind packs into the low byte of the atomic status word.
type statusKind uint64

const (
	statusRunnable statusKind = iota
	statusBlocked
	statusExit
)

// Status is a thread's run state: Runnable, Blocked, or Exit(code). It is
// represented as a single packed word so it can be stored/loaded/compared
// atomically as one unit.
type Status uint64

// Runnable and Blocked are the two payload-free states.
const (
	Runnable Status = Status(statusRunnable)
	Blocked  Status = Status(statusBlocked)
)

// ExitStatus builds the Exit(code) status.
func ExitStatus(code uint32) Status {
	return Status(statusExit) | Status(code)<<32
}

// Kind reports which of Runnable/Blocked/Exit this status represents, and
// the exit code when it is Exit.
func (s Status) Kind() (kind statusKind, exitCode uint32) {
	k := statusKind(s & 0xff)
	if k == statusExit {
		return k, uint32(s >> 32)
	}
	return k, 0
}

func (s Status) IsRunnable() bool { return s == Runnable }
func (s Status) IsBlocked() bool  { return s == Blocked }
func (s Status) IsExit() (code uint32, ok bool) {
	k, code := s.Kind()
	return code, k == statusExit
}

// FdEntry is one slot of a thread's file-descriptor table.
type FdEntry struct {
	Scheme SchemeId
	Path   string
}

// FileDescriptorTable is a thread's open-descriptor set. Slot 0 always
// starts as the "self" scheme descriptor.
type FileDescriptorTable struct {
	entries []FdEntry
}

func newFileDescriptorTable() FileDescriptorTable {
	return FileDescriptorTable{entries: []FdEntry{{Scheme: SelfScheme, Path: "."}}}
}

// Insert appends e at the lowest free index and returns that index.
func (t *FileDescriptorTable) Insert(e FdEntry) int {
	t.entries = append(t.entries, e)
	return len(t.entries) - 1
}

// Get returns the entry at fd, if any.
func (t *FileDescriptorTable) Get(fd int) (FdEntry, bool) {
	if fd < 0 || fd >= len(t.entries) {
		return FdEntry{}, false
	}
	return t.entries[fd], true
}

// Stack is a thread's mapped stack region plus its current stack pointer.
type Stack struct {
	mapped  vm.Mapped
	pt      *pt.PageTable
	pm      *mem.Physmem
	current atomic.Uint64 // addr.VirtAddr, release-store/acquire-load
}

// CreateStack reserves size+guardSize bytes in as, maps the usable
// size bytes with PRESENT|WRITABLE|NX, and leaves the guard prefix
// unmapped.
func CreateStack(as *vm.AddressSpace, pageTable *pt.PageTable, pm *mem.Physmem, size, guardSize uintptr) (*Stack, error) {
	r, err := as.CreateVMA(size + guardSize)
	if err != nil {
		return nil, err
	}
	mapped, err := r.Map(guardSize, size, mem.Present|mem.Writable|mem.NoExecute)
	if err != nil {
		return nil, err
	}
	s := &Stack{mapped: mapped, pt: pageTable, pm: pm}
	s.setCurrent(mapped.UsableBase.Add(mapped.UsableSize))
	return s, nil
}

// Current returns the current stack pointer.
func (s *Stack) Current() addr.VirtAddr {
	return addr.VirtAddr(s.current.Load())
}

func (s *Stack) setCurrent(v addr.VirtAddr) {
	s.current.Store(uint64(v))
}

// Base returns the start of the stack's mapped (usable) region.
func (s *Stack) Base() addr.VirtAddr { return s.mapped.UsableBase }

// Push writes an 8-byte word at the new top of the stack and moves the
// stack pointer down. The kernel only ever pushes machine words (return
// addresses, arguments) during trampoline setup, so a single fixed-width
// Push suffices.
func (s *Stack) Push(word uint64) error {
	next := addr.NewVirtAddr(uintptr(s.Current()) - 8)
	pa, err := s.pt.Translate(next)
	if err != nil {
		return err
	}
	b := s.pm.Arena().Bytes()
	off := int(pa)
	b[off] = byte(word)
	b[off+1] = byte(word >> 8)
	b[off+2] = byte(word >> 16)
	b[off+3] = byte(word >> 24)
	b[off+4] = byte(word >> 32)
	b[off+5] = byte(word >> 40)
	b[off+6] = byte(word >> 48)
	b[off+7] = byte(word >> 56)
	s.setCurrent(next)
	return nil
}

// Thread is a single kernel thread of execution: a stack, an address
// space, a lazily-mapped heap, an optional static WASM code region, and
// the atomic bookkeeping the scheduler reads.
type Thread struct {
	Stack *Stack
	id    ThreadId
	as    *vm.AddressSpace

	heapMu ksync.RWSpinlock
	heap   vm.LazilyMapped

	codeMu ksync.Spinlock
	code   *vm.Mapped

	status    atomic.Uint64 // Status, release-store/acquire-load
	blockedOn atomic.Uint64 // SchemeId, release-store/acquire-load

	fdMu ksync.Spinlock
	fdt  FileDescriptorTable
}

// New constructs a thread over an already-created stack within as.
// first_arg is pushed and entry is arranged as the return address of a
// trampoline frame, so the first context switch into this thread lands
// at entry(first_arg).
func New(as *vm.AddressSpace, stack *Stack, entry addr.VirtAddr, firstArg uint64) (*Thread, error) {
	th := &Thread{Stack: stack, id: NewThreadId(), as: as, fdt: newFileDescriptorTable()}
	th.status.Store(uint64(Runnable))
	th.blockedOn.Store(uint64(SchemeSentinel))

	if err := stack.Push(firstArg); err != nil {
		return nil, err
	}
	if err := stack.Push(uint64(entry)); err != nil {
		return nil, err
	}
	return th, nil
}

// Id returns the thread's id.
func (th *Thread) Id() ThreadId { return th.id }

// SetWasmData installs the code VMA and heap VMA for a WASM-backed
// thread. code is nil for a thread with no static WASM code region of
// its own.
func (th *Thread) SetWasmData(code *vm.Mapped, heap vm.LazilyMapped) {
	th.codeMu.Lock()
	th.code = code
	th.codeMu.Unlock()

	th.heapMu.Lock()
	th.heap = heap
	th.heapMu.Unlock()
}

// HeapSize returns the heap's current extent in bytes.
func (th *Thread) HeapSize() uintptr {
	th.heapMu.RLock()
	defer th.heapMu.RUnlock()
	return th.heap.Extent()
}

// HeapBase returns the virtual address the heap VMA starts at.
func (th *Thread) HeapBase() addr.VirtAddr {
	th.heapMu.RLock()
	defer th.heapMu.RUnlock()
	return th.heap.Base
}

// HeapGrow grows the heap by wasmPages WebAssembly pages (64 KiB each)
// and returns the page index the growth started at, or ^uint32(0) on
// failure.
func (th *Thread) HeapGrow(wasmPages uint32, wasmPageSize uintptr) uint32 {
	th.heapMu.Lock()
	defer th.heapMu.Unlock()
	old, err := th.heap.Expand(uintptr(wasmPages) * wasmPageSize)
	if err != nil {
		return ^uint32(0)
	}
	return uint32(old / wasmPageSize)
}

// PageFault attempts to handle a page fault at faultAddr by lazily
// backing it if it falls within the heap's current extent.
func (th *Thread) PageFault(faultAddr addr.VirtAddr) (bool, error) {
	th.heapMu.Lock()
	defer th.heapMu.Unlock()
	return th.heap.TryHandlePageFault(faultAddr)
}

// UnmapMemory tears down every VMA this thread owns: the code region (if
// any), the stack, and the heap. Legal only once no other context can
// observe the thread's pages.
func (th *Thread) UnmapMemory() error {
	th.codeMu.Lock()
	code := th.code
	th.code = nil
	th.codeMu.Unlock()
	if code != nil {
		if err := th.as.DestroyVMA(code.Base); err != nil {
			return err
		}
	}

	if err := th.as.DestroyVMA(th.Stack.mapped.Base); err != nil {
		return err
	}

	th.heapMu.Lock()
	defer th.heapMu.Unlock()
	if th.heap.Valid() {
		if err := th.as.DestroyVMA(th.heap.Base); err != nil {
			return err
		}
	}
	th.heap = vm.LazilyMapped{}
	return nil
}

// SetStatus stores a new status with release ordering.
func (th *Thread) SetStatus(s Status) { th.status.Store(uint64(s)) }

// StatusCompareAndSwap atomically replaces the status if it currently
// equals old.
func (th *Thread) StatusCompareAndSwap(old, new Status) bool {
	return th.status.CompareAndSwap(uint64(old), uint64(new))
}

// GetStatus loads the current status with acquire ordering. Go's atomic
// types provide sequentially consistent access, strictly stronger than
// the release/acquire pairing this needs: observing Exit(code)
// happens-after the stores that led to the exit.
func (th *Thread) GetStatus() Status { return Status(th.status.Load()) }

// SetBlockedOn stores which scheme this thread is blocked on.
func (th *Thread) SetBlockedOn(id SchemeId) { th.blockedOn.Store(uint64(id)) }

// BlockedOn returns the scheme this thread is blocked on, or
// SchemeSentinel if it is not blocked.
func (th *Thread) BlockedOn() SchemeId { return SchemeId(th.blockedOn.Load()) }

// FileDescriptorTable locks and returns the thread's descriptor table.
// Callers must call the returned unlock when finished.
func (th *Thread) FileDescriptorTable() (*FileDescriptorTable, func()) {
	th.fdMu.Lock()
	return &th.fdt, th.fdMu.Unlock
}
