// Package instantiate turns a parsed wasmenv.ModuleEnv into a runnable
// thread.Thread: it compiles every defined function, emits and links the
// machine code, resolves imports, populates tables and linear-memory data
// initializers, and builds the vmctx.Container generated code addresses
// through its hidden vmctx argument.
package instantiate

import (
	"reflect"

	"golang.org/x/sync/errgroup"

	"wasmkernel/addr"
	"wasmkernel/codegen"
	"wasmkernel/diag"
	"wasmkernel/kernel/errs"
	"wasmkernel/klog"
	"wasmkernel/mem"
	"wasmkernel/pt"
	"wasmkernel/thread"
	"wasmkernel/vm"
	"wasmkernel/vmctx"
	"wasmkernel/wasmenv"
)

const (
	// WasmPageSize is the fixed linear-memory page size (64 KiB).
	WasmPageSize = 64 * 1024

	// HeapReservation bounds how large a module's linear memory may grow.
	// Reserved pages past the heap's current extent stay unmapped, so a
	// wasm access there faults. No guard region is kept after the
	// reservation itself: the next VMA Instantiate creates (the thread's
	// stack) can start right where it ends.
	HeapReservation = 256 << 20

	// VmctxReservation bounds the flattened context record; generous for
	// any module this backend's subset can compile (at most a handful of
	// globals, imports, and one populated table).
	VmctxReservation = 1 << 20
)

// Instantiate instantiates the already-parsed env against as/pageTable/pm,
// returning a thread ready to hand to a sched.Scheduler alongside the
// vmctx.Container built for it. It is the Go counterpart of run(buffer)'s
// compile→instantiate→emit_and_link pipeline, split so callers can parse
// once and instantiate independently (tests do exactly this).
func Instantiate(as *vm.AddressSpace, pageTable *pt.PageTable, pm *mem.Physmem, env *wasmenv.ModuleEnv) (*thread.Thread, *vmctx.Container, error) {
	definedOffset := env.DefinedFunctionOffset()

	compiled := make([]codegen.CompiledFunction, len(env.FuncBodies))
	for i, body := range env.FuncBodies {
		sig, err := env.SignatureOf(definedOffset + uint32(i))
		if err != nil {
			return nil, nil, err
		}
		cf, err := codegen.CompileFunction(env, definedOffset+uint32(i), sig, body)
		if err != nil {
			return nil, nil, err
		}
		compiled[i] = cf
	}

	em, err := codegen.Emit(as, compiled)
	if err != nil {
		return nil, nil, err
	}

	var minPages uint32
	if len(env.Memories) > 0 {
		minPages = env.Memories[0].Minimum
	}
	heapR, err := as.CreateVMA(HeapReservation)
	if err != nil {
		return nil, nil, err
	}
	heap, err := heapR.MapLazily(uintptr(minPages)*WasmPageSize, mem.Present|mem.Writable|mem.NoExecute)
	if err != nil {
		return nil, nil, err
	}

	startIdx, err := selectStart(env)
	if err != nil {
		return nil, nil, err
	}
	entry, err := codegen.GetFuncAddress(em, definedOffset, startIdx)
	if err != nil {
		return nil, nil, err
	}

	stack, err := thread.CreateStack(as, pageTable, pm, thread.StackSize, uintptr(thread.GuardPages*addr.PGSIZE))
	if err != nil {
		return nil, nil, err
	}
	th, err := thread.New(as, stack, entry, 0)
	if err != nil {
		return nil, nil, err
	}
	th.SetWasmData(&em.Code, heap)

	// Imports resolve against the thread itself: proc_exit needs somewhere
	// to record the exit.
	container := vmctx.New(heap.Base, len(env.Globals), len(env.Imports), tableSizes(env))
	for i, imp := range env.Imports {
		a, err := resolveImport(th, imp)
		if err != nil {
			return nil, nil, err
		}
		container.FunctionImports[i] = vmctx.FunctionImport{Address: a}
	}

	g := new(errgroup.Group)
	g.Go(func() error { return populateTables(container, env, em, definedOffset) })
	g.Go(func() error { return runDataInitializers(pageTable, pm, heap, env) })
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	for i, gl := range env.Globals {
		container.SetGlobal(uint32(i), gl.Value)
	}

	rt := hostRuntimeAddresses(th)
	if err := codegen.Link(pageTable, em, compiled, definedOffset, rt, uint32(container.TableBaseOffset())); err != nil {
		return nil, nil, err
	}

	vmctxR, err := as.CreateVMA(VmctxReservation)
	if err != nil {
		return nil, nil, err
	}
	vmctxMapped, vmctxPhys, err := vmctxR.MapContiguous(container.Size(), mem.Present|mem.Writable|mem.NoExecute)
	if err != nil {
		return nil, nil, err
	}
	container.WriteToMemory(pm.Arena().Bytes()[vmctxPhys:])

	klog.Infof("instantiated wasm module: entry=%#x heap_base=%#x vmctx=%#x", uintptr(entry), uintptr(heap.Base), uintptr(vmctxMapped.UsableBase))
	return th, container, nil
}

// HandlePageFault is the classification point the interrupt layer (which
// lives outside this module) calls into when th faults at faultAddr: a
// fault inside the heap's lazy extent is backed on demand and the thread
// keeps running; anything else (the guard region past the extent, a
// stray pointer) is fatal and th's status becomes Exit. rec, when
// non-nil, samples the handled faults for the diagnostics device.
func HandlePageFault(rec *diag.Recorder, th *thread.Thread, faultAddr addr.VirtAddr) bool {
	handled, err := th.PageFault(faultAddr)
	if err == nil && handled {
		if rec != nil {
			rec.Record(diag.EventPageFault, th.Id())
		}
		return true
	}
	if err != nil {
		klog.Errorf("page fault at %#x on thread %d: %v", uintptr(faultAddr), th.Id(), err)
	} else {
		klog.Warnf("unhandled page fault at %#x on thread %d", uintptr(faultAddr), th.Id())
	}
	th.SetStatus(thread.ExitStatus(thread.FaultExitCode))
	return false
}

// hostRuntimeAddresses binds th's HeapSize/HeapGrow methods as the
// memory.size/memory.grow intrinsics codegen's Abs8 relocations target.
// These are never actually invoked by this repository: dispatching
// genuine System V-convention machine code into a Go function's entry
// point crosses an ABI boundary this substrate does not bridge, and doing
// so belongs to the scheduler/execution layer outside this module. The
// addresses are still real, valid Go function-value pointers obtained the
// standard way (reflect.Value.Pointer on a func value), so the context
// this wires together is complete and testable even though execution
// itself is left to whatever eventually runs the thread.
func hostRuntimeAddresses(th *thread.Thread) codegen.RuntimeAddresses {
	memorySize := func() uint32 { return uint32(th.HeapSize() / WasmPageSize) }
	memoryGrow := func(deltaPages uint32) uint32 { return th.HeapGrow(deltaPages, WasmPageSize) }
	return codegen.RuntimeAddresses{
		MemorySize: hostAddr(memorySize),
		MemoryGrow: hostAddr(memoryGrow),
	}
}

func hostAddr(fn any) addr.VirtAddr {
	return addr.NewVirtAddr(uintptr(reflect.ValueOf(fn).Pointer()))
}

func tableSizes(env *wasmenv.ModuleEnv) []int {
	sizes := make([]int, len(env.Tables))
	for i, t := range env.Tables {
		sizes[i] = int(t.Minimum)
	}
	return sizes
}

func selectStart(env *wasmenv.ModuleEnv) (uint32, error) {
	if env.StartFunc != nil {
		return *env.StartFunc, nil
	}
	if exp, ok := env.Exports["_start"]; ok && exp.Kind == wasmenv.ExportFunc {
		return exp.Index, nil
	}
	return 0, errs.New(errs.NoStart, "module declares no start function and exports no _start")
}

// populateTables resolves each element segment's function indices into
// real code addresses and installs them into the matching vmctx.Table.
// Only table 0 is addressable by call_indirect in this backend's subset;
// other tables are bookkeeping only.
func populateTables(container *vmctx.Container, env *wasmenv.ModuleEnv, em codegen.Emitted, definedOffset uint32) error {
	for _, seg := range env.Elements {
		if seg.Base != nil {
			return errs.New(errs.UnsupportedImport, "table-indirect element-segment offsets are not supported")
		}
		tbl := container.GetTable(seg.TableIndex)
		for i, fidx := range seg.Elements {
			a, err := codegen.GetFuncAddress(em, definedOffset, fidx)
			if err != nil {
				return err
			}
			tbl.Set(int(seg.Offset)+i, a)
		}
	}
	return nil
}

// runDataInitializers copies every data initializer's payload into the
// heap VMA, expanding and eagerly backing whatever pages the payload spans
// first (data initializers run at instantiation time, before any fault
// handler would otherwise back them on demand).
func runDataInitializers(pageTable *pt.PageTable, pm *mem.Physmem, heap vm.LazilyMapped, env *wasmenv.ModuleEnv) error {
	for _, di := range env.DataInitializers {
		if di.MemoryIndex != 0 {
			return errs.New(errs.UnsupportedImport, "multiple linear memories are not supported")
		}
		if di.Base != nil {
			return errs.New(errs.UnsupportedImport, "table-indirect data-initializer offsets are not supported")
		}
		if len(di.Data) == 0 {
			continue
		}
		end := uintptr(di.Offset) + uintptr(len(di.Data))
		if cur := heap.Extent(); end > cur {
			if _, err := heap.Expand(end - cur); err != nil {
				return err
			}
		}
		dest := heap.Base.Add(uintptr(di.Offset))
		for page := dest.AlignDown(); page < dest.Add(uintptr(len(di.Data))); page = page.Add(uintptr(addr.PGSIZE)) {
			if _, err := heap.TryHandlePageFault(page); err != nil {
				return err
			}
		}
		if err := writeBytes(pageTable, pm, dest, di.Data); err != nil {
			return err
		}
	}
	return nil
}

// writeBytes copies data to the physical frames backing dst, translating
// page by page since the destination range need not be physically
// contiguous (only code VMAs require that, for PC-relative addressing).
func writeBytes(pageTable *pt.PageTable, pm *mem.Physmem, dst addr.VirtAddr, data []byte) error {
	b := pm.Arena().Bytes()
	off := 0
	for off < len(data) {
		pa, err := pageTable.Translate(dst.Add(uintptr(off)))
		if err != nil {
			return err
		}
		pageRemain := addr.PGSIZE - int(uintptr(pa)%uintptr(addr.PGSIZE))
		n := len(data) - off
		if n > pageRemain {
			n = pageRemain
		}
		copy(b[pa:], data[off:off+n])
		off += n
	}
	return nil
}
