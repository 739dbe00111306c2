package instantiate

import (
	"testing"

	"wasmkernel/addr"
	"wasmkernel/diag"
	"wasmkernel/internal/jitmem"
	"wasmkernel/kernel/errs"
	"wasmkernel/mem"
	"wasmkernel/pt"
	"wasmkernel/thread"
	"wasmkernel/vm"
	"wasmkernel/wasmenv"
)

func newTestEnv(t *testing.T, frames int) (*vm.AddressSpace, *pt.PageTable, *mem.Physmem) {
	t.Helper()
	size := frames * addr.PGSIZE
	a, err := jitmem.NewArena(size)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	pm := mem.New(a)
	if err := pm.Init([]mem.Region{{Start: 0, End: addr.PhysAddr(size)}}, 0); err != nil {
		t.Fatalf("Init: %v", err)
	}
	pageTable, err := pt.New(pm)
	if err != nil {
		t.Fatalf("pt.New: %v", err)
	}
	as := vm.NewAddressSpace(pageTable, pm, addr.NewVirtAddr(0x20000000), 1<<30)
	return as, pageTable, pm
}

// identityModule returns a one-function module exported as _start, the
// minimal runnable shape.
func identityModule() *wasmenv.ModuleEnv {
	return &wasmenv.ModuleEnv{
		Types:       []wasmenv.FuncType{{}},
		FuncTypeIdx: []uint32{0},
		FuncBodies:  []wasmenv.FunctionBody{{Body: []byte{0x0b}}},
		Exports: map[string]wasmenv.Export{
			"_start": {Name: "_start", Kind: wasmenv.ExportFunc, Index: 0},
		},
	}
}

func TestInstantiateNoStartIsNoStartError(t *testing.T) {
	as, pageTable, pm := newTestEnv(t, 4096)
	env := &wasmenv.ModuleEnv{}
	_, _, err := Instantiate(as, pageTable, pm, env)
	if err == nil {
		t.Fatal("expected an error for a module with no start function")
	}
	if errs.KindOf(err) != errs.NoStart {
		t.Fatalf("got error kind %v, want NoStart", errs.KindOf(err))
	}
}

func TestInstantiateIdentityStart(t *testing.T) {
	as, pageTable, pm := newTestEnv(t, 4096)
	th, container, err := Instantiate(as, pageTable, pm, identityModule())
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	if th == nil || container == nil {
		t.Fatal("expected a non-nil thread and container")
	}
	if !th.GetStatus().IsRunnable() {
		t.Fatal("expected a freshly instantiated thread to be runnable")
	}
}

func TestInstantiateDataInitializerExpandsHeap(t *testing.T) {
	as, pageTable, pm := newTestEnv(t, 4096)
	env := identityModule()
	env.Memories = []wasmenv.Memory{{Minimum: 0}}
	env.DataInitializers = []wasmenv.DataInitializer{
		{MemoryIndex: 0, Offset: 70000, Data: []byte("hi")},
	}

	th, _, err := Instantiate(as, pageTable, pm, env)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	if th.HeapSize() < 70002 {
		t.Fatalf("heap size = %d, want at least 70002 to cover the data initializer", th.HeapSize())
	}
}

func TestInstantiateElementSegmentPopulatesTable(t *testing.T) {
	as, pageTable, pm := newTestEnv(t, 4096)
	env := &wasmenv.ModuleEnv{
		Types:       []wasmenv.FuncType{{}, {Results: []wasmenv.ValType{wasmenv.I32}}},
		FuncTypeIdx: []uint32{0, 1},
		FuncBodies: []wasmenv.FunctionBody{
			{Body: []byte{0x0b}},
			{Body: []byte{0x41, 0x2a, 0x0b}}, // i32.const 42; end
		},
		Tables: []wasmenv.Table{{Minimum: 4}},
		Elements: []wasmenv.ElementSegment{
			{TableIndex: 0, Offset: 1, Elements: []uint32{1}},
		},
		Exports: map[string]wasmenv.Export{
			"_start": {Name: "_start", Kind: wasmenv.ExportFunc, Index: 0},
		},
	}

	_, container, err := Instantiate(as, pageTable, pm, env)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	tbl := container.GetTable(0)
	if len(tbl.Elements) < 2 || tbl.Elements[1].Address == 0 {
		t.Fatalf("expected table slot 1 to hold function 1's address, got %+v", tbl.Elements)
	}
}

// TestInstantiateHeapGrowIncreasesLazyExtent: a heap with minimum 1 page
// grown by 3 pages reports the pre-growth page count and a lazy extent of
// 4 pages afterward.
func TestInstantiateHeapGrowIncreasesLazyExtent(t *testing.T) {
	as, pageTable, pm := newTestEnv(t, 4096)
	env := identityModule()
	env.Memories = []wasmenv.Memory{{Minimum: 1}}

	th, _, err := Instantiate(as, pageTable, pm, env)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	const wasmPageSize = 64 * 1024
	if got := th.HeapSize(); got != wasmPageSize {
		t.Fatalf("heap size before grow = %d, want %d", got, wasmPageSize)
	}

	old := th.HeapGrow(3, wasmPageSize)
	if old != 1 {
		t.Fatalf("HeapGrow returned pre-growth page count %d, want 1", old)
	}
	if got, want := th.HeapSize(), uintptr(4*wasmPageSize); got != want {
		t.Fatalf("heap size after grow = %d, want %d", got, want)
	}
}

// TestInstantiatePageFaultBeyondExtentIsUnhandled: a fault address
// beyond the heap's lazy extent (i.e. in the guard region) is reported as
// unhandled and the dispatch path marks the thread Exit, rather than the
// access silently being backed.
func TestInstantiatePageFaultBeyondExtentIsUnhandled(t *testing.T) {
	as, pageTable, pm := newTestEnv(t, 4096)
	env := identityModule()
	env.Memories = []wasmenv.Memory{{Minimum: 1}}

	th, _, err := Instantiate(as, pageTable, pm, env)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	inBounds := th.HeapBase() + addr.VirtAddr(th.HeapSize()-1)
	handled, err := th.PageFault(inBounds)
	if err != nil {
		t.Fatalf("PageFault(in-bounds): %v", err)
	}
	if !handled {
		t.Fatal("expected an in-extent fault to be handled")
	}

	outOfBounds := th.HeapBase() + addr.VirtAddr(th.HeapSize())
	handled, err = th.PageFault(outOfBounds)
	if err != nil {
		t.Fatalf("PageFault(out-of-bounds): %v", err)
	}
	if handled {
		t.Fatal("expected a fault past the lazy extent (the guard region) to be unhandled")
	}

	// The dispatch path must classify the same fault as fatal.
	rec := diag.NewRecorder()
	if HandlePageFault(rec, th, outOfBounds) {
		t.Fatal("HandlePageFault should report an out-of-extent fault as unhandled")
	}
	code, exited := th.GetStatus().IsExit()
	if !exited || code != thread.FaultExitCode {
		t.Fatalf("thread status = %v (code %d), want Exit(%d)", th.GetStatus(), code, thread.FaultExitCode)
	}
}

func TestProcExitShimMarksThreadExit(t *testing.T) {
	as, pageTable, pm := newTestEnv(t, 4096)
	th, _, err := Instantiate(as, pageTable, pm, identityModule())
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	procExitShim(th)(0, 7)
	code, exited := th.GetStatus().IsExit()
	if !exited || code != 7 {
		t.Fatalf("thread status = %v (code %d), want Exit(7)", th.GetStatus(), code)
	}
}

func TestInstantiateUnsupportedImportIsRejected(t *testing.T) {
	as, pageTable, pm := newTestEnv(t, 4096)
	env := identityModule()
	env.Imports = []wasmenv.Import{{Module: "env", Field: "mystery"}}
	env.FuncTypeIdx = append([]uint32{0}, env.FuncTypeIdx...)
	// The import takes function index 0, so _start (the one defined
	// function) is now index 1.
	env.Exports["_start"] = wasmenv.Export{Name: "_start", Kind: wasmenv.ExportFunc, Index: 1}

	_, _, err := Instantiate(as, pageTable, pm, env)
	if err == nil {
		t.Fatal("expected an error for an unsupported import module")
	}
	if errs.KindOf(err) != errs.UnsupportedImport {
		t.Fatalf("got error kind %v, want UnsupportedImport", errs.KindOf(err))
	}
}
