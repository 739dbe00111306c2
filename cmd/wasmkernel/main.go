// Command wasmkernel is the top-level pipeline: parse a wasm module,
// instantiate it against a fresh address space, and hand the resulting
// thread to a scheduler.
package main

import (
	"fmt"
	"os"

	"wasmkernel/addr"
	"wasmkernel/instantiate"
	"wasmkernel/internal/jitmem"
	"wasmkernel/kernel/errs"
	"wasmkernel/klog"
	"wasmkernel/mem"
	"wasmkernel/pt"
	"wasmkernel/sched"
	"wasmkernel/vm"
	"wasmkernel/wasmenv"
)

// physmemSize is the size of the simulated physical arena a standalone
// run of this command backs its address space with. A real boot would
// size this from the boot-info memory map (see package boot); this
// command has no firmware to ask, so it picks a fixed size generous
// enough for any module this backend compiles.
const physmemSize = 512 << 20

// addressSpaceSize is the virtual span reserved for VMAs: code, heap, and
// vmctx regions for one module.
const addressSpaceSize = 1 << 30

// Run parses buffer as a wasm module and instantiates it, returning the
// runnable thread's id once q has scheduled it.
func Run(buffer []byte, q *sched.Queue) (uint64, error) {
	env, err := wasmenv.Parse(buffer)
	if err != nil {
		return 0, err
	}

	arena, err := jitmem.NewArena(physmemSize)
	if err != nil {
		return 0, err
	}
	pm := mem.New(arena)
	if err := pm.Init([]mem.Region{{Start: 0, End: addr.PhysAddr(physmemSize)}}, 0); err != nil {
		return 0, err
	}
	pageTable, err := pt.New(pm)
	if err != nil {
		return 0, err
	}
	as := vm.NewAddressSpace(pageTable, pm, addr.NewVirtAddr(0x40000000), addressSpaceSize)

	th, _, err := instantiate.Instantiate(as, pageTable, pm, env)
	if err != nil {
		return 0, err
	}
	q.Runnable(th)
	return uint64(th.Id()), nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: wasmkernel <module.wasm>")
		os.Exit(2)
	}
	buffer, err := os.ReadFile(os.Args[1])
	if err != nil {
		klog.Errorf("read module: %v", err)
		os.Exit(1)
	}

	q := sched.NewQueue()
	id, err := Run(buffer, q)
	if err != nil {
		klog.Errorf("run: %v (%v)", err, errs.KindOf(err))
		os.Exit(1)
	}
	klog.Infof("scheduled thread %d", id)
}
