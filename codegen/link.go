package codegen

import (
	"encoding/binary"

	"wasmkernel/addr"
	"wasmkernel/kernel/errs"
	"wasmkernel/klog"
	"wasmkernel/mem"
	"wasmkernel/pt"
	"wasmkernel/vm"
)

// RuntimeAddresses supplies the host function pointers RuntimeFunction
// relocations resolve to, resolved once by the instantiate package (which
// knows the heap/thread it is building code for).
type RuntimeAddresses struct {
	MemorySize addr.VirtAddr
	MemoryGrow addr.VirtAddr
}

// Emitted is the result of Emit: the code VMA, the physical base its frames
// were allocated at (see vm.Reserved.MapContiguous), and each function's
// byte offset within it.
type Emitted struct {
	Code        vm.Mapped
	PhysBase    addr.PhysAddr
	FuncOffsets []uint32 // per defined function, offset within the code region
}

// Emit reserves a code VMA of align_up(Σ function sizes), maps it
// PRESENT|WRITABLE|NX over a single physically contiguous frame run, and
// copies every function's machine code into it sequentially. funcs must
// already be in defined-function order (function index order, offset by
// DefinedFunctionOffset).
func Emit(as *vm.AddressSpace, funcs []CompiledFunction) (Emitted, error) {
	total := 0
	offsets := make([]uint32, len(funcs))
	for i, f := range funcs {
		offsets[i] = uint32(total)
		total += len(f.Code)
	}
	if total == 0 {
		total = 1 // a zero-size VMA is rejected by CreateVMA; reserve a single byte
	}

	r, err := as.CreateVMA(uintptr(total))
	if err != nil {
		return Emitted{}, err
	}
	mapped, physBase, err := r.MapContiguous(uintptr(total), mem.Present|mem.Writable|mem.NoExecute)
	if err != nil {
		return Emitted{}, err
	}

	arena := as.Physmem().Arena()
	dst := arena.Bytes()
	for i, f := range funcs {
		copy(dst[int(physBase)+int(offsets[i]):], f.Code)
	}

	return Emitted{Code: mapped, PhysBase: physBase, FuncOffsets: offsets}, nil
}

// Link walks every relocation recorded during compilation and patches it
// directly into the arena-backed code bytes: UserFunction resolves to the
// target's own FuncOffsets entry, RuntimeFunction resolves to a host
// pointer from rt, JumpTable and LibCall are refused (this backend never
// emits call_indirect via a jump table, and never emits a LibCall
// target). After every relocation is applied, ChangeFlagsRange flips the
// code VMA to PRESENT (R-X); Link performs the matching real mprotect via
// the arena, so the write-to-execute transition is enforced by the host
// kernel, not merely recorded in the simulated page table.
func Link(pageTable *pt.PageTable, em Emitted, funcs []CompiledFunction, definedFunctionOffset uint32, rt RuntimeAddresses, tableBaseOffset uint32) error {
	arena := pageTable.Physmem().Arena()
	b := arena.Bytes()

	for i, f := range funcs {
		base := int(em.PhysBase) + int(em.FuncOffsets[i])
		for _, site := range f.TableBaseSites {
			binary.LittleEndian.PutUint32(b[base+int(site):], tableBaseOffset)
		}
		for _, rl := range f.Relocs {
			patchAt := base + int(rl.CodeOffset)
			switch rl.Kind {
			case X86PCRelRodata4:
				// rodata is co-located with code in this design; nothing
				// to patch.
				continue
			case X86PCRel4, X86CallPCRel4:
				targetOff, err := resolveTarget(em, definedFunctionOffset, rl.Target)
				if err != nil {
					return err
				}
				siteAddr := int64(em.PhysBase) + int64(em.FuncOffsets[i]) + int64(rl.CodeOffset) + 4
				val := int32(int64(em.PhysBase) + targetOff - siteAddr + rl.Addend)
				binary.LittleEndian.PutUint32(b[patchAt:], uint32(val))
			case Abs8:
				abs, err := resolveAbs(rl.Target, rt)
				if err != nil {
					return err
				}
				binary.LittleEndian.PutUint64(b[patchAt:], uint64(int64(abs)+rl.Addend))
			default:
				return errs.New(errs.CodegenError, "unsupported relocation kind")
			}
		}
	}

	totalSize := 0
	for i, f := range funcs {
		if int(em.FuncOffsets[i])+len(f.Code) > totalSize {
			totalSize = int(em.FuncOffsets[i]) + len(f.Code)
		}
	}
	pageAligned := int(addr.Roundup(addr.PhysAddr(totalSize), addr.PhysAddr(addr.PGSIZE)))
	if pageAligned == 0 {
		return nil
	}

	if err := pageTable.ChangeFlagsRange(em.Code.UsableBase, uintptr(pageAligned), mem.Present); err != nil {
		return err
	}
	if err := arena.Protect(int(em.PhysBase), pageAligned, true); err != nil {
		return err
	}
	klog.Infof("code region at %#x (%d bytes) flipped to read-execute", uintptr(em.Code.UsableBase), pageAligned)
	return nil
}

func resolveTarget(em Emitted, definedFunctionOffset uint32, t Target) (int64, error) {
	switch t.Kind {
	case TargetUserFunction:
		if t.Index < definedFunctionOffset {
			return 0, errs.New(errs.UnsupportedImport, "call target is an import, not a defined function")
		}
		di := t.Index - definedFunctionOffset
		if int(di) >= len(em.FuncOffsets) {
			return 0, errs.New(errs.CodegenError, "call target out of range")
		}
		return int64(em.FuncOffsets[di]), nil
	case TargetJumpTable:
		return 0, errs.New(errs.UnsupportedImport, "jump-table relocations are not supported")
	case TargetLibCall:
		return 0, errs.New(errs.UnsupportedImport, "lib-call relocations are not supported")
	default:
		return 0, errs.New(errs.CodegenError, "RuntimeFunction target used in a PC-relative relocation")
	}
}

func resolveAbs(t Target, rt RuntimeAddresses) (addr.VirtAddr, error) {
	if t.Kind != TargetRuntimeFunction {
		return 0, errs.New(errs.CodegenError, "non-runtime target used in an absolute relocation")
	}
	switch t.Runtime {
	case RuntimeMemorySize:
		return rt.MemorySize, nil
	case RuntimeMemoryGrow:
		return rt.MemoryGrow, nil
	default:
		return 0, errs.New(errs.UnsupportedImport, "unknown runtime function")
	}
}

// GetFuncAddress returns function idx's absolute virtual address within
// the emitted code VMA.
func GetFuncAddress(em Emitted, definedFunctionOffset, idx uint32) (addr.VirtAddr, error) {
	if idx < definedFunctionOffset {
		return 0, errs.New(errs.UnsupportedImport, "cannot take the address of an imported function")
	}
	di := idx - definedFunctionOffset
	if int(di) >= len(em.FuncOffsets) {
		return 0, errs.New(errs.CodegenError, "function index out of range")
	}
	return em.Code.UsableBase.Add(uintptr(em.FuncOffsets[di])), nil
}
