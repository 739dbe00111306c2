// Package codegen translates a parsed function body to x86-64 machine
// code and links the resulting relocations. It is a small, self-contained
// backend covering the straight-line opcode subset this kernel runs:
// constants, locals, calls, call_indirect, memory.size/memory.grow, and
// arithmetic.
package codegen

import (
	"encoding/binary"

	"wasmkernel/kernel/errs"
	"wasmkernel/wasmenv"
)

// RuntimeFunc identifies one of the host-implemented intrinsics a compiled
// module may call without going through the wasm import mechanism.
type RuntimeFunc uint8

const (
	RuntimeMemorySize RuntimeFunc = iota
	RuntimeMemoryGrow
)

// TargetKind discriminates what a relocation ultimately resolves to.
type TargetKind uint8

const (
	TargetUserFunction TargetKind = iota
	TargetRuntimeFunction
	TargetJumpTable
	TargetLibCall
)

// Target names what a relocation ultimately resolves to.
type Target struct {
	Kind    TargetKind
	Index   uint32      // UserFunction: global function index
	Runtime RuntimeFunc // RuntimeFunction
}

// Kind is the machine encoding a relocation patches.
type Kind uint8

const (
	X86PCRel4      Kind = iota // 32-bit PC-relative, non-call (unused by this emitter; kept for linker parity)
	X86CallPCRel4               // 32-bit PC-relative call operand
	Abs8                        // 64-bit absolute
	X86PCRelRodata4             // ignored at link time: rodata is co-located
)

// Relocation is one patch site recorded during emission: CodeOffset is the
// byte offset of the field to patch within this function's own code slice.
type Relocation struct {
	CodeOffset uint32
	Addend     int64
	Kind       Kind
	Target     Target
}

// CompiledFunction is one defined function's emitted machine code plus the
// relocations that still need resolving against the final flat buffer.
type CompiledFunction struct {
	Code   []byte
	Relocs []Relocation

	// TableBaseSites are the byte offsets of call_indirect sites' table-0
	// base displacement fields; Link fills each in from its tableBaseOffset
	// argument once the vmctx layout is known.
	TableBaseSites []uint32
}

// localSlot returns the [rbp-N] displacement of local i. Slot 0 is reserved
// for the incoming vmctx pointer (rdi); wasm local i lives at slot i+1.
func localSlot(i int) int8 { return int8(-8 * (i + 2)) }

// argRegs lists the System V integer argument registers available for
// wasm function parameters, in order, after rdi (which always carries
// vmctx as the hidden first argument).
var argRegs = []struct {
	popOpcode byte // POP r64 for reading an argument off the wasm operand stack directly into the register
}{
	{0x5e}, // rsi
	{0x5a}, // rdx
	{0x59}, // rcx
}

// CompileFunction translates one defined function body to x86-64, given its
// global function index (for recursive self-calls) and signature.
func CompileFunction(env *wasmenv.ModuleEnv, funcIdx uint32, sig wasmenv.FuncType, body wasmenv.FunctionBody) (CompiledFunction, error) {
	c := &compiler{env: env, funcIdx: funcIdx, sig: sig, body: body}
	if err := c.run(); err != nil {
		return CompiledFunction{}, err
	}
	return CompiledFunction{Code: c.code, Relocs: c.relocs, TableBaseSites: c.tableOffsetPositions}, nil
}

type compiler struct {
	env     *wasmenv.ModuleEnv
	funcIdx uint32
	sig     wasmenv.FuncType
	body    wasmenv.FunctionBody

	code   []byte
	relocs []Relocation

	// tableOffsetPositions records, for each call_indirect site, the byte
	// offset of the disp32 field addressing table 0's base within vmctx.
	// Link fills these in once the container layout is known.
	tableOffsetPositions []uint32
}

func (c *compiler) emit(b ...byte) { c.code = append(c.code, b...) }

func (c *compiler) emitImm64(v uint64) (offset uint32) {
	offset = uint32(len(c.code))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	c.code = append(c.code, buf[:]...)
	return offset
}

func (c *compiler) emitImm32(v uint32) (offset uint32) {
	offset = uint32(len(c.code))
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	c.code = append(c.code, buf[:]...)
	return offset
}

func modRMDisp8(reg, rm byte) byte { return 0x40 | (reg << 3) | rm }

const rbpRM = 0x05 // [rbp+disp8] encoding when mod=01

func (c *compiler) movRaxToLocal(i int) {
	c.emit(0x48, 0x89, modRMDisp8(0 /*rax*/, rbpRM), byte(localSlot(i)))
}

func (c *compiler) movLocalToRax(i int) {
	c.emit(0x48, 0x8b, modRMDisp8(0 /*rax*/, rbpRM), byte(localSlot(i)))
}

func (c *compiler) movRegToLocal(regNum byte, i int) {
	c.emit(0x48, 0x89, modRMDisp8(regNum, rbpRM), byte(localSlot(i)))
}

func (c *compiler) zeroLocal(i int) {
	c.emit(0x48, 0xc7, modRMDisp8(0, rbpRM), byte(localSlot(i)))
	c.emitImm32(0)
}

func (c *compiler) prologue(numLocals int) {
	c.emit(0x55)             // push rbp
	c.emit(0x48, 0x89, 0xe5) // mov rbp, rsp
	frameSize := byte(8 * (numLocals + 1))
	if frameSize > 0 {
		c.emit(0x48, 0x83, 0xec, frameSize) // sub rsp, frameSize
	}
	c.movRegToLocal(7 /*rdi*/, -1) // slot -1 == vmctx slot; localSlot(-1) == -8

	// Spill incoming parameters to their local slots. rdi always carries
	// vmctx; wasm params arrive in rsi/rdx/rcx (r8+ would need REX.B, so
	// this backend caps at three).
	nParams := len(c.sig.Params)
	regNums := []byte{6 /*rsi*/, 2 /*rdx*/, 1 /*rcx*/}
	for i := 0; i < nParams && i < len(regNums); i++ {
		c.movRegToLocal(regNums[i], i)
	}
	for i := nParams; i < numLocals; i++ {
		c.zeroLocal(i)
	}
}

func (c *compiler) epilogue() {
	if len(c.sig.Results) > 0 {
		c.emit(0x58) // pop rax: the single supported result convention
	}
	c.emit(0x48, 0x89, 0xec) // mov rsp, rbp
	c.emit(0x5d)             // pop rbp
	c.emit(0xc3)             // ret
}

func (c *compiler) pushRax() { c.emit(0x50) }
func (c *compiler) popRax()  { c.emit(0x58) }

func (c *compiler) run() error {
	numLocals := len(c.sig.Params) + len(c.body.LocalTypes)
	c.prologue(numLocals)

	b := c.body.Body
	pos := 0
	epilogueEmitted := false

	readU32 := func() (uint32, error) {
		v, n, err := wasmenv.DecodeU32(b[pos:])
		if err != nil {
			return 0, err
		}
		pos += n
		return v, nil
	}
	readI64 := func() (int64, error) {
		v, n, err := wasmenv.DecodeI64(b[pos:])
		if err != nil {
			return 0, err
		}
		pos += n
		return v, nil
	}

	for pos < len(b) {
		op := b[pos]
		pos++
		switch op {
		case 0x00: // unreachable
			c.emit(0x0f, 0x0b)
		case 0x01: // nop
			c.emit(0x90)
		case 0x0b: // end (only ever the function's closing end in this subset)
			if pos == len(b) {
				c.epilogue()
				epilogueEmitted = true
			}
		case 0x0f: // return
			c.epilogue()
			epilogueEmitted = true
		case 0x1a: // drop
			c.popRax()
		case 0x20: // local.get
			idx, err := readU32()
			if err != nil {
				return err
			}
			c.movLocalToRax(int(idx))
			c.pushRax()
		case 0x21: // local.set
			idx, err := readU32()
			if err != nil {
				return err
			}
			c.popRax()
			c.movRaxToLocal(int(idx))
		case 0x22: // local.tee
			idx, err := readU32()
			if err != nil {
				return err
			}
			c.popRax()
			c.movRaxToLocal(int(idx))
			c.pushRax()
		case 0x41: // i32.const
			n, err := readI64()
			if err != nil {
				return err
			}
			c.emit(0x48, 0xb8)
			c.emitImm64(uint64(int64(int32(n))))
			c.pushRax()
		case 0x42: // i64.const
			n, err := readI64()
			if err != nil {
				return err
			}
			c.emit(0x48, 0xb8)
			c.emitImm64(uint64(n))
			c.pushRax()
		case 0x6a, 0x7c: // i32.add, i64.add
			c.emit(0x5b)             // pop rbx
			c.emit(0x58)             // pop rax
			c.emit(0x48, 0x01, 0xd8) // add rax, rbx
			c.pushRax()
		case 0x6b, 0x7d: // i32.sub, i64.sub
			c.emit(0x5b)             // pop rbx
			c.emit(0x58)             // pop rax
			c.emit(0x48, 0x29, 0xd8) // sub rax, rbx
			c.pushRax()
		case 0x10: // call funcidx
			idx, err := readU32()
			if err != nil {
				return err
			}
			sig, err := c.env.SignatureOf(idx)
			if err != nil {
				return err
			}
			for i := len(sig.Params) - 1; i >= 0; i-- {
				if i >= len(argRegs) {
					return errs.New(errs.CodegenError, "call has more arguments than this backend supports")
				}
				c.emit(argRegs[i].popOpcode)
			}
			// rdi (vmctx) is never clobbered between prologue and here, so
			// it is still live for the callee.
			c.emit(0xe8) // call rel32
			off := c.emitImm32(0)
			c.relocs = append(c.relocs, Relocation{
				CodeOffset: off,
				Kind:       X86CallPCRel4,
				Target:     Target{Kind: TargetUserFunction, Index: idx},
			})
			if len(sig.Results) > 0 {
				c.pushRax()
			}
		case 0x11: // call_indirect typeidx, tableidx-reserved
			if _, err := readU32(); err != nil { // type index: unchecked in this subset
				return err
			}
			if _, err := readU32(); err != nil { // reserved table index, must be 0
				return err
			}
			c.popRax() // table slot index
			// mov rbx, [rdi + tableOffset + rax*8]; tableOffset is filled
			// in by Link from its tableBaseOffset argument once the vmctx
			// layout is known (emission happens before instantiation decides
			// final offsets in the single-table-0 case this subset
			// supports).
			c.emit(0x48, 0x8b, 0x9c, 0xc7)
			tableOffsetPos := c.emitImm32(0)
			c.tableOffsetPositions = append(c.tableOffsetPositions, tableOffsetPos)
			c.emit(0xff, 0xd3) // call rbx
			c.pushRax()
		case 0x3f: // memory.size
			if _, err := readU32(); err != nil { // reserved memory index
				return err
			}
			c.emit(0x48, 0xb8)
			off := c.emitImm64(0)
			c.relocs = append(c.relocs, Relocation{CodeOffset: off, Kind: Abs8, Target: Target{Kind: TargetRuntimeFunction, Runtime: RuntimeMemorySize}})
			c.emit(0xff, 0xd0) // call rax
			c.pushRax()
		case 0x40: // memory.grow
			if _, err := readU32(); err != nil {
				return err
			}
			c.emit(0x5e) // pop rsi: grow delta
			c.emit(0x48, 0xb8)
			off := c.emitImm64(0)
			c.relocs = append(c.relocs, Relocation{CodeOffset: off, Kind: Abs8, Target: Target{Kind: TargetRuntimeFunction, Runtime: RuntimeMemoryGrow}})
			c.emit(0xff, 0xd0) // call rax
			c.pushRax()
		default:
			return errs.New(errs.CodegenError, "unsupported opcode in this backend's subset")
		}
	}
	if !epilogueEmitted {
		c.epilogue()
	}
	return nil
}
