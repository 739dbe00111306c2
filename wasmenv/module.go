// Package wasmenv parses a WebAssembly 1.0 module binary in a single
// pass: imports, function bodies (recorded as a byte slice plus body
// offset, not decoded instruction-by-instruction here; that translation
// is codegen's job), memories, tables, element segments, data
// initializers, globals, exports, and an optional start function.
// Function indices are global across imports and defined functions,
// imports first.
package wasmenv

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/text/encoding/unicode"

	"wasmkernel/kernel/errs"
)

const (
	magic           = 0x6d736100 // "\0asm"
	supportedVer    = 1
	maxModuleMemory = 1 << 16 // wasm-defined hard ceiling, in 64 KiB pages
)

// ValType is a WebAssembly value type.
type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
	F32 ValType = 0x7d
	F64 ValType = 0x7c
)

// FuncType is a function signature: parameter and result value types.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Import is a function import, the only import kind this kernel
// resolves; instantiation dispatches on (module, field).
type Import struct {
	Module string
	Field  string
	Type   FuncType
}

// FunctionBody is one defined function's raw instruction bytes, the
// region after the locals declarations up to and including the closing
// 0x0b. Offset is
// the body's byte offset within the module binary, retained for
// diagnostics.
type FunctionBody struct {
	Body       []byte
	Offset     uint32
	LocalTypes []ValType // declared locals, in order, after the parameters
}

// Memory describes one linear memory's page-count bounds (64 KiB pages).
type Memory struct {
	Minimum uint32
	Maximum *uint32
}

// Table describes one table's element-count bounds. Only funcref tables
// are supported, matching the kernel's sole use of tables for
// call_indirect.
type Table struct {
	Minimum uint32
	Maximum *uint32
}

// ElementSegment populates table TableIndex starting at Offset with the
// function indices in Elements. Base is non-nil only for the
// global-relative "base + offset" form, which this implementation
// rejects.
type ElementSegment struct {
	TableIndex uint32
	Offset     uint32
	Base       *uint32
	Elements   []uint32
}

// DataInitializer copies Data into MemoryIndex's linear memory starting at
// Offset, once the destination range has been lazily mapped.
type DataInitializer struct {
	MemoryIndex uint32
	Offset      uint32
	Base        *uint32
	Data        []byte
}

// Global is one module-level global with its declared type, mutability and
// constant initializer value (as a raw i64 bit pattern; i32/f32 values are
// sign/zero-extended or bit-reinterpreted by the reader of Value).
type Global struct {
	Type    ValType
	Mutable bool
	Value   int64
}

// ExportKind distinguishes what an export name refers to. Only Function
// exports are meaningful to this kernel (start-function resolution looks
// for a "_start" function export), but table/memory/global exports parse
// cleanly so a well-formed module never fails on them.
type ExportKind byte

const (
	ExportFunc ExportKind = iota
	ExportTable
	ExportMemory
	ExportGlobal
)

// Export names an index of the given kind.
type Export struct {
	Name  string
	Kind  ExportKind
	Index uint32
}

// ModuleEnv is the fully-parsed module: every section's contents, plus the
// function-imports/defined-functions split that gives function indices
// their global numbering.
type ModuleEnv struct {
	Types   []FuncType
	Imports []Import // function imports only; indices [0, len(Imports))

	// FuncTypeIdx[i] is the Types index of defined function i (function
	// index len(Imports)+i in the global numbering).
	FuncTypeIdx []uint32
	FuncBodies  []FunctionBody

	Memories []Memory
	Tables   []Table

	Elements         []ElementSegment
	DataInitializers []DataInitializer
	Globals          []Global
	Exports          map[string]Export
	StartFunc        *uint32 // global function index
}

// DefinedFunctionOffset is the first global function index that refers to a
// defined (non-imported) function.
func (m *ModuleEnv) DefinedFunctionOffset() uint32 { return uint32(len(m.Imports)) }

// SignatureOf returns the signature of the function at global index idx.
func (m *ModuleEnv) SignatureOf(idx uint32) (FuncType, error) {
	off := m.DefinedFunctionOffset()
	if idx < off {
		return m.Imports[idx].Type, nil
	}
	di := idx - off
	if int(di) >= len(m.FuncTypeIdx) {
		return FuncType{}, errs.New(errs.WasmError, fmt.Sprintf("function index %d out of range", idx))
	}
	return m.Types[m.FuncTypeIdx[di]], nil
}

// reader is a cursor over the module bytes with the LEB128 and
// section-framing primitives the decoder needs.
type reader struct {
	b   []byte
	pos int
}

func (r *reader) remaining() int { return len(r.b) - r.pos }

func (r *reader) byte() (byte, error) {
	if r.pos >= len(r.b) {
		return 0, errs.New(errs.WasmError, "unexpected end of module")
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.b) {
		return nil, errs.New(errs.WasmError, "unexpected end of module")
	}
	v := r.b[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	var v uint32
	var shift uint
	for {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		v |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
		shift += 7
		if shift >= 35 {
			return 0, errs.New(errs.WasmError, "LEB128 u32 overflow")
		}
	}
}

func (r *reader) i64() (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error
	for {
		b, err = r.byte()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
		if shift >= 64 {
			return 0, errs.New(errs.WasmError, "LEB128 i64 overflow")
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, nil
}

func (r *reader) i32() (int32, error) {
	v, err := r.i64()
	return int32(v), err
}

func (r *reader) valType() (ValType, error) {
	b, err := r.byte()
	return ValType(b), err
}

// name reads a length-prefixed UTF-8 string and validates it per the wasm
// binary format's requirement that names are well-formed UTF-8.
func (r *reader) name() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	raw, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	decoded, err := unicode.UTF8.NewDecoder().Bytes(raw)
	// The decoder substitutes U+FFFD for ill-formed input instead of
	// failing, so a valid name is one that decodes to itself.
	if err != nil || !bytes.Equal(decoded, raw) {
		return "", errs.New(errs.WasmError, "import/export name is not valid UTF-8")
	}
	return string(decoded), nil
}

// limits reads a (flags, minimum[, maximum]) resizable-limits record.
func (r *reader) limits() (min uint32, max *uint32, err error) {
	flags, err := r.byte()
	if err != nil {
		return 0, nil, err
	}
	min, err = r.u32()
	if err != nil {
		return 0, nil, err
	}
	if flags&1 != 0 {
		m, err := r.u32()
		if err != nil {
			return 0, nil, err
		}
		max = &m
	}
	return min, max, nil
}

// constExpr reads a constant initializer expression (i32.const N end, or
// i64.const N end) and returns its raw bit pattern. More elaborate
// constant-expression forms (global.get, ref.null) never occur in the
// modules this kernel is asked to run.
func (r *reader) constExpr() (int64, error) {
	op, err := r.byte()
	if err != nil {
		return 0, err
	}
	var v int64
	switch op {
	case 0x41: // i32.const
		n, err := r.i32()
		if err != nil {
			return 0, err
		}
		v = int64(n)
	case 0x42: // i64.const
		n, err := r.i64()
		if err != nil {
			return 0, err
		}
		v = n
	default:
		return 0, errs.New(errs.WasmError, fmt.Sprintf("unsupported constant expression opcode %#x", op))
	}
	end, err := r.byte()
	if err != nil {
		return 0, err
	}
	if end != 0x0b {
		return 0, errs.New(errs.WasmError, "constant expression missing terminating end")
	}
	return v, nil
}

// DecodeU32 reads an unsigned LEB128 value from the start of b, returning
// the value and the number of bytes it consumed. Exported so codegen can
// decode instruction immediates (call targets, local indices) without
// duplicating the module binary format's variable-length integer reader.
func DecodeU32(b []byte) (uint32, int, error) {
	r := &reader{b: b}
	v, err := r.u32()
	return v, r.pos, err
}

// DecodeI64 reads a signed LEB128 value from the start of b, returning the
// value and the number of bytes it consumed.
func DecodeI64(b []byte) (int64, int, error) {
	r := &reader{b: b}
	v, err := r.i64()
	return v, r.pos, err
}

// Parse decodes buffer into a ModuleEnv, failing with errs.WasmError on any
// malformed input.
func Parse(buffer []byte) (*ModuleEnv, error) {
	if len(buffer) < 8 {
		return nil, errs.New(errs.WasmError, "module too short")
	}
	if binary.LittleEndian.Uint32(buffer[0:4]) != magic {
		return nil, errs.New(errs.WasmError, "bad module magic")
	}
	if binary.LittleEndian.Uint32(buffer[4:8]) != supportedVer {
		return nil, errs.New(errs.WasmError, "unsupported module version")
	}

	r := &reader{b: buffer, pos: 8}
	env := &ModuleEnv{Exports: map[string]Export{}}
	var funcSigIdx []uint32 // type index per defined function, parsed from the function section

	for r.remaining() > 0 {
		id, err := r.byte()
		if err != nil {
			return nil, err
		}
		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		body, err := r.bytes(int(size))
		if err != nil {
			return nil, err
		}
		sr := &reader{b: body}

		switch id {
		case 0: // custom section: ignored
		case 1: // type section
			if err := parseTypes(sr, env); err != nil {
				return nil, err
			}
		case 2: // import section
			if err := parseImports(sr, env); err != nil {
				return nil, err
			}
		case 3: // function section
			funcSigIdx, err = parseFunctionSection(sr)
			if err != nil {
				return nil, err
			}
		case 4: // table section
			if err := parseTables(sr, env); err != nil {
				return nil, err
			}
		case 5: // memory section
			if err := parseMemories(sr, env); err != nil {
				return nil, err
			}
		case 6: // global section
			if err := parseGlobals(sr, env); err != nil {
				return nil, err
			}
		case 7: // export section
			if err := parseExports(sr, env); err != nil {
				return nil, err
			}
		case 8: // start section
			idx, err := sr.u32()
			if err != nil {
				return nil, err
			}
			env.StartFunc = &idx
		case 9: // element section
			if err := parseElements(sr, env); err != nil {
				return nil, err
			}
		case 10: // code section
			if err := parseCode(sr, env, funcSigIdx, uint32(r.pos-len(body))); err != nil {
				return nil, err
			}
		case 11: // data section
			if err := parseData(sr, env); err != nil {
				return nil, err
			}
		default:
			// Unknown but well-formed sections (e.g. the data-count
			// section of newer wasm versions) are skipped: the section
			// framing already consumed exactly `size` bytes above.
		}
	}

	if len(funcSigIdx) != 0 && len(env.FuncBodies) == 0 {
		return nil, errs.New(errs.WasmError, "function section declares functions with no code section")
	}
	return env, nil
}

func parseTypes(r *reader, env *ModuleEnv) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	env.Types = make([]FuncType, count)
	for i := range env.Types {
		form, err := r.byte()
		if err != nil {
			return err
		}
		if form != 0x60 {
			return errs.New(errs.WasmError, "type section entry is not a func type")
		}
		nParams, err := r.u32()
		if err != nil {
			return err
		}
		params := make([]ValType, nParams)
		for j := range params {
			if params[j], err = r.valType(); err != nil {
				return err
			}
		}
		nResults, err := r.u32()
		if err != nil {
			return err
		}
		results := make([]ValType, nResults)
		for j := range results {
			if results[j], err = r.valType(); err != nil {
				return err
			}
		}
		env.Types[i] = FuncType{Params: params, Results: results}
	}
	return nil
}

const (
	importKindFunc   = 0x00
	importKindTable  = 0x01
	importKindMemory = 0x02
	importKindGlobal = 0x03
)

func parseImports(r *reader, env *ModuleEnv) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		mod, err := r.name()
		if err != nil {
			return err
		}
		field, err := r.name()
		if err != nil {
			return err
		}
		kind, err := r.byte()
		if err != nil {
			return err
		}
		switch kind {
		case importKindFunc:
			typeIdx, err := r.u32()
			if err != nil {
				return err
			}
			if int(typeIdx) >= len(env.Types) {
				return errs.New(errs.WasmError, "function import references unknown type")
			}
			env.Imports = append(env.Imports, Import{Module: mod, Field: field, Type: env.Types[typeIdx]})
		case importKindTable:
			if _, err := r.byte(); err != nil { // elem type
				return err
			}
			if _, _, err := r.limits(); err != nil {
				return err
			}
			return errs.New(errs.UnsupportedImport, "table imports are not supported")
		case importKindMemory:
			if _, _, err := r.limits(); err != nil {
				return err
			}
			return errs.New(errs.UnsupportedImport, "memory imports are not supported")
		case importKindGlobal:
			if _, err := r.valType(); err != nil {
				return err
			}
			if _, err := r.byte(); err != nil { // mutability
				return err
			}
			return errs.New(errs.UnsupportedImport, "global imports are not supported")
		default:
			return errs.New(errs.WasmError, "unknown import kind")
		}
	}
	return nil
}

func parseFunctionSection(r *reader) ([]uint32, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	idx := make([]uint32, count)
	for i := range idx {
		if idx[i], err = r.u32(); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

func parseTables(r *reader, env *ModuleEnv) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	env.Tables = make([]Table, count)
	for i := range env.Tables {
		elemType, err := r.byte()
		if err != nil {
			return err
		}
		if elemType != 0x70 {
			return errs.New(errs.WasmError, "only funcref tables are supported")
		}
		min, max, err := r.limits()
		if err != nil {
			return err
		}
		env.Tables[i] = Table{Minimum: min, Maximum: max}
	}
	return nil
}

func parseMemories(r *reader, env *ModuleEnv) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	env.Memories = make([]Memory, count)
	for i := range env.Memories {
		min, max, err := r.limits()
		if err != nil {
			return err
		}
		if min > maxModuleMemory || (max != nil && *max > maxModuleMemory) {
			return errs.New(errs.InvalidRange, "memory page count exceeds kernel ceiling")
		}
		env.Memories[i] = Memory{Minimum: min, Maximum: max}
	}
	return nil
}

func parseGlobals(r *reader, env *ModuleEnv) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	env.Globals = make([]Global, count)
	for i := range env.Globals {
		t, err := r.valType()
		if err != nil {
			return err
		}
		mutByte, err := r.byte()
		if err != nil {
			return err
		}
		v, err := r.constExpr()
		if err != nil {
			return err
		}
		env.Globals[i] = Global{Type: t, Mutable: mutByte != 0, Value: v}
	}
	return nil
}

func parseExports(r *reader, env *ModuleEnv) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		nm, err := r.name()
		if err != nil {
			return err
		}
		kindByte, err := r.byte()
		if err != nil {
			return err
		}
		idx, err := r.u32()
		if err != nil {
			return err
		}
		if kindByte > byte(ExportGlobal) {
			return errs.New(errs.WasmError, "unknown export kind")
		}
		env.Exports[nm] = Export{Name: nm, Kind: ExportKind(kindByte), Index: idx}
	}
	return nil
}

func parseElements(r *reader, env *ModuleEnv) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	env.Elements = make([]ElementSegment, count)
	for i := range env.Elements {
		tableIdx, err := r.u32()
		if err != nil {
			return err
		}
		offsetVal, err := r.constExpr()
		if err != nil {
			return err
		}
		nFuncs, err := r.u32()
		if err != nil {
			return err
		}
		funcs := make([]uint32, nFuncs)
		for j := range funcs {
			if funcs[j], err = r.u32(); err != nil {
				return err
			}
		}
		env.Elements[i] = ElementSegment{
			TableIndex: tableIdx,
			Offset:     uint32(offsetVal),
			Elements:   funcs,
		}
	}
	return nil
}

// parseCode reads the code section payload r; sectionOffset is where that
// payload starts in the module binary.
func parseCode(r *reader, env *ModuleEnv, funcSigIdx []uint32, sectionOffset uint32) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	if int(count) != len(funcSigIdx) {
		return errs.New(errs.WasmError, "code section entry count does not match function section")
	}
	env.FuncTypeIdx = funcSigIdx
	env.FuncBodies = make([]FunctionBody, count)
	for i := range env.FuncBodies {
		bodySize, err := r.u32()
		if err != nil {
			return err
		}
		startPos := r.pos
		raw, err := r.bytes(int(bodySize))
		if err != nil {
			return err
		}
		fr := &reader{b: raw}
		localCount, err := fr.u32()
		if err != nil {
			return err
		}
		var locals []ValType
		for j := uint32(0); j < localCount; j++ {
			n, err := fr.u32()
			if err != nil {
				return err
			}
			t, err := fr.valType()
			if err != nil {
				return err
			}
			for k := uint32(0); k < n; k++ {
				locals = append(locals, t)
			}
		}
		env.FuncBodies[i] = FunctionBody{
			Body:       raw[fr.pos:],
			Offset:     sectionOffset + uint32(startPos) + uint32(fr.pos),
			LocalTypes: locals,
		}
	}
	return nil
}

func parseData(r *reader, env *ModuleEnv) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	env.DataInitializers = make([]DataInitializer, count)
	for i := range env.DataInitializers {
		memIdx, err := r.u32()
		if err != nil {
			return err
		}
		offsetVal, err := r.constExpr()
		if err != nil {
			return err
		}
		n, err := r.u32()
		if err != nil {
			return err
		}
		data, err := r.bytes(int(n))
		if err != nil {
			return err
		}
		env.DataInitializers[i] = DataInitializer{
			MemoryIndex: memIdx,
			Offset:      uint32(offsetVal),
			Data:        append([]byte(nil), data...),
		}
	}
	return nil
}
