// Package vmctx implements the context record generated machine code
// addresses by compile-time offset: heap base, global slots, the
// function-import table, and per-table descriptors.
package vmctx

import (
	"encoding/binary"

	"wasmkernel/addr"
)

// FunctionImport is one resolved host function a compiled module can call.
type FunctionImport struct {
	Address addr.VirtAddr
}

// TableElement is one populated slot of a WASM table: the address of the
// function it refers to, or the null address for a hole.
type TableElement struct {
	Address addr.VirtAddr
}

// Table is one WASM table's backing slot array.
type Table struct {
	Elements []TableElement
}

// Set installs address at slot i, growing the table as needed.
func (t *Table) Set(i int, address addr.VirtAddr) {
	for len(t.Elements) <= i {
		t.Elements = append(t.Elements, TableElement{})
	}
	t.Elements[i] = TableElement{Address: address}
}

// Container is the generated-code-visible context record: heap base
// pointer, one slot per module global, the resolved function-import table,
// and one Table per WASM table declaration. Layout is logically stable for
// the lifetime of an instantiation (fields never move once written),
// which is what lets JITed code address them by a fixed offset baked in at
// compile time (see the *Offset methods below).
type Container struct {
	HeapBase        addr.VirtAddr
	Globals         []int64
	FunctionImports []FunctionImport
	Tables          []Table

	// mirror is never set or read. The flattened, fixed-offset image
	// generated code dereferences,
	// [heap_base:8][globals...][func_imports...][table_0_elements...],
	// is written by WriteToMemory into memory the caller supplies.
	// call_indirect addresses table 0 through a statically-known
	// displacement from that same record (see codegen's TableBaseSites), so
	// table 0's slot array is part of the image too, unlike every other
	// table (which exist purely for table.get/set bookkeeping in this
	// backend's subset and are never read by generated code).
	mirror []byte
}

// Layout offsets within Container's flattened memory image, in bytes.
const (
	OffsetHeapBase = 0
	offsetGlobals  = 8
)

// New allocates a container sized for the given counts, matching
// VmContextContainer::new(heap_address, globals_len, function_imports_len,
// tables).
func New(heapBase addr.VirtAddr, numGlobals, numFunctionImports int, tableSizes []int) *Container {
	tables := make([]Table, len(tableSizes))
	for i, n := range tableSizes {
		tables[i] = Table{Elements: make([]TableElement, n)}
	}
	return &Container{
		HeapBase:        heapBase,
		Globals:         make([]int64, numGlobals),
		FunctionImports: make([]FunctionImport, numFunctionImports),
		Tables:          tables,
	}
}

// FunctionImportOffset returns the flattened-image byte offset of import
// slot i's 8-byte address field.
func (c *Container) FunctionImportOffset(i int) uintptr {
	return uintptr(offsetGlobals + 8*len(c.Globals) + 8*i)
}

// GlobalOffset returns the flattened-image byte offset of global slot i.
func (c *Container) GlobalOffset(i int) uintptr {
	return uintptr(offsetGlobals + 8*i)
}

// TableBaseOffset returns the flattened-image byte offset of table 0's
// element array, the displacement codegen bakes into every call_indirect
// site's SIB-addressed load (see codegen.CompiledFunction.TableBaseSites
// and codegen.Link's tableBaseOffset parameter).
func (c *Container) TableBaseOffset() uintptr {
	return uintptr(offsetGlobals + 8*len(c.Globals) + 8*len(c.FunctionImports))
}

// Size returns the flattened image's total byte size, including table 0's
// element array.
func (c *Container) Size() uintptr {
	off := c.TableBaseOffset()
	if len(c.Tables) > 0 {
		off += 8 * uintptr(len(c.Tables[0].Elements))
	}
	return off
}

// SetGlobal installs the constant-initializer value of global i, matching
// vmctx_container.set_global(i, &global).
func (c *Container) SetGlobal(i uint32, value int64) {
	c.Globals[i] = value
}

// GetTable returns a pointer to table index idx for in-place population.
func (c *Container) GetTable(idx uint32) *Table {
	return &c.Tables[idx]
}

// WriteToMemory serializes the flattened fields (heap base, globals,
// function imports, table 0's element array) into dst, which must be at
// least Size() bytes, matching write_tables_to_vmctx's role of committing
// the in-memory description to the record generated code actually reads.
func (c *Container) WriteToMemory(dst []byte) {
	binary.LittleEndian.PutUint64(dst[OffsetHeapBase:], uint64(c.HeapBase))
	for i, g := range c.Globals {
		off := c.GlobalOffset(i)
		binary.LittleEndian.PutUint64(dst[off:], uint64(g))
	}
	for i, fi := range c.FunctionImports {
		off := c.FunctionImportOffset(i)
		binary.LittleEndian.PutUint64(dst[off:], uint64(fi.Address))
	}
	if len(c.Tables) > 0 {
		base := c.TableBaseOffset()
		for i, el := range c.Tables[0].Elements {
			binary.LittleEndian.PutUint64(dst[base+8*uintptr(i):], uint64(el.Address))
		}
	}
}
