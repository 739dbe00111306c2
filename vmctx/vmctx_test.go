package vmctx

import (
	"encoding/binary"
	"testing"

	"wasmkernel/addr"
)

func TestNewAndOffsetsDoNotOverlap(t *testing.T) {
	c := New(addr.NewVirtAddr(0x1000), 3, 2, []int{4})
	if len(c.Globals) != 3 || len(c.FunctionImports) != 2 || len(c.Tables) != 1 {
		t.Fatalf("unexpected shape: %+v", c)
	}
	if len(c.Tables[0].Elements) != 4 {
		t.Fatalf("expected table with 4 elements, got %d", len(c.Tables[0].Elements))
	}

	for i := 0; i < len(c.Globals); i++ {
		g := c.GlobalOffset(i)
		if g < offsetGlobals || g >= c.FunctionImportOffset(0) {
			t.Fatalf("global %d offset %d overlaps function-import region", i, g)
		}
	}
	for i := 0; i < len(c.FunctionImports); i++ {
		fi := c.FunctionImportOffset(i)
		if fi < c.FunctionImportOffset(0) || fi+8 > c.Size() {
			t.Fatalf("function import %d offset %d out of bounds", i, fi)
		}
	}
}

func TestSetGlobalAndWriteToMemory(t *testing.T) {
	c := New(addr.NewVirtAddr(0x4000), 2, 1, nil)
	c.SetGlobal(0, 42)
	c.SetGlobal(1, -1)
	c.FunctionImports[0] = FunctionImport{Address: addr.NewVirtAddr(0xdeadbeef)}

	buf := make([]byte, c.Size())
	c.WriteToMemory(buf)

	if got := binary.LittleEndian.Uint64(buf[OffsetHeapBase:]); got != 0x4000 {
		t.Fatalf("heap base = %#x, want 0x4000", got)
	}
	if got := int64(binary.LittleEndian.Uint64(buf[c.GlobalOffset(0):])); got != 42 {
		t.Fatalf("global 0 = %d, want 42", got)
	}
	if got := int64(binary.LittleEndian.Uint64(buf[c.GlobalOffset(1):])); got != -1 {
		t.Fatalf("global 1 = %d, want -1", got)
	}
	if got := binary.LittleEndian.Uint64(buf[c.FunctionImportOffset(0):]); got != 0xdeadbeef {
		t.Fatalf("function import 0 = %#x, want 0xdeadbeef", got)
	}
}

func TestTableSetExtends(t *testing.T) {
	var tbl Table
	tbl.Set(2, addr.NewVirtAddr(0x99))
	if len(tbl.Elements) != 3 {
		t.Fatalf("expected 3 elements, got %d", len(tbl.Elements))
	}
	if tbl.Elements[2].Address != addr.NewVirtAddr(0x99) {
		t.Fatalf("slot 2 = %+v", tbl.Elements[2])
	}
}
