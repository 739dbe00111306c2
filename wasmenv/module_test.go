package wasmenv

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// builder assembles a minimal wasm binary section-by-section for tests
// (empty module, identity _start, a table + element segment).
type builder struct {
	buf bytes.Buffer
}

func newBuilder() *builder {
	b := &builder{}
	b.buf.Write([]byte{0x00, 0x61, 0x73, 0x6d}) // \0asm
	var ver [4]byte
	binary.LittleEndian.PutUint32(ver[:], 1)
	b.buf.Write(ver[:])
	return b
}

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func (b *builder) section(id byte, payload []byte) *builder {
	b.buf.WriteByte(id)
	b.buf.Write(uleb(uint32(len(payload))))
	b.buf.Write(payload)
	return b
}

func (b *builder) bytes() []byte { return b.buf.Bytes() }

func TestParseEmptyModule(t *testing.T) {
	env, err := Parse(newBuilder().bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(env.FuncBodies) != 0 || env.StartFunc != nil {
		t.Fatalf("expected no functions and no start, got %+v", env)
	}
}

func TestParseIdentityStartExport(t *testing.T) {
	// type section: one type, () -> ()
	typeSec := append([]byte{}, uleb(1)...)
	typeSec = append(typeSec, 0x60, 0x00, 0x00)

	funcSec := append([]byte{}, uleb(1)...)
	funcSec = append(funcSec, uleb(0)...)

	// code section: one body, no locals, just "end"
	var codeSec []byte
	codeSec = append(codeSec, uleb(1)...)
	body := append([]byte{}, uleb(0)...) // 0 local decls
	body = append(body, 0x0b)            // end
	codeSec = append(codeSec, uleb(uint32(len(body)))...)
	codeSec = append(codeSec, body...)

	// export section: "_start" -> function 0
	var exportSec []byte
	exportSec = append(exportSec, uleb(1)...)
	name := "_start"
	exportSec = append(exportSec, uleb(uint32(len(name)))...)
	exportSec = append(exportSec, []byte(name)...)
	exportSec = append(exportSec, byte(ExportFunc))
	exportSec = append(exportSec, uleb(0)...)

	buf := newBuilder().
		section(1, typeSec).
		section(3, funcSec).
		section(7, exportSec).
		section(10, codeSec).
		bytes()

	env, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(env.FuncBodies) != 1 {
		t.Fatalf("expected 1 function body, got %d", len(env.FuncBodies))
	}
	exp, ok := env.Exports["_start"]
	if !ok || exp.Kind != ExportFunc || exp.Index != 0 {
		t.Fatalf("expected _start export of function 0, got %+v (ok=%v)", exp, ok)
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if _, err := Parse(buf); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestParseMemoryAndDataInitializer(t *testing.T) {
	// memory section: one memory, min 1, no max
	memSec := append([]byte{}, uleb(1)...)
	memSec = append(memSec, 0x00) // flags: no max
	memSec = append(memSec, uleb(1)...)

	// data section: memory 0, offset i32.const 0x10, data "hi"
	var dataSec []byte
	dataSec = append(dataSec, uleb(1)...)
	dataSec = append(dataSec, uleb(0)...) // memory index
	dataSec = append(dataSec, 0x41)       // i32.const
	dataSec = append(dataSec, uleb(0x10)...)
	dataSec = append(dataSec, 0x0b) // end
	dataSec = append(dataSec, uleb(2)...)
	dataSec = append(dataSec, 'h', 'i')

	buf := newBuilder().section(5, memSec).section(11, dataSec).bytes()
	env, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(env.Memories) != 1 || env.Memories[0].Minimum != 1 {
		t.Fatalf("expected one memory with minimum 1, got %+v", env.Memories)
	}
	if len(env.DataInitializers) != 1 {
		t.Fatalf("expected one data initializer, got %d", len(env.DataInitializers))
	}
	di := env.DataInitializers[0]
	if di.Offset != 0x10 || string(di.Data) != "hi" {
		t.Fatalf("unexpected data initializer: %+v", di)
	}
}

func TestParseTableAndElementSegment(t *testing.T) {
	tableSec := append([]byte{}, uleb(1)...)
	tableSec = append(tableSec, 0x70, 0x00) // funcref, flags=0 (no max)
	tableSec = append(tableSec, uleb(4)...)

	var elemSec []byte
	elemSec = append(elemSec, uleb(1)...)
	elemSec = append(elemSec, uleb(0)...) // table index
	elemSec = append(elemSec, 0x41)       // i32.const
	elemSec = append(elemSec, uleb(0)...)
	elemSec = append(elemSec, 0x0b)
	elemSec = append(elemSec, uleb(1)...)
	elemSec = append(elemSec, uleb(0)...) // function index 0

	buf := newBuilder().section(4, tableSec).section(9, elemSec).bytes()
	env, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(env.Tables) != 1 || env.Tables[0].Minimum != 4 {
		t.Fatalf("unexpected tables: %+v", env.Tables)
	}
	if len(env.Elements) != 1 || len(env.Elements[0].Elements) != 1 || env.Elements[0].Elements[0] != 0 {
		t.Fatalf("unexpected elements: %+v", env.Elements)
	}
}

func TestImportFunctionIndexing(t *testing.T) {
	typeSec := append([]byte{}, uleb(1)...)
	typeSec = append(typeSec, 0x60, 0x00, 0x00)

	var importSec []byte
	importSec = append(importSec, uleb(1)...)
	mod := "wasi_snapshot_preview1"
	importSec = append(importSec, uleb(uint32(len(mod)))...)
	importSec = append(importSec, []byte(mod)...)
	field := "proc_exit"
	importSec = append(importSec, uleb(uint32(len(field)))...)
	importSec = append(importSec, []byte(field)...)
	importSec = append(importSec, importKindFunc)
	importSec = append(importSec, uleb(0)...)

	buf := newBuilder().section(1, typeSec).section(2, importSec).bytes()
	env, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(env.Imports) != 1 || env.Imports[0].Field != "proc_exit" {
		t.Fatalf("unexpected imports: %+v", env.Imports)
	}
	if env.DefinedFunctionOffset() != 1 {
		t.Fatalf("DefinedFunctionOffset = %d, want 1", env.DefinedFunctionOffset())
	}
}
