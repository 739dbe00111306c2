package diag

import (
	"testing"

	"wasmkernel/thread"
)

func TestRecorderExportProducesValidProfile(t *testing.T) {
	r := NewRecorder()
	r.Record(EventPageFault, thread.ThreadId(1))
	r.Record(EventPageFault, thread.ThreadId(1))
	r.Record(EventHeapGrow, thread.ThreadId(2))

	p, err := r.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(p.Sample) != 2 {
		t.Fatalf("expected 2 samples (one per (kind,thread) pair), got %d", len(p.Sample))
	}
	var total int64
	for _, s := range p.Sample {
		total += s.Value[0]
	}
	if total != 3 {
		t.Fatalf("expected total event count 3, got %d", total)
	}
}

func TestRecorderExportEmpty(t *testing.T) {
	r := NewRecorder()
	p, err := r.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(p.Sample) != 0 {
		t.Fatalf("expected no samples, got %d", len(p.Sample))
	}
}
