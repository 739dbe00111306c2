package addr

import "testing"

func TestAlignUpDown(t *testing.T) {
	cases := []struct{ in, up, down uintptr }{
		{0, 0, 0},
		{1, 4096, 0},
		{4095, 4096, 0},
		{4096, 4096, 4096},
		{4097, 8192, 4096},
	}
	for _, c := range cases {
		if got := VirtAddr(c.in).AlignUp(); uintptr(got) != c.up {
			t.Errorf("AlignUp(%#x) = %#x, want %#x", c.in, got, c.up)
		}
		if got := VirtAddr(c.in).AlignDown(); uintptr(got) != c.down {
			t.Errorf("AlignDown(%#x) = %#x, want %#x", c.in, got, c.down)
		}
	}
}

func TestNewPhysAddrRejectsNegative(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on negative physical address")
		}
	}()
	NewPhysAddr(^uintptr(0))
}

func TestPmapWindowRoundTrip(t *testing.T) {
	w := PmapWindow{Base: VirtAddr(0x44 << 39), Len: 1 << 30}
	p := PhysAddr(0x1234000)
	v := w.ToPmap(p)
	if got := w.FromPmap(v); got != p {
		t.Fatalf("round trip mismatch: got %v want %v", got, p)
	}
}

func TestPmapWindowOutOfRangePanics(t *testing.T) {
	w := PmapWindow{Base: VirtAddr(0x44 << 39), Len: 0x1000}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for out-of-window physical address")
		}
	}()
	w.ToPmap(PhysAddr(0x2000))
}

func TestRoundupRounddownGeneric(t *testing.T) {
	if got := Roundup(13, 4); got != 16 {
		t.Fatalf("Roundup(13,4) = %d, want 16", got)
	}
	if got := Rounddown(13, 4); got != 12 {
		t.Fatalf("Rounddown(13,4) = %d, want 12", got)
	}
}
