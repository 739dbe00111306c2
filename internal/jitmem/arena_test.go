package jitmem

import "testing"

func TestArenaReadWrite(t *testing.T) {
	a, err := NewArena(4096)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Close()

	b := a.Bytes()
	b[0] = 0xAB
	if a.Bytes()[0] != 0xAB {
		t.Fatal("write did not persist through Bytes()")
	}
}

func TestArenaProtectExecRoundTrip(t *testing.T) {
	a, err := NewArena(8192)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Close()

	// Write a tiny "ret" instruction before flipping to exec.
	a.Bytes()[4096] = 0xc3

	if err := a.Protect(4096, 4096, true); err != nil {
		t.Fatalf("Protect(exec): %v", err)
	}

	// After the flip the region must not be writable; attempting a write
	// should fault. We can't safely probe that without crashing the test
	// process, so instead verify the protect call round-trips back to
	// writable cleanly, which exercises the same mprotect path.
	if err := a.Protect(4096, 4096, false); err != nil {
		t.Fatalf("Protect(writable): %v", err)
	}
	a.Bytes()[4096] = 0x90
}

func TestArenaProtectOutOfBounds(t *testing.T) {
	a, err := NewArena(4096)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Close()

	if err := a.Protect(0, 8192, false); err == nil {
		t.Fatal("expected out-of-bounds Protect to fail")
	}
}
