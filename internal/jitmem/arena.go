// Package jitmem backs the kernel's simulated physical memory with a
// real anonymous mmap, and exposes the mprotect call that performs the
// actual W^X transition on compiled code. A hosted Go module cannot load
// a CR3 register, so "physical memory" here is one contiguous arena and
// "physical addresses" are simply offsets into it (see addr.PmapWindow),
// but the writable-to-executable flip for JIT-compiled code is real,
// performed via golang.org/x/sys/unix, not merely modeled with a flags
// field.
package jitmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Arena is a fixed-size block of mmap-backed memory standing in for the
// machine's physical RAM.
type Arena struct {
	mem []byte
}

// NewArena mmaps size bytes of anonymous, zero-filled memory. size is
// rounded up to a multiple of the system page size by the kernel; callers
// should themselves pass a page-aligned size since every consumer in this
// module (the frame allocator) only ever deals in whole pages.
func NewArena(size int) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("jitmem: invalid arena size %d", size)
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("jitmem: mmap: %w", err)
	}
	return &Arena{mem: mem}, nil
}

// Bytes returns the full backing slice. Callers slice into it by
// physical offset, the direct-map view of the arena.
func (a *Arena) Bytes() []byte { return a.mem }

// Len returns the arena size in bytes.
func (a *Arena) Len() int { return len(a.mem) }

// Protect changes the protection of the [offset, offset+length) sub-range.
// exec requests PROT_READ|PROT_EXEC (and implicitly drops PROT_WRITE,
// enforcing W^X); !exec requests PROT_READ|PROT_WRITE. offset and length
// must be page-aligned.
func (a *Arena) Protect(offset, length int, exec bool) error {
	if offset < 0 || length < 0 || offset+length > len(a.mem) {
		return fmt.Errorf("jitmem: protect range [%d,%d) out of bounds", offset, offset+length)
	}
	prot := unix.PROT_READ | unix.PROT_WRITE
	if exec {
		prot = unix.PROT_READ | unix.PROT_EXEC
	}
	if err := unix.Mprotect(a.mem[offset:offset+length], prot); err != nil {
		return fmt.Errorf("jitmem: mprotect: %w", err)
	}
	return nil
}

// Close unmaps the arena. It is an error to use the Arena afterwards.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	if err != nil {
		return fmt.Errorf("jitmem: munmap: %w", err)
	}
	return nil
}
