package manualmap

import (
	"errors"
	"fmt"
)

// MemoryTarget is the address space an image is mapped into.
type MemoryTarget interface {
	// Alloc reserves and commits size bytes of read/write/execute memory,
	// preferably at addr. An addr of 0 lets the target choose.
	Alloc(addr, size uintptr) (uintptr, error)
	// Write copies data to dst and reports how many bytes were written.
	Write(dst uintptr, data []byte) (int, error)
	Close() error
	String() string
}

// DefaultBufferBase is where a BufferTarget places its region when no
// address is requested.
const DefaultBufferBase = 0x10000000

// BufferTarget simulates a target address space with a heap buffer. It holds
// a single region.
type BufferTarget struct {
	base uintptr
	buf  []byte
}

func NewBufferTarget() *BufferTarget {
	return &BufferTarget{}
}

func (b *BufferTarget) Alloc(addr, size uintptr) (uintptr, error) {
	if b.buf != nil {
		return 0, errors.New("buffer target already holds a region")
	}
	if size == 0 {
		return 0, errors.New("zero-sized allocation")
	}
	if addr == 0 {
		addr = DefaultBufferBase
	}
	if addr+size < addr {
		return 0, fmt.Errorf("region 0x%x+0x%x overflows the address space", addr, size)
	}

	b.base = addr
	b.buf = make([]byte, size)
	return addr, nil
}

func (b *BufferTarget) Write(dst uintptr, data []byte) (int, error) {
	if dst < b.base || dst-b.base > uintptr(len(b.buf)) {
		return 0, fmt.Errorf("address 0x%x is outside the region", dst)
	}
	n := copy(b.buf[dst-b.base:], data)
	if n != len(data) {
		return n, fmt.Errorf("write of 0x%x bytes at 0x%x runs past the region", len(data), dst)
	}
	return n, nil
}

// Base returns the region's address, or 0 before Alloc.
func (b *BufferTarget) Base() uintptr {
	return b.base
}

// Bytes returns the region's contents.
func (b *BufferTarget) Bytes() []byte {
	return b.buf
}

func (b *BufferTarget) Close() error {
	return nil
}

func (b *BufferTarget) String() string {
	return "buffer"
}
