package manualmap

import (
	"bytes"
	"testing"
)

func TestBufferTarget(t *testing.T) {
	b := NewBufferTarget()
	if _, err := b.Write(0x1000, []byte{1}); err == nil {
		t.Errorf("Write before Alloc succeeded")
	}

	base, err := b.Alloc(0x20000, 0x1000)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if base != 0x20000 || b.Base() != base || len(b.Bytes()) != 0x1000 {
		t.Fatalf("region at 0x%x, %d bytes", b.Base(), len(b.Bytes()))
	}
	if _, err := b.Alloc(0, 0x1000); err == nil {
		t.Errorf("second Alloc succeeded")
	}

	n, err := b.Write(base+0xff0, []byte("0123456789abcdef"))
	if err != nil || n != 16 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if !bytes.Equal(b.Bytes()[0xff0:], []byte("0123456789abcdef")) {
		t.Errorf("bytes not written at the end of the region")
	}

	if n, err := b.Write(base+0xff8, []byte("0123456789abcdef")); err == nil || n != 8 {
		t.Errorf("overlong Write = %d, %v, want 8 and an error", n, err)
	}
	if _, err := b.Write(base-1, []byte{1}); err == nil {
		t.Errorf("Write below the region succeeded")
	}
	if _, err := b.Write(base+0x1001, []byte{1}); err == nil {
		t.Errorf("Write above the region succeeded")
	}
}

func TestBufferTargetDefaultBase(t *testing.T) {
	b := NewBufferTarget()
	base, err := b.Alloc(0, 0x100)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if base != DefaultBufferBase {
		t.Errorf("base = 0x%x, want 0x%x", base, DefaultBufferBase)
	}
	if _, err := NewBufferTarget().Alloc(0x1000, 0); err == nil {
		t.Errorf("zero-sized Alloc succeeded")
	}
}
