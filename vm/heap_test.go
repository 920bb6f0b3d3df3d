package vm

import (
	"errors"
	"testing"
)

func TestHeapFirstFit(t *testing.T) {
	h := NewHeap(256)
	a, err := h.New(16)
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.New(32)
	if err != nil {
		t.Fatal(err)
	}
	if a != 0 || b != 16 {
		t.Fatalf("a=%d b=%d, want 0 and 16", a, b)
	}
	if h.InUse() != 48 || h.Live() != 2 {
		t.Fatalf("InUse=%d Live=%d", h.InUse(), h.Live())
	}
}

func TestHeapNoOverlap(t *testing.T) {
	h := NewHeap(4096)
	type block struct{ start, end uint64 }
	var live []block
	sizes := []uint64{1, 7, 8, 24, 100, 3, 64, 9}
	for _, n := range sizes {
		addr, err := h.New(n)
		if err != nil {
			t.Fatal(err)
		}
		size, _ := h.BlockSize(addr)
		if size < n {
			t.Fatalf("block of %d for request %d", size, n)
		}
		nb := block{addr, addr + size}
		for _, b := range live {
			if nb.start < b.end && b.start < nb.end {
				t.Fatalf("[%d,%d) overlaps [%d,%d)", nb.start, nb.end, b.start, b.end)
			}
		}
		live = append(live, nb)
	}
}

func TestHeapReuseAfterFree(t *testing.T) {
	h := NewHeap(256)
	a, _ := h.New(32)
	if _, err := h.New(32); err != nil {
		t.Fatal(err)
	}
	if err := h.Free(a); err != nil {
		t.Fatal(err)
	}
	c, err := h.New(24)
	if err != nil {
		t.Fatal(err)
	}
	if c != a {
		t.Fatalf("New after Free returned %d, want reused %d", c, a)
	}
}

func TestHeapMergeBothNeighbours(t *testing.T) {
	h := NewHeap(96)
	a, _ := h.New(32)
	b, _ := h.New(32)
	c, _ := h.New(32)
	if h.FreeFrames() != 0 {
		t.Fatalf("full heap has %d free frames", h.FreeFrames())
	}
	h.Free(a)
	h.Free(c)
	if h.FreeFrames() != 2 {
		t.Fatalf("expected 2 disjoint frames, got %d", h.FreeFrames())
	}
	h.Free(b)
	if h.FreeFrames() != 1 {
		t.Fatalf("expected frames to merge into 1, got %d", h.FreeFrames())
	}
	// The merged frame must satisfy a request for the whole heap.
	if addr, err := h.New(96); err != nil || addr != 0 {
		t.Fatalf("New(96) = %d, %v", addr, err)
	}
}

func TestHeapExhausted(t *testing.T) {
	h := NewHeap(64)
	if _, err := h.New(64); err != nil {
		t.Fatal(err)
	}
	_, err := h.New(1)
	if !errors.Is(err, ErrHeapExhausted) {
		t.Fatalf("expected ErrHeapExhausted, got %v", err)
	}
}

func TestHeapHugeRequest(t *testing.T) {
	h := NewHeap(64)
	for _, n := range []uint64{^uint64(0), ^uint64(0) - 3, 65} {
		if _, err := h.New(n); !errors.Is(err, ErrHeapExhausted) {
			t.Fatalf("New(%d): expected ErrHeapExhausted, got %v", n, err)
		}
	}
	if h.Live() != 0 || h.InUse() != 0 {
		t.Fatalf("failed requests left state: live=%d inuse=%d", h.Live(), h.InUse())
	}
	a, _ := h.New(8)
	b, _ := h.New(8)
	if a == b {
		t.Fatalf("blocks overlap at %d", a)
	}
}

func TestHeapInvalidFree(t *testing.T) {
	h := NewHeap(64)
	a, _ := h.New(8)
	if err := h.Free(a + 8); !errors.Is(err, ErrInvalidFree) {
		t.Fatalf("free of unknown address: %v", err)
	}
	if err := h.Free(a); err != nil {
		t.Fatal(err)
	}
	if err := h.Free(a); !errors.Is(err, ErrInvalidFree) {
		t.Fatalf("double free: %v", err)
	}
	if h.Live() != 0 || h.InUse() != 0 {
		t.Fatalf("state corrupted: live=%d inuse=%d", h.Live(), h.InUse())
	}
}
