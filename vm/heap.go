package vm

import (
	"fmt"
	"sort"
)

// heapAlign is the granularity of heap blocks. Requests are rounded up so
// every block can hold pointer-width values.
const heapAlign = 8

type freeFrame struct {
	start uint64
	size  uint64
}

// Heap is a first-fit free-list allocator over [0, size). Offsets it hands
// out are relative to the heap region; the interpreter translates them to
// absolute memory addresses.
//
// Free frames are kept sorted by start so that a freed block can be merged
// with the frames on both sides.
type Heap struct {
	size  uint64
	free  []freeFrame
	live  map[uint64]uint64 // offset -> block size
	inUse uint64
}

// NewHeap creates an allocator managing size bytes.
func NewHeap(size uint64) *Heap {
	h := &Heap{
		size: size,
		live: make(map[uint64]uint64),
	}
	if size > 0 {
		h.free = []freeFrame{{start: 0, size: size}}
	}
	return h
}

// New reserves n bytes and returns the block's offset.
func (h *Heap) New(n uint64) (uint64, error) {
	if n == 0 {
		n = 1
	}
	if n > h.size {
		return 0, fmt.Errorf("%w: cannot allocate %d bytes (%d of %d in use)", ErrHeapExhausted, n, h.inUse, h.size)
	}
	n = (n + heapAlign - 1) &^ (heapAlign - 1)
	for i := range h.free {
		fr := &h.free[i]
		if fr.size < n {
			continue
		}
		addr := fr.start
		fr.start += n
		fr.size -= n
		if fr.size == 0 {
			h.free = append(h.free[:i], h.free[i+1:]...)
		}
		h.live[addr] = n
		h.inUse += n
		return addr, nil
	}
	return 0, fmt.Errorf("%w: cannot allocate %d bytes (%d of %d in use)", ErrHeapExhausted, n, h.inUse, h.size)
}

// Free returns a block obtained from New.
func (h *Heap) Free(addr uint64) error {
	n, ok := h.live[addr]
	if !ok {
		return fmt.Errorf("%w: 0x%X was not allocated", ErrInvalidFree, addr)
	}
	delete(h.live, addr)
	h.inUse -= n

	i := sort.Search(len(h.free), func(i int) bool { return h.free[i].start > addr })
	mergePrev := i > 0 && h.free[i-1].start+h.free[i-1].size == addr
	mergeNext := i < len(h.free) && addr+n == h.free[i].start

	switch {
	case mergePrev && mergeNext:
		h.free[i-1].size += n + h.free[i].size
		h.free = append(h.free[:i], h.free[i+1:]...)
	case mergePrev:
		h.free[i-1].size += n
	case mergeNext:
		h.free[i].start = addr
		h.free[i].size += n
	default:
		h.free = append(h.free, freeFrame{})
		copy(h.free[i+1:], h.free[i:])
		h.free[i] = freeFrame{start: addr, size: n}
	}
	return nil
}

// BlockSize returns the size of the live block at addr.
func (h *Heap) BlockSize(addr uint64) (uint64, bool) {
	n, ok := h.live[addr]
	return n, ok
}

// Size returns the capacity of the heap.
func (h *Heap) Size() uint64 { return h.size }

// InUse returns the number of bytes held by live blocks.
func (h *Heap) InUse() uint64 { return h.inUse }

// Live returns the number of live blocks.
func (h *Heap) Live() int { return len(h.live) }

// FreeFrames returns the number of disjoint free regions.
func (h *Heap) FreeFrames() int { return len(h.free) }
