package arena

import (
	"sync"
	"testing"
)

func newTestArena(t *testing.T, size uint64) *Arena {
	t.Helper()
	a, err := New(NewHeapMapping("test", size))
	if err != nil {
		t.Fatalf("create arena: %v", err)
	}
	return a
}

func TestAllocateAndFreeRestoresCapacity(t *testing.T) {
	a := newTestArena(t, 8192)

	initial := a.FreeBytes()
	if initial == 0 {
		t.Fatalf("fresh arena reports no free bytes")
	}
	if a.FreeBlocks() != 1 {
		t.Fatalf("fresh arena has %d free blocks, want 1", a.FreeBlocks())
	}

	var offs []Offset
	for _, n := range []uint64{1, 64, 65, 100, 512, 33} {
		off, err := a.Allocate(n)
		if err != nil {
			t.Fatalf("allocate %d: %v", n, err)
		}
		offs = append(offs, off)
	}

	// Free out of order to force coalescing in every direction.
	for _, i := range []int{3, 0, 5, 1, 4, 2} {
		a.Free(offs[i])
	}

	if got := a.FreeBytes(); got != initial {
		t.Fatalf("free bytes after full release = %d, want %d", got, initial)
	}
	if got := a.FreeBlocks(); got != 1 {
		t.Fatalf("free list has %d blocks after full release, want 1", got)
	}
}

func TestAllocateExactCapacity(t *testing.T) {
	a := newTestArena(t, 4096)

	free := a.FreeBytes()
	off, err := a.Allocate(free)
	if err != nil {
		t.Fatalf("allocating the exact free capacity failed: %v", err)
	}
	if got := a.FreeBytes(); got != 0 {
		t.Fatalf("free bytes after exhausting arena = %d, want 0", got)
	}
	a.Free(off)

	if _, err := a.Allocate(free + 1); err != ErrArenaExhausted {
		t.Fatalf("allocate(free+1) = %v, want ErrArenaExhausted", err)
	}
}

func TestAllocateZero(t *testing.T) {
	a := newTestArena(t, 4096)
	if _, err := a.Allocate(0); err != ErrArenaExhausted {
		t.Fatalf("allocate(0) = %v, want ErrArenaExhausted", err)
	}
}

func TestAllocationsAreBlockAligned(t *testing.T) {
	a := newTestArena(t, 8192)
	for _, n := range []uint64{1, 63, 64, 65} {
		off, err := a.Allocate(n)
		if err != nil {
			t.Fatalf("allocate %d: %v", n, err)
		}
		if uint64(off)%BlockSize != 0 {
			t.Fatalf("allocate(%d) returned unaligned offset %d", n, off)
		}
	}
}

func TestFirstAllocationLandsAtFirstOffset(t *testing.T) {
	a := newTestArena(t, 4096)
	off, err := a.Allocate(32)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if off != a.FirstOffset() {
		t.Fatalf("first allocation at %d, want %d", off, a.FirstOffset())
	}
}

func TestAttachLocatesExistingAllocator(t *testing.T) {
	m := NewHeapMapping("attach", 4096)
	creator, err := New(m)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	off, err := creator.Allocate(128)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	creator.WriteU64(off, 0xfeedface)

	attacher, err := New(m.View())
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if got := attacher.ReadU64(off); got != 0xfeedface {
		t.Fatalf("attacher reads %#x, want 0xfeedface", got)
	}

	// The attacher's allocator operates on the same free list.
	off2, err := attacher.Allocate(64)
	if err != nil {
		t.Fatalf("allocate via attacher: %v", err)
	}
	if off2 == off {
		t.Fatalf("attacher handed out an already-allocated block")
	}
	creator.Free(off2)
	creator.Free(off)
}

func TestReuseAfterFree(t *testing.T) {
	a := newTestArena(t, 4096)
	off, err := a.Allocate(256)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	a.Free(off)

	again, err := a.Allocate(256)
	if err != nil {
		t.Fatalf("allocate after free: %v", err)
	}
	if again != off {
		t.Fatalf("first-fit did not reuse freed block: got %d, want %d", again, off)
	}
}

func TestConcurrentAllocateFree(t *testing.T) {
	a := newTestArena(t, 1<<20)
	initial := a.FreeBytes()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				off, err := a.Allocate(uint64(64 + i%256))
				if err != nil {
					continue
				}
				a.Free(off)
			}
		}()
	}
	wg.Wait()

	if got := a.FreeBytes(); got != initial {
		t.Fatalf("free bytes after concurrent churn = %d, want %d", got, initial)
	}
	if got := a.FreeBlocks(); got != 1 {
		t.Fatalf("free blocks after concurrent churn = %d, want 1", got)
	}
}
