package shared

import (
	"testing"

	"github.com/thfabian/bifrost/internal/arena"
)

func newTestContext(t *testing.T, size uint64) (*arena.Arena, *Context) {
	t.Helper()
	a, err := arena.New(arena.NewHeapMapping("ctx", size))
	if err != nil {
		t.Fatalf("create arena: %v", err)
	}
	c, err := Create(a)
	if err != nil {
		t.Fatalf("create shared context: %v", err)
	}
	return a, c
}

func TestCreateAttachDetach(t *testing.T) {
	m := arena.NewHeapMapping("lifecycle", 64*1024)
	a, err := arena.New(m)
	if err != nil {
		t.Fatalf("create arena: %v", err)
	}
	c, err := Create(a)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := c.RefCount(); got != 1 {
		t.Fatalf("ref count after create = %d, want 1", got)
	}
	if got := c.MemorySize(); got != 64*1024 {
		t.Fatalf("memory size = %d, want %d", got, 64*1024)
	}

	// Three more attachers, as if from other processes.
	var attached []*Context
	for i := 0; i < 3; i++ {
		av, err := arena.New(m.View())
		if err != nil {
			t.Fatalf("attach arena %d: %v", i, err)
		}
		ac, err := Attach(av)
		if err != nil {
			t.Fatalf("attach context %d: %v", i, err)
		}
		attached = append(attached, ac)
	}
	if got := c.RefCount(); got != 4 {
		t.Fatalf("ref count after attaches = %d, want 4", got)
	}

	for i, ac := range attached {
		if last := ac.Detach(); last {
			t.Fatalf("detach %d reported last", i)
		}
	}
	if got := c.RefCount(); got != 1 {
		t.Fatalf("ref count after detaches = %d, want 1", got)
	}
	if last := c.Detach(); !last {
		t.Fatalf("final detach did not report last")
	}
}

func TestLastDetachReturnsMemory(t *testing.T) {
	a, err := arena.New(arena.NewHeapMapping("teardown", 128*1024))
	if err != nil {
		t.Fatalf("create arena: %v", err)
	}
	before := a.FreeBytes()

	c, err := Create(a)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.Store().SetString("some.key", "a value that is long enough to spill out of the inline slot for sure"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.Stash().Push(2, "mod", "message"); err != nil {
		t.Fatalf("push: %v", err)
	}

	if !c.Detach() {
		t.Fatalf("detach did not report last")
	}
	if got := a.FreeBytes(); got != before {
		t.Fatalf("free bytes after teardown = %d, want %d", got, before)
	}
	if got := a.FreeBlocks(); got != 1 {
		t.Fatalf("free blocks after teardown = %d, want 1", got)
	}
}

func TestAttachAfterTeardownFails(t *testing.T) {
	m := arena.NewHeapMapping("dead", 64*1024)
	a, _ := arena.New(m)
	c, err := Create(a)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	c.Detach()

	av, _ := arena.New(m.View())
	if _, err := Attach(av); err == nil {
		t.Fatalf("attach to torn-down context succeeded")
	}
}
