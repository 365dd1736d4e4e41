// Package shared implements the cross-process control block living at the
// first allocation of the arena: a reference count, a key/value store and a
// log stash, all addressed by offsets so every attached process sees the
// same structure.
package shared

import (
	"fmt"

	"github.com/thfabian/bifrost/internal/arena"
)

// Control block layout.
const (
	ctxLockOff    = 0
	ctxRefOff     = 8
	ctxMemSizeOff = 16
	ctxStoreOff   = 24
	ctxStashOff   = 32
	ctxSize       = 40
)

// Context is one process's handle onto the shared control block.
type Context struct {
	a     *arena.Arena
	off   arena.Offset
	store *Store
	stash *Stash
}

// Create allocates the control block as the first allocation of a fresh
// arena, together with the store and the log stash.
func Create(a *arena.Arena) (*Context, error) {
	off, err := a.Allocate(ctxSize)
	if err != nil {
		return nil, fmt.Errorf("allocate shared context: %w", err)
	}
	if off != a.FirstOffset() {
		return nil, fmt.Errorf("shared context landed at %d, want first offset %d", off, a.FirstOffset())
	}

	c := &Context{a: a, off: off}
	a.WriteU32(off+ctxLockOff, 0)
	a.WriteU32(off+ctxRefOff, 1)
	a.WriteU64(off+ctxMemSizeOff, a.Size())

	store, err := newStore(a)
	if err != nil {
		return nil, fmt.Errorf("create shared store: %w", err)
	}
	stash, err := newStash(a)
	if err != nil {
		return nil, fmt.Errorf("create log stash: %w", err)
	}
	a.WriteU64(off+ctxStoreOff, uint64(store.off))
	a.WriteU64(off+ctxStashOff, uint64(stash.off))

	c.store, c.stash = store, stash
	return c, nil
}

// Attach maps the existing control block of an arena created elsewhere and
// increments the reference count. A size mismatch against the creation size
// is logged but not fatal.
func Attach(a *arena.Arena) (*Context, error) {
	c := &Context{a: a, off: a.FirstOffset()}

	lock := c.lock()
	lock.Lock()
	refs := a.ReadU32(c.off + ctxRefOff)
	if refs == 0 {
		lock.Unlock()
		return nil, fmt.Errorf("shared context of %q already torn down", a.Name())
	}
	a.WriteU32(c.off+ctxRefOff, refs+1)
	lock.Unlock()

	// Not fatal; the smaller view is honored.
	_ = a.CheckAttachedSize(a.ReadU64(c.off + ctxMemSizeOff))

	c.store = &Store{a: a, off: arena.Offset(a.ReadU64(c.off + ctxStoreOff))}
	c.stash = &Stash{a: a, off: arena.Offset(a.ReadU64(c.off + ctxStashOff))}
	return c, nil
}

// Detach drops this process's reference. The last detacher destructs the
// store and the stash, returning their memory to the allocator. Reports
// whether this call was the last detach.
func (c *Context) Detach() bool {
	lock := c.lock()
	lock.Lock()
	refs := c.a.ReadU32(c.off+ctxRefOff) - 1
	c.a.WriteU32(c.off+ctxRefOff, refs)
	lock.Unlock()

	if refs != 0 {
		return false
	}
	c.store.destruct()
	c.stash.destruct()
	c.a.Free(c.off)
	return true
}

func (c *Context) lock() arena.SpinLock {
	return c.a.SpinLockAt(c.off + ctxLockOff)
}

// RefCount is the number of processes currently attached.
func (c *Context) RefCount() uint32 {
	lock := c.lock()
	lock.Lock()
	defer lock.Unlock()
	return c.a.ReadU32(c.off + ctxRefOff)
}

// MemorySize is the arena size recorded at creation time.
func (c *Context) MemorySize() uint64 {
	return c.a.ReadU64(c.off + ctxMemSizeOff)
}

// Store returns the shared key/value store.
func (c *Context) Store() *Store { return c.store }

// Stash returns the shared log stash.
func (c *Context) Stash() *Stash { return c.stash }
