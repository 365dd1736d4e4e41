package arena

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

// SpinLock is a one-word mutex living inside the arena. Because the word is
// part of the mapped region it serializes writers across every process that
// has the arena attached. It must only guard short critical sections.
type SpinLock struct {
	word *uint32
}

// SpinLockAt returns the spin lock whose word lives at off.
func (a *Arena) SpinLockAt(off Offset) SpinLock {
	return SpinLock{word: (*uint32)(unsafe.Pointer(&a.data[off]))}
}

func (l SpinLock) TryLock() bool {
	return atomic.CompareAndSwapUint32(l.word, 0, 1)
}

func (l SpinLock) Lock() {
	for i := 0; !l.TryLock(); i++ {
		if i%64 == 63 {
			runtime.Gosched()
		}
	}
}

func (l SpinLock) Unlock() {
	atomic.StoreUint32(l.word, 0)
}
