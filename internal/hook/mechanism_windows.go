//go:build windows

package hook

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/thfabian/bifrost/internal/winapi"
)

// patchSize is the footprint of the absolute jump written over a target:
// ff 25 00 00 00 00 (jmp [rip+0]) followed by the 8-byte destination.
const patchSize = 14

func writeAbsJump(buf []byte, dest uintptr) {
	buf[0], buf[1] = 0xff, 0x25
	binary.LittleEndian.PutUint32(buf[2:], 0)
	binary.LittleEndian.PutUint64(buf[6:], uint64(dest))
}

// withPatchableMemory temporarily lifts the page protection of
// [addr, addr+n) to RWX, runs fn, restores the protection and flushes the
// instruction cache. A protection failure maps to ErrProtectionChangeFailed.
func withPatchableMemory(addr uintptr, n uintptr, fn func(mem []byte)) error {
	var oldProtect uint32
	if err := windows.VirtualProtect(addr, n, windows.PAGE_EXECUTE_READWRITE, &oldProtect); err != nil {
		return fmt.Errorf("%w: %v", ErrProtectionChangeFailed, err)
	}

	fn(unsafe.Slice((*byte)(unsafe.Pointer(addr)), n))

	var scratch uint32
	if err := windows.VirtualProtect(addr, n, oldProtect, &scratch); err != nil {
		return fmt.Errorf("%w: restore: %v", ErrProtectionChangeFailed, err)
	}
	return winapi.FlushInstructionCache(windows.CurrentProcess(), addr, n)
}

// inlineHook is the live state of one inline-patched function.
type inlineHook struct {
	target     uintptr
	trampoline uintptr
	saved      []byte // displaced prologue bytes
	patchLen   int
}

// InlineMechanism hooks free C functions by rewriting their prologue with
// an absolute jump and building a trampoline from the displaced bytes.
type InlineMechanism struct {
	mu    sync.Mutex
	hooks map[uintptr]*inlineHook
}

func NewInlineMechanism() *InlineMechanism {
	return &InlineMechanism{hooks: make(map[uintptr]*inlineHook)}
}

func (m *InlineMechanism) Kind() Kind { return KindCFunction }

func (m *InlineMechanism) Attach(target Target, detour uintptr) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.hooks[target.Address]; ok {
		return 0, fmt.Errorf("target %#x already attached", target.Address)
	}

	// Inspect enough of the prologue to know where the displaced
	// instructions end.
	prologue := unsafe.Slice((*byte)(unsafe.Pointer(target.Address)), patchSize+16)
	patchLen, err := prologueLength(prologue, patchSize)
	if err != nil {
		return 0, err
	}

	saved := make([]byte, patchLen)
	copy(saved, prologue[:patchLen])

	// Trampoline: displaced prologue + jump back to the remainder of the
	// original function.
	trampoline, err := windows.VirtualAlloc(0, uintptr(patchLen+patchSize),
		winapi.MemCommit|winapi.MemReserve, winapi.PageExecuteReadwrite)
	if err != nil {
		return 0, fmt.Errorf("allocate trampoline: %w", err)
	}
	tramp := unsafe.Slice((*byte)(unsafe.Pointer(trampoline)), patchLen+patchSize)
	copy(tramp, saved)
	writeAbsJump(tramp[patchLen:], target.Address+uintptr(patchLen))
	if err := winapi.FlushInstructionCache(windows.CurrentProcess(), trampoline, uintptr(patchLen+patchSize)); err != nil {
		windows.VirtualFree(trampoline, 0, winapi.MemRelease)
		return 0, fmt.Errorf("flush trampoline: %w", err)
	}

	// Patch the target.
	err = withPatchableMemory(target.Address, uintptr(patchLen), func(mem []byte) {
		writeAbsJump(mem, detour)
		for i := patchSize; i < patchLen; i++ {
			mem[i] = 0xcc
		}
	})
	if err != nil {
		windows.VirtualFree(trampoline, 0, winapi.MemRelease)
		return 0, err
	}

	m.hooks[target.Address] = &inlineHook{
		target:     target.Address,
		trampoline: trampoline,
		saved:      saved,
		patchLen:   patchLen,
	}
	return trampoline, nil
}

func (m *InlineMechanism) Retarget(target Target, detour uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hooks[target.Address]
	if !ok {
		return fmt.Errorf("target %#x not attached", target.Address)
	}
	return withPatchableMemory(h.target, uintptr(h.patchLen), func(mem []byte) {
		writeAbsJump(mem, detour)
	})
}

func (m *InlineMechanism) Detach(target Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hooks[target.Address]
	if !ok {
		return fmt.Errorf("target %#x not attached", target.Address)
	}

	err := withPatchableMemory(h.target, uintptr(h.patchLen), func(mem []byte) {
		copy(mem, h.saved)
	})
	if err != nil {
		return err
	}

	windows.VirtualFree(h.trampoline, 0, winapi.MemRelease)
	delete(m.hooks, target.Address)
	return nil
}

// VTableMechanism hooks object methods by overwriting the method slot in
// the vtable. The target address is the slot itself.
type VTableMechanism struct {
	mu        sync.Mutex
	originals map[uintptr]uintptr
}

func NewVTableMechanism() *VTableMechanism {
	return &VTableMechanism{originals: make(map[uintptr]uintptr)}
}

func (m *VTableMechanism) Kind() Kind { return KindVTable }

func (m *VTableMechanism) Attach(target Target, detour uintptr) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.originals[target.Address]; ok {
		return 0, fmt.Errorf("vtable slot %#x already attached", target.Address)
	}

	var original uintptr
	err := m.writeSlot(target.Address, detour, &original)
	if err != nil {
		return 0, err
	}
	m.originals[target.Address] = original
	return original, nil
}

func (m *VTableMechanism) Retarget(target Target, detour uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.originals[target.Address]; !ok {
		return fmt.Errorf("vtable slot %#x not attached", target.Address)
	}
	return m.writeSlot(target.Address, detour, nil)
}

func (m *VTableMechanism) Detach(target Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.originals[target.Address]
	if !ok {
		return fmt.Errorf("vtable slot %#x not attached", target.Address)
	}
	if err := m.writeSlot(target.Address, original, nil); err != nil {
		return err
	}
	delete(m.originals, target.Address)
	return nil
}

// writeSlot swaps the pointer-sized slot under temporary RW protection and
// optionally reports the previous value.
func (m *VTableMechanism) writeSlot(slot, value uintptr, previous *uintptr) error {
	var oldProtect uint32
	size := unsafe.Sizeof(uintptr(0))
	if err := windows.VirtualProtect(slot, size, windows.PAGE_READWRITE, &oldProtect); err != nil {
		return fmt.Errorf("%w: %v", ErrProtectionChangeFailed, err)
	}

	p := (*uintptr)(unsafe.Pointer(slot))
	if previous != nil {
		*previous = *p
	}
	*p = value

	var scratch uint32
	if err := windows.VirtualProtect(slot, size, oldProtect, &scratch); err != nil {
		return fmt.Errorf("%w: restore: %v", ErrProtectionChangeFailed, err)
	}
	return nil
}
