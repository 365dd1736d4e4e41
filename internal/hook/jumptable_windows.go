//go:build windows

package hook

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/thfabian/bifrost/internal/winapi"
)

// jumpSlotSize keeps each slot on its own cache-line-sized region.
const jumpSlotSize = 64

// execJumpSlot is a jump-table entry backed by a VirtualAlloc'd executable
// region holding a single absolute jump.
type execJumpSlot struct {
	mem uintptr
}

// newExecJumpSlot allocates a slot. The jump destination is unset until the
// first SetTarget.
func newExecJumpSlot(target uintptr) (JumpSlot, error) {
	mem, err := windows.VirtualAlloc(0, jumpSlotSize,
		winapi.MemCommit|winapi.MemReserve, winapi.PageExecuteReadwrite)
	if err != nil {
		return nil, fmt.Errorf("allocate jump table entry: %w", err)
	}
	return &execJumpSlot{mem: mem}, nil
}

func (s *execJumpSlot) Addr() uintptr { return s.mem }

func (s *execJumpSlot) SetTarget(dest uintptr) error {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(s.mem)), jumpSlotSize)
	writeAbsJump(buf, dest)
	return winapi.FlushInstructionCache(windows.CurrentProcess(), s.mem, patchSize)
}

func (s *execJumpSlot) Free() error {
	if s.mem == 0 {
		return nil
	}
	err := windows.VirtualFree(s.mem, 0, winapi.MemRelease)
	s.mem = 0
	return err
}
