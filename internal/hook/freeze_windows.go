//go:build windows

package hook

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/thfabian/bifrost/internal/logging"
	"github.com/thfabian/bifrost/internal/winapi"
)

// freezeOtherThreads suspends every thread of this process except the
// calling one and returns a release function that resumes them in reverse
// order. Patching runs between the two so no thread can land in the middle
// of a half-written jump.
func freezeOtherThreads() (func(), error) {
	self := windows.GetCurrentThreadId()
	pid := windows.GetCurrentProcessId()

	snapshot, err := windows.CreateToolhelp32Snapshot(winapi.TH32CSSnapThread, 0)
	if err != nil {
		return nil, fmt.Errorf("snapshot threads: %w", err)
	}
	defer windows.CloseHandle(snapshot)

	var suspended []windows.Handle

	release := func() {
		for i := len(suspended) - 1; i >= 0; i-- {
			if _, err := windows.ResumeThread(suspended[i]); err != nil {
				logging.Op().Warn("failed to resume thread", "error", err)
			}
			windows.CloseHandle(suspended[i])
		}
	}

	entry := winapi.ThreadEntry32{}
	entry.Size = uint32(unsafe.Sizeof(entry))
	if err := winapi.Thread32First(snapshot, &entry); err != nil {
		return nil, fmt.Errorf("enumerate threads: %w", err)
	}
	for {
		if entry.OwnerProcessID == pid && entry.ThreadID != self {
			h, err := windows.OpenThread(windows.THREAD_SUSPEND_RESUME, false, entry.ThreadID)
			if err != nil {
				// The thread may have exited since the snapshot.
				logging.Op().Debug("failed to open thread for suspension", "tid", entry.ThreadID, "error", err)
			} else if _, err := winapi.SuspendThread(h); err != nil {
				logging.Op().Warn("failed to suspend thread", "tid", entry.ThreadID, "error", err)
				windows.CloseHandle(h)
			} else {
				suspended = append(suspended, h)
			}
		}
		if err := winapi.Thread32Next(snapshot, &entry); err != nil {
			break
		}
	}

	return release, nil
}
