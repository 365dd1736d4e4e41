//go:build windows

package arena

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/thfabian/bifrost/internal/logging"
	"github.com/thfabian/bifrost/internal/winapi"
)

// SectionMapping maps a named shared-memory section into this process.
type SectionMapping struct {
	name    string
	handle  windows.Handle
	view    uintptr
	data    []byte
	created bool
}

// OpenSection opens the named section if it already exists, otherwise
// creates it with the requested size.
func OpenSection(name string, size uint64) (*SectionMapping, error) {
	logging.Op().Debug("mapping shared memory", "name", name, "size", size)

	name16, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, fmt.Errorf("encode section name: %w", err)
	}

	handle, err := windows.CreateFileMapping(windows.InvalidHandle, nil,
		windows.PAGE_READWRITE, uint32(size>>32), uint32(size), name16)
	created := true
	if err == windows.ERROR_ALREADY_EXISTS {
		// The section exists; attach to it instead.
		created = false
		if handle == 0 {
			handle, err = winapi.OpenFileMapping(windows.FILE_MAP_WRITE|windows.FILE_MAP_READ, false, name16)
		} else {
			err = nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("map shared memory %q: %w", name, err)
	}

	view, err := windows.MapViewOfFile(handle, windows.FILE_MAP_WRITE|windows.FILE_MAP_READ, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(handle)
		return nil, fmt.Errorf("map view of %q: %w", name, err)
	}

	if !created {
		logging.Op().Debug("attached to existing shared memory", "name", name)
	}

	return &SectionMapping{
		name:    name,
		handle:  handle,
		view:    view,
		data:    unsafe.Slice((*byte)(unsafe.Pointer(view)), size),
		created: created,
	}, nil
}

func (m *SectionMapping) Name() string  { return m.name }
func (m *SectionMapping) Bytes() []byte { return m.data }
func (m *SectionMapping) Created() bool { return m.created }

func (m *SectionMapping) Close() error {
	if m.view != 0 {
		if err := windows.UnmapViewOfFile(m.view); err != nil {
			logging.Op().Warn("unmap shared memory failed", "name", m.name, "error", err)
		}
		m.view = 0
		m.data = nil
	}
	if m.handle != 0 {
		if err := windows.CloseHandle(m.handle); err != nil {
			return fmt.Errorf("close mapping %q: %w", m.name, err)
		}
		m.handle = 0
	}
	return nil
}
