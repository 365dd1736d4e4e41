//go:build windows

package loader

import (
	"fmt"
	"path/filepath"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// dllModule is a plugin library loaded through LoadLibrary. Entry points
// receive their argument as a NUL-terminated byte string.
type dllModule struct {
	name   string
	path   string
	handle windows.Handle
}

// DLLHost loads plugin DLLs into this process.
type DLLHost struct{}

func (DLLHost) Load(path string) (Module, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	handle, err := windows.LoadLibrary(abs)
	if err != nil {
		return nil, fmt.Errorf("load plugin %q: %w", abs, err)
	}
	return &dllModule{
		name:   filepath.Base(abs),
		path:   abs,
		handle: handle,
	}, nil
}

func (m *dllModule) Name() string { return m.name }
func (m *dllModule) Path() string { return m.path }

func (m *dllModule) Invoke(export, arg string) (uint32, error) {
	proc, err := windows.GetProcAddress(m.handle, export)
	if err != nil {
		return StatusError, fmt.Errorf("plugin %q has no export %q: %w", m.name, export, err)
	}

	buf := append([]byte(arg), 0)
	r, _, _ := syscall.SyscallN(proc, uintptr(unsafe.Pointer(&buf[0])))
	return uint32(r), nil
}

func (m *dllModule) Help() (string, bool) {
	proc, err := windows.GetProcAddress(m.handle, ExportHelp)
	if err != nil {
		return "", false
	}
	r, _, _ := syscall.SyscallN(proc)
	if r == 0 {
		return "", false
	}
	return cString(r), true
}

func (m *dllModule) Release() error {
	if m.handle == 0 {
		return nil
	}
	err := windows.FreeLibrary(m.handle)
	m.handle = 0
	return err
}

// cString copies a NUL-terminated byte string out of process memory.
func cString(addr uintptr) string {
	var out []byte
	for i := uintptr(0); ; i++ {
		b := *(*byte)(unsafe.Pointer(addr + i))
		if b == 0 {
			break
		}
		out = append(out, b)
	}
	return string(out)
}
