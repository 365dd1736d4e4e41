//go:build windows

package hook

import (
	"fmt"
	"sync"

	"golang.org/x/sys/windows"

	"github.com/thfabian/bifrost/internal/winapi"
)

func platformDefaults(e *Engine) {
	e.mechanisms[KindCFunction] = NewInlineMechanism()
	e.mechanisms[KindVTable] = NewVTableMechanism()
	e.slots = newExecJumpSlot
	e.freeze = freezeOtherThreads
	e.modules = NewWindowsModuleResolver()
	e.debugger = NewDebugger(&dbgHelpResolver{})
}

// WindowsModuleResolver resolves exported symbols through LoadLibrary and
// GetProcAddress, caching module handles after the first load.
type WindowsModuleResolver struct {
	mu      sync.Mutex
	modules map[string]windows.Handle
}

func NewWindowsModuleResolver() *WindowsModuleResolver {
	return &WindowsModuleResolver{modules: make(map[string]windows.Handle)}
}

func (r *WindowsModuleResolver) Resolve(module, symbol string) (uintptr, error) {
	r.mu.Lock()
	handle, ok := r.modules[module]
	r.mu.Unlock()

	if !ok {
		h, err := windows.LoadLibrary(module)
		if err != nil {
			return 0, fmt.Errorf("load module %q: %w", module, err)
		}
		r.mu.Lock()
		r.modules[module] = h
		r.mu.Unlock()
		handle = h
	}

	addr, err := windows.GetProcAddress(handle, symbol)
	if err != nil {
		return 0, fmt.Errorf("resolve %s!%s: %w", module, symbol, err)
	}
	return addr, nil
}

// dbgHelpResolver resolves addresses to names through DbgHelp.
type dbgHelpResolver struct {
	initialized bool
}

func (r *dbgHelpResolver) SetUp(verbose bool) error {
	options := uint32(winapi.SymoptUndname | winapi.SymoptDeferredLoads)
	if verbose {
		options |= winapi.SymoptDebug
	}
	winapi.SymSetOptions(options)

	if err := winapi.SymInitialize(windows.CurrentProcess(), true); err != nil {
		return fmt.Errorf("SymInitialize: %w", err)
	}
	r.initialized = true
	return nil
}

func (r *dbgHelpResolver) TearDown() error {
	if !r.initialized {
		return nil
	}
	r.initialized = false
	return winapi.SymCleanup(windows.CurrentProcess())
}

func (r *dbgHelpResolver) Resolve(addr uintptr) (string, bool) {
	if !r.initialized {
		return "", false
	}
	name, _, err := winapi.SymFromAddr(windows.CurrentProcess(), uint64(addr))
	if err != nil {
		return "", false
	}
	return name, true
}
