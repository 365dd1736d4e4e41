//go:build !windows

package hook

import "fmt"

// Non-Windows builds keep the registry, chaining and diagnostics logic but
// have no patching mechanisms; installing a hook requires the caller to
// provide mechanisms through Options (as the tests do).
func platformDefaults(e *Engine) {
	e.slots = func(target uintptr) (JumpSlot, error) {
		return nil, fmt.Errorf("jump tables require windows")
	}
	e.modules = unsupportedResolver{}
	e.debugger = NewDebugger(nopResolver{})
}

type unsupportedResolver struct{}

func (unsupportedResolver) Resolve(module, symbol string) (uintptr, error) {
	return 0, fmt.Errorf("module resolution requires windows")
}
