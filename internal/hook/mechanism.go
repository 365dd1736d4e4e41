package hook

// Mechanism is one way of redirecting a target: inline trampoline patching
// for C functions, slot rewriting for vtables. Implementations assume every
// other thread is already frozen when Attach/Retarget/Detach run.
type Mechanism interface {
	Kind() Kind

	// Attach redirects target to detour and returns the address a caller
	// uses to reach the original behavior (the trampoline for inline hooks,
	// the previous slot value for vtables).
	Attach(target Target, detour uintptr) (original uintptr, err error)

	// Retarget changes the detour of an attached target without tearing the
	// interception down.
	Retarget(target Target, detour uintptr) error

	// Detach restores the original behavior of target.
	Detach(target Target) error
}

// JumpSlot is one jump-table entry: a small executable region holding a
// single jump whose destination can be rewritten. Chains hop through slots
// so re-prioritizing never rewrites a plugin's detour.
type JumpSlot interface {
	// Addr is the entry point handed to a detour as its "original".
	Addr() uintptr

	// SetTarget points the jump at dest.
	SetTarget(dest uintptr) error

	Free() error
}

// SlotAllocator creates jump slots. target is the hooked function the slot
// belongs to, used for diagnostics registration.
type SlotAllocator func(target uintptr) (JumpSlot, error)

// Freezer suspends every thread of the process except the calling one and
// returns a release function that resumes them. Patching runs between the
// two so no thread can execute half-written code.
type Freezer func() (release func(), err error)

// ModuleResolver resolves an exported symbol of a module to its address in
// this process, loading the module if needed. Resolutions are cached by the
// engine's callers per site.
type ModuleResolver interface {
	Resolve(module, symbol string) (uintptr, error)
}

func nopFreezer() (func(), error) { return func() {}, nil }
