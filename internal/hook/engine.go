package hook

import (
	"fmt"
	"sort"
	"sync"

	"github.com/thfabian/bifrost/internal/config"
	"github.com/thfabian/bifrost/internal/logging"
	"github.com/thfabian/bifrost/internal/metrics"
)

// chainLink is one detour in a site's chain together with the jump slot
// that represents "the original" from that detour's point of view.
type chainLink struct {
	detour   uintptr
	priority uint32
	seq      uint64 // insertion order; breaks priority ties
	slot     JumpSlot
}

// site is one interception point, keyed by its identifier.
type site struct {
	id       uint32
	entry    TableEntry
	target   Target
	resolved bool
	disabled bool

	// rawOriginal is what the tail of the chain calls: the trampoline of an
	// inline hook or the previous vtable slot value. Valid while attached.
	rawOriginal uintptr
	attached    bool
	chain       []*chainLink
}

// Engine is the per-target hook registry. All methods are safe for
// concurrent use; every patch runs under the freezer.
type Engine struct {
	mu sync.Mutex

	settings config.HookSettings
	strategy Strategy
	table    *Table
	debugger *Debugger

	mechanisms map[Kind]Mechanism
	slots      SlotAllocator
	freeze     Freezer
	modules    ModuleResolver

	sites  map[uint32]*site
	nextID uint32
	seq    uint64
}

// Option tailors an Engine; tests use these to substitute the OS-facing
// pieces.
type Option func(*Engine)

// WithMechanism installs m for its kind.
func WithMechanism(m Mechanism) Option {
	return func(e *Engine) { e.mechanisms[m.Kind()] = m }
}

// WithSlotAllocator replaces the jump-table allocator.
func WithSlotAllocator(alloc SlotAllocator) Option {
	return func(e *Engine) { e.slots = alloc }
}

// WithFreezer replaces the thread freezer.
func WithFreezer(f Freezer) Option {
	return func(e *Engine) { e.freeze = f }
}

// WithModuleResolver replaces the symbol resolver used at site set-up.
func WithModuleResolver(r ModuleResolver) Option {
	return func(e *Engine) { e.modules = r }
}

// WithDebugger replaces the diagnostics debugger.
func WithDebugger(d *Debugger) Option {
	return func(e *Engine) { e.debugger = d }
}

// New builds an engine with the platform defaults, then applies opts.
func New(settings config.HookSettings, table *Table, opts ...Option) (*Engine, error) {
	strategy, err := ParseStrategy(settings.HookStrategy)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		settings:   settings,
		strategy:   strategy,
		table:      table,
		mechanisms: make(map[Kind]Mechanism),
		freeze:     nopFreezer,
		sites:      make(map[uint32]*site),
	}
	platformDefaults(e)
	for _, opt := range opts {
		opt(e)
	}
	if e.debugger == nil {
		e.debugger = NewDebugger(nopResolver{})
	}

	if settings.Debug {
		if err := e.debugger.Enable(settings.VerboseDbgHelp); err != nil {
			logging.Op().Warn("hook debug mode requested but symbol loading failed", "error", err)
		}
	}
	return e, nil
}

// Debugger exposes the diagnostics debugger.
func (e *Engine) Debugger() *Debugger { return e.debugger }

// Table exposes the identifier table.
func (e *Engine) Table() *Table { return e.table }

// Strategy reports the active chaining strategy.
func (e *Engine) Strategy() Strategy { return e.strategy }

// MakeUniqueID hands out identifiers for sites created at runtime (beyond
// the ones the identifier table was built with).
func (e *Engine) MakeUniqueID() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		e.nextID++
		id := ^uint32(0) - e.nextID
		if _, ok := e.sites[id]; !ok {
			if _, ok := e.table.Lookup(id); !ok {
				return id
			}
		}
	}
}

// ResolveSites resolves the target address of every c-function entry in the
// identifier table. A failed resolution logs a warning and disables the
// site; SetHook on it reports ErrTargetUnavailable.
func (e *Engine) ResolveSites() {
	for _, entry := range e.table.Entries() {
		if entry.Kind != KindCFunction {
			continue
		}
		e.mu.Lock()
		st := e.ensureSiteLocked(entry)
		if st.resolved || st.disabled {
			e.mu.Unlock()
			continue
		}
		e.mu.Unlock()

		addr, err := e.modules.Resolve(entry.Module, entry.Symbol)

		e.mu.Lock()
		if err != nil {
			logging.Op().Warn("failed to resolve hook target",
				"id", entry.ID, "name", entry.Name, "module", entry.Module,
				"symbol", entry.Symbol, "error", err)
			st.disabled = true
		} else {
			st.target = Target{Kind: KindCFunction, Address: addr}
			st.resolved = true
		}
		e.mu.Unlock()
	}
}

// SetVTableSite binds a vtable-slot identifier to a concrete object: the
// caller supplies the vtable pointer and the byte offset of the method.
func (e *Engine) SetVTableSite(id uint32, table, offset uintptr) error {
	entry, ok := e.table.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: id %d", ErrUnknownID, id)
	}
	if entry.Kind != KindVTable {
		return fmt.Errorf("id %d (%s) is not a vtable slot", id, entry.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.ensureSiteLocked(entry)
	if st.attached {
		return fmt.Errorf("id %d (%s): cannot rebind an attached site", id, entry.Name)
	}
	st.target = VTableTarget(table, offset)
	st.resolved = true
	st.disabled = false
	return nil
}

func (e *Engine) ensureSiteLocked(entry TableEntry) *site {
	st, ok := e.sites[entry.ID]
	if !ok {
		st = &site{id: entry.ID, entry: entry}
		e.sites[entry.ID] = st
	}
	return st
}

// SetHook installs detour at the site identified by id and returns the
// address the detour must call to reach the original (possibly the next
// detour in the chain). Higher priorities run earlier; equal priorities
// preserve insertion order.
func (e *Engine) SetHook(id uint32, detour uintptr, priority uint32) (uintptr, error) {
	entry, ok := e.table.Lookup(id)
	if !ok {
		return 0, fmt.Errorf("%w: id %d", ErrUnknownID, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.ensureSiteLocked(entry)
	if st.disabled {
		metrics.HookOp("set", entry.Kind.String(), "unavailable")
		return 0, fmt.Errorf("%w: %s (id %d)", ErrTargetUnavailable, entry.Name, id)
	}
	if !st.resolved {
		metrics.HookOp("set", entry.Kind.String(), "unavailable")
		return 0, fmt.Errorf("%w: %s (id %d) has no resolved target", ErrTargetUnavailable, entry.Name, id)
	}

	if e.strategy == StrategySingle && len(st.chain) > 0 {
		metrics.HookOp("set", entry.Kind.String(), "duplicate")
		return 0, fmt.Errorf("%w: site %s already hooked (single strategy)", ErrDuplicateRegistration, entry.Name)
	}

	if e.settings.Debug {
		logging.Op().Debug("setting hook",
			"site", e.debugger.Symbol(st.target.Address),
			"detour", e.debugger.Symbol(detour),
			"priority", priority)
	}

	release, err := e.freeze()
	if err != nil {
		return 0, fmt.Errorf("freeze threads: %w", err)
	}
	defer release()

	// Rehooking the same detour only changes its priority.
	if link := st.findLink(detour); link != nil {
		link.priority = priority
		st.removeLink(detour)
		st.insertLink(link)
		if err := e.relinkLocked(st); err != nil {
			return 0, err
		}
		metrics.HookOp("set", entry.Kind.String(), "ok")
		return link.slot.Addr(), nil
	}

	slot, err := e.slots(st.target.Address)
	if err != nil {
		return 0, fmt.Errorf("allocate jump table for %s: %w", entry.Name, err)
	}
	e.debugger.RegisterJumpTable(slot.Addr(), st.target.Address)

	e.seq++
	st.insertLink(&chainLink{detour: detour, priority: priority, seq: e.seq, slot: slot})

	if err := e.relinkLocked(st); err != nil {
		st.removeLink(detour)
		e.debugger.UnregisterJumpTable(slot.Addr())
		slot.Free()
		metrics.HookOp("set", entry.Kind.String(), "error")
		return 0, err
	}

	metrics.HookOp("set", entry.Kind.String(), "ok")
	metrics.SetActiveHooks(e.activeLocked())
	return slot.Addr(), nil
}

// RemoveHook removes the detour from id's chain, re-stitching the remaining
// links. Removing the last detour restores the original code path.
func (e *Engine) RemoveHook(id uint32, detour uintptr) error {
	entry, ok := e.table.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: id %d", ErrUnknownID, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.sites[id]
	if st == nil || st.findLink(detour) == nil {
		return fmt.Errorf("no hook registered for %s (id %d) with this detour", entry.Name, id)
	}

	if e.settings.Debug {
		logging.Op().Debug("removing hook",
			"site", e.debugger.Symbol(st.target.Address),
			"detour", e.debugger.Symbol(detour))
	}

	release, err := e.freeze()
	if err != nil {
		return fmt.Errorf("freeze threads: %w", err)
	}
	defer release()

	link := st.removeLink(detour)
	if err := e.relinkLocked(st); err != nil {
		return err
	}

	e.debugger.UnregisterJumpTable(link.slot.Addr())
	if err := link.slot.Free(); err != nil {
		logging.Op().Warn("failed to free jump table", "error", err)
	}

	metrics.HookOp("remove", entry.Kind.String(), "ok")
	metrics.SetActiveHooks(e.activeLocked())
	return nil
}

// TearDown removes every hook and releases engine resources. Called when
// the bootstrap module tears down.
func (e *Engine) TearDown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	release, err := e.freeze()
	if err != nil {
		return fmt.Errorf("freeze threads: %w", err)
	}

	var firstErr error
	for _, st := range e.sites {
		for _, link := range st.chain {
			e.debugger.UnregisterJumpTable(link.slot.Addr())
			link.slot.Free()
		}
		st.chain = nil
		if st.attached {
			if err := e.detachLocked(st); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	release()

	metrics.SetActiveHooks(0)
	if err := e.debugger.TearDown(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// relinkLocked rewires the site after any chain change: the target jumps to
// the head detour, every slot jumps to the next detour, the tail slot jumps
// to the raw original. Caller holds the engine lock and the freeze.
func (e *Engine) relinkLocked(st *site) error {
	mech, ok := e.mechanisms[st.target.Kind]
	if !ok {
		return fmt.Errorf("no mechanism for %s hooks on this platform", st.target.Kind)
	}

	if len(st.chain) == 0 {
		if st.attached {
			return e.detachLocked(st)
		}
		return nil
	}

	head := st.chain[0]
	if !st.attached {
		original, err := mech.Attach(st.target, head.detour)
		if err != nil {
			return err
		}
		st.rawOriginal = original
		st.attached = true
		if st.target.Kind == KindCFunction {
			e.debugger.RegisterTrampoline(original, st.target.Address)
		}
	} else if err := mech.Retarget(st.target, head.detour); err != nil {
		return err
	}

	for i, link := range st.chain {
		next := st.rawOriginal
		if i+1 < len(st.chain) {
			next = st.chain[i+1].detour
		}
		if err := link.slot.SetTarget(next); err != nil {
			return fmt.Errorf("retarget jump table: %w", err)
		}
	}

	if e.settings.Debug {
		logging.Op().Debug("hook chain relinked",
			"site", e.debugger.Symbol(st.target.Address),
			"links", len(st.chain),
			"head", e.debugger.Symbol(head.detour))
	}
	return nil
}

func (e *Engine) detachLocked(st *site) error {
	mech := e.mechanisms[st.target.Kind]
	if err := mech.Detach(st.target); err != nil {
		return err
	}
	if st.target.Kind == KindCFunction {
		e.debugger.UnregisterTrampoline(st.rawOriginal)
	}
	st.attached = false
	st.rawOriginal = 0
	return nil
}

func (e *Engine) activeLocked() int {
	n := 0
	for _, st := range e.sites {
		n += len(st.chain)
	}
	return n
}

func (s *site) findLink(detour uintptr) *chainLink {
	for _, l := range s.chain {
		if l.detour == detour {
			return l
		}
	}
	return nil
}

func (s *site) insertLink(l *chainLink) {
	s.chain = append(s.chain, l)
	sort.SliceStable(s.chain, func(i, j int) bool {
		if s.chain[i].priority != s.chain[j].priority {
			return s.chain[i].priority > s.chain[j].priority
		}
		return s.chain[i].seq < s.chain[j].seq
	})
}

func (s *site) removeLink(detour uintptr) *chainLink {
	for i, l := range s.chain {
		if l.detour == detour {
			s.chain = append(s.chain[:i], s.chain[i+1:]...)
			return l
		}
	}
	return nil
}
