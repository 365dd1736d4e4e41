package hook

import (
	"fmt"
	"sort"
	"sync"
)

// TableEntry describes one hookable function or method. Identifiers are
// assigned per target at plugin build time and stay stable across loads.
type TableEntry struct {
	ID     uint32
	Name   string // human-readable, e.g. "bifrost_add" or "Adder::add"
	Module string // module the target lives in, e.g. "hook-dll.dll"
	Kind   Kind
	Symbol string // exported symbol name; empty for vtable slots
}

// Table is the identifier table: the one place where a plugin's view of its
// targets is materialized. The engine consults it when setting up a site.
type Table struct {
	mu      sync.Mutex
	entries map[uint32]TableEntry
}

func NewTable() *Table {
	return &Table{entries: make(map[uint32]TableEntry)}
}

// Register adds one entry. Registering an already-known id fails.
func (t *Table) Register(e TableEntry) error {
	if e.Kind == KindCFunction && e.Symbol == "" {
		return fmt.Errorf("table entry %d (%s): c-function targets need an exported symbol", e.ID, e.Name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.entries[e.ID]; ok {
		return fmt.Errorf("table entry %d already registered as %q", e.ID, prev.Name)
	}
	t.entries[e.ID] = e
	return nil
}

// Lookup returns the entry for id.
func (t *Table) Lookup(id uint32) (TableEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return e, ok
}

// Entries returns all entries ordered by id.
func (t *Table) Entries() []TableEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TableEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
