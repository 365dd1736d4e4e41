package injector

import (
	"testing"

	"github.com/thfabian/bifrost/internal/arena"
	"github.com/thfabian/bifrost/internal/config"
	"github.com/thfabian/bifrost/internal/loader"
)

// heapOpener hands out heap-backed mappings keyed by name, so the injector
// logic runs without a Windows section behind it.
type heapOpener struct {
	mappings map[string]*arena.HeapMapping
	opens    int
}

func newHeapOpener() *heapOpener {
	return &heapOpener{mappings: make(map[string]*arena.HeapMapping)}
}

func (o *heapOpener) open(name string, size uint64) (arena.Mapping, error) {
	o.opens++
	if m, ok := o.mappings[name]; ok {
		return m.View(), nil
	}
	m := arena.NewHeapMapping(name, size)
	o.mappings[name] = m
	return m, nil
}

func newTestInjector(t *testing.T, cfg *config.Config) (*Injector, *heapOpener) {
	t.Helper()
	opener := newHeapOpener()
	inj := New(cfg, WithMappingOpener(opener.open))
	t.Cleanup(func() { inj.Close() })
	return inj, opener
}

func TestEnsureArenaGeneratesUniqueName(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SharedMemory.SizeBytes = 256 * 1024
	inj, _ := newTestInjector(t, cfg)

	if err := inj.ensureArena(); err != nil {
		t.Fatalf("ensure arena: %v", err)
	}
	name := inj.SharedMemoryName()
	if name == "" {
		t.Fatalf("no arena name generated")
	}
	if len(name) <= len("bifrost-") || name[:len("bifrost-")] != "bifrost-" {
		t.Fatalf("generated name %q lacks the bifrost- prefix", name)
	}
}

func TestEnsureArenaReusesExisting(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SharedMemory.Name = "fixed-arena"
	cfg.SharedMemory.SizeBytes = 256 * 1024
	inj, opener := newTestInjector(t, cfg)

	if err := inj.ensureArena(); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if err := inj.ensureArena(); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if opener.opens != 1 {
		t.Fatalf("mapping opened %d times, want 1 (reuse)", opener.opens)
	}

	// A different name tears the old arena down and opens a new one.
	cfg.SharedMemory.Name = "other-arena"
	if err := inj.ensureArena(); err != nil {
		t.Fatalf("ensure with new name: %v", err)
	}
	if inj.SharedMemoryName() != "other-arena" {
		t.Fatalf("arena name = %q", inj.SharedMemoryName())
	}
	if opener.opens != 2 {
		t.Fatalf("mapping opened %d times, want 2", opener.opens)
	}
}

func TestMakeParams(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SharedMemory.Name = "param-arena"
	cfg.SharedMemory.SizeBytes = 256 * 1024
	inj, _ := newTestInjector(t, cfg)

	if err := inj.ensureArena(); err != nil {
		t.Fatalf("ensure arena: %v", err)
	}
	param, err := inj.makeParams("custom-payload")
	if err != nil {
		t.Fatalf("make params: %v", err)
	}
	if param.SharedMemoryName != "param-arena" || param.SharedMemorySize != 256*1024 {
		t.Fatalf("params = %+v", param)
	}
	if param.Pid == 0 || param.WorkingDirectory == "" {
		t.Fatalf("params missing pid/cwd: %+v", param)
	}
	if param.CustomArgument != "custom-payload" {
		t.Fatalf("custom argument = %q", param.CustomArgument)
	}
}

func TestLastErrorDefault(t *testing.T) {
	inj, _ := newTestInjector(t, config.DefaultConfig())
	if got := inj.LastError(); got != "No Error" {
		t.Fatalf("initial last error = %q", got)
	}
}

func TestReadUnloadOutcomes(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SharedMemory.Name = "unload-arena"
	cfg.SharedMemory.SizeBytes = 256 * 1024
	inj, _ := newTestInjector(t, cfg)

	if err := inj.ensureArena(); err != nil {
		t.Fatalf("ensure arena: %v", err)
	}
	store := inj.Store()
	store.SetBool(loader.UnloadedKey("A"), true)
	store.SetBool(loader.UnloadedKey("B"), false)

	out := inj.readUnloadOutcomes([]string{"A", "B", "C"})
	if !out["A"] || out["B"] || out["C"] {
		t.Fatalf("outcomes = %v", out)
	}

	// Unload-all asks for every recorded outcome.
	out = inj.readUnloadOutcomes(nil)
	if len(out) != 2 || !out["A"] || out["B"] {
		t.Fatalf("unload-all outcomes = %v", out)
	}
}

func TestUnknownExecutableMode(t *testing.T) {
	if _, err := acquireProcess(ExecutableSpec{Mode: Mode(99)}); err == nil {
		t.Fatalf("unknown mode succeeded")
	}
}
