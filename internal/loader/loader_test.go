package loader

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/thfabian/bifrost/internal/arena"
	"github.com/thfabian/bifrost/internal/params"
	"github.com/thfabian/bifrost/internal/shared"
)

// fakeHost loads in-process fake plugins and records every entry-point
// invocation, in order, the way the test plugins of the original system
// write their SetUp/TearDown markers to a file.
type fakeHost struct {
	mu       sync.Mutex
	sequence []string
	help     string
	failPath string // setup of this path returns a nonzero status
	loads    int
}

func (h *fakeHost) Load(path string) (Module, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if path == "" {
		return nil, errors.New("empty path")
	}
	h.loads++
	return &fakeModule{host: h, path: path}, nil
}

func (h *fakeHost) record(event string) {
	h.mu.Lock()
	h.sequence = append(h.sequence, event)
	h.mu.Unlock()
}

func (h *fakeHost) joined() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sequence) == 0 {
		return ""
	}
	return strings.Join(h.sequence, ":") + ":"
}

type fakeModule struct {
	host     *fakeHost
	path     string
	released bool
}

func (m *fakeModule) Name() string { return m.path }
func (m *fakeModule) Path() string { return m.path }

func (m *fakeModule) Invoke(export, arg string) (uint32, error) {
	switch export {
	case ExportSetup:
		m.host.record("SetUp")
		if m.path == m.host.failPath {
			return StatusError, nil
		}
	case ExportTeardown:
		m.host.record("TearDown")
	case ExportMessage:
		m.host.record("Message=" + arg)
	default:
		return StatusError, fmt.Errorf("no export %q", export)
	}
	return StatusOK, nil
}

func (m *fakeModule) Help() (string, bool) {
	if m.host.help == "" {
		return "", false
	}
	return m.host.help, true
}

func (m *fakeModule) Release() error {
	m.released = true
	return nil
}

// testTarget wires an injector-side arena with a loader runtime attached to
// it, the way the two processes share the region at run time.
func testTarget(t *testing.T, host ModuleHost) (*Runtime, *shared.Context) {
	t.Helper()

	m := arena.NewHeapMapping("bifrost-test", 512*1024)
	a, err := arena.New(m)
	if err != nil {
		t.Fatalf("create arena: %v", err)
	}
	injectorCtx, err := shared.Create(a)
	if err != nil {
		t.Fatalf("create shared context: %v", err)
	}

	runtime, err := Attach(
		params.Injector{SharedMemoryName: "bifrost-test", SharedMemorySize: 512 * 1024, Pid: 1},
		Options{
			Host: host,
			OpenMapping: func(name string, size uint64) (arena.Mapping, error) {
				return m.View(), nil
			},
		})
	if err != nil {
		t.Fatalf("attach runtime: %v", err)
	}
	return runtime, injectorCtx
}

func loadPayload(force bool) string {
	return params.Load{Plugins: []params.LoadPlugin{
		{Identifier: "TestPlugin", Path: "plugin.dll", Arguments: "file;3", ForceLoad: force},
	}}.Encode()
}

func TestLoadSetupTeardown(t *testing.T) {
	host := &fakeHost{}
	runtime, _ := testTarget(t, host)

	if err := runtime.LoadPlugins(loadPayload(false)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := runtime.Plugins(); len(got) != 1 || got[0] != "TestPlugin" {
		t.Fatalf("plugins = %v", got)
	}
	if err := runtime.Detach(); err != nil {
		t.Fatalf("detach: %v", err)
	}

	if got := host.joined(); got != "SetUp:TearDown:" {
		t.Fatalf("sequence = %q, want SetUp:TearDown:", got)
	}
}

func TestBenignDoubleLoad(t *testing.T) {
	host := &fakeHost{}
	runtime, _ := testTarget(t, host)

	if err := runtime.LoadPlugins(loadPayload(false)); err != nil {
		t.Fatalf("first load: %v", err)
	}
	if err := runtime.LoadPlugins(loadPayload(false)); err != nil {
		t.Fatalf("second load: %v", err)
	}
	runtime.Detach()

	// The second load is a no-op.
	if got := host.joined(); got != "SetUp:TearDown:" {
		t.Fatalf("sequence = %q, want SetUp:TearDown:", got)
	}
	if host.loads != 1 {
		t.Fatalf("module loaded %d times, want 1", host.loads)
	}
}

func TestForceReload(t *testing.T) {
	host := &fakeHost{}
	runtime, _ := testTarget(t, host)

	if err := runtime.LoadPlugins(loadPayload(false)); err != nil {
		t.Fatalf("first load: %v", err)
	}
	if err := runtime.LoadPlugins(loadPayload(true)); err != nil {
		t.Fatalf("force reload: %v", err)
	}
	runtime.Detach()

	if got := host.joined(); got != "SetUp:TearDown:SetUp:TearDown:" {
		t.Fatalf("sequence = %q, want SetUp:TearDown:SetUp:TearDown:", got)
	}
}

func TestFailedSetupReportsLastError(t *testing.T) {
	host := &fakeHost{failPath: "plugin.dll"}
	runtime, injectorCtx := testTarget(t, host)

	if err := runtime.LoadPlugins(loadPayload(false)); err == nil {
		t.Fatalf("load of failing plugin succeeded")
	}
	if got := runtime.Plugins(); len(got) != 0 {
		t.Fatalf("failed plugin kept loaded: %v", got)
	}

	// The injector reads the detail from the reserved store key.
	msg, err := injectorCtx.Store().GetString(LastErrorKey("TestPlugin"))
	if err != nil {
		t.Fatalf("last error not recorded: %v", err)
	}
	if !strings.Contains(msg, "status 1") {
		t.Fatalf("last error = %q", msg)
	}
}

func TestUnloadOutcomes(t *testing.T) {
	host := &fakeHost{}
	runtime, injectorCtx := testTarget(t, host)

	payload := params.Load{Plugins: []params.LoadPlugin{
		{Identifier: "A", Path: "a.dll"},
		{Identifier: "B", Path: "b.dll"},
	}}.Encode()
	if err := runtime.LoadPlugins(payload); err != nil {
		t.Fatalf("load: %v", err)
	}

	outcome, err := runtime.UnloadPlugins(params.Unload{Plugins: []string{"A", "Missing"}}.Encode())
	if err != nil {
		t.Fatalf("unload: %v", err)
	}
	if !outcome["A"] || outcome["Missing"] {
		t.Fatalf("outcome = %v", outcome)
	}

	// Outcomes are mirrored into the store for the injector.
	if ok, err := injectorCtx.Store().GetBool(UnloadedKey("A")); err != nil || !ok {
		t.Fatalf("bfl.unload.A = %v, %v", ok, err)
	}
	if ok, err := injectorCtx.Store().GetBool(UnloadedKey("Missing")); err != nil || ok {
		t.Fatalf("bfl.unload.Missing = %v, %v", ok, err)
	}

	if got := runtime.Plugins(); len(got) != 1 || got[0] != "B" {
		t.Fatalf("plugins after partial unload = %v", got)
	}
}

func TestUnloadAll(t *testing.T) {
	host := &fakeHost{}
	runtime, _ := testTarget(t, host)

	payload := params.Load{Plugins: []params.LoadPlugin{
		{Identifier: "A", Path: "a.dll"},
		{Identifier: "B", Path: "b.dll"},
	}}.Encode()
	runtime.LoadPlugins(payload)

	outcome, err := runtime.UnloadPlugins(params.Unload{UnloadAll: true}.Encode())
	if err != nil {
		t.Fatalf("unload all: %v", err)
	}
	if len(outcome) != 2 || !outcome["A"] || !outcome["B"] {
		t.Fatalf("outcome = %v", outcome)
	}
	if got := runtime.Plugins(); len(got) != 0 {
		t.Fatalf("plugins after unload all = %v", got)
	}
}

func TestPluginListPublishedToStore(t *testing.T) {
	host := &fakeHost{}
	runtime, injectorCtx := testTarget(t, host)

	payload := params.Load{Plugins: []params.LoadPlugin{
		{Identifier: "A", Path: "a.dll"},
		{Identifier: "B", Path: "b.dll"},
	}}.Encode()
	runtime.LoadPlugins(payload)

	store := injectorCtx.Store()
	if n, err := store.GetInt(KeyPluginCount); err != nil || n != 2 {
		t.Fatalf("plugin count = %v, %v", n, err)
	}
	if name, err := store.GetString(PluginNameKey(0)); err != nil || name != "A" {
		t.Fatalf("plugin 0 = %q, %v", name, err)
	}
	if name, err := store.GetString(PluginNameKey(1)); err != nil || name != "B" {
		t.Fatalf("plugin 1 = %q, %v", name, err)
	}

	runtime.UnloadPlugins(params.Unload{UnloadAll: true}.Encode())
	if n, _ := store.GetInt(KeyPluginCount); n != 0 {
		t.Fatalf("plugin count after unload = %d", n)
	}
	if store.Contains(PluginNameKey(0)) {
		t.Fatalf("stale plugin name key survives unload")
	}
}

func TestMessageDispatch(t *testing.T) {
	host := &fakeHost{}
	runtime, _ := testTarget(t, host)

	runtime.LoadPlugins(loadPayload(false))
	if err := runtime.MessagePlugin(params.Message{Identifier: "TestPlugin", Message: "ping"}.Encode()); err != nil {
		t.Fatalf("message: %v", err)
	}
	if err := runtime.MessagePlugin(params.Message{Identifier: "Nobody", Message: "x"}.Encode()); err == nil {
		t.Fatalf("message to unknown plugin succeeded")
	}

	if got := host.joined(); got != "SetUp:Message=ping:" {
		t.Fatalf("sequence = %q", got)
	}
}

func TestPluginHelp(t *testing.T) {
	host := &fakeHost{help: "Help"}
	help, err := PluginHelp(host, "plugin.dll")
	if err != nil {
		t.Fatalf("help: %v", err)
	}
	if help != "Help" {
		t.Fatalf("help = %q, want Help", help)
	}

	noHelp := &fakeHost{}
	help, err = PluginHelp(noHelp, "plugin.dll")
	if err != nil || help != "" {
		t.Fatalf("help without export = %q, %v", help, err)
	}
}

func TestBootstrapEntryPoints(t *testing.T) {
	host := &fakeHost{}

	m := arena.NewHeapMapping("bifrost-entry", 512*1024)
	a, err := arena.New(m)
	if err != nil {
		t.Fatalf("create arena: %v", err)
	}
	if _, err := shared.Create(a); err != nil {
		t.Fatalf("create shared context: %v", err)
	}

	b := NewBootstrap(Options{
		Host: host,
		OpenMapping: func(name string, size uint64) (arena.Mapping, error) {
			return m.View(), nil
		},
	})

	param := params.Injector{
		SharedMemoryName: "bifrost-entry",
		SharedMemorySize: 512 * 1024,
		Pid:              42,
		CustomArgument:   loadPayload(false),
	}
	if status := b.Setup(param.Encode()); status != StatusOK {
		t.Fatalf("setup entry = %d", status)
	}

	param.CustomArgument = params.Unload{UnloadAll: true}.Encode()
	if status := b.Teardown(param.Encode()); status != StatusOK {
		t.Fatalf("teardown entry = %d", status)
	}

	if got := host.joined(); got != "SetUp:TearDown:" {
		t.Fatalf("sequence = %q", got)
	}

	// Garbage parameter blocks fail with a nonzero status, never a panic.
	if status := b.Setup("not json"); status != StatusError {
		t.Fatalf("setup with garbage block = %d", status)
	}

	// A different shared-memory name is rejected.
	param.SharedMemoryName = "someone-else"
	if status := b.Setup(param.Encode()); status != StatusError {
		t.Fatalf("setup with mismatched arena = %d", status)
	}
}
