// Package injector drives the whole pipeline from the controlling process:
// create or reuse the shared arena, build the parameter block, launch or
// attach to the target, inject the bootstrap module, and surface the
// target's log records and errors.
package injector

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thfabian/bifrost/internal/arena"
	"github.com/thfabian/bifrost/internal/config"
	"github.com/thfabian/bifrost/internal/loader"
	"github.com/thfabian/bifrost/internal/logging"
	"github.com/thfabian/bifrost/internal/metrics"
	"github.com/thfabian/bifrost/internal/observability"
	"github.com/thfabian/bifrost/internal/params"
	"github.com/thfabian/bifrost/internal/proc"
	"github.com/thfabian/bifrost/internal/shared"
)

// Mode selects how the target process is acquired.
type Mode int

const (
	ModeLaunch Mode = iota
	ModeConnectPid
	ModeConnectName
)

// ExecutableSpec names the target process.
type ExecutableSpec struct {
	Mode      Mode
	Path      string   // ModeLaunch
	Arguments []string // ModeLaunch
	Pid       uint32   // ModeConnectPid
	Name      string   // ModeConnectName
}

// PluginSpec describes one plugin to load into the target.
type PluginSpec struct {
	Name      string
	Path      string
	Arguments string
	ForceLoad bool
}

// LoadResult reports a successful plugin load.
type LoadResult struct {
	Pid              uint32
	SharedMemoryName string
	SharedMemorySize uint64
}

// UnloadResult reports the per-plugin unload outcome, read back from the
// shared store after the remote teardown returned.
type UnloadResult struct {
	Unloaded map[string]bool
}

// MappingOpener opens the arena mapping; replaced in tests.
type MappingOpener func(name string, size uint64) (arena.Mapping, error)

// Injector owns the arena, the log consumer draining the target's records
// and the last-error state. One Injector can drive several processes
// against the same arena.
type Injector struct {
	mu  sync.Mutex
	cfg *config.Config

	openMapping MappingOpener
	callbacks   *logging.CallbackRegistry

	mem      *arena.Arena
	sctx     *shared.Context
	consumer *shared.Consumer

	lastError string
}

// Option tailors an Injector.
type Option func(*Injector)

// WithMappingOpener substitutes the shared-memory opener.
func WithMappingOpener(open MappingOpener) Option {
	return func(i *Injector) { i.openMapping = open }
}

// New builds an injector. Log records drained from the target are always fed
// to the operational logger; RegisterLogCallback adds further receivers.
func New(cfg *config.Config, opts ...Option) *Injector {
	i := &Injector{
		cfg:       cfg,
		callbacks: logging.NewCallbackRegistry(),
	}
	i.openMapping = func(name string, size uint64) (arena.Mapping, error) {
		m, err := arena.OpenSection(name, size)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	for _, opt := range opts {
		opt(i)
	}
	i.callbacks.Register("bifrost.slog", logging.SlogCallback())
	return i
}

// RegisterLogCallback adds a named callback receiving every record drained
// from the target. Registration is idempotent per name.
func (i *Injector) RegisterLogCallback(name string, cb logging.Callback) {
	i.callbacks.Register(name, cb)
}

// LastError returns the last failure the injector recorded.
func (i *Injector) LastError() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.lastError == "" {
		return "No Error"
	}
	return i.lastError
}

func (i *Injector) fail(err error) error {
	i.mu.Lock()
	i.lastError = err.Error()
	i.mu.Unlock()
	return err
}

// ensureArena creates or reuses the shared memory. A fresh UUID names the
// arena when the configuration leaves the name empty.
func (i *Injector) ensureArena() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	name := i.cfg.SharedMemory.Name
	size := i.cfg.SharedMemory.SizeBytes
	if i.mem != nil {
		if (name == "" || name == i.mem.Name()) && (size == 0 || size == i.mem.Size()) {
			return nil
		}
		i.teardownArenaLocked()
	}
	if name == "" {
		name = "bifrost-" + uuid.New().String()
	}

	mapping, err := i.openMapping(name, size)
	if err != nil {
		return fmt.Errorf("open shared memory %q: %w", name, err)
	}
	mem, err := arena.New(mapping)
	if err != nil {
		mapping.Close()
		return err
	}

	var sctx *shared.Context
	if mem.Created() {
		sctx, err = shared.Create(mem)
	} else {
		sctx, err = shared.Attach(mem)
	}
	if err != nil {
		mem.Close()
		return err
	}

	i.mem = mem
	i.sctx = sctx
	i.consumer = shared.NewConsumer(sctx.Stash(), i.callbacks)
	metrics.SetArenaAllocated(mem.Size() - mem.FreeBytes())
	logging.Op().Debug("shared memory ready", "name", mem.Name(), "size", mem.Size())
	return nil
}

func (i *Injector) teardownArenaLocked() {
	if i.consumer != nil {
		i.consumer.Stop()
		i.consumer = nil
	}
	if i.sctx != nil {
		i.sctx.Detach()
		i.sctx = nil
	}
	if i.mem != nil {
		i.mem.Close()
		i.mem = nil
	}
}

// SharedMemoryName returns the active arena name.
func (i *Injector) SharedMemoryName() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.mem == nil {
		return ""
	}
	return i.mem.Name()
}

// Store exposes the shared store (nil before the first load).
func (i *Injector) Store() *shared.Store {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.sctx == nil {
		return nil
	}
	return i.sctx.Store()
}

// makeParams builds the parameter block for one bootstrap invocation.
func (i *Injector) makeParams(customArgument string) (params.Injector, error) {
	wd, err := os.Getwd()
	if err != nil {
		return params.Injector{}, fmt.Errorf("working directory: %w", err)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return params.Injector{
		SharedMemoryName: i.mem.Name(),
		SharedMemorySize: i.mem.Size(),
		Pid:              uint32(os.Getpid()),
		WorkingDirectory: wd,
		CustomArgument:   customArgument,
	}, nil
}

func (i *Injector) timeout() time.Duration {
	return time.Duration(i.cfg.Injector.TimeoutMs) * time.Millisecond
}

// acquireProcess launches or opens the target per spec.
func acquireProcess(exe ExecutableSpec) (*proc.Process, error) {
	switch exe.Mode {
	case ModeLaunch:
		return proc.Launch(proc.LaunchSpec{
			Executable: exe.Path,
			Arguments:  exe.Arguments,
			Suspended:  true,
		})
	case ModeConnectPid:
		return proc.OpenPid(exe.Pid)
	case ModeConnectName:
		return proc.OpenName(exe.Name)
	default:
		return nil, fmt.Errorf("unknown executable mode %d", exe.Mode)
	}
}

// inject runs one bootstrap entry point inside the target.
func (i *Injector) inject(ctx context.Context, p *proc.Process, entry, payload string) error {
	param, err := i.makeParams(payload)
	if err != nil {
		return err
	}

	_, span := observability.StartSpan(ctx, "bifrost.inject",
		observability.AttrEntry.String(entry),
		observability.AttrTargetPid.Int64(int64(p.Pid())),
	)
	defer span.End()

	start := time.Now()
	err = p.Inject(proc.InjectSpec{
		ModulePath: i.cfg.Injector.BootstrapPath,
		EntryProc:  entry,
		EntryArg:   param.Encode(),
		Timeout:    i.timeout(),
	})
	if err != nil {
		observability.SetSpanError(span, err)
		metrics.Injection(entry, "error", time.Since(start))
		return err
	}
	metrics.Injection(entry, "ok", time.Since(start))
	return nil
}

// LoadPlugins is the main pipeline: ensure the arena, acquire the target,
// inject the bootstrap and drive its setup entry point with the plugin
// list. On a launch, only the threads that existed at launch time are
// resumed afterwards; a failed launch leaves no process behind.
func (i *Injector) LoadPlugins(ctx context.Context, exe ExecutableSpec, plugins []PluginSpec) (*proc.Process, *LoadResult, error) {
	ctx, span := observability.StartSpan(ctx, "bifrost.plugin_load",
		observability.AttrPluginCount.Int(len(plugins)),
	)
	defer span.End()

	logging.Op().Info("loading plugins into remote process", "plugins", len(plugins))

	if err := i.ensureArena(); err != nil {
		observability.SetSpanError(span, err)
		return nil, nil, i.fail(err)
	}

	load := params.Load{}
	for _, p := range plugins {
		load.Plugins = append(load.Plugins, params.LoadPlugin{
			Identifier: p.Name,
			Path:       p.Path,
			Arguments:  p.Arguments,
			ForceLoad:  p.ForceLoad,
		})
	}

	p, err := acquireProcess(exe)
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, nil, i.fail(err)
	}

	if err := i.inject(ctx, p, loader.ExportSetup, load.Encode()); err != nil {
		if exe.Mode == ModeLaunch {
			p.Kill()
		}
		p.Close()
		observability.SetSpanError(span, err)
		return nil, nil, i.fail(fmt.Errorf("load plugins: %w", err))
	}

	if exe.Mode == ModeLaunch {
		if err := p.ResumeInitial(); err != nil {
			p.Kill()
			p.Close()
			observability.SetSpanError(span, err)
			return nil, nil, i.fail(err)
		}
	}

	i.mu.Lock()
	result := &LoadResult{
		Pid:              p.Pid(),
		SharedMemoryName: i.mem.Name(),
		SharedMemorySize: i.mem.Size(),
	}
	i.mu.Unlock()

	logging.Op().Info("successfully loaded plugins", "pid", result.Pid)
	return p, result, nil
}

// UnloadPlugins drives the teardown entry point and reads the per-plugin
// outcome back from the store.
func (i *Injector) UnloadPlugins(ctx context.Context, p *proc.Process, names []string, all bool) (*UnloadResult, error) {
	ctx, span := observability.StartSpan(ctx, "bifrost.plugin_unload")
	defer span.End()

	logging.Op().Info("unloading plugins from remote process", "pid", p.Pid(), "all", all)

	if err := i.ensureArena(); err != nil {
		observability.SetSpanError(span, err)
		return nil, i.fail(err)
	}

	payload := params.Unload{UnloadAll: all, Plugins: names}.Encode()
	if err := i.inject(ctx, p, loader.ExportTeardown, payload); err != nil {
		observability.SetSpanError(span, err)
		return nil, i.fail(fmt.Errorf("unload plugins: %w", err))
	}

	return &UnloadResult{Unloaded: i.readUnloadOutcomes(names)}, nil
}

// readUnloadOutcomes collects bfl.unload.<name> for the requested names,
// or every recorded outcome when the request was unload-all.
func (i *Injector) readUnloadOutcomes(names []string) map[string]bool {
	store := i.Store()
	out := make(map[string]bool)
	if store == nil {
		return out
	}

	if len(names) == 0 {
		for _, key := range store.Keys("bfl.unload.") {
			if ok, err := store.GetBool(key); err == nil {
				out[key[len("bfl.unload."):]] = ok
			}
		}
		return out
	}
	for _, name := range names {
		ok, err := store.GetBool(loader.UnloadedKey(name))
		out[name] = err == nil && ok
	}
	return out
}

// MessagePlugin sends a message to one plugin inside the target.
func (i *Injector) MessagePlugin(ctx context.Context, p *proc.Process, plugin, message string) error {
	ctx, span := observability.StartSpan(ctx, "bifrost.plugin_message",
		observability.AttrPlugin.String(plugin),
	)
	defer span.End()

	if err := i.ensureArena(); err != nil {
		observability.SetSpanError(span, err)
		return i.fail(err)
	}

	payload := params.Message{Identifier: plugin, Message: message}.Encode()
	if err := i.inject(ctx, p, loader.ExportMessage, payload); err != nil {
		observability.SetSpanError(span, err)
		return i.fail(fmt.Errorf("message plugin %q: %w", plugin, err))
	}
	return nil
}

// Wait blocks until the process exits or timeout elapses; on expiry a
// process we launched is killed. A zero timeout waits forever.
func (i *Injector) Wait(p *proc.Process, timeout time.Duration) (uint32, error) {
	code, err := p.Wait(timeout)
	if err == proc.ErrWaitTimeout {
		if p.Launched() {
			logging.Op().Warn("process timed out, killing", "pid", p.Pid())
			if killErr := p.Kill(); killErr != nil {
				logging.Op().Warn("kill after timeout failed", "error", killErr)
			}
		}
		return 0, i.fail(err)
	}
	if err != nil {
		return 0, i.fail(err)
	}
	return code, nil
}

// Close stops the log consumer after a final drain and releases the arena.
func (i *Injector) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.teardownArenaLocked()
	return nil
}
