// Package loader is the in-target half of Bifrost: the runtime the
// bootstrap module drives. It attaches to the arena named in the injector
// parameter block, loads and unloads plugin modules, dispatches messages,
// and records its bookkeeping under the reserved bfl. store namespace.
package loader

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/thfabian/bifrost/internal/arena"
	"github.com/thfabian/bifrost/internal/config"
	"github.com/thfabian/bifrost/internal/hook"
	"github.com/thfabian/bifrost/internal/logging"
	"github.com/thfabian/bifrost/internal/manifest"
	"github.com/thfabian/bifrost/internal/metrics"
	"github.com/thfabian/bifrost/internal/params"
	"github.com/thfabian/bifrost/internal/shared"
)

// Reserved store keys. Everything under "bfl." belongs to the loader.
const (
	KeyPluginCount = "bfl.plugin.count"
	keyPluginName  = "bfl.plugin.%d.name"
	keyLastError   = "bfl.last_error.%s"
	keyUnloaded    = "bfl.unload.%s"
)

// PluginNameKey is the store key carrying the name of the n-th plugin.
func PluginNameKey(n int) string { return fmt.Sprintf(keyPluginName, n) }

// LastErrorKey is the store key carrying the last error of a plugin.
func LastErrorKey(plugin string) string { return fmt.Sprintf(keyLastError, plugin) }

// UnloadedKey is the store key carrying the unload outcome of a plugin.
func UnloadedKey(plugin string) string { return fmt.Sprintf(keyUnloaded, plugin) }

// MappingOpener opens the shared-memory mapping named in the parameter
// block. The default is the named-section opener; tests substitute
// heap-backed mappings.
type MappingOpener func(name string, size uint64) (arena.Mapping, error)

// Options configure a Runtime.
type Options struct {
	Host        ModuleHost
	OpenMapping MappingOpener

	// Synchronous makes plugin log pushes dispatch inline to Callbacks
	// instead of travelling through the stash.
	Synchronous bool
	Callbacks   *logging.CallbackRegistry

	// EngineOptions are applied to the hook engine; tests substitute the
	// OS-facing pieces here.
	EngineOptions []hook.Option
}

// loadedPlugin is one live plugin inside the target.
type loadedPlugin struct {
	id     string
	path   string
	args   string
	module Module
}

// Runtime is the per-target loader state. The bootstrap entry points all
// funnel into one Runtime; plugin set-up and tear-down go through it.
type Runtime struct {
	mu sync.Mutex

	arena   *arena.Arena
	ctx     *shared.Context
	logger  *shared.Logger
	host    ModuleHost
	engine  *hook.Engine
	plugins []*loadedPlugin
}

// Attach parses nothing: it receives the already-decoded parameter block,
// maps the arena it names and joins the shared context. Log records
// produced before the arena is reachable are buffered and flushed into the
// stash once it is.
func Attach(param params.Injector, opts Options) (*Runtime, error) {
	if opts.Host == nil {
		return nil, fmt.Errorf("loader: no module host")
	}
	if opts.OpenMapping == nil {
		opts.OpenMapping = defaultMappingOpener
	}

	buffer := logging.NewBuffer("bifrost_loader")
	buffer.Push(logging.LevelDebug, fmt.Sprintf("attaching to shared memory %q (%d bytes), injector pid %d",
		param.SharedMemoryName, param.SharedMemorySize, param.Pid))

	if param.SharedMemoryName == "" {
		return nil, &params.DecodeError{Kind: "injector parameters", Field: "shared_memory_name"}
	}

	mapping, err := opts.OpenMapping(param.SharedMemoryName, param.SharedMemorySize)
	if err != nil {
		return nil, fmt.Errorf("loader: open shared memory: %w", err)
	}
	a, err := arena.New(mapping)
	if err != nil {
		mapping.Close()
		return nil, fmt.Errorf("loader: %w", err)
	}

	var ctx *shared.Context
	if a.Created() {
		// The injector normally creates the arena first; creating here only
		// happens in standalone use.
		ctx, err = shared.Create(a)
	} else {
		ctx, err = shared.Attach(a)
	}
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("loader: %w", err)
	}

	logger := shared.NewLogger(ctx.Stash(), "bifrost_loader")
	if opts.Synchronous {
		logger.Synchronous(opts.Callbacks)
	}
	buffer.Flush(logger.Sink())

	engine, err := hook.New(config.LoadHookSettings(), hook.NewTable(), opts.EngineOptions...)
	if err != nil {
		ctx.Detach()
		a.Close()
		return nil, fmt.Errorf("loader: hook engine: %w", err)
	}

	return &Runtime{
		arena:  a,
		ctx:    ctx,
		logger: logger,
		host:   opts.Host,
		engine: engine,
	}, nil
}

// VerifySharedMemory checks that a later entry invocation names the arena
// this runtime is already attached to. An empty name is accepted and the
// existing arena kept.
func (r *Runtime) VerifySharedMemory(param params.Injector) error {
	if param.SharedMemoryName == "" {
		r.logger.Log(logging.LevelWarn, fmt.Sprintf("empty shared memory provided, using existing %q", r.arena.Name()))
		return nil
	}
	if param.SharedMemoryName != r.arena.Name() {
		return fmt.Errorf("provided shared memory %q differs from attached %q", param.SharedMemoryName, r.arena.Name())
	}
	return nil
}

// Store exposes the shared store.
func (r *Runtime) Store() *shared.Store { return r.ctx.Store() }

// Engine exposes the per-target hook engine; plugin set-up code installs
// its hooks through it.
func (r *Runtime) Engine() *hook.Engine { return r.engine }

// Logger exposes the stash-backed logger.
func (r *Runtime) Logger() *shared.Logger { return r.logger }

// LoadPlugins executes a plugin-load payload: each named module is loaded
// and its setup entry point invoked with the plugin arguments.
//
// A plugin that is already loaded is skipped unless ForceLoad is set, in
// which case it is torn down and set up again.
func (r *Runtime) LoadPlugins(payload string) error {
	load, err := params.DecodeLoad(payload)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, spec := range load.Plugins {
		if existing := r.findLocked(spec.Identifier); existing != nil {
			if !spec.ForceLoad {
				r.logger.Log(logging.LevelInfo, fmt.Sprintf("plugin %q already loaded, skipping", spec.Identifier))
				metrics.PluginLoad("load", "skipped")
				continue
			}
			r.logger.Log(logging.LevelInfo, fmt.Sprintf("force-reloading plugin %q", spec.Identifier))
			if err := r.unloadLocked(existing); err != nil {
				return err
			}
		}

		if err := r.loadLocked(spec); err != nil {
			metrics.PluginLoad("load", "error")
			return err
		}
		metrics.PluginLoad("load", "ok")
	}

	r.publishPluginListLocked()
	return nil
}

func (r *Runtime) loadLocked(spec params.LoadPlugin) error {
	r.logger.Log(logging.LevelInfo, fmt.Sprintf("loading plugin %q from %q", spec.Identifier, spec.Path))

	r.registerManifestLocked(spec)

	module, err := r.host.Load(spec.Path)
	if err != nil {
		r.setLastError(spec.Identifier, err.Error())
		return fmt.Errorf("load plugin %q: %w", spec.Identifier, err)
	}

	status, err := module.Invoke(ExportSetup, spec.Arguments)
	if err != nil {
		module.Release()
		r.setLastError(spec.Identifier, err.Error())
		return fmt.Errorf("plugin %q: %w", spec.Identifier, err)
	}
	if status != StatusOK {
		module.Release()
		msg := fmt.Sprintf("setup of plugin %q returned status %d", spec.Identifier, status)
		r.setLastError(spec.Identifier, msg)
		return fmt.Errorf("%s", msg)
	}

	r.plugins = append(r.plugins, &loadedPlugin{
		id:     spec.Identifier,
		path:   spec.Path,
		args:   spec.Arguments,
		module: module,
	})
	return nil
}

// UnloadPlugins executes a plugin-unload payload and returns the per-plugin
// outcome: true when the plugin was loaded and tore down cleanly. The same
// outcomes are published under bfl.unload.<name> for the injector.
func (r *Runtime) UnloadPlugins(payload string) (map[string]bool, error) {
	unload, err := params.DecodeUnload(payload)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	names := unload.Plugins
	if unload.UnloadAll {
		names = names[:0]
		for _, p := range r.plugins {
			names = append(names, p.id)
		}
	}

	outcome := make(map[string]bool, len(names))
	var firstErr error
	for _, name := range names {
		p := r.findLocked(name)
		if p == nil {
			r.logger.Log(logging.LevelWarn, fmt.Sprintf("plugin %q is not loaded", name))
			outcome[name] = false
			metrics.PluginLoad("unload", "missing")
			continue
		}
		if err := r.unloadLocked(p); err != nil {
			outcome[name] = false
			metrics.PluginLoad("unload", "error")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		outcome[name] = true
		metrics.PluginLoad("unload", "ok")
	}

	for name, ok := range outcome {
		r.ctx.Store().SetBool(UnloadedKey(name), ok)
	}
	r.publishPluginListLocked()
	return outcome, firstErr
}

func (r *Runtime) unloadLocked(p *loadedPlugin) error {
	r.logger.Log(logging.LevelInfo, fmt.Sprintf("unloading plugin %q", p.id))

	status, err := p.module.Invoke(ExportTeardown, p.args)
	if err == nil && status != StatusOK {
		err = fmt.Errorf("teardown of plugin %q returned status %d", p.id, status)
	}
	if err != nil {
		r.setLastError(p.id, err.Error())
		p.module.Release()
		r.removeLocked(p)
		return err
	}

	if err := p.module.Release(); err != nil {
		r.logger.Log(logging.LevelWarn, fmt.Sprintf("failed to release module of plugin %q: %v", p.id, err))
	}
	r.removeLocked(p)
	return nil
}

// MessagePlugin delivers a message payload to the named plugin.
func (r *Runtime) MessagePlugin(payload string) error {
	msg, err := params.DecodeMessage(payload)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.findLocked(msg.Identifier)
	if p == nil {
		return fmt.Errorf("plugin %q is not loaded", msg.Identifier)
	}

	status, err := p.module.Invoke(ExportMessage, msg.Message)
	if err != nil {
		return fmt.Errorf("plugin %q: %w", msg.Identifier, err)
	}
	if status != StatusOK {
		msgStr := fmt.Sprintf("message to plugin %q returned status %d", msg.Identifier, status)
		r.setLastError(msg.Identifier, msgStr)
		return fmt.Errorf("%s", msgStr)
	}
	return nil
}

// Plugins lists the identifiers of the loaded plugins, in load order.
func (r *Runtime) Plugins() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.plugins))
	for i, p := range r.plugins {
		out[i] = p.id
	}
	return out
}

// registerManifestLocked merges the plugin's hook-target manifest, if it
// ships one next to its module, into the engine's identifier table.
func (r *Runtime) registerManifestLocked(spec params.LoadPlugin) {
	base := strings.TrimSuffix(spec.Path, ".dll")
	for _, candidate := range []string{base + ".manifest.yaml", spec.Path + ".manifest.yaml"} {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		m, err := manifest.Load(candidate)
		if err != nil {
			r.logger.Log(logging.LevelWarn, fmt.Sprintf("plugin %q: %v", spec.Identifier, err))
			return
		}
		for _, tgt := range m.Targets {
			kind := hook.KindCFunction
			if tgt.Kind == "vtable" {
				kind = hook.KindVTable
			}
			err := r.engine.Table().Register(hook.TableEntry{
				ID: tgt.ID, Name: tgt.Name, Module: tgt.Module, Kind: kind, Symbol: tgt.Symbol,
			})
			if err != nil {
				// Re-registration on a force reload is expected.
				r.logger.Log(logging.LevelDebug, fmt.Sprintf("manifest entry skipped: %v", err))
			}
		}
		r.engine.ResolveSites()
		return
	}
}

// Detach tears the runtime down: every remaining plugin is unloaded, the
// hooks removed, the shared context dereferenced and the arena view
// closed.
func (r *Runtime) Detach() error {
	r.mu.Lock()
	for len(r.plugins) > 0 {
		r.unloadLocked(r.plugins[len(r.plugins)-1])
	}
	r.mu.Unlock()

	if err := r.engine.TearDown(); err != nil {
		r.logger.Log(logging.LevelWarn, fmt.Sprintf("hook engine teardown: %v", err))
	}
	r.ctx.Detach()
	return r.arena.Close()
}

// PluginHelp loads the module at path just far enough to read its help
// export. The standard test plugin answers "Help".
func PluginHelp(host ModuleHost, path string) (string, error) {
	module, err := host.Load(path)
	if err != nil {
		return "", err
	}
	defer module.Release()

	help, ok := module.Help()
	if !ok {
		logging.Op().Warn("plugin exports no help", "path", path)
		return "", nil
	}
	return help, nil
}

func (r *Runtime) findLocked(id string) *loadedPlugin {
	for _, p := range r.plugins {
		if p.id == id {
			return p
		}
	}
	return nil
}

func (r *Runtime) removeLocked(p *loadedPlugin) {
	for i, q := range r.plugins {
		if q == p {
			r.plugins = append(r.plugins[:i], r.plugins[i+1:]...)
			return
		}
	}
}

func (r *Runtime) setLastError(plugin, msg string) {
	r.logger.Log(logging.LevelError, msg)
	if err := r.ctx.Store().SetString(LastErrorKey(plugin), msg); err != nil {
		r.logger.Log(logging.LevelWarn, fmt.Sprintf("failed to record last error: %v", err))
	}
}

// publishPluginListLocked mirrors the loaded-plugin list into the store
// under the reserved namespace.
func (r *Runtime) publishPluginListLocked() {
	store := r.ctx.Store()

	prev, err := store.GetInt(KeyPluginCount)
	if err == nil {
		for i := int32(0); i < prev; i++ {
			store.Remove(PluginNameKey(int(i)))
		}
	}
	for i, p := range r.plugins {
		store.SetString(PluginNameKey(i), p.id)
	}
	store.SetInt(KeyPluginCount, int32(len(r.plugins)))
}
