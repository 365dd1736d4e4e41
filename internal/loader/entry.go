package loader

import (
	"fmt"
	"sync"

	"github.com/thfabian/bifrost/internal/arena"
	"github.com/thfabian/bifrost/internal/logging"
	"github.com/thfabian/bifrost/internal/params"
)

// Bootstrap adapts the Runtime to the shape of the module entry points the
// injector drives: setup, teardown and message, each taking the serialized
// parameter block and returning a 32-bit status. The exported shims of the
// bootstrap DLL forward here; the first invocation attaches the runtime.
type Bootstrap struct {
	mu      sync.Mutex
	opts    Options
	runtime *Runtime
}

// NewBootstrap builds an inert bootstrap; the runtime attaches lazily on
// the first entry invocation.
func NewBootstrap(opts Options) *Bootstrap {
	return &Bootstrap{opts: opts}
}

// Runtime returns the attached runtime, if any.
func (b *Bootstrap) Runtime() *Runtime {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runtime
}

// ensure decodes the parameter block and attaches the runtime on first
// use; later invocations only verify they speak about the same arena.
func (b *Bootstrap) ensure(paramBlock string) (*Runtime, params.Injector, error) {
	param, err := params.DecodeInjector(paramBlock)
	if err != nil {
		return nil, param, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.runtime == nil {
		runtime, err := Attach(param, b.opts)
		if err != nil {
			return nil, param, err
		}
		b.runtime = runtime
		return runtime, param, nil
	}

	if err := b.runtime.VerifySharedMemory(param); err != nil {
		return nil, param, err
	}
	return b.runtime, param, nil
}

// Setup is the load entry point: status 0 on success.
func (b *Bootstrap) Setup(paramBlock string) uint32 {
	runtime, param, err := b.ensure(paramBlock)
	if err != nil {
		b.reportEntryError("setup", err)
		return StatusError
	}
	if err := runtime.LoadPlugins(param.CustomArgument); err != nil {
		runtime.logger.Log(logging.LevelError, fmt.Sprintf("plugin loading failed: %v", err))
		return StatusError
	}
	return StatusOK
}

// Teardown is the unload entry point.
func (b *Bootstrap) Teardown(paramBlock string) uint32 {
	runtime, param, err := b.ensure(paramBlock)
	if err != nil {
		b.reportEntryError("teardown", err)
		return StatusError
	}
	if _, err := runtime.UnloadPlugins(param.CustomArgument); err != nil {
		runtime.logger.Log(logging.LevelError, fmt.Sprintf("plugin unloading failed: %v", err))
		return StatusError
	}
	return StatusOK
}

// Message is the message entry point.
func (b *Bootstrap) Message(paramBlock string) uint32 {
	runtime, param, err := b.ensure(paramBlock)
	if err != nil {
		b.reportEntryError("message", err)
		return StatusError
	}
	if err := runtime.MessagePlugin(param.CustomArgument); err != nil {
		runtime.logger.Log(logging.LevelError, fmt.Sprintf("plugin message failed: %v", err))
		return StatusError
	}
	return StatusOK
}

// reportEntryError tries hard to get a failure in front of the user even
// when the arena never became reachable.
func (b *Bootstrap) reportEntryError(entry string, err error) {
	logging.Op().Error("bootstrap entry failed", "entry", entry, "error", err)
	b.mu.Lock()
	runtime := b.runtime
	b.mu.Unlock()
	if runtime != nil {
		runtime.logger.Log(logging.LevelError, fmt.Sprintf("%s failed: %v", entry, err))
	}
}

func defaultMappingOpener(name string, size uint64) (arena.Mapping, error) {
	m, err := arena.OpenSection(name, size)
	if err != nil {
		return nil, err
	}
	return m, nil
}
