package logging

import (
	"sync"
)

// Callback receives one log record. Level follows the Level* constants.
type Callback func(level uint32, module, message string)

// CallbackRegistry dispatches log records to named callbacks. Registration
// is idempotent per name: registering the same name again replaces the
// previous callback instead of adding a second one.
type CallbackRegistry struct {
	mu        sync.Mutex
	callbacks map[string]Callback
	order     []string
}

func NewCallbackRegistry() *CallbackRegistry {
	return &CallbackRegistry{callbacks: make(map[string]Callback)}
}

// Register installs cb under name.
func (r *CallbackRegistry) Register(name string, cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.callbacks[name]; !ok {
		r.order = append(r.order, name)
	}
	r.callbacks[name] = cb
}

// Unregister removes the callback and reports whether it existed.
func (r *CallbackRegistry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.callbacks[name]; !ok {
		return false
	}
	delete(r.callbacks, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Len reports the number of registered callbacks.
func (r *CallbackRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.callbacks)
}

// Dispatch fans the record out to every callback in registration order.
func (r *CallbackRegistry) Dispatch(level uint32, module, message string) {
	r.mu.Lock()
	cbs := make([]Callback, 0, len(r.order))
	for _, name := range r.order {
		cbs = append(cbs, r.callbacks[name])
	}
	r.mu.Unlock()

	for _, cb := range cbs {
		cb(level, module, message)
	}
}

// SlogCallback adapts the operational logger into a Callback, used as the
// default sink for records drained from the shared log stash.
func SlogCallback() Callback {
	return func(level uint32, module, message string) {
		if level >= LevelDisable {
			return
		}
		Op().Log(nil, SlogLevel(level), message, "module", module)
	}
}
