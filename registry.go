package rt

import (
	"sync"
)

// BackendFactory creates a new backend instance.
type BackendFactory func() Backend

// registry holds registered backends.
var (
	registryMu sync.RWMutex
	backends   = make(map[string]BackendFactory)
	// Priority order for backend probing (first to initialize wins).
	// WebGPU > Native (wgpu-native carries mature drivers, the Pure Go
	// path is younger). The stub is the fallback, not a probe candidate:
	// its Initialize reports false because no hardware came up.
	backendPriority = []string{NameWebGPU, NameNative}
)

// Register registers a backend factory with the given name.
// This is typically called from init() functions in backend packages.
// If a backend with the same name is already registered, it will be replaced.
func Register(name string, factory BackendFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backends[name] = factory
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(backends, name)
}

// Available returns a list of registered backend names.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	return names
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := backends[name]
	return ok
}

// Get returns an uninitialized backend instance by name.
// Returns nil if the backend is not registered.
func Get(name string) Backend {
	registryMu.RLock()
	defer registryMu.RUnlock()

	factory, ok := backends[name]
	if !ok {
		return nil
	}
	return factory()
}

// New probes registered backends in priority order and returns the
// first one whose Initialize succeeds. When every hardware probe
// fails, New returns the stub backend, so the result is never nil and
// every method is safe to call.
//
// Each probe that fails is closed before the next is tried.
func New(opts ...Option) Backend {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	log := Logger()
	for _, name := range o.priority {
		b := Get(name)
		if b == nil {
			continue
		}
		if b.Initialize() {
			log.Info("rt: backend selected", "backend", name, "type", b.BackendType().String())
			return b
		}
		log.Debug("rt: backend probe failed", "backend", name)
		b.Close()
	}

	log.Warn("rt: no hardware backend available, using stub")
	if s := Get(NameStub); s != nil {
		return s
	}
	return &stubBackend{}
}
