package actor

import (
	"context"
	"fmt"
	"sync"
)

// WorkHandler processes one item drained from an actor's work queue.
type WorkHandler func(ctx context.Context, a *Base, workId string, data any) error

// Process-wide registries, write-once at module load: reads
// are lock-free in spirit (a plain map read under a mutex held only for the
// duration of the lookup), writes panic on a duplicate name since two
// handlers racing to own the same work type is a wiring bug, not a runtime
// condition to recover from.
var (
	registryMu   sync.Mutex
	services     = map[string]any{}
	workHandlers = map[string]WorkHandler{}
)

// RegisterService adds svc under name to the process-wide service registry
// consulted by Service.
func RegisterService(name string, svc any) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := services[name]; exists {
		panic(fmt.Sprintf("actor: service %q already registered", name))
	}
	services[name] = svc
}

// Service lazily resolves a registered service by name.
func Service(name string) (any, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	svc, ok := services[name]
	return svc, ok
}

// RegisterWorkHandler adds h under workType to the process-wide work-handler
// registry consulted when draining EnqueueWork items.
func RegisterWorkHandler(workType string, h WorkHandler) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := workHandlers[workType]; exists {
		panic(fmt.Sprintf("actor: work handler %q already registered", workType))
	}
	workHandlers[workType] = h
}

func lookupWorkHandler(workType string) (WorkHandler, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	h, ok := workHandlers[workType]
	return h, ok
}

// resetRegistryForTest clears the process-wide registries; only the test
// suite in this package calls it, to keep write-once registration from
// leaking between table-driven test cases.
func resetRegistryForTest() {
	registryMu.Lock()
	defer registryMu.Unlock()
	services = map[string]any{}
	workHandlers = map[string]WorkHandler{}
}
