package async

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/teranos/imgbatch/errors"
)

// JobHandler executes one kind of job.
//
// The async package defines this abstraction and domain packages provide the
// implementations; the worker pool routes jobs by HandlerName without knowing
// what the payload holds.
type JobHandler interface {
	// Execute runs the job. A nil return completes the job; an error lets the
	// pool retry it until the attempt limit, unless marked with Permanent.
	// Handlers should honour ctx cancellation.
	Execute(ctx context.Context, job *Job) error

	// Name returns the handler name used for registration and job routing
	Name() string
}

// JobExecutor runs a job
type JobExecutor interface {
	Execute(ctx context.Context, job *Job) error
}

// HandlerRegistry manages job handlers by name.
// Safe for concurrent registration and lookup.
type HandlerRegistry struct {
	handlers map[string]JobHandler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]JobHandler),
	}
}

// Register adds a handler using its name.
// Panics if a handler is already registered with that name.
func (r *HandlerRegistry) Register(handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("handler already registered for name: %s", name))
	}
	r.handlers[name] = handler
}

// Get retrieves the handler for a name, or nil.
func (r *HandlerRegistry) Get(name string) JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

// Has checks if a handler is registered for a name.
func (r *HandlerRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[name]
	return exists
}

// Names returns all registered handler names, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegistryExecutor adapts a HandlerRegistry to the JobExecutor interface.
type RegistryExecutor struct {
	registry *HandlerRegistry
}

// NewRegistryExecutor creates an executor backed by a handler registry.
func NewRegistryExecutor(registry *HandlerRegistry) *RegistryExecutor {
	return &RegistryExecutor{registry: registry}
}

// Execute dispatches to the registered handler. Unknown handler names are
// permanent failures: retrying cannot make a handler appear.
func (e *RegistryExecutor) Execute(ctx context.Context, job *Job) error {
	if job.HandlerName == "" {
		return Permanent(errors.New("job missing handler_name"))
	}

	handler := e.registry.Get(job.HandlerName)
	if handler == nil {
		return Permanent(errors.Newf("no handler registered for handler name: %s", job.HandlerName))
	}
	return handler.Execute(ctx, job)
}
