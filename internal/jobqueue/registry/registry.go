// -----------------------------------------------------------------------
// Handler Registry - job_type -> Handler lookup (spec §4.2)
// -----------------------------------------------------------------------

package registry

import (
	"context"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/jobqueue/models"
)

// Handler executes a single job. Implementations do not change the job's
// status themselves: they return results or an error, and the worker
// manager turns that outcome (or a recovered panic) into exactly one
// terminal transition.
type Handler interface {
	Handle(ctx context.Context, job *models.Job) (*models.JobResults, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *models.Job) (*models.JobResults, error)

func (f HandlerFunc) Handle(ctx context.Context, job *models.Job) (*models.JobResults, error) {
	return f(ctx, job)
}

// Registry maps job_type to the Handler responsible for it.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   arbor.ILogger
}

// New creates an empty Registry.
func New(logger arbor.ILogger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register associates jobType with handler. Re-registering an existing
// jobType replaces the prior handler and logs a warning rather than
// erroring, so a process can be reconfigured without restart ceremony.
func (r *Registry) Register(jobType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[jobType]; exists && r.logger != nil {
		r.logger.Warn().Str("job_type", jobType).Msg("overwriting existing handler registration")
	}
	r.handlers[jobType] = handler
}

// Lookup returns the handler for jobType, or nil if none is registered.
func (r *Registry) Lookup(jobType string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[jobType]
}

// JobTypes returns the currently registered job types.
func (r *Registry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
