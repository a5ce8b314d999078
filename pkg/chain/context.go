package chain

import (
	"sync"

	"github.com/stache-ai/stache-ai-sub000/internal/util"
)

// RequestContext is the shared context object threaded through every
// stage of a chain run: request identity plus arbitrary namespaced
// extension data stages may use to communicate.
type RequestContext struct {
	RequestID string
	Namespace string
	Principal string

	mu     sync.Mutex
	values map[string]any
}

// NewRequestContext creates a context with a fresh request id.
func NewRequestContext(namespace, principal string) *RequestContext {
	return &RequestContext{
		RequestID: util.NewID(),
		Namespace: namespace,
		Principal: principal,
	}
}

// Set stores an extension value. Keys should be namespaced
// ("stagename.key") to avoid collisions between stages.
func (rc *RequestContext) Set(key string, value any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.values == nil {
		rc.values = make(map[string]any)
	}
	rc.values[key] = value
}

// Get returns an extension value.
func (rc *RequestContext) Get(key string) (any, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	value, ok := rc.values[key]
	return value, ok
}

// QueryContext wraps a RequestContext with search parameters. Query
// processors may transform it; later stages and the search itself see
// the rewritten form.
type QueryContext struct {
	Request *RequestContext
	Query   string
	TopK    int
	Filters map[string]string
}
