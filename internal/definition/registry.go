package definition

import (
	"sync"
	"sync/atomic"

	"github.com/pitabwire/assessor/model"
)

type revisionKey struct {
	id      string
	version int
}

// snapshot is an immutable set of definition revisions.
type snapshot struct {
	revisions map[revisionKey]model.WorkflowDefinition
}

// Registry caches definition revisions for the engine. Revisions never change
// once written, so entries are never invalidated. Reads are lock-free through
// an atomic pointer swap; writers copy the snapshot.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates an empty revision cache.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(&snapshot{revisions: map[revisionKey]model.WorkflowDefinition{}})
	return r
}

// Get returns a cached revision. The returned value must not be mutated.
func (r *Registry) Get(id string, version int) (model.WorkflowDefinition, bool) {
	def, ok := r.snap.Load().revisions[revisionKey{id, version}]
	return def, ok
}

// Put caches a revision.
func (r *Registry) Put(def model.WorkflowDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.snap.Load()
	key := revisionKey{def.ID, def.Version}
	if _, ok := current.revisions[key]; ok {
		return
	}
	next := &snapshot{revisions: make(map[revisionKey]model.WorkflowDefinition, len(current.revisions)+1)}
	for k, v := range current.revisions {
		next.revisions[k] = v
	}
	next.revisions[key] = clone(def)
	r.snap.Store(next)
}

// Len returns the number of cached revisions.
func (r *Registry) Len() int {
	return len(r.snap.Load().revisions)
}
