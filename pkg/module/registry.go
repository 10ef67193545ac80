package module

import (
	"fmt"
	"sync"

	"github.com/cbw1985/streamvision/pkg/batching"
	"github.com/cbw1985/streamvision/pkg/engine"
)

// PreprocFactory constructs a new Preproc instance; each OpenProducer call gets its
// own instance since a preproc may carry per-model scratch state.
type PreprocFactory func() batching.Preproc

// PostprocFactory constructs a new Postproc instance.
type PostprocFactory func() engine.Postproc

// ThresholdSetter is implemented by post-processors that support the
// supplemented postproc_threshold parameter (grounded on the original's
// Postproc::set_threshold). Optional: a postproc that does not need a
// score cutoff simply does not implement it.
type ThresholdSetter interface {
	SetThreshold(threshold float64)
}

// Registry is a reflective-by-name factory lookup for pre/post-processors,
// standing in for the original's ReflexObjectEx<T>::CreateObject(name)
// macro-based registration — Go has no runtime class reflection, so callers
// register factories by name explicitly at process init instead.
type Registry struct {
	mu        sync.RWMutex
	preprocs  map[string]PreprocFactory
	postprocs map[string]PostprocFactory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		preprocs:  make(map[string]PreprocFactory),
		postprocs: make(map[string]PostprocFactory),
	}
}

// RegisterPreproc makes a preproc factory available under name.
func (r *Registry) RegisterPreproc(name string, factory PreprocFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preprocs[name] = factory
}

// RegisterPostproc makes a postproc factory available under name.
func (r *Registry) RegisterPostproc(name string, factory PostprocFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.postprocs[name] = factory
}

// CreatePreproc instantiates the preproc registered under name.
func (r *Registry) CreatePreproc(name string) (batching.Preproc, error) {
	r.mu.RLock()
	factory, ok := r.preprocs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("preproc name not found: %s", name)
	}
	return factory(), nil
}

// CreatePostproc instantiates the postproc registered under name.
func (r *Registry) CreatePostproc(name string) (engine.Postproc, error) {
	r.mu.RLock()
	factory, ok := r.postprocs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("postproc name not found: %s", name)
	}
	return factory(), nil
}
