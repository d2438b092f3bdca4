package dataloader

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/szegedai/distributed-adversarial-training/internal/registry"
)

// Dataset is deliberately opaque: the ES constructs one from a factory
// spec and hands it straight to a dataloader constructor, without ever
// inspecting it.
type Dataset = interface{}

// DatasetRegistry resolves a registry.Spec to a Dataset.
type DatasetRegistry = registry.Registry[Dataset]

// NewDatasetRegistry returns an empty DatasetRegistry.
func NewDatasetRegistry() *DatasetRegistry {
	return registry.New[Dataset]()
}

// Constructor builds a Dataloader from params and the currently-installed
// Dataset. Unlike registry.Constructor, it takes the dataset as a second
// argument because a dataloader factory always wraps some dataset (spec
// §4.3); plain registry.Registry has no way to thread that through, so
// dataloader construction gets its own small registry type.
type Constructor func(params json.RawMessage, dataset Dataset) (Dataloader, error)

// Registry resolves a registry.Spec plus a Dataset to a Dataloader.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry returns an empty dataloader Registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register adds a named Dataloader constructor.
func (r *Registry) Register(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[name] = ctor
}

// Build resolves spec.Factory against dataset.
func (r *Registry) Build(spec registry.Spec, dataset Dataset) (Dataloader, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[spec.Factory]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("dataloader: unknown factory %q", spec.Factory)
	}
	return ctor(spec.Params, dataset)
}
