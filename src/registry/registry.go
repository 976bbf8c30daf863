package registry

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/modelgate/modelgate/src/models"
)

// Registry is the catalog of known (provider, model) pairs. Reads go
// through an atomic snapshot pointer; Reload builds a complete new
// snapshot before swapping it in, so readers never see a partial
// catalog and no locking is needed on the read path.
type Registry struct {
	snapshot atomic.Pointer[snapshot]
}

type snapshot struct {
	byID    map[string]models.ModelDescriptor
	ordered []models.ModelDescriptor
}

// New builds a registry from an initial catalog.
func New(descriptors []models.ModelDescriptor) *Registry {
	r := &Registry{}
	r.Reload(descriptors)
	return r
}

// Reload atomically replaces the catalog with a new snapshot.
func (r *Registry) Reload(descriptors []models.ModelDescriptor) {
	snap := &snapshot{
		byID:    make(map[string]models.ModelDescriptor, len(descriptors)),
		ordered: make([]models.ModelDescriptor, 0, len(descriptors)),
	}
	for _, d := range descriptors {
		snap.byID[d.ID] = d
		snap.ordered = append(snap.ordered, d)
	}
	// Deterministic listing order regardless of config order.
	sort.Slice(snap.ordered, func(i, j int) bool {
		return snap.ordered[i].ID < snap.ordered[j].ID
	})
	r.snapshot.Store(snap)
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (models.ModelDescriptor, error) {
	snap := r.snapshot.Load()
	d, ok := snap.byID[id]
	if !ok {
		return models.ModelDescriptor{}, fmt.Errorf("model %q not found in registry", id)
	}
	return d, nil
}

// List returns enabled descriptors whose capability set covers required.
// A nil or empty required set matches every enabled model.
func (r *Registry) List(required models.CapabilitySet) []models.ModelDescriptor {
	snap := r.snapshot.Load()
	out := make([]models.ModelDescriptor, 0, len(snap.ordered))
	for _, d := range snap.ordered {
		if !d.Enabled {
			continue
		}
		if !d.Capabilities.Contains(required) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// All returns every descriptor in the current snapshot, including
// disabled ones. Used by the admin surface.
func (r *Registry) All() []models.ModelDescriptor {
	snap := r.snapshot.Load()
	out := make([]models.ModelDescriptor, len(snap.ordered))
	copy(out, snap.ordered)
	return out
}

// Len returns the number of catalog entries in the current snapshot.
func (r *Registry) Len() int {
	return len(r.snapshot.Load().ordered)
}
