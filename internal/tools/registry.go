package tools

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ChangeKind labels a registry mutation.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeRemoved ChangeKind = "removed"
	ChangeToggled ChangeKind = "toggled"
)

// ChangeEvent is published after every catalog mutation, before the next
// turn can start. Subscribers use it to drop stale per-user histories.
type ChangeEvent struct {
	Kind ChangeKind
	Name string
}

// Registry is the process-wide tool catalog. Readers get copies; there
// is exactly one descriptor per name.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]*Descriptor
	subscribers []func(ChangeEvent)
	logger      *slog.Logger
}

// NewRegistry returns an empty catalog.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		descriptors: make(map[string]*Descriptor),
		logger:      logger.With("component", "tool_registry"),
	}
}

// Subscribe registers a change listener. Listeners run synchronously in
// mutation order, after the catalog lock is released.
func (r *Registry) Subscribe(fn func(ChangeEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

func (r *Registry) publish(ev ChangeEvent) {
	r.mu.RLock()
	subs := make([]func(ChangeEvent), len(r.subscribers))
	copy(subs, r.subscribers)
	r.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Insert adds a new descriptor. Duplicate names reject; the schema is
// normalized before the descriptor becomes visible.
func (r *Registry) Insert(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	d.Parameters.Normalize()

	r.mu.Lock()
	if _, exists := r.descriptors[d.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("tool %q already registered", d.Name)
	}
	r.descriptors[d.Name] = &d
	r.mu.Unlock()

	r.logger.Info("tool registered", "tool", d.Name, "origin", d.Origin)
	r.publish(ChangeEvent{Kind: ChangeAdded, Name: d.Name})
	return nil
}

// Remove deletes a descriptor by name.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	if _, exists := r.descriptors[name]; !exists {
		r.mu.Unlock()
		return fmt.Errorf("tool %q not registered", name)
	}
	delete(r.descriptors, name)
	r.mu.Unlock()

	r.logger.Info("tool removed", "tool", name)
	r.publish(ChangeEvent{Kind: ChangeRemoved, Name: name})
	return nil
}

// SetEnabled flips a descriptor's enabled flag.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	d, exists := r.descriptors[name]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("tool %q not registered", name)
	}
	changed := d.Enabled != enabled
	d.Enabled = enabled
	r.mu.Unlock()

	if changed {
		r.logger.Info("tool toggled", "tool", name, "enabled", enabled)
		r.publish(ChangeEvent{Kind: ChangeToggled, Name: name})
	}
	return nil
}

// Get returns a copy of one descriptor.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// List returns copies of every descriptor, sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, *d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FunctionSpecs publishes the enabled catalog in function-calling shape
// with canonical parameter types.
func (r *Registry) FunctionSpecs() []FunctionSpec {
	descriptors := r.List()
	specs := make([]FunctionSpec, 0, len(descriptors))
	for _, d := range descriptors {
		if !d.Enabled {
			continue
		}
		specs = append(specs, FunctionSpec{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters.JSON(),
		})
	}
	return specs
}

// Len reports the catalog size, enabled or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.descriptors)
}
