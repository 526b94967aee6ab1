// Package fanout tracks fanout relationships between queues. A queue named
// "orders+audit" is a fanout child of "orders": every add to the parent is
// copied to each registered child. Children are durable queues of their own;
// the registry only records who listens to whom.
package fanout

import (
	"sort"
	"strings"
	"sync"
)

// Separator splits a child queue name into parent and suffix.
const Separator = "+"

// ParentOf returns the parent of a fanout child name, or false when the name
// is not a child.
func ParentOf(name string) (string, bool) {
	idx := strings.Index(name, Separator)
	if idx <= 0 || idx == len(name)-1 {
		return "", false
	}
	return name[:idx], true
}

// Registry is a thread-safe map of parent queues to their fanout children.
type Registry struct {
	mu       sync.RWMutex
	children map[string]map[string]bool
}

// NewRegistry creates an empty fanout registry.
func NewRegistry() *Registry {
	return &Registry{
		children: make(map[string]map[string]bool),
	}
}

// Register records name as a fanout child if its name has the parent+suffix
// form. Returns true when a relationship was recorded.
func (r *Registry) Register(name string) bool {
	parent, ok := ParentOf(name)
	if !ok {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.children[parent]
	if !ok {
		set = make(map[string]bool)
		r.children[parent] = set
	}
	set[name] = true
	return true
}

// Unregister removes a child from its parent's fanout set.
func (r *Registry) Unregister(name string) {
	parent, ok := ParentOf(name)
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.children[parent]; ok {
		delete(set, name)
		if len(set) == 0 {
			delete(r.children, parent)
		}
	}
}

// Children returns the child queue names for parent, sorted for stable
// delivery order.
func (r *Registry) Children(parent string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.children[parent]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Size returns the number of registered fanout relationships.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, set := range r.children {
		n += len(set)
	}
	return n
}
