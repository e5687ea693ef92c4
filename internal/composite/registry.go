package composite

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Constructor builds an instance from resolved values.
type Constructor func(desc Descriptor, params Values, files []string, env Env) (Algorithm, error)

// Registration is what an algorithm file hands to Register.
type Registration struct {
	Descriptor Descriptor
	New        Constructor
}

var (
	regMu         sync.Mutex
	registrations = map[string]Registration{}
)

// Register adds an algorithm to the process-wide table. It is meant to be
// called from init and panics on an empty or duplicate name.
func Register(r Registration) {
	regMu.Lock()
	defer regMu.Unlock()

	name := r.Descriptor.Name
	if name == "" || r.New == nil {
		panic("composite: Register needs a name and a constructor")
	}
	if _, dup := registrations[name]; dup {
		panic(fmt.Sprintf("composite: algorithm %q registered twice", name))
	}
	r.Descriptor = r.Descriptor.clone()
	registrations[name] = r
}

// Registry is a snapshot of the registered algorithms.
type Registry struct {
	entries map[string]Registration
}

// Discover takes a fresh snapshot of the registration table.
func Discover() *Registry {
	regMu.Lock()
	defer regMu.Unlock()

	reg := &Registry{entries: make(map[string]Registration, len(registrations))}
	for name, r := range registrations {
		reg.entries[name] = r
	}
	return reg
}

// Descriptors lists every algorithm sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Descriptor.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names lists the algorithm names in sorted order.
func (r *Registry) Names() []string {
	var names []string
	for _, d := range r.Descriptors() {
		names = append(names, d.Name)
	}
	return names
}

func (r *Registry) Lookup(name string) (Descriptor, bool) {
	e, ok := r.entries[name]
	if !ok {
		return Descriptor{}, false
	}
	return e.Descriptor.clone(), true
}

// Lineage returns the chain of variants from the root algorithm to name.
func (r *Registry) Lineage(name string) []string {
	var chain []string
	seen := map[string]bool{}
	for name != "" && !seen[name] {
		e, ok := r.entries[name]
		if !ok {
			break
		}
		seen[name] = true
		chain = append(chain, name)
		name = e.Descriptor.Extends
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// New instantiates name with raw parameter values bound to files.
func (r *Registry) New(name string, raw map[string]any, files []string, env Env) (Algorithm, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, &ConfigError{Algorithm: name, Err: errors.New("unknown algorithm")}
	}
	vals, err := Resolve(e.Descriptor, raw)
	if err != nil {
		return nil, err
	}
	return e.New(e.Descriptor.clone(), vals, files, env)
}
