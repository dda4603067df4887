package provider

import (
	"fmt"
	"sort"
)

// Registry holds the configured gateways by name.
type Registry struct {
	gateways map[string]Gateway
	fallback string
}

func NewRegistry(fallback string) *Registry {
	return &Registry{gateways: make(map[string]Gateway), fallback: fallback}
}

// Register adds gw under its name, replacing an earlier registration.
func (r *Registry) Register(gw Gateway) {
	r.gateways[gw.Name()] = gw
}

// Get returns the named gateway. An empty name selects the default.
func (r *Registry) Get(name string) (Gateway, error) {
	if name == "" {
		name = r.fallback
	}
	gw, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return gw, nil
}

func (r *Registry) Default() string {
	return r.fallback
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
