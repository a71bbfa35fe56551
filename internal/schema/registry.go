package schema

import "fmt"

// NetworkID is the numeric identifier for a network.
type NetworkID uint16

// Network describes one chain feed. Immutable after configuration.
type Network struct {
	ID       NetworkID
	Name     string
	Endpoint string
	// Pools limits the log subscription to these pool addresses.
	// Empty means all pools the endpoint is willing to stream.
	Pools []string
	// ExpectedCadence is the typical gap between events; the manager
	// treats a streaming collector as stalled after a multiple of it.
	ExpectedCadenceSeconds int
}

// Registry stores network mappings in a compact form.
type Registry struct {
	networks      []Network
	networkByName map[string]NetworkID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		networkByName: make(map[string]NetworkID),
	}
}

// AddNetwork registers a new network and returns its ID.
func (r *Registry) AddNetwork(n Network) (NetworkID, error) {
	if n.Name == "" {
		return 0, fmt.Errorf("network name is empty")
	}
	if n.Endpoint == "" {
		return 0, fmt.Errorf("network endpoint is empty: %s", n.Name)
	}
	if id, ok := r.networkByName[n.Name]; ok {
		return id, fmt.Errorf("network already exists: %s", n.Name)
	}
	n.ID = NetworkID(len(r.networks) + 1)
	if n.ExpectedCadenceSeconds <= 0 {
		n.ExpectedCadenceSeconds = 12
	}
	r.networks = append(r.networks, n)
	r.networkByName[n.Name] = n.ID
	return n.ID, nil
}

// Network returns the descriptor for an id.
func (r *Registry) Network(id NetworkID) (Network, bool) {
	idx := int(id) - 1
	if idx < 0 || idx >= len(r.networks) {
		return Network{}, false
	}
	return r.networks[idx], true
}

// NetworkIDByName resolves a network name.
func (r *Registry) NetworkIDByName(name string) (NetworkID, bool) {
	id, ok := r.networkByName[name]
	return id, ok
}

// HasNetwork reports whether a network name is configured.
func (r *Registry) HasNetwork(name string) bool {
	_, ok := r.networkByName[name]
	return ok
}

// NetworkAt returns the descriptor at position i.
func (r *Registry) NetworkAt(i int) (Network, bool) {
	if i < 0 || i >= len(r.networks) {
		return Network{}, false
	}
	return r.networks[i], true
}

// NetworkCount returns the number of configured networks.
func (r *Registry) NetworkCount() int {
	return len(r.networks)
}

// ValidateFilter checks a subscription tuple against the registry and
// the known dex/kind names. It returns the resolved filter.
func (r *Registry) ValidateFilter(network, dex, kind string) (Filter, error) {
	if !r.HasNetwork(network) {
		return Filter{}, fmt.Errorf("unknown network: %s", network)
	}
	d, ok := ParseDexKind(dex)
	if !ok {
		return Filter{}, fmt.Errorf("unknown dex: %s", dex)
	}
	k, ok := ParseEventKind(kind)
	if !ok {
		return Filter{}, fmt.Errorf("unknown kind: %s", kind)
	}
	return Filter{Network: network, Dex: d, Kind: k}, nil
}
