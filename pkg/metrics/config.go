package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type registryKey struct {
	reg       prometheus.Registerer
	namespace string
}

var (
	registriesMu sync.Mutex
	registries   = make(map[registryKey]*Registry)
)

// Config holds configuration for metrics collection.
type Config struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool

	// Registry is the Prometheus registry to use. If nil, DefaultRegistry is used.
	Registry prometheus.Registerer

	// Namespace overrides the default "detflow" namespace for metrics.
	// Only honored together with a custom Registry.
	Namespace string
}

// DefaultConfig returns a default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Registry:  prometheus.DefaultRegisterer,
		Namespace: "detflow",
	}
}

// Resolve returns the Registry a component should record into, or nil
// when metrics are disabled.
func (c Config) Resolve() *Registry {
	if !c.Enabled {
		return nil
	}
	if c.Registry == nil || c.Registry == prometheus.DefaultRegisterer {
		return DefaultRegistry
	}

	// Components sharing a Registerer must share a Registry, otherwise the
	// second promauto registration panics.
	key := registryKey{reg: c.Registry, namespace: c.Namespace}
	registriesMu.Lock()
	defer registriesMu.Unlock()
	if r, ok := registries[key]; ok {
		return r
	}
	r := NewRegistryWithNamespace(c.Registry, c.Namespace)
	registries[key] = r
	return r
}
