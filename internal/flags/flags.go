// Package flags holds the host's feature flags. A Registry is immutable;
// config reloads swap in a new one.
package flags

import (
	"maps"
	"slices"

	"github.com/zjrosen/tickhost/internal/log"
)

const (
	// FlagTickTracing opens a span for every domain tick.
	FlagTickTracing = "tick-tracing"

	// FlagResolveDiagnostics logs the pending slots of systems that are still
	// unresolved after the grace period.
	FlagResolveDiagnostics = "resolve-diagnostics"

	// FlagOrderTrace logs the rebuilt execution order at Info level.
	FlagOrderTrace = "order-trace"
)

// Defaults returns the flag values used when config names none.
func Defaults() map[string]bool {
	return map[string]bool{
		FlagTickTracing:        true,
		FlagResolveDiagnostics: true,
		FlagOrderTrace:         false,
	}
}

// Registry is a read-only set of named flags.
type Registry struct {
	flags map[string]bool
}

// New creates a Registry holding a copy of flags. Nil means all flags off.
func New(flags map[string]bool) *Registry {
	r := &Registry{flags: maps.Clone(flags)}
	if r.flags == nil {
		r.flags = make(map[string]bool)
	}
	log.Debug(log.CatConfig, "feature flags loaded", "count", len(r.flags), "enabled", r.enabledNames())
	return r
}

// Enabled reports whether the named flag is on. Unknown flags and a nil
// Registry report false.
func (r *Registry) Enabled(name string) bool {
	if r == nil {
		return false
	}
	return r.flags[name]
}

// All returns a copy of every flag.
func (r *Registry) All() map[string]bool {
	if r == nil {
		return make(map[string]bool)
	}
	return maps.Clone(r.flags)
}

func (r *Registry) enabledNames() []string {
	var names []string
	for name, on := range r.flags {
		if on {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}
