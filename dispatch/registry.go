package dispatch

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Entry binds a message kind to the unit that handles it and the policy
// guarding it.
type Entry struct {
	Kind   Kind
	Unit   ServiceUnit
	Policy Policy
}

// Registry maps message kinds to entries. Registration happens during
// startup; Resolve reads an immutable snapshot and takes no lock.
type Registry struct {
	mu      sync.Mutex // serializes writers
	entries atomic.Pointer[map[Kind]*Entry]
	sealed  atomic.Bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := make(map[Kind]*Entry)
	r.entries.Store(&empty)
	return r
}

// Register binds kind to unit. Re-registering a bound kind is always an
// error, even with the same unit, so a later module can never shadow an
// earlier one.
func (r *Registry) Register(kind Kind, unit ServiceUnit, policy Policy) error {
	return r.register([]Kind{kind}, unit, policy)
}

// RegisterUnit binds every kind the unit declares, using the unit's policy.
// Either all kinds are registered or none are.
func (r *Registry) RegisterUnit(unit ServiceUnit) error {
	if isNilUnit(unit) {
		return fmt.Errorf("%w: nil service unit", ErrMalformedMessage)
	}
	return r.register(unit.Kinds(), unit, unit.Policy())
}

// isNilUnit also catches a nil pointer stored in the interface
func isNilUnit(unit ServiceUnit) bool {
	if unit == nil {
		return true
	}
	v := reflect.ValueOf(unit)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Func, reflect.Slice, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}

func (r *Registry) register(kinds []Kind, unit ServiceUnit, policy Policy) error {
	if isNilUnit(unit) {
		return fmt.Errorf("%w: nil service unit", ErrMalformedMessage)
	}
	if len(kinds) == 0 {
		return fmt.Errorf("%w: service unit declares no kinds", ErrMalformedMessage)
	}
	if policy == nil {
		policy = Authenticated
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		return ErrRegistrySealed
	}

	current := *r.entries.Load()
	seen := make(map[Kind]bool, len(kinds))
	for _, kind := range kinds {
		if kind == "" {
			return fmt.Errorf("%w: empty message kind", ErrMalformedMessage)
		}
		if _, exists := current[kind]; exists || seen[kind] {
			return fmt.Errorf("%w: %s", ErrDuplicateRegistration, kind)
		}
		seen[kind] = true
	}

	next := make(map[Kind]*Entry, len(current)+len(kinds))
	for k, e := range current {
		next[k] = e
	}
	for _, kind := range kinds {
		next[kind] = &Entry{Kind: kind, Unit: unit, Policy: policy}
		log.Debug().Str("kind", string(kind)).Msg("Registered message kind")
	}
	r.entries.Store(&next)
	return nil
}

// Resolve returns the entry for kind.
func (r *Registry) Resolve(kind Kind) (*Entry, error) {
	entry, ok := (*r.entries.Load())[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageKind, kind)
	}
	return entry, nil
}

// Kinds returns every registered kind in sorted order.
func (r *Registry) Kinds() []Kind {
	entries := *r.entries.Load()
	kinds := make([]Kind, 0, len(entries))
	for k := range entries {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Len returns the number of registered kinds.
func (r *Registry) Len() int {
	return len(*r.entries.Load())
}

// Seal ends the startup phase. Further registrations fail.
func (r *Registry) Seal() {
	r.sealed.Store(true)
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// Register binds kind in the process-wide registry.
func Register(kind Kind, unit ServiceUnit, policy Policy) error {
	return defaultRegistry.Register(kind, unit, policy)
}

// MustRegister registers unit in the process-wide registry and panics on
// conflict. Intended for startup code only.
func MustRegister(unit ServiceUnit) {
	if err := defaultRegistry.RegisterUnit(unit); err != nil {
		panic(err)
	}
}
