// Package crdt defines the capability interface for delta-state CRDTs and
// a registry of types that can be looked up by name.
package crdt

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrUnknownType is returned when a type name is not registered.
	ErrUnknownType = errors.New("crdt: unknown type")
	// ErrUnknownMutator is returned when a type has no mutator with the given name.
	ErrUnknownMutator = errors.New("crdt: unknown mutator")
	// ErrInvalidArgs is returned by mutators called with unexpected arguments.
	ErrInvalidArgs = errors.New("crdt: invalid mutator arguments")
	// ErrInvalidState is returned when a value of another type is passed as state.
	ErrInvalidState = errors.New("crdt: invalid state")
)

// State is an opaque CRDT state. Deltas produced by mutators are states as well,
// so a delta is applied by joining it into the current state.
type State any

// Mutator produces a delta for the replica without modifying the passed state.
type Mutator func(replica string, state State, args ...any) (State, error)

// Type is a delta-state CRDT.
type Type interface {
	// Name is the registry key and is sent over the wire.
	Name() string
	// Initial returns the bottom state.
	Initial() State
	// Join merges delta into state. It must be commutative, associative and
	// idempotent. Inputs are not modified.
	Join(state, delta State) State
	// Value computes the user visible value of a state.
	Value(state State) any
	// Mutators returns the named mutators of the type.
	Mutators() map[string]Mutator
	// Encode serializes a state or delta.
	Encode(State) ([]byte, error)
	// Decode deserializes a state or delta.
	Decode([]byte) (State, error)
}

var registry = struct {
	sync.RWMutex
	types map[string]Type
}{types: map[string]Type{}}

// Register makes a type available by name. Registering the same name twice
// replaces the previous type.
func Register(t Type) {
	registry.Lock()
	defer registry.Unlock()
	registry.types[t.Name()] = t
}

// Lookup returns a registered type.
func Lookup(name string) (Type, error) {
	registry.RLock()
	defer registry.RUnlock()
	t, ok := registry.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return t, nil
}

// Names returns the sorted names of registered types.
func Names() []string {
	registry.RLock()
	defer registry.RUnlock()
	names := make([]string, 0, len(registry.types))
	for name := range registry.types {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Mutate runs the named mutator of t.
func Mutate(t Type, name, replica string, state State, args ...any) (State, error) {
	m, ok := t.Mutators()[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMutator, t.Name(), name)
	}
	return m(replica, state, args...)
}

func init() {
	Register(GCounter{})
	Register(PNCounter{})
	Register(ORSet{})
	Register(RGA{})
}

func invalidState(t Type, s State) error {
	return fmt.Errorf("%w: %s got %T", ErrInvalidState, t.Name(), s)
}

func uintArg(args []any, def uint64) (uint64, error) {
	if len(args) == 0 {
		return def, nil
	}
	if len(args) > 1 {
		return 0, fmt.Errorf("%w: expected at most one argument", ErrInvalidArgs)
	}
	switch v := args[0].(type) {
	case int:
		if v < 0 {
			return 0, fmt.Errorf("%w: negative amount %d", ErrInvalidArgs, v)
		}
		return uint64(v), nil
	case uint64:
		return v, nil
	}
	return 0, fmt.Errorf("%w: amount must be an integer, got %T", ErrInvalidArgs, args[0])
}

func stringArg(args []any, i int) (string, error) {
	if len(args) <= i {
		return "", fmt.Errorf("%w: missing argument %d", ErrInvalidArgs, i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("%w: argument %d must be a string, got %T", ErrInvalidArgs, i, args[i])
	}
	return s, nil
}

func intArg(args []any, i int) (int, error) {
	if len(args) <= i {
		return 0, fmt.Errorf("%w: missing argument %d", ErrInvalidArgs, i)
	}
	v, ok := args[i].(int)
	if !ok {
		return 0, fmt.Errorf("%w: argument %d must be an int, got %T", ErrInvalidArgs, i, args[i])
	}
	return v, nil
}
