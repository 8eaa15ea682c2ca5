// Package registry implements the capability registry shared by the runtime
// container and per-invocation overlays.
//
// A Registry is an immutable mapping from typed tags to values. Registries
// form a chain: an overlay created with Extend holds only its own bindings
// and falls through to its parent on lookup, so building a per-invocation
// overlay costs O(number of overlay bindings) regardless of how large the
// underlying assembly is.
package registry

import (
	"fmt"
)

// tagID gives every tag a unique identity. Two tags created with the same
// name are still distinct keys; the name is diagnostic only.
type tagID struct {
	name string
}

// Tag is a type-safe capability key.
type Tag[T any] struct {
	id *tagID
}

// NewTag creates a new capability tag. The name appears in error messages
// and logs but does not participate in identity.
func NewTag[T any](name string) Tag[T] {
	return Tag[T]{id: &tagID{name: name}}
}

// Name returns the diagnostic name the tag was created with.
func (t Tag[T]) Name() string {
	if t.id == nil {
		return "<zero tag>"
	}
	return t.id.name
}

// Binding pairs a tag with a value of the tag's type.
type Binding struct {
	key   *tagID
	value any
}

// Bind constructs a Binding. It panics on the zero Tag, which can only be
// obtained by bypassing NewTag.
func Bind[T any](tag Tag[T], value T) Binding {
	if tag.id == nil {
		panic("registry: Bind called with zero Tag; use NewTag")
	}
	return Binding{key: tag.id, value: value}
}

// Registry is an immutable tag-to-value mapping with an optional parent.
// Lookups check the registry's own bindings first and then walk the parent
// chain. A Registry is safe for concurrent use; it is never mutated after
// construction.
type Registry struct {
	values map[*tagID]any
	parent *Registry
}

// New builds a root registry from the given bindings. Later bindings win
// over earlier ones for the same tag.
func New(bindings ...Binding) *Registry {
	return &Registry{values: collect(bindings)}
}

// Extend returns a child registry layering the given bindings over r.
// Neither r nor any other overlay of r observes the new bindings.
func (r *Registry) Extend(bindings ...Binding) *Registry {
	return &Registry{values: collect(bindings), parent: r}
}

// Len reports the number of bindings held directly by this registry,
// excluding the parent chain.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.values)
}

func collect(bindings []Binding) map[*tagID]any {
	values := make(map[*tagID]any, len(bindings))
	for _, b := range bindings {
		if b.key == nil {
			continue
		}
		values[b.key] = b.value
	}
	return values
}

func (r *Registry) lookup(key *tagID) (any, bool) {
	for cur := r; cur != nil; cur = cur.parent {
		if v, ok := cur.values[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// Get resolves a tag against the registry chain.
func Get[T any](r *Registry, tag Tag[T]) (T, error) {
	var zero T
	if tag.id == nil {
		return zero, fmt.Errorf("registry: lookup with zero Tag")
	}
	v, ok := r.lookup(tag.id)
	if !ok {
		return zero, fmt.Errorf("registry: capability %q is not bound", tag.id.name)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("registry: capability %q holds %T, not the tag's type", tag.id.name, v)
	}
	return typed, nil
}

// Has reports whether the tag is bound anywhere in the registry chain.
func Has[T any](r *Registry, tag Tag[T]) bool {
	if tag.id == nil {
		return false
	}
	_, ok := r.lookup(tag.id)
	return ok
}

// MustGet is Get for capabilities the caller has already guaranteed to be
// bound, such as the adapter-provided invocation values.
func MustGet[T any](r *Registry, tag Tag[T]) T {
	v, err := Get(r, tag)
	if err != nil {
		panic(err)
	}
	return v
}
