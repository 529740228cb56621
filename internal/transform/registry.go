package transform

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateOperation = errors.New("operation already registered")
	ErrUnknownOperation   = errors.New("unknown operation")
)

// RunFunc is a pure transform: it maps source image bytes and validated
// parameters to output image bytes. Implementations must not keep references
// to src after returning and must not touch shared mutable state, so the
// worker pool can run them concurrently without synchronization.
type RunFunc func(src []byte, params map[string]string) ([]byte, error)

// Spec describes a single registered operation.
type Spec struct {
	ID     string
	Schema Schema
	Run    RunFunc
}

// Description is the client-visible view of a registered operation.
type Description struct {
	ID     string `json:"operation"`
	Params Schema `json:"params"`
}

// Registry is the static catalog of transform operations. It is populated
// once at startup and read-only afterwards, so lookups need no locking.
type Registry struct {
	specs map[string]Spec
	order []string
}

func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]Spec)}
}

// Register adds a spec to the catalog. Operation ids are unique.
func (r *Registry) Register(spec Spec) error {
	if _, ok := r.specs[spec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOperation, spec.ID)
	}

	r.specs[spec.ID] = spec
	r.order = append(r.order, spec.ID)

	return nil
}

// Lookup returns the spec for the given operation id.
func (r *Registry) Lookup(operation string) (Spec, error) {
	spec, ok := r.specs[operation]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrUnknownOperation, operation)
	}

	return spec, nil
}

// Validate runs the schema check for the given operation. It returns a
// *ValidationError listing the offending parameter names on failure.
func (r *Registry) Validate(operation string, params map[string]string) error {
	spec, err := r.Lookup(operation)
	if err != nil {
		return err
	}

	return spec.Schema.Validate(operation, params)
}

// Describe lists all registered operations in registration order.
func (r *Registry) Describe() []Description {
	out := make([]Description, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, Description{ID: id, Params: r.specs[id].Schema})
	}

	return out
}
