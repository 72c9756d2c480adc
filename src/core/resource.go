package core

import "time"

// Resource is one leasable unit tracked by the worker's resource
// pool: a name, a type, opaque state carried over between leases, and
// free-form data merged into the resource-arg injected into a
// pipeline.
type Resource struct {
	Name  string                 `json:"name" validate:"required"`
	Type  string                 `json:"type" validate:"required"`
	State interface{}            `json:"state,omitempty"`
	Data  map[string]interface{} `json:"data,omitempty"`

	// AvailableAt is the earliest wall-clock time this resource may be
	// leased again. Zero means immediately available.
	AvailableAt time.Time `json:"-"`
}

// IsAvailable reports whether the resource can be leased at the given
// instant.
func (r *Resource) IsAvailable(now time.Time) bool {
	return r.AvailableAt.IsZero() || !r.AvailableAt.After(now)
}
