package lifecycle

import (
	"context"
	"errors"
	"fmt"
)

// CheckFunc probes one dependency. It returns nil when the dependency is
// usable.
type CheckFunc func(ctx context.Context) error

// Dependency is a named external resource the service needs, such as the
// user database or the shared key cache.
type Dependency struct {
	// Name identifies the dependency in health reports, e.g. "postgres".
	Name string `json:"name"`

	// Optional dependencies are reported but do not make the service
	// unhealthy.
	Optional bool `json:"optional"`

	Check CheckFunc `json:"-"`
}

// NewDependency validates and returns a Dependency.
func NewDependency(name string, optional bool, check CheckFunc) (Dependency, error) {
	if name == "" {
		return Dependency{}, errors.New("lifecycle: dependency name must not be empty")
	}
	if check == nil {
		return Dependency{}, fmt.Errorf("lifecycle: dependency %q has no check", name)
	}
	return Dependency{Name: name, Optional: optional, Check: check}, nil
}

// DependencyStatus is the outcome of one dependency check.
type DependencyStatus struct {
	Name     string `json:"name"`
	Optional bool   `json:"optional"`
	Healthy  bool   `json:"healthy"`
	Error    string `json:"error,omitempty"`
}
