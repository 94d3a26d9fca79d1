package lifecycle

import (
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// ServiceBuilder assembles a [Service].
//
//	svc, err := lifecycle.NewServiceBuilder("teamskills-gateway", version).
//	    WithOnStart(app.start).
//	    WithOnStop(app.stop).
//	    WithDependency(pgDep).
//	    Build()
type ServiceBuilder struct {
	name           string
	version        string
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	onStart        Hook
	onStop         Hook
	stateHandlers  []StateChangeHandler
	dependencies   []Dependency
}

// NewServiceBuilder starts a builder for the named service.
func NewServiceBuilder(name, version string) *ServiceBuilder {
	return &ServiceBuilder{name: name, version: version}
}

// WithLogger overrides slog.Default.
func (b *ServiceBuilder) WithLogger(logger *slog.Logger) *ServiceBuilder {
	b.logger = logger
	return b
}

// WithTracerProvider overrides the global tracer provider.
func (b *ServiceBuilder) WithTracerProvider(tp trace.TracerProvider) *ServiceBuilder {
	b.tracerProvider = tp
	return b
}

func (b *ServiceBuilder) WithOnStart(hook Hook) *ServiceBuilder {
	b.onStart = hook
	return b
}

func (b *ServiceBuilder) WithOnStop(hook Hook) *ServiceBuilder {
	b.onStop = hook
	return b
}

// WithStateChangeHandler adds an observer. Nil handlers are ignored.
func (b *ServiceBuilder) WithStateChangeHandler(h StateChangeHandler) *ServiceBuilder {
	if h != nil {
		b.stateHandlers = append(b.stateHandlers, h)
	}
	return b
}

// WithDependency registers a dependency for Health and Check.
func (b *ServiceBuilder) WithDependency(d Dependency) *ServiceBuilder {
	b.dependencies = append(b.dependencies, d)
	return b
}

// Build validates the configuration and returns the service in
// [StateUnknown].
func (b *ServiceBuilder) Build() (*Service, error) {
	if b.name == "" {
		return nil, errors.New("lifecycle: service name must not be empty")
	}
	if b.version == "" {
		return nil, errors.New("lifecycle: service version must not be empty")
	}
	seen := make(map[string]bool, len(b.dependencies))
	for _, d := range b.dependencies {
		if d.Name == "" || d.Check == nil {
			return nil, fmt.Errorf("lifecycle: dependency %q is incomplete", d.Name)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("lifecycle: dependency %q registered twice", d.Name)
		}
		seen[d.Name] = true
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := defaultTracer()
	if b.tracerProvider != nil {
		tracer = b.tracerProvider.Tracer(tracerName)
	}

	return &Service{
		name:          b.name,
		version:       b.version,
		state:         StateUnknown,
		tracer:        tracer,
		logger:        logger,
		onStart:       b.onStart,
		onStop:        b.onStop,
		stateHandlers: append([]StateChangeHandler(nil), b.stateHandlers...),
		dependencies:  append([]Dependency(nil), b.dependencies...),
	}, nil
}
