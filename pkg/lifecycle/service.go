package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/teamskills-gateway/pkg/errors"
)

const tracerName = "github.com/StricklySoft/teamskills-gateway/pkg/lifecycle"

// DefaultShutdownTimeout bounds Stop when [Service.Run] shuts down.
const DefaultShutdownTimeout = 15 * time.Second

// StateChangeHandler observes state transitions. Handlers run
// synchronously under the service's state mutex; they must not block or
// call lifecycle methods. A panicking handler is recovered and logged.
type StateChangeHandler func(old, new State)

// Hook runs during Start or Stop, outside the state mutex. A hook error
// moves the service to [StateFailed].
type Hook func(ctx context.Context) error

// Info is a point-in-time snapshot of a service.
type Info struct {
	Name      string        `json:"name"`
	Version   string        `json:"version"`
	State     State         `json:"state"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
}

// Service owns the process-wide lifecycle of the gateway. Components are
// constructed once, handed to the service's hooks, and torn down in
// OnStop. Build one with [NewServiceBuilder].
type Service struct {
	name    string
	version string

	mu        sync.RWMutex
	state     State
	startedAt *time.Time

	tracer trace.Tracer
	logger *slog.Logger

	onStart       Hook
	onStop        Hook
	stateHandlers []StateChangeHandler
	dependencies  []Dependency
}

func (s *Service) Name() string    { return s.name }
func (s *Service) Version() string { return s.version }

// State returns the current state.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Info returns a snapshot of the service. Uptime is set only while
// running.
func (s *Service) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := Info{Name: s.name, Version: s.version, State: s.state}
	if s.startedAt != nil && s.state == StateRunning {
		t := *s.startedAt
		info.StartedAt = &t
		info.Uptime = time.Since(t)
	}
	return info
}

// Check probes every dependency and returns their statuses in
// registration order.
func (s *Service) Check(ctx context.Context) []DependencyStatus {
	out := make([]DependencyStatus, 0, len(s.dependencies))
	for _, d := range s.dependencies {
		st := DependencyStatus{Name: d.Name, Optional: d.Optional, Healthy: true}
		if err := d.Check(ctx); err != nil {
			st.Healthy = false
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	return out
}

// Health returns nil when the service is running and every required
// dependency passes its check. It returns [sserr.CodeUnavailable] when
// the service is not running and [sserr.CodeUnavailableDependency] when a
// required dependency fails.
func (s *Service) Health(ctx context.Context) error {
	if state := s.State(); state != StateRunning {
		return sserr.Newf(sserr.CodeUnavailable,
			"lifecycle: service is not running, current state is %q", state)
	}
	for _, d := range s.dependencies {
		if err := d.Check(ctx); err != nil {
			if d.Optional {
				s.logger.WarnContext(ctx, "lifecycle: optional dependency unhealthy",
					"dependency", d.Name,
					"error", err,
				)
				continue
			}
			return sserr.Wrapf(err, sserr.CodeUnavailableDependency,
				"lifecycle: dependency %q is unhealthy", d.Name)
		}
	}
	return nil
}

func (s *Service) setState(new State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.state
	if !ValidTransition(old, new) {
		return sserr.Newf(sserr.CodeConflict,
			"lifecycle: invalid state transition from %q to %q", old, new)
	}
	s.state = new

	for _, h := range s.stateHandlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("lifecycle: state change handler panicked",
						"panic", r,
						"service", s.name,
						"old_state", string(old),
						"new_state", string(new),
					)
				}
			}()
			h(old, new)
		}()
	}
	return nil
}

// Start moves the service through Starting to Running, running OnStart in
// between. It may be called from Unknown, Stopped or Failed.
func (s *Service) Start(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "lifecycle.Start")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return fail(span, sserr.Wrap(err, sserr.CodeTimeout, "lifecycle: start canceled before execution"))
	}
	if err := s.setState(StateStarting); err != nil {
		return fail(span, err)
	}
	s.logger.InfoContext(ctx, "lifecycle: starting service",
		"service", s.name,
		"version", s.version,
	)

	if s.onStart != nil {
		if err := s.onStart(ctx); err != nil {
			s.logger.ErrorContext(ctx, "lifecycle: start hook failed",
				"service", s.name,
				"error", err,
			)
			_ = s.setState(StateFailed)
			return fail(span, sserr.Wrap(err, sserr.CodeInternal, "lifecycle: start hook failed"))
		}
	}

	if err := s.setState(StateRunning); err != nil {
		return fail(span, err)
	}
	now := time.Now().UTC()
	s.mu.Lock()
	s.startedAt = &now
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "lifecycle: service started", "service", s.name)
	span.SetStatus(codes.Ok, "")
	return nil
}

// Stop moves the service through Stopping to Stopped, running OnStop in
// between. Stopping a service in a terminal state is a no-op.
func (s *Service) Stop(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "lifecycle.Stop")
	defer span.End()

	if s.State().IsTerminal() {
		span.SetStatus(codes.Ok, "")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fail(span, sserr.Wrap(err, sserr.CodeTimeout, "lifecycle: stop canceled before execution"))
	}
	if err := s.setState(StateStopping); err != nil {
		return fail(span, err)
	}
	s.logger.InfoContext(ctx, "lifecycle: stopping service", "service", s.name)

	if s.onStop != nil {
		if err := s.onStop(ctx); err != nil {
			s.logger.ErrorContext(ctx, "lifecycle: stop hook failed",
				"service", s.name,
				"error", err,
			)
			_ = s.setState(StateFailed)
			return fail(span, sserr.Wrap(err, sserr.CodeInternal, "lifecycle: stop hook failed"))
		}
	}

	if err := s.setState(StateStopped); err != nil {
		return fail(span, err)
	}
	s.mu.Lock()
	s.startedAt = nil
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "lifecycle: service stopped", "service", s.name)
	span.SetStatus(codes.Ok, "")
	return nil
}

// Run starts the service, blocks until ctx is done, then stops it with a
// fresh context bounded by shutdownTimeout (or [DefaultShutdownTimeout]
// when zero).
func (s *Service) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return s.Stop(stopCtx)
}

func (s *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("service.name", s.name),
			attribute.String("service.version", s.version),
		),
	)
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
