package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type funcComponent struct {
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

func (c funcComponent) Start(ctx context.Context) error {
	if c.start == nil {
		return nil
	}
	return c.start(ctx)
}

func (c funcComponent) Stop(ctx context.Context) error {
	if c.stop == nil {
		return nil
	}
	return c.stop(ctx)
}

// Func adapts a start/stop pair; either may be nil.
func Func(start, stop func(ctx context.Context) error) Component {
	return funcComponent{start: start, stop: stop}
}

type named struct {
	name      string
	component Component
}

// Runtime starts components in registration order and stops the started
// ones in reverse.
type Runtime struct {
	mu         sync.Mutex
	components []named
	started    []named
}

func NewRuntime() *Runtime {
	return &Runtime{}
}

func (r *Runtime) Register(name string, component Component) {
	if component == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components = append(r.components, named{name: name, component: component})
}

func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.components {
		log.WithField("component", c.name).Debug("starting")
		if err := c.component.Start(ctx); err != nil {
			stopErr := stopComponents(ctx, r.started)
			r.started = nil
			return errors.Join(fmt.Errorf("start %s: %w", c.name, err), stopErr)
		}
		r.started = append(r.started, c)
	}
	return nil
}

// Stop is safe to call more than once; only running components are stopped.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := stopComponents(ctx, r.started)
	r.started = nil
	return err
}

func stopComponents(ctx context.Context, components []named) error {
	var stopErr error
	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		log.WithField("component", c.name).Debug("stopping")
		if err := c.component.Stop(ctx); err != nil {
			stopErr = errors.Join(stopErr, fmt.Errorf("stop %s: %w", c.name, err))
		}
	}
	return stopErr
}
