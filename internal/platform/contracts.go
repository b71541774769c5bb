// Package platform defines the outbound contracts the autopilot core needs from
// build/deploy, source-control and workflow platforms, plus an HTTP implementation.
package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/miradorstack/mirador-autopilot/internal/models"
)

// ErrVerifyUnsupported is returned by Actors that cannot confirm an action.
var ErrVerifyUnsupported = errors.New("verify not supported")

// Source is read by the World Model Builder once per cycle. Fields use the
// models.Field* keys with the typed snapshot slices as values.
type Source interface {
	Name() string
	Observe(ctx context.Context) (map[string]any, error)
}

// ActionRequest is one outbound action. ID is stable across retries of the same
// attempt and is sent as the idempotency key.
type ActionRequest struct {
	ID     string
	Action models.ActionType
	Target models.Target
	Reason string
}

// ActionResult carries what the platform reported back.
type ActionResult struct {
	Reference string
	Detail    string
}

// Actor performs actions against a platform.
type Actor interface {
	Name() string
	Handles(action models.ActionType) bool
	Execute(ctx context.Context, req ActionRequest) (ActionResult, error)
	// Verify reports whether the platform has applied req.
	Verify(ctx context.Context, req ActionRequest) (bool, error)
}

// MetricsCollector returns a flat numeric snapshot for one monitored endpoint.
type MetricsCollector interface {
	Name() string
	Target() string
	Collect(ctx context.Context) (map[string]float64, error)
}

// Router picks the Actor for an action type.
type Router struct {
	actors []Actor
}

// NewRouter builds a router; earlier actors win when several handle an action.
func NewRouter(actors ...Actor) *Router {
	return &Router{actors: actors}
}

// ErrNoActor is returned when no configured platform handles an action.
var ErrNoActor = errors.New("no platform handles action")

// For returns the actor handling action.
func (r *Router) For(action models.ActionType) (Actor, error) {
	if r != nil {
		for _, a := range r.actors {
			if a.Handles(action) {
				return a, nil
			}
		}
	}
	return nil, ErrNoActor
}

// Unhandled lists the action types no actor performs, in declaration order.
func (r *Router) Unhandled() []models.ActionType {
	var missing []models.ActionType
	for _, action := range models.AllActionTypes() {
		if _, err := r.For(action); err != nil {
			missing = append(missing, action)
		}
	}
	return missing
}

// Validate fails when some action type would have no actor at execution time.
func (r *Router) Validate() error {
	missing := r.Unhandled()
	if len(missing) == 0 {
		return nil
	}
	names := make([]string, len(missing))
	for i, action := range missing {
		names[i] = action.String()
	}
	return fmt.Errorf("%w: %s", ErrNoActor, strings.Join(names, ", "))
}
