package pipeline

import (
	"context"
	"time"

	"github.com/pithecene-io/daybreak/artifact"
	"github.com/pithecene-io/daybreak/bucket"
	"github.com/pithecene-io/daybreak/lease"
	"github.com/pithecene-io/daybreak/log"
	"github.com/pithecene-io/daybreak/persona"
	"github.com/pithecene-io/daybreak/world"
)

// StepContext is what a step function sees: run attributes and read
// access to prior outputs.
type StepContext struct {
	Attrs Attrs
	// Step is the running step's name.
	Step string
	// ModelVersion is the model version configured for this step.
	ModelVersion string
	// Artifacts holds outputs of earlier steps of this run.
	Artifacts *artifact.Store
	// Shared holds session-scoped artifacts published by earlier runs.
	Shared *artifact.Store
	// Bucket is the accumulated delta from earlier steps.
	Bucket bucket.State
	// Base is the world snapshot the run started from. Zero when
	// Attrs.HasBase is false.
	Base world.State
	// Lease is the cache lease valid for ModelVersion, if any.
	Lease  lease.Lease
	Logger *log.Logger

	invoker persona.Invoker
	now     func() time.Time
}

// Now reads the executor's clock. Steps stamp what they write with it.
func (sc *StepContext) Now() time.Time {
	if sc.now == nil {
		return time.Now()
	}
	return sc.now()
}

// Invoke calls a persona with the run's session, model version, and lease.
func (sc *StepContext) Invoke(ctx context.Context, name string, input any) (persona.Response, error) {
	sc.Logger.Debug("invoking persona", map[string]any{
		"persona": name,
		"lease":   sc.Lease.Handle,
	})
	return sc.invoker.Invoke(ctx, persona.Request{
		Persona:      name,
		Session:      sc.Attrs.Key.Session,
		ModelVersion: sc.ModelVersion,
		LeaseHandle:  sc.Lease.Handle,
		Input:        input,
	})
}

// Call invokes a persona and decodes its output into out, requiring the
// named fields.
func (sc *StepContext) Call(ctx context.Context, name string, input, out any, required ...string) error {
	resp, err := sc.Invoke(ctx, name, input)
	if err != nil {
		return err
	}
	return persona.Decode(resp, out, required...)
}

// RequireBase returns the base world or an invariant error when the run
// has none.
func (sc *StepContext) RequireBase() (world.State, error) {
	if !sc.Attrs.HasBase {
		return world.State{}, Invariantf("session %s has no committed world", sc.Attrs.Key.Session)
	}
	return sc.Base, nil
}

// Require loads an artifact an earlier completed step must have written.
// Its absence is an invariant violation.
func Require[T any](ctx context.Context, sc *StepContext, name string) (T, error) {
	v, ok, err := artifact.Get[T](ctx, sc.Artifacts, name)
	if err != nil {
		return v, err
	}
	if !ok {
		return v, Invariantf("required artifact %s is missing", name)
	}
	return v, nil
}
