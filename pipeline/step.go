package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pithecene-io/daybreak/bucket"
	"github.com/pithecene-io/daybreak/checkpoint"
	"github.com/pithecene-io/daybreak/types"
	"github.com/pithecene-io/daybreak/world"
)

// StepFunc computes a step's result. It must not write durable state:
// the executor persists the returned result after consulting the guard.
type StepFunc func(ctx context.Context, sc *StepContext) (StepResult, error)

// Step is one named unit of a pipeline.
type Step struct {
	// Name is the stable step identifier used by the cursor and journal.
	Name string
	// Persona names the collaborator the step calls, for logs and status.
	Persona string
	// Timeout bounds the step's run. Zero uses the executor default.
	Timeout time.Duration
	// Skip is an optional static predicate over run attributes. A skipped
	// step persists Defaults and advances the cursor.
	Skip func(Attrs) bool
	// Defaults builds the minimal result downstream steps need when the
	// step is skipped. Nil persists nothing.
	Defaults StepFunc
	// Run computes the step result.
	Run StepFunc
}

// StepResult is the output of one step.
type StepResult struct {
	// Artifacts are written whole under their names.
	Artifacts map[string]any
	// Shared artifacts are written to the session scope, where later runs
	// read them.
	Shared map[string]any
	// Patch is shallow-merged into the run's bucket.
	Patch bucket.Patch
	// World, when set, is committed as the session's new head world.
	// Only a pipeline's commit step sets it.
	World *world.State
}

// sortedNames returns the keys of m in write order.
func sortedNames(m map[string]any) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BaselineFunc builds the cacheable baseline payload for a run's lease.
type BaselineFunc func(ctx context.Context, sc *StepContext) ([]byte, error)

// Definition is a pipeline type's fixed ordered step list.
// Ordinals are generated from list position starting at 1.
type Definition struct {
	Type     types.PipelineType
	Steps    []Step
	Baseline BaselineFunc
	ordinals map[string]int
}

// NewDefinition validates steps and assigns ordinals.
// Step names must be unique and every step needs a Run function.
func NewDefinition(t types.PipelineType, baseline BaselineFunc, steps ...Step) (*Definition, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("pipeline %s: no steps", t)
	}
	ordinals := make(map[string]int, len(steps))
	for i, s := range steps {
		if s.Name == "" {
			return nil, fmt.Errorf("pipeline %s: step %d has no name", t, i+1)
		}
		if s.Run == nil {
			return nil, fmt.Errorf("pipeline %s: step %s has no run function", t, s.Name)
		}
		if _, dup := ordinals[s.Name]; dup {
			return nil, fmt.Errorf("pipeline %s: duplicate step %s", t, s.Name)
		}
		ordinals[s.Name] = i + 1
	}
	return &Definition{Type: t, Steps: steps, Baseline: baseline, ordinals: ordinals}, nil
}

// Ordinal returns the completion ordinal of the named step.
func (d *Definition) Ordinal(name string) (int, bool) {
	o, ok := d.ordinals[name]
	return o, ok
}

// Position returns the cursor position marking step i (0-based) complete.
func (d *Definition) Position(i int) checkpoint.Position {
	return checkpoint.Position{Step: d.Steps[i].Name, Ordinal: i + 1}
}

// PositionOf returns the cursor position for the named step.
func (d *Definition) PositionOf(name string) (checkpoint.Position, error) {
	o, ok := d.Ordinal(name)
	if !ok {
		return checkpoint.Position{}, fmt.Errorf("%w: pipeline %s has no step %s", ErrInvariant, d.Type, name)
	}
	return checkpoint.Position{Step: name, Ordinal: o}, nil
}

// Terminal returns the position of the last step.
func (d *Definition) Terminal() checkpoint.Position {
	return d.Position(len(d.Steps) - 1)
}

// validateCursor checks that p names a step of d at its own ordinal.
func (d *Definition) validateCursor(p checkpoint.Position) error {
	if p.IsNotStarted() {
		return nil
	}
	o, ok := d.Ordinal(p.Step)
	if !ok || o != p.Ordinal {
		return fmt.Errorf("%w: cursor %s does not match pipeline %s", ErrInvariant, p, d.Type)
	}
	return nil
}

// Registry maps pipeline types to definitions.
type Registry map[types.PipelineType]*Definition

// NewRegistry indexes defs by type.
func NewRegistry(defs ...*Definition) (Registry, error) {
	r := make(Registry, len(defs))
	for _, d := range defs {
		if d == nil {
			return nil, errors.New("nil pipeline definition")
		}
		if _, dup := r[d.Type]; dup {
			return nil, fmt.Errorf("duplicate pipeline definition %s", d.Type)
		}
		r[d.Type] = d
	}
	return r, nil
}
