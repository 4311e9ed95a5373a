package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/pithecene-io/daybreak/checkpoint"
	"github.com/pithecene-io/daybreak/persona"
	"github.com/pithecene-io/daybreak/storage"
	"github.com/pithecene-io/daybreak/types"
)

func noop(context.Context, *StepContext) (StepResult, error) { return StepResult{}, nil }

func TestNewDefinition_Ordinals(t *testing.T) {
	def, err := NewDefinition(types.PipelineNewGame, nil,
		Step{Name: "a", Run: noop},
		Step{Name: "b", Run: noop},
		Step{Name: "c", Run: noop},
	)
	if err != nil {
		t.Fatalf("NewDefinition failed: %v", err)
	}
	for name, want := range map[string]int{"a": 1, "b": 2, "c": 3} {
		if got, ok := def.Ordinal(name); !ok || got != want {
			t.Errorf("Ordinal(%s) = %d, %v; want %d", name, got, ok, want)
		}
	}
	if term := def.Terminal(); term != (checkpoint.Position{Step: "c", Ordinal: 3}) {
		t.Errorf("Terminal = %v", term)
	}
	if _, err := def.PositionOf("zzz"); !IsInvariant(err) {
		t.Errorf("PositionOf(unknown) err = %v, want invariant", err)
	}
}

func TestNewDefinition_Validation(t *testing.T) {
	tests := []struct {
		name  string
		steps []Step
	}{
		{"empty", nil},
		{"unnamed", []Step{{Run: noop}}},
		{"no run", []Step{{Name: "a"}}},
		{"duplicate", []Step{{Name: "a", Run: noop}, {Name: "a", Run: noop}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewDefinition(types.PipelineEndOfDay, nil, tt.steps...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDefinition_ValidateCursor(t *testing.T) {
	def, _ := NewDefinition(types.PipelineEndOfDay, nil, Step{Name: "a", Run: noop}, Step{Name: "b", Run: noop})
	if err := def.validateCursor(checkpoint.NotStarted); err != nil {
		t.Errorf("not_started: %v", err)
	}
	if err := def.validateCursor(checkpoint.Position{Step: "b", Ordinal: 2}); err != nil {
		t.Errorf("b(2): %v", err)
	}
	for _, bad := range []checkpoint.Position{{Step: "b", Ordinal: 1}, {Step: "x", Ordinal: 1}} {
		if err := def.validateCursor(bad); !IsInvariant(err) {
			t.Errorf("validateCursor(%v) = %v, want invariant", bad, err)
		}
	}
}

func TestNewRegistry_RejectsDuplicates(t *testing.T) {
	a, _ := NewDefinition(types.PipelineEndOfDay, nil, Step{Name: "a", Run: noop})
	b, _ := NewDefinition(types.PipelineEndOfDay, nil, Step{Name: "b", Run: noop})
	if _, err := NewRegistry(a, b); err == nil {
		t.Error("expected duplicate error")
	}
	if _, err := NewRegistry(a, nil); err == nil {
		t.Error("expected nil definition error")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"persona transport", &persona.Error{Persona: "p", Kind: persona.KindTransport, Err: errors.New("reset")}, KindTransient},
		{"malformed", &persona.MalformedError{Persona: "p", Missing: []string{"summary"}}, KindMalformed},
		{"wrapped malformed", fmt.Errorf("decode: %w", &persona.MalformedError{Persona: "p"}), KindMalformed},
		{"regression", fmt.Errorf("advance: %w", checkpoint.ErrRegression), KindInvariant},
		{"invariant", Invariantf("missing %s", "x"), KindInvariant},
		{"storage", storage.NewStorageError(storage.ErrTimeout, "set", "k", errors.New("slow")), KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := classify("step", tt.err)
			if se.Kind != tt.want {
				t.Errorf("Kind = %s, want %s", se.Kind, tt.want)
			}
			if se.Step != "step" {
				t.Errorf("Step = %q", se.Step)
			}
			if !errors.Is(se, tt.err) && !errors.As(tt.err, new(*StepError)) {
				t.Error("classified error does not wrap the original")
			}
		})
	}
}

func TestStepError_IsInvariant(t *testing.T) {
	if !errors.Is(Invariantf("x"), ErrInvariant) {
		t.Error("invariant StepError should match ErrInvariant")
	}
	if errors.Is(Transientf("x"), ErrInvariant) {
		t.Error("transient StepError should not match ErrInvariant")
	}
	if KindInvariant.Retryable() || !KindMalformed.Retryable() || !KindTransient.Retryable() {
		t.Error("unexpected Retryable")
	}
}

func TestRunKey(t *testing.T) {
	k := RunKey{Session: "s1", Pipeline: types.PipelineEndOfDay, Instance: DayInstance(4)}
	if err := k.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if got := k.Prefix(); got != "runs/s1/end-of-day/day-4" {
		t.Errorf("Prefix = %q", got)
	}
	if SegmentInstance(2) != "segment-2" {
		t.Errorf("SegmentInstance = %q", SegmentInstance(2))
	}

	bad := []RunKey{
		{Pipeline: types.PipelineEndOfDay, Instance: "x"},
		{Session: "s", Pipeline: "weekly", Instance: "x"},
		{Session: "s", Pipeline: types.PipelineEndOfDay},
		{Session: "s", Pipeline: types.PipelineEndOfDay, Instance: "a/b"},
	}
	for _, k := range bad {
		if err := k.Validate(); err == nil {
			t.Errorf("Validate(%+v) = nil, want error", k)
		}
	}
}

func TestSessionGuard(t *testing.T) {
	kv := storage.NewMemoryStore()
	ctx := t.Context()

	g, err := NewSessionGuard(ctx, kv, "s1")
	if err != nil {
		t.Fatalf("NewSessionGuard failed: %v", err)
	}
	if !g.ShouldContinue() {
		t.Fatal("fresh guard should continue")
	}

	other, _ := NewSessionGuard(ctx, kv, "s2")
	gen, err := BumpGeneration(ctx, kv, "s1")
	if err != nil || gen != 1 {
		t.Fatalf("BumpGeneration = %d, %v", gen, err)
	}
	if g.ShouldContinue() {
		t.Error("guard should refuse after the session generation moved")
	}
	if !other.ShouldContinue() {
		t.Error("other sessions are unaffected")
	}

	fresh, _ := NewSessionGuard(ctx, kv, "s1")
	if !fresh.ShouldContinue() {
		t.Error("guard created after the bump should continue")
	}
}

func TestSessionGuard_FailsClosed(t *testing.T) {
	kv := storage.NewMemoryStore()
	g, _ := NewSessionGuard(t.Context(), kv, "s1")
	if err := kv.Set(t.Context(), generationKey("s1"), []byte("garbage")); err != nil {
		t.Fatal(err)
	}
	if g.ShouldContinue() {
		t.Error("unreadable generation should refuse writes")
	}
}
