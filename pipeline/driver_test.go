package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pithecene-io/daybreak/artifact"
	"github.com/pithecene-io/daybreak/bucket"
	"github.com/pithecene-io/daybreak/checkpoint"
	"github.com/pithecene-io/daybreak/lease"
	"github.com/pithecene-io/daybreak/metrics"
	"github.com/pithecene-io/daybreak/persona"
	"github.com/pithecene-io/daybreak/storage"
	"github.com/pithecene-io/daybreak/types"
	"github.com/pithecene-io/daybreak/world"
)

var testKey = RunKey{Session: "s1", Pipeline: types.PipelineEndOfDay, Instance: "day-1"}

// echoStep calls persona p and stores its "value" under t/<name>.
func echoStep(name, p string) Step {
	return Step{
		Name:    name,
		Persona: p,
		Run: func(ctx context.Context, sc *StepContext) (StepResult, error) {
			var out struct {
				Value string `json:"value"`
			}
			if err := sc.Call(ctx, p, map[string]any{"step": name}, &out, "value"); err != nil {
				return StepResult{}, err
			}
			return StepResult{Artifacts: map[string]any{"t/" + name: out.Value}}, nil
		},
	}
}

// testSteps is a five-step pipeline: four persona steps and a commit.
// s2 writes the bucket; s3 requires it and the s2 artifact.
func testSteps() []Step {
	s2 := echoStep("s2", "p2")
	inner := s2.Run
	s2.Run = func(ctx context.Context, sc *StepContext) (StepResult, error) {
		res, err := inner(ctx, sc)
		if err != nil {
			return res, err
		}
		v := res.Artifacts["t/s2"].(string)
		res.Patch = bucket.Patch{Recap: &v}
		return res, nil
	}

	s3 := echoStep("s3", "p3")
	inner3 := s3.Run
	s3.Run = func(ctx context.Context, sc *StepContext) (StepResult, error) {
		if _, err := Require[string](ctx, sc, "t/s2"); err != nil {
			return StepResult{}, err
		}
		if sc.Bucket.Recap == nil {
			return StepResult{}, Invariantf("bucket recap missing")
		}
		return inner3(ctx, sc)
	}

	commit := Step{
		Name: "s5",
		Run: func(ctx context.Context, sc *StepContext) (StepResult, error) {
			base, err := sc.RequireBase()
			if err != nil {
				return StepResult{}, err
			}
			focus, err := Require[string](ctx, sc, "t/s4")
			if err != nil {
				return StepResult{}, err
			}
			next := base.Clone()
			next.Day++
			next.Plan = world.Plan{Focus: focus}
			return StepResult{Artifacts: map[string]any{"t/s5": next.Day}, World: &next}, nil
		},
	}
	return []Step{echoStep("s1", "p1"), s2, s3, echoStep("s4", "p4"), commit}
}

type harness struct {
	t         *testing.T
	kv        storage.Store
	personas  *persona.Scripted
	cache     *lease.StubService
	collector *metrics.Collector
	exec      *Executor
	driver    *Driver
	def       *Definition
	observed  []*Result
}

func newHarness(t *testing.T, steps []Step, configure func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		kv:        storage.NewMemoryStore(),
		personas:  persona.NewScripted(),
		cache:     lease.NewStubService(),
		collector: metrics.NewCollector("memory", "A"),
	}
	for _, p := range []string{"p1", "p2", "p3", "p4"} {
		h.personas.On(p, persona.Reply{Body: map[string]any{"value": "v-" + p}})
	}

	cfg := Config{
		Store:        h.kv,
		Invoker:      h.personas,
		Cache:        h.cache,
		ModelVersion: "A",
		Collector:    h.collector,
	}
	if configure != nil {
		configure(&cfg)
	}
	exec, err := NewExecutor(cfg)
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}
	h.exec = exec

	def, err := NewDefinition(types.PipelineEndOfDay, func(_ context.Context, sc *StepContext) ([]byte, error) {
		return json.Marshal(sc.Base)
	}, steps...)
	if err != nil {
		t.Fatalf("NewDefinition failed: %v", err)
	}
	h.def = def
	reg, err := NewRegistry(def)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	h.driver = NewDriver(exec, reg,
		WithDriverCollector(h.collector),
		WithObserver(ObserverFunc(func(_ context.Context, r *Result) error {
			h.observed = append(h.observed, r)
			return nil
		})),
	)

	if err := exec.Worlds().Commit(t.Context(), world.State{Session: "s1", Day: 1, Protagonist: "Mara"}); err != nil {
		t.Fatalf("seed world: %v", err)
	}
	return h
}

func (h *harness) run(guard Guard) *Result {
	h.t.Helper()
	res := h.driver.RunOrResume(h.t.Context(), Invocation{Key: testKey, Guard: guard})
	h.exec.Wait()
	return res
}

func (h *harness) cursor() checkpoint.Position {
	h.t.Helper()
	p, err := checkpoint.NewCursor(h.kv, nil, testKey.Prefix()).Load(h.t.Context())
	if err != nil {
		h.t.Fatalf("cursor load: %v", err)
	}
	return p
}

func (h *harness) journal() map[string]checkpoint.Entry {
	h.t.Helper()
	e, err := checkpoint.NewJournal(h.kv, nil, testKey.Prefix()).Entries(h.t.Context())
	if err != nil {
		h.t.Fatalf("journal load: %v", err)
	}
	return e
}

func (h *harness) artifact(name string) (string, bool) {
	h.t.Helper()
	v, ok, err := artifact.Get[string](h.t.Context(), artifact.NewStore(h.kv, nil, testKey.Prefix()), name)
	if err != nil {
		h.t.Fatalf("artifact %s: %v", name, err)
	}
	return v, ok
}

func (h *harness) bucket() bucket.State {
	h.t.Helper()
	b, err := bucket.NewStore(h.kv, nil, testKey.Prefix()).Load(h.t.Context())
	if err != nil {
		h.t.Fatalf("bucket load: %v", err)
	}
	return b
}

func transientErr(p string) error {
	return &persona.Error{Persona: p, Kind: persona.KindStatus, Err: errors.New("503 service unavailable")}
}

func TestDriver_CleanRun(t *testing.T) {
	h := newHarness(t, testSteps(), nil)

	res := h.run(nil)
	if res.Status != types.OutcomeCompleted {
		t.Fatalf("Status = %s, want completed (err: %v)", res.Status, res.Err)
	}
	if res.Cursor != h.def.Terminal() {
		t.Errorf("Cursor = %v, want %v", res.Cursor, h.def.Terminal())
	}
	if res.StepsRun != 5 {
		t.Errorf("StepsRun = %d, want 5", res.StepsRun)
	}
	if res.Resumed {
		t.Error("fresh run reported as resumed")
	}
	if res.RunID == "" {
		t.Error("expected a generated run ID")
	}
	for _, p := range []string{"p1", "p2", "p3", "p4"} {
		if n := h.personas.CallCount(p); n != 1 {
			t.Errorf("%s called %d times, want 1", p, n)
		}
	}
	if v, ok := h.artifact("t/s4"); !ok || v != "v-p4" {
		t.Errorf("artifact t/s4 = %q, %v", v, ok)
	}
	if len(h.journal()) != 0 {
		t.Errorf("journal = %v, want empty", h.journal())
	}
	if b := h.bucket(); !b.Empty() {
		t.Errorf("bucket not cleared: %v", b.Fields())
	}

	if h.cache.CreateCount() != 1 {
		t.Errorf("leases created = %d, want 1", h.cache.CreateCount())
	}
	if live := h.cache.Live(); len(live) != 0 {
		t.Errorf("live leases after completion = %v", live)
	}

	head, err := h.exec.Worlds().Head(t.Context(), "s1")
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if head.Day != 2 || head.Plan.Focus != "v-p4" || head.Protagonist != "Mara" {
		t.Errorf("head = %+v", head)
	}

	snap := h.collector.Snapshot()
	if snap.RunsStarted != 1 || snap.RunsCompleted != 1 || snap.StepsCompleted != 5 {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(h.observed) != 1 || h.observed[0] != res {
		t.Errorf("observer saw %d results", len(h.observed))
	}
}

func TestDriver_CompletedRunIsNoop(t *testing.T) {
	h := newHarness(t, testSteps(), nil)
	if res := h.run(nil); res.Status != types.OutcomeCompleted {
		t.Fatalf("first run: %s (%v)", res.Status, res.Err)
	}
	calls := len(h.personas.Calls())

	res := h.run(nil)
	if res.Status != types.OutcomeCompleted {
		t.Fatalf("second run: %s", res.Status)
	}
	if res.StepsRun != 0 {
		t.Errorf("StepsRun = %d, want 0", res.StepsRun)
	}
	if got := len(h.personas.Calls()); got != calls {
		t.Errorf("persona calls %d -> %d, want unchanged", calls, got)
	}
	if h.cache.CreateCount() != 1 {
		t.Errorf("leases created = %d, want 1", h.cache.CreateCount())
	}
}

func TestDriver_FailThenRetry(t *testing.T) {
	h := newHarness(t, testSteps(), nil)
	h.personas.Set("p3", persona.Reply{Err: transientErr("p3")}, persona.Reply{Body: map[string]any{"value": "v-p3"}})

	res := h.run(nil)
	if res.Status != types.OutcomeHaltedWithError {
		t.Fatalf("Status = %s, want halted_with_error", res.Status)
	}
	if res.Step != "s3" || !res.Retryable || res.ErrorKind() != KindTransient {
		t.Errorf("Step=%q Retryable=%v Kind=%q", res.Step, res.Retryable, res.ErrorKind())
	}
	if got := h.cursor(); got.Ordinal != 2 {
		t.Errorf("cursor = %v, want s2(2)", got)
	}
	entry, ok := h.journal()["s3"]
	if !ok || entry.Kind != string(KindTransient) || entry.Ordinal != 3 {
		t.Errorf("journal entry = %+v, %v", entry, ok)
	}
	// No skip-ahead: nothing past the failed step ran.
	if n := h.personas.CallCount("p4"); n != 0 {
		t.Errorf("p4 called %d times before failure was resolved", n)
	}
	if _, ok := h.artifact("t/s4"); ok {
		t.Error("artifact t/s4 written past a failed step")
	}
	if live := h.cache.Live(); len(live) != 1 {
		t.Errorf("halted run should keep its lease, live = %v", live)
	}

	res = h.run(nil)
	if res.Status != types.OutcomeCompleted {
		t.Fatalf("retry Status = %s (%v)", res.Status, res.Err)
	}
	if !res.Resumed {
		t.Error("retry not reported as resumed")
	}
	if res.StepsRun != 3 {
		t.Errorf("retry StepsRun = %d, want 3", res.StepsRun)
	}
	for p, want := range map[string]int{"p1": 1, "p2": 1, "p3": 2, "p4": 1} {
		if n := h.personas.CallCount(p); n != want {
			t.Errorf("%s called %d times, want %d", p, n, want)
		}
	}
	if len(h.journal()) != 0 {
		t.Errorf("journal not cleared: %v", h.journal())
	}
	if h.cache.CreateCount() != 1 {
		t.Errorf("retry should reuse the lease, created = %d", h.cache.CreateCount())
	}
}

func TestDriver_ResumeReadsPinnedBase(t *testing.T) {
	h := newHarness(t, testSteps(), nil)
	h.personas.Set("p4", persona.Reply{Err: transientErr("p4")}, persona.Reply{Body: map[string]any{"value": "v-p4"}})

	if res := h.run(nil); res.Status != types.OutcomeHaltedWithError {
		t.Fatalf("Status = %s, want halted", res.Status)
	}
	// The head moves while the run is halted.
	if err := h.exec.Worlds().Commit(t.Context(), world.State{Session: "s1", Day: 7}); err != nil {
		t.Fatal(err)
	}

	if res := h.run(nil); res.Status != types.OutcomeCompleted {
		t.Fatalf("resume Status = %s (%v)", res.Status, res.Err)
	}
	head, err := h.exec.Worlds().Head(t.Context(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if head.Day != 2 || head.Protagonist != "Mara" {
		t.Errorf("resume built on %+v, want day 2 from the pinned day-1 base", head)
	}
}

func TestDriver_MalformedOutput(t *testing.T) {
	h := newHarness(t, testSteps(), nil)
	h.personas.Set("p2", persona.Reply{Body: map[string]any{"other": "x"}})

	res := h.run(nil)
	if res.Status != types.OutcomeHaltedWithError {
		t.Fatalf("Status = %s, want halted", res.Status)
	}
	if res.ErrorKind() != KindMalformed || !res.Retryable {
		t.Errorf("Kind = %q Retryable = %v", res.ErrorKind(), res.Retryable)
	}
	if got := h.cursor(); got.Ordinal != 1 || got.Step != "s1" {
		t.Errorf("cursor = %v, want s1(1)", got)
	}
	if _, ok := h.artifact("t/s2"); ok {
		t.Error("malformed step wrote its artifact")
	}
	if e := h.journal()["s2"]; e.Kind != string(KindMalformed) {
		t.Errorf("journal kind = %q", e.Kind)
	}
}

func TestDriver_CancellationLeavesNoPartialWrite(t *testing.T) {
	var cancelled atomic.Bool
	steps := testSteps()
	inner := steps[2].Run
	steps[2].Run = func(ctx context.Context, sc *StepContext) (StepResult, error) {
		res, err := inner(ctx, sc)
		cancelled.Store(true)
		res.Patch = bucket.Patch{Arcs: []string{"late"}}
		return res, err
	}
	h := newHarness(t, steps, nil)

	res := h.run(GuardFunc(func() bool { return !cancelled.Load() }))
	if res.Status != types.OutcomeAborted {
		t.Fatalf("Status = %s, want aborted", res.Status)
	}
	if res.Step != "s3" || res.Err != nil {
		t.Errorf("Step = %q Err = %v", res.Step, res.Err)
	}
	if got := h.cursor(); got.Ordinal != 2 {
		t.Errorf("cursor = %v, want s2(2)", got)
	}
	if _, ok := h.artifact("t/s3"); ok {
		t.Error("aborted step wrote its artifact")
	}
	if b := h.bucket(); b.Arcs != nil || b.Recap == nil {
		t.Errorf("bucket = %v, want only the s2 patch", b.Fields())
	}
	if len(h.journal()) != 0 {
		t.Errorf("abort must not journal, got %v", h.journal())
	}
	if h.collector.Snapshot().RunsAborted != 1 {
		t.Error("abort not counted")
	}
}

func TestDriver_SessionGuardAbortsAfterImport(t *testing.T) {
	steps := testSteps()
	var h *harness
	inner := steps[1].Run
	steps[1].Run = func(ctx context.Context, sc *StepContext) (StepResult, error) {
		if _, err := BumpGeneration(ctx, h.kv, "s1"); err != nil {
			return StepResult{}, err
		}
		return inner(ctx, sc)
	}
	h = newHarness(t, steps, nil)

	guard, err := NewSessionGuard(t.Context(), h.kv, "s1")
	if err != nil {
		t.Fatalf("NewSessionGuard failed: %v", err)
	}
	res := h.run(guard)
	if res.Status != types.OutcomeAborted || res.Step != "s2" {
		t.Fatalf("Status = %s Step = %q, want aborted at s2", res.Status, res.Step)
	}
	if got := h.cursor(); got.Ordinal != 1 {
		t.Errorf("cursor = %v, want s1(1)", got)
	}
}

func TestDriver_LeaseModelBinding(t *testing.T) {
	steps := testSteps()
	var h *harness
	inner := steps[2].Run
	steps[2].Run = func(ctx context.Context, sc *StepContext) (StepResult, error) {
		res, err := inner(ctx, sc)
		h.exec.SetModelVersion("B")
		return res, err
	}
	h = newHarness(t, steps, nil)

	if res := h.run(nil); res.Status != types.OutcomeCompleted {
		t.Fatalf("Status = %s (%v)", res.Status, res.Err)
	}

	creates := h.cache.Creates
	if len(creates) != 2 || creates[0].ModelVersion != "A" || creates[1].ModelVersion != "B" {
		t.Fatalf("creates = %+v, want one lease for A then one for B", creates)
	}
	for _, c := range h.personas.Calls() {
		want := creates[0].Handle
		if c.Persona == "p4" {
			want = creates[1].Handle
		}
		if c.LeaseHandle != want {
			t.Errorf("%s used lease %q with model %s, want %q", c.Persona, c.LeaseHandle, c.ModelVersion, want)
		}
		if c.Persona == "p4" && c.ModelVersion != "B" {
			t.Errorf("p4 model = %s, want B", c.ModelVersion)
		}
	}
	if live := h.cache.Live(); len(live) != 0 {
		t.Errorf("live leases = %v, want both released", live)
	}
	if h.collector.Snapshot().LeaseMismatches != 1 {
		t.Errorf("LeaseMismatches = %d, want 1", h.collector.Snapshot().LeaseMismatches)
	}
}

func TestDriver_LeaseReleaseFailureStillCompletes(t *testing.T) {
	h := newHarness(t, testSteps(), nil)
	h.cache.DeleteFn = func(string) error { return errors.New("cache unavailable") }

	res := h.run(nil)
	if res.Status != types.OutcomeCompleted {
		t.Fatalf("Status = %s, want completed", res.Status)
	}
	if h.collector.Snapshot().LeaseReleaseErrs != 1 {
		t.Errorf("LeaseReleaseErrs = %d, want 1", h.collector.Snapshot().LeaseReleaseErrs)
	}
}

func TestDriver_DropsConcurrentInvocation(t *testing.T) {
	h := newHarness(t, testSteps(), nil)
	block := make(chan struct{})
	h.personas.Set("p1", persona.Reply{Body: map[string]any{"value": "v-p1"}, Block: block})

	done := make(chan *Result, 1)
	go func() {
		done <- h.driver.RunOrResume(context.Background(), Invocation{Key: testKey})
	}()
	waitFor(t, func() bool { return h.personas.CallCount("p1") == 1 })

	if !h.driver.InFlight(testKey) {
		t.Error("InFlight = false during a run")
	}
	second := h.driver.RunOrResume(t.Context(), Invocation{Key: testKey})
	if second.Status != types.OutcomeDropped {
		t.Errorf("second Status = %s, want dropped", second.Status)
	}
	if err := h.driver.Abandon(t.Context(), testKey); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("Abandon during run err = %v, want ErrRunInProgress", err)
	}

	close(block)
	first := <-done
	h.exec.Wait()
	if first.Status != types.OutcomeCompleted {
		t.Errorf("first Status = %s (%v)", first.Status, first.Err)
	}
	if n := h.personas.CallCount("p1"); n != 1 {
		t.Errorf("p1 called %d times, want 1", n)
	}
	if h.collector.Snapshot().RunsDropped != 1 {
		t.Error("drop not counted")
	}
	if h.driver.InFlight(testKey) {
		t.Error("InFlight still set after the run returned")
	}
}

func TestExecutor_StepTimeout(t *testing.T) {
	h := newHarness(t, testSteps(), func(c *Config) {
		c.StepTimeouts = map[string]time.Duration{"s2": 20 * time.Millisecond}
	})
	h.personas.Set("p2", persona.Reply{Body: map[string]any{"value": "late"}, Block: make(chan struct{})})

	res := h.run(nil)
	if res.Status != types.OutcomeHaltedWithError || res.Step != "s2" {
		t.Fatalf("Status = %s Step = %q", res.Status, res.Step)
	}
	if !errors.Is(res.Err, ErrStepTimeout) || !res.Retryable {
		t.Errorf("Err = %v Retryable = %v, want retryable timeout", res.Err, res.Retryable)
	}
	if h.collector.Snapshot().StepTimeouts != 1 {
		t.Error("timeout not counted")
	}
	if got := h.cursor(); got.Ordinal != 1 {
		t.Errorf("cursor = %v, want s1(1)", got)
	}
}

func TestExecutor_SkipPredicate(t *testing.T) {
	steps := testSteps()
	steps[3].Skip = func(a Attrs) bool { return !a.Resumed && a.Base.Day == 1 }
	steps[3].Defaults = func(context.Context, *StepContext) (StepResult, error) {
		return StepResult{Artifacts: map[string]any{"t/s4": "default"}}, nil
	}
	h := newHarness(t, steps, nil)

	res := h.run(nil)
	if res.Status != types.OutcomeCompleted {
		t.Fatalf("Status = %s (%v)", res.Status, res.Err)
	}
	if res.StepsSkipped != 1 || res.StepsRun != 4 {
		t.Errorf("StepsRun = %d StepsSkipped = %d", res.StepsRun, res.StepsSkipped)
	}
	if n := h.personas.CallCount("p4"); n != 0 {
		t.Errorf("skipped step called its persona %d times", n)
	}
	head, _ := h.exec.Worlds().Head(t.Context(), "s1")
	if head.Plan.Focus != "default" {
		t.Errorf("commit read %q, want the skip default", head.Plan.Focus)
	}
}

func TestExecutor_MissingArtifactIsInvariant(t *testing.T) {
	steps := testSteps()
	steps[3].Run = func(ctx context.Context, sc *StepContext) (StepResult, error) {
		_, err := Require[string](ctx, sc, "t/never")
		return StepResult{}, err
	}
	h := newHarness(t, steps, nil)

	res := h.run(nil)
	if res.Status != types.OutcomeHaltedWithError {
		t.Fatalf("Status = %s", res.Status)
	}
	if res.Retryable || !IsInvariant(res.Err) {
		t.Errorf("Err = %v Retryable = %v, want non-retryable invariant", res.Err, res.Retryable)
	}
	if e := h.journal()["s4"]; e.Kind != string(KindInvariant) {
		t.Errorf("journal kind = %q", e.Kind)
	}
}

func TestExecutor_PanicIsInvariant(t *testing.T) {
	steps := testSteps()
	steps[0].Run = func(context.Context, *StepContext) (StepResult, error) {
		panic("boom")
	}
	h := newHarness(t, steps, nil)

	res := h.run(nil)
	if res.Status != types.OutcomeHaltedWithError || res.ErrorKind() != KindInvariant {
		t.Errorf("Status = %s Kind = %q", res.Status, res.ErrorKind())
	}
	if !h.cursor().IsNotStarted() {
		t.Errorf("cursor = %v, want not_started", h.cursor())
	}
}

func TestExecutor_UnknownPipeline(t *testing.T) {
	h := newHarness(t, testSteps(), nil)
	key := RunKey{Session: "s1", Pipeline: types.PipelineNewGame, Instance: "day-0"}

	res := h.driver.RunOrResume(t.Context(), Invocation{Key: key})
	if res.Status != types.OutcomeHaltedWithError || res.Retryable {
		t.Errorf("Status = %s Retryable = %v", res.Status, res.Retryable)
	}
}

func TestDriver_Abandon(t *testing.T) {
	h := newHarness(t, testSteps(), nil)
	h.personas.Set("p3", persona.Reply{Err: transientErr("p3")}, persona.Reply{Body: map[string]any{"value": "v-p3"}})
	if res := h.run(nil); res.Status != types.OutcomeHaltedWithError {
		t.Fatalf("Status = %s", res.Status)
	}

	if err := h.driver.Abandon(t.Context(), testKey); err != nil {
		t.Fatalf("Abandon failed: %v", err)
	}
	h.exec.Wait()
	if !h.cursor().IsNotStarted() {
		t.Errorf("cursor = %v after abandon", h.cursor())
	}
	if len(h.journal()) != 0 {
		t.Errorf("journal = %v after abandon", h.journal())
	}
	if b := h.bucket(); !b.Empty() {
		t.Errorf("bucket = %v after abandon", b.Fields())
	}
	if live := h.cache.Live(); len(live) != 0 {
		t.Errorf("lease not released: %v", live)
	}

	res := h.run(nil)
	if res.Status != types.OutcomeCompleted || res.Resumed {
		t.Fatalf("Status = %s Resumed = %v", res.Status, res.Resumed)
	}
	if n := h.personas.CallCount("p1"); n != 2 {
		t.Errorf("p1 called %d times, want 2 (rerun from scratch)", n)
	}
}

func TestDriver_Status(t *testing.T) {
	h := newHarness(t, testSteps(), nil)
	h.personas.Set("p3", persona.Reply{Err: transientErr("p3")})
	h.run(nil)

	st, err := h.driver.Status(t.Context(), testKey)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Cursor != "s2(2)" || st.Completed || st.InFlight {
		t.Errorf("status = %+v", st)
	}
	want := []StepState{StepDone, StepDone, StepFailed, StepPending, StepPending}
	for i, s := range st.Steps {
		if s.State != want[i] {
			t.Errorf("step %s state = %s, want %s", s.Name, s.State, want[i])
		}
	}
	if st.Steps[2].Error == "" {
		t.Error("failed step has no error message")
	}
	if st.Lease == nil || st.Lease.ModelVersion != "A" {
		t.Errorf("lease = %+v", st.Lease)
	}
	if st.Base != "1.0" || st.CreatedAt == nil {
		t.Errorf("base = %q created = %v", st.Base, st.CreatedAt)
	}
	if len(st.Bucket) != 1 || st.Bucket[0] != "recap" {
		t.Errorf("bucket = %v", st.Bucket)
	}
}

func TestDriver_ImportDiscardsStaleRun(t *testing.T) {
	h := newHarness(t, testSteps(), nil)
	h.personas.Set("p3", persona.Reply{Err: transientErr("p3")}, persona.Reply{Body: map[string]any{"value": "v-p3"}})
	if res := h.run(nil); res.Status != types.OutcomeHaltedWithError {
		t.Fatalf("Status = %s, want halted", res.Status)
	}

	// A different save replaces the head and bumps the generation.
	if err := h.exec.Worlds().Commit(t.Context(), world.State{Session: "s1", Day: 5, Protagonist: "Kestrel"}); err != nil {
		t.Fatal(err)
	}
	if _, err := BumpGeneration(t.Context(), h.kv, "s1"); err != nil {
		t.Fatal(err)
	}
	st, err := h.driver.Status(t.Context(), testKey)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !st.Stale {
		t.Error("Stale = false after import")
	}

	guard, err := NewSessionGuard(t.Context(), h.kv, "s1")
	if err != nil {
		t.Fatal(err)
	}
	res := h.run(guard)
	if res.Status != types.OutcomeCompleted {
		t.Fatalf("Status = %s (%v)", res.Status, res.Err)
	}
	if res.Resumed || res.StepsRun != 5 {
		t.Errorf("Resumed = %v StepsRun = %d, want a fresh run of every step", res.Resumed, res.StepsRun)
	}
	if n := h.personas.CallCount("p1"); n != 2 {
		t.Errorf("p1 called %d times, want 2", n)
	}
	head, err := h.exec.Worlds().Head(t.Context(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if head.Day != 6 || head.Protagonist != "Kestrel" {
		t.Errorf("head = %+v, want day 6 built on the imported world", head)
	}

	st, err = h.driver.Status(t.Context(), testKey)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Stale || st.Base != "5.0" {
		t.Errorf("Stale = %v Base = %q after the fresh run", st.Stale, st.Base)
	}
}

func TestDriver_ImportRerunsCompletedRun(t *testing.T) {
	h := newHarness(t, testSteps(), nil)
	if res := h.run(nil); res.Status != types.OutcomeCompleted {
		t.Fatalf("Status = %s (%v)", res.Status, res.Err)
	}
	if _, err := BumpGeneration(t.Context(), h.kv, "s1"); err != nil {
		t.Fatal(err)
	}

	res := h.run(nil)
	if res.Status != types.OutcomeCompleted || res.StepsRun != 5 {
		t.Errorf("Status = %s StepsRun = %d, want a full rerun", res.Status, res.StepsRun)
	}
	if res := h.run(nil); res.StepsRun != 0 {
		t.Errorf("third run StepsRun = %d, want a no-op", res.StepsRun)
	}
}

func TestDriver_StaleRunRefusedByGuardIsUntouched(t *testing.T) {
	h := newHarness(t, testSteps(), nil)
	h.personas.Set("p3", persona.Reply{Err: transientErr("p3")})
	h.run(nil)
	if _, err := BumpGeneration(t.Context(), h.kv, "s1"); err != nil {
		t.Fatal(err)
	}

	res := h.run(GuardFunc(func() bool { return false }))
	if res.Status != types.OutcomeAborted {
		t.Fatalf("Status = %s, want aborted", res.Status)
	}
	if got := h.cursor(); got.Ordinal != 2 {
		t.Errorf("cursor = %v, want the stale run left in place", got)
	}
}

func TestDriver_ForgetsFinishedRuns(t *testing.T) {
	h := newHarness(t, testSteps(), nil)
	h.run(nil)
	if _, err := h.driver.Status(t.Context(), testKey); err != nil {
		t.Fatal(err)
	}
	if h.driver.InFlight(RunKey{Session: "s1", Pipeline: types.PipelineEndOfDay, Instance: "other"}) {
		t.Error("InFlight = true for an unknown run")
	}
	if err := h.driver.Abandon(t.Context(), testKey); err != nil {
		t.Fatal(err)
	}
	h.driver.mu.Lock()
	n := len(h.driver.running)
	h.driver.mu.Unlock()
	if n != 0 {
		t.Errorf("running has %d entries after every invocation returned", n)
	}
}

func TestDriver_StatusRejectsBadKey(t *testing.T) {
	h := newHarness(t, testSteps(), nil)
	if _, err := h.driver.Status(t.Context(), RunKey{Session: "a/b", Pipeline: types.PipelineEndOfDay, Instance: "x"}); !IsInvariant(err) {
		t.Errorf("err = %v, want invariant", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
