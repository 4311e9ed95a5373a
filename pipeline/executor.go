package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pithecene-io/daybreak/artifact"
	"github.com/pithecene-io/daybreak/bucket"
	"github.com/pithecene-io/daybreak/checkpoint"
	"github.com/pithecene-io/daybreak/lease"
	"github.com/pithecene-io/daybreak/log"
	"github.com/pithecene-io/daybreak/metrics"
	"github.com/pithecene-io/daybreak/persona"
	"github.com/pithecene-io/daybreak/storage"
	"github.com/pithecene-io/daybreak/types"
	"github.com/pithecene-io/daybreak/world"
)

// ErrStepTimeout is wrapped by the transient error of a step that ran past
// its deadline.
var ErrStepTimeout = errors.New("step timed out")

// completionTimeout bounds post-completion cleanup.
const completionTimeout = 30 * time.Second

// Config configures an Executor.
type Config struct {
	// Store holds every piece of run state and the committed world.
	Store storage.Store
	// Codec encodes stored values. Defaults to JSON.
	Codec storage.Codec
	// Invoker calls personas.
	Invoker persona.Invoker
	// Cache is the external cache service. Nil disables leasing.
	Cache lease.CacheService
	// ModelVersion is the initial model version steps run against.
	ModelVersion string
	// StepTimeout is the default per-step timeout. Zero means none.
	StepTimeout time.Duration
	// StepTimeouts overrides the timeout of individual steps by name.
	StepTimeouts map[string]time.Duration
	// Logger is the base logger. Nil discards.
	Logger *log.Logger
	// Collector records step and lease metrics. Nil disables.
	Collector *metrics.Collector
}

// Invocation is one request to run or resume a run.
type Invocation struct {
	Key     RunKey
	Session types.SessionMeta
	RunID   string
	// Guard is consulted before every durable write. Nil never cancels.
	Guard Guard
}

// Executor runs pipeline definitions against durable run state.
// It holds no per-run state; concurrent calls for the same run must be
// prevented by the caller (see Driver).
type Executor struct {
	cfg    Config
	codec  storage.Codec
	worlds *world.Store
	logger *log.Logger

	mu           sync.RWMutex
	modelVersion string
	now          func() time.Time

	pending sync.WaitGroup
}

// NewExecutor validates cfg and returns an Executor.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Store == nil {
		return nil, errors.New("executor: store is required")
	}
	if cfg.Invoker == nil {
		return nil, errors.New("executor: persona invoker is required")
	}
	codec := cfg.Codec
	if codec == nil {
		codec = storage.JSONCodec{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	return &Executor{
		cfg:          cfg,
		codec:        codec,
		worlds:       world.NewStore(cfg.Store, codec),
		logger:       logger,
		modelVersion: cfg.ModelVersion,
		now:          time.Now,
	}, nil
}

// WithClock replaces the executor's clock. For tests.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// ModelVersion returns the model version the next step will use.
func (e *Executor) ModelVersion() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.modelVersion
}

// SetModelVersion switches the model version. It takes effect at the next
// step; a lease bound to the old version is replaced then.
func (e *Executor) SetModelVersion(v string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.modelVersion = v
}

// Worlds returns the committed world store.
func (e *Executor) Worlds() *world.Store {
	return e.worlds
}

// Wait blocks until background lease releases have finished.
func (e *Executor) Wait() {
	e.pending.Wait()
}

// runState bundles the stores of one run.
type runState struct {
	cursor    *checkpoint.Cursor
	journal   *checkpoint.Journal
	bucket    *bucket.Store
	artifacts *artifact.Store
	shared    *artifact.Store
	leases    *lease.Manager
}

func (e *Executor) open(key RunKey, logger *log.Logger) *runState {
	prefix := key.Prefix()
	kv := e.cfg.Store
	return &runState{
		cursor:    checkpoint.NewCursor(kv, e.codec, prefix),
		journal:   checkpoint.NewJournal(kv, e.codec, prefix).WithClock(e.now),
		bucket:    bucket.NewStore(kv, e.codec, prefix),
		artifacts: artifact.NewStore(kv, e.codec, prefix),
		shared:    SharedArtifacts(kv, e.codec, key.Session),
		leases: lease.NewManager(e.cfg.Cache, kv, e.codec, prefix,
			lease.WithLogger(logger), lease.WithCollector(e.cfg.Collector)),
	}
}

// reset discards the progress of key: the lease is released and the
// cursor, journal, bucket and run record are removed. Artifacts stay and
// are overwritten as the next run's steps complete.
func (e *Executor) reset(ctx context.Context, key RunKey, st *runState, logger *log.Logger) error {
	if l, ok, err := st.leases.Current(ctx); err != nil {
		return err
	} else if ok {
		if err := st.leases.Release(ctx, l.Handle); err != nil {
			logger.Warn("lease release failed during reset", map[string]any{
				"run":    key.String(),
				"handle": l.Handle,
				"error":  err.Error(),
			})
		}
	}
	if err := st.cursor.Reset(ctx); err != nil {
		return err
	}
	if err := st.journal.Clear(ctx); err != nil {
		return err
	}
	if err := st.bucket.Clear(ctx); err != nil {
		return err
	}
	if err := e.cfg.Store.Delete(ctx, recordKey(key)); err != nil {
		return fmt.Errorf("delete run record: %w", err)
	}
	return nil
}

// SharedArtifacts returns the session-scoped artifact store.
func SharedArtifacts(kv storage.Store, codec storage.Codec, session string) *artifact.Store {
	return artifact.NewStore(kv, codec, storage.JoinKey("sessions", session))
}

func (e *Executor) timeoutFor(s Step) time.Duration {
	if d, ok := e.cfg.StepTimeouts[s.Name]; ok {
		return d
	}
	if s.Timeout > 0 {
		return s.Timeout
	}
	return e.cfg.StepTimeout
}

// Run executes def for inv.Key, resuming after the last completed step.
//
// Execution flow:
//  1. Load cursor and journal; a run of an older session generation is
//     reset, a completed run returns immediately
//  2. Fresh start clears journal and bucket and pins the base world
//  3. Each step past the cursor: skip predicate or lease, run, guard, persist
//  4. Completion clears the bucket and releases the lease
//
// Any step error is journaled under the step name and halts the run.
// A refused guard returns OutcomeAborted with nothing written for the step.
func (e *Executor) Run(ctx context.Context, def *Definition, inv Invocation) *Result {
	r := &run{
		exec:   e,
		def:    def,
		inv:    inv,
		guard:  inv.Guard,
		result: &Result{RunID: inv.RunID, Key: inv.Key, StartedAt: e.now()},
	}
	if r.guard == nil {
		r.guard = Always
	}
	r.logger = e.logger.With(map[string]any{
		"session":  inv.Key.Session,
		"pipeline": string(inv.Key.Pipeline),
		"instance": inv.Key.Instance,
		"run_id":   inv.RunID,
	})
	r.execute(ctx)
	r.result.FinishedAt = e.now()
	return r.result
}

// run is the state of one Run call.
type run struct {
	exec   *Executor
	def    *Definition
	inv    Invocation
	guard  Guard
	logger *log.Logger
	st     *runState
	result *Result

	attrs      Attrs
	generation int64
	pos        checkpoint.Position
	bstate     bucket.State
	base       world.State
}

func (r *run) execute(ctx context.Context) {
	if err := r.inv.Key.Validate(); err != nil {
		r.fail(ctx, "", 0, Invariantf("invalid run key: %v", err), false)
		return
	}
	if r.def == nil || r.def.Type != r.inv.Key.Pipeline {
		r.fail(ctx, "", 0, Invariantf("no definition for pipeline %s", r.inv.Key.Pipeline), false)
		return
	}
	r.st = r.exec.open(r.inv.Key, r.logger)

	pos, err := r.st.cursor.Load(ctx)
	if err != nil {
		r.fail(ctx, "", 0, err, false)
		return
	}
	entries, err := r.st.journal.Entries(ctx)
	if err != nil {
		r.fail(ctx, "", 0, err, false)
		return
	}

	kv, codec := r.exec.cfg.Store, r.exec.codec
	if r.generation, err = LoadGeneration(ctx, kv, r.inv.Key.Session); err != nil {
		r.fail(ctx, "", 0, err, false)
		return
	}
	rec, hasRec, err := loadRecord(ctx, kv, codec, r.inv.Key)
	if err != nil {
		r.fail(ctx, "", 0, err, false)
		return
	}
	if hasRec && rec.Generation != r.generation {
		// A different save was imported since the run started. Its
		// artifacts describe the old world and must not reach the new one.
		if !r.checkGuard(ctx, "") {
			return
		}
		r.logger.Warn("discarding run of a replaced save", map[string]any{
			"cursor":         pos.String(),
			"run_generation": rec.Generation,
			"generation":     r.generation,
		})
		if err := r.exec.reset(ctx, r.inv.Key, r.st, r.logger); err != nil {
			r.fail(ctx, "", 0, err, false)
			return
		}
		pos, entries, hasRec = checkpoint.NotStarted, nil, false
	}

	if err := r.def.validateCursor(pos); err != nil {
		r.fail(ctx, "", 0, err, false)
		return
	}
	r.pos = pos
	r.result.Cursor = pos

	if pos == r.def.Terminal() && len(entries) == 0 {
		r.result.Status = types.OutcomeCompleted
		r.logger.Debug("run already completed", map[string]any{"cursor": pos.String()})
		return
	}

	r.result.Resumed = !pos.IsNotStarted() || len(entries) > 0
	if !r.checkGuard(ctx, "") {
		return
	}
	if err := r.prepare(ctx, pos, len(entries) > 0, rec, hasRec); err != nil {
		r.fail(ctx, "", 0, err, false)
		return
	}
	r.logger.Info("run starting", map[string]any{
		"cursor":  pos.String(),
		"resumed": r.result.Resumed,
		"base":    r.attrs.Base.String(),
	})

	for i, step := range r.def.Steps {
		ordinal := i + 1
		if ordinal <= r.pos.Ordinal {
			continue
		}
		if !r.runStep(ctx, i, step) {
			return
		}
	}
	r.complete(ctx)
}

// prepare resets state for a fresh start and loads the run's pinned base.
// A fresh start writes the run record.
func (r *run) prepare(ctx context.Context, pos checkpoint.Position, failed bool, rec record, ok bool) error {
	if pos.IsNotStarted() || failed {
		if err := r.st.journal.Clear(ctx); err != nil {
			return err
		}
	}
	if pos.IsNotStarted() {
		if err := r.st.bucket.Clear(ctx); err != nil {
			return err
		}
	}

	kv, codec := r.exec.cfg.Store, r.exec.codec
	if !ok {
		if !pos.IsNotStarted() {
			return Invariantf("run %s has progress but no run record", r.inv.Key)
		}
		rec = record{FirstRunID: r.inv.RunID, Generation: r.generation, CreatedAt: r.exec.now()}
		head, err := r.exec.worlds.HeadRef(ctx, r.inv.Key.Session)
		switch {
		case errors.Is(err, world.ErrNoWorld):
		case err != nil:
			return err
		default:
			rec.HasBase, rec.Base = true, head
		}
		if err := storage.Save(ctx, kv, codec, recordKey(r.inv.Key), rec); err != nil {
			return fmt.Errorf("save run record: %w", err)
		}
	}

	if rec.HasBase {
		base, err := r.exec.worlds.Load(ctx, r.inv.Key.Session, rec.Base)
		if errors.Is(err, world.ErrNoWorld) {
			return Invariantf("base world %s of run %s is missing", rec.Base, r.inv.Key)
		}
		if err != nil {
			return err
		}
		r.base = base
	}

	bstate, err := r.st.bucket.Load(ctx)
	if err != nil {
		return err
	}
	r.bstate = bstate

	r.attrs = Attrs{
		Key:       r.inv.Key,
		Session:   r.inv.Session,
		RunID:     r.inv.RunID,
		Resumed:   r.result.Resumed,
		HasBase:   rec.HasBase,
		Base:      rec.Base,
		CreatedAt: rec.CreatedAt,
	}
	return nil
}

func (r *run) stepContext(step Step, modelVersion string) *StepContext {
	return &StepContext{
		Attrs:        r.attrs,
		Step:         step.Name,
		ModelVersion: modelVersion,
		Artifacts:    r.st.artifacts,
		Shared:       r.st.shared,
		Bucket:       r.bstate,
		Base:         r.base,
		Logger:       r.logger.With(map[string]any{"step": step.Name}),
		invoker:      r.exec.cfg.Invoker,
		now:          r.exec.now,
	}
}

// runStep executes one step past the cursor. It returns false when the
// run must stop.
func (r *run) runStep(ctx context.Context, i int, step Step) bool {
	ordinal := i + 1
	collector := r.exec.cfg.Collector
	if ctx.Err() != nil || !r.checkGuard(ctx, step.Name) {
		r.abort(step.Name)
		return false
	}

	sc := r.stepContext(step, r.exec.ModelVersion())

	if step.Skip != nil && step.Skip(r.attrs) {
		var res StepResult
		if step.Defaults != nil {
			var err error
			res, err = step.Defaults(ctx, sc)
			if err != nil {
				r.fail(ctx, step.Name, ordinal, err, true)
				return false
			}
		}
		if !r.persist(ctx, i, step, res) {
			return false
		}
		collector.IncStepSkipped()
		r.result.StepsSkipped++
		r.logger.Info("step skipped", map[string]any{"step": step.Name, "ordinal": ordinal})
		return true
	}

	if r.def.Baseline != nil && r.st.leases.Enabled() {
		l, err := r.st.leases.Ensure(ctx, sc.ModelVersion, func(ctx context.Context) ([]byte, error) {
			return r.def.Baseline(ctx, sc)
		})
		if err != nil {
			r.fail(ctx, step.Name, ordinal, err, true)
			return false
		}
		sc.Lease = l
	}

	started := r.exec.now()
	res, err := r.exec.call(ctx, step, sc)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrStepTimeout) {
			r.abort(step.Name)
			return false
		}
		if errors.Is(err, ErrStepTimeout) {
			collector.IncStepTimeout()
		}
		r.fail(ctx, step.Name, ordinal, err, true)
		return false
	}

	if !r.checkGuard(ctx, step.Name) {
		r.abort(step.Name)
		return false
	}
	if !r.persist(ctx, i, step, res) {
		return false
	}
	collector.IncStepCompleted()
	r.result.StepsRun++
	r.logger.Info("step completed", map[string]any{
		"step":        step.Name,
		"ordinal":     ordinal,
		"duration_ms": r.exec.now().Sub(started).Milliseconds(),
		"artifacts":   len(res.Artifacts),
	})
	return true
}

// call runs the step function under the step timeout. A panic is an
// invariant failure.
func (e *Executor) call(ctx context.Context, step Step, sc *StepContext) (StepResult, error) {
	timeout := e.timeoutFor(step)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, ErrStepTimeout)
		defer cancel()
	}

	type outcome struct {
		res StepResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: Invariantf("step panicked: %v", p)}
			}
		}()
		res, err := step.Run(ctx, sc)
		done <- outcome{res: res, err: err}
	}()

	timedOut := func() error {
		return &StepError{Kind: KindTransient, Err: fmt.Errorf("%w after %s", ErrStepTimeout, timeout)}
	}
	select {
	case o := <-done:
		if o.err != nil && errors.Is(context.Cause(ctx), ErrStepTimeout) {
			return StepResult{}, timedOut()
		}
		return o.res, o.err
	case <-ctx.Done():
		if errors.Is(context.Cause(ctx), ErrStepTimeout) {
			return StepResult{}, timedOut()
		}
		return StepResult{}, ctx.Err()
	}
}

// persist writes a step's result and advances the cursor. The guard has
// already been consulted.
func (r *run) persist(ctx context.Context, i int, step Step, res StepResult) bool {
	ordinal := i + 1
	for _, name := range sortedNames(res.Artifacts) {
		if err := r.st.artifacts.Set(ctx, name, res.Artifacts[name]); err != nil {
			r.fail(ctx, step.Name, ordinal, err, true)
			return false
		}
	}
	for _, name := range sortedNames(res.Shared) {
		if err := r.st.shared.Set(ctx, name, res.Shared[name]); err != nil {
			r.fail(ctx, step.Name, ordinal, err, true)
			return false
		}
	}
	if err := r.st.bucket.Save(ctx, res.Patch); err != nil {
		r.fail(ctx, step.Name, ordinal, err, true)
		return false
	}
	if res.World != nil {
		if err := r.exec.worlds.Commit(ctx, *res.World); err != nil {
			r.fail(ctx, step.Name, ordinal, err, true)
			return false
		}
	}
	next := r.def.Position(i)
	if err := r.st.cursor.Advance(ctx, next); err != nil {
		r.fail(ctx, step.Name, ordinal, err, true)
		return false
	}
	r.bstate.Apply(res.Patch)
	r.pos = next
	r.result.Cursor = next
	return true
}

// complete finalizes a run whose last step has been persisted. Cleanup
// failures are logged; the run is complete once the cursor is terminal.
func (r *run) complete(ctx context.Context) {
	r.result.Status = types.OutcomeCompleted
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionTimeout)
	defer cancel()

	if err := r.st.bucket.Clear(ctx); err != nil {
		r.logger.Warn("bucket clear failed", map[string]any{"error": err.Error()})
	}
	if l, ok, err := r.st.leases.Current(ctx); err != nil {
		r.logger.Warn("lease lookup failed", map[string]any{"error": err.Error()})
	} else if ok {
		if err := r.st.leases.Release(ctx, l.Handle); err != nil {
			r.logger.Warn("lease release failed", map[string]any{
				"handle": l.Handle,
				"error":  err.Error(),
			})
		}
	}
	r.exec.track(r.st.leases)
	r.logger.Info("run completed", map[string]any{
		"steps_run":     r.result.StepsRun,
		"steps_skipped": r.result.StepsSkipped,
	})
}

// track waits for m's background releases on the executor's wait group.
func (e *Executor) track(m *lease.Manager) {
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		m.Wait()
	}()
}

func (r *run) checkGuard(ctx context.Context, step string) bool {
	if r.guard.ShouldContinue() {
		return true
	}
	r.abort(step)
	return false
}

func (r *run) abort(step string) {
	if r.result.Status == types.OutcomeAborted {
		return
	}
	r.result.Status = types.OutcomeAborted
	r.result.Step = step
	if r.st != nil {
		r.exec.track(r.st.leases)
	}
	r.logger.Warn("run aborted", map[string]any{
		"step":   step,
		"cursor": r.pos.String(),
	})
}

// fail classifies err, journals it when journal is true, and halts.
func (r *run) fail(ctx context.Context, step string, ordinal int, err error, journal bool) {
	se := classify(step, err)
	r.result.Status = types.OutcomeHaltedWithError
	r.result.Step = step
	r.result.Err = se
	r.result.Retryable = se.Kind.Retryable()
	r.exec.cfg.Collector.IncStepFailed(string(se.Kind))

	if journal && r.st != nil {
		jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionTimeout)
		defer cancel()
		if jerr := r.st.journal.Record(jctx, step, ordinal, string(se.Kind), se.Err.Error()); jerr != nil {
			r.logger.Error("journal write failed", map[string]any{
				"step":  step,
				"error": jerr.Error(),
			})
		}
	}
	if r.st != nil {
		r.exec.track(r.st.leases)
	}
	r.logger.Error("run halted", map[string]any{
		"step":      step,
		"kind":      string(se.Kind),
		"retryable": se.Kind.Retryable(),
		"error":     se.Err.Error(),
	})
}
