package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/daybreak/checkpoint"
	"github.com/pithecene-io/daybreak/lease"
	"github.com/pithecene-io/daybreak/log"
	"github.com/pithecene-io/daybreak/metrics"
	"github.com/pithecene-io/daybreak/types"
)

// Observer is notified after every driver invocation that reached the
// executor. Observer errors are logged and never change the result.
type Observer interface {
	RunFinished(ctx context.Context, r *Result) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, r *Result) error

// RunFinished implements Observer.
func (f ObserverFunc) RunFinished(ctx context.Context, r *Result) error { return f(ctx, r) }

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithObserver adds an observer.
func WithObserver(o Observer) DriverOption {
	return func(d *Driver) { d.observers = append(d.observers, o) }
}

// WithDriverLogger sets the driver logger.
func WithDriverLogger(l *log.Logger) DriverOption {
	return func(d *Driver) { d.logger = l }
}

// WithDriverCollector sets the collector for run outcomes.
func WithDriverCollector(c *metrics.Collector) DriverOption {
	return func(d *Driver) { d.collector = c }
}

// WithRunIDs replaces run ID generation. For tests.
func WithRunIDs(next func() string) DriverOption {
	return func(d *Driver) { d.newRunID = next }
}

// Driver is the idempotent "run or resume" entry point. It owns the
// re-entrancy set of the runs it drives: a second concurrent invocation
// for the same run is dropped, never queued.
type Driver struct {
	exec      *Executor
	defs      Registry
	observers []Observer
	logger    *log.Logger
	collector *metrics.Collector
	newRunID  func() string

	mu      sync.Mutex
	running map[RunKey]struct{}
}

// NewDriver returns a Driver running defs on exec.
func NewDriver(exec *Executor, defs Registry, opts ...DriverOption) *Driver {
	d := &Driver{
		exec:     exec,
		defs:     defs,
		logger:   log.NewNop(),
		newRunID: func() string { return uuid.New().String() },
		running:  make(map[RunKey]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Executor returns the driver's executor.
func (d *Driver) Executor() *Executor {
	return d.exec
}

// acquire marks key as running. It returns false when it already is.
func (d *Driver) acquire(key RunKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.running[key]; ok {
		return false
	}
	d.running[key] = struct{}{}
	return true
}

func (d *Driver) release(key RunKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.running, key)
}

// InFlight reports whether an invocation for key is running.
func (d *Driver) InFlight(key RunKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.running[key]
	return ok
}

// RunOrResume runs inv.Key to completion or resumes it after its last
// completed step. Calling it on a completed run returns OutcomeCompleted
// without side effects.
func (d *Driver) RunOrResume(ctx context.Context, inv Invocation) *Result {
	if inv.Session.SessionID == "" {
		inv.Session.SessionID = inv.Key.Session
	}
	if inv.RunID == "" {
		inv.RunID = d.newRunID()
	}

	if !d.acquire(inv.Key) {
		d.collector.IncRunDropped()
		d.logger.Info("run already in flight, dropping invocation", map[string]any{
			"run":    inv.Key.String(),
			"run_id": inv.RunID,
		})
		now := time.Now()
		return &Result{
			RunID:      inv.RunID,
			Key:        inv.Key,
			Status:     types.OutcomeDropped,
			StartedAt:  now,
			FinishedAt: now,
		}
	}
	defer d.release(inv.Key)

	d.collector.IncRunStarted()
	// A missing definition is reported by the executor as an invariant.
	res := d.exec.Run(ctx, d.defs[inv.Key.Pipeline], inv)

	switch res.Status {
	case types.OutcomeCompleted:
		d.collector.IncRunCompleted()
	case types.OutcomeHaltedWithError:
		d.collector.IncRunHalted()
	case types.OutcomeAborted:
		d.collector.IncRunAborted()
	}

	for _, o := range d.observers {
		if err := o.RunFinished(ctx, res); err != nil {
			d.logger.Warn("run observer failed", map[string]any{
				"run":   inv.Key.String(),
				"error": err.Error(),
			})
		}
	}
	return res
}

// Abandon discards a run's progress: the cursor, journal, bucket and run
// record are reset and the lease is released. Artifacts are left in place
// and are overwritten by the next run. Abandoning an in-flight run fails
// with ErrRunInProgress.
func (d *Driver) Abandon(ctx context.Context, key RunKey) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	if !d.acquire(key) {
		return ErrRunInProgress
	}
	defer d.release(key)

	if err := d.exec.reset(ctx, key, d.exec.open(key, d.logger), d.logger); err != nil {
		return err
	}
	d.logger.Info("run abandoned", map[string]any{"run": key.String()})
	return nil
}

// StepState is the progress of one step as seen by Status.
type StepState string

// Step states.
const (
	StepDone    StepState = "done"
	StepFailed  StepState = "failed"
	StepPending StepState = "pending"
)

// StepStatus describes one step of a run.
type StepStatus struct {
	Name    string    `json:"name"`
	Ordinal int       `json:"ordinal"`
	Persona string    `json:"persona,omitempty"`
	State   StepState `json:"state"`
	Error   string    `json:"error,omitempty"`
}

// Status is a read-only view of a run's durable state.
type Status struct {
	Key       RunKey             `json:"key"`
	Pipeline  types.PipelineType `json:"pipeline"`
	Cursor    string             `json:"cursor"`
	Completed bool               `json:"completed"`
	InFlight  bool               `json:"in_flight"`
	// Stale is set when a different save was imported after the run
	// started. The next invocation discards its progress.
	Stale     bool               `json:"stale,omitempty"`
	Steps     []StepStatus       `json:"steps"`
	Journal   []checkpoint.Entry `json:"journal,omitempty"`
	Lease     *lease.Lease       `json:"lease,omitempty"`
	Bucket    []string           `json:"bucket,omitempty"`
	Base      string             `json:"base,omitempty"`
	CreatedAt *time.Time         `json:"created_at,omitempty"`
}

// Status reads the durable state of key without modifying it.
func (d *Driver) Status(ctx context.Context, key RunKey) (*Status, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	def, ok := d.defs[key.Pipeline]
	if !ok {
		return nil, fmt.Errorf("%w: no definition for pipeline %s", ErrInvariant, key.Pipeline)
	}
	st := d.exec.open(key, d.logger)

	pos, err := st.cursor.Load(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := st.journal.Entries(ctx)
	if err != nil {
		return nil, err
	}
	b, err := st.bucket.Load(ctx)
	if err != nil {
		return nil, err
	}

	s := &Status{
		Key:       key,
		Pipeline:  key.Pipeline,
		Cursor:    pos.String(),
		Completed: pos == def.Terminal() && len(entries) == 0,
		InFlight:  d.InFlight(key),
		Journal:   checkpoint.Sorted(entries),
		Bucket:    b.Fields(),
	}
	for i, step := range def.Steps {
		ss := StepStatus{Name: step.Name, Ordinal: i + 1, Persona: step.Persona, State: StepPending}
		if ss.Ordinal <= pos.Ordinal {
			ss.State = StepDone
		} else if e, ok := entries[step.Name]; ok {
			ss.State = StepFailed
			ss.Error = e.Message
		}
		s.Steps = append(s.Steps, ss)
	}

	if l, ok, err := st.leases.Current(ctx); err != nil {
		return nil, err
	} else if ok {
		s.Lease = &l
	}

	rec, ok, err := loadRecord(ctx, d.exec.cfg.Store, d.exec.codec, key)
	if err != nil {
		return nil, err
	}
	if ok {
		gen, err := LoadGeneration(ctx, d.exec.cfg.Store, key.Session)
		if err != nil {
			return nil, err
		}
		s.Stale = rec.Generation != gen
		created := rec.CreatedAt
		s.CreatedAt = &created
		if rec.HasBase {
			s.Base = rec.Base.String()
		}
	}
	return s, nil
}

// IsInvariant reports whether err is a non-retryable failure.
func IsInvariant(err error) bool {
	return errors.Is(err, ErrInvariant)
}
