// Package metrics provides per-driver pipeline metrics collection.
//
// The Collector accumulates counters across pipeline invocations. It is a
// leaf package with no internal dependencies so that storage, lease, and
// pipeline packages can all record into the same collector.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all pipeline metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Run lifecycle
	RunsStarted   int64 `json:"runs_started"`
	RunsCompleted int64 `json:"runs_completed"`
	RunsHalted    int64 `json:"runs_halted"`
	RunsAborted   int64 `json:"runs_aborted"`
	RunsDropped   int64 `json:"runs_dropped"`

	// Steps
	StepsCompleted int64            `json:"steps_completed"`
	StepsSkipped   int64            `json:"steps_skipped"`
	StepsFailed    int64            `json:"steps_failed"`
	StepTimeouts   int64            `json:"step_timeouts"`
	FailedByKind   map[string]int64 `json:"failed_by_kind,omitempty"`

	// External cache leases
	LeasesCreated    int64 `json:"leases_created"`
	LeasesReleased   int64 `json:"leases_released"`
	LeaseMismatches  int64 `json:"lease_mismatches"`
	LeaseReleaseErrs int64 `json:"lease_release_errors"`

	// Storage
	StoreWriteSuccess int64 `json:"store_write_success"`
	StoreWriteFailure int64 `json:"store_write_failure"`

	// Dimensions (informational, set at construction)
	StorageBackend string `json:"storage_backend"`
	ModelVersion   string `json:"model_version"`
}

// Collector accumulates pipeline metrics.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	runsStarted   int64
	runsCompleted int64
	runsHalted    int64
	runsAborted   int64
	runsDropped   int64

	stepsCompleted int64
	stepsSkipped   int64
	stepsFailed    int64
	stepTimeouts   int64
	failedByKind   map[string]int64

	leasesCreated    int64
	leasesReleased   int64
	leaseMismatches  int64
	leaseReleaseErrs int64

	storeWriteSuccess int64
	storeWriteFailure int64

	storageBackend string
	modelVersion   string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(storageBackend, modelVersion string) *Collector {
	return &Collector{
		failedByKind:   make(map[string]int64),
		storageBackend: storageBackend,
		modelVersion:   modelVersion,
	}
}

// inc applies fn under the lock unless c is nil.
func (c *Collector) inc(fn func()) {
	if c == nil {
		return
	}
	c.mu.Lock()
	fn()
	c.mu.Unlock()
}

// --- Run lifecycle ---

// IncRunStarted records a driver invocation that acquired the run.
func (c *Collector) IncRunStarted() { c.inc(func() { c.runsStarted++ }) }

// IncRunCompleted records a run that reached its terminal step.
func (c *Collector) IncRunCompleted() { c.inc(func() { c.runsCompleted++ }) }

// IncRunHalted records a run that halted on a step failure.
func (c *Collector) IncRunHalted() { c.inc(func() { c.runsHalted++ }) }

// IncRunAborted records a run stopped by the cancellation guard.
func (c *Collector) IncRunAborted() { c.inc(func() { c.runsAborted++ }) }

// IncRunDropped records a duplicate invocation that was dropped.
func (c *Collector) IncRunDropped() { c.inc(func() { c.runsDropped++ }) }

// --- Steps ---

// IncStepCompleted records a step whose outputs and cursor were persisted.
func (c *Collector) IncStepCompleted() { c.inc(func() { c.stepsCompleted++ }) }

// IncStepSkipped records a step bypassed by its skip predicate.
func (c *Collector) IncStepSkipped() { c.inc(func() { c.stepsSkipped++ }) }

// IncStepFailed records a step failure, bucketed by failure kind.
func (c *Collector) IncStepFailed(kind string) {
	c.inc(func() {
		c.stepsFailed++
		c.failedByKind[kind]++
	})
}

// IncStepTimeout records a step that exceeded its supervision bound.
// Timeouts are also counted by IncStepFailed.
func (c *Collector) IncStepTimeout() { c.inc(func() { c.stepTimeouts++ }) }

// --- Leases ---

// IncLeaseCreated records a cache lease creation.
func (c *Collector) IncLeaseCreated() { c.inc(func() { c.leasesCreated++ }) }

// IncLeaseReleased records a successful cache lease deletion.
func (c *Collector) IncLeaseReleased() { c.inc(func() { c.leasesReleased++ }) }

// IncLeaseMismatch records a lease discarded for a model version mismatch.
func (c *Collector) IncLeaseMismatch() { c.inc(func() { c.leaseMismatches++ }) }

// IncLeaseReleaseError records a failed best-effort lease deletion.
func (c *Collector) IncLeaseReleaseError() { c.inc(func() { c.leaseReleaseErrs++ }) }

// --- Storage ---
// Storage counters are per-call. A single Set counts as one write.

// IncStoreWriteSuccess records a successful durable write.
func (c *Collector) IncStoreWriteSuccess() { c.inc(func() { c.storeWriteSuccess++ }) }

// IncStoreWriteFailure records a failed durable write.
func (c *Collector) IncStoreWriteFailure() { c.inc(func() { c.storeWriteFailure++ }) }

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	byKind := make(map[string]int64, len(c.failedByKind))
	for k, v := range c.failedByKind {
		byKind[k] = v
	}

	return Snapshot{
		RunsStarted:   c.runsStarted,
		RunsCompleted: c.runsCompleted,
		RunsHalted:    c.runsHalted,
		RunsAborted:   c.runsAborted,
		RunsDropped:   c.runsDropped,

		StepsCompleted: c.stepsCompleted,
		StepsSkipped:   c.stepsSkipped,
		StepsFailed:    c.stepsFailed,
		StepTimeouts:   c.stepTimeouts,
		FailedByKind:   byKind,

		LeasesCreated:    c.leasesCreated,
		LeasesReleased:   c.leasesReleased,
		LeaseMismatches:  c.leaseMismatches,
		LeaseReleaseErrs: c.leaseReleaseErrs,

		StoreWriteSuccess: c.storeWriteSuccess,
		StoreWriteFailure: c.storeWriteFailure,

		StorageBackend: c.storageBackend,
		ModelVersion:   c.modelVersion,
	}
}
