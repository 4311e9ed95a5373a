// Package adapter publishes pipeline completion notifications to
// downstream systems.
//
// Adapters are driven by a Notifier registered as a driver observer; only
// completed runs are announced.
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/pithecene-io/daybreak/log"
	"github.com/pithecene-io/daybreak/pipeline"
	"github.com/pithecene-io/daybreak/types"
)

// ContractVersion is the payload schema version.
const ContractVersion = types.RecordContractVersion

// EventTypePipelineCompleted is the only event type published.
const EventTypePipelineCompleted = "pipeline_completed"

// PipelineCompletedEvent is the payload published when a run completes.
type PipelineCompletedEvent struct {
	ContractVersion string `json:"contract_version"`
	EventType       string `json:"event_type"`
	RunID           string `json:"run_id"`
	Session         string `json:"session"`
	Pipeline        string `json:"pipeline"`
	Instance        string `json:"instance"`
	Outcome         string `json:"outcome"`
	Cursor          string `json:"cursor"`
	Resumed         bool   `json:"resumed"`
	StepsRun        int    `json:"steps_run"`
	StepsSkipped    int    `json:"steps_skipped"`
	Timestamp       string `json:"timestamp"` // RFC 3339
	DurationMs      int64  `json:"duration_ms"`
}

// NewEvent builds the completion event for r.
func NewEvent(r *pipeline.Result) *PipelineCompletedEvent {
	return &PipelineCompletedEvent{
		ContractVersion: ContractVersion,
		EventType:       EventTypePipelineCompleted,
		RunID:           r.RunID,
		Session:         r.Key.Session,
		Pipeline:        string(r.Key.Pipeline),
		Instance:        r.Key.Instance,
		Outcome:         string(r.Status),
		Cursor:          r.Cursor.String(),
		Resumed:         r.Resumed,
		StepsRun:        r.StepsRun,
		StepsSkipped:    r.StepsSkipped,
		Timestamp:       r.FinishedAt.UTC().Format(time.RFC3339),
		DurationMs:      r.Duration().Milliseconds(),
	}
}

// Adapter publishes completion events to a downstream system.
type Adapter interface {
	// Publish sends one event. Must respect context cancellation.
	Publish(ctx context.Context, event *PipelineCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}

// Notifier publishes completed runs through an Adapter. It implements
// pipeline.Observer.
type Notifier struct {
	adapter Adapter
	logger  *log.Logger
}

// NewNotifier returns a Notifier. logger may be nil.
func NewNotifier(a Adapter, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Notifier{adapter: a, logger: logger}
}

// RunFinished implements pipeline.Observer. Runs that did not complete are
// ignored.
func (n *Notifier) RunFinished(ctx context.Context, r *pipeline.Result) error {
	if r.Status != types.OutcomeCompleted {
		return nil
	}
	ev := NewEvent(r)
	if err := n.adapter.Publish(ctx, ev); err != nil {
		n.logger.Warn("completion notification failed", map[string]any{
			"run_id": ev.RunID,
			"error":  err.Error(),
		})
		return fmt.Errorf("publish %s: %w", r.Key, err)
	}
	n.logger.Debug("completion notification published", map[string]any{"run_id": ev.RunID})
	return nil
}

// Close closes the underlying adapter.
func (n *Notifier) Close() error {
	return n.adapter.Close()
}

var _ pipeline.Observer = (*Notifier)(nil)

// Backoff returns the wait before attempt i (zero-based). The first
// attempt never waits; later ones double from 500ms.
func Backoff(i int) time.Duration {
	if i <= 0 {
		return 0
	}
	return time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
}

// Retry calls fn up to 1+retries times with Backoff between attempts. It
// stops early when ctx is done or stop reports the error as permanent.
func Retry(ctx context.Context, retries int, stop func(error) bool, fn func(context.Context) error) error {
	attempts := 1 + retries
	var lastErr error
	for i := range attempts {
		if wait := Backoff(i); wait > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("canceled during backoff: %w", ctx.Err())
			case <-time.After(wait):
			}
		} else if err := ctx.Err(); err != nil {
			return fmt.Errorf("canceled: %w", err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if stop != nil && stop(lastErr) {
			return fmt.Errorf("non-retriable error: %w", lastErr)
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
