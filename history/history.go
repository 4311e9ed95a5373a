// Package history persists one report per pipeline invocation in a Lode
// dataset and queries the latest reports back.
//
// Reports are JSONL records in a Hive layout partitioned by
// session/pipeline/day, so that listing a session's history only reads
// that session's files.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/daybreak/metrics"
	"github.com/pithecene-io/daybreak/pipeline"
	"github.com/pithecene-io/daybreak/storage"
	"github.com/pithecene-io/daybreak/types"
)

// DefaultDataset is the dataset ID reports are written under.
const DefaultDataset = "daybreak-runs"

// RecordKindRunReport discriminates report records.
const RecordKindRunReport = "run_report"

// ErrNoHistory is returned when no report matches a query.
var ErrNoHistory = errors.New("no run history found")

// Report is the stored form of one driver invocation.
type Report struct {
	RecordKind   string              `json:"record_kind"`
	RunID        string              `json:"run_id"`
	Session      string              `json:"session"`
	Pipeline     types.PipelineType  `json:"pipeline"`
	Instance     string              `json:"instance"`
	Status       types.OutcomeStatus `json:"status"`
	Cursor       string              `json:"cursor"`
	Step         string              `json:"step,omitempty"`
	Error        string              `json:"error,omitempty"`
	ErrorKind    string              `json:"error_kind,omitempty"`
	Retryable    bool                `json:"retryable"`
	Resumed      bool                `json:"resumed"`
	StepsRun     int                 `json:"steps_run"`
	StepsSkipped int                 `json:"steps_skipped"`
	StartedAt    time.Time           `json:"started_at"`
	FinishedAt   time.Time           `json:"finished_at"`
	DurationMS   int64               `json:"duration_ms"`
	Metrics      *metrics.Snapshot   `json:"metrics,omitempty"`

	// Partition key (day of StartedAt, UTC).
	Day string `json:"day"`
}

// NewReport builds the report of r. snap may be nil.
func NewReport(r *pipeline.Result, snap *metrics.Snapshot) Report {
	rep := Report{
		RecordKind:   RecordKindRunReport,
		RunID:        r.RunID,
		Session:      r.Key.Session,
		Pipeline:     r.Key.Pipeline,
		Instance:     r.Key.Instance,
		Status:       r.Status,
		Cursor:       r.Cursor.String(),
		Step:         r.Step,
		Error:        r.Message(),
		ErrorKind:    string(r.ErrorKind()),
		Retryable:    r.Retryable,
		Resumed:      r.Resumed,
		StepsRun:     r.StepsRun,
		StepsSkipped: r.StepsSkipped,
		StartedAt:    r.StartedAt.UTC(),
		FinishedAt:   r.FinishedAt.UTC(),
		DurationMS:   r.Duration().Milliseconds(),
		Metrics:      snap,
		Day:          r.StartedAt.UTC().Format("2006-01-02"),
	}
	return rep
}

// toRecord converts a report to the map form Lode's Hive layout requires.
func toRecord(rep Report) (map[string]any, error) {
	data, err := json.Marshal(rep)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// fromRecord converts a stored record back to a report.
func fromRecord(m map[string]any) (Report, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return Report{}, err
	}
	var rep Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return Report{}, err
	}
	return rep, nil
}

// NewDataset opens the report dataset on factory. Reads and writes use
// the same layout and codec.
func NewDataset(dataset string, factory lode.StoreFactory) (lode.Dataset, error) {
	if dataset == "" {
		dataset = DefaultDataset
	}
	return lode.NewDataset(
		lode.DatasetID(dataset),
		factory,
		lode.WithHiveLayout("session", "pipeline", "day"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
}

// NewDatasetFS opens the report dataset under a filesystem root.
func NewDatasetFS(dataset, root string) (lode.Dataset, error) {
	return NewDataset(dataset, lode.NewFSFactory(root))
}

// NewDatasetS3 opens the report dataset in an S3 bucket.
func NewDatasetS3(ctx context.Context, dataset string, cfg storage.S3Config) (lode.Dataset, error) {
	factory, err := storage.S3Factory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewDataset(dataset, factory)
}

// Writer appends reports to a dataset. It implements pipeline.Observer.
type Writer struct {
	ds        lode.Dataset
	collector *metrics.Collector
}

// NewWriter returns a Writer. A non-nil collector's snapshot is attached
// to every report.
func NewWriter(ds lode.Dataset, collector *metrics.Collector) *Writer {
	return &Writer{ds: ds, collector: collector}
}

// Write appends rep.
func (w *Writer) Write(ctx context.Context, rep Report) error {
	m, err := toRecord(rep)
	if err != nil {
		return fmt.Errorf("encode run report: %w", err)
	}
	if _, err := w.ds.Write(ctx, []any{m}, lode.Metadata{}); err != nil {
		return storage.Wrap(err, "history write", rep.RunID)
	}
	return nil
}

// RunFinished implements pipeline.Observer.
func (w *Writer) RunFinished(ctx context.Context, r *pipeline.Result) error {
	var snap *metrics.Snapshot
	if w.collector != nil {
		s := w.collector.Snapshot()
		snap = &s
	}
	return w.Write(ctx, NewReport(r, snap))
}

var _ pipeline.Observer = (*Writer)(nil)

// Filter narrows a history query. Empty fields match everything.
type Filter struct {
	Session  string
	Pipeline types.PipelineType
	Status   types.OutcomeStatus
	// Limit caps the number of reports returned. Zero means 20.
	Limit int
}

const defaultLimit = 20

// Query returns matching reports, latest first.
func Query(ctx context.Context, ds lode.Dataset, f Filter) ([]Report, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return nil, storage.Wrap(err, "history snapshots", "")
	}

	var out []Report
	// Snapshots are ordered by creation time.
	for i := len(snapshots) - 1; i >= 0 && len(out) < limit; i-- {
		snap := snapshots[i]
		if !snapshotMatches(snap, "session", f.Session) || !snapshotMatches(snap, "pipeline", string(f.Pipeline)) {
			continue
		}
		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, storage.Wrap(err, "history read", string(snap.ID))
		}
		// Records are authoritative; the manifest paths are a coarse filter.
		for j := len(data) - 1; j >= 0 && len(out) < limit; j-- {
			m, ok := data[j].(map[string]any)
			if !ok || m["record_kind"] != RecordKindRunReport {
				continue
			}
			rep, err := fromRecord(m)
			if err != nil {
				return nil, fmt.Errorf("decode run report: %w", err)
			}
			if f.Session != "" && rep.Session != f.Session {
				continue
			}
			if f.Pipeline != "" && rep.Pipeline != f.Pipeline {
				continue
			}
			if f.Status != "" && rep.Status != f.Status {
				continue
			}
			out = append(out, rep)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoHistory
	}
	return out, nil
}

// Latest returns the most recent matching report.
func Latest(ctx context.Context, ds lode.Dataset, f Filter) (Report, error) {
	f.Limit = 1
	reps, err := Query(ctx, ds, f)
	if err != nil {
		return Report{}, err
	}
	return reps[0], nil
}

func snapshotMatches(snap *lode.DatasetSnapshot, key, value string) bool {
	if value == "" {
		return true
	}
	for _, f := range snap.Manifest.Files {
		if hasPartition(f.Path, key, value) {
			return true
		}
	}
	return false
}

// hasPartition reports whether path has an exact key=value segment, so
// that session=s-1 never matches session=s-10.
func hasPartition(path, key, value string) bool {
	segment := key + "=" + value
	for _, part := range strings.Split(path, "/") {
		if part == segment {
			return true
		}
	}
	return false
}
