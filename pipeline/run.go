package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pithecene-io/daybreak/storage"
	"github.com/pithecene-io/daybreak/types"
	"github.com/pithecene-io/daybreak/world"
)

// RunKey identifies one pipeline run. Instance distinguishes repeated runs
// of the same pipeline within a session (e.g. "day-4").
type RunKey struct {
	Session  string             `json:"session"`
	Pipeline types.PipelineType `json:"pipeline"`
	Instance string             `json:"instance"`
}

// Validate checks that every component is usable as a key segment.
func (k RunKey) Validate() error {
	meta := types.SessionMeta{SessionID: k.Session}
	if err := meta.Validate(); err != nil {
		return err
	}
	if _, err := types.ParsePipelineType(string(k.Pipeline)); err != nil {
		return err
	}
	if k.Instance == "" {
		return errors.New("instance must be non-empty")
	}
	if strings.Contains(k.Instance, "/") {
		return fmt.Errorf("instance must not contain '/', got %q", k.Instance)
	}
	return nil
}

// Prefix is the storage prefix under which all state of the run lives.
func (k RunKey) Prefix() string {
	return storage.JoinKey("runs", k.Session, string(k.Pipeline), k.Instance)
}

func (k RunKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Session, k.Pipeline, k.Instance)
}

// DayInstance is the conventional instance name for day-scoped runs.
func DayInstance(day int) string {
	return fmt.Sprintf("day-%d", day)
}

// SegmentInstance is the conventional instance name for segment runs.
func SegmentInstance(segment int) string {
	return fmt.Sprintf("segment-%d", segment)
}

// Attrs are the attributes of a run visible to skip predicates and steps.
type Attrs struct {
	Key     RunKey
	Session types.SessionMeta
	// RunID identifies this invocation.
	RunID string
	// Resumed is true when an earlier invocation made progress or failed.
	Resumed bool
	// HasBase is false when no committed world existed at run creation.
	HasBase bool
	Base    world.Ref
	// CreatedAt is when the run was first started. Stable across resumes.
	CreatedAt time.Time
}

// record is the persisted identity of a run, written on a fresh start so
// that every resume reads the same base world. Generation is the session
// generation the run was started under; a run from an older generation
// belongs to a replaced save and is discarded.
type record struct {
	FirstRunID string    `json:"first_run_id"`
	HasBase    bool      `json:"has_base"`
	Base       world.Ref `json:"base"`
	Generation int64     `json:"generation"`
	CreatedAt  time.Time `json:"created_at"`
}

func recordKey(k RunKey) string {
	return storage.JoinKey(k.Prefix(), "run")
}

func loadRecord(ctx context.Context, kv storage.Store, codec storage.Codec, k RunKey) (record, bool, error) {
	var r record
	ok, err := storage.Load(ctx, kv, codec, recordKey(k), &r)
	if err != nil {
		return record{}, false, fmt.Errorf("load run record: %w", err)
	}
	return r, ok, nil
}
