package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pithecene-io/daybreak/storage"
)

// Entry is the last recorded failure of one step.
type Entry struct {
	Step       string    `json:"step"`
	Ordinal    int       `json:"ordinal"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Journal is the durable map of step name to last failure.
type Journal struct {
	kv    storage.Store
	codec storage.Codec
	key   string
	now   func() time.Time
}

// NewJournal returns the journal stored under prefix/journal.
func NewJournal(kv storage.Store, codec storage.Codec, prefix string) *Journal {
	if codec == nil {
		codec = storage.JSONCodec{}
	}
	return &Journal{
		kv:    kv,
		codec: codec,
		key:   storage.JoinKey(prefix, "journal"),
		now:   time.Now,
	}
}

// WithClock overrides the timestamp source.
func (j *Journal) WithClock(now func() time.Time) *Journal {
	j.now = now
	return j
}

// Entries returns all recorded failures keyed by step name.
// An absent journal is empty.
func (j *Journal) Entries(ctx context.Context) (map[string]Entry, error) {
	entries := map[string]Entry{}
	if _, err := storage.Load(ctx, j.kv, j.codec, j.key, &entries); err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}
	if entries == nil {
		entries = map[string]Entry{}
	}
	return entries, nil
}

// Record stores msg as the last failure of step, replacing any earlier one.
func (j *Journal) Record(ctx context.Context, step string, ordinal int, kind, msg string) error {
	entries, err := j.Entries(ctx)
	if err != nil {
		return err
	}
	entries[step] = Entry{
		Step:       step,
		Ordinal:    ordinal,
		Kind:       kind,
		Message:    msg,
		RecordedAt: j.now().UTC(),
	}
	if err := storage.Save(ctx, j.kv, j.codec, j.key, entries); err != nil {
		return fmt.Errorf("record journal: %w", err)
	}
	return nil
}

// Clear removes every entry.
func (j *Journal) Clear(ctx context.Context) error {
	if err := j.kv.Delete(ctx, j.key); err != nil {
		return fmt.Errorf("clear journal: %w", err)
	}
	return nil
}

// Sorted returns entries ordered by step ordinal.
func Sorted(entries map[string]Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Ordinal != out[b].Ordinal {
			return out[a].Ordinal < out[b].Ordinal
		}
		return out[a].Step < out[b].Step
	})
	return out
}
