// Package world defines the committed narrative world state and its
// per-day durable store.
package world

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/daybreak/storage"
)

// ErrNoWorld is returned when a session has no committed world.
var ErrNoWorld = errors.New("no committed world")

// Fields is a structured profile or relationship dynamic.
// Merges replace keys individually.
type Fields map[string]any

// Fact is one piece of world knowledge attributed to a known character.
type Fact struct {
	Text  string `json:"text"`
	Owner string `json:"owner"`
}

// JournalEntry is one narrated entry in the protagonist's journal.
type JournalEntry struct {
	Day  int    `json:"day"`
	Text string `json:"text"`
}

// Plan is the outline for the next day.
type Plan struct {
	Focus string   `json:"focus,omitempty"`
	Beats []string `json:"beats,omitempty"`
}

// State is one committed snapshot of a session's world.
type State struct {
	Session       string            `json:"session"`
	Day           int               `json:"day"`
	Segment       int               `json:"segment"`
	Protagonist   string            `json:"protagonist"`
	Premise       string            `json:"premise,omitempty"`
	Characters    map[string]Fields `json:"characters"`
	Relationships map[string]Fields `json:"relationships"`
	Facts         []Fact            `json:"facts"`
	Journal       []JournalEntry    `json:"journal"`
	Plan          Plan              `json:"plan"`
	Arcs          []string          `json:"arcs,omitempty"`
	CommittedAt   time.Time         `json:"committed_at"`
}

// Names returns the known character names including the protagonist.
func (s *State) Names() []string {
	names := make([]string, 0, len(s.Characters)+1)
	if s.Protagonist != "" {
		names = append(names, s.Protagonist)
	}
	for name := range s.Characters {
		if name != s.Protagonist {
			names = append(names, name)
		}
	}
	return names
}

// Clone returns a deep copy of the maps and slices the pipelines modify.
func (s State) Clone() State {
	out := s
	out.Characters = cloneFieldMap(s.Characters)
	out.Relationships = cloneFieldMap(s.Relationships)
	out.Facts = append([]Fact(nil), s.Facts...)
	out.Journal = append([]JournalEntry(nil), s.Journal...)
	out.Plan.Beats = append([]string(nil), s.Plan.Beats...)
	out.Arcs = append([]string(nil), s.Arcs...)
	return out
}

func cloneFieldMap(in map[string]Fields) map[string]Fields {
	out := make(map[string]Fields, len(in))
	for k, v := range in {
		f := make(Fields, len(v))
		for fk, fv := range v {
			f[fk] = fv
		}
		out[k] = f
	}
	return out
}

// Store persists world snapshots per day under sessions/<session>/world.
// The head pointer names the latest committed day.
type Store struct {
	kv    storage.Store
	codec storage.Codec
}

// NewStore returns a world Store. A nil codec selects JSON.
func NewStore(kv storage.Store, codec storage.Codec) *Store {
	if codec == nil {
		codec = storage.JSONCodec{}
	}
	return &Store{kv: kv, codec: codec}
}

// Ref identifies one committed snapshot.
type Ref struct {
	Day     int `json:"day"`
	Segment int `json:"segment"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%d.%d", r.Day, r.Segment)
}

// Ref returns the snapshot reference of s.
func (s *State) Ref() Ref {
	return Ref{Day: s.Day, Segment: s.Segment}
}

func snapshotKey(session string, ref Ref) string {
	return storage.JoinKey("sessions", session, "world", ref.String())
}

func headKey(session string) string {
	return storage.JoinKey("sessions", session, "world", "head")
}

// Load returns the snapshot committed under ref.
func (s *Store) Load(ctx context.Context, session string, ref Ref) (State, error) {
	var st State
	ok, err := storage.Load(ctx, s.kv, s.codec, snapshotKey(session, ref), &st)
	if err != nil {
		return State{}, err
	}
	if !ok {
		return State{}, fmt.Errorf("%w: session %s at %s", ErrNoWorld, session, ref)
	}
	return st, nil
}

// HeadRef returns the reference of the latest committed snapshot.
func (s *Store) HeadRef(ctx context.Context, session string) (Ref, error) {
	var ref Ref
	ok, err := storage.Load(ctx, s.kv, s.codec, headKey(session), &ref)
	if err != nil {
		return Ref{}, err
	}
	if !ok {
		return Ref{}, fmt.Errorf("%w: session %s", ErrNoWorld, session)
	}
	return ref, nil
}

// Head returns the latest committed snapshot.
func (s *Store) Head(ctx context.Context, session string) (State, error) {
	ref, err := s.HeadRef(ctx, session)
	if err != nil {
		return State{}, err
	}
	return s.Load(ctx, session, ref)
}

// Commit writes st under its own Ref and moves the head to it.
// Rewriting the same Ref is an idempotent overwrite.
func (s *Store) Commit(ctx context.Context, st State) error {
	if st.Session == "" {
		return errors.New("world commit: empty session")
	}
	ref := st.Ref()
	if err := storage.Save(ctx, s.kv, s.codec, snapshotKey(st.Session, ref), st); err != nil {
		return fmt.Errorf("world commit %s: %w", ref, err)
	}
	if err := storage.Save(ctx, s.kv, s.codec, headKey(st.Session), ref); err != nil {
		return fmt.Errorf("world commit head: %w", err)
	}
	return nil
}
