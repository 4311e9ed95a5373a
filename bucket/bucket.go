// Package bucket is the per-run accumulator of "what changed so far".
//
// Each field is owned by one producer step and is overwritten whole on
// save. The bucket is disposable: it can always be rebuilt from artifacts
// plus the base world, and it is cleared at the start of a fresh run and
// when a run completes.
package bucket

import (
	"context"
	"fmt"

	"github.com/pithecene-io/daybreak/storage"
	"github.com/pithecene-io/daybreak/world"
)

// DaySummary is produced by summarize_day.
type DaySummary struct {
	Summary      string `json:"summary"`
	JournalEntry string `json:"journal_entry"`
}

// State holds the optional fields steps contribute, by producer.
type State struct {
	// summarize_day
	DaySummary *DaySummary `json:"day_summary,omitempty"`
	// update_relationships, seed_relationships: changed entries only
	Relationships map[string]world.Fields `json:"relationships,omitempty"`
	// evolve_cast, seed_world
	NewCharacters  map[string]world.Fields `json:"new_characters,omitempty"`
	ProfileUpdates map[string]world.Fields `json:"profile_updates,omitempty"`
	NewFacts       []world.Fact            `json:"new_facts,omitempty"`
	// plan_next_day, plan_first_day
	Plan *world.Plan `json:"plan,omitempty"`
	// recap_segment
	Recap *string `json:"recap,omitempty"`
	// reseed_arcs
	Arcs []string `json:"arcs,omitempty"`
}

// Patch is a set of top-level fields to overwrite. Nil fields are left
// untouched.
type Patch = State

// Empty reports whether p sets no field.
func (s *State) Empty() bool {
	return s.DaySummary == nil && s.Relationships == nil && s.NewCharacters == nil &&
		s.ProfileUpdates == nil && s.NewFacts == nil && s.Plan == nil &&
		s.Recap == nil && s.Arcs == nil
}

// Apply overwrites each field of s that p sets.
func (s *State) Apply(p Patch) {
	if p.DaySummary != nil {
		s.DaySummary = p.DaySummary
	}
	if p.Relationships != nil {
		s.Relationships = p.Relationships
	}
	if p.NewCharacters != nil {
		s.NewCharacters = p.NewCharacters
	}
	if p.ProfileUpdates != nil {
		s.ProfileUpdates = p.ProfileUpdates
	}
	if p.NewFacts != nil {
		s.NewFacts = p.NewFacts
	}
	if p.Plan != nil {
		s.Plan = p.Plan
	}
	if p.Recap != nil {
		s.Recap = p.Recap
	}
	if p.Arcs != nil {
		s.Arcs = p.Arcs
	}
}

// Fields lists the names of the fields s sets, for status output.
func (s *State) Fields() []string {
	var out []string
	add := func(set bool, name string) {
		if set {
			out = append(out, name)
		}
	}
	add(s.DaySummary != nil, "day_summary")
	add(s.Relationships != nil, "relationships")
	add(s.NewCharacters != nil, "new_characters")
	add(s.ProfileUpdates != nil, "profile_updates")
	add(s.NewFacts != nil, "new_facts")
	add(s.Plan != nil, "plan")
	add(s.Recap != nil, "recap")
	add(s.Arcs != nil, "arcs")
	return out
}

// Store persists the bucket of one run.
type Store struct {
	kv    storage.Store
	codec storage.Codec
	key   string
}

// NewStore returns the bucket stored under prefix/bucket.
func NewStore(kv storage.Store, codec storage.Codec, prefix string) *Store {
	if codec == nil {
		codec = storage.JSONCodec{}
	}
	return &Store{kv: kv, codec: codec, key: storage.JoinKey(prefix, "bucket")}
}

// Load returns the current bucket. An absent bucket is empty.
func (b *Store) Load(ctx context.Context) (State, error) {
	var s State
	if _, err := storage.Load(ctx, b.kv, b.codec, b.key, &s); err != nil {
		return State{}, fmt.Errorf("load bucket: %w", err)
	}
	return s, nil
}

// Save shallow-merges p into the stored bucket.
func (b *Store) Save(ctx context.Context, p Patch) error {
	if p.Empty() {
		return nil
	}
	s, err := b.Load(ctx)
	if err != nil {
		return err
	}
	s.Apply(p)
	if err := storage.Save(ctx, b.kv, b.codec, b.key, s); err != nil {
		return fmt.Errorf("save bucket: %w", err)
	}
	return nil
}

// Clear discards the bucket.
func (b *Store) Clear(ctx context.Context) error {
	if err := b.kv.Delete(ctx, b.key); err != nil {
		return fmt.Errorf("clear bucket: %w", err)
	}
	return nil
}
