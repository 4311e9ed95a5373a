// Package artifact is the durable store for step outputs.
//
// Artifacts are addressed by stable names (e.g. "eod/summary") scoped to a
// pipeline run. Values are whole-value overwritten, never patched in place.
package artifact

import (
	"context"
	"fmt"

	"github.com/pithecene-io/daybreak/storage"
)

// Store reads and writes the artifacts of one pipeline run.
type Store struct {
	kv     storage.Store
	codec  storage.Codec
	prefix string
}

// NewStore returns a Store whose keys live under prefix.
// A nil codec selects JSON.
func NewStore(kv storage.Store, codec storage.Codec, prefix string) *Store {
	if codec == nil {
		codec = storage.JSONCodec{}
	}
	return &Store{kv: kv, codec: codec, prefix: prefix}
}

// Key returns the storage key for an artifact name.
func (s *Store) Key(name string) string {
	return storage.JoinKey(s.prefix, "artifacts", name)
}

// Set overwrites the artifact name with v.
// The write is durable when Set returns.
func (s *Store) Set(ctx context.Context, name string, v any) error {
	if name == "" {
		return fmt.Errorf("artifact: empty name")
	}
	return storage.Save(ctx, s.kv, s.codec, s.Key(name), v)
}

// Delete removes the artifact name.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.kv.Delete(ctx, s.Key(name))
}

// Has reports whether the artifact name is present.
func (s *Store) Has(ctx context.Context, name string) (bool, error) {
	return s.kv.Exists(ctx, s.Key(name))
}

// Get loads artifact name into a T. ok is false when it is absent.
func Get[T any](ctx context.Context, s *Store, name string) (v T, ok bool, err error) {
	ok, err = storage.Load(ctx, s.kv, s.codec, s.Key(name), &v)
	if err != nil {
		return v, false, fmt.Errorf("artifact %s: %w", name, err)
	}
	return v, ok, nil
}

// GetWithFallback returns the first present artifact among names, in
// order, along with the name it was found under. Callers document the
// chain at each call site.
func GetWithFallback[T any](ctx context.Context, s *Store, names []string) (v T, found string, err error) {
	for _, name := range names {
		got, ok, err := Get[T](ctx, s, name)
		if err != nil {
			return v, "", err
		}
		if ok {
			return got, name, nil
		}
	}
	return v, "", nil
}
