package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/justapithecus/lode/lode"
)

// LodeStore stores each key as one object in a lode.Store.
// Lode objects are write-once, so Set replaces an existing object by
// deleting it first. Writes are serialized per store.
type LodeStore struct {
	store lode.Store
	mu    sync.Mutex
}

// NewLodeStore wraps an existing lode.Store. Use lode.NewMemory() in tests.
func NewLodeStore(store lode.Store) *LodeStore {
	return &LodeStore{store: store}
}

// NewLodeStoreFromFactory creates a LodeStore from a lode.StoreFactory.
func NewLodeStoreFromFactory(factory lode.StoreFactory) (*LodeStore, error) {
	store, err := factory()
	if err != nil {
		return nil, wrap(err, "open", "")
	}
	return NewLodeStore(store), nil
}

// NewFSStore creates a filesystem-backed LodeStore rooted at root.
func NewFSStore(root string) (*LodeStore, error) {
	if root == "" {
		return nil, fmt.Errorf("fs storage requires a path")
	}
	return NewLodeStoreFromFactory(lode.NewFSFactory(root))
}

// NewMemoryStore creates an in-memory LodeStore.
func NewMemoryStore() *LodeStore {
	return NewLodeStore(lode.NewMemory())
}

// Get implements Store.
func (s *LodeStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	ok, err := s.store.Exists(ctx, key)
	if err != nil {
		return nil, wrap(err, "get", key)
	}
	if !ok {
		return nil, notFound("get", key)
	}
	rc, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, wrap(err, "get", key)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, wrap(err, "get", key)
	}
	return data, nil
}

// Set implements Store.
func (s *LodeStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.store.Exists(ctx, key)
	if err != nil {
		return wrap(err, "set", key)
	}
	if ok {
		if err := s.store.Delete(ctx, key); err != nil {
			return wrap(err, "set", key)
		}
	}
	return wrap(s.store.Put(ctx, key, bytes.NewReader(value)), "set", key)
}

// Delete implements Store.
func (s *LodeStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.store.Exists(ctx, key)
	if err != nil {
		return wrap(err, "delete", key)
	}
	if !ok {
		return nil
	}
	return wrap(s.store.Delete(ctx, key), "delete", key)
}

// Exists implements Store.
func (s *LodeStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	ok, err := s.store.Exists(ctx, key)
	if err != nil {
		return false, wrap(err, "exists", key)
	}
	return ok, nil
}

// Close implements Store. Lode stores hold no resources.
func (s *LodeStore) Close() error {
	return nil
}

var _ Store = (*LodeStore)(nil)
