// Package storage provides the durable key/value layer behind the artifact
// store, step cursor, error journal, state bucket, and lease records.
//
// Every backend maps a string key to an opaque byte value. Keys are
// slash-separated paths (e.g. runs/<session>/<pipeline>/<instance>/cursor).
// A missing key is reported as an error matching ErrNotFound.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Store is a durable string-key to bytes store.
// Set must be durable before it returns.
type Store interface {
	// Get returns the value stored under key or an ErrNotFound error.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set overwrites the value stored under key.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Close releases backend resources.
	Close() error
}

// ErrInvalidKey is returned for empty or malformed keys.
var ErrInvalidKey = errors.New("invalid storage key")

// ValidateKey checks that key is a non-empty relative slash path with no
// empty, "." or ".." segments.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("%w: %q has leading or trailing slash", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		switch seg {
		case "", ".", "..":
			return fmt.Errorf("%w: %q has segment %q", ErrInvalidKey, key, seg)
		}
	}
	return nil
}

// JoinKey joins non-empty parts with "/".
func JoinKey(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, strings.Trim(p, "/"))
		}
	}
	return strings.Join(kept, "/")
}
