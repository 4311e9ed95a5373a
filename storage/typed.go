package storage

import (
	"context"
	"fmt"
)

// Load decodes the value under key into v. It reports false with a nil
// error when the key is absent.
func Load(ctx context.Context, s Store, codec Codec, key string, v any) (bool, error) {
	data, err := s.Get(ctx, key)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := codec.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s (%s): %w", key, codec.Name(), err)
	}
	return true, nil
}

// Save encodes v and writes it under key.
func Save(ctx context.Context, s Store, codec Codec, key string, v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s (%s): %w", key, codec.Name(), err)
	}
	return s.Set(ctx, key, data)
}
