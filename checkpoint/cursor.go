// Package checkpoint holds the durable progress markers of a pipeline run:
// the step cursor and the error journal.
package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/pithecene-io/daybreak/storage"
)

// ErrRegression is returned when an advance would not move the cursor
// strictly forward.
var ErrRegression = errors.New("cursor regression")

// Position identifies the last fully completed step.
// The zero value is NotStarted.
type Position struct {
	Step    string `json:"step,omitempty"`
	Ordinal int    `json:"ordinal"`
}

// NotStarted is the cursor position of a run that has completed no step.
var NotStarted = Position{}

// IsNotStarted reports whether p is the initial position.
func (p Position) IsNotStarted() bool {
	return p.Ordinal == 0
}

func (p Position) String() string {
	if p.IsNotStarted() {
		return "not_started"
	}
	return fmt.Sprintf("%s(%d)", p.Step, p.Ordinal)
}

// Cursor is the durable forward-only step cursor of one run.
// It is the sole authority on which steps a resumed run skips.
type Cursor struct {
	kv    storage.Store
	codec storage.Codec
	key   string
}

// NewCursor returns the cursor stored under prefix/cursor.
func NewCursor(kv storage.Store, codec storage.Codec, prefix string) *Cursor {
	if codec == nil {
		codec = storage.JSONCodec{}
	}
	return &Cursor{kv: kv, codec: codec, key: storage.JoinKey(prefix, "cursor")}
}

// Load returns the current position, or NotStarted if none is stored.
func (c *Cursor) Load(ctx context.Context) (Position, error) {
	var p Position
	if _, err := storage.Load(ctx, c.kv, c.codec, c.key, &p); err != nil {
		return NotStarted, fmt.Errorf("load cursor: %w", err)
	}
	return p, nil
}

// Advance moves the cursor to next. next must be strictly after the
// stored position.
func (c *Cursor) Advance(ctx context.Context, next Position) error {
	cur, err := c.Load(ctx)
	if err != nil {
		return err
	}
	if next.Ordinal <= cur.Ordinal {
		return fmt.Errorf("%w: %s -> %s", ErrRegression, cur, next)
	}
	if err := storage.Save(ctx, c.kv, c.codec, c.key, next); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// Rewind sets the cursor to p unconditionally. It exists for operator
// recovery; the executor never moves the cursor backwards.
func (c *Cursor) Rewind(ctx context.Context, p Position) error {
	if p.IsNotStarted() {
		return c.Reset(ctx)
	}
	if err := storage.Save(ctx, c.kv, c.codec, c.key, p); err != nil {
		return fmt.Errorf("rewind cursor: %w", err)
	}
	return nil
}

// Reset returns the cursor to NotStarted.
func (c *Cursor) Reset(ctx context.Context) error {
	if err := c.kv.Delete(ctx, c.key); err != nil {
		return fmt.Errorf("reset cursor: %w", err)
	}
	return nil
}
