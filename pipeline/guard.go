package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pithecene-io/daybreak/storage"
)

// Guard reports whether an in-flight run may still write. It is consulted
// immediately before every durable write that marks progress.
type Guard interface {
	ShouldContinue() bool
}

// GuardFunc adapts a function to Guard.
type GuardFunc func() bool

// ShouldContinue implements Guard.
func (f GuardFunc) ShouldContinue() bool { return f() }

// Always is a Guard that never cancels.
var Always Guard = GuardFunc(func() bool { return true })

// guardTimeout bounds the generation read of a SessionGuard.
const guardTimeout = 5 * time.Second

// SessionGuard cancels a run once the session's generation changes, e.g.
// after a different save is imported.
type SessionGuard struct {
	kv         storage.Store
	session    string
	generation int64
}

func generationKey(session string) string {
	return storage.JoinKey("sessions", session, "generation")
}

// LoadGeneration returns the session's current generation (0 if unset).
func LoadGeneration(ctx context.Context, kv storage.Store, session string) (int64, error) {
	data, err := kv.Get(ctx, generationKey(session))
	if storage.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	gen, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse generation of %s: %w", session, err)
	}
	return gen, nil
}

// BumpGeneration increments the session's generation, invalidating every
// SessionGuard created before the call.
func BumpGeneration(ctx context.Context, kv storage.Store, session string) (int64, error) {
	gen, err := LoadGeneration(ctx, kv, session)
	if err != nil {
		return 0, err
	}
	gen++
	if err := kv.Set(ctx, generationKey(session), []byte(strconv.FormatInt(gen, 10))); err != nil {
		return 0, err
	}
	return gen, nil
}

// NewSessionGuard captures the session's current generation.
func NewSessionGuard(ctx context.Context, kv storage.Store, session string) (*SessionGuard, error) {
	gen, err := LoadGeneration(ctx, kv, session)
	if err != nil {
		return nil, err
	}
	return &SessionGuard{kv: kv, session: session, generation: gen}, nil
}

// ShouldContinue implements Guard. A failed read refuses the write.
func (g *SessionGuard) ShouldContinue() bool {
	ctx, cancel := context.WithTimeout(context.Background(), guardTimeout)
	defer cancel()
	gen, err := LoadGeneration(ctx, g.kv, g.session)
	return err == nil && gen == g.generation
}
