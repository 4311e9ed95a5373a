package storage

import (
	"context"

	"github.com/pithecene-io/daybreak/metrics"
)

// Instrumented wraps a Store and records write metrics. Each Set or
// Delete call increments store_write_success or store_write_failure.
type Instrumented struct {
	inner     Store
	collector *metrics.Collector
}

// NewInstrumented wraps a store with metrics instrumentation.
func NewInstrumented(inner Store, collector *metrics.Collector) *Instrumented {
	return &Instrumented{inner: inner, collector: collector}
}

// Get delegates to the inner store.
func (s *Instrumented) Get(ctx context.Context, key string) ([]byte, error) {
	return s.inner.Get(ctx, key)
}

// Set delegates to the inner store and records success or failure.
func (s *Instrumented) Set(ctx context.Context, key string, value []byte) error {
	return s.record(s.inner.Set(ctx, key, value))
}

// Delete delegates to the inner store and records success or failure.
func (s *Instrumented) Delete(ctx context.Context, key string) error {
	return s.record(s.inner.Delete(ctx, key))
}

// Exists delegates to the inner store.
func (s *Instrumented) Exists(ctx context.Context, key string) (bool, error) {
	return s.inner.Exists(ctx, key)
}

// Close delegates to the inner store.
func (s *Instrumented) Close() error {
	return s.inner.Close()
}

func (s *Instrumented) record(err error) error {
	if err != nil {
		s.collector.IncStoreWriteFailure()
	} else {
		s.collector.IncStoreWriteSuccess()
	}
	return err
}

var _ Store = (*Instrumented)(nil)
