// Package lease manages the external cache lease held by a pipeline run.
//
// A lease is a handle to bulk reusable context held by an external cache
// service. It is created once per run from a baseline payload, tagged with
// the model version it was built for, reused by every step, and released
// when the run completes. A lease tagged with a different model version is
// never used: it is released in the background and replaced before the
// next step.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pithecene-io/daybreak/log"
	"github.com/pithecene-io/daybreak/metrics"
	"github.com/pithecene-io/daybreak/storage"
)

// ErrNoService is returned when no cache service is configured.
var ErrNoService = errors.New("no cache service configured")

// releaseTimeout bounds a background release of a stale lease.
const releaseTimeout = 30 * time.Second

// Lease is a persisted cache handle bound to one model version.
type Lease struct {
	Handle       string    `json:"handle"`
	ModelVersion string    `json:"model_version"`
	CreatedAt    time.Time `json:"created_at"`
}

// Created is the cache service's answer to a create request.
type Created struct {
	Handle    string    `json:"handle"`
	CreatedAt time.Time `json:"created_at"`
}

// CacheService is the external system holding cached context.
type CacheService interface {
	CreateLease(ctx context.Context, modelVersion string, payload []byte) (Created, error)
	// DeleteLease reports whether a lease was deleted. Deleting an unknown
	// handle is not an error.
	DeleteLease(ctx context.Context, handle string) (bool, error)
}

// BaselineFunc builds the large, slow-changing payload a lease caches.
// It is only called when a lease must be created.
type BaselineFunc func(ctx context.Context) ([]byte, error)

// Manager owns the lease record of one run.
type Manager struct {
	svc       CacheService
	kv        storage.Store
	codec     storage.Codec
	key       string
	logger    *log.Logger
	collector *metrics.Collector

	mu sync.Mutex
	wg sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for release failures.
func WithLogger(l *log.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithCollector sets the metrics collector.
func WithCollector(c *metrics.Collector) Option { return func(m *Manager) { m.collector = c } }

// NewManager returns a Manager whose record lives under prefix/lease.
// A nil svc disables leasing: Ensure returns a zero Lease.
func NewManager(svc CacheService, kv storage.Store, codec storage.Codec, prefix string, opts ...Option) *Manager {
	if codec == nil {
		codec = storage.JSONCodec{}
	}
	m := &Manager{
		svc:    svc,
		kv:     kv,
		codec:  codec,
		key:    storage.JoinKey(prefix, "lease"),
		logger: log.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enabled reports whether a cache service is configured.
func (m *Manager) Enabled() bool {
	return m.svc != nil
}

// Current returns the persisted lease, if any.
func (m *Manager) Current(ctx context.Context) (Lease, bool, error) {
	var l Lease
	ok, err := storage.Load(ctx, m.kv, m.codec, m.key, &l)
	if err != nil {
		return Lease{}, false, fmt.Errorf("load lease: %w", err)
	}
	return l, ok && l.Handle != "", nil
}

// Ensure returns a lease valid for modelVersion. An existing lease for the
// same version is reused. A lease for any other version is released in the
// background and a fresh one is created from baseline.
func (m *Manager) Ensure(ctx context.Context, modelVersion string, baseline BaselineFunc) (Lease, error) {
	if m.svc == nil {
		return Lease{}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok, err := m.Current(ctx)
	if err != nil {
		return Lease{}, err
	}
	if ok && cur.ModelVersion == modelVersion {
		return cur, nil
	}
	if ok {
		m.collector.IncLeaseMismatch()
		m.logger.Warn("cache lease model mismatch, replacing", map[string]any{
			"handle":      cur.Handle,
			"lease_model": cur.ModelVersion,
			"model":       modelVersion,
		})
		if err := m.kv.Delete(ctx, m.key); err != nil {
			return Lease{}, fmt.Errorf("drop stale lease: %w", err)
		}
		m.releaseAsync(ctx, cur.Handle)
	}

	payload, err := baseline(ctx)
	if err != nil {
		return Lease{}, fmt.Errorf("build lease baseline: %w", err)
	}
	created, err := m.svc.CreateLease(ctx, modelVersion, payload)
	if err != nil {
		return Lease{}, fmt.Errorf("create lease: %w", err)
	}
	l := Lease{Handle: created.Handle, ModelVersion: modelVersion, CreatedAt: created.CreatedAt}
	if err := storage.Save(ctx, m.kv, m.codec, m.key, l); err != nil {
		// The service holds a lease nobody will reference.
		m.releaseAsync(ctx, l.Handle)
		return Lease{}, fmt.Errorf("persist lease: %w", err)
	}
	m.collector.IncLeaseCreated()
	m.logger.Info("cache lease created", map[string]any{
		"handle":        l.Handle,
		"model":         modelVersion,
		"payload_bytes": len(payload),
	})
	return l, nil
}

// Release deletes handle from the cache service and clears the persisted
// record if it names handle.
func (m *Manager) Release(ctx context.Context, handle string) error {
	if m.svc == nil || handle == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted, err := m.svc.DeleteLease(ctx, handle)
	if err != nil {
		m.collector.IncLeaseReleaseError()
		return fmt.Errorf("release lease %s: %w", handle, err)
	}
	if deleted {
		m.collector.IncLeaseReleased()
	}

	cur, ok, err := m.Current(ctx)
	if err != nil {
		return err
	}
	if ok && cur.Handle == handle {
		if err := m.kv.Delete(ctx, m.key); err != nil {
			return fmt.Errorf("clear lease record: %w", err)
		}
	}
	return nil
}

// Wait blocks until background releases have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// releaseAsync deletes handle without blocking the caller. Failures are
// logged and counted.
func (m *Manager) releaseAsync(ctx context.Context, handle string) {
	ctx = context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, releaseTimeout)
		defer cancel()

		deleted, err := m.svc.DeleteLease(ctx, handle)
		if err != nil {
			m.collector.IncLeaseReleaseError()
			m.logger.Warn("stale cache lease release failed", map[string]any{
				"handle": handle,
				"error":  err.Error(),
			})
			return
		}
		if deleted {
			m.collector.IncLeaseReleased()
		}
	}()
}
