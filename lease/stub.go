package lease

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// StubService is an in-memory CacheService that records every call.
// Use in tests and for offline runs.
type StubService struct {
	mu       sync.Mutex
	next     int
	live     map[string]string // handle -> model version
	Creates  []StubCreate
	Deletes  []string
	Now      func() time.Time
	CreateFn func(modelVersion string) error
	DeleteFn func(handle string) error
}

// StubCreate is a recorded CreateLease call.
type StubCreate struct {
	Handle       string
	ModelVersion string
	PayloadSize  int
}

// NewStubService creates an empty stub cache service.
func NewStubService() *StubService {
	return &StubService{live: make(map[string]string), Now: time.Now}
}

// CreateLease implements CacheService.
func (s *StubService) CreateLease(_ context.Context, modelVersion string, payload []byte) (Created, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateFn != nil {
		if err := s.CreateFn(modelVersion); err != nil {
			return Created{}, err
		}
	}
	s.next++
	handle := fmt.Sprintf("lease-%d", s.next)
	s.live[handle] = modelVersion
	s.Creates = append(s.Creates, StubCreate{Handle: handle, ModelVersion: modelVersion, PayloadSize: len(payload)})
	return Created{Handle: handle, CreatedAt: s.Now().UTC()}, nil
}

// DeleteLease implements CacheService.
func (s *StubService) DeleteLease(_ context.Context, handle string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteFn != nil {
		if err := s.DeleteFn(handle); err != nil {
			return false, err
		}
	}
	s.Deletes = append(s.Deletes, handle)
	if _, ok := s.live[handle]; !ok {
		return false, nil
	}
	delete(s.live, handle)
	return true, nil
}

// Live returns the handles not yet deleted, mapped to their model version.
func (s *StubService) Live() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.live))
	for k, v := range s.live {
		out[k] = v
	}
	return out
}

// CreateCount returns the number of successful creates.
func (s *StubService) CreateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Creates)
}

var _ CacheService = (*StubService)(nil)
