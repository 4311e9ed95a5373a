package persona

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// Strategy selects how the pool picks an endpoint.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyRandom     Strategy = "random"
	StrategySticky     Strategy = "sticky"
)

// ParseStrategy validates a strategy name. Empty selects round robin.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyRoundRobin:
		return StrategyRoundRobin, nil
	case StrategyRandom:
		return StrategyRandom, nil
	case StrategySticky:
		return StrategySticky, nil
	default:
		return "", fmt.Errorf("unknown persona strategy %q (valid: round_robin, random, sticky)", s)
	}
}

// Pool selects persona endpoints.
// Thread-safe for concurrent access.
type Pool struct {
	mu        sync.Mutex
	endpoints []string
	strategy  Strategy
	stickyTTL time.Duration
	rrIndex   int64
	sticky    map[string]stickyEntry
	now       func() time.Time
}

type stickyEntry struct {
	idx       int
	expiresAt time.Time // zero means no expiry
}

// NewPool creates a pool. Endpoints are trimmed and deduplicated.
// A zero stickyTTL keeps sticky assignments for the life of the pool.
func NewPool(endpoints []string, strategy Strategy, stickyTTL time.Duration) (*Pool, error) {
	seen := make(map[string]bool, len(endpoints))
	var eps []string
	for _, ep := range endpoints {
		ep = strings.TrimRight(strings.TrimSpace(ep), "/")
		if ep == "" || seen[ep] {
			continue
		}
		seen[ep] = true
		eps = append(eps, ep)
	}
	if len(eps) == 0 {
		return nil, errors.New("persona pool requires at least one endpoint")
	}
	if strategy == "" {
		strategy = StrategyRoundRobin
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}
	return &Pool{
		endpoints: eps,
		strategy:  strategy,
		stickyTTL: stickyTTL,
		sticky:    make(map[string]stickyEntry),
		now:       time.Now,
	}, nil
}

// Len returns the number of endpoints.
func (p *Pool) Len() int {
	return len(p.endpoints)
}

// Select picks an endpoint. The sticky key (normally the session) is
// required for the sticky strategy.
func (p *Pool) Select(stickyKey string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var idx int
	var err error
	switch p.strategy {
	case StrategyRoundRobin:
		idx = int(p.rrIndex % int64(len(p.endpoints)))
		p.rrIndex++
	case StrategyRandom:
		idx, err = p.selectRandom()
	case StrategySticky:
		idx, err = p.selectSticky(stickyKey)
	default:
		err = fmt.Errorf("unknown strategy %q", p.strategy)
	}
	if err != nil {
		return "", err
	}
	return p.endpoints[idx], nil
}

// Failover returns the endpoint after current in pool order, dropping any
// sticky assignment for stickyKey so the next Select re-assigns.
func (p *Pool) Failover(current, stickyKey string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.sticky, stickyKey)
	for i, ep := range p.endpoints {
		if ep == current {
			return p.endpoints[(i+1)%len(p.endpoints)]
		}
	}
	return p.endpoints[0]
}

func (p *Pool) selectRandom() (int, error) {
	n := len(p.endpoints)
	if n == 1 {
		return 0, nil
	}
	bigIdx, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("random selection failed: %w", err)
	}
	return int(bigIdx.Int64()), nil
}

func (p *Pool) selectSticky(key string) (int, error) {
	if key == "" {
		return 0, errors.New("sticky selection requires a sticky key")
	}
	now := p.now()
	if entry, ok := p.sticky[key]; ok {
		if entry.expiresAt.IsZero() || entry.expiresAt.After(now) {
			return entry.idx, nil
		}
		delete(p.sticky, key)
	}

	idx, err := p.selectRandom()
	if err != nil {
		return 0, err
	}
	entry := stickyEntry{idx: idx}
	if p.stickyTTL > 0 {
		entry.expiresAt = now.Add(p.stickyTTL)
	}
	p.sticky[key] = entry
	return idx, nil
}

// PoolStats reports selection state.
type PoolStats struct {
	Endpoints       int
	RoundRobinIndex int64
	StickyEntries   int
}

// Stats returns selection statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Endpoints:       len(p.endpoints),
		RoundRobinIndex: p.rrIndex,
		StickyEntries:   len(p.sticky),
	}
}
