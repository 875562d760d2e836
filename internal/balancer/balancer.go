// Package balancer picks which backend receives the next job.
package balancer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Load-balancing strategies.
const (
	StrategyLeastConnections = "least_connections"
	StrategyRoundRobin       = "round_robin"
	StrategyFastest          = "fastest"
)

var (
	ErrNoBackends      = errors.New("no backends available")
	ErrUnknownStrategy = errors.New("unknown load-balancing strategy")
)

// ValidStrategy reports whether name is a known strategy.
func ValidStrategy(name string) bool {
	switch name {
	case StrategyLeastConnections, StrategyRoundRobin, StrategyFastest:
		return true
	}
	return false
}

// pool is the slice of the backend tracker the selector reads.
type pool interface {
	URLs() []string
	Healthy() []string
	ActiveJobs(url string) int
	AvgResponseMillis(url string) float64
}

// strategyKV persists the strategy across restarts and processes.
type strategyKV interface {
	GetStrategy(ctx context.Context) (string, bool, error)
	SetStrategy(ctx context.Context, strategy string) error
}

// Selector applies the currently configured strategy to the backend pool.
// The strategy lives in Redis so every instance agrees; the last value read
// is kept in-process as a fallback for when Redis is unreachable.
type Selector struct {
	pool   pool
	kv     strategyKV
	logger *slog.Logger

	mu       sync.Mutex
	cursor   int
	fallback string
}

func NewSelector(p pool, kv strategyKV, defaultStrategy string, logger *slog.Logger) *Selector {
	return &Selector{
		pool:     p,
		kv:       kv,
		logger:   logger,
		fallback: defaultStrategy,
	}
}

// Strategy returns the active strategy name.
func (s *Selector) Strategy(ctx context.Context) string {
	name, found, err := s.kv.GetStrategy(ctx)
	if err != nil {
		s.logger.Warn("strategy read failed, using last known", "error", err)
	}
	if err != nil || !found || !ValidStrategy(name) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.fallback
	}

	s.mu.Lock()
	s.fallback = name
	s.mu.Unlock()
	return name
}

// SetStrategy validates and persists a new strategy.
func (s *Selector) SetStrategy(ctx context.Context, name string) error {
	if !ValidStrategy(name) {
		return ErrUnknownStrategy
	}
	if err := s.kv.SetStrategy(ctx, name); err != nil {
		return err
	}
	s.mu.Lock()
	s.fallback = name
	s.mu.Unlock()
	return nil
}

// Choose picks the backend for the next dispatch.
func (s *Selector) Choose(ctx context.Context) (string, error) {
	switch s.Strategy(ctx) {
	case StrategyRoundRobin:
		return s.roundRobin()
	case StrategyFastest:
		return s.fastest()
	default:
		return s.leastConnections()
	}
}

// roundRobin rotates strictly over the configured order. Health is
// deliberately not consulted: the cursor position stays predictable, and a
// dispatch to a dead backend fails fast and re-queues.
func (s *Selector) roundRobin() (string, error) {
	urls := s.pool.URLs()
	if len(urls) == 0 {
		return "", ErrNoBackends
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	url := urls[s.cursor%len(urls)]
	s.cursor = (s.cursor + 1) % len(urls)
	return url, nil
}

// leastConnections picks the healthy backend with the fewest in-flight jobs,
// breaking ties by lower smoothed latency, then configured order.
func (s *Selector) leastConnections() (string, error) {
	healthy := s.pool.Healthy()
	if len(healthy) == 0 {
		return "", ErrNoBackends
	}

	best := healthy[0]
	bestActive := s.pool.ActiveJobs(best)
	bestLatency := s.pool.AvgResponseMillis(best)

	for _, u := range healthy[1:] {
		active := s.pool.ActiveJobs(u)
		latency := s.pool.AvgResponseMillis(u)
		if active < bestActive || (active == bestActive && latency < bestLatency) {
			best, bestActive, bestLatency = u, active, latency
		}
	}
	return best, nil
}

// fastest picks the healthy backend with the lowest smoothed response time.
// A backend with no observations yet reads as zero and gets tried first.
func (s *Selector) fastest() (string, error) {
	healthy := s.pool.Healthy()
	if len(healthy) == 0 {
		return "", ErrNoBackends
	}

	best := healthy[0]
	bestLatency := s.pool.AvgResponseMillis(best)

	for _, u := range healthy[1:] {
		if latency := s.pool.AvgResponseMillis(u); latency < bestLatency {
			best, bestLatency = u, latency
		}
	}
	return best, nil
}
