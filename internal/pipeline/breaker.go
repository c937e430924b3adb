package pipeline

import (
	"sync"
	"time"
)

// Breaker default tuning.
const (
	breakerErrorThreshold  = 5
	breakerTimeWindow      = time.Minute
	breakerHalfOpenTimeout = 30 * time.Second
)

type breakerState int

const (
	breakerClosed   breakerState = 0
	breakerOpen     breakerState = 1
	breakerHalfOpen breakerState = 2
)

type breaker struct {
	mu sync.Mutex

	state         breakerState
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool
}

// BreakerSet keeps an independent circuit breaker per provider document, so
// a failing upstream is skipped during the candidate walk instead of eating
// its timeout on every request.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*breaker
}

func NewBreakerSet() *BreakerSet {
	return &BreakerSet{breakers: make(map[string]*breaker)}
}

func (s *BreakerSet) get(llmID string) *breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[llmID]
	if !ok {
		b = &breaker{state: breakerClosed, windowStart: time.Now()}
		s.breakers[llmID] = b
	}
	return b
}

// Allow reports whether the provider should receive the next request.
// Closed always passes; open passes one probe after the half-open timeout.
func (s *BreakerSet) Allow(llmID string) bool {
	b := s.get(llmID)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true

	case breakerOpen:
		if time.Since(b.openedAt) >= breakerHalfOpenTimeout {
			b.state = breakerHalfOpen
			b.probeInflight = true
			return true
		}
		return false

	case breakerHalfOpen:
		if b.probeInflight {
			return false
		}
		b.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess resets the breaker to closed.
func (s *BreakerSet) RecordSuccess(llmID string) {
	b := s.get(llmID)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = breakerClosed
	b.errorCount = 0
	b.probeInflight = false
	b.windowStart = time.Now()
}

// RecordFailure counts an error; the breaker opens at the threshold within
// the rolling window.
func (s *BreakerSet) RecordFailure(llmID string) {
	b := s.get(llmID)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	if now.Sub(b.windowStart) > breakerTimeWindow {
		b.errorCount = 0
		b.windowStart = now
	}

	b.errorCount++
	b.probeInflight = false

	if b.errorCount >= breakerErrorThreshold {
		b.state = breakerOpen
		b.openedAt = now
	}
}
