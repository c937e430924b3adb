package pipeline

import "testing"

func TestBreakerOpensAtThreshold(t *testing.T) {
	s := NewBreakerSet()

	for i := 0; i < breakerErrorThreshold-1; i++ {
		s.RecordFailure("llm1")
		if !s.Allow("llm1") {
			t.Fatalf("closed breaker rejected after %d failures", i+1)
		}
	}

	s.RecordFailure("llm1")
	if s.Allow("llm1") {
		t.Fatal("breaker still passing at the error threshold")
	}
}

func TestBreakerIsPerProvider(t *testing.T) {
	s := NewBreakerSet()

	for i := 0; i < breakerErrorThreshold; i++ {
		s.RecordFailure("bad")
	}

	if s.Allow("bad") {
		t.Fatal("tripped breaker passing")
	}
	if !s.Allow("good") {
		t.Fatal("untouched provider rejected")
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	s := NewBreakerSet()
	for i := 0; i < breakerErrorThreshold; i++ {
		s.RecordFailure("llm1")
	}

	// Rewind the open timestamp instead of sleeping through the timeout.
	b := s.get("llm1")
	b.mu.Lock()
	b.openedAt = b.openedAt.Add(-breakerHalfOpenTimeout)
	b.mu.Unlock()

	if !s.Allow("llm1") {
		t.Fatal("half-open breaker rejected the probe")
	}
	if s.Allow("llm1") {
		t.Fatal("second probe passed while the first is in flight")
	}

	s.RecordSuccess("llm1")
	if !s.Allow("llm1") {
		t.Fatal("breaker not closed after successful probe")
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	s := NewBreakerSet()
	for i := 0; i < breakerErrorThreshold; i++ {
		s.RecordFailure("llm1")
	}

	b := s.get("llm1")
	b.mu.Lock()
	b.openedAt = b.openedAt.Add(-breakerHalfOpenTimeout)
	b.mu.Unlock()

	if !s.Allow("llm1") {
		t.Fatal("probe rejected")
	}
	s.RecordFailure("llm1")

	if s.Allow("llm1") {
		t.Fatal("breaker passing right after a failed probe")
	}
}
