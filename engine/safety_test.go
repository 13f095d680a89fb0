package engine

import (
	"errors"
	"testing"
	"time"
)

func TestDetectCycle(t *testing.T) {
	tests := []struct {
		name   string
		visits []string
		window int
		want   bool
	}{
		{"empty", nil, 10, false},
		{"no repeat", []string{"a", "b", "c"}, 10, false},
		{"abab", []string{"a", "b", "a", "b"}, 10, true},
		{"abcabc", []string{"x", "a", "b", "c", "a", "b", "c"}, 10, true},
		{"single state repeat is not length 2", []string{"a", "a"}, 10, false},
		{"pattern outside window", []string{"a", "b", "a", "b"}, 3, false},
		{"long tail", []string{"s", "a", "b", "s", "a", "b"}, 10, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectCycle(tt.visits, tt.window); got != tt.want {
				t.Errorf("DetectCycle(%v, %d) = %v, want %v", tt.visits, tt.window, got, tt.want)
			}
		})
	}
}

func TestCheckLimits(t *testing.T) {
	s := initialState(t, loadMachine(t, linearMachine), ExecutionLimits{
		MaxSteps:           2,
		MaxNodeInvocations: 3,
		Timeout:            time.Minute,
	})
	now := testClock()()
	p := s.Paths[0]

	if err := CheckLimits(s, p, now); err != nil {
		t.Fatalf("fresh state: %v", err)
	}

	s.Metadata.StepCount = 2
	err := CheckLimits(s, p, now)
	if err == nil || !IsLimit(err) {
		t.Errorf("max steps: %v", err)
	}
	s.Metadata.StepCount = 0

	p.NodeInvocationCounts[p.CurrentNode] = 3
	if err := CheckLimits(s, p, now); err == nil {
		t.Error("max node invocations not enforced")
	}
	p.NodeInvocationCounts[p.CurrentNode] = 0

	if err := CheckLimits(s, p, now.Add(2*time.Minute)); err == nil {
		t.Error("timeout not enforced")
	}
}

func TestCircuitBreakerTransitions(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(3, 10*time.Second)
	cb.now = func() time.Time { return now }

	if err := cb.Allow("n"); err != nil {
		t.Fatalf("closed breaker refused: %v", err)
	}

	cb.RecordFailure("n")
	cb.RecordFailure("n")
	if cb.State("n") != BreakerClosed {
		t.Error("opened before threshold")
	}
	cb.RecordFailure("n")
	if cb.State("n") != BreakerOpen {
		t.Error("did not open at threshold")
	}
	if err := cb.Allow("n"); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("open breaker allowed: %v", err)
	}

	// Cool-down elapses: half-open probe allowed.
	now = now.Add(11 * time.Second)
	if err := cb.Allow("n"); err != nil {
		t.Fatalf("half-open probe refused: %v", err)
	}
	if cb.State("n") != BreakerHalfOpen {
		t.Errorf("state = %s, want half-open", cb.State("n"))
	}

	// A half-open failure re-opens immediately.
	cb.RecordFailure("n")
	if cb.State("n") != BreakerOpen {
		t.Error("half-open failure did not re-open")
	}

	// Success closes from half-open.
	now = now.Add(11 * time.Second)
	_ = cb.Allow("n")
	cb.RecordSuccess("n")
	if cb.State("n") != BreakerClosed {
		t.Error("success did not close the breaker")
	}

	// Other nodes are independent.
	if cb.State("other") != BreakerClosed {
		t.Error("breakers are not per-node")
	}
}
