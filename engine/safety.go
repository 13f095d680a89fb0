package engine

import (
	"fmt"
	"sync"
	"time"
)

// Safety manager: execution limits, cycle detection over recent state
// visits, and a per-node circuit breaker used by the effect executor.

// CheckLimits verifies a path against the state's limits. A breach
// returns a limit-class *Error; the runtime fails the path and emits an
// error effect.
func CheckLimits(s *ExecutionState, p *Path, now time.Time) error {
	if s.Limits.MaxSteps > 0 && s.Metadata.StepCount >= s.Limits.MaxSteps {
		return &Error{
			Code:    CodeMaxSteps,
			Message: fmt.Sprintf("step limit %d reached", s.Limits.MaxSteps),
			Err:     ErrMaxStepsExceeded,
		}
	}
	if s.Limits.MaxNodeInvocations > 0 {
		if n := p.NodeInvocationCounts[p.CurrentNode]; n >= s.Limits.MaxNodeInvocations {
			return &Error{
				Code:    CodeMaxInvocation,
				Message: fmt.Sprintf("node %s invoked %d times on path %s", p.CurrentNode, n, p.ID),
			}
		}
	}
	if s.Limits.Timeout > 0 && now.Sub(s.Metadata.StartTime) > s.Limits.Timeout {
		return &Error{
			Code:    CodeTimeout,
			Message: fmt.Sprintf("execution exceeded timeout %v", s.Limits.Timeout),
		}
	}
	if window := s.Limits.CycleDetectionWindow; window > 1 {
		visits := make([]string, 0, len(p.StateTransitions))
		for _, v := range p.StateTransitions {
			visits = append(visits, v.State)
		}
		if DetectCycle(visits, window) {
			return &Error{
				Code:    CodeCycle,
				Message: fmt.Sprintf("repeating state sequence on path %s", p.ID),
				Err:     ErrCycleDetected,
			}
		}
	}
	return nil
}

// DetectCycle reports a repeated state subsequence of length >= 2
// within the last window visits: the tail of the visit list equals the
// run of the same length immediately before it.
func DetectCycle(visits []string, window int) bool {
	if len(visits) > window {
		visits = visits[len(visits)-window:]
	}
	n := len(visits)
	for subLen := 2; subLen*2 <= n; subLen++ {
		match := true
		for i := 0; i < subLen; i++ {
			if visits[n-subLen+i] != visits[n-2*subLen+i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// BreakerState is the circuit state of one node.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreaker refuses invocations of nodes that keep failing. After
// Threshold consecutive failures a node opens; once Cooldown passes the
// next Allow moves it to half-open, where a success closes it and a
// failure re-opens it.
//
// The breaker is executor-side mutable state and is deliberately not
// part of the serialized execution state.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	nodes     map[string]*breakerEntry
}

type breakerEntry struct {
	state    BreakerState
	failures int
	openedAt time.Time
}

// NewCircuitBreaker creates a breaker tripping after threshold
// consecutive failures with the given cool-down.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		nodes:     map[string]*breakerEntry{},
	}
}

func (cb *CircuitBreaker) entry(node string) *breakerEntry {
	e, ok := cb.nodes[node]
	if !ok {
		e = &breakerEntry{state: BreakerClosed}
		cb.nodes[node] = e
	}
	return e
}

// Allow reports whether the node may be invoked. While open and inside
// the cool-down it returns ErrCircuitOpen; after the cool-down the node
// moves to half-open and one probe invocation is allowed.
func (cb *CircuitBreaker) Allow(node string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	e := cb.entry(node)
	if e.state == BreakerOpen {
		if cb.now().Sub(e.openedAt) < cb.cooldown {
			return &Error{
				Code:    CodeCircuitOpen,
				Message: fmt.Sprintf("node %s circuit open", node),
				Err:     ErrCircuitOpen,
			}
		}
		e.state = BreakerHalfOpen
	}
	return nil
}

// RecordSuccess closes the node's circuit.
func (cb *CircuitBreaker) RecordSuccess(node string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	e := cb.entry(node)
	e.state = BreakerClosed
	e.failures = 0
}

// RecordFailure counts a failure, opening the circuit at the threshold
// or immediately from half-open.
func (cb *CircuitBreaker) RecordFailure(node string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	e := cb.entry(node)
	e.failures++
	if e.state == BreakerHalfOpen || e.failures >= cb.threshold {
		e.state = BreakerOpen
		e.openedAt = cb.now()
	}
}

// State returns the node's current circuit state.
func (cb *CircuitBreaker) State(node string) BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.entry(node).state
}
