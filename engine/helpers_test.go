package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dygram/dygram-go/machine"
)

// testClock returns a deterministic runtime clock.
func testClock() func() time.Time {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return base }
}

func testRuntime() *Runtime {
	return &Runtime{Clock: testClock()}
}

// loadMachine parses machine JSON, failing the test on error.
func loadMachine(t *testing.T, src string) *machine.Machine {
	t.Helper()
	m, err := machine.Load([]byte(src))
	if err != nil {
		t.Fatalf("machine.Load: %v", err)
	}
	return m
}

// initialState builds a fresh state with the given limits.
func initialState(t *testing.T, m *machine.Machine, limits ExecutionLimits) *ExecutionState {
	t.Helper()
	s, err := NewInitialState(m, limits, testClock()())
	if err != nil {
		t.Fatalf("NewInitialState: %v", err)
	}
	return s
}

// runToCompletion steps the state until the runtime reports complete,
// failing the test if maxIterations pass without completion. It
// returns the final state and every effect emitted along the way.
func runToCompletion(t *testing.T, r *Runtime, s *ExecutionState, maxIterations int) (*ExecutionState, []Effect) {
	t.Helper()
	var effects []Effect
	for i := 0; i < maxIterations; i++ {
		res := r.Step(s)
		s = res.State
		effects = append(effects, res.Effects...)
		switch res.Status {
		case StatusComplete:
			return s, effects
		case StatusError:
			t.Fatalf("step %d returned error status: %v", i, res.Effects)
		case StatusWaiting:
			t.Fatalf("step %d unexpectedly waiting", i)
		}
	}
	t.Fatalf("no completion after %d steps", maxIterations)
	return nil, nil
}

// mustJSON round-trips v through JSON for comparison.
func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

// transitions extracts (from, to) pairs from a path's history,
// skipping spawn and map self-records.
func transitions(p *Path) [][2]string {
	var out [][2]string
	for _, tr := range p.History {
		if tr.From == tr.To {
			continue
		}
		out = append(out, [2]string{tr.From, tr.To})
	}
	return out
}
