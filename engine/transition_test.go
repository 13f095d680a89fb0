package engine

import (
	"testing"
)

func TestEvaluateTransitionSingleEdgeRule(t *testing.T) {
	tests := []struct {
		name     string
		nodeJSON string
		wantAuto bool
	}{
		{"state", `{"name": "n", "type": "state"}`, true},
		{"init", `{"name": "n", "type": "init"}`, true},
		{"task without prompt", `{"name": "n", "type": "task"}`, true},
		{"task with prompt", `{"name": "n", "type": "task", "attributes": [{"name": "prompt", "value": "decide"}]}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := loadMachine(t, `{"nodes": [`+tt.nodeJSON+`, {"name": "next"}],
				"edges": [{"source": "n", "target": "next"}]}`)
			s := initialState(t, m, ExecutionLimits{})
			node := m.NodeByName("n")
			cands := Candidates(m, "n")
			sel := EvaluateTransition(s, node, cands, map[string]interface{}{})
			if (sel.Candidate != nil) != tt.wantAuto {
				t.Errorf("auto = %v, want %v", sel.Candidate != nil, tt.wantAuto)
			}
		})
	}
}

func TestEvaluateTransitionAutoAnnotation(t *testing.T) {
	m := loadMachine(t, `{"nodes": [
		{"name": "n", "attributes": [{"name": "prompt", "value": "p"}]},
		{"name": "x"}, {"name": "y"}
	], "edges": [
		{"source": "n", "target": "x"},
		{"source": "n", "target": "y", "annotations": [{"name": "auto"}]}
	]}`)
	s := initialState(t, m, ExecutionLimits{})
	sel := EvaluateTransition(s, m.NodeByName("n"), Candidates(m, "n"), map[string]interface{}{})
	if sel.Candidate == nil || sel.Candidate.Edge.Target != "y" {
		t.Fatalf("selected %+v, want @auto edge to y", sel.Candidate)
	}
}

func TestEvaluateTransitionSimpleConditionRule(t *testing.T) {
	m := loadMachine(t, `{"nodes": [
		{"name": "decide", "attributes": [{"name": "prompt", "value": "p"}]},
		{"name": "pass"}, {"name": "fail"}
	], "edges": [
		{"source": "decide", "target": "pass", "label": "when x == 1"},
		{"source": "decide", "target": "fail", "label": "when x != 1"}
	]}`)
	s := initialState(t, m, ExecutionLimits{})

	sel := EvaluateTransition(s, m.NodeByName("decide"), Candidates(m, "decide"), map[string]interface{}{"x": 1})
	if sel.Candidate == nil || sel.Candidate.Edge.Target != "pass" {
		t.Fatalf("x=1 selected %+v, want pass", sel.Candidate)
	}
	sel = EvaluateTransition(s, m.NodeByName("decide"), Candidates(m, "decide"), map[string]interface{}{"x": 2})
	if sel.Candidate == nil || sel.Candidate.Edge.Target != "fail" {
		t.Fatalf("x=2 selected %+v, want fail", sel.Candidate)
	}
}

func TestEvaluateTransitionConditionErrorFailsClosed(t *testing.T) {
	m := loadMachine(t, `{"nodes": [
		{"name": "n", "type": "state"}, {"name": "x"}
	], "edges": [{"source": "n", "target": "x", "label": "when x =="}]}`)
	s := initialState(t, m, ExecutionLimits{})
	sel := EvaluateTransition(s, m.NodeByName("n"), Candidates(m, "n"), map[string]interface{}{})
	if sel.Candidate != nil {
		t.Error("broken condition must not select an edge")
	}
	if len(sel.Warnings) == 0 {
		t.Error("broken condition produced no warning")
	}
}

func TestCandidatesExcludeContextEdges(t *testing.T) {
	m := loadMachine(t, `{"nodes": [
		{"name": "n"}, {"name": "x"},
		{"name": "Ctx", "type": "context"}
	], "edges": [
		{"source": "n", "target": "x"},
		{"source": "n", "target": "Ctx", "label": "writes"},
		{"source": "Ctx", "target": "n"}
	]}`)
	cands := Candidates(m, "n")
	if len(cands) != 1 || cands[0].Edge.Target != "x" {
		t.Errorf("candidates = %+v, want only n->x", cands)
	}
}

func TestResolveEntryDescendsModules(t *testing.T) {
	m := loadMachine(t, `{"nodes": [
		{"name": "mod", "type": "state"},
		{"name": "helperState", "type": "state", "parent": "mod"},
		{"name": "work", "type": "task", "parent": "mod"},
		{"name": "inner", "type": "state", "parent": "work2"},
		{"name": "work2", "type": "task"}
	], "edges": []}`)

	// task beats state regardless of order
	if got := ResolveEntry(m, "mod"); got != "work" {
		t.Errorf("entry = %s, want work", got)
	}
	// nested module descends repeatedly
	if got := ResolveEntry(m, "work2"); got != "inner" {
		t.Errorf("nested entry = %s, want inner", got)
	}
	// non-module resolves to itself
	if got := ResolveEntry(m, "helperState"); got != "helperState" {
		t.Errorf("leaf entry = %s", got)
	}
}

func TestEffectiveCandidatesModuleFallback(t *testing.T) {
	m := loadMachine(t, `{"nodes": [
		{"name": "mod", "type": "state"},
		{"name": "leaf", "type": "task", "parent": "mod"},
		{"name": "after"}
	], "edges": [{"source": "mod", "target": "after"}]}`)

	cands := EffectiveCandidates(m, "leaf")
	if len(cands) != 1 || cands[0].Edge.Target != "after" {
		t.Errorf("fallback candidates = %+v, want module edge to after", cands)
	}
}
