package engine

import (
	"github.com/dygram/dygram-go/machine"
)

// Deterministic transition selection. The evaluator picks the next edge
// for a path without consulting an agent, or reports that none applies
// (agent needed, or terminal).

// Candidate pairs a control edge with its processed annotations and
// extracted condition.
type Candidate struct {
	Edge      machine.Edge
	Processed machine.Processed
	Condition string
}

// Candidates returns a node's outbound control edges in source order.
// Edges to or from context nodes carry permissions, not control flow,
// and are excluded.
func Candidates(m *machine.Machine, nodeName string) []Candidate {
	var out []Candidate
	for _, e := range m.EdgesFrom(nodeName) {
		tgt := m.NodeByName(e.Target)
		if tgt == nil || !tgt.Executable() {
			continue
		}
		proc := machine.Process(e.Annotations)
		when := ""
		if a := e.Annotation("when"); a != nil {
			when = a.Value
		}
		out = append(out, Candidate{
			Edge:      e,
			Processed: proc,
			Condition: ConditionFromEdge(e.Label, when),
		})
	}
	return out
}

// Selection is the outcome of automated transition evaluation.
type Selection struct {
	Candidate *Candidate

	// Warnings holds condition evaluation failures; conditions fail
	// closed and the failures surface as log effects.
	Warnings []string
}

// EvaluateTransition applies the deterministic selection rules:
//
//  1. A single outbound edge from a state, init, or promptless task is
//     taken when its condition holds.
//  2. Otherwise the first @auto edge whose condition holds.
//  3. Otherwise the first edge whose condition is simple and holds.
//  4. Otherwise none: the node needs an agent, or is terminal.
func EvaluateTransition(s *ExecutionState, node *machine.Node, candidates []Candidate, env map[string]interface{}) Selection {
	var sel Selection
	holds := func(c *Candidate) bool {
		ok, err := EvalCondition(c.Condition, env)
		if err != nil {
			sel.Warnings = append(sel.Warnings, err.Error())
			return false
		}
		return ok
	}

	if len(candidates) == 1 && deterministicNode(node) {
		if holds(&candidates[0]) {
			sel.Candidate = &candidates[0]
			return sel
		}
	}
	for i := range candidates {
		if candidates[i].Processed.Auto && holds(&candidates[i]) {
			sel.Candidate = &candidates[i]
			return sel
		}
	}
	for i := range candidates {
		if candidates[i].Condition != "" && IsSimpleCondition(candidates[i].Condition) && holds(&candidates[i]) {
			sel.Candidate = &candidates[i]
			return sel
		}
	}
	return sel
}

// deterministicNode reports whether a node advances without agent work:
// states, inits, and tasks without a prompt.
func deterministicNode(n *machine.Node) bool {
	switch n.EffectiveType() {
	case machine.TypeState, machine.TypeInit:
		return true
	case machine.TypeTask:
		return n.Prompt() == ""
	default:
		return false
	}
}

// ResolveEntry descends into module targets: a state with children is
// entered at its first child by priority task > state > any
// non-context, repeating while the chosen child is itself a module.
func ResolveEntry(m *machine.Machine, target string) string {
	current := target
	for m.IsModule(current) {
		children := m.Children(current)
		child := pickEntryChild(children)
		if child == "" {
			return current
		}
		current = child
	}
	return current
}

func pickEntryChild(children []machine.Node) string {
	for _, c := range children {
		if c.EffectiveType() == machine.TypeTask {
			return c.Name
		}
	}
	for _, c := range children {
		if c.EffectiveType() == machine.TypeState {
			return c.Name
		}
	}
	for _, c := range children {
		if c.EffectiveType() != machine.TypeContext {
			return c.Name
		}
	}
	return ""
}

// EffectiveCandidates returns a node's control edges, falling back to
// the enclosing module's edges when a terminal node sits inside one.
func EffectiveCandidates(m *machine.Machine, nodeName string) []Candidate {
	cands := Candidates(m, nodeName)
	if len(cands) > 0 {
		return cands
	}
	node := m.NodeByName(nodeName)
	for node != nil && node.Parent != "" {
		cands = Candidates(m, node.Parent)
		if len(cands) > 0 {
			return cands
		}
		node = m.NodeByName(node.Parent)
	}
	return nil
}
