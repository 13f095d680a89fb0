package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/dygram/dygram-go/machine"
)

// StepStatus aggregates a step's outcome across all paths.
type StepStatus string

const (
	StatusContinue StepStatus = "continue"
	StatusWaiting  StepStatus = "waiting"
	StatusComplete StepStatus = "complete"
	StatusError    StepStatus = "error"
)

// StepResult is the outcome of one step: the next immutable state, the
// effects for the executor, and the aggregate status.
type StepResult struct {
	State   *ExecutionState
	Effects []Effect
	Status  StepStatus
}

// Runtime is the pure step function over all active paths. It performs
// no I/O: LLM calls, logging and persistence are returned as effects.
type Runtime struct {
	// Clock supplies timestamps for history records. Tests inject a
	// fixed clock; purity holds modulo these timestamps.
	Clock func() time.Time

	// OnlyPath, when set to an active path id, restricts the step to
	// that single path. Round-robin --step-path mode uses it; an id
	// that is not active falls back to all paths.
	OnlyPath string
}

// NewRuntime returns a runtime using the wall clock.
func NewRuntime() *Runtime {
	return &Runtime{Clock: time.Now}
}

// Step consumes a state and produces the next one plus a batch of
// effects. The input state is never mutated; the runtime clones once
// and threads its private copy through the in-place constructors.
func (r *Runtime) Step(s *ExecutionState) StepResult {
	now := r.Clock()
	next := s.Clone()
	next.Metadata.ElapsedTime = now.Sub(next.Metadata.StartTime)

	var effects []Effect
	if err := next.CheckInvariants(); err != nil {
		for _, p := range next.Paths {
			if p.Status == PathActive || p.Status == PathWaiting {
				p.Status = PathFailed
			}
		}
		next.recordError(err.Error())
		effects = append(effects, ErrorEffect{Err: err})
		return StepResult{State: next, Effects: effects, Status: StatusError}
	}

	active := next.ActivePaths()
	if r.OnlyPath != "" {
		for _, p := range active {
			if p.ID == r.OnlyPath {
				active = []*Path{p}
				break
			}
		}
	}
	if len(active) == 0 && next.Terminal() {
		effects = append(effects, Complete{FinalState: next})
		return StepResult{State: next, Effects: effects, Status: StatusComplete}
	}

	mode := next.Machine.ErrorHandlingMode()
	advanced := false
	for _, p := range active {
		if p.Status != PathActive {
			// A barrier merge or fail-fast cancellation triggered by an
			// earlier path in this same step.
			continue
		}
		stepped, fx := r.stepPath(next, p, now, mode)
		effects = append(effects, fx...)
		advanced = advanced || stepped
	}

	for _, p := range next.WaitingPaths() {
		if p.Status == PathWaiting {
			return StepResult{State: next, Effects: effects, Status: StatusWaiting}
		}
	}
	if next.Terminal() {
		effects = append(effects, Complete{FinalState: next})
		return StepResult{State: next, Effects: effects, Status: StatusComplete}
	}
	if advanced {
		return StepResult{State: next, Effects: effects, Status: StatusContinue}
	}
	// Active paths that made no progress: nothing automated applies and
	// no agent work was produced, which the per-path logic prevents.
	return StepResult{State: next, Effects: effects, Status: StatusContinue}
}

// stepPath advances one path. Returns whether the path made progress.
func (r *Runtime) stepPath(next *ExecutionState, p *Path, now time.Time, mode string) (bool, []Effect) {
	var effects []Effect

	node := next.Machine.NodeByName(p.CurrentNode)
	if node == nil {
		err := &Error{Code: CodeNodeNotFound, Message: fmt.Sprintf("path %s references unknown node %s", p.ID, p.CurrentNode)}
		next.recordError(err.Error())
		p.Status = PathFailed
		effects = append(effects, ErrorEffect{Err: err, PathID: p.ID, NodeName: p.CurrentNode})
		return false, effects
	}

	if err := CheckLimits(next, p, now); err != nil {
		next.recordError(err.Error())
		p.Status = PathFailed
		effects = append(effects, ErrorEffect{Err: err, PathID: p.ID, NodeName: node.Name})
		if mode == "fail-fast" {
			for _, other := range next.Paths {
				if other.ID != p.ID && (other.Status == PathActive || other.Status == PathWaiting) {
					other.Status = PathCancelled
				}
			}
			effects = append(effects, logf(LevelWarn, CategorySafety, "fail-fast: cancelling remaining paths", nil))
		}
		return false, effects
	}

	next.incrementNodeInvocation(p.ID, node.Name)
	// Arrivals record their state visit in applyTransition; only the
	// run's very first node needs recording here.
	if node.EffectiveType() == machine.TypeState && len(p.History) == 0 && p.NodeInvocationCounts[node.Name] == 1 {
		next.recordStateVisit(p.ID, node.Name, now)
	}

	proc := machine.Process(node.Annotations)
	for _, w := range proc.Warnings {
		effects = append(effects, logf(LevelWarn, CategoryAnnotation, w, map[string]interface{}{"node": node.Name}))
	}

	env, perms := BuildEnv(next, p, node)
	candidates := EffectiveCandidates(next.Machine, node.Name)

	// Spawn every @async edge whose condition holds and which this path
	// has not already spawned. The originating path stays at the node;
	// the spawn is recorded as a self-transition so it is not repeated.
	spawnedAny := false
	var remaining []Candidate
	for i := range candidates {
		c := candidates[i]
		if c.Processed.Async == nil {
			remaining = append(remaining, c)
			continue
		}
		if hasSpawned(p, c.Edge.Target) {
			continue
		}
		ok, err := EvalCondition(c.Condition, env)
		if err != nil {
			effects = append(effects, logf(LevelWarn, CategoryTransition, err.Error(), map[string]interface{}{"node": node.Name}))
			continue
		}
		if !ok {
			continue
		}
		entry := ResolveEntry(next.Machine, c.Edge.Target)
		spawned := next.spawnPath(entry, p.ID, now)
		next.recordTransition(p.ID, Transition{
			From:       node.Name,
			To:         node.Name,
			Transition: "spawn:" + c.Edge.Target,
			Timestamp:  now,
		})
		effects = append(effects, logf(LevelInfo, CategorySpawn, "spawned async path", map[string]interface{}{
			"path":   spawned.ID,
			"source": p.ID,
			"target": entry,
		}))
		spawnedAny = true
	}

	sel := EvaluateTransition(next, node, remaining, env)
	for _, w := range sel.Warnings {
		effects = append(effects, logf(LevelWarn, CategoryTransition, w, map[string]interface{}{"node": node.Name}))
	}

	if sel.Candidate != nil {
		c := sel.Candidate
		switch {
		case c.Processed.Map != nil:
			fx := r.applyMapFanOut(next, p, node, c, c.Processed.Map, nil, env, now)
			return true, append(effects, fx...)
		case c.Processed.Barrier != nil:
			released, fx := r.applyBarrier(next, p, node, c, now)
			return released, append(effects, fx...)
		default:
			fx := r.applyTransition(next, p, node, c.Edge.Target, "auto", now)
			return true, append(effects, fx...)
		}
	}

	// @parallel fork: no automated transition, fork one path per
	// outbound @parallel edge and complete the originator.
	var forks []Candidate
	for i := range remaining {
		if remaining[i].Processed.Parallel {
			forks = append(forks, remaining[i])
		}
	}
	if len(forks) > 0 {
		for _, f := range forks {
			entry := ResolveEntry(next.Machine, f.Edge.Target)
			forked := next.addPath(entry, now, nil)
			effects = append(effects, logf(LevelInfo, CategorySpawn, "forked parallel path", map[string]interface{}{
				"path":   forked.ID,
				"source": p.ID,
				"target": entry,
			}))
		}
		p.Status = PathCompleted
		return true, effects
	}

	// Agent decision. With exactly one transition tool and nothing
	// else there is no decision to make; auto-take it.
	agentCandidates := nonAutomatedCandidates(remaining)
	if len(agentCandidates) > 0 || node.Prompt() != "" {
		plan := SynthesizeTools(next, node, agentCandidates, perms)
		// A single transition tool with nothing else offers no real
		// decision; take it without a model round trip.
		if target, ok := plan.OnlyTransition(); ok {
			fx := r.applyTransition(next, p, node, target, "auto", now)
			return true, append(effects, fx...)
		}
		if len(plan.Specs) > 0 || node.Prompt() != "" {
			prompt := BuildSystemPrompt(next, node, agentCandidates, env, perms)
			modelID := node.AttributeText("model")
			p.Status = PathWaiting
			effects = append(effects, InvokeLLM{
				PathID:   p.ID,
				NodeName: node.Name,
				Prompt:   prompt,
				Tools:    plan.Specs,
				Plan:     plan,
				ModelID:  modelID,
			})
			return true, effects
		}
	}

	// Generated code task.
	if code := node.AttributeText("code"); code != "" {
		p.Status = PathWaiting
		effects = append(effects, CodeTask{
			PathID:   p.ID,
			TaskNode: node.Name,
			Input:    env,
		})
		return true, effects
	}

	// No outbound edges left: terminal node. A node whose only edges
	// were consumed by spawning completes once the spawns are done.
	if len(remaining) == 0 {
		p.Status = PathCompleted
		if proc.Checkpoint != nil {
			effects = append(effects, Checkpoint{Description: proc.Checkpoint.Description})
		}
		effects = append(effects, logf(LevelInfo, CategoryRuntime, "path completed", map[string]interface{}{
			"path": p.ID,
			"node": node.Name,
		}))
		return true, effects
	}

	// Outbound edges exist but none is takable now: conditions all
	// false. The path idles this step and re-evaluates on the next.
	return spawnedAny, effects
}

// nonAutomatedCandidates filters out @auto edges, which belong to the
// deterministic evaluator. Every other edge, conditional ones included,
// stays in the agent's choice set.
func nonAutomatedCandidates(candidates []Candidate) []Candidate {
	var out []Candidate
	for i := range candidates {
		if candidates[i].Processed.Auto {
			continue
		}
		out = append(out, candidates[i])
	}
	return out
}

// hasSpawned reports whether the path already spawned toward target,
// recorded as a spawn self-transition in its history.
func hasSpawned(p *Path, target string) bool {
	marker := "spawn:" + target
	for _, t := range p.History {
		if t.Transition == marker {
			return true
		}
	}
	return false
}

// applyTransition records a transition into target (descending into
// modules) and emits the transition log plus any checkpoint request.
func (r *Runtime) applyTransition(next *ExecutionState, p *Path, node *machine.Node, target, kind string, now time.Time) []Effect {
	var effects []Effect
	entry := ResolveEntry(next.Machine, target)
	next.recordTransition(p.ID, Transition{
		From:       node.Name,
		To:         entry,
		Transition: kind,
		Timestamp:  now,
	})
	if tgt := next.Machine.NodeByName(entry); tgt != nil && tgt.EffectiveType() == machine.TypeState {
		next.recordStateVisit(p.ID, entry, now)
	}
	effects = append(effects, logf(LevelDebug, CategoryTransition, "transition", map[string]interface{}{
		"path": p.ID,
		"from": node.Name,
		"to":   entry,
	}))
	if proc := machine.Process(node.Annotations); proc.Checkpoint != nil {
		effects = append(effects, Checkpoint{Description: proc.Checkpoint.Description})
	}
	return effects
}

// applyMapFanOut spawns one path per item of the resolved collection
// and completes the dispatching path. items may be pre-resolved (agent
// map tools pass them explicitly); otherwise the annotation source is
// resolved against the environment.
func (r *Runtime) applyMapFanOut(next *ExecutionState, p *Path, node *machine.Node, c *Candidate, cfg *machine.MapConfig, items []interface{}, env map[string]interface{}, now time.Time) []Effect {
	var effects []Effect
	source := cfg.Source
	if items == nil {
		items = ResolveCollection(env, source)
	}
	groupID := cfg.Group
	if groupID == "" {
		groupID = MapGroupID(source)
	}
	entry := ResolveEntry(next.Machine, c.Edge.Target)
	created := next.spawnMappedPaths(entry, p.ID, items, source, groupID, now)
	next.recordTransition(p.ID, Transition{
		From:       node.Name,
		To:         node.Name,
		Transition: "map:" + c.Edge.Target,
		Timestamp:  now,
	})
	p.Status = PathCompleted
	effects = append(effects, logf(LevelInfo, CategorySpawn, "map fan-out", map[string]interface{}{
		"path":   p.ID,
		"source": source,
		"group":  groupID,
		"count":  len(created),
	}))
	return effects
}

// applyBarrier registers the path's arrival. On release the arriving
// path transitions through; non-merge waiters are reactivated and
// transitioned as well, merge waiters are completed by the builder.
func (r *Runtime) applyBarrier(next *ExecutionState, p *Path, node *machine.Node, c *Candidate, now time.Time) (bool, []Effect) {
	var effects []Effect
	cfg := c.Processed.Barrier
	name := cfg.Name
	if name == "" {
		name = c.Edge.Target
	}

	var required []string
	var groups []string
	if cfg.Group != "" {
		groups = []string{cfg.Group}
		for _, gp := range next.GroupPaths(cfg.Group) {
			required = append(required, gp.ID)
		}
	} else {
		required = eligibleBarrierPaths(next, name)
	}

	released := next.waitAtBarrier(name, p.ID, required, cfg.Merge, groups)
	if !released {
		p.Status = PathWaiting
		effects = append(effects, logf(LevelDebug, CategoryBarrier, "waiting at barrier", map[string]interface{}{
			"path":    p.ID,
			"barrier": name,
		}))
		return false, effects
	}

	effects = append(effects, logf(LevelInfo, CategoryBarrier, "barrier released", map[string]interface{}{
		"barrier": name,
		"path":    p.ID,
	}))
	effects = append(effects, r.applyTransition(next, p, node, c.Edge.Target, "barrier:"+name, now)...)

	if !cfg.Merge {
		b := next.Barriers[name]
		for _, id := range b.WaitingPaths {
			if id == p.ID {
				continue
			}
			waiter := next.Path(id)
			if waiter == nil || waiter.Status != PathActive {
				continue
			}
			wNode := next.Machine.NodeByName(waiter.CurrentNode)
			if wNode == nil {
				continue
			}
			if edge := barrierEdge(next, waiter.CurrentNode, name); edge != nil {
				effects = append(effects, r.applyTransition(next, waiter, wNode, edge.Target, "barrier:"+name, now)...)
			}
		}
	}
	return true, effects
}

// eligibleBarrierPaths snapshots the required set at barrier creation:
// live paths positioned on a node with an outbound edge carrying the
// same barrier name.
func eligibleBarrierPaths(s *ExecutionState, name string) []string {
	var out []string
	for _, p := range s.Paths {
		if p.Status != PathActive && p.Status != PathWaiting {
			continue
		}
		if barrierEdge(s, p.CurrentNode, name) != nil {
			out = append(out, p.ID)
		}
	}
	return out
}

// barrierEdge finds the outbound edge of node carrying the named
// barrier, or nil.
func barrierEdge(s *ExecutionState, nodeName, barrierName string) *machine.Edge {
	for _, c := range Candidates(s.Machine, nodeName) {
		if c.Processed.Barrier == nil {
			continue
		}
		n := c.Processed.Barrier.Name
		if n == "" {
			n = c.Edge.Target
		}
		if n == barrierName {
			e := c.Edge
			return &e
		}
	}
	return nil
}

// MapGroupID derives the default fan-out group id from a qualified
// collection name.
func MapGroupID(source string) string {
	return strings.ReplaceAll(source, ".", "_")
}

// ResolveCollection resolves a qualified collection name (Ctx.items)
// against the environment to a value list. Non-list values resolve to
// nil.
func ResolveCollection(env map[string]interface{}, qualified string) []interface{} {
	parts := strings.SplitN(qualified, ".", 2)
	var v interface{}
	if len(parts) == 2 {
		container, ok := env[parts[0]].(map[string]interface{})
		if !ok {
			return nil
		}
		v = container[parts[1]]
	} else {
		v = env[qualified]
	}
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	return items
}

// ApplyAgentResult folds an agent conversation's outcome back into the
// state: the chosen transition is recorded (or the path completes when
// the agent ended without one), the turn state clears, and the path
// reactivates.
func ApplyAgentResult(s *ExecutionState, result AgentResult, at time.Time) *ExecutionState {
	next := s.Clone()
	p := next.Path(result.PathID)
	if p == nil {
		return next
	}
	if next.Turn != nil && next.Turn.PathID == result.PathID {
		next.Turn = nil
	}
	node := next.Machine.NodeByName(p.CurrentNode)
	if result.NextNode != "" && node != nil {
		entry := ResolveEntry(next.Machine, result.NextNode)
		next.recordTransition(p.ID, Transition{
			From:       node.Name,
			To:         entry,
			Transition: "agent",
			Timestamp:  at,
			Output:     result.Output,
		})
		if tgt := next.Machine.NodeByName(entry); tgt != nil && tgt.EffectiveType() == machine.TypeState {
			next.recordStateVisit(p.ID, entry, at)
		}
		p.Status = PathActive
		return next
	}
	// The agent finished without selecting a transition: terminal for
	// this path.
	p.Status = PathCompleted
	return next
}
