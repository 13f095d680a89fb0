package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dygram/dygram-go/machine"
)

// Pure constructors over ExecutionState. Every exported builder clones
// its input and returns a new state; the inputs are never aliased into
// the result. The unexported in-place forms exist for the runtime, which
// clones once per step and then threads its private copy through them.

const defaultCycleWindow = 20

// NewInitialState builds the state for a fresh run: one active path per
// start node, empty context and barriers, limits applied.
//
// Start nodes are found by, in order: the @start annotation; a node
// named "start" (case-insensitive); nodes with outgoing edges and no
// incoming ones (context and style nodes excluded); the first executable
// node. Ties break in source order.
func NewInitialState(m *machine.Machine, limits ExecutionLimits, at time.Time) (*ExecutionState, error) {
	starts := findStartNodes(m)
	if len(starts) == 0 {
		return nil, &Error{Code: CodeNoStartNode, Message: "machine has no executable start node"}
	}
	if limits.CycleDetectionWindow == 0 {
		limits.CycleDetectionWindow = defaultCycleWindow
	}
	s := &ExecutionState{
		Version:  Version,
		Machine:  m.Clone(),
		Limits:   limits,
		Metadata: Metadata{StartTime: at},
		Context:  map[string]map[string]interface{}{},
		Barriers: map[string]*Barrier{},
	}
	for _, name := range starts {
		s.addPath(name, at, nil)
	}
	return s, nil
}

func findStartNodes(m *machine.Machine) []string {
	var annotated []string
	for _, n := range m.Nodes {
		if n.Annotation("start") != nil && n.Executable() {
			annotated = append(annotated, n.Name)
		}
	}
	if len(annotated) > 0 {
		return annotated
	}
	for _, n := range m.Nodes {
		if strings.EqualFold(n.Name, "start") && n.Executable() {
			return []string{n.Name}
		}
	}
	// Data edges from context nodes do not make a node a non-root.
	incoming := make(map[string]bool)
	for _, e := range m.Edges {
		if src := m.NodeByName(e.Source); src != nil && !src.Executable() {
			continue
		}
		incoming[e.Target] = true
	}
	var roots []string
	for _, n := range m.Nodes {
		if !n.Executable() {
			continue
		}
		if len(m.EdgesFrom(n.Name)) > 0 && !incoming[n.Name] {
			roots = append(roots, n.Name)
		}
	}
	if len(roots) > 0 {
		return roots
	}
	for _, n := range m.Nodes {
		if n.Executable() {
			return []string{n.Name}
		}
	}
	return nil
}

// addPath appends a new path with the next id and returns it.
func (s *ExecutionState) addPath(node string, at time.Time, mc *MapContext) *Path {
	p := &Path{
		ID:                   fmt.Sprintf("path-%d", s.NextPathID),
		CurrentNode:          node,
		Status:               PathActive,
		NodeInvocationCounts: map[string]int{},
		StartTime:            at,
		MapContext:           mc,
	}
	s.NextPathID++
	s.Paths = append(s.Paths, p)
	return p
}

// CreatePath returns a new state with an additional active path at the
// given node. Spawned and forked paths receive strictly increasing ids.
func CreatePath(s *ExecutionState, node string, at time.Time) *ExecutionState {
	out := s.Clone()
	out.addPath(node, at, nil)
	return out
}

// SpawnPath is CreatePath for @async edges; the originating path stays
// where it is.
func SpawnPath(s *ExecutionState, target, sourcePathID string, at time.Time) *ExecutionState {
	out := s.Clone()
	out.spawnPath(target, sourcePathID, at)
	return out
}

func (s *ExecutionState) spawnPath(target, sourcePathID string, at time.Time) *Path {
	_ = sourcePathID // recorded only through history on the source path
	return s.addPath(target, at, nil)
}

// SpawnMappedPaths fans out one active path per item, all targeting the
// same node. An empty item list is a valid no-op. Indices run 0..n-1 in
// item order.
func SpawnMappedPaths(s *ExecutionState, target, sourcePathID string, items []interface{}, mapSource, groupID string, at time.Time) *ExecutionState {
	out := s.Clone()
	out.spawnMappedPaths(target, sourcePathID, items, mapSource, groupID, at)
	return out
}

func (s *ExecutionState) spawnMappedPaths(target, sourcePathID string, items []interface{}, mapSource, groupID string, at time.Time) []*Path {
	var created []*Path
	for i, item := range items {
		created = append(created, s.addPath(target, at, &MapContext{
			SourcePathID: sourcePathID,
			MapSource:    mapSource,
			Item:         item,
			Index:        i,
			GroupID:      groupID,
		}))
	}
	return created
}

// RecordTransition appends a history record, advances the path to the
// transition target and increments the step counters.
func RecordTransition(s *ExecutionState, pathID string, t Transition) *ExecutionState {
	out := s.Clone()
	out.recordTransition(pathID, t)
	return out
}

func (s *ExecutionState) recordTransition(pathID string, t Transition) {
	p := s.Path(pathID)
	if p == nil {
		return
	}
	p.History = append(p.History, t)
	p.CurrentNode = t.To
	p.StepCount++
	s.Metadata.StepCount++
}

// IncrementNodeInvocation bumps the per-node invocation counter used by
// the safety manager.
func IncrementNodeInvocation(s *ExecutionState, pathID, node string) *ExecutionState {
	out := s.Clone()
	out.incrementNodeInvocation(pathID, node)
	return out
}

func (s *ExecutionState) incrementNodeInvocation(pathID, node string) {
	if p := s.Path(pathID); p != nil {
		if p.NodeInvocationCounts == nil {
			p.NodeInvocationCounts = map[string]int{}
		}
		p.NodeInvocationCounts[node]++
	}
}

// RecordStateVisit appends a state-node visit for cycle detection.
func RecordStateVisit(s *ExecutionState, pathID, state string, at time.Time) *ExecutionState {
	out := s.Clone()
	out.recordStateVisit(pathID, state, at)
	return out
}

func (s *ExecutionState) recordStateVisit(pathID, state string, at time.Time) {
	if p := s.Path(pathID); p != nil {
		p.StateTransitions = append(p.StateTransitions, StateVisit{State: state, Timestamp: at})
	}
}

// UpdateContextState writes one field of a context object.
func UpdateContextState(s *ExecutionState, ctx, field string, value interface{}) *ExecutionState {
	out := s.Clone()
	out.updateContextState(ctx, field, value)
	return out
}

func (s *ExecutionState) updateContextState(ctx, field string, value interface{}) {
	if s.Context == nil {
		s.Context = map[string]map[string]interface{}{}
	}
	if s.Context[ctx] == nil {
		s.Context[ctx] = map[string]interface{}{}
	}
	s.Context[ctx][field] = value
}

// SetPathStatus marks a path's status. It records no error message;
// FailPath is the builder that adds one to the metadata error list.
func SetPathStatus(s *ExecutionState, pathID string, status PathStatus) *ExecutionState {
	out := s.Clone()
	out.setPathStatus(pathID, status)
	return out
}

func (s *ExecutionState) setPathStatus(pathID string, status PathStatus) {
	if p := s.Path(pathID); p != nil {
		p.Status = status
	}
}

// FailPath marks a path failed, records the error on the metadata
// error list, and clears the path's in-flight conversation if any.
func FailPath(s *ExecutionState, pathID, msg string) *ExecutionState {
	out := s.Clone()
	out.setPathStatus(pathID, PathFailed)
	out.recordError(msg)
	if out.Turn != nil && out.Turn.PathID == pathID {
		out.Turn = nil
	}
	return out
}

func (s *ExecutionState) recordError(msg string) {
	s.Metadata.ErrorCount++
	s.Metadata.Errors = append(s.Metadata.Errors, msg)
}

// EnsureBarrier creates the named barrier on first arrival, snapshotting
// its required set. Released barriers are terminal and never reused.
func EnsureBarrier(s *ExecutionState, name string, required []string, merge bool, groups []string) *ExecutionState {
	out := s.Clone()
	out.ensureBarrier(name, required, merge, groups)
	return out
}

func (s *ExecutionState) ensureBarrier(name string, required []string, merge bool, groups []string) *Barrier {
	if b, ok := s.Barriers[name]; ok {
		return b
	}
	req := append([]string(nil), required...)
	sort.Strings(req)
	b := &Barrier{
		RequiredPaths:  req,
		Merge:          merge,
		RequiredGroups: append([]string(nil), groups...),
	}
	s.Barriers[name] = b
	return b
}

// WaitAtBarrier registers an arrival. The barrier is created lazily with
// the given required set. When the waiting set covers the required set
// the barrier releases: the arriving path continues immediately and, if
// merging, all other waiters are marked completed (their data lives in
// contextState, not in the paths).
//
// Returns the new state and whether this arrival released the barrier.
func WaitAtBarrier(s *ExecutionState, name, pathID string, required []string, merge bool, groups []string) (*ExecutionState, bool) {
	out := s.Clone()
	released := out.waitAtBarrier(name, pathID, required, merge, groups)
	return out, released
}

func (s *ExecutionState) waitAtBarrier(name, pathID string, required []string, merge bool, groups []string) bool {
	b := s.ensureBarrier(name, required, merge, groups)
	if b.IsReleased {
		return true
	}
	if !contains(b.RequiredPaths, pathID) {
		// Late-created paths can arrive at a barrier whose required set
		// was snapshotted before they existed; they join the set.
		b.RequiredPaths = append(b.RequiredPaths, pathID)
		sort.Strings(b.RequiredPaths)
	}
	if !contains(b.WaitingPaths, pathID) {
		b.WaitingPaths = append(b.WaitingPaths, pathID)
		sort.Strings(b.WaitingPaths)
	}
	if len(b.WaitingPaths) >= len(b.RequiredPaths) {
		b.IsReleased = true
		if b.Merge {
			for _, id := range b.WaitingPaths {
				if id == pathID {
					continue
				}
				s.setPathStatus(id, PathCompleted)
			}
		} else {
			for _, id := range b.WaitingPaths {
				if id == pathID {
					continue
				}
				if p := s.Path(id); p != nil && p.Status == PathWaiting {
					p.Status = PathActive
				}
			}
		}
		return true
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// UpdateMachineSnapshot replaces the machine snapshot. Meta-tools mutate
// the machine through this constructor only; the caller's input machine
// is never touched.
func UpdateMachineSnapshot(s *ExecutionState, m *machine.Machine) *ExecutionState {
	out := s.Clone()
	out.Machine = m.Clone()
	return out
}

// SetTurnState installs or clears the in-flight agent conversation.
func SetTurnState(s *ExecutionState, ts *TurnState) *ExecutionState {
	out := s.Clone()
	out.Turn = ts
	return out
}
