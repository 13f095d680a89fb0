// Package engine implements the functional execution runtime: an
// immutable execution state, pure constructors over it, deterministic
// transition evaluation, and a step function that yields effect
// descriptions for the imperative shell to perform.
package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dygram/dygram-go/machine"
	"github.com/dygram/dygram-go/model"
)

// Version stamps every serialized execution state. Consumers warn, not
// fail, on mismatch.
const Version = "2.0.0"

// PathStatus enumerates the lifecycle of a path.
type PathStatus string

const (
	PathActive    PathStatus = "active"
	PathWaiting   PathStatus = "waiting"
	PathCompleted PathStatus = "completed"
	PathFailed    PathStatus = "failed"
	PathCancelled PathStatus = "cancelled"
)

// Transition is one history record of a path.
type Transition struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Transition string    `json:"transition"`
	Timestamp  time.Time `json:"timestamp"`
	Output     string    `json:"output,omitempty"`
}

// StateVisit records a visit to a state node, feeding cycle detection.
type StateVisit struct {
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// MapContext identifies a path created by map fan-out.
type MapContext struct {
	SourcePathID string      `json:"sourcePathId"`
	MapSource    string      `json:"mapSource"`
	Item         interface{} `json:"item"`
	Index        int         `json:"index"`
	GroupID      string      `json:"groupId"`
}

// Path is one independent flow through the graph. A run may hold many
// concurrently; the runtime processes them in ascending id order.
type Path struct {
	ID                   string         `json:"id"`
	CurrentNode          string         `json:"currentNode"`
	Status               PathStatus     `json:"status"`
	History              []Transition   `json:"history"`
	StepCount            int            `json:"stepCount"`
	NodeInvocationCounts map[string]int `json:"nodeInvocationCounts"`
	StateTransitions     []StateVisit   `json:"stateTransitions"`
	StartTime            time.Time      `json:"startTime"`
	MapContext           *MapContext    `json:"mapContext,omitempty"`
}

// Barrier is a named rendezvous. Its required set is snapshotted at
// first arrival and the barrier is terminal once released.
type Barrier struct {
	RequiredPaths  []string `json:"requiredPaths"`
	WaitingPaths   []string `json:"waitingPaths"`
	IsReleased     bool     `json:"isReleased"`
	Merge          bool     `json:"merge"`
	RequiredGroups []string `json:"requiredGroups,omitempty"`
}

// ExecutionLimits bounds a run. Zero values disable the corresponding
// limit, except CycleDetectionWindow which defaults at state creation.
type ExecutionLimits struct {
	MaxSteps             int           `json:"maxSteps"`
	MaxNodeInvocations   int           `json:"maxNodeInvocations"`
	Timeout              time.Duration `json:"timeout"`
	CycleDetectionWindow int           `json:"cycleDetectionWindow"`
}

// Metadata aggregates run-level counters.
type Metadata struct {
	StepCount   int           `json:"stepCount"`
	StartTime   time.Time     `json:"startTime"`
	ElapsedTime time.Duration `json:"elapsedTime"`
	ErrorCount  int           `json:"errorCount"`
	Errors      []string      `json:"errors,omitempty"`
}

// ToolExecution records one tool dispatch inside a turn.
type ToolExecution struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Input     map[string]interface{} `json:"input,omitempty"`
	Output    interface{}            `json:"output,omitempty"`
	IsError   bool                   `json:"isError,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ConversationState is the serializable message history of an in-flight
// agent conversation. Messages hold the provider-neutral chat format,
// so a resumed conversation replays against any adapter.
type ConversationState struct {
	Messages        []model.Message `json:"messages"`
	Tools           []string        `json:"tools"`
	ToolExecutions  []ToolExecution `json:"toolExecutions"`
	AccumulatedText string          `json:"accumulatedText"`
}

// TurnState is an agent conversation in progress. It is serialized with
// the rest of the state so a paused run can resume mid-conversation.
type TurnState struct {
	PathID           string            `json:"pathId"`
	NodeName         string            `json:"nodeName"`
	Conversation     ConversationState `json:"conversationState"`
	TurnCount        int               `json:"turnCount"`
	IsWaitingForTurn bool              `json:"isWaitingForTurn"`
	SystemPrompt     string            `json:"systemPrompt"`
	ModelID          string            `json:"modelId,omitempty"`
}

// ExecutionState is the complete, deeply cloneable state of a run.
// It holds no live references: the machine snapshot, paths, barriers and
// context values all survive a JSON round-trip unchanged.
type ExecutionState struct {
	Version    string                            `json:"version"`
	Machine    *machine.Machine                  `json:"machineSnapshot"`
	Paths      []*Path                           `json:"paths"`
	Limits     ExecutionLimits                   `json:"limits"`
	Metadata   Metadata                          `json:"metadata"`
	Context    map[string]map[string]interface{} `json:"contextState"`
	Barriers   map[string]*Barrier               `json:"barriers"`
	Turn       *TurnState                        `json:"turnState,omitempty"`
	NextPathID int                               `json:"nextPathId"`
}

// Path returns the identified path, or nil.
func (s *ExecutionState) Path(id string) *Path {
	for _, p := range s.Paths {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// ActivePaths returns paths with status active, in ascending id order.
// Paths is append-only and ids are issued in increasing order, so slice
// order is id order.
func (s *ExecutionState) ActivePaths() []*Path {
	var out []*Path
	for _, p := range s.Paths {
		if p.Status == PathActive {
			out = append(out, p)
		}
	}
	return out
}

// WaitingPaths returns paths with status waiting.
func (s *ExecutionState) WaitingPaths() []*Path {
	var out []*Path
	for _, p := range s.Paths {
		if p.Status == PathWaiting {
			out = append(out, p)
		}
	}
	return out
}

// Terminal reports whether no path can make further progress.
func (s *ExecutionState) Terminal() bool {
	for _, p := range s.Paths {
		if p.Status == PathActive || p.Status == PathWaiting {
			return false
		}
	}
	return true
}

// GroupPaths returns every path fanned out under the named map group,
// regardless of status.
func (s *ExecutionState) GroupPaths(groupID string) []*Path {
	var out []*Path
	for _, p := range s.Paths {
		if p.MapContext != nil && p.MapContext.GroupID == groupID {
			out = append(out, p)
		}
	}
	return out
}

// Clone deep-copies the state via a JSON round-trip, the same mechanism
// used for branch isolation in fan-out.
func (s *ExecutionState) Clone() *ExecutionState {
	data, err := json.Marshal(s)
	if err != nil {
		panic("engine: clone marshal: " + err.Error())
	}
	var out ExecutionState
	if err := json.Unmarshal(data, &out); err != nil {
		panic("engine: clone unmarshal: " + err.Error())
	}
	return &out
}

// Serialize encodes the state for persistence.
func (s *ExecutionState) Serialize() ([]byte, error) {
	return json.Marshal(s)
}

// Deserialize decodes a persisted state and checks its invariants.
func Deserialize(data []byte) (*ExecutionState, error) {
	var s ExecutionState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid execution state: %w", err)
	}
	if err := s.CheckInvariants(); err != nil {
		return nil, err
	}
	return &s, nil
}

// CheckInvariants verifies the structural invariants of the state.
// A violation is fatal: the engine halts all paths rather than continue
// from a corrupt state.
func (s *ExecutionState) CheckInvariants() error {
	total := 0
	for _, p := range s.Paths {
		if s.Machine != nil && s.Machine.NodeByName(p.CurrentNode) == nil {
			return &Error{
				Code:    CodeInvariant,
				Message: fmt.Sprintf("path %s is at unknown node %s", p.ID, p.CurrentNode),
			}
		}
		if p.StepCount != len(p.History) {
			return &Error{
				Code:    CodeInvariant,
				Message: fmt.Sprintf("path %s stepCount %d != history length %d", p.ID, p.StepCount, len(p.History)),
			}
		}
		if n := len(p.History); n > 0 && p.History[n-1].To != p.CurrentNode {
			return &Error{
				Code:    CodeInvariant,
				Message: fmt.Sprintf("path %s currentNode %s does not match last transition %s", p.ID, p.CurrentNode, p.History[n-1].To),
			}
		}
		total += p.StepCount
	}
	if s.Metadata.StepCount != total {
		return &Error{
			Code:    CodeInvariant,
			Message: fmt.Sprintf("metadata stepCount %d != sum of path steps %d", s.Metadata.StepCount, total),
		}
	}
	for name, b := range s.Barriers {
		required := make(map[string]bool, len(b.RequiredPaths))
		for _, id := range b.RequiredPaths {
			required[id] = true
		}
		for _, id := range b.WaitingPaths {
			if !required[id] {
				return &Error{
					Code:    CodeInvariant,
					Message: fmt.Sprintf("barrier %s waiter %s not in required set", name, id),
				}
			}
		}
		if b.IsReleased && len(b.WaitingPaths) != len(b.RequiredPaths) {
			return &Error{
				Code:    CodeInvariant,
				Message: fmt.Sprintf("barrier %s released with incomplete waiting set", name),
			}
		}
	}
	if s.Machine != nil {
		for name := range s.Context {
			n := s.Machine.NodeByName(name)
			if n == nil || n.EffectiveType() != machine.TypeContext {
				return &Error{
					Code:    CodeInvariant,
					Message: fmt.Sprintf("contextState key %s is not a context node", name),
				}
			}
		}
	}
	return nil
}
