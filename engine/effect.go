package engine

import (
	"github.com/dygram/dygram-go/model"
)

// Effects are descriptions of work for the imperative shell. The step
// function never performs I/O; it returns effects and the effect
// executor carries them out.

// Effect is the tagged-variant interface implemented by every effect.
type Effect interface{ isEffect() }

// InvokeLLM asks the executor to run an agent conversation for a path
// parked at a node.
type InvokeLLM struct {
	PathID   string
	NodeName string

	// Prompt is the assembled system prompt.
	Prompt string

	// Tools is the synthesized tool set for the conversation.
	Tools []model.ToolSpec

	// Plan is the dispatch table behind Tools. Effects are transient;
	// the plan never persists.
	Plan *ToolPlan

	// ModelID overrides the executor's default model when non-empty.
	ModelID string
}

// CodeTask asks the executor to run a generated code task.
type CodeTask struct {
	PathID   string
	TaskNode string
	Input    map[string]interface{}

	// FilePath locates the machine source on disk when known; code
	// runners may use it to resolve relative imports.
	FilePath string
}

// Log carries a structured log line to the emitter.
type Log struct {
	Level    string
	Category string
	Message  string
	Data     map[string]interface{}
}

// Checkpoint requests a durable state snapshot.
type Checkpoint struct {
	Description string
}

// Complete signals that every path reached a terminal status.
type Complete struct {
	FinalState *ExecutionState
}

// ErrorEffect reports a failure attributable to a path or node.
type ErrorEffect struct {
	Err      error
	PathID   string
	NodeName string
}

func (InvokeLLM) isEffect()   {}
func (CodeTask) isEffect()    {}
func (Log) isEffect()         {}
func (Checkpoint) isEffect()  {}
func (Complete) isEffect()    {}
func (ErrorEffect) isEffect() {}

// Log levels and categories used by the runtime.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"

	CategoryRuntime    = "runtime"
	CategoryTransition = "transition"
	CategoryBarrier    = "barrier"
	CategorySpawn      = "spawn"
	CategoryAgent      = "agent"
	CategoryAnnotation = "annotation"
	CategorySafety     = "safety"
)

func logf(level, category, msg string, data map[string]interface{}) Log {
	return Log{Level: level, Category: category, Message: msg, Data: data}
}

// AgentResult is what the executor feeds back after an agent
// conversation completes: the accumulated output, the transition the
// agent selected (if any), and the tool executions of the conversation.
type AgentResult struct {
	PathID         string
	Output         string
	NextNode       string
	ToolExecutions []ToolExecution
}

// ToolExecutionLimit caps recorded executions kept on a turn state so a
// runaway conversation cannot grow the snapshot without bound.
const ToolExecutionLimit = 256
