// Package session persists per-execution state so runs can pause and
// resume across process restarts: metadata, state snapshot, machine
// snapshot and turn history, keyed by execution id, with a "last"
// pointer to the most recent run.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dygram/dygram-go/engine"
	"github.com/dygram/dygram-go/machine"
)

// ErrNotFound is returned when an execution id does not exist.
var ErrNotFound = errors.New("not found")

// Execution statuses recorded in metadata and the state file.
const (
	StatusRunning   = "running"
	StatusWaiting   = "waiting"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Execution modes.
const (
	ModeAuto        = "auto"
	ModeInteractive = "interactive"
	ModePlayback    = "playback"
)

// ClientConfig is the model client configuration captured with the run
// so a resume talks to the same provider.
type ClientConfig struct {
	Provider string `json:"provider,omitempty" yaml:"provider"`
	ModelID  string `json:"modelId,omitempty" yaml:"model"`
}

// Usage accumulates token and cost totals for the run.
type Usage struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
}

// Metadata is the small, frequently written per-run record.
type Metadata struct {
	ID             string       `json:"id"`
	Source         string       `json:"source"` // machine file path or "stdin"
	StartedAt      time.Time    `json:"startedAt"`
	LastExecutedAt time.Time    `json:"lastExecutedAt"`
	StepCount      int          `json:"stepCount"`
	TurnCount      int          `json:"turnCount"`
	PathCount      int          `json:"pathCount"`
	Status         string       `json:"status"`
	Mode           string       `json:"mode"`
	Client         ClientConfig `json:"client"`

	// NextStepPath is the path id the round-robin --step-path mode
	// serves next.
	NextStepPath string `json:"nextStepPath,omitempty"`

	Usage Usage `json:"usage"`
}

// StateFile is the durable state snapshot with its header. Consumers
// check Version and warn, not fail, on mismatch.
type StateFile struct {
	Version     string                 `json:"version"`
	MachineHash string                 `json:"machineHash"`
	State       *engine.ExecutionState `json:"executionState"`
	Status      string                 `json:"status"`
	LastUpdated time.Time              `json:"lastUpdated"`
}

// TurnRecord is one line of the append-only turn history.
type TurnRecord struct {
	Turn      int       `json:"turn"`
	Timestamp time.Time `json:"timestamp"`
	Node      string    `json:"node"`
	PathID    string    `json:"pathId,omitempty"`
	Tools     []string  `json:"tools"`
	Output    string    `json:"output,omitempty"`
	Status    string    `json:"status"`

	// RequestID correlates the record with emitted events and
	// recorded LLM I/O.
	RequestID string `json:"requestId,omitempty"`
}

// Store is the persistence interface behind the session layer.
// Backends: filesystem (the canonical .dygram layout), sqlite, mysql,
// memory (tests). Every save is atomic per record.
type Store interface {
	SaveMetadata(ctx context.Context, md *Metadata) error
	LoadMetadata(ctx context.Context, id string) (*Metadata, error)

	SaveState(ctx context.Context, id string, sf *StateFile) error
	LoadState(ctx context.Context, id string) (*StateFile, error)

	SaveMachine(ctx context.Context, id string, m *machine.Machine) error
	LoadMachine(ctx context.Context, id string) (*machine.Machine, error)

	AppendTurn(ctx context.Context, id string, rec TurnRecord) error
	LoadHistory(ctx context.Context, id string) ([]TurnRecord, error)

	// List returns metadata for every stored execution, newest first.
	List(ctx context.Context) ([]*Metadata, error)

	// Remove deletes one execution.
	Remove(ctx context.Context, id string) error

	// Clean removes terminal executions, or all of them. Returns how
	// many were removed.
	Clean(ctx context.Context, all bool) (int, error)

	// SetLast points the "last" alias at the given id.
	SetLast(ctx context.Context, id string) error

	// Last resolves the "last" alias. ErrNotFound when unset.
	Last(ctx context.Context) (string, error)
}

// NewExecutionID builds the timestamped execution id used for run
// directories.
func NewExecutionID(at time.Time) string {
	return "exec-" + at.Format("20060102-150405")
}

// ResumeResult is the reconstructed runtime state of a persisted run.
type ResumeResult struct {
	State    *engine.ExecutionState
	Metadata *Metadata

	// Warning is non-empty when the persisted schema version differs
	// from the current one.
	Warning string
}

// Resume reconstructs a run from its machine snapshot (never the
// original source): full paths, context state, barriers and any
// in-flight turn state. A machine hash mismatch is refused unless
// force is set.
func Resume(ctx context.Context, store Store, id string, force bool) (*ResumeResult, error) {
	sf, err := store.LoadState(ctx, id)
	if err != nil {
		return nil, err
	}
	md, err := store.LoadMetadata(ctx, id)
	if err != nil {
		return nil, err
	}
	if sf.State == nil || len(sf.State.Paths) == 0 {
		return nil, &engine.Error{
			Code:    engine.CodeUserGraph,
			Message: fmt.Sprintf("execution %s has no paths to resume", id),
		}
	}
	res := &ResumeResult{State: sf.State, Metadata: md}
	if sf.Version != engine.Version {
		res.Warning = fmt.Sprintf("state version %s differs from engine version %s", sf.Version, engine.Version)
	}
	if sf.MachineHash != "" && sf.State.Machine != nil {
		if got := sf.State.Machine.Hash(); got != sf.MachineHash && !force {
			return nil, &engine.Error{
				Code:    engine.CodeResume,
				Message: fmt.Sprintf("machine hash changed for %s (use --force to resume anyway)", id),
				Err:     engine.ErrHashMismatch,
			}
		}
	}
	if err := sf.State.CheckInvariants(); err != nil {
		return nil, err
	}
	return res, nil
}
