// Package exec is the imperative shell around the functional runtime:
// it performs the effects a step yields, drives multi-turn agent
// conversations, runs code tasks, and persists session state so runs
// survive process restarts.
package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dygram/dygram-go/engine"
	"github.com/dygram/dygram-go/engine/emit"
	"github.com/dygram/dygram-go/model"
	"github.com/dygram/dygram-go/session"
)

// ErrPendingResponse signals an interactive pause: the executor has a
// request for the user, state is persisted, and the process may exit.
// Resume continues the run.
var ErrPendingResponse = errors.New("pending user response")

// StepMode selects how much work one Run call performs.
type StepMode string

const (
	// RunToCompletion loops until every path is terminal.
	RunToCompletion StepMode = ""

	// StepOnce performs one runtime step and pauses.
	StepOnce StepMode = "step"

	// StepTurn pauses after each agent turn, persisting the
	// conversation for later resumption.
	StepTurn StepMode = "step-turn"

	// StepPath performs one step of one path per call, round-robin.
	StepPath StepMode = "step-path"
)

// Options configures an Executor.
type Options struct {
	ExecutionID    string
	Source         string
	Mode           string // session.ModeAuto, ModeInteractive, ModePlayback
	StepMode       StepMode
	DefaultModelID string

	// MaxTurns bounds one agent conversation; zero means the default.
	MaxTurns int

	// ResultPath, when set, receives the final result JSON.
	ResultPath string

	// PersistEvery saves state every N steps; zero means 10.
	PersistEvery int
}

// Executor performs effects and owns every piece of imperative state
// the pure runtime must not hold: the model client, the session store,
// the emitter, the circuit breaker and the dynamic tool registry.
type Executor struct {
	model      model.ChatModel
	store      session.Store
	emitter    emit.Emitter
	meta       *MetaManager
	breaker    *engine.CircuitBreaker
	metrics    *engine.Metrics
	usage      *UsageTracker
	runtime    *engine.Runtime
	codeRunner CodeRunner
	opts       Options
	clock      func() time.Time

	// OnPending is called in interactive mode with the agent request
	// before the executor pauses.
	OnPending func(inv engine.InvokeLLM)

	turnSeq         int
	stepSeq         int
	lastProgress    int
	lastSteppedPath string

	compensations map[string][]CompensationFunc
}

// CompensationFunc undoes one side effect of a path. Under
// @errorHandling(compensate) registered funcs run LIFO when the path
// fails.
type CompensationFunc func(ctx context.Context) error

// RegisterCompensation pushes a compensation action for a path.
func (e *Executor) RegisterCompensation(pathID string, fn CompensationFunc) {
	if e.compensations == nil {
		e.compensations = map[string][]CompensationFunc{}
	}
	e.compensations[pathID] = append(e.compensations[pathID], fn)
}

// runCompensations pops and runs a failed path's compensation stack in
// reverse registration order. Failures are emitted and do not stop the
// remaining actions.
func (e *Executor) runCompensations(ctx context.Context, pathID string) {
	stack := e.compensations[pathID]
	delete(e.compensations, pathID)
	for i := len(stack) - 1; i >= 0; i-- {
		if err := stack[i](ctx); err != nil {
			e.emitter.Emit(emit.Event{
				ExecutionID: e.opts.ExecutionID,
				Step:        e.stepSeq,
				PathID:      pathID,
				Level:       engine.LevelError,
				Msg:         "compensation failed",
				Meta:        map[string]interface{}{"error": err.Error()},
			})
		}
	}
}

// New creates an executor. Store and emitter may be nil for ephemeral
// in-process runs.
func New(m model.ChatModel, store session.Store, emitter emit.Emitter, opts Options) *Executor {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	if opts.PersistEvery <= 0 {
		opts.PersistEvery = 10
	}
	return &Executor{
		model:      m,
		store:      store,
		emitter:    emitter,
		meta:       NewMetaManager(),
		breaker:    engine.NewCircuitBreaker(5, 30*time.Second),
		usage:      NewUsageTracker(),
		runtime:    engine.NewRuntime(),
		codeRunner: &ShellRunner{},
		opts:       opts,
		clock:      time.Now,
	}
}

// WithMetrics attaches a Prometheus collector.
func (e *Executor) WithMetrics(m *engine.Metrics) *Executor { e.metrics = m; return e }

// WithCodeRunner replaces the code task runner.
func (e *Executor) WithCodeRunner(r CodeRunner) *Executor { e.codeRunner = r; return e }

// Meta exposes the meta-tool manager (dynamic tool registry).
func (e *Executor) Meta() *MetaManager { return e.meta }

// Usage exposes the run's accumulated token usage.
func (e *Executor) Usage() *UsageTracker { return e.usage }

func (e *Executor) maxTurns() int {
	if e.opts.MaxTurns > 0 {
		return e.opts.MaxTurns
	}
	return defaultMaxTurns
}

// Run drives the state to completion, or to the first pause point
// under a step mode or interactive mode. The returned state is always
// the latest, persisted one.
func (e *Executor) Run(ctx context.Context, s *engine.ExecutionState) (*engine.ExecutionState, error) {
	// An in-flight conversation from a previous invocation resumes
	// before any new stepping.
	if s.Turn != nil && s.Turn.IsWaitingForTurn {
		inv := e.reconstructInvoke(s)
		next, paused, err := e.runConversation(ctx, s, inv)
		s = next
		if err != nil {
			e.persist(ctx, s, session.StatusFailed)
			return s, err
		}
		if paused {
			e.persist(ctx, s, session.StatusPaused)
			return s, nil
		}
	}

	stalled := 0
	for {
		if err := ctx.Err(); err != nil {
			e.persist(ctx, s, session.StatusPaused)
			return s, err
		}

		if e.opts.StepMode == StepPath {
			e.runtime.OnlyPath = e.pickNextPath(s)
		}

		start := e.clock()
		res := e.runtime.Step(s)
		e.stepSeq++
		s = res.State
		e.metrics.ObserveStep(e.opts.ExecutionID, res.Status, e.clock().Sub(start))
		e.metrics.ObservePaths(s)

		next, paused, err := e.applyEffects(ctx, s, res.Effects)
		s = next
		if err != nil {
			if errors.Is(err, ErrPendingResponse) {
				e.persist(ctx, s, session.StatusPaused)
				return s, err
			}
			e.persist(ctx, s, session.StatusFailed)
			return s, err
		}
		if paused {
			e.persist(ctx, s, session.StatusPaused)
			return s, nil
		}

		switch res.Status {
		case engine.StatusComplete:
			e.persist(ctx, s, session.StatusCompleted)
			e.writeResult(s)
			return s, nil
		case engine.StatusError:
			e.persist(ctx, s, session.StatusFailed)
			return s, firstError(res.Effects)
		}

		// Stall detection: steps that move no counter forward mean the
		// remaining paths are waiting on a barrier nobody can release
		// or idling on conditions that can no longer change.
		progress := s.Metadata.StepCount + e.turnSeq
		if progress == e.lastProgress {
			stalled++
		} else {
			stalled = 0
			e.lastProgress = progress
		}
		if stalled >= 3 {
			err := &engine.Error{
				Code:    engine.CodeUserGraph,
				Message: "no runnable paths: execution cannot make progress",
			}
			e.persist(ctx, s, session.StatusFailed)
			return s, err
		}

		if e.opts.StepMode == StepOnce || e.opts.StepMode == StepPath {
			e.persist(ctx, s, session.StatusPaused)
			return s, nil
		}
		if e.stepSeq%e.opts.PersistEvery == 0 {
			e.persist(ctx, s, session.StatusRunning)
		}
	}
}

// applyEffects performs a step's effect batch in order.
func (e *Executor) applyEffects(ctx context.Context, s *engine.ExecutionState, effects []engine.Effect) (*engine.ExecutionState, bool, error) {
	for _, effect := range effects {
		switch ef := effect.(type) {
		case engine.Log:
			e.emit(s, ef, pathOf(ef.Data), nodeOf(ef.Data))
			if ef.Category == engine.CategoryBarrier && ef.Message == "barrier released" {
				if name, ok := ef.Data["barrier"].(string); ok {
					e.metrics.ObserveBarrierRelease(e.opts.ExecutionID, name)
				}
			}

		case engine.Checkpoint:
			e.persist(ctx, s, session.StatusRunning)
			e.emitter.Emit(emit.Event{
				ExecutionID: e.opts.ExecutionID,
				Step:        e.stepSeq,
				Level:       engine.LevelInfo,
				Msg:         "checkpoint",
				Meta:        map[string]interface{}{"description": ef.Description},
			})

		case engine.ErrorEffect:
			e.metrics.ObserveError(e.opts.ExecutionID)
			e.emitter.Emit(emit.Event{
				ExecutionID: e.opts.ExecutionID,
				Step:        e.stepSeq,
				PathID:      ef.PathID,
				NodeID:      ef.NodeName,
				Level:       engine.LevelError,
				Msg:         "error",
				Meta:        map[string]interface{}{"error": ef.Err.Error()},
			})
			if ef.PathID != "" && s.Machine.ErrorHandlingMode() == "compensate" {
				e.runCompensations(ctx, ef.PathID)
			}

		case engine.Complete:
			// Aggregate status handles completion; nothing to perform.

		case engine.InvokeLLM:
			if e.opts.Mode == session.ModeInteractive {
				if e.OnPending != nil {
					e.OnPending(ef)
				}
				ts := &engine.TurnState{
					PathID:           ef.PathID,
					NodeName:         ef.NodeName,
					SystemPrompt:     ef.Prompt,
					ModelID:          ef.ModelID,
					IsWaitingForTurn: true,
				}
				s = engine.SetTurnState(s, ts)
				return s, false, ErrPendingResponse
			}
			next, paused, err := e.runConversation(ctx, s, ef)
			s = next
			if err != nil {
				return s, false, err
			}
			if paused {
				return s, true, nil
			}

		case engine.CodeTask:
			s = e.runCodeTask(ctx, s, ef)
		}
	}
	return s, false, nil
}

// reconstructInvoke rebuilds the InvokeLLM effect for a persisted
// in-flight conversation from the machine snapshot.
func (e *Executor) reconstructInvoke(s *engine.ExecutionState) engine.InvokeLLM {
	ts := s.Turn
	inv := engine.InvokeLLM{
		PathID:   ts.PathID,
		NodeName: ts.NodeName,
		Prompt:   ts.SystemPrompt,
		ModelID:  ts.ModelID,
	}
	if node := s.Machine.NodeByName(ts.NodeName); node != nil {
		plan, _, _ := engine.PlanAgentTools(s, s.Path(ts.PathID), node)
		inv.Tools = plan.Specs
		inv.Plan = plan
	}
	return inv
}

// emit maps a Log effect onto an emitter event.
func (e *Executor) emit(_ *engine.ExecutionState, l engine.Log, pathID, nodeID string) {
	e.emitter.Emit(emit.Event{
		ExecutionID: e.opts.ExecutionID,
		Step:        e.stepSeq,
		PathID:      pathID,
		NodeID:      nodeID,
		Level:       l.Level,
		Msg:         l.Message,
		Meta:        l.Data,
	})
}

func (e *Executor) emitError(s *engine.ExecutionState, inv engine.InvokeLLM, err error) {
	e.metrics.ObserveError(e.opts.ExecutionID)
	e.emit(s, engine.Log{
		Level:    engine.LevelError,
		Category: engine.CategoryAgent,
		Message:  "agent invocation failed",
		Data:     map[string]interface{}{"error": err.Error(), "node": inv.NodeName},
	}, inv.PathID, inv.NodeName)
}

func pathOf(data map[string]interface{}) string {
	if s, ok := data["path"].(string); ok {
		return s
	}
	return ""
}

func nodeOf(data map[string]interface{}) string {
	if s, ok := data["node"].(string); ok {
		return s
	}
	return ""
}

// appendTurnRecord appends one line of turn history. A failed append is
// emitted as a warning and does not stop the turn.
func (e *Executor) appendTurnRecord(ctx context.Context, rec session.TurnRecord) {
	if e.store == nil {
		return
	}
	if err := e.store.AppendTurn(ctx, e.opts.ExecutionID, rec); err != nil {
		e.emitter.Emit(emit.Event{
			ExecutionID: e.opts.ExecutionID,
			Level:       engine.LevelWarn,
			Msg:         "failed to append turn record",
			Meta:        map[string]interface{}{"error": err.Error()},
		})
	}
}

// persist saves state, metadata and the machine snapshot, and points
// the last alias at this run. Failures are reported through the
// emitter; execution continues, the workflow outcome stands.
func (e *Executor) persist(ctx context.Context, s *engine.ExecutionState, status string) {
	if e.store == nil {
		return
	}
	now := e.clock().UTC()
	sf := &session.StateFile{
		Version:     engine.Version,
		MachineHash: s.Machine.Hash(),
		State:       s,
		Status:      status,
		LastUpdated: now,
	}
	totals := e.usage.Totals()
	md := &session.Metadata{
		ID:             e.opts.ExecutionID,
		Source:         e.opts.Source,
		StartedAt:      s.Metadata.StartTime,
		LastExecutedAt: now,
		StepCount:      s.Metadata.StepCount,
		TurnCount:      e.turnSeq,
		PathCount:      len(s.Paths),
		Status:         status,
		Mode:           e.opts.Mode,
		Client:         session.ClientConfig{ModelID: e.opts.DefaultModelID},
		NextStepPath:   nextStepPath(s),
		Usage: session.Usage{
			InputTokens:  totals.InputTokens,
			OutputTokens: totals.OutputTokens,
			CostUSD:      totals.CostUSD,
		},
	}
	var firstErr error
	if err := e.store.SaveState(ctx, e.opts.ExecutionID, sf); err != nil {
		firstErr = err
	}
	if err := e.store.SaveMetadata(ctx, md); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.store.SaveMachine(ctx, e.opts.ExecutionID, s.Machine); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.store.SetLast(ctx, e.opts.ExecutionID); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		e.emitter.Emit(emit.Event{
			ExecutionID: e.opts.ExecutionID,
			Step:        e.stepSeq,
			Level:       engine.LevelWarn,
			Msg:         "session save failed",
			Meta:        map[string]interface{}{"error": firstErr.Error()},
		})
	}
}

// pickNextPath rotates through active paths for --step-path mode:
// the first active path strictly after the previously stepped one,
// wrapping around.
func (e *Executor) pickNextPath(s *engine.ExecutionState) string {
	active := s.ActivePaths()
	if len(active) == 0 {
		return ""
	}
	if e.lastSteppedPath != "" {
		after := false
		for _, p := range s.Paths {
			if p.ID == e.lastSteppedPath {
				after = true
				continue
			}
			if after && p.Status == engine.PathActive {
				e.lastSteppedPath = p.ID
				return p.ID
			}
		}
	}
	e.lastSteppedPath = active[0].ID
	return active[0].ID
}

// nextStepPath records which path --step-path serves next.
func nextStepPath(s *engine.ExecutionState) string {
	active := s.ActivePaths()
	if len(active) == 0 {
		return ""
	}
	return active[0].ID
}

// writeResult writes the final result JSON next to the session
// artifacts when a result path is configured.
func (e *Executor) writeResult(s *engine.ExecutionState) {
	if e.opts.ResultPath == "" {
		return
	}
	paths := make([]map[string]interface{}, 0, len(s.Paths))
	for _, p := range s.Paths {
		entry := map[string]interface{}{
			"id":     p.ID,
			"status": p.Status,
			"node":   p.CurrentNode,
			"steps":  p.StepCount,
		}
		if len(p.History) > 0 {
			if out := p.History[len(p.History)-1].Output; out != "" {
				entry["output"] = out
			}
		}
		paths = append(paths, entry)
	}
	totals := e.usage.Totals()
	result := map[string]interface{}{
		"executionId":  e.opts.ExecutionID,
		"stepCount":    s.Metadata.StepCount,
		"errorCount":   s.Metadata.ErrorCount,
		"contextState": s.Context,
		"paths":        paths,
		"usage": map[string]interface{}{
			"inputTokens":  totals.InputTokens,
			"outputTokens": totals.OutputTokens,
			"costUsd":      totals.CostUSD,
		},
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return
	}
	_ = os.MkdirAll(filepath.Dir(e.opts.ResultPath), 0o755)
	_ = os.WriteFile(e.opts.ResultPath, data, 0o644)
}

func firstError(effects []engine.Effect) error {
	for _, effect := range effects {
		if ef, ok := effect.(engine.ErrorEffect); ok {
			return ef.Err
		}
	}
	return fmt.Errorf("execution failed")
}
