package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dygram/dygram-go/engine"
	"github.com/dygram/dygram-go/machine"
	"github.com/dygram/dygram-go/model"
	"github.com/dygram/dygram-go/session"
)

// The turn executor runs the multi-turn agent loop as an explicit
// state machine. One turn is one LLM request over the conversation
// history plus the tool set, followed by sequential tool dispatch in
// the order the model returned the calls. The loop ends when the model
// returns no tool uses or when a transition tool fires. Under
// --step-turn the executor persists the TurnState after each turn and
// returns, so a later invocation resumes the same conversation.

// defaultMaxTurns bounds one conversation.
const defaultMaxTurns = 16

// runConversation drives a conversation to completion or suspension.
// Returns the new state and whether the run paused mid-conversation.
func (e *Executor) runConversation(ctx context.Context, s *engine.ExecutionState, inv engine.InvokeLLM) (*engine.ExecutionState, bool, error) {
	node := s.Machine.NodeByName(inv.NodeName)
	if node == nil {
		return s, false, &engine.Error{Code: engine.CodeNodeNotFound, Message: "conversation node missing: " + inv.NodeName}
	}

	ts := s.Turn
	if ts == nil || ts.PathID != inv.PathID || ts.NodeName != inv.NodeName {
		ts = &engine.TurnState{
			PathID:           inv.PathID,
			NodeName:         inv.NodeName,
			SystemPrompt:     inv.Prompt,
			ModelID:          inv.ModelID,
			IsWaitingForTurn: true,
		}
		for _, t := range inv.Tools {
			ts.Conversation.Tools = append(ts.Conversation.Tools, t.Name)
		}
	}
	plan := inv.Plan
	if plan == nil {
		plan, _, _ = engine.PlanAgentTools(s, s.Path(inv.PathID), node)
	}
	retry := retryConfigFor(node)

	for {
		if err := ctx.Err(); err != nil {
			return engine.SetTurnState(s, ts), true, err
		}
		if err := e.breaker.Allow(inv.NodeName); err != nil {
			e.emitError(s, inv, err)
			s = failPath(s, inv.PathID, err)
			return s, false, nil
		}

		out, err := e.chatWithRetry(ctx, s, inv, ts, retry)
		if err != nil {
			e.breaker.RecordFailure(inv.NodeName)
			if e.breaker.State(inv.NodeName) == engine.BreakerOpen {
				e.metrics.ObserveBreakerTrip(e.opts.ExecutionID, inv.NodeName)
			}
			transportErr := &engine.Error{
				Code:    engine.CodeTransport,
				Message: fmt.Sprintf("LLM invocation failed at %s: %v", inv.NodeName, err),
				Err:     err,
			}
			e.emitError(s, inv, transportErr)
			s = failPath(s, inv.PathID, transportErr)
			return s, false, nil
		}
		e.breaker.RecordSuccess(inv.NodeName)
		modelID := inv.ModelID
		if modelID == "" {
			modelID = e.opts.DefaultModelID
		}
		e.usage.Add(modelID, out.Usage)

		ts.TurnCount++
		e.turnSeq++
		ts.Conversation.Messages = append(ts.Conversation.Messages, model.Message{
			Role:      model.RoleAssistant,
			Content:   out.Text,
			ToolCalls: out.ToolCalls,
		})
		if out.Text != "" {
			if ts.Conversation.AccumulatedText != "" {
				ts.Conversation.AccumulatedText += "\n"
			}
			ts.Conversation.AccumulatedText += out.Text
		}

		requestID := uuid.NewString()
		toolNames := make([]string, 0, len(out.ToolCalls))
		for _, call := range out.ToolCalls {
			toolNames = append(toolNames, call.Name)
		}
		e.appendTurnRecord(ctx, session.TurnRecord{
			Turn:      e.turnSeq,
			Timestamp: e.clock().UTC(),
			Node:      inv.NodeName,
			PathID:    inv.PathID,
			Tools:     toolNames,
			Output:    out.Text,
			Status:    "ok",
			RequestID: requestID,
		})

		// No tool uses: the conversation is over without a transition.
		if len(out.ToolCalls) == 0 {
			s = engine.ApplyAgentResult(s, engine.AgentResult{
				PathID:         inv.PathID,
				Output:         ts.Conversation.AccumulatedText,
				ToolExecutions: ts.Conversation.ToolExecutions,
			}, e.clock())
			return s, false, nil
		}

		var results []model.ToolResult
		nextNode := ""
		for _, call := range out.ToolCalls {
			if nextNode != "" {
				results = append(results, model.ToolResult{
					ToolUseID: call.ID,
					Name:      call.Name,
					Content:   "skipped: a transition was already selected this turn",
					IsError:   true,
				})
				continue
			}
			content, isError, target, newState := e.dispatchTool(ctx, s, inv, plan, ts, call)
			s = newState
			results = append(results, model.ToolResult{
				ToolUseID: call.ID,
				Name:      call.Name,
				Content:   content,
				IsError:   isError,
			})
			e.metrics.ObserveToolDispatch(e.opts.ExecutionID, call.Name, isError)
			if len(ts.Conversation.ToolExecutions) < engine.ToolExecutionLimit {
				ts.Conversation.ToolExecutions = append(ts.Conversation.ToolExecutions, engine.ToolExecution{
					ID:        call.ID,
					Name:      call.Name,
					Input:     call.Input,
					Output:    content,
					IsError:   isError,
					Timestamp: e.clock().UTC(),
				})
			}
			if target != "" {
				nextNode = target
			}
		}
		ts.Conversation.Messages = append(ts.Conversation.Messages, model.Message{
			Role:        model.RoleTool,
			ToolResults: results,
		})

		if nextNode != "" {
			s = engine.ApplyAgentResult(s, engine.AgentResult{
				PathID:         inv.PathID,
				Output:         ts.Conversation.AccumulatedText,
				NextNode:       nextNode,
				ToolExecutions: ts.Conversation.ToolExecutions,
			}, e.clock())
			return s, false, nil
		}

		if ts.TurnCount >= e.maxTurns() {
			e.emit(s, engine.Log{
				Level:    engine.LevelWarn,
				Category: engine.CategoryAgent,
				Message:  "conversation turn limit reached",
				Data:     map[string]interface{}{"node": inv.NodeName, "turns": ts.TurnCount},
			}, inv.PathID, inv.NodeName)
			s = engine.ApplyAgentResult(s, engine.AgentResult{
				PathID:         inv.PathID,
				Output:         ts.Conversation.AccumulatedText,
				ToolExecutions: ts.Conversation.ToolExecutions,
			}, e.clock())
			return s, false, nil
		}

		if e.opts.StepMode == StepTurn {
			ts.IsWaitingForTurn = true
			s = engine.SetTurnState(s, ts)
			return s, true, nil
		}
	}
}

// chatWithRetry performs one LLM request with the node's retry policy:
// exponential (or fixed) backoff capped by the config.
func (e *Executor) chatWithRetry(ctx context.Context, s *engine.ExecutionState, inv engine.InvokeLLM, ts *engine.TurnState, retry *machine.RetryConfig) (model.ChatOut, error) {
	messages := e.buildMessages(ts)
	tools := e.toolSpecs(inv, ts)

	var lastErr error
	for attempt := 0; attempt < retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			e.metrics.ObserveRetry(e.opts.ExecutionID, inv.NodeName)
			select {
			case <-time.After(backoffDelay(retry, attempt-1)):
			case <-ctx.Done():
				return model.ChatOut{}, ctx.Err()
			}
		}
		start := e.clock()
		out, err := e.model.Chat(ctx, messages, tools)
		e.metrics.ObserveLLM(e.opts.ExecutionID, inv.ModelID, err, e.clock().Sub(start))
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return model.ChatOut{}, ctx.Err()
		}
	}
	return model.ChatOut{}, lastErr
}

// buildMessages prepends the system prompt and an opening user message
// to the stored conversation.
func (e *Executor) buildMessages(ts *engine.TurnState) []model.Message {
	messages := []model.Message{
		{Role: model.RoleSystem, Content: ts.SystemPrompt},
		{Role: model.RoleUser, Content: "Proceed with this step."},
	}
	return append(messages, ts.Conversation.Messages...)
}

// toolSpecs joins the synthesized tool set with dynamic tools
// registered in the meta-tool manager. Tools constructed during the
// conversation appear here on the next turn.
func (e *Executor) toolSpecs(inv engine.InvokeLLM, ts *engine.TurnState) []model.ToolSpec {
	specs := append([]model.ToolSpec(nil), inv.Tools...)
	seen := map[string]bool{}
	for _, t := range specs {
		seen[t.Name] = true
	}
	for _, t := range e.meta.Registry.Specs() {
		if !seen[t.Name] {
			specs = append(specs, t)
		}
	}
	return specs
}

// backoffDelay computes the wait before retry attempt n (0-based).
func backoffDelay(retry *machine.RetryConfig, attempt int) time.Duration {
	base := retry.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if retry.Strategy == "fixed" {
		return base
	}
	delay := base * (1 << attempt)
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// retryConfigFor returns the node's @retry config or the defaults
// (3 attempts, 1s base, 30s cap, exponential).
func retryConfigFor(node *machine.Node) *machine.RetryConfig {
	proc := machine.Process(node.Annotations)
	if proc.Retry != nil {
		cfg := *proc.Retry
		if cfg.MaxAttempts <= 0 {
			cfg.MaxAttempts = 3
		}
		return &cfg
	}
	return &machine.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Strategy:    "exponential",
	}
}

// dispatchTool interprets one tool call against the plan: transition
// and spawn tools mutate path topology, context tools are gated by
// write permissions, meta tools go to the manager, and dynamic tools
// run from the registry. Handler failures come back as error
// tool-results so the agent can recover.
func (e *Executor) dispatchTool(ctx context.Context, s *engine.ExecutionState, inv engine.InvokeLLM, plan *engine.ToolPlan, ts *engine.TurnState, call model.ToolCall) (string, bool, string, *engine.ExecutionState) {
	now := e.clock()

	if target, ok := plan.Transitions[call.Name]; ok {
		return "transitioning to " + target, false, target, s
	}
	if target, ok := plan.Spawns[call.Name]; ok {
		next := engine.SpawnPath(s, engine.ResolveEntry(s.Machine, target), inv.PathID, now)
		return "spawned an independent flow at " + target, false, "", next
	}
	if spec, ok := plan.Maps[call.Name]; ok {
		source := spec.DefaultSource
		if override, ok := call.Input["source"].(string); ok && override != "" {
			source = override
		}
		node := s.Machine.NodeByName(inv.NodeName)
		path := s.Path(inv.PathID)
		env, _ := engine.BuildEnv(s, path, node)
		items := engine.ResolveCollection(env, source)
		groupID := spec.GroupID
		if groupID == "" {
			groupID = engine.MapGroupID(source)
		}
		next := engine.SpawnMappedPaths(s, engine.ResolveEntry(s.Machine, spec.Target), inv.PathID, items, source, groupID, now)
		return fmt.Sprintf("spawned %d flows over %s", len(items), source), false, "", next
	}
	if ctxName, ok := plan.Reads[call.Name]; ok {
		perms := engine.ContextPermissions(s.Machine, inv.NodeName)
		if !perms.CanRead(ctxName) {
			return "read denied for " + ctxName, true, "", s
		}
		values := engine.ContextValues(s, ctxName, perms[ctxName])
		data, err := json.Marshal(values)
		if err != nil {
			return err.Error(), true, "", s
		}
		return string(data), false, "", s
	}
	if ctxName, ok := plan.Writes[call.Name]; ok {
		field, _ := call.Input["field"].(string)
		if field == "" {
			return "field parameter required", true, "", s
		}
		perms := engine.ContextPermissions(s.Machine, inv.NodeName)
		if !perms.CanWrite(ctxName, field) {
			return fmt.Sprintf("write denied: %s.%s", ctxName, field), true, "", s
		}
		next := engine.UpdateContextState(s, ctxName, field, call.Input["value"])
		return fmt.Sprintf("wrote %s.%s", ctxName, field), false, "", next
	}
	if plan.Meta && e.meta.Handles(call.Name) {
		output, next, err := e.meta.Handle(ctx, s, inv, call.Name, call.Input)
		if err != nil {
			return err.Error(), true, "", s
		}
		return output, false, "", next
	}
	if def, ok := e.meta.Registry.Get(call.Name); ok {
		output, err := def.Tool.Call(ctx, call.Input)
		if err != nil {
			return err.Error(), true, "", s
		}
		data, err := json.Marshal(output)
		if err != nil {
			return err.Error(), true, "", s
		}
		return string(data), false, "", s
	}
	return "unknown tool: " + call.Name, true, "", s
}

// failPath marks a path failed after an unrecoverable agent error and
// clears any in-flight conversation.
func failPath(s *engine.ExecutionState, pathID string, err error) *engine.ExecutionState {
	return engine.FailPath(s, pathID, err.Error())
}
