package exec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dygram/dygram-go/engine"
	"github.com/dygram/dygram-go/engine/emit"
	"github.com/dygram/dygram-go/machine"
	"github.com/dygram/dygram-go/model"
	"github.com/dygram/dygram-go/session"
)

func loadMachine(t *testing.T, src string) *machine.Machine {
	t.Helper()
	m, err := machine.Load([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func initialState(t *testing.T, m *machine.Machine) *engine.ExecutionState {
	t.Helper()
	s, err := engine.NewInitialState(m, engine.ExecutionLimits{MaxSteps: 100}, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newTestExecutor(chat model.ChatModel, store session.Store, opts Options) *Executor {
	if opts.ExecutionID == "" {
		opts.ExecutionID = "exec-20250601-120000"
	}
	return New(chat, store, emit.NewNullEmitter(), opts)
}

const agentMachine = `{"nodes": [
	{"name": "task1", "attributes": [{"name": "prompt", "value": "pick a side"}]},
	{"name": "left"}, {"name": "right"}
], "edges": [
	{"source": "task1", "target": "left"},
	{"source": "task1", "target": "right"}
]}`

// The agent selects a transition tool; the run completes with the
// chosen branch recorded.
func TestRunAgentTransition(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{
		{
			Text:      "going left",
			ToolCalls: []model.ToolCall{{ID: "t1", Name: "transition_to_left"}},
			Usage:     model.Usage{InputTokens: 10, OutputTokens: 5},
		},
	}}
	store := session.NewMemStore()
	e := newTestExecutor(mock, store, Options{DefaultModelID: "gpt-4o"})

	final, err := e.Run(context.Background(), initialState(t, loadMachine(t, agentMachine)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	p := final.Paths[0]
	if p.Status != engine.PathCompleted {
		t.Errorf("path status = %s", p.Status)
	}
	visited := map[string]bool{}
	for _, tr := range p.History {
		visited[tr.To] = true
	}
	if !visited["left"] || visited["right"] {
		t.Errorf("history = %+v", p.History)
	}

	// One request, with exactly the two transition tools.
	if mock.Calls() != 1 {
		t.Fatalf("LLM calls = %d", mock.Calls())
	}
	req := mock.Requests[0]
	if len(req.Tools) != 2 {
		t.Errorf("tools offered = %d", len(req.Tools))
	}
	if req.Messages[0].Role != model.RoleSystem || req.Messages[0].Content == "" {
		t.Error("system prompt missing")
	}

	// Usage accumulated.
	totals := e.Usage().Totals()
	if totals.InputTokens != 10 || totals.OutputTokens != 5 {
		t.Errorf("usage = %+v", totals)
	}

	// Session persisted with final status.
	md, err := store.LoadMetadata(context.Background(), "exec-20250601-120000")
	if err != nil {
		t.Fatal(err)
	}
	if md.Status != session.StatusCompleted {
		t.Errorf("metadata status = %s", md.Status)
	}
	if last, _ := store.Last(context.Background()); last != "exec-20250601-120000" {
		t.Errorf("last = %s", last)
	}
	hist, _ := store.LoadHistory(context.Background(), "exec-20250601-120000")
	if len(hist) != 1 || hist[0].Node != "task1" {
		t.Errorf("turn history = %+v", hist)
	}
}

const contextAgentMachine = `{"nodes": [
	{"name": "task1", "attributes": [{"name": "prompt", "value": "update and go"}]},
	{"name": "end1"},
	{"name": "Notes", "type": "context", "attributes": [{"name": "text", "value": "old"}]},
	{"name": "Locked", "type": "context", "attributes": [{"name": "secret", "value": "s"}]}
], "edges": [
	{"source": "task1", "target": "end1"},
	{"source": "task1", "target": "Notes", "label": "writes"},
	{"source": "Notes", "target": "task1"},
	{"source": "Locked", "target": "task1"}
]}`

// Tool results feed back into the conversation; context writes are
// applied through the permission gate.
func TestRunContextToolsAndMultiTurn(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{
		{ToolCalls: []model.ToolCall{
			{ID: "t1", Name: "read_Notes"},
			{ID: "t2", Name: "write_Notes", Input: map[string]interface{}{"field": "text", "value": "new"}},
		}},
		{Text: "done", ToolCalls: []model.ToolCall{{ID: "t3", Name: "transition_to_end1"}}},
	}}
	e := newTestExecutor(mock, session.NewMemStore(), Options{})

	final, err := e.Run(context.Background(), initialState(t, loadMachine(t, contextAgentMachine)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := final.Context["Notes"]["text"]; got != "new" {
		t.Errorf("context write not applied: %v", got)
	}
	if mock.Calls() != 2 {
		t.Fatalf("LLM calls = %d", mock.Calls())
	}
	// Second request carries the tool results of the first turn.
	second := mock.Requests[1]
	foundResults := false
	for _, msg := range second.Messages {
		if msg.Role == model.RoleTool && len(msg.ToolResults) == 2 {
			foundResults = true
			if msg.ToolResults[0].IsError {
				t.Errorf("read result errored: %+v", msg.ToolResults[0])
			}
		}
	}
	if !foundResults {
		t.Error("tool results not in second request")
	}
}

// Writes without a write-granting edge are rejected as error
// tool-results and never reach contextState.
func TestWritePermissionDenied(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{
		{ToolCalls: []model.ToolCall{
			{ID: "t1", Name: "write_Notes", Input: map[string]interface{}{"field": "text", "value": "x"}},
			{ID: "t1b", Name: "write_Locked", Input: map[string]interface{}{"field": "text", "value": "forged"}},
		}},
		{ToolCalls: []model.ToolCall{{ID: "t2", Name: "transition_to_end1"}}},
	}}
	// Locked is reached only by a read edge, so no write tool is
	// synthesised for it; the agent's forged write_Locked call must come
	// back as an error tool-result.
	m := loadMachine(t, contextAgentMachine)
	s := initialState(t, m)
	plan, _, _ := engine.PlanAgentTools(s, s.Paths[0], m.NodeByName("task1"))
	if _, exists := plan.Writes["write_Locked"]; exists {
		t.Fatal("read-only context got a write tool")
	}

	e := newTestExecutor(mock, nil, Options{})
	final, err := e.Run(context.Background(), s)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Context["Notes"]["text"] != "x" {
		t.Error("permitted write rejected")
	}
	if _, ok := final.Context["Locked"]; ok {
		t.Error("read-only context mutated")
	}
	rejected := false
	for _, msg := range mock.Requests[1].Messages {
		for _, r := range msg.ToolResults {
			if r.ToolUseID == "t1b" && r.IsError {
				rejected = true
			}
		}
	}
	if !rejected {
		t.Error("write to read-only context not returned as an error tool-result")
	}
}

// A tool constructed mid-conversation is available on the next turn.
func TestConstructedToolAvailableNextTurn(t *testing.T) {
	src := `{"nodes": [
		{"name": "task1", "attributes": [{"name": "prompt", "value": "build a tool"}], "annotations": [{"name": "meta"}]},
		{"name": "end1"}
	], "edges": [{"source": "task1", "target": "end1"}]}`

	mock := &model.MockChatModel{Responses: []model.ChatOut{
		{ToolCalls: []model.ToolCall{{ID: "t1", Name: engine.MetaConstructTool, Input: map[string]interface{}{
			"name":        "scratchpad",
			"description": "echo tool",
		}}}},
		{ToolCalls: []model.ToolCall{{ID: "t2", Name: "scratchpad", Input: map[string]interface{}{"note": "hi"}}}},
		{ToolCalls: []model.ToolCall{{ID: "t3", Name: "transition_to_end1"}}},
	}}
	e := newTestExecutor(mock, nil, Options{})

	_, err := e.Run(context.Background(), initialState(t, loadMachine(t, src)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if mock.Calls() != 3 {
		t.Fatalf("LLM calls = %d", mock.Calls())
	}
	// First request has no scratchpad; second does.
	has := func(req model.MockRequest, name string) bool {
		for _, tl := range req.Tools {
			if tl.Name == name {
				return true
			}
		}
		return false
	}
	if has(mock.Requests[0], "scratchpad") {
		t.Error("tool visible before construction")
	}
	if !has(mock.Requests[1], "scratchpad") {
		t.Error("constructed tool not visible on the next turn")
	}
}

// Transport failure exhausts retries, fails the path, and the rest of
// the run continues under the default continue policy.
func TestTransportErrorFailsPath(t *testing.T) {
	src := `{"nodes": [
		{"name": "task1",
		 "attributes": [{"name": "prompt", "value": "pick"}],
		 "annotations": [{"name": "retry", "attributes": {"maxAttempts": "3", "baseDelay": "1ms", "maxDelay": "5ms"}}]},
		{"name": "left"}, {"name": "right"}
	], "edges": [
		{"source": "task1", "target": "left"},
		{"source": "task1", "target": "right"}
	]}`
	transportErr := errors.New("connection refused")
	mock := &model.MockChatModel{
		Errs: []error{transportErr, transportErr, transportErr},
	}
	e := newTestExecutor(mock, nil, Options{})

	final, err := e.Run(context.Background(), initialState(t, loadMachine(t, src)))
	if err != nil {
		t.Fatalf("Run returned %v, want graceful completion", err)
	}
	if final.Paths[0].Status != engine.PathFailed {
		t.Errorf("path status = %s, want failed", final.Paths[0].Status)
	}
	if final.Metadata.ErrorCount == 0 {
		t.Error("error not counted")
	}
	if mock.Calls() != 3 {
		t.Errorf("retry count = %d calls, want 3 attempts", mock.Calls())
	}
}

// Interactive mode pauses with ErrPendingResponse and persists the
// pending turn state.
func TestInteractivePause(t *testing.T) {
	store := session.NewMemStore()
	e := newTestExecutor(&model.MockChatModel{}, store, Options{Mode: session.ModeInteractive})
	var pending engine.InvokeLLM
	e.OnPending = func(inv engine.InvokeLLM) { pending = inv }

	_, err := e.Run(context.Background(), initialState(t, loadMachine(t, agentMachine)))
	if !errors.Is(err, ErrPendingResponse) {
		t.Fatalf("err = %v, want ErrPendingResponse", err)
	}
	if pending.NodeName != "task1" {
		t.Errorf("pending node = %s", pending.NodeName)
	}
	sf, err := store.LoadState(context.Background(), "exec-20250601-120000")
	if err != nil {
		t.Fatal(err)
	}
	if sf.State.Turn == nil || sf.State.Turn.NodeName != "task1" {
		t.Error("turn state not persisted")
	}
	if sf.Status != session.StatusPaused {
		t.Errorf("status = %s", sf.Status)
	}
}

// step-turn suspends after one turn and a fresh executor resumes the
// same conversation from the persisted state.
func TestStepTurnSuspendAndResume(t *testing.T) {
	store := session.NewMemStore()
	first := &model.MockChatModel{Responses: []model.ChatOut{
		{ToolCalls: []model.ToolCall{
			{ID: "t1", Name: "read_Notes"},
		}},
	}}
	e1 := newTestExecutor(first, store, Options{StepMode: StepTurn})
	mid, err := e1.Run(context.Background(), initialState(t, loadMachine(t, contextAgentMachine)))
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if mid.Turn == nil || !mid.Turn.IsWaitingForTurn {
		t.Fatal("turn state not suspended")
	}
	if mid.Turn.TurnCount != 1 {
		t.Errorf("turn count = %d", mid.Turn.TurnCount)
	}

	second := &model.MockChatModel{Responses: []model.ChatOut{
		{ToolCalls: []model.ToolCall{{ID: "t2", Name: "transition_to_end1"}}},
	}}
	e2 := newTestExecutor(second, store, Options{})
	final, err := e2.Run(context.Background(), mid)
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if final.Paths[0].Status != engine.PathCompleted {
		t.Errorf("path status = %s", final.Paths[0].Status)
	}
	// The resumed request includes the first turn's conversation.
	req := second.Requests[0]
	sawFirstTurn := false
	for _, msg := range req.Messages {
		if msg.Role == model.RoleAssistant && len(msg.ToolCalls) == 1 && msg.ToolCalls[0].Name == "read_Notes" {
			sawFirstTurn = true
		}
	}
	if !sawFirstTurn {
		t.Error("resumed conversation lost the first turn")
	}
}

// The conversation ends without a transition when the model stops
// calling tools; the path completes.
func TestConversationEndsWithoutTransition(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{
		{Text: "nothing to do"},
	}}
	e := newTestExecutor(mock, nil, Options{})
	final, err := e.Run(context.Background(), initialState(t, loadMachine(t, agentMachine)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	p := final.Paths[0]
	if p.Status != engine.PathCompleted {
		t.Errorf("status = %s", p.Status)
	}
	if p.CurrentNode != "task1" {
		t.Errorf("path moved to %s without a transition", p.CurrentNode)
	}
}

func TestShellRunnerCodeTask(t *testing.T) {
	r := &ShellRunner{}
	out, err := r.Run(context.Background(), `echo "value is $DYGRAM_X"`, map[string]interface{}{"x": 7})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "value is 7" {
		t.Errorf("output = %q", out)
	}
	if _, err := r.Run(context.Background(), "exit 3", nil); err == nil {
		t.Error("failing code did not error")
	}
}

func TestUsageTracker(t *testing.T) {
	tr := NewUsageTracker()
	tr.Add("gpt-4o", model.Usage{InputTokens: 1000, OutputTokens: 1000})
	tr.Add("gpt-4o", model.Usage{InputTokens: 500, OutputTokens: 0})
	tr.Add("unknown-model", model.Usage{InputTokens: 100, OutputTokens: 100})

	totals := tr.Totals()
	if totals.InputTokens != 1600 || totals.OutputTokens != 1100 {
		t.Errorf("totals = %+v", totals)
	}
	per := tr.PerModel()
	gpt := per["gpt-4o"]
	wantCost := 1.5*0.0025 + 1.0*0.01
	if diff := gpt.CostUSD - wantCost; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("cost = %f, want %f", gpt.CostUSD, wantCost)
	}
	if per["unknown-model"].CostUSD != 0 {
		t.Error("unknown model priced")
	}
}

// Under @errorHandling(compensate) a failing path runs its registered
// compensation actions in reverse order.
func TestCompensationRunsLIFO(t *testing.T) {
	src := `{"nodes": [
		{"name": "loop1", "annotations": [{"name": "errorHandling", "value": "compensate"}]}
	], "edges": [{"source": "loop1", "target": "loop1"}]}`
	m := loadMachine(t, src)
	s, err := engine.NewInitialState(m, engine.ExecutionLimits{MaxSteps: 3}, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	e := newTestExecutor(&model.MockChatModel{}, nil, Options{})

	var order []string
	e.RegisterCompensation(s.Paths[0].ID, func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	e.RegisterCompensation(s.Paths[0].ID, func(context.Context) error {
		order = append(order, "second")
		return nil
	})

	final, err := e.Run(context.Background(), s)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Paths[0].Status != engine.PathFailed {
		t.Fatalf("path status = %s", final.Paths[0].Status)
	}
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Errorf("compensation order = %v, want LIFO", order)
	}
}
