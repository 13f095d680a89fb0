package exec

import (
	"bytes"
	"context"
	"fmt"
	osexec "os/exec"
	"strings"
	"time"

	"github.com/dygram/dygram-go/engine"
	"github.com/dygram/dygram-go/model"
)

// CodeRunner executes a generated code task. The default runner shells
// out; code tasks are not sandboxed.
type CodeRunner interface {
	Run(ctx context.Context, code string, input map[string]interface{}) (string, error)
}

// ShellRunner runs the task's code attribute through the shell with
// the environment values exported as DYGRAM_* variables.
type ShellRunner struct {
	// Timeout bounds one task; zero means 60s.
	Timeout time.Duration
}

// Run implements CodeRunner.
func (r *ShellRunner) Run(ctx context.Context, code string, input map[string]interface{}) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := osexec.CommandContext(runCtx, "sh", "-c", code)
	for key, value := range input {
		name := "DYGRAM_" + strings.ToUpper(sanitizeEnvName(key))
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", name, value))
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("code task failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func sanitizeEnvName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// runCodeTask performs a CodeTask effect: the node's code runs through
// the configured runner; on failure the task falls back to asking the
// model for the output directly. The path then advances through its
// single remaining transition, or completes.
func (e *Executor) runCodeTask(ctx context.Context, s *engine.ExecutionState, task engine.CodeTask) *engine.ExecutionState {
	node := s.Machine.NodeByName(task.TaskNode)
	if node == nil {
		return engine.FailPath(s, task.PathID, "code task node missing: "+task.TaskNode)
	}
	code := node.AttributeText("code")

	output, err := e.codeRunner.Run(ctx, code, task.Input)
	if err != nil {
		e.emit(s, engine.Log{
			Level:    engine.LevelWarn,
			Category: engine.CategoryAgent,
			Message:  "code task failed, falling back to model",
			Data:     map[string]interface{}{"node": task.TaskNode, "error": err.Error()},
		}, task.PathID, task.TaskNode)

		prompt := fmt.Sprintf(
			"The following task code failed to run. Produce the task's output directly.\n\nTask: %s\n\nCode:\n%s\n\nFailure: %v",
			node.AttributeText("desc"), code, err)
		out, chatErr := e.model.Chat(ctx, []model.Message{
			{Role: model.RoleSystem, Content: "You stand in for a failed code task. Reply with the task output only."},
			{Role: model.RoleUser, Content: prompt},
		}, nil)
		if chatErr != nil {
			return engine.FailPath(s, task.PathID, fmt.Sprintf("code task and fallback both failed at %s: %v", task.TaskNode, chatErr))
		}
		e.usage.Add(e.opts.DefaultModelID, out.Usage)
		output = out.Text
	}

	// Advance through the single remaining transition when there is
	// exactly one; otherwise the task is terminal for this path.
	result := engine.AgentResult{PathID: task.PathID, Output: output}
	plan, _, _ := engine.PlanAgentTools(s, s.Path(task.PathID), node)
	if target, ok := plan.OnlyTransition(); ok {
		result.NextNode = target
	}
	return engine.ApplyAgentResult(s, result, e.clock())
}
