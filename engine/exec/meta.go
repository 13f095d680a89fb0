package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dygram/dygram-go/engine"
	"github.com/dygram/dygram-go/machine"
	"github.com/dygram/dygram-go/model"
	"github.com/dygram/dygram-go/tool"
)

// MetaManager backs the meta-tool set: it holds the dynamic tool
// registry and handles machine introspection and mutation. Machine
// mutation flows through engine.UpdateMachineSnapshot and the executor
// saves the new snapshot afterwards.
type MetaManager struct {
	Registry *tool.Registry

	mu        sync.Mutex
	proposals []ToolProposal
}

// ToolProposal is a recorded propose_tool_improvement call.
type ToolProposal struct {
	Tool     string `json:"tool"`
	Proposal string `json:"proposal"`
}

// NewMetaManager creates a manager with an empty dynamic registry.
func NewMetaManager() *MetaManager {
	return &MetaManager{Registry: tool.NewRegistry()}
}

// Proposals returns the recorded tool improvement proposals.
func (m *MetaManager) Proposals() []ToolProposal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ToolProposal(nil), m.proposals...)
}

// Handles reports whether name is a meta-tool.
func (m *MetaManager) Handles(name string) bool {
	switch name {
	case engine.MetaGetMachineDefinition, engine.MetaUpdateDefinition,
		engine.MetaConstructTool, engine.MetaListAvailableTools,
		engine.MetaGetToolNodes, engine.MetaBuildToolFromNode,
		engine.MetaProposeToolImprovement:
		return true
	}
	return false
}

// Handle dispatches one meta-tool call. It returns the tool result
// text and the (possibly replaced) state.
func (m *MetaManager) Handle(_ context.Context, s *engine.ExecutionState, inv engine.InvokeLLM, name string, input map[string]interface{}) (string, *engine.ExecutionState, error) {
	switch name {
	case engine.MetaGetMachineDefinition:
		data, err := json.MarshalIndent(s.Machine, "", "  ")
		if err != nil {
			return "", s, err
		}
		return string(data), s, nil

	case engine.MetaUpdateDefinition:
		raw, ok := input["machine"]
		if !ok {
			return "", s, fmt.Errorf("machine parameter required")
		}
		data, err := json.Marshal(raw)
		if err != nil {
			return "", s, err
		}
		updated, err := machine.Load(data)
		if err != nil {
			return "", s, fmt.Errorf("rejected machine update: %w", err)
		}
		next := engine.UpdateMachineSnapshot(s, updated)
		return "machine definition updated", next, nil

	case engine.MetaConstructTool:
		return m.constructTool(input, s)

	case engine.MetaListAvailableTools:
		names := make([]string, 0, len(inv.Tools))
		for _, t := range inv.Tools {
			names = append(names, t.Name)
		}
		names = append(names, m.Registry.Names()...)
		data, _ := json.Marshal(names)
		return string(data), s, nil

	case engine.MetaGetToolNodes:
		var nodes []string
		for _, n := range s.Machine.Nodes {
			if n.Annotation("tool") != nil {
				nodes = append(nodes, n.Name)
			}
		}
		data, _ := json.Marshal(nodes)
		return string(data), s, nil

	case engine.MetaBuildToolFromNode:
		nodeName, _ := input["node"].(string)
		return m.buildToolFromNode(s, nodeName)

	case engine.MetaProposeToolImprovement:
		toolName, _ := input["tool"].(string)
		proposal, _ := input["proposal"].(string)
		if toolName == "" || proposal == "" {
			return "", s, fmt.Errorf("tool and proposal parameters required")
		}
		m.mu.Lock()
		m.proposals = append(m.proposals, ToolProposal{Tool: toolName, Proposal: proposal})
		m.mu.Unlock()
		return "proposal recorded", s, nil
	}
	return "", s, fmt.Errorf("unknown meta tool %s", name)
}

// constructTool registers a dynamic tool from the agent's description.
// The tool joins the agent's tool list on its next turn.
func (m *MetaManager) constructTool(input map[string]interface{}, s *engine.ExecutionState) (string, *engine.ExecutionState, error) {
	name, _ := input["name"].(string)
	description, _ := input["description"].(string)
	if name == "" || description == "" {
		return "", s, fmt.Errorf("name and description parameters required")
	}
	schema, _ := input["schema"].(map[string]interface{})
	if schema == nil {
		schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}

	var impl tool.Tool
	kind, _ := input["kind"].(string)
	switch kind {
	case "http":
		method, _ := input["method"].(string)
		url, _ := input["url"].(string)
		if url == "" {
			return "", s, fmt.Errorf("http tools require a url")
		}
		impl = tool.NewBoundHTTPTool(name, method, url, nil)
	default:
		// Echo tools reflect their input; useful as structured
		// scratchpads the agent defines for itself.
		impl = &tool.Func{
			ToolName: name,
			Fn: func(_ context.Context, in map[string]interface{}) (map[string]interface{}, error) {
				return in, nil
			},
		}
	}

	def := tool.Definition{
		Spec: model.ToolSpec{Name: name, Description: description, Schema: schema},
		Tool: impl,
	}
	if err := m.Registry.Register(def); err != nil {
		return "", s, err
	}
	return fmt.Sprintf("tool %s registered; available from the next turn", name), s, nil
}

// buildToolFromNode materializes a dynamic tool from a tool-definition
// node. The node's "schema" attribute (JSON) supplies the input
// schema; "method"/"url" attributes make it HTTP-backed, anything else
// becomes an echo tool.
func (m *MetaManager) buildToolFromNode(s *engine.ExecutionState, nodeName string) (string, *engine.ExecutionState, error) {
	node := s.Machine.NodeByName(nodeName)
	if node == nil {
		return "", s, fmt.Errorf("unknown node %s", nodeName)
	}
	if node.Annotation("tool") == nil {
		return "", s, fmt.Errorf("node %s is not marked as a tool", nodeName)
	}
	input := map[string]interface{}{
		"name":        nodeName,
		"description": node.AttributeText("desc"),
	}
	if input["description"] == "" {
		input["description"] = "tool built from node " + nodeName
	}
	if raw := node.AttributeText("schema"); raw != "" {
		if schema, ok := machine.ParseValue(raw).(map[string]interface{}); ok {
			input["schema"] = schema
		}
	}
	if url := node.AttributeText("url"); url != "" {
		input["kind"] = "http"
		input["url"] = url
		input["method"] = node.AttributeText("method")
	}
	return m.constructTool(input, s)
}
