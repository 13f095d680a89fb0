package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/dygram/dygram-go/machine"
	"github.com/dygram/dygram-go/model"
)

// Tool synthesis for agent-driven nodes: one transition tool per
// non-automated outbound edge, spawn and map tools for annotated edges,
// context read/write tools gated by permissions, and the meta-tool set
// for @meta nodes.

// Meta-tool names exposed to @meta nodes.
const (
	MetaGetMachineDefinition   = "get_machine_definition"
	MetaUpdateDefinition       = "update_definition"
	MetaConstructTool          = "construct_tool"
	MetaListAvailableTools     = "list_available_tools"
	MetaGetToolNodes           = "get_tool_nodes"
	MetaBuildToolFromNode      = "build_tool_from_node"
	MetaProposeToolImprovement = "propose_tool_improvement"
)

var toolNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

func sanitizeToolName(name string) string {
	return toolNameSanitizer.ReplaceAllString(name, "_")
}

// TransitionToolName names the tool that moves a path to target.
func TransitionToolName(target string) string {
	return "transition_to_" + sanitizeToolName(target)
}

// SpawnToolName names the tool that spawns an async path at target.
func SpawnToolName(target string) string {
	return "spawn_async_to_" + sanitizeToolName(target)
}

// MapToolName names the tool that fans out mapped paths at target.
func MapToolName(target string) string {
	return "map_spawn_to_" + sanitizeToolName(target)
}

// MapSpawn describes a map tool's fan-out parameters.
type MapSpawn struct {
	Target string

	// DefaultSource is the qualified collection name from the @map
	// annotation; the tool accepts a source override.
	DefaultSource string
	GroupID       string
}

// ToolPlan is the synthesized tool set for one agent conversation plus
// the dispatch table the executor uses to interpret tool calls.
type ToolPlan struct {
	Specs []model.ToolSpec

	// Transitions maps tool name to target node.
	Transitions map[string]string

	// Spawns maps tool name to spawn target.
	Spawns map[string]string

	// Maps maps tool name to its fan-out parameters.
	Maps map[string]MapSpawn

	// Reads and Writes map tool names to context node names.
	Reads  map[string]string
	Writes map[string]string

	// Meta is set when the node carries @meta and the meta-tool set is
	// included.
	Meta bool
}

// TransitionCount returns how many transition tools the plan holds.
func (tp *ToolPlan) TransitionCount() int { return len(tp.Transitions) }

// OnlyTransition returns the single transition target when the plan
// holds exactly one transition tool and nothing else; the runtime
// auto-takes it instead of invoking the agent.
func (tp *ToolPlan) OnlyTransition() (string, bool) {
	if len(tp.Transitions) != 1 {
		return "", false
	}
	if len(tp.Spawns) != 0 || len(tp.Maps) != 0 || len(tp.Reads) != 0 || len(tp.Writes) != 0 || tp.Meta {
		return "", false
	}
	for _, target := range tp.Transitions {
		return target, true
	}
	return "", false
}

// SynthesizeTools builds the tool plan for a node requiring agent
// decision. Dynamic tools registered in the meta-tool manager are the
// executor's concern and join the spec list there.
func SynthesizeTools(s *ExecutionState, node *machine.Node, candidates []Candidate, perms Permissions) *ToolPlan {
	plan := &ToolPlan{
		Transitions: map[string]string{},
		Spawns:      map[string]string{},
		Maps:        map[string]MapSpawn{},
		Reads:       map[string]string{},
		Writes:      map[string]string{},
	}
	proc := machine.Process(node.Annotations)

	for i := range candidates {
		c := &candidates[i]
		target := c.Edge.Target
		switch {
		case c.Processed.Async != nil:
			name := SpawnToolName(target)
			plan.Spawns[name] = target
			plan.Specs = append(plan.Specs, model.ToolSpec{
				Name:        name,
				Description: fmt.Sprintf("Start an independent flow at %s while continuing here.%s", target, edgeHint(c)),
				Schema:      emptyObjectSchema(),
			})
		case c.Processed.Map != nil:
			name := MapToolName(target)
			plan.Maps[name] = MapSpawn{
				Target:        target,
				DefaultSource: c.Processed.Map.Source,
				GroupID:       c.Processed.Map.Group,
			}
			plan.Specs = append(plan.Specs, model.ToolSpec{
				Name: name,
				Description: fmt.Sprintf("Fan out one flow per element of a collection, each running %s.%s",
					target, edgeHint(c)),
				Schema: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"source": map[string]interface{}{
							"type":        "string",
							"description": fmt.Sprintf("Qualified collection name (default %s)", c.Processed.Map.Source),
						},
					},
				},
			})
		default:
			name := TransitionToolName(target)
			plan.Transitions[name] = target
			plan.Specs = append(plan.Specs, model.ToolSpec{
				Name:        name,
				Description: fmt.Sprintf("Move this flow to %s.%s", target, edgeHint(c)),
				Schema: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"reason": map[string]interface{}{
							"type":        "string",
							"description": "Why this transition was chosen",
						},
					},
				},
			})
		}
	}

	ctxNames := make([]string, 0, len(perms))
	for name := range perms {
		ctxNames = append(ctxNames, name)
	}
	sort.Strings(ctxNames)
	for _, ctxName := range ctxNames {
		perm := perms[ctxName]
		if perm.Read {
			name := "read_" + sanitizeToolName(ctxName)
			plan.Reads[name] = ctxName
			plan.Specs = append(plan.Specs, model.ToolSpec{
				Name:        name,
				Description: fmt.Sprintf("Read the current fields of %s.", ctxName),
				Schema:      emptyObjectSchema(),
			})
		}
		if perm.Write {
			name := "write_" + sanitizeToolName(ctxName)
			plan.Writes[name] = ctxName
			plan.Specs = append(plan.Specs, model.ToolSpec{
				Name:        name,
				Description: fmt.Sprintf("Write one field of %s.", ctxName),
				Schema: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"field": map[string]interface{}{"type": "string", "description": "Field name"},
						"value": map[string]interface{}{"description": "New value, any JSON shape"},
					},
					"required": []string{"field"},
				},
			})
		}
	}

	if proc.Meta {
		plan.Meta = true
		plan.Specs = append(plan.Specs, MetaToolSpecs()...)
	}
	return plan
}

func edgeHint(c *Candidate) string {
	if c.Condition != "" {
		return " Applies when " + c.Condition + "."
	}
	if c.Edge.Label != "" {
		return " " + c.Edge.Label + "."
	}
	return ""
}

func emptyObjectSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

// PlanAgentTools recomputes the tool plan, permissions and environment
// for a node. The effect executor uses it when resuming an in-flight
// conversation whose InvokeLLM effect is gone.
func PlanAgentTools(s *ExecutionState, p *Path, node *machine.Node) (*ToolPlan, Permissions, map[string]interface{}) {
	env, perms := BuildEnv(s, p, node)
	candidates := EffectiveCandidates(s.Machine, node.Name)
	plan := SynthesizeTools(s, node, nonAutomatedCandidates(candidates), perms)
	return plan, perms, env
}

// MetaToolSpecs returns the tool specs for machine introspection and
// mutation exposed to @meta nodes.
func MetaToolSpecs() []model.ToolSpec {
	return []model.ToolSpec{
		{
			Name:        MetaGetMachineDefinition,
			Description: "Return the current machine definition as JSON.",
			Schema:      emptyObjectSchema(),
		},
		{
			Name:        MetaUpdateDefinition,
			Description: "Replace the machine definition. Takes the full machine JSON; the snapshot is validated before it is installed.",
			Schema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"machine": map[string]interface{}{"type": "object", "description": "Complete machine JSON"},
				},
				"required": []string{"machine"},
			},
		},
		{
			Name:        MetaConstructTool,
			Description: "Register a new dynamic tool available from the next turn. HTTP-backed tools take method, url and optional headers.",
			Schema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"name":        map[string]interface{}{"type": "string"},
					"description": map[string]interface{}{"type": "string"},
					"schema":      map[string]interface{}{"type": "object"},
					"kind":        map[string]interface{}{"type": "string", "description": "http or echo"},
					"method":      map[string]interface{}{"type": "string"},
					"url":         map[string]interface{}{"type": "string"},
				},
				"required": []string{"name", "description"},
			},
		},
		{
			Name:        MetaListAvailableTools,
			Description: "List every tool currently available in this conversation, including dynamic tools.",
			Schema:      emptyObjectSchema(),
		},
		{
			Name:        MetaGetToolNodes,
			Description: "List machine nodes marked as tool definitions.",
			Schema:      emptyObjectSchema(),
		},
		{
			Name:        MetaBuildToolFromNode,
			Description: "Materialize a dynamic tool from a tool-definition node's attributes.",
			Schema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"node": map[string]interface{}{"type": "string", "description": "Tool node name"},
				},
				"required": []string{"node"},
			},
		},
		{
			Name:        MetaProposeToolImprovement,
			Description: "Record a proposed improvement to an existing tool for later review.",
			Schema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"tool":     map[string]interface{}{"type": "string"},
					"proposal": map[string]interface{}{"type": "string"},
				},
				"required": []string{"tool", "proposal"},
			},
		},
	}
}

// BuildSystemPrompt assembles the agent's system prompt from the node's
// prompt, the reachable context, and the available transitions described
// in natural language. Template variables in the prompt resolve against
// the environment.
func BuildSystemPrompt(s *ExecutionState, node *machine.Node, candidates []Candidate, env map[string]interface{}, perms Permissions) string {
	var b strings.Builder
	title := s.Machine.Title
	if title == "" {
		title = "workflow"
	}
	fmt.Fprintf(&b, "You are executing the %q step of the %s workflow.\n", node.Name, title)

	if p := node.Prompt(); p != "" {
		b.WriteString("\n")
		b.WriteString(ResolveTemplate(p, env))
		b.WriteString("\n")
	}

	ctxNames := make([]string, 0, len(perms))
	for name, perm := range perms {
		if perm.Read {
			ctxNames = append(ctxNames, name)
		}
	}
	sort.Strings(ctxNames)
	if len(ctxNames) > 0 {
		b.WriteString("\nAvailable context:\n")
		for _, name := range ctxNames {
			values := ContextValues(s, name, perms[name])
			fields := make([]string, 0, len(values))
			for f := range values {
				fields = append(fields, f)
			}
			sort.Strings(fields)
			fmt.Fprintf(&b, "- %s:", name)
			for _, f := range fields {
				fmt.Fprintf(&b, " %s=%v", f, values[f])
			}
			b.WriteString("\n")
		}
	}

	if len(candidates) > 0 {
		b.WriteString("\nPossible next steps:\n")
		ordered := orderByPriority(candidates)
		for _, c := range ordered {
			switch {
			case c.Processed.Async != nil:
				fmt.Fprintf(&b, "- spawn an independent flow at %s", c.Edge.Target)
			case c.Processed.Map != nil:
				fmt.Fprintf(&b, "- fan out over %s, one flow per element, at %s", c.Processed.Map.Source, c.Edge.Target)
			default:
				fmt.Fprintf(&b, "- transition to %s", c.Edge.Target)
			}
			if c.Edge.Label != "" {
				fmt.Fprintf(&b, " (%s)", c.Edge.Label)
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\nUse the provided tools to act. Select exactly one transition when you are done.")
	return b.String()
}

// orderByPriority sorts candidates by descending @priority level,
// stable over source order.
func orderByPriority(candidates []Candidate) []Candidate {
	out := append([]Candidate(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		return priorityOf(out[i]) > priorityOf(out[j])
	})
	return out
}

func priorityOf(c Candidate) int {
	if c.Processed.Priority != nil {
		return c.Processed.Priority.Level
	}
	return 0
}
