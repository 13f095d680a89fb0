// Package model provides the LLM chat abstraction and provider
// adapters used by the effect executor.
package model

import "context"

// ChatModel is the interface every provider adapter implements.
//
// Implementations handle provider authentication, convert the common
// message format to the provider's wire format, and translate responses
// back. They must respect context cancellation and should surface rate
// limits and transient transport failures as errors the executor can
// retry.
type ChatModel interface {
	// Chat sends the conversation and tool set to the provider and
	// returns the model's reply: text, tool calls, or both.
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Standard role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	// RoleTool marks a tool-result message fed back to the model after
	// a tool dispatch.
	RoleTool = "tool"
)

// Message is one entry of a conversation.
type Message struct {
	// Role identifies the sender: system, user, assistant, or tool.
	Role string `json:"role"`

	// Content is the message text. May be empty on assistant messages
	// that only carry tool calls.
	Content string `json:"content"`

	// ToolCalls carries the tool invocations of an assistant message.
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`

	// ToolResults carries the results of dispatched tools on a tool
	// message. Providers that interleave results into user turns
	// convert as needed.
	ToolResults []ToolResult `json:"toolResults,omitempty"`
}

// ToolSpec describes a tool exposed to the model. Schema follows JSON
// Schema: {"type": "object", "properties": {...}, "required": [...]}.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Schema      map[string]interface{} `json:"input_schema,omitempty"`
}

// ToolCall is a request from the model to invoke a tool.
type ToolCall struct {
	// ID correlates the call with its result. Providers without call
	// ids leave it empty and match by order.
	ID string `json:"id,omitempty"`

	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input,omitempty"`
}

// ToolResult is the outcome of one dispatched tool call. The engine
// accepts tool outputs of any shape and surfaces them verbatim.
type ToolResult struct {
	ToolUseID string `json:"toolUseId,omitempty"`
	Name      string `json:"name"`
	Content   string `json:"content"`
	IsError   bool   `json:"isError,omitempty"`
}

// Usage reports token consumption of one request.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// ChatOut is the model's reply.
type ChatOut struct {
	// Text is the generated text, possibly empty when the model only
	// calls tools.
	Text string `json:"text"`

	// ToolCalls lists tools the model wants invoked, in the order the
	// model returned them. Dispatch preserves this order.
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`

	// Usage is the provider-reported token usage, when available.
	Usage Usage `json:"usage"`
}
