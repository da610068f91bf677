package llm

import (
	"context"
	"encoding/json"
)

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is the fundamental unit of conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant messages only
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool result messages only
	IsError    bool       `json:"is_error,omitempty"`     // tool result messages only
}

// SystemMessage creates a system Message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// UserMessage creates a user Message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage creates an assistant Message.
func AssistantMessage(text string, toolCalls []ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: toolCalls}
}

// ToolResultMessage creates a tool result Message.
func ToolResultMessage(toolCallID, content string, isError bool) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: toolCallID, IsError: isError}
}

// Size returns the character count of the message, including serialized tool
// call arguments. Used for cheap token estimation.
func (m Message) Size() int {
	n := len(m.Content)
	for _, tc := range m.ToolCalls {
		n += len(tc.Name) + len(tc.Arguments)
	}
	return n
}

// ToolCall is a model-initiated tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is produced by executing a tool.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
	DurationMs int64  `json:"duration_ms"`
}

// Tool pairs a definition with its executor. A nil Execute makes the tool
// passive: calls are returned to the caller instead of being run in the step
// loop.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]interface{} // JSON Schema
	Execute     func(ctx context.Context, args json.RawMessage) (string, error)
}

// Definition returns the serializable part of the tool.
func (t Tool) Definition() ToolDefinition {
	return ToolDefinition{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
}

// ToolDefinition describes a tool for the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add returns a new Usage that is the sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// FinishReason values reported by providers.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
	FinishError     = "error"
)

// Request is the input to Client.Complete.
type Request struct {
	Model     string           `json:"model"`
	Messages  []Message        `json:"messages"`
	Provider  string           `json:"provider,omitempty"`
	ToolDefs  []ToolDefinition `json:"tools,omitempty"`
	MaxTokens int              `json:"max_tokens,omitempty"`
}

// Response is the output of Client.Complete.
type Response struct {
	ID           string     `json:"id"`
	Model        string     `json:"model"`
	Provider     string     `json:"provider"`
	Text         string     `json:"text"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	Usage        Usage      `json:"usage"`
}

// GenerateRequest is one bounded model invocation: system prompt, message
// history, tool definitions, and a hard limit on tool-execution steps.
type GenerateRequest struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []Tool
	StepLimit int // maximum tool-execution rounds; 0 means no tool rounds
	MaxTokens int
}

// StepResult records a single step in a multi-step generation.
type StepResult struct {
	Text         string       `json:"text"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults  []ToolResult `json:"tool_results,omitempty"`
	FinishReason string       `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
}

// GenerateResult is returned by Generate.
type GenerateResult struct {
	Text       string       `json:"text"`
	Steps      []StepResult `json:"steps"`
	TotalUsage Usage        `json:"total_usage"`
}

// ToolCalls returns every tool call made across all steps, in order.
func (r *GenerateResult) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, step := range r.Steps {
		calls = append(calls, step.ToolCalls...)
	}
	return calls
}

// ToolResults returns every tool result across all steps, in order.
func (r *GenerateResult) ToolResults() []ToolResult {
	var results []ToolResult
	for _, step := range r.Steps {
		results = append(results, step.ToolResults...)
	}
	return results
}

// Generator is the model boundary consumed by the agent loop.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}

// Summarizer produces a bounded text summary from a prompt. The context
// compactor uses it for model-assisted summarization.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string, maxTokens int) (string, error)
}
