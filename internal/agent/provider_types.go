package agent

import (
	"context"
	"encoding/json"

	"github.com/antinomyhq/forge/pkg/models"
)

// LLMProvider is the orchestrator's Provider Client interface: it
// turns a transformed request into a streamed completion. Implementations
// live under internal/agent/providers (Anthropic, OpenAI, Bedrock) and must
// be safe for concurrent use; the orchestrator runs one conversation's
// turn at a time, but separate conversations call the same provider
// concurrently.
type LLMProvider interface {
	// Complete sends a request and returns a channel of streamed chunks.
	// The channel is closed after a chunk with Done=true or Error!=nil.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider's identifier ("anthropic", "openai", "bedrock").
	Name() string

	// Models returns the provider's known models and their capabilities.
	Models() []Model

	// SupportsTools reports whether the provider can be sent tool
	// definitions and return tool-call requests.
	SupportsTools() bool

	// IsRetryable classifies an error returned from Complete as
	// provider-marked-retryable or not.
	IsRetryable(err error) bool
}

// CompletionRequest is the already-transformed request handed to a
// provider: the context store pipeline (role collapse, cache breakpoints,
// reasoning-effort selection, tool-schema normalization, auth system
// message) has already run by the time this reaches Complete.
type CompletionRequest struct {
	Model                string               `json:"model"`
	System               string               `json:"system,omitempty"`
	Messages             []CompletionMessage  `json:"messages"`
	Tools                []models.ToolDefinition `json:"tools,omitempty"`
	MaxTokens            int                  `json:"max_tokens,omitempty"`
	EnableThinking       bool                 `json:"enable_thinking,omitempty"`
	ThinkingBudgetTokens int                  `json:"thinking_budget_tokens,omitempty"`

	// CacheBreakpoints lists message indices where the provider's
	// prompt-cache boundary should be placed, per the cache-breakpoint
	// placement transform.
	CacheBreakpoints []int `json:"cache_breakpoints,omitempty"`
}

// CompletionMessage is one provider-facing message after role collapse.
type CompletionMessage struct {
	Role        string               `json:"role"`
	Content     string               `json:"content,omitempty"`
	ToolCalls   []models.ToolCall    `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult  `json:"tool_results,omitempty"`
	Attachments []models.Attachment  `json:"attachments,omitempty"`
}

// CompletionChunk is a single unit of a streamed provider response.
type CompletionChunk struct {
	Text          string          `json:"text,omitempty"`
	ToolCall      *models.ToolCall `json:"tool_call,omitempty"`
	Done          bool            `json:"done,omitempty"`
	Error         error           `json:"-"`
	Thinking      string          `json:"thinking,omitempty"`
	ThinkingStart bool            `json:"thinking_start,omitempty"`
	ThinkingEnd   bool            `json:"thinking_end,omitempty"`
	InputTokens   int             `json:"input_tokens,omitempty"`
	OutputTokens  int             `json:"output_tokens,omitempty"`
	CachedTokens  int             `json:"cached_tokens,omitempty"`
}

// Model describes one model a provider exposes.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ContextSize    int    `json:"context_size"`
	SupportsVision bool   `json:"supports_vision"`
}

// Tool is the registry's executable-tool contract. Built-in tools,
// MCP-backed tools, and agent-as-tool delegations all implement it.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is a tool's raw output before it is wrapped into a
// models.ToolResult and appended to the conversation's message log.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`

	// Attachments carries images/documents produced by the tool, relocated
	// into the message log by the context store's attachment transform.
	Attachments []models.Attachment `json:"attachments,omitempty"`
}
