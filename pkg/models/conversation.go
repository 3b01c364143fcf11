package models

import "time"

// Conversation is the orchestrator's unit of persistence: one workflow run
// against one workspace, its message log, and the metrics accumulated
// across every turn.
type Conversation struct {
	ID        string `json:"id"`
	Workspace string `json:"workspace"`

	// WorkflowConfig is the agent/tool/provider configuration snapshot this
	// conversation was started with. It is captured at creation time so a
	// later config reload on disk never changes the semantics of an
	// in-flight conversation.
	WorkflowConfig WorkflowConfigSnapshot `json:"workflow_config"`

	Title   string    `json:"title,omitempty"`
	Context []Message `json:"context"`

	// ActiveAgentID is the agent currently driving the loop. Set on
	// creation and whenever an agent-as-tool delegation hands control to a
	// child conversation's own active agent; the parent conversation's
	// ActiveAgentID is restored when delegation returns.
	ActiveAgentID string `json:"active_agent_id"`

	Tasks []TaskItem `json:"tasks,omitempty"`

	// ToolMetrics accumulates per-tool invocation counts and wall time,
	// keyed by tool name, across the conversation's lifetime.
	ToolMetrics map[string]ToolMetric `json:"tool_metrics,omitempty"`

	// FileOperations is the append-only, path-keyed log of file mutations
	// performed by fs_write/fs_patch/fs_remove, used to drive fs_undo and
	// fs_diff reporting.
	FileOperations []FileOperation `json:"file_operations,omitempty"`

	Usage Usage `json:"usage"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WorkflowConfigSnapshot is the subset of the loaded workflow config that
// must be frozen into a Conversation at creation time.
type WorkflowConfigSnapshot struct {
	DefaultAgentID string            `json:"default_agent_id"`
	Agents         map[string]Agent  `json:"agents"`
	Compaction     CompactionConfig  `json:"compaction"`
	RetryPolicy    RetryPolicy       `json:"retry_policy"`
	Limits         WorkflowLimits    `json:"limits"`
	AuthMessage    string            `json:"auth_message,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	// ProviderFallbacks lists provider names the orchestrator tries in
	// order after the resolved provider fails a turn without a
	// retryable error left to spend.
	ProviderFallbacks []string `json:"provider_fallbacks,omitempty"`
}

// RetryPolicy bounds the orchestrator's retry behavior for provider errors
// marked retryable: exponential backoff with jitter, capped.
type RetryPolicy struct {
	MaxAttempts  int           `json:"max_attempts"`
	BaseDelay    time.Duration `json:"base_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	JitterFactor float64       `json:"jitter_factor"`
}

// WorkflowLimits caps per-conversation request and tool-failure budgets,
// and the shell/fetch resource ceilings enforced by built-in tools.
type WorkflowLimits struct {
	MaxRequestsPerTurn    int           `json:"max_requests_per_turn"`
	MaxToolFailures       int           `json:"max_tool_failures"`
	ToolTimeout           time.Duration `json:"tool_timeout"`
	ShellOutputMaxBytes   int           `json:"shell_output_max_bytes"`
	FetchResponseMaxBytes int           `json:"fetch_response_max_bytes"`
}

// TaskItem is one entry in a conversation's task list (written by the
// plan_create built-in tool and updated as the loop progresses).
type TaskItem struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Done      bool      `json:"done"`
	CreatedAt time.Time `json:"created_at"`
}

// ToolMetric aggregates invocation counts and elapsed time for one tool
// across a conversation's lifetime.
type ToolMetric struct {
	Calls       int           `json:"calls"`
	Failures    int           `json:"failures"`
	TotalElapsed time.Duration `json:"total_elapsed"`
}

// FileOperation records one filesystem mutation for undo/diff reporting.
// The log is append-only and keyed by Path so fs_undo can walk a path's
// history backward.
type FileOperation struct {
	Path      string    `json:"path"`
	Op        string    `json:"op"` // write, patch, remove
	Before    []byte    `json:"before,omitempty"`
	After     []byte    `json:"after,omitempty"`
	ToolCallID string   `json:"tool_call_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Usage is a conversation's cumulative token accounting, reported on every
// turn and persisted with the conversation.
type Usage struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	CachedTokens     int64   `json:"cached_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Add accumulates another usage record into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.CachedTokens += other.CachedTokens
	u.TotalTokens += other.TotalTokens
	u.CostUSD += other.CostUSD
}

// CompactionConfig controls when and how the compaction engine collapses
// a conversation's context. Either TokenThreshold or MessageThreshold (or
// both) may be set; compaction triggers when the active one is exceeded.
type CompactionConfig struct {
	RetentionWindow  int    `json:"retention_window"`
	TokenThreshold   int64  `json:"token_threshold,omitempty"`
	MessageThreshold int    `json:"message_threshold,omitempty"`
	SummaryTemplate  string `json:"summary_template"`
}
