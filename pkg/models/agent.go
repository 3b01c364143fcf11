package models

import "time"

// Agent is a configured participant in the orchestrator loop: its prompt
// templates, the tools it may call, and optional overrides of the
// workflow's default model/provider.
type Agent struct {
	ID string `json:"id"`

	// SystemPromptTemplate and UserPromptTemplate are rendered once per
	// turn against the conversation's current context to produce the
	// system message and the leading user message respectively. Templates
	// use the same {{var}} substitution the workflow config loader
	// resolves config $include/env values with.
	SystemPromptTemplate string `json:"system_prompt_template"`
	UserPromptTemplate   string `json:"user_prompt_template,omitempty"`

	// AllowedTools is the explicit allow-list enforced by the tool
	// registry. attempt_completion is always implicitly allowed even if
	// absent from this list.
	AllowedTools []string `json:"allowed_tools,omitempty"`

	// Model/Provider override the workflow's default when non-empty.
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`

	// CustomRules are appended verbatim after the rendered system prompt,
	// one rule per line, the way a project's house style guide is laid
	// over a base persona.
	CustomRules []string `json:"custom_rules,omitempty"`

	// Hooks binds named hook points (pre_chat, post_tool_call, ...) to
	// shell commands or sub-agent IDs invoked at that point in the loop.
	Hooks map[string]HookBinding `json:"hooks,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasTool reports whether name is in the agent's allow-list, counting
// attempt_completion as always present.
func (a *Agent) HasTool(name string) bool {
	if name == "attempt_completion" {
		return true
	}
	for _, t := range a.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}

// HookKind names a point in the orchestrator loop a hook may bind to.
type HookKind string

const (
	HookPreChat      HookKind = "pre_chat"
	HookPostToolCall HookKind = "post_tool_call"
)

// HookBinding describes what runs when a hook point fires: either a shell
// command (Command non-empty) or a delegation to another agent
// (AgentID non-empty). Exactly one should be set.
type HookBinding struct {
	Command string `json:"command,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}
