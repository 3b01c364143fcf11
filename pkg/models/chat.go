package models

import "encoding/json"

// Event is the orchestrator's inbound operation argument: one user-turn
// trigger. Name follows the convention "<agent_id>/user_task_init" for a
// conversation's first turn and "<agent_id>/user_task_update" for
// continuations; Value is the user-visible prompt text.
type Event struct {
	Name string `json:"name"`

	// ConversationID selects which conversation this turn continues (or
	// starts, if unset/unknown to the repository).
	ConversationID string `json:"conversation_id,omitempty"`

	Value       string       `json:"value,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ChatResponseKind discriminates the ChatResponse sum type streamed out of
// a turn.
type ChatResponseKind string

const (
	ChatResponseTaskMessage   ChatResponseKind = "task_message"
	ChatResponseTaskReasoning ChatResponseKind = "task_reasoning"
	ChatResponseToolCallStart ChatResponseKind = "tool_call_start"
	ChatResponseToolCallEnd   ChatResponseKind = "tool_call_end"
	ChatResponseRetryAttempt  ChatResponseKind = "retry_attempt"
	ChatResponseInterrupt     ChatResponseKind = "interrupt"
	ChatResponseTaskComplete  ChatResponseKind = "task_complete"
)

// ChatResponse is one item in the lazy, finite stream a turn produces.
// Exactly one payload is populated for a given Kind, following the same
// discriminated-union convention as AgentEvent.
type ChatResponse struct {
	Kind ChatResponseKind `json:"kind"`

	TaskMessage   *TaskMessagePayload   `json:"task_message,omitempty"`
	TaskReasoning *TaskReasoningPayload `json:"task_reasoning,omitempty"`
	ToolCallStart *ToolCallStartPayload `json:"tool_call_start,omitempty"`
	ToolCallEnd   *ToolCallEndPayload   `json:"tool_call_end,omitempty"`
	RetryAttempt  *RetryAttemptPayload  `json:"retry_attempt,omitempty"`
	Interrupt     *InterruptPayload     `json:"interrupt,omitempty"`
	TaskComplete  *TaskCompletePayload  `json:"task_complete,omitempty"`

	// Err carries the terminal-fail error when the stream's last item
	// represents a non-retryable failure rather than a normal completion.
	Err error `json:"-"`
}

// TaskMessagePayload is assistant narration; exactly one of Text/Markdown/
// Title is populated per value.
type TaskMessagePayload struct {
	Text     string `json:"text,omitempty"`
	Markdown string `json:"markdown,omitempty"`
	Title    string `json:"title,omitempty"`
}

// TaskReasoningPayload is private chain-of-thought text surfaced only when
// the provider exposes it.
type TaskReasoningPayload struct {
	Text string `json:"text"`
}

// ToolCallStartPayload announces a tool invocation before it runs.
type ToolCallStartPayload struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// ToolCallEndPayload carries a completed tool invocation's result. It is
// always preceded by a ToolCallStartPayload with the same CallID.
type ToolCallEndPayload struct {
	CallID string     `json:"call_id"`
	Name   string     `json:"name"`
	Result ToolResult `json:"result"`
}

// RetryAttemptPayload reports one backoff-and-retry cycle after a
// retryable provider error.
type RetryAttemptPayload struct {
	Attempt int    `json:"attempt"`
	Reason  string `json:"reason,omitempty"`
}

// InterruptKind names the reason a turn terminated early without success
// or unrecoverable failure.
type InterruptKind string

const (
	InterruptMaxRequestsPerTurn InterruptKind = "maxRequestPerTurn"
	InterruptToolFailureLimit   InterruptKind = "toolFailureLimit"
	InterruptCancelled          InterruptKind = "cancelled"
)

// InterruptPayload describes a bounded-failure termination.
type InterruptPayload struct {
	Reason      InterruptKind  `json:"reason"`
	ToolFailure map[string]int `json:"tool_failures,omitempty"`
}

// TaskCompletePayload marks successful turn completion. It is always the
// last item in a successful stream.
type TaskCompletePayload struct {
	Summary string `json:"summary,omitempty"`
}
