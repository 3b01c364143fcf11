// Package control provides the orchestrator's sentinel and reasoning
// tools: attempt_completion and follow_up, which the orchestrator
// special-cases to end a turn, and think/plan_create, which are ordinary
// tools whose effect is entirely in their returned content.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/antinomyhq/forge/internal/agent"
)

// CompletionTool is the sentinel the orchestrator recognizes to end a
// turn successfully. The orchestrator dispatches it through the normal
// tool-execution path like any other call, then reads its ToolResult back
// as the turn's summary, so Execute simply echoes the result through.
type CompletionTool struct{}

func (CompletionTool) Name() string { return "attempt_completion" }

func (CompletionTool) Description() string {
	return "Signal that the requested task is finished. Always the last tool call of a successful turn."
}

func (CompletionTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"result": {"type": "string", "description": "Summary of what was accomplished."}
		},
		"required": ["result"]
	}`)
}

func (CompletionTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}
	return &agent.ToolResult{Content: input.Result}, nil
}

// FollowUpTool is the sentinel the orchestrator recognizes to suspend a
// turn pending an answer from the operator, rather than end it with
// success or failure. Like CompletionTool, it is dispatched normally and
// its ToolResult becomes the turn's summary, prefixed to mark it as a
// question rather than a finished task.
type FollowUpTool struct{}

func (FollowUpTool) Name() string { return "follow_up" }

func (FollowUpTool) Description() string {
	return "Ask the operator a clarifying question and suspend the turn until they answer."
}

func (FollowUpTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"question": {"type": "string", "description": "The question to put to the operator."}
		},
		"required": ["question"]
	}`)
}

func (FollowUpTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}
	return &agent.ToolResult{Content: input.Question}, nil
}

// ThinkTool records a private reasoning step. It carries no state across
// calls or turns; each invocation is scored independently and the model
// is expected to call it as many times as it needs before acting.
type ThinkTool struct{}

func (ThinkTool) Name() string { return "think" }

func (ThinkTool) Description() string {
	return "Record a private reasoning step before acting. Use to work through a plan, not to communicate with the operator."
}

func (ThinkTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"thought": {"type": "string", "description": "The reasoning step."},
			"confidence": {"type": "string", "enum": ["low", "medium", "high"], "description": "Confidence the current plan solves the task."}
		},
		"required": ["thought"]
	}`)
}

func (ThinkTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Thought    string `json:"thought"`
		Confidence string `json:"confidence"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}
	confidence := strings.ToLower(strings.TrimSpace(input.Confidence))
	if confidence == "" {
		confidence = "medium"
	}
	payload, _ := json.Marshal(map[string]string{
		"acknowledged": "true",
		"confidence":   confidence,
	})
	return &agent.ToolResult{Content: string(payload)}, nil
}

// planTask is one line of a plan_create task list.
type planTask struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// planResult is plan_create's structured return shape. The orchestrator
// recognizes the "tasks" key to seed Conversation.Tasks.
type planResult struct {
	Tasks []planTask `json:"tasks"`
}

// PlanCreateTool parses a Markdown task list ("- [ ] do the thing" /
// "- [x] done thing") into a structured plan.
type PlanCreateTool struct{}

func NewPlanCreateTool() *PlanCreateTool { return &PlanCreateTool{} }

func (t *PlanCreateTool) Name() string { return "plan_create" }

func (t *PlanCreateTool) Description() string {
	return "Record a task plan as a Markdown checklist, one task per line."
}

func (t *PlanCreateTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"plan": {"type": "string", "description": "Markdown checklist, e.g. \"- [ ] step one\\n- [ ] step two\"."}
		},
		"required": ["plan"]
	}`)
}

func (t *PlanCreateTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Plan string `json:"plan"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}

	tasks := parsePlan(input.Plan)
	if len(tasks) == 0 {
		return &agent.ToolResult{Content: "plan contained no checklist items (expected lines like \"- [ ] step\")", IsError: true}, nil
	}

	payload, err := json.Marshal(planResult{Tasks: tasks})
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("encode plan: %v", err), IsError: true}, nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}

func parsePlan(plan string) []planTask {
	var tasks []planTask
	for i, line := range strings.Split(plan, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "-")
		line = strings.TrimSpace(line)
		done := false
		switch {
		case strings.HasPrefix(line, "[ ]"):
			line = strings.TrimSpace(strings.TrimPrefix(line, "[ ]"))
		case strings.HasPrefix(line, "[x]"), strings.HasPrefix(line, "[X]"):
			line = strings.TrimSpace(line[3:])
			done = true
		default:
			continue
		}
		if line == "" {
			continue
		}
		tasks = append(tasks, planTask{ID: fmt.Sprintf("task-%d", i+1), Text: line, Done: done})
	}
	return tasks
}
