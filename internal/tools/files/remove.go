package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/antinomyhq/forge/internal/agent"
)

// RemoveTool deletes a file from the workspace, snapshotting its prior
// content to the shared undo log so fs_undo can restore it.
type RemoveTool struct {
	resolver Resolver
	undo     *UndoLog
}

// NewRemoveTool creates a remove tool scoped to the workspace.
func NewRemoveTool(cfg Config) *RemoveTool {
	return &RemoveTool{resolver: Resolver{Root: cfg.Workspace}, undo: cfg.Undo}
}

// Name returns the tool name.
func (t *RemoveTool) Name() string {
	return "fs_remove"
}

// Description returns the tool description.
func (t *RemoveTool) Description() string {
	return "Delete a file from the workspace. The prior content is snapshotted for fs_undo."
}

// Schema returns the JSON schema for the tool parameters.
func (t *RemoveTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to delete (relative to workspace).",
			},
		},
		"required": []string{"path"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Execute deletes the file, recording its content for undo.
func (t *RemoveTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Path) == "" {
		return toolError("path is required"), nil
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	before, err := os.ReadFile(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("read file: %v", err)), nil
	}

	if err := os.Remove(resolved); err != nil {
		return toolError(fmt.Sprintf("remove file: %v", err)), nil
	}

	if t.undo != nil {
		t.undo.Push(input.Path, "remove", true, before)
	}

	result := map[string]interface{}{
		"path":   input.Path,
		"op":     "remove",
		"before": before,
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}

	return &agent.ToolResult{Content: string(payload)}, nil
}
