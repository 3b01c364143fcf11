package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/antinomyhq/forge/internal/agent"
)

// UndoTool reverts the most recent fs_write/fs_patch/fs_remove applied
// to a path, restoring its prior content or absence.
type UndoTool struct {
	resolver Resolver
	undo     *UndoLog
}

// NewUndoTool creates an undo tool scoped to the workspace.
func NewUndoTool(cfg Config) *UndoTool {
	return &UndoTool{resolver: Resolver{Root: cfg.Workspace}, undo: cfg.Undo}
}

// Name returns the tool name.
func (t *UndoTool) Name() string {
	return "fs_undo"
}

// Description returns the tool description.
func (t *UndoTool) Description() string {
	return "Revert the most recent fs_write, fs_patch, or fs_remove applied to a path."
}

// Schema returns the JSON schema for the tool parameters.
func (t *UndoTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to revert (relative to workspace).",
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

// Execute pops the most recent snapshot for path and restores it.
func (t *UndoTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Path) == "" {
		return toolError("path is required"), nil
	}
	if t.undo == nil {
		return toolError("no undo history is available"), nil
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	snap, ok := t.undo.Pop(input.Path)
	if !ok {
		return toolError(fmt.Sprintf("no undo history for %s", input.Path)), nil
	}

	var op string
	if snap.Existed {
		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			return toolError(fmt.Sprintf("create directory: %v", err)), nil
		}
		if err := os.WriteFile(resolved, snap.Content, 0o644); err != nil {
			return toolError(fmt.Sprintf("restore file: %v", err)), nil
		}
		op = "restored"
	} else {
		if err := os.Remove(resolved); err != nil && !os.IsNotExist(err) {
			return toolError(fmt.Sprintf("remove file: %v", err)), nil
		}
		op = "removed"
	}

	result := map[string]interface{}{
		"path":          input.Path,
		"op":            "undo",
		"reverted_op":   snap.Op,
		"undo_action":   op,
		"after_existed": snap.Existed,
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}

	return &agent.ToolResult{Content: string(payload)}, nil
}
