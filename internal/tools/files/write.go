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

// WriteTool implements atomic file writes within the workspace, snapshotting
// the prior content (if any) to the shared undo log before mutating.
type WriteTool struct {
	resolver Resolver
	undo     *UndoLog
}

// NewWriteTool creates a write tool scoped to the workspace.
func NewWriteTool(cfg Config) *WriteTool {
	return &WriteTool{resolver: Resolver{Root: cfg.Workspace}, undo: cfg.Undo}
}

// Name returns the tool name.
func (t *WriteTool) Name() string {
	return "fs_write"
}

// Description returns the tool description.
func (t *WriteTool) Description() string {
	return "Write content to a file in the workspace, replacing it atomically. The prior content is snapshotted for fs_undo."
}

// Schema returns the JSON schema for the tool parameters.
func (t *WriteTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to write (relative to workspace).",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "File contents to write.",
			},
		},
		"required": []string{"path", "content"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Execute atomically writes file contents, recording a pre-mutation
// snapshot.
func (t *WriteTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Path    string `json:"path"`
		Content string `json:"content"`
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

	before, existed, err := readIfExists(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("read existing file: %v", err)), nil
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return toolError(fmt.Sprintf("create directory: %v", err)), nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(resolved), ".fs_write-*")
	if err != nil {
		return toolError(fmt.Sprintf("create temp file: %v", err)), nil
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(input.Content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return toolError(fmt.Sprintf("write temp file: %v", err)), nil
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return toolError(fmt.Sprintf("close temp file: %v", err)), nil
	}
	if err := os.Rename(tmpPath, resolved); err != nil {
		os.Remove(tmpPath)
		return toolError(fmt.Sprintf("rename into place: %v", err)), nil
	}

	if t.undo != nil {
		t.undo.Push(input.Path, "write", existed, before)
	}

	result := map[string]interface{}{
		"path":          input.Path,
		"op":            "write",
		"bytes_written": len(input.Content),
	}
	if existed {
		result["before"] = before
	}
	result["after"] = []byte(input.Content)
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}

	return &agent.ToolResult{Content: string(payload)}, nil
}

// readIfExists returns a file's content and whether it existed,
// treating a missing file as existed=false rather than an error.
func readIfExists(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}
