package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/antinomyhq/forge/internal/agent"
)

// Config controls filesystem tool defaults.
type Config struct {
	Workspace    string
	MaxReadBytes int
	Undo         *UndoLog
}

// ReadTool implements a safe, line-oriented file reader.
type ReadTool struct {
	resolver   Resolver
	maxReadLen int
}

// NewReadTool creates a read tool scoped to the workspace.
func NewReadTool(cfg Config) *ReadTool {
	limit := cfg.MaxReadBytes
	if limit <= 0 {
		limit = 200000
	}
	return &ReadTool{
		resolver:   Resolver{Root: cfg.Workspace},
		maxReadLen: limit,
	}
}

// Name returns the tool name.
func (t *ReadTool) Name() string {
	return "fs_read"
}

// Description returns the tool description.
func (t *ReadTool) Description() string {
	return "Read a UTF-8 text file from the workspace, optionally bounded to a line range."
}

// Schema returns the JSON schema for the tool parameters.
func (t *ReadTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file (relative to workspace).",
			},
			"start_line": map[string]interface{}{
				"type":        "integer",
				"description": "First line to return, 1-indexed (default: 1).",
				"minimum":     1,
			},
			"end_line": map[string]interface{}{
				"type":        "integer",
				"description": "Last line to return, inclusive (default: end of file).",
				"minimum":     1,
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

// Execute reads a file, rejecting binary (non-UTF-8) content.
func (t *ReadTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Path      string `json:"path"`
		StartLine int    `json:"start_line"`
		EndLine   int    `json:"end_line"`
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

	data, err := os.ReadFile(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("open file: %v", err)), nil
	}
	if len(data) > t.maxReadLen {
		data = data[:t.maxReadLen]
	}
	if !utf8.Valid(data) {
		return toolError("file is not valid UTF-8 text (binary files are not supported)"), nil
	}

	lines := strings.Split(string(data), "\n")
	totalLines := len(lines)

	start := input.StartLine
	if start <= 0 {
		start = 1
	}
	end := input.EndLine
	if end <= 0 || end > totalLines {
		end = totalLines
	}
	if start > totalLines {
		return toolError(fmt.Sprintf("start_line %d is beyond the file's %d lines", start, totalLines)), nil
	}
	if end < start {
		return toolError("end_line must be >= start_line"), nil
	}

	selected := strings.Join(lines[start-1:end], "\n")

	result := map[string]interface{}{
		"content":      selected,
		"start_line":   start,
		"end_line":     end,
		"total_lines":  totalLines,
		"content_hash": contentHash(data),
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}

	return &agent.ToolResult{Content: string(payload)}, nil
}

func toolError(message string) *agent.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &agent.ToolResult{Content: message, IsError: true}
	}
	return &agent.ToolResult{Content: string(payload), IsError: true}
}
