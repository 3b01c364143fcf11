package files

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/antinomyhq/forge/internal/agent"
)

// SearchTool grep-searches workspace files for a regular expression,
// bounding both the number of matched lines and the total bytes
// returned so a broad pattern can't flood the conversation.
type SearchTool struct {
	resolver       Resolver
	maxResultLines int
	maxResultBytes int
}

// NewSearchTool creates a search tool scoped to the workspace.
func NewSearchTool(cfg Config) *SearchTool {
	return &SearchTool{
		resolver:       Resolver{Root: cfg.Workspace},
		maxResultLines: 500,
		maxResultBytes: 200000,
	}
}

// Name returns the tool name.
func (t *SearchTool) Name() string {
	return "fs_search"
}

// Description returns the tool description.
func (t *SearchTool) Description() string {
	return "Search workspace files for a regular expression, returning matching lines with file:line context."
}

// Schema returns the JSON schema for the tool parameters.
func (t *SearchTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pattern": map[string]interface{}{
				"type":        "string",
				"description": "RE2 regular expression to search for.",
			},
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory to search within (relative to workspace, default: workspace root).",
			},
			"case_insensitive": map[string]interface{}{
				"type":        "boolean",
				"description": "Match case-insensitively (default: false).",
			},
		},
		"required": []string{"pattern"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

type searchMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Execute walks the search root and returns matching lines, truncating
// once either bound is hit.
func (t *SearchTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Pattern         string `json:"pattern"`
		Path            string `json:"path"`
		CaseInsensitive bool   `json:"case_insensitive"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Pattern) == "" {
		return toolError("pattern is required"), nil
	}

	expr := input.Pattern
	if input.CaseInsensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return toolError(fmt.Sprintf("invalid pattern: %v", err)), nil
	}

	root := input.Path
	if root == "" {
		root = "."
	}
	resolvedRoot, err := t.resolver.Resolve(root)
	if err != nil {
		return toolError(err.Error()), nil
	}

	var matches []searchMatch
	bytesUsed := 0
	truncated := false

	walkErr := filepath.WalkDir(resolvedRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if truncated {
			return fs.SkipAll
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return fs.SkipDir
			}
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()

		rel, err := filepath.Rel(t.resolver.Root, path)
		if err != nil {
			rel = path
		}

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if !re.MatchString(line) {
				continue
			}
			bytesUsed += len(line)
			if len(matches) >= t.maxResultLines || bytesUsed > t.maxResultBytes {
				truncated = true
				return fs.SkipAll
			}
			matches = append(matches, searchMatch{Path: rel, Line: lineNo, Text: line})
		}
		return nil
	})
	if walkErr != nil {
		return toolError(fmt.Sprintf("search: %v", walkErr)), nil
	}

	result := map[string]interface{}{
		"matches":   matches,
		"count":     len(matches),
		"truncated": truncated,
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}

	return &agent.ToolResult{Content: string(payload)}, nil
}
