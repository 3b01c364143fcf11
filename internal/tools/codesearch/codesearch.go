// Package codesearch implements the codebase_search tool as a thin
// contract over an external semantic-indexing service. The indexer
// itself is out of scope here; this package only adapts whatever
// backend the operator configures into the tool's request/response
// shape and inlines the snippets it returns.
package codesearch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/antinomyhq/forge/internal/agent"
)

// Match is one snippet returned by a Backend, already inlined with its
// surrounding source.
type Match struct {
	Path     string  `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine  int     `json:"end_line"`
	Score    float32 `json:"score"`
	Snippet  string  `json:"snippet"`
}

// Query describes a semantic search request.
type Query struct {
	Text  string
	Limit int
}

// Backend is the external indexing/semantic-search service codebase_search
// delegates to. Operators wire a concrete implementation (an HTTP client to
// a standalone indexer, an embedded vector store, etc.) at composition time.
type Backend interface {
	Search(ctx context.Context, q Query) ([]Match, error)
}

// Tool implements codebase_search.
type Tool struct {
	backend     Backend
	defaultSize int
}

// NewTool creates a codebase_search tool backed by the given Backend.
// A nil Backend makes the tool always refuse with a configuration error,
// so the tool can still be registered in deployments that don't wire one.
func NewTool(backend Backend) *Tool {
	return &Tool{backend: backend, defaultSize: 10}
}

func (t *Tool) Name() string { return "codebase_search" }

func (t *Tool) Description() string {
	return "Semantically search the codebase via the configured external indexing service, inlining matched code snippets."
}

func (t *Tool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Natural-language or code-shaped search query.",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of matches to return (default: 10).",
				"minimum":     1,
			},
		},
		"required": []string{"query"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Query) == "" {
		return toolError("query is required"), nil
	}
	if t.backend == nil {
		return toolError("no codebase search backend is configured"), nil
	}

	limit := input.Limit
	if limit <= 0 {
		limit = t.defaultSize
	}

	matches, err := t.backend.Search(ctx, Query{Text: input.Query, Limit: limit})
	if err != nil {
		return toolError(fmt.Sprintf("search failed: %v", err)), nil
	}

	result := map[string]interface{}{
		"query":   input.Query,
		"matches": matches,
		"count":   len(matches),
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
